package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher republishes validated config snapshots when the file changes on
// disk. A reload that fails validation is rejected and the previous
// snapshot stays in effect.
type Watcher struct {
	v       *viper.Viper
	logger  *slog.Logger
	current atomic.Pointer[Config]
	onSwap  func(Config)
}

// Watch starts watching the viper-backed file that produced cfg. onSwap,
// if non-nil, runs after every accepted reload with the new snapshot.
func Watch(cfg Config, v *viper.Viper, logger *slog.Logger, onSwap func(Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{v: v, logger: logger, onSwap: onSwap}
	w.current.Store(&cfg)

	v.OnConfigChange(func(event fsnotify.Event) {
		next, err := unmarshal(v)
		if err != nil {
			logger.Error("config reload rejected",
				"file", event.Name,
				"error", err,
			)
			return
		}
		w.current.Store(&next)
		logger.Info("config reloaded", "file", event.Name)
		if w.onSwap != nil {
			w.onSwap(next)
		}
	})
	v.WatchConfig()
	return w
}

// Current returns the latest accepted snapshot.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}
