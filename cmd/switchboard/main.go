// Command switchboard runs the call session orchestrator: it accepts
// gateway calls over websocket, drives each one through the conversation
// state machine, and serves the supervision API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxhall/switchboard/internal/dotenv"
	"github.com/voxhall/switchboard/pkg/core/recognize"
	"github.com/voxhall/switchboard/pkg/core/synthesize"
	"github.com/voxhall/switchboard/pkg/core/understand"
	"github.com/voxhall/switchboard/pkg/notify"
	"github.com/voxhall/switchboard/pkg/orchestrator/config"
	"github.com/voxhall/switchboard/pkg/orchestrator/escalation"
	"github.com/voxhall/switchboard/pkg/orchestrator/fallback"
	"github.com/voxhall/switchboard/pkg/orchestrator/registry"
	"github.com/voxhall/switchboard/pkg/orchestrator/server"
	"github.com/voxhall/switchboard/pkg/store"
)

const (
	defaultConfigPath = "switchboard.yaml"
	drainGrace        = 30 * time.Second
	lockoutTTL        = 15 * time.Minute
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "switchboard:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := dotenv.LoadFile(".env"); err != nil {
		return err
	}

	path := os.Getenv("SWITCHBOARD_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, v, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)
	watcher := config.Watch(cfg, v, logger, func(next config.Config) {
		logger.Info("configuration reloaded")
	})

	reg := registry.New()

	var st store.Store
	if cfg.Store.PostgresDSN != "" {
		pg, err := store.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn("no postgres dsn configured, conversation records disabled")
	}

	var notifier notify.Notifier
	if cfg.Notify.RedisAddr != "" {
		rd, err := notify.NewRedis(ctx, cfg.Notify.RedisAddr, cfg.Notify.SMSStream, cfg.Notify.AlertStream)
		if err != nil {
			return fmt.Errorf("open notifier: %w", err)
		}
		defer rd.Close()
		notifier = rd
	} else {
		logger.Warn("no redis address configured, sms and admin alerts disabled")
	}

	controller := fallback.NewController(fallback.Config{
		Breaker: fallback.BreakerConfig{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			Window:           cfg.Circuit.Window,
			Cooldown:         cfg.Circuit.Cooldown,
		},
		AlertThreshold: cfg.Alert.CriticalFailures,
		AlertWindow:    cfg.Alert.Window,
		AlertInterval:  cfg.Alert.Interval,
	}, logger, alertHook(notifier, logger))

	var recognizer recognize.Provider
	if cfg.Speech.RecognitionURL != "" {
		recognizer = recognize.NewHTTP(cfg.Speech.RecognitionURL, cfg.Speech.RecognitionKey, cfg.Speech.RecognitionModel)
	}
	var understander understand.Provider
	if cfg.Speech.UnderstandingKey != "" {
		understander, err = understand.NewGemini(ctx, cfg.Speech.UnderstandingKey, cfg.Speech.UnderstandingModel)
		if err != nil {
			return fmt.Errorf("understanding provider: %w", err)
		}
	}
	var synthesizer synthesize.Provider
	if cfg.Speech.SynthesisURL != "" {
		synthesizer = synthesize.NewHTTP(cfg.Speech.SynthesisURL, cfg.Speech.SynthesisKey, cfg.Speech.SynthesisModel)
	}

	assets, err := loadAssets(cfg.Session.PrerecordedAssetsDir, logger)
	if err != nil {
		return err
	}

	srv := server.New(watcher.Current, server.Dependencies{
		Recognizer:   recognizer,
		Understander: understander,
		Synthesizer:  synthesizer,
		Fallback:     controller,
		Scripted:     fallback.NewScriptedResponder(defaultScript()),
		Assets:       assets,
		Registry:     reg,
		Store:        st,
		Notifier:     notifier,
		Lockouts:     escalation.NewLockoutTable(cfg.Session.MaxAuthFailures, lockoutTTL),
		Logger:       logger,
	})

	serveCtx, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(serveCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Drain: stop accepting, warn live callers, give them a grace window,
	// then cut whatever is left.
	serveCancel()
	warned := reg.WarnAll("maintenance shutdown")
	logger.Info("draining sessions", "live", len(reg.List()), "warned", warned)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), drainGrace)
	defer waitCancel()
	if !srv.WaitSessions(waitCtx) {
		logger.Warn("drain grace expired, cancelling remaining sessions")
		reg.CancelAll()
		forceCtx, forceCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer forceCancel()
		srv.WaitSessions(forceCtx)
	}

	if err := <-errCh; err != nil {
		return err
	}
	logger.Info("switchboard stopped")
	return nil
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// alertHook forwards circuit alerts to administrators.
func alertHook(notifier notify.Notifier, logger *slog.Logger) func(context.Context, fallback.AlertEvent) {
	if notifier == nil {
		return nil
	}
	return func(ctx context.Context, ev fallback.AlertEvent) {
		err := notifier.AlertAdministrators(ctx, notify.AdminEvent{
			Kind:   "dependency_failure",
			Detail: fmt.Sprintf("%s failing repeatedly, circuit %s", ev.Component, ev.State),
			Payload: map[string]any{
				"component": ev.Component,
				"failures":  ev.Failures,
				"circuit":   ev.State,
			},
			At: ev.At,
		})
		if err != nil {
			logger.Error("admin alert failed", "error", err)
		}
	}
}

// loadAssets reads the pre-recorded prompt library, falling back to a
// built-in second of silence so degraded playback never has nothing to
// play.
func loadAssets(dir string, logger *slog.Logger) (*synthesize.AssetLibrary, error) {
	if dir != "" {
		assets, err := synthesize.LoadAssets(dir)
		if err != nil {
			return nil, fmt.Errorf("load assets: %w", err)
		}
		return assets, nil
	}
	logger.Warn("no pre-recorded assets configured, degraded playback will be silent")
	return synthesize.NewAssetLibrary(map[string][]byte{
		synthesize.GenericNoticeCategory: make([]byte, 16000),
	}), nil
}

// defaultScript is the scripted-response set used when the understanding
// service is unavailable.
func defaultScript() []fallback.ScriptedRule {
	return []fallback.ScriptedRule{
		{
			Keywords: []string{"hours", "open", "opening", "closed"},
			Response: "We are available by phone on weekdays from nine until five.",
			Category: "opening_hours",
		},
		{
			Keywords: []string{"address", "location", "where"},
			Response: "You can find our visiting address and directions on our website.",
			Category: "address",
		},
		{
			Keywords: []string{"password", "pin", "login", "account"},
			Response: "For account and login questions, please use the self-service page on our website.",
			Category: "account_help",
		},
	}
}
