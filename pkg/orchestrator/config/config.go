// Package config loads the orchestrator configuration from a YAML file
// with environment overrides, validates it exhaustively, and re-publishes
// snapshots when the file changes on disk.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration. Loaded at startup and on
// hot reload; consumers hold a snapshot, never a pointer into the watcher.
type Config struct {
	Listen  ListenConfig  `mapstructure:"listen"`
	Log     LogConfig     `mapstructure:"log"`
	Session SessionConfig `mapstructure:"session"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Circuit CircuitConfig `mapstructure:"circuit"`
	Alert   AlertConfig   `mapstructure:"alert"`
	Speech  SpeechConfig  `mapstructure:"speech"`
	Store   StoreConfig   `mapstructure:"store"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

// ListenConfig is the HTTP listener surface.
type ListenConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig tunes slog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // json|text
}

// SessionConfig tunes the per-call state machine.
type SessionConfig struct {
	SilenceFinalization  time.Duration `mapstructure:"silence_finalization"`
	GreetingDeadline     time.Duration `mapstructure:"greeting_deadline"`
	RecognizeDeadline    time.Duration `mapstructure:"recognize_deadline"`
	UnderstandDeadline   time.Duration `mapstructure:"understand_deadline"`
	SynthesizeDeadline   time.Duration `mapstructure:"synthesize_deadline"`
	TransferDeadline     time.Duration `mapstructure:"transfer_deadline"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	MaxDuration          time.Duration `mapstructure:"max_duration"`
	DTMFInterdigit       time.Duration `mapstructure:"dtmf_interdigit_timeout"`
	LowConfidence        float64       `mapstructure:"low_confidence_threshold"`
	MaxLowConfidence     int           `mapstructure:"max_low_confidence_retries"`
	BargeInEnergy        float64       `mapstructure:"barge_in_energy_threshold"`
	SilenceEnergy        float64       `mapstructure:"silence_energy_threshold"`
	SentimentEscalation  float64       `mapstructure:"sentiment_escalation_threshold"`
	MaxAuthFailures      int           `mapstructure:"max_auth_failures"`
	SupportedLanguages   []string      `mapstructure:"supported_languages"`
	DefaultLanguage      string        `mapstructure:"default_language"`
	VoiceProfile         string        `mapstructure:"voice_profile"`
	PrerecordedAssetsDir string        `mapstructure:"prerecorded_assets_dir"`
	TransferTarget       string        `mapstructure:"transfer_target"`
}

// LimitsConfig is the capacity ceiling.
type LimitsConfig struct {
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`
	QueueCapacity         int `mapstructure:"queue_capacity"`
}

// CircuitConfig tunes the per-dependency fallback circuits.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// AlertConfig tunes administrator alerting.
type AlertConfig struct {
	CriticalFailures int           `mapstructure:"critical_failures"`
	Window           time.Duration `mapstructure:"window"`
	Interval         time.Duration `mapstructure:"interval"`
}

// SpeechConfig points at the recognition, understanding and synthesis
// providers.
type SpeechConfig struct {
	RecognitionURL     string `mapstructure:"recognition_url"`
	RecognitionKey     string `mapstructure:"recognition_key"`
	RecognitionModel   string `mapstructure:"recognition_model"`
	SynthesisURL       string `mapstructure:"synthesis_url"`
	SynthesisKey       string `mapstructure:"synthesis_key"`
	SynthesisModel     string `mapstructure:"synthesis_model"`
	UnderstandingKey   string `mapstructure:"understanding_key"`
	UnderstandingModel string `mapstructure:"understanding_model"`
}

// StoreConfig is the conversation store connection.
type StoreConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// NotifyConfig is the notification bus connection.
type NotifyConfig struct {
	RedisAddr   string `mapstructure:"redis_addr"`
	SMSStream   string `mapstructure:"sms_stream"`
	AlertStream string `mapstructure:"alert_stream"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ListenConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Session: SessionConfig{
			SilenceFinalization: 3 * time.Second,
			GreetingDeadline:    2 * time.Second,
			RecognizeDeadline:   5 * time.Second,
			UnderstandDeadline:  8 * time.Second,
			SynthesizeDeadline:  5 * time.Second,
			TransferDeadline:    15 * time.Second,
			IdleTimeout:         60 * time.Second,
			MaxDuration:         30 * time.Minute,
			DTMFInterdigit:      4 * time.Second,
			LowConfidence:       0.6,
			MaxLowConfidence:    2,
			BargeInEnergy:       0.12,
			SilenceEnergy:       0.05,
			SentimentEscalation: -0.6,
			MaxAuthFailures:     3,
			SupportedLanguages:  []string{"en"},
			DefaultLanguage:     "en",
			VoiceProfile:        "default",
			TransferTarget:      "agents",
		},
		Limits: LimitsConfig{
			MaxConcurrentSessions: 50,
			QueueCapacity:         10,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			Window:           30 * time.Second,
			Cooldown:         60 * time.Second,
		},
		Alert: AlertConfig{
			CriticalFailures: 3,
			Window:           5 * time.Minute,
			Interval:         15 * time.Minute,
		},
		Notify: NotifyConfig{
			SMSStream:   "switchboard:sms",
			AlertStream: "switchboard:alerts",
		},
	}
}

// Load reads the config file at path, applies SWITCHBOARD_* environment
// overrides, and validates the result.
func Load(path string) (Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SWITCHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen.addr", d.Listen.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("session.silence_finalization", d.Session.SilenceFinalization)
	v.SetDefault("session.greeting_deadline", d.Session.GreetingDeadline)
	v.SetDefault("session.recognize_deadline", d.Session.RecognizeDeadline)
	v.SetDefault("session.understand_deadline", d.Session.UnderstandDeadline)
	v.SetDefault("session.synthesize_deadline", d.Session.SynthesizeDeadline)
	v.SetDefault("session.transfer_deadline", d.Session.TransferDeadline)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("session.max_duration", d.Session.MaxDuration)
	v.SetDefault("session.dtmf_interdigit_timeout", d.Session.DTMFInterdigit)
	v.SetDefault("session.low_confidence_threshold", d.Session.LowConfidence)
	v.SetDefault("session.max_low_confidence_retries", d.Session.MaxLowConfidence)
	v.SetDefault("session.barge_in_energy_threshold", d.Session.BargeInEnergy)
	v.SetDefault("session.silence_energy_threshold", d.Session.SilenceEnergy)
	v.SetDefault("session.sentiment_escalation_threshold", d.Session.SentimentEscalation)
	v.SetDefault("session.max_auth_failures", d.Session.MaxAuthFailures)
	v.SetDefault("session.supported_languages", d.Session.SupportedLanguages)
	v.SetDefault("session.default_language", d.Session.DefaultLanguage)
	v.SetDefault("session.voice_profile", d.Session.VoiceProfile)
	v.SetDefault("session.transfer_target", d.Session.TransferTarget)
	v.SetDefault("limits.max_concurrent_sessions", d.Limits.MaxConcurrentSessions)
	v.SetDefault("limits.queue_capacity", d.Limits.QueueCapacity)
	v.SetDefault("circuit.failure_threshold", d.Circuit.FailureThreshold)
	v.SetDefault("circuit.window", d.Circuit.Window)
	v.SetDefault("circuit.cooldown", d.Circuit.Cooldown)
	v.SetDefault("alert.critical_failures", d.Alert.CriticalFailures)
	v.SetDefault("alert.window", d.Alert.Window)
	v.SetDefault("alert.interval", d.Alert.Interval)
	v.SetDefault("notify.sms_stream", d.Notify.SMSStream)
	v.SetDefault("notify.alert_stream", d.Notify.AlertStream)
}

// Validate rejects configurations the orchestrator cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen.Addr) == "" {
		return fmt.Errorf("listen.addr is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	s := c.Session
	if s.SilenceFinalization <= 0 {
		return fmt.Errorf("session.silence_finalization must be > 0")
	}
	if s.GreetingDeadline <= 0 {
		return fmt.Errorf("session.greeting_deadline must be > 0")
	}
	if s.RecognizeDeadline <= 0 {
		return fmt.Errorf("session.recognize_deadline must be > 0")
	}
	if s.UnderstandDeadline <= 0 {
		return fmt.Errorf("session.understand_deadline must be > 0")
	}
	if s.SynthesizeDeadline <= 0 {
		return fmt.Errorf("session.synthesize_deadline must be > 0")
	}
	if s.TransferDeadline <= 0 {
		return fmt.Errorf("session.transfer_deadline must be > 0")
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be > 0")
	}
	if s.MaxDuration <= 0 {
		return fmt.Errorf("session.max_duration must be > 0")
	}
	if s.DTMFInterdigit <= 0 {
		return fmt.Errorf("session.dtmf_interdigit_timeout must be > 0")
	}
	if s.LowConfidence <= 0 || s.LowConfidence > 1 {
		return fmt.Errorf("session.low_confidence_threshold must be in (0, 1]")
	}
	if s.MaxLowConfidence <= 0 {
		return fmt.Errorf("session.max_low_confidence_retries must be > 0")
	}
	if s.BargeInEnergy <= 0 || s.BargeInEnergy > 1 {
		return fmt.Errorf("session.barge_in_energy_threshold must be in (0, 1]")
	}
	if s.SilenceEnergy <= 0 || s.SilenceEnergy > 1 {
		return fmt.Errorf("session.silence_energy_threshold must be in (0, 1]")
	}
	if s.SentimentEscalation < -1 || s.SentimentEscalation > 1 {
		return fmt.Errorf("session.sentiment_escalation_threshold must be in [-1, 1]")
	}
	if s.MaxAuthFailures <= 0 {
		return fmt.Errorf("session.max_auth_failures must be > 0")
	}
	if len(s.SupportedLanguages) == 0 {
		return fmt.Errorf("session.supported_languages must not be empty")
	}
	if !containsString(s.SupportedLanguages, s.DefaultLanguage) {
		return fmt.Errorf("session.default_language %q not in supported_languages", s.DefaultLanguage)
	}

	if c.Limits.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("limits.max_concurrent_sessions must be > 0")
	}
	if c.Limits.QueueCapacity < 0 {
		return fmt.Errorf("limits.queue_capacity must be >= 0")
	}

	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be > 0")
	}
	if c.Circuit.Window <= 0 {
		return fmt.Errorf("circuit.window must be > 0")
	}
	if c.Circuit.Cooldown <= 0 {
		return fmt.Errorf("circuit.cooldown must be > 0")
	}

	if c.Alert.CriticalFailures < 0 {
		return fmt.Errorf("alert.critical_failures must be >= 0")
	}
	if c.Alert.CriticalFailures > 0 {
		if c.Alert.Window <= 0 {
			return fmt.Errorf("alert.window must be > 0 when alerting is enabled")
		}
		if c.Alert.Interval <= 0 {
			return fmt.Errorf("alert.interval must be > 0 when alerting is enabled")
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
