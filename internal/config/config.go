package config

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bounds for the reconciler parameters. Out-of-range values are rejected
// before the loop starts.
const (
	MinLogoutDelayMinutes = 0
	MaxLogoutDelayMinutes = 10
	MinPollSeconds        = 1
	MaxPollSeconds        = 240
	MinGraceMinutes       = 0
	MaxGraceMinutes       = 30
)

const (
	defaultMessageTitle = "Maintenance notice"
	defaultMessageBody  = "This host is being drained for maintenance. You will be logged off in %s. Please save your work."
)

// Config contains all runtime settings for the drain daemon.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	ShutdownTimeout  time.Duration `yaml:"-"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	// DirectoryProvider selects the session backend: auto, local or mock.
	DirectoryProvider string `yaml:"directory"`

	LogoutDelayMinutes  int    `yaml:"logout_delay_minutes"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	GracePeriodMinutes  int    `yaml:"grace_period_minutes"`
	DrainOnEmpty        bool   `yaml:"drain_on_empty"`
	OperatorUser        string `yaml:"operator_user"`
	Verbose             bool   `yaml:"verbose"`

	MessageTitle string `yaml:"message_title"`
	MessageBody  string `yaml:"message_body"`

	SupervisorTick time.Duration `yaml:"-"`
	TaskTimeout    time.Duration `yaml:"-"`

	AuditEnabled bool   `yaml:"audit_enabled"`
	DatabaseURL  string `yaml:"database_url"`
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in that order of precedence, then validates it.
// An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Config{
		BindAddr:            ":8421",
		MetricsNamespace:    "draind",
		ShutdownTimeout:     15 * time.Second,
		DirectoryProvider:   "auto",
		LogoutDelayMinutes:  2,
		PollIntervalSeconds: 10,
		GracePeriodMinutes:  5,
		MessageTitle:        defaultMessageTitle,
		MessageBody:         defaultMessageBody,
		SupervisorTick:      500 * time.Millisecond,
		TaskTimeout:         60 * time.Minute,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var err error
	cfg.BindAddr = envOrDefault("DRAIND_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("DRAIND_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.DirectoryProvider = envOrDefault("DRAIND_DIRECTORY", cfg.DirectoryProvider)
	cfg.OperatorUser = envOrDefault("DRAIND_OPERATOR_USER", cfg.OperatorUser)
	cfg.MessageTitle = envOrDefault("DRAIND_MESSAGE_TITLE", cfg.MessageTitle)
	cfg.MessageBody = envOrDefault("DRAIND_MESSAGE_BODY", cfg.MessageBody)
	cfg.DatabaseURL = envOrDefault("DRAIND_DATABASE_URL", cfg.DatabaseURL)

	cfg.LogoutDelayMinutes, err = intFromEnv("DRAIND_LOGOUT_DELAY_MINUTES", cfg.LogoutDelayMinutes)
	if err != nil {
		return Config{}, err
	}
	cfg.PollIntervalSeconds, err = intFromEnv("DRAIND_POLL_INTERVAL_SECONDS", cfg.PollIntervalSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.GracePeriodMinutes, err = intFromEnv("DRAIND_GRACE_PERIOD_MINUTES", cfg.GracePeriodMinutes)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainOnEmpty, err = boolFromEnv("DRAIND_DRAIN_ON_EMPTY", cfg.DrainOnEmpty)
	if err != nil {
		return Config{}, err
	}
	cfg.Verbose, err = boolFromEnv("DRAIND_VERBOSE", cfg.Verbose)
	if err != nil {
		return Config{}, err
	}
	cfg.AuditEnabled, err = boolFromEnv("DRAIND_AUDIT_ENABLED", cfg.AuditEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("DRAIND_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("DRAIND_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SupervisorTick, err = durationFromEnv("DRAIND_SUPERVISOR_TICK", cfg.SupervisorTick)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("DRAIND_TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.OperatorUser == "" {
		if current, err := user.Current(); err == nil {
			cfg.OperatorUser = current.Username
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the reconciler parameter bounds and provider names.
func (c Config) Validate() error {
	if c.LogoutDelayMinutes < MinLogoutDelayMinutes || c.LogoutDelayMinutes > MaxLogoutDelayMinutes {
		return fmt.Errorf("logout delay must be between %d and %d minutes, got %d",
			MinLogoutDelayMinutes, MaxLogoutDelayMinutes, c.LogoutDelayMinutes)
	}
	if c.PollIntervalSeconds < MinPollSeconds || c.PollIntervalSeconds > MaxPollSeconds {
		return fmt.Errorf("poll interval must be between %d and %d seconds, got %d",
			MinPollSeconds, MaxPollSeconds, c.PollIntervalSeconds)
	}
	if c.GracePeriodMinutes < MinGraceMinutes || c.GracePeriodMinutes > MaxGraceMinutes {
		return fmt.Errorf("grace period must be between %d and %d minutes, got %d",
			MinGraceMinutes, MaxGraceMinutes, c.GracePeriodMinutes)
	}
	switch strings.ToLower(strings.TrimSpace(c.DirectoryProvider)) {
	case "auto", "local", "mock":
	default:
		return fmt.Errorf("invalid directory provider %q (expected auto|local|mock)", c.DirectoryProvider)
	}
	if !strings.Contains(c.MessageBody, "%s") {
		return fmt.Errorf("message body must contain a %%s placeholder for the delay")
	}
	if c.SupervisorTick <= 0 {
		return fmt.Errorf("supervisor tick must be positive")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}
