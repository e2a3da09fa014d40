package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogoutDelayMinutes != 2 {
		t.Fatalf("LogoutDelayMinutes = %d, want 2", cfg.LogoutDelayMinutes)
	}
	if cfg.PollIntervalSeconds != 10 {
		t.Fatalf("PollIntervalSeconds = %d, want 10", cfg.PollIntervalSeconds)
	}
	if cfg.GracePeriodMinutes != 5 {
		t.Fatalf("GracePeriodMinutes = %d, want 5", cfg.GracePeriodMinutes)
	}
	if cfg.DrainOnEmpty {
		t.Fatalf("DrainOnEmpty = true, want false by default")
	}
	if cfg.DirectoryProvider != "auto" {
		t.Fatalf("DirectoryProvider = %q, want %q", cfg.DirectoryProvider, "auto")
	}
	if !strings.Contains(cfg.MessageBody, "%s") {
		t.Fatalf("default MessageBody missing delay placeholder: %q", cfg.MessageBody)
	}
	if cfg.OperatorUser == "" {
		t.Fatalf("OperatorUser should default to the current user")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DRAIND_LOGOUT_DELAY_MINUTES", "5")
	t.Setenv("DRAIND_GRACE_PERIOD_MINUTES", "0")
	t.Setenv("DRAIND_DRAIN_ON_EMPTY", "true")
	t.Setenv("DRAIND_OPERATOR_USER", "ops")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogoutDelayMinutes != 5 {
		t.Fatalf("LogoutDelayMinutes = %d, want 5", cfg.LogoutDelayMinutes)
	}
	if cfg.GracePeriodMinutes != 0 {
		t.Fatalf("GracePeriodMinutes = %d, want 0", cfg.GracePeriodMinutes)
	}
	if !cfg.DrainOnEmpty {
		t.Fatalf("DrainOnEmpty = false, want true")
	}
	if cfg.OperatorUser != "ops" {
		t.Fatalf("OperatorUser = %q, want %q", cfg.OperatorUser, "ops")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	setCoreEnvEmpty(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "draind.yaml")
	doc := `
bind_addr: ":9999"
directory: mock
logout_delay_minutes: 1
poll_interval_seconds: 30
grace_period_minutes: 10
drain_on_empty: true
operator_user: admin
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9999")
	}
	if cfg.DirectoryProvider != "mock" {
		t.Fatalf("DirectoryProvider = %q, want %q", cfg.DirectoryProvider, "mock")
	}
	if cfg.PollIntervalSeconds != 30 {
		t.Fatalf("PollIntervalSeconds = %d, want 30", cfg.PollIntervalSeconds)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DRAIND_POLL_INTERVAL_SECONDS", "60")

	dir := t.TempDir()
	path := filepath.Join(dir, "draind.yaml")
	if err := os.WriteFile(path, []byte("poll_interval_seconds: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollIntervalSeconds != 60 {
		t.Fatalf("PollIntervalSeconds = %d, want env override 60", cfg.PollIntervalSeconds)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"delay too large", map[string]string{"DRAIND_LOGOUT_DELAY_MINUTES": "11"}},
		{"delay negative", map[string]string{"DRAIND_LOGOUT_DELAY_MINUTES": "-1"}},
		{"poll zero", map[string]string{"DRAIND_POLL_INTERVAL_SECONDS": "0"}},
		{"poll too large", map[string]string{"DRAIND_POLL_INTERVAL_SECONDS": "241"}},
		{"grace too large", map[string]string{"DRAIND_GRACE_PERIOD_MINUTES": "31"}},
		{"bad provider", map[string]string{"DRAIND_DIRECTORY": "ldap"}},
		{"body without placeholder", map[string]string{"DRAIND_MESSAGE_BODY": "goodbye"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("Load() succeeded, want validation error")
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"DRAIND_BIND_ADDR",
		"DRAIND_METRICS_NAMESPACE",
		"DRAIND_DIRECTORY",
		"DRAIND_OPERATOR_USER",
		"DRAIND_MESSAGE_TITLE",
		"DRAIND_MESSAGE_BODY",
		"DRAIND_DATABASE_URL",
		"DRAIND_LOGOUT_DELAY_MINUTES",
		"DRAIND_POLL_INTERVAL_SECONDS",
		"DRAIND_GRACE_PERIOD_MINUTES",
		"DRAIND_DRAIN_ON_EMPTY",
		"DRAIND_VERBOSE",
		"DRAIND_AUDIT_ENABLED",
		"DRAIND_ALLOW_ANY_ORIGIN",
		"DRAIND_SHUTDOWN_TIMEOUT",
		"DRAIND_SUPERVISOR_TICK",
		"DRAIND_TASK_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
