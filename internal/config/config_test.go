package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servoice.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvPrefix+"CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Watchdog.Interval != 2*time.Second || cfg.Watchdog.Threshold != 10*time.Second {
		t.Errorf("watchdog = %+v", cfg.Watchdog)
	}
	if cfg.Persist.BatchSize != 1000 || cfg.Persist.FlushTimeout != 30*time.Second {
		t.Errorf("persist = %+v", cfg.Persist)
	}
	if cfg.Bridge.QueueSize != 256 || cfg.Policy.ContextTurns != 5 {
		t.Errorf("bridge/policy = %+v %+v", cfg.Bridge, cfg.Policy)
	}
	if !strings.HasPrefix(cfg.Greeting, "Hello, welcome to Servoice") {
		t.Errorf("greeting = %q", cfg.Greeting)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode without a frontend URL")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  frontend_url: https://admin.servoice.example
watchdog:
  threshold: 15s
groq:
  api_key: ${TEST_GROQ_KEY}
lines:
  - id: ln-1
    e164: "+15551230000"
    company_id: co-1
    office_id: of-1
`)
	t.Setenv("TEST_GROQ_KEY", "gsk-test")
	t.Setenv(EnvPrefix+"WATCHDOG__THRESHOLD", "20s")
	t.Setenv(EnvPrefix+"DEEPGRAM__API_KEY", "dg-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Watchdog.Threshold != 20*time.Second {
		t.Errorf("threshold = %v, env should win over file", cfg.Watchdog.Threshold)
	}
	if cfg.Groq.APIKey != "gsk-test" {
		t.Errorf("groq key = %q, want substituted value", cfg.Groq.APIKey)
	}
	if cfg.Deepgram.APIKey != "dg-test" {
		t.Errorf("deepgram key = %q", cfg.Deepgram.APIKey)
	}
	if len(cfg.Lines) != 1 || cfg.Lines[0].E164 != "+15551230000" || cfg.Lines[0].OfficeID != "of-1" {
		t.Errorf("lines = %+v", cfg.Lines)
	}
	if cfg.IsDevelopment() {
		t.Error("expected production mode")
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadRejectsIncompleteLine(t *testing.T) {
	path := writeConfig(t, `
lines:
  - id: ln-1
    e164: "+15551230000"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "lines[0]") {
		t.Fatalf("expected lines validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:    ServerConfig{Port: "8080"},
			Storage:   StorageConfig{Path: "x.db"},
			Watchdog:  WatchdogConfig{Interval: time.Second, Threshold: time.Second},
			Persist:   PersistConfig{BatchSize: 1},
			Bridge:    BridgeConfig{QueueSize: 1},
			RateLimit: RateLimitConfig{Requests: 1, Window: time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty db path", func(c *Config) { c.Storage.Path = "" }},
		{"zero threshold", func(c *Config) { c.Watchdog.Threshold = 0 }},
		{"zero batch", func(c *Config) { c.Persist.BatchSize = 0 }},
		{"zero queue", func(c *Config) { c.Bridge.QueueSize = 0 }},
		{"zero rate window", func(c *Config) { c.RateLimit.Window = 0 }},
	}

	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
