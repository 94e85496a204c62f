// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/servoice/internal/domain"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nested keys, e.g. SERVOICE_WATCHDOG__THRESHOLD=15s.
const EnvPrefix = "SERVOICE_"

const defaultPath = "config.yaml"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig       `koanf:"server"`
	Storage   StorageConfig      `koanf:"storage"`
	Watchdog  WatchdogConfig     `koanf:"watchdog"`
	Persist   PersistConfig      `koanf:"persist"`
	Bridge    BridgeConfig       `koanf:"bridge"`
	Policy    PolicyConfig       `koanf:"policy"`
	Deepgram  DeepgramConfig     `koanf:"deepgram"`
	Groq      GroqConfig         `koanf:"groq"`
	AMQP      AMQPConfig         `koanf:"amqp"`
	Telemetry TelemetryConfig    `koanf:"telemetry"`
	RateLimit RateLimitConfig    `koanf:"rate_limit"`
	Retention RetentionConfig    `koanf:"retention"`
	Greeting  string             `koanf:"greeting"`
	Lines     []domain.PhoneLine `koanf:"lines"`
}

type ServerConfig struct {
	Port        string `koanf:"port"`
	FrontendURL string `koanf:"frontend_url"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type WatchdogConfig struct {
	Interval  time.Duration `koanf:"interval"`
	Threshold time.Duration `koanf:"threshold"`
}

type PersistConfig struct {
	BatchSize    int           `koanf:"batch_size"`
	FlushTimeout time.Duration `koanf:"flush_timeout"`
}

type BridgeConfig struct {
	QueueSize int `koanf:"queue_size"`
}

type PolicyConfig struct {
	ContextTurns int `koanf:"context_turns"`
}

type DeepgramConfig struct {
	APIKey    string        `koanf:"api_key"`
	ListenURL string        `koanf:"listen_url"`
	SpeakURL  string        `koanf:"speak_url"`
	KeepAlive time.Duration `koanf:"keep_alive"`
}

type GroqConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// AMQPConfig enables lifecycle event publishing when URL is set.
type AMQPConfig struct {
	URL      string `koanf:"url"`
	Exchange string `koanf:"exchange"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// RateLimitConfig bounds admin POST requests per client IP.
type RateLimitConfig struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

// RetentionConfig controls how long closed sessions stay in memory when
// they cannot be persisted.
type RetentionConfig struct {
	Interval time.Duration `koanf:"interval"`
	TTL      time.Duration `koanf:"ttl"`
}

var defaults = map[string]interface{}{
	"server.port":            "8080",
	"storage.path":           "./data/servoice.db",
	"watchdog.interval":      "2s",
	"watchdog.threshold":     "10s",
	"persist.batch_size":     1000,
	"persist.flush_timeout":  "30s",
	"bridge.queue_size":      256,
	"policy.context_turns":   5,
	"deepgram.keep_alive":    "5s",
	"groq.base_url":          "https://api.groq.com/openai/v1",
	"groq.model":             "llama-3.1-8b-instant",
	"amqp.exchange":          "servoice.calls",
	"telemetry.service_name": "servoice",
	"rate_limit.requests":    10,
	"rate_limit.window":      "1m",
	"retention.interval":     "1m",
	"retention.ttl":          "1h",
	"greeting":               "Hello, welcome to Servoice. How may I help you?",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from an optional YAML file and then from
// SERVOICE_ environment variables. An empty path falls back to
// $SERVOICE_CONFIG and then config.yaml; only the implicit default may be
// missing.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = defaultPath
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	cfg.Deepgram.APIKey = substituteEnvVars(cfg.Deepgram.APIKey)
	cfg.Groq.APIKey = substituteEnvVars(cfg.Groq.APIKey)
	cfg.AMQP.URL = substituteEnvVars(cfg.AMQP.URL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port cannot be empty")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	if c.Watchdog.Interval <= 0 || c.Watchdog.Threshold <= 0 {
		return fmt.Errorf("watchdog interval and threshold must be > 0")
	}
	if c.Persist.BatchSize <= 0 {
		return fmt.Errorf("persist.batch_size must be > 0")
	}
	if c.Bridge.QueueSize <= 0 {
		return fmt.Errorf("bridge.queue_size must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit requests and window must be > 0")
	}
	for i, line := range c.Lines {
		if line.ID == "" || line.E164 == "" || line.CompanyID == "" || line.OfficeID == "" {
			return fmt.Errorf("lines[%d]: id, e164, company_id and office_id are required", i)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.FrontendURL == "" ||
		strings.Contains(c.Server.FrontendURL, "localhost") ||
		strings.Contains(c.Server.FrontendURL, "127.0.0.1")
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
