// Package config handles questd configuration.
//
// Settings come from three layers, later ones winning: built-in defaults,
// the JSON config file, and QUESTD_* environment variables (optionally
// loaded from a .env file). Secrets are only ever read from the
// environment or the file; Save never writes them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Server
	Server ServerConfig `json:"server"`

	// Trigger sources
	Social       SocialConfig       `json:"social"`
	Firehose     FirehoseConfig     `json:"firehose"`
	ReplyMonitor ReplyMonitorConfig `json:"reply_monitor"`
	Poll         PollConfig         `json:"poll"`
	Webhook      WebhookConfig      `json:"webhook"`
	Scheduler    SchedulerConfig    `json:"scheduler"`

	// Execution
	Runtime  RuntimeConfig  `json:"runtime"`
	Dispatch DispatchConfig `json:"dispatch"`

	// Optional backends
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`

	Logging LoggingConfig `json:"logging"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port        int      `json:"port"`
	Host        string   `json:"host"`
	CORSOrigins []string `json:"cors_origins"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SocialConfig for the AT Protocol client
type SocialConfig struct {
	Service       string  `json:"service"`
	AppView       string  `json:"appview"`
	Identifier    string  `json:"identifier"`
	Password      string  `json:"password,omitempty"`
	SelfDID       string  `json:"self_did"`
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
	TimeoutSec    int     `json:"timeout_seconds"`
}

// FirehoseConfig for the Jetstream connection
type FirehoseConfig struct {
	Enabled       bool   `json:"enabled"`
	Endpoint      string `json:"endpoint"`
	MinBackoffSec int    `json:"min_backoff_seconds"`
	MaxBackoffSec int    `json:"max_backoff_seconds"`
}

// ReplyMonitorConfig for thread polling
type ReplyMonitorConfig struct {
	IntervalSec int `json:"interval_seconds"`
	// SeenRetentionDays bounds the sqlite seen store
	SeenRetentionDays int `json:"seen_retention_days"`
}

// PollConfig for poll triggers
type PollConfig struct {
	Enabled    bool  `json:"enabled"`
	TimeoutSec int   `json:"timeout_seconds"`
	MaxBody    int64 `json:"max_body_bytes"`
}

// WebhookConfig for webhook ingress
type WebhookConfig struct {
	Prefix        string `json:"prefix"`
	MaxBody       int64  `json:"max_body_bytes"`
	RetryAfterSec int    `json:"retry_after_seconds"`
}

// SchedulerConfig for poll and cron schedules
type SchedulerConfig struct {
	Timezone string `json:"timezone"`
}

// RuntimeConfig for quest execution
type RuntimeConfig struct {
	QueueSize           int `json:"queue_size"`
	ExecutionTimeoutSec int `json:"execution_timeout_seconds"`
	ShutdownTimeoutSec  int `json:"shutdown_timeout_seconds"`
}

// DispatchConfig for the trigger dispatcher
type DispatchConfig struct {
	ReconcileIntervalSec int `json:"reconcile_interval_seconds"`
}

// PostgresConfig for the optional change feed
type PostgresConfig struct {
	DSN     string   `json:"dsn,omitempty"`
	Channel string   `json:"channel"`
	Tables  []string `json:"tables"`
}

// Enabled reports whether a DSN is configured
func (p PostgresConfig) Enabled() bool { return p.DSN != "" }

// RedisConfig for the optional shared seen set
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	TTLHours int    `json:"ttl_hours"`
}

// Enabled reports whether an address is configured
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// LoggingConfig for the process logger
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".questd"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Social: SocialConfig{
			Service:       "https://bsky.social",
			AppView:       "https://public.api.bsky.app",
			RatePerSecond: 5,
			Burst:         10,
			TimeoutSec:    15,
		},
		Firehose: FirehoseConfig{
			Enabled:       true,
			Endpoint:      "wss://jetstream2.us-east.bsky.network/subscribe",
			MinBackoffSec: 1,
			MaxBackoffSec: 60,
		},
		ReplyMonitor: ReplyMonitorConfig{
			IntervalSec:       60,
			SeenRetentionDays: 30,
		},
		Poll: PollConfig{
			Enabled:    true,
			TimeoutSec: 10,
			MaxBody:    64 << 10,
		},
		Webhook: WebhookConfig{
			Prefix:        "/hooks",
			MaxBody:       1 << 20,
			RetryAfterSec: 5,
		},
		Scheduler: SchedulerConfig{
			Timezone: "UTC",
		},
		Runtime: RuntimeConfig{
			QueueSize:           16,
			ExecutionTimeoutSec: 30,
			ShutdownTimeoutSec:  30,
		},
		Dispatch: DispatchConfig{
			ReconcileIntervalSec: 30,
		},
		Postgres: PostgresConfig{
			Channel: "questd_changes",
		},
		Redis: RedisConfig{
			Prefix:   "questd:seen:",
			TTLHours: 24 * 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads config from file, falling back to defaults, then applies
// environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment. Missing files are skipped and variables that are already set
// keep their values.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from QUESTD_* environment variables
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = b
		}
	}

	str("QUESTD_DATA_DIR", &c.DataDir)
	str("QUESTD_HOST", &c.Server.Host)
	num("QUESTD_PORT", &c.Server.Port)
	if v, ok := os.LookupEnv("QUESTD_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}

	str("QUESTD_BSKY_SERVICE", &c.Social.Service)
	str("QUESTD_BSKY_APPVIEW", &c.Social.AppView)
	str("QUESTD_BSKY_IDENTIFIER", &c.Social.Identifier)
	str("QUESTD_BSKY_PASSWORD", &c.Social.Password)
	str("QUESTD_BSKY_SELF_DID", &c.Social.SelfDID)

	flag("QUESTD_FIREHOSE_ENABLED", &c.Firehose.Enabled)
	str("QUESTD_FIREHOSE_ENDPOINT", &c.Firehose.Endpoint)
	num("QUESTD_REPLY_INTERVAL", &c.ReplyMonitor.IntervalSec)
	flag("QUESTD_POLL_ENABLED", &c.Poll.Enabled)
	str("QUESTD_TIMEZONE", &c.Scheduler.Timezone)
	num("QUESTD_QUEUE_SIZE", &c.Runtime.QueueSize)

	str("QUESTD_POSTGRES_DSN", &c.Postgres.DSN)
	if v, ok := os.LookupEnv("QUESTD_POSTGRES_TABLES"); ok {
		c.Postgres.Tables = splitList(v)
	}
	str("QUESTD_REDIS_ADDR", &c.Redis.Addr)
	str("QUESTD_REDIS_PASSWORD", &c.Redis.Password)

	str("QUESTD_LOG_LEVEL", &c.Logging.Level)
	flag("QUESTD_LOG_DEVELOPMENT", &c.Logging.Development)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, ", "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DatabasePath returns the sqlite file under the data dir
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "questd.db")
}

// Seconds converts a seconds setting, using def when it is not positive
func Seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save secrets to file
	safeCfg := *c
	safeCfg.Social.Password = ""
	safeCfg.Redis.Password = ""
	safeCfg.Postgres.DSN = ""

	data, err := json.MarshalIndent(safeCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
