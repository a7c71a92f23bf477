// Package config loads schediq settings from an optional YAML file with
// SCHEDIQ_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultFile = "schediq.yaml"

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	MirrorDSN      string        `yaml:"mirror_dsn"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	Interval       time.Duration `yaml:"interval"`
	IntervalJitter float64       `yaml:"interval_jitter"`
	// Schedule is a cron expression; when set it replaces Interval.
	Schedule     string   `yaml:"schedule"`
	ListenAddr   string   `yaml:"listen_addr"`
	AllowOrigins []string `yaml:"allow_origins"`
	WatchMirror  bool     `yaml:"watch_mirror"`
	Trace        bool     `yaml:"trace"`
}

func Default() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:8080/api",
		MirrorDSN:      "file://.schediq",
		RequestTimeout: 15 * time.Second,
		RetryAttempts:  2,
		Interval:       30 * time.Second,
		IntervalJitter: 0.2,
		ListenAddr:     "127.0.0.1:8787",
	}
}

// Load reads path (or SCHEDIQ_CONFIG, or ./schediq.yaml when present) over
// the defaults and then applies environment overrides. An explicitly named
// file that does not exist is an error.
func Load(path string, logger Logger) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("SCHEDIQ_CONFIG"))
		explicit = path != ""
	}
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg, logger)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, logger Logger) {
	cfg.BaseURL = envOrDefault("SCHEDIQ_BASE_URL", cfg.BaseURL)
	cfg.Token = envOrDefault("SCHEDIQ_TOKEN", cfg.Token)
	cfg.MirrorDSN = envOrDefault("SCHEDIQ_MIRROR_DSN", cfg.MirrorDSN)
	cfg.RequestTimeout = durationEnv(logger, "SCHEDIQ_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.RetryAttempts = intEnv(logger, "SCHEDIQ_RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.RetryDelay = durationEnv(logger, "SCHEDIQ_RETRY_DELAY", cfg.RetryDelay)
	cfg.Interval = durationEnv(logger, "SCHEDIQ_INTERVAL", cfg.Interval)
	cfg.IntervalJitter = floatEnv(logger, "SCHEDIQ_INTERVAL_JITTER", cfg.IntervalJitter)
	cfg.Schedule = envOrDefault("SCHEDIQ_SCHEDULE", cfg.Schedule)
	cfg.ListenAddr = envOrDefault("SCHEDIQ_LISTEN_ADDR", cfg.ListenAddr)
	if raw := strings.TrimSpace(os.Getenv("SCHEDIQ_ALLOW_ORIGINS")); raw != "" {
		cfg.AllowOrigins = splitList(raw)
	}
	cfg.WatchMirror = boolEnv(logger, "SCHEDIQ_WATCH_MIRROR", cfg.WatchMirror)
	cfg.Trace = boolEnv(logger, "SCHEDIQ_TRACE", cfg.Trace)
}

func normalize(cfg *Config) {
	defaults := Default()
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaults.RetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.IntervalJitter < 0 {
		cfg.IntervalJitter = 0
	} else if cfg.IntervalJitter > 1 {
		cfg.IntervalJitter = 1
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(logger Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(logger Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(logger Logger, name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
