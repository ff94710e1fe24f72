// Package config loads aispire's configuration: embedded defaults, the YAML
// file, optional .env files and AISPIRE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/templates"
)

// FileName is the conventional config filename inside .aispire/.
const FileName = "config.yaml"

// DefaultBytes returns the embedded default config document.
func DefaultBytes() ([]byte, error) {
	data, err := templates.FS.ReadFile(FileName)
	if err != nil {
		return nil, fmt.Errorf("read embedded config: %w", err)
	}
	return data, nil
}

// Default returns the embedded default configuration.
func Default() (model.Config, error) {
	data, err := DefaultBytes()
	if err != nil {
		return model.Config{}, err
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse embedded config: %w", err)
	}
	return cfg, nil
}

type options struct {
	lookup   func(string) (string, bool)
	envFiles []string
	logger   zerolog.Logger
}

type Option func(*options)

// WithLookup replaces os.LookupEnv for overrides.
func WithLookup(f func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = f }
}

// WithEnvFiles sets the .env files loaded before overrides are applied.
// Missing files are skipped.
func WithEnvFiles(paths ...string) Option {
	return func(o *options) { o.envFiles = paths }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l.With().Str("component", "config").Logger() }
}

// Load layers the file at path (if non-empty) over the embedded defaults,
// loads .env files, applies environment overrides and validates the result.
// By default the .env next to the config file is loaded.
func Load(path string, opts ...Option) (model.Config, error) {
	o := options{lookup: os.LookupEnv, logger: zerolog.Nop()}
	if path != "" {
		o.envFiles = []string{filepath.Join(filepath.Dir(path), ".env")}
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := Default()
	if err != nil {
		return model.Config{}, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}

	if err := loadEnvFiles(o.envFiles); err != nil {
		return model.Config{}, err
	}
	for _, name := range ApplyEnv(&cfg, o.lookup) {
		o.logger.Warn().Str("variable", name).Msg("ignoring invalid environment override")
	}

	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// loadEnvFiles loads each existing file without overriding variables that
// are already set.
func loadEnvFiles(paths []string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg model.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Downstream.Host != "", "downstream.host must not be empty")
	check(validPort(cfg.Downstream.Port), "downstream.port %d out of range", cfg.Downstream.Port)
	check(cfg.Downstream.ConnectTimeoutSec > 0, "downstream.connect_timeout_sec must be positive")
	check(cfg.Downstream.RequestTimeoutSec > 0, "downstream.request_timeout_sec must be positive")
	check(cfg.Downstream.ReconnectAttempts >= 0, "downstream.reconnect_attempts must not be negative")
	check(cfg.Downstream.ReconnectDelaySec >= 0, "downstream.reconnect_delay_sec must not be negative")

	check(validPort(cfg.Server.Port), "server.port %d out of range", cfg.Server.Port)
	check(!cfg.Server.AuthRequired || cfg.Server.AuthToken != "",
		"server.auth_token is required when server.auth_required is set")
	check(cfg.Server.RateLimit >= 0, "server.rate_limit must not be negative")
	check(cfg.Server.RateBurst >= 0, "server.rate_burst must not be negative")
	check(cfg.Server.MaxLineBytes >= 0, "server.max_line_bytes must not be negative")

	check(cfg.Queue.MaxSize > 0, "queue.max_size must be positive")
	check(cfg.Queue.HistoryRetention >= 0, "queue.history_retention must not be negative")
	check(cfg.Queue.MaxConcurrent > 0, "queue.max_concurrent must be positive")
	check(cfg.Queue.ResponseTimeoutSec >= 0, "queue.response_timeout_sec must not be negative")

	if cfg.Metrics.Enabled {
		check(cfg.Metrics.HistorySize > 0, "metrics.history_size must be positive")
		check(cfg.Metrics.ReportingIntervalSec > 0, "metrics.reporting_interval_sec must be positive")
		if cfg.Metrics.ExposeHTTP {
			check(validPort(cfg.Metrics.HTTPPort), "metrics.http_port %d out of range", cfg.Metrics.HTTPPort)
		}
	}

	if len(errs) > 0 {
		return model.NewError(model.CategoryValidation, "invalid config", errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
