// Package model defines the data structures for aispire's configuration,
// queued commands, result envelopes and error taxonomy.
package model

import "time"

type Config struct {
	Downstream DownstreamConfig `yaml:"downstream"`
	Server     ServerConfig     `yaml:"server"`
	Queue      QueueConfig      `yaml:"queue"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DownstreamConfig describes the connection to the Lua gadget.
type DownstreamConfig struct {
	Host                 string  `yaml:"host"`
	Port                 int     `yaml:"port"`
	AuthToken            string  `yaml:"auth_token,omitempty"`
	ConnectTimeoutSec    float64 `yaml:"connect_timeout_sec"`
	RequestTimeoutSec    float64 `yaml:"request_timeout_sec"`
	ReconnectAttempts    int     `yaml:"reconnect_attempts"`
	ReconnectDelaySec    float64 `yaml:"reconnect_delay_sec"`
	ReconnectMaxDelaySec float64 `yaml:"reconnect_max_delay_sec"`
}

// ServerConfig describes the upstream envelope listener.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthRequired   bool     `yaml:"auth_required"`
	AuthToken      string   `yaml:"auth_token,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	RateLimit      float64  `yaml:"rate_limit"` // messages per second per connection, 0 disables
	RateBurst      int      `yaml:"rate_burst"`
	IdleTimeoutSec int      `yaml:"idle_timeout_sec"`
	MaxLineBytes   int      `yaml:"max_line_bytes"`
}

type QueueConfig struct {
	MaxSize            int `yaml:"max_size"`
	HistoryRetention   int `yaml:"history_retention"`
	MaxConcurrent      int `yaml:"max_concurrent"`
	IdleSleepMs        int `yaml:"idle_sleep_ms"`
	ResponseTimeoutSec int `yaml:"response_timeout_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int  `yaml:"shutdown_timeout_sec"`
	WatchConfig        bool `yaml:"watch_config"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

type MetricsConfig struct {
	Enabled              bool            `yaml:"enabled"`
	HistorySize          int             `yaml:"history_size"`
	ReportingIntervalSec int             `yaml:"reporting_interval_sec"`
	AlertThresholds      AlertThresholds `yaml:"alert_thresholds"`
	ExposeHTTP           bool            `yaml:"expose_http"`
	HTTPHost             string          `yaml:"http_host"`
	HTTPPort             int             `yaml:"http_port"`
}

type AlertThresholds struct {
	RequestLatencyMs   float64 `yaml:"request_latency_ms"`
	ExecutionTimeMs    float64 `yaml:"execution_time_ms"`
	ErrorRate          float64 `yaml:"error_rate"`
	ConnectionFailures int     `yaml:"connection_failures"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c DownstreamConfig) ConnectTimeout() time.Duration { return seconds(c.ConnectTimeoutSec) }
func (c DownstreamConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSec) }
func (c DownstreamConfig) ReconnectDelay() time.Duration { return seconds(c.ReconnectDelaySec) }
func (c DownstreamConfig) ReconnectMaxDelay() time.Duration {
	return seconds(c.ReconnectMaxDelaySec)
}
