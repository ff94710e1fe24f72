package config

import (
	"strconv"
	"strings"

	"github.com/msageha/aispire/internal/model"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "AISPIRE_"

type override struct {
	name  string
	apply func(cfg *model.Config, v string) error
}

func str(dst func(*model.Config) *string) func(*model.Config, string) error {
	return func(cfg *model.Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func integer(dst func(*model.Config) *int) func(*model.Config, string) error {
	return func(cfg *model.Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func float(dst func(*model.Config) *float64) func(*model.Config, string) error {
	return func(cfg *model.Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}
}

// boolean treats only "true" (any case) as true.
func boolean(dst func(*model.Config) *bool) func(*model.Config, string) error {
	return func(cfg *model.Config, v string) error {
		*dst(cfg) = strings.EqualFold(strings.TrimSpace(v), "true")
		return nil
	}
}

func list(dst func(*model.Config) *[]string) func(*model.Config, string) error {
	return func(cfg *model.Config, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst(cfg) = out
		return nil
	}
}

var overrides = []override{
	{"LUA_HOST", str(func(c *model.Config) *string { return &c.Downstream.Host })},
	{"LUA_PORT", integer(func(c *model.Config) *int { return &c.Downstream.Port })},
	{"LUA_AUTH_TOKEN", str(func(c *model.Config) *string { return &c.Downstream.AuthToken })},
	{"LUA_TIMEOUT", float(func(c *model.Config) *float64 { return &c.Downstream.ConnectTimeoutSec })},
	{"LUA_REQUEST_TIMEOUT", float(func(c *model.Config) *float64 { return &c.Downstream.RequestTimeoutSec })},
	{"LUA_RECONNECT_ATTEMPTS", integer(func(c *model.Config) *int { return &c.Downstream.ReconnectAttempts })},
	{"LUA_RECONNECT_DELAY", float(func(c *model.Config) *float64 { return &c.Downstream.ReconnectDelaySec })},

	{"MCP_HOST", str(func(c *model.Config) *string { return &c.Server.Host })},
	{"MCP_PORT", integer(func(c *model.Config) *int { return &c.Server.Port })},
	{"MCP_AUTH_REQUIRED", boolean(func(c *model.Config) *bool { return &c.Server.AuthRequired })},
	{"MCP_AUTH_TOKEN", str(func(c *model.Config) *string { return &c.Server.AuthToken })},
	{"MCP_ALLOWED_ORIGINS", list(func(c *model.Config) *[]string { return &c.Server.AllowedOrigins })},
	{"MCP_RATE_LIMIT", float(func(c *model.Config) *float64 { return &c.Server.RateLimit })},

	{"QUEUE_MAX_SIZE", integer(func(c *model.Config) *int { return &c.Queue.MaxSize })},
	{"QUEUE_HISTORY_RETENTION", integer(func(c *model.Config) *int { return &c.Queue.HistoryRetention })},
	{"QUEUE_MAX_CONCURRENT", integer(func(c *model.Config) *int { return &c.Queue.MaxConcurrent })},

	{"LOG_LEVEL", str(func(c *model.Config) *string { return &c.Logging.Level })},
	{"LOG_FILE", str(func(c *model.Config) *string { return &c.Logging.File })},

	{"METRICS_ENABLED", boolean(func(c *model.Config) *bool { return &c.Metrics.Enabled })},
	{"METRICS_HISTORY_SIZE", integer(func(c *model.Config) *int { return &c.Metrics.HistorySize })},
	{"METRICS_REPORTING_INTERVAL", integer(func(c *model.Config) *int { return &c.Metrics.ReportingIntervalSec })},
	{"METRICS_EXPOSE_PROMETHEUS", boolean(func(c *model.Config) *bool { return &c.Metrics.ExposeHTTP })},
	{"METRICS_PROMETHEUS_PORT", integer(func(c *model.Config) *int { return &c.Metrics.HTTPPort })},
	{"METRICS_ALERT_LATENCY", float(func(c *model.Config) *float64 { return &c.Metrics.AlertThresholds.RequestLatencyMs })},
	{"METRICS_ALERT_EXECUTION_TIME", float(func(c *model.Config) *float64 { return &c.Metrics.AlertThresholds.ExecutionTimeMs })},
	{"METRICS_ALERT_ERROR_RATE", float(func(c *model.Config) *float64 { return &c.Metrics.AlertThresholds.ErrorRate })},
	{"METRICS_ALERT_CONNECTION_FAILURES", integer(func(c *model.Config) *int { return &c.Metrics.AlertThresholds.ConnectionFailures })},
}

// ApplyEnv applies AISPIRE_* overrides found through lookup. Empty values are
// ignored; unparseable values leave the field unchanged and are returned by
// name.
func ApplyEnv(cfg *model.Config, lookup func(string) (string, bool)) []string {
	var invalid []string
	for _, o := range overrides {
		name := EnvPrefix + o.name
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			invalid = append(invalid, name)
		}
	}
	return invalid
}
