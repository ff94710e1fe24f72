package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/queue"
	yamlutil "github.com/msageha/aispire/internal/yaml"
)

// StateFile is the document written to state/metrics.yaml.
type StateFile struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	UpdatedAt     string         `yaml:"updated_at"`
	Summary       Summary        `yaml:"summary"`
	Queue         queue.Snapshot `yaml:"queue"`
}

// Reporter periodically refreshes queue gauges, logs the period summary,
// writes the state file and starts a new period. It only reads queue
// snapshots and never holds the queue lock across a report.
type Reporter struct {
	metrics  *Metrics
	snapshot func() queue.Snapshot
	path     string
	interval time.Duration
	logger   zerolog.Logger
}

// NewReporter writes to stateDir/metrics.yaml every interval. An empty
// stateDir disables the file.
func NewReporter(m *Metrics, snapshot func() queue.Snapshot, stateDir string, interval time.Duration, logger zerolog.Logger) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	r := &Reporter{
		metrics:  m,
		snapshot: snapshot,
		interval: interval,
		logger:   logger.With().Str("component", "metrics_reporter").Logger(),
	}
	if stateDir != "" {
		r.path = filepath.Join(stateDir, "metrics.yaml")
	}
	return r
}

func (r *Reporter) Path() string { return r.path }

// Run reports every interval until ctx ends, then reports once more.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Report(); err != nil {
				r.logger.Warn().Err(err).Msg("final metrics report")
			}
			return
		case <-ticker.C:
			if err := r.Report(); err != nil {
				r.logger.Warn().Err(err).Msg("metrics report")
			}
		}
	}
}

// Report performs one reporting cycle.
func (r *Reporter) Report() error {
	if !r.metrics.Enabled() {
		return nil
	}
	var snap queue.Snapshot
	if r.snapshot != nil {
		snap = r.snapshot()
		r.metrics.ObserveQueue(snap)
	}
	sum := r.metrics.Summary()
	r.logger.Info().
		Int("requests", sum.CurrentPeriod.RequestCount).
		Int("errors", sum.CurrentPeriod.ErrorCount).
		Int("connection_failures", sum.CurrentPeriod.ConnectionFailureCount).
		Float64("avg_request_latency_ms", sum.AvgRequestLatencyMs).
		Float64("avg_execution_time_ms", sum.AvgExecutionTimeMs).
		Float64("error_rate", sum.ErrorRate).
		Int("pending", snap.TotalPending).
		Msg("metrics summary")

	defer r.metrics.ResetPeriod()
	if r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	doc := StateFile{
		SchemaVersion: 1,
		FileType:      "state_metrics",
		UpdatedAt:     sum.Timestamp.UTC().Format(time.RFC3339),
		Summary:       sum,
		Queue:         snap,
	}
	if err := yamlutil.AtomicWrite(r.path, doc); err != nil {
		return fmt.Errorf("write metrics state: %w", err)
	}
	return nil
}
