package daemon

import (
	"context"
	"os"
	"time"

	"github.com/msageha/aispire/internal/command"
	"github.com/msageha/aispire/internal/config"
	"github.com/msageha/aispire/internal/metrics"
	"github.com/msageha/aispire/internal/queue"
	"github.com/msageha/aispire/internal/uds"
)

// StatusReport is the data of a status control response.
type StatusReport struct {
	PID                 int              `json:"pid"`
	UptimeSeconds       float64          `json:"uptime_seconds"`
	UpstreamAddr        string           `json:"upstream_addr"`
	DownstreamAddr      string           `json:"downstream_addr"`
	DownstreamConnected bool             `json:"downstream_connected"`
	Sessions            int              `json:"sessions"`
	LogLevel            string           `json:"log_level"`
	Queue               queue.Snapshot   `json:"queue"`
	Metrics             *metrics.Summary `json:"metrics,omitempty"`
}

// CancelReport is the data of a cancel control response.
type CancelReport struct {
	CommandID string `json:"command_id"`
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

func (d *Daemon) registerControl() {
	d.control.Handle(uds.CommandStatus, d.controlStatus)
	d.control.Handle(uds.CommandCancel, d.controlCancel)
	d.control.Handle(uds.CommandDrain, d.controlDrain)
	d.control.Handle(uds.CommandTemplates, d.controlTemplates)
	d.control.Handle(uds.CommandReloadLogLevel, d.controlReloadLogLevel)
}

func (d *Daemon) statusReport() StatusReport {
	r := StatusReport{
		PID:                 os.Getpid(),
		UpstreamAddr:        d.upstream.Addr(),
		DownstreamAddr:      d.client.Addr(),
		DownstreamConnected: d.client.Connected(),
		Sessions:            d.processor.SessionCount(),
		LogLevel:            d.logging.Level().String(),
		Queue:               d.queue.Snapshot(),
	}
	if !d.started.IsZero() {
		r.UptimeSeconds = time.Since(d.started).Round(time.Second).Seconds()
	}
	if d.metrics.Enabled() {
		s := d.metrics.Summary()
		r.Metrics = &s
	}
	return r
}

func (d *Daemon) controlStatus(_ context.Context, _ *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.statusReport())
}

func (d *Daemon) controlCancel(_ context.Context, req *uds.Request) *uds.Response {
	var params uds.CancelParams
	if err := req.DecodeParams(&params); err != nil || params.CommandID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "command_id is required")
	}
	if _, ok := d.queue.Status(params.CommandID); !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound, "command "+params.CommandID+" not found")
	}
	cancelled := d.queue.Cancel(params.CommandID)
	cmd, _ := d.queue.Status(params.CommandID)
	d.logger.Info().Str("command_id", params.CommandID).Bool("cancelled", cancelled).Msg("cancel via control socket")
	return uds.SuccessResponse(CancelReport{
		CommandID: params.CommandID,
		Cancelled: cancelled,
		Status:    string(cmd.Status),
	})
}

func (d *Daemon) controlDrain(_ context.Context, _ *uds.Request) *uds.Response {
	n := d.queue.Drain()
	d.logger.Info().Int("cancelled", n).Msg("drain via control socket")
	return uds.SuccessResponse(map[string]int{"cancelled": n})
}

func (d *Daemon) controlTemplates(_ context.Context, _ *uds.Request) *uds.Response {
	return uds.SuccessResponse(struct {
		Templates []command.TemplateInfo `json:"templates"`
	}{d.generator.Templates()})
}

// controlReloadLogLevel sets the given level, or re-reads the level from
// the config file when none is given.
func (d *Daemon) controlReloadLogLevel(_ context.Context, req *uds.Request) *uds.Response {
	var params uds.LogLevelParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	name := params.Level
	if name == "" {
		if d.configPath == "" {
			return uds.ErrorResponse(uds.ErrCodeValidation, "level is required")
		}
		cfg, err := config.Load(d.configPath)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		name = cfg.Logging.Level
	}

	prev := d.logging.Level()
	level := ParseLogLevel(name)
	d.logging.SetLevel(level)
	d.logger.WithLevel(level).Str("from", prev.String()).Str("to", level.String()).Msg("log level reloaded")
	return uds.SuccessResponse(map[string]string{"previous": prev.String(), "level": level.String()})
}
