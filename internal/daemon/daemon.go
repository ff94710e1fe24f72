// Package daemon wires the aispire bridge together: upstream server,
// protocol processor, command queue, downstream client, metrics and the
// control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/command"
	"github.com/msageha/aispire/internal/config"
	"github.com/msageha/aispire/internal/events"
	"github.com/msageha/aispire/internal/lock"
	"github.com/msageha/aispire/internal/metrics"
	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/protocol"
	"github.com/msageha/aispire/internal/queue"
	"github.com/msageha/aispire/internal/server"
	"github.com/msageha/aispire/internal/setup"
	"github.com/msageha/aispire/internal/transport"
	"github.com/msageha/aispire/internal/uds"
)

const eventBufferSize = 256

type Option func(*Daemon)

// WithLogging replaces the logging built from the config.
func WithLogging(l *Logging) Option {
	return func(d *Daemon) { d.logging = l }
}

// WithConfigPath sets the file watched for live log level changes.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// Daemon is the aispire bridge process.
type Daemon struct {
	layout     setup.Layout
	configPath string
	config     model.Config
	logging    *Logging
	logger     zerolog.Logger
	started    time.Time

	fileLock   *lock.FileLock
	bus        *events.Bus
	queue      *queue.Queue
	client     *transport.Client
	generator  *command.Generator
	processor  *protocol.Processor
	metrics    *metrics.Metrics
	upstream   *server.Server
	control    *uds.Server
	httpServer *metrics.Server
	audit      *events.AuditLogger
	detach     []func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New builds a daemon for the workspace at layout. Nothing is started until
// Run.
func New(layout setup.Layout, cfg model.Config, opts ...Option) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		layout: layout,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logging == nil {
		l, err := NewLogging(cfg.Logging, layout.DaemonLogPath(), os.Stderr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open daemon log: %w", err)
		}
		d.logging = l
	}
	d.logger = d.logging.Logger.With().Str("component", "daemon").Logger()
	base := d.logging.Logger

	generator, err := newGenerator(layout.TemplatesDir(), d.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	d.generator = generator

	d.bus = events.NewBus(eventBufferSize)
	d.metrics = metrics.New(cfg.Metrics, metrics.WithLogger(base))
	d.queue = queue.New(cfg.Queue.MaxSize, cfg.Queue.HistoryRetention,
		queue.WithEventBus(d.bus),
		queue.WithRecorder(d.metrics),
		queue.WithLogger(base),
		queue.WithIdleSleep(time.Duration(cfg.Queue.IdleSleepMs)*time.Millisecond),
	)
	d.client = transport.NewClient(transport.ConfigFrom(cfg.Downstream),
		transport.WithLogger(base),
		transport.WithEventBus(d.bus),
		transport.WithRecorder(d.metrics),
	)
	d.processor = protocol.NewProcessor(
		protocol.WithLogger(base),
		protocol.WithEventBus(d.bus),
		protocol.WithRecorder(d.metrics),
	)
	(&handlers{
		queue:           d.queue,
		generator:       d.generator,
		responseTimeout: time.Duration(cfg.Queue.ResponseTimeoutSec) * time.Second,
		logger:          base.With().Str("component", "handlers").Logger(),
	}).register(d.processor)

	d.upstream = server.New(server.ConfigFrom(cfg.Server), d.handleLine,
		server.WithLogger(base),
		server.WithRecorder(d.metrics),
		server.WithRejectFunc(rejectMessage),
	)
	d.control = uds.NewServer(layout.SocketPath(), base)
	d.registerControl()
	d.fileLock = lock.NewFileLock(layout.LockPath())
	return d, nil
}

// newGenerator loads the built-in templates, then any *.lua files in dir,
// which replace built-ins of the same name.
func newGenerator(dir string, logger zerolog.Logger) (*command.Generator, error) {
	lib, err := command.DefaultLibrary()
	if err != nil {
		return nil, fmt.Errorf("load template library: %w", err)
	}
	local, err := command.LoadLibrary(os.DirFS(dir), ".")
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("load workspace templates: %w", err)
	default:
		for _, name := range lib.Merge(local) {
			logger.Debug().Str("template", name).Msg("loaded workspace template")
		}
	}
	return command.NewGenerator(lib, command.MustNewValidator()), nil
}

// Run starts every component and blocks until ctx ends or Shutdown is
// called, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.started = time.Now()
	d.logger.Info().Int("pid", os.Getpid()).Str("workspace", d.layout.Root).Msg("daemon starting")

	if err := d.start(); err != nil {
		d.Shutdown()
		return err
	}
	d.logger.Info().Str("upstream", d.upstream.Addr()).Str("downstream", d.client.Addr()).Msg("daemon ready")

	select {
	case <-ctx.Done():
		d.logger.Info().Msg("stop requested, initiating graceful shutdown")
	case <-d.ctx.Done():
	}
	d.Shutdown()
	return nil
}

func (d *Daemon) start() error {
	audit, err := events.NewAuditLogger(d.layout.AuditLogPath(), d.config.Logging.MaxSizeMB, d.config.Logging.MaxBackups)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.detach = append(d.detach,
		audit.Attach(d.bus, events.CommandEvents...),
	)

	if err := d.upstream.Start(); err != nil {
		return fmt.Errorf("start upstream server: %w", err)
	}
	if err := d.control.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	if d.metrics.Enabled() && d.config.Metrics.ExposeHTTP {
		addr := net.JoinHostPort(d.config.Metrics.HTTPHost, strconv.Itoa(d.config.Metrics.HTTPPort))
		d.httpServer = metrics.NewServer(addr, metrics.NewRouter(d.metrics, d.queue.Snapshot, d.health, d.config.Server.AllowedOrigins), d.logging.Logger)
		if err := d.httpServer.Start(); err != nil {
			return err
		}
	}

	exec := &downstreamExecutor{
		sender:    d.client,
		authToken: d.config.Downstream.AuthToken,
		metrics:   d.metrics,
		logger:    d.logging.Logger.With().Str("component", "executor").Logger(),
		now:       time.Now,
	}
	d.goFunc(func() {
		if err := d.queue.Run(d.ctx, exec, d.config.Queue.MaxConcurrent); err != nil {
			d.logger.Error().Err(err).Msg("queue run loop")
		}
	})
	d.goFunc(func() {
		if err := d.client.ConnectWithRetry(d.ctx); err != nil && d.ctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("started without downstream connection, commands will retry on send")
		}
	})
	if d.metrics.Enabled() {
		interval := time.Duration(d.config.Metrics.ReportingIntervalSec) * time.Second
		reporter := metrics.NewReporter(d.metrics, d.queue.Snapshot, d.layout.StateDir(), interval, d.logging.Logger)
		d.goFunc(func() { reporter.Run(d.ctx) })
	}
	if d.config.Daemon.WatchConfig && d.configPath != "" {
		w, err := config.NewWatcher(d.configPath, d.applyConfig, d.logging.Logger)
		if err != nil {
			d.logger.Warn().Err(err).Msg("config watcher disabled")
		} else {
			d.goFunc(func() { w.Run(d.ctx) })
		}
	}
	return nil
}

func (d *Daemon) goFunc(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// applyConfig applies the parts of a changed config that take effect
// without a restart.
func (d *Daemon) applyConfig(cfg model.Config) {
	level := ParseLogLevel(cfg.Logging.Level)
	if level != d.logging.Level() {
		d.logging.SetLevel(level)
		d.logger.WithLevel(zerolog.InfoLevel).Str("level", level.String()).Msg("log level changed")
	}
}

// handleLine runs one upstream line through the processor.
func (d *Daemon) handleLine(ctx context.Context, line []byte) []byte {
	reply := d.processor.Process(ctx, line)
	if reply == nil {
		return nil
	}
	data, err := reply.Serialize()
	if err != nil {
		d.logger.Error().Err(err).Str("type", string(reply.Type)).Msg("serialize reply")
		data, _ = protocol.NewErrorMessage(fmt.Sprintf("serialize reply: %v", err),
			model.CategoryProtocol, reply.InReplyTo, reply.SessionID).Serialize()
	}
	return data
}

func rejectMessage(err error) []byte {
	data, _ := protocol.NewErrorMessage(err.Error(), model.CategoryOf(err), "", "").Serialize()
	return data
}

func (d *Daemon) health() map[string]any {
	return map[string]any{
		"downstream_connected": d.client.Connected(),
		"sessions":             d.processor.SessionCount(),
		"uptime_seconds":       int(time.Since(d.started).Seconds()),
	}
}

// UpstreamAddr returns the bound upstream listener address.
func (d *Daemon) UpstreamAddr() string { return d.upstream.Addr() }

// Shutdown stops the daemon (idempotent). Pending commands are cancelled;
// in-flight executions are given the shutdown timeout to finish before their
// context is cancelled.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info().Msg("shutdown started")

		// Stop producers first so no new commands arrive.
		_ = d.upstream.Stop()
		_ = d.control.Stop()
		if n := d.queue.Drain(); n > 0 {
			d.logger.Info().Int("count", n).Msg("cancelled pending commands")
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if d.httpServer != nil {
			if err := d.httpServer.Shutdown(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("metrics http shutdown")
			}
		}
		if err := d.queue.WaitIdle(ctx); err != nil {
			d.logger.Warn().Int("in_flight", d.queue.InFlight()).Msg("in-flight commands did not finish before the shutdown timeout")
		}

		d.cancel()
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		// Cancelled executions unwind quickly; allow a short grace once the
		// timeout is already spent.
		grace := time.Until(deadline(ctx))
		if grace < time.Second {
			grace = time.Second
		}
		select {
		case <-done:
			d.logger.Info().Msg("all goroutines drained")
		case <-time.After(grace):
			d.logger.Warn().Dur("timeout", timeout).Msg("shutdown timeout, some operations may be incomplete")
		}

		d.client.Disconnect()
		for _, fn := range d.detach {
			fn()
		}
		d.bus.Close()
		if d.audit != nil {
			_ = d.audit.Close()
		}
		_ = d.fileLock.Unlock()
		d.logger.Info().Msg("daemon stopped")
		_ = d.logging.Close()
	})
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}
