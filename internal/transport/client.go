package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/events"
	"github.com/msageha/aispire/internal/model"
)

// Config holds the downstream connection settings.
type Config struct {
	Host              string
	Port              int
	AuthToken         string
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	MaxLineBytes      int
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c model.DownstreamConfig) Config {
	return Config{
		Host:              c.Host,
		Port:              c.Port,
		AuthToken:         c.AuthToken,
		ConnectTimeout:    c.ConnectTimeout(),
		RequestTimeout:    c.RequestTimeout(),
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay(),
		ReconnectMaxDelay: c.ReconnectMaxDelay(),
	}
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		c.ReconnectMaxDelay = max(30*time.Second, c.ReconnectDelay)
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
}

// Recorder receives connection attempt outcomes.
type Recorder interface {
	RecordConnection(success bool)
}

type Option func(*Client)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "transport").Logger() }
}

func WithEventBus(bus *events.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.rec = r }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// Client owns one connection to the downstream executor. Send calls are
// serialized: the protocol is strictly one request, one reply.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	backoff   time.Duration
	connected atomic.Bool

	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
	bus    *events.Bus
	rec    Recorder
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:     cfg,
		backoff: cfg.ReconnectDelay,
		sleep:   sleepCtx,
		logger:  zerolog.Nop(),
	}
	d := &net.Dialer{}
	c.dial = d.DialContext
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Addr() string { return c.cfg.addr() }

// Connected reports whether the last connect succeeded and no drop has been
// seen since.
func (c *Client) Connected() bool { return c.connected.Load() }

// Backoff returns the delay the next failed reconnect will sleep.
func (c *Client) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

// Connect opens the connection and performs the auth handshake when a token
// is configured. A refused dial is a connection_error, an expired connect or
// handshake a timeout_error and a rejected token an authentication_error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.closeLocked()

	addr := c.cfg.addr()
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		c.recordConnection(false)
		if isTimeout(err) {
			return model.NewError(model.CategoryTimeout, "connect",
				fmt.Errorf("connection to %s timed out: %w", addr, err))
		}
		return model.NewError(model.CategoryConnection, "connect",
			fmt.Errorf("failed to connect to %s: %w", addr, err))
	}
	reader := bufio.NewReader(conn)

	if c.cfg.AuthToken != "" {
		if err := c.authenticate(dialCtx, conn, reader); err != nil {
			_ = conn.Close()
			c.recordConnection(false)
			return err
		}
	}

	c.conn = conn
	c.reader = reader
	c.backoff = c.cfg.ReconnectDelay
	c.connected.Store(true)
	c.recordConnection(true)
	c.logger.Info().Str("addr", addr).Msg("connected to downstream")
	c.bus.Publish(events.EventDownstreamConnected, map[string]any{"addr": addr})
	return nil
}

type authReply struct {
	Status string `json:"status"`
	Result struct {
		Message string `json:"message"`
	} `json:"result"`
}

func (c *Client) authenticate(ctx context.Context, conn net.Conn, reader *bufio.Reader) error {
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if err := WriteLine(conn, AuthRequest{AuthToken: c.cfg.AuthToken}); err != nil {
		return classifyIOError("authenticate", err)
	}
	line, err := ReadLine(reader, c.cfg.MaxLineBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return model.Errorf(model.CategoryConnection, "connection closed during authentication")
		}
		return classifyIOError("authenticate", err)
	}
	var reply authReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return model.NewError(model.CategoryAuthentication, "authenticate",
			fmt.Errorf("invalid authentication reply: %w", err))
	}
	if reply.Status != string(model.ResultSuccess) {
		msg := reply.Result.Message
		if msg == "" {
			msg = "Authentication failed"
		}
		return model.Errorf(model.CategoryAuthentication, "authentication error: %s", msg)
	}
	return nil
}

// ConnectWithRetry calls Connect up to ReconnectAttempts times, sleeping the
// growing backoff between failures. A rejected token is not retried.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	attempts := max(c.cfg.ReconnectAttempts, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		if err = c.Connect(ctx); err == nil {
			return nil
		}
		if model.CategoryOf(err) == model.CategoryAuthentication {
			return err
		}
		c.logger.Warn().Err(err).Int("attempt", i).Int("attempts", attempts).Msg("downstream connect failed")
		if i == attempts {
			break
		}
		if serr := c.sleep(ctx, c.nextBackoff()); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("connect after %d attempts: %w", attempts, err)
}

// nextBackoff returns the current delay and doubles the stored one up to the
// ceiling.
func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceBackoffLocked()
}

func (c *Client) advanceBackoffLocked() time.Duration {
	d := c.backoff
	c.backoff = min(c.backoff*2, c.cfg.ReconnectMaxDelay)
	return d
}

// Send writes v as one line and returns the next line read. A disconnected
// client makes exactly one reconnect attempt first; if that fails it sleeps
// the backoff and returns a connection_error. A connection that closes
// before a reply leaves the client disconnected. The request deadline is the
// earlier of ctx and the configured request timeout.
func (c *Client) Send(ctx context.Context, v any) ([]byte, error) {
	line, err := Encode(v)
	if err != nil {
		return nil, model.NewError(model.CategoryValidation, "send", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, contextError("send", err)
	}
	if !c.connected.Load() {
		if err := c.reconnectLocked(ctx); err != nil {
			return nil, err
		}
	}

	conn := c.conn
	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		if c.conn == conn {
			_ = conn.SetDeadline(time.Time{})
		}
	}()

	if _, err := conn.Write(line); err != nil {
		c.dropLocked(err)
		return nil, c.sendError(ctx, err)
	}

	reply, err := ReadLine(c.reader, c.cfg.MaxLineBytes)
	if err == nil && len(reply) == 0 {
		err = io.EOF
	}
	if err != nil {
		c.dropLocked(err)
		if errors.Is(err, io.EOF) {
			return nil, model.NewError(model.CategoryConnection, "send",
				fmt.Errorf("%w: connection closed by server", model.ErrNotConnected))
		}
		return nil, c.sendError(ctx, err)
	}
	return reply, nil
}

func (c *Client) reconnectLocked(ctx context.Context) error {
	c.logger.Info().Msg("not connected to downstream, attempting reconnect")
	err := c.connectLocked(ctx)
	if err == nil {
		return nil
	}
	c.logger.Error().Err(err).Msg("reconnect failed")
	delay := c.advanceBackoffLocked()
	if serr := c.sleep(ctx, delay); serr != nil {
		return contextError("reconnect", serr)
	}
	return model.NewError(model.CategoryConnection, "send",
		fmt.Errorf("%w: reconnect failed: %v", model.ErrNotConnected, err))
}

func (c *Client) sendError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError("send", ctxErr)
	}
	if isTimeout(err) {
		return model.NewError(model.CategoryTimeout, "send",
			fmt.Errorf("no response from downstream within %s: %w", c.cfg.RequestTimeout, err))
	}
	return classifyIOError("send", err)
}

// dropLocked closes a connection whose stream can no longer be trusted.
func (c *Client) dropLocked(cause error) {
	c.logger.Warn().Err(cause).Msg("downstream connection lost")
	c.closeLocked()
}

// Disconnect closes the connection if open. It is safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.conn == nil {
		c.connected.Store(false)
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close downstream connection")
	}
	c.conn = nil
	c.reader = nil
	if c.connected.Swap(false) {
		c.logger.Info().Str("addr", c.cfg.addr()).Msg("disconnected from downstream")
		c.bus.Publish(events.EventDownstreamDisconnected, map[string]any{"addr": c.cfg.addr()})
	}
}

func (c *Client) recordConnection(ok bool) {
	if c.rec != nil {
		c.rec.RecordConnection(ok)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func classifyIOError(op string, err error) error {
	if isTimeout(err) {
		return model.NewError(model.CategoryTimeout, op, err)
	}
	return model.NewError(model.CategoryConnection, op, err)
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.CategoryTimeout, op, err)
	}
	return model.NewError(model.CategoryRuntime, op, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
