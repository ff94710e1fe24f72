// Package server implements the upstream listener: newline-delimited JSON
// envelopes over TCP, with an optional auth handshake and a per-connection
// rate limit.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/result"
	"github.com/msageha/aispire/internal/transport"
)

// HandlerFunc handles one request line and returns the reply line, or nil
// when nothing should be written back.
type HandlerFunc func(ctx context.Context, line []byte) []byte

// RejectFunc renders a connection-level rejection (rate limit, oversized
// line) that never reaches the handler.
type RejectFunc func(err error) []byte

// Recorder receives connection-level error counts.
type Recorder interface {
	RecordError(category string)
}

var (
	ErrRateLimited = model.NewError(model.CategoryResource, "", errors.New("rate limit exceeded"))
	ErrAuthFailed  = model.NewError(model.CategoryAuthentication, "", errors.New("Authentication failed"))
)

type Config struct {
	Addr         string
	AuthRequired bool
	AuthToken    string
	RateLimit    float64
	RateBurst    int
	IdleTimeout  time.Duration
	MaxLineBytes int
}

// ConfigFrom converts the YAML server section.
func ConfigFrom(c model.ServerConfig) Config {
	return Config{
		Addr:         net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		AuthRequired: c.AuthRequired,
		AuthToken:    c.AuthToken,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
		IdleTimeout:  time.Duration(c.IdleTimeoutSec) * time.Second,
		MaxLineBytes: c.MaxLineBytes,
	}
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "server").Logger() }
}

func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.rec = r }
}

func WithRejectFunc(f RejectFunc) Option {
	return func(s *Server) { s.reject = f }
}

type Server struct {
	cfg     Config
	handler HandlerFunc
	reject  RejectFunc
	rec     Recorder
	logger  zerolog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(cfg Config, handler HandlerFunc, opts ...Option) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = transport.DefaultMaxLineBytes
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = max(1, int(cfg.RateLimit))
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: handler,
		reject:  defaultReject,
		logger:  zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultReject(err error) []byte {
	data, _ := json.Marshal(result.FromError(err))
	return data
}

func (s *Server) Start() error {
	if s.handler == nil {
		return errors.New("server: nil handler")
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", listener.Addr().String()).Bool("auth_required", s.cfg.AuthRequired).
		Msg("upstream server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to return.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info().Msg("upstream server stopped")
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	log := s.logger.With().Str("peer", conn.RemoteAddr().String()).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("panic in connection handler")
			s.recordError(string(model.CategoryRuntime))
		}
	}()
	log.Info().Msg("connection opened")
	defer log.Info().Msg("connection closed")

	reader := bufio.NewReaderSize(conn, 64*1024)

	if s.cfg.AuthRequired && !s.authenticate(conn, reader, log) {
		return
	}

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}

	for {
		line, err := s.readLine(conn, reader)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, transport.ErrLineTooLong):
				s.recordError(string(model.CategoryProtocol))
				s.write(conn, s.reject(model.Errorf(model.CategoryProtocol,
					"message exceeds %d bytes", s.cfg.MaxLineBytes)), log)
			case isTimeout(err):
				log.Info().Dur("idle_timeout", s.cfg.IdleTimeout).Msg("closing idle connection")
			default:
				log.Warn().Err(err).Msg("read error")
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			s.recordError(string(model.CategoryResource))
			if !s.write(conn, s.reject(ErrRateLimited), log) {
				return
			}
			continue
		}

		reply := s.handler(s.ctx, line)
		if reply == nil {
			continue
		}
		if !s.write(conn, reply, log) {
			return
		}
	}
}

type authRequest struct {
	AuthToken string `json:"auth_token"`
	Auth      string `json:"auth"`
}

// authenticate runs the handshake: the first line must carry the configured
// token. A failed handshake is answered and the connection closed.
func (s *Server) authenticate(conn net.Conn, reader *bufio.Reader, log zerolog.Logger) bool {
	line, err := s.readLine(conn, reader)
	if err != nil {
		log.Debug().Err(err).Msg("connection closed during authentication")
		return false
	}
	var req authRequest
	token := ""
	if json.Unmarshal(line, &req) == nil {
		token = req.AuthToken
		if token == "" {
			token = req.Auth
		}
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		log.Warn().Msg("authentication failed")
		s.recordError(string(model.CategoryAuthentication))
		data, _ := json.Marshal(result.Error(ErrAuthFailed.Error(), model.CategoryAuthentication, nil))
		s.write(conn, data, log)
		return false
	}
	data, _ := json.Marshal(result.Success("Authenticated", nil))
	return s.write(conn, data, log)
}

func (s *Server) readLine(conn net.Conn, reader *bufio.Reader) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	return transport.ReadLine(reader, s.cfg.MaxLineBytes)
}

func (s *Server) write(conn net.Conn, data []byte, log zerolog.Logger) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	if err := transport.WriteLine(conn, data); err != nil {
		log.Warn().Err(err).Msg("write reply")
		return false
	}
	return true
}

func (s *Server) recordError(category string) {
	if s.rec != nil {
		s.rec.RecordError(category)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
