package protocol

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/events"
	"github.com/msageha/aispire/internal/model"
)

// Handler answers one envelope. A nil reply sends nothing back.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Recorder receives per-request outcomes. code is empty for requests that
// did not end in an error envelope.
type Recorder interface {
	RecordRequest(msgType string, latency time.Duration, code string)
	SetActiveSessions(n int)
}

type Option func(*Processor)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) { p.logger = logger.With().Str("component", "protocol").Logger() }
}

func WithEventBus(bus *events.Bus) Option {
	return func(p *Processor) { p.bus = bus }
}

func WithRecorder(r Recorder) Option {
	return func(p *Processor) { p.rec = r }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor owns the session table and the type→handler table.
type Processor struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	handlers map[MessageType]Handler

	logger zerolog.Logger
	bus    *events.Bus
	rec    Recorder
	now    func() time.Time
}

func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		sessions: make(map[string]*Session),
		handlers: make(map[MessageType]Handler),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register sets the handler for t, replacing any previous one. Session
// start and end are handled by the processor and cannot be registered.
func (p *Processor) Register(t MessageType, h Handler) {
	if t == TypeStartSession || t == TypeEndSession {
		p.logger.Warn().Str("type", string(t)).Msg("session messages are handled internally, registration ignored")
		return
	}
	p.mu.Lock()
	p.handlers[t] = h
	p.mu.Unlock()
}

func (p *Processor) RegisterFunc(t MessageType, fn func(ctx context.Context, msg *Message) (*Message, error)) {
	p.Register(t, HandlerFunc(fn))
}

// CreateSession opens a session, generating an id when id is empty. An
// existing session with the same id is returned unchanged.
func (p *Processor) CreateSession(id string) *Session {
	s, _ := p.createSession(id)
	return s
}

func (p *Processor) createSession(id string) (*Session, bool) {
	if id == "" {
		id = model.GenerateID()
	}
	p.mu.Lock()
	if s, ok := p.sessions[id]; ok {
		p.mu.Unlock()
		return s, false
	}
	s := newSession(id, p.now())
	p.sessions[id] = s
	n := len(p.sessions)
	p.mu.Unlock()

	p.logger.Info().Str("session_id", id).Msg("started new session")
	p.bus.Publish(events.EventSessionStarted, map[string]any{"session_id": id})
	p.setActiveSessions(n)
	return s, true
}

func (p *Processor) Session(id string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

// EndSession removes a session and reports whether it existed.
func (p *Processor) EndSession(id string) bool {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	n := len(p.sessions)
	p.mu.Unlock()
	if !ok {
		return false
	}

	p.logger.Info().Str("session_id", id).Int("messages", s.Len()).Msg("ended session")
	p.bus.Publish(events.EventSessionEnded, map[string]any{"session_id": id, "messages": s.Len()})
	p.setActiveSessions(n)
	return true
}

func (p *Processor) SessionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Process handles one inbound envelope given as *Message, Message,
// map[string]any, []byte or string. It never panics and never returns an
// error: failures become error envelopes. A nil result means the handler
// chose not to reply.
func (p *Processor) Process(ctx context.Context, raw any) (reply *Message) {
	start := p.now()
	msgType := "invalid"
	defer func() {
		code := ""
		if reply != nil {
			if _, c, ok := reply.ErrorContent(); ok {
				code = c
			}
		}
		if p.rec != nil {
			p.rec.RecordRequest(msgType, p.now().Sub(start), code)
		}
	}()

	msg, err := p.normalize(raw)
	if err != nil {
		p.logger.Error().Err(err).Msg("error parsing message")
		return NewErrorMessage(err.Error(), model.CategoryProtocol, "", "")
	}
	msgType = string(msg.Type)

	switch msg.Type {
	case TypeStartSession:
		return p.startSession(msg)
	case TypeEndSession:
		return p.endSession(msg)
	}

	if msg.SessionID != "" {
		s, ok := p.Session(msg.SessionID)
		if !ok {
			text := fmt.Sprintf("Session %s does not exist", msg.SessionID)
			p.logger.Error().Str("message_id", msg.ID).Msg(text)
			return NewErrorMessage(text, model.CategorySessionNotFound, msg.ID, "")
		}
		s.Append(msg)
	}

	return p.dispatch(ctx, msg)
}

func (p *Processor) startSession(msg *Message) *Message {
	s, created := p.createSession(msg.SessionID)
	if !created {
		p.logger.Warn().Str("session_id", s.ID).Msg("session already exists")
	}
	msg.SessionID = s.ID
	s.Append(msg)
	return NewReply(msg, TypeResponse, map[string]any{"session_id": s.ID, "status": "active"}, ContentJSON)
}

func (p *Processor) endSession(msg *Message) *Message {
	if msg.SessionID == "" {
		return NewErrorMessage("end_session requires a session_id", model.CategoryProtocol, msg.ID, "")
	}
	p.EndSession(msg.SessionID)
	return NewReply(msg, TypeResponse, map[string]any{"session_id": msg.SessionID, "status": "closed"}, ContentJSON)
}

func (p *Processor) dispatch(ctx context.Context, msg *Message) (reply *Message) {
	p.mu.RLock()
	h, ok := p.handlers[msg.Type]
	p.mu.RUnlock()
	if !ok {
		p.logger.Warn().Str("type", string(msg.Type)).Msg("no handler registered")
		return NewErrorMessage(fmt.Sprintf("No handler for message type: %s", msg.Type),
			model.CategoryNoHandler, msg.ID, msg.SessionID)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("type", string(msg.Type)).Str("stack", string(debug.Stack())).
				Msgf("panic in handler: %v", r)
			reply = NewErrorMessage(fmt.Sprint(r), model.CategoryHandler, msg.ID, msg.SessionID)
		}
	}()

	reply, err := h.Handle(ctx, msg)
	if err != nil {
		p.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("error in handler")
		return NewErrorMessage(err.Error(), model.CategoryHandler, msg.ID, msg.SessionID)
	}
	return reply
}

// normalize turns the accepted input forms into a validated message.
func (p *Processor) normalize(raw any) (*Message, error) {
	var m *Message
	switch v := raw.(type) {
	case *Message:
		if v == nil {
			return nil, model.Errorf(model.CategoryProtocol, "nil message")
		}
		m = v
	case Message:
		m = &v
	case map[string]any:
		return p.fromMap(v)
	case []byte:
		return p.parse(v)
	case json.RawMessage:
		return p.parse(v)
	case string:
		return p.parse([]byte(v))
	default:
		return nil, model.Errorf(model.CategoryProtocol, "unsupported message form %T", raw)
	}

	if !m.Type.Valid() {
		return nil, model.Errorf(model.CategoryProtocol, "Invalid message type: %s", m.Type)
	}
	if m.ID == "" {
		m.ID = model.GenerateID()
	}
	if !m.ContentType.Valid() {
		p.warnContentType(string(m.ContentType))
		m.ContentType = ContentText
	}
	return m, nil
}

func (p *Processor) parse(data []byte) (*Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, model.Errorf(model.CategoryProtocol, "Invalid JSON: %v", err)
	}
	if raw == nil {
		return nil, model.Errorf(model.CategoryProtocol, "message must be a JSON object")
	}
	return p.fromMap(raw)
}

func (p *Processor) fromMap(raw map[string]any) (*Message, error) {
	if v, present := raw["content_type"]; present {
		if ct, _ := v.(string); !ContentType(ct).Valid() {
			p.warnContentType(fmt.Sprint(v))
		}
	}
	return FromMap(raw)
}

func (p *Processor) warnContentType(ct string) {
	if ct == "" {
		return
	}
	p.logger.Warn().Str("content_type", ct).Msg("unknown content type, using text/plain")
}

func (p *Processor) setActiveSessions(n int) {
	if p.rec != nil {
		p.rec.SetActiveSessions(n)
	}
}
