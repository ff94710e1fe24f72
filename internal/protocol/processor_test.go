package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/aispire/internal/events"
	"github.com/msageha/aispire/internal/model"
)

func echoHandler(_ context.Context, msg *Message) (*Message, error) {
	return NewReply(msg, TypeResponse, msg.Content, msg.ContentType), nil
}

type requestRecord struct {
	msgType string
	code    string
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []requestRecord
	active   int
}

func (r *fakeRecorder) RecordRequest(msgType string, _ time.Duration, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, requestRecord{msgType, code})
}

func (r *fakeRecorder) SetActiveSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func errorCode(t *testing.T, m *Message) string {
	t.Helper()
	require.NotNil(t, m)
	_, code, ok := m.ErrorContent()
	require.True(t, ok, "expected an error envelope, got %s", m.Type)
	return code
}

func TestProcessor_SessionScenario(t *testing.T) {
	p := NewProcessor()
	p.RegisterFunc(TypeRequest, echoHandler)
	ctx := context.Background()

	start := &Message{Type: TypeStartSession, ID: "m1", SessionID: "s1"}
	reply := p.Process(ctx, start)
	require.NotNil(t, reply)
	assert.Equal(t, TypeResponse, reply.Type)
	assert.Equal(t, "m1", reply.InReplyTo)
	assert.Equal(t, "s1", reply.SessionID)
	assert.Equal(t, map[string]any{"session_id": "s1", "status": "active"}, reply.Content)

	req := &Message{Type: TypeRequest, ID: "m2", SessionID: "s1", Content: "hello"}
	reply = p.Process(ctx, req)
	require.NotNil(t, reply)
	assert.Equal(t, TypeResponse, reply.Type)
	assert.Equal(t, "m2", reply.InReplyTo)
	assert.Equal(t, "hello", reply.Content)

	s, ok := p.Session("s1")
	require.True(t, ok)
	assert.Equal(t, 2, s.Len())
	logged, ok := s.Message("m2")
	require.True(t, ok)
	assert.Equal(t, req, logged)

	end := &Message{Type: TypeEndSession, ID: "m3", SessionID: "s1"}
	reply = p.Process(ctx, end)
	require.NotNil(t, reply)
	assert.Equal(t, map[string]any{"session_id": "s1", "status": "closed"}, reply.Content)
	assert.Equal(t, 0, p.SessionCount())

	reply = p.Process(ctx, &Message{Type: TypeRequest, ID: "m4", SessionID: "s1"})
	assert.Equal(t, string(model.CategorySessionNotFound), errorCode(t, reply))
	assert.Equal(t, "m4", reply.InReplyTo)
}

func TestProcessor_RoundTripSerialized(t *testing.T) {
	p := NewProcessor()
	p.RegisterFunc(TypeCommand, echoHandler)
	ctx := context.Background()
	session := p.CreateSession("")

	for _, ct := range []ContentType{ContentText, ContentJSON, ContentVectricCommand} {
		msg := NewMessage(TypeCommand, map[string]any{"command_type": "execute_code"}, ct)
		msg.SessionID = session.ID
		data, err := msg.Serialize()
		require.NoError(t, err)

		for _, raw := range []any{data, string(data)} {
			reply := p.Process(ctx, raw)
			require.NotNil(t, reply)
			assert.Equal(t, msg.ID, reply.InReplyTo)
			assert.Equal(t, session.ID, reply.SessionID)
			assert.Equal(t, ct, reply.ContentType)
		}
	}
}

func TestProcessor_UnknownSessionAlwaysRejected(t *testing.T) {
	p := NewProcessor()
	p.RegisterFunc(TypeRequest, echoHandler)
	for _, typ := range []MessageType{TypeRequest, TypeCommand, TypePing, TypeResult} {
		msg := NewMessage(typ, nil, "")
		msg.SessionID = "ghost"
		reply := p.Process(context.Background(), msg)
		assert.Equal(t, string(model.CategorySessionNotFound), errorCode(t, reply))
		assert.Equal(t, msg.ID, reply.InReplyTo)
	}
}

func TestProcessor_NoHandler(t *testing.T) {
	p := NewProcessor()
	msg := NewMessage(TypePing, nil, "")
	reply := p.Process(context.Background(), msg)
	assert.Equal(t, string(model.CategoryNoHandler), errorCode(t, reply))
	text, _, _ := reply.ErrorContent()
	assert.Equal(t, "No handler for message type: ping", text)
	assert.Equal(t, msg.ID, reply.InReplyTo)
}

func TestProcessor_HandlerFaults(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
		want    string
	}{
		{
			name:    "returned error",
			handler: func(context.Context, *Message) (*Message, error) { return nil, errors.New("bad input") },
			want:    "bad input",
		},
		{
			name:    "panic",
			handler: func(context.Context, *Message) (*Message, error) { panic("kaboom") },
			want:    "kaboom",
		},
		{
			name: "nil dereference",
			handler: func(context.Context, *Message) (*Message, error) {
				var m map[string]int
				m["x"] = 1
				return nil, nil
			},
			want: "assignment to entry in nil map",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcessor()
			p.Register(TypeRequest, tt.handler)
			s := p.CreateSession("s")
			msg := NewMessage(TypeRequest, nil, "")
			msg.SessionID = s.ID

			var reply *Message
			require.NotPanics(t, func() { reply = p.Process(context.Background(), msg) })
			assert.Equal(t, string(model.CategoryHandler), errorCode(t, reply))
			text, _, _ := reply.ErrorContent()
			assert.Contains(t, text, tt.want)
			assert.Equal(t, msg.ID, reply.InReplyTo)
			assert.Equal(t, "s", reply.SessionID)
		})
	}
}

func TestProcessor_NilReply(t *testing.T) {
	p := NewProcessor()
	p.RegisterFunc(TypeStreamContent, func(context.Context, *Message) (*Message, error) { return nil, nil })
	assert.Nil(t, p.Process(context.Background(), NewMessage(TypeStreamContent, "chunk", "")))
}

func TestProcessor_MalformedInput(t *testing.T) {
	tests := []struct {
		name string
		raw  any
	}{
		{"invalid json", "{not json"},
		{"json array", []byte(`[1,2]`)},
		{"json null", "null"},
		{"missing type", map[string]any{"id": "x"}},
		{"unknown type", `{"type":"teleport","id":"x"}`},
		{"numeric id", map[string]any{"type": "ping", "id": 7}},
		{"bad session id", map[string]any{"type": "ping", "session_id": 3}},
		{"bad metadata", map[string]any{"type": "ping", "metadata": "x"}},
		{"typed with bad type", &Message{Type: "bogus"}},
		{"nil message", (*Message)(nil)},
		{"unsupported form", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcessor()
			reply := p.Process(context.Background(), tt.raw)
			assert.Equal(t, string(model.CategoryProtocol), errorCode(t, reply))
			assert.Empty(t, reply.InReplyTo)
		})
	}
}

func TestProcessor_StartSessionVariants(t *testing.T) {
	p := NewProcessor()
	ctx := context.Background()

	reply := p.Process(ctx, map[string]any{"type": "start_session"})
	require.NotNil(t, reply)
	content := reply.Content.(map[string]any)
	generated := content["session_id"].(string)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, reply.SessionID)
	_, ok := p.Session(generated)
	assert.True(t, ok)

	p.CreateSession("dup")
	reply = p.Process(ctx, map[string]any{"type": "start_session", "session_id": "dup"})
	assert.Equal(t, "active", reply.Content.(map[string]any)["status"])
	assert.Equal(t, 2, p.SessionCount(), "restarting a live session is a no-op")

	reply = p.Process(ctx, map[string]any{"type": "end_session", "id": "e1"})
	assert.Equal(t, string(model.CategoryProtocol), errorCode(t, reply))
	assert.Equal(t, "e1", reply.InReplyTo)

	reply = p.Process(ctx, map[string]any{"type": "end_session", "session_id": "never"})
	assert.Equal(t, "closed", reply.Content.(map[string]any)["status"], "ending an absent session is a no-op")
}

func TestProcessor_SessionMessagesNeverReachHandlers(t *testing.T) {
	p := NewProcessor()
	called := false
	p.RegisterFunc(TypeStartSession, func(context.Context, *Message) (*Message, error) {
		called = true
		return nil, nil
	})
	reply := p.Process(context.Background(), &Message{Type: TypeStartSession, SessionID: "s"})
	assert.False(t, called)
	assert.Equal(t, TypeResponse, reply.Type)
}

func TestProcessor_LastRegistrationWins(t *testing.T) {
	p := NewProcessor()
	p.RegisterFunc(TypePing, func(_ context.Context, m *Message) (*Message, error) {
		return NewReply(m, TypePong, "first", ""), nil
	})
	p.RegisterFunc(TypePing, func(_ context.Context, m *Message) (*Message, error) {
		return NewReply(m, TypePong, "second", ""), nil
	})
	reply := p.Process(context.Background(), NewMessage(TypePing, nil, ""))
	assert.Equal(t, "second", reply.Content)
}

func TestProcessor_UnknownContentTypeDegrades(t *testing.T) {
	p := NewProcessor()
	var seen ContentType
	p.RegisterFunc(TypeRequest, func(_ context.Context, m *Message) (*Message, error) {
		seen = m.ContentType
		return nil, nil
	})
	p.Process(context.Background(), `{"type":"request","id":"1","content_type":"application/x-unknown"}`)
	assert.Equal(t, ContentText, seen)

	p.Process(context.Background(), &Message{Type: TypeRequest, ContentType: "weird"})
	assert.Equal(t, ContentText, seen)
}

func TestProcessor_RecordsAndPublishes(t *testing.T) {
	rec := &fakeRecorder{}
	bus := events.NewBus(10)
	defer bus.Close()
	var mu sync.Mutex
	var got []events.EventType
	unsub := bus.Subscribe(func(e events.Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	}, events.EventSessionStarted, events.EventSessionEnded)
	defer unsub()

	p := NewProcessor(WithRecorder(rec), WithEventBus(bus))
	p.RegisterFunc(TypePing, func(_ context.Context, m *Message) (*Message, error) {
		return NewReply(m, TypePong, nil, ""), nil
	})
	ctx := context.Background()
	p.Process(ctx, &Message{Type: TypeStartSession, SessionID: "s"})
	assert.Equal(t, 1, rec.active)
	p.Process(ctx, &Message{Type: TypePing, SessionID: "s"})
	p.Process(ctx, &Message{Type: TypeRequest, SessionID: "s"})
	p.Process(ctx, "garbage")
	p.Process(ctx, &Message{Type: TypeEndSession, SessionID: "s"})

	rec.mu.Lock()
	assert.Equal(t, []requestRecord{
		{"start_session", ""},
		{"ping", ""},
		{"request", "no_handler"},
		{"invalid", "protocol_error"},
		{"end_session", ""},
	}, rec.requests)
	assert.Equal(t, 0, rec.active)
	rec.mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.EventType{events.EventSessionStarted, events.EventSessionEnded}, got)
}

func TestProcessor_ConcurrentSessions(t *testing.T) {
	p := NewProcessor()
	p.RegisterFunc(TypeRequest, echoHandler)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := p.Process(ctx, &Message{Type: TypeStartSession})
			sid := s.SessionID
			for j := 0; j < 10; j++ {
				reply := p.Process(ctx, &Message{Type: TypeRequest, SessionID: sid, Content: j})
				assert.Equal(t, TypeResponse, reply.Type)
			}
			p.Process(ctx, &Message{Type: TypeEndSession, SessionID: sid})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.SessionCount())
}
