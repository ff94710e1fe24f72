// Package protocol implements the upstream message envelope, sessions and
// the processor that routes envelopes to per-type handlers.
package protocol

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/msageha/aispire/internal/model"
)

// MessageType is the closed set of envelope types.
type MessageType string

const (
	TypeStartSession  MessageType = "start_session"
	TypeEndSession    MessageType = "end_session"
	TypeRequest       MessageType = "request"
	TypeResponse      MessageType = "response"
	TypeError         MessageType = "error"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
	TypeStreamStart   MessageType = "stream_start"
	TypeStreamContent MessageType = "stream_content"
	TypeStreamEnd     MessageType = "stream_end"
	TypeCommand       MessageType = "command"
	TypeResult        MessageType = "result"
)

var messageTypes = map[MessageType]bool{
	TypeStartSession: true, TypeEndSession: true, TypeRequest: true, TypeResponse: true,
	TypeError: true, TypePing: true, TypePong: true, TypeStreamStart: true,
	TypeStreamContent: true, TypeStreamEnd: true, TypeCommand: true, TypeResult: true,
}

func (t MessageType) Valid() bool { return messageTypes[t] }

// ContentType tags the shape of Content.
type ContentType string

const (
	ContentText           ContentType = "text/plain"
	ContentJSON           ContentType = "application/json"
	ContentImage          ContentType = "image/png"
	ContentSVG            ContentType = "image/svg+xml"
	ContentHTML           ContentType = "text/html"
	ContentMarkdown       ContentType = "text/markdown"
	ContentVectricCommand ContentType = "application/vectric-command+json"
	ContentVectricResult  ContentType = "application/vectric-result+json"
)

var contentTypes = map[ContentType]bool{
	ContentText: true, ContentJSON: true, ContentImage: true, ContentSVG: true,
	ContentHTML: true, ContentMarkdown: true, ContentVectricCommand: true, ContentVectricResult: true,
}

func (c ContentType) Valid() bool { return contentTypes[c] }

// Message is one protocol envelope.
type Message struct {
	Type        MessageType    `json:"type"`
	ID          string         `json:"id"`
	ContentType ContentType    `json:"content_type"`
	Content     any            `json:"content"`
	SessionID   string         `json:"session_id,omitempty"`
	InReplyTo   string         `json:"in_reply_to,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewMessage returns a message with a fresh id.
func NewMessage(t MessageType, content any, ct ContentType) *Message {
	if ct == "" {
		ct = ContentText
	}
	return &Message{Type: t, ID: model.GenerateID(), ContentType: ct, Content: content}
}

// NewReply returns a message answering to, carrying its session.
func NewReply(to *Message, t MessageType, content any, ct ContentType) *Message {
	m := NewMessage(t, content, ct)
	m.InReplyTo = to.ID
	m.SessionID = to.SessionID
	return m
}

// NewErrorMessage builds an error envelope with content {"error","code"}.
func NewErrorMessage(msg string, code model.Category, inReplyTo, sessionID string) *Message {
	m := NewMessage(TypeError, map[string]any{"error": msg, "code": string(code)}, ContentJSON)
	m.InReplyTo = inReplyTo
	m.SessionID = sessionID
	return m
}

// NewResultMessage wraps a result envelope in a result message answering to.
func NewResultMessage(to *Message, env model.ResultEnvelope) *Message {
	return NewReply(to, TypeResult, env, ContentVectricResult)
}

// Serialize encodes the message as JSON.
func (m *Message) Serialize() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeContent converts the loosely typed content into v.
func (m *Message) DecodeContent(v any) error {
	data, err := json.Marshal(m.Content)
	if err != nil {
		return model.NewError(model.CategoryValidation, "decode content", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.NewError(model.CategoryValidation, "decode content", err)
	}
	return nil
}

// ErrorContent returns the error text and code of an error envelope.
func (m *Message) ErrorContent() (msg, code string, ok bool) {
	if m.Type != TypeError {
		return "", "", false
	}
	c, isMap := m.Content.(map[string]any)
	if !isMap {
		return "", "", false
	}
	msg, _ = c["error"].(string)
	code, _ = c["code"].(string)
	return msg, code, true
}

// Parse decodes one serialized envelope. Malformed input is a
// protocol_error.
func Parse(data []byte) (*Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, model.Errorf(model.CategoryProtocol, "Invalid JSON: %v", err)
	}
	if raw == nil {
		return nil, model.Errorf(model.CategoryProtocol, "message must be a JSON object")
	}
	return FromMap(raw)
}

// FromMap builds a message from a decoded JSON object. type is required and
// must be known; a missing id is generated. Unknown content types become
// text/plain.
func FromMap(raw map[string]any) (*Message, error) {
	typ, ok := raw["type"].(string)
	if !ok {
		return nil, model.Errorf(model.CategoryProtocol, "Missing 'type' field in MCP message")
	}
	m := &Message{Type: MessageType(typ), ContentType: ContentText, Content: raw["content"]}
	if !m.Type.Valid() {
		return nil, model.Errorf(model.CategoryProtocol, "Invalid message type: %s", typ)
	}

	switch id := raw["id"].(type) {
	case nil:
		m.ID = model.GenerateID()
	case string:
		if id == "" {
			return nil, model.Errorf(model.CategoryProtocol, "empty 'id' field in MCP message")
		}
		m.ID = id
	default:
		return nil, model.Errorf(model.CategoryProtocol, "'id' must be a string, got %T", id)
	}

	if ct, ok := raw["content_type"].(string); ok && ContentType(ct).Valid() {
		m.ContentType = ContentType(ct)
	}
	var err error
	if m.SessionID, err = optionalString(raw, "session_id"); err != nil {
		return nil, err
	}
	if m.InReplyTo, err = optionalString(raw, "in_reply_to"); err != nil {
		return nil, err
	}
	switch md := raw["metadata"].(type) {
	case nil:
	case map[string]any:
		m.Metadata = md
	default:
		return nil, model.Errorf(model.CategoryProtocol, "'metadata' must be an object, got %T", md)
	}
	return m, nil
}

func optionalString(raw map[string]any, key string) (string, error) {
	switch v := raw[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", model.Errorf(model.CategoryProtocol, "'%s' must be a string, got %T", key, v)
	}
}
