// Package transport implements the downstream link: a newline-delimited JSON
// codec and a single-connection client with authentication, a request
// deadline and exponential reconnect backoff.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/msageha/aispire/internal/model"
)

// DefaultMaxLineBytes caps one JSON line in either direction.
const DefaultMaxLineBytes = 1 << 20

// ErrLineTooLong is returned by ReadLine when a line exceeds the limit.
var ErrLineTooLong = errors.New("line exceeds maximum size")

// CommandType names a downstream request kind.
type CommandType string

const (
	CommandExecuteCode     CommandType = "execute_code"
	CommandExecuteFunction CommandType = "execute_function"
	CommandQueryState      CommandType = "query_state"
)

func (t CommandType) Valid() bool {
	switch t {
	case CommandExecuteCode, CommandExecuteFunction, CommandQueryState:
		return true
	}
	return false
}

// Request is one downstream call.
type Request struct {
	CommandType CommandType `json:"command_type"`
	Payload     any         `json:"payload"`
	ID          string      `json:"id"`
	Auth        string      `json:"auth,omitempty"`
}

type ExecuteCodePayload struct {
	Code    string         `json:"code"`
	Options map[string]any `json:"options,omitempty"`
}

type ExecuteFunctionPayload struct {
	Function   string         `json:"function"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

type QueryStatePayload struct {
	Query   string         `json:"query"`
	Options map[string]any `json:"options,omitempty"`
}

// AuthRequest is the first line sent on a connection when a token is set.
type AuthRequest struct {
	AuthToken string `json:"auth_token"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(t CommandType, payload any) Request {
	return Request{CommandType: t, Payload: payload, ID: model.GenerateID()}
}

// DecodePayload turns a loosely typed payload into the struct for t and
// checks its required field.
func DecodePayload(t CommandType, raw any) (any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, model.NewError(model.CategoryValidation, "decode payload", err)
	}
	switch t {
	case CommandExecuteCode:
		var p ExecuteCodePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, model.NewError(model.CategoryValidation, "decode payload", err)
		}
		if p.Code == "" {
			return nil, model.Errorf(model.CategoryValidation, "execute_code payload requires code")
		}
		return p, nil
	case CommandExecuteFunction:
		var p ExecuteFunctionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, model.NewError(model.CategoryValidation, "decode payload", err)
		}
		if p.Function == "" {
			return nil, model.Errorf(model.CategoryValidation, "execute_function payload requires function")
		}
		return p, nil
	case CommandQueryState:
		var p QueryStatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, model.NewError(model.CategoryValidation, "decode payload", err)
		}
		if p.Query == "" {
			return nil, model.Errorf(model.CategoryValidation, "query_state payload requires query")
		}
		return p, nil
	default:
		return nil, model.Errorf(model.CategoryValidation, "unknown command type %q", t)
	}
}

// Encode marshals v into one line terminated by '\n'. Byte slices and
// strings are sent as-is.
func Encode(v any) ([]byte, error) {
	var data []byte
	switch x := v.(type) {
	case []byte:
		data = append([]byte(nil), x...)
	case string:
		data = []byte(x)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal line: %w", err)
		}
	}
	data = bytes.TrimRight(data, "\r\n")
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, errors.New("line payload contains a newline")
	}
	return append(data, '\n'), nil
}

// WriteLine encodes v and writes it as one line.
func WriteLine(w io.Writer, v any) error {
	line, err := Encode(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// ReadLine reads one line without its terminator. A final line lacking '\n'
// is returned as-is; io.EOF is returned only when nothing was read.
func ReadLine(r *bufio.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		if len(line)+len(frag) > max+1 {
			return nil, ErrLineTooLong
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			break
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
