// Package mcp serves the Model Context Protocol over newline-delimited
// JSON-RPC 2.0 on stdio. Tool calls and resource reads become protocol
// envelopes sent to the daemon's upstream server, so they share its
// templates, validation and priority queue.
package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/protocol"
)

// Backend sends one protocol envelope and returns the decoded reply.
type Backend interface {
	Call(ctx context.Context, envelope map[string]any) (map[string]any, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, envelope map[string]any) (map[string]any, error)

func (f BackendFunc) Call(ctx context.Context, envelope map[string]any) (map[string]any, error) {
	return f(ctx, envelope)
}

const maxLineBytes = 1024 * 1024

type Server struct {
	backend     Backend
	logger      zerolog.Logger
	version     string
	tools       []tool
	toolsByName map[string]*tool
	initialized bool
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "mcp").Logger() }
}

// WithVersion sets the version reported in serverInfo.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

func NewServer(backend Backend, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		logger:  zerolog.Nop(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tools = s.toolSet()
	s.toolsByName = make(map[string]*tool, len(s.tools))
	for i := range s.tools {
		s.toolsByName[s.tools[i].desc.Name] = &s.tools[i]
	}
	return s
}

// Run reads one JSON-RPC message per line from input and writes responses
// to output until input reaches EOF or ctx is done. Notifications get no
// response.
func (s *Server) Run(ctx context.Context, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	encoder := json.NewEncoder(output)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := writeError(encoder, json.RawMessage("null"), codeParseError, "parse error: "+err.Error()); werr != nil {
				return fmt.Errorf("write parse error response: %w", werr)
			}
			continue
		}
		if req.JSONRPC != "2.0" {
			if !req.isNotification() {
				if werr := writeError(encoder, req.ID, codeInvalidRequest, "unsupported JSON-RPC version"); werr != nil {
					return fmt.Errorf("write version error response: %w", werr)
				}
			}
			continue
		}
		if req.isNotification() {
			s.logger.Debug().Str("method", req.Method).Msg("notification")
			continue
		}

		if err := s.dispatch(ctx, encoder, &req); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, encoder *json.Encoder, req *request) error {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(encoder, req)
	case "ping":
		return writeResult(encoder, req.ID, map[string]any{})
	}

	if !s.initialized {
		switch req.Method {
		case "tools/list", "tools/call", "resources/list", "resources/read":
			return writeError(encoder, req.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		}
	}
	switch req.Method {
	case "tools/list":
		return s.handleToolsList(encoder, req)
	case "tools/call":
		return s.handleToolsCall(ctx, encoder, req)
	case "resources/list":
		return s.handleResourcesList(ctx, encoder, req)
	case "resources/read":
		return s.handleResourcesRead(ctx, encoder, req)
	default:
		return writeError(encoder, req.ID, codeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) handleInitialize(encoder *json.Encoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for initialize")
	}
	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid initialize params: "+err.Error())
	}
	s.initialized = true
	s.logger.Info().Str("client", params.ClientInfo.Name).Str("client_version", params.ClientInfo.Version).
		Str("protocol_version", params.ProtocolVersion).Msg("client initialized")

	return writeResult(encoder, req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools:     &listCapability{},
			Resources: &listCapability{},
		},
		ServerInfo:   serverInfo{Name: "aispire", Version: s.version},
		Instructions: "Controls Vectric Aspire/VCarve through the AiSpire Lua gadget.",
	})
}

// call forwards envelope and unwraps the result envelope from the reply.
func (s *Server) call(ctx context.Context, envelope map[string]any) (model.ResultEnvelope, error) {
	reply, err := s.backend.Call(ctx, envelope)
	if err != nil {
		return model.ResultEnvelope{}, err
	}

	switch protocol.MessageType(fmt.Sprint(reply["type"])) {
	case protocol.TypeResult:
		var env model.ResultEnvelope
		if err := remarshal(reply["content"], &env); err != nil {
			return model.ResultEnvelope{}, fmt.Errorf("decode result envelope: %w", err)
		}
		if !env.Status.Valid() {
			return model.ResultEnvelope{}, fmt.Errorf("result envelope has invalid status %q", env.Status)
		}
		return env, nil
	case protocol.TypeError:
		content, _ := reply["content"].(map[string]any)
		msg, _ := content["error"].(string)
		if msg == "" {
			msg = "upstream error"
		}
		if code, _ := content["code"].(string); code != "" {
			return model.ResultEnvelope{}, fmt.Errorf("%s (%s)", msg, code)
		}
		return model.ResultEnvelope{}, errors.New(msg)
	default:
		return model.ResultEnvelope{}, fmt.Errorf("unexpected reply type %v", reply["type"])
	}
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func writeResult(encoder *json.Encoder, id json.RawMessage, result any) error {
	return encoder.Encode(response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(encoder *json.Encoder, id json.RawMessage, code int, message string) error {
	return encoder.Encode(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}
