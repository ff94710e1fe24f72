package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/command"
	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/protocol"
	"github.com/msageha/aispire/internal/queue"
	"github.com/msageha/aispire/internal/result"
	"github.com/msageha/aispire/internal/transport"
)

// Request actions.
const (
	ActionGenerate      = "generate"
	ActionExecute       = "execute"
	ActionStatus        = "status"
	ActionCancel        = "cancel"
	ActionQueueStatus   = "queue_status"
	ActionDrain         = "drain"
	ActionListTemplates = "list_templates"
	ActionAddTemplate   = "add_template"
)

// commandContent is the content of a command message.
type commandContent struct {
	CommandType string         `json:"command_type"`
	Payload     map[string]any `json:"payload"`
	Priority    string         `json:"priority,omitempty"`
	Wait        *bool          `json:"wait,omitempty"`
}

// requestContent is the content of a request message. Fields are used per
// action.
type requestContent struct {
	Action    string         `json:"action"`
	Template  string         `json:"template,omitempty"`
	Text      string         `json:"text,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Code      string         `json:"code,omitempty"`
	CommandID string         `json:"command_id,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Wait      *bool          `json:"wait,omitempty"`
}

// handlers serves command, request and ping messages.
type handlers struct {
	queue           *queue.Queue
	generator       *command.Generator
	responseTimeout time.Duration
	logger          zerolog.Logger
}

func (h *handlers) register(p *protocol.Processor) {
	p.RegisterFunc(protocol.TypePing, h.ping)
	p.RegisterFunc(protocol.TypeCommand, h.command)
	p.RegisterFunc(protocol.TypeRequest, h.request)
}

func (h *handlers) ping(_ context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return protocol.NewReply(msg, protocol.TypePong, "pong", protocol.ContentText), nil
}

func (h *handlers) command(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var c commandContent
	if err := msg.DecodeContent(&c); err != nil || c.CommandType == "" {
		return errorResult(msg, "Invalid command: missing command_type", model.CategoryValidation), nil
	}
	t := transport.CommandType(c.CommandType)
	if !t.Valid() {
		return errorResult(msg, fmt.Sprintf("Unknown command type: %s", c.CommandType), model.CategoryValidation), nil
	}

	decoded, err := transport.DecodePayload(t, c.Payload)
	if err != nil {
		return errorResult(msg, err.Error(), model.CategoryOf(err)), nil
	}

	var text string
	switch p := decoded.(type) {
	case transport.ExecuteCodePayload:
		if text, err = h.generator.GenerateRaw(p.Code); err != nil {
			return errorResult(msg, err.Error(), model.CategoryOf(err)), nil
		}
	case transport.ExecuteFunctionPayload:
		text = p.Function
	case transport.QueryStatePayload:
		text = p.Query
	}

	meta := map[string]any{metaCommandType: string(t), metaPayload: c.Payload}
	env := h.enqueue(ctx, msg, text, c.Priority, meta, wants(c.Wait))
	return protocol.NewResultMessage(msg, env), nil
}

func (h *handlers) request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if text, ok := msg.Content.(string); ok {
		return protocol.NewResultMessage(msg, result.Info(
			"Received natural language request. Send an object with an action instead.",
			map[string]any{"request": text, "actions": actions()})), nil
	}

	var r requestContent
	if err := msg.DecodeContent(&r); err != nil || r.Action == "" {
		return errorResult(msg, "Invalid request: missing action", model.CategoryValidation), nil
	}

	switch r.Action {
	case ActionGenerate:
		var code string
		var err error
		if r.Text != "" {
			code, err = h.generator.GenerateCustom(r.Text, r.Params)
		} else {
			code, err = h.generator.Generate(r.Template, r.Params)
		}
		if err != nil {
			return errorResult(msg, err.Error(), model.CategoryOf(err)), nil
		}
		return response(msg, map[string]any{"code": code}), nil

	case ActionExecute:
		code := r.Code
		if code == "" && r.Template != "" {
			generated, err := h.generator.Generate(r.Template, r.Params)
			if err != nil {
				return errorResult(msg, err.Error(), model.CategoryOf(err)), nil
			}
			code = generated
		} else if _, err := h.generator.GenerateRaw(code); err != nil {
			return errorResult(msg, err.Error(), model.CategoryOf(err)), nil
		}
		env := h.enqueue(ctx, msg, code, r.Priority, nil, wants(r.Wait))
		return protocol.NewResultMessage(msg, env), nil

	case ActionStatus:
		cmd, ok := h.queue.Status(r.CommandID)
		if !ok {
			return errorResult(msg, fmt.Sprintf("Command %s not found", r.CommandID), model.CategoryValidation), nil
		}
		return protocol.NewResultMessage(msg, result.FromCommand(cmd)), nil

	case ActionCancel:
		cancelled := h.queue.Cancel(r.CommandID)
		return response(msg, map[string]any{"command_id": r.CommandID, "cancelled": cancelled}), nil

	case ActionQueueStatus:
		return response(msg, h.queue.Snapshot()), nil

	case ActionDrain:
		return response(msg, map[string]any{"cancelled": h.queue.Drain()}), nil

	case ActionListTemplates:
		return response(msg, map[string]any{"templates": h.generator.Templates()}), nil

	case ActionAddTemplate:
		if err := h.generator.AddTemplate(r.Template, r.Text); err != nil {
			return errorResult(msg, err.Error(), model.CategoryOf(err)), nil
		}
		return response(msg, map[string]any{"template": r.Template, "added": true}), nil

	default:
		return errorResult(msg, fmt.Sprintf("Unknown action: %s", r.Action), model.CategoryValidation), nil
	}
}

// enqueue queues text and, when wait is set, blocks up to the response
// timeout for a terminal state. The reply is the terminal envelope, or an
// in_progress envelope carrying the command id.
func (h *handlers) enqueue(ctx context.Context, msg *protocol.Message, text, priority string, meta map[string]any, wait bool) model.ResultEnvelope {
	prio, err := model.ParsePriority(priority)
	if err != nil {
		return result.Error(err.Error(), model.CategoryValidation, nil)
	}
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta[metaMessageID] = msg.ID
	if msg.SessionID != "" {
		meta[metaSessionID] = msg.SessionID
	}

	id, err := h.queue.Enqueue(text, prio, meta)
	if err != nil {
		category := model.CategoryOf(err)
		if errors.Is(err, model.ErrQueueFull) {
			category = model.CategoryResource
		}
		return result.Error(err.Error(), category, nil)
	}
	h.logger.Info().Str("command_id", id).Str("priority", prio.String()).Str("session_id", msg.SessionID).
		Msg("command queued")

	if !wait || h.responseTimeout <= 0 {
		cmd, _ := h.queue.Status(id)
		return result.FromCommand(cmd)
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.responseTimeout)
	defer cancel()
	cmd, err := h.queue.Wait(waitCtx, id)
	if err != nil && cmd.ID == "" {
		return result.FromError(err)
	}
	return result.FromCommand(cmd)
}

func wants(wait *bool) bool {
	return wait == nil || *wait
}

func errorResult(msg *protocol.Message, text string, category model.Category) *protocol.Message {
	return protocol.NewResultMessage(msg, result.Error(text, category, nil))
}

func response(msg *protocol.Message, data any) *protocol.Message {
	return protocol.NewReply(msg, protocol.TypeResponse, data, protocol.ContentJSON)
}

func actions() []string {
	return []string{ActionGenerate, ActionExecute, ActionStatus, ActionCancel,
		ActionQueueStatus, ActionDrain, ActionListTemplates, ActionAddTemplate}
}
