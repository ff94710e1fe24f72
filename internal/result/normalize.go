// Package result maps raw downstream replies into the canonical result
// envelope and builds envelopes for handler responses.
package result

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/msageha/aispire/internal/model"
)

// rawReply mirrors the downstream reply loosely: result may be an object or a
// bare string, and execution_time may arrive as a float.
type rawReply struct {
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result"`
	CommandID     string          `json:"command_id"`
	ExecutionTime *float64        `json:"execution_time"`
}

// Parse decodes one downstream reply line. Input that is not a JSON object
// yields an error envelope categorized as syntax_error. Parse does not check
// the status value; Normalize does.
func Parse(raw []byte) model.ResultEnvelope {
	trimmed := bytes.TrimSpace(raw)
	var r rawReply
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Error(fmt.Sprintf("Invalid JSON response: %s", trimmed), model.CategorySyntax, nil)
	}
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return Error(fmt.Sprintf("Invalid JSON response: %s", trimmed), model.CategorySyntax, nil)
	}

	env := model.ResultEnvelope{
		Status:    model.ResultStatus(r.Status),
		CommandID: r.CommandID,
	}
	if r.ExecutionTime != nil {
		ms := int64(math.Round(*r.ExecutionTime))
		env.ExecutionTime = &ms
	}

	body := bytes.TrimSpace(r.Result)
	switch {
	case len(body) == 0 || bytes.Equal(body, []byte("null")):
	case body[0] == '"':
		var msg string
		if err := json.Unmarshal(body, &msg); err == nil {
			env.Result.Message = msg
		}
	default:
		if err := json.Unmarshal(body, &env.Result); err != nil {
			return Error(fmt.Sprintf("Invalid result body: %s", body), model.CategorySyntax, nil)
		}
	}
	return env
}

// Normalize validates the status of a parsed reply and fills in the command
// id. Unknown statuses become unknown_error envelopes; error envelopes
// without a recognised type are categorized from their message.
func Normalize(env model.ResultEnvelope, commandID string) model.ResultEnvelope {
	if commandID != "" {
		env.CommandID = commandID
	}

	if !env.Status.Valid() {
		out := Error(
			fmt.Sprintf("Unknown response status %q: %s", env.Status, env.Result.Message),
			model.CategoryUnknown,
			env.Result.Data,
		)
		out.CommandID = env.CommandID
		out.ExecutionTime = env.ExecutionTime
		return out
	}

	if env.Status == model.ResultError && !model.Category(env.Result.Type).Valid() {
		env.Result.Type = string(Categorize(env.Result.Message))
	}
	if env.Status != model.ResultError && env.Result.Type == "" {
		env.Result.Type = "generic"
	}
	return env
}

// ParseAndNormalize is Parse followed by Normalize.
func ParseAndNormalize(raw []byte, commandID string) model.ResultEnvelope {
	return Normalize(Parse(raw), commandID)
}

func Success(message string, data any) model.ResultEnvelope {
	return model.ResultEnvelope{
		Status: model.ResultSuccess,
		Result: model.ResultBody{Message: message, Type: "generic", Data: data},
	}
}

func Error(message string, category model.Category, data any) model.ResultEnvelope {
	if category == "" {
		category = Categorize(message)
	}
	return model.ResultEnvelope{
		Status: model.ResultError,
		Result: model.ResultBody{Message: message, Type: string(category), Data: data},
	}
}

// FromError builds an error envelope from err, using its typed category when
// present and keyword categorization otherwise.
func FromError(err error) model.ResultEnvelope {
	category := model.CategoryOf(err)
	if category == model.CategoryUnknown {
		category = Categorize(err.Error())
	}
	return Error(err.Error(), category, nil)
}

func InProgress(progress float64, message string) model.ResultEnvelope {
	return model.ResultEnvelope{
		Status: model.ResultInProgress,
		Result: model.ResultBody{Message: message, Type: "progress", Data: map[string]any{"progress": progress}},
	}
}

func Info(message string, data any) model.ResultEnvelope {
	return model.ResultEnvelope{
		Status: model.ResultInfo,
		Result: model.ResultBody{Message: message, Type: "info", Data: data},
	}
}

func Warning(message string, data any) model.ResultEnvelope {
	return model.ResultEnvelope{
		Status: model.ResultWarning,
		Result: model.ResultBody{Message: message, Type: "warning", Data: data},
	}
}

// Millis converts a duration to the wire execution_time representation.
func Millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

// FromCommand reports a queued command's state as a single envelope: the
// recorded result when completed, an error when failed or cancelled, and an
// in_progress envelope otherwise.
func FromCommand(cmd model.QueuedCommand) model.ResultEnvelope {
	var env model.ResultEnvelope
	switch cmd.Status {
	case model.StatusCompleted:
		if cmd.Result != nil {
			env = *cmd.Result
		} else {
			env = Success("Command completed", nil)
		}
	case model.StatusFailed:
		msg := "command failed"
		if cmd.Error != nil {
			msg = *cmd.Error
		}
		category := cmd.ErrorCategory
		if category == "" {
			category = Categorize(msg)
		}
		env = Error(msg, category, nil)
	case model.StatusCancelled:
		env = Error(fmt.Sprintf("Command %s was cancelled", cmd.ID), model.CategoryRuntime, nil)
	default:
		env = model.ResultEnvelope{
			Status: model.ResultInProgress,
			Result: model.ResultBody{
				Message: fmt.Sprintf("Command %s is %s", cmd.ID, cmd.Status),
				Type:    "progress",
				Data:    map[string]any{"status": string(cmd.Status), "priority": cmd.Priority.String()},
			},
		}
	}

	env.CommandID = cmd.ID
	if env.ExecutionTime == nil {
		if d, ok := cmd.ExecutionTime(); ok {
			env.ExecutionTime = Millis(d)
		}
	}
	return env
}
