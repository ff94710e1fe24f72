package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/metrics"
	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/result"
	"github.com/msageha/aispire/internal/transport"
)

// Metadata keys carried on queued commands.
const (
	metaCommandType = "command_type"
	metaPayload     = "payload"
	metaSessionID   = "session_id"
	metaMessageID   = "message_id"
)

// Sender is the part of the transport client the executor needs.
type Sender interface {
	Send(ctx context.Context, v any) ([]byte, error)
}

// downstreamExecutor turns a queued command back into a typed wire request,
// sends it and normalizes the reply.
type downstreamExecutor struct {
	sender    Sender
	authToken string
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func (e *downstreamExecutor) Execute(ctx context.Context, cmd model.QueuedCommand) (*model.ResultEnvelope, error) {
	req, err := requestFor(cmd)
	if err != nil {
		return nil, err
	}
	req.Auth = e.authToken

	start := e.now()
	raw, err := e.sender.Send(ctx, req)
	elapsed := e.now().Sub(start)
	if err != nil {
		e.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("downstream send failed")
		return nil, err
	}
	e.metrics.RecordExecutionTime(elapsed)

	env := result.ParseAndNormalize(raw, cmd.ID)
	if env.ExecutionTime == nil {
		env.ExecutionTime = result.Millis(elapsed)
	}
	e.logger.Debug().Str("command_id", cmd.ID).Str("status", string(env.Status)).
		Dur("elapsed", elapsed).Msg("downstream reply")
	return &env, nil
}

// requestFor rebuilds the wire request. Commands without a command_type are
// plain execute_code requests for their script text. The request id is the
// command id so replies correlate with the queue entry.
func requestFor(cmd model.QueuedCommand) (transport.Request, error) {
	t := transport.CommandType(cmd.MetadataString(metaCommandType))
	if t == "" {
		t = transport.CommandExecuteCode
	}

	var payload any
	if t == transport.CommandExecuteCode {
		p := transport.ExecuteCodePayload{Code: cmd.Command}
		if raw, ok := cmd.Metadata[metaPayload].(map[string]any); ok {
			if opts, ok := raw["options"].(map[string]any); ok {
				p.Options = opts
			}
		}
		payload = p
	} else {
		p, err := transport.DecodePayload(t, cmd.Metadata[metaPayload])
		if err != nil {
			return transport.Request{}, err
		}
		payload = p
	}

	req := transport.NewRequest(t, payload)
	req.ID = cmd.ID
	return req, nil
}
