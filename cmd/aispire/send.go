package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/transport"
)

type sendOptions struct {
	addr     string
	token    string
	timeout  time.Duration
	msgType  string
	action   string
	code     string
	function string
	query    string
	template string
	params   string
	priority string
	session  string
	noWait   bool
	raw      string
}

func newSendCmd() *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one envelope to the upstream server and print the reply",
		Example: `  aispire send --code 'return GetJobName()'
  aispire send --function GetJobName --priority high
  aispire send --type request --action generate --template create_circle --params '{"center_x":0,"center_y":0,"radius":5}'
  echo '{"type":"ping"}' | aispire send --raw -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, _, err := loadWorkspaceConfig()
			if err != nil {
				return err
			}
			if o.addr == "" {
				o.addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			}
			if o.token == "" && cfg.Server.AuthRequired {
				o.token = cfg.Server.AuthToken
			}

			envelope, err := buildEnvelope(o, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			reply, err := exchange(ctx, o.addr, o.token, envelope)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reply)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", "", "upstream server address (default from config)")
	f.StringVar(&o.token, "token", "", "upstream auth token (default from config when auth is required)")
	f.DurationVar(&o.timeout, "timeout", 60*time.Second, "overall timeout")
	f.StringVar(&o.msgType, "type", "command", "envelope type: command, request or ping")
	f.StringVar(&o.action, "action", "", "request action")
	f.StringVar(&o.code, "code", "", "Lua code to execute")
	f.StringVar(&o.function, "function", "", "Lua function to call")
	f.StringVar(&o.query, "query", "", "state query")
	f.StringVar(&o.template, "template", "", "template name for generate/execute requests")
	f.StringVar(&o.params, "params", "", "JSON object of template or function parameters")
	f.StringVar(&o.priority, "priority", "", "low, normal, high or critical")
	f.StringVar(&o.session, "session", "", "session id")
	f.BoolVar(&o.noWait, "no-wait", false, "return as soon as the command is queued")
	f.StringVar(&o.raw, "raw", "", "send this JSON envelope verbatim (- reads stdin)")
	return cmd
}

// buildEnvelope turns flags into one protocol envelope.
func buildEnvelope(o sendOptions, stdin io.Reader) (map[string]any, error) {
	if o.raw != "" {
		data := []byte(o.raw)
		if o.raw == "-" {
			var err error
			if data, err = io.ReadAll(stdin); err != nil {
				return nil, fmt.Errorf("read stdin: %w", err)
			}
		}
		var env map[string]any
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("--raw is not a JSON object: %w", err)
		}
		return env, nil
	}

	var params map[string]any
	if o.params != "" {
		if err := json.Unmarshal([]byte(o.params), &params); err != nil {
			return nil, fmt.Errorf("--params is not a JSON object: %w", err)
		}
	}

	env := map[string]any{"type": o.msgType}
	if o.session != "" {
		env["session_id"] = o.session
	}

	var content map[string]any
	switch o.msgType {
	case "ping":
		return env, nil
	case "command":
		switch {
		case o.code != "":
			content = map[string]any{
				"command_type": string(transport.CommandExecuteCode),
				"payload":      map[string]any{"code": o.code},
			}
		case o.function != "":
			payload := map[string]any{"function": o.function}
			if params != nil {
				payload["parameters"] = params
			}
			content = map[string]any{"command_type": string(transport.CommandExecuteFunction), "payload": payload}
		case o.query != "":
			content = map[string]any{
				"command_type": string(transport.CommandQueryState),
				"payload":      map[string]any{"query": o.query},
			}
		default:
			return nil, errors.New("one of --code, --function or --query is required")
		}
	case "request":
		if o.action == "" {
			return nil, errors.New("--action is required for request envelopes")
		}
		content = map[string]any{"action": o.action}
		for k, v := range map[string]string{"template": o.template, "code": o.code} {
			if v != "" {
				content[k] = v
			}
		}
		if params != nil {
			content["params"] = params
		}
	default:
		return nil, fmt.Errorf("unsupported --type %q", o.msgType)
	}

	if o.priority != "" {
		if _, err := model.ParsePriority(o.priority); err != nil {
			return nil, err
		}
		content["priority"] = o.priority
	}
	if o.noWait {
		content["wait"] = false
	}
	env["content"] = content
	return env, nil
}

// exchange connects, authenticates when token is set, sends envelope and
// returns the decoded reply.
func exchange(ctx context.Context, addr, token string, envelope map[string]any) (map[string]any, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w\nIs the daemon running? Start it with: aispire daemon", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	r := bufio.NewReader(conn)

	if token != "" {
		reply, err := roundTrip(conn, r, map[string]any{"auth_token": token})
		if err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		if reply["status"] != string(model.ResultSuccess) {
			msg := "Authentication failed"
			if res, ok := reply["result"].(map[string]any); ok {
				if m, ok := res["message"].(string); ok && m != "" {
					msg = m
				}
			}
			return nil, fmt.Errorf("authenticate: %s", msg)
		}
	}
	return roundTrip(conn, r, envelope)
}

func roundTrip(conn net.Conn, r *bufio.Reader, v any) (map[string]any, error) {
	if err := transport.WriteLine(conn, v); err != nil {
		return nil, err
	}
	line, err := transport.ReadLine(r, transport.DefaultMaxLineBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("connection closed by server")
		}
		return nil, err
	}
	var reply map[string]any
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("invalid reply: %w", err)
	}
	return reply, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
