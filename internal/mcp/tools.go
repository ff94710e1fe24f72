package mcp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/protocol"
	"github.com/msageha/aispire/internal/transport"
)

// Result types for failures detected before or while forwarding a call.
const (
	typeInvalidParameter = "invalid_parameter"
	typeExecution        = "execution_error"
	typeStateQuery       = "state_query_error"
	typeVectorCreation   = "vector_creation_error"
	typeToolpathCreation = "toolpath_creation_error"
)

var (
	vectorTypes     = []string{"circle", "rectangle", "polyline", "text"}
	toolpathTypes   = []string{"profile", "pocket", "drilling"}
	machineVectors  = []string{"inside", "outside", "on"}
	defaultQuery    = "job"
	priorityProp    = map[string]any{"type": "string", "enum": []string{"low", "normal", "high", "critical"}, "description": "queue priority (default normal)"}
	vectorTemplates = map[string]string{
		"circle":    "create_circle",
		"rectangle": "create_rectangle",
		"polyline":  "create_polyline",
		"text":      "create_text",
	}
)

type tool struct {
	desc toolDescription
	// run returns an error only for arguments that do not decode.
	run func(ctx context.Context, args json.RawMessage) (model.ResultEnvelope, error)
}

func (s *Server) toolSet() []tool {
	return []tool{
		{
			desc: toolDescription{
				Name:        "execute_code",
				Title:       "Execute Lua code",
				Description: "Execute raw Lua code in the Vectric environment. The code is validated and queued like any other command.",
				InputSchema: objectSchema(map[string]any{
					"code":     map[string]any{"type": "string", "description": "Lua code to execute"},
					"priority": priorityProp,
				}, "code"),
			},
			run: s.executeCode,
		},
		{
			desc: toolDescription{
				Name:        "query_state",
				Title:       "Query Vectric state",
				Description: "Query the current state of the Vectric environment.",
				InputSchema: objectSchema(map[string]any{
					"query": map[string]any{"type": "string", "description": "state to query (default job)"},
				}),
				Annotations: &toolAnnotations{ReadOnlyHint: boolPtr(true), DestructiveHint: boolPtr(false), IdempotentHint: boolPtr(true)},
			},
			run: s.queryState,
		},
		{
			desc: toolDescription{
				Name:  "create_vector",
				Title: "Create a vector",
				Description: "Create a circle (x, y, radius), rectangle (x, y, width, height), polyline (points as [[x, y], ...]) " +
					"or text (text, x, y, height, font) on the named layer.",
				InputSchema: objectSchema(map[string]any{
					"vector_type": map[string]any{"type": "string", "enum": vectorTypes},
					"params":      map[string]any{"type": "object", "description": "shape parameters"},
					"layer_name":  map[string]any{"type": "string", "description": "layer to add the vector to"},
					"priority":    priorityProp,
				}, "vector_type", "params"),
			},
			run: s.createVector,
		},
		{
			desc: toolDescription{
				Name:        "create_toolpath",
				Title:       "Create a toolpath",
				Description: "Create and calculate a profile, pocket or drilling toolpath over existing vectors with a named tool.",
				InputSchema: objectSchema(map[string]any{
					"toolpath_type": map[string]any{"type": "string", "enum": toolpathTypes},
					"vector_ids":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"tool_name":     map[string]any{"type": "string"},
					"params": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"machine_vectors": map[string]any{"type": "string", "enum": machineVectors},
							"start_depth":     map[string]any{"type": "number"},
							"cut_depth":       map[string]any{"type": "number"},
						},
					},
					"priority": priorityProp,
				}, "toolpath_type", "vector_ids", "tool_name"),
			},
			run: s.createToolpath,
		},
	}
}

func (s *Server) handleToolsList(encoder *json.Encoder, req *request) error {
	descs := make([]toolDescription, 0, len(s.tools))
	for _, t := range s.tools {
		descs = append(descs, t.desc)
	}
	return writeResult(encoder, req.ID, toolsListResult{Tools: descs})
}

func (s *Server) handleToolsCall(ctx context.Context, encoder *json.Encoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for tools/call")
	}
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	t, ok := s.toolsByName[params.Name]
	if !ok {
		return writeError(encoder, req.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}

	env, err := t.run(ctx, params.Arguments)
	if err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, fmt.Sprintf("invalid arguments for %s: %v", params.Name, err))
	}
	s.logger.Info().Str("tool", params.Name).Str("status", string(env.Status)).Str("command_id", env.CommandID).
		Msg("tool call")
	return writeResult(encoder, req.ID, toolResult(env))
}

func toolResult(env model.ResultEnvelope) toolsCallResult {
	text, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		text = []byte(env.Result.Message)
	}
	return toolsCallResult{
		Content:           []contentBlock{{Type: "text", Text: string(text)}},
		StructuredContent: env,
		IsError:           env.IsError(),
	}
}

func (s *Server) executeCode(ctx context.Context, raw json.RawMessage) (model.ResultEnvelope, error) {
	var args struct {
		Code     string `json:"code"`
		Priority string `json:"priority"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return model.ResultEnvelope{}, err
	}
	if strings.TrimSpace(args.Code) == "" {
		return failure("code is required", typeInvalidParameter), nil
	}
	env := commandEnvelope(transport.CommandExecuteCode, map[string]any{"code": args.Code}, args.Priority)
	return s.forward(ctx, env, "execute code", typeExecution), nil
}

func (s *Server) queryState(ctx context.Context, raw json.RawMessage) (model.ResultEnvelope, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return model.ResultEnvelope{}, err
	}
	if args.Query == "" {
		args.Query = defaultQuery
	}
	env := commandEnvelope(transport.CommandQueryState, map[string]any{"query": args.Query}, "")
	return s.forward(ctx, env, "query state", typeStateQuery), nil
}

func (s *Server) createVector(ctx context.Context, raw json.RawMessage) (model.ResultEnvelope, error) {
	var args struct {
		VectorType string         `json:"vector_type"`
		Params     map[string]any `json:"params"`
		LayerName  string         `json:"layer_name"`
		Priority   string         `json:"priority"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return model.ResultEnvelope{}, err
	}
	name, ok := vectorTemplates[args.VectorType]
	if !ok {
		return failure(fmt.Sprintf("Invalid vector type: %s. Must be one of: %s",
			args.VectorType, strings.Join(vectorTypes, ", ")), typeInvalidParameter), nil
	}

	p := args.Params
	var params map[string]any
	switch args.VectorType {
	case "circle":
		params = map[string]any{
			"center_x": valueOr(p, "x", 0.0),
			"center_y": valueOr(p, "y", 0.0),
			"radius":   valueOr(p, "radius", 1.0),
		}
	case "rectangle":
		params = map[string]any{
			"x":      valueOr(p, "x", 0.0),
			"y":      valueOr(p, "y", 0.0),
			"width":  valueOr(p, "width", 1.0),
			"height": valueOr(p, "height", 1.0),
		}
	case "polyline":
		points, msg := polylinePoints(p["points"])
		if msg != "" {
			return failure(msg, typeInvalidParameter), nil
		}
		params = map[string]any{"points": points}
	case "text":
		params = map[string]any{
			"text":      valueOr(p, "text", ""),
			"x":         valueOr(p, "x", 0.0),
			"y":         valueOr(p, "y", 0.0),
			"font_size": valueOr(p, "height", 1.0),
			"font_name": valueOr(p, "font", "Arial"),
		}
	}
	if args.LayerName != "" {
		params["layer_name"] = args.LayerName
	}
	return s.forward(ctx, templateEnvelope(name, params, args.Priority), "create vector", typeVectorCreation), nil
}

func (s *Server) createToolpath(ctx context.Context, raw json.RawMessage) (model.ResultEnvelope, error) {
	var args struct {
		ToolpathType string         `json:"toolpath_type"`
		VectorIDs    []string       `json:"vector_ids"`
		ToolName     string         `json:"tool_name"`
		Params       map[string]any `json:"params"`
		Priority     string         `json:"priority"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return model.ResultEnvelope{}, err
	}
	if !slices.Contains(toolpathTypes, args.ToolpathType) {
		return failure(fmt.Sprintf("Invalid toolpath type: %s. Must be one of: %s",
			args.ToolpathType, strings.Join(toolpathTypes, ", ")), typeInvalidParameter), nil
	}
	if args.ToolName == "" {
		return failure("tool_name is required", typeInvalidParameter), nil
	}
	if len(args.VectorIDs) == 0 {
		return failure("vector_ids must name at least one vector", typeInvalidParameter), nil
	}

	mv, _ := args.Params["machine_vectors"].(string)
	if !slices.Contains(machineVectors, mv) {
		mv = "outside"
	}
	ids := make([]any, len(args.VectorIDs))
	for i, id := range args.VectorIDs {
		ids[i] = id
	}
	params := map[string]any{
		"toolpath_type":   args.ToolpathType,
		"vector_ids":      ids,
		"tool_name":       args.ToolName,
		"machine_vectors": mv,
		"start_depth":     valueOr(args.Params, "start_depth", 0.0),
		"cut_depth":       valueOr(args.Params, "cut_depth", 1.0),
	}
	return s.forward(ctx, templateEnvelope("create_toolpath", params, args.Priority), "create toolpath", typeToolpathCreation), nil
}

// forward sends envelope and turns a transport failure into an error
// envelope tagged kind.
func (s *Server) forward(ctx context.Context, envelope map[string]any, what, kind string) model.ResultEnvelope {
	env, err := s.call(ctx, envelope)
	if err != nil {
		s.logger.Error().Err(err).Str("operation", what).Msg("forward failed")
		return failure(fmt.Sprintf("Failed to %s: %v", what, err), kind)
	}
	return env
}

func failure(message, kind string) model.ResultEnvelope {
	return model.ResultEnvelope{
		Status: model.ResultError,
		Result: model.ResultBody{Message: message, Type: kind, Data: map[string]any{}},
	}
}

func commandEnvelope(t transport.CommandType, payload map[string]any, priority string) map[string]any {
	content := map[string]any{"command_type": string(t), "payload": payload}
	if priority != "" {
		content["priority"] = priority
	}
	return map[string]any{"type": string(protocol.TypeCommand), "content": content}
}

func templateEnvelope(name string, params map[string]any, priority string) map[string]any {
	content := map[string]any{"action": "execute", "template": name, "params": params}
	if priority != "" {
		content["priority"] = priority
	}
	return map[string]any{"type": string(protocol.TypeRequest), "content": content}
}

// polylinePoints checks for at least two [x, y] pairs. A non-empty string
// describes what is wrong.
func polylinePoints(v any) ([]any, string) {
	list, _ := v.([]any)
	if len(list) < 2 {
		return nil, "Polyline requires at least 2 points"
	}
	points := make([]any, 0, len(list))
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) < 2 {
			return nil, fmt.Sprintf("Polyline point %d must be [x, y]", i)
		}
		for _, c := range pair[:2] {
			if _, ok := c.(float64); !ok {
				return nil, fmt.Sprintf("Polyline point %d must be [x, y]", i)
			}
		}
		points = append(points, []any{pair[0], pair[1]})
	}
	return points, ""
}

func valueOr(p map[string]any, key string, def any) any {
	if v, ok := p[key]; ok && v != nil {
		return v
	}
	return def
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
