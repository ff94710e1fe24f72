package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type testToolResult struct {
	Content           []contentBlock `json:"content"`
	StructuredContent struct {
		Status    string `json:"status"`
		CommandID string `json:"command_id"`
		Result    struct {
			Message string         `json:"message"`
			Type    string         `json:"type"`
			Data    map[string]any `json:"data"`
		} `json:"result"`
	} `json:"structuredContent"`
	IsError bool `json:"isError"`
}

// fakeBackend records envelopes and answers through reply.
type fakeBackend struct {
	mu    sync.Mutex
	calls []map[string]any
	reply func(envelope map[string]any) (map[string]any, error)
}

func (b *fakeBackend) Call(_ context.Context, envelope map[string]any) (map[string]any, error) {
	b.mu.Lock()
	b.calls = append(b.calls, envelope)
	b.mu.Unlock()
	if b.reply == nil {
		return resultReply("success", "ok", map[string]any{}), nil
	}
	return b.reply(envelope)
}

func (b *fakeBackend) content(t *testing.T, i int) map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Greater(t, len(b.calls), i)
	content, ok := b.calls[i]["content"].(map[string]any)
	require.True(t, ok)
	return content
}

func resultReply(status, message string, data any) map[string]any {
	return map[string]any{
		"type": "result",
		"content": map[string]any{
			"status":     status,
			"command_id": "cmd-1",
			"result":     map[string]any{"message": message, "data": data},
		},
	}
}

func templateOf(envelope map[string]any) string {
	content, _ := envelope["content"].(map[string]any)
	name, _ := content["template"].(string)
	return name
}

func initMessages() []map[string]any {
	return []map[string]any{
		{
			"jsonrpc": "2.0",
			"id":      0,
			"method":  "initialize",
			"params": map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{},
				"clientInfo":      map[string]any{"name": "test", "version": "1.0"},
			},
		},
		{"jsonrpc": "2.0", "method": "notifications/initialized"},
	}
}

func toolCall(id int, name string, args map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	}
}

func resourceRead(id int, uri string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "resources/read",
		"params":  map[string]any{"uri": uri},
	}
}

// mcpSession feeds messages to a fresh server and returns its responses.
func mcpSession(t *testing.T, backend Backend, messages ...map[string]any) []testResponse {
	t.Helper()

	var input bytes.Buffer
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		input.Write(data)
		input.WriteByte('\n')
	}

	var output bytes.Buffer
	require.NoError(t, NewServer(backend, WithVersion("test")).Run(context.Background(), &input, &output))

	var responses []testResponse
	scanner := bufio.NewScanner(&output)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var resp testResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp), "raw: %s", scanner.Bytes())
		responses = append(responses, resp)
	}
	require.NoError(t, scanner.Err())
	return responses
}

func callTool(t *testing.T, backend Backend, name string, args map[string]any) testToolResult {
	t.Helper()
	responses := mcpSession(t, backend, append(initMessages(), toolCall(1, name, args))...)
	require.Len(t, responses, 2)
	require.Nil(t, responses[1].Error)
	var result testToolResult
	require.NoError(t, json.Unmarshal(responses[1].Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	return result
}

func TestServer_Initialize(t *testing.T) {
	responses := mcpSession(t, &fakeBackend{}, initMessages()...)
	require.Len(t, responses, 1, "the initialized notification gets no response")

	var result initializeResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, "aispire", result.ServerInfo.Name)
	assert.Equal(t, "test", result.ServerInfo.Version)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.NotNil(t, result.Capabilities.Resources)
}

func TestServer_RequiresInitialize(t *testing.T) {
	for _, method := range []string{"tools/list", "tools/call", "resources/list", "resources/read"} {
		t.Run(method, func(t *testing.T) {
			responses := mcpSession(t, &fakeBackend{}, map[string]any{"jsonrpc": "2.0", "id": 1, "method": method})
			require.Len(t, responses, 1)
			require.NotNil(t, responses[0].Error)
			assert.Equal(t, codeInvalidRequest, responses[0].Error.Code)
		})
	}
}

func TestServer_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode int
	}{
		{name: "malformed json", raw: `{"jsonrpc":`, wantCode: codeParseError},
		{name: "wrong version", raw: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantCode: codeInvalidRequest},
		{name: "unknown method", raw: `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`, wantCode: codeMethodNotFound},
		{name: "initialize without params", raw: `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, wantCode: codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := NewServer(&fakeBackend{}).Run(context.Background(), bytes.NewBufferString(tt.raw+"\n"), &out)
			require.NoError(t, err)
			var resp testResponse
			require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestServer_Ping(t *testing.T) {
	responses := mcpSession(t, &fakeBackend{}, map[string]any{"jsonrpc": "2.0", "id": "p", "method": "ping"})
	require.Len(t, responses, 1)
	assert.Nil(t, responses[0].Error)
	assert.JSONEq(t, `"p"`, string(responses[0].ID))
}

func TestServer_ToolsList(t *testing.T) {
	responses := mcpSession(t, &fakeBackend{},
		append(initMessages(), map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})...)
	require.Len(t, responses, 2)

	var result toolsListResult
	require.NoError(t, json.Unmarshal(responses[1].Result, &result))
	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"])
	}
	assert.Equal(t, []string{"execute_code", "query_state", "create_vector", "create_toolpath"}, names)
}

func TestServer_UnknownToolAndBadArguments(t *testing.T) {
	responses := mcpSession(t, &fakeBackend{}, append(initMessages(),
		toolCall(1, "delete_everything", nil),
		map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/call",
			"params": map[string]any{"name": "execute_code", "arguments": map[string]any{"code": 42}}},
	)...)
	require.Len(t, responses, 3)
	for _, resp := range responses[1:] {
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeInvalidParams, resp.Error.Code)
	}
	assert.Contains(t, responses[1].Error.Message, "unknown tool: delete_everything")
}

func TestExecuteCode(t *testing.T) {
	backend := &fakeBackend{reply: func(map[string]any) (map[string]any, error) {
		return resultReply("success", "done", map[string]any{"value": "sign"}), nil
	}}
	result := callTool(t, backend, "execute_code", map[string]any{"code": "return GetJobName()", "priority": "high"})

	assert.False(t, result.IsError)
	assert.Equal(t, "success", result.StructuredContent.Status)
	assert.Equal(t, "cmd-1", result.StructuredContent.CommandID)
	assert.Equal(t, "sign", result.StructuredContent.Result.Data["value"])

	content := backend.content(t, 0)
	assert.Equal(t, "execute_code", content["command_type"])
	assert.Equal(t, map[string]any{"code": "return GetJobName()"}, content["payload"])
	assert.Equal(t, "high", content["priority"])
	assert.Equal(t, "command", backend.calls[0]["type"])
}

func TestExecuteCode_Failures(t *testing.T) {
	tests := []struct {
		name        string
		reply       func(map[string]any) (map[string]any, error)
		args        map[string]any
		wantType    string
		wantMessage string
		wantCalls   int
	}{
		{
			name:        "empty code",
			args:        map[string]any{"code": "  "},
			wantType:    typeInvalidParameter,
			wantMessage: "code is required",
		},
		{
			name: "daemon unreachable",
			reply: func(map[string]any) (map[string]any, error) {
				return nil, errors.New("connection refused")
			},
			args:        map[string]any{"code": "return 1"},
			wantType:    typeExecution,
			wantMessage: "Failed to execute code: connection refused",
			wantCalls:   1,
		},
		{
			name: "protocol error reply",
			reply: func(map[string]any) (map[string]any, error) {
				return map[string]any{"type": "error", "content": map[string]any{"error": "Authentication required", "code": "authentication_error"}}, nil
			},
			args:        map[string]any{"code": "return 1"},
			wantType:    typeExecution,
			wantMessage: "Failed to execute code: Authentication required (authentication_error)",
			wantCalls:   1,
		},
		{
			name: "gadget error envelope",
			reply: func(map[string]any) (map[string]any, error) {
				return map[string]any{"type": "result", "content": map[string]any{
					"status": "error",
					"result": map[string]any{"message": "attempt to call a nil value", "type": "runtime_error"},
				}}, nil
			},
			args:        map[string]any{"code": "return Missing()"},
			wantType:    "runtime_error",
			wantMessage: "attempt to call a nil value",
			wantCalls:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{reply: tt.reply}
			result := callTool(t, backend, "execute_code", tt.args)
			assert.True(t, result.IsError)
			assert.Equal(t, tt.wantType, result.StructuredContent.Result.Type)
			assert.Equal(t, tt.wantMessage, result.StructuredContent.Result.Message)
			assert.Len(t, backend.calls, tt.wantCalls)
		})
	}
}

func TestQueryState(t *testing.T) {
	backend := &fakeBackend{}
	callTool(t, backend, "query_state", nil)
	content := backend.content(t, 0)
	assert.Equal(t, "query_state", content["command_type"])
	assert.Equal(t, map[string]any{"query": "job"}, content["payload"])

	backend = &fakeBackend{reply: func(map[string]any) (map[string]any, error) { return nil, errors.New("timeout") }}
	result := callTool(t, backend, "query_state", map[string]any{"query": "layers"})
	assert.True(t, result.IsError)
	assert.Equal(t, typeStateQuery, result.StructuredContent.Result.Type)
	assert.Equal(t, "Failed to query state: timeout", result.StructuredContent.Result.Message)
}

func TestCreateVector(t *testing.T) {
	tests := []struct {
		name         string
		args         map[string]any
		wantTemplate string
		wantParams   map[string]any
	}{
		{
			name:         "circle defaults",
			args:         map[string]any{"vector_type": "circle", "params": map[string]any{}},
			wantTemplate: "create_circle",
			wantParams:   map[string]any{"center_x": float64(0), "center_y": float64(0), "radius": float64(1)},
		},
		{
			name:         "circle on layer",
			args:         map[string]any{"vector_type": "circle", "params": map[string]any{"x": 5, "y": 6, "radius": 2.5}, "layer_name": "Cuts"},
			wantTemplate: "create_circle",
			wantParams:   map[string]any{"center_x": float64(5), "center_y": float64(6), "radius": 2.5, "layer_name": "Cuts"},
		},
		{
			name:         "rectangle",
			args:         map[string]any{"vector_type": "rectangle", "params": map[string]any{"width": 10, "height": 4}},
			wantTemplate: "create_rectangle",
			wantParams:   map[string]any{"x": float64(0), "y": float64(0), "width": float64(10), "height": float64(4)},
		},
		{
			name:         "polyline",
			args:         map[string]any{"vector_type": "polyline", "params": map[string]any{"points": [][]float64{{0, 0}, {10, 0}, {10, 5}}}},
			wantTemplate: "create_polyline",
			wantParams: map[string]any{"points": []any{
				[]any{float64(0), float64(0)}, []any{float64(10), float64(0)}, []any{float64(10), float64(5)},
			}},
		},
		{
			name:         "text maps height and font",
			args:         map[string]any{"vector_type": "text", "params": map[string]any{"text": "HELLO", "height": 20, "font": "Verdana"}},
			wantTemplate: "create_text",
			wantParams: map[string]any{"text": "HELLO", "x": float64(0), "y": float64(0),
				"font_size": float64(20), "font_name": "Verdana"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{}
			result := callTool(t, backend, "create_vector", tt.args)
			assert.False(t, result.IsError)

			content := backend.content(t, 0)
			assert.Equal(t, "request", backend.calls[0]["type"])
			assert.Equal(t, "execute", content["action"])
			assert.Equal(t, tt.wantTemplate, content["template"])
			assert.Equal(t, tt.wantParams, content["params"])
		})
	}
}

func TestCreateVector_InvalidParameters(t *testing.T) {
	tests := []struct {
		name        string
		args        map[string]any
		wantMessage string
	}{
		{
			name:        "unknown type",
			args:        map[string]any{"vector_type": "spline", "params": map[string]any{}},
			wantMessage: "Invalid vector type: spline. Must be one of: circle, rectangle, polyline, text",
		},
		{
			name:        "polyline with one point",
			args:        map[string]any{"vector_type": "polyline", "params": map[string]any{"points": [][]float64{{0, 0}}}},
			wantMessage: "Polyline requires at least 2 points",
		},
		{
			name:        "polyline without points",
			args:        map[string]any{"vector_type": "polyline", "params": map[string]any{}},
			wantMessage: "Polyline requires at least 2 points",
		},
		{
			name:        "polyline with malformed point",
			args:        map[string]any{"vector_type": "polyline", "params": map[string]any{"points": []any{[]any{0, 0}, []any{"a", 1}}}},
			wantMessage: "Polyline point 1 must be [x, y]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{}
			result := callTool(t, backend, "create_vector", tt.args)
			assert.True(t, result.IsError)
			assert.Equal(t, typeInvalidParameter, result.StructuredContent.Result.Type)
			assert.Equal(t, tt.wantMessage, result.StructuredContent.Result.Message)
			assert.Empty(t, backend.calls)
		})
	}
}

func TestCreateToolpath(t *testing.T) {
	tests := []struct {
		name       string
		params     map[string]any
		wantSide   string
		wantStart  any
		wantDepth  any
		toolpathTy string
	}{
		{name: "defaults", toolpathTy: "profile", wantSide: "outside", wantStart: float64(0), wantDepth: float64(1)},
		{name: "inside profile", toolpathTy: "profile", params: map[string]any{"machine_vectors": "inside", "cut_depth": 3.2},
			wantSide: "inside", wantStart: float64(0), wantDepth: 3.2},
		{name: "unknown side falls back", toolpathTy: "pocket", params: map[string]any{"machine_vectors": "around", "start_depth": 1},
			wantSide: "outside", wantStart: float64(1), wantDepth: float64(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{}
			callTool(t, backend, "create_toolpath", map[string]any{
				"toolpath_type": tt.toolpathTy,
				"vector_ids":    []string{"v1", "v2"},
				"tool_name":     "6mm End Mill",
				"params":        tt.params,
			})
			content := backend.content(t, 0)
			assert.Equal(t, "create_toolpath", content["template"])
			params, ok := content["params"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.toolpathTy, params["toolpath_type"])
			assert.Equal(t, []any{"v1", "v2"}, params["vector_ids"])
			assert.Equal(t, "6mm End Mill", params["tool_name"])
			assert.Equal(t, tt.wantSide, params["machine_vectors"])
			assert.Equal(t, tt.wantStart, params["start_depth"])
			assert.Equal(t, tt.wantDepth, params["cut_depth"])
		})
	}
}

func TestCreateToolpath_Failures(t *testing.T) {
	tests := []struct {
		name        string
		args        map[string]any
		reply       func(map[string]any) (map[string]any, error)
		wantType    string
		wantMessage string
	}{
		{
			name:        "unknown type",
			args:        map[string]any{"toolpath_type": "vcarve", "vector_ids": []string{"v1"}, "tool_name": "t"},
			wantType:    typeInvalidParameter,
			wantMessage: "Invalid toolpath type: vcarve. Must be one of: profile, pocket, drilling",
		},
		{
			name:        "missing tool",
			args:        map[string]any{"toolpath_type": "pocket", "vector_ids": []string{"v1"}},
			wantType:    typeInvalidParameter,
			wantMessage: "tool_name is required",
		},
		{
			name:        "no vectors",
			args:        map[string]any{"toolpath_type": "pocket", "tool_name": "t"},
			wantType:    typeInvalidParameter,
			wantMessage: "vector_ids must name at least one vector",
		},
		{
			name: "daemon unreachable",
			args: map[string]any{"toolpath_type": "drilling", "vector_ids": []string{"p1"}, "tool_name": "t"},
			reply: func(map[string]any) (map[string]any, error) {
				return nil, errors.New("connection reset")
			},
			wantType:    typeToolpathCreation,
			wantMessage: "Failed to create toolpath: connection reset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, &fakeBackend{reply: tt.reply}, "create_toolpath", tt.args)
			assert.True(t, result.IsError)
			assert.Equal(t, tt.wantType, result.StructuredContent.Result.Type)
			assert.Equal(t, tt.wantMessage, result.StructuredContent.Result.Message)
		})
	}
}

// jobBackend answers resource templates from data keyed by template name.
func jobBackend(data map[string]any) *fakeBackend {
	return &fakeBackend{reply: func(envelope map[string]any) (map[string]any, error) {
		name := templateOf(envelope)
		d, ok := data[name]
		if !ok {
			return map[string]any{"type": "result", "content": map[string]any{
				"status": "error",
				"result": map[string]any{"message": "No job is open", "type": "validation_error"},
			}}, nil
		}
		return resultReply("success", name, d), nil
	}}
}

func TestResourcesList(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]any
		wantURIs []string
	}{
		{
			name:     "job with models",
			data:     map[string]any{"get_job_info": map[string]any{"job_name": "sign", "has_models": true}},
			wantURIs: []string{uriJobInfo, uriJobLayers, uriJobToolpaths, uriJobVectors, uriJobModels},
		},
		{
			name:     "job without models",
			data:     map[string]any{"get_job_info": map[string]any{"job_name": "sign", "has_models": false}},
			wantURIs: []string{uriJobInfo, uriJobLayers, uriJobToolpaths, uriJobVectors},
		},
		{
			name:     "no job open",
			data:     map[string]any{},
			wantURIs: []string{uriJobInfo, uriJobLayers, uriJobToolpaths, uriJobVectors},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses := mcpSession(t, jobBackend(tt.data),
				append(initMessages(), map[string]any{"jsonrpc": "2.0", "id": 1, "method": "resources/list"})...)
			require.Len(t, responses, 2)

			var result resourcesListResult
			require.NoError(t, json.Unmarshal(responses[1].Result, &result))
			var uris []string
			for _, r := range result.Resources {
				uris = append(uris, r.URI)
				assert.Equal(t, "application/json", r.MIMEType)
				assert.NotEmpty(t, r.Name)
			}
			assert.Equal(t, tt.wantURIs, uris)
		})
	}
}

func TestResourcesRead(t *testing.T) {
	data := map[string]any{
		"get_job_info":      map[string]any{"job_name": "sign", "units": "mm", "has_models": false},
		"get_layers":        map[string]any{"layers": []any{map[string]any{"name": "Cuts", "visible": true}}},
		"get_toolpaths":     map[string]any{"toolpaths": []any{}},
		"get_vector_counts": map[string]any{"circles": 2, "text": 1},
	}
	tests := []struct {
		uri      string
		wantText map[string]any
	}{
		{uri: uriJobInfo, wantText: map[string]any{"job_name": "sign", "units": "mm", "has_models": false}},
		{uri: uriJobLayers, wantText: map[string]any{"layers": []any{map[string]any{"name": "Cuts", "visible": true}}}},
		{uri: uriJobToolpaths, wantText: map[string]any{"toolpaths": []any{}}},
		{uri: uriJobVectors, wantText: map[string]any{"circles": float64(2), "text": float64(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			backend := jobBackend(data)
			responses := mcpSession(t, backend, append(initMessages(), resourceRead(1, tt.uri))...)
			require.Len(t, responses, 2)
			require.Nil(t, responses[1].Error)

			var result resourcesReadResult
			require.NoError(t, json.Unmarshal(responses[1].Result, &result))
			require.Len(t, result.Contents, 1)
			assert.Equal(t, tt.uri, result.Contents[0].URI)
			var got map[string]any
			require.NoError(t, json.Unmarshal([]byte(result.Contents[0].Text), &got))
			assert.Equal(t, tt.wantText, got)
		})
	}
}

func TestResourcesRead_Models(t *testing.T) {
	withModels := jobBackend(map[string]any{
		"get_job_info":    map[string]any{"has_models": true},
		"get_model_count": map[string]any{"model_count": 3},
	})
	responses := mcpSession(t, withModels, append(initMessages(), resourceRead(1, uriJobModels))...)
	require.Nil(t, responses[1].Error)
	var result resourcesReadResult
	require.NoError(t, json.Unmarshal(responses[1].Result, &result))
	assert.JSONEq(t, `{"model_count": 3}`, result.Contents[0].Text)
	assert.Equal(t, []string{"get_job_info", "get_model_count"},
		[]string{templateOf(withModels.calls[0]), templateOf(withModels.calls[1])})

	withoutModels := jobBackend(map[string]any{"get_job_info": map[string]any{"has_models": false}})
	responses = mcpSession(t, withoutModels, append(initMessages(), resourceRead(1, uriJobModels))...)
	require.NotNil(t, responses[1].Error)
	assert.Equal(t, codeResourceNotFound, responses[1].Error.Code)
	assert.Equal(t, "No 3D models available in the current job", responses[1].Error.Message)
}

func TestResourcesRead_Errors(t *testing.T) {
	responses := mcpSession(t, jobBackend(map[string]any{}), append(initMessages(),
		resourceRead(1, "vectric://job/secrets"),
		resourceRead(2, uriJobLayers),
	)...)
	require.Len(t, responses, 3)

	require.NotNil(t, responses[1].Error)
	assert.Equal(t, codeResourceNotFound, responses[1].Error.Code)
	assert.Equal(t, "Resource not found: vectric://job/secrets", responses[1].Error.Message)

	require.NotNil(t, responses[2].Error)
	assert.Equal(t, codeInternalError, responses[2].Error.Code)
	assert.Contains(t, responses[2].Error.Message, "No job is open")
}

func TestRun_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := NewServer(&fakeBackend{}).Run(ctx, bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), &out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.String())
}
