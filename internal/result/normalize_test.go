package result

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/aispire/internal/model"
)

func TestParse_ValidJSON(t *testing.T) {
	env := Parse([]byte(`{"status": "success", "result": {"data": "test", "message": "Test message"}}`))

	assert.Equal(t, model.ResultSuccess, env.Status)
	assert.Equal(t, "test", env.Result.Data)
	assert.Equal(t, "Test message", env.Result.Message)
}

func TestParse_InvalidJSON(t *testing.T) {
	env := Parse([]byte("this is not valid json"))

	assert.Equal(t, model.ResultError, env.Status)
	assert.Equal(t, string(model.CategorySyntax), env.Result.Type)
	assert.Contains(t, env.Result.Message, "Invalid JSON response")
}

func TestParse_NonObjectInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "null", raw: "null"},
		{name: "padded null", raw: "  null\n"},
		{name: "array", raw: "[]"},
		{name: "string", raw: `"x"`},
		{name: "number", raw: "42"},
		{name: "empty", raw: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Parse([]byte(tt.raw))
			assert.Equal(t, model.ResultError, env.Status)
			assert.Equal(t, string(model.CategorySyntax), env.Result.Type)

			norm := Normalize(env, "cmd-1")
			assert.Equal(t, string(model.CategorySyntax), norm.Result.Type)
		})
	}
}

func TestParse_StringResultAndFloatTime(t *testing.T) {
	env := Parse([]byte(`{"status":"success","result":"done","execution_time":12.6}`))

	assert.Equal(t, "done", env.Result.Message)
	require.NotNil(t, env.ExecutionTime)
	assert.Equal(t, int64(13), *env.ExecutionTime)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		id       string
		status   model.ResultStatus
		typ      string
		contains string
	}{
		{
			name:   "success",
			raw:    `{"status":"success","result":{"data":{"value":42},"message":"Calculation complete"},"execution_time":120}`,
			id:     "cmd456",
			status: model.ResultSuccess,
			typ:    "generic",
		},
		{
			name:   "error with explicit type",
			raw:    `{"status":"error","result":{"message":"Failed to execute script","type":"runtime_error","data":{"line":10}}}`,
			id:     "cmd789",
			status: model.ResultError,
			typ:    "runtime_error",
		},
		{
			name:   "error categorized from message",
			raw:    `{"status":"error","result":{"message":"Permission denied writing job"}}`,
			id:     "cmd1",
			status: model.ResultError,
			typ:    "permission_error",
		},
		{
			name:   "in progress",
			raw:    `{"status":"in_progress","result":{"data":{"progress":0.5},"message":"Halfway there"}}`,
			id:     "cmd101",
			status: model.ResultInProgress,
			typ:    "generic",
		},
		{
			name:     "unknown status",
			raw:      `{"status":"something_else","result":{"data":{},"message":"Unknown operation"}}`,
			id:       "cmd202",
			status:   model.ResultError,
			typ:      "unknown_error",
			contains: "Unknown response status",
		},
		{
			name:     "missing status",
			raw:      `{"result":{"message":"hm"}}`,
			id:       "cmd203",
			status:   model.ResultError,
			typ:      "unknown_error",
			contains: "Unknown response status",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := ParseAndNormalize([]byte(tt.raw), tt.id)
			assert.Equal(t, tt.status, env.Status)
			assert.Equal(t, tt.typ, env.Result.Type)
			assert.Equal(t, tt.id, env.CommandID)
			if tt.contains != "" {
				assert.Contains(t, env.Result.Message, tt.contains)
			}
		})
	}
}

func TestNormalize_KeepsReplyCommandID(t *testing.T) {
	env := ParseAndNormalize([]byte(`{"status":"success","result":{"message":"ok"},"command_id":"abc"}`), "")
	assert.Equal(t, "abc", env.CommandID)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		msg  string
		want model.Category
	}{
		{"Syntax error in line 5", model.CategorySyntax},
		{"Connection refused", model.CategoryConnection},
		{"authentication failed: bad token", model.CategoryAuthentication},
		{"Permission denied", model.CategoryPermission},
		{"Operation timed out", model.CategoryTimeout},
		{"Invalid argument", model.CategoryValidation},
		{"Out of memory", model.CategoryResource},
		{"Runtime exception", model.CategoryRuntime},
		{"Something else happened", model.CategoryUnknown},
		{"completed successfully", model.CategoryUnknown},
		{"connection timed out", model.CategoryConnection},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.msg))
		})
	}
}

func TestConstructors(t *testing.T) {
	s := Success("Operation successful", map[string]any{"key": "value"})
	assert.Equal(t, model.ResultSuccess, s.Status)
	assert.Equal(t, map[string]any{"key": "value"}, s.Result.Data)

	e := Error("Something went wrong", model.CategoryRuntime, map[string]any{"error_details": "Stack trace"})
	assert.Equal(t, model.ResultError, e.Status)
	assert.Equal(t, "runtime_error", e.Result.Type)

	p := InProgress(0.75, "Processing data")
	assert.Equal(t, model.ResultInProgress, p.Status)
	assert.Equal(t, 0.75, p.Result.Data.(map[string]any)["progress"])
	assert.Nil(t, p.ExecutionTime)

	assert.Equal(t, model.ResultInfo, Info("Informational message", nil).Status)
	assert.Equal(t, model.ResultWarning, Warning("Warning message", nil).Status)

	f := FromError(model.NewError(model.CategoryTimeout, "send", errors.New("slow")))
	assert.Equal(t, "timeout_error", f.Result.Type)
	f = FromError(errors.New("socket closed"))
	assert.Equal(t, "connection_error", f.Result.Type)
}

func TestFromCommand(t *testing.T) {
	now := time.Now()

	done := model.NewQueuedCommand("c1", "x", model.PriorityNormal, nil, now)
	require.NoError(t, done.MarkStarted(now))
	ok := Success("fine", nil)
	require.NoError(t, done.MarkCompleted(&ok, now.Add(250*time.Millisecond)))
	env := FromCommand(done.Clone())
	assert.Equal(t, model.ResultSuccess, env.Status)
	assert.Equal(t, "c1", env.CommandID)
	require.NotNil(t, env.ExecutionTime)
	assert.Equal(t, int64(250), *env.ExecutionTime)

	failed := model.NewQueuedCommand("c2", "x", model.PriorityNormal, nil, now)
	require.NoError(t, failed.MarkStarted(now))
	require.NoError(t, failed.MarkFailed("Connection refused", model.CategoryConnection, now))
	env = FromCommand(failed.Clone())
	assert.Equal(t, model.ResultError, env.Status)
	assert.Equal(t, "connection_error", env.Result.Type)

	cancelled := model.NewQueuedCommand("c3", "x", model.PriorityNormal, nil, now)
	require.NoError(t, cancelled.MarkCancelled(now))
	env = FromCommand(cancelled.Clone())
	assert.Equal(t, model.ResultError, env.Status)
	assert.Contains(t, env.Result.Message, "cancelled")

	pending := model.NewQueuedCommand("c4", "x", model.PriorityHigh, nil, now)
	env = FromCommand(pending.Clone())
	assert.Equal(t, model.ResultInProgress, env.Status)
	assert.Equal(t, "c4", env.CommandID)
}
