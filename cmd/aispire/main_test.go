package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/aispire/internal/command"
	"github.com/msageha/aispire/internal/daemon"
	"github.com/msageha/aispire/internal/queue"
	"github.com/msageha/aispire/internal/server"
	"github.com/msageha/aispire/internal/setup"
)

func TestBuildEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		opts    sendOptions
		stdin   string
		want    map[string]any
		wantErr string
	}{
		{
			name: "execute code",
			opts: sendOptions{msgType: "command", code: "return 1", priority: "high", noWait: true},
			want: map[string]any{"type": "command", "content": map[string]any{
				"command_type": "execute_code",
				"payload":      map[string]any{"code": "return 1"},
				"priority":     "high",
				"wait":         false,
			}},
		},
		{
			name: "function with params",
			opts: sendOptions{msgType: "command", function: "MoveTo", params: `{"x":1}`, session: "s1"},
			want: map[string]any{"type": "command", "session_id": "s1", "content": map[string]any{
				"command_type": "execute_function",
				"payload":      map[string]any{"function": "MoveTo", "parameters": map[string]any{"x": float64(1)}},
			}},
		},
		{
			name: "query",
			opts: sendOptions{msgType: "command", query: "job"},
			want: map[string]any{"type": "command", "content": map[string]any{
				"command_type": "query_state",
				"payload":      map[string]any{"query": "job"},
			}},
		},
		{
			name: "request",
			opts: sendOptions{msgType: "request", action: "generate", template: "create_circle", params: `{"radius":2}`},
			want: map[string]any{"type": "request", "content": map[string]any{
				"action":   "generate",
				"template": "create_circle",
				"params":   map[string]any{"radius": float64(2)},
			}},
		},
		{
			name: "ping",
			opts: sendOptions{msgType: "ping"},
			want: map[string]any{"type": "ping"},
		},
		{
			name:  "raw from stdin",
			opts:  sendOptions{raw: "-"},
			stdin: `{"type":"ping","id":"x"}`,
			want:  map[string]any{"type": "ping", "id": "x"},
		},
		{name: "command without body", opts: sendOptions{msgType: "command"}, wantErr: "--code"},
		{name: "request without action", opts: sendOptions{msgType: "request"}, wantErr: "--action"},
		{name: "bad params", opts: sendOptions{msgType: "command", code: "x", params: "[1"}, wantErr: "--params"},
		{name: "bad priority", opts: sendOptions{msgType: "command", code: "x", priority: "asap"}, wantErr: "priority"},
		{name: "bad type", opts: sendOptions{msgType: "result"}, wantErr: "unsupported"},
		{name: "bad raw", opts: sendOptions{raw: "nope"}, wantErr: "--raw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildEnvelope(tt.opts, strings.NewReader(tt.stdin))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func startEcho(t *testing.T, token string) string {
	t.Helper()
	srv := server.New(server.Config{
		Addr:         "127.0.0.1:0",
		AuthRequired: token != "",
		AuthToken:    token,
	}, func(_ context.Context, line []byte) []byte {
		return []byte(`{"type":"result","echo":` + string(line) + `}`)
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv.Addr()
}

func TestExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := startEcho(t, "")
	reply, err := exchange(ctx, addr, "", map[string]any{"type": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "result", reply["type"])
	assert.Equal(t, map[string]any{"type": "ping"}, reply["echo"])
}

func TestExchange_Auth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := startEcho(t, "s3cret")

	reply, err := exchange(ctx, addr, "s3cret", map[string]any{"type": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "result", reply["type"])

	_, err = exchange(ctx, addr, "wrong", map[string]any{"type": "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Authentication failed")
}

func TestExchange_NoServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := exchange(ctx, "127.0.0.1:1", "", map[string]any{"type": "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aispire daemon")
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, daemon.StatusReport{
		PID:                 42,
		UptimeSeconds:       90,
		UpstreamAddr:        "127.0.0.1:8765",
		DownstreamAddr:      "127.0.0.1:9876",
		DownstreamConnected: true,
		LogLevel:            "info",
		Queue: queue.Snapshot{
			Pending:      map[string]int{"high": 2},
			TotalPending: 2,
			MaxSize:      100,
			ByStatus:     map[string]int{"pending": 2, "completed": 5},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "pid 42, up 1m30s")
	assert.Contains(t, out, "127.0.0.1:9876 (connected)")
	assert.Contains(t, out, "2/100 pending")
	assert.Contains(t, out, "pending=2 completed=5")
}

func TestPrintTemplates(t *testing.T) {
	lib, err := command.DefaultLibrary()
	require.NoError(t, err)
	var buf bytes.Buffer
	printTemplates(&buf, command.NewGenerator(lib, command.MustNewValidator()).Templates())
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "create_circle")
	assert.Contains(t, out, "layer_name:string?")
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "aispire "+version+"\n", buf.String())
}

func TestSetupCommand(t *testing.T) {
	dir := t.TempDir()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"setup", dir, "--require-auth"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "Initialized .aispire/")
	assert.Contains(t, buf.String(), "Upstream auth token: ")
}

func TestOfflineStatus(t *testing.T) {
	dir := t.TempDir()
	layout, err := setup.Run(dir, setup.Options{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.LockPath(), []byte("4242\n"), 0600))

	prev := projectDir
	projectDir = dir
	t.Cleanup(func() { projectDir = prev })

	var buf bytes.Buffer
	require.NoError(t, offlineStatus(&buf, errors.New("dial unix: no such file")))
	out := buf.String()
	assert.Contains(t, out, "not reachable")
	assert.Contains(t, out, "held by pid 4242")
	assert.Contains(t, out, "no metrics snapshot recorded")
}

func TestMCPCommand_ForwardsToolCalls(t *testing.T) {
	var got []string
	var mu sync.Mutex
	srv := server.New(server.Config{Addr: "127.0.0.1:0"}, func(_ context.Context, line []byte) []byte {
		mu.Lock()
		got = append(got, string(line))
		mu.Unlock()
		return []byte(`{"type":"result","content":{"status":"success","result":{"message":"ok","data":{"job_name":"sign"}},"command_id":"c1"}}`)
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","capabilities":{},"clientInfo":{"name":"test"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"execute_code","arguments":{"code":"return GetJobName()"}}}`,
	}, "\n") + "\n"

	root := newRootCmd()
	var out bytes.Buffer
	root.SetIn(strings.NewReader(input))
	root.SetOut(&out)
	root.SetArgs([]string{"-C", t.TempDir(), "mcp", "--addr", srv.Addr(), "--log-level", "error"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"protocolVersion":"2025-11-25"`)
	assert.Contains(t, lines[1], `"command_id":"c1"`)
	assert.NotContains(t, lines[1], `"isError":true`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Contains(t, got[0], `"command_type":"execute_code"`)
	assert.Contains(t, got[0], `"code":"return GetJobName()"`)
}
