package uds

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSockPath keeps socket paths under the 104-byte limit on macOS.
func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "aispire-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startTestServer(t *testing.T, handlers map[string]HandlerFunc) (*Server, *Client) {
	t.Helper()
	sock := shortSockPath(t)
	s := NewServer(sock, zerolog.Nop())
	for name, h := range handlers {
		s.Handle(name, h)
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	c := NewClient(sock)
	c.SetTimeout(5 * time.Second)
	return s, c
}

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req, err := NewRequest(CommandCancel, CancelParams{CommandID: "abc"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, req))

	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]), "big-endian length prefix")

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, CommandCancel, got.Command)

	var params CancelParams
	require.NoError(t, got.DecodeParams(&params))
	assert.Equal(t, "abc", params.CommandID)
}

func TestFraming_LargePayload(t *testing.T) {
	var buf bytes.Buffer
	content := strings.Repeat("x", 1024*1024)
	require.NoError(t, WriteFrame(&buf, map[string]string{"content": content}))

	var got map[string]string
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Len(t, got["content"], 1024*1024)
}

func TestFraming_RejectsOversizedFrame(t *testing.T) {
	frame := []byte{0xff, 0xff, 0xff, 0xff}
	var v any
	err := ReadFrame(bytes.NewReader(frame), &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}

func TestFraming_Truncated(t *testing.T) {
	var v any
	err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, '{'}), &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read frame payload")
}

func TestServer_HandlerExecution(t *testing.T) {
	_, c := startTestServer(t, map[string]HandlerFunc{
		CommandCancel: func(_ context.Context, req *Request) *Response {
			var p CancelParams
			if err := req.DecodeParams(&p); err != nil || p.CommandID == "" {
				return ErrorResponse(ErrCodeValidation, "command_id is required")
			}
			if p.CommandID != "known" {
				return ErrorResponse(ErrCodeNotFound, "command not found: "+p.CommandID)
			}
			return SuccessResponse(map[string]bool{"cancelled": true})
		},
		CommandDrain: func(context.Context, *Request) *Response { return nil },
	})
	ctx := t.Context()

	var out map[string]bool
	require.NoError(t, c.Call(ctx, CommandCancel, CancelParams{CommandID: "known"}, &out))
	assert.True(t, out["cancelled"])

	err := c.Call(ctx, CommandCancel, CancelParams{CommandID: "other"}, &out)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeNotFound, detail.Code)

	err = c.Call(ctx, CommandCancel, nil, nil)
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeValidation, detail.Code)

	resp, err := c.SendCommand(ctx, CommandDrain, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success, "nil handler response means success")
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, c := startTestServer(t, map[string]HandlerFunc{
		CommandStatus: func(context.Context, *Request) *Response { return SuccessResponse(nil) },
	})

	resp, err := c.Send(t.Context(), &Request{ProtocolVersion: 999, Command: CommandStatus})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	_, c := startTestServer(t, nil)

	resp, err := c.SendCommand(t.Context(), "nonexistent", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
}

func TestServer_HandlerPanic(t *testing.T) {
	_, c := startTestServer(t, map[string]HandlerFunc{
		"boom": func(context.Context, *Request) *Response { panic("kaboom") },
		CommandStatus: func(context.Context, *Request) *Response {
			return SuccessResponse(map[string]string{"state": "ok"})
		},
	})
	ctx := t.Context()

	resp, err := c.SendCommand(ctx, "boom", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaboom")

	var out map[string]string
	require.NoError(t, c.Call(ctx, CommandStatus, nil, &out))
	assert.Equal(t, "ok", out["state"])
}

func TestServer_MultipleClients(t *testing.T) {
	s, _ := startTestServer(t, map[string]HandlerFunc{
		CommandStatus: func(context.Context, *Request) *Response {
			return SuccessResponse(map[string]string{"status": "ok"})
		},
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(s.SocketPath())
			c.SetTimeout(5 * time.Second)
			var out map[string]string
			assert.NoError(t, c.Call(context.Background(), CommandStatus, nil, &out))
			assert.Equal(t, "ok", out["status"])
		}()
	}
	wg.Wait()
}

func TestClient_DaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	c.SetTimeout(time.Second)

	_, err := c.SendCommand(t.Context(), CommandStatus, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
	assert.Contains(t, err.Error(), "aispire daemon")
}

func TestClient_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	_, c := startTestServer(t, map[string]HandlerFunc{
		"slow": func(context.Context, *Request) *Response {
			<-release
			return SuccessResponse(nil)
		},
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SendCommand(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_ConnectionTimeout(t *testing.T) {
	s := NewServer(shortSockPath(t), zerolog.Nop())
	s.SetConnTimeout(200 * time.Millisecond)
	s.Handle(CommandStatus, func(context.Context, *Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, s.Start())
	defer s.Stop()
	c := NewClient(s.SocketPath())

	conn, err := net.Dial("unix", s.SocketPath())
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "idle connection is closed by the server")

	resp, err := c.SendCommand(t.Context(), CommandStatus, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_SocketLifecycle(t *testing.T) {
	sock := shortSockPath(t)
	require.NoError(t, os.WriteFile(sock, []byte("stale"), 0644))

	s := NewServer(sock, zerolog.Nop())
	require.NoError(t, s.Start(), "a stale socket file is replaced")

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestResponses(t *testing.T) {
	resp := ErrorResponse(ErrCodeInternal, "something failed")
	assert.False(t, resp.Success)
	assert.EqualError(t, resp.Decode(nil), "INTERNAL_ERROR: something failed")

	resp = SuccessResponse(map[string]int{"count": 42})
	var data map[string]int
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, 42, data["count"])

	resp = SuccessResponse(nil)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)
	assert.NoError(t, resp.Decode(&data))

	assert.Error(t, (&Response{}).Decode(nil), "failed response without detail still errors")
}
