package uds

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSockPath stays under the Unix socket path limit on macOS.
func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tk-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	path := shortSockPath(t)
	s := NewServer(path, nil)
	s.Handle(CommandPing, func(ctx context.Context, req *Request) *Response {
		return SuccessResponse(map[string]int{"pid": 42})
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	c := NewClient(path)
	c.SetTimeout(5 * time.Second)
	return s, c
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req, err := NewRequest(CommandPass, map[string]bool{"sweep": true})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, CommandPass, got.Command)

	var params struct{ Sweep bool }
	require.NoError(t, got.Decode(&params))
	assert.True(t, params.Sweep)
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var v any
	err := ReadFrame(buf, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestClient_Call(t *testing.T) {
	_, c := startServer(t)
	var out struct{ PID int }
	require.NoError(t, c.Call(CommandPing, nil, &out))
	assert.Equal(t, 42, out.PID)
}

func TestClient_UnknownCommand(t *testing.T) {
	_, c := startServer(t)
	err := c.Call("bogus", nil, nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
}

func TestServer_ProtocolMismatch(t *testing.T) {
	_, c := startServer(t)
	resp, err := c.Send(&Request{ProtocolVersion: 99, Command: CommandPing})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_ConcurrentClients(t *testing.T) {
	_, c := startServer(t)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Call(CommandPing, nil, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServer_RecoversFromHandlerPanic(t *testing.T) {
	s, c := startServer(t)
	s.Handle("boom", func(ctx context.Context, req *Request) *Response { panic("boom") })

	_, err := c.Send(&Request{ProtocolVersion: ProtocolVersion, Command: "boom"})
	require.Error(t, err)
	assert.NoError(t, c.Call(CommandPing, nil, nil), "server keeps serving after a panic")
}

func TestServer_HandlerContextCancelledOnStop(t *testing.T) {
	path := shortSockPath(t)
	s := NewServer(path, nil)
	cancelled := make(chan struct{})
	s.Handle("wait", func(ctx context.Context, req *Request) *Response {
		<-ctx.Done()
		close(cancelled)
		return ErrorResponse(ErrCodeShuttingDown, "stopping")
	})
	require.NoError(t, s.Start())

	go func() { _, _ = NewClient(path).Send(&Request{ProtocolVersion: ProtocolVersion, Command: "wait"}) }()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Stop())

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestServer_SocketPermissionsAndCleanup(t *testing.T) {
	path := shortSockPath(t)
	s := NewServer(path, nil)
	require.NoError(t, s.Start())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, s.Stop())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	path := shortSockPath(t)
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	// Closing a unix listener unlinks the file; leave a plain file behind instead.
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())

	s := NewServer(path, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestClient_NotRunning(t *testing.T) {
	c := NewClient(shortSockPath(t))
	err := c.Call(CommandPing, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.True(t, strings.Contains(err.Error(), "taskkeeper daemon"))
}

func TestResponses(t *testing.T) {
	ok := SuccessResponse(nil)
	assert.True(t, ok.Success)
	assert.Nil(t, ok.Data)

	bad := ErrorResponse(ErrCodeValidation, "missing field")
	assert.False(t, bad.Success)
	assert.Equal(t, "VALIDATION_ERROR: missing field", bad.Error.Error())

	unmarshalable := SuccessResponse(make(chan int))
	assert.False(t, unmarshalable.Success)
	assert.Equal(t, ErrCodeInternal, unmarshalable.Error.Code)
}
