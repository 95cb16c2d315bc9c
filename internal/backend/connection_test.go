package backend

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal stand-in for the real printer-control backend:
// it accepts one connection, answers "info" with a Ready reply, and lets
// the test script further frames/responses over the accepted conn.
type fakeBackend struct {
	listener net.Listener
	acceptCh chan net.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	fb := &fakeBackend{listener: l, acceptCh: make(chan net.Conn, 1)}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		fb.acceptCh <- conn
	}()
	return fb
}

func (fb *fakeBackend) socketPath() string {
	return fb.listener.Addr().String()
}

func (fb *fakeBackend) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-fb.acceptCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("backend never accepted a connection")
		return nil
	}
}

func newTestConnection(t *testing.T, socketPath string) *Connection {
	t.Helper()
	c := New(Options{SocketPath: socketPath, InstanceID: "test", PollInterval: 20 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectionReachesReadyAfterInfoHandshake(t *testing.T) {
	fb := newFakeBackend(t)
	defer fb.listener.Close()

	c := newTestConnection(t, fb.socketPath())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := fb.accept(t)
	defer conn.Close()

	reader := newFrameReader(conn)
	var req map[string]any
	require.NoError(t, reader.readFrame(&req))
	assert.Equal(t, "info", req["method"])

	require.NoError(t, writeFrame(conn, map[string]any{
		"id": req["id"],
		"result": map[string]any{
			"state":            "ready",
			"software_version": "v1.2.3",
		},
	}))

	require.Eventually(t, func() bool { return c.State() == Ready }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "v1.2.3", c.Info().SoftwareVersion)
}

func TestConnectionStartupPollsUntilReady(t *testing.T) {
	fb := newFakeBackend(t)
	defer fb.listener.Close()

	c := newTestConnection(t, fb.socketPath())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := fb.accept(t)
	defer conn.Close()
	reader := newFrameReader(conn)

	var req map[string]any
	require.NoError(t, reader.readFrame(&req))
	require.NoError(t, writeFrame(conn, map[string]any{
		"id":     req["id"],
		"result": map[string]any{"state": "startup", "state_message": "booting"},
	}))

	require.Eventually(t, func() bool { return c.State() == Startup }, time.Second, 5*time.Millisecond)

	require.NoError(t, reader.readFrame(&req))
	require.NoError(t, writeFrame(conn, map[string]any{
		"id":     req["id"],
		"result": map[string]any{"state": "ready"},
	}))

	require.Eventually(t, func() bool { return c.State() == Ready }, time.Second, 5*time.Millisecond)
}

func TestRequestTimeoutRemovesPendingEntry(t *testing.T) {
	fb := newFakeBackend(t)
	defer fb.listener.Close()

	c := newTestConnection(t, fb.socketPath())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := fb.accept(t)
	defer conn.Close()
	reader := newFrameReader(conn)

	var infoReq map[string]any
	require.NoError(t, reader.readFrame(&infoReq))
	require.NoError(t, writeFrame(conn, map[string]any{"id": infoReq["id"], "result": map[string]any{"state": "ready"}}))
	require.Eventually(t, func() bool { return c.State() == Ready }, time.Second, 5*time.Millisecond)

	_, err := c.Request(context.Background(), "gcode/script", map[string]any{"script": "G28"}, 50*time.Millisecond)
	require.Error(t, err)

	assert.Empty(t, c.pending.entries)
}

func TestDisconnectDrainsPendingRequests(t *testing.T) {
	fb := newFakeBackend(t)
	defer fb.listener.Close()

	c := newTestConnection(t, fb.socketPath())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := fb.accept(t)
	reader := newFrameReader(conn)

	var infoReq map[string]any
	require.NoError(t, reader.readFrame(&infoReq))
	require.NoError(t, writeFrame(conn, map[string]any{"id": infoReq["id"], "result": map[string]any{"state": "ready"}}))
	require.Eventually(t, func() bool { return c.State() == Ready }, time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "gcode/script", nil, 2*time.Second)
		errCh <- err
	}()

	var pendingReq map[string]any
	require.NoError(t, reader.readFrame(&pendingReq))
	conn.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending request was not drained on disconnect")
	}

	require.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 5*time.Millisecond)
}

func TestRegisterRemoteMethodAnnouncedOnReady(t *testing.T) {
	fb := newFakeBackend(t)
	defer fb.listener.Close()

	c := newTestConnection(t, fb.socketPath())
	c.RegisterRemoteMethod("gcode/respond", func(json.RawMessage) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := fb.accept(t)
	defer conn.Close()
	reader := newFrameReader(conn)

	var infoReq map[string]any
	require.NoError(t, reader.readFrame(&infoReq))
	require.NoError(t, writeFrame(conn, map[string]any{"id": infoReq["id"], "result": map[string]any{"state": "ready"}}))

	var announceReq map[string]any
	require.NoError(t, reader.readFrame(&announceReq))
	assert.Equal(t, "register_remote_method", announceReq["method"])
}

func TestReservedMethodsAreNotExported(t *testing.T) {
	assert.True(t, ReservedMethods["list_endpoints"])
	assert.True(t, ReservedMethods["register_remote_method"])
	assert.False(t, ReservedMethods["printer.info"])
}
