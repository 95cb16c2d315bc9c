package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arksine/moonraker-sub000/internal/backend"
	"github.com/Arksine/moonraker-sub000/internal/jsonrpc"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

func newTestServer(t *testing.T, opts Options, onConn func(*Connection)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, "test-conn", opts)
		require.NoError(t, err)
		if onConn != nil {
			onConn(conn)
		}
		conn.Serve(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestRegistryAndDispatcher(t *testing.T) (*registry.Registry, *jsonrpc.Dispatcher) {
	t.Helper()
	reg := registry.New()
	_, err := reg.Register(registry.Options{
		Endpoint:     "/printer/info",
		RequestTypes: []webrequest.RequestType{webrequest.RequestGet},
		Handler: func(ctx context.Context, req *webrequest.Request) (any, error) {
			return map[string]any{"state": "ready"}, nil
		},
	})
	require.NoError(t, err)
	return reg, jsonrpc.New(reg)
}

func TestWSRequestResponseRoundTrip(t *testing.T) {
	reg, disp := newTestRegistryAndDispatcher(t)
	srv := newTestServer(t, Options{Dispatcher: disp, Registry: reg}, nil)
	client := dial(t, srv)

	require.NoError(t, client.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "printer.info"}))

	var resp map[string]any
	require.NoError(t, client.ReadJSON(&resp))
	assert.Equal(t, "ready", resp["result"].(map[string]any)["state"])
}

func TestWSServerCallBlocksUntilClientResponds(t *testing.T) {
	reg, disp := newTestRegistryAndDispatcher(t)
	var serverConn *Connection
	connReady := make(chan struct{})
	srv := newTestServer(t, Options{Dispatcher: disp, Registry: reg}, func(c *Connection) {
		serverConn = c
		close(connReady)
	})
	client := dial(t, srv)
	<-connReady

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := serverConn.Call(context.Background(), "gcode/respond", map[string]any{"message": "ping"})
		resultCh <- res
		errCh <- err
	}()

	var env map[string]any
	require.NoError(t, client.ReadJSON(&env))
	assert.Equal(t, "gcode/respond", env["method"])

	require.NoError(t, client.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": env["id"], "result": "pong"}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server call did not complete")
	}
	var result string
	require.NoError(t, json.Unmarshal(<-resultCh, &result))
	assert.Equal(t, "pong", result)
}

func TestWSSendStatusDeliversNotification(t *testing.T) {
	reg, disp := newTestRegistryAndDispatcher(t)
	var serverConn *Connection
	connReady := make(chan struct{})
	srv := newTestServer(t, Options{Dispatcher: disp, Registry: reg}, func(c *Connection) {
		serverConn = c
		close(connReady)
	})
	client := dial(t, srv)
	<-connReady

	require.NoError(t, serverConn.SendStatus(context.Background(), "notify_status_update", map[string]any{"webhooks": map[string]any{"state": "ready"}}))

	var env map[string]any
	require.NoError(t, client.ReadJSON(&env))
	assert.Equal(t, "notify_status_update", env["method"])
	assert.Nil(t, env["id"])
}

type fakeRemoveTracker struct {
	removed []webrequest.Handle
}

func (f *fakeRemoveTracker) RemoveSubscription(h webrequest.Handle) {
	f.removed = append(f.removed, h)
}

func TestWSCloseRemovesSubscription(t *testing.T) {
	reg, disp := newTestRegistryAndDispatcher(t)
	tracker := &fakeRemoveTracker{}
	srv := newTestServer(t, Options{Dispatcher: disp, Registry: reg, Subs: tracker}, nil)
	client := dial(t, srv)

	client.Close()

	require.Eventually(t, func() bool { return len(tracker.removed) == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestWSIdentifyAttachesPrincipal(t *testing.T) {
	reg, disp := newTestRegistryAndDispatcher(t)
	var serverConn *Connection
	connReady := make(chan struct{})
	srv := newTestServer(t, Options{Dispatcher: disp, Registry: reg}, func(c *Connection) {
		serverConn = c
		close(connReady)
	})
	_ = dial(t, srv)
	<-connReady

	assert.Nil(t, serverConn.PeerPrincipal())
	serverConn.Identify("moontest", "1.0", "web", "http://example.test", &webrequest.Principal{Username: "alice"})
	require.NotNil(t, serverConn.PeerPrincipal())
	assert.Equal(t, "alice", serverConn.PeerPrincipal().Username)
	require.NotNil(t, serverConn.IdentityRecord())
	assert.Equal(t, "moontest", serverConn.IdentityRecord().Name)
}

type fakeRegistrar struct {
	registered   map[string]backend.RemoteMethodFunc
	unregistered []string
}

func (f *fakeRegistrar) RegisterRemoteMethod(method string, fn backend.RemoteMethodFunc) {
	if f.registered == nil {
		f.registered = make(map[string]backend.RemoteMethodFunc)
	}
	f.registered[method] = fn
}

func (f *fakeRegistrar) UnregisterRemoteMethod(ctx context.Context, method string) error {
	f.unregistered = append(f.unregistered, method)
	return nil
}

func TestWSAgentRemoteMethodRoundTripsToBackendAndUnregistersOnClose(t *testing.T) {
	reg, disp := newTestRegistryAndDispatcher(t)
	registrar := &fakeRegistrar{}
	var serverConn *Connection
	connReady := make(chan struct{})
	srv := newTestServer(t, Options{Dispatcher: disp, Registry: reg, Backend: registrar}, func(c *Connection) {
		serverConn = c
		close(connReady)
	})
	client := dial(t, srv)
	<-connReady

	serverConn.RegisterAgentRemoteMethod("agent.do_thing")
	require.Contains(t, registrar.registered, "agent.do_thing")

	registrar.registered["agent.do_thing"](json.RawMessage(`{"x":1}`))

	var env map[string]any
	require.NoError(t, client.ReadJSON(&env))
	assert.Equal(t, "agent.do_thing", env["method"])

	client.Close()
	require.Eventually(t, func() bool { return len(registrar.unregistered) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "agent.do_thing", registrar.unregistered[0])
}
