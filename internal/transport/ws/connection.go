// Package ws implements the persistent WebSocket JSON-RPC carrier of spec
// §3/§4.6. Each Connection owns a unique id, an outbound message buffer
// drained by a single writer task, a pending-response table for
// server→client calls, an optional client-identification record, and an
// optional authenticated principal. Structurally grounded in
// other_examples/de5d3d98_stepherg-blizzardgw__internal-ws-handler.go.go
// (gorilla/websocket upgrade + read loop + ping/pong keepalive shape),
// generalized from its mutex-guarded single WriteJSON call to the
// append-then-maybe-schedule-a-writer buffer spec §4.6 requires.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Arksine/moonraker-sub000/internal/backend"
	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/jsonrpc"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

const (
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	writeWait       = 10 * time.Second
	maxMessageBytes = 20 << 20
)

var errConnectionClosed = errors.New("ws: connection closed")

// RemoteMethodRegistrar is implemented by *backend.Connection; an agent
// WebSocket client registers remote methods with the backend and has them
// unregistered when its connection closes (spec §4.6).
type RemoteMethodRegistrar interface {
	RegisterRemoteMethod(method string, fn backend.RemoteMethodFunc)
	UnregisterRemoteMethod(ctx context.Context, method string) error
}

// SubscriptionRemover is implemented by *subscription.Engine.
type SubscriptionRemover interface {
	RemoveSubscription(h webrequest.Handle)
}

// Identity is the client-identification record a designated endpoint
// records on the connection (spec §4.6).
type Identity struct {
	Name       string
	Version    string
	ClientType string
	URL        string
}

type pendingCall struct {
	done chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Options configures Accept.
type Options struct {
	Dispatcher *jsonrpc.Dispatcher
	Registry   *registry.Registry
	Subs       SubscriptionRemover
	Backend    RemoteMethodRegistrar
	Logger     *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection is one persistent WebSocket JSON-RPC carrier: spec §3's
// TransportHandle "WebSocket (persistent)" variant.
type Connection struct {
	id         string
	conn       *websocket.Conn
	dispatcher *jsonrpc.Dispatcher
	registry   *registry.Registry
	subs       SubscriptionRemover
	backend    RemoteMethodRegistrar
	logger     *slog.Logger
	remoteAddr string

	writeMu    sync.Mutex
	queue      [][]byte
	writerBusy bool

	pendingMu sync.Mutex
	nextID    int64
	pending   map[int64]*pendingCall

	identMu  sync.Mutex
	identity *Identity

	principalMu sync.RWMutex
	principal   *webrequest.Principal

	remoteMethodsMu sync.Mutex
	remoteMethods   map[string]bool

	closed atomic.Bool
}

// Accept upgrades an HTTP request to a WebSocket and returns the
// connection wrapper. Call Serve to run its read loop.
func Accept(w http.ResponseWriter, r *http.Request, id string, opts Options) (*Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:            id,
		conn:          conn,
		dispatcher:    opts.Dispatcher,
		registry:      opts.Registry,
		subs:          opts.Subs,
		backend:       opts.Backend,
		logger:        logger,
		remoteAddr:    r.RemoteAddr,
		pending:       make(map[int64]*pendingCall),
		remoteMethods: make(map[string]bool),
	}, nil
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Serve runs the read loop until the socket closes or ctx is cancelled. It
// blocks; the caller runs it in its own goroutine per connection.
func (c *Connection) Serve(ctx context.Context) {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	go c.pingLoop(stop)
	defer close(stop)

	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		resp := c.dispatcher.Dispatch(ctx, message, c)
		if resp != nil {
			c.enqueue(resp)
		}
	}
}

func (c *Connection) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// enqueue appends frame to the outbound buffer and, if no writer is
// running, starts one, per spec §4.6: "Outbound sends append to the
// buffer and, if no writer is running, schedule a writer task that drains
// the buffer to the socket; this guarantees ordered delivery and avoids
// interleaving."
func (c *Connection) enqueue(frame []byte) {
	c.writeMu.Lock()
	c.queue = append(c.queue, frame)
	if c.writerBusy {
		c.writeMu.Unlock()
		return
	}
	c.writerBusy = true
	c.writeMu.Unlock()
	go c.drainQueue()
}

func (c *Connection) drainQueue() {
	for {
		c.writeMu.Lock()
		if len(c.queue) == 0 {
			c.writerBusy = false
			c.writeMu.Unlock()
			return
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.TextMessage, frame)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Warn("ws: write failed, closing connection", "id", c.id, "error", err)
			_ = c.conn.Close()
			c.writeMu.Lock()
			c.queue = nil
			c.writerBusy = false
			c.writeMu.Unlock()
			return
		}
	}
}

// RouteResponse resolves a pending server→client call whose id matches,
// implementing jsonrpc.ResponseRouter (spec §4.3 step 3).
func (c *Connection) RouteResponse(id json.RawMessage, result json.RawMessage, rpcErr *jsonrpc.ResponseError) {
	var numID int64
	if err := json.Unmarshal(id, &numID); err != nil {
		c.logger.Warn("ws: response with unparseable id", "id", string(id))
		return
	}
	c.pendingMu.Lock()
	p, ok := c.pending[numID]
	if ok {
		delete(c.pending, numID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("ws: response with no matching pending call", "id", numID)
		return
	}
	var err error
	if rpcErr != nil {
		err = fmt.Errorf("ws: client error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	p.done <- pendingResult{result: result, err: err}
}

// Call issues a server→client JSON-RPC request and blocks until the client
// responds or ctx is cancelled, per spec §4.6's "pending-response table for
// server→client calls".
func (c *Connection) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	p := &pendingCall{done: make(chan pendingResult, 1)}
	c.pending[id] = p
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("ws: marshal call params: %w", err)
	}
	idRaw, _ := json.Marshal(id)
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(idRaw),
		"method":  method,
		"params":  json.RawMessage(paramsRaw),
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("ws: marshal call envelope: %w", err)
	}
	c.enqueue(frame)

	select {
	case res := <-p.done:
		return res.result, res.err
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Identify records the client-identification record and optional
// authenticated principal (spec §4.6's designated identification
// endpoint).
func (c *Connection) Identify(name, version, clientType, url string, principal *webrequest.Principal) {
	c.identMu.Lock()
	c.identity = &Identity{Name: name, Version: version, ClientType: clientType, URL: url}
	c.identMu.Unlock()

	c.principalMu.Lock()
	c.principal = principal
	c.principalMu.Unlock()
}

// IdentityRecord returns the client-identification record, or nil if the
// connection has not identified yet.
func (c *Connection) IdentityRecord() *Identity {
	c.identMu.Lock()
	defer c.identMu.Unlock()
	return c.identity
}

// RegisterAgentRemoteMethod registers method with the backend connection,
// routing matching backend-originated calls back to this WebSocket
// connection as a JSON-RPC notification (spec §4.6: "an agent client may
// additionally register remote methods").
func (c *Connection) RegisterAgentRemoteMethod(method string) {
	c.remoteMethodsMu.Lock()
	c.remoteMethods[method] = true
	c.remoteMethodsMu.Unlock()

	if c.backend == nil {
		return
	}
	c.backend.RegisterRemoteMethod(method, func(params json.RawMessage) {
		frame, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
		if err != nil {
			c.logger.Warn("ws: marshal remote method notification", "method", method, "error", err)
			return
		}
		c.enqueue(frame)
	})
}

// teardown completes all pending server→client futures with an error,
// drops the subscription, and unregisters any remote methods this
// connection owned, per spec §4.6: "Closing drops the buffer and
// completes all pending server→client futures with an error."
func (c *Connection) teardown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.pendingMu.Unlock()
	for _, p := range pending {
		p.done <- pendingResult{err: errConnectionClosed}
	}

	if c.subs != nil {
		c.subs.RemoveSubscription(c)
	}

	if c.backend != nil {
		c.remoteMethodsMu.Lock()
		methods := make([]string, 0, len(c.remoteMethods))
		for m := range c.remoteMethods {
			methods = append(methods, m)
		}
		c.remoteMethodsMu.Unlock()
		for _, m := range methods {
			unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.backend.UnregisterRemoteMethod(unregCtx, m); err != nil {
				c.logger.Warn("ws: failed to unregister remote method", "method", m, "error", err)
			}
			cancel()
		}
	}

	_ = c.conn.Close()
}

// TransportType implements webrequest.Handle.
func (c *Connection) TransportType() webrequest.TransportType { return webrequest.TransportWebsocket }

// PeerPrincipal implements webrequest.Handle.
func (c *Connection) PeerPrincipal() *webrequest.Principal {
	c.principalMu.RLock()
	defer c.principalMu.RUnlock()
	return c.principal
}

// PeerAddress implements webrequest.Handle.
func (c *Connection) PeerAddress() string { return c.remoteAddr }

// ScreenRPCRequest enforces the endpoint's auth-required flag, per spec
// §4.3 step 5 ("auth enforcement on WebSocket/UDS transports"). Identity
// verification itself is an external collaborator per spec §1; this only
// checks whether Identify has already attached a principal.
func (c *Connection) ScreenRPCRequest(ctx context.Context, req *webrequest.Request) error {
	def, ok := c.registry.LookupByEndpoint(req.Endpoint)
	if !ok || !def.AuthRequired {
		return nil
	}
	if c.PeerPrincipal() == nil {
		return gatewayerr.Unauthorized("authentication required")
	}
	return nil
}

// SendStatus implements webrequest.Handle: it enqueues a JSON-RPC
// notification carrying the status update.
func (c *Connection) SendStatus(ctx context.Context, method string, params any) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("ws: marshal status params: %w", err)
	}
	frame, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": json.RawMessage(paramsRaw)})
	if err != nil {
		return fmt.Errorf("ws: marshal status notification: %w", err)
	}
	c.enqueue(frame)
	return nil
}

// WriteFrame implements webrequest.Handle.
func (c *Connection) WriteFrame(ctx context.Context, frame []byte) error {
	c.enqueue(frame)
	return nil
}

// Close implements webrequest.Handle.
func (c *Connection) Close() error {
	return c.conn.Close()
}
