// Package uds implements the agent Unix-domain-socket transport of spec
// §3/§4.6: a local listener for same-host agent processes, framed
// identically to the backend socket, that "otherwise behaves like the
// WebSocket transport (buffered ordered writes, pending server→client
// calls)." Grounded structurally on internal/backend's framing and
// pending-table shapes and internal/transport/ws's buffered-writer
// connection, generalized from a WebSocket message to a 0x03-delimited
// frame.
package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Arksine/moonraker-sub000/internal/backend"
	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/jsonrpc"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

var errConnectionClosed = errors.New("uds: connection closed")

// RemoteMethodRegistrar is implemented by *backend.Connection.
type RemoteMethodRegistrar interface {
	RegisterRemoteMethod(method string, fn backend.RemoteMethodFunc)
	UnregisterRemoteMethod(ctx context.Context, method string) error
}

// SubscriptionRemover is implemented by *subscription.Engine.
type SubscriptionRemover interface {
	RemoveSubscription(h webrequest.Handle)
}

type pendingCall struct {
	done chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Options configures a Connection.
type Options struct {
	Dispatcher *jsonrpc.Dispatcher
	Registry   *registry.Registry
	Subs       SubscriptionRemover
	Backend    RemoteMethodRegistrar
	Logger     *slog.Logger
}

// Connection is one agent Unix-domain-socket link: spec §3's
// TransportHandle "UDS (persistent)" variant.
type Connection struct {
	id         string
	conn       *net.UnixConn
	creds      PeerCredentials
	dispatcher *jsonrpc.Dispatcher
	registry   *registry.Registry
	subs       SubscriptionRemover
	backend    RemoteMethodRegistrar
	logger     *slog.Logger

	writeMu    sync.Mutex
	queue      [][]byte
	writerBusy bool

	pendingMu sync.Mutex
	nextID    int64
	pending   map[int64]*pendingCall

	principalMu sync.RWMutex
	principal   *webrequest.Principal

	remoteMethodsMu sync.Mutex
	remoteMethods   map[string]bool

	closed atomic.Bool
}

// newConnection wraps an accepted *net.UnixConn, capturing peer
// credentials at accept time per spec §4.6.
func newConnection(id string, conn *net.UnixConn, opts Options) (*Connection, error) {
	creds, err := capturePeerCredentials(conn)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:            id,
		conn:          conn,
		creds:         creds,
		dispatcher:    opts.Dispatcher,
		registry:      opts.Registry,
		subs:          opts.Subs,
		backend:       opts.Backend,
		logger:        logger,
		pending:       make(map[int64]*pendingCall),
		remoteMethods: make(map[string]bool),
	}, nil
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// PeerCredentials returns the pid/uid/gid captured at accept time.
func (c *Connection) PeerCredentials() PeerCredentials { return c.creds }

// Serve runs the read loop until the socket closes or ctx is cancelled.
func (c *Connection) Serve(ctx context.Context) {
	defer c.teardown()

	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	reader := newFrameReader(c.conn)
	for {
		frame, err := reader.readFrame()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("uds: read loop ended", "id", c.id, "error", err)
			}
			return
		}
		resp := c.dispatcher.Dispatch(ctx, frame, c)
		if resp != nil {
			c.enqueue(resp)
		}
	}
}

// enqueue appends frame to the outbound buffer and, if no writer is
// running, starts one, mirroring internal/transport/ws's ordering
// guarantee (spec §4.6).
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
		err := writeFrame(c.conn, frame)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Warn("uds: write failed, closing connection", "id", c.id, "error", err)
			_ = c.conn.Close()
			c.writeMu.Lock()
			c.queue = nil
			c.writerBusy = false
			c.writeMu.Unlock()
			return
		}
	}
}

// RouteResponse implements jsonrpc.ResponseRouter.
func (c *Connection) RouteResponse(id json.RawMessage, result json.RawMessage, rpcErr *jsonrpc.ResponseError) {
	var numID int64
	if err := json.Unmarshal(id, &numID); err != nil {
		c.logger.Warn("uds: response with unparseable id", "id", string(id))
		return
	}
	c.pendingMu.Lock()
	p, ok := c.pending[numID]
	if ok {
		delete(c.pending, numID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("uds: response with no matching pending call", "id", numID)
		return
	}
	var err error
	if rpcErr != nil {
		err = fmt.Errorf("uds: client error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	p.done <- pendingResult{result: result, err: err}
}

// Call issues a server→client JSON-RPC request and blocks until the
// client responds or ctx is cancelled.
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
		return nil, fmt.Errorf("uds: marshal call params: %w", err)
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
		return nil, fmt.Errorf("uds: marshal call envelope: %w", err)
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

// SetPrincipal attaches an authenticated principal to this connection,
// for whichever identification endpoint establishes it.
func (c *Connection) SetPrincipal(p *webrequest.Principal) {
	c.principalMu.Lock()
	c.principal = p
	c.principalMu.Unlock()
}

// RegisterAgentRemoteMethod registers method with the backend connection,
// routing matching backend-originated calls back to this connection as a
// JSON-RPC notification.
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
			c.logger.Warn("uds: marshal remote method notification", "method", method, "error", err)
			return
		}
		c.enqueue(frame)
	})
}

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
				c.logger.Warn("uds: failed to unregister remote method", "method", m, "error", err)
			}
			cancel()
		}
	}

	_ = c.conn.Close()
}

// TransportType implements webrequest.Handle.
func (c *Connection) TransportType() webrequest.TransportType { return webrequest.TransportUDS }

// PeerPrincipal implements webrequest.Handle.
func (c *Connection) PeerPrincipal() *webrequest.Principal {
	c.principalMu.RLock()
	defer c.principalMu.RUnlock()
	return c.principal
}

// PeerAddress implements webrequest.Handle, reporting the captured kernel
// peer credentials since a Unix socket carries no network address.
func (c *Connection) PeerAddress() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d", c.creds.PID, c.creds.UID, c.creds.GID)
}

// ScreenRPCRequest enforces the endpoint's auth-required flag, per spec
// §4.3 step 5.
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

// SendStatus implements webrequest.Handle.
func (c *Connection) SendStatus(ctx context.Context, method string, params any) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("uds: marshal status params: %w", err)
	}
	frame, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": json.RawMessage(paramsRaw)})
	if err != nil {
		return fmt.Errorf("uds: marshal status notification: %w", err)
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
