// Package backend implements the backend connection state machine of spec
// §4.4: one Unix-socket RPC link to the printer-control backend, with
// request correlation, an identification handshake, remote-method
// registration, and a startup info-poll loop. Grounded in
// original_source/moonraker/components/klippy_connection.py for state
// names and cadence, and in the teacher's internal/rpc package (client.go's
// request/response loop, transport_unix.go's net.DialTimeout) for the
// idiomatic Go shape of a persistent socket client.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
)

// reserved method names are never exposed on any external transport, per
// spec §4.4.
var ReservedMethods = map[string]bool{
	"list_endpoints":           true,
	"gcode/subscribe_output":   true,
	"register_remote_method":   true,
	"unregister_remote_method": true,
}

// startupPollInterval and startupLogEveryN implement spec §4.4's Startup
// cadence: "re-issues 'info' at a fixed cadence (≈ every 250ms) with log
// suppression (log on every Nth attempt up to a ceiling)".
const (
	startupPollInterval = 250 * time.Millisecond
	startupLogEveryN    = 20 // log roughly every 5s
	startupLogCeiling   = 200
)

// Info is the backend's reply to the "info" RPC, per spec §6.
type Info struct {
	State           string `json:"state"`
	StateMessage    string `json:"state_message"`
	SoftwareVersion string `json:"software_version"`
	KlippyPath      string `json:"klippy_path"`
	PythonPath      string `json:"python_path"`
	ProcessID       int    `json:"process_id,omitempty"`
	UserID          int    `json:"user_id,omitempty"`
	GroupID         int    `json:"group_id,omitempty"`
	LogFile         string `json:"log_file,omitempty"`
}

// terminal startup states the backend may report; anything else keeps the
// connection in Startup.
const (
	stateReady    = "ready"
	stateStartup  = "startup"
	stateShutdown = "shutdown"
	stateError    = "error"
)

// RemoteMethodFunc handles an incoming notification from the backend whose
// method matches a registered name (spec §4.4: "incoming envelopes whose
// method matches a registered name invoke the callback... these are
// notifications and never produce a response").
type RemoteMethodFunc func(params json.RawMessage)

// StatusHandler receives every backend-originated notification so the
// subscription engine (or other listeners) can react to status pushes.
// It is called for every notification that is not consumed by a
// registered remote method.
type StatusHandler func(method string, params json.RawMessage)

// Options configures a Connection.
type Options struct {
	SocketPath string
	InstanceID string
	Logger     *slog.Logger

	// PollInterval is how often Disconnected polls for the socket to
	// become available. Defaults to 1s.
	PollInterval time.Duration

	// OnStatus receives every backend notification not claimed by a
	// registered remote method.
	OnStatus StatusHandler

	// OnStateChange is invoked whenever the connection transitions
	// between states, for metrics/logging wiring.
	OnStateChange func(from, to State)
}

// Connection manages one backend Unix-socket RPC link and its lifecycle.
type Connection struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	state State
	conn  net.Conn
	info  Info

	pending *pendingTable

	remoteMu      sync.Mutex
	remoteMethods map[string]RemoteMethodFunc
	announced     bool

	writeMu sync.Mutex

	closed atomic.Bool
	stopCh chan struct{}
}

// New constructs a Connection in the Disconnected state. Call Run to start
// the background connect/poll loop.
func New(opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	return &Connection{
		opts:          opts,
		logger:        opts.Logger,
		pending:       newPendingTable(),
		remoteMethods: make(map[string]RemoteMethodFunc),
		stopCh:        make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Info returns the last "info" reply received from the backend.
func (c *Connection) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("backend: state transition", "from", prev, "to", s)
		recordStateTransition(context.Background(), prev, s)
		if c.opts.OnStateChange != nil {
			c.opts.OnStateChange(prev, s)
		}
	}
}

// RegisterRemoteMethod records method as a named remote callback, per spec
// §4.4. If the connection is already Ready, the registration is announced
// immediately; otherwise it is announced in bulk on the first transition
// into Ready.
func (c *Connection) RegisterRemoteMethod(method string, fn RemoteMethodFunc) {
	c.remoteMu.Lock()
	c.remoteMethods[method] = fn
	announced := c.announced
	c.remoteMu.Unlock()

	if announced && c.State() == Ready {
		if err := c.announceRemoteMethod(context.Background(), method); err != nil {
			c.logger.Warn("backend: failed to announce remote method", "method", method, "error", err)
		}
	}
}

// Run drives the connect → poll → reconnect loop until ctx is cancelled or
// Close is called. It never returns until then, so callers typically run
// it in its own goroutine.
func (c *Connection) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if c.State() == Disconnected {
			if conn, err := net.DialTimeout("unix", c.opts.SocketPath, 2*time.Second); err == nil {
				c.handleConnected(ctx, conn)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// handleConnected runs the read loop for one connection lifetime: it
// drives Connecting → Startup/Ready, reads frames until the peer closes,
// then drains pending requests and returns to Disconnected.
func (c *Connection) handleConnected(ctx context.Context, conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connecting)

	reader := newFrameReader(conn)
	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- c.readLoop(reader)
	}()

	if err := c.completeHandshake(ctx); err != nil {
		c.logger.Warn("backend: handshake failed", "error", err)
		conn.Close()
		<-readErrCh
		c.teardown()
		return
	}

	if c.info.State == stateStartup {
		c.setState(Startup)
		go c.startupPollLoop(ctx)
	} else {
		c.setState(Ready)
		go c.announceAllRemoteMethods(ctx)
	}

	select {
	case <-readErrCh:
	case <-ctx.Done():
		conn.Close()
		<-readErrCh
	case <-c.stopCh:
		conn.Close()
		<-readErrCh
	}
	c.teardown()
}

func (c *Connection) teardown() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.pending.drain(errBackendDisconnected)
	c.setState(Disconnected)
}

// completeHandshake implements spec §4.4's Connecting state: issue "info"
// and record the reply. The baseline subscription is made by the state
// listener (internal/gateway) once this returns.
func (c *Connection) completeHandshake(ctx context.Context) error {
	info, err := c.requestInfo(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	return nil
}

func (c *Connection) requestInfo(ctx context.Context) (Info, error) {
	raw, err := c.Request(ctx, "info", nil, 10*time.Second)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("backend: decoding info reply: %w", err)
	}
	return info, nil
}

// startupPollLoop implements spec §4.4's Startup cadence: poll "info"
// every ~250ms, logging every Nth attempt, until a terminal state arrives.
func (c *Connection) startupPollLoop(ctx context.Context) {
	ticker := time.NewTicker(startupPollInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		if c.State() != Startup {
			return
		}
		attempt++

		info, err := c.requestInfo(ctx)
		if err != nil {
			if attempt%startupLogEveryN == 0 && attempt <= startupLogCeiling {
				c.logger.Warn("backend: startup info poll failed", "attempt", attempt, "error", err)
			}
			continue
		}
		c.mu.Lock()
		c.info = info
		c.mu.Unlock()

		switch info.State {
		case stateReady:
			c.setState(Ready)
			go c.announceAllRemoteMethods(ctx)
			return
		case stateShutdown, stateError:
			c.setState(ShutdownError)
			return
		case stateStartup:
			if attempt%startupLogEveryN == 0 && attempt <= startupLogCeiling {
				c.logger.Info("backend: still starting up", "attempt", attempt, "message", info.StateMessage)
			}
		default:
			// An unrecognized state is not a terminal one; keep polling
			// rather than assume readiness, per spec §4.4's "until the
			// backend reports a terminal startup state."
			if attempt%startupLogEveryN == 0 && attempt <= startupLogCeiling {
				c.logger.Warn("backend: unrecognized startup state", "attempt", attempt, "state", info.State)
			}
		}
	}
}

// readLoop decodes frames off conn until it errors (typically the peer
// closing), dispatching replies to the pending table and notifications to
// remote methods / the status handler.
func (c *Connection) readLoop(reader *frameReader) error {
	for {
		var env rawEnvelope
		if err := reader.readFrame(&env); err != nil {
			return err
		}
		c.handleFrame(env)
	}
}

type rawEnvelope struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (c *Connection) handleFrame(env rawEnvelope) {
	if env.ID != nil && env.Method == "" {
		var rpcErr error
		if len(env.Error) > 0 {
			rpcErr = decodeBackendError(env.Error)
		}
		if !c.pending.resolve(*env.ID, env.Result, rpcErr) {
			c.logger.Warn("backend: response for unknown request id dropped", "id", *env.ID)
		}
		return
	}

	if env.Method == "" {
		c.logger.Warn("backend: frame with neither method nor response id dropped")
		return
	}

	c.remoteMu.Lock()
	fn, ok := c.remoteMethods[env.Method]
	c.remoteMu.Unlock()
	if ok {
		fn(env.Params)
		return
	}
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(env.Method, env.Params)
	}
}

func decodeBackendError(raw json.RawMessage) error {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return gatewayerr.BackendUnavailable(asString)
	}
	var asObject struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		return gatewayerr.BackendUnavailable(asObject.Message)
	}
	return gatewayerr.BackendUnavailable("backend: error reply in unrecognized shape")
}

// Request issues method to the backend and blocks for its reply, failing
// with a timeout error if timeout elapses first (spec §4.4/§5). A zero
// timeout waits indefinitely (bounded by ctx).
func (c *Connection) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.doRequest(ctx, method, params, timeout)
	recordRequestLatency(ctx, method, start, err)
	return result, err
}

func (c *Connection) doRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, gatewayerr.BackendUnavailable("backend: not connected")
	}

	id, p := c.pending.register(method)

	c.writeMu.Lock()
	err := writeFrame(conn, map[string]any{"id": id, "method": method, "params": params})
	c.writeMu.Unlock()
	if err != nil {
		c.pending.cancel(id)
		return nil, fmt.Errorf("backend: writing request: %w", err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-p.done:
		return res.result, res.err
	case <-timeoutCh:
		c.pending.cancel(id)
		return nil, gatewayerr.Timeout(fmt.Sprintf("backend: request %q timed out after %s", method, timeout))
	case <-ctx.Done():
		c.pending.cancel(id)
		return nil, ctx.Err()
	case <-c.stopCh:
		c.pending.cancel(id)
		return nil, errBackendDisconnected
	}
}

// RequireReady fails fast for callers that need the Ready state, per spec
// §4.4's Shutdown/Error semantics: "RPCs that require readiness fail with
// a defined error."
func (c *Connection) RequireReady() error {
	if s := c.State(); s != Ready {
		return gatewayerr.BackendUnavailable(fmt.Sprintf("backend: not ready (state=%s)", s))
	}
	return nil
}

func (c *Connection) announceRemoteMethod(ctx context.Context, method string) error {
	_, err := c.Request(ctx, "register_remote_method", map[string]any{"method_name": method}, 5*time.Second)
	return err
}

// UnregisterRemoteMethod drops method from the registered set and, if the
// backend is reachable, asks it to forget the registration. Transports call
// this when the connection that registered the method closes (spec §4.6:
// "on close the backend connection is asked to unregister them").
func (c *Connection) UnregisterRemoteMethod(ctx context.Context, method string) error {
	c.remoteMu.Lock()
	delete(c.remoteMethods, method)
	c.remoteMu.Unlock()

	if c.State() != Ready {
		return nil
	}
	_, err := c.Request(ctx, "unregister_remote_method", map[string]any{"method_name": method}, 5*time.Second)
	return err
}

// announceAllRemoteMethods announces every registered remote method to the
// backend, per spec §4.4: "on the first transition into Ready the full
// registered set is announced."
func (c *Connection) announceAllRemoteMethods(ctx context.Context) {
	c.remoteMu.Lock()
	methods := make([]string, 0, len(c.remoteMethods))
	for m := range c.remoteMethods {
		methods = append(methods, m)
	}
	c.announced = true
	c.remoteMu.Unlock()

	for _, m := range methods {
		if err := c.announceRemoteMethod(ctx, m); err != nil {
			c.logger.Warn("backend: failed to announce remote method", "method", m, "error", err)
		}
	}
}

// Close stops the connection's background loops and closes any open
// socket.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ReconnectBackoff returns an exponential backoff policy for callers that
// need a bounded retry budget around dial attempts, e.g. for a one-shot
// health check at startup. Run does not use it: it re-dials on a fixed
// PollInterval ticker, and nothing in this module calls ReconnectBackoff.
func ReconnectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}
