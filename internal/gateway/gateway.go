// Package gateway wires every other package into one running daemon: the
// endpoint registry, the JSON-RPC dispatcher, the backend connection, the
// subscription engine, the persistence engine, and the four transports.
// Grounded structurally on the teacher's cmd/bd root command's component
// construction order (config -> storage -> services -> listeners) and on
// internal/rpc's server-wide supervising goroutine shape.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Arksine/moonraker-sub000/internal/backend"
	"github.com/Arksine/moonraker-sub000/internal/config"
	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/jsonrpc"
	"github.com/Arksine/moonraker-sub000/internal/lockfile"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/store"
	"github.com/Arksine/moonraker-sub000/internal/subscription"
	httptransport "github.com/Arksine/moonraker-sub000/internal/transport/http"
	internaltransport "github.com/Arksine/moonraker-sub000/internal/transport/internal"
	"github.com/Arksine/moonraker-sub000/internal/transport/mqtt"
	"github.com/Arksine/moonraker-sub000/internal/transport/uds"
	"github.com/Arksine/moonraker-sub000/internal/transport/ws"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// statusUpdateMethod is the response_template method name the subscription
// engine asks the backend to invoke on every status push (spec §4.5 step
// 4); the backend connection is told to treat it as a registered remote
// method rather than a generic notification so handleFrame routes it here
// instead of through OnStatus.
const statusUpdateMethod = "notify_status_update"

// baselineObjects are subscribed once the Connecting handshake completes,
// regardless of any client: the webhooks and gcode_move objects. The
// backend's gcode output stream is not subscribed.
var baselineObjects = map[string]any{
	"webhooks":  nil,
	"gcode_move": nil,
}

// Gateway owns the process singleton lock, every component, and every
// transport listener.
type Gateway struct {
	cfg    config.Config
	logger *slog.Logger

	processLock *lockfile.Guard

	registry   *registry.Registry
	dispatcher *jsonrpc.Dispatcher
	backendC   *backend.Connection
	engine     *subscription.Engine
	db         *store.Store

	httpServer *httptransport.Server
	udsListen  *uds.Listener
	mqttT      *mqtt.Transport
	caller     *internaltransport.Caller

	udsConnsMu sync.Mutex
	udsConns   map[string]*uds.Connection
}

// Options configures New.
type Options struct {
	Config      config.Config
	Logger      *slog.Logger
	LockPath    string // process-singleton lock file path; defaults to Config.Store.Path+".daemon.lock"
	EnableDebug bool
}

// New constructs a Gateway: it acquires the process lock, opens the
// persistence engine, builds every component and transport, and binds the
// agent Unix socket. It does not accept on that socket, serve HTTP,
// connect to the MQTT broker, or start the backend connect loop — Run
// does that.
func New(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = opts.Config.Store.Path + ".daemon.lock"
	}
	procLock, err := lockfile.Acquire(lockPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: acquiring process lock: %w", err)
	}

	db, err := store.Open(opts.Config.Store.Path, opts.Config.MQTT.InstanceName, logger)
	if err != nil {
		procLock.Release()
		return nil, fmt.Errorf("gateway: opening store: %w", err)
	}
	// moonraker's own reserved namespace is read-only over the public API,
	// matching the original's "moonraker" namespace restriction.
	if err := db.RegisterProtectedNamespace("moonraker"); err != nil {
		db.Close()
		procLock.Release()
		return nil, fmt.Errorf("gateway: registering protected namespace: %w", err)
	}

	reg := registry.New()

	g := &Gateway{
		cfg:         opts.Config,
		logger:      logger,
		processLock: procLock,
		registry:    reg,
		db:          db,
		udsConns:    make(map[string]*uds.Connection),
	}

	g.backendC = backend.New(backend.Options{
		SocketPath:    opts.Config.Backend.SocketPath,
		InstanceID:    opts.Config.MQTT.InstanceName,
		Logger:        logger,
		PollInterval:  opts.Config.Backend.PollInterval,
		OnStatus:      g.onBackendStatus,
		OnStateChange: g.onBackendStateChange,
	})
	// Engine needs a BackendRequester; backend.Connection satisfies the
	// interface structurally, so wire it after construction.
	g.engine = subscription.New(g.backendC, excludedFields(), logger)
	g.backendC.RegisterRemoteMethod(statusUpdateMethod, g.onStatusUpdate)

	g.dispatcher = jsonrpc.New(reg)
	g.caller = internaltransport.New(reg)

	g.registerCoreEndpoints()

	g.httpServer = httptransport.New(httptransport.Options{
		Addr:              opts.Config.Server.HTTPAddr,
		Registry:          reg,
		EnableDebug:       opts.EnableDebug,
		WebsocketHandler:  g.acceptWebsocket,
	})

	if opts.Config.MQTT.Enabled {
		g.mqttT = mqtt.New(mqtt.Options{
			Brokers:      opts.Config.MQTT.Brokers,
			ClientID:     opts.Config.MQTT.ClientID,
			Username:     opts.Config.MQTT.Username,
			Password:     opts.Config.MQTT.Password,
			InstanceName: opts.Config.MQTT.InstanceName,
			DefaultQoS:   opts.Config.MQTT.DefaultQoS,
			APIQoS:       opts.Config.MQTT.APIQoS,
			Dispatcher:   g.dispatcher,
			Logger:       logger,
		})
	}

	udsListen, err := uds.Listen(opts.Config.Agent.SocketPath, uds.Options{
		Dispatcher: g.dispatcher,
		Registry:   reg,
		Subs:       g.engine,
		Backend:    g.backendC,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		procLock.Release()
		return nil, fmt.Errorf("gateway: starting agent socket: %w", err)
	}
	udsListen.OnAccept = g.trackUDSConn
	g.udsListen = udsListen

	return g, nil
}

// Run starts every background loop and blocks until ctx is cancelled, then
// tears everything down in reverse order.
func (g *Gateway) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.backendC.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := g.udsListen.Serve(ctx); err != nil {
			g.logger.Warn("gateway: agent socket listener exited", "error", err)
		}
	}()

	if g.mqttT != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.mqttT.Run(ctx); err != nil {
				g.logger.Warn("gateway: mqtt transport exited", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := g.httpServer.ListenAndServe(ctx); err != nil {
			g.logger.Warn("gateway: http server exited", "error", err)
		}
	}()

	<-ctx.Done()
	wg.Wait()
	return g.Close()
}

// Close releases the persistence engine and the process lock. It does not
// stop Run's goroutines; callers cancel the context passed to Run first.
func (g *Gateway) Close() error {
	err := g.db.Close()
	g.processLock.Release()
	return err
}

// Caller returns the in-process TransportHandle, letting the CLI invoke
// registered endpoints directly (e.g. a health check) without opening a
// network connection to itself.
func (g *Gateway) Caller() *internaltransport.Caller { return g.caller }

// acceptWebsocket upgrades an HTTP request to a persistent WebSocket
// connection, mounted at /websocket on the same HTTP listener per spec
// §4.6.
func (g *Gateway) acceptWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, uuid.NewString(), ws.Options{
		Dispatcher: g.dispatcher,
		Registry:   g.registry,
		Subs:       g.engine,
		Backend:    g.backendC,
		Logger:     g.logger,
	})
	if err != nil {
		g.logger.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}
	conn.Serve(r.Context())
}

func (g *Gateway) trackUDSConn(c *uds.Connection) {
	g.udsConnsMu.Lock()
	g.udsConns[c.ID()] = c
	g.udsConnsMu.Unlock()
}

// onBackendStateChange implements the remaining two Connecting-state
// obligations of spec §4.4 that internal/backend itself can't perform
// without an upward dependency on internal/registry/internal/subscription:
// registering the backend's exposed endpoints and subscribing to baseline
// objects, both done once Connecting completes its handshake (the
// Connecting->Startup or Connecting->Ready transition), not deferred until
// Ready — the socket is already live and responsive at that point, and
// webhooks is itself how the gateway observes the rest of the Startup
// window, so waiting for Ready would miss it entirely.
func (g *Gateway) onBackendStateChange(from, to backend.State) {
	if from == backend.Connecting && (to == backend.Startup || to == backend.Ready) {
		go g.registerBackendEndpoints()
		go g.subscribeBaseline()
	}
}

// subscribeBaseline issues the baseline objects/subscribe call directly
// against the backend connection (not through the subscription engine,
// since there is no client handle to own this subscription), per spec
// §4.4's "subscribe to baseline objects" during Connecting.
func (g *Gateway) subscribeBaseline() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := g.backendC.Request(ctx, "objects/subscribe", map[string]any{
		"objects":           baselineObjects,
		"response_template": map[string]any{"method": statusUpdateMethod},
	}, 10*time.Second)
	if err != nil {
		g.logger.Warn("gateway: baseline subscribe failed", "error", err)
	}
}

// registerBackendEndpoints asks the backend for its exposed endpoint list
// and registers each as a remote definition that forwards to the backend
// connection, per spec §4.4/§6 ("list_endpoints returns {endpoints:
// [str]}").
func (g *Gateway) registerBackendEndpoints() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	raw, err := g.backendC.Request(ctx, "list_endpoints", nil, 10*time.Second)
	if err != nil {
		g.logger.Warn("gateway: list_endpoints failed", "error", err)
		return
	}
	var resp struct {
		Endpoints []string `json:"endpoints"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		g.logger.Warn("gateway: decoding list_endpoints reply", "error", err)
		return
	}
	for _, raw := range resp.Endpoints {
		if backend.ReservedMethods[raw] {
			continue
		}
		// list_endpoints reports backend method names without a leading
		// slash (e.g. "objects/query"); Register's Remote=true path
		// expects a leading-slash suffix to append under "/printer".
		endpoint := "/" + registryMethodName(raw)
		if _, err := g.registry.Register(registry.Options{
			Endpoint: endpoint,
			Remote:   true,
			Handler:  g.makeBackendProxyHandler(raw),
		}); err != nil {
			g.logger.Warn("gateway: registering backend endpoint failed", "endpoint", endpoint, "error", err)
		}
	}
}

// makeBackendProxyHandler returns a handler forwarding a request straight
// to the backend as a single RPC, per spec §4.4's "remote" definitions.
func (g *Gateway) makeBackendProxyHandler(endpoint string) webrequest.HandlerFunc {
	method := registryMethodName(endpoint)
	return func(ctx context.Context, req *webrequest.Request) (any, error) {
		if err := g.backendC.RequireReady(); err != nil {
			return nil, err
		}
		raw, err := g.backendC.Request(ctx, method, req.Args, 30*time.Second)
		if err != nil {
			return nil, err
		}
		var result any
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, gatewayerr.DecodeError("gateway: decoding backend reply", err)
		}
		return result, nil
	}
}

// onStatusUpdate decodes a backend-pushed status notification (the
// response_template callback the subscription engine installed) and fans
// it out to every subscribed handle and, if enabled, the MQTT status
// topic, per original_source/moonraker/components/klippy_connection.py's
// remote_methods dispatch and spec §4.5's final paragraph.
func (g *Gateway) onStatusUpdate(params json.RawMessage) {
	var payload struct {
		Status    map[string]map[string]any `json:"status"`
		EventTime float64                    `json:"eventtime"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		g.logger.Warn("gateway: decoding status update push", "error", err)
		return
	}
	g.engine.PushStatus(context.Background(), payload.Status)
	if g.mqttT != nil {
		g.mqttT.PushStatus(payload.Status, payload.EventTime)
	}
}

// onBackendStatus receives every backend notification not claimed by a
// registered remote method. Nothing in this gateway relies on an
// unclaimed notification today; it is logged at debug level so an
// unexpected backend notification is still visible.
func (g *Gateway) onBackendStatus(method string, params json.RawMessage) {
	g.logger.Debug("gateway: unhandled backend notification", "method", method)
}

func registryMethodName(endpoint string) string {
	trimmed := endpoint
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	return trimmed
}

// excludedFields mirrors moonraker's configfile exclusion: the "config"/
// "settings" fields of the configfile object are large and effectively
// static, so they're served to direct callers but never retained in the
// shared cache (spec §4.5 step 5).
func excludedFields() map[string]map[string]bool {
	return map[string]map[string]bool{
		"configfile": {"config": true, "settings": true},
	}
}
