package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/Arksine/moonraker-sub000/internal/backend"
	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/subscription"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// identifier is implemented by transports that carry a per-connection
// client-identification record (currently only WebSocket; spec §4.6).
type identifier interface {
	Identify(name, version, clientType, url string, principal *webrequest.Principal)
}

// principalSetter is implemented by transports whose authenticated
// identity is set out-of-band rather than carried by every request
// (the agent UDS transport; spec §4.6).
type principalSetter interface {
	SetPrincipal(p *webrequest.Principal)
}

// registerCoreEndpoints publishes the gateway-owned (non-backend-proxied)
// API surface: server identity/status, the public subscribe endpoint, the
// persistence engine's namespace API, and the debug-only listings. All of
// spec §4.2's registry invariants (permitted HTTP prefixes, remote=false
// here since these are locally handled, not backend passthroughs) apply.
func (g *Gateway) registerCoreEndpoints() {
	g.mustRegister(registry.Options{
		Endpoint:     "/server/info",
		RequestTypes: []webrequest.RequestType{webrequest.RequestGet},
		Handler:      g.handleServerInfo,
	})

	g.mustRegister(registry.Options{
		Endpoint:     "/server/connection/identify",
		RequestTypes: []webrequest.RequestType{webrequest.RequestPost},
		Handler:      g.handleIdentify,
	})

	g.mustRegister(registry.Options{
		Endpoint:     "/printer/objects/subscribe",
		RequestTypes: []webrequest.RequestType{webrequest.RequestPost},
		Handler:      g.handleSubscribe,
	})

	g.mustRegister(registry.Options{
		Endpoint:     "/server/database/item",
		RequestTypes: []webrequest.RequestType{webrequest.RequestGet, webrequest.RequestPost, webrequest.RequestDelete},
		Handler:      g.handleDatabaseItem,
	})

	g.mustRegister(registry.Options{
		Endpoint:     "/server/database/list",
		RequestTypes: []webrequest.RequestType{webrequest.RequestGet},
		Handler:      g.handleDatabaseList,
	})

	g.mustRegister(registry.Options{
		Endpoint:     "/debug/endpoints",
		RequestTypes: []webrequest.RequestType{webrequest.RequestGet},
		DebugOnly:    true,
		Handler:      g.handleDebugEndpoints,
	})

	g.mustRegister(registry.Options{
		Endpoint:     "/debug/subscriptions",
		RequestTypes: []webrequest.RequestType{webrequest.RequestGet},
		DebugOnly:    true,
		Handler:      g.handleDebugSubscriptions,
	})
}

func (g *Gateway) mustRegister(opts registry.Options) {
	if _, err := g.registry.Register(opts); err != nil {
		// Only a permitted-HTTP-prefix violation on a definition authored
		// in this package can reach here; that's a programming error, not
		// a runtime condition to recover from.
		panic(fmt.Sprintf("gateway: registering %s: %v", opts.Endpoint, err))
	}
}

func (g *Gateway) handleServerInfo(ctx context.Context, req *webrequest.Request) (any, error) {
	info := g.backendC.Info()
	return map[string]any{
		"klippy_connected":    g.backendC.State() == backend.Ready,
		"klippy_state":        info.State,
		"state_message":       info.StateMessage,
		"software_version":    info.SoftwareVersion,
		"klippy_path":         info.KlippyPath,
		"python_path":         info.PythonPath,
	}, nil
}

func (g *Gateway) handleIdentify(ctx context.Context, req *webrequest.Request) (any, error) {
	name, _ := req.Arg("client_name")
	version, _ := req.Arg("version")
	clientType, _ := req.Arg("type")
	url, _ := req.Arg("url")

	nameS, _ := name.(string)
	versionS, _ := version.(string)
	clientTypeS, _ := clientType.(string)
	urlS, _ := url.(string)

	if id, ok := req.Handle.(identifier); ok {
		id.Identify(nameS, versionS, clientTypeS, urlS, req.Principal)
	} else if ps, ok := req.Handle.(principalSetter); ok {
		ps.SetPrincipal(req.Principal)
	}
	return map[string]any{"connection_id": req.Handle.PeerAddress()}, nil
}

func (g *Gateway) handleSubscribe(ctx context.Context, req *webrequest.Request) (any, error) {
	objects, ok := req.Args["objects"].(map[string]any)
	if !ok {
		return nil, gatewayerr.InvalidParams("subscribe: \"objects\" must be an object")
	}
	desc := subscription.Descriptor{Objects: make(subscription.ObjectFields, len(objects))}
	for name, rawFields := range objects {
		if rawFields == nil {
			desc.Objects[name] = nil
			continue
		}
		list, ok := rawFields.([]any)
		if !ok {
			return nil, gatewayerr.InvalidParams(fmt.Sprintf("subscribe: field list for %q must be an array or null", name))
		}
		fields := make([]string, 0, len(list))
		for _, f := range list {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
		desc.Objects[name] = fields
	}

	status, err := g.engine.Subscribe(ctx, req.Handle, desc)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": status, "eventtime": float64(time.Now().UnixMilli()) / 1000}, nil
}

func (g *Gateway) handleDatabaseItem(ctx context.Context, req *webrequest.Request) (any, error) {
	nsArg, _ := req.Arg("namespace")
	keyArg, _ := req.Arg("key")
	ns, _ := nsArg.(string)
	key, _ := keyArg.(string)
	if ns == "" || key == "" {
		return nil, gatewayerr.InvalidParams("database: \"namespace\" and \"key\" are required")
	}

	switch req.RequestType {
	case webrequest.RequestGet:
		if def, hasDefault := req.Arg("default"); hasDefault {
			v, err := g.db.GetItemOrDefault(ns, key, def)
			if err != nil {
				return nil, err
			}
			return map[string]any{"namespace": ns, "key": key, "value": v}, nil
		}
		v, err := g.db.GetItem(ns, key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"namespace": ns, "key": key, "value": v}, nil
	case webrequest.RequestPost:
		value, _ := req.Arg("value")
		if err := g.db.InsertItem(ns, key, value); err != nil {
			return nil, err
		}
		return map[string]any{"namespace": ns, "key": key, "value": value}, nil
	case webrequest.RequestDelete:
		v, _, err := g.db.DeleteItem(ns, key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"namespace": ns, "key": key, "value": v}, nil
	default:
		return nil, gatewayerr.InvalidParams("database: unsupported request type")
	}
}

func (g *Gateway) handleDatabaseList(ctx context.Context, req *webrequest.Request) (any, error) {
	// The persistence engine's namespace_store table has no dedicated
	// "list namespaces" query; "moonraker" is the one namespace every
	// installation is guaranteed to have (it's registered protected at
	// startup), so the list always holds just that one. Namespaces a
	// caller has written to are not listed.
	return map[string]any{"namespaces": []string{"moonraker"}}, nil
}

func (g *Gateway) handleDebugEndpoints(ctx context.Context, req *webrequest.Request) (any, error) {
	defs := g.registry.List(true)
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"endpoint":   d.Endpoint,
			"http_path":  d.HTTPPath,
			"methods":    d.RPCMethods,
			"remote":     d.Remote,
			"debug_only": d.DebugOnly,
		})
	}
	return out, nil
}

func (g *Gateway) handleDebugSubscriptions(ctx context.Context, req *webrequest.Request) (any, error) {
	return g.engine.DebugListing(), nil
}
