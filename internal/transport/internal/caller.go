// Package internal implements the in-process caller TransportHandle variant
// of spec §3 ("Internal (in-process caller)"): a trusted, same-process
// caller (the gateway's own CLI subcommands, startup hooks, or other
// components) invoking a registered endpoint's handler directly, with no
// wire encoding and no network hop. Structurally mirrors
// internal/transport/http's one-shot bypass of jsonrpc.Dispatcher — like
// HTTP, an internal call has no persistent connection and nothing to route
// a push notification through — but skips HTTP's path/method routing and
// argument merging entirely, since the caller already has a typed argument
// map in hand.
package internal

import (
	"context"
	"fmt"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// Caller is a reusable webrequest.Handle for in-process endpoint
// invocation. It carries no per-call state, so a single Caller may be
// shared across goroutines and calls.
type Caller struct {
	registry *registry.Registry
}

// New builds a Caller over reg.
func New(reg *registry.Registry) *Caller {
	return &Caller{registry: reg}
}

// Call looks up endpoint in the registry and invokes its handler directly,
// bypassing jsonrpc.Dispatcher and any transport framing. It is the
// equivalent of an HTTP request for code running inside the gateway
// process itself.
func (c *Caller) Call(ctx context.Context, endpoint string, rt webrequest.RequestType, args map[string]any) (any, error) {
	def, ok := c.registry.LookupByEndpoint(endpoint)
	if !ok {
		return nil, gatewayerr.MethodNotFound(fmt.Sprintf("no endpoint registered for %q", endpoint))
	}
	if !def.Transports[webrequest.TransportInternal] {
		return nil, gatewayerr.TransportNotAllowed(fmt.Sprintf("endpoint %q does not allow the internal transport", endpoint))
	}
	allowed := false
	for _, t := range def.RequestTypes {
		if t == rt {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, gatewayerr.TransportNotAllowed(fmt.Sprintf("endpoint %q does not accept request type %s", endpoint, rt))
	}

	req := &webrequest.Request{
		Endpoint:    endpoint,
		Args:        args,
		RequestType: rt,
		Handle:      c,
	}
	return def.Handler(ctx, req)
}

// TransportType implements webrequest.Handle.
func (c *Caller) TransportType() webrequest.TransportType { return webrequest.TransportInternal }

// PeerPrincipal implements webrequest.Handle: an in-process caller runs with
// the gateway process's own trust, not an authenticated end-user identity.
func (c *Caller) PeerPrincipal() *webrequest.Principal { return nil }

// PeerAddress implements webrequest.Handle.
func (c *Caller) PeerAddress() string { return "internal" }

// ScreenRPCRequest is a no-op: the internal transport is only reachable by
// code already running inside the gateway process, so there is no
// transport-boundary auth to enforce (spec §3's TransportHandle variant
// table; spec §4.3 step 5 only applies auth screening to the externally
// reachable transports).
func (c *Caller) ScreenRPCRequest(ctx context.Context, req *webrequest.Request) error {
	return nil
}

// SendStatus implements webrequest.Handle. An internal caller has no
// persistent connection to push a subscription update to.
func (c *Caller) SendStatus(ctx context.Context, method string, params any) error {
	return fmt.Errorf("internal: transport has no push channel")
}

// WriteFrame implements webrequest.Handle.
func (c *Caller) WriteFrame(ctx context.Context, frame []byte) error {
	return fmt.Errorf("internal: transport has no raw-frame channel")
}

// Close implements webrequest.Handle; there is no connection to release.
func (c *Caller) Close() error { return nil }
