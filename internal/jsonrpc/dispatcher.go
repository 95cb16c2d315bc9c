package jsonrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/logging"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// ResponseRouter is implemented by transports that track pending
// server-initiated calls; a received envelope with no "method" is a
// response to one of those calls and is routed here instead of dispatched
// (spec §4.3 step 3).
type ResponseRouter interface {
	RouteResponse(id json.RawMessage, result json.RawMessage, rpcErr *ResponseError)
}

// Dispatcher parses, validates, routes, and responds to JSON-RPC requests
// and batches, per spec §4.3.
type Dispatcher struct {
	registry *registry.Registry
}

// New creates a Dispatcher bound to the given endpoint registry.
func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Dispatch decodes one raw frame (a single envelope or a batch array) and
// returns the encoded response to send back, or nil if nothing should be
// sent (a notification, an all-notification batch, or an empty batch's
// error still produces bytes — see below).
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, handle webrequest.Handle) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return mustEncode(errorResponse(nil, gatewayerr.CodeParseError, "Parse error", nil))
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return mustEncode(errorResponse(nil, gatewayerr.CodeParseError, "Parse error", nil))
		}
		if len(batch) == 0 {
			return mustEncode(errorResponse(nil, gatewayerr.CodeInvalidRequest, "Invalid Request", nil))
		}
		return d.dispatchBatch(ctx, batch, handle)
	}

	var env Request
	if err := json.Unmarshal(raw, &env); err != nil {
		return mustEncode(errorResponse(nil, gatewayerr.CodeParseError, "Parse error", nil))
	}
	resp := d.dispatchOne(ctx, &env, handle)
	if resp == nil {
		return nil
	}
	return mustEncode(resp)
}

// dispatchBatch processes each envelope concurrently; spec §4.3 step 2
// explicitly allows either ordering, since responses carry their own id.
func (d *Dispatcher) dispatchBatch(ctx context.Context, batch []json.RawMessage, handle webrequest.Handle) []byte {
	responses := make([]*Response, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range batch {
		i, raw := i, raw
		g.Go(func() error {
			var env Request
			if err := json.Unmarshal(raw, &env); err != nil {
				responses[i] = errorResponse(nil, gatewayerr.CodeParseError, "Parse error", nil)
				return nil
			}
			responses[i] = d.dispatchOne(gctx, &env, handle)
			return nil
		})
	}
	// Errors are never returned by the goroutines above; this only
	// guarantees every goroutine has finished.
	_ = g.Wait()

	out := make([]*Response, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return mustEncode(errorResponse(nil, 500, "Internal error", nil))
	}
	return b
}

// dispatchOne runs steps 3-7 of spec §4.3 for a single envelope. It
// returns nil for notifications and routed responses.
func (d *Dispatcher) dispatchOne(ctx context.Context, env *Request, handle webrequest.Handle) *Response {
	if env.JSONRPC != "2.0" {
		return errorResponse(env.ID, gatewayerr.CodeInvalidRequest, "Invalid Request", nil)
	}

	if env.IsResponse() {
		if router, ok := handle.(ResponseRouter); ok {
			router.RouteResponse(env.ID, env.Result, env.Error)
		} else {
			logging.From(ctx).Warn("jsonrpc: response with no router for this transport", "id", string(env.ID))
		}
		return nil
	}

	def, ok := d.registry.LookupByMethod(env.Method)
	if !ok {
		return d.maybeRespond(env, errorResponse(env.ID, gatewayerr.CodeMethodNotFound, "Method not found", nil))
	}
	// A Unix-socket agent connection is served like a WebSocket one: it may
	// call any endpoint that allows WebSocket.
	transport := handle.TransportType()
	allowed := def.Transports[transport] ||
		(transport == webrequest.TransportUDS && def.Transports[webrequest.TransportWebsocket])
	if !allowed {
		return d.maybeRespond(env, errorResponse(env.ID, gatewayerr.CodeMethodNotFound,
			"Method not found: not available on "+string(handle.TransportType()), nil))
	}

	var args map[string]any
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &args); err != nil {
			return d.maybeRespond(env, errorResponse(env.ID, gatewayerr.CodeInvalidParams, "Invalid params: params must be an object", nil))
		}
	}

	req := &webrequest.Request{
		Endpoint:    def.Endpoint,
		Args:        args,
		RequestType: requestTypeFor(def, env.Method),
		Handle:      handle,
		RemoteIP:    handle.PeerAddress(),
		Principal:   handle.PeerPrincipal(),
	}
	if err := handle.ScreenRPCRequest(ctx, req); err != nil {
		return d.maybeRespond(env, errFromGateway(env.ID, err))
	}

	d.logCall(ctx, env.Method, args)

	result, err := traceHandler(ctx, env.Method, string(handle.TransportType()), func(ctx context.Context) (any, error) {
		return def.Handler(ctx, req)
	})
	if err != nil {
		return d.maybeRespond(env, errFromGateway(env.ID, err))
	}
	if env.IsNotification() {
		return nil
	}
	return newResponse(env.ID, result, nil)
}

func (d *Dispatcher) maybeRespond(env *Request, resp *Response) *Response {
	if env.IsNotification() {
		return nil
	}
	return resp
}

func requestTypeFor(def *registry.Definition, method string) webrequest.RequestType {
	if len(def.RequestTypes) == 1 {
		return def.RequestTypes[0]
	}
	lower := strings.ToLower(method)
	for _, rt := range def.RequestTypes {
		if strings.HasPrefix(lower, strings.ToLower(string(rt))+".") {
			return rt
		}
	}
	if len(def.RequestTypes) > 0 {
		return def.RequestTypes[0]
	}
	return webrequest.RequestGet
}

// errFromGateway maps a handler error to a JSON-RPC error response per
// spec §4.3 step 6: 404 -> -32601, 401 -> -32602, anything else propagates
// as its own numeric code, unrecognized errors become 500.
func errFromGateway(id json.RawMessage, err error) *Response {
	gerr, ok := gatewayerr.As(err)
	if !ok {
		return errorResponse(id, 500, err.Error(), nil)
	}
	return errorResponse(id, gatewayerr.RPCCode(gerr), gerr.Message, gerr.Data)
}

// redactedFieldsByMethod names, per method, the params fields whose values
// are never logged verbatim (spec §4.3 "Logging").
var redactedFieldsByMethod = map[string][]string{
	"server.connection.identify": {"access_token", "api_key"},
}

func (d *Dispatcher) logCall(ctx context.Context, method string, args map[string]any) {
	logger := logging.From(ctx)
	if strings.HasPrefix(method, "access.") {
		logger.Debug("jsonrpc: dispatch", "method", method, "args", "[redacted]")
		return
	}
	if redactedFields, ok := redactedFieldsByMethod[method]; ok {
		logged := make(map[string]any, len(args))
		for k, v := range args {
			logged[k] = v
		}
		for _, f := range redactedFields {
			if _, present := logged[f]; present {
				logged[f] = "[redacted]"
			}
		}
		logger.Debug("jsonrpc: dispatch", "method", method, "args", logged)
		return
	}
	logger.Debug("jsonrpc: dispatch", "method", method, slog.Any("args", args))
}

func mustEncode(r *Response) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":500,"message":"Internal error"},"id":null}`)
	}
	return b
}
