// Package registry is the process-wide table of API definitions keyed by
// canonical endpoint path, per spec §3/§4.2.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// allowedHTTPPrefixes is the fixed prefix set from spec §3's invariant.
var allowedHTTPPrefixes = map[string]bool{
	"printer": true,
	"server":  true,
	"machine": true,
	"access":  true,
	"api":     true,
	"debug":   true,
}

// Definition is an immutable-once-published API definition (spec §3).
type Definition struct {
	Endpoint       string
	HTTPPath       string
	RPCMethods     []string // one per RequestType, or a single dotted name
	RequestTypes   []webrequest.RequestType
	Transports     map[webrequest.TransportType]bool
	Handler        webrequest.HandlerFunc
	AuthRequired   bool
	Remote         bool
	DebugOnly      bool
}

// Options configures Register; it is the Go equivalent of spec §9's
// "dynamic named parameters" becoming an explicit config struct.
type Options struct {
	Endpoint     string
	RequestTypes []webrequest.RequestType
	Handler      webrequest.HandlerFunc
	// Transports defaults to the full set {HTTP, Websocket, MQTT, Internal}
	// when nil, per spec §9.
	Transports   []webrequest.TransportType
	AuthRequired *bool // defaults to true
	Remote       bool
	DebugOnly    bool
}

var defaultTransports = []webrequest.TransportType{
	webrequest.TransportHTTP,
	webrequest.TransportWebsocket,
	webrequest.TransportMQTT,
	webrequest.TransportInternal,
}

// Registry is the process-wide, append-mostly endpoint table. It must only
// be mutated during component initialization, before transports accept
// traffic (spec §5).
type Registry struct {
	mu         sync.RWMutex
	byEndpoint map[string]*Definition
	byMethod   map[string]*Definition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byEndpoint: make(map[string]*Definition),
		byMethod:   make(map[string]*Definition),
	}
}

// Register publishes a new API definition. It is idempotent per endpoint:
// a second call for an already-registered endpoint returns the first
// definition unchanged (spec §3/§8 round-trip law).
func (r *Registry) Register(opts Options) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byEndpoint[opts.Endpoint]; ok {
		return existing, nil
	}

	transports := opts.Transports
	if transports == nil {
		transports = defaultTransports
	}
	transportSet := make(map[webrequest.TransportType]bool, len(transports))
	for _, t := range transports {
		transportSet[t] = true
	}

	authRequired := true
	if opts.AuthRequired != nil {
		authRequired = *opts.AuthRequired
	}

	requestTypes := opts.RequestTypes
	var httpPath string
	var methods []string

	if opts.Remote {
		// Remote definitions accept both GET and POST and derive their
		// single JSON-RPC method from the dotted path (spec §3, §8).
		requestTypes = []webrequest.RequestType{webrequest.RequestGet, webrequest.RequestPost}
		httpPath = "/printer" + opts.Endpoint
		methods = []string{endpointToMethod(opts.Endpoint)}
	} else {
		httpPath = opts.Endpoint
		methods = deriveMethods(opts.Endpoint, requestTypes, transportSet)
	}

	if transportSet[webrequest.TransportHTTP] {
		if err := validateHTTPPrefix(httpPath); err != nil {
			return nil, err
		}
	}

	def := &Definition{
		Endpoint:     opts.Endpoint,
		HTTPPath:     httpPath,
		RPCMethods:   methods,
		RequestTypes: requestTypes,
		Transports:   transportSet,
		Handler:      opts.Handler,
		AuthRequired: authRequired,
		Remote:       opts.Remote,
		DebugOnly:    opts.DebugOnly,
	}

	r.byEndpoint[opts.Endpoint] = def
	for _, m := range methods {
		r.byMethod[m] = def
	}
	return def, nil
}

// deriveMethods computes the JSON-RPC method name set: a single dotted name
// when one request-type is served, or one name per request-type on
// non-HTTP transports when multiple request-types are served (spec §3).
func deriveMethods(endpoint string, requestTypes []webrequest.RequestType, transports map[webrequest.TransportType]bool) []string {
	base := endpointToMethod(endpoint)
	nonHTTPServed := transports[webrequest.TransportWebsocket] || transports[webrequest.TransportMQTT] || transports[webrequest.TransportUDS] || transports[webrequest.TransportInternal]

	if len(requestTypes) <= 1 || !nonHTTPServed {
		return []string{base}
	}

	methods := make([]string, 0, len(requestTypes))
	for _, rt := range requestTypes {
		methods = append(methods, strings.ToLower(string(rt))+"."+base)
	}
	return methods
}

func endpointToMethod(endpoint string) string {
	trimmed := strings.TrimPrefix(endpoint, "/")
	return strings.ReplaceAll(trimmed, "/", ".")
}

func validateHTTPPrefix(httpPath string) error {
	trimmed := strings.TrimPrefix(httpPath, "/")
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) == 0 || !allowedHTTPPrefixes[segments[0]] {
		return fmt.Errorf("registry: http path %q does not start with a permitted prefix", httpPath)
	}
	return nil
}

// LookupByMethod resolves a JSON-RPC method name to its definition.
func (r *Registry) LookupByMethod(method string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byMethod[method]
	return d, ok
}

// LookupByEndpoint resolves a canonical endpoint path to its definition.
func (r *Registry) LookupByEndpoint(endpoint string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byEndpoint[endpoint]
	return d, ok
}

// List returns every registered definition, for the debug-only listing
// endpoint (spec §4.2).
func (r *Registry) List(includeDebugOnly bool) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.byEndpoint))
	for _, d := range r.byEndpoint {
		if d.DebugOnly && !includeDebugOnly {
			continue
		}
		out = append(out, d)
	}
	return out
}
