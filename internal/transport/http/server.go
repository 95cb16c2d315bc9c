// Package http implements the HTTP REST projection of spec §4.6: each
// endpoint with HTTP in its transport set that is registered when the
// Server is built is reachable at its HTTP path under the allowed
// request-types. Grounded structurally on the teacher's
// internal/rpc/http_server.go (net/http.ServeMux + http.Server +
// context-driven graceful shutdown).
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/logging"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// Options configures Server.
type Options struct {
	Addr        string
	Registry    *registry.Registry
	EnableDebug bool // serve endpoints registered under /debug/

	// WebsocketHandler, if set, is mounted at /websocket on the same
	// listener, per spec §4.6: WebSocket upgrades share the HTTP server's
	// port. internal/gateway supplies this so the http package itself
	// stays independent of internal/transport/ws.
	WebsocketHandler http.HandlerFunc
}

// Server serves the HTTP REST projection of the endpoint registry.
type Server struct {
	opts   Options
	http   *http.Server
	logger func(ctx context.Context) interface{ Debug(string, ...any) }
}

// New builds the http.Server and its ServeMux from the current registry
// contents. Routes are fixed at this point: definitions registered after
// New returns, such as the backend's remote endpoints that the gateway
// adds once the backend connects, are not routed over HTTP.
func New(opts Options) *Server {
	mux := http.NewServeMux()
	s := &Server{opts: opts}

	for _, def := range opts.Registry.List(true) {
		if def.DebugOnly && !opts.EnableDebug {
			continue
		}
		if !def.Transports[webrequest.TransportHTTP] {
			continue
		}
		for _, rt := range def.RequestTypes {
			pattern := string(rt) + " " + def.HTTPPath
			mux.HandleFunc(pattern, s.makeHandler(def, rt))
		}
	}

	if opts.WebsocketHandler != nil {
		mux.HandleFunc("/websocket", opts.WebsocketHandler)
	}

	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) makeHandler(def *registry.Definition, rt webrequest.RequestType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args, err := mergeArgs(r)
		if err != nil {
			writeError(w, gatewayerr.InvalidParams(err.Error()))
			return
		}

		h := &handle{remoteAddr: r.RemoteAddr}
		req := &webrequest.Request{
			Endpoint:    def.Endpoint,
			Args:        args,
			RequestType: rt,
			Handle:      h,
			RemoteIP:    r.RemoteAddr,
		}

		if err := h.ScreenRPCRequest(r.Context(), req); err != nil {
			writeError(w, err)
			return
		}

		logging.From(r.Context()).Debug("http: dispatch", "endpoint", def.Endpoint, "method", rt)

		result, err := def.Handler(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, result)
	}
}

// mergeArgs merges query parameters and a JSON body into a single argument
// map, per spec §4.6: "bodies and query parameters are merged into the
// argument map (body wins on conflict)."
func mergeArgs(r *http.Request) (map[string]any, error) {
	args := make(map[string]any)
	for key, values := range r.URL.Query() {
		if len(values) == 1 {
			args[key] = values[0]
		} else {
			vals := make([]any, len(values))
			for i, v := range values {
				vals[i] = v
			}
			args[key] = vals
		}
	}

	if r.Body != nil && r.ContentLength != 0 {
		var body map[string]any
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&body); err != nil {
			// io.EOF alone means an empty body, which is fine with no
			// args to merge; anything else, including the truncated-body
			// io.ErrUnexpectedEOF, is a genuine decode failure.
			if !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("http: decoding request body: %w", err)
			}
		}
		for k, v := range body {
			args[k] = v
		}
	}
	return args, nil
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func writeError(w http.ResponseWriter, err error) {
	gerr, ok := gatewayerr.As(err)
	status := 500
	message := err.Error()
	if ok {
		status = gatewayerr.HTTPStatus(gerr)
		message = gerr.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": message}})
}
