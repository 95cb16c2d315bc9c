package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

func newTestRegistry(t *testing.T) *registry.Registry {
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

	_, err = reg.Register(registry.Options{
		Endpoint:     "/printer/gcode/script",
		RequestTypes: []webrequest.RequestType{webrequest.RequestPost},
		Handler: func(ctx context.Context, req *webrequest.Request) (any, error) {
			script, _ := req.Arg("script")
			return map[string]any{"echo": script}, nil
		},
	})
	require.NoError(t, err)

	_, err = reg.Register(registry.Options{
		Endpoint:     "/printer/missing",
		RequestTypes: []webrequest.RequestType{webrequest.RequestGet},
		Handler: func(ctx context.Context, req *webrequest.Request) (any, error) {
			return nil, gatewayerr.MethodNotFound("no such object")
		},
	})
	require.NoError(t, err)

	_, err = reg.Register(registry.Options{
		Endpoint:     "/debug/diag",
		RequestTypes: []webrequest.RequestType{webrequest.RequestGet},
		DebugOnly:    true,
		Handler: func(ctx context.Context, req *webrequest.Request) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	})
	require.NoError(t, err)

	return reg
}

func TestHTTPGetEndpointReturnsResult(t *testing.T) {
	reg := newTestRegistry(t)
	srv := New(Options{Registry: reg})

	req := httptest.NewRequest(http.MethodGet, "/printer/info", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["result"].(map[string]any)["state"])
}

func TestHTTPPostMergesBodyIntoArgs(t *testing.T) {
	reg := newTestRegistry(t)
	srv := New(Options{Registry: reg})

	req := httptest.NewRequest(http.MethodPost, "/printer/gcode/script?script=ignored", bytes.NewBufferString(`{"script":"G28"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "G28", body["result"].(map[string]any)["echo"], "body must win over query param on conflict")
}

func TestHTTPHandlerErrorMapsToStatus(t *testing.T) {
	reg := newTestRegistry(t)
	srv := New(Options{Registry: reg})

	req := httptest.NewRequest(http.MethodGet, "/printer/missing", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPDebugEndpointHiddenByDefault(t *testing.T) {
	reg := newTestRegistry(t)
	srv := New(Options{Registry: reg})

	req := httptest.NewRequest(http.MethodGet, "/debug/diag", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPDebugEndpointServedWhenEnabled(t *testing.T) {
	reg := newTestRegistry(t)
	srv := New(Options{Registry: reg, EnableDebug: true})

	req := httptest.NewRequest(http.MethodGet, "/debug/diag", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPWrongMethodNotAllowed(t *testing.T) {
	reg := newTestRegistry(t)
	srv := New(Options{Registry: reg})

	req := httptest.NewRequest(http.MethodPost, "/printer/info", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
