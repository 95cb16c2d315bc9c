package http

import (
	"context"
	"fmt"

	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// handle is the per-request TransportHandle for the HTTP REST projection,
// per spec §3: "HTTP (one per request)". It has no push channel: SendStatus
// and WriteFrame always fail, matching spec §4.3's webrequest.Handle
// capability doc.
type handle struct {
	remoteAddr string
	principal  *webrequest.Principal
}

func (h *handle) TransportType() webrequest.TransportType { return webrequest.TransportHTTP }
func (h *handle) PeerPrincipal() *webrequest.Principal    { return h.principal }
func (h *handle) PeerAddress() string                     { return h.remoteAddr }

// ScreenRPCRequest is a no-op on HTTP, per spec §4.3 step 5 ("auth
// enforcement on WebSocket/UDS transports; no-op elsewhere"). Identity
// verification for HTTP is an external collaborator per spec §1.
func (h *handle) ScreenRPCRequest(ctx context.Context, req *webrequest.Request) error {
	return nil
}

func (h *handle) SendStatus(ctx context.Context, method string, params any) error {
	return fmt.Errorf("http: transport has no push channel")
}

func (h *handle) WriteFrame(ctx context.Context, frame []byte) error {
	return fmt.Errorf("http: transport has no push channel")
}

func (h *handle) Close() error { return nil }
