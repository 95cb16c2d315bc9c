package backend

import (
	"encoding/json"
	"sync"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
)

// pendingRequest is one outbound call awaiting a matching response, per
// spec §3's BackendRequest: "monotonic id, RPC method, params, completion
// slot (resolved with a result or an error)."
type pendingRequest struct {
	method string
	done   chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// pendingTable is the backend connection's outbound request-correlation
// table, owned exclusively by the connection (spec §5).
type pendingTable struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[int64]*pendingRequest)}
}

// register allocates a new monotonic id and records the pending entry.
func (t *pendingTable) register(method string) (int64, *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	p := &pendingRequest{method: method, done: make(chan pendingResult, 1)}
	t.entries[id] = p
	return id, p
}

// resolve completes the pending entry for id, if any, and removes it.
// Reports whether a matching entry was found.
func (t *pendingTable) resolve(id int64, result json.RawMessage, rpcErr error) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- pendingResult{result: result, err: rpcErr}
	return true
}

// cancel removes id from the table without resolving it (used by the
// timeout path, which resolves the caller's future itself).
func (t *pendingTable) cancel(id int64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// drain completes every pending entry with err and clears the table, per
// spec §4.4: "on disconnect every pending future is completed with a
// 'backend disconnected' error and the table is cleared."
func (t *pendingTable) drain(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int64]*pendingRequest)
	t.mu.Unlock()

	for _, p := range entries {
		p.done <- pendingResult{err: err}
	}
}

var errBackendDisconnected = gatewayerr.BackendUnavailable("backend: connection closed; pending request cancelled")
