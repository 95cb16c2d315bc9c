package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// BackendRequester is the subset of *backend.Connection the engine needs;
// kept as an interface so tests can fake the backend round trip without
// standing up a real socket.
type BackendRequester interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// subscribeResponse mirrors spec §6's objects/subscribe reply shape.
type subscribeResponse struct {
	Status    map[string]map[string]any `json:"status"`
	EventTime float64                   `json:"eventtime"`
}

// Engine implements spec §4.5: the per-handle subscription table, the
// shared status cache, and the subscribe-mutex serializing subscribe
// operations.
type Engine struct {
	backend BackendRequester
	logger  *slog.Logger

	// excluded names fields that are large and effectively static (e.g.
	// "configfile"'s "config"/"settings"), per spec §4.5 step 5: present
	// to callers but never retained in the cache.
	excluded map[string]map[string]bool

	mu    sync.Mutex // the single subscribe-mutex, spec §4.5
	table map[webrequest.Handle]Descriptor
	cache *statusCache
}

// New constructs an Engine. excluded may be nil.
func New(backend BackendRequester, excluded map[string]map[string]bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if excluded == nil {
		excluded = make(map[string]map[string]bool)
	}
	return &Engine{
		backend:  backend,
		logger:   logger,
		excluded: excluded,
		table:    make(map[webrequest.Handle]Descriptor),
		cache:    newStatusCache(),
	}
}

// Subscribe implements spec §4.5's eight-step subscribe algorithm.
func (e *Engine) Subscribe(ctx context.Context, handle webrequest.Handle, req Descriptor) (map[string]map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 2: remove any prior descriptor for the calling handle.
	delete(e.table, handle)

	// Step 3: union across all remaining descriptors plus the request.
	descriptors := make([]Descriptor, 0, len(e.table)+1)
	for _, d := range e.table {
		descriptors = append(descriptors, d)
	}
	descriptors = append(descriptors, req)
	merged := union(descriptors)

	// Step 4: issue the union as a single subscription to the backend.
	raw, err := e.backend.Request(ctx, "objects/subscribe", map[string]any{
		"objects":           merged,
		"response_template": map[string]any{"method": "notify_status_update"},
	}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	var resp subscribeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, gatewayerr.DecodeError("subscription: decoding objects/subscribe reply", err)
	}

	// Step 5: diff against the cache, update it, drop stale objects,
	// applying the exclusion set.
	diff := e.cache.diffMerge(resp.Status, e.excluded)

	// Step 6: install the caller's descriptor.
	e.table[handle] = req

	// Step 7: prune the returned snapshot to the caller's request.
	pruned := project(resp.Status, req)

	// Step 8: manually push the diff to all existing subscribers (the
	// ones other than the one just (re)installed, since it already has
	// the fresh snapshot as its direct return value). MQTT subscribers are
	// skipped: only socket subscribers receive this push.
	if len(diff) > 0 {
		for h, d := range e.table {
			if h == handle || h.TransportType() == webrequest.TransportMQTT {
				continue
			}
			projected := project(diff, d)
			if len(projected) == 0 {
				continue
			}
			if err := h.SendStatus(ctx, "notify_status_update", projected); err != nil {
				e.logger.Warn("subscription: failed to push diff to existing subscriber", "error", err)
			}
		}
	}

	return pruned, nil
}

// RemoveSubscription drops handle's descriptor, per spec §4.5: "the
// handle's own cleanup (transport close) must call the engine's
// remove_subscription."
func (e *Engine) RemoveSubscription(handle webrequest.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.table, handle)
}

// PushStatus is the ongoing delivery path for backend-originated status
// notifications (distinct from Subscribe's one-time diff push). Klipper's
// notify_status_update only ever carries the objects/fields it considers
// changed since the last push, so this folds the partial snapshot into the
// cache without pruning anything absent from it (unlike Subscribe's full
// resync), then fans the *incoming* status back out projected per handle —
// not a diff against the cache — matching
// original_source/moonraker/components/klippy_connection.py's
// `_process_status_update` (merge-only cache update, fan-out of the
// incoming status, lines 572-601).
func (e *Engine) PushStatus(ctx context.Context, status map[string]map[string]any) {
	if len(status) == 0 {
		return
	}
	e.mu.Lock()
	e.cache.merge(status, e.excluded)
	// Copy the table so SendStatus calls (which may block on a transport
	// write) don't run while holding the subscribe mutex, honoring spec
	// §5's "no suspension across the mutex other than the single backend
	// round trip" rule.
	snapshot := make(map[webrequest.Handle]Descriptor, len(e.table))
	for h, d := range e.table {
		snapshot[h] = d
	}
	e.mu.Unlock()

	for h, d := range snapshot {
		projected := project(status, d)
		if len(projected) == 0 {
			continue
		}
		if err := h.SendStatus(ctx, "notify_status_update", projected); err != nil {
			e.logger.Warn("subscription: failed to deliver status update", "error", err, "transport", h.TransportType())
		}
	}
}

// project restricts status to the objects/fields named in d, per spec
// §4.5 step 7: "prune the returned snapshot to the caller's requested
// objects/fields."
func project(status map[string]map[string]any, d Descriptor) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for obj, fields := range status {
		if !d.wantsObject(obj) {
			continue
		}
		projected := make(map[string]any)
		for field, value := range fields {
			if d.fieldAllowed(obj, field) {
				projected[field] = value
			}
		}
		if len(projected) > 0 {
			out[obj] = projected
		}
	}
	return out
}

// DebugListing returns a snapshot of every handle's descriptor for the
// debug surface (spec §4.2's "debug-only listing"), keyed by transport
// type + peer address since handles themselves aren't meaningful to a
// human operator.
func (e *Engine) DebugListing() []DebugEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DebugEntry, 0, len(e.table))
	for h, d := range e.table {
		out = append(out, DebugEntry{
			Transport:   string(h.TransportType()),
			PeerAddress: h.PeerAddress(),
			Objects:     d.Objects,
		})
	}
	return out
}

// DebugEntry is one row of DebugListing's output.
type DebugEntry struct {
	Transport   string       `json:"transport"`
	PeerAddress string       `json:"peer_address"`
	Objects     ObjectFields `json:"objects"`
}
