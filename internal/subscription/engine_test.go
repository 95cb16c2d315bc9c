package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

type fakeBackend struct {
	responses []map[string]map[string]any
	calls     int
	lastArgs  map[string]any
}

func (f *fakeBackend) Request(_ context.Context, method string, params any, _ time.Duration) (json.RawMessage, error) {
	f.lastArgs = params.(map[string]any)
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	body, _ := json.Marshal(map[string]any{"status": f.responses[idx], "eventtime": 1.0})
	return body, nil
}

type fakeHandle struct {
	transport webrequest.TransportType
	sent      []sentStatus
}

type sentStatus struct {
	method string
	params any
}

func (h *fakeHandle) TransportType() webrequest.TransportType         { return h.transport }
func (h *fakeHandle) PeerPrincipal() *webrequest.Principal             { return nil }
func (h *fakeHandle) PeerAddress() string                              { return "test" }
func (h *fakeHandle) ScreenRPCRequest(context.Context, *webrequest.Request) error { return nil }
func (h *fakeHandle) SendStatus(_ context.Context, method string, params any) error {
	h.sent = append(h.sent, sentStatus{method: method, params: params})
	return nil
}
func (h *fakeHandle) WriteFrame(context.Context, []byte) error { return nil }
func (h *fakeHandle) Close() error                             { return nil }

func TestSubscribeReturnsPrunedSnapshot(t *testing.T) {
	be := &fakeBackend{responses: []map[string]map[string]any{
		{"webhooks": {"state": "ready"}, "toolhead": {"position": []any{0.0, 0.0, 0.0}}},
	}}
	e := New(be, nil, nil)
	h := &fakeHandle{transport: webrequest.TransportWebsocket}

	snapshot, err := e.Subscribe(context.Background(), h, Descriptor{Objects: ObjectFields{"webhooks": nil}})
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]any{"webhooks": {"state": "ready"}}, snapshot)
}

func TestSubscribeUnionSendsAllObjectsToBackend(t *testing.T) {
	be := &fakeBackend{responses: []map[string]map[string]any{
		{"webhooks": {"state": "ready"}},
		{"webhooks": {"state": "ready"}, "toolhead": {"position": 1}},
	}}
	e := New(be, nil, nil)
	h1 := &fakeHandle{transport: webrequest.TransportWebsocket}
	h2 := &fakeHandle{transport: webrequest.TransportUDS}

	_, err := e.Subscribe(context.Background(), h1, Descriptor{Objects: ObjectFields{"webhooks": nil}})
	require.NoError(t, err)

	_, err = e.Subscribe(context.Background(), h2, Descriptor{Objects: ObjectFields{"toolhead": {"position"}}})
	require.NoError(t, err)

	sent := be.lastArgs["objects"].(ObjectFields)
	_, hasWebhooks := sent["webhooks"]
	_, hasToolhead := sent["toolhead"]
	assert.True(t, hasWebhooks)
	assert.True(t, hasToolhead)
}

// TestSubscribeDiffPushesToExistingSubscribers is spec §8 scenario 4: a
// second subscribe must not let the first subscriber miss fields that
// changed between the two calls.
func TestSubscribeDiffPushesToExistingSubscribers(t *testing.T) {
	be := &fakeBackend{responses: []map[string]map[string]any{
		{"webhooks": {"state": "ready"}},
		{"webhooks": {"state": "shutdown"}},
	}}
	e := New(be, nil, nil)
	h1 := &fakeHandle{transport: webrequest.TransportWebsocket}
	h2 := &fakeHandle{transport: webrequest.TransportUDS}

	_, err := e.Subscribe(context.Background(), h1, Descriptor{Objects: ObjectFields{"webhooks": nil}})
	require.NoError(t, err)

	_, err = e.Subscribe(context.Background(), h2, Descriptor{Objects: ObjectFields{"webhooks": nil}})
	require.NoError(t, err)

	require.Len(t, h1.sent, 1, "h1 should have received the diff pushed during h2's subscribe call")
	params := h1.sent[0].params.(map[string]map[string]any)
	assert.Equal(t, "shutdown", params["webhooks"]["state"])
}

func TestExcludedFieldsOmittedFromCacheButReturnedToCaller(t *testing.T) {
	be := &fakeBackend{responses: []map[string]map[string]any{
		{"configfile": {"config": map[string]any{"big": "blob"}, "save_config_pending": false}},
	}}
	excluded := map[string]map[string]bool{"configfile": {"config": true}}
	e := New(be, excluded, nil)
	h := &fakeHandle{transport: webrequest.TransportWebsocket}

	snapshot, err := e.Subscribe(context.Background(), h, Descriptor{Objects: ObjectFields{"configfile": nil}})
	require.NoError(t, err)
	assert.Contains(t, snapshot["configfile"], "config", "excluded fields are still returned to the caller that asked for them")

	assert.NotContains(t, e.cache.objects["configfile"], "config", "excluded fields must not be retained in the shared cache")
}

func TestRemoveSubscriptionDropsHandle(t *testing.T) {
	be := &fakeBackend{responses: []map[string]map[string]any{{"webhooks": {"state": "ready"}}}}
	e := New(be, nil, nil)
	h := &fakeHandle{transport: webrequest.TransportWebsocket}

	_, err := e.Subscribe(context.Background(), h, Descriptor{Objects: ObjectFields{"webhooks": nil}})
	require.NoError(t, err)
	assert.Len(t, e.table, 1)

	e.RemoveSubscription(h)
	assert.Len(t, e.table, 0)
}

func TestPushStatusProjectsPerHandle(t *testing.T) {
	be := &fakeBackend{responses: []map[string]map[string]any{{"webhooks": {"state": "ready"}}}}
	e := New(be, nil, nil)
	h1 := &fakeHandle{transport: webrequest.TransportWebsocket}
	h2 := &fakeHandle{transport: webrequest.TransportUDS}

	_, err := e.Subscribe(context.Background(), h1, Descriptor{Objects: ObjectFields{"webhooks": {"state"}}})
	require.NoError(t, err)
	_, err = e.Subscribe(context.Background(), h2, Descriptor{Objects: ObjectFields{"toolhead": nil}})
	require.NoError(t, err)

	e.PushStatus(context.Background(), map[string]map[string]any{
		"webhooks": {"state": "error"},
		"toolhead": {"position": 5},
	})

	require.NotEmpty(t, h1.sent)
	last := h1.sent[len(h1.sent)-1].params.(map[string]map[string]any)
	_, h1GotToolhead := last["toolhead"]
	assert.False(t, h1GotToolhead, "h1 never subscribed to toolhead and must not receive it")
}

// TestPushStatusAccumulatesSequentialPartialPushes guards against the
// ongoing push path reusing Subscribe's drop-absent cache merge: Klipper's
// notify_status_update only ever carries changed objects, so a push
// naming only "toolhead" must not evict "extruder" from a prior push.
func TestPushStatusAccumulatesSequentialPartialPushes(t *testing.T) {
	be := &fakeBackend{responses: []map[string]map[string]any{{"toolhead": {"position": 0}, "extruder": {"temp": 20}}}}
	e := New(be, nil, nil)
	h := &fakeHandle{transport: webrequest.TransportWebsocket}

	_, err := e.Subscribe(context.Background(), h, Descriptor{Objects: ObjectFields{"toolhead": nil, "extruder": nil}})
	require.NoError(t, err)

	e.PushStatus(context.Background(), map[string]map[string]any{"toolhead": {"position": 1}})
	e.PushStatus(context.Background(), map[string]map[string]any{"extruder": {"temp": 21}})

	assert.Contains(t, e.cache.objects, "toolhead", "a later partial push naming only extruder must not evict toolhead from the cache")
	assert.Equal(t, 1, e.cache.objects["toolhead"]["position"])
	assert.Equal(t, 21, e.cache.objects["extruder"]["temp"])
}

func TestUnionDeduplicatesFieldLists(t *testing.T) {
	merged := union([]Descriptor{
		{Objects: ObjectFields{"webhooks": {"state", "state_message"}}},
		{Objects: ObjectFields{"webhooks": {"state"}}},
	})
	assert.ElementsMatch(t, []string{"state", "state_message"}, merged["webhooks"])
}

func TestUnionNullAllowListDominates(t *testing.T) {
	merged := union([]Descriptor{
		{Objects: ObjectFields{"webhooks": {"state"}}},
		{Objects: ObjectFields{"webhooks": nil}},
	})
	assert.Nil(t, merged["webhooks"])
}
