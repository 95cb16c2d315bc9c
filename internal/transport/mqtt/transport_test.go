package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/jsonrpc"
	"github.com/Arksine/moonraker-sub000/internal/registry"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// fakeToken is a Token that's always already finished, successfully.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (f *fakeToken) Error() error                   { return f.err }

// fakeClient is a minimal mqttlib.Client fake recording published messages,
// in the style of this pack's other transport fakes (e.g. uds's
// fakeRegistrar).
type fakeClient struct {
	connected bool
	published []fakePublish
}

type fakePublish struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func (f *fakeClient) IsConnected() bool      { return f.connected }
func (f *fakeClient) IsConnectionOpen() bool { return f.connected }
func (f *fakeClient) Connect() mqttlib.Token { f.connected = true; return &fakeToken{} }
func (f *fakeClient) Disconnect(quiesce uint) { f.connected = false }
func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqttlib.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	f.published = append(f.published, fakePublish{topic: topic, qos: qos, retained: retained, payload: body})
	return &fakeToken{}
}
func (f *fakeClient) Subscribe(topic string, qos byte, callback mqttlib.MessageHandler) mqttlib.Token {
	return &fakeToken{}
}
func (f *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqttlib.MessageHandler) mqttlib.Token {
	return &fakeToken{}
}
func (f *fakeClient) Unsubscribe(topics ...string) mqttlib.Token { return &fakeToken{} }
func (f *fakeClient) AddRoute(topic string, callback mqttlib.MessageHandler) {}
func (f *fakeClient) OptionsReader() mqttlib.ClientOptionsReader {
	return mqttlib.ClientOptionsReader{}
}

// fakeMessage is a minimal mqttlib.Message fake.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestTransport(t *testing.T, client *fakeClient) *Transport {
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
	disp := jsonrpc.New(reg)
	return &Transport{
		opts:                 Options{InstanceName: "printer", DefaultQoS: 1, APIQoS: 1},
		client:               client,
		dispatcher:           disp,
		logger:               slog.Default(),
		apiRequestTopic:      "printer/moonraker/api/request",
		apiResponseTopic:     "printer/moonraker/api/response",
		statusTopic:          "printer/klipper/status",
		moonrakerStatusTopic: "printer/moonraker/status",
		stopCh:               make(chan struct{}),
	}
}

func TestMQTTIsDuplicateTimestampRejectsRepeats(t *testing.T) {
	tr := newTestTransport(t, &fakeClient{connected: true})

	assert.False(t, tr.isDuplicateTimestamp(float64(1000)))
	assert.True(t, tr.isDuplicateTimestamp(float64(1000)))
	assert.False(t, tr.isDuplicateTimestamp(float64(1001)))
}

func TestMQTTIsDuplicateTimestampDequeIsBounded(t *testing.T) {
	tr := newTestTransport(t, &fakeClient{connected: true})

	for i := 0; i < timestampDequeSize+5; i++ {
		assert.False(t, tr.isDuplicateTimestamp(float64(i)))
	}
	// the oldest entries should have been evicted
	assert.True(t, tr.isDuplicateTimestamp(float64(timestampDequeSize+4)))
	assert.False(t, tr.isDuplicateTimestamp(float64(0)))
}

func TestMQTTPublishDuplicateErrorShape(t *testing.T) {
	client := &fakeClient{connected: true}
	tr := newTestTransport(t, client)

	tr.publishDuplicateError(json.RawMessage(`7`))

	require.Len(t, client.published, 1)
	assert.Equal(t, "printer/moonraker/api/response", client.published[0].topic)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(client.published[0].payload, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, gatewayerr.CodeDuplicateRequest, resp.Error.Code)
	assert.Equal(t, "7", string(resp.ID))
}

func TestMQTTPushStatusPublishesSnapshot(t *testing.T) {
	client := &fakeClient{connected: true}
	tr := newTestTransport(t, client)

	tr.PushStatus(map[string]map[string]any{"toolhead": {"position": []float64{0, 0, 0}}}, 123.5)

	require.Len(t, client.published, 1)
	assert.Equal(t, "printer/klipper/status", client.published[0].topic)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(client.published[0].payload, &payload))
	assert.Equal(t, 123.5, payload["eventtime"])
	status, ok := payload["status"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, status, "toolhead")
}

func TestMQTTPushStatusSkipsWhenDisconnected(t *testing.T) {
	client := &fakeClient{connected: false}
	tr := newTestTransport(t, client)

	tr.PushStatus(map[string]map[string]any{"toolhead": {"x": 1}}, 1)

	assert.Empty(t, client.published)
}

func TestMQTTPushStatusSkipsEmptyStatus(t *testing.T) {
	client := &fakeClient{connected: true}
	tr := newTestTransport(t, client)

	tr.PushStatus(map[string]map[string]any{}, 1)

	assert.Empty(t, client.published)
}

func TestMQTTHandleAPIRequestRejectsDuplicateTimestamp(t *testing.T) {
	client := &fakeClient{connected: true}
	tr := newTestTransport(t, client)

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"printer.info","params":{"mqtt_timestamp":42}}`)
	tr.handleAPIRequest(client, &fakeMessage{topic: tr.apiRequestTopic, payload: req})
	tr.handleAPIRequest(client, &fakeMessage{topic: tr.apiRequestTopic, payload: req})

	require.Len(t, client.published, 2)
	var second jsonrpc.Response
	require.NoError(t, json.Unmarshal(client.published[1].payload, &second))
	require.NotNil(t, second.Error)
	assert.Equal(t, gatewayerr.CodeDuplicateRequest, second.Error.Code)
}

func TestMQTTLogReconnectErrorDedupesIdenticalErrors(t *testing.T) {
	tr := newTestTransport(t, &fakeClient{})

	tr.logReconnectError(assertError("dial tcp: connection refused"))
	first := tr.lastErr
	tr.logReconnectError(assertError("dial tcp: connection refused"))
	assert.Equal(t, first, tr.lastErr)

	tr.logReconnectError(assertError("dial tcp: timeout"))
	assert.Equal(t, "dial tcp: timeout", tr.lastErr)
}

type assertError string

func (e assertError) Error() string { return string(e) }
