// Package mqtt implements the MQTT transport of spec §3/§4.6: a single
// process-wide client acting as a TransportHandle singleton, publishing a
// will message, dispatching API requests received on a broker topic
// through the shared JSON-RPC dispatcher, and publishing backend status
// to a status topic. Grounded in
// original_source/moonraker/components/mqtt.py, ported from Python's
// paho-mqtt/asyncio wrapper (ExtPahoClient/AIOHelper) to
// github.com/eclipse/paho.mqtt.golang's own connection-loop client.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/cenkalti/backoff/v4"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/jsonrpc"
	"github.com/Arksine/moonraker-sub000/internal/webrequest"
)

// timestampDequeSize is spec §4.6's "bounded (≈ 20 element) deque of
// recently seen timestamps."
const timestampDequeSize = 20

// Options configures Transport.
type Options struct {
	Brokers      []string // e.g. "tcp://localhost:1883"
	ClientID     string
	Username     string
	Password     string
	InstanceName string // topic namespace prefix; defaults to os.Hostname()

	DefaultQoS byte // 0-2, per spec §4.6 "default-QoS ≥ 1 is recommended"
	APIQoS     byte

	Dispatcher *jsonrpc.Dispatcher
	Logger     *slog.Logger
}

// Transport is the process-wide MQTT client and the singleton
// TransportHandle it acts as (spec §3: "MQTT (process-wide singleton
// acting as transport)").
type Transport struct {
	opts       Options
	client     mqttlib.Client
	dispatcher *jsonrpc.Dispatcher
	logger     *slog.Logger

	apiRequestTopic    string
	apiResponseTopic   string
	statusTopic        string
	moonrakerStatusTopic string

	tsMu       sync.Mutex
	timestamps []any

	connectOnce sync.Once
	stopCh      chan struct{}

	lastErrMu sync.Mutex
	lastErr   string
}

// New builds a Transport and its underlying paho client. Call Run to
// connect and serve.
func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instance := opts.InstanceName
	if instance == "" {
		// Per mqtt.py's instance_name handling and SPEC_FULL.md's
		// supplemented MQTT feature, the default topic namespace is the
		// machine hostname, not a fixed literal.
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			instance = hostname
		} else {
			instance = "moonraker-sub000"
		}
	}

	t := &Transport{
		opts:                 opts,
		dispatcher:           opts.Dispatcher,
		logger:               logger,
		apiRequestTopic:      instance + "/moonraker/api/request",
		apiResponseTopic:     instance + "/moonraker/api/response",
		statusTopic:          instance + "/klipper/status",
		moonrakerStatusTopic: instance + "/moonraker/status",
		stopCh:               make(chan struct{}),
	}

	clientOpts := mqttlib.NewClientOptions()
	for _, b := range opts.Brokers {
		clientOpts.AddBroker(b)
	}
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	willPayload, _ := json.Marshal(map[string]any{"server": "offline"})
	clientOpts.SetWill(t.moonrakerStatusTopic, string(willPayload), opts.DefaultQoS, true)
	// Reconnection is driven by Run's own backoff.Retry loop, not paho's
	// fixed-interval retry, to match spec §4.6's "exponential-style
	// retry with deduplicated error logging."
	clientOpts.SetAutoReconnect(false)
	clientOpts.SetConnectRetry(false)
	clientOpts.SetOnConnectHandler(t.onConnect)
	clientOpts.SetConnectionLostHandler(t.onConnectionLost)

	t.client = mqttlib.NewClient(clientOpts)
	return t
}

// Run connects (retrying with exponential backoff on failure) and blocks
// until ctx is cancelled, publishing the offline status before returning.
func (t *Transport) Run(ctx context.Context) error {
	if err := t.connectWithRetry(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	close(t.stopCh)

	if t.client.IsConnected() {
		payload, _ := json.Marshal(map[string]any{"server": "offline"})
		token := t.client.Publish(t.moonrakerStatusTopic, t.opts.DefaultQoS, true, payload)
		token.WaitTimeout(2 * time.Second)
	}
	t.client.Disconnect(250)
	return nil
}

func (t *Transport) connectWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; ctx cancellation is the only way out

	return backoff.Retry(func() error {
		token := t.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			t.logReconnectError(err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// logReconnectError suppresses repeated identical error logs, per spec
// §4.6: "Broker reconnection uses exponential-style retry with
// deduplicated error logging."
func (t *Transport) logReconnectError(err error) {
	t.lastErrMu.Lock()
	defer t.lastErrMu.Unlock()
	msg := err.Error()
	if msg == t.lastErr {
		return
	}
	t.lastErr = msg
	t.logger.Warn("mqtt: connection error", "error", err)
}

func (t *Transport) onConnect(client mqttlib.Client) {
	t.logger.Info("mqtt: connected")
	payload, _ := json.Marshal(map[string]any{"server": "online"})
	client.Publish(t.moonrakerStatusTopic, t.opts.DefaultQoS, true, payload)

	token := client.Subscribe(t.apiRequestTopic, t.apiQoS(), t.handleAPIRequest)
	token.Wait()
	if err := token.Error(); err != nil {
		t.logger.Warn("mqtt: failed to subscribe to api request topic", "topic", t.apiRequestTopic, "error", err)
	}
}

func (t *Transport) onConnectionLost(_ mqttlib.Client, err error) {
	t.logger.Warn("mqtt: connection lost, reconnecting", "error", err)
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-t.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		defer cancel()
		if err := t.connectWithRetry(ctx); err != nil {
			t.logger.Warn("mqtt: reconnect loop stopped", "error", err)
		}
	}()
}

func (t *Transport) apiQoS() byte {
	if t.opts.APIQoS != 0 {
		return t.opts.APIQoS
	}
	return t.opts.DefaultQoS
}

// handleAPIRequest dispatches one API request frame, rejecting duplicates
// by their mqtt_timestamp per spec §4.6.
func (t *Transport) handleAPIRequest(_ mqttlib.Client, msg mqttlib.Message) {
	raw := msg.Payload()

	var env struct {
		ID     json.RawMessage `json:"id"`
		Params struct {
			MQTTTimestamp any `json:"mqtt_timestamp"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.logger.Debug("mqtt: unparseable api request, forwarding to dispatcher for a proper parse error", "error", err)
	} else if env.Params.MQTTTimestamp != nil {
		if t.isDuplicateTimestamp(env.Params.MQTTTimestamp) {
			t.publishDuplicateError(env.ID)
			return
		}
	}

	resp := t.dispatcher.Dispatch(context.Background(), raw, t)
	if resp != nil {
		t.client.Publish(t.apiResponseTopic, t.apiQoS(), false, resp)
	}
}

func (t *Transport) isDuplicateTimestamp(ts any) bool {
	t.tsMu.Lock()
	defer t.tsMu.Unlock()
	for _, seen := range t.timestamps {
		if seen == ts {
			return true
		}
	}
	t.timestamps = append(t.timestamps, ts)
	if len(t.timestamps) > timestampDequeSize {
		t.timestamps = t.timestamps[len(t.timestamps)-timestampDequeSize:]
	}
	return false
}

func (t *Transport) publishDuplicateError(id json.RawMessage) {
	resp := jsonrpc.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &jsonrpc.ResponseError{
			Code:    gatewayerr.CodeDuplicateRequest,
			Message: "Duplicate MQTT Request",
		},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		t.logger.Warn("mqtt: failed to encode duplicate-request response", "error", err)
		return
	}
	t.client.Publish(t.apiResponseTopic, t.apiQoS(), false, body)
}

// PushStatus publishes a backend status snapshot to the Klipper status
// topic, per spec §4.6 and original_source's send_status: MQTT receives
// the full configured status-object set directly rather than through the
// per-client subscription engine's diff/projection path (see DESIGN.md's
// Open Question decision on MQTT manual diff-push).
func (t *Transport) PushStatus(status map[string]map[string]any, eventtime float64) {
	if len(status) == 0 || !t.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(map[string]any{"eventtime": eventtime, "status": status})
	if err != nil {
		t.logger.Warn("mqtt: failed to encode status payload", "error", err)
		return
	}
	t.client.Publish(t.statusTopic, t.opts.DefaultQoS, false, payload)
}

// TransportType implements webrequest.Handle.
func (t *Transport) TransportType() webrequest.TransportType { return webrequest.TransportMQTT }

// PeerPrincipal implements webrequest.Handle: MQTT has no per-request
// identity distinct from the broker connection itself.
func (t *Transport) PeerPrincipal() *webrequest.Principal { return nil }

// PeerAddress implements webrequest.Handle.
func (t *Transport) PeerAddress() string { return "mqtt" }

// ScreenRPCRequest is a no-op: MQTT has no per-connection auth handshake
// distinct from the broker credentials already supplied at connect time.
func (t *Transport) ScreenRPCRequest(ctx context.Context, req *webrequest.Request) error {
	return nil
}

// SendStatus implements webrequest.Handle by publishing to the status
// topic, reusing PushStatus's single-topic delivery.
func (t *Transport) SendStatus(ctx context.Context, method string, params any) error {
	status, ok := params.(map[string]map[string]any)
	if !ok {
		return fmt.Errorf("mqtt: SendStatus expects a status map, got %T", params)
	}
	t.PushStatus(status, 0)
	return nil
}

// WriteFrame implements webrequest.Handle: MQTT has no raw-frame push
// channel outside the status/response topics.
func (t *Transport) WriteFrame(ctx context.Context, frame []byte) error {
	return fmt.Errorf("mqtt: transport has no raw-frame push channel")
}

// Close implements webrequest.Handle.
func (t *Transport) Close() error {
	t.client.Disconnect(250)
	return nil
}
