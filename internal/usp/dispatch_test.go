package usp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp/wire"
)

type fakeMQTT struct {
	connected bool
	topic     string
	payload   []byte
	fail      bool
}

func (f *fakeMQTT) Publish(topic string, payload []byte) error {
	if f.fail {
		return fmt.Errorf("broker unavailable")
	}
	f.topic = topic
	f.payload = payload
	return nil
}

func (f *fakeMQTT) AgentTopic(endpointID string) string {
	return "usp/agent/" + endpointID
}

func (f *fakeMQTT) Connected() bool { return f.connected }

type fakeWS struct {
	clientID string
	payload  []byte
	fail     bool
}

func (f *fakeWS) SendToClient(clientID string, payload []byte) error {
	if f.fail {
		return fmt.Errorf("client %s not connected", clientID)
	}
	f.clientID = clientID
	f.payload = payload
	return nil
}

type fakePending struct {
	requests []*database.UspPendingRequest
}

func (f *fakePending) Create(req *database.UspPendingRequest) error {
	req.ID = uint(len(f.requests) + 1)
	f.requests = append(f.requests, req)
	return nil
}

type dispatchEnv struct {
	d       *Dispatcher
	mqtt    *fakeMQTT
	ws      *fakeWS
	pending *fakePending
}

func newDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()
	svc := NewService(ServiceConfig{}, Stores{
		Devices:       newFakeDeviceStore(),
		Parameters:    newFakeParamStore(),
		Subscriptions: newFakeSubStore(),
	}, nil, nil)
	env := &dispatchEnv{
		mqtt:    &fakeMQTT{connected: true},
		ws:      &fakeWS{},
		pending: &fakePending{},
	}
	env.d = NewDispatcher(DispatcherConfig{PendingRequestTTL: 30 * time.Minute}, svc, env.mqtt, env.ws, env.pending, nil)
	return env
}

func rebootMsg() *wire.Msg {
	return &wire.Msg{
		Header: &wire.Header{MsgID: "op-1", MsgType: wire.MsgTypeOperate},
		Body: &wire.Body{Request: &wire.Request{
			Operate: &wire.Operate{Command: "Device.Reboot()", SendResp: true},
		}},
	}
}

// assertRecordFor checks that a dispatched payload is a Record addressed to
// the device carrying the original message
func assertRecordFor(t *testing.T, raw []byte, endpointID string) {
	t.Helper()
	record, err := wire.UnmarshalRecord(raw)
	if err != nil {
		t.Fatalf("dispatched payload: %v", err)
	}
	if record.ToID != endpointID {
		t.Errorf("to_id: got %q", record.ToID)
	}
	msg, err := wire.UnmarshalMsg(record.NoSessionContext.Payload)
	if err != nil {
		t.Fatalf("dispatched msg: %v", err)
	}
	if msg.Body.Request.Operate == nil || msg.Body.Request.Operate.Command != "Device.Reboot()" {
		t.Errorf("dispatched body: %+v", msg.Body)
	}
}

func TestDispatchMQTTUsesSubscribedTopic(t *testing.T) {
	env := newDispatchEnv(t)
	device := &database.Device{
		ID:            4,
		USPEndpointID: "proto::agent-4",
		MTPType:       database.MTPTypeMQTT,
		MQTTTopic:     "usp/custom/agent-4",
	}

	result, err := env.d.Dispatch(context.Background(), device, rebootMsg())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != "sent" || result.Transport != database.MTPTypeMQTT {
		t.Errorf("result: %+v", result)
	}
	if env.mqtt.topic != "usp/custom/agent-4" {
		t.Errorf("topic: got %q", env.mqtt.topic)
	}
	assertRecordFor(t, env.mqtt.payload, device.USPEndpointID)
}

func TestDispatchMQTTFallsBackToAgentTopic(t *testing.T) {
	env := newDispatchEnv(t)
	device := &database.Device{
		USPEndpointID: "proto::agent-5",
		MTPType:       database.MTPTypeMQTT,
	}

	if _, err := env.d.Dispatch(context.Background(), device, rebootMsg()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if env.mqtt.topic != "usp/agent/proto::agent-5" {
		t.Errorf("topic: got %q", env.mqtt.topic)
	}
}

func TestDispatchMQTTDisconnectedFails(t *testing.T) {
	env := newDispatchEnv(t)
	env.mqtt.connected = false
	device := &database.Device{USPEndpointID: "proto::agent-6", MTPType: database.MTPTypeMQTT}

	if _, err := env.d.Dispatch(context.Background(), device, rebootMsg()); err == nil {
		t.Error("dispatch over a disconnected broker should fail")
	}
	if env.mqtt.payload != nil {
		t.Error("nothing should have been published")
	}
}

func TestDispatchWebSocket(t *testing.T) {
	env := newDispatchEnv(t)
	device := &database.Device{
		USPEndpointID:     "proto::agent-7",
		MTPType:           database.MTPTypeWebSocket,
		WebSocketClientID: "ws-client-7",
	}

	result, err := env.d.Dispatch(context.Background(), device, rebootMsg())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != "sent" || env.ws.clientID != "ws-client-7" {
		t.Errorf("result %+v, client %q", result, env.ws.clientID)
	}
	assertRecordFor(t, env.ws.payload, device.USPEndpointID)
}

func TestDispatchHTTPParksPendingRequest(t *testing.T) {
	env := newDispatchEnv(t)
	device := &database.Device{
		ID:            9,
		USPEndpointID: "proto::agent-9",
		MTPType:       database.MTPTypeHTTP,
	}

	before := time.Now()
	result, err := env.d.Dispatch(context.Background(), device, rebootMsg())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != "queued" || result.Transport != database.MTPTypeHTTP {
		t.Errorf("result: %+v", result)
	}

	if len(env.pending.requests) != 1 {
		t.Fatalf("pending requests: %+v", env.pending.requests)
	}
	req := env.pending.requests[0]
	if req.DeviceID != 9 || req.MsgID != "op-1" || req.Status != database.PendingRequestStatusPending {
		t.Errorf("pending request: %+v", req)
	}
	if got := req.ExpiresAt.Sub(before); got < 29*time.Minute || got > 31*time.Minute {
		t.Errorf("expiry horizon: %v", got)
	}
	assertRecordFor(t, req.Payload, device.USPEndpointID)
}

func TestDispatchEmptyMTPDefaultsToPolling(t *testing.T) {
	env := newDispatchEnv(t)
	device := &database.Device{ID: 10, USPEndpointID: "proto::agent-10"}

	result, err := env.d.Dispatch(context.Background(), device, rebootMsg())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != "queued" {
		t.Errorf("result: %+v", result)
	}
}

func TestDispatchUnknownMTPFails(t *testing.T) {
	env := newDispatchEnv(t)
	device := &database.Device{USPEndpointID: "proto::agent-11", MTPType: "carrier-pigeon"}

	if _, err := env.d.Dispatch(context.Background(), device, rebootMsg()); err == nil {
		t.Error("unknown transport should be rejected")
	}
}

func TestPushDirect(t *testing.T) {
	env := newDispatchEnv(t)

	var gotContentType string
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer agent.Close()

	if _, err := env.d.PushDirect(context.Background(), agent.URL, []byte{0x0a}); err != nil {
		t.Fatalf("PushDirect: %v", err)
	}
	if gotContentType != ContentTypeUSPMsg {
		t.Errorf("content type: got %q", gotContentType)
	}

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer rejecting.Close()

	_, err := env.d.PushDirect(context.Background(), rejecting.URL, []byte{0x0a})
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Errorf("rejection: got %v", err)
	}
}
