package usp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp/wire"
)

type fakePoll struct {
	byDevice map[uint][]*database.UspPendingRequest
}

func (f *fakePoll) ClaimOldest(deviceID uint, now time.Time) (*database.UspPendingRequest, error) {
	queue := f.byDevice[deviceID]
	if len(queue) == 0 {
		return nil, nil
	}
	req := queue[0]
	f.byDevice[deviceID] = queue[1:]
	return req, nil
}

type handlerEnv struct {
	h       *Handler
	devices *fakeDeviceStore
	poll    *fakePoll
	mqtt    *fakeMQTT
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	env := &handlerEnv{
		devices: newFakeDeviceStore(),
		poll:    &fakePoll{byDevice: map[uint][]*database.UspPendingRequest{}},
		mqtt:    &fakeMQTT{connected: true},
	}
	svc := NewService(ServiceConfig{}, Stores{
		Devices:       env.devices,
		Parameters:    newFakeParamStore(),
		Subscriptions: newFakeSubStore(),
	}, nil, nil)
	env.h = NewHandler(svc, env.devices, env.poll, env.mqtt)
	return env
}

func TestHandleMsgPost(t *testing.T) {
	env := newHandlerEnv(t)
	raw := agentRecord(t, env.h.service, &wire.Msg{
		Header: &wire.Header{MsgID: "get-1", MsgType: wire.MsgTypeGet},
		Body: &wire.Body{Request: &wire.Request{
			Get: &wire.Get{ParamPaths: []string{"Device.DeviceInfo."}},
		}},
	})

	rec := httptest.NewRecorder()
	env.h.HandleMsg(rec, httptest.NewRequest(http.MethodPost, "/usp/msg", bytes.NewReader(raw)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypeUSPMsg {
		t.Errorf("content type: got %q", ct)
	}
	msg := replyMsg(t, rec.Body.Bytes())
	if msg.Header.MsgType != wire.MsgTypeGetResp {
		t.Errorf("reply type: %s", msg.Header.MsgType)
	}
}

func TestHandleMsgPostNoReply(t *testing.T) {
	env := newHandlerEnv(t)
	env.devices.Create(&database.Device{USPEndpointID: agentID, Protocol: database.ProtocolUSP})

	raw := agentRecord(t, env.h.service, &wire.Msg{
		Header: &wire.Header{MsgID: "notif-1", MsgType: wire.MsgTypeNotify},
		Body: &wire.Body{Request: &wire.Request{
			Notify: &wire.Notify{
				ValueChange: &wire.ValueChangeNotification{ParamPath: "Device.X", ParamValue: "1"},
			},
		}},
	})

	rec := httptest.NewRecorder()
	env.h.HandleMsg(rec, httptest.NewRequest(http.MethodPost, "/usp/msg", bytes.NewReader(raw)))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d", rec.Code)
	}
}

func TestHandleMsgRejectsBadRequests(t *testing.T) {
	env := newHandlerEnv(t)

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"put", httptest.NewRequest(http.MethodPut, "/usp/msg", nil), http.StatusMethodNotAllowed},
		{"empty body", httptest.NewRequest(http.MethodPost, "/usp/msg", bytes.NewReader(nil)), http.StatusBadRequest},
		{"garbage record", httptest.NewRequest(http.MethodPost, "/usp/msg", bytes.NewReader([]byte{0xff, 0xff})), http.StatusBadRequest},
		{"oversized body", httptest.NewRequest(http.MethodPost, "/usp/msg", bytes.NewReader(make([]byte, 2<<20))), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.h.HandleMsg(rec, tc.req)
			if rec.Code != tc.want {
				t.Errorf("status: got %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestHandlePollDeliversParkedRecord(t *testing.T) {
	env := newHandlerEnv(t)
	env.devices.Create(&database.Device{USPEndpointID: agentID, Protocol: database.ProtocolUSP})
	env.poll.byDevice[1] = []*database.UspPendingRequest{
		{DeviceID: 1, MsgID: "op-1", Payload: []byte{0x0a, 0x03, 0x31, 0x2e, 0x33}},
	}

	poll := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/usp/msg", nil)
		req.Header.Set("X-USP-Endpoint-ID", agentID)
		rec := httptest.NewRecorder()
		env.h.HandleMsg(rec, req)
		return rec
	}

	rec := poll()
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte{0x0a, 0x03, 0x31, 0x2e, 0x33}) {
		t.Errorf("payload: got %x", rec.Body.Bytes())
	}

	// Queue drained, next poll has nothing
	if rec := poll(); rec.Code != http.StatusNoContent {
		t.Errorf("empty poll status: got %d", rec.Code)
	}
}

func TestHandlePollErrors(t *testing.T) {
	env := newHandlerEnv(t)

	rec := httptest.NewRecorder()
	env.h.HandleMsg(rec, httptest.NewRequest(http.MethodGet, "/usp/msg", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing endpoint id: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.h.HandleMsg(rec, httptest.NewRequest(http.MethodGet, "/usp/msg?endpoint_id=proto::nobody", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown endpoint: got %d", rec.Code)
	}
}

func TestMQTTBridgePublishesReply(t *testing.T) {
	env := newHandlerEnv(t)
	raw := agentRecord(t, env.h.service, &wire.Msg{
		Header: &wire.Header{MsgID: "get-1", MsgType: wire.MsgTypeGet},
		Body: &wire.Body{Request: &wire.Request{
			Get: &wire.Get{ParamPaths: []string{"Device.DeviceInfo."}},
		}},
	})

	rec := httptest.NewRecorder()
	env.h.HandleMQTTBridge(rec, httptest.NewRequest(http.MethodPost, "/usp/mqtt", bytes.NewReader(raw)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	var result struct {
		EndpointID string `json:"endpoint_id"`
		Published  bool   `json:"published"`
		Topic      string `json:"topic"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("bridge response: %v", err)
	}
	if result.EndpointID != agentID || !result.Published {
		t.Errorf("bridge result: %+v", result)
	}
	if result.Topic != "usp/agent/"+agentID {
		t.Errorf("topic: got %q", result.Topic)
	}
	if env.mqtt.payload == nil {
		t.Fatal("reply was not published")
	}
	if replyMsg(t, env.mqtt.payload).Header.MsgType != wire.MsgTypeGetResp {
		t.Error("published payload is not the GetResp")
	}
}

func TestMQTTBridgeBrokerDown(t *testing.T) {
	env := newHandlerEnv(t)
	env.mqtt.connected = false

	raw := agentRecord(t, env.h.service, &wire.Msg{
		Header: &wire.Header{MsgID: "get-1", MsgType: wire.MsgTypeGet},
		Body: &wire.Body{Request: &wire.Request{
			Get: &wire.Get{ParamPaths: []string{"Device.DeviceInfo."}},
		}},
	})

	rec := httptest.NewRecorder()
	env.h.HandleMQTTBridge(rec, httptest.NewRequest(http.MethodPost, "/usp/mqtt", bytes.NewReader(raw)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d", rec.Code)
	}
}
