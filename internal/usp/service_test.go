package usp

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp/wire"
	"github.com/dexter939/EvoAcsss-sub001/pkg/redis"
)

type fakeActivityTracker struct {
	touches []*redis.DeviceActivity
}

func (f *fakeActivityTracker) TouchDeviceActivity(a *redis.DeviceActivity) error {
	f.touches = append(f.touches, a)
	return nil
}

type fakeDeviceStore struct {
	devices map[string]*database.Device
	nextID  uint
	saves   int
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: map[string]*database.Device{}, nextID: 1}
}

func (f *fakeDeviceStore) Create(device *database.Device) error {
	device.ID = f.nextID
	f.nextID++
	f.devices[device.USPEndpointID] = device
	return nil
}

func (f *fakeDeviceStore) Save(device *database.Device) error {
	f.saves++
	f.devices[device.USPEndpointID] = device
	return nil
}

func (f *fakeDeviceStore) FindByEndpointID(endpointID string) (*database.Device, error) {
	return f.devices[endpointID], nil
}

type fakeParamStore struct {
	params map[uint]map[string]string
}

func newFakeParamStore() *fakeParamStore {
	return &fakeParamStore{params: map[uint]map[string]string{}}
}

func (f *fakeParamStore) Upsert(deviceID uint, path, value, paramType string) error {
	if f.params[deviceID] == nil {
		f.params[deviceID] = map[string]string{}
	}
	f.params[deviceID][path] = value
	return nil
}

func (f *fakeParamStore) GetByPrefix(deviceID uint, prefix string) ([]database.DeviceParameter, error) {
	var out []database.DeviceParameter
	for path, value := range f.params[deviceID] {
		if strings.HasPrefix(path, prefix) {
			out = append(out, database.DeviceParameter{DeviceID: deviceID, ParameterPath: path, Value: value})
		}
	}
	return out, nil
}

type fakeSubStore struct {
	subs          []*database.UspSubscription
	nextID        uint
	notifications map[uint]int
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{nextID: 1, notifications: map[uint]int{}}
}

func (f *fakeSubStore) Create(sub *database.UspSubscription) error {
	sub.ID = f.nextID
	f.nextID++
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeSubStore) FindActive(deviceID uint, subscriptionID string) (*database.UspSubscription, error) {
	for _, s := range f.subs {
		if s.DeviceID == deviceID && s.SubscriptionID == subscriptionID && s.Active {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeSubStore) RecordNotification(id uint, now time.Time) error {
	f.notifications[id]++
	return nil
}

func (f *fakeSubStore) Deactivate(id uint) error {
	for _, s := range f.subs {
		if s.ID == id {
			s.Active = false
			return nil
		}
	}
	return fmt.Errorf("subscription %d not found", id)
}

type serviceEnv struct {
	svc     *Service
	devices *fakeDeviceStore
	params  *fakeParamStore
	subs    *fakeSubStore
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	env := &serviceEnv{
		devices: newFakeDeviceStore(),
		params:  newFakeParamStore(),
		subs:    newFakeSubStore(),
	}
	env.svc = NewService(ServiceConfig{}, Stores{
		Devices:       env.devices,
		Parameters:    env.params,
		Subscriptions: env.subs,
	}, nil, nil)
	return env
}

const agentID = "proto::agent-1"

// agentRecord wraps a Msg the way a device would before sending it to us
func agentRecord(t *testing.T, svc *Service, msg *wire.Msg) []byte {
	t.Helper()
	payload, err := wire.MarshalMsg(msg)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	raw, err := wire.MarshalRecord(&wire.Record{
		Version:          "1.3",
		ToID:             svc.ControllerEndpointID(),
		FromID:           agentID,
		NoSessionContext: &wire.NoSessionContextRecord{Payload: payload},
	})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	return raw
}

func replyMsg(t *testing.T, raw []byte) *wire.Msg {
	t.Helper()
	record, err := wire.UnmarshalRecord(raw)
	if err != nil {
		t.Fatalf("reply record: %v", err)
	}
	if record.NoSessionContext == nil {
		t.Fatal("reply record has no payload")
	}
	msg, err := wire.UnmarshalMsg(record.NoSessionContext.Payload)
	if err != nil {
		t.Fatalf("reply msg: %v", err)
	}
	return msg
}

func TestProcessRecordAutoRegistersDevice(t *testing.T) {
	env := newServiceEnv(t)

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "get-1", MsgType: wire.MsgTypeGet},
		Body: &wire.Body{Request: &wire.Request{
			Get: &wire.Get{ParamPaths: []string{"Device.DeviceInfo."}},
		}},
	})

	reply, from, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if from != agentID {
		t.Errorf("sender: got %q", from)
	}

	device := env.devices.devices[agentID]
	if device == nil {
		t.Fatal("device was not auto registered")
	}
	if device.Protocol != database.ProtocolUSP || device.Status != database.DeviceStatusOnline {
		t.Errorf("device state: protocol=%s status=%s", device.Protocol, device.Status)
	}
	if device.MTPType != database.MTPTypeHTTP {
		t.Errorf("mtp type: got %s", device.MTPType)
	}

	msg := replyMsg(t, reply)
	if msg.Header.MsgType != wire.MsgTypeGetResp || msg.Header.MsgID != "get-1" {
		t.Fatalf("reply header: %+v", msg.Header)
	}
	results := msg.Body.Response.GetResp.ReqPathResults
	if len(results) != 1 || len(results[0].ResolvedPathResults) != 1 {
		t.Fatalf("get results: %+v", results)
	}
	// No stored parameters yet, so identity placeholders are synthesized
	params := results[0].ResolvedPathResults[0].ResultParams
	if params["SerialNumber"] != agentID || params["ModelName"] != "USP-Agent" {
		t.Errorf("placeholder params: %v", params)
	}
}

func TestProcessRecordTouchesActivity(t *testing.T) {
	env := newServiceEnv(t)
	activity := &fakeActivityTracker{}
	env.svc.SetActivityTracker(activity)

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "get-1", MsgType: wire.MsgTypeGet},
		Body: &wire.Body{Request: &wire.Request{
			Get: &wire.Get{ParamPaths: []string{"Device.DeviceInfo."}},
		}},
	})
	if _, _, err := env.svc.ProcessRecord(raw, database.MTPTypeMQTT); err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	if len(activity.touches) != 1 {
		t.Fatalf("touches: got %d, want 1", len(activity.touches))
	}
	touch := activity.touches[0]
	if touch.SerialNumber != agentID {
		t.Errorf("serial: got %q", touch.SerialNumber)
	}
	if touch.Protocol != database.ProtocolUSP {
		t.Errorf("protocol: got %q", touch.Protocol)
	}
	if touch.Transport != database.MTPTypeMQTT {
		t.Errorf("transport: got %q", touch.Transport)
	}
}

func TestProcessRecordRequiresFromID(t *testing.T) {
	env := newServiceEnv(t)

	raw, err := wire.MarshalRecord(&wire.Record{
		Version:          "1.3",
		NoSessionContext: &wire.NoSessionContextRecord{Payload: []byte{}},
	})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	if _, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP); err == nil {
		t.Error("record without from_id should be rejected")
	}
}

func TestMQTTConnectRefreshesTopic(t *testing.T) {
	env := newServiceEnv(t)

	raw, err := wire.MarshalRecord(&wire.Record{
		Version:     "1.3",
		FromID:      agentID,
		MQTTConnect: &wire.MQTTConnectRecord{Version: 1, SubscribedTopic: "usp/agent/a1"},
	})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}

	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeMQTT)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if reply != nil {
		t.Error("connect records should not produce a reply")
	}

	device := env.devices.devices[agentID]
	if device == nil || device.MQTTTopic != "usp/agent/a1" || device.MTPType != database.MTPTypeMQTT {
		t.Errorf("device addressing: %+v", device)
	}
}

func TestDisconnectMarksDeviceOffline(t *testing.T) {
	env := newServiceEnv(t)
	env.devices.Create(&database.Device{
		SerialNumber:  agentID,
		USPEndpointID: agentID,
		Protocol:      database.ProtocolUSP,
		Status:        database.DeviceStatusOnline,
	})

	raw, err := wire.MarshalRecord(&wire.Record{
		Version:    "1.3",
		FromID:     agentID,
		Disconnect: &wire.DisconnectRecord{ReasonCode: 7000, Reason: "rebooting"},
	})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}

	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeWebSocket)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if reply != nil {
		t.Error("disconnect should not produce a reply")
	}
	if env.devices.devices[agentID].Status != database.DeviceStatusOffline {
		t.Errorf("status: got %s", env.devices.devices[agentID].Status)
	}
}

func TestGetReturnsStoredParameters(t *testing.T) {
	env := newServiceEnv(t)
	env.devices.Create(&database.Device{USPEndpointID: agentID, Protocol: database.ProtocolUSP})
	env.params.Upsert(1, "Device.WiFi.SSID.1.SSID", "evonet", "string")
	env.params.Upsert(1, "Device.WiFi.SSID.1.Enable", "true", "string")

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "get-2", MsgType: wire.MsgTypeGet},
		Body: &wire.Body{Request: &wire.Request{
			Get: &wire.Get{ParamPaths: []string{"Device.WiFi.SSID.1."}},
		}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	msg := replyMsg(t, reply)
	params := msg.Body.Response.GetResp.ReqPathResults[0].ResolvedPathResults[0].ResultParams
	if params["SSID"] != "evonet" || params["Enable"] != "true" {
		t.Errorf("resolved params: %v", params)
	}
}

func TestGetUnknownPathReportsNoInstances(t *testing.T) {
	env := newServiceEnv(t)
	env.devices.Create(&database.Device{USPEndpointID: agentID, Protocol: database.ProtocolUSP})

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "get-3", MsgType: wire.MsgTypeGet},
		Body: &wire.Body{Request: &wire.Request{
			Get: &wire.Get{ParamPaths: []string{"Device.MoCA."}},
		}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	result := replyMsg(t, reply).Body.Response.GetResp.ReqPathResults[0]
	if result.ErrCode != wire.ErrCodeObjectDoesNotExist {
		t.Errorf("err code: got %d", result.ErrCode)
	}
	if len(result.ResolvedPathResults) != 0 {
		t.Errorf("unexpected resolved results: %+v", result.ResolvedPathResults)
	}
}

func TestSetPersistsParameters(t *testing.T) {
	env := newServiceEnv(t)

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "set-1", MsgType: wire.MsgTypeSet},
		Body: &wire.Body{Request: &wire.Request{
			Set: &wire.Set{UpdateObjs: []wire.UpdateObject{{
				ObjPath: "Device.ManagementServer.",
				ParamSettings: []wire.ParamSetting{
					{Param: "PeriodicInformInterval", Value: "300"},
				},
			}}},
		}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	msg := replyMsg(t, reply)
	results := msg.Body.Response.SetResp.UpdatedObjResults
	if len(results) != 1 || results[0].OperStatus.Success == nil {
		t.Fatalf("set results: %+v", results)
	}
	if got := results[0].OperStatus.Success.UpdatedParams["PeriodicInformInterval"]; got != "300" {
		t.Errorf("updated params: got %q", got)
	}
	if env.params.params[1]["Device.ManagementServer.PeriodicInformInterval"] != "300" {
		t.Errorf("stored params: %v", env.params.params[1])
	}
}

func TestAddCreatesSubscription(t *testing.T) {
	env := newServiceEnv(t)

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "add-1", MsgType: wire.MsgTypeAdd},
		Body: &wire.Body{Request: &wire.Request{
			Add: &wire.Add{CreateObjs: []wire.CreateObject{{
				ObjPath: "Device.LocalAgent.Subscription.",
				ParamSettings: []wire.ParamSetting{
					{Param: "ID", Value: "boot-events"},
					{Param: "NotifType", Value: "Event"},
					{Param: "ReferenceList", Value: "Device.Boot!"},
					{Param: "Enable", Value: "true"},
				},
			}}},
		}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	results := replyMsg(t, reply).Body.Response.AddResp.CreatedObjResults
	if len(results) != 1 || results[0].OperStatus.Success == nil {
		t.Fatalf("add results: %+v", results)
	}
	if got := results[0].OperStatus.Success.InstantiatedPath; got != "Device.LocalAgent.Subscription.1." {
		t.Errorf("instantiated path: got %q", got)
	}

	if len(env.subs.subs) != 1 {
		t.Fatalf("subscriptions: %+v", env.subs.subs)
	}
	sub := env.subs.subs[0]
	if sub.SubscriptionID != "boot-events" || sub.NotificationType != "Event" || !sub.Active {
		t.Errorf("subscription: %+v", sub)
	}
}

func TestAddRejectsNonSubscriptionObjects(t *testing.T) {
	env := newServiceEnv(t)

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "add-2", MsgType: wire.MsgTypeAdd},
		Body: &wire.Body{Request: &wire.Request{
			Add: &wire.Add{CreateObjs: []wire.CreateObject{{ObjPath: "Device.WiFi.SSID."}}},
		}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	results := replyMsg(t, reply).Body.Response.AddResp.CreatedObjResults
	if len(results) != 1 || results[0].OperStatus.Failure == nil {
		t.Fatalf("add results: %+v", results)
	}
	if results[0].OperStatus.Failure.ErrCode != wire.ErrCodeObjectDoesNotExist {
		t.Errorf("failure code: got %d", results[0].OperStatus.Failure.ErrCode)
	}
}

func TestDeleteDeactivatesSubscription(t *testing.T) {
	env := newServiceEnv(t)
	env.devices.Create(&database.Device{USPEndpointID: agentID, Protocol: database.ProtocolUSP})
	env.subs.Create(&database.UspSubscription{DeviceID: 1, SubscriptionID: "boot-events", Active: true})

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "del-1", MsgType: wire.MsgTypeDelete},
		Body: &wire.Body{Request: &wire.Request{
			Delete: &wire.Delete{ObjPaths: []string{
				"Device.LocalAgent.Subscription.1.",
				"Device.WiFi.SSID.3.",
			}},
		}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	results := replyMsg(t, reply).Body.Response.DeleteResp.DeletedObjResults
	if len(results) != 2 {
		t.Fatalf("delete results: %+v", results)
	}
	if results[0].OperStatus.Success == nil {
		t.Errorf("subscription delete should succeed: %+v", results[0])
	}
	if results[1].OperStatus.Failure == nil || results[1].OperStatus.Failure.ErrCode != wire.ErrCodeObjectDoesNotExist {
		t.Errorf("foreign object delete should fail: %+v", results[1])
	}
	if env.subs.subs[0].Active {
		t.Error("subscription still active")
	}
}

func TestNotifyRespOnlyWhenRequested(t *testing.T) {
	env := newServiceEnv(t)
	env.devices.Create(&database.Device{USPEndpointID: agentID, Protocol: database.ProtocolUSP})
	env.subs.Create(&database.UspSubscription{DeviceID: 1, SubscriptionID: "vc-1", Active: true})

	notify := func(sendResp bool) []byte {
		return agentRecord(t, env.svc, &wire.Msg{
			Header: &wire.Header{MsgID: "notif-1", MsgType: wire.MsgTypeNotify},
			Body: &wire.Body{Request: &wire.Request{
				Notify: &wire.Notify{
					SubscriptionID: "vc-1",
					SendResp:       sendResp,
					ValueChange: &wire.ValueChangeNotification{
						ParamPath:  "Device.WiFi.SSID.1.SSID",
						ParamValue: "evonet-5g",
					},
				},
			}},
		})
	}

	reply, _, err := env.svc.ProcessRecord(notify(false), database.MTPTypeMQTT)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if reply != nil {
		t.Error("notify without send_resp should not be answered")
	}

	reply, _, err = env.svc.ProcessRecord(notify(true), database.MTPTypeMQTT)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	msg := replyMsg(t, reply)
	if msg.Header.MsgType != wire.MsgTypeNotifyResp {
		t.Fatalf("reply type: %s", msg.Header.MsgType)
	}
	if msg.Body.Response.NotifyResp.SubscriptionID != "vc-1" {
		t.Errorf("subscription id: %+v", msg.Body.Response.NotifyResp)
	}

	if env.params.params[1]["Device.WiFi.SSID.1.SSID"] != "evonet-5g" {
		t.Errorf("value change not stored: %v", env.params.params[1])
	}
	if env.subs.notifications[1] != 2 {
		t.Errorf("notification count: got %d", env.subs.notifications[1])
	}
}

func TestOnBoardRequestEnrichesDevice(t *testing.T) {
	env := newServiceEnv(t)

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "ob-1", MsgType: wire.MsgTypeNotify},
		Body: &wire.Body{Request: &wire.Request{
			Notify: &wire.Notify{
				SendResp: true,
				OnBoardReq: &wire.OnBoardRequestNotification{
					OUI:          "ABCDEF",
					ProductClass: "HomeGateway",
					SerialNumber: "SN-900",
				},
			},
		}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeWebSocket)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if replyMsg(t, reply).Header.MsgType != wire.MsgTypeNotifyResp {
		t.Error("onboard request with send_resp should be acknowledged")
	}

	device := env.devices.devices[agentID]
	if device.SerialNumber != "SN-900" || device.OUI != "ABCDEF" || device.ProductClass != "HomeGateway" {
		t.Errorf("device identity: %+v", device)
	}
}

func TestGetRespStoresPushedParameters(t *testing.T) {
	env := newServiceEnv(t)
	env.devices.Create(&database.Device{USPEndpointID: agentID, Protocol: database.ProtocolUSP})

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "resp-1", MsgType: wire.MsgTypeGetResp},
		Body: &wire.Body{Response: &wire.Response{
			GetResp: &wire.GetResp{ReqPathResults: []wire.RequestedPathResult{{
				RequestedPath: "Device.DeviceInfo.",
				ResolvedPathResults: []wire.ResolvedPathResult{{
					ResolvedPath: "Device.DeviceInfo.",
					ResultParams: map[string]string{"UpTime": "86400"},
				}},
			}}},
		}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if reply != nil {
		t.Error("get_resp terminates the exchange")
	}
	if env.params.params[1]["Device.DeviceInfo.UpTime"] != "86400" {
		t.Errorf("pushed params not stored: %v", env.params.params[1])
	}
}

func TestUnknownMessageTypeAnswersError(t *testing.T) {
	env := newServiceEnv(t)

	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "odd-1", MsgType: wire.MsgType(13)},
		Body:   &wire.Body{Err: &wire.Error{ErrCode: 7000, ErrMsg: "placeholder"}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	msg := replyMsg(t, reply)
	if msg.Header.MsgType != wire.MsgTypeError {
		t.Fatalf("reply type: %s", msg.Header.MsgType)
	}
	if msg.Body.Err.ErrCode != wire.ErrCodeMessageNotSupported {
		t.Errorf("err code: got %d", msg.Body.Err.ErrCode)
	}
}

func TestMalformedRequestBodyAnswersError(t *testing.T) {
	env := newServiceEnv(t)

	// GET header over a set body, so the get handler finds nothing to do
	raw := agentRecord(t, env.svc, &wire.Msg{
		Header: &wire.Header{MsgID: "bad-1", MsgType: wire.MsgTypeGet},
		Body:   &wire.Body{Request: &wire.Request{Set: &wire.Set{}}},
	})
	reply, _, err := env.svc.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}

	msg := replyMsg(t, reply)
	if msg.Header.MsgType != wire.MsgTypeError {
		t.Fatalf("reply type: %s", msg.Header.MsgType)
	}
	if msg.Body.Err.ErrCode != wire.ErrCodeInternalError {
		t.Errorf("err code: got %d", msg.Body.Err.ErrCode)
	}
}
