package wire

import (
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestRecordRoundTripNoSessionContext(t *testing.T) {
	msg := &Msg{
		Header: &Header{MsgID: "msg-1", MsgType: MsgTypeGet},
		Body: &Body{Request: &Request{
			Get: &Get{ParamPaths: []string{"Device.DeviceInfo.", "Device.WiFi."}, MaxDepth: 2},
		}},
	}
	payload, err := MarshalMsg(msg)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}

	record := &Record{
		Version:          "1.3",
		ToID:             "proto::agent-1",
		FromID:           "proto::evoacs-controller",
		NoSessionContext: &NoSessionContextRecord{Payload: payload},
	}
	raw, err := MarshalRecord(record)
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}

	got, err := UnmarshalRecord(raw)
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	if got.Version != "1.3" || got.ToID != record.ToID || got.FromID != record.FromID {
		t.Errorf("record envelope: got %+v", got)
	}
	if got.NoSessionContext == nil {
		t.Fatal("no session context payload lost")
	}

	inner, err := UnmarshalMsg(got.NoSessionContext.Payload)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}
	if inner.Header.MsgID != "msg-1" || inner.Header.MsgType != MsgTypeGet {
		t.Errorf("header: got %+v", inner.Header)
	}
	get := inner.Body.Request.Get
	if get == nil {
		t.Fatal("get request lost")
	}
	if !reflect.DeepEqual(get.ParamPaths, []string{"Device.DeviceInfo.", "Device.WiFi."}) {
		t.Errorf("param paths: got %v", get.ParamPaths)
	}
	if get.MaxDepth != 2 {
		t.Errorf("max depth: got %d", get.MaxDepth)
	}
}

func TestRecordRejectsUnsupportedVersion(t *testing.T) {
	raw, err := MarshalRecord(&Record{
		Version:          "1.0",
		NoSessionContext: &NoSessionContextRecord{Payload: []byte{}},
	})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	if _, err := UnmarshalRecord(raw); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestRecordRejectsUnsupportedRecordTypes(t *testing.T) {
	// session_context (8), stomp_connect (11) and uds_connect (13) are not
	// record types this controller accepts
	for _, field := range []protowire.Number{8, 11, 13} {
		var raw []byte
		raw = appendString(raw, 1, "1.3")
		raw = appendMessage(raw, field, nil)

		if _, err := UnmarshalRecord(raw); !errors.Is(err, ErrUnsupportedRecord) {
			t.Errorf("field %d: got %v, want ErrUnsupportedRecord", field, err)
		}
	}
}

func TestRecordRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalRecord([]byte{0xff, 0xff, 0xff}); !errors.Is(err, ErrBadRecord) {
		t.Errorf("got %v, want ErrBadRecord", err)
	}
}

func TestMsgRequiresHeader(t *testing.T) {
	body, err := marshalBody(&Body{Err: &Error{ErrCode: 7000, ErrMsg: "x"}})
	if err != nil {
		t.Fatalf("marshalBody: %v", err)
	}
	raw := appendMessage(nil, 2, body)

	if _, err := UnmarshalMsg(raw); !errors.Is(err, ErrBadMsg) {
		t.Errorf("got %v, want ErrBadMsg", err)
	}
}

func TestMQTTConnectRoundTrip(t *testing.T) {
	raw, err := MarshalRecord(&Record{
		Version:     "1.4",
		FromID:      "proto::agent-9",
		MQTTConnect: &MQTTConnectRecord{Version: 1, SubscribedTopic: "usp/agent/proto::agent-9"},
	})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}

	got, err := UnmarshalRecord(raw)
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	if got.MQTTConnect == nil || got.MQTTConnect.SubscribedTopic != "usp/agent/proto::agent-9" {
		t.Errorf("mqtt connect: got %+v", got.MQTTConnect)
	}
}

func TestDisconnectRoundTrip(t *testing.T) {
	raw, err := MarshalRecord(&Record{
		Version:    "1.3",
		FromID:     "proto::agent-2",
		Disconnect: &DisconnectRecord{ReasonCode: 7000, Reason: "shutting down"},
	})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	got, err := UnmarshalRecord(raw)
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	if got.Disconnect == nil || got.Disconnect.ReasonCode != 7000 || got.Disconnect.Reason != "shutting down" {
		t.Errorf("disconnect: got %+v", got.Disconnect)
	}
}

func TestSetRoundTrip(t *testing.T) {
	msg := &Msg{
		Header: &Header{MsgID: "set-1", MsgType: MsgTypeSet},
		Body: &Body{Request: &Request{
			Set: &Set{
				AllowPartial: true,
				UpdateObjs: []UpdateObject{{
					ObjPath: "Device.WiFi.SSID.1.",
					ParamSettings: []ParamSetting{
						{Param: "SSID", Value: "evonet", Required: true},
						{Param: "Enable", Value: "true"},
					},
				}},
			},
		}},
	}
	raw, err := MarshalMsg(msg)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	got, err := UnmarshalMsg(raw)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}

	set := got.Body.Request.Set
	if set == nil || !set.AllowPartial {
		t.Fatalf("set lost: %+v", got.Body)
	}
	if len(set.UpdateObjs) != 1 || set.UpdateObjs[0].ObjPath != "Device.WiFi.SSID.1." {
		t.Fatalf("update objects: got %+v", set.UpdateObjs)
	}
	settings := set.UpdateObjs[0].ParamSettings
	if len(settings) != 2 || settings[0] != (ParamSetting{Param: "SSID", Value: "evonet", Required: true}) {
		t.Errorf("param settings: got %+v", settings)
	}
}

func TestOperateInputArgsRoundTrip(t *testing.T) {
	msg := &Msg{
		Header: &Header{MsgID: "op-1", MsgType: MsgTypeOperate},
		Body: &Body{Request: &Request{
			Operate: &Operate{
				Command:    "Device.Reboot()",
				CommandKey: "reboot-now",
				SendResp:   true,
				InputArgs:  map[string]string{"Cause": "RemoteReboot", "Delay": "0"},
			},
		}},
	}
	raw, err := MarshalMsg(msg)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	got, err := UnmarshalMsg(raw)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}

	op := got.Body.Request.Operate
	if op == nil || op.Command != "Device.Reboot()" || !op.SendResp {
		t.Fatalf("operate lost: %+v", got.Body)
	}
	if !reflect.DeepEqual(op.InputArgs, msg.Body.Request.Operate.InputArgs) {
		t.Errorf("input args: got %v", op.InputArgs)
	}
}

func TestNotifyOnBoardRequestRoundTrip(t *testing.T) {
	msg := &Msg{
		Header: &Header{MsgID: "notif-1", MsgType: MsgTypeNotify},
		Body: &Body{Request: &Request{
			Notify: &Notify{
				SubscriptionID: "boot-0",
				SendResp:       true,
				OnBoardReq: &OnBoardRequestNotification{
					OUI:                            "ABCDEF",
					ProductClass:                   "HomeGateway",
					SerialNumber:                   "SN-42",
					AgentSupportedProtocolVersions: "1.3,1.4",
				},
			},
		}},
	}
	raw, err := MarshalMsg(msg)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	got, err := UnmarshalMsg(raw)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}

	n := got.Body.Request.Notify
	if n == nil || n.Kind() != "OnBoardRequest" {
		t.Fatalf("notify lost: %+v", got.Body)
	}
	if n.OnBoardReq.SerialNumber != "SN-42" || n.OnBoardReq.AgentSupportedProtocolVersions != "1.3,1.4" {
		t.Errorf("onboard request: got %+v", n.OnBoardReq)
	}
	if !n.SendResp {
		t.Error("send_resp lost")
	}
}

func TestGetRespRoundTrip(t *testing.T) {
	msg := &Msg{
		Header: &Header{MsgID: "resp-1", MsgType: MsgTypeGetResp},
		Body: &Body{Response: &Response{
			GetResp: &GetResp{ReqPathResults: []RequestedPathResult{
				{
					RequestedPath: "Device.DeviceInfo.",
					ResolvedPathResults: []ResolvedPathResult{{
						ResolvedPath: "Device.DeviceInfo.",
						ResultParams: map[string]string{
							"Manufacturer": "EvoRouter",
							"ModelName":    "HGW-1",
						},
					}},
				},
				{RequestedPath: "Device.Bogus.", ErrCode: ErrCodeObjectDoesNotExist, ErrMsg: "no such object"},
			}},
		}},
	}
	raw, err := MarshalMsg(msg)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	got, err := UnmarshalMsg(raw)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}

	gr := got.Body.Response.GetResp
	if gr == nil || len(gr.ReqPathResults) != 2 {
		t.Fatalf("get resp: got %+v", got.Body)
	}
	first := gr.ReqPathResults[0]
	if len(first.ResolvedPathResults) != 1 ||
		first.ResolvedPathResults[0].ResultParams["Manufacturer"] != "EvoRouter" {
		t.Errorf("resolved results: got %+v", first.ResolvedPathResults)
	}
	second := gr.ReqPathResults[1]
	if second.ErrCode != ErrCodeObjectDoesNotExist || second.ErrMsg != "no such object" {
		t.Errorf("error result: got %+v", second)
	}
}

func TestErrorBodyRoundTrip(t *testing.T) {
	msg := &Msg{
		Header: &Header{MsgID: "err-1", MsgType: MsgTypeError},
		Body:   &Body{Err: &Error{ErrCode: ErrCodeMessageNotSupported, ErrMsg: "message not supported"}},
	}
	raw, err := MarshalMsg(msg)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	got, err := UnmarshalMsg(raw)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}
	if got.Body.Err == nil || got.Body.Err.ErrCode != ErrCodeMessageNotSupported {
		t.Errorf("error body: got %+v", got.Body)
	}
}

func TestMarshalDeterministicMaps(t *testing.T) {
	op := &Operate{
		Command:   "Device.SelfTest()",
		InputArgs: map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	msg := &Msg{
		Header: &Header{MsgID: "op", MsgType: MsgTypeOperate},
		Body:   &Body{Request: &Request{Operate: op}},
	}

	first, err := MarshalMsg(msg)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := MarshalMsg(msg)
		if err != nil {
			t.Fatalf("MarshalMsg: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatal("map serialization is not deterministic")
		}
	}
}

func TestRecordWithoutTypeFailsToMarshal(t *testing.T) {
	if _, err := MarshalRecord(&Record{Version: "1.3"}); !errors.Is(err, ErrBadRecord) {
		t.Errorf("got %v, want ErrBadRecord", err)
	}
}

func TestUnknownFieldsTolerated(t *testing.T) {
	raw, err := MarshalRecord(&Record{
		Version:          "1.3",
		FromID:           "proto::agent-1",
		NoSessionContext: &NoSessionContextRecord{Payload: []byte{}},
	})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	// Append a field number this schema never assigns
	raw = protowire.AppendTag(raw, 900, protowire.BytesType)
	raw = protowire.AppendString(raw, "future extension")

	got, err := UnmarshalRecord(raw)
	if err != nil {
		t.Fatalf("unknown fields should be skipped: %v", err)
	}
	if got.FromID != "proto::agent-1" {
		t.Errorf("known fields lost: %+v", got)
	}
}
