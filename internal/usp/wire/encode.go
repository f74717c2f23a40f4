package wire

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// MarshalRecord serializes a Record. Exactly one record type must be set.
func MarshalRecord(r *Record) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, r.Version)
	b = appendString(b, 2, r.ToID)
	b = appendString(b, 3, r.FromID)
	b = appendVarint(b, 4, uint64(r.PayloadSecurity))
	b = appendBytes(b, 5, r.MACSignature)
	b = appendBytes(b, 6, r.SenderCert)

	switch {
	case r.NoSessionContext != nil:
		var inner []byte
		inner = appendBytes(inner, 2, r.NoSessionContext.Payload)
		b = appendMessage(b, 7, inner)
	case r.WebSocketConnect != nil:
		b = appendMessage(b, 9, nil)
	case r.MQTTConnect != nil:
		var inner []byte
		inner = appendVarint(inner, 1, uint64(r.MQTTConnect.Version))
		inner = appendString(inner, 2, r.MQTTConnect.SubscribedTopic)
		b = appendMessage(b, 10, inner)
	case r.Disconnect != nil:
		var inner []byte
		inner = appendFixed32(inner, 1, r.Disconnect.ReasonCode)
		inner = appendString(inner, 2, r.Disconnect.Reason)
		b = appendMessage(b, 12, inner)
	default:
		return nil, fmt.Errorf("%w: record has no record type", ErrBadRecord)
	}
	return b, nil
}

// MarshalMsg serializes a Msg for embedding into a Record payload
func MarshalMsg(m *Msg) ([]byte, error) {
	if m.Header == nil || m.Body == nil {
		return nil, fmt.Errorf("%w: msg requires header and body", ErrBadMsg)
	}

	var header []byte
	header = appendString(header, 1, m.Header.MsgID)
	header = appendVarint(header, 2, uint64(m.Header.MsgType))

	body, err := marshalBody(m.Body)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = appendMessage(b, 1, header)
	b = appendMessage(b, 2, body)
	return b, nil
}

func marshalBody(body *Body) ([]byte, error) {
	switch {
	case body.Request != nil:
		req, err := marshalRequest(body.Request)
		if err != nil {
			return nil, err
		}
		return appendMessage(nil, 1, req), nil
	case body.Response != nil:
		resp, err := marshalResponse(body.Response)
		if err != nil {
			return nil, err
		}
		return appendMessage(nil, 2, resp), nil
	case body.Err != nil:
		var e []byte
		e = appendFixed32(e, 1, body.Err.ErrCode)
		e = appendString(e, 2, body.Err.ErrMsg)
		return appendMessage(nil, 3, e), nil
	}
	return nil, fmt.Errorf("%w: body has no content", ErrBadMsg)
}

func marshalRequest(req *Request) ([]byte, error) {
	switch {
	case req.Get != nil:
		var g []byte
		for _, p := range req.Get.ParamPaths {
			g = appendString(g, 1, p)
		}
		g = appendVarint(g, 2, uint64(req.Get.MaxDepth))
		return appendMessage(nil, 1, g), nil

	case req.Set != nil:
		var s []byte
		s = appendBool(s, 1, req.Set.AllowPartial)
		for _, obj := range req.Set.UpdateObjs {
			var o []byte
			o = appendString(o, 1, obj.ObjPath)
			for _, ps := range obj.ParamSettings {
				o = appendMessage(o, 2, marshalParamSetting(ps))
			}
			s = appendMessage(s, 2, o)
		}
		return appendMessage(nil, 4, s), nil

	case req.Add != nil:
		var a []byte
		a = appendBool(a, 1, req.Add.AllowPartial)
		for _, obj := range req.Add.CreateObjs {
			var o []byte
			o = appendString(o, 1, obj.ObjPath)
			for _, ps := range obj.ParamSettings {
				o = appendMessage(o, 2, marshalParamSetting(ps))
			}
			a = appendMessage(a, 2, o)
		}
		return appendMessage(nil, 5, a), nil

	case req.Delete != nil:
		var d []byte
		d = appendBool(d, 1, req.Delete.AllowPartial)
		for _, p := range req.Delete.ObjPaths {
			d = appendString(d, 2, p)
		}
		return appendMessage(nil, 6, d), nil

	case req.Operate != nil:
		var o []byte
		o = appendString(o, 1, req.Operate.Command)
		o = appendString(o, 2, req.Operate.CommandKey)
		o = appendBool(o, 3, req.Operate.SendResp)
		o = appendStringMap(o, 4, req.Operate.InputArgs)
		return appendMessage(nil, 7, o), nil

	case req.Notify != nil:
		n, err := marshalNotify(req.Notify)
		if err != nil {
			return nil, err
		}
		return appendMessage(nil, 8, n), nil
	}
	return nil, fmt.Errorf("%w: request has no content", ErrBadMsg)
}

func marshalNotify(n *Notify) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, n.SubscriptionID)
	b = appendBool(b, 2, n.SendResp)

	switch {
	case n.Event != nil:
		var e []byte
		e = appendString(e, 1, n.Event.ObjPath)
		e = appendString(e, 2, n.Event.EventName)
		e = appendStringMap(e, 3, n.Event.Params)
		b = appendMessage(b, 3, e)
	case n.ValueChange != nil:
		var v []byte
		v = appendString(v, 1, n.ValueChange.ParamPath)
		v = appendString(v, 2, n.ValueChange.ParamValue)
		b = appendMessage(b, 4, v)
	case n.ObjCreation != nil:
		var o []byte
		o = appendString(o, 1, n.ObjCreation.ObjPath)
		o = appendStringMap(o, 2, n.ObjCreation.UniqueKeys)
		b = appendMessage(b, 5, o)
	case n.ObjDeletion != nil:
		var o []byte
		o = appendString(o, 1, n.ObjDeletion.ObjPath)
		b = appendMessage(b, 6, o)
	case n.OperComplete != nil:
		var o []byte
		o = appendString(o, 1, n.OperComplete.ObjPath)
		o = appendString(o, 2, n.OperComplete.CommandName)
		o = appendString(o, 3, n.OperComplete.CommandKey)
		b = appendMessage(b, 7, o)
	case n.OnBoardReq != nil:
		var o []byte
		o = appendString(o, 1, n.OnBoardReq.OUI)
		o = appendString(o, 2, n.OnBoardReq.ProductClass)
		o = appendString(o, 3, n.OnBoardReq.SerialNumber)
		o = appendString(o, 4, n.OnBoardReq.AgentSupportedProtocolVersions)
		b = appendMessage(b, 8, o)
	default:
		return nil, fmt.Errorf("%w: notify has no notification", ErrBadMsg)
	}
	return b, nil
}

func marshalResponse(resp *Response) ([]byte, error) {
	switch {
	case resp.GetResp != nil:
		var g []byte
		for _, r := range resp.GetResp.ReqPathResults {
			var rp []byte
			rp = appendString(rp, 1, r.RequestedPath)
			rp = appendFixed32(rp, 2, r.ErrCode)
			rp = appendString(rp, 3, r.ErrMsg)
			for _, res := range r.ResolvedPathResults {
				var rr []byte
				rr = appendString(rr, 1, res.ResolvedPath)
				rr = appendStringMap(rr, 2, res.ResultParams)
				rp = appendMessage(rp, 4, rr)
			}
			g = appendMessage(g, 1, rp)
		}
		return appendMessage(nil, 1, g), nil

	case resp.SetResp != nil:
		var s []byte
		for _, r := range resp.SetResp.UpdatedObjResults {
			var ur []byte
			ur = appendString(ur, 1, r.RequestedPath)
			ur = appendMessage(ur, 2, marshalOperStatus(r.OperStatus))
			s = appendMessage(s, 1, ur)
		}
		return appendMessage(nil, 4, s), nil

	case resp.AddResp != nil:
		var a []byte
		for _, r := range resp.AddResp.CreatedObjResults {
			var cr []byte
			cr = appendString(cr, 1, r.RequestedPath)
			cr = appendMessage(cr, 2, marshalOperStatus(r.OperStatus))
			a = appendMessage(a, 1, cr)
		}
		return appendMessage(nil, 5, a), nil

	case resp.DeleteResp != nil:
		var d []byte
		for _, r := range resp.DeleteResp.DeletedObjResults {
			var dr []byte
			dr = appendString(dr, 1, r.RequestedPath)
			dr = appendMessage(dr, 2, marshalOperStatus(r.OperStatus))
			d = appendMessage(d, 1, dr)
		}
		return appendMessage(nil, 6, d), nil

	case resp.OperateResp != nil:
		var o []byte
		for _, r := range resp.OperateResp.OperationResults {
			var or []byte
			or = appendString(or, 1, r.ExecutedCommand)
			switch {
			case r.CmdFailure != nil:
				var f []byte
				f = appendFixed32(f, 1, r.CmdFailure.ErrCode)
				f = appendString(f, 2, r.CmdFailure.ErrMsg)
				or = appendMessage(or, 4, f)
			case r.OutputArgs != nil:
				var oa []byte
				oa = appendStringMap(oa, 1, r.OutputArgs)
				or = appendMessage(or, 3, oa)
			default:
				or = appendString(or, 2, r.ReqObjPath)
			}
			o = appendMessage(o, 1, or)
		}
		return appendMessage(nil, 7, o), nil

	case resp.NotifyResp != nil:
		var n []byte
		n = appendString(n, 1, resp.NotifyResp.SubscriptionID)
		return appendMessage(nil, 8, n), nil
	}
	return nil, fmt.Errorf("%w: response has no content", ErrBadMsg)
}

func marshalOperStatus(st OperationStatus) []byte {
	if st.Failure != nil {
		var f []byte
		f = appendFixed32(f, 1, st.Failure.ErrCode)
		f = appendString(f, 2, st.Failure.ErrMsg)
		return appendMessage(nil, 1, f)
	}

	var s []byte
	if st.Success != nil {
		if st.Success.InstantiatedPath != "" {
			s = appendString(s, 1, st.Success.InstantiatedPath)
		}
		for _, p := range st.Success.AffectedPaths {
			s = appendString(s, 1, p)
		}
		s = appendStringMap(s, 2, st.Success.UpdatedParams)
	}
	return appendMessage(nil, 2, s)
}

func marshalParamSetting(ps ParamSetting) []byte {
	var b []byte
	b = appendString(b, 1, ps.Param)
	b = appendString(b, 2, ps.Value)
	b = appendBool(b, 3, ps.Required)
	return b
}

// Low-level appenders. Zero values are skipped for scalars, matching proto3
// presence rules; embedded messages are always emitted once chosen.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// appendStringMap emits map<string,string> entries in sorted key order so
// serialization is deterministic
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	if len(m) == 0 {
		return b
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m[k])
		b = appendMessage(b, num, entry)
	}
	return b
}
