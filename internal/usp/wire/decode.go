package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// UnmarshalRecord parses a Record, skipping unknown fields. Session-context,
// STOMP and UDS record types are rejected as unsupported; the version must be
// one this controller speaks.
func UnmarshalRecord(b []byte) (*Record, error) {
	r := &Record{}
	err := eachField(b, ErrBadRecord, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			r.Version = v.str()
		case 2:
			r.ToID = v.str()
		case 3:
			r.FromID = v.str()
		case 4:
			r.PayloadSecurity = PayloadSecurity(v.varint())
		case 5:
			r.MACSignature = v.bytes()
		case 6:
			r.SenderCert = v.bytes()
		case 7:
			nsc, err := unmarshalNoSessionContext(v.bytes())
			if err != nil {
				return err
			}
			r.NoSessionContext = nsc
		case 9:
			r.WebSocketConnect = &WebSocketConnectRecord{}
		case 10:
			mc, err := unmarshalMQTTConnect(v.bytes())
			if err != nil {
				return err
			}
			r.MQTTConnect = mc
		case 12:
			d, err := unmarshalDisconnect(v.bytes())
			if err != nil {
				return err
			}
			r.Disconnect = d
		case 8, 11, 13:
			return fmt.Errorf("%w: record type field %d", ErrUnsupportedRecord, num)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.Version != "" && !VersionSupported(r.Version) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, r.Version)
	}
	return r, nil
}

func unmarshalNoSessionContext(b []byte) (*NoSessionContextRecord, error) {
	nsc := &NoSessionContextRecord{}
	err := eachField(b, ErrBadRecord, func(num protowire.Number, typ protowire.Type, v value) error {
		if num == 2 {
			nsc.Payload = v.bytes()
		}
		return nil
	})
	return nsc, err
}

func unmarshalMQTTConnect(b []byte) (*MQTTConnectRecord, error) {
	mc := &MQTTConnectRecord{}
	err := eachField(b, ErrBadRecord, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			mc.Version = int32(v.varint())
		case 2:
			mc.SubscribedTopic = v.str()
		}
		return nil
	})
	return mc, err
}

func unmarshalDisconnect(b []byte) (*DisconnectRecord, error) {
	d := &DisconnectRecord{}
	err := eachField(b, ErrBadRecord, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			d.ReasonCode = v.fixed32()
		case 2:
			d.Reason = v.str()
		}
		return nil
	})
	return d, err
}

// UnmarshalMsg parses the inner Msg carried by a NoSessionContext payload
func UnmarshalMsg(b []byte) (*Msg, error) {
	m := &Msg{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			h, err := unmarshalHeader(v.bytes())
			if err != nil {
				return err
			}
			m.Header = h
		case 2:
			body, err := unmarshalBody(v.bytes())
			if err != nil {
				return err
			}
			m.Body = body
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Header == nil {
		return nil, fmt.Errorf("%w: msg has no header", ErrBadMsg)
	}
	return m, nil
}

func unmarshalHeader(b []byte) (*Header, error) {
	h := &Header{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			h.MsgID = v.str()
		case 2:
			h.MsgType = MsgType(v.varint())
		}
		return nil
	})
	return h, err
}

func unmarshalBody(b []byte) (*Body, error) {
	body := &Body{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			req, err := unmarshalRequest(v.bytes())
			if err != nil {
				return err
			}
			body.Request = req
		case 2:
			resp, err := unmarshalResponse(v.bytes())
			if err != nil {
				return err
			}
			body.Response = resp
		case 3:
			e := &Error{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					e.ErrCode = v.fixed32()
				case 2:
					e.ErrMsg = v.str()
				}
				return nil
			})
			if err != nil {
				return err
			}
			body.Err = e
		}
		return nil
	})
	return body, err
}

func unmarshalRequest(b []byte) (*Request, error) {
	req := &Request{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		var err error
		switch num {
		case 1:
			req.Get, err = unmarshalGet(v.bytes())
		case 4:
			req.Set, err = unmarshalSet(v.bytes())
		case 5:
			req.Add, err = unmarshalAdd(v.bytes())
		case 6:
			req.Delete, err = unmarshalDelete(v.bytes())
		case 7:
			req.Operate, err = unmarshalOperate(v.bytes())
		case 8:
			req.Notify, err = unmarshalNotify(v.bytes())
		}
		return err
	})
	return req, err
}

func unmarshalGet(b []byte) (*Get, error) {
	g := &Get{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			g.ParamPaths = append(g.ParamPaths, v.str())
		case 2:
			g.MaxDepth = uint32(v.varint())
		}
		return nil
	})
	return g, err
}

func unmarshalSet(b []byte) (*Set, error) {
	s := &Set{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			s.AllowPartial = v.varint() != 0
		case 2:
			obj := UpdateObject{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					obj.ObjPath = v.str()
				case 2:
					ps, err := unmarshalParamSetting(v.bytes())
					if err != nil {
						return err
					}
					obj.ParamSettings = append(obj.ParamSettings, ps)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.UpdateObjs = append(s.UpdateObjs, obj)
		}
		return nil
	})
	return s, err
}

func unmarshalAdd(b []byte) (*Add, error) {
	a := &Add{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			a.AllowPartial = v.varint() != 0
		case 2:
			obj := CreateObject{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					obj.ObjPath = v.str()
				case 2:
					ps, err := unmarshalParamSetting(v.bytes())
					if err != nil {
						return err
					}
					obj.ParamSettings = append(obj.ParamSettings, ps)
				}
				return nil
			})
			if err != nil {
				return err
			}
			a.CreateObjs = append(a.CreateObjs, obj)
		}
		return nil
	})
	return a, err
}

func unmarshalDelete(b []byte) (*Delete, error) {
	d := &Delete{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			d.AllowPartial = v.varint() != 0
		case 2:
			d.ObjPaths = append(d.ObjPaths, v.str())
		}
		return nil
	})
	return d, err
}

func unmarshalOperate(b []byte) (*Operate, error) {
	o := &Operate{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			o.Command = v.str()
		case 2:
			o.CommandKey = v.str()
		case 3:
			o.SendResp = v.varint() != 0
		case 4:
			k, val, err := unmarshalMapEntry(v.bytes())
			if err != nil {
				return err
			}
			if o.InputArgs == nil {
				o.InputArgs = map[string]string{}
			}
			o.InputArgs[k] = val
		}
		return nil
	})
	return o, err
}

func unmarshalNotify(b []byte) (*Notify, error) {
	n := &Notify{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			n.SubscriptionID = v.str()
		case 2:
			n.SendResp = v.varint() != 0
		case 3:
			ev := &EventNotification{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					ev.ObjPath = v.str()
				case 2:
					ev.EventName = v.str()
				case 3:
					k, val, err := unmarshalMapEntry(v.bytes())
					if err != nil {
						return err
					}
					if ev.Params == nil {
						ev.Params = map[string]string{}
					}
					ev.Params[k] = val
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.Event = ev
		case 4:
			vc := &ValueChangeNotification{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					vc.ParamPath = v.str()
				case 2:
					vc.ParamValue = v.str()
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.ValueChange = vc
		case 5:
			oc := &ObjectCreationNotification{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					oc.ObjPath = v.str()
				case 2:
					k, val, err := unmarshalMapEntry(v.bytes())
					if err != nil {
						return err
					}
					if oc.UniqueKeys == nil {
						oc.UniqueKeys = map[string]string{}
					}
					oc.UniqueKeys[k] = val
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.ObjCreation = oc
		case 6:
			od := &ObjectDeletionNotification{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				if num == 1 {
					od.ObjPath = v.str()
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.ObjDeletion = od
		case 7:
			opc := &OperationCompleteNotification{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					opc.ObjPath = v.str()
				case 2:
					opc.CommandName = v.str()
				case 3:
					opc.CommandKey = v.str()
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.OperComplete = opc
		case 8:
			ob := &OnBoardRequestNotification{}
			err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					ob.OUI = v.str()
				case 2:
					ob.ProductClass = v.str()
				case 3:
					ob.SerialNumber = v.str()
				case 4:
					ob.AgentSupportedProtocolVersions = v.str()
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.OnBoardReq = ob
		}
		return nil
	})
	return n, err
}

func unmarshalResponse(b []byte) (*Response, error) {
	resp := &Response{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		var err error
		switch num {
		case 1:
			resp.GetResp, err = unmarshalGetResp(v.bytes())
		case 4:
			resp.SetResp, err = unmarshalSetResp(v.bytes())
		case 5:
			resp.AddResp, err = unmarshalAddResp(v.bytes())
		case 6:
			resp.DeleteResp, err = unmarshalDeleteResp(v.bytes())
		case 7:
			resp.OperateResp, err = unmarshalOperateResp(v.bytes())
		case 8:
			nr := &NotifyResp{}
			err = eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				if num == 1 {
					nr.SubscriptionID = v.str()
				}
				return nil
			})
			if err == nil {
				resp.NotifyResp = nr
			}
		}
		return err
	})
	return resp, err
}

func unmarshalGetResp(b []byte) (*GetResp, error) {
	g := &GetResp{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		if num != 1 {
			return nil
		}
		r := RequestedPathResult{}
		err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
			switch num {
			case 1:
				r.RequestedPath = v.str()
			case 2:
				r.ErrCode = v.fixed32()
			case 3:
				r.ErrMsg = v.str()
			case 4:
				res := ResolvedPathResult{}
				err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
					switch num {
					case 1:
						res.ResolvedPath = v.str()
					case 2:
						k, val, err := unmarshalMapEntry(v.bytes())
						if err != nil {
							return err
						}
						if res.ResultParams == nil {
							res.ResultParams = map[string]string{}
						}
						res.ResultParams[k] = val
					}
					return nil
				})
				if err != nil {
					return err
				}
				r.ResolvedPathResults = append(r.ResolvedPathResults, res)
			}
			return nil
		})
		if err != nil {
			return err
		}
		g.ReqPathResults = append(g.ReqPathResults, r)
		return nil
	})
	return g, err
}

func unmarshalSetResp(b []byte) (*SetResp, error) {
	s := &SetResp{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		if num != 1 {
			return nil
		}
		r := UpdatedObjectResult{}
		err := unmarshalObjResult(v.bytes(), &r.RequestedPath, &r.OperStatus)
		if err != nil {
			return err
		}
		s.UpdatedObjResults = append(s.UpdatedObjResults, r)
		return nil
	})
	return s, err
}

func unmarshalAddResp(b []byte) (*AddResp, error) {
	a := &AddResp{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		if num != 1 {
			return nil
		}
		r := CreatedObjectResult{}
		err := unmarshalObjResult(v.bytes(), &r.RequestedPath, &r.OperStatus)
		if err != nil {
			return err
		}
		a.CreatedObjResults = append(a.CreatedObjResults, r)
		return nil
	})
	return a, err
}

func unmarshalDeleteResp(b []byte) (*DeleteResp, error) {
	d := &DeleteResp{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		if num != 1 {
			return nil
		}
		r := DeletedObjectResult{}
		err := unmarshalObjResult(v.bytes(), &r.RequestedPath, &r.OperStatus)
		if err != nil {
			return err
		}
		d.DeletedObjResults = append(d.DeletedObjResults, r)
		return nil
	})
	return d, err
}

func unmarshalOperateResp(b []byte) (*OperateResp, error) {
	o := &OperateResp{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		if num != 1 {
			return nil
		}
		r := OperationResult{}
		err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
			switch num {
			case 1:
				r.ExecutedCommand = v.str()
			case 2:
				r.ReqObjPath = v.str()
			case 3:
				err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
					if num == 1 {
						k, val, err := unmarshalMapEntry(v.bytes())
						if err != nil {
							return err
						}
						if r.OutputArgs == nil {
							r.OutputArgs = map[string]string{}
						}
						r.OutputArgs[k] = val
					}
					return nil
				})
				if err != nil {
					return err
				}
			case 4:
				f := &OperationFailure{}
				err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
					switch num {
					case 1:
						f.ErrCode = v.fixed32()
					case 2:
						f.ErrMsg = v.str()
					}
					return nil
				})
				if err != nil {
					return err
				}
				r.CmdFailure = f
			}
			return nil
		})
		if err != nil {
			return err
		}
		o.OperationResults = append(o.OperationResults, r)
		return nil
	})
	return o, err
}

func unmarshalObjResult(b []byte, path *string, status *OperationStatus) error {
	return eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			*path = v.str()
		case 2:
			return eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
				switch num {
				case 1:
					f := &OperationFailure{}
					err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
						switch num {
						case 1:
							f.ErrCode = v.fixed32()
						case 2:
							f.ErrMsg = v.str()
						}
						return nil
					})
					if err != nil {
						return err
					}
					status.Failure = f
				case 2:
					s := &OperationSuccess{}
					err := eachField(v.bytes(), ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
						switch num {
						case 1:
							s.AffectedPaths = append(s.AffectedPaths, v.str())
						case 2:
							k, val, err := unmarshalMapEntry(v.bytes())
							if err != nil {
								return err
							}
							if s.UpdatedParams == nil {
								s.UpdatedParams = map[string]string{}
							}
							s.UpdatedParams[k] = val
						}
						return nil
					})
					if err != nil {
						return err
					}
					if len(s.AffectedPaths) == 1 && len(s.UpdatedParams) == 0 {
						s.InstantiatedPath = s.AffectedPaths[0]
					}
					status.Success = s
				}
				return nil
			})
		}
		return nil
	})
}

func unmarshalParamSetting(b []byte) (ParamSetting, error) {
	ps := ParamSetting{}
	err := eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			ps.Param = v.str()
		case 2:
			ps.Value = v.str()
		case 3:
			ps.Required = v.varint() != 0
		}
		return nil
	})
	return ps, err
}

func unmarshalMapEntry(b []byte) (key, val string, err error) {
	err = eachField(b, ErrBadMsg, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			key = v.str()
		case 2:
			val = v.str()
		}
		return nil
	})
	return key, val, err
}

// value is the raw wire value of one field, interpreted by the caller
type value struct {
	varintV  uint64
	fixed32V uint32
	raw      []byte
}

func (v value) str() string     { return string(v.raw) }
func (v value) bytes() []byte   { return v.raw }
func (v value) varint() uint64  { return v.varintV }
func (v value) fixed32() uint32 { return v.fixed32V }

// eachField walks every field of a length-delimited message, decoding the
// wire value and delegating interpretation to fn. Unknown field numbers are
// simply ignored by the callbacks, which keeps decoding tolerant of schema
// growth.
func eachField(b []byte, wrap error, fn func(num protowire.Number, typ protowire.Type, v value) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", wrap, protowire.ParseError(n))
		}
		b = b[n:]

		var v value
		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", wrap, protowire.ParseError(n))
			}
			v.varintV = x
			b = b[n:]
		case protowire.Fixed32Type:
			x, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", wrap, protowire.ParseError(n))
			}
			v.fixed32V = x
			b = b[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", wrap, protowire.ParseError(n))
			}
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", wrap, protowire.ParseError(n))
			}
			v.raw = raw
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", wrap, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
