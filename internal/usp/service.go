// Package usp implements the controller side of TR-369: decoding inbound
// Records, serving the data model operations, and dispatching outbound
// requests over the device's message transfer protocol.
package usp

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp/wire"
	"github.com/dexter939/EvoAcsss-sub001/pkg/kafka"
	"github.com/dexter939/EvoAcsss-sub001/pkg/metrics"
	"github.com/dexter939/EvoAcsss-sub001/pkg/redis"
)

const serviceName = "acs-server"

const subscriptionObjPath = "Device.LocalAgent.Subscription."

// Storage interfaces consumed by the message service; gorm repositories in
// internal/database satisfy them, tests use fakes.

type DeviceStore interface {
	Create(device *database.Device) error
	Save(device *database.Device) error
	FindByEndpointID(endpointID string) (*database.Device, error)
}

type ParameterStore interface {
	Upsert(deviceID uint, path, value, paramType string) error
	GetByPrefix(deviceID uint, prefix string) ([]database.DeviceParameter, error)
}

type SubscriptionStore interface {
	Create(sub *database.UspSubscription) error
	FindActive(deviceID uint, subscriptionID string) (*database.UspSubscription, error)
	RecordNotification(id uint, now time.Time) error
	Deactivate(id uint) error
}

// EventPublisher is the egress event bus surface the service needs
type EventPublisher interface {
	PublishDeviceEvent(event *kafka.DeviceEvent) error
	PublishUSPMessage(event *kafka.USPMessageEvent) error
}

// ActivityTracker mirrors last-contact liveness into the cache layer
type ActivityTracker interface {
	TouchDeviceActivity(activity *redis.DeviceActivity) error
}

// ServiceConfig carries the message service settings
type ServiceConfig struct {
	ControllerEndpointID string
	ProtocolVersion      string
}

// Stores bundles the storage dependencies
type Stores struct {
	Devices       DeviceStore
	Parameters    ParameterStore
	Subscriptions SubscriptionStore
}

// handlerFunc processes one request in the context of the resolved device. A
// nil reply means the exchange produces no response message.
type handlerFunc func(device *database.Device, msg *wire.Msg) (*wire.Msg, error)

// Service decodes Records, routes the inner Msg through a per-type dispatch
// table and produces the response Record. It is stateless and safe for
// concurrent use across transports.
type Service struct {
	cfg      ServiceConfig
	stores   Stores
	events   EventPublisher
	activity ActivityTracker
	metrics  *metrics.AcsMetrics
	handlers map[wire.MsgType]handlerFunc
	now      func() time.Time
}

// NewService builds the service with its dispatch table. Every message type
// the controller understands is bound here; anything else becomes a USP
// Error reply.
func NewService(cfg ServiceConfig, stores Stores, events EventPublisher, m *metrics.AcsMetrics) *Service {
	if cfg.ControllerEndpointID == "" {
		cfg.ControllerEndpointID = "proto::evoacs-controller"
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = "1.3"
	}
	s := &Service{
		cfg:     cfg,
		stores:  stores,
		events:  events,
		metrics: m,
		now:     time.Now,
	}
	s.handlers = map[wire.MsgType]handlerFunc{
		wire.MsgTypeGet:         s.handleGet,
		wire.MsgTypeSet:         s.handleSet,
		wire.MsgTypeAdd:         s.handleAdd,
		wire.MsgTypeDelete:      s.handleDelete,
		wire.MsgTypeOperate:     s.handleOperate,
		wire.MsgTypeNotify:      s.handleNotify,
		wire.MsgTypeGetResp:     s.handleGetResp,
		wire.MsgTypeSetResp:     s.handleAckResp,
		wire.MsgTypeAddResp:     s.handleAckResp,
		wire.MsgTypeDeleteResp:  s.handleAckResp,
		wire.MsgTypeOperateResp: s.handleAckResp,
		wire.MsgTypeNotifyResp:  s.handleAckResp,
		wire.MsgTypeError:       s.handleError,
	}
	return s
}

// ProcessRecord handles one inbound serialized Record from any transport.
// It returns the serialized response Record (nil when there is nothing to
// send back) and the sender endpoint id for transport-level reply routing.
// Decode failures are returned to the transport layer; everything past a
// valid Record is answered in-protocol.
func (s *Service) ProcessRecord(raw []byte, transport string) ([]byte, string, error) {
	record, err := wire.UnmarshalRecord(raw)
	if err != nil {
		return nil, "", err
	}
	if record.FromID == "" {
		return nil, "", fmt.Errorf("%w: record has no from_id", wire.ErrBadRecord)
	}

	device, err := s.resolveDevice(record, transport)
	if err != nil {
		return nil, record.FromID, err
	}

	// Connect and disconnect records update addressing state and carry no Msg
	if record.NoSessionContext == nil {
		s.handleControlRecord(device, record, transport)
		return nil, record.FromID, nil
	}

	msg, err := wire.UnmarshalMsg(record.NoSessionContext.Payload)
	if err != nil {
		return nil, record.FromID, err
	}

	s.recordMessage(record.Version, msg.Header.MsgType.String(), transport)
	s.publishMessage(record.FromID, msg, transport)

	reply := s.dispatch(device, msg)
	if reply == nil {
		return nil, record.FromID, nil
	}
	out, err := s.WrapMsg(record.FromID, recordVersion(record.Version, s.cfg.ProtocolVersion), reply)
	return out, record.FromID, err
}

func (s *Service) dispatch(device *database.Device, msg *wire.Msg) *wire.Msg {
	if msg.Body == nil {
		return errorMsg(msg.Header.MsgID, wire.ErrCodeInvalidArguments, "msg has no body")
	}
	handler, ok := s.handlers[msg.Header.MsgType]
	if !ok {
		log.Printf("⚠️ Unsupported USP message type %s from %s", msg.Header.MsgType, device.USPEndpointID)
		return errorMsg(msg.Header.MsgID, wire.ErrCodeMessageNotSupported,
			fmt.Sprintf("message type %s not supported", msg.Header.MsgType))
	}
	reply, err := handler(device, msg)
	if err != nil {
		log.Printf("❌ USP %s handling failed for %s: %v", msg.Header.MsgType, device.USPEndpointID, err)
		if s.metrics != nil {
			s.metrics.RecordError(serviceName, "usp", msg.Header.MsgType.String())
		}
		return errorMsg(msg.Header.MsgID, wire.ErrCodeInternalError, err.Error())
	}
	return reply
}

// WrapMsg builds and serializes the outbound Record envelope around a Msg
func (s *Service) WrapMsg(toID, version string, msg *wire.Msg) ([]byte, error) {
	payload, err := wire.MarshalMsg(msg)
	if err != nil {
		return nil, err
	}
	return wire.MarshalRecord(&wire.Record{
		Version:          version,
		ToID:             toID,
		FromID:           s.cfg.ControllerEndpointID,
		NoSessionContext: &wire.NoSessionContextRecord{Payload: payload},
	})
}

// SetActivityTracker enables liveness touches on every inbound record
func (s *Service) SetActivityTracker(t ActivityTracker) {
	s.activity = t
}

// ControllerEndpointID exposes the configured controller identity
func (s *Service) ControllerEndpointID() string {
	return s.cfg.ControllerEndpointID
}

// ProtocolVersion exposes the default outbound protocol version
func (s *Service) ProtocolVersion() string {
	return s.cfg.ProtocolVersion
}

// resolveDevice finds or auto-registers the USP device for an endpoint id
// and refreshes its transport addressing
func (s *Service) resolveDevice(record *wire.Record, transport string) (*database.Device, error) {
	device, err := s.stores.Devices.FindByEndpointID(record.FromID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	fresh := device == nil
	if fresh {
		device = &database.Device{
			SerialNumber:  record.FromID,
			USPEndpointID: record.FromID,
			Protocol:      database.ProtocolUSP,
		}
	}

	device.Status = database.DeviceStatusOnline
	device.LastContact = &now
	device.MTPType = transport
	if transport == database.MTPTypeWebSocket {
		device.WebSocketClientID = record.FromID
	}
	if record.MQTTConnect != nil && record.MQTTConnect.SubscribedTopic != "" {
		device.MQTTTopic = record.MQTTConnect.SubscribedTopic
	}

	s.touchActivity(device, transport)

	if fresh {
		if err := s.stores.Devices.Create(device); err != nil {
			return nil, err
		}
		log.Printf("✅ Registered USP device %s via %s", record.FromID, transport)
		if s.metrics != nil {
			s.metrics.DevicesRegistered.Inc()
		}
		if s.events != nil {
			ev := &kafka.DeviceEvent{
				BaseEvent:  kafka.NewBaseEvent(kafka.EventDeviceRegistered, serviceName),
				DeviceID:   device.ID,
				EndpointID: device.USPEndpointID,
				Protocol:   database.ProtocolUSP,
				Status:     device.Status,
			}
			if err := s.events.PublishDeviceEvent(ev); err != nil {
				log.Printf("⚠️ Failed to publish device event: %v", err)
			}
		}
		return device, nil
	}
	return device, s.stores.Devices.Save(device)
}

func (s *Service) touchActivity(device *database.Device, transport string) {
	if s.activity == nil {
		return
	}
	touch := &redis.DeviceActivity{
		SerialNumber: device.SerialNumber,
		Protocol:     database.ProtocolUSP,
		Transport:    transport,
	}
	if err := s.activity.TouchDeviceActivity(touch); err != nil {
		log.Printf("⚠️ Failed to record activity for %s: %v", device.USPEndpointID, err)
	}
}

func (s *Service) handleControlRecord(device *database.Device, record *wire.Record, transport string) {
	switch {
	case record.WebSocketConnect != nil:
		log.Printf("🔌 WebSocket session initiated by %s", record.FromID)
	case record.MQTTConnect != nil:
		log.Printf("🔌 MQTT session announced by %s (topic %s)", record.FromID, record.MQTTConnect.SubscribedTopic)
	case record.Disconnect != nil:
		log.Printf("🔌 Disconnect from %s: %d %s", record.FromID, record.Disconnect.ReasonCode, record.Disconnect.Reason)
		device.Status = database.DeviceStatusOffline
		if err := s.stores.Devices.Save(device); err != nil {
			log.Printf("⚠️ Failed to mark device %s offline: %v", record.FromID, err)
		}
	default:
		log.Printf("⚠️ Record from %s via %s carries no payload", record.FromID, transport)
	}
}

// handleGet resolves each requested path against the stored parameters.
// Paths with no stored values get a synthesized DeviceInfo placeholder set so
// early Get exchanges succeed before the first full sync.
func (s *Service) handleGet(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	if msg.Body.Request == nil || msg.Body.Request.Get == nil {
		return nil, fmt.Errorf("%w: GET without get body", wire.ErrBadMsg)
	}
	get := msg.Body.Request.Get
	resp := &wire.GetResp{}

	for _, path := range get.ParamPaths {
		result := wire.RequestedPathResult{RequestedPath: path}

		params, err := s.stores.Parameters.GetByPrefix(device.ID, path)
		if err != nil {
			result.ErrCode = wire.ErrCodeInternalError
			result.ErrMsg = err.Error()
			resp.ReqPathResults = append(resp.ReqPathResults, result)
			continue
		}

		values := map[string]string{}
		for _, p := range params {
			values[strings.TrimPrefix(p.ParameterPath, path)] = p.Value
		}
		if len(values) == 0 {
			values = placeholderParams(device, path)
		}
		if len(values) == 0 {
			result.ErrCode = wire.ErrCodeObjectDoesNotExist
			result.ErrMsg = fmt.Sprintf("path %s has no instances", path)
		} else {
			result.ResolvedPathResults = []wire.ResolvedPathResult{
				{ResolvedPath: path, ResultParams: values},
			}
		}
		resp.ReqPathResults = append(resp.ReqPathResults, result)
	}

	return responseMsg(msg.Header.MsgID, wire.MsgTypeGetResp, &wire.Response{GetResp: resp}), nil
}

// placeholderParams synthesizes identity parameters for a device that has not
// reported values yet
func placeholderParams(device *database.Device, path string) map[string]string {
	if !strings.HasPrefix("Device.DeviceInfo.", path) && !strings.HasPrefix(path, "Device.DeviceInfo.") {
		return nil
	}
	manufacturer := device.Manufacturer
	if manufacturer == "" {
		manufacturer = "Unknown"
	}
	model := device.ModelName
	if model == "" {
		model = "USP-Agent"
	}
	version := device.SoftwareVersion
	if version == "" {
		version = "0.0.0"
	}
	return map[string]string{
		"Manufacturer":    manufacturer,
		"ModelName":       model,
		"SoftwareVersion": version,
		"SerialNumber":    device.SerialNumber,
	}
}

// handleSet persists every parameter setting and reports per-object outcome
func (s *Service) handleSet(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	if msg.Body.Request == nil || msg.Body.Request.Set == nil {
		return nil, fmt.Errorf("%w: SET without set body", wire.ErrBadMsg)
	}
	set := msg.Body.Request.Set
	resp := &wire.SetResp{}

	for _, obj := range set.UpdateObjs {
		result := wire.UpdatedObjectResult{RequestedPath: obj.ObjPath}
		updated := map[string]string{}
		var failure *wire.OperationFailure

		for _, ps := range obj.ParamSettings {
			path := obj.ObjPath + ps.Param
			if err := s.stores.Parameters.Upsert(device.ID, path, ps.Value, "string"); err != nil {
				failure = &wire.OperationFailure{
					ErrCode: wire.ErrCodeParamError,
					ErrMsg:  fmt.Sprintf("set %s: %v", path, err),
				}
				if ps.Required && !set.AllowPartial {
					break
				}
				continue
			}
			updated[ps.Param] = ps.Value
		}

		if failure != nil && len(updated) == 0 {
			result.OperStatus = wire.OperationStatus{Failure: failure}
		} else {
			result.OperStatus = wire.OperationStatus{Success: &wire.OperationSuccess{UpdatedParams: updated}}
		}
		resp.UpdatedObjResults = append(resp.UpdatedObjResults, result)
	}

	return responseMsg(msg.Header.MsgID, wire.MsgTypeSetResp, &wire.Response{SetResp: resp}), nil
}

// handleAdd creates subscription rows for Device.LocalAgent.Subscription
// objects; other object tables are not instantiable on this controller
func (s *Service) handleAdd(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	if msg.Body.Request == nil || msg.Body.Request.Add == nil {
		return nil, fmt.Errorf("%w: ADD without add body", wire.ErrBadMsg)
	}
	add := msg.Body.Request.Add
	resp := &wire.AddResp{}

	for _, obj := range add.CreateObjs {
		result := wire.CreatedObjectResult{RequestedPath: obj.ObjPath}

		if !strings.HasPrefix(obj.ObjPath, subscriptionObjPath) {
			result.OperStatus = wire.OperationStatus{Failure: &wire.OperationFailure{
				ErrCode: wire.ErrCodeObjectDoesNotExist,
				ErrMsg:  fmt.Sprintf("object %s is not creatable", obj.ObjPath),
			}}
			resp.CreatedObjResults = append(resp.CreatedObjResults, result)
			continue
		}

		sub := subscriptionFromSettings(device.ID, obj.ParamSettings)
		if err := s.stores.Subscriptions.Create(sub); err != nil {
			result.OperStatus = wire.OperationStatus{Failure: &wire.OperationFailure{
				ErrCode: wire.ErrCodeInternalError,
				ErrMsg:  err.Error(),
			}}
		} else {
			log.Printf("🔔 Subscription %s created for %s (%s)", sub.SubscriptionID, device.USPEndpointID, sub.NotificationType)
			result.OperStatus = wire.OperationStatus{Success: &wire.OperationSuccess{
				InstantiatedPath: fmt.Sprintf("%s%d.", subscriptionObjPath, sub.ID),
			}}
		}
		resp.CreatedObjResults = append(resp.CreatedObjResults, result)
	}

	return responseMsg(msg.Header.MsgID, wire.MsgTypeAddResp, &wire.Response{AddResp: resp}), nil
}

func subscriptionFromSettings(deviceID uint, settings []wire.ParamSetting) *database.UspSubscription {
	sub := &database.UspSubscription{
		DeviceID: deviceID,
		Persist:  true,
		Active:   true,
	}
	for _, ps := range settings {
		switch ps.Param {
		case "ID":
			sub.SubscriptionID = ps.Value
		case "NotifType":
			sub.NotificationType = ps.Value
		case "ReferenceList":
			sub.ReferenceList = ps.Value
			sub.Path = ps.Value
		case "Persistent":
			sub.Persist = ps.Value == "true" || ps.Value == "1"
		case "NotifRetry":
			sub.Retry = ps.Value == "true" || ps.Value == "1"
		case "Enable":
			sub.Active = ps.Value == "true" || ps.Value == "1"
		}
	}
	return sub
}

// handleDelete soft-deletes subscription instances addressed by path
func (s *Service) handleDelete(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	if msg.Body.Request == nil || msg.Body.Request.Delete == nil {
		return nil, fmt.Errorf("%w: DELETE without delete body", wire.ErrBadMsg)
	}
	del := msg.Body.Request.Delete
	resp := &wire.DeleteResp{}

	for _, path := range del.ObjPaths {
		result := wire.DeletedObjectResult{RequestedPath: path}

		id, ok := subscriptionInstance(path)
		if !ok {
			result.OperStatus = wire.OperationStatus{Failure: &wire.OperationFailure{
				ErrCode: wire.ErrCodeObjectDoesNotExist,
				ErrMsg:  fmt.Sprintf("object %s is not deletable", path),
			}}
			resp.DeletedObjResults = append(resp.DeletedObjResults, result)
			continue
		}

		if err := s.stores.Subscriptions.Deactivate(id); err != nil {
			result.OperStatus = wire.OperationStatus{Failure: &wire.OperationFailure{
				ErrCode: wire.ErrCodeInternalError,
				ErrMsg:  err.Error(),
			}}
		} else {
			log.Printf("🔕 Subscription instance %d deleted for %s", id, device.USPEndpointID)
			result.OperStatus = wire.OperationStatus{Success: &wire.OperationSuccess{
				AffectedPaths: []string{path},
			}}
		}
		resp.DeletedObjResults = append(resp.DeletedObjResults, result)
	}

	return responseMsg(msg.Header.MsgID, wire.MsgTypeDeleteResp, &wire.Response{DeleteResp: resp}), nil
}

// subscriptionInstance extracts the instance number from a path like
// Device.LocalAgent.Subscription.3.
func subscriptionInstance(path string) (uint, bool) {
	if !strings.HasPrefix(path, subscriptionObjPath) {
		return 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(path, subscriptionObjPath), ".")
	id, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// handleOperate acknowledges a command invocation. The controller does not
// execute device commands itself; it records the invocation and answers with
// the request path so the agent proceeds.
func (s *Service) handleOperate(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	if msg.Body.Request == nil || msg.Body.Request.Operate == nil {
		return nil, fmt.Errorf("%w: OPERATE without operate body", wire.ErrBadMsg)
	}
	op := msg.Body.Request.Operate
	log.Printf("⚙️ Operate %s (key %s) from %s", op.Command, op.CommandKey, device.USPEndpointID)

	result := wire.OperationResult{
		ExecutedCommand: op.Command,
		ReqObjPath:      op.Command,
	}
	if !op.SendResp {
		return nil, nil
	}
	return responseMsg(msg.Header.MsgID, wire.MsgTypeOperateResp, &wire.Response{
		OperateResp: &wire.OperateResp{OperationResults: []wire.OperationResult{result}},
	}), nil
}

// handleNotify records the notification against its subscription and answers
// NOTIFY_RESP only when the agent asked for one. An OnBoardRequest also
// enriches the device identity.
func (s *Service) handleNotify(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	if msg.Body.Request == nil || msg.Body.Request.Notify == nil {
		return nil, fmt.Errorf("%w: NOTIFY without notify body", wire.ErrBadMsg)
	}
	notify := msg.Body.Request.Notify
	log.Printf("🔔 Notify %s from %s (subscription %q)", notify.Kind(), device.USPEndpointID, notify.SubscriptionID)

	if ob := notify.OnBoardReq; ob != nil {
		if ob.SerialNumber != "" {
			device.SerialNumber = ob.SerialNumber
		}
		device.OUI = ob.OUI
		device.ProductClass = ob.ProductClass
		if err := s.stores.Devices.Save(device); err != nil {
			log.Printf("⚠️ Failed to enrich device %s from onboard request: %v", device.USPEndpointID, err)
		}
	}

	if vc := notify.ValueChange; vc != nil {
		if err := s.stores.Parameters.Upsert(device.ID, vc.ParamPath, vc.ParamValue, "string"); err != nil {
			log.Printf("⚠️ Failed to store value change %s for %s: %v", vc.ParamPath, device.USPEndpointID, err)
		}
	}

	if notify.SubscriptionID != "" {
		sub, err := s.stores.Subscriptions.FindActive(device.ID, notify.SubscriptionID)
		if err != nil {
			log.Printf("⚠️ Subscription lookup failed for %s: %v", notify.SubscriptionID, err)
		} else if sub != nil {
			if err := s.stores.Subscriptions.RecordNotification(sub.ID, s.now()); err != nil {
				log.Printf("⚠️ Failed to record notification on subscription %d: %v", sub.ID, err)
			}
		}
	}

	if !notify.SendResp {
		return nil, nil
	}
	return responseMsg(msg.Header.MsgID, wire.MsgTypeNotifyResp, &wire.Response{
		NotifyResp: &wire.NotifyResp{SubscriptionID: notify.SubscriptionID},
	}), nil
}

// handleGetResp stores parameters an agent returned for an earlier Get push
func (s *Service) handleGetResp(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	if msg.Body.Response == nil || msg.Body.Response.GetResp == nil {
		return nil, fmt.Errorf("%w: GET_RESP without get_resp body", wire.ErrBadMsg)
	}
	stored := 0
	for _, r := range msg.Body.Response.GetResp.ReqPathResults {
		for _, res := range r.ResolvedPathResults {
			for name, value := range res.ResultParams {
				if err := s.stores.Parameters.Upsert(device.ID, res.ResolvedPath+name, value, "string"); err != nil {
					log.Printf("⚠️ Failed to store parameter %s%s for %s: %v", res.ResolvedPath, name, device.USPEndpointID, err)
					continue
				}
				stored++
			}
		}
	}
	log.Printf("📥 Stored %d parameters from %s (msg %s)", stored, device.USPEndpointID, msg.Header.MsgID)
	return nil, nil
}

// handleAckResp terminates request/response exchanges the controller
// initiated; the outcome is logged and the exchange ends
func (s *Service) handleAckResp(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	log.Printf("📥 %s from %s (msg %s)", msg.Header.MsgType, device.USPEndpointID, msg.Header.MsgID)
	return nil, nil
}

func (s *Service) handleError(device *database.Device, msg *wire.Msg) (*wire.Msg, error) {
	if msg.Body.Err != nil {
		log.Printf("❌ USP error from %s: %d %s (msg %s)", device.USPEndpointID, msg.Body.Err.ErrCode, msg.Body.Err.ErrMsg, msg.Header.MsgID)
	}
	return nil, nil
}

func (s *Service) recordMessage(version, msgType, transport string) {
	if s.metrics != nil {
		if version == "" {
			version = s.cfg.ProtocolVersion
		}
		s.metrics.RecordUSPMessage(serviceName, version, msgType, transport)
	}
}

func (s *Service) publishMessage(endpointID string, msg *wire.Msg, transport string) {
	if s.events == nil {
		return
	}
	ev := &kafka.USPMessageEvent{
		BaseEvent:   kafka.NewBaseEvent(kafka.EventUSPMessageInbound, serviceName),
		EndpointID:  endpointID,
		MessageID:   msg.Header.MsgID,
		MessageType: msg.Header.MsgType.String(),
		Transport:   transport,
		Direction:   "inbound",
	}
	if err := s.events.PublishUSPMessage(ev); err != nil {
		log.Printf("⚠️ Failed to publish USP message event: %v", err)
	}
}

func responseMsg(msgID string, msgType wire.MsgType, resp *wire.Response) *wire.Msg {
	return &wire.Msg{
		Header: &wire.Header{MsgID: msgID, MsgType: msgType},
		Body:   &wire.Body{Response: resp},
	}
}

func errorMsg(msgID string, code uint32, errText string) *wire.Msg {
	return &wire.Msg{
		Header: &wire.Header{MsgID: msgID, MsgType: wire.MsgTypeError},
		Body:   &wire.Body{Err: &wire.Error{ErrCode: code, ErrMsg: errText}},
	}
}

func recordVersion(inbound, fallback string) string {
	if inbound != "" {
		return inbound
	}
	return fallback
}
