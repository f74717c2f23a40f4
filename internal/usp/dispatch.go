package usp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp/wire"
	"github.com/dexter939/EvoAcsss-sub001/pkg/metrics"
)

// ContentTypeUSPMsg is the media type for serialized USP Records
const ContentTypeUSPMsg = "application/vnd.bbf.usp.msg"

// MQTTPublisher is the outbound MQTT surface the dispatcher needs
type MQTTPublisher interface {
	Publish(topic string, payload []byte) error
	AgentTopic(endpointID string) string
	Connected() bool
}

// WebSocketSender pushes payloads to currently connected WebSocket agents
type WebSocketSender interface {
	SendToClient(clientID string, payload []byte) error
}

// PendingRequestStore parks serialized Records for HTTP-polling agents
type PendingRequestStore interface {
	Create(req *database.UspPendingRequest) error
}

// DispatchResult reports how an outbound message left the controller
type DispatchResult struct {
	MsgID     string `json:"msg_id"`
	Transport string `json:"transport"`
	Status    string `json:"status"` // sent, queued
}

// DispatcherConfig carries the transport dispatch tunables
type DispatcherConfig struct {
	PendingRequestTTL time.Duration
	HTTPTimeout       time.Duration
}

// Dispatcher routes an outbound Msg over the transport a device is reachable
// on. MQTT and WebSocket sends are immediate; HTTP devices poll, so their
// records are parked as pending requests. The same message is byte-identical
// regardless of transport.
type Dispatcher struct {
	cfg     DispatcherConfig
	service *Service
	mqtt    MQTTPublisher
	ws      WebSocketSender
	pending PendingRequestStore
	client  *http.Client
	metrics *metrics.AcsMetrics
	now     func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, service *Service, mqtt MQTTPublisher, ws WebSocketSender, pending PendingRequestStore, m *metrics.AcsMetrics) *Dispatcher {
	if cfg.PendingRequestTTL <= 0 {
		cfg.PendingRequestTTL = time.Hour
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		service: service,
		mqtt:    mqtt,
		ws:      ws,
		pending: pending,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		metrics: m,
		now:     time.Now,
	}
}

// Dispatch serializes msg for the device and sends it over the device's MTP
func (d *Dispatcher) Dispatch(ctx context.Context, device *database.Device, msg *wire.Msg) (*DispatchResult, error) {
	raw, err := d.service.WrapMsg(device.USPEndpointID, d.service.ProtocolVersion(), msg)
	if err != nil {
		return nil, err
	}

	msgID := msg.Header.MsgID
	operation := msg.Header.MsgType.String()

	result, err := d.send(ctx, device, msgID, raw)
	status := "error"
	if err == nil {
		status = result.Status
	}
	if d.metrics != nil {
		d.metrics.RecordUSPDispatch(serviceName, operation, device.MTPType, status)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("📤 Dispatched %s %s to %s via %s (%s)", operation, msgID, device.USPEndpointID, result.Transport, result.Status)
	return result, nil
}

func (d *Dispatcher) send(ctx context.Context, device *database.Device, msgID string, raw []byte) (*DispatchResult, error) {
	switch device.MTPType {
	case database.MTPTypeMQTT:
		if d.mqtt == nil || !d.mqtt.Connected() {
			return nil, fmt.Errorf("mqtt transport unavailable for device %s", device.USPEndpointID)
		}
		topic := device.MQTTTopic
		if topic == "" {
			topic = d.mqtt.AgentTopic(device.USPEndpointID)
		}
		if err := d.mqtt.Publish(topic, raw); err != nil {
			return nil, err
		}
		return &DispatchResult{MsgID: msgID, Transport: database.MTPTypeMQTT, Status: "sent"}, nil

	case database.MTPTypeWebSocket:
		if d.ws == nil {
			return nil, fmt.Errorf("websocket transport unavailable for device %s", device.USPEndpointID)
		}
		clientID := device.WebSocketClientID
		if clientID == "" {
			clientID = device.USPEndpointID
		}
		if err := d.ws.SendToClient(clientID, raw); err != nil {
			return nil, err
		}
		return &DispatchResult{MsgID: msgID, Transport: database.MTPTypeWebSocket, Status: "sent"}, nil

	case database.MTPTypeHTTP, "":
		req := &database.UspPendingRequest{
			DeviceID:  device.ID,
			MsgID:     msgID,
			Payload:   raw,
			Status:    database.PendingRequestStatusPending,
			ExpiresAt: d.now().Add(d.cfg.PendingRequestTTL),
		}
		if err := d.pending.Create(req); err != nil {
			return nil, err
		}
		return &DispatchResult{MsgID: msgID, Transport: database.MTPTypeHTTP, Status: "queued"}, nil
	}
	return nil, fmt.Errorf("unknown mtp type %q for device %s", device.MTPType, device.USPEndpointID)
}

// PushDirect POSTs a Record straight to a device URL, used for onboarding
// flows where the agent exposes an HTTP listener. The response body, if any,
// is processed like any inbound record.
func (d *Dispatcher) PushDirect(ctx context.Context, url string, raw []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeUSPMsg)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("direct push to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("direct push to %s rejected with status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
