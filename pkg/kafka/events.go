package kafka

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Device events
	EventDeviceRegistered EventType = "device.registered"
	EventDeviceUpdated    EventType = "device.updated"
	EventDeviceOnline     EventType = "device.online"
	EventDeviceOffline    EventType = "device.offline"

	// CWMP events
	EventCWMPInform           EventType = "cwmp.inform"
	EventCWMPCommandSent      EventType = "cwmp.command.sent"
	EventCWMPTransferComplete EventType = "cwmp.transfer.complete"

	// USP events
	EventUSPMessageInbound  EventType = "usp.message.inbound"
	EventUSPMessageOutbound EventType = "usp.message.outbound"
	EventUSPNotify          EventType = "usp.notify"

	// Task/command lifecycle events
	EventTaskCreated      EventType = "task.created"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventCommandQueued    EventType = "command.queued"
	EventCommandCompleted EventType = "command.completed"
	EventCommandFailed    EventType = "command.failed"
	EventCommandRecovered EventType = "command.recovered"
)

// BaseEvent is the common structure for all events
type BaseEvent struct {
	EventID   string                 `json:"event_id"`
	EventType EventType              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewBaseEvent creates a base event with a fresh id and timestamp
func NewBaseEvent(eventType EventType, source string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// DeviceEvent represents device lifecycle events
type DeviceEvent struct {
	BaseEvent
	DeviceID     uint   `json:"device_id"`
	SerialNumber string `json:"serial_number,omitempty"`
	EndpointID   string `json:"endpoint_id,omitempty"`
	Protocol     string `json:"protocol"` // "cwmp" or "usp"
	Status       string `json:"status,omitempty"`
}

// CWMPMessageEvent summarizes an inbound or outbound CWMP message
type CWMPMessageEvent struct {
	BaseEvent
	DeviceID     uint   `json:"device_id"`
	SerialNumber string `json:"serial_number"`
	MessageType  string `json:"message_type"`
	Direction    string `json:"direction"` // "inbound" or "outbound"
	CommandKey   string `json:"command_key,omitempty"`
}

// USPMessageEvent summarizes a USP message exchange
type USPMessageEvent struct {
	BaseEvent
	EndpointID  string `json:"endpoint_id"`
	MessageID   string `json:"message_id"`
	MessageType string `json:"message_type"`
	Transport   string `json:"transport,omitempty"`
	Direction   string `json:"direction"`
}

// TaskEvent represents a provisioning task or pending command transition
type TaskEvent struct {
	BaseEvent
	DeviceID uint   `json:"device_id"`
	Kind     string `json:"kind"` // "task" or "pending_command"
	RecordID uint   `json:"record_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}
