package database

import (
	"time"

	"gorm.io/gorm"
)

// Device protocol values
const (
	ProtocolCWMP = "cwmp"
	ProtocolUSP  = "usp"
)

// USP MTP types
const (
	MTPTypeHTTP      = "http"
	MTPTypeMQTT      = "mqtt"
	MTPTypeWebSocket = "websocket"
)

// Device status values
const (
	DeviceStatusOnline       = "online"
	DeviceStatusOffline      = "offline"
	DeviceStatusProvisioning = "provisioning"
	DeviceStatusError        = "error"
)

// Session status values
const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// Task status values
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Pending command status values (superset of task statuses)
const (
	CommandStatusPending    = "pending"
	CommandStatusProcessing = "processing"
	CommandStatusCompleted  = "completed"
	CommandStatusFailed     = "failed"
	CommandStatusCancelled  = "cancelled"
)

// Provisioning task types
const (
	TaskTypeSetParameters      = "set_parameters"
	TaskTypeGetParameters      = "get_parameters"
	TaskTypeReboot             = "reboot"
	TaskTypeDownload           = "download"
	TaskTypeDiagnostic         = "diagnostic"
	TaskTypeNetworkScan        = "network_scan"
	TaskTypeParameterDiscovery = "parameter_discovery"
	TaskTypeRollbackConfig     = "rollback_configuration"
)

// Pending USP request status values
const (
	PendingRequestStatusPending   = "pending"
	PendingRequestStatusDelivered = "delivered"
)

// Firmware deployment status values
const (
	DeploymentStatusPending     = "pending"
	DeploymentStatusDownloading = "downloading"
	DeploymentStatusCompleted   = "completed"
	DeploymentStatusFailed      = "failed"
)

// Device represents a managed CPE. Auto-registered on first Inform or USP
// record; the protocol engine mutates it on every contact and never deletes it.
type Device struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	SerialNumber    string `gorm:"uniqueIndex;not null" json:"serial_number"`
	OUI             string `json:"oui"`
	ProductClass    string `json:"product_class"`
	Manufacturer    string `json:"manufacturer"`
	ModelName       string `json:"model_name"`
	SoftwareVersion string `json:"software_version"`
	HardwareVersion string `json:"hardware_version"`
	Protocol        string `gorm:"default:'cwmp'" json:"protocol"` // cwmp, usp
	Status          string `gorm:"default:'offline'" json:"status"`
	IPAddress       string `json:"ip_address"`

	// CWMP addressing
	ConnectionRequestURL      string `json:"connection_request_url"`
	ConnectionRequestUsername string `json:"connection_request_username"`
	ConnectionRequestPassword string `json:"-"`

	// USP addressing
	MTPType           string `json:"mtp_type"` // http, mqtt, websocket
	USPEndpointID     string `gorm:"index" json:"usp_endpoint_id"`
	MQTTTopic         string `json:"mqtt_topic"`
	WebSocketClientID string `json:"websocket_client_id"`

	LastContact *time.Time `json:"last_contact"`
	LastInform  *time.Time `json:"last_inform"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Tr069Session is the ephemeral correlation object for one CWMP exchange
// chain. The command queue and the most recently sent command are persisted as
// JSON so any process serving the next POST can resume the session.
type Tr069Session struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Cookie          string    `gorm:"uniqueIndex;not null" json:"cookie"`
	DeviceID        uint      `gorm:"index;not null" json:"device_id"`
	Status          string    `gorm:"default:'active'" json:"status"` // active, closed
	CommandQueue    string    `gorm:"type:text" json:"-"`             // JSON array of queued commands
	LastCommandSent string    `gorm:"type:text" json:"-"`             // JSON, cleared/overwritten on every dispatch
	MessageID       int       `gorm:"default:0" json:"message_id"`    // monotonically increasing cwmp:ID
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Device Device `gorm:"foreignKey:DeviceID" json:"-"`
}

// ProvisioningTask is a unit of work awaiting a CWMP session
type ProvisioningTask struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	DeviceID     uint       `gorm:"index;not null" json:"device_id"`
	TaskType     string     `gorm:"not null" json:"task_type"`
	Status       string     `gorm:"default:'pending';index" json:"status"`
	TaskData     string     `gorm:"type:text" json:"task_data"`   // opaque, protocol-specific JSON
	ResultData   string     `gorm:"type:text" json:"result_data"` // filled on completion
	ErrorMessage string     `json:"error_message"`
	RetryCount   int        `gorm:"default:0" json:"retry_count"`
	MaxRetries   int        `gorm:"default:3" json:"max_retries"`
	ScheduledAt  time.Time  `gorm:"index" json:"scheduled_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	Device Device `gorm:"foreignKey:DeviceID" json:"-"`
}

// PendingCommand is the NAT-traversal fallback unit, created when a direct
// Connection Request cannot reach the device. Injected into the next CWMP
// session, watched by the stuck-command watchdog.
type PendingCommand struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	DeviceID            uint       `gorm:"index;not null" json:"device_id"`
	CommandType         string     `gorm:"not null" json:"command_type"`
	Parameters          string     `gorm:"type:text" json:"parameters"` // JSON
	Status              string     `gorm:"default:'pending';index" json:"status"`
	Priority            int        `gorm:"default:0" json:"priority"` // higher first
	RetryCount          int        `gorm:"default:0" json:"retry_count"`
	MaxRetries          int        `gorm:"default:3" json:"max_retries"`
	ProcessingStartedAt *time.Time `json:"processing_started_at"` // watchdog reference point
	Result              string     `gorm:"type:text" json:"result"`
	ErrorMessage        string     `json:"error_message"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`

	Device Device `gorm:"foreignKey:DeviceID" json:"-"`
}

// DeviceParameter is the flat parameter_path → value store per device,
// upserted from GetParameterValuesResponse and Inform parameter lists
type DeviceParameter struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DeviceID      uint      `gorm:"not null;uniqueIndex:idx_device_parameter" json:"device_id"`
	ParameterPath string    `gorm:"not null;uniqueIndex:idx_device_parameter" json:"parameter_path"`
	Value         string    `json:"value"`
	Type          string    `json:"type"` // string, int, boolean, dateTime
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UspSubscription is a device-scoped USP event subscription
type UspSubscription struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	DeviceID           uint           `gorm:"index;not null" json:"device_id"`
	SubscriptionID     string         `gorm:"index;not null" json:"subscription_id"`
	Path               string         `json:"path"`
	NotificationType   string         `json:"notification_type"` // ValueChange, Event, ...
	ReferenceList      string         `json:"reference_list"`
	Persist            bool           `gorm:"default:true" json:"persist"`
	Retry              bool           `gorm:"default:false" json:"retry"`
	Active             bool           `gorm:"default:true" json:"active"`
	NotificationCount  int            `gorm:"default:0" json:"notification_count"`
	LastNotificationAt *time.Time     `json:"last_notification_at"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

// UspPendingRequest parks a serialized USP Record for an HTTP-polling device.
// Delivered at most once, oldest first, expired rows are never delivered.
type UspPendingRequest struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	DeviceID    uint       `gorm:"index;not null" json:"device_id"`
	MsgID       string     `gorm:"index" json:"msg_id"`
	Payload     []byte     `json:"-"`                                     // serialized Record
	Status      string     `gorm:"default:'pending';index" json:"status"` // pending, delivered
	ExpiresAt   time.Time  `json:"expires_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ConnectedClient is a LAN host or WiFi-associated device discovered by a
// network scan. MAC is the dedup key per device.
type ConnectedClient struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	DeviceID       uint      `gorm:"not null;uniqueIndex:idx_device_mac" json:"device_id"`
	MACAddress     string    `gorm:"not null;uniqueIndex:idx_device_mac" json:"mac_address"`
	Hostname       string    `json:"hostname"`
	IPAddress      string    `json:"ip_address"`
	InterfaceType  string    `json:"interface_type"` // ethernet, wifi
	SignalStrength int       `json:"signal_strength"`
	Active         bool      `gorm:"default:true" json:"active"`
	LastSeen       time.Time `json:"last_seen"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FirmwareDeployment tracks a firmware push through Download/TransferComplete
type FirmwareDeployment struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	DeviceID      uint       `gorm:"index;not null" json:"device_id"`
	TaskID        *uint      `gorm:"index" json:"task_id"`
	FileURL       string     `gorm:"not null" json:"file_url"`
	FileSize      int64      `json:"file_size"`
	TargetVersion string     `json:"target_version"`
	Status        string     `gorm:"default:'pending'" json:"status"`
	CommandKey    string     `gorm:"index" json:"command_key"`
	FaultString   string     `json:"fault_string"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName methods for custom table names
func (Device) TableName() string {
	return "devices"
}

func (Tr069Session) TableName() string {
	return "tr069_sessions"
}

func (ProvisioningTask) TableName() string {
	return "provisioning_tasks"
}

func (PendingCommand) TableName() string {
	return "pending_commands"
}

func (DeviceParameter) TableName() string {
	return "device_parameters"
}

func (UspSubscription) TableName() string {
	return "usp_subscriptions"
}

func (UspPendingRequest) TableName() string {
	return "usp_pending_requests"
}

func (ConnectedClient) TableName() string {
	return "connected_clients"
}

func (FirmwareDeployment) TableName() string {
	return "firmware_deployments"
}
