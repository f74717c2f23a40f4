package cwmp

import (
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/pkg/kafka"
)

// Storage interfaces consumed by the session engine. The gorm repositories in
// internal/database satisfy them; tests supply in-memory fakes.

type DeviceStore interface {
	Create(device *database.Device) error
	Save(device *database.Device) error
	GetByID(id uint) (*database.Device, error)
	FindBySerial(serialNumber string) (*database.Device, error)
}

type SessionStore interface {
	Create(session *database.Tr069Session) error
	Save(session *database.Tr069Session) error
	FindByCookie(cookie string, now time.Time) (*database.Tr069Session, error)
	Close(sessionID uint) error
	SupersedeOthers(deviceID, keepID uint) error
	ActiveCount(now time.Time) (int64, error)
}

type TaskStore interface {
	Get(id uint) (*database.ProvisioningTask, error)
	ClaimPending(deviceID uint, now time.Time) ([]database.ProvisioningTask, error)
	MarkCompleted(id uint, resultData string, now time.Time) error
	MarkFailed(id uint, errMsg string, now time.Time) error
	LatestProcessing(deviceID uint, taskType string) (*database.ProvisioningTask, error)
	LatestDownloadCandidate(deviceID uint) (*database.ProvisioningTask, error)
}

type CommandStore interface {
	Get(id uint) (*database.PendingCommand, error)
	ClaimPending(deviceID uint, limit int, now time.Time) ([]database.PendingCommand, error)
	MarkCompleted(id uint, result string) error
	MarkFailed(id uint, errMsg string) error
	RecoverStuck(deviceID uint, cutoff time.Time) (requeued, failed int, err error)
}

type ParameterStore interface {
	Upsert(deviceID uint, path, value, paramType string) error
}

type ClientStore interface {
	UpsertScan(deviceID uint, clients []database.ConnectedClient, seenAt time.Time) error
}

type DeploymentStore interface {
	FindByCommandKey(commandKey string) (*database.FirmwareDeployment, error)
	FindByTaskID(taskID uint) (*database.FirmwareDeployment, error)
	Save(dep *database.FirmwareDeployment) error
}

// EventPublisher decouples the engine from the Kafka producer so sessions
// still drain when the bus is down
type EventPublisher interface {
	PublishDeviceEvent(event *kafka.DeviceEvent) error
	PublishCWMPMessage(event *kafka.CWMPMessageEvent) error
	PublishTaskEvent(event *kafka.TaskEvent) error
}
