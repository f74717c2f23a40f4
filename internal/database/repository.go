package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceRepository handles device-related database operations
type DeviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create creates a new device
func (r *DeviceRepository) Create(device *Device) error {
	return r.db.Create(device).Error
}

// Save persists device mutations
func (r *DeviceRepository) Save(device *Device) error {
	return r.db.Save(device).Error
}

// GetByID retrieves a device by ID
func (r *DeviceRepository) GetByID(id uint) (*Device, error) {
	var device Device
	if err := r.db.First(&device, id).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

// FindBySerial retrieves a device by serial number; nil when unknown
func (r *DeviceRepository) FindBySerial(serialNumber string) (*Device, error) {
	var device Device
	err := r.db.Where("serial_number = ?", serialNumber).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// FindByEndpointID retrieves a USP device by endpoint ID; nil when unknown
func (r *DeviceRepository) FindByEndpointID(endpointID string) (*Device, error) {
	var device Device
	err := r.db.Where("usp_endpoint_id = ?", endpointID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// GetAll retrieves devices with pagination
func (r *DeviceRepository) GetAll(offset, limit int) ([]Device, error) {
	var devices []Device
	err := r.db.Offset(offset).Limit(limit).Order("id").Find(&devices).Error
	return devices, err
}

// Count returns the total number of devices
func (r *DeviceRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&Device{}).Count(&count).Error
	return count, err
}

// SessionRepository handles TR-069 session persistence
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create creates a new session
func (r *SessionRepository) Create(session *Tr069Session) error {
	return r.db.Create(session).Error
}

// Save persists session mutations (queue, last command, message id)
func (r *SessionRepository) Save(session *Tr069Session) error {
	return r.db.Save(session).Error
}

// FindByCookie retrieves a non-expired active session by cookie; nil when gone
func (r *SessionRepository) FindByCookie(cookie string, now time.Time) (*Tr069Session, error) {
	var session Tr069Session
	err := r.db.Where("cookie = ? AND status = ? AND expires_at > ?",
		cookie, SessionStatusActive, now).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ActiveForDevice retrieves the active session for a device; nil when none
func (r *SessionRepository) ActiveForDevice(deviceID uint, now time.Time) (*Tr069Session, error) {
	var session Tr069Session
	err := r.db.Where("device_id = ? AND status = ? AND expires_at > ?",
		deviceID, SessionStatusActive, now).
		Order("created_at DESC").First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Close marks a session closed
func (r *SessionRepository) Close(sessionID uint) error {
	return r.db.Model(&Tr069Session{}).Where("id = ?", sessionID).
		Update("status", SessionStatusClosed).Error
}

// SupersedeOthers closes every other active session for the device, keeping
// the invariant of at most one active session per device
func (r *SessionRepository) SupersedeOthers(deviceID, keepID uint) error {
	return r.db.Model(&Tr069Session{}).
		Where("device_id = ? AND status = ? AND id <> ?", deviceID, SessionStatusActive, keepID).
		Update("status", SessionStatusClosed).Error
}

// ActiveCount counts sessions that are active and unexpired
func (r *SessionRepository) ActiveCount(now time.Time) (int64, error) {
	var n int64
	err := r.db.Model(&Tr069Session{}).
		Where("status = ? AND expires_at > ?", SessionStatusActive, now).
		Count(&n).Error
	return n, err
}

// TaskRepository handles provisioning task operations
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create creates a new provisioning task
func (r *TaskRepository) Create(task *ProvisioningTask) error {
	return r.db.Create(task).Error
}

// Get retrieves a task by ID
func (r *TaskRepository) Get(id uint) (*ProvisioningTask, error) {
	var task ProvisioningTask
	if err := r.db.First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// GetByDevice retrieves tasks for a device, newest first
func (r *TaskRepository) GetByDevice(deviceID uint, limit int) ([]ProvisioningTask, error) {
	var tasks []ProvisioningTask
	err := r.db.Where("device_id = ?", deviceID).
		Order("created_at DESC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// ClaimPending atomically moves all due pending tasks for the device to
// processing, returning them in scheduled_at order. Row locks keep two
// concurrent Informs from claiming the same task twice.
func (r *TaskRepository) ClaimPending(deviceID uint, now time.Time) ([]ProvisioningTask, error) {
	var tasks []ProvisioningTask

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND status = ? AND scheduled_at <= ?",
				deviceID, TaskStatusPending, now).
			Order("scheduled_at ASC").
			Find(&tasks).Error; err != nil {
			return err
		}

		if len(tasks) == 0 {
			return nil
		}

		ids := make([]uint, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}

		if err := tx.Model(&ProvisioningTask{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     TaskStatusProcessing,
				"started_at": now,
			}).Error; err != nil {
			return err
		}

		for i := range tasks {
			started := now
			tasks[i].Status = TaskStatusProcessing
			tasks[i].StartedAt = &started
		}

		return nil
	})

	return tasks, err
}

// MarkCompleted transitions a task to completed with its result payload
func (r *TaskRepository) MarkCompleted(id uint, resultData string, now time.Time) error {
	return r.db.Model(&ProvisioningTask{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       TaskStatusCompleted,
			"result_data":  resultData,
			"completed_at": now,
		}).Error
}

// MarkFailed transitions a task to failed, or back to pending when retries
// remain
func (r *TaskRepository) MarkFailed(id uint, errMsg string, now time.Time) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var task ProvisioningTask
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&task, id).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"error_message": errMsg,
			"retry_count":   task.RetryCount + 1,
		}
		if task.RetryCount+1 >= task.MaxRetries {
			updates["status"] = TaskStatusFailed
			updates["completed_at"] = now
		} else {
			updates["status"] = TaskStatusPending
			updates["started_at"] = nil
		}

		return tx.Model(&ProvisioningTask{}).Where("id = ?", id).Updates(updates).Error
	})
}

// LatestProcessing finds the most recently started processing task of the
// given type for a device. Last-resort correlation only; the caller logs a
// warning when it has to use this.
func (r *TaskRepository) LatestProcessing(deviceID uint, taskType string) (*ProvisioningTask, error) {
	var task ProvisioningTask
	err := r.db.Where("device_id = ? AND status = ? AND task_type = ?",
		deviceID, TaskStatusProcessing, taskType).
		Order("started_at DESC").First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// LatestDownloadCandidate finds the most recent processing-or-pending download
// task for the device (TransferComplete last-resort fallback)
func (r *TaskRepository) LatestDownloadCandidate(deviceID uint) (*ProvisioningTask, error) {
	var task ProvisioningTask
	err := r.db.Where("device_id = ? AND task_type = ? AND status IN ?",
		deviceID, TaskTypeDownload, []string{TaskStatusProcessing, TaskStatusPending}).
		Order("created_at DESC").First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CommandRepository handles NAT-traversal pending command operations
type CommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository creates a new pending command repository
func NewCommandRepository(db *gorm.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// Create creates a new pending command
func (r *CommandRepository) Create(cmd *PendingCommand) error {
	return r.db.Create(cmd).Error
}

// Get retrieves a pending command by ID
func (r *CommandRepository) Get(id uint) (*PendingCommand, error) {
	var cmd PendingCommand
	if err := r.db.First(&cmd, id).Error; err != nil {
		return nil, err
	}
	return &cmd, nil
}

// GetByDevice retrieves commands for a device, newest first
func (r *CommandRepository) GetByDevice(deviceID uint, limit int) ([]PendingCommand, error) {
	var cmds []PendingCommand
	err := r.db.Where("device_id = ?", deviceID).
		Order("created_at DESC").Limit(limit).Find(&cmds).Error
	return cmds, err
}

// ClaimPending atomically moves up to limit pending commands to processing,
// priority first then oldest. The cap bounds session length.
func (r *CommandRepository) ClaimPending(deviceID uint, limit int, now time.Time) ([]PendingCommand, error) {
	var cmds []PendingCommand

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND status = ?", deviceID, CommandStatusPending).
			Order("priority DESC, created_at ASC").
			Limit(limit).
			Find(&cmds).Error; err != nil {
			return err
		}

		if len(cmds) == 0 {
			return nil
		}

		ids := make([]uint, len(cmds))
		for i, c := range cmds {
			ids[i] = c.ID
		}

		if err := tx.Model(&PendingCommand{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":                CommandStatusProcessing,
				"processing_started_at": now,
			}).Error; err != nil {
			return err
		}

		for i := range cmds {
			started := now
			cmds[i].Status = CommandStatusProcessing
			cmds[i].ProcessingStartedAt = &started
		}

		return nil
	})

	return cmds, err
}

// MarkCompleted transitions a command to completed with its result
func (r *CommandRepository) MarkCompleted(id uint, result string) error {
	return r.db.Model(&PendingCommand{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": CommandStatusCompleted,
			"result": result,
		}).Error
}

// MarkFailed transitions a command to failed, or back to pending when retries
// remain
func (r *CommandRepository) MarkFailed(id uint, errMsg string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var cmd PendingCommand
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cmd, id).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"error_message": errMsg,
			"retry_count":   cmd.RetryCount + 1,
		}
		if cmd.RetryCount+1 >= cmd.MaxRetries {
			updates["status"] = CommandStatusFailed
		} else {
			updates["status"] = CommandStatusPending
			updates["processing_started_at"] = nil
		}

		return tx.Model(&PendingCommand{}).Where("id = ?", id).Updates(updates).Error
	})
}

// Cancel cancels a command. Only pending or failed commands may be cancelled;
// a processing command may already be executing on the device.
func (r *CommandRepository) Cancel(id uint) error {
	result := r.db.Model(&PendingCommand{}).
		Where("id = ? AND status IN ?", id, []string{CommandStatusPending, CommandStatusFailed}).
		Update("status", CommandStatusCancelled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("command %d is not cancellable", id)
	}
	return nil
}

// RecoverStuck requeues commands stuck in processing past the cutoff.
// Commands with retries remaining go back to pending with retry_count+1;
// exhausted ones become failed. Returns (requeued, failed).
func (r *CommandRepository) RecoverStuck(deviceID uint, cutoff time.Time) (int, int, error) {
	var requeued, failed int

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var stuck []PendingCommand
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND processing_started_at < ?", CommandStatusProcessing, cutoff)
		if deviceID != 0 {
			query = query.Where("device_id = ?", deviceID)
		}
		if err := query.Find(&stuck).Error; err != nil {
			return err
		}

		for _, cmd := range stuck {
			updates, retry := watchdogUpdates(&cmd)
			if err := tx.Model(&PendingCommand{}).Where("id = ?", cmd.ID).
				Updates(updates).Error; err != nil {
				return err
			}
			if retry {
				requeued++
			} else {
				failed++
			}
		}

		return nil
	})

	return requeued, failed, err
}

// watchdogUpdates decides how one stuck command leaves processing: back to
// pending with one retry consumed, or failed once retries are exhausted.
// Returns the column updates and whether the command was requeued.
func watchdogUpdates(cmd *PendingCommand) (map[string]interface{}, bool) {
	if cmd.RetryCount < cmd.MaxRetries {
		return map[string]interface{}{
			"status":                CommandStatusPending,
			"retry_count":           cmd.RetryCount + 1,
			"processing_started_at": nil,
		}, true
	}
	return map[string]interface{}{
		"status":        CommandStatusFailed,
		"error_message": "session interrupted, retries exhausted",
	}, false
}

// ParameterRepository handles the flat device parameter store
type ParameterRepository struct {
	db *gorm.DB
}

// NewParameterRepository creates a new parameter repository
func NewParameterRepository(db *gorm.DB) *ParameterRepository {
	return &ParameterRepository{db: db}
}

// Upsert creates or updates a parameter value
func (r *ParameterRepository) Upsert(deviceID uint, path, value, paramType string) error {
	param := DeviceParameter{
		DeviceID:      deviceID,
		ParameterPath: path,
		Value:         value,
		Type:          paramType,
	}

	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "parameter_path"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "type", "updated_at"}),
	}).Create(&param).Error
}

// GetByDevice retrieves all parameters for a device
func (r *ParameterRepository) GetByDevice(deviceID uint) ([]DeviceParameter, error) {
	var params []DeviceParameter
	err := r.db.Where("device_id = ?", deviceID).Order("parameter_path").Find(&params).Error
	return params, err
}

// GetByPrefix retrieves parameters under a path prefix
func (r *ParameterRepository) GetByPrefix(deviceID uint, prefix string) ([]DeviceParameter, error) {
	var params []DeviceParameter
	err := r.db.Where("device_id = ? AND parameter_path LIKE ?", deviceID, prefix+"%").
		Order("parameter_path").Find(&params).Error
	return params, err
}

// SubscriptionRepository handles USP subscriptions
type SubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create creates a new subscription
func (r *SubscriptionRepository) Create(sub *UspSubscription) error {
	return r.db.Create(sub).Error
}

// FindActive finds the active subscription for a device and subscription id
func (r *SubscriptionRepository) FindActive(deviceID uint, subscriptionID string) (*UspSubscription, error) {
	var sub UspSubscription
	err := r.db.Where("device_id = ? AND subscription_id = ? AND active = ?",
		deviceID, subscriptionID, true).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetByDevice retrieves subscriptions for a device
func (r *SubscriptionRepository) GetByDevice(deviceID uint) ([]UspSubscription, error) {
	var subs []UspSubscription
	err := r.db.Where("device_id = ?", deviceID).Find(&subs).Error
	return subs, err
}

// RecordNotification bumps the notification counter and timestamp
func (r *SubscriptionRepository) RecordNotification(id uint, now time.Time) error {
	return r.db.Model(&UspSubscription{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"notification_count":   gorm.Expr("notification_count + 1"),
			"last_notification_at": now,
		}).Error
}

// Deactivate soft-deletes a subscription on unsubscribe
func (r *SubscriptionRepository) Deactivate(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&UspSubscription{}).Where("id = ?", id).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Delete(&UspSubscription{}, id).Error
	})
}

// PendingRequestRepository handles the HTTP-polling USP request store
type PendingRequestRepository struct {
	db *gorm.DB
}

// NewPendingRequestRepository creates a new pending request repository
func NewPendingRequestRepository(db *gorm.DB) *PendingRequestRepository {
	return &PendingRequestRepository{db: db}
}

// Create parks a serialized Record for later pickup
func (r *PendingRequestRepository) Create(req *UspPendingRequest) error {
	return r.db.Create(req).Error
}

// ClaimOldest delivers the oldest non-expired pending request for a device and
// marks it delivered. Returns nil when nothing is pending. At most one request
// is delivered per poll.
func (r *PendingRequestRepository) ClaimOldest(deviceID uint, now time.Time) (*UspPendingRequest, error) {
	var req UspPendingRequest

	err := r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND status = ? AND expires_at > ?",
				deviceID, PendingRequestStatusPending, now).
			Order("created_at ASC").First(&req).Error
		if err != nil {
			return err
		}

		return tx.Model(&UspPendingRequest{}).Where("id = ?", req.ID).
			Updates(map[string]interface{}{
				"status":       PendingRequestStatusDelivered,
				"delivered_at": now,
			}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	req.Status = PendingRequestStatusDelivered
	req.DeliveredAt = &now
	return &req, nil
}

// PurgeExpired deletes expired undelivered requests
func (r *PendingRequestRepository) PurgeExpired(now time.Time) (int64, error) {
	result := r.db.Where("status = ? AND expires_at <= ?", PendingRequestStatusPending, now).
		Delete(&UspPendingRequest{})
	return result.RowsAffected, result.Error
}

// ClientRepository handles connected clients discovered by network scans
type ClientRepository struct {
	db *gorm.DB
}

// NewClientRepository creates a new connected client repository
func NewClientRepository(db *gorm.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

// UpsertScan records the latest scan results. Entries are deduped by MAC;
// clients not seen in this scan are marked inactive.
func (r *ClientRepository) UpsertScan(deviceID uint, clients []ConnectedClient, seenAt time.Time) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		macs := make([]string, 0, len(clients))
		for i := range clients {
			clients[i].DeviceID = deviceID
			clients[i].Active = true
			clients[i].LastSeen = seenAt
			macs = append(macs, clients[i].MACAddress)

			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "device_id"}, {Name: "mac_address"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"hostname", "ip_address", "interface_type", "signal_strength",
					"active", "last_seen", "updated_at",
				}),
			}).Create(&clients[i]).Error; err != nil {
				return err
			}
		}

		query := tx.Model(&ConnectedClient{}).Where("device_id = ?", deviceID)
		if len(macs) > 0 {
			query = query.Where("mac_address NOT IN ?", macs)
		}
		return query.Update("active", false).Error
	})
}

// GetByDevice retrieves connected clients for a device
func (r *ClientRepository) GetByDevice(deviceID uint, activeOnly bool) ([]ConnectedClient, error) {
	query := r.db.Where("device_id = ?", deviceID)
	if activeOnly {
		query = query.Where("active = ?", true)
	}

	var clients []ConnectedClient
	err := query.Order("last_seen DESC").Find(&clients).Error
	return clients, err
}

// DeploymentRepository handles firmware deployment tracking
type DeploymentRepository struct {
	db *gorm.DB
}

// NewDeploymentRepository creates a new deployment repository
func NewDeploymentRepository(db *gorm.DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

// Create creates a new firmware deployment
func (r *DeploymentRepository) Create(dep *FirmwareDeployment) error {
	return r.db.Create(dep).Error
}

// Get retrieves a deployment by ID
func (r *DeploymentRepository) Get(id uint) (*FirmwareDeployment, error) {
	var dep FirmwareDeployment
	if err := r.db.First(&dep, id).Error; err != nil {
		return nil, err
	}
	return &dep, nil
}

// FindByCommandKey retrieves the deployment matching a CWMP CommandKey
func (r *DeploymentRepository) FindByCommandKey(commandKey string) (*FirmwareDeployment, error) {
	var dep FirmwareDeployment
	err := r.db.Where("command_key = ?", commandKey).First(&dep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// FindByTaskID retrieves the deployment linked to a provisioning task
func (r *DeploymentRepository) FindByTaskID(taskID uint) (*FirmwareDeployment, error) {
	var dep FirmwareDeployment
	err := r.db.Where("task_id = ?", taskID).First(&dep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// Save persists deployment mutations
func (r *DeploymentRepository) Save(dep *FirmwareDeployment) error {
	return r.db.Save(dep).Error
}

// Repositories aggregates all repository instances
type Repositories struct {
	Device         *DeviceRepository
	Session        *SessionRepository
	Task           *TaskRepository
	Command        *CommandRepository
	Parameter      *ParameterRepository
	Subscription   *SubscriptionRepository
	PendingRequest *PendingRequestRepository
	Client         *ClientRepository
	Deployment     *DeploymentRepository
}

// NewRepositories creates all repository instances
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Device:         NewDeviceRepository(db),
		Session:        NewSessionRepository(db),
		Task:           NewTaskRepository(db),
		Command:        NewCommandRepository(db),
		Parameter:      NewParameterRepository(db),
		Subscription:   NewSubscriptionRepository(db),
		PendingRequest: NewPendingRequestRepository(db),
		Client:         NewClientRepository(db),
		Deployment:     NewDeploymentRepository(db),
	}
}
