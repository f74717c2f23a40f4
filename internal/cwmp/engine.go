package cwmp

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/pkg/kafka"
	"github.com/dexter939/EvoAcsss-sub001/pkg/metrics"
)

const serviceName = "acs-server"

// EngineConfig carries the session engine tunables
type EngineConfig struct {
	SessionTimeout    time.Duration
	CommandBatchLimit int
	WatchdogTimeout   time.Duration
}

// Stores bundles the storage dependencies of the engine
type Stores struct {
	Devices     DeviceStore
	Sessions    SessionStore
	Tasks       TaskStore
	Commands    CommandStore
	Parameters  ParameterStore
	Clients     ClientStore
	Deployments DeploymentStore
}

// Engine drives CWMP sessions: device registration, command queue assembly,
// response correlation and the stuck-command watchdog. All state lives in the
// stores; the engine itself is stateless and safe for concurrent use.
type Engine struct {
	cfg     EngineConfig
	stores  Stores
	events  EventPublisher
	metrics *metrics.AcsMetrics
	now     func() time.Time
}

// NewEngine creates a session engine. events and m may be nil when the event
// bus or metrics are disabled.
func NewEngine(cfg EngineConfig, stores Stores, events EventPublisher, m *metrics.AcsMetrics) *Engine {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.CommandBatchLimit <= 0 {
		cfg.CommandBatchLimit = 5
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 5 * time.Minute
	}
	return &Engine{
		cfg:     cfg,
		stores:  stores,
		events:  events,
		metrics: m,
		now:     time.Now,
	}
}

// SessionResult is what the HTTP layer sends back to the device
type SessionResult struct {
	Body   []byte // nil means 204 No Content
	Cookie string // TR069SessionID value for Set-Cookie
	Close  bool   // session ended, expire the cookie
}

// HandleInform processes a device Inform: registers or refreshes the device,
// runs a watchdog pass, claims due work into a fresh session and returns
// either the first command or an InformResponse.
func (e *Engine) HandleInform(msg *ParsedMessage, remoteAddr string) (*SessionResult, error) {
	if msg.Type != MessageInform || msg.Device == nil {
		return nil, fmt.Errorf("%w: not an Inform", ErrInvalidMessage)
	}
	now := e.now()

	device, err := e.registerDevice(msg, remoteAddr, now)
	if err != nil {
		return nil, fmt.Errorf("device registration failed: %w", err)
	}

	e.runWatchdog(device.ID)

	for _, p := range msg.Parameters {
		if err := e.stores.Parameters.Upsert(device.ID, p.Name, p.Value, p.Type); err != nil {
			log.Printf("⚠️ Failed to store inform parameter %s for device %s: %v", p.Name, device.SerialNumber, err)
		}
	}

	queue, err := e.claimWork(device.ID, now)
	if err != nil {
		return nil, fmt.Errorf("command claim failed: %w", err)
	}

	session := &database.Tr069Session{
		Cookie:    uuid.New().String(),
		DeviceID:  device.ID,
		Status:    database.SessionStatusActive,
		ExpiresAt: now.Add(e.cfg.SessionTimeout),
	}
	if err := saveQueue(session, queue); err != nil {
		return nil, err
	}
	if err := e.stores.Sessions.Create(session); err != nil {
		return nil, fmt.Errorf("session create failed: %w", err)
	}
	if err := e.stores.Sessions.SupersedeOthers(device.ID, session.ID); err != nil {
		log.Printf("⚠️ Failed to supersede stale sessions for device %s: %v", device.SerialNumber, err)
	}

	e.recordMessage(msg.Type.String(), "inbound")
	e.publishCWMP(device, msg.Type.String(), "inbound", "")
	e.refreshSessionGauge()

	return e.dispatchNext(session, device, msg.MessageID)
}

// HandleMessage processes a non-Inform message within an existing session:
// correlates it against the last dispatched command, records the outcome and
// moves the session forward.
func (e *Engine) HandleMessage(cookie string, msg *ParsedMessage) (*SessionResult, error) {
	session, device, err := e.resumeSession(cookie)
	if err != nil {
		return nil, err
	}

	e.recordMessage(msg.Type.String(), "inbound")
	e.publishCWMP(device, msg.Type.String(), "inbound", msg.CommandKey)

	last, err := loadLastCommand(session)
	if err != nil {
		log.Printf("⚠️ Corrupt last command on session %d: %v", session.ID, err)
		last = nil
	}

	switch msg.Type {
	case MessageTransferComplete:
		e.handleTransferComplete(device, msg, last)
		clearLastCommand(session)
		if err := e.stores.Sessions.Save(session); err != nil {
			return nil, err
		}
		body, err := RenderTransferCompleteResponse(msg.MessageID)
		if err != nil {
			return nil, err
		}
		e.recordMessage("TransferCompleteResponse", "outbound")
		return &SessionResult{Body: body, Cookie: session.Cookie}, nil

	case MessageGetParameterValuesResponse:
		e.completeValuesResponse(device, msg, last)

	case MessageSetParameterValuesResponse:
		result := fmt.Sprintf(`{"status":%d}`, msg.Status)
		if last != nil {
			e.completeRef(device, last.Ref, last.Type, true, result, "")
		} else if task, err := e.stores.Tasks.LatestProcessing(device.ID, database.TaskTypeSetParameters); err == nil && task != nil {
			log.Printf("⚠️ SetParameterValuesResponse from device %s with no command in flight, correlated to newest processing task %d", device.SerialNumber, task.ID)
			e.completeRef(device, CommandRef{Kind: KindTask, ID: task.ID}, task.TaskType, true, result, "")
		} else {
			log.Printf("⚠️ Uncorrelatable SetParameterValuesResponse from device %s", device.SerialNumber)
		}

	case MessageRebootResponse, MessageFactoryResetResponse:
		if last != nil {
			e.completeRef(device, last.Ref, last.Type, true, `{"acknowledged":true}`, "")
		}

	case MessageDownloadResponse:
		e.handleDownloadResponse(device, msg, last)

	case MessageFault:
		if last != nil {
			reason := "device fault"
			if msg.Fault != nil {
				reason = fmt.Sprintf("fault %s: %s", msg.Fault.Code, msg.Fault.Detail)
			}
			e.completeRef(device, last.Ref, last.Type, false, "", reason)
		} else {
			log.Printf("⚠️ Fault from device %s with no command in flight", device.SerialNumber)
		}

	default:
		log.Printf("⚠️ Unsupported CWMP message %s from device %s, replying InformResponse", msg.Type, device.SerialNumber)
		body, err := RenderInformResponse(msg.MessageID)
		if err != nil {
			return nil, err
		}
		return &SessionResult{Body: body, Cookie: session.Cookie}, nil
	}

	clearLastCommand(session)
	return e.dispatchNext(session, device, "")
}

// HandleOrphanTransferComplete correlates a TransferComplete that arrives
// without an active session, which happens when a device finishes a transfer
// after rebooting and reconnects without its cookie. Correlation rides on the
// CommandKey alone; a key that resolves to no known command returns
// ErrNoSession and the HTTP layer answers 204.
func (e *Engine) HandleOrphanTransferComplete(msg *ParsedMessage) (*SessionResult, error) {
	if msg.Type != MessageTransferComplete {
		return nil, fmt.Errorf("%w: not a TransferComplete", ErrInvalidMessage)
	}
	ref, ok := ParseCommandKey(msg.CommandKey)
	if !ok {
		return nil, ErrNoSession
	}
	device, err := e.deviceForRef(ref)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrNoSession
	}

	log.Printf("📦 TransferComplete %s from device %s on a fresh connection", msg.CommandKey, device.SerialNumber)
	e.recordMessage(msg.Type.String(), "inbound")
	e.publishCWMP(device, msg.Type.String(), "inbound", msg.CommandKey)

	e.settleTransfer(device, msg, ref)

	body, err := RenderTransferCompleteResponse(msg.MessageID)
	if err != nil {
		return nil, err
	}
	e.recordMessage("TransferCompleteResponse", "outbound")
	return &SessionResult{Body: body, Close: true}, nil
}

// deviceForRef walks a command ref back to the device that owns it
func (e *Engine) deviceForRef(ref CommandRef) (*database.Device, error) {
	var deviceID uint
	switch ref.Kind {
	case KindTask:
		task, err := e.stores.Tasks.Get(ref.ID)
		if err != nil || task == nil {
			return nil, err
		}
		deviceID = task.DeviceID
	case KindPendingCommand:
		cmd, err := e.stores.Commands.Get(ref.ID)
		if err != nil || cmd == nil {
			return nil, err
		}
		deviceID = cmd.DeviceID
	default:
		return nil, nil
	}
	return e.stores.Devices.GetByID(deviceID)
}

// HandleEmpty processes the empty POST a device sends when it has nothing
// more to say: dispatch the next queued command, or close the session.
func (e *Engine) HandleEmpty(cookie string) (*SessionResult, error) {
	session, device, err := e.resumeSession(cookie)
	if err != nil {
		return nil, err
	}
	return e.dispatchNext(session, device, "")
}

// ErrNoSession is returned when a cookie does not match an active session
var ErrNoSession = fmt.Errorf("no active session")

func (e *Engine) resumeSession(cookie string) (*database.Tr069Session, *database.Device, error) {
	if cookie == "" {
		return nil, nil, ErrNoSession
	}
	session, err := e.stores.Sessions.FindByCookie(cookie, e.now())
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, ErrNoSession
	}
	device, err := e.stores.Devices.GetByID(session.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	return session, device, nil
}

// registerDevice creates or refreshes the device row, idempotent on serial
func (e *Engine) registerDevice(msg *ParsedMessage, remoteAddr string, now time.Time) (*database.Device, error) {
	id := msg.Device
	device, err := e.stores.Devices.FindBySerial(id.SerialNumber)
	if err != nil {
		return nil, err
	}

	fresh := device == nil
	if fresh {
		device = &database.Device{
			SerialNumber: id.SerialNumber,
			Protocol:     database.ProtocolCWMP,
		}
	}

	device.OUI = id.OUI
	device.ProductClass = id.ProductClass
	device.Manufacturer = id.Manufacturer
	device.Status = database.DeviceStatusOnline
	device.IPAddress = remoteAddr
	device.LastContact = &now
	device.LastInform = &now

	for _, p := range msg.Parameters {
		switch {
		case strings.HasSuffix(p.Name, ".ManagementServer.ConnectionRequestURL"):
			device.ConnectionRequestURL = p.Value
		case strings.HasSuffix(p.Name, ".DeviceInfo.SoftwareVersion"):
			device.SoftwareVersion = p.Value
		case strings.HasSuffix(p.Name, ".DeviceInfo.HardwareVersion"):
			device.HardwareVersion = p.Value
		case strings.HasSuffix(p.Name, ".DeviceInfo.ModelName"):
			device.ModelName = p.Value
		}
	}

	if fresh {
		if err := e.stores.Devices.Create(device); err != nil {
			return nil, err
		}
		log.Printf("✅ Registered CWMP device %s (%s %s)", device.SerialNumber, device.Manufacturer, device.ProductClass)
		if e.metrics != nil {
			e.metrics.DevicesRegistered.Inc()
		}
		if e.events != nil {
			ev := &kafka.DeviceEvent{
				BaseEvent:    kafka.NewBaseEvent(kafka.EventDeviceRegistered, serviceName),
				DeviceID:     device.ID,
				SerialNumber: device.SerialNumber,
				Protocol:     database.ProtocolCWMP,
				Status:       device.Status,
			}
			if err := e.events.PublishDeviceEvent(ev); err != nil {
				log.Printf("⚠️ Failed to publish device event: %v", err)
			}
		}
	} else if err := e.stores.Devices.Save(device); err != nil {
		return nil, err
	}
	return device, nil
}

// runWatchdog requeues or fails commands stuck in processing longer than the
// watchdog timeout. Runs inline on every Inform so a reconnecting device
// immediately gets its lost work back.
func (e *Engine) runWatchdog(deviceID uint) {
	cutoff := e.now().Add(-e.cfg.WatchdogTimeout)
	requeued, failed, err := e.stores.Commands.RecoverStuck(deviceID, cutoff)
	if err != nil {
		log.Printf("⚠️ Watchdog pass failed for device %d: %v", deviceID, err)
		return
	}
	if requeued > 0 || failed > 0 {
		log.Printf("♻️ Watchdog recovered %d stuck commands for device %d (%d exhausted)", requeued, deviceID, failed)
	}
	if e.metrics != nil {
		for i := 0; i < requeued; i++ {
			e.metrics.RecordWatchdogOutcome(serviceName, "requeued")
		}
		for i := 0; i < failed; i++ {
			e.metrics.RecordWatchdogOutcome(serviceName, "failed")
		}
	}
}

// claimWork atomically moves due tasks and pending commands into processing
// and returns them as the session's command queue. Tasks keep creation order
// (scheduled_at), pending commands follow ordered by priority.
func (e *Engine) claimWork(deviceID uint, now time.Time) ([]QueuedCommand, error) {
	queue := make([]QueuedCommand, 0, e.cfg.CommandBatchLimit)

	tasks, err := e.stores.Tasks.ClaimPending(deviceID, now)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		queue = append(queue, queueFromTask(&tasks[i], now))
	}

	commands, err := e.stores.Commands.ClaimPending(deviceID, e.cfg.CommandBatchLimit, now)
	if err != nil {
		return nil, err
	}
	for i := range commands {
		queue = append(queue, queueFromPendingCommand(&commands[i], now))
	}

	if e.metrics != nil {
		for _, cmd := range queue {
			e.metrics.CWMPCommandsQueued.WithLabelValues(serviceName, string(cmd.Ref.Kind), cmd.Type).Inc()
		}
	}
	return queue, nil
}

// dispatchNext pops the queue head, renders it and persists it as the last
// command sent. Commands that fail to render are failed and skipped. When the
// queue is empty the session answers InformResponse (informID set) or closes.
func (e *Engine) dispatchNext(session *database.Tr069Session, device *database.Device, informID string) (*SessionResult, error) {
	queue, err := loadQueue(session)
	if err != nil {
		log.Printf("⚠️ Corrupt command queue on session %d: %v", session.ID, err)
		queue = nil
	}

	for len(queue) > 0 {
		cmd := queue[0]
		queue = queue[1:]

		session.MessageID++
		messageID := fmt.Sprintf("%d", session.MessageID)

		body, err := cmd.render(messageID)
		if err != nil {
			log.Printf("❌ Dropping unrenderable command %s for device %s: %v", cmd.Ref.CommandKey(), device.SerialNumber, err)
			if e.metrics != nil {
				e.metrics.RecordError(serviceName, "cwmp", "render_command")
			}
			e.completeRef(device, cmd.Ref, cmd.Type, false, "", err.Error())
			continue
		}

		last := LastCommand{QueuedCommand: cmd, MessageID: messageID, SentAt: e.now()}
		if err := saveLastCommand(session, &last); err != nil {
			return nil, err
		}
		if err := saveQueue(session, queue); err != nil {
			return nil, err
		}
		if err := e.stores.Sessions.Save(session); err != nil {
			return nil, err
		}

		if cmd.Type == database.TaskTypeDownload {
			e.markDeploymentStarted(cmd.Ref)
		}

		e.recordMessage(cmd.Type, "outbound")
		e.publishCWMP(device, cmd.Type, "outbound", cmd.Ref.CommandKey())
		return &SessionResult{Body: body, Cookie: session.Cookie}, nil
	}

	if err := saveQueue(session, queue); err != nil {
		return nil, err
	}

	if informID != "" {
		if err := e.stores.Sessions.Save(session); err != nil {
			return nil, err
		}
		body, err := RenderInformResponse(informID)
		if err != nil {
			return nil, err
		}
		e.recordMessage("InformResponse", "outbound")
		return &SessionResult{Body: body, Cookie: session.Cookie}, nil
	}

	if err := e.stores.Sessions.Close(session.ID); err != nil {
		return nil, err
	}
	e.refreshSessionGauge()
	return &SessionResult{Cookie: session.Cookie, Close: true}, nil
}

// refreshSessionGauge resets the active-session gauge from the store, so
// sessions ended by supersession or expiry never leave the gauge drifting
func (e *Engine) refreshSessionGauge() {
	if e.metrics == nil {
		return
	}
	n, err := e.stores.Sessions.ActiveCount(e.now())
	if err != nil {
		return
	}
	e.metrics.CWMPActiveSessions.Set(float64(n))
}

// completeValuesResponse stores returned parameters and completes the
// originating command. A network scan additionally feeds the connected-client
// table.
func (e *Engine) completeValuesResponse(device *database.Device, msg *ParsedMessage, last *LastCommand) {
	for _, p := range msg.Parameters {
		if err := e.stores.Parameters.Upsert(device.ID, p.Name, p.Value, p.Type); err != nil {
			log.Printf("⚠️ Failed to store parameter %s for device %s: %v", p.Name, device.SerialNumber, err)
		}
	}

	if last == nil {
		log.Printf("⚠️ GetParameterValuesResponse from device %s with no command in flight", device.SerialNumber)
		return
	}

	if last.Type == database.TaskTypeNetworkScan {
		clients := parseConnectedClients(msg.Parameters)
		if err := e.stores.Clients.UpsertScan(device.ID, clients, e.now()); err != nil {
			log.Printf("⚠️ Failed to store %d scanned clients for device %s: %v", len(clients), device.SerialNumber, err)
		} else if len(clients) > 0 {
			log.Printf("📡 Network scan found %d clients on device %s", len(clients), device.SerialNumber)
		}
	}

	result := fmt.Sprintf(`{"parameter_count":%d}`, len(msg.Parameters))
	e.completeRef(device, last.Ref, last.Type, true, result, "")
}

// handleDownloadResponse completes the download task when the device reports
// an immediate finish (status 0). Status 1 means the transfer runs in the
// background and a TransferComplete will follow, so the task stays in
// processing.
func (e *Engine) handleDownloadResponse(device *database.Device, msg *ParsedMessage, last *LastCommand) {
	if last == nil {
		log.Printf("⚠️ DownloadResponse from device %s with no command in flight", device.SerialNumber)
		return
	}
	if msg.Status == 0 {
		e.completeRef(device, last.Ref, last.Type, true, `{"status":0}`, "")
		e.finishDeployment(last.Ref.CommandKey(), last.Ref, true, "")
		return
	}
	log.Printf("⏳ Device %s accepted download %s, awaiting TransferComplete", device.SerialNumber, last.Ref.CommandKey())
	e.markDeploymentDownloading(last.Ref)
}

// handleTransferComplete correlates an asynchronous TransferComplete with its
// originating command. The CommandKey is authoritative; the last dispatched
// command and finally the newest processing download are fallbacks for
// devices that echo a wrong or empty key.
func (e *Engine) handleTransferComplete(device *database.Device, msg *ParsedMessage, last *LastCommand) {
	ref, ok := ParseCommandKey(msg.CommandKey)
	if !ok {
		switch {
		case last != nil && last.Type == database.TaskTypeDownload:
			ref = last.Ref
			log.Printf("⚠️ TransferComplete from device %s with key %q, correlated via last command %s", device.SerialNumber, msg.CommandKey, ref.CommandKey())
		default:
			task, err := e.stores.Tasks.LatestDownloadCandidate(device.ID)
			if err != nil || task == nil {
				log.Printf("⚠️ Uncorrelatable TransferComplete from device %s (key %q)", device.SerialNumber, msg.CommandKey)
				return
			}
			ref = CommandRef{Kind: KindTask, ID: task.ID}
			log.Printf("⚠️ TransferComplete from device %s with key %q, correlated to newest processing download task %d", device.SerialNumber, msg.CommandKey, task.ID)
		}
	}

	e.settleTransfer(device, msg, ref)
}

// settleTransfer finalizes the command and deployment behind a correlated
// TransferComplete
func (e *Engine) settleTransfer(device *database.Device, msg *ParsedMessage, ref CommandRef) {
	success := msg.TransferSucceeded()
	if success {
		e.completeRef(device, ref, database.TaskTypeDownload, true, `{"transfer":"complete"}`, "")
	} else {
		e.completeRef(device, ref, database.TaskTypeDownload, false, "", fmt.Sprintf("transfer fault %s: %s", msg.Fault.Code, msg.Fault.Detail))
	}

	faultString := ""
	if !success && msg.Fault != nil {
		faultString = msg.Fault.Detail
	}
	e.finishDeployment(msg.CommandKey, ref, success, faultString)
}

// completeRef routes a command outcome back to its originating record
func (e *Engine) completeRef(device *database.Device, ref CommandRef, cmdType string, success bool, result, errMsg string) {
	var err error
	status := database.TaskStatusCompleted
	switch ref.Kind {
	case KindTask:
		if success {
			err = e.stores.Tasks.MarkCompleted(ref.ID, result, e.now())
		} else {
			err = e.stores.Tasks.MarkFailed(ref.ID, errMsg, e.now())
			status = database.TaskStatusFailed
		}
	case KindPendingCommand:
		if success {
			err = e.stores.Commands.MarkCompleted(ref.ID, result)
		} else {
			err = e.stores.Commands.MarkFailed(ref.ID, errMsg)
			status = database.CommandStatusFailed
		}
	default:
		log.Printf("⚠️ Unknown command ref kind %q", ref.Kind)
		return
	}
	if err != nil {
		log.Printf("❌ Failed to finalize %s: %v", ref.CommandKey(), err)
		return
	}

	if e.metrics != nil {
		e.metrics.RecordTaskTransition(serviceName, string(ref.Kind), status)
	}
	if e.events != nil {
		eventType := kafka.EventTaskCompleted
		if !success {
			eventType = kafka.EventTaskFailed
		}
		ev := &kafka.TaskEvent{
			BaseEvent: kafka.NewBaseEvent(eventType, serviceName),
			DeviceID:  device.ID,
			Kind:      string(ref.Kind),
			RecordID:  ref.ID,
			Type:      cmdType,
			Status:    status,
			Error:     errMsg,
		}
		if err := e.events.PublishTaskEvent(ev); err != nil {
			log.Printf("⚠️ Failed to publish task event: %v", err)
		}
	}
}

func (e *Engine) markDeploymentStarted(ref CommandRef) {
	dep := e.findDeployment(ref.CommandKey(), ref)
	if dep == nil {
		return
	}
	now := e.now()
	dep.Status = database.DeploymentStatusPending
	dep.CommandKey = ref.CommandKey()
	dep.StartedAt = &now
	if err := e.stores.Deployments.Save(dep); err != nil {
		log.Printf("⚠️ Failed to update deployment %d: %v", dep.ID, err)
	}
}

func (e *Engine) markDeploymentDownloading(ref CommandRef) {
	dep := e.findDeployment(ref.CommandKey(), ref)
	if dep == nil {
		return
	}
	dep.Status = database.DeploymentStatusDownloading
	if err := e.stores.Deployments.Save(dep); err != nil {
		log.Printf("⚠️ Failed to update deployment %d: %v", dep.ID, err)
	}
}

func (e *Engine) finishDeployment(commandKey string, ref CommandRef, success bool, faultString string) {
	dep := e.findDeployment(commandKey, ref)
	if dep == nil {
		return
	}
	now := e.now()
	if success {
		dep.Status = database.DeploymentStatusCompleted
	} else {
		dep.Status = database.DeploymentStatusFailed
		dep.FaultString = faultString
	}
	dep.CompletedAt = &now
	if err := e.stores.Deployments.Save(dep); err != nil {
		log.Printf("⚠️ Failed to update deployment %d: %v", dep.ID, err)
	}
}

func (e *Engine) findDeployment(commandKey string, ref CommandRef) *database.FirmwareDeployment {
	if commandKey != "" {
		dep, err := e.stores.Deployments.FindByCommandKey(commandKey)
		if err == nil && dep != nil {
			return dep
		}
	}
	if ref.Kind == KindTask {
		dep, err := e.stores.Deployments.FindByTaskID(ref.ID)
		if err == nil {
			return dep
		}
	}
	return nil
}

func (e *Engine) recordMessage(messageType, direction string) {
	if e.metrics != nil {
		e.metrics.RecordCWMPMessage(serviceName, messageType, direction)
	}
}

func (e *Engine) publishCWMP(device *database.Device, messageType, direction, commandKey string) {
	if e.events == nil {
		return
	}
	eventType := kafka.EventCWMPInform
	switch {
	case direction == "outbound":
		eventType = kafka.EventCWMPCommandSent
	case messageType == "TransferComplete":
		eventType = kafka.EventCWMPTransferComplete
	}
	ev := &kafka.CWMPMessageEvent{
		BaseEvent:    kafka.NewBaseEvent(eventType, serviceName),
		DeviceID:     device.ID,
		SerialNumber: device.SerialNumber,
		MessageType:  messageType,
		Direction:    direction,
		CommandKey:   commandKey,
	}
	if err := e.events.PublishCWMPMessage(ev); err != nil {
		log.Printf("⚠️ Failed to publish CWMP message event: %v", err)
	}
}

// Session queue persistence. The queue and last command live as JSON text on
// the session row so any replica can serve the next POST.

func loadQueue(session *database.Tr069Session) ([]QueuedCommand, error) {
	if strings.TrimSpace(session.CommandQueue) == "" {
		return nil, nil
	}
	var queue []QueuedCommand
	if err := json.Unmarshal([]byte(session.CommandQueue), &queue); err != nil {
		return nil, fmt.Errorf("decode command queue: %w", err)
	}
	return queue, nil
}

func saveQueue(session *database.Tr069Session, queue []QueuedCommand) error {
	if len(queue) == 0 {
		session.CommandQueue = ""
		return nil
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode command queue: %w", err)
	}
	session.CommandQueue = string(raw)
	return nil
}

func loadLastCommand(session *database.Tr069Session) (*LastCommand, error) {
	if strings.TrimSpace(session.LastCommandSent) == "" {
		return nil, nil
	}
	var last LastCommand
	if err := json.Unmarshal([]byte(session.LastCommandSent), &last); err != nil {
		return nil, fmt.Errorf("decode last command: %w", err)
	}
	return &last, nil
}

func saveLastCommand(session *database.Tr069Session, last *LastCommand) error {
	raw, err := json.Marshal(last)
	if err != nil {
		return fmt.Errorf("encode last command: %w", err)
	}
	session.LastCommandSent = string(raw)
	return nil
}

func clearLastCommand(session *database.Tr069Session) {
	session.LastCommandSent = ""
}
