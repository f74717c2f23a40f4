package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dexter939/EvoAcsss-sub001/internal/cwmp"
	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp/wire"
	"github.com/dexter939/EvoAcsss-sub001/pkg/kafka"
)

// deviceFromPath resolves the :id route parameter, answering the error
// response itself when the device cannot be served
func (s *Server) deviceFromPath(c *gin.Context) (*database.Device, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return nil, false
	}
	device, err := s.repos.Device.GetByID(uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return nil, false
	}
	return device, true
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) listDevices(c *gin.Context) {
	limit, offset := 100, 0
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		offset = v
	}

	devices, err := s.repos.Device.GetAll(offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, _ := s.repos.Device.Count()
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) getDevice(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, device)
}

func (s *Server) getDeviceParameters(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	var (
		params []database.DeviceParameter
		err    error
	)
	if prefix := c.Query("prefix"); prefix != "" {
		params, err = s.repos.Parameter.GetByPrefix(device.ID, prefix)
	} else {
		params, err = s.repos.Parameter.GetByDevice(device.ID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params, "count": len(params)})
}

func (s *Server) getConnectedClients(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	activeOnly := c.Query("active") == "true"
	clients, err := s.repos.Client.GetByDevice(device.ID, activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}

// createTaskRequest is the operator payload for queuing CWMP work
type createTaskRequest struct {
	TaskType    string          `json:"task_type" binding:"required"`
	TaskData    json.RawMessage `json:"task_data"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	MaxRetries  int             `json:"max_retries"`
}

var validTaskTypes = map[string]bool{
	database.TaskTypeSetParameters:      true,
	database.TaskTypeGetParameters:      true,
	database.TaskTypeReboot:             true,
	database.TaskTypeDownload:           true,
	database.TaskTypeDiagnostic:         true,
	database.TaskTypeNetworkScan:        true,
	database.TaskTypeParameterDiscovery: true,
	database.TaskTypeRollbackConfig:     true,
}

func (s *Server) createTask(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validTaskTypes[req.TaskType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task type " + req.TaskType})
		return
	}

	scheduledAt := time.Now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	task := &database.ProvisioningTask{
		DeviceID:    device.ID,
		TaskType:    req.TaskType,
		Status:      database.TaskStatusPending,
		TaskData:    string(req.TaskData),
		MaxRetries:  maxRetries,
		ScheduledAt: scheduledAt,
	}
	if err := s.repos.Task.Create(task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.publishTaskEvent(kafka.EventTaskCreated, device.ID, "task", task.ID, task.TaskType, task.Status)
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getDeviceTasks(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	tasks, err := s.repos.Task.GetByDevice(device.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	task, err := s.repos.Task.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// createCommandRequest is the operator payload for the NAT-traversal queue.
// With immediate set, a connection request tries to wake the device so the
// command runs now instead of on the next periodic Inform.
type createCommandRequest struct {
	CommandType string          `json:"command_type" binding:"required"`
	Parameters  json.RawMessage `json:"parameters"`
	Priority    int             `json:"priority"`
	Immediate   bool            `json:"immediate"`
}

func (s *Server) createCommand(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	var req createCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := &database.PendingCommand{
		DeviceID:    device.ID,
		CommandType: req.CommandType,
		Parameters:  string(req.Parameters),
		Status:      database.CommandStatusPending,
		Priority:    req.Priority,
		MaxRetries:  3,
	}
	if err := s.repos.Command.Create(cmd); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.publishTaskEvent(kafka.EventCommandQueued, device.ID, "pending_command", cmd.ID, cmd.CommandType, cmd.Status)

	woke := false
	if req.Immediate && s.connreq != nil {
		if err := s.connreq.Wake(c.Request.Context(), device); err != nil {
			// NAT or offline device; the command waits for the next Inform
			log.Printf("⚠️ Wake failed for device %s, command %d queued: %v", device.SerialNumber, cmd.ID, err)
		} else {
			woke = true
		}
	}

	c.JSON(http.StatusCreated, gin.H{"command": cmd, "device_woken": woke})
}

func (s *Server) getDeviceCommands(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	commands, err := s.repos.Command.GetByDevice(device.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": commands, "count": len(commands)})
}

func (s *Server) cancelCommand(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.repos.Command.Cancel(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

// USP operation payloads

type uspGetRequest struct {
	Paths    []string `json:"paths" binding:"required"`
	MaxDepth uint32   `json:"max_depth"`
}

func (s *Server) uspGet(c *gin.Context) {
	device, ok := s.uspDeviceFromPath(c)
	if !ok {
		return
	}
	var req uspGetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatchUSP(c, device, wire.MsgTypeGet, &wire.Body{Request: &wire.Request{
		Get: &wire.Get{ParamPaths: req.Paths, MaxDepth: req.MaxDepth},
	}})
}

type uspSetRequest struct {
	ObjPath      string            `json:"obj_path" binding:"required"`
	Parameters   map[string]string `json:"parameters" binding:"required"`
	AllowPartial bool              `json:"allow_partial"`
}

func (s *Server) uspSet(c *gin.Context) {
	device, ok := s.uspDeviceFromPath(c)
	if !ok {
		return
	}
	var req uspSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	obj := wire.UpdateObject{ObjPath: req.ObjPath}
	for param, value := range req.Parameters {
		obj.ParamSettings = append(obj.ParamSettings, wire.ParamSetting{Param: param, Value: value, Required: true})
	}
	s.dispatchUSP(c, device, wire.MsgTypeSet, &wire.Body{Request: &wire.Request{
		Set: &wire.Set{AllowPartial: req.AllowPartial, UpdateObjs: []wire.UpdateObject{obj}},
	}})
}

type uspAddRequest struct {
	ObjPath    string            `json:"obj_path" binding:"required"`
	Parameters map[string]string `json:"parameters"`
}

func (s *Server) uspAdd(c *gin.Context) {
	device, ok := s.uspDeviceFromPath(c)
	if !ok {
		return
	}
	var req uspAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	obj := wire.CreateObject{ObjPath: req.ObjPath}
	for param, value := range req.Parameters {
		obj.ParamSettings = append(obj.ParamSettings, wire.ParamSetting{Param: param, Value: value})
	}
	s.dispatchUSP(c, device, wire.MsgTypeAdd, &wire.Body{Request: &wire.Request{
		Add: &wire.Add{CreateObjs: []wire.CreateObject{obj}},
	}})
}

type uspDeleteRequest struct {
	ObjPaths     []string `json:"obj_paths" binding:"required"`
	AllowPartial bool     `json:"allow_partial"`
}

func (s *Server) uspDelete(c *gin.Context) {
	device, ok := s.uspDeviceFromPath(c)
	if !ok {
		return
	}
	var req uspDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatchUSP(c, device, wire.MsgTypeDelete, &wire.Body{Request: &wire.Request{
		Delete: &wire.Delete{AllowPartial: req.AllowPartial, ObjPaths: req.ObjPaths},
	}})
}

type uspOperateRequest struct {
	Command   string            `json:"command" binding:"required"`
	InputArgs map[string]string `json:"input_args"`
	SendResp  bool              `json:"send_resp"`
}

func (s *Server) uspOperate(c *gin.Context) {
	device, ok := s.uspDeviceFromPath(c)
	if !ok {
		return
	}
	var req uspOperateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatchUSP(c, device, wire.MsgTypeOperate, &wire.Body{Request: &wire.Request{
		Operate: &wire.Operate{
			Command:    req.Command,
			CommandKey: uuid.New().String(),
			SendResp:   req.SendResp,
			InputArgs:  req.InputArgs,
		},
	}})
}

func (s *Server) uspDeviceFromPath(c *gin.Context) (*database.Device, bool) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return nil, false
	}
	if device.Protocol != database.ProtocolUSP {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device is not a USP device"})
		return nil, false
	}
	return device, true
}

func (s *Server) dispatchUSP(c *gin.Context, device *database.Device, msgType wire.MsgType, body *wire.Body) {
	msg := &wire.Msg{
		Header: &wire.Header{MsgID: uuid.New().String(), MsgType: msgType},
		Body:   body,
	}
	result, err := s.dispatcher.Dispatch(c.Request.Context(), device, msg)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// Subscriptions

type createSubscriptionRequest struct {
	SubscriptionID   string `json:"subscription_id" binding:"required"`
	NotificationType string `json:"notification_type" binding:"required"`
	ReferenceList    string `json:"reference_list" binding:"required"`
	Persist          bool   `json:"persist"`
}

// createSubscription stores the subscription and pushes the matching Add to
// the agent so both sides agree on the instance
func (s *Server) createSubscription(c *gin.Context) {
	device, ok := s.uspDeviceFromPath(c)
	if !ok {
		return
	}
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := &database.UspSubscription{
		DeviceID:         device.ID,
		SubscriptionID:   req.SubscriptionID,
		Path:             req.ReferenceList,
		NotificationType: req.NotificationType,
		ReferenceList:    req.ReferenceList,
		Persist:          req.Persist,
		Active:           true,
	}
	if err := s.repos.Subscription.Create(sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	persist := "false"
	if req.Persist {
		persist = "true"
	}
	obj := wire.CreateObject{
		ObjPath: "Device.LocalAgent.Subscription.",
		ParamSettings: []wire.ParamSetting{
			{Param: "ID", Value: req.SubscriptionID, Required: true},
			{Param: "NotifType", Value: req.NotificationType, Required: true},
			{Param: "ReferenceList", Value: req.ReferenceList, Required: true},
			{Param: "Persistent", Value: persist},
			{Param: "Enable", Value: "true", Required: true},
		},
	}
	msg := &wire.Msg{
		Header: &wire.Header{MsgID: uuid.New().String(), MsgType: wire.MsgTypeAdd},
		Body: &wire.Body{Request: &wire.Request{
			Add: &wire.Add{AllowPartial: false, CreateObjs: []wire.CreateObject{obj}},
		}},
	}
	result, err := s.dispatcher.Dispatch(c.Request.Context(), device, msg)
	if err != nil {
		log.Printf("⚠️ Subscription %s stored but not pushed to %s: %v", req.SubscriptionID, device.USPEndpointID, err)
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub, "dispatch": result})
}

func (s *Server) listSubscriptions(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	subs, err := s.repos.Subscription.GetByDevice(device.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

func (s *Server) deleteSubscription(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.repos.Subscription.Deactivate(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// Firmware deployments

type createDeploymentRequest struct {
	FileURL       string `json:"file_url" binding:"required"`
	FileSize      int64  `json:"file_size"`
	TargetVersion string `json:"target_version"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}

// createDeployment records the deployment and queues the download task that
// carries it to the device; TransferComplete closes the loop
func (s *Server) createDeployment(c *gin.Context) {
	device, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	var req createDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskData, _ := json.Marshal(map[string]interface{}{
		"url":       req.FileURL,
		"file_size": req.FileSize,
		"username":  req.Username,
		"password":  req.Password,
	})
	task := &database.ProvisioningTask{
		DeviceID:    device.ID,
		TaskType:    database.TaskTypeDownload,
		Status:      database.TaskStatusPending,
		TaskData:    string(taskData),
		MaxRetries:  3,
		ScheduledAt: time.Now(),
	}
	if err := s.repos.Task.Create(task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	dep := &database.FirmwareDeployment{
		DeviceID:      device.ID,
		TaskID:        &task.ID,
		FileURL:       req.FileURL,
		FileSize:      req.FileSize,
		TargetVersion: req.TargetVersion,
		Status:        database.DeploymentStatusPending,
		CommandKey:    cwmp.CommandRef{Kind: cwmp.KindTask, ID: task.ID}.CommandKey(),
	}
	if err := s.repos.Deployment.Create(dep); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.publishTaskEvent(kafka.EventTaskCreated, device.ID, "task", task.ID, task.TaskType, task.Status)
	c.JSON(http.StatusCreated, gin.H{"deployment": dep, "task": task})
}

func (s *Server) getDeployment(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	dep, err := s.repos.Deployment.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) publishTaskEvent(eventType kafka.EventType, deviceID uint, kind string, recordID uint, cmdType, status string) {
	if s.events == nil {
		return
	}
	ev := &kafka.TaskEvent{
		BaseEvent: kafka.NewBaseEvent(eventType, serviceName),
		DeviceID:  deviceID,
		Kind:      kind,
		RecordID:  recordID,
		Type:      cmdType,
		Status:    status,
	}
	if err := s.events.PublishTaskEvent(ev); err != nil {
		log.Printf("⚠️ Failed to publish task event: %v", err)
	}
}
