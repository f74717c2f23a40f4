// Package wire implements the USP Record and Msg envelopes on the wire.
//
// The schema follows the Broadband Forum field layout for USP 1.3/1.4 but is
// owned by this project and hand-encoded with protowire: only the fields the
// controller actually exchanges are materialized, unknown fields are skipped
// on decode and therefore tolerated.
package wire

import "fmt"

// Typed decode errors. Transport layers map ErrBadRecord to a 400-class
// response; everything else inside a valid Record becomes a USP Error msg.
var (
	ErrBadRecord          = fmt.Errorf("malformed usp record")
	ErrBadMsg             = fmt.Errorf("malformed usp msg")
	ErrUnsupportedVersion = fmt.Errorf("unsupported usp version")
	ErrUnsupportedRecord  = fmt.Errorf("unsupported usp record type")
)

// USP protocol error codes used by the controller
const (
	ErrCodeGeneralFailure      = 7000
	ErrCodeMessageNotSupported = 7005
	ErrCodeInvalidArguments    = 7008
	ErrCodeParamError          = 7010
	ErrCodeInternalError       = 7011
	ErrCodeObjectDoesNotExist  = 7016
)

// PayloadSecurity mirrors the Record payload_security enum
type PayloadSecurity int32

const (
	PayloadSecurityPlaintext PayloadSecurity = 0
	PayloadSecurityTLS12     PayloadSecurity = 1
)

// Record is the outer USP envelope carried by every MTP
type Record struct {
	Version         string
	ToID            string
	FromID          string
	PayloadSecurity PayloadSecurity
	MACSignature    []byte
	SenderCert      []byte

	// Exactly one of the following is set
	NoSessionContext *NoSessionContextRecord
	WebSocketConnect *WebSocketConnectRecord
	MQTTConnect      *MQTTConnectRecord
	Disconnect       *DisconnectRecord
}

// NoSessionContextRecord carries a serialized Msg without session context,
// the only payload-bearing record type this controller exchanges
type NoSessionContextRecord struct {
	Payload []byte
}

// WebSocketConnectRecord is the empty WebSocket session initiation marker
type WebSocketConnectRecord struct{}

// MQTTConnectRecord announces the topic the agent subscribed to
type MQTTConnectRecord struct {
	Version         int32
	SubscribedTopic string
}

// DisconnectRecord terminates an MTP association
type DisconnectRecord struct {
	ReasonCode uint32
	Reason     string
}

// MsgType is the Header msg_type enum
type MsgType int32

const (
	MsgTypeError       MsgType = 0
	MsgTypeGet         MsgType = 1
	MsgTypeGetResp     MsgType = 2
	MsgTypeNotify      MsgType = 3
	MsgTypeSet         MsgType = 4
	MsgTypeSetResp     MsgType = 5
	MsgTypeOperate     MsgType = 6
	MsgTypeOperateResp MsgType = 7
	MsgTypeAdd         MsgType = 8
	MsgTypeAddResp     MsgType = 9
	MsgTypeDelete      MsgType = 10
	MsgTypeDeleteResp  MsgType = 11
	MsgTypeNotifyResp  MsgType = 16
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeError:
		return "ERROR"
	case MsgTypeGet:
		return "GET"
	case MsgTypeGetResp:
		return "GET_RESP"
	case MsgTypeNotify:
		return "NOTIFY"
	case MsgTypeSet:
		return "SET"
	case MsgTypeSetResp:
		return "SET_RESP"
	case MsgTypeOperate:
		return "OPERATE"
	case MsgTypeOperateResp:
		return "OPERATE_RESP"
	case MsgTypeAdd:
		return "ADD"
	case MsgTypeAddResp:
		return "ADD_RESP"
	case MsgTypeDelete:
		return "DELETE"
	case MsgTypeDeleteResp:
		return "DELETE_RESP"
	case MsgTypeNotifyResp:
		return "NOTIFY_RESP"
	}
	return fmt.Sprintf("MSG_TYPE_%d", int32(t))
}

// Msg is the inner USP message
type Msg struct {
	Header *Header
	Body   *Body
}

type Header struct {
	MsgID   string
	MsgType MsgType
}

// Body holds exactly one of Request, Response or Error
type Body struct {
	Request  *Request
	Response *Response
	Err      *Error
}

type Error struct {
	ErrCode uint32
	ErrMsg  string
}

// Request holds exactly one request payload
type Request struct {
	Get     *Get
	Set     *Set
	Add     *Add
	Delete  *Delete
	Operate *Operate
	Notify  *Notify
}

// Response holds exactly one response payload
type Response struct {
	GetResp     *GetResp
	SetResp     *SetResp
	AddResp     *AddResp
	DeleteResp  *DeleteResp
	OperateResp *OperateResp
	NotifyResp  *NotifyResp
}

type Get struct {
	ParamPaths []string
	MaxDepth   uint32
}

type GetResp struct {
	ReqPathResults []RequestedPathResult
}

type RequestedPathResult struct {
	RequestedPath       string
	ErrCode             uint32
	ErrMsg              string
	ResolvedPathResults []ResolvedPathResult
}

type ResolvedPathResult struct {
	ResolvedPath string
	ResultParams map[string]string
}

type Set struct {
	AllowPartial bool
	UpdateObjs   []UpdateObject
}

type UpdateObject struct {
	ObjPath       string
	ParamSettings []ParamSetting
}

// ParamSetting is shared between Set update objects and Add create objects
type ParamSetting struct {
	Param    string
	Value    string
	Required bool
}

type SetResp struct {
	UpdatedObjResults []UpdatedObjectResult
}

type UpdatedObjectResult struct {
	RequestedPath string
	OperStatus    OperationStatus
}

// OperationStatus reports per-object success or failure
type OperationStatus struct {
	Failure *OperationFailure
	Success *OperationSuccess
}

type OperationFailure struct {
	ErrCode uint32
	ErrMsg  string
}

// OperationSuccess is the success arm shared across Set/Add/Delete results;
// only the fields relevant to the operation are populated
type OperationSuccess struct {
	UpdatedParams    map[string]string // Set
	InstantiatedPath string            // Add
	AffectedPaths    []string          // Delete
}

type Add struct {
	AllowPartial bool
	CreateObjs   []CreateObject
}

type CreateObject struct {
	ObjPath       string
	ParamSettings []ParamSetting
}

type AddResp struct {
	CreatedObjResults []CreatedObjectResult
}

type CreatedObjectResult struct {
	RequestedPath string
	OperStatus    OperationStatus
}

type Delete struct {
	AllowPartial bool
	ObjPaths     []string
}

type DeleteResp struct {
	DeletedObjResults []DeletedObjectResult
}

type DeletedObjectResult struct {
	RequestedPath string
	OperStatus    OperationStatus
}

type Operate struct {
	Command    string
	CommandKey string
	SendResp   bool
	InputArgs  map[string]string
}

type OperateResp struct {
	OperationResults []OperationResult
}

type OperationResult struct {
	ExecutedCommand string
	ReqObjPath      string
	OutputArgs      map[string]string
	CmdFailure      *OperationFailure
}

type NotifyResp struct {
	SubscriptionID string
}

type Notify struct {
	SubscriptionID string
	SendResp       bool

	// Exactly one notification kind is set
	Event        *EventNotification
	ValueChange  *ValueChangeNotification
	ObjCreation  *ObjectCreationNotification
	ObjDeletion  *ObjectDeletionNotification
	OperComplete *OperationCompleteNotification
	OnBoardReq   *OnBoardRequestNotification
}

type EventNotification struct {
	ObjPath   string
	EventName string
	Params    map[string]string
}

type ValueChangeNotification struct {
	ParamPath  string
	ParamValue string
}

type ObjectCreationNotification struct {
	ObjPath    string
	UniqueKeys map[string]string
}

type ObjectDeletionNotification struct {
	ObjPath string
}

type OperationCompleteNotification struct {
	ObjPath     string
	CommandName string
	CommandKey  string
}

type OnBoardRequestNotification struct {
	OUI                            string
	ProductClass                   string
	SerialNumber                   string
	AgentSupportedProtocolVersions string
}

// Kind names the notification variant for logging and subscription routing
func (n *Notify) Kind() string {
	switch {
	case n.Event != nil:
		return "Event"
	case n.ValueChange != nil:
		return "ValueChange"
	case n.ObjCreation != nil:
		return "ObjectCreation"
	case n.ObjDeletion != nil:
		return "ObjectDeletion"
	case n.OperComplete != nil:
		return "OperationComplete"
	case n.OnBoardReq != nil:
		return "OnBoardRequest"
	}
	return "Unknown"
}

var supportedVersions = map[string]bool{
	"1.3": true,
	"1.4": true,
}

// VersionSupported reports whether a Record version is one this controller
// speaks
func VersionSupported(v string) bool {
	return supportedVersions[v]
}
