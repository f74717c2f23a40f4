// Package cwmp implements the TR-069 side of the ACS: the SOAP message codec,
// the per-device session engine with its outbound command queue, and the
// connection request used to wake devices.
package cwmp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
)

// Codec errors. Malformed wire data is rejected at the boundary with a typed
// error; the HTTP layer answers 400 and session logic is never entered.
var (
	ErrInvalidMessage = errors.New("invalid CWMP message")
	ErrEmptyBody      = errors.New("empty CWMP body")
)

// MessageType identifies the CWMP RPC carried by an envelope
type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageInform
	MessageGetParameterValuesResponse
	MessageSetParameterValuesResponse
	MessageRebootResponse
	MessageDownloadResponse
	MessageTransferComplete
	MessageFactoryResetResponse
	MessageFault
)

// String returns the RPC name
func (t MessageType) String() string {
	switch t {
	case MessageInform:
		return "Inform"
	case MessageGetParameterValuesResponse:
		return "GetParameterValuesResponse"
	case MessageSetParameterValuesResponse:
		return "SetParameterValuesResponse"
	case MessageRebootResponse:
		return "RebootResponse"
	case MessageDownloadResponse:
		return "DownloadResponse"
	case MessageTransferComplete:
		return "TransferComplete"
	case MessageFactoryResetResponse:
		return "FactoryResetResponse"
	case MessageFault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// DeviceIdentity is the DeviceIdStruct of an Inform
type DeviceIdentity struct {
	Manufacturer string
	OUI          string
	ProductClass string
	SerialNumber string
}

// EventCode is one entry of an Inform's Event list
type EventCode struct {
	Code       string
	CommandKey string
}

// ParameterValue is one (path, value) pair
type ParameterValue struct {
	Name  string
	Value string
	Type  string
}

// FaultInfo carries a CWMP FaultStruct
type FaultInfo struct {
	Code   string
	Detail string
}

// ParsedMessage is the codec's view of one inbound envelope
type ParsedMessage struct {
	Type       MessageType
	MessageID  string // cwmp:ID header, may be empty
	Device     *DeviceIdentity
	Events     []EventCode
	Parameters []ParameterValue
	Status     int    // SetParameterValuesResponse / DownloadResponse status
	CommandKey string // TransferComplete
	Fault      *FaultInfo
}

// TransferSucceeded reports whether a TransferComplete indicates success:
// no FaultStruct, or a FaultStruct whose FaultCode is "0".
func (m *ParsedMessage) TransferSucceeded() bool {
	return m.Fault == nil || m.Fault.Code == "0"
}

// Inbound SOAP structures. Element tags carry no namespace on purpose:
// encoding/xml then matches on local name, which tolerates both
// namespace-qualified and unqualified envelopes (devices vary in SOAP
// strictness).
type soapEnvelope struct {
	XMLName xml.Name   `xml:"Envelope"`
	Header  soapHeader `xml:"Header"`
	Body    soapBody   `xml:"Body"`
}

type soapHeader struct {
	ID string `xml:"ID"`
}

type soapBody struct {
	Inform                     *informBody           `xml:"Inform"`
	GetParameterValuesResponse *gpvResponseBody      `xml:"GetParameterValuesResponse"`
	SetParameterValuesResponse *spvResponseBody      `xml:"SetParameterValuesResponse"`
	RebootResponse             *emptyBody            `xml:"RebootResponse"`
	DownloadResponse           *downloadRespBody     `xml:"DownloadResponse"`
	TransferComplete           *transferCompleteBody `xml:"TransferComplete"`
	FactoryResetResponse       *emptyBody            `xml:"FactoryResetResponse"`
	Fault                      *soapFaultBody        `xml:"Fault"`
}

type emptyBody struct{}

type informBody struct {
	DeviceID struct {
		Manufacturer string `xml:"Manufacturer"`
		OUI          string `xml:"OUI"`
		ProductClass string `xml:"ProductClass"`
		SerialNumber string `xml:"SerialNumber"`
	} `xml:"DeviceId"`
	Events []struct {
		EventCode  string `xml:"EventCode"`
		CommandKey string `xml:"CommandKey"`
	} `xml:"Event>EventStruct"`
	ParameterList []parameterValueStruct `xml:"ParameterList>ParameterValueStruct"`
}

type parameterValueStruct struct {
	Name  string `xml:"Name"`
	Value struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"Value"`
}

type gpvResponseBody struct {
	ParameterList []parameterValueStruct `xml:"ParameterList>ParameterValueStruct"`
}

type spvResponseBody struct {
	Status int `xml:"Status"`
}

type downloadRespBody struct {
	Status       int    `xml:"Status"`
	StartTime    string `xml:"StartTime"`
	CompleteTime string `xml:"CompleteTime"`
}

type transferCompleteBody struct {
	CommandKey   string           `xml:"CommandKey"`
	FaultStruct  *faultStructBody `xml:"FaultStruct"`
	StartTime    string           `xml:"StartTime"`
	CompleteTime string           `xml:"CompleteTime"`
}

type faultStructBody struct {
	FaultCode   string `xml:"FaultCode"`
	FaultString string `xml:"FaultString"`
}

type soapFaultBody struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
	Detail      struct {
		Fault *faultStructBody `xml:"Fault"`
	} `xml:"detail"`
}

// ParseEnvelope decodes one inbound SOAP envelope
func ParseEnvelope(raw []byte) (*ParsedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyBody
	}

	var env soapEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	msg := &ParsedMessage{
		Type:      MessageUnknown,
		MessageID: env.Header.ID,
	}

	switch {
	case env.Body.Inform != nil:
		inform := env.Body.Inform
		msg.Type = MessageInform
		msg.Device = &DeviceIdentity{
			Manufacturer: inform.DeviceID.Manufacturer,
			OUI:          inform.DeviceID.OUI,
			ProductClass: inform.DeviceID.ProductClass,
			SerialNumber: inform.DeviceID.SerialNumber,
		}
		if msg.Device.SerialNumber == "" {
			return nil, fmt.Errorf("%w: Inform without serial number", ErrInvalidMessage)
		}
		for _, ev := range inform.Events {
			msg.Events = append(msg.Events, EventCode{Code: ev.EventCode, CommandKey: ev.CommandKey})
		}
		msg.Parameters = convertParameterList(inform.ParameterList)

	case env.Body.GetParameterValuesResponse != nil:
		msg.Type = MessageGetParameterValuesResponse
		msg.Parameters = convertParameterList(env.Body.GetParameterValuesResponse.ParameterList)

	case env.Body.SetParameterValuesResponse != nil:
		msg.Type = MessageSetParameterValuesResponse
		msg.Status = env.Body.SetParameterValuesResponse.Status

	case env.Body.RebootResponse != nil:
		msg.Type = MessageRebootResponse

	case env.Body.DownloadResponse != nil:
		msg.Type = MessageDownloadResponse
		msg.Status = env.Body.DownloadResponse.Status

	case env.Body.TransferComplete != nil:
		tc := env.Body.TransferComplete
		msg.Type = MessageTransferComplete
		msg.CommandKey = tc.CommandKey
		if tc.FaultStruct != nil {
			msg.Fault = &FaultInfo{Code: tc.FaultStruct.FaultCode, Detail: tc.FaultStruct.FaultString}
		}

	case env.Body.FactoryResetResponse != nil:
		msg.Type = MessageFactoryResetResponse

	case env.Body.Fault != nil:
		f := env.Body.Fault
		msg.Type = MessageFault
		msg.Fault = &FaultInfo{Code: f.FaultCode, Detail: f.FaultString}
		if f.Detail.Fault != nil {
			msg.Fault = &FaultInfo{Code: f.Detail.Fault.FaultCode, Detail: f.Detail.Fault.FaultString}
		}
	}

	return msg, nil
}

func convertParameterList(list []parameterValueStruct) []ParameterValue {
	var params []ParameterValue
	for _, p := range list {
		params = append(params, ParameterValue{
			Name:  p.Name,
			Value: p.Value.Value,
			Type:  p.Value.Type,
		})
	}
	return params
}

// Outbound SOAP structures. These carry explicit prefixes so the rendered
// envelope is namespace-qualified; xml.Marshal escapes every operator-supplied
// value (URLs, parameter values) by construction.
type renderEnvelope struct {
	XMLName xml.Name      `xml:"soapenv:Envelope"`
	SoapNS  string        `xml:"xmlns:soapenv,attr"`
	EncNS   string        `xml:"xmlns:soapenc,attr"`
	CwmpNS  string        `xml:"xmlns:cwmp,attr"`
	Header  *renderHeader `xml:"soapenv:Header,omitempty"`
	Body    interface{}   `xml:"soapenv:Body"`
}

type renderHeader struct {
	ID *renderID `xml:"cwmp:ID,omitempty"`
}

type renderID struct {
	MustUnderstand string `xml:"soapenv:mustUnderstand,attr"`
	Value          string `xml:",chardata"`
}

const (
	soapEnvNS = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncNS = "http://schemas.xmlsoap.org/soap/encoding/"
	cwmpNS    = "urn:dslforum-org:cwmp-1-0"
)

func newEnvelope(messageID string, body interface{}) *renderEnvelope {
	env := &renderEnvelope{
		SoapNS: soapEnvNS,
		EncNS:  soapEncNS,
		CwmpNS: cwmpNS,
		Body:   body,
	}
	if messageID != "" {
		env.Header = &renderHeader{ID: &renderID{MustUnderstand: "1", Value: messageID}}
	}
	return env
}

func renderXML(env *renderEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("failed to render CWMP envelope: %w", err)
	}

	return buf.Bytes(), nil
}

type informResponseOut struct {
	XMLName      xml.Name `xml:"cwmp:InformResponse"`
	MaxEnvelopes int      `xml:"MaxEnvelopes"`
}

type getParameterValuesOut struct {
	XMLName        xml.Name `xml:"cwmp:GetParameterValues"`
	ParameterNames struct {
		ArrayType string   `xml:"soapenc:arrayType,attr"`
		Names     []string `xml:"string"`
	} `xml:"ParameterNames"`
}

type getParameterNamesOut struct {
	XMLName       xml.Name `xml:"cwmp:GetParameterNames"`
	ParameterPath string   `xml:"ParameterPath"`
	NextLevel     int      `xml:"NextLevel"`
}

type setParameterValuesOut struct {
	XMLName       xml.Name `xml:"cwmp:SetParameterValues"`
	ParameterList struct {
		ArrayType string                 `xml:"soapenc:arrayType,attr"`
		Params    []setParameterValueOut `xml:"ParameterValueStruct"`
	} `xml:"ParameterList"`
	ParameterKey string `xml:"ParameterKey"`
}

type setParameterValueOut struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

type rebootOut struct {
	XMLName    xml.Name `xml:"cwmp:Reboot"`
	CommandKey string   `xml:"CommandKey"`
}

type factoryResetOut struct {
	XMLName xml.Name `xml:"cwmp:FactoryReset"`
}

type downloadOut struct {
	XMLName        xml.Name `xml:"cwmp:Download"`
	CommandKey     string   `xml:"CommandKey"`
	FileType       string   `xml:"FileType"`
	URL            string   `xml:"URL"`
	Username       string   `xml:"Username"`
	Password       string   `xml:"Password"`
	FileSize       int64    `xml:"FileSize"`
	TargetFileName string   `xml:"TargetFileName"`
	DelaySeconds   int      `xml:"DelaySeconds"`
	SuccessURL     string   `xml:"SuccessURL"`
	FailureURL     string   `xml:"FailureURL"`
}

type transferCompleteResponseOut struct {
	XMLName xml.Name `xml:"cwmp:TransferCompleteResponse"`
}

// DownloadRequest carries the operator parameters of a firmware Download
type DownloadRequest struct {
	CommandKey     string
	FileType       string // "1 Firmware Upgrade Image" unless overridden
	URL            string
	Username       string
	Password       string
	FileSize       int64
	TargetFileName string
	DelaySeconds   int
}

// RenderInformResponse renders the vanilla session acknowledgement
func RenderInformResponse(messageID string) ([]byte, error) {
	return renderXML(newEnvelope(messageID, struct {
		Response informResponseOut
	}{informResponseOut{MaxEnvelopes: 1}}))
}

// RenderGetParameterValues renders a GetParameterValues request
func RenderGetParameterValues(paths []string, messageID string) ([]byte, error) {
	body := getParameterValuesOut{}
	body.ParameterNames.ArrayType = fmt.Sprintf("xsd:string[%d]", len(paths))
	body.ParameterNames.Names = paths

	return renderXML(newEnvelope(messageID, struct {
		Request getParameterValuesOut
	}{body}))
}

// RenderGetParameterNames renders a GetParameterNames request (parameter
// discovery)
func RenderGetParameterNames(path string, nextLevel bool, messageID string) ([]byte, error) {
	body := getParameterNamesOut{ParameterPath: path}
	if nextLevel {
		body.NextLevel = 1
	}

	return renderXML(newEnvelope(messageID, struct {
		Request getParameterNamesOut
	}{body}))
}

// RenderSetParameterValues renders a SetParameterValues request. Parameters
// are rendered in sorted path order so output is deterministic.
func RenderSetParameterValues(params map[string]string, parameterKey, messageID string) ([]byte, error) {
	paths := make([]string, 0, len(params))
	for path := range params {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	body := setParameterValuesOut{ParameterKey: parameterKey}
	body.ParameterList.ArrayType = fmt.Sprintf("cwmp:ParameterValueStruct[%d]", len(paths))
	for _, path := range paths {
		body.ParameterList.Params = append(body.ParameterList.Params, setParameterValueOut{
			Name:  path,
			Value: params[path],
		})
	}

	return renderXML(newEnvelope(messageID, struct {
		Request setParameterValuesOut
	}{body}))
}

// RenderReboot renders a Reboot request
func RenderReboot(commandKey, messageID string) ([]byte, error) {
	return renderXML(newEnvelope(messageID, struct {
		Request rebootOut
	}{rebootOut{CommandKey: commandKey}}))
}

// RenderFactoryReset renders a FactoryReset request
func RenderFactoryReset(messageID string) ([]byte, error) {
	return renderXML(newEnvelope(messageID, struct {
		Request factoryResetOut
	}{factoryResetOut{}}))
}

// RenderDownload renders a Download request. The CommandKey must be the
// deterministic task_<id>/pending_cmd_<id> key so the later TransferComplete
// can be correlated without guessing.
func RenderDownload(req *DownloadRequest, messageID string) ([]byte, error) {
	fileType := req.FileType
	if fileType == "" {
		fileType = "1 Firmware Upgrade Image"
	}

	body := downloadOut{
		CommandKey:     req.CommandKey,
		FileType:       fileType,
		URL:            req.URL,
		Username:       req.Username,
		Password:       req.Password,
		FileSize:       req.FileSize,
		TargetFileName: req.TargetFileName,
		DelaySeconds:   req.DelaySeconds,
	}

	return renderXML(newEnvelope(messageID, struct {
		Request downloadOut
	}{body}))
}

// RenderTransferCompleteResponse acknowledges a TransferComplete
func RenderTransferCompleteResponse(messageID string) ([]byte, error) {
	return renderXML(newEnvelope(messageID, struct {
		Response transferCompleteResponseOut
	}{transferCompleteResponseOut{}}))
}
