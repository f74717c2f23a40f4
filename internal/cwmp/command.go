package cwmp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
)

// CommandKind tags which record type a queued command originated from, so
// responses route back to the correct table
type CommandKind string

const (
	KindTask           CommandKind = "task"
	KindPendingCommand CommandKind = "pending_cmd"
)

// CommandRef is a tagged reference to the originating ProvisioningTask or
// PendingCommand. The wire-side CommandKey convention (task_<id>,
// pending_cmd_<id>) is produced and parsed here and nowhere else.
type CommandRef struct {
	Kind CommandKind `json:"kind"`
	ID   uint        `json:"id"`
}

// CommandKey returns the deterministic wire key for async callbacks
// (TransferComplete)
func (r CommandRef) CommandKey() string {
	return fmt.Sprintf("%s_%d", r.Kind, r.ID)
}

// ParseCommandKey recovers a CommandRef from a wire CommandKey. The longer
// pending_cmd_ prefix is checked first since both share a prefix character
// set.
func ParseCommandKey(key string) (CommandRef, bool) {
	for _, kind := range []CommandKind{KindPendingCommand, KindTask} {
		prefix := string(kind) + "_"
		if strings.HasPrefix(key, prefix) {
			id, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 32)
			if err != nil {
				return CommandRef{}, false
			}
			return CommandRef{Kind: kind, ID: uint(id)}, true
		}
	}
	return CommandRef{}, false
}

// QueuedCommand is one entry of a session's outbound command queue
type QueuedCommand struct {
	Ref      CommandRef      `json:"ref"`
	Type     string          `json:"type"`
	Params   json.RawMessage `json:"params,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

// LastCommand is the most recently dispatched command, persisted on the
// session for response correlation. It must be overwritten on every dispatch:
// the next inbound message is correlated against it.
type LastCommand struct {
	QueuedCommand
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// queueFromTask converts a claimed provisioning task into a queued command
func queueFromTask(task *database.ProvisioningTask, now time.Time) QueuedCommand {
	return QueuedCommand{
		Ref:      CommandRef{Kind: KindTask, ID: task.ID},
		Type:     task.TaskType,
		Params:   json.RawMessage(emptyToObject(task.TaskData)),
		QueuedAt: now,
	}
}

// queueFromPendingCommand converts a claimed pending command
func queueFromPendingCommand(cmd *database.PendingCommand, now time.Time) QueuedCommand {
	return QueuedCommand{
		Ref:      CommandRef{Kind: KindPendingCommand, ID: cmd.ID},
		Type:     cmd.CommandType,
		Params:   json.RawMessage(emptyToObject(cmd.Parameters)),
		QueuedAt: now,
	}
}

func emptyToObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

// commandParams is the union of parameter fields a queued command may carry
// in its opaque task data
type commandParams struct {
	// set_parameters / diagnostic / rollback_configuration
	Parameters map[string]string `json:"parameters,omitempty"`

	// get_parameters / network_scan
	ParameterPaths []string `json:"parameter_paths,omitempty"`

	// parameter_discovery
	ParameterPath string `json:"parameter_path,omitempty"`
	NextLevel     bool   `json:"next_level,omitempty"`

	// download
	URL            string `json:"url,omitempty"`
	FileType       string `json:"file_type,omitempty"`
	FileSize       int64  `json:"file_size,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	TargetFileName string `json:"target_file_name,omitempty"`
	DelaySeconds   int    `json:"delay_seconds,omitempty"`
}

func (c *QueuedCommand) params() (*commandParams, error) {
	var p commandParams
	if len(c.Params) > 0 {
		if err := json.Unmarshal(c.Params, &p); err != nil {
			return nil, fmt.Errorf("invalid command parameters for %s: %w", c.Ref.CommandKey(), err)
		}
	}
	return &p, nil
}

// Default parameter sets used when a command omits explicit paths
var (
	// networkScanPaths covers both the LAN host table and WiFi associated
	// devices; responses feed the connected-client store
	networkScanPaths = []string{
		"Device.Hosts.",
		"Device.WiFi.AccessPoint.",
	}

	// diagnosticDefaults starts an IPPing diagnostic when the operator gave
	// no explicit settings
	diagnosticDefaults = map[string]string{
		"Device.IP.Diagnostics.IPPing.DiagnosticsState":    "Requested",
		"Device.IP.Diagnostics.IPPing.Host":                "8.8.8.8",
		"Device.IP.Diagnostics.IPPing.NumberOfRepetitions": "4",
		"Device.IP.Diagnostics.IPPing.Timeout":             "5000",
	}
)

// render produces the SOAP request for a queued command
func (c *QueuedCommand) render(messageID string) ([]byte, error) {
	p, err := c.params()
	if err != nil {
		return nil, err
	}

	switch c.Type {
	case database.TaskTypeSetParameters, database.TaskTypeRollbackConfig:
		if len(p.Parameters) == 0 {
			return nil, fmt.Errorf("command %s has no parameters to set", c.Ref.CommandKey())
		}
		return RenderSetParameterValues(p.Parameters, c.Ref.CommandKey(), messageID)

	case database.TaskTypeGetParameters:
		paths := p.ParameterPaths
		if len(paths) == 0 {
			paths = []string{"Device."}
		}
		return RenderGetParameterValues(paths, messageID)

	case database.TaskTypeNetworkScan:
		paths := p.ParameterPaths
		if len(paths) == 0 {
			paths = networkScanPaths
		}
		return RenderGetParameterValues(paths, messageID)

	case database.TaskTypeParameterDiscovery:
		path := p.ParameterPath
		if path == "" {
			path = "Device."
		}
		return RenderGetParameterNames(path, p.NextLevel, messageID)

	case database.TaskTypeReboot:
		return RenderReboot(c.Ref.CommandKey(), messageID)

	case "factory_reset":
		return RenderFactoryReset(messageID)

	case database.TaskTypeDiagnostic:
		params := p.Parameters
		if len(params) == 0 {
			params = diagnosticDefaults
		}
		return RenderSetParameterValues(params, c.Ref.CommandKey(), messageID)

	case database.TaskTypeDownload:
		if p.URL == "" {
			return nil, fmt.Errorf("command %s has no download URL", c.Ref.CommandKey())
		}
		return RenderDownload(&DownloadRequest{
			CommandKey:     c.Ref.CommandKey(),
			FileType:       p.FileType,
			URL:            p.URL,
			Username:       p.Username,
			Password:       p.Password,
			FileSize:       p.FileSize,
			TargetFileName: p.TargetFileName,
			DelaySeconds:   p.DelaySeconds,
		}, messageID)

	default:
		return nil, fmt.Errorf("unsupported command type %q", c.Type)
	}
}
