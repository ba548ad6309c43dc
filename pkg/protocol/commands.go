// Package protocol defines the JSON messages exchanged between the node agent and the control plane.
//
// Commands are a closed set: every CommandType maps to exactly one payload type, and decoding a command
// produces that concrete type, so handlers never read ad hoc string maps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType identifies an allow-listed command
type CommandType string

const (
	CommandBotStart         CommandType = "bot.start"
	CommandBotStop          CommandType = "bot.stop"
	CommandBotRestart       CommandType = "bot.restart"
	CommandBotExport        CommandType = "bot.export"
	CommandBotImport        CommandType = "bot.import"
	CommandBotRemove        CommandType = "bot.remove"
	CommandBotLogs          CommandType = "bot.logs"
	CommandBotInspect       CommandType = "bot.inspect"
	CommandBackupUpload     CommandType = "backup.upload"
	CommandBackupDownload   CommandType = "backup.download"
	CommandBackupRunNightly CommandType = "backup.run-nightly"
)

// ErrUnknownCommand is returned for command types outside the allow-list
var ErrUnknownCommand = errors.New("unknown command")

// payloadFactories is the allow-list; each entry builds an empty payload to decode into
var payloadFactories = map[CommandType]func() Payload{
	CommandBotStart:         func() Payload { return &BotStartPayload{} },
	CommandBotStop:          func() Payload { return &BotStopPayload{} },
	CommandBotRestart:       func() Payload { return &BotRestartPayload{} },
	CommandBotExport:        func() Payload { return &BotExportPayload{} },
	CommandBotImport:        func() Payload { return &BotImportPayload{} },
	CommandBotRemove:        func() Payload { return &BotRemovePayload{} },
	CommandBotLogs:          func() Payload { return &BotLogsPayload{} },
	CommandBotInspect:       func() Payload { return &BotInspectPayload{} },
	CommandBackupUpload:     func() Payload { return &BackupUploadPayload{} },
	CommandBackupDownload:   func() Payload { return &BackupDownloadPayload{} },
	CommandBackupRunNightly: func() Payload { return &BackupRunNightlyPayload{} },
}

// AllCommandTypes returns every allow-listed command type
func AllCommandTypes() []CommandType {
	return []CommandType{
		CommandBotStart, CommandBotStop, CommandBotRestart, CommandBotExport,
		CommandBotImport, CommandBotRemove, CommandBotLogs, CommandBotInspect,
		CommandBackupUpload, CommandBackupDownload, CommandBackupRunNightly,
	}
}

// Valid reports whether t is on the allow-list
func (t CommandType) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// IsLongRunning reports whether the command moves container filesystems and needs the long timeout
func (t CommandType) IsLongRunning() bool {
	switch t {
	case CommandBotExport, CommandBotImport, CommandBackupUpload, CommandBackupDownload, CommandBackupRunNightly:
		return true
	}
	return false
}

// Payload is implemented by every command payload
type Payload interface {
	CommandType() CommandType
}

// Command is a control-plane-to-agent instruction
type Command struct {
	ID      string
	Type    CommandType
	Payload Payload
}

// NewCommand builds a command whose type is taken from the payload
func NewCommand(id string, payload Payload) Command {
	return Command{ID: id, Type: payload.CommandType(), Payload: payload}
}

type commandWire struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the command as {id, type, payload}
func (c Command) MarshalJSON() ([]byte, error) {
	wire := commandWire{ID: c.ID, Type: c.Type}
	if c.Payload != nil {
		raw, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", c.Type, err)
		}
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes {id, type, payload}. Unknown types decode without error and with a nil
// payload so the receiver can still answer with a correlated error result.
func (c *Command) UnmarshalJSON(data []byte) error {
	var wire commandWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	c.ID = wire.ID
	c.Type = wire.Type
	c.Payload = nil

	factory, ok := payloadFactories[wire.Type]
	if !ok {
		return nil
	}

	payload := factory()
	if len(wire.Payload) > 0 && string(wire.Payload) != "null" {
		if err := json.Unmarshal(wire.Payload, payload); err != nil {
			return fmt.Errorf("invalid %s payload: %w", wire.Type, err)
		}
	}
	c.Payload = payload
	return nil
}

// BotStartPayload starts an existing container
type BotStartPayload struct {
	Name string `json:"name"`
}

// BotStopPayload stops a running container
type BotStopPayload struct {
	Name           string `json:"name"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// BotRestartPayload restarts a container
type BotRestartPayload struct {
	Name string `json:"name"`
}

// BotExportPayload exports a container filesystem to a gzip tarball on the node
type BotExportPayload struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"` // defaults to <backup_dir>/<name>_<timestamp>.tar.gz
}

// BotImportPayload imports a gzip tarball as a new container under Name and starts it
type BotImportPayload struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Cmd      []string `json:"cmd,omitempty"`
	Env      []string `json:"env,omitempty"`
	MemoryMB int64    `json:"memory_mb,omitempty"`
	NoStart  bool     `json:"no_start,omitempty"`
}

// BotRemovePayload removes a container
type BotRemovePayload struct {
	Name  string `json:"name"`
	Force bool   `json:"force,omitempty"`
}

// BotLogsPayload fetches recent container logs
type BotLogsPayload struct {
	Name string `json:"name"`
	Tail int    `json:"tail,omitempty"`
}

// BotInspectPayload inspects a container
type BotInspectPayload struct {
	Name string `json:"name"`
}

// BackupUploadPayload uploads a local file to object storage
type BackupUploadPayload struct {
	LocalPath   string `json:"local_path"`
	RemoteKey   string `json:"remote_key"`
	DeleteLocal bool   `json:"delete_local,omitempty"`
}

// BackupDownloadPayload downloads an object to a local path
type BackupDownloadPayload struct {
	RemoteKey string `json:"remote_key"`
	LocalPath string `json:"local_path"`
}

// BackupRunNightlyPayload backs up every tenant container on the node to the nightly tier
type BackupRunNightlyPayload struct{}

func (*BotStartPayload) CommandType() CommandType         { return CommandBotStart }
func (*BotStopPayload) CommandType() CommandType          { return CommandBotStop }
func (*BotRestartPayload) CommandType() CommandType       { return CommandBotRestart }
func (*BotExportPayload) CommandType() CommandType        { return CommandBotExport }
func (*BotImportPayload) CommandType() CommandType        { return CommandBotImport }
func (*BotRemovePayload) CommandType() CommandType        { return CommandBotRemove }
func (*BotLogsPayload) CommandType() CommandType          { return CommandBotLogs }
func (*BotInspectPayload) CommandType() CommandType       { return CommandBotInspect }
func (*BackupUploadPayload) CommandType() CommandType     { return CommandBackupUpload }
func (*BackupDownloadPayload) CommandType() CommandType   { return CommandBackupDownload }
func (*BackupRunNightlyPayload) CommandType() CommandType { return CommandBackupRunNightly }

// ActionResult is returned by start/stop/restart/remove
type ActionResult struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// ExportResult is returned by bot.export
type ExportResult struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ImportResult is returned by bot.import
type ImportResult struct {
	ContainerID string `json:"container_id"`
	Image       string `json:"image"`
	Started     bool   `json:"started"`
}

// LogsResult is returned by bot.logs
type LogsResult struct {
	Logs string `json:"logs"`
}

// TransferResult is returned by backup.upload and backup.download
type TransferResult struct {
	RemoteKey string `json:"remote_key"`
	LocalPath string `json:"local_path"`
	SizeBytes int64  `json:"size_bytes"`
}

// NightlyBackupResult is the outcome for one container of backup.run-nightly
type NightlyBackupResult struct {
	Container string `json:"container"`
	RemoteKey string `json:"remote_key,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// NightlyResult is returned by backup.run-nightly
type NightlyResult struct {
	Results []NightlyBackupResult `json:"results"`
}
