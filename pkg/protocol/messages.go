package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags agent-to-control-plane messages
type MessageType string

const (
	MessageHeartbeat     MessageType = "heartbeat"
	MessageHealthEvent   MessageType = "health_event"
	MessageCommandResult MessageType = "command_result"
)

// HealthKind classifies a health event
type HealthKind string

const (
	HealthDied      HealthKind = "died"
	HealthOOMKilled HealthKind = "oom_killed"
	HealthUnhealthy HealthKind = "unhealthy"
	HealthRestarted HealthKind = "restarted"
	HealthStopped   HealthKind = "stopped"
	HealthDiskLow   HealthKind = "disk_low"
)

// ContainerInfo describes one tenant container
type ContainerInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	State     string    `json:"state"` // created, running, exited, ...
	Running   bool      `json:"running"`
	ExitCode  int       `json:"exit_code"`
	OOMKilled bool      `json:"oom_killed"`
	Health    string    `json:"health,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// ContainerStats is a point-in-time resource sample for a container
type ContainerStats struct {
	Name          string  `json:"name"`
	State         string  `json:"state"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
}

// Resources is the node-level resource sample carried by heartbeats
type Resources struct {
	CPUCount       int     `json:"cpu_count"`
	MemoryTotalMB  int64   `json:"memory_total_mb"`
	MemoryUsedMB   int64   `json:"memory_used_mb"`
	DiskTotalMB    int64   `json:"disk_total_mb"`
	DiskUsedMB     int64   `json:"disk_used_mb"`
	DiskUsePercent float64 `json:"disk_use_percent"`
}

// Heartbeat is sent periodically while the agent is connected
type Heartbeat struct {
	Type       MessageType      `json:"type"`
	NodeID     string           `json:"node_id"`
	Containers []ContainerStats `json:"containers"`
	Resources  Resources        `json:"resources"`
	Timestamp  time.Time        `json:"timestamp"`
}

// HealthEvent is a fire-and-forget container or node health notification
type HealthEvent struct {
	Type      MessageType `json:"type"`
	NodeID    string      `json:"node_id"`
	Container string      `json:"container"`
	Event     HealthKind  `json:"event"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// CommandResult answers exactly one Command
type CommandResult struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Command CommandType     `json:"command"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SuccessResult builds a successful result carrying data
func SuccessResult(cmd Command, data interface{}) CommandResult {
	result := CommandResult{ID: cmd.ID, Type: MessageCommandResult, Command: cmd.Type, Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResult(cmd, fmt.Errorf("failed to encode result: %w", err))
		}
		result.Data = raw
	}
	return result
}

// ErrorResult builds a failed result
func ErrorResult(cmd Command, err error) CommandResult {
	msg := "command failed"
	if err != nil {
		msg = err.Error()
	}
	return CommandResult{ID: cmd.ID, Type: MessageCommandResult, Command: cmd.Type, Success: false, Error: msg}
}

// DecodeData unmarshals the result data into v
func (r *CommandResult) DecodeData(v interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%s result has no data", r.Command)
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns nil for successful results and an error carrying the agent message otherwise
func (r *CommandResult) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("%s failed", r.Command)
	}
	return fmt.Errorf("%s failed: %s", r.Command, r.Error)
}

// DecodeInbound decodes an agent message into *Heartbeat, *HealthEvent or *CommandResult.
// Messages without a type but with a node_id are treated as heartbeats.
func DecodeInbound(data []byte) (interface{}, error) {
	var envelope struct {
		Type   MessageType `json:"type"`
		NodeID string      `json:"node_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	switch envelope.Type {
	case MessageCommandResult:
		var result CommandResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("invalid command result: %w", err)
		}
		return &result, nil
	case MessageHealthEvent:
		var event HealthEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("invalid health event: %w", err)
		}
		return &event, nil
	case MessageHeartbeat, "":
		if envelope.Type == "" && envelope.NodeID == "" {
			return nil, fmt.Errorf("message has no type")
		}
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return nil, fmt.Errorf("invalid heartbeat: %w", err)
		}
		hb.Type = MessageHeartbeat
		return &hb, nil
	default:
		return nil, fmt.Errorf("unsupported message type %q", envelope.Type)
	}
}

// RegisterRequest is the body of POST /internal/nodes/register
type RegisterRequest struct {
	NodeID       string `json:"node_id" binding:"required"`
	Host         string `json:"host" binding:"required"`
	CapacityMB   int64  `json:"capacity_mb"`
	AgentVersion string `json:"agent_version"`
}
