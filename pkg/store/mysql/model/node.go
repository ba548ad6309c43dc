package model

import "time"

// NodeStatus is the lifecycle status of a worker node
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusDraining NodeStatus = "draining"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusFailed   NodeStatus = "failed"
)

// Valid reports whether s is a known status
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusActive, NodeStatusDraining, NodeStatusOffline, NodeStatusFailed:
		return true
	}
	return false
}

// Node represents a worker node record in database
type Node struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	NodeID          string     `gorm:"column:node_id;type:varchar(64);not null;uniqueIndex" json:"node_id"`
	Host            string     `gorm:"column:host;type:varchar(255);not null" json:"host"`
	Status          string     `gorm:"column:status;type:varchar(20);not null;default:active;index" json:"status"`
	CapacityMB      int64      `gorm:"column:capacity_mb;not null;default:0" json:"capacity_mb"`
	UsedMB          int64      `gorm:"column:used_mb;not null;default:0" json:"used_mb"`
	DiskUsePercent  float64    `gorm:"column:disk_use_percent;not null;default:0" json:"disk_use_percent"`
	AgentVersion    string     `gorm:"column:agent_version;type:varchar(64)" json:"agent_version"`
	SecretHash      string     `gorm:"column:secret_hash;type:varchar(100)" json:"-"`
	OwnerID         string     `gorm:"column:owner_id;type:varchar(64)" json:"owner_id,omitempty"`
	ProvisionStage  string     `gorm:"column:provision_stage;type:varchar(32)" json:"provision_stage,omitempty"`
	LastError       string     `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	LastHeartbeatAt *time.Time `gorm:"column:last_heartbeat_at;index" json:"last_heartbeat_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Node) TableName() string {
	return "nodes"
}

// FreeMB is the capacity not used by running tenants
func (n *Node) FreeMB() int64 {
	return n.CapacityMB - n.UsedMB
}

// NodeStatusTransition is one append-only entry of a node's status history
type NodeStatusTransition struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	NodeID     string    `gorm:"column:node_id;type:varchar(64);not null;index" json:"node_id"`
	FromStatus string    `gorm:"column:from_status;type:varchar(20)" json:"from_status"`
	ToStatus   string    `gorm:"column:to_status;type:varchar(20);not null" json:"to_status"`
	Reason     string    `gorm:"column:reason;type:text" json:"reason"`
	Actor      string    `gorm:"column:actor;type:varchar(64)" json:"actor"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (NodeStatusTransition) TableName() string {
	return "node_status_transitions"
}
