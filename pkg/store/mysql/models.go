package mysql

import "botfleet/pkg/store/mysql/model"

// Re-export types from model package so callers can use mysql.Node etc.
type (
	Node                 = model.Node
	NodeStatus           = model.NodeStatus
	NodeStatusTransition = model.NodeStatusTransition
	BotInstance          = model.BotInstance
	BackupStatus         = model.BackupStatus
	RestoreLog           = model.RestoreLog
	RecoveryEvent        = model.RecoveryEvent
	RecoveryItem         = model.RecoveryItem
	HealthEvent          = model.HealthEvent
)
