package models

import (
	"time"

	"gorm.io/datatypes"
)

// Task statuses.
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task is a delayed unit of work pulled by workers.
type Task struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Kind        string `gorm:"size:64;not null;index"`
	Payload     datatypes.JSON
	RunAt       time.Time `gorm:"index:idx_task_due"`
	Status      string    `gorm:"size:16;default:pending;index:idx_task_due"`
	Attempts    int
	MaxAttempts int
	LastError   string `gorm:"type:text"`
	Result      datatypes.JSON
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
