package models

import (
	"time"

	"gorm.io/datatypes"
)

// Webhook event statuses.
const (
	EventPending   = "pendente"
	EventProcessed = "processado"
	EventBlocked   = "bloqueado"
	EventFailed    = "erro"
)

// WebhookEvent is a raw provider callback stored before processing.
type WebhookEvent struct {
	ID          string `gorm:"primaryKey;size:36"`
	Source      string `gorm:"size:32;not null;index"`
	Payload     datatypes.JSON
	Status      string `gorm:"size:16;default:pendente;index"`
	Error       string `gorm:"type:text"`
	ProcessedAt *time.Time
	CreatedAt   time.Time
}
