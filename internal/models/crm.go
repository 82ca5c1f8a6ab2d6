package models

import (
	"time"

	"gorm.io/datatypes"
)

// Lead is an inbound prospect. WhatsAppWaID doubles as the Instagram
// sender id for Instagram leads.
type Lead struct {
	ID           string  `gorm:"primaryKey;size:36"`
	WorkspaceID  string  `gorm:"size:36;not null;uniqueIndex:idx_lead_wa"`
	WhatsAppWaID *string `gorm:"column:whatsapp_wa_id;size:128;uniqueIndex:idx_lead_wa"`
	ContactID    *string `gorm:"size:36;index"`
	Name         string  `gorm:"size:256"`
	Phone        string  `gorm:"size:64;index"`
	Email        string  `gorm:"size:256"`
	Source       string  `gorm:"size:32;default:whatsapp"`
	Status       string  `gorm:"size:32;default:novo"`
	OwnerID      *string `gorm:"size:36"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contact is a qualified person in the CRM.
type Contact struct {
	ID              string  `gorm:"primaryKey;size:36"`
	WorkspaceID     string  `gorm:"size:36;not null;index"`
	Name            string  `gorm:"size:256"`
	Phone           string  `gorm:"size:64;index"`
	Email           string  `gorm:"size:256;index"`
	Status          string  `gorm:"size:32;default:novo"`
	OwnerID         *string `gorm:"size:36"`
	PipelineID      *string `gorm:"size:36"`
	PipelineStageID *string `gorm:"size:36"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Deal is an opportunity for a contact inside a pipeline.
type Deal struct {
	ID          string  `gorm:"primaryKey;size:36"`
	WorkspaceID string  `gorm:"size:36;not null;index"`
	ContactID   *string `gorm:"size:36;index"`
	PipelineID  *string `gorm:"size:36;index"`
	StageID     *string `gorm:"size:36"`
	Title       string  `gorm:"size:256"`
	Value       *float64
	Currency    string `gorm:"size:8;default:BRL"`
	Origin      string `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Pipeline is a sales funnel.
type Pipeline struct {
	ID          string `gorm:"primaryKey;size:36"`
	WorkspaceID string `gorm:"size:36;not null;index"`
	Name        string `gorm:"size:128"`
	CreatedAt   time.Time
}

// PipelineStage is one ordered stage of a pipeline.
type PipelineStage struct {
	ID          string `gorm:"primaryKey;size:36"`
	WorkspaceID string `gorm:"size:36;index"`
	PipelineID  string `gorm:"size:36;not null;index"`
	Name        string `gorm:"size:128"`
	Order       int    `gorm:"column:ordem"`
}

// Tag labels leads and contacts.
type Tag struct {
	ID          string `gorm:"primaryKey;size:36"`
	WorkspaceID string `gorm:"size:36;not null;index"`
	Name        string `gorm:"size:128"`
}

// LeadTag links a tag to a lead.
type LeadTag struct {
	WorkspaceID string `gorm:"size:36;index"`
	LeadID      string `gorm:"primaryKey;size:36"`
	TagID       string `gorm:"primaryKey;size:36"`
}

// ContactTag links a tag to a contact.
type ContactTag struct {
	WorkspaceID string `gorm:"size:36;index"`
	ContactID   string `gorm:"primaryKey;size:36"`
	TagID       string `gorm:"primaryKey;size:36"`
}

// CustomField is a workspace-defined field on leads or deals.
type CustomField struct {
	ID          string `gorm:"primaryKey;size:36"`
	WorkspaceID string `gorm:"size:36;not null;index"`
	Entity      string `gorm:"size:16;not null"`
	Name        string `gorm:"size:128"`
	Kind        string `gorm:"size:32"`
}

// CustomFieldValue holds the value of a custom field for one lead or deal.
type CustomFieldValue struct {
	WorkspaceID string `gorm:"size:36;index"`
	Entity      string `gorm:"primaryKey;size:16"`
	EntityID    string `gorm:"primaryKey;size:36"`
	FieldID     string `gorm:"primaryKey;size:36"`
	Value       datatypes.JSONMap
	UpdatedAt   time.Time
}
