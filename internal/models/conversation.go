package models

import "time"

// Message authors.
const (
	AuthorContact = "contato"
	AuthorAgent   = "agente"
	AuthorTeam    = "equipe"
)

// Message kinds.
const (
	KindText  = "texto"
	KindImage = "imagem"
	KindAudio = "audio"
	KindPDF   = "pdf"
)

// Conversation is a thread with one lead or contact on one channel and account.
type Conversation struct {
	ID                   string  `gorm:"primaryKey;size:36"`
	WorkspaceID          string  `gorm:"size:36;not null;uniqueIndex:idx_conv_lead_channel"`
	LeadID               *string `gorm:"size:36;uniqueIndex:idx_conv_lead_channel"`
	ContactID            *string `gorm:"size:36;index"`
	Channel              string  `gorm:"size:16;default:whatsapp;uniqueIndex:idx_conv_lead_channel"`
	IntegrationAccountID *string `gorm:"size:36;uniqueIndex:idx_conv_lead_channel"`
	Status               string  `gorm:"size:16;default:aberta"`
	HumanMode            bool
	LastMessage          string `gorm:"type:text"`
	LastMessageAt        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Message is one entry of a conversation. ExternalID is the provider
// message id and is unique per workspace.
type Message struct {
	ID             string  `gorm:"primaryKey;size:36"`
	WorkspaceID    string  `gorm:"size:36;not null;uniqueIndex:idx_msg_external"`
	ConversationID string  `gorm:"size:36;not null;index"`
	Author         string  `gorm:"size:16;not null"`
	Kind           string  `gorm:"size:16;default:texto"`
	Content        string  `gorm:"type:text"`
	Internal       bool
	ExternalID     *string   `gorm:"size:128;uniqueIndex:idx_msg_external"`
	SenderID       string    `gorm:"size:128"`
	SenderName     string    `gorm:"size:256"`
	CreatedAt      time.Time `gorm:"index"`
}

// Attachment is a stored media file belonging to a message.
type Attachment struct {
	ID             string `gorm:"primaryKey;size:36"`
	WorkspaceID    string `gorm:"size:36;index"`
	ConversationID string `gorm:"size:36;index"`
	MessageID      string `gorm:"size:36;not null;uniqueIndex:idx_attachment_path"`
	StoragePath    string `gorm:"size:512;not null;uniqueIndex:idx_attachment_path"`
	Kind           string `gorm:"size:16"`
	MimeType       string `gorm:"size:128"`
	SizeBytes      int64
	CreatedAt      time.Time
}
