package models

import (
	"time"

	"gorm.io/datatypes"
)

// Knowledge file statuses.
const (
	FilePending    = "pendente"
	FileProcessing = "processando"
	FileReady      = "pronto"
	FileFailed     = "erro"
)

// KnowledgeFile is a document uploaded to an agent's knowledge base.
type KnowledgeFile struct {
	ID          string `gorm:"primaryKey;size:36"`
	AgentID     string `gorm:"size:36;not null;index"`
	WorkspaceID string `gorm:"size:36;index"`
	Name        string `gorm:"size:256"`
	StoragePath string `gorm:"size:512"`
	MimeType    string `gorm:"size:128"`
	Status      string `gorm:"size:16;default:pendente"`
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KnowledgeChunk is an embedded slice of a knowledge file.
type KnowledgeChunk struct {
	ID              string `gorm:"primaryKey;size:36"`
	AgentID         string `gorm:"size:36;not null;index"`
	FileID          string `gorm:"size:36;index"`
	Position        int
	Content         string `gorm:"type:text"`
	Tokens          int
	Language        string `gorm:"size:8"`
	Embedding       datatypes.JSONSlice[float32]
	GeminiEmbedding datatypes.JSONSlice[float32]
	CreatedAt       time.Time
}

// ConversationChunk is an embedded slice of conversation history, keyed by
// the source message so re-ingestion is idempotent.
type ConversationChunk struct {
	ID              string `gorm:"primaryKey;size:36"`
	AgentID         string `gorm:"size:36;not null;uniqueIndex:idx_conv_chunk"`
	ConversationID  string `gorm:"size:36;not null;index"`
	MessageID       string `gorm:"size:36;uniqueIndex:idx_conv_chunk"`
	Position        int    `gorm:"uniqueIndex:idx_conv_chunk"`
	Source          string `gorm:"size:16"`
	Content         string `gorm:"type:text"`
	Embedding       datatypes.JSONSlice[float32]
	GeminiEmbedding datatypes.JSONSlice[float32]
	CreatedAt       time.Time
}
