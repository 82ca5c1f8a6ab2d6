package models

import (
	"time"

	"gorm.io/datatypes"
)

// Run statuses.
const (
	RunRunning   = "executando"
	RunCompleted = "concluido"
	RunFailed    = "falhou"
)

// AgentRun is one dispatch of an agent against a conversation.
type AgentRun struct {
	ID             string `gorm:"primaryKey;size:36"`
	AgentID        string `gorm:"size:36;not null;index"`
	WorkspaceID    string `gorm:"size:36;index"`
	ConversationID string `gorm:"size:36;index"`
	Status         string `gorm:"size:16;default:executando;index"`
	Model          string `gorm:"size:64"`
	FallbackModel  string `gorm:"size:64"`
	CreditsUsed    int
	Summary        string `gorm:"type:text"`
	Error          string `gorm:"type:text"`
	LatencyMS      int64
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// ToolCall is one entry of the immutable tool-call log of a run.
type ToolCall struct {
	Action    string                 `json:"acao"`
	Payload   map[string]interface{} `json:"payload"`
	Result    string                 `json:"resultado"`
	Timestamp time.Time              `json:"timestamp"`
}

// AgentLog is written once per run and never updated.
type AgentLog struct {
	ID             string  `gorm:"primaryKey;size:36"`
	AgentID        string  `gorm:"size:36;not null;index"`
	WorkspaceID    string  `gorm:"size:36;index"`
	ConversationID *string `gorm:"size:36;index"`
	RunID          *string `gorm:"size:36;index"`
	Input          string  `gorm:"type:text"`
	Output         string  `gorm:"type:text"`
	ToolCalls      datatypes.JSONSlice[ToolCall]
	Metrics        datatypes.JSONMap
	CreatedAt      time.Time
}

// AgentMetricsDaily holds per-day counters for an agent.
type AgentMetricsDaily struct {
	ID                  string    `gorm:"primaryKey;size:36"`
	AgentID             string    `gorm:"size:36;not null;uniqueIndex:idx_agent_day"`
	WorkspaceID         string    `gorm:"size:36;index"`
	Day                 time.Time `gorm:"type:date;uniqueIndex:idx_agent_day"`
	MessagesSent        int       `gorm:"column:mensagens_enviadas"`
	ConversationsClosed int       `gorm:"column:conversas_resolvidas"`
	LeadsConverted      int       `gorm:"column:leads_convertidos"`
	CreditsConsumed     int       `gorm:"column:credits_consumidos"`
}
