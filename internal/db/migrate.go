package db

import (
	"fmt"
	"time"

	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Workspace{},
		&models.WorkspaceCredits{},
		&models.CreditEvent{},
		&models.IntegrationAccount{},
		&models.IntegrationToken{},
		&models.WhatsAppTemplate{},
		&models.Agent{},
		&models.AgentPermission{},
		&models.AgentConsent{},
		&models.AgentFollowup{},
		&models.AgentConversationState{},
		&models.AgentRun{},
		&models.AgentLog{},
		&models.AgentMetricsDaily{},
		&models.Lead{},
		&models.Contact{},
		&models.Deal{},
		&models.Pipeline{},
		&models.PipelineStage{},
		&models.Tag{},
		&models.LeadTag{},
		&models.ContactTag{},
		&models.CustomField{},
		&models.CustomFieldValue{},
		&models.Conversation{},
		&models.Message{},
		&models.Attachment{},
		&models.CalendarLink{},
		&models.CalendarToken{},
		&models.WebhookEvent{},
		&models.KnowledgeFile{},
		&models.KnowledgeChunk{},
		&models.ConversationChunk{},
		&models.Task{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedOpts describes a development workspace created by SeedDemo.
type SeedOpts struct {
	WorkspaceID string
	AgentID     string
	Credits     int
	TrialDays   int
}

// SeedDemo upserts a workspace with credits and an active, consented agent
// so the sandbox and local webhooks have something to talk to.
func SeedDemo(db *gorm.DB, opts SeedOpts) error {
	if opts.WorkspaceID == "" || opts.AgentID == "" {
		return fmt.Errorf("db: seed demo: workspace and agent ids are required")
	}
	if opts.Credits == 0 {
		opts.Credits = 100
	}
	ws := models.Workspace{ID: opts.WorkspaceID, Name: "Demo"}
	if opts.TrialDays > 0 {
		ends := time.Now().AddDate(0, 0, opts.TrialDays)
		ws.TrialEndsAt = &ends
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "trial_ends_at"}),
	}).Create(&ws).Error; err != nil {
		return fmt.Errorf("db: seed workspace %q: %w", opts.WorkspaceID, err)
	}

	credits := models.WorkspaceCredits{WorkspaceID: opts.WorkspaceID, CreditsTotal: opts.Credits}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"credits_total"}),
	}).Create(&credits).Error; err != nil {
		return fmt.Errorf("db: seed credits %q: %w", opts.WorkspaceID, err)
	}

	agent := models.Agent{
		ID:          opts.AgentID,
		WorkspaceID: opts.WorkspaceID,
		Name:        "Demo",
		Status:      models.AgentStatusActive,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status"}),
	}).Create(&agent).Error; err != nil {
		return fmt.Errorf("db: seed agent %q: %w", opts.AgentID, err)
	}

	var consents int64
	if err := db.Model(&models.AgentConsent{}).Where("agent_id = ?", opts.AgentID).Count(&consents).Error; err != nil {
		return fmt.Errorf("db: seed consent: %w", err)
	}
	if consents == 0 {
		if err := db.Create(&models.AgentConsent{AgentID: opts.AgentID}).Error; err != nil {
			return fmt.Errorf("db: seed consent: %w", err)
		}
	}
	return nil
}
