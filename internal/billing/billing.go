// Package billing answers whether a workspace may use its agents: trial
// status, consent and message credits.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

// WorkspaceActive reports whether the workspace exists and its trial, if
// any, has not ended at now.
func WorkspaceActive(db *gorm.DB, workspaceID string, now time.Time) (bool, error) {
	if workspaceID == "" {
		return false, nil
	}
	var ws models.Workspace
	err := db.First(&ws, "id = ?", workspaceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("billing: load workspace: %w", err)
	}
	return ws.TrialActive(now), nil
}

// HasConsent reports whether any consent row exists for the agent.
func HasConsent(db *gorm.DB, agentID string) (bool, error) {
	var n int64
	if err := db.Model(&models.AgentConsent{}).Where("agent_id = ?", agentID).Limit(1).Count(&n).Error; err != nil {
		return false, fmt.Errorf("billing: check consent: %w", err)
	}
	return n > 0, nil
}

// Remaining returns max(total - used, 0). A workspace without a credits
// row has none.
func Remaining(db *gorm.DB, workspaceID string) (int, error) {
	var rows []models.WorkspaceCredits
	if err := db.Where("workspace_id = ?", workspaceID).Limit(1).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("billing: load credits: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if left := rows[0].CreditsTotal - rows[0].CreditsUsed; left > 0 {
		return left, nil
	}
	return 0, nil
}

// ConsumeOpts describes a credit debit.
type ConsumeOpts struct {
	WorkspaceID    string
	AgentID        string
	ConversationID string
	MessageID      string
	Credits        int
}

// Consume writes a debit event, adds the credits to the workspace's usage
// and counts them as sent messages in the agent's daily metrics.
func Consume(db *gorm.DB, opts ConsumeOpts) error {
	if opts.WorkspaceID == "" {
		return fmt.Errorf("billing: workspace id is required")
	}
	if opts.Credits <= 0 {
		opts.Credits = 1
	}
	ev := models.CreditEvent{
		WorkspaceID:    opts.WorkspaceID,
		AgentID:        optional(opts.AgentID),
		ConversationID: optional(opts.ConversationID),
		MessageID:      optional(opts.MessageID),
		Credits:        opts.Credits,
		Direction:      "debit",
	}
	if err := db.Create(&ev).Error; err != nil {
		return fmt.Errorf("billing: record debit: %w", err)
	}
	err := db.Model(&models.WorkspaceCredits{}).
		Where("workspace_id = ?", opts.WorkspaceID).
		Update("credits_used", gorm.Expr("credits_used + ?", opts.Credits)).Error
	if err != nil {
		return fmt.Errorf("billing: update usage: %w", err)
	}
	return metrics.Increment(db, opts.AgentID, opts.WorkspaceID, metrics.Deltas{
		MessagesSent:    opts.Credits,
		CreditsConsumed: opts.Credits,
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
