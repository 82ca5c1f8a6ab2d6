package models

import "time"

// Workspace is a tenant. A nil TrialEndsAt means the workspace is on a paid plan.
type Workspace struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:128"`
	TrialEndsAt *time.Time
	CreatedAt   time.Time
}

// TrialActive reports whether the workspace may still use agents at now.
func (w *Workspace) TrialActive(now time.Time) bool {
	if w.TrialEndsAt == nil {
		return true
	}
	return !w.TrialEndsAt.Before(now)
}

// WorkspaceCredits is the message credit balance of a workspace.
type WorkspaceCredits struct {
	WorkspaceID  string `gorm:"primaryKey;size:36"`
	CreditsTotal int    `gorm:"default:0"`
	CreditsUsed  int    `gorm:"default:0"`
	UpdatedAt    time.Time
}

// CreditEvent is an append-only ledger entry for a credit movement.
type CreditEvent struct {
	ID             string  `gorm:"primaryKey;size:36"`
	WorkspaceID    string  `gorm:"size:36;not null;index"`
	AgentID        *string `gorm:"size:36;index"`
	ConversationID *string `gorm:"size:36"`
	MessageID      *string `gorm:"size:36"`
	Credits        int
	Direction      string `gorm:"size:8;default:debit"`
	CreatedAt      time.Time
}
