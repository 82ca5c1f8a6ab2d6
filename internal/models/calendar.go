package models

import "time"

// CalendarLink binds an agent to a Google calendar reachable through an integration.
type CalendarLink struct {
	ID            string `gorm:"primaryKey;size:36"`
	AgentID       string `gorm:"size:36;not null;index"`
	IntegrationID string `gorm:"size:36;not null"`
	CalendarID    string `gorm:"size:256;not null"`
	CreatedAt     time.Time
}

// CalendarToken stores the OAuth credentials of a calendar integration.
type CalendarToken struct {
	IntegrationID string `gorm:"primaryKey;size:36"`
	AccessToken   string `gorm:"type:text"`
	RefreshToken  string `gorm:"type:text"`
	ExpiresAt     *time.Time
	UpdatedAt     time.Time
}
