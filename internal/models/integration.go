package models

import "time"

// Provider names stored on IntegrationAccount.Provider.
const (
	ProviderWhatsAppOfficial   = "whatsapp_oficial"
	ProviderWhatsAppBaileys    = "whatsapp_baileys"
	ProviderWhatsAppUnofficial = "whatsapp_nao_oficial"
	ProviderInstagram          = "instagram"
)

// Conversation channels.
const (
	ChannelWhatsApp  = "whatsapp"
	ChannelInstagram = "instagram"
)

// IntegrationAccount is one connected number or profile of a workspace.
type IntegrationAccount struct {
	ID            string `gorm:"primaryKey;size:36"`
	WorkspaceID   string `gorm:"size:36;not null;index"`
	IntegrationID string `gorm:"size:36;index"`
	Channel       string `gorm:"size:16;default:whatsapp"`
	Provider      string `gorm:"size:32"`
	Identifier    string `gorm:"size:128;index"`
	PhoneNumberID string `gorm:"size:64;index"`
	WabaID        string `gorm:"size:64"`
	Number        string `gorm:"size:32"`
	CreatedAt     time.Time
}

// ProviderOrDefault returns the stored provider, treating an empty value as
// the official WhatsApp API.
func (a *IntegrationAccount) ProviderOrDefault() string {
	if a == nil || a.Provider == "" {
		return ProviderWhatsAppOfficial
	}
	return a.Provider
}

// IntegrationToken stores a provider access token, scoped either to a single
// account or to the whole integration.
type IntegrationToken struct {
	ID                   string `gorm:"primaryKey;size:36"`
	IntegrationID        string `gorm:"size:36;index"`
	IntegrationAccountID string `gorm:"size:36;index"`
	AccessToken          string `gorm:"type:text"`
	CreatedAt            time.Time
}

// WhatsAppTemplate is a message template synced from the WhatsApp Business account.
type WhatsAppTemplate struct {
	ID                   string `gorm:"primaryKey;size:36"`
	WorkspaceID          string `gorm:"size:36;not null;index"`
	IntegrationAccountID string `gorm:"size:36"`
	Name                 string `gorm:"size:128;not null"`
	Category             string `gorm:"size:32"`
	Language             string `gorm:"size:16"`
	Status               string `gorm:"size:32"`
	CreatedAt            time.Time
}
