package channel

import (
	"context"

	"github.com/zulandar/agentdesk/internal/models"
)

// Disabled stands in for the retired unofficial WhatsApp integration.
type Disabled struct{}

func (Disabled) Name() string { return models.ProviderWhatsAppUnofficial }

func (Disabled) WindowPolicy() WindowPolicy { return WindowEnforced }

func (Disabled) SendText(context.Context, string, string) (SendResult, error) {
	return SendResult{}, ErrProviderDisabled
}

func (Disabled) SendTemplate(context.Context, string, string, string) (SendResult, error) {
	return SendResult{}, ErrProviderDisabled
}
