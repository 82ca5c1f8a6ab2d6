package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/zulandar/agentdesk/internal/models"
	"golang.org/x/time/rate"
)

// Baileys sends through the self-hosted unofficial WhatsApp bridge. The
// bridge has no customer-service window and no templates.
type Baileys struct {
	base      string
	accountID string
	api       apiClient
}

// BaileysOpts configures a Baileys provider.
type BaileysOpts struct {
	BaseURL   string
	APIKey    string
	AccountID string
	HTTP      *http.Client
	Limiter   *rate.Limiter
}

// NewBaileys validates opts and returns a Baileys provider.
func NewBaileys(opts BaileysOpts) (*Baileys, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("baileys: api url not configured")
	}
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	headers := map[string]string{}
	if opts.APIKey != "" {
		headers["X-API-KEY"] = opts.APIKey
	}
	return &Baileys{
		base:      base,
		accountID: opts.AccountID,
		api:       apiClient{name: "baileys", http: opts.HTTP, limiter: opts.Limiter, headers: headers},
	}, nil
}

func (b *Baileys) Name() string { return models.ProviderWhatsAppBaileys }

func (b *Baileys) WindowPolicy() WindowPolicy { return WindowWaived }

func (b *Baileys) SendText(ctx context.Context, to, text string) (SendResult, error) {
	payload := map[string]string{
		"integrationAccountId": b.accountID,
		"to":                   to,
		"type":                 "text",
		"text":                 text,
	}
	var resp struct {
		MessageID string `json:"messageId"`
	}
	if err := b.api.do(ctx, http.MethodPost, b.base+"/messages/send", nil, payload, &resp); err != nil {
		return SendResult{}, fmt.Errorf("baileys: send text: %w", err)
	}
	return SendResult{MessageID: resp.MessageID}, nil
}

func (b *Baileys) SendTemplate(context.Context, string, string, string) (SendResult, error) {
	return SendResult{}, ErrTemplatesUnsupported
}

// Groups is the bridge's group listing for one session.
type Groups struct {
	Total  int               `json:"total"`
	Groups []json.RawMessage `json:"groups"`
}

// ListGroups returns the WhatsApp groups the bridge session belongs to.
func (b *Baileys) ListGroups(ctx context.Context) (*Groups, error) {
	var raw map[string]json.RawMessage
	if err := b.api.do(ctx, http.MethodGet, b.base+"/sessions/"+b.accountID+"/groups", nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("baileys: list groups: %w", err)
	}
	out := &Groups{Groups: []json.RawMessage{}}
	if v, ok := raw["total"]; ok {
		var total float64
		if json.Unmarshal(v, &total) == nil {
			out.Total = int(total)
		}
	}
	if v, ok := raw["groups"]; ok {
		var groups []json.RawMessage
		if json.Unmarshal(v, &groups) == nil && groups != nil {
			out.Groups = groups
		}
	}
	return out, nil
}
