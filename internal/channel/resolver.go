package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zulandar/agentdesk/internal/config"
	"github.com/zulandar/agentdesk/internal/models"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// ErrNoAccount means the agent is not bound to an integration account.
	ErrNoAccount = errors.New("channel: agent has no integration account")
	// ErrTokenMissing means no access token is stored for the account.
	ErrTokenMissing = errors.New("channel: integration token missing")
)

// ResolverOpts configures a Resolver.
type ResolverOpts struct {
	DB       *gorm.DB
	WhatsApp config.WhatsAppConfig
	Baileys  config.BaileysConfig
	HTTP     *http.Client
	Limiter  *rate.Limiter
}

// Resolver builds providers for integration accounts.
type Resolver struct {
	db       *gorm.DB
	whatsapp config.WhatsAppConfig
	baileys  config.BaileysConfig
	http     *http.Client
	limiter  *rate.Limiter
}

// NewResolver validates opts and returns a Resolver.
func NewResolver(opts ResolverOpts) (*Resolver, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("channel: db is required")
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 20 * time.Second}
	}
	return &Resolver{
		db:       opts.DB,
		whatsapp: opts.WhatsApp,
		baileys:  opts.Baileys,
		http:     opts.HTTP,
		limiter:  opts.Limiter,
	}, nil
}

// Account loads an integration account by id.
func (r *Resolver) Account(ctx context.Context, id string) (*models.IntegrationAccount, error) {
	var acct models.IntegrationAccount
	if err := r.db.WithContext(ctx).First(&acct, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("channel: load account %s: %w", id, err)
	}
	return &acct, nil
}

// AgentAccount returns the account bound to agent, or nil if there is none.
func (r *Resolver) AgentAccount(ctx context.Context, agent *models.Agent) (*models.IntegrationAccount, error) {
	if agent.IntegrationAccountID == nil || *agent.IntegrationAccountID == "" {
		return nil, nil
	}
	var acct models.IntegrationAccount
	err := r.db.WithContext(ctx).First(&acct, "id = ?", *agent.IntegrationAccountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("channel: load agent account: %w", err)
	}
	return &acct, nil
}

// ProviderName returns the provider an agent sends through, defaulting to
// the official WhatsApp API when the agent has no account.
func (r *Resolver) ProviderName(ctx context.Context, agent *models.Agent) (string, error) {
	acct, err := r.AgentAccount(ctx, agent)
	if err != nil {
		return "", err
	}
	return acct.ProviderOrDefault(), nil
}

// Token returns the access token of an account, falling back to the token
// stored for its integration.
func (r *Resolver) Token(ctx context.Context, acct *models.IntegrationAccount) (string, error) {
	var tok models.IntegrationToken
	err := r.db.WithContext(ctx).Where("integration_account_id = ? AND access_token <> ''", acct.ID).First(&tok).Error
	if err == nil {
		return tok.AccessToken, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("channel: load token: %w", err)
	}
	if acct.IntegrationID != "" {
		err = r.db.WithContext(ctx).Where("integration_id = ? AND access_token <> ''", acct.IntegrationID).First(&tok).Error
		if err == nil {
			return tok.AccessToken, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("channel: load token: %w", err)
		}
	}
	return "", ErrTokenMissing
}

// Graph returns a Graph client authenticated with token.
func (r *Resolver) Graph(token string) *Graph {
	return NewGraph(GraphOpts{
		BaseURL:    r.whatsapp.GraphURL,
		APIVersion: r.whatsapp.APIVersion,
		Token:      token,
		HTTP:       r.http,
		Limiter:    r.limiter,
	})
}

// Baileys returns the bridge provider for an account id.
func (r *Resolver) Baileys(accountID string) (*Baileys, error) {
	return NewBaileys(BaileysOpts{
		BaseURL:   r.baileys.APIURL,
		APIKey:    r.baileys.APIKey,
		AccountID: accountID,
		HTTP:      r.http,
		Limiter:   r.limiter,
	})
}

// ForAccount builds the provider that delivers on channel through acct.
func (r *Resolver) ForAccount(ctx context.Context, acct *models.IntegrationAccount, channel string) (Provider, error) {
	if channel == models.ChannelInstagram {
		if acct.Identifier == "" {
			return nil, fmt.Errorf("channel: account %s missing instagram id", acct.ID)
		}
		token, err := r.Token(ctx, acct)
		if err != nil {
			return nil, err
		}
		return NewInstagram(r.Graph(token), acct.Identifier), nil
	}

	switch acct.ProviderOrDefault() {
	case models.ProviderWhatsAppBaileys:
		return r.Baileys(acct.ID)
	case models.ProviderWhatsAppUnofficial:
		return Disabled{}, nil
	}
	phoneNumberID := acct.PhoneNumberID
	if phoneNumberID == "" {
		phoneNumberID = acct.Identifier
	}
	if phoneNumberID == "" {
		return nil, fmt.Errorf("channel: account %s missing phone number id", acct.ID)
	}
	token, err := r.Token(ctx, acct)
	if err != nil {
		return nil, err
	}
	return NewCloudAPI(r.Graph(token), phoneNumberID), nil
}

// ForAgent builds the provider for the agent's bound account on channel.
func (r *Resolver) ForAgent(ctx context.Context, agent *models.Agent, channel string) (Provider, error) {
	acct, err := r.AgentAccount(ctx, agent)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNoAccount
	}
	return r.ForAccount(ctx, acct, channel)
}
