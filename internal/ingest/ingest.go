// Package ingest turns stored provider webhooks into leads, conversations,
// messages and attachments.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/agentdesk/internal/billing"
	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
	"github.com/zulandar/agentdesk/internal/storage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Webhook sources stored on WebhookEvent.Source.
const (
	SourceWhatsApp  = "whatsapp"
	SourceInstagram = "instagram"
)

// ErrEventNotFound is returned for an unknown webhook event id.
var ErrEventNotFound = errors.New("ingest: webhook event not found")

// Result describes what an event produced.
type Result struct {
	EventID              string   `json:"event_id"`
	Status               string   `json:"status"`
	WorkspaceID          string   `json:"workspace_id,omitempty"`
	IntegrationAccountID string   `json:"account_id,omitempty"`
	ConversationIDs      []string `json:"conversation_ids"`
}

// Opts configures an Ingester.
type Opts struct {
	DB       *gorm.DB
	Resolver *channel.Resolver
	Store    *storage.Local
	Prom     *metrics.Prom
}

// Ingester processes webhook events.
type Ingester struct {
	db       *gorm.DB
	resolver *channel.Resolver
	store    *storage.Local
	prom     *metrics.Prom
	now      func() time.Time
}

// New validates opts and returns an Ingester.
func New(opts Opts) (*Ingester, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ingest: db is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("ingest: resolver is required")
	}
	return &Ingester{
		db:       opts.DB,
		resolver: opts.Resolver,
		store:    opts.Store,
		prom:     opts.Prom,
		now:      time.Now,
	}, nil
}

// SetClock replaces the ingester clock.
func (in *Ingester) SetClock(now func() time.Time) { in.now = now }

// Record stores a raw webhook payload as a pending event.
func (in *Ingester) Record(ctx context.Context, source string, payload []byte) (*models.WebhookEvent, error) {
	ev := &models.WebhookEvent{
		Source:  source,
		Payload: datatypes.JSON(payload),
		Status:  models.EventPending,
	}
	if err := in.db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, fmt.Errorf("ingest: record %s event: %w", source, err)
	}
	return ev, nil
}

// Event loads a stored webhook event.
func (in *Ingester) Event(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := in.db.WithContext(ctx).First(&ev, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: load event %s: %w", id, err)
	}
	return &ev, nil
}

// finish stamps the event with its final status.
func (in *Ingester) finish(ctx context.Context, ev *models.WebhookEvent, status string, cause error) error {
	updates := map[string]interface{}{
		"status":       status,
		"processed_at": in.now(),
		"error":        "",
	}
	if cause != nil {
		updates["error"] = cause.Error()
	}
	if err := in.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", ev.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("ingest: mark event %s: %w", ev.ID, err)
	}
	ev.Status = status
	if in.prom != nil {
		in.prom.Webhooks.WithLabelValues(ev.Source, status).Inc()
	}
	return nil
}

// batch accumulates the outcome of one event.
type batch struct {
	workspaceID string
	accountID   string
	blocked     bool
	convs       map[string]bool
}

func (b *batch) add(convID string) {
	if b.convs == nil {
		b.convs = make(map[string]bool)
	}
	b.convs[convID] = true
}

func (b *batch) status() string {
	if b.blocked && len(b.convs) == 0 {
		return models.EventBlocked
	}
	return models.EventProcessed
}

func (b *batch) result(eventID string) *Result {
	ids := make([]string, 0, len(b.convs))
	for id := range b.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Result{
		EventID:              eventID,
		Status:               b.status(),
		WorkspaceID:          b.workspaceID,
		IntegrationAccountID: b.accountID,
		ConversationIDs:      ids,
	}
}

// active reports whether the account's workspace may receive messages.
func (in *Ingester) active(db *gorm.DB, workspaceID string) (bool, error) {
	ok, err := billing.WorkspaceActive(db, workspaceID, in.now())
	if err != nil {
		return false, fmt.Errorf("ingest: %w", err)
	}
	return ok, nil
}

// inbound is one normalized incoming message.
type inbound struct {
	account    *models.IntegrationAccount
	channel    string
	senderID   string
	senderName string
	phone      string
	kind       string
	content    string
	externalID string
	at         time.Time
}

// save upserts the lead, conversation and message of m and returns the
// conversation and message rows.
func (in *Ingester) save(db *gorm.DB, m inbound) (*models.Conversation, *models.Message, error) {
	lead, err := upsertLead(db, m)
	if err != nil {
		return nil, nil, err
	}
	conv, err := upsertConversation(db, m, lead.ID)
	if err != nil {
		return nil, nil, err
	}
	msg, err := insertMessage(db, m, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msg, nil
}

func upsertLead(db *gorm.DB, m inbound) (*models.Lead, error) {
	lead := models.Lead{
		WorkspaceID:  m.account.WorkspaceID,
		WhatsAppWaID: &m.senderID,
		Name:         m.senderName,
		Phone:        m.phone,
		Source:       m.channel,
		Status:       "novo",
	}
	assign := []string{"updated_at"}
	if m.senderName != "" {
		assign = append(assign, "name")
	}
	if m.phone != "" {
		assign = append(assign, "phone")
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "whatsapp_wa_id"}},
		DoUpdates: clause.AssignmentColumns(assign),
	}).Create(&lead).Error
	if err != nil {
		return nil, fmt.Errorf("ingest: upsert lead: %w", err)
	}
	var stored models.Lead
	if err := db.Where("workspace_id = ? AND whatsapp_wa_id = ?", m.account.WorkspaceID, m.senderID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("ingest: reload lead: %w", err)
	}
	return &stored, nil
}

// upsertConversation finds the open thread for (lead, channel, account) or
// creates it, reopening it and recording the latest message either way.
func upsertConversation(db *gorm.DB, m inbound, leadID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := db.Where("workspace_id = ? AND lead_id = ? AND channel = ? AND integration_account_id = ?",
		m.account.WorkspaceID, leadID, m.channel, m.account.ID).First(&conv).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		accountID := m.account.ID
		conv = models.Conversation{
			WorkspaceID:          m.account.WorkspaceID,
			LeadID:               &leadID,
			Channel:              m.channel,
			IntegrationAccountID: &accountID,
			Status:               "aberta",
			LastMessage:          m.content,
			LastMessageAt:        &m.at,
		}
		if err := db.Create(&conv).Error; err != nil {
			return nil, fmt.Errorf("ingest: create conversation: %w", err)
		}
		return &conv, nil
	case err != nil:
		return nil, fmt.Errorf("ingest: load conversation: %w", err)
	}
	updates := map[string]interface{}{
		"status":          "aberta",
		"last_message":    m.content,
		"last_message_at": m.at,
	}
	if err := db.Model(&conv).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("ingest: update conversation: %w", err)
	}
	return &conv, nil
}

// insertMessage stores the contact message once per external id.
func insertMessage(db *gorm.DB, m inbound, conversationID string) (*models.Message, error) {
	msg := models.Message{
		WorkspaceID:    m.account.WorkspaceID,
		ConversationID: conversationID,
		Author:         models.AuthorContact,
		Kind:           m.kind,
		Content:        m.content,
		SenderID:       m.senderID,
		SenderName:     m.senderName,
		CreatedAt:      m.at,
	}
	if m.externalID == "" {
		if err := db.Create(&msg).Error; err != nil {
			return nil, fmt.Errorf("ingest: create message: %w", err)
		}
		return &msg, nil
	}
	ext := m.externalID
	msg.ExternalID = &ext
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("ingest: create message: %w", err)
	}
	return messageByExternalID(db, m.account.WorkspaceID, ext)
}

func messageByExternalID(db *gorm.DB, workspaceID, externalID string) (*models.Message, error) {
	var stored models.Message
	if err := db.Where("workspace_id = ? AND external_id = ?", workspaceID, externalID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("ingest: reload message %s: %w", externalID, err)
	}
	return &stored, nil
}

// ActiveAgent returns the active agent bound to an account of a workspace,
// or nil when there is none.
func ActiveAgent(db *gorm.DB, workspaceID, accountID string) (*models.Agent, error) {
	var agents []models.Agent
	err := db.Where("workspace_id = ? AND integration_account_id = ? AND status = ?",
		workspaceID, accountID, models.AgentStatusActive).
		Order("created_at asc").Limit(1).Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("ingest: load active agent: %w", err)
	}
	if len(agents) == 0 {
		return nil, nil
	}
	return &agents[0], nil
}
