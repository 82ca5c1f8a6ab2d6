// Package followup re-engages contacts that went silent. Each agent has an
// ordered list of follow-ups; the per-conversation step counter in the
// agent's conversation state says which one comes next. The counter moves
// forward by one for every follow-up actually delivered.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/agentdesk/internal/billing"
	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/inbox"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PermissionAction is the grant that switches follow-ups off when disabled.
const PermissionAction = "follow_up"

// Run statuses, in evaluation order.
const (
	StatusMissingConversation = "missing_conversation"
	StatusBlocked             = "blocked"
	StatusMissingAgent        = "missing_agent"
	StatusNoConsent           = "no_consent"
	StatusPaused              = "paused"
	StatusNoCredits           = "no_credits"
	StatusProviderDisabled    = "provider_disabled"
	StatusSkippedHuman        = "skipped_human"
	StatusMissingFollowup     = "missing_followup"
	StatusSuperseded          = "superseded"
	StatusWithinWindow        = "within_window"
	StatusMissingPhone        = "missing_phone"
	StatusTemplateRequired    = "template_required"
	StatusWindowExpired       = "window_expired_no_template"
	StatusMissingText         = "missing_followup_text"
	StatusSent                = "sent"
)

// ReasonTrialExpired accompanies StatusBlocked.
const ReasonTrialExpired = "trial_expired"

// Providers resolves the outbound provider of an agent.
type Providers interface {
	ProviderName(ctx context.Context, agent *models.Agent) (string, error)
	ForAgent(ctx context.Context, agent *models.Agent, ch string) (channel.Provider, error)
}

// Opts configures a Service.
type Opts struct {
	DB        *gorm.DB
	Providers Providers
	Prom      *metrics.Prom
}

// Service plans and delivers follow-ups.
type Service struct {
	db        *gorm.DB
	providers Providers
	prom      *metrics.Prom
	now       func() time.Time
}

// New validates opts and returns a Service.
func New(opts Opts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("followup: db is required")
	}
	if opts.Providers == nil {
		return nil, fmt.Errorf("followup: providers are required")
	}
	return &Service{
		db:        opts.DB,
		providers: opts.Providers,
		prom:      opts.Prom,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Plan is the next follow-up of a conversation and when to run it.
type Plan struct {
	Followup models.AgentFollowup
	Delay    time.Duration
}

// Result is the outcome of one follow-up attempt.
type Result struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Next returns the enabled follow-up at the conversation's current step, or
// nil when the list is exhausted or follow-ups are disabled for the agent.
func (s *Service) Next(ctx context.Context, agentID, conversationID string) (*models.AgentFollowup, error) {
	db := s.db.WithContext(ctx)
	enabled, err := permitted(db, agentID)
	if err != nil || !enabled {
		return nil, err
	}
	var list []models.AgentFollowup
	if err := db.Where("agent_id = ? AND enabled = ?", agentID, true).
		Order("ordem ASC").Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("followup: load follow-ups: %w", err)
	}
	state, err := inbox.State(db, agentID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("followup: %w", err)
	}
	if state.FollowupStep < 0 || state.FollowupStep >= len(list) {
		return nil, nil
	}
	return &list[state.FollowupStep], nil
}

// Schedule plans the next follow-up. The delay is the follow-up's own
// delay, raised to the rest of the 24h window when it only fires outside it.
func (s *Service) Schedule(ctx context.Context, agentID, conversationID string) (*Plan, error) {
	f, err := s.Next(ctx, agentID, conversationID)
	if err != nil || f == nil {
		return nil, err
	}
	delay := time.Duration(f.DelayMinutes) * time.Minute
	if delay < 0 {
		delay = 0
	}
	if f.OnlyOutsideWindow {
		msgs, err := inbox.RecentMessages(s.db.WithContext(ctx), conversationID, inbox.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("followup: %w", err)
		}
		if remaining := windowRemaining(msgs, s.now()); remaining > delay {
			delay = remaining
		}
	}
	return &Plan{Followup: *f, Delay: delay}, nil
}

// windowRemaining is how long the window opened by the last contact message
// stays open, truncated to whole seconds.
func windowRemaining(msgs []models.Message, now time.Time) time.Duration {
	last := inbox.LastByAuthor(msgs, models.AuthorContact)
	if last == nil {
		return 0
	}
	left := last.CreatedAt.Add(channel.Window).Sub(now)
	if left <= 0 {
		return 0
	}
	return left.Truncate(time.Second)
}

// permitted reports whether follow-ups are enabled. A missing grant means
// enabled.
func permitted(db *gorm.DB, agentID string) (bool, error) {
	var perms []models.AgentPermission
	if err := db.Where("agent_id = ? AND action = ?", agentID, PermissionAction).
		Limit(1).Find(&perms).Error; err != nil {
		return false, fmt.Errorf("followup: load permission: %w", err)
	}
	if len(perms) == 0 {
		return true, nil
	}
	return perms[0].Enabled, nil
}

func (s *Service) count(status string) {
	if s.prom != nil {
		s.prom.Followups.WithLabelValues(status).Inc()
	}
}

func (s *Service) stop(agentID, conversationID, status string) *Result {
	log.Printf("followup: agent %s conversation %s: %s", agentID, conversationID, status)
	s.count(status)
	return &Result{Status: status}
}

// Run re-checks the gates a dispatch run applies and delivers the follow-up
// when they all pass. A delivered follow-up costs one credit and advances
// the step.
func (s *Service) Run(ctx context.Context, agentID, conversationID, followupID string) (*Result, error) {
	db := s.db.WithContext(ctx)
	now := s.now()

	conv, err := inbox.Conversation(db, conversationID)
	if errors.Is(err, inbox.ErrConversationNotFound) {
		return s.stop(agentID, conversationID, StatusMissingConversation), nil
	}
	if err != nil {
		return nil, fmt.Errorf("followup: %w", err)
	}

	active, err := billing.WorkspaceActive(db, conv.WorkspaceID, now)
	if err != nil {
		return nil, fmt.Errorf("followup: %w", err)
	}
	if !active {
		res := s.stop(agentID, conversationID, StatusBlocked)
		res.Reason = ReasonTrialExpired
		return res, nil
	}

	var agent models.Agent
	if err := db.First(&agent, "id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.stop(agentID, conversationID, StatusMissingAgent), nil
		}
		return nil, fmt.Errorf("followup: load agent %s: %w", agentID, err)
	}
	provider, err := s.providers.ProviderName(ctx, &agent)
	if err != nil {
		return nil, fmt.Errorf("followup: resolve provider: %w", err)
	}

	consent, err := billing.HasConsent(db, agentID)
	if err != nil {
		return nil, fmt.Errorf("followup: %w", err)
	}
	if !consent {
		return s.stop(agentID, conversationID, StatusNoConsent), nil
	}

	msgs, err := inbox.RecentMessages(db, conversationID, inbox.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("followup: %w", err)
	}
	paused, _, err := inbox.ShouldPause(db, &agent, conv, msgs)
	if err != nil {
		return nil, fmt.Errorf("followup: %w", err)
	}
	if paused {
		return s.stop(agentID, conversationID, StatusPaused), nil
	}

	remaining, err := billing.Remaining(db, conv.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("followup: %w", err)
	}
	if remaining <= 0 {
		return s.stop(agentID, conversationID, StatusNoCredits), nil
	}

	if provider == models.ProviderWhatsAppUnofficial {
		return s.stop(agentID, conversationID, StatusProviderDisabled), nil
	}
	ch := conv.Channel
	if ch == "" {
		ch = models.ChannelWhatsApp
	}
	d := &delivery{s: s, agent: &agent, conv: conv, ch: ch}
	policy := d.policy(ctx)
	lastContact := inbox.LastByAuthor(msgs, models.AuthorContact)
	outside := false
	if lastContact != nil {
		outside = policy.OutsideWindow(&lastContact.CreatedAt, now)
	}

	// The contact wrote after the agent's last message: a conversation is
	// going on and the follow-up no longer applies.
	if lastAgent := inbox.LastByAuthor(msgs, models.AuthorAgent); lastContact != nil && lastAgent != nil &&
		lastContact.CreatedAt.After(lastAgent.CreatedAt) {
		return s.stop(agentID, conversationID, StatusSkippedHuman), nil
	}

	var f models.AgentFollowup
	if err := db.First(&f, "id = ? AND agent_id = ?", followupID, agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.stop(agentID, conversationID, StatusMissingFollowup), nil
		}
		return nil, fmt.Errorf("followup: load follow-up %s: %w", followupID, err)
	}
	// A retried or duplicated task must not send a step twice.
	current, err := s.Next(ctx, agentID, conversationID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.ID != f.ID {
		return s.stop(agentID, conversationID, StatusSuperseded), nil
	}
	if f.OnlyOutsideWindow && !outside {
		return s.stop(agentID, conversationID, StatusWithinWindow), nil
	}

	phone, err := inbox.ResolvePhone(db, conv)
	if err != nil {
		return nil, fmt.Errorf("followup: %w", err)
	}
	if phone = strings.TrimSpace(phone); phone == "" {
		return s.stop(agentID, conversationID, StatusMissingPhone), nil
	}

	if outside && policy.AllowsTemplates() && f.UseTemplate && f.TemplateID == nil {
		return s.stop(agentID, conversationID, StatusTemplateRequired), nil
	}

	d.phone = phone
	text := strings.TrimSpace(f.MessageText)
	var status string
	switch {
	case policy == channel.WindowEnforced:
		switch {
		case outside:
			status = StatusWindowExpired
		case text == "":
			status = StatusMissingText
		default:
			status, err = d.text(ctx, text)
		}
	case policy == channel.WindowWaived:
		if text == "" {
			status = StatusMissingText
		} else {
			status, err = d.text(ctx, text)
		}
	case f.UseTemplate && f.TemplateID != nil:
		status, err = d.template(ctx, *f.TemplateID)
	case text == "":
		status = StatusMissingText
	case outside:
		status = StatusWindowExpired
	default:
		status, err = d.text(ctx, text)
	}
	if err != nil {
		s.count("error")
		return nil, err
	}
	if status != StatusSent {
		return s.stop(agentID, conversationID, status), nil
	}

	// The message is already out; a failed debit must not re-send it.
	if err := billing.Consume(db, billing.ConsumeOpts{
		WorkspaceID:    conv.WorkspaceID,
		AgentID:        agentID,
		ConversationID: conversationID,
		MessageID:      d.messageID,
		Credits:        1,
	}); err != nil {
		log.Printf("followup: consume credit for conversation %s: %v", conversationID, err)
	}
	if err := Advance(db, agentID, conv, now); err != nil {
		return nil, err
	}
	log.Printf("followup: agent %s conversation %s: sent follow-up %s", agentID, conversationID, f.ID)
	s.count(StatusSent)
	return &Result{Status: StatusSent}, nil
}

// Advance moves the conversation's follow-up step forward by one.
func Advance(db *gorm.DB, agentID string, conv *models.Conversation, at time.Time) error {
	state := models.AgentConversationState{
		AgentID:        agentID,
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		FollowupStep:   1,
		FollowupAt:     &at,
		UpdatedAt:      at,
	}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}, {Name: "conversation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"followup_step": gorm.Expr("followup_step + 1"),
			"followup_at":   at,
			"updated_at":    at,
		}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("followup: advance step: %w", err)
	}
	return nil
}

// delivery sends one follow-up through the conversation's channel.
type delivery struct {
	s         *Service
	agent     *models.Agent
	conv      *models.Conversation
	ch        string
	phone     string
	messageID string
	provider  channel.Provider
}

func (d *delivery) sender(ctx context.Context) (channel.Provider, error) {
	if d.provider != nil {
		return d.provider, nil
	}
	p, err := d.s.providers.ForAgent(ctx, d.agent, d.ch)
	if err != nil {
		return nil, fmt.Errorf("followup: resolve sender: %w", err)
	}
	d.provider = p
	return p, nil
}

// policy asks the conversation's provider how the 24h window applies. A
// provider that cannot be built is held to the enforced window and the
// send reports the error.
func (d *delivery) policy(ctx context.Context) channel.WindowPolicy {
	p, err := d.sender(ctx)
	if err != nil {
		log.Printf("followup: conversation %s: %v", d.conv.ID, err)
		return channel.WindowEnforced
	}
	return p.WindowPolicy()
}

func (d *delivery) countSend(p channel.Provider, kind string, err error) {
	if d.s.prom == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.s.prom.Sends.WithLabelValues(p.Name(), kind, result).Inc()
}

func (d *delivery) text(ctx context.Context, text string) (string, error) {
	p, err := d.sender(ctx)
	if err != nil {
		return "", err
	}
	res, err := p.SendText(ctx, d.phone, text)
	d.countSend(p, "followup_text", err)
	if err != nil {
		return "", fmt.Errorf("followup: send text: %w", err)
	}
	d.record(ctx, text, res.MessageID)
	return StatusSent, nil
}

// template sends the follow-up's template. A template row that no longer
// exists leaves the follow-up undeliverable.
func (d *delivery) template(ctx context.Context, templateID string) (string, error) {
	var tpl models.WhatsAppTemplate
	err := d.s.db.WithContext(ctx).First(&tpl, "id = ?", templateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StatusTemplateRequired, nil
	}
	if err != nil {
		return "", fmt.Errorf("followup: load template %s: %w", templateID, err)
	}
	p, err := d.sender(ctx)
	if err != nil {
		return "", err
	}
	res, err := p.SendTemplate(ctx, d.phone, tpl.Name, tpl.Language)
	d.countSend(p, "followup_template", err)
	if err != nil {
		return "", fmt.Errorf("followup: send template %s: %w", tpl.Name, err)
	}
	d.record(ctx, "Template follow-up: "+tpl.Name, res.MessageID)
	return StatusSent, nil
}

func (d *delivery) record(ctx context.Context, content, externalID string) {
	msg, err := inbox.CreateAgentMessage(d.s.db.WithContext(ctx), d.conv.WorkspaceID, d.conv.ID, content, models.KindText, externalID)
	if err != nil {
		log.Printf("followup: record message for conversation %s: %v", d.conv.ID, err)
	}
	if msg != nil {
		d.messageID = msg.ID
	}
}
