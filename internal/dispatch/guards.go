package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/agentdesk/internal/billing"
	"github.com/zulandar/agentdesk/internal/crm"
	"github.com/zulandar/agentdesk/internal/inbox"
	"github.com/zulandar/agentdesk/internal/knowledge"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
)

// Guard reasons.
const (
	ReasonProviderDisabled    = "provider_disabled"
	ReasonTrialExpired        = "trial_expired"
	ReasonAgentInactive       = "agent_inactive"
	ReasonChannelNotSupported = "channel_not_supported"
	ReasonNoConsent           = "no_consent"
	ReasonNoCredits           = "no_credits"
)

// verdict stops a run. A guard that lets the run continue returns nil.
type verdict struct {
	status string
	reason string
}

func paused(reason string) *verdict  { return &verdict{status: StatusPaused, reason: reason} }
func blocked(reason string) *verdict { return &verdict{status: StatusBlocked, reason: reason} }

// guard is one named step of the gating chain. Steps may also load state
// later steps depend on.
type guard struct {
	name  string
	check func(ctx context.Context, e *Engine, r *run) (*verdict, error)
}

// gates run in order; the first verdict ends the run.
var gates = []guard{
	{"provider", checkProvider},
	{"trial", checkTrial},
	{"status", checkStatus},
	{"conversation", checkConversation},
	{"history", loadHistory},
	{"pause", checkPause},
	{"consent", checkConsent},
	{"credits", checkCredits},
}

func (e *Engine) gate(ctx context.Context, r *run) (*Result, error) {
	for _, g := range gates {
		v, err := g.check(ctx, e, r)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		log.Printf("dispatch: agent %s conversation %s stopped by %s: %s %s",
			r.agent.ID, r.conversationID, g.name, v.status, v.reason)
		if e.prom != nil {
			e.prom.GuardExits.WithLabelValues(g.name, v.status, v.reason).Inc()
		}
		return &Result{Status: v.status, Reason: v.reason}, nil
	}
	return nil, nil
}

func checkProvider(ctx context.Context, e *Engine, r *run) (*verdict, error) {
	name, err := e.providers.ProviderName(ctx, r.agent)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve provider: %w", err)
	}
	r.provider = name
	if name == models.ProviderWhatsAppUnofficial {
		return paused(ReasonProviderDisabled), nil
	}
	return nil, nil
}

func checkTrial(ctx context.Context, e *Engine, r *run) (*verdict, error) {
	ok, err := billing.WorkspaceActive(e.db.WithContext(ctx), r.agent.WorkspaceID, e.now())
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if !ok {
		return blocked(ReasonTrialExpired), nil
	}
	return nil, nil
}

func checkStatus(_ context.Context, _ *Engine, r *run) (*verdict, error) {
	if r.agent.Status != models.AgentStatusActive {
		return paused(ReasonAgentInactive), nil
	}
	return nil, nil
}

func checkConversation(ctx context.Context, e *Engine, r *run) (*verdict, error) {
	conv, err := inbox.Conversation(e.db.WithContext(ctx), r.conversationID)
	if errors.Is(err, inbox.ErrConversationNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, r.conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	r.conv = conv
	if !r.agent.SupportsChannel(conv.Channel) {
		return paused(ReasonChannelNotSupported), nil
	}
	return nil, nil
}

// loadHistory never stops a run. It reads the recent messages, indexes the
// text ones and makes sure the conversation has a contact and a deal.
func loadHistory(ctx context.Context, e *Engine, r *run) (*verdict, error) {
	db := e.db.WithContext(ctx)
	msgs, err := inbox.RecentMessages(db, r.conv.ID, inbox.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	r.msgs = msgs
	for _, m := range msgs {
		if m.Kind == models.KindText && !m.Internal && m.ID != "" && strings.TrimSpace(m.Content) != "" {
			e.ingest(ctx, r, m.ID, m.Content, "message")
		}
	}

	r.pipelineID, r.stageID, err = crm.PipelineDefaults(db, r.agent)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	converted, err := crm.EnsureContactAndDeal(db, r.conv, r.pipelineID, r.stageID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if converted {
		if err := metrics.Increment(db, r.agent.ID, r.agent.WorkspaceID, metrics.Deltas{LeadsConverted: 1}); err != nil {
			log.Printf("dispatch: count converted lead: %v", err)
		}
	}
	return nil, nil
}

// detectLanguage returns the agent's default language, or the language of
// the latest contact message when detection is on and has an answer.
func detectLanguage(r *run) string {
	lang := r.agent.DefaultLanguage
	if !r.agent.DetectLanguage {
		return lang
	}
	text := r.input
	if last := inbox.LastByAuthor(r.msgs, models.AuthorContact); last != nil && strings.TrimSpace(last.Content) != "" {
		text = last.Content
	}
	if detected := knowledge.DetectLanguage(text); detected != "" {
		return detected
	}
	return lang
}

func checkPause(ctx context.Context, e *Engine, r *run) (*verdict, error) {
	db := e.db.WithContext(ctx)
	stop, reason, err := inbox.ShouldPause(db, r.agent, r.conv, r.msgs)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	r.language = detectLanguage(r)
	if err := inbox.SaveState(db, r.agent.ID, r.conv, r.msgs, stop, reason, r.language); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if stop {
		return paused(reason), nil
	}
	return nil, nil
}

func checkConsent(ctx context.Context, e *Engine, r *run) (*verdict, error) {
	db := e.db.WithContext(ctx)
	ok, err := billing.HasConsent(db, r.agent.ID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if ok {
		return nil, nil
	}
	if err := inbox.SaveState(db, r.agent.ID, r.conv, r.msgs, true, ReasonNoConsent, r.language); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return paused(ReasonNoConsent), nil
}

func checkCredits(ctx context.Context, e *Engine, r *run) (*verdict, error) {
	db := e.db.WithContext(ctx)
	left, err := billing.Remaining(db, r.agent.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if left > 0 {
		return nil, nil
	}
	if err := inbox.SaveState(db, r.agent.ID, r.conv, r.msgs, true, ReasonNoCredits, r.language); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return paused(ReasonNoCredits), nil
}
