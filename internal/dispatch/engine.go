// Package dispatch runs an agent against a conversation. A run walks the
// gating chain, asks the model chain for a reply with the tools the agent is
// granted, and delivers the final answer through the conversation's channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/agentdesk/internal/alert"
	"github.com/zulandar/agentdesk/internal/calendar"
	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/crm"
	"github.com/zulandar/agentdesk/internal/inbox"
	"github.com/zulandar/agentdesk/internal/knowledge"
	"github.com/zulandar/agentdesk/internal/llm"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Run outcomes.
const (
	StatusOK      = "ok"
	StatusPaused  = "paused"
	StatusBlocked = "blocked"
	StatusFailed  = "failed"
)

// ReasonAgentFailed is stored on a run whose every model attempt failed.
const ReasonAgentFailed = "agent_failed"

// ErrNotFound is returned when the agent or the conversation does not exist.
var ErrNotFound = errors.New("dispatch: not found")

// Providers resolves the outbound provider of an agent.
type Providers interface {
	ProviderName(ctx context.Context, agent *models.Agent) (string, error)
	ForAgent(ctx context.Context, agent *models.Agent, ch string) (channel.Provider, error)
}

// Knowledge indexes conversation text and retrieves context for a prompt.
type Knowledge interface {
	IngestConversation(ctx context.Context, opts knowledge.IngestOpts) (int, error)
	Retrieve(ctx context.Context, opts knowledge.RetrieveOpts) ([]knowledge.Match, error)
}

// Calendar is the agent's view of its linked calendars.
type Calendar interface {
	CreateEvent(ctx context.Context, agentID, calendarID string, payload calendar.Event) (calendar.Event, error)
	UpdateEvent(ctx context.Context, agentID, calendarID, eventID string, payload calendar.Event) (calendar.Event, error)
	DeleteEvent(ctx context.Context, agentID, calendarID, eventID string) error
	GetEvent(ctx context.Context, agentID, calendarID, eventID string) (calendar.Event, error)
	Availability(ctx context.Context, opts calendar.AvailabilityOpts) (*calendar.Availability, error)
}

// Media extracts the readable text of a message's attachments.
type Media interface {
	MessageText(ctx context.Context, db *gorm.DB, messageID string) (string, error)
}

// Opts configures an Engine. Knowledge, Calendar, Media, Alerts and Prom
// are optional.
type Opts struct {
	DB           *gorm.DB
	Providers    Providers
	Chain        []llm.Slot
	Knowledge    Knowledge
	Calendar     Calendar
	Media        Media
	Alerts       *alert.Notifier
	Prom         *metrics.Prom
	MaxToolSteps int
	KnowledgeK   int
}

// Engine runs agents.
type Engine struct {
	db        *gorm.DB
	providers Providers
	chain     []llm.Slot
	knowledge Knowledge
	calendar  Calendar
	media     Media
	alerts    *alert.Notifier
	prom      *metrics.Prom
	maxSteps  int
	k         int
	now       func() time.Time
}

// New validates opts and returns an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dispatch: db is required")
	}
	if opts.Providers == nil {
		return nil, fmt.Errorf("dispatch: providers are required")
	}
	if len(opts.Chain) == 0 {
		return nil, fmt.Errorf("dispatch: at least one model is required")
	}
	for _, s := range opts.Chain {
		if s.Model == nil {
			return nil, fmt.Errorf("dispatch: model for slot %s is nil", s.Label)
		}
	}
	if opts.MaxToolSteps <= 0 {
		opts.MaxToolSteps = 8
	}
	if opts.KnowledgeK <= 0 {
		opts.KnowledgeK = 5
	}
	return &Engine{
		db:        opts.DB,
		providers: opts.Providers,
		chain:     opts.Chain,
		knowledge: opts.Knowledge,
		calendar:  opts.Calendar,
		media:     opts.Media,
		alerts:    opts.Alerts,
		prom:      opts.Prom,
		maxSteps:  opts.MaxToolSteps,
		k:         opts.KnowledgeK,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Result is the outcome of a run. Paused and blocked runs carry a reason and
// no run id.
type Result struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// run is the state of one dispatch, shared by the guards, the tools and the
// delivery of the final reply.
type run struct {
	agent          *models.Agent
	conversationID string
	conv           *models.Conversation
	input          string
	provider       string
	msgs           []models.Message
	pipelineID     string
	stageID        string
	language       string
	lastUser       string
	mediaText      string
	policy         channel.WindowPolicy
	outside        bool
	phone          string
	grants         map[string]bool
	workspace      *crm.WorkspaceContext
	matches        []knowledge.Match
	runID          string

	sender     channel.Provider
	calls      []models.ToolCall
	credits    int
	sentByTool bool
}

// allowed reports whether the agent may perform action. An agent with no
// enabled grant may perform every action.
func (r *run) allowed(action string) bool {
	return len(r.grants) == 0 || r.grants[action]
}

// channel is the conversation channel, whatsapp when unset.
func (r *run) channel() string {
	if r.conv == nil || r.conv.Channel == "" {
		return models.ChannelWhatsApp
	}
	return r.conv.Channel
}

func (r *run) record(at time.Time, action string, payload map[string]interface{}, result string) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	r.calls = append(r.calls, models.ToolCall{Action: action, Payload: payload, Result: result, Timestamp: at})
}

func (e *Engine) loadAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var agent models.Agent
	err := e.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: load agent %s: %w", agentID, err)
	}
	return &agent, nil
}

// Run dispatches the agent against the conversation. input is the text the
// agent answers; when empty the latest contact message is used. Paused and
// blocked outcomes are results, not errors.
func (e *Engine) Run(ctx context.Context, agentID, conversationID, input string) (*Result, error) {
	agent, err := e.loadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	r := &run{
		agent:          agent,
		conversationID: conversationID,
		input:          strings.TrimSpace(input),
		calls:          []models.ToolCall{},
	}
	res, err := e.gate(ctx, r)
	if err != nil || res != nil {
		return res, err
	}
	if err := e.prepare(ctx, r); err != nil {
		return nil, err
	}
	return e.respond(ctx, r)
}

// prepare gathers everything the prompt and the tools need once the run has
// passed the gating chain.
func (e *Engine) prepare(ctx context.Context, r *run) error {
	db := e.db.WithContext(ctx)

	last := inbox.LastByAuthor(r.msgs, models.AuthorContact)
	if last != nil {
		r.lastUser = last.Content
		if last.Kind != models.KindText && e.media != nil {
			text, err := e.media.MessageText(ctx, db, last.ID)
			if err != nil {
				log.Printf("dispatch: media text of %s: %v", last.ID, err)
			}
			if text = strings.TrimSpace(text); text != "" {
				r.mediaText = text
				r.lastUser = strings.TrimSpace(r.lastUser + "\n" + text)
				e.ingest(ctx, r, last.ID, text, "attachment")
			}
		}
	}

	r.policy = e.windowPolicy(ctx, r)
	if last != nil {
		r.outside = r.policy.OutsideWindow(&last.CreatedAt, e.now())
	}

	query := r.input
	if query == "" {
		query = r.lastUser
	}
	if e.knowledge != nil && strings.TrimSpace(query) != "" {
		matches, err := e.knowledge.Retrieve(ctx, knowledge.RetrieveOpts{
			AgentID:        r.agent.ID,
			ConversationID: r.conv.ID,
			Query:          query,
			K:              e.k,
		})
		if err != nil {
			log.Printf("dispatch: retrieve knowledge for agent %s: %v", r.agent.ID, err)
		}
		r.matches = matches
	}

	wctx, err := crm.LoadWorkspaceContext(db, r.agent, r.pipelineID)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	r.workspace = wctx

	grants, err := loadGrants(db, r.agent.ID)
	if err != nil {
		return err
	}
	r.grants = grants

	phone, err := inbox.ResolvePhone(db, r.conv)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	r.phone = strings.TrimSpace(phone)
	return nil
}

// loadGrants returns the set of actions enabled for the agent.
func loadGrants(db *gorm.DB, agentID string) (map[string]bool, error) {
	var perms []models.AgentPermission
	if err := db.Where("agent_id = ?", agentID).Find(&perms).Error; err != nil {
		return nil, fmt.Errorf("dispatch: load permissions: %w", err)
	}
	grants := make(map[string]bool)
	for _, p := range perms {
		if p.Enabled {
			grants[p.Action] = true
		}
	}
	return grants, nil
}

// ingest indexes text under the conversation. Failures only cost recall.
func (e *Engine) ingest(ctx context.Context, r *run, messageID, text, source string) {
	if e.knowledge == nil {
		return
	}
	_, err := e.knowledge.IngestConversation(ctx, knowledge.IngestOpts{
		AgentID:        r.agent.ID,
		ConversationID: r.conv.ID,
		MessageID:      messageID,
		Text:           text,
		Source:         source,
	})
	if err != nil {
		log.Printf("dispatch: ingest message %s: %v", messageID, err)
	}
}

// history maps stored messages to model turns. Team messages are shown to
// the model as its own turns, marked as human.
func history(msgs []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Author {
		case models.AuthorContact:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case models.AuthorAgent:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		default:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: "[Humano] " + m.Content})
		}
	}
	return out
}

// respond creates the run row and walks the model chain.
func (e *Engine) respond(ctx context.Context, r *run) (*Result, error) {
	system, err := RenderPrompt(promptData(r))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if r.input == "" && r.mediaText != "" {
		r.input = r.lastUser
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	msgs = append(msgs, history(r.msgs)...)
	if r.input != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: r.input})
	}

	started := e.now()
	ar := models.AgentRun{
		AgentID:        r.agent.ID,
		WorkspaceID:    r.agent.WorkspaceID,
		ConversationID: r.conv.ID,
		Status:         models.RunRunning,
		Model:          e.chain[0].Model.Name(),
		StartedAt:      started,
	}
	if err := e.db.WithContext(ctx).Create(&ar).Error; err != nil {
		return nil, fmt.Errorf("dispatch: create run: %w", err)
	}
	r.runID = ar.ID

	tools := e.tools(r)
	var lastErr error
	for _, slot := range e.chain {
		content, err := llm.RunTools(ctx, slot.Model, msgs, tools, e.maxSteps)
		if err != nil {
			log.Printf("dispatch: run %s: %s model %s failed: %v", r.runID, slot.Label, slot.Model.Name(), err)
			e.countRun("error", slot.Label)
			lastErr = err
			continue
		}
		if strings.TrimSpace(content) != "" && r.phone != "" && !r.sentByTool {
			e.deliver(ctx, r, content)
		}
		return e.complete(ctx, r, slot, content, started)
	}
	return e.fail(ctx, r, lastErr, started)
}

func (e *Engine) complete(ctx context.Context, r *run, slot llm.Slot, content string, started time.Time) (*Result, error) {
	db := e.db.WithContext(ctx)
	done := e.now()
	updates := map[string]interface{}{
		"status":       models.RunCompleted,
		"model":        slot.Model.Name(),
		"credits_used": r.credits,
		"summary":      content,
		"latency_ms":   done.Sub(started).Milliseconds(),
		"completed_at": done,
	}
	if slot.Label != llm.SlotPrimary {
		updates["fallback_model"] = slot.Model.Name()
	}
	if err := db.Model(&models.AgentRun{}).Where("id = ?", r.runID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("dispatch: complete run %s: %w", r.runID, err)
	}

	convID, runID := r.conv.ID, r.runID
	entry := models.AgentLog{
		AgentID:        r.agent.ID,
		WorkspaceID:    r.agent.WorkspaceID,
		ConversationID: &convID,
		RunID:          &runID,
		Input:          r.input,
		Output:         content,
		ToolCalls:      datatypes.JSONSlice[models.ToolCall](r.calls),
		Metrics: datatypes.JSONMap{
			"modelo":         slot.Model.Name(),
			"idioma":         r.language,
			"outside_window": r.outside,
			"credits_usados": r.credits,
		},
	}
	if err := db.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("dispatch: write agent log: %w", err)
	}

	log.Printf("dispatch: run %s completed by %s model %s (%d credits)", r.runID, slot.Label, slot.Model.Name(), r.credits)
	e.countRun(StatusOK, slot.Label)
	e.observe(StatusOK, done.Sub(started))
	return &Result{Status: StatusOK, RunID: r.runID}, nil
}

func (e *Engine) fail(ctx context.Context, r *run, cause error, started time.Time) (*Result, error) {
	done := e.now()
	err := e.db.WithContext(ctx).Model(&models.AgentRun{}).Where("id = ?", r.runID).Updates(map[string]interface{}{
		"status":       models.RunFailed,
		"error":        ReasonAgentFailed,
		"summary":      ReasonAgentFailed,
		"credits_used": r.credits,
		"latency_ms":   done.Sub(started).Milliseconds(),
		"completed_at": done,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("dispatch: fail run %s: %w", r.runID, err)
	}
	log.Printf("dispatch: run %s failed on every model: %v", r.runID, cause)
	if e.alerts.Enabled() {
		e.alerts.Notify(ctx, alert.RunFailed(r.agent.ID, r.conv.ID, r.runID, cause))
	}
	e.countRun(StatusFailed, "none")
	e.observe(StatusFailed, done.Sub(started))
	return &Result{Status: StatusFailed, RunID: r.runID}, nil
}

func (e *Engine) countRun(status, slot string) {
	if e.prom != nil {
		e.prom.Runs.WithLabelValues(status, slot).Inc()
	}
}

func (e *Engine) observe(status string, d time.Duration) {
	if e.prom != nil {
		e.prom.RunDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}
