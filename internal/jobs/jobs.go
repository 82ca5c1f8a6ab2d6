// Package jobs binds the delayed-task kinds to the services that execute
// them. Every handler decodes its payload, calls one service and may
// enqueue follow-on tasks; all cross-task state lives in the store or the
// coordinator.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/agentdesk/internal/debounce"
	"github.com/zulandar/agentdesk/internal/dispatch"
	"github.com/zulandar/agentdesk/internal/followup"
	"github.com/zulandar/agentdesk/internal/ingest"
	"github.com/zulandar/agentdesk/internal/knowledge"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
	"github.com/zulandar/agentdesk/internal/taskqueue"
	"github.com/zulandar/agentdesk/internal/templates"
	"gorm.io/gorm"
)

// Task kinds.
const (
	KindRunAgent          = "run_agent"
	KindRunAgentBuffered  = debounce.TaskKind
	KindScheduleFollowups = "schedule_followups"
	KindRunFollowup       = "run_followup"
	KindWhatsAppEvent     = "process_whatsapp_event"
	KindWhatsAppMedia     = "process_whatsapp_media"
	KindInstagramEvent    = "process_instagram_event"
	KindKnowledgeFile     = "process_knowledge_file"
	KindSyncTemplates     = "sync_whatsapp_templates"
)

// Handler statuses.
const (
	StatusQueued     = "queued"
	StatusNoAgent    = "no_agent"
	StatusSkipped    = "skipped"
	StatusScheduled  = "scheduled"
	StatusNoFollowup = "no_followup"
	StatusStale      = "stale"
	StatusRequeued   = "requeued"

	ReasonWhatsAppOnly = "agent_whatsapp_only"
)

// RunAgent is the payload of run_agent.
type RunAgent struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Input          string `json:"input_text,omitempty"`
}

// Conversation is the payload of schedule_followups.
type Conversation struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
}

// RunFollowup is the payload of run_followup.
type RunFollowup struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	FollowupID     string `json:"followup_id"`
}

// Event is the payload of the webhook processing kinds.
type Event struct {
	EventID string `json:"event_id"`
}

// KnowledgeFile is the payload of process_knowledge_file.
type KnowledgeFile struct {
	FileID string `json:"file_id"`
}

// SyncTemplates is the payload of sync_whatsapp_templates.
type SyncTemplates struct {
	WorkspaceID          string `json:"workspace_id"`
	IntegrationAccountID string `json:"integration_account_id,omitempty"`
}

// Dispatch is the queued outcome of a processed webhook.
type Dispatch struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	Conversations int    `json:"conversations"`
}

// Runner runs an agent on a conversation.
type Runner interface {
	Run(ctx context.Context, agentID, conversationID, input string) (*dispatch.Result, error)
}

// Followups plans and delivers follow-ups.
type Followups interface {
	Schedule(ctx context.Context, agentID, conversationID string) (*followup.Plan, error)
	Run(ctx context.Context, agentID, conversationID, followupID string) (*followup.Result, error)
}

// Flusher drains debounce buffers.
type Flusher interface {
	Flush(ctx context.Context, p debounce.Payload) (string, bool, error)
}

// Ingester processes stored webhooks.
type Ingester interface {
	WhatsApp(ctx context.Context, eventID string) (*ingest.Result, error)
	WhatsAppMedia(ctx context.Context, eventID string) (int, error)
	Instagram(ctx context.Context, eventID string) (*ingest.Result, error)
}

// KnowledgeProcessor embeds uploaded knowledge files.
type KnowledgeProcessor interface {
	ProcessFile(ctx context.Context, fileID string) (*knowledge.ProcessResult, error)
}

// TemplateSyncer pulls WhatsApp templates.
type TemplateSyncer interface {
	Sync(ctx context.Context, workspaceID, accountID string) (*templates.Result, error)
	SyncAll(ctx context.Context) (map[string]*templates.Result, error)
}

// Enqueuer schedules delayed tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, delay time.Duration) (*models.Task, error)
}

// Opts configures Jobs. Debounce, Ingester, Knowledge and Templates are
// optional; their kinds are not registered when nil.
type Opts struct {
	DB        *gorm.DB
	Queue     Enqueuer
	Runner    Runner
	Followups Followups
	Debounce  Flusher
	Ingester  Ingester
	Knowledge KnowledgeProcessor
	Templates TemplateSyncer
	Prom      *metrics.Prom
}

// Jobs holds the task handlers.
type Jobs struct {
	db        *gorm.DB
	queue     Enqueuer
	runner    Runner
	followups Followups
	debounce  Flusher
	ingester  Ingester
	knowledge KnowledgeProcessor
	templates TemplateSyncer
	prom      *metrics.Prom
}

// New validates opts and returns Jobs.
func New(opts Opts) (*Jobs, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("jobs: db is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("jobs: queue is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("jobs: runner is required")
	}
	if opts.Followups == nil {
		return nil, fmt.Errorf("jobs: followups are required")
	}
	return &Jobs{
		db:        opts.DB,
		queue:     opts.Queue,
		runner:    opts.Runner,
		followups: opts.Followups,
		debounce:  opts.Debounce,
		ingester:  opts.Ingester,
		knowledge: opts.Knowledge,
		templates: opts.Templates,
		prom:      opts.Prom,
	}, nil
}

// Register binds every available kind to w.
func (j *Jobs) Register(w *taskqueue.Worker) {
	w.Register(KindRunAgent, j.counted(KindRunAgent, j.RunAgent))
	w.Register(KindScheduleFollowups, j.counted(KindScheduleFollowups, j.ScheduleFollowups))
	w.Register(KindRunFollowup, j.counted(KindRunFollowup, j.RunFollowup))
	if j.debounce != nil {
		w.Register(KindRunAgentBuffered, j.counted(KindRunAgentBuffered, j.RunAgentBuffered))
	}
	if j.ingester != nil {
		w.Register(KindWhatsAppEvent, j.counted(KindWhatsAppEvent, j.WhatsAppEvent))
		w.Register(KindWhatsAppMedia, j.counted(KindWhatsAppMedia, j.WhatsAppMedia))
		w.Register(KindInstagramEvent, j.counted(KindInstagramEvent, j.InstagramEvent))
	}
	if j.knowledge != nil {
		w.Register(KindKnowledgeFile, j.counted(KindKnowledgeFile, j.KnowledgeFile))
	}
	if j.templates != nil {
		w.Register(KindSyncTemplates, j.counted(KindSyncTemplates, j.SyncTemplates))
	}
}

func (j *Jobs) counted(kind string, h taskqueue.Handler) taskqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		res, err := h(ctx, payload)
		if j.prom != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			j.prom.Tasks.WithLabelValues(kind, result).Inc()
		}
		return res, err
	}
}

func decode(kind string, raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("jobs: decode %s payload: %w", kind, err)
	}
	return nil
}

// RunAgent runs the agent and then plans the next follow-up, whatever the
// run's outcome.
func (j *Jobs) RunAgent(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p RunAgent
	if err := decode(KindRunAgent, raw, &p); err != nil {
		return nil, err
	}
	return j.run(ctx, p.AgentID, p.ConversationID, p.Input)
}

func (j *Jobs) run(ctx context.Context, agentID, conversationID, input string) (*dispatch.Result, error) {
	res, err := j.runner.Run(ctx, agentID, conversationID, input)
	if err != nil {
		return nil, err
	}
	// The reply is already out. Failing here would retry the task and answer
	// the contact twice, so a lost plan only costs the next follow-up.
	if _, err := j.queue.Enqueue(ctx, KindScheduleFollowups, Conversation{AgentID: agentID, ConversationID: conversationID}, 0); err != nil {
		log.Printf("jobs: agent %s conversation %s: enqueue follow-up planning: %v", agentID, conversationID, err)
	}
	return res, nil
}

// RunAgentBuffered flushes a debounce buffer and runs the agent on the
// joined text. A stale flush does nothing.
func (j *Jobs) RunAgentBuffered(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p debounce.Payload
	if err := decode(KindRunAgentBuffered, raw, &p); err != nil {
		return nil, err
	}
	input, live, err := j.debounce.Flush(ctx, p)
	if err != nil {
		return nil, err
	}
	if !live {
		return map[string]string{"status": StatusStale}, nil
	}
	log.Printf("jobs: flush agent %s conversation %s version %d (%d chars)", p.AgentID, p.ConversationID, p.Version, len(input))
	res, err := j.run(ctx, p.AgentID, p.ConversationID, input)
	if err == nil {
		return res, nil
	}
	// The buffer is already drained; hand the joined text to a run_agent
	// task so the retry still sees it.
	retry := RunAgent{AgentID: p.AgentID, ConversationID: p.ConversationID, Input: input}
	if _, qerr := j.queue.Enqueue(ctx, KindRunAgent, retry, 0); qerr != nil {
		return nil, fmt.Errorf("jobs: requeue flushed input: %v (run: %w)", qerr, err)
	}
	log.Printf("jobs: agent %s conversation %s: run failed, input requeued: %v", p.AgentID, p.ConversationID, err)
	return map[string]string{"status": StatusRequeued}, nil
}

// ScheduleFollowups enqueues the next follow-up with its delay.
func (j *Jobs) ScheduleFollowups(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p Conversation
	if err := decode(KindScheduleFollowups, raw, &p); err != nil {
		return nil, err
	}
	plan, err := j.followups.Schedule(ctx, p.AgentID, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return map[string]string{"status": StatusNoFollowup}, nil
	}
	task := RunFollowup{AgentID: p.AgentID, ConversationID: p.ConversationID, FollowupID: plan.Followup.ID}
	if _, err := j.queue.Enqueue(ctx, KindRunFollowup, task, plan.Delay); err != nil {
		return nil, fmt.Errorf("jobs: enqueue follow-up: %w", err)
	}
	return map[string]interface{}{
		"status":        StatusScheduled,
		"followup_id":   plan.Followup.ID,
		"delay_seconds": int(plan.Delay / time.Second),
	}, nil
}

// RunFollowup delivers one follow-up.
func (j *Jobs) RunFollowup(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p RunFollowup
	if err := decode(KindRunFollowup, raw, &p); err != nil {
		return nil, err
	}
	return j.followups.Run(ctx, p.AgentID, p.ConversationID, p.FollowupID)
}

// WhatsAppEvent processes a Cloud API webhook and queues a run for every
// conversation it touched.
func (j *Jobs) WhatsAppEvent(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p Event
	if err := decode(KindWhatsAppEvent, raw, &p); err != nil {
		return nil, err
	}
	res, err := j.ingester.WhatsApp(ctx, p.EventID)
	if err != nil {
		return nil, err
	}
	return j.EnqueueRuns(ctx, res, "")
}

// EnqueueRuns queues a run of the account's active agent for every
// conversation of res. When channel is set the agent must support it.
func (j *Jobs) EnqueueRuns(ctx context.Context, res *ingest.Result, channel string) (*Dispatch, error) {
	if res == nil || res.WorkspaceID == "" || res.IntegrationAccountID == "" || len(res.ConversationIDs) == 0 {
		return &Dispatch{Status: StatusNoAgent}, nil
	}
	agent, err := ingest.ActiveAgent(j.db.WithContext(ctx), res.WorkspaceID, res.IntegrationAccountID)
	if err != nil {
		return nil, fmt.Errorf("jobs: %w", err)
	}
	if agent == nil {
		return &Dispatch{Status: StatusNoAgent, WorkspaceID: res.WorkspaceID}, nil
	}
	if channel != "" && !agent.SupportsChannel(channel) {
		return &Dispatch{
			Status:        StatusSkipped,
			Reason:        ReasonWhatsAppOnly,
			WorkspaceID:   res.WorkspaceID,
			Conversations: len(res.ConversationIDs),
		}, nil
	}
	for _, convID := range res.ConversationIDs {
		if _, err := j.queue.Enqueue(ctx, KindRunAgent, RunAgent{AgentID: agent.ID, ConversationID: convID}, 0); err != nil {
			return nil, fmt.Errorf("jobs: enqueue run for %s: %w", convID, err)
		}
	}
	return &Dispatch{
		Status:        StatusQueued,
		AgentID:       agent.ID,
		WorkspaceID:   res.WorkspaceID,
		Conversations: len(res.ConversationIDs),
	}, nil
}

// WhatsAppMedia downloads the media of a processed Cloud API webhook.
func (j *Jobs) WhatsAppMedia(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p Event
	if err := decode(KindWhatsAppMedia, raw, &p); err != nil {
		return nil, err
	}
	n, err := j.ingester.WhatsAppMedia(ctx, p.EventID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"event_id": p.EventID, "attachments": n}, nil
}

// InstagramEvent processes an Instagram webhook. Runs are queued only for
// agents that list instagram among their channels.
func (j *Jobs) InstagramEvent(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p Event
	if err := decode(KindInstagramEvent, raw, &p); err != nil {
		return nil, err
	}
	res, err := j.ingester.Instagram(ctx, p.EventID)
	if err != nil {
		return nil, err
	}
	return j.EnqueueRuns(ctx, res, models.ChannelInstagram)
}

// KnowledgeFile processes an uploaded knowledge file.
func (j *Jobs) KnowledgeFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p KnowledgeFile
	if err := decode(KindKnowledgeFile, raw, &p); err != nil {
		return nil, err
	}
	return j.knowledge.ProcessFile(ctx, p.FileID)
}

// SyncTemplates syncs one workspace's templates.
func (j *Jobs) SyncTemplates(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SyncTemplates
	if err := decode(KindSyncTemplates, raw, &p); err != nil {
		return nil, err
	}
	return j.templates.Sync(ctx, p.WorkspaceID, p.IntegrationAccountID)
}
