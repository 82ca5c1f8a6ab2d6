// Package debounce coalesces bursts of inbound messages into one agent run.
//
// Each notification bumps a per-(agent, conversation) version counter,
// appends the message to a buffer list and schedules a delayed flush that
// carries the version it saw. A flush whose version is no longer the live
// one does nothing; the newest flush drains the buffer and returns the
// joined text.
//
// The check and the drain are two steps. A notification whose Incr lands
// before the drain but whose Append lands after it leaves its text in the
// buffer with no version key; its own flush is stale and the text rides
// along with the next notification's flush.
package debounce

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/agentdesk/internal/coordinator"
	"github.com/zulandar/agentdesk/internal/inbox"
	"github.com/zulandar/agentdesk/internal/ingest"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

// TaskKind is the queue kind of the delayed flush.
const TaskKind = "run_agent_buffered"

// Notify outcomes.
const (
	StatusBuffered     = "buffered"
	StatusNoAgent      = "no_agent"
	StatusSkippedGroup = "skipped_group"
)

// keyGrace is added to the delay for the expiry of both keys.
const keyGrace = 300 * time.Second

// Enqueuer schedules delayed tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, delay time.Duration) (*models.Task, error)
}

// VersionKey is the coordinator key of the version counter.
func VersionKey(agentID, conversationID string) string {
	return "baileys:buffer:v:" + agentID + ":" + conversationID
}

// ListKey is the coordinator key of the buffered messages.
func ListKey(agentID, conversationID string) string {
	return "baileys:buffer:l:" + agentID + ":" + conversationID
}

// Notification announces a message the bridge already stored.
type Notification struct {
	WorkspaceID          string `json:"workspace_id"`
	IntegrationAccountID string `json:"integration_account_id"`
	ConversationID       string `json:"conversation_id"`
	MessageRowID         string `json:"message_row_id"`
	MessageExternalID    string `json:"message_external_id"`
	Text                 string `json:"text"`
	IsGroup              bool   `json:"is_group"`
}

// Outcome is the answer to a notification.
type Outcome struct {
	Status         string  `json:"status"`
	AgentID        *string `json:"agent_id"`
	ConversationID string  `json:"conversation_id"`
}

// Payload is the body of the delayed flush task.
type Payload struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Version        int64  `json:"version"`
	DelaySeconds   int    `json:"delay_seconds"`
}

// entry is one buffered message.
type entry struct {
	MessageRowID      string `json:"message_row_id"`
	MessageExternalID string `json:"message_external_id"`
	Text              string `json:"text"`
}

// Opts configures a Scheduler.
type Opts struct {
	DB          *gorm.DB
	Coordinator coordinator.Coordinator
	Queue       Enqueuer
	Prom        *metrics.Prom
}

// Scheduler buffers notifications and flushes them.
type Scheduler struct {
	db    *gorm.DB
	coord coordinator.Coordinator
	queue Enqueuer
	prom  *metrics.Prom
}

// New validates opts and returns a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("debounce: db is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("debounce: coordinator is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("debounce: queue is required")
	}
	return &Scheduler{db: opts.DB, coord: opts.Coordinator, queue: opts.Queue, prom: opts.Prom}, nil
}

func (s *Scheduler) count(outcome string) {
	if s.prom != nil {
		s.prom.Debounce.WithLabelValues(outcome).Inc()
	}
}

// Notify buffers n for the active agent of its account and schedules the
// flush after the agent's response delay.
func (s *Scheduler) Notify(ctx context.Context, n Notification) (*Outcome, error) {
	db := s.db.WithContext(ctx)
	agent, err := ingest.ActiveAgent(db, n.WorkspaceID, n.IntegrationAccountID)
	if err != nil {
		return nil, fmt.Errorf("debounce: %w", err)
	}
	out := &Outcome{ConversationID: n.ConversationID}
	if agent == nil {
		log.Printf("debounce: skip conversation %s: no agent", n.ConversationID)
		s.count(StatusNoAgent)
		out.Status = StatusNoAgent
		return out, nil
	}
	agentID := agent.ID
	out.AgentID = &agentID

	if n.IsGroup {
		allowed, err := s.groupAllowed(db, agent, n.ConversationID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			s.count(StatusSkippedGroup)
			out.Status = StatusSkippedGroup
			return out, nil
		}
	}

	delay := agent.ClampedDelay()
	ttl := time.Duration(delay)*time.Second + keyGrace
	version, err := s.coord.Incr(ctx, VersionKey(agent.ID, n.ConversationID), ttl)
	if err != nil {
		return nil, fmt.Errorf("debounce: bump version: %w", err)
	}
	item, err := json.Marshal(entry{
		MessageRowID:      n.MessageRowID,
		MessageExternalID: n.MessageExternalID,
		Text:              n.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("debounce: marshal entry: %w", err)
	}
	if err := s.coord.Append(ctx, ListKey(agent.ID, n.ConversationID), string(item), ttl); err != nil {
		return nil, fmt.Errorf("debounce: buffer message: %w", err)
	}
	payload := Payload{
		AgentID:        agent.ID,
		ConversationID: n.ConversationID,
		Version:        version,
		DelaySeconds:   delay,
	}
	if _, err := s.queue.Enqueue(ctx, TaskKind, payload, time.Duration(delay)*time.Second); err != nil {
		return nil, fmt.Errorf("debounce: schedule flush: %w", err)
	}
	log.Printf("debounce: buffered agent %s conversation %s version %d delay %ds", agent.ID, n.ConversationID, version, delay)
	s.count(StatusBuffered)
	out.Status = StatusBuffered
	return out, nil
}

// groupAllowed applies the agent's group switch and, when present, its
// allowlist of group addresses.
func (s *Scheduler) groupAllowed(db *gorm.DB, agent *models.Agent, conversationID string) (bool, error) {
	if !agent.AllowsGroups() {
		log.Printf("debounce: skip conversation %s: groups disabled for agent %s", conversationID, agent.ID)
		return false, nil
	}
	allow := agent.GroupAllowlist()
	if allow == nil {
		return true, nil
	}
	conv, err := inbox.Conversation(db, conversationID)
	if err != nil {
		return false, fmt.Errorf("debounce: %w", err)
	}
	phone, err := inbox.ResolvePhone(db, conv)
	if err != nil {
		return false, fmt.Errorf("debounce: %w", err)
	}
	if phone = strings.TrimSpace(phone); phone == "" || !allow[phone] {
		log.Printf("debounce: skip conversation %s: group not allowed for agent %s", conversationID, agent.ID)
		return false, nil
	}
	return true, nil
}

// Flush drains the buffer for p when p still carries the live version. It
// returns the joined input and true, or false when the flush is stale.
func (s *Scheduler) Flush(ctx context.Context, p Payload) (string, bool, error) {
	vkey := VersionKey(p.AgentID, p.ConversationID)
	raw, ok, err := s.coord.Get(ctx, vkey)
	if err != nil {
		return "", false, fmt.Errorf("debounce: read version: %w", err)
	}
	if !ok {
		s.count("stale")
		return "", false, nil
	}
	live, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || live != p.Version {
		s.count("stale")
		return "", false, nil
	}
	items, err := s.coord.Drain(ctx, ListKey(p.AgentID, p.ConversationID), vkey)
	if err != nil {
		return "", false, fmt.Errorf("debounce: drain: %w", err)
	}
	s.count("flushed")
	return Join(items), true, nil
}

// Join decodes buffered entries, drops repeats of the same message (by
// external id, else row id; first wins) and joins the non-empty texts with
// newlines in arrival order.
func Join(items []string) string {
	seen := make(map[string]bool, len(items))
	var texts []string
	for _, raw := range items {
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			log.Printf("debounce: drop malformed entry: %v", err)
			continue
		}
		key := e.MessageExternalID
		if key == "" {
			key = e.MessageRowID
		}
		if key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		if text := strings.TrimSpace(e.Text); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}
