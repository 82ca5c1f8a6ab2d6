// Package metrics keeps the per-agent daily counters and the process-wide
// Prometheus instruments.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Deltas are increments applied to an agent's row for today.
type Deltas struct {
	MessagesSent        int
	ConversationsClosed int
	LeadsConverted      int
	CreditsConsumed     int
}

func (d Deltas) zero() bool {
	return d == Deltas{}
}

// Day returns the UTC calendar day of t, the key of the daily row.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Increment adds deltas to the agent's counters for the current UTC day,
// creating the row on first use. Missing ids are ignored.
func Increment(db *gorm.DB, agentID, workspaceID string, d Deltas) error {
	if agentID == "" || workspaceID == "" || d.zero() {
		return nil
	}
	row := models.AgentMetricsDaily{
		AgentID:             agentID,
		WorkspaceID:         workspaceID,
		Day:                 Day(time.Now()),
		MessagesSent:        d.MessagesSent,
		ConversationsClosed: d.ConversationsClosed,
		LeadsConverted:      d.LeadsConverted,
		CreditsConsumed:     d.CreditsConsumed,
	}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"mensagens_enviadas":   gorm.Expr("mensagens_enviadas + ?", d.MessagesSent),
			"conversas_resolvidas": gorm.Expr("conversas_resolvidas + ?", d.ConversationsClosed),
			"leads_convertidos":    gorm.Expr("leads_convertidos + ?", d.LeadsConverted),
			"credits_consumidos":   gorm.Expr("credits_consumidos + ?", d.CreditsConsumed),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("metrics: increment %s: %w", agentID, err)
	}
	return nil
}

// Today returns the agent's row for the current UTC day, or a zero row.
func Today(db *gorm.DB, agentID string) (*models.AgentMetricsDaily, error) {
	var rows []models.AgentMetricsDaily
	if err := db.Where("agent_id = ? AND day = ?", agentID, Day(time.Now())).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("metrics: load today: %w", err)
	}
	if len(rows) == 0 {
		return &models.AgentMetricsDaily{AgentID: agentID, Day: Day(time.Now())}, nil
	}
	return &rows[0], nil
}

// Prom holds the Prometheus instruments.
type Prom struct {
	Runs         *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	GuardExits   *prometheus.CounterVec
	Sends        *prometheus.CounterVec
	ToolCalls    *prometheus.CounterVec
	Debounce     *prometheus.CounterVec
	Followups    *prometheus.CounterVec
	Webhooks     *prometheus.CounterVec
	Tasks        *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewProm registers the instruments on reg. A nil reg gets a fresh registry.
func NewProm(reg *prometheus.Registry) *Prom {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Prom{
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_agent_runs_total",
				Help: "Agent runs by final status and model slot",
			},
			[]string{"status", "slot"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentdesk_agent_run_duration_seconds",
				Help:    "Duration of agent runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to 128s
			},
			[]string{"status"},
		),
		GuardExits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_guard_exits_total",
				Help: "Runs stopped by a gating guard",
			},
			[]string{"guard", "status", "reason"},
		),
		Sends: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_messages_sent_total",
				Help: "Outbound deliveries by provider and outcome",
			},
			[]string{"provider", "kind", "result"},
		),
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_tool_calls_total",
				Help: "Tool invocations by action",
			},
			[]string{"action"},
		),
		Debounce: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_debounce_total",
				Help: "Debounce notifications and flushes by outcome",
			},
			[]string{"outcome"},
		),
		Followups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_followups_total",
				Help: "Follow-up executions by status",
			},
			[]string{"status"},
		),
		Webhooks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_webhook_events_total",
				Help: "Processed webhook events by source and status",
			},
			[]string{"source", "status"},
		),
		Tasks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_tasks_total",
				Help: "Executed queue tasks by kind and result",
			},
			[]string{"kind", "result"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdesk_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentdesk_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "agentdesk_knowledge_cache_hits_total",
			Help: "Knowledge retrievals served from the coordinator cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "agentdesk_knowledge_cache_misses_total",
			Help: "Knowledge retrievals computed from stored chunks",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
