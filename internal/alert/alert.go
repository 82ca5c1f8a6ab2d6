// Package alert posts operator notifications, such as an agent run that
// exhausted its model chain, to Slack and Discord.
package alert

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/zulandar/agentdesk/internal/config"
)

// Severities and their sidebar colors.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"

	ColorError   = "#e53935"
	ColorWarning = "#ff9800"
	ColorInfo    = "#2196f3"
)

const maxRetries = 3

// Field is a key-value pair rendered under an alert.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Alert is one notification.
type Alert struct {
	Title    string
	Body     string
	Severity string
	Fields   []Field
}

// Color returns the sidebar color for the alert's severity.
func (a Alert) Color() string {
	switch a.Severity {
	case SeverityError:
		return ColorError
	case SeverityWarning:
		return ColorWarning
	}
	return ColorInfo
}

// Sink delivers alerts to one platform.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Notifier fans an alert out to every configured sink. A nil Notifier or
// one without sinks drops alerts.
type Notifier struct {
	sinks []Sink
}

// NewNotifier returns a Notifier over sinks, skipping nil entries.
func NewNotifier(sinks ...Sink) *Notifier {
	n := &Notifier{}
	for _, s := range sinks {
		if s != nil {
			n.sinks = append(n.sinks, s)
		}
	}
	return n
}

// FromConfig builds a Notifier with a sink per configured platform.
func FromConfig(cfg config.AlertsConfig) (*Notifier, error) {
	n := &Notifier{}
	if s := NewSlack(cfg.Slack.BotToken, cfg.Slack.Channel); s != nil {
		n.sinks = append(n.sinks, s)
	}
	d, err := NewDiscord(cfg.Discord.BotToken, cfg.Discord.Channel)
	if err != nil {
		return nil, err
	}
	if d != nil {
		n.sinks = append(n.sinks, d)
	}
	return n, nil
}

// Enabled reports whether any sink is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.sinks) > 0 }

// Notify sends a to every sink. Delivery failures are logged, never returned.
func (n *Notifier) Notify(ctx context.Context, a Alert) {
	if !n.Enabled() {
		return
	}
	if a.Severity == "" {
		a.Severity = SeverityInfo
	}
	for _, s := range n.sinks {
		if err := s.Send(ctx, a); err != nil {
			log.Printf("alert: %s: %v", s.Name(), err)
		}
	}
}

// RunFailed builds the alert for a run whose every model attempt raised.
func RunFailed(agentID, conversationID, runID string, cause error) Alert {
	a := Alert{
		Title:    "Agent run failed",
		Severity: SeverityError,
		Fields: []Field{
			{Name: "agent", Value: agentID, Short: true},
			{Name: "conversation", Value: conversationID, Short: true},
			{Name: "run", Value: runID},
		},
	}
	if cause != nil {
		a.Body = cause.Error()
	}
	return a
}

// retry calls fn until it succeeds, fails with an error isLimited does not
// classify as a rate limit, or runs out of attempts. A positive wait from
// isLimited replaces the exponential backoff.
func retry(ctx context.Context, base time.Duration, fn func() error, isLimited func(error) (bool, time.Duration)) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		limited, wait := isLimited(err)
		if !limited || attempt == maxRetries {
			return err
		}
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * base
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
