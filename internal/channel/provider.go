// Package channel delivers outbound messages through the chat providers a
// workspace has connected.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTemplatesUnsupported is returned by providers without message templates.
	ErrTemplatesUnsupported = errors.New("channel: templates are not supported by this provider")
	// ErrProviderDisabled is returned by the retired unofficial WhatsApp provider.
	ErrProviderDisabled = errors.New("channel: provider disabled")
)

// Window is the length of the customer-service window on Meta channels.
const Window = 24 * time.Hour

// WindowPolicy decides whether free-form replies are still allowed.
type WindowPolicy int

const (
	// WindowEnforced allows free-form replies only within 24h of the last
	// contact message.
	WindowEnforced WindowPolicy = iota
	// WindowWaived never closes.
	WindowWaived
	// WindowTemplate is enforced like WindowEnforced, but an approved
	// template may still reach the contact once the window has closed.
	WindowTemplate
)

// AllowsTemplates reports whether templates can be sent outside the window.
func (p WindowPolicy) AllowsTemplates() bool { return p == WindowTemplate }

// OutsideWindow reports whether a reply at now falls outside the window
// opened by the contact's last message. No contact message means the window
// was never opened, which is not treated as expired.
func (p WindowPolicy) OutsideWindow(lastContact *time.Time, now time.Time) bool {
	if p == WindowWaived || lastContact == nil {
		return false
	}
	return now.Sub(*lastContact) > Window
}

// SendResult is what a provider reports after accepting a message.
type SendResult struct {
	MessageID string
}

// Provider is an outbound delivery channel.
type Provider interface {
	Name() string
	SendText(ctx context.Context, to, text string) (SendResult, error)
	SendTemplate(ctx context.Context, to, name, language string) (SendResult, error)
	WindowPolicy() WindowPolicy
}

// HTTPError is a non-2xx answer from a provider API.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}
