package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods used, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts alerts as message attachments.
type Slack struct {
	client  slackClient
	channel string
	backoff time.Duration
}

// NewSlack returns a Slack sink, or nil when token or channel is empty.
func NewSlack(token, channel string) *Slack {
	if token == "" || channel == "" {
		return nil
	}
	return &Slack{client: slackapi.New(token), channel: channel, backoff: time.Second}
}

func (s *Slack) Name() string { return "slack" }

// Send posts a to the configured channel, retrying on rate limits.
func (s *Slack) Send(ctx context.Context, a Alert) error {
	att := slackapi.Attachment{
		Title:    a.Title,
		Text:     a.Body,
		Color:    a.Color(),
		Fallback: a.Title,
	}
	for _, f := range a.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	err := retry(ctx, s.backoff, func() error {
		_, _, err := s.client.PostMessageContext(ctx, s.channel, slackapi.MsgOptionAttachments(att))
		return err
	}, func(err error) (bool, time.Duration) {
		var rle *slackapi.RateLimitedError
		if errors.As(err, &rle) {
			return true, rle.RetryAfter
		}
		return false, 0
	})
	if err != nil {
		return fmt.Errorf("alert: slack post: %w", err)
	}
	return nil
}
