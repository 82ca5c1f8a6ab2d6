package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo.Session methods used.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts as embeds through the REST API; no gateway
// connection is opened.
type Discord struct {
	sess    discordSession
	channel string
	backoff time.Duration
}

// NewDiscord returns a Discord sink, or nil when token or channel is empty.
func NewDiscord(token, channel string) (*Discord, error) {
	if token == "" || channel == "" {
		return nil, nil
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("alert: discord session: %w", err)
	}
	return &Discord{sess: dg, channel: channel, backoff: time.Second}, nil
}

func (d *Discord) Name() string { return "discord" }

// Send posts a to the configured channel, retrying on HTTP 429.
func (d *Discord) Send(ctx context.Context, a Alert) error {
	embed := &discordgo.MessageEmbed{
		Title:       a.Title,
		Description: a.Body,
		Color:       parseHexColor(a.Color()),
	}
	for _, f := range a.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	err := retry(ctx, d.backoff, func() error {
		_, err := d.sess.ChannelMessageSendEmbed(d.channel, embed, discordgo.WithContext(ctx))
		return err
	}, func(err error) (bool, time.Duration) {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusTooManyRequests {
			return true, 0
		}
		return false, 0
	})
	if err != nil {
		return fmt.Errorf("alert: discord post: %w", err)
	}
	return nil
}

// parseHexColor converts "#36a64f" to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}
