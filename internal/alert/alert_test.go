package alert

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/agentdesk/internal/config"
)

type fakeSlack struct {
	calls   int
	fail    []error
	channel string
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, _ ...slackapi.MsgOption) (string, string, error) {
	f.calls++
	f.channel = channelID
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return "", "", err
	}
	return channelID, "1.0", nil
}

type fakeDiscord struct {
	calls int
	fail  []error
	embed *discordgo.MessageEmbed
}

func (f *fakeDiscord) ChannelMessageSendEmbed(_ string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.calls++
	f.embed = embed
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return nil, err
	}
	return &discordgo.Message{}, nil
}

type recordSink struct {
	name string
	got  []Alert
	err  error
}

func (r *recordSink) Name() string { return r.name }
func (r *recordSink) Send(_ context.Context, a Alert) error {
	r.got = append(r.got, a)
	return r.err
}

func TestSlack_RetriesRateLimit(t *testing.T) {
	fake := &fakeSlack{fail: []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}}
	s := &Slack{client: fake, channel: "C1", backoff: time.Millisecond}

	if err := s.Send(context.Background(), RunFailed("a1", "c1", "r1", errors.New("boom"))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("calls = %d, want 2", fake.calls)
	}
	if fake.channel != "C1" {
		t.Errorf("channel = %q, want C1", fake.channel)
	}
}

func TestSlack_OtherErrorNotRetried(t *testing.T) {
	fake := &fakeSlack{fail: []error{errors.New("channel_not_found")}}
	s := &Slack{client: fake, channel: "C1", backoff: time.Millisecond}

	if err := s.Send(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1", fake.calls)
	}
}

func TestDiscord_RetriesTooManyRequests(t *testing.T) {
	limited := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	fake := &fakeDiscord{fail: []error{limited, limited}}
	d := &Discord{sess: fake, channel: "D1", backoff: time.Millisecond}

	if err := d.Send(context.Background(), RunFailed("a1", "c1", "r1", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3", fake.calls)
	}
	if fake.embed.Color != 0xe53935 {
		t.Errorf("color = %x, want e53935", fake.embed.Color)
	}
	if len(fake.embed.Fields) != 3 || fake.embed.Fields[0].Value != "a1" {
		t.Errorf("fields = %+v", fake.embed.Fields)
	}
}

func TestDiscord_GivesUp(t *testing.T) {
	limited := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	fake := &fakeDiscord{fail: []error{limited, limited, limited, limited, limited}}
	d := &Discord{sess: fake, channel: "D1", backoff: time.Millisecond}

	if err := d.Send(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if fake.calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", fake.calls, maxRetries+1)
	}
}

func TestNotifier_FansOutAndDefaultsSeverity(t *testing.T) {
	ok := &recordSink{name: "ok"}
	bad := &recordSink{name: "bad", err: errors.New("down")}
	n := NewNotifier(bad, nil, ok)

	n.Notify(context.Background(), Alert{Title: "hello"})
	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(ok.got), len(bad.got))
	}
	if ok.got[0].Severity != SeverityInfo {
		t.Errorf("severity = %q, want info", ok.got[0].Severity)
	}

	var none *Notifier
	none.Notify(context.Background(), Alert{Title: "dropped"})
}

func TestFromConfig(t *testing.T) {
	n, err := FromConfig(config.AlertsConfig{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if n.Enabled() {
		t.Error("empty config enabled alerts")
	}

	n, err = FromConfig(config.AlertsConfig{
		Slack:   config.SlackConfig{BotToken: "xoxb", Channel: "C1"},
		Discord: config.DiscordConfig{BotToken: "tok", Channel: "D1"},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if len(n.sinks) != 2 {
		t.Errorf("sinks = %d, want 2", len(n.sinks))
	}
}

func TestParseHexColor(t *testing.T) {
	tests := map[string]int{"#36a64f": 0x36a64f, "FF9800": 0xff9800, "": 0}
	for in, want := range tests {
		if got := parseHexColor(in); got != want {
			t.Errorf("parseHexColor(%q) = %x, want %x", in, got, want)
		}
	}
}
