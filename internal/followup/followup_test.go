package followup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/db/dbtest"
	"github.com/zulandar/agentdesk/internal/inbox"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type sent struct {
	to, text, template string
}

type fakeProvider struct {
	name    string
	policy  *channel.WindowPolicy
	sent    []sent
	sendErr error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) WindowPolicy() channel.WindowPolicy {
	switch {
	case p.policy != nil:
		return *p.policy
	case p.name == models.ProviderWhatsAppBaileys:
		return channel.WindowWaived
	case p.name == models.ProviderWhatsAppOfficial:
		return channel.WindowTemplate
	}
	return channel.WindowEnforced
}

func (p *fakeProvider) SendText(_ context.Context, to, text string) (channel.SendResult, error) {
	if p.sendErr != nil {
		return channel.SendResult{}, p.sendErr
	}
	p.sent = append(p.sent, sent{to: to, text: text})
	return channel.SendResult{MessageID: "wamid.f"}, nil
}

func (p *fakeProvider) SendTemplate(_ context.Context, to, name, _ string) (channel.SendResult, error) {
	if p.sendErr != nil {
		return channel.SendResult{}, p.sendErr
	}
	p.sent = append(p.sent, sent{to: to, template: name})
	return channel.SendResult{MessageID: "wamid.t"}, nil
}

type fakeProviders struct{ p *fakeProvider }

func (f *fakeProviders) ProviderName(context.Context, *models.Agent) (string, error) {
	return f.p.name, nil
}

func (f *fakeProviders) ForAgent(context.Context, *models.Agent, string) (channel.Provider, error) {
	return f.p, nil
}

type fixture struct {
	db       *gorm.DB
	provider *fakeProvider
	svc      *Service
}

// seed creates an active consented agent with two follow-ups and a WhatsApp
// conversation where the contact wrote contactAgo and the agent answered
// agentAgo.
func seed(t *testing.T, contactAgo, agentAgo time.Duration) *fixture {
	t.Helper()
	gdb := dbtest.Open(t)
	lead := "lead1"
	rows := []interface{}{
		&models.Workspace{ID: "ws1", Name: "Acme"},
		&models.WorkspaceCredits{WorkspaceID: "ws1", CreditsTotal: 5},
		&models.Agent{ID: "agent1", WorkspaceID: "ws1", Name: "Ana", Status: models.AgentStatusActive},
		&models.AgentConsent{AgentID: "agent1", UserID: "u1"},
		&models.Lead{ID: "lead1", WorkspaceID: "ws1", Name: "Joao", Phone: "5511999990000"},
		&models.Conversation{ID: "conv1", WorkspaceID: "ws1", LeadID: &lead, Channel: models.ChannelWhatsApp, Status: "aberta"},
		&models.Message{ID: "m1", WorkspaceID: "ws1", ConversationID: "conv1", Author: models.AuthorContact,
			Kind: models.KindText, Content: "quanto custa?", CreatedAt: now.Add(-contactAgo)},
		&models.Message{ID: "m2", WorkspaceID: "ws1", ConversationID: "conv1", Author: models.AuthorAgent,
			Kind: models.KindText, Content: "R$ 99", CreatedAt: now.Add(-agentAgo)},
		&models.AgentFollowup{ID: "f2", AgentID: "agent1", Order: 2, DelayMinutes: 1440, MessageText: "Posso ajudar em algo mais?", Enabled: true},
		&models.AgentFollowup{ID: "f1", AgentID: "agent1", Order: 1, DelayMinutes: 60, MessageText: "Ainda por ai?", Enabled: true},
		&models.AgentFollowup{ID: "f0", AgentID: "agent1", Order: 0, DelayMinutes: 5, MessageText: "desligado", Enabled: false},
	}
	for _, r := range rows {
		if err := gdb.Create(r).Error; err != nil {
			t.Fatalf("seed %T: %v", r, err)
		}
	}
	p := &fakeProvider{name: models.ProviderWhatsAppOfficial}
	svc, err := New(Opts{DB: gdb, Providers: &fakeProviders{p: p}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.SetClock(func() time.Time { return now })
	return &fixture{db: gdb, provider: p, svc: svc}
}

func (f *fixture) step(t *testing.T) int {
	t.Helper()
	s, err := inbox.State(f.db, "agent1", "conv1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return s.FollowupStep
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("New() error = %v", err)
	}
	if _, err := New(Opts{DB: dbtest.Open(t)}); err == nil || !strings.Contains(err.Error(), "providers are required") {
		t.Errorf("New(db) error = %v", err)
	}
}

func TestNext_FollowsStep(t *testing.T) {
	f := seed(t, 2*time.Hour, time.Hour)
	ctx := context.Background()

	got, err := f.svc.Next(ctx, "agent1", "conv1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got == nil || got.ID != "f1" {
		t.Fatalf("Next = %+v, want f1", got)
	}

	conv := &models.Conversation{ID: "conv1", WorkspaceID: "ws1"}
	if err := Advance(f.db, "agent1", conv, now); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got, _ := f.svc.Next(ctx, "agent1", "conv1"); got == nil || got.ID != "f2" {
		t.Errorf("Next after one step = %+v, want f2", got)
	}

	if err := Advance(f.db, "agent1", conv, now); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got, _ := f.svc.Next(ctx, "agent1", "conv1"); got != nil {
		t.Errorf("Next past the end = %+v, want nil", got)
	}
}

func TestNext_PermissionDisabled(t *testing.T) {
	f := seed(t, 2*time.Hour, time.Hour)
	f.db.Create(&models.AgentPermission{AgentID: "agent1", Action: PermissionAction, Enabled: false})
	got, err := f.svc.Next(context.Background(), "agent1", "conv1")
	if err != nil || got != nil {
		t.Errorf("Next = %+v, %v; want nil", got, err)
	}
}

func TestSchedule_Delay(t *testing.T) {
	f := seed(t, 2*time.Hour, time.Hour)
	plan, err := f.svc.Schedule(context.Background(), "agent1", "conv1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if plan.Followup.ID != "f1" || plan.Delay != time.Hour {
		t.Errorf("plan = %s after %v, want f1 after 1h", plan.Followup.ID, plan.Delay)
	}

	// Outside-window follow-ups wait for the window to close.
	f.db.Model(&models.AgentFollowup{}).Where("id = ?", "f1").Update("only_outside_window", true)
	plan, err = f.svc.Schedule(context.Background(), "agent1", "conv1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if plan.Delay != 22*time.Hour {
		t.Errorf("delay = %v, want 22h", plan.Delay)
	}
}

func TestWindowRemaining(t *testing.T) {
	msgs := []models.Message{{Author: models.AuthorContact, CreatedAt: now.Add(-23*time.Hour - 30*time.Minute)}}
	if got := windowRemaining(msgs, now); got != 30*time.Minute {
		t.Errorf("remaining = %v, want 30m", got)
	}
	msgs[0].CreatedAt = now.Add(-30 * time.Hour)
	if got := windowRemaining(msgs, now); got != 0 {
		t.Errorf("remaining after close = %v, want 0", got)
	}
	if got := windowRemaining(nil, now); got != 0 {
		t.Errorf("remaining without contact = %v, want 0", got)
	}
}

func TestRun_SendsAndAdvances(t *testing.T) {
	f := seed(t, 2*time.Hour, time.Hour)
	ctx := context.Background()

	res, err := f.svc.Run(ctx, "agent1", "conv1", "f1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSent {
		t.Fatalf("status = %q, want sent", res.Status)
	}
	if len(f.provider.sent) != 1 || f.provider.sent[0].text != "Ainda por ai?" || f.provider.sent[0].to != "5511999990000" {
		t.Errorf("sent = %+v", f.provider.sent)
	}
	if got := f.step(t); got != 1 {
		t.Errorf("step = %d, want 1", got)
	}
	state, _ := inbox.State(f.db, "agent1", "conv1")
	if state.FollowupAt == nil || !state.FollowupAt.Equal(now) {
		t.Errorf("followup_at = %v", state.FollowupAt)
	}

	var credits models.WorkspaceCredits
	f.db.First(&credits, "workspace_id = ?", "ws1")
	if credits.CreditsUsed != 1 {
		t.Errorf("credits used = %d, want 1", credits.CreditsUsed)
	}
	var msgs []models.Message
	f.db.Where("conversation_id = ? AND content = ?", "conv1", "Ainda por ai?").Find(&msgs)
	if len(msgs) != 1 || msgs[0].Author != models.AuthorAgent {
		t.Errorf("recorded = %+v", msgs)
	}

	// The next step moves the counter by one more.
	if _, err := f.svc.Run(ctx, "agent1", "conv1", "f2"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := f.step(t); got != 2 {
		t.Errorf("step after second send = %d, want 2", got)
	}
}

func TestRun_RepeatedStepIsSuperseded(t *testing.T) {
	f := seed(t, 2*time.Hour, time.Hour)
	ctx := context.Background()

	if res, err := f.svc.Run(ctx, "agent1", "conv1", "f1"); err != nil || res.Status != StatusSent {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	res, err := f.svc.Run(ctx, "agent1", "conv1", "f1")
	if err != nil {
		t.Fatalf("repeated Run: %v", err)
	}
	if res.Status != StatusSuperseded {
		t.Errorf("status = %q, want %q", res.Status, StatusSuperseded)
	}
	if len(f.provider.sent) != 1 {
		t.Errorf("sent = %+v, want one message", f.provider.sent)
	}
	if got := f.step(t); got != 1 {
		t.Errorf("step = %d, want 1", got)
	}

	// A follow-up ahead of the current step waits its turn too.
	g := seed(t, 2*time.Hour, time.Hour)
	if res, _ := g.svc.Run(ctx, "agent1", "conv1", "f2"); res == nil || res.Status != StatusSuperseded {
		t.Errorf("early step = %+v", res)
	}
}

func TestRun_Template(t *testing.T) {
	f := seed(t, 30*time.Hour, 29*time.Hour)
	tplID := "tpl1"
	f.db.Create(&models.WhatsAppTemplate{ID: tplID, WorkspaceID: "ws1", Name: "retomada", Language: "pt_BR", Status: "APPROVED"})
	f.db.Model(&models.AgentFollowup{}).Where("id = ?", "f1").
		Updates(map[string]interface{}{"use_template": true, "template_id": tplID})

	res, err := f.svc.Run(context.Background(), "agent1", "conv1", "f1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSent {
		t.Fatalf("status = %q", res.Status)
	}
	if len(f.provider.sent) != 1 || f.provider.sent[0].template != "retomada" {
		t.Errorf("sent = %+v", f.provider.sent)
	}
	var msg models.Message
	f.db.Where("author = ? AND id <> ?", models.AuthorAgent, "m2").First(&msg)
	if msg.Content != "Template follow-up: retomada" {
		t.Errorf("recorded = %q", msg.Content)
	}
}

func TestRun_BaileysIgnoresWindow(t *testing.T) {
	f := seed(t, 30*time.Hour, 29*time.Hour)
	f.provider.name = models.ProviderWhatsAppBaileys
	f.db.Model(&models.AgentFollowup{}).Where("id = ?", "f1").Update("only_outside_window", true)

	res, err := f.svc.Run(context.Background(), "agent1", "conv1", "f1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The window never closes on Baileys, so an outside-window follow-up
	// never fires there.
	if res.Status != StatusWithinWindow {
		t.Errorf("status = %q, want within_window", res.Status)
	}

	f.db.Model(&models.AgentFollowup{}).Where("id = ?", "f1").Update("only_outside_window", false)
	res, err = f.svc.Run(context.Background(), "agent1", "conv1", "f1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSent || len(f.provider.sent) != 1 {
		t.Errorf("status = %q, sent = %+v", res.Status, f.provider.sent)
	}
}

func TestRun_WindowFollowsProviderPolicy(t *testing.T) {
	f := seed(t, 30*time.Hour, 29*time.Hour)
	waived := channel.WindowWaived
	f.provider.policy = &waived

	res, err := f.svc.Run(context.Background(), "agent1", "conv1", "f1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSent || len(f.provider.sent) != 1 || f.provider.sent[0].text != "Ainda por ai?" {
		t.Fatalf("waived: status = %q, sent = %+v", res.Status, f.provider.sent)
	}

	// Same provider name, but a closed window without template support.
	g := seed(t, 30*time.Hour, 29*time.Hour)
	enforced := channel.WindowEnforced
	g.provider.policy = &enforced
	tplID := "tpl1"
	g.db.Create(&models.WhatsAppTemplate{ID: tplID, WorkspaceID: "ws1", Name: "retomada", Language: "pt_BR", Status: "APPROVED"})
	g.db.Model(&models.AgentFollowup{}).Where("id = ?", "f1").
		Updates(map[string]interface{}{"use_template": true, "template_id": tplID})

	res, err = g.svc.Run(context.Background(), "agent1", "conv1", "f1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusWindowExpired || len(g.provider.sent) != 0 {
		t.Errorf("enforced: status = %q, sent = %+v", res.Status, g.provider.sent)
	}
}

func TestRun_SendErrorKeepsStep(t *testing.T) {
	f := seed(t, 2*time.Hour, time.Hour)
	f.provider.sendErr = errors.New("graph 500")
	if _, err := f.svc.Run(context.Background(), "agent1", "conv1", "f1"); err == nil {
		t.Fatal("Run error = nil, want send failure")
	}
	if got := f.step(t); got != 0 {
		t.Errorf("step = %d, want 0", got)
	}
}

func TestRun_Statuses(t *testing.T) {
	type setup func(f *fixture)
	update := func(model interface{}, id, col string, v interface{}) setup {
		return func(f *fixture) { f.db.Model(model).Where("id = ?", id).Update(col, v) }
	}
	tests := []struct {
		name       string
		contactAgo time.Duration
		agentAgo   time.Duration
		followup   string
		setup      []setup
		want       string
	}{
		{name: "missing conversation", setup: []setup{func(f *fixture) {
			f.db.Delete(&models.Conversation{}, "id = ?", "conv1")
		}}, want: StatusMissingConversation},
		{name: "trial expired", setup: []setup{update(&models.Workspace{}, "ws1", "trial_ends_at", now.Add(-time.Hour))}, want: StatusBlocked},
		{name: "missing agent", setup: []setup{func(f *fixture) {
			f.db.Delete(&models.Agent{}, "id = ?", "agent1")
		}}, want: StatusMissingAgent},
		{name: "no consent", setup: []setup{func(f *fixture) {
			f.db.Where("agent_id = ?", "agent1").Delete(&models.AgentConsent{})
		}}, want: StatusNoConsent},
		{name: "human mode", setup: []setup{update(&models.Conversation{}, "conv1", "human_mode", true)}, want: StatusPaused},
		{name: "no credits", setup: []setup{func(f *fixture) {
			f.db.Model(&models.WorkspaceCredits{}).Where("workspace_id = ?", "ws1").Update("credits_used", 5)
		}}, want: StatusNoCredits},
		{name: "unofficial provider", setup: []setup{func(f *fixture) {
			f.provider.name = models.ProviderWhatsAppUnofficial
		}}, want: StatusProviderDisabled},
		{name: "contact wrote last", contactAgo: time.Hour, agentAgo: 2 * time.Hour, want: StatusSkippedHuman},
		{name: "unknown follow-up", followup: "nope", want: StatusMissingFollowup},
		{name: "still within window", setup: []setup{update(&models.AgentFollowup{}, "f1", "only_outside_window", true)}, want: StatusWithinWindow},
		{name: "no phone", setup: []setup{update(&models.Lead{}, "lead1", "phone", "")}, want: StatusMissingPhone},
		{name: "template without id", contactAgo: 30 * time.Hour, agentAgo: 29 * time.Hour,
			setup: []setup{update(&models.AgentFollowup{}, "f1", "use_template", true)}, want: StatusTemplateRequired},
		{name: "template row gone", setup: []setup{func(f *fixture) {
			f.db.Model(&models.AgentFollowup{}).Where("id = ?", "f1").
				Updates(map[string]interface{}{"use_template": true, "template_id": "deleted"})
		}}, want: StatusTemplateRequired},
		{name: "text outside window", contactAgo: 30 * time.Hour, agentAgo: 29 * time.Hour, want: StatusWindowExpired},
		{name: "no text", setup: []setup{update(&models.AgentFollowup{}, "f1", "message_text", "")}, want: StatusMissingText},
		{name: "instagram outside window", contactAgo: 30 * time.Hour, agentAgo: 29 * time.Hour, setup: []setup{
			update(&models.Conversation{}, "conv1", "channel", models.ChannelInstagram),
			update(&models.Lead{}, "lead1", "whatsapp_wa_id", "ig-1789"),
			func(f *fixture) { f.provider.name = models.ProviderInstagram },
		}, want: StatusWindowExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contactAgo, agentAgo := tt.contactAgo, tt.agentAgo
			if contactAgo == 0 {
				contactAgo, agentAgo = 2*time.Hour, time.Hour
			}
			f := seed(t, contactAgo, agentAgo)
			for _, s := range tt.setup {
				s(f)
			}
			id := tt.followup
			if id == "" {
				id = "f1"
			}
			res, err := f.svc.Run(context.Background(), "agent1", "conv1", id)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %q, want %q", res.Status, tt.want)
			}
			if len(f.provider.sent) != 0 {
				t.Errorf("sent = %+v, want nothing", f.provider.sent)
			}
			if got := f.step(t); got != 0 {
				t.Errorf("step = %d, want 0", got)
			}
		})
	}
}

func TestRun_TrialReason(t *testing.T) {
	f := seed(t, 2*time.Hour, time.Hour)
	f.db.Model(&models.Workspace{}).Where("id = ?", "ws1").Update("trial_ends_at", now.Add(-time.Minute))
	res, err := f.svc.Run(context.Background(), "agent1", "conv1", "f1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusBlocked || res.Reason != ReasonTrialExpired {
		t.Errorf("result = %+v", res)
	}
}
