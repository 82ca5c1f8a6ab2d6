package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/agentdesk/internal/config"
	"github.com/zulandar/agentdesk/internal/db/dbtest"
	"github.com/zulandar/agentdesk/internal/models"
	"golang.org/x/time/rate"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   map[string]interface{}
}

func recorder(t *testing.T, status int, reply string) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{method: r.Method, path: r.URL.Path, header: r.Header.Clone()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &c.body)
		}
		calls = append(calls, c)
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestWindowPolicy_OutsideWindow(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-2 * time.Hour)
	old := now.Add(-25 * time.Hour)

	tests := []struct {
		name   string
		policy WindowPolicy
		last   *time.Time
		want   bool
	}{
		{"enforced recent", WindowEnforced, &recent, false},
		{"enforced old", WindowEnforced, &old, true},
		{"enforced no contact", WindowEnforced, nil, false},
		{"waived old", WindowWaived, &old, false},
		{"template old", WindowTemplate, &old, true},
		{"template recent", WindowTemplate, &recent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.OutsideWindow(tt.last, now); got != tt.want {
				t.Errorf("OutsideWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloudAPI_SendText(t *testing.T) {
	srv, calls := recorder(t, 200, `{"messages":[{"id":"wamid.1"}]}`)
	p := NewCloudAPI(NewGraph(GraphOpts{BaseURL: srv.URL, APIVersion: "v19.0", Token: "tok"}), "PNID")

	res, err := p.SendText(context.Background(), "5511999990000", "oi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.MessageID != "wamid.1" {
		t.Errorf("MessageID = %q, want wamid.1", res.MessageID)
	}
	c := (*calls)[0]
	if c.path != "/v19.0/PNID/messages" {
		t.Errorf("path = %q", c.path)
	}
	if got := c.header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if c.body["type"] != "text" || c.body["messaging_product"] != "whatsapp" {
		t.Errorf("body = %v", c.body)
	}
	if p.WindowPolicy() != WindowTemplate || !p.WindowPolicy().AllowsTemplates() {
		t.Error("cloud api should enforce the window and allow templates past it")
	}
}

func TestCloudAPI_SendTemplate(t *testing.T) {
	srv, calls := recorder(t, 200, `{"messages":[{"id":"wamid.2"}]}`)
	p := NewCloudAPI(NewGraph(GraphOpts{BaseURL: srv.URL, APIVersion: "v19.0", Token: "tok"}), "PNID")

	if _, err := p.SendTemplate(context.Background(), "55", "retomada", "pt_BR"); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	tpl, _ := (*calls)[0].body["template"].(map[string]interface{})
	if tpl["name"] != "retomada" {
		t.Errorf("template = %v", tpl)
	}
	lang, _ := tpl["language"].(map[string]interface{})
	if lang["code"] != "pt_BR" {
		t.Errorf("language = %v", lang)
	}
}

func TestCloudAPI_HTTPError(t *testing.T) {
	srv, _ := recorder(t, 400, `{"error":{"message":"bad"}}`)
	p := NewCloudAPI(NewGraph(GraphOpts{BaseURL: srv.URL, APIVersion: "v19.0", Token: "tok"}), "PNID")

	_, err := p.SendText(context.Background(), "55", "x")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if httpErr.Status != 400 {
		t.Errorf("Status = %d, want 400", httpErr.Status)
	}
}

func TestInstagram_SendText(t *testing.T) {
	srv, calls := recorder(t, 200, `{"recipient_id":"r","message_id":"mid.1"}`)
	p := NewInstagram(NewGraph(GraphOpts{BaseURL: srv.URL, APIVersion: "v19.0", Token: "tok"}), "IGID")

	res, err := p.SendText(context.Background(), "IGSID", "ola")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.MessageID != "mid.1" {
		t.Errorf("MessageID = %q", res.MessageID)
	}
	c := (*calls)[0]
	if c.path != "/v19.0/IGID/messages" || c.body["messaging_type"] != "RESPONSE" {
		t.Errorf("call = %+v", c)
	}
	if _, err := p.SendTemplate(context.Background(), "x", "y", "z"); !errors.Is(err, ErrTemplatesUnsupported) {
		t.Errorf("SendTemplate error = %v", err)
	}
}

func TestBaileys_SendText(t *testing.T) {
	srv, calls := recorder(t, 200, `{"messageId":"B1"}`)
	p, err := NewBaileys(BaileysOpts{BaseURL: srv.URL + "/", APIKey: "k", AccountID: "acc1"})
	if err != nil {
		t.Fatalf("NewBaileys: %v", err)
	}

	res, err := p.SendText(context.Background(), "5511", "hey")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.MessageID != "B1" {
		t.Errorf("MessageID = %q, want B1", res.MessageID)
	}
	c := (*calls)[0]
	if c.path != "/messages/send" || c.header.Get("X-API-KEY") != "k" {
		t.Errorf("call = %+v", c)
	}
	if c.body["integrationAccountId"] != "acc1" || c.body["text"] != "hey" {
		t.Errorf("body = %v", c.body)
	}
	if p.WindowPolicy() != WindowWaived {
		t.Error("baileys should waive the window")
	}
	if _, err := p.SendTemplate(context.Background(), "", "", ""); !errors.Is(err, ErrTemplatesUnsupported) {
		t.Errorf("SendTemplate error = %v", err)
	}
}

func TestBaileys_RequiresURL(t *testing.T) {
	if _, err := NewBaileys(BaileysOpts{BaseURL: "  "}); err == nil {
		t.Error("expected error without url")
	}
}

func TestBaileys_ListGroups(t *testing.T) {
	srv, calls := recorder(t, 200, `{"total":2,"groups":[{"id":"1@g.us"},{"id":"2@g.us"}]}`)
	p, _ := NewBaileys(BaileysOpts{BaseURL: srv.URL, AccountID: "acc1"})

	g, err := p.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if g.Total != 2 || len(g.Groups) != 2 {
		t.Errorf("groups = %+v", g)
	}
	if (*calls)[0].path != "/sessions/acc1/groups" {
		t.Errorf("path = %q", (*calls)[0].path)
	}
}

func TestBaileys_ListGroupsEmptyShape(t *testing.T) {
	srv, _ := recorder(t, 200, `{"weird":true}`)
	p, _ := NewBaileys(BaileysOpts{BaseURL: srv.URL, AccountID: "acc1"})

	g, err := p.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if g.Total != 0 || g.Groups == nil || len(g.Groups) != 0 {
		t.Errorf("groups = %+v, want zero total and empty list", g)
	}
}

func TestWindowPolicy_AllowsTemplates(t *testing.T) {
	for _, p := range []Provider{Disabled{}, NewInstagram(nil, "IGID")} {
		if p.WindowPolicy().AllowsTemplates() {
			t.Errorf("%s allows templates outside the window", p.Name())
		}
	}
}

func TestDisabled(t *testing.T) {
	var p Provider = Disabled{}
	if _, err := p.SendText(context.Background(), "", ""); !errors.Is(err, ErrProviderDisabled) {
		t.Errorf("SendText error = %v", err)
	}
}

func TestGraph_MediaAndDownload(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v19.0/MEDIA1":
			if r.URL.Query().Get("fields") == "" {
				t.Error("missing fields query")
			}
			io.WriteString(w, `{"url":"`+srv.URL+`/blob","mime_type":"image/jpeg"}`)
		case "/blob":
			w.Header().Set("Content-Type", "image/jpeg")
			io.WriteString(w, "JPEGDATA")
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	g := NewGraph(GraphOpts{BaseURL: srv.URL, APIVersion: "v19.0", Token: "t", Limiter: rate.NewLimiter(rate.Inf, 1)})
	info, err := g.Media(context.Background(), "MEDIA1")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	if info.MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q", info.MimeType)
	}
	data, ct, err := g.Download(context.Background(), info.URL)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "JPEGDATA" || !strings.HasPrefix(ct, "image/jpeg") {
		t.Errorf("Download = %q, %q", data, ct)
	}
}

func TestResolver_ForAccount(t *testing.T) {
	gdb := dbtest.Open(t)
	r, err := NewResolver(ResolverOpts{
		DB:       gdb,
		WhatsApp: config.WhatsAppConfig{GraphURL: "http://graph", APIVersion: "v19.0"},
		Baileys:  config.BaileysConfig{APIURL: "http://baileys"},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	ctx := context.Background()

	official := models.IntegrationAccount{ID: "a1", WorkspaceID: "w", IntegrationID: "i1", PhoneNumberID: "PN"}
	baileys := models.IntegrationAccount{ID: "a2", WorkspaceID: "w", Provider: models.ProviderWhatsAppBaileys}
	legacy := models.IntegrationAccount{ID: "a3", WorkspaceID: "w", Provider: models.ProviderWhatsAppUnofficial}
	insta := models.IntegrationAccount{ID: "a4", WorkspaceID: "w", IntegrationID: "i2", Channel: "instagram", Identifier: "IG"}
	gdb.Create(&[]models.IntegrationAccount{official, baileys, legacy, insta})
	gdb.Create(&models.IntegrationToken{IntegrationID: "i1", AccessToken: "shared"})

	tests := []struct {
		acct    models.IntegrationAccount
		channel string
		want    string
	}{
		{official, "whatsapp", models.ProviderWhatsAppOfficial},
		{baileys, "whatsapp", models.ProviderWhatsAppBaileys},
		{legacy, "whatsapp", models.ProviderWhatsAppUnofficial},
	}
	for _, tt := range tests {
		p, err := r.ForAccount(ctx, &tt.acct, tt.channel)
		if err != nil {
			t.Errorf("ForAccount(%s): %v", tt.acct.ID, err)
			continue
		}
		if p.Name() != tt.want {
			t.Errorf("ForAccount(%s).Name() = %q, want %q", tt.acct.ID, p.Name(), tt.want)
		}
	}

	if _, err := r.ForAccount(ctx, &insta, "instagram"); !errors.Is(err, ErrTokenMissing) {
		t.Errorf("instagram without token error = %v, want ErrTokenMissing", err)
	}
	gdb.Create(&models.IntegrationToken{IntegrationAccountID: "a4", AccessToken: "ig"})
	p, err := r.ForAccount(ctx, &insta, "instagram")
	if err != nil || p.Name() != models.ProviderInstagram {
		t.Errorf("instagram provider = %v, %v", p, err)
	}
}

func TestResolver_TokenPrefersAccount(t *testing.T) {
	gdb := dbtest.Open(t)
	r, _ := NewResolver(ResolverOpts{DB: gdb})
	acct := &models.IntegrationAccount{ID: "a1", IntegrationID: "i1"}
	gdb.Create(&models.IntegrationToken{IntegrationID: "i1", AccessToken: "integration"})
	gdb.Create(&models.IntegrationToken{IntegrationAccountID: "a1", AccessToken: "account"})

	tok, err := r.Token(context.Background(), acct)
	if err != nil || tok != "account" {
		t.Errorf("Token() = %q, %v; want account", tok, err)
	}
}

func TestResolver_AgentWithoutAccount(t *testing.T) {
	gdb := dbtest.Open(t)
	r, _ := NewResolver(ResolverOpts{DB: gdb})
	agent := &models.Agent{ID: "ag"}

	name, err := r.ProviderName(context.Background(), agent)
	if err != nil || name != models.ProviderWhatsAppOfficial {
		t.Errorf("ProviderName() = %q, %v", name, err)
	}
	if _, err := r.ForAgent(context.Background(), agent, "whatsapp"); !errors.Is(err, ErrNoAccount) {
		t.Errorf("ForAgent error = %v, want ErrNoAccount", err)
	}
}
