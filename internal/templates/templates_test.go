package templates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/config"
	"github.com/zulandar/agentdesk/internal/db/dbtest"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

func graphServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/v19.0/WABA1/message_templates":
			if got := r.URL.Query().Get("fields"); got != "name,category,language,status" {
				t.Errorf("fields = %q", got)
			}
			w.Write([]byte(`{"data":[
				{"name":"boas_vindas","category":"MARKETING","language":"pt_BR","status":"APPROVED"},
				{"name":"lembrete","category":"UTILITY","language":"pt_BR","status":"PENDING"},
				{"name":"","category":"UTILITY","language":"pt_BR","status":"APPROVED"}
			],"paging":{"next":"` + srv.URL + `/page2"}}`))
		case "/page2":
			w.Write([]byte(`{"data":[
				{"name":"boas_vindas","category":"MARKETING","language":"pt_BR","status":"REJECTED"},
				{"name":"boas_vindas","category":"MARKETING","language":"en_US","status":"APPROVED"}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSyncer(t *testing.T, gdb *gorm.DB, graphURL string) *Syncer {
	t.Helper()
	r, err := channel.NewResolver(channel.ResolverOpts{
		DB:       gdb,
		WhatsApp: config.WhatsAppConfig{GraphURL: graphURL, APIVersion: "v19.0"},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return NewSyncer(gdb, r)
}

func seedAccounts(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	rows := []interface{}{
		&models.Workspace{ID: "ws1"},
		&models.IntegrationAccount{ID: "acc1", WorkspaceID: "ws1", IntegrationID: "int1", PhoneNumberID: "PN1", WabaID: "WABA1"},
		&models.IntegrationAccount{ID: "acc2", WorkspaceID: "ws1", Provider: models.ProviderWhatsAppBaileys, WabaID: "WABA2"},
		&models.IntegrationToken{IntegrationID: "int1", AccessToken: "tok"},
		&models.WhatsAppTemplate{WorkspaceID: "ws1", Name: "stale", Language: "pt_BR", Status: "APPROVED"},
	}
	for _, r := range rows {
		if err := gdb.Create(r).Error; err != nil {
			t.Fatalf("seed %T: %v", r, err)
		}
	}
}

func TestSync_PagesDedupesAndReplaces(t *testing.T) {
	gdb := dbtest.Open(t)
	seedAccounts(t, gdb)
	srv := graphServer(t)
	s := newSyncer(t, gdb, srv.URL)

	res, err := s.Sync(context.Background(), "ws1", "")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != StatusOK || res.Templates != 3 {
		t.Errorf("result = %+v, want ok with 3 templates", res)
	}

	var got []models.WhatsAppTemplate
	gdb.Where("workspace_id = ?", "ws1").Find(&got)
	if len(got) != 3 {
		t.Fatalf("stored templates = %d, want 3", len(got))
	}
	byKey := map[string]models.WhatsAppTemplate{}
	for _, tpl := range got {
		byKey[tpl.Name+"::"+tpl.Language] = tpl
	}
	if _, ok := byKey["stale::pt_BR"]; ok {
		t.Error("stale template survived the sync")
	}
	if tpl := byKey["boas_vindas::pt_BR"]; tpl.Status != "REJECTED" {
		t.Errorf("boas_vindas pt_BR status = %q, want the later REJECTED", tpl.Status)
	}
	if tpl := byKey["boas_vindas::en_US"]; tpl.IntegrationAccountID != "acc1" {
		t.Errorf("account = %q, want acc1", tpl.IntegrationAccountID)
	}
}

func TestSync_Statuses(t *testing.T) {
	gdb := dbtest.Open(t)
	s := newSyncer(t, gdb, "http://unused")
	ctx := context.Background()

	if res, _ := s.Sync(ctx, "", ""); res.Status != StatusBlocked {
		t.Errorf("empty workspace status = %q, want blocked", res.Status)
	}

	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gdb.Create(&models.Workspace{ID: "expired", TrialEndsAt: &past})
	s.SetClock(func() time.Time { return past.AddDate(0, 1, 0) })
	if res, _ := s.Sync(ctx, "expired", ""); res.Status != StatusBlocked {
		t.Errorf("expired status = %q, want blocked", res.Status)
	}

	gdb.Create(&models.Workspace{ID: "empty"})
	res, err := s.Sync(ctx, "empty", "")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != StatusNoAccounts {
		t.Errorf("status = %q, want no_accounts", res.Status)
	}
}

func TestSyncAll(t *testing.T) {
	gdb := dbtest.Open(t)
	seedAccounts(t, gdb)
	srv := graphServer(t)
	s := newSyncer(t, gdb, srv.URL)

	results, err := s.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(results) != 1 || results["ws1"] == nil || results["ws1"].Templates != 3 {
		t.Errorf("results = %+v, want ws1 with 3 templates", results)
	}
}

func TestBest(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		tpls  []models.WhatsAppTemplate
		want  string
		isNil bool
	}{
		{"none approved", []models.WhatsAppTemplate{{Name: "a", Status: "PENDING", Category: "UTILITY"}}, "", true},
		{"priority wins", []models.WhatsAppTemplate{
			{Name: "promo", Status: "APPROVED", Category: "MARKETING"},
			{Name: "auth", Status: "approved", Category: "AUTHENTICATION"},
			{Name: "util", Status: "APPROVED", Category: "utility"},
		}, "util", false},
		{"unknown category falls back to first approved", []models.WhatsAppTemplate{
			{Name: "x", Status: "REJECTED", Category: "UTILITY"},
			{Name: "first", Status: "APPROVED", Category: "OTHER"},
			{Name: "second", Status: "APPROVED", Category: "OTHER"},
		}, "first", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gdb := dbtest.Open(t)
			for i, tpl := range tt.tpls {
				tpl.WorkspaceID = "ws1"
				tpl.Language = "pt_BR"
				tpl.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				if err := gdb.Create(&tpl).Error; err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			got, err := Best(gdb, "ws1")
			if err != nil {
				t.Fatalf("Best: %v", err)
			}
			if tt.isNil {
				if got != nil {
					t.Errorf("Best = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.Name != tt.want {
				t.Errorf("Best = %+v, want %s", got, tt.want)
			}
		})
	}
}
