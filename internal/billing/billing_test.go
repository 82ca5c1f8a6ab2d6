package billing

import (
	"testing"
	"time"

	"github.com/zulandar/agentdesk/internal/db/dbtest"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
)

func TestWorkspaceActive(t *testing.T) {
	db := dbtest.Open(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	db.Create(&models.Workspace{ID: "paid"})
	db.Create(&models.Workspace{ID: "expired", TrialEndsAt: &past})
	db.Create(&models.Workspace{ID: "trial", TrialEndsAt: &future})

	tests := map[string]bool{"paid": true, "expired": false, "trial": true, "": false}
	for id, want := range tests {
		got, err := WorkspaceActive(db, id, now)
		if err != nil {
			t.Fatalf("WorkspaceActive(%q): %v", id, err)
		}
		if got != want {
			t.Errorf("WorkspaceActive(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestHasConsent(t *testing.T) {
	db := dbtest.Open(t)
	db.Create(&models.AgentConsent{AgentID: "yes"})

	if ok, _ := HasConsent(db, "yes"); !ok {
		t.Error("HasConsent(yes) = false")
	}
	if ok, _ := HasConsent(db, "no"); ok {
		t.Error("HasConsent(no) = true")
	}
}

func TestRemaining(t *testing.T) {
	db := dbtest.Open(t)
	db.Create(&models.WorkspaceCredits{WorkspaceID: "ws", CreditsTotal: 10, CreditsUsed: 4})
	db.Create(&models.WorkspaceCredits{WorkspaceID: "over", CreditsTotal: 1, CreditsUsed: 5})

	tests := map[string]int{"ws": 6, "over": 0, "none": 0}
	for id, want := range tests {
		got, err := Remaining(db, id)
		if err != nil {
			t.Fatalf("Remaining(%q): %v", id, err)
		}
		if got != want {
			t.Errorf("Remaining(%q) = %d, want %d", id, got, want)
		}
	}
}

func TestConsume(t *testing.T) {
	db := dbtest.Open(t)
	db.Create(&models.WorkspaceCredits{WorkspaceID: "ws", CreditsTotal: 2})

	for i := 0; i < 2; i++ {
		if err := Consume(db, ConsumeOpts{WorkspaceID: "ws", AgentID: "ag", ConversationID: "c1", Credits: 1}); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}
	if left, _ := Remaining(db, "ws"); left != 0 {
		t.Errorf("Remaining = %d, want 0", left)
	}

	var events []models.CreditEvent
	db.Find(&events)
	if len(events) != 2 || events[0].Direction != "debit" || *events[0].AgentID != "ag" {
		t.Errorf("events = %+v", events)
	}

	row, _ := metrics.Today(db, "ag")
	if row.MessagesSent != 2 || row.CreditsConsumed != 2 {
		t.Errorf("daily metrics = %+v", row)
	}
}

func TestConsume_RequiresWorkspace(t *testing.T) {
	db := dbtest.Open(t)
	if err := Consume(db, ConsumeOpts{}); err == nil {
		t.Error("expected error without workspace")
	}
}
