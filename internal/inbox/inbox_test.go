package inbox

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/agentdesk/internal/db/dbtest"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func strp(s string) *string { return &s }

func seedConversation(t *testing.T, db *gorm.DB) *models.Conversation {
	t.Helper()
	db.Create(&models.Lead{ID: "lead1", WorkspaceID: "ws", Phone: "5511000", WhatsAppWaID: strp("igsid-9")})
	db.Create(&models.Contact{ID: "ct1", WorkspaceID: "ws", Phone: "5511999", PipelineStageID: strp("st-contact")})
	conv := &models.Conversation{ID: "conv1", WorkspaceID: "ws", LeadID: strp("lead1"), Channel: "whatsapp"}
	if err := db.Create(conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestConversation_NotFound(t *testing.T) {
	db := dbtest.Open(t)
	if _, err := Conversation(db, "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("error = %v, want ErrConversationNotFound", err)
	}
}

func TestRecentMessages_OldestFirstAndLimited(t *testing.T) {
	db := dbtest.Open(t)
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, content := range []string{"a", "b", "c", "d"} {
		db.Create(&models.Message{WorkspaceID: "ws", ConversationID: "conv1", Author: models.AuthorContact, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	msgs, err := RecentMessages(db, "conv1", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Content != "b" || msgs[2].Content != "d" {
		t.Errorf("order = %s..%s, want b..d", msgs[0].Content, msgs[2].Content)
	}
}

func TestCreateAgentMessage(t *testing.T) {
	db := dbtest.Open(t)
	seedConversation(t, db)

	msg, err := CreateAgentMessage(db, "ws", "conv1", "Ola!", "", "wamid.9")
	if err != nil {
		t.Fatalf("CreateAgentMessage: %v", err)
	}
	if msg.Author != models.AuthorAgent || msg.Kind != models.KindText || *msg.ExternalID != "wamid.9" {
		t.Errorf("message = %+v", msg)
	}
	conv, _ := Conversation(db, "conv1")
	if conv.LastMessage != "Ola!" || conv.LastMessageAt == nil {
		t.Errorf("conversation last message = %q %v", conv.LastMessage, conv.LastMessageAt)
	}
}

func TestSetStatus(t *testing.T) {
	db := dbtest.Open(t)
	seedConversation(t, db)

	if err := SetStatus(db, "conv1", "resolvida"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	conv, _ := Conversation(db, "conv1")
	if conv.Status != "resolvida" {
		t.Errorf("Status = %q", conv.Status)
	}
	if err := SetStatus(db, "nope", "spam"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("error = %v", err)
	}
}

func TestResolvePhone(t *testing.T) {
	db := dbtest.Open(t)
	seedConversation(t, db)

	tests := []struct {
		name string
		conv models.Conversation
		want string
	}{
		{"lead only", models.Conversation{LeadID: strp("lead1"), Channel: "whatsapp"}, "5511000"},
		{"contact wins", models.Conversation{LeadID: strp("lead1"), ContactID: strp("ct1"), Channel: "whatsapp"}, "5511999"},
		{"instagram uses sender id", models.Conversation{LeadID: strp("lead1"), ContactID: strp("ct1"), Channel: "instagram"}, "igsid-9"},
		{"nothing", models.Conversation{Channel: "whatsapp"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePhone(db, &tt.conv)
			if err != nil {
				t.Fatalf("ResolvePhone: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolvePhone() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldPause(t *testing.T) {
	db := dbtest.Open(t)
	seedConversation(t, db)
	db.Create(&models.LeadTag{LeadID: "lead1", TagID: "tag-vip"})
	db.Create(&models.Deal{ID: "d1", WorkspaceID: "ws", ContactID: strp("ct1"), StageID: strp("st-deal")})

	human := []models.Message{{Author: models.AuthorContact}, {Author: models.AuthorTeam}}
	tests := []struct {
		name  string
		agent models.Agent
		conv  models.Conversation
		msgs  []models.Message
		want  string
	}{
		{"human mode", models.Agent{}, models.Conversation{HumanMode: true}, nil, PauseHumanMode},
		{"human replied", models.Agent{PauseOnHumanReply: true}, models.Conversation{}, human, PauseHumanReply},
		{"human replied but not configured", models.Agent{}, models.Conversation{}, human, ""},
		{"lead tag", models.Agent{PauseTags: datatypes.JSONSlice[string]{"tag-vip"}}, models.Conversation{LeadID: strp("lead1")}, nil, PauseTag},
		{"contact stage", models.Agent{PauseStages: datatypes.JSONSlice[string]{"st-contact"}}, models.Conversation{ContactID: strp("ct1")}, nil, PauseStage},
		{"deal stage", models.Agent{PauseStages: datatypes.JSONSlice[string]{"st-deal"}}, models.Conversation{ContactID: strp("ct1")}, nil, PauseStage},
		{"stage without contact", models.Agent{PauseStages: datatypes.JSONSlice[string]{"st-deal"}}, models.Conversation{LeadID: strp("lead1")}, nil, ""},
		{"no triggers", models.Agent{PauseTags: datatypes.JSONSlice[string]{"other"}}, models.Conversation{LeadID: strp("lead1")}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paused, reason, err := ShouldPause(db, &tt.agent, &tt.conv, tt.msgs)
			if err != nil {
				t.Fatalf("ShouldPause: %v", err)
			}
			if paused != (tt.want != "") || reason != tt.want {
				t.Errorf("ShouldPause() = %v, %q; want %q", paused, reason, tt.want)
			}
		})
	}
}

func TestSaveState_KeepsFollowupColumns(t *testing.T) {
	db := dbtest.Open(t)
	conv := seedConversation(t, db)
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	db.Create(&models.AgentConversationState{AgentID: "ag", ConversationID: conv.ID, FollowupStep: 2})

	msgs := []models.Message{
		{Author: models.AuthorContact, CreatedAt: at},
		{Author: models.AuthorAgent, CreatedAt: at.Add(time.Minute)},
	}
	if err := SaveState(db, "ag", conv, msgs, true, "no_credits", "pt"); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	st, err := State(db, "ag", conv.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.FollowupStep != 2 {
		t.Errorf("FollowupStep = %d, want 2", st.FollowupStep)
	}
	if !st.Paused || st.PausedReason != "no_credits" || st.DetectedLanguage != "pt" {
		t.Errorf("state = %+v", st)
	}
	if st.LastContactAt == nil || !st.LastContactAt.Equal(at) {
		t.Errorf("LastContactAt = %v, want %v", st.LastContactAt, at)
	}
	if st.LastHumanAt != nil {
		t.Errorf("LastHumanAt = %v, want nil", st.LastHumanAt)
	}
}

func TestState_MissingRowIsZero(t *testing.T) {
	db := dbtest.Open(t)
	st, err := State(db, "ag", "conv")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.FollowupStep != 0 || st.AgentID != "ag" {
		t.Errorf("state = %+v", st)
	}
}

func TestLastByAuthor(t *testing.T) {
	msgs := []models.Message{{ID: "1", Author: "contato"}, {ID: "2", Author: "agente"}, {ID: "3", Author: "contato"}}
	if got := LastByAuthor(msgs, "contato"); got == nil || got.ID != "3" {
		t.Errorf("LastByAuthor = %v", got)
	}
	if got := LastByAuthor(msgs, "equipe"); got != nil {
		t.Errorf("LastByAuthor(equipe) = %v, want nil", got)
	}
}
