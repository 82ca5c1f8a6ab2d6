// Package inbox reads and writes conversations, messages and the
// per-agent conversation state.
package inbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/agentdesk/internal/crm"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryLimit is how many recent messages an agent run sees.
const HistoryLimit = 150

// ErrConversationNotFound is returned when a conversation id does not exist.
var ErrConversationNotFound = errors.New("inbox: conversation not found")

// Pause reasons, in evaluation order.
const (
	PauseHumanMode  = "modo_atendimento_humano"
	PauseHumanReply = "humano_respondeu"
	PauseTag        = "tag_pause"
	PauseStage      = "stage_pause"
)

// Conversation loads a conversation by id.
func Conversation(db *gorm.DB, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := db.First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("inbox: load conversation %s: %w", id, err)
	}
	return &c, nil
}

// RecentMessages returns up to limit latest messages, oldest first.
func RecentMessages(db *gorm.DB, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = HistoryLimit
	}
	var msgs []models.Message
	err := db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("inbox: load messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LastByAuthor returns the newest message by author, or nil.
func LastByAuthor(msgs []models.Message, author string) *models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Author == author {
			return &msgs[i]
		}
	}
	return nil
}

// CreateAgentMessage records an outbound agent message and refreshes the
// conversation's last-message fields.
func CreateAgentMessage(db *gorm.DB, workspaceID, conversationID, content, kind, externalID string) (*models.Message, error) {
	if kind == "" {
		kind = models.KindText
	}
	now := time.Now().UTC()
	msg := models.Message{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Author:         models.AuthorAgent,
		Kind:           kind,
		Content:        content,
		CreatedAt:      now,
	}
	if externalID != "" {
		msg.ExternalID = &externalID
	}
	if err := db.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("inbox: create agent message: %w", err)
	}
	if err := touch(db, conversationID, content, now); err != nil {
		return &msg, err
	}
	return &msg, nil
}

func touch(db *gorm.DB, conversationID, content string, at time.Time) error {
	err := db.Model(&models.Conversation{}).Where("id = ?", conversationID).
		Updates(map[string]interface{}{"last_message": content, "last_message_at": at}).Error
	if err != nil {
		return fmt.Errorf("inbox: update conversation %s: %w", conversationID, err)
	}
	return nil
}

// SetStatus changes a conversation's status.
func SetStatus(db *gorm.DB, conversationID, status string) error {
	res := db.Model(&models.Conversation{}).Where("id = ?", conversationID).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("inbox: set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return nil
}

// ResolvePhone returns the address replies go to: the Instagram sender id
// for Instagram conversations, else the contact's phone, else the lead's.
func ResolvePhone(db *gorm.DB, conv *models.Conversation) (string, error) {
	if conv.Channel == models.ChannelInstagram {
		if conv.LeadID == nil {
			return "", nil
		}
		var lead models.Lead
		if err := firstOrNil(db, &lead, *conv.LeadID); err != nil || lead.ID == "" {
			return "", err
		}
		if lead.WhatsAppWaID != nil && *lead.WhatsAppWaID != "" {
			return *lead.WhatsAppWaID, nil
		}
		return lead.Phone, nil
	}
	if conv.ContactID != nil && *conv.ContactID != "" {
		var c models.Contact
		if err := firstOrNil(db, &c, *conv.ContactID); err != nil {
			return "", err
		}
		return c.Phone, nil
	}
	if conv.LeadID != nil && *conv.LeadID != "" {
		var lead models.Lead
		if err := firstOrNil(db, &lead, *conv.LeadID); err != nil {
			return "", err
		}
		return lead.Phone, nil
	}
	return "", nil
}

func firstOrNil(db *gorm.DB, dst interface{}, id string) error {
	err := db.First(dst, "id = ?", id).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("inbox: load %T %s: %w", dst, id, err)
	}
	return nil
}

// ShouldPause evaluates the agent's pause triggers against a conversation.
// The stage trigger matches the contact's stage or the stage of any of its deals.
func ShouldPause(db *gorm.DB, agent *models.Agent, conv *models.Conversation, msgs []models.Message) (bool, string, error) {
	if conv.HumanMode {
		return true, PauseHumanMode, nil
	}
	if agent.PauseOnHumanReply && len(msgs) > 0 && msgs[len(msgs)-1].Author == models.AuthorTeam {
		return true, PauseHumanReply, nil
	}

	if len(agent.PauseTags) > 0 {
		var tags []string
		if conv.ContactID != nil {
			ids, err := crm.ContactTagIDs(db, *conv.ContactID)
			if err != nil {
				return false, "", err
			}
			tags = append(tags, ids...)
		}
		if conv.LeadID != nil {
			ids, err := crm.LeadTagIDs(db, *conv.LeadID)
			if err != nil {
				return false, "", err
			}
			tags = append(tags, ids...)
		}
		if intersects(tags, agent.PauseTags) {
			return true, PauseTag, nil
		}
	}

	if len(agent.PauseStages) > 0 && conv.ContactID != nil {
		var stages []string
		var contact models.Contact
		if err := firstOrNil(db, &contact, *conv.ContactID); err != nil {
			return false, "", err
		}
		if contact.PipelineStageID != nil {
			stages = append(stages, *contact.PipelineStageID)
		}
		var dealStages []string
		if err := db.Model(&models.Deal{}).
			Where("contact_id = ? AND stage_id IS NOT NULL", *conv.ContactID).
			Pluck("stage_id", &dealStages).Error; err != nil {
			return false, "", fmt.Errorf("inbox: load deal stages: %w", err)
		}
		stages = append(stages, dealStages...)
		if intersects(stages, agent.PauseStages) {
			return true, PauseStage, nil
		}
	}
	return false, "", nil
}

func intersects(have, want []string) bool {
	set := make(map[string]bool, len(want))
	for _, w := range want {
		set[w] = true
	}
	for _, h := range have {
		if set[h] {
			return true
		}
	}
	return false
}

// SaveState upserts the agent's bookkeeping row for a conversation from
// its messages. The follow-up columns are never touched here.
func SaveState(db *gorm.DB, agentID string, conv *models.Conversation, msgs []models.Message, paused bool, reason, language string) error {
	state := models.AgentConversationState{
		AgentID:          agentID,
		ConversationID:   conv.ID,
		WorkspaceID:      conv.WorkspaceID,
		DetectedLanguage: language,
		Paused:           paused,
		PausedReason:     reason,
		LastContactAt:    createdAt(LastByAuthor(msgs, models.AuthorContact)),
		LastAgentAt:      createdAt(LastByAuthor(msgs, models.AuthorAgent)),
		LastHumanAt:      createdAt(LastByAuthor(msgs, models.AuthorTeam)),
		UpdatedAt:        time.Now().UTC(),
	}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}, {Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"workspace_id", "detected_language", "paused", "paused_reason",
			"last_contact_at", "last_agent_at", "last_human_at", "updated_at",
		}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("inbox: save state: %w", err)
	}
	return nil
}

// State loads the bookkeeping row, returning a zero row when none exists.
func State(db *gorm.DB, agentID, conversationID string) (*models.AgentConversationState, error) {
	var s models.AgentConversationState
	err := db.Where("agent_id = ? AND conversation_id = ?", agentID, conversationID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.AgentConversationState{AgentID: agentID, ConversationID: conversationID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: load state: %w", err)
	}
	return &s, nil
}

func createdAt(m *models.Message) *time.Time {
	if m == nil {
		return nil
	}
	t := m.CreatedAt
	return &t
}
