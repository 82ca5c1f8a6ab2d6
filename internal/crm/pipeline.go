package crm

import (
	"errors"
	"fmt"

	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

// PipelineDefaults returns the pipeline and initial stage new contacts and
// deals land in: the agent's own settings, else the workspace's oldest
// pipeline and its first stage. Empty strings mean none exists.
func PipelineDefaults(db *gorm.DB, agent *models.Agent) (pipelineID, stageID string, err error) {
	if agent.PipelineID != nil {
		pipelineID = *agent.PipelineID
	}
	if agent.InitialStageID != nil {
		stageID = *agent.InitialStageID
	}

	if pipelineID == "" {
		var p models.Pipeline
		err := db.Where("workspace_id = ?", agent.WorkspaceID).Order("created_at ASC").First(&p).Error
		switch {
		case err == nil:
			pipelineID = p.ID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return "", "", fmt.Errorf("crm: default pipeline: %w", err)
		}
	}
	if pipelineID != "" && stageID == "" {
		var s models.PipelineStage
		err := db.Where("pipeline_id = ?", pipelineID).Order("ordem ASC").First(&s).Error
		switch {
		case err == nil:
			stageID = s.ID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return "", "", fmt.Errorf("crm: default stage: %w", err)
		}
	}
	return pipelineID, stageID, nil
}

// EnsureContactAndDeal promotes the lead of a conversation to a contact,
// reusing a contact with the same phone, then the same email, before
// creating one. The conversation and lead are linked to the contact, and a
// deal in the default pipeline is created when the contact has none there.
// converted reports whether the lead was newly linked to a contact.
func EnsureContactAndDeal(db *gorm.DB, conv *models.Conversation, pipelineID, stageID string) (converted bool, err error) {
	if conv.LeadID == nil || *conv.LeadID == "" {
		return false, nil
	}
	var lead models.Lead
	if err := db.First(&lead, "id = ?", *conv.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("crm: load lead: %w", err)
	}

	contactID := deref(conv.ContactID)
	if contactID == "" {
		contactID = deref(lead.ContactID)
	}
	if contactID == "" {
		contactID, err = findContact(db, conv.WorkspaceID, lead.Phone, lead.Email)
		if err != nil {
			return false, err
		}
	}
	if contactID == "" {
		c, err := CreateContact(db, ContactOpts{
			WorkspaceID:     conv.WorkspaceID,
			Name:            lead.Name,
			Phone:           lead.Phone,
			Email:           lead.Email,
			PipelineID:      pipelineID,
			PipelineStageID: stageID,
		})
		if err != nil {
			return false, err
		}
		contactID = c.ID
	}

	if deref(lead.ContactID) != contactID {
		if err := db.Model(&models.Lead{}).Where("id = ?", lead.ID).Update("contact_id", contactID).Error; err != nil {
			return false, fmt.Errorf("crm: link lead: %w", err)
		}
		converted = true
	}
	if deref(conv.ContactID) != contactID {
		if err := db.Model(&models.Conversation{}).Where("id = ?", conv.ID).Update("contact_id", contactID).Error; err != nil {
			return converted, fmt.Errorf("crm: link conversation: %w", err)
		}
		conv.ContactID = &contactID
	}

	if pipelineID == "" {
		return converted, nil
	}
	var n int64
	if err := db.Model(&models.Deal{}).Where("contact_id = ? AND pipeline_id = ?", contactID, pipelineID).Count(&n).Error; err != nil {
		return converted, fmt.Errorf("crm: check deal: %w", err)
	}
	if n == 0 {
		if _, err := CreateDeal(db, DealOpts{
			WorkspaceID: conv.WorkspaceID,
			ContactID:   contactID,
			PipelineID:  pipelineID,
			StageID:     stageID,
		}); err != nil {
			return converted, err
		}
	}
	return converted, nil
}

func findContact(db *gorm.DB, workspaceID, phone, email string) (string, error) {
	for _, q := range []struct{ col, val string }{{"phone", phone}, {"email", email}} {
		if q.val == "" {
			continue
		}
		var ids []string
		if err := db.Model(&models.Contact{}).
			Where("workspace_id = ? AND "+q.col+" = ?", workspaceID, q.val).
			Limit(1).Pluck("id", &ids).Error; err != nil {
			return "", fmt.Errorf("crm: find contact by %s: %w", q.col, err)
		}
		if len(ids) > 0 {
			return ids[0], nil
		}
	}
	return "", nil
}

// Lookup is an id/name pair listed in the agent prompt.
type Lookup struct {
	ID   string
	Name string
}

// WorkspaceContext is the CRM vocabulary an agent may refer to.
type WorkspaceContext struct {
	Tags       []Lookup
	Pipelines  []Lookup
	Stages     []Lookup
	LeadFields []Lookup
	DealFields []Lookup
}

// LoadWorkspaceContext reads tags, pipelines, the stages of pipelineID and
// the custom fields not blocked for the agent.
func LoadWorkspaceContext(db *gorm.DB, agent *models.Agent, pipelineID string) (*WorkspaceContext, error) {
	ws := &WorkspaceContext{}

	var tags []models.Tag
	if err := db.Where("workspace_id = ?", agent.WorkspaceID).Order("name").Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("crm: load tags: %w", err)
	}
	for _, t := range tags {
		ws.Tags = append(ws.Tags, Lookup{ID: t.ID, Name: t.Name})
	}

	var pipelines []models.Pipeline
	if err := db.Where("workspace_id = ?", agent.WorkspaceID).Order("created_at").Find(&pipelines).Error; err != nil {
		return nil, fmt.Errorf("crm: load pipelines: %w", err)
	}
	for _, p := range pipelines {
		ws.Pipelines = append(ws.Pipelines, Lookup{ID: p.ID, Name: p.Name})
	}

	if pipelineID != "" {
		var stages []models.PipelineStage
		if err := db.Where("pipeline_id = ?", pipelineID).Order("ordem ASC").Find(&stages).Error; err != nil {
			return nil, fmt.Errorf("crm: load stages: %w", err)
		}
		for _, s := range stages {
			ws.Stages = append(ws.Stages, Lookup{ID: s.ID, Name: s.Name})
		}
	}

	blocked := make(map[string]bool, len(agent.BlockedFields))
	for _, id := range agent.BlockedFields {
		blocked[id] = true
	}
	var fields []models.CustomField
	if err := db.Where("workspace_id = ?", agent.WorkspaceID).Order("name").Find(&fields).Error; err != nil {
		return nil, fmt.Errorf("crm: load custom fields: %w", err)
	}
	for _, f := range fields {
		if blocked[f.ID] {
			continue
		}
		switch f.Entity {
		case EntityLead:
			ws.LeadFields = append(ws.LeadFields, Lookup{ID: f.ID, Name: f.Name})
		case EntityDeal:
			ws.DealFields = append(ws.DealFields, Lookup{ID: f.ID, Name: f.Name})
		}
	}
	return ws, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
