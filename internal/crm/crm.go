// Package crm provides lead, contact, deal, tag and custom-field operations
// used by ingestion and by agent tools.
package crm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entity types accepted by tag and custom-field operations.
const (
	EntityLead    = "lead"
	EntityContact = "contact"
	EntityDeal    = "deal"
)

// ErrUnsupportedEntity is returned for an entity type an operation cannot handle.
var ErrUnsupportedEntity = errors.New("crm: unsupported entity type")

// LeadOpts holds parameters for creating a lead.
type LeadOpts struct {
	WorkspaceID string
	Name        string
	Phone       string
	Email       string
	Source      string // whatsapp, instagram
	OwnerID     string
	WaID        string // provider sender id; enables upsert
}

// CreateLead inserts a lead with status novo. When WaID is set the lead is
// upserted on (workspace_id, whatsapp_wa_id) and the stored row is returned.
func CreateLead(db *gorm.DB, opts LeadOpts) (*models.Lead, error) {
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("crm: workspace id is required")
	}
	if opts.Source == "" {
		opts.Source = models.ChannelWhatsApp
	}
	lead := models.Lead{
		WorkspaceID: opts.WorkspaceID,
		Name:        opts.Name,
		Phone:       opts.Phone,
		Email:       opts.Email,
		Source:      opts.Source,
		Status:      "novo",
		OwnerID:     optional(opts.OwnerID),
	}
	if opts.WaID == "" {
		if err := db.Create(&lead).Error; err != nil {
			return nil, fmt.Errorf("crm: create lead: %w", err)
		}
		return &lead, nil
	}

	lead.WhatsAppWaID = &opts.WaID
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "whatsapp_wa_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "phone", "updated_at"}),
	}).Create(&lead).Error
	if err != nil {
		return nil, fmt.Errorf("crm: upsert lead: %w", err)
	}
	var stored models.Lead
	if err := db.Where("workspace_id = ? AND whatsapp_wa_id = ?", opts.WorkspaceID, opts.WaID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("crm: reload lead: %w", err)
	}
	return &stored, nil
}

// ContactOpts holds parameters for creating a contact.
type ContactOpts struct {
	WorkspaceID     string
	Name            string
	Phone           string
	Email           string
	OwnerID         string
	PipelineID      string
	PipelineStageID string
}

// CreateContact inserts a contact with status novo.
func CreateContact(db *gorm.DB, opts ContactOpts) (*models.Contact, error) {
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("crm: workspace id is required")
	}
	c := models.Contact{
		WorkspaceID:     opts.WorkspaceID,
		Name:            opts.Name,
		Phone:           opts.Phone,
		Email:           opts.Email,
		Status:          "novo",
		OwnerID:         optional(opts.OwnerID),
		PipelineID:      optional(opts.PipelineID),
		PipelineStageID: optional(opts.PipelineStageID),
	}
	if err := db.Create(&c).Error; err != nil {
		return nil, fmt.Errorf("crm: create contact: %w", err)
	}
	return &c, nil
}

// DealOpts holds parameters for creating a deal.
type DealOpts struct {
	WorkspaceID string
	ContactID   string
	PipelineID  string
	StageID     string
	Title       string
	Value       *float64
	Currency    string
	Origin      string
}

// CreateDeal inserts a deal. Currency defaults to BRL.
func CreateDeal(db *gorm.DB, opts DealOpts) (*models.Deal, error) {
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("crm: workspace id is required")
	}
	if opts.Currency == "" {
		opts.Currency = "BRL"
	}
	d := models.Deal{
		WorkspaceID: opts.WorkspaceID,
		ContactID:   optional(opts.ContactID),
		PipelineID:  optional(opts.PipelineID),
		StageID:     optional(opts.StageID),
		Title:       opts.Title,
		Value:       opts.Value,
		Currency:    opts.Currency,
		Origin:      opts.Origin,
	}
	if err := db.Create(&d).Error; err != nil {
		return nil, fmt.Errorf("crm: create deal: %w", err)
	}
	return &d, nil
}

// Editable fields per entity, keyed by the names the agent tools use.
var (
	leadFields = map[string]string{
		"nome": "name", "telefone": "phone", "email": "email",
		"status": "status", "canal_origem": "source", "owner_id": "owner_id",
	}
	contactFields = map[string]string{
		"nome": "name", "telefone": "phone", "email": "email", "status": "status",
		"owner_id": "owner_id", "pipeline_id": "pipeline_id", "pipeline_stage_id": "pipeline_stage_id",
	}
	dealFields = map[string]string{
		"titulo": "title", "valor": "value", "moeda": "currency", "origem": "origin",
		"pipeline_id": "pipeline_id", "stage_id": "stage_id", "contact_id": "contact_id",
	}
)

// UpdateLead applies values to a lead.
func UpdateLead(db *gorm.DB, id string, values map[string]interface{}) error {
	return update(db, &models.Lead{}, "lead", id, leadFields, values)
}

// UpdateContact applies values to a contact.
func UpdateContact(db *gorm.DB, id string, values map[string]interface{}) error {
	return update(db, &models.Contact{}, "contact", id, contactFields, values)
}

// UpdateDeal applies values to a deal.
func UpdateDeal(db *gorm.DB, id string, values map[string]interface{}) error {
	return update(db, &models.Deal{}, "deal", id, dealFields, values)
}

// MoveDealStage sets the stage of a deal.
func MoveDealStage(db *gorm.DB, dealID, stageID string) error {
	return UpdateDeal(db, dealID, map[string]interface{}{"stage_id": stageID})
}

// update maps tool field names onto columns, rejecting unknown names so a
// model cannot write arbitrary columns.
func update(db *gorm.DB, model interface{}, entity, id string, allowed map[string]string, values map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("crm: %s id is required", entity)
	}
	if len(values) == 0 {
		return fmt.Errorf("crm: no values to update on %s %s", entity, id)
	}
	cols := make(map[string]interface{}, len(values))
	var unknown []string
	for k, v := range values {
		col, ok := allowed[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		cols[col] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("crm: unknown %s fields: %v", entity, unknown)
	}
	res := db.Model(model).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("crm: update %s %s: %w", entity, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("crm: %s not found: %s", entity, id)
	}
	return nil
}

// ApplyTag links a tag to a lead or contact. Applying an existing link is a no-op.
func ApplyTag(db *gorm.DB, entity, entityID, tagID, workspaceID string) error {
	var row interface{}
	switch entity {
	case EntityLead:
		row = &models.LeadTag{WorkspaceID: workspaceID, LeadID: entityID, TagID: tagID}
	case EntityContact:
		row = &models.ContactTag{WorkspaceID: workspaceID, ContactID: entityID, TagID: tagID}
	default:
		return fmt.Errorf("%w for tags: %q", ErrUnsupportedEntity, entity)
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return fmt.Errorf("crm: apply tag %s to %s %s: %w", tagID, entity, entityID, err)
	}
	return nil
}

// LeadTagIDs returns the tag ids linked to a lead.
func LeadTagIDs(db *gorm.DB, leadID string) ([]string, error) {
	var ids []string
	if err := db.Model(&models.LeadTag{}).Where("lead_id = ?", leadID).Pluck("tag_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("crm: lead tags: %w", err)
	}
	return ids, nil
}

// ContactTagIDs returns the tag ids linked to a contact.
func ContactTagIDs(db *gorm.DB, contactID string) ([]string, error) {
	var ids []string
	if err := db.Model(&models.ContactTag{}).Where("contact_id = ?", contactID).Pluck("tag_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("crm: contact tags: %w", err)
	}
	return ids, nil
}

// SetCustomFieldValue upserts the value of a custom field on a lead or deal.
func SetCustomFieldValue(db *gorm.DB, entity, entityID, fieldID, workspaceID string, value map[string]interface{}) error {
	if entity != EntityLead && entity != EntityDeal {
		return fmt.Errorf("%w for custom fields: %q", ErrUnsupportedEntity, entity)
	}
	row := models.CustomFieldValue{
		WorkspaceID: workspaceID,
		Entity:      entity,
		EntityID:    entityID,
		FieldID:     fieldID,
		Value:       value,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity"}, {Name: "entity_id"}, {Name: "field_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("crm: set custom field %s: %w", fieldID, err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
