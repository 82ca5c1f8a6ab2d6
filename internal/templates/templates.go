// Package templates mirrors the approved WhatsApp message templates of each
// workspace and picks the one to use when the reply window has closed.
package templates

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/agentdesk/internal/billing"
	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

// Sync statuses.
const (
	StatusOK         = "ok"
	StatusBlocked    = "blocked"
	StatusNoAccounts = "no_accounts"
)

// CategoryPriority orders template categories from most to least preferred.
var CategoryPriority = []string{"utility", "transactional", "authentication", "marketing", "service"}

// Result reports the outcome of a sync.
type Result struct {
	Status    string `json:"status"`
	Templates int    `json:"templates"`
}

// Syncer pulls templates from the Graph API.
type Syncer struct {
	db       *gorm.DB
	resolver *channel.Resolver
	now      func() time.Time
}

// NewSyncer returns a Syncer.
func NewSyncer(db *gorm.DB, resolver *channel.Resolver) *Syncer {
	return &Syncer{db: db, resolver: resolver, now: time.Now}
}

// SetClock replaces the syncer clock.
func (s *Syncer) SetClock(now func() time.Time) { s.now = now }

type graphTemplate struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Language string `json:"language"`
	Status   string `json:"status"`
}

type graphPage struct {
	Data   []graphTemplate `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// list follows the paging links of {wabaID}/message_templates.
func list(ctx context.Context, g *channel.Graph, wabaID string) ([]graphTemplate, error) {
	var out []graphTemplate
	var page graphPage
	q := url.Values{"fields": {"name,category,language,status"}}
	if err := g.Get(ctx, wabaID+"/message_templates", q, &page); err != nil {
		return nil, err
	}
	for {
		for _, t := range page.Data {
			if t.Name != "" && t.Language != "" {
				out = append(out, t)
			}
		}
		next := page.Paging.Next
		if next == "" {
			return out, nil
		}
		page = graphPage{}
		if err := g.GetURL(ctx, next, &page); err != nil {
			return nil, err
		}
	}
}

// Sync replaces the workspace's templates with those of its official
// WhatsApp accounts, optionally limited to one account. Templates are
// deduplicated by name and language, the last account seen winning.
func (s *Syncer) Sync(ctx context.Context, workspaceID, accountID string) (*Result, error) {
	db := s.db.WithContext(ctx)
	active, err := billing.WorkspaceActive(db, workspaceID, s.now())
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	if !active {
		return &Result{Status: StatusBlocked}, nil
	}

	q := db.Where("workspace_id = ? AND (channel = ? OR channel = '')", workspaceID, models.ChannelWhatsApp)
	if accountID != "" {
		q = q.Where("id = ?", accountID)
	}
	var accounts []models.IntegrationAccount
	if err := q.Order("created_at asc").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("templates: load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return &Result{Status: StatusNoAccounts}, nil
	}

	var order []string
	byKey := make(map[string]models.WhatsAppTemplate)
	for i := range accounts {
		acct := &accounts[i]
		if acct.ProviderOrDefault() != models.ProviderWhatsAppOfficial || acct.WabaID == "" {
			continue
		}
		token, err := s.resolver.Token(ctx, acct)
		if errors.Is(err, channel.ErrTokenMissing) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("templates: %w", err)
		}
		items, err := list(ctx, s.resolver.Graph(token), acct.WabaID)
		if err != nil {
			return nil, fmt.Errorf("templates: list %s: %w", acct.WabaID, err)
		}
		for _, t := range items {
			key := t.Name + "::" + t.Language
			if _, seen := byKey[key]; !seen {
				order = append(order, key)
			}
			byKey[key] = models.WhatsAppTemplate{
				WorkspaceID:          workspaceID,
				IntegrationAccountID: acct.ID,
				Name:                 t.Name,
				Category:             t.Category,
				Language:             t.Language,
				Status:               t.Status,
			}
		}
	}

	rows := make([]models.WhatsAppTemplate, 0, len(order))
	for _, k := range order {
		rows = append(rows, byKey[k])
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workspace_id = ?", workspaceID).Delete(&models.WhatsAppTemplate{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("templates: replace %s: %w", workspaceID, err)
	}
	return &Result{Status: StatusOK, Templates: len(rows)}, nil
}

// SyncAll syncs every workspace that has an official WhatsApp account and
// returns the per-workspace results. A failing workspace is logged and
// skipped.
func (s *Syncer) SyncAll(ctx context.Context) (map[string]*Result, error) {
	var workspaceIDs []string
	err := s.db.WithContext(ctx).Model(&models.IntegrationAccount{}).
		Where("provider = ? OR provider = ''", models.ProviderWhatsAppOfficial).
		Where("waba_id <> ''").
		Distinct().Pluck("workspace_id", &workspaceIDs).Error
	if err != nil {
		return nil, fmt.Errorf("templates: list workspaces: %w", err)
	}
	results := make(map[string]*Result, len(workspaceIDs))
	for _, ws := range workspaceIDs {
		res, err := s.Sync(ctx, ws, "")
		if err != nil {
			log.Printf("templates: sync %s: %v", ws, err)
			continue
		}
		results[ws] = res
	}
	return results, nil
}

// Best returns the approved template to send when the reply window is
// closed: the first approved one in the highest-priority category, else the
// first approved one. It returns nil when nothing is approved.
func Best(db *gorm.DB, workspaceID string) (*models.WhatsAppTemplate, error) {
	var all []models.WhatsAppTemplate
	if err := db.Where("workspace_id = ?", workspaceID).Order("created_at asc").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("templates: load %s: %w", workspaceID, err)
	}
	var approved []models.WhatsAppTemplate
	for _, t := range all {
		if strings.EqualFold(t.Status, "approved") {
			approved = append(approved, t)
		}
	}
	if len(approved) == 0 {
		return nil, nil
	}
	for _, cat := range CategoryPriority {
		for i := range approved {
			if strings.EqualFold(approved[i].Category, cat) {
				return &approved[i], nil
			}
		}
	}
	return &approved[0], nil
}
