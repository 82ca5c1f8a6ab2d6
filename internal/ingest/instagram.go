package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

type igPayload struct {
	Entry []struct {
		ID        string        `json:"id"`
		Messaging []igMessaging `json:"messaging"`
	} `json:"entry"`
}

type igParty struct {
	ID string `json:"id"`
}

type igAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type igMessage struct {
	Mid           string         `json:"mid"`
	Text          string         `json:"text"`
	IsEcho        bool           `json:"is_echo"`
	IsDeleted     bool           `json:"is_deleted"`
	IsUnsupported bool           `json:"is_unsupported"`
	Attachments   []igAttachment `json:"attachments"`
}

type igMessaging struct {
	Sender    igParty    `json:"sender"`
	Recipient igParty    `json:"recipient"`
	Timestamp int64      `json:"timestamp"`
	Message   *igMessage `json:"message"`
}

// skip reports whether the callback carries nothing to store.
func (m *igMessaging) skip() bool {
	msg := m.Message
	if msg == nil || msg.IsEcho || msg.IsDeleted || msg.IsUnsupported {
		return true
	}
	return strings.TrimSpace(msg.Text) == "" && len(msg.Attachments) == 0
}

func (m *igMessaging) classify() (kind, content string) {
	msg := m.Message
	kind = models.KindText
	if len(msg.Attachments) > 0 {
		switch msg.Attachments[0].Type {
		case "image", "video":
			kind = models.KindImage
		case "audio":
			kind = models.KindAudio
		case "file", "document":
			kind = models.KindPDF
		}
	}
	if text := strings.TrimSpace(msg.Text); text != "" {
		return kind, text
	}
	if len(msg.Attachments) > 0 {
		return kind, "Midia recebida"
	}
	return kind, "Mensagem recebida"
}

func (m *igMessaging) sentAt(fallback time.Time) time.Time {
	if m.Timestamp <= 0 {
		return fallback
	}
	return time.UnixMilli(m.Timestamp).UTC()
}

func instagramAccount(db *gorm.DB, recipientID string) (*models.IntegrationAccount, error) {
	var accts []models.IntegrationAccount
	err := db.Where("identifier = ? AND channel = ?", recipientID, models.ChannelInstagram).
		Limit(1).Find(&accts).Error
	if err != nil {
		return nil, fmt.Errorf("ingest: find instagram account %s: %w", recipientID, err)
	}
	if len(accts) == 0 {
		return nil, nil
	}
	return &accts[0], nil
}

// Instagram processes a stored Instagram messaging event, downloading
// attachment URLs as it goes.
func (in *Ingester) Instagram(ctx context.Context, eventID string) (*Result, error) {
	ev, err := in.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	b, err := in.instagram(ctx, ev)
	if err != nil {
		if ferr := in.finish(ctx, ev, models.EventFailed, err); ferr != nil {
			log.Printf("ingest: %v", ferr)
		}
		return nil, err
	}
	if err := in.finish(ctx, ev, b.status(), nil); err != nil {
		return nil, err
	}
	return b.result(ev.ID), nil
}

func (in *Ingester) instagram(ctx context.Context, ev *models.WebhookEvent) (*batch, error) {
	var p igPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("ingest: decode instagram payload: %w", err)
	}
	db := in.db.WithContext(ctx)
	b := &batch{}
	for _, entry := range p.Entry {
		for _, m := range entry.Messaging {
			if m.skip() || m.Sender.ID == "" || m.Recipient.ID == "" {
				continue
			}
			acct, err := instagramAccount(db, m.Recipient.ID)
			if err != nil {
				return nil, err
			}
			if acct == nil {
				log.Printf("ingest: no instagram account for recipient %q", m.Recipient.ID)
				continue
			}
			active, err := in.active(db, acct.WorkspaceID)
			if err != nil {
				return nil, err
			}
			if !active {
				b.blocked = true
				continue
			}
			kind, content := m.classify()
			conv, msg, err := in.save(db, inbound{
				account:    acct,
				channel:    models.ChannelInstagram,
				senderID:   m.Sender.ID,
				kind:       kind,
				content:    content,
				externalID: m.Message.Mid,
				at:         m.sentAt(in.now()),
			})
			if err != nil {
				return nil, err
			}
			b.workspaceID = acct.WorkspaceID
			b.accountID = acct.ID
			b.add(conv.ID)

			if len(m.Message.Attachments) > 0 {
				in.instagramAttachments(ctx, acct, msg, m.Message.Attachments)
			}
		}
	}
	return b, nil
}

// instagramAttachments stores every attachment URL of msg. Failures are
// logged; the message itself is already saved.
func (in *Ingester) instagramAttachments(ctx context.Context, acct *models.IntegrationAccount, msg *models.Message, atts []igAttachment) {
	if in.store == nil {
		return
	}
	token, err := in.resolver.Token(ctx, acct)
	if errors.Is(err, channel.ErrTokenMissing) {
		log.Printf("ingest: account %s has no token, skipping attachments", acct.ID)
		return
	}
	if err != nil {
		log.Printf("ingest: instagram token for %s: %v", acct.ID, err)
		return
	}
	graph := in.resolver.Graph(token)
	db := in.db.WithContext(ctx)
	for i, a := range atts {
		if a.Payload.URL == "" {
			continue
		}
		data, contentType, err := graph.Download(ctx, a.Payload.URL)
		if err != nil {
			log.Printf("ingest: download instagram attachment of %s: %v", msg.ID, err)
			continue
		}
		ext := extension(urlFilename(a.Payload.URL), contentType, a.Type)
		name := fmt.Sprintf("%s/%s/%s%s", acct.WorkspaceID, msg.ConversationID, msg.ID, ext)
		if i > 0 {
			name = fmt.Sprintf("%s/%s/%s-%d%s", acct.WorkspaceID, msg.ConversationID, msg.ID, i, ext)
		}
		if _, err := in.attach(db, msg, name, a.Type, contentType, data); err != nil {
			log.Printf("ingest: %v", err)
		}
	}
}

func urlFilename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}
