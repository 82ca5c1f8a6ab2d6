package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

type waPayload struct {
	Entry []struct {
		Changes []struct {
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
}

type waMedia struct {
	ID       string `json:"id"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

type waText struct {
	Body string `json:"body"`
}

type waMessage struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text"`
	Image     *waMedia `json:"image"`
	Video     *waMedia `json:"video"`
	Audio     *waMedia `json:"audio"`
	Voice     *waMedia `json:"voice"`
	Document  *waMedia `json:"document"`
}

// media returns the attached media object matching the message type.
func (m *waMessage) media() *waMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	case "voice":
		return m.Voice
	case "document":
		return m.Document
	}
	return nil
}

// classify maps a Cloud API message to a stored kind and content.
func (m *waMessage) classify() (kind, content string) {
	md := m.media()
	switch m.Type {
	case "text":
		if m.Text != nil {
			return models.KindText, m.Text.Body
		}
		return models.KindText, ""
	case "image", "video":
		if md != nil && md.Caption != "" {
			return models.KindImage, md.Caption
		}
		return models.KindImage, "Midia recebida"
	case "audio", "voice":
		return models.KindAudio, "Mensagem de audio"
	case "document":
		if md != nil && md.Filename != "" {
			return models.KindPDF, md.Filename
		}
		return models.KindPDF, "Documento recebido"
	}
	return models.KindText, "Mensagem recebida"
}

func (m *waMessage) sentAt(fallback time.Time) time.Time {
	secs, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Unix(secs, 0).UTC()
}

func parseWhatsApp(raw []byte) (*waPayload, error) {
	var p waPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("ingest: decode whatsapp payload: %w", err)
	}
	return &p, nil
}

// whatsappAccount finds the account a Cloud API phone number id belongs to.
func whatsappAccount(db *gorm.DB, phoneNumberID string) (*models.IntegrationAccount, error) {
	if phoneNumberID == "" {
		return nil, nil
	}
	for _, column := range []string{"phone_number_id", "identifier"} {
		var accts []models.IntegrationAccount
		err := db.Where(column+" = ? AND (channel = ? OR channel = '')", phoneNumberID, models.ChannelWhatsApp).
			Limit(1).Find(&accts).Error
		if err != nil {
			return nil, fmt.Errorf("ingest: find account %s: %w", phoneNumberID, err)
		}
		if len(accts) > 0 {
			return &accts[0], nil
		}
	}
	return nil, nil
}

// WhatsApp processes a stored Cloud API event without downloading media.
// The event ends processado, bloqueado when every workspace it touched is
// expired, or erro when processing fails.
func (in *Ingester) WhatsApp(ctx context.Context, eventID string) (*Result, error) {
	ev, err := in.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	b, err := in.whatsapp(ctx, ev)
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

func (in *Ingester) whatsapp(ctx context.Context, ev *models.WebhookEvent) (*batch, error) {
	p, err := parseWhatsApp(ev.Payload)
	if err != nil {
		return nil, err
	}
	db := in.db.WithContext(ctx)
	b := &batch{}
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if len(v.Messages) == 0 {
				continue
			}
			acct, err := whatsappAccount(db, v.Metadata.PhoneNumberID)
			if err != nil {
				return nil, err
			}
			if acct == nil {
				log.Printf("ingest: no account for phone number id %q", v.Metadata.PhoneNumberID)
				continue
			}
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				active, err := in.active(db, acct.WorkspaceID)
				if err != nil {
					return nil, err
				}
				if !active {
					b.blocked = true
					continue
				}
				if m.From == "" {
					continue
				}
				kind, content := m.classify()
				conv, _, err := in.save(db, inbound{
					account:    acct,
					channel:    models.ChannelWhatsApp,
					senderID:   m.From,
					senderName: names[m.From],
					phone:      m.From,
					kind:       kind,
					content:    content,
					externalID: m.ID,
					at:         m.sentAt(in.now()),
				})
				if err != nil {
					return nil, err
				}
				b.workspaceID = acct.WorkspaceID
				b.accountID = acct.ID
				b.add(conv.ID)
			}
		}
	}
	return b, nil
}

// WhatsAppMedia downloads the media of a processed Cloud API event into
// storage and records one attachment per message. Messages already holding
// the attachment are skipped. It returns the number of files stored.
func (in *Ingester) WhatsAppMedia(ctx context.Context, eventID string) (int, error) {
	if in.store == nil {
		return 0, fmt.Errorf("ingest: storage is not configured")
	}
	ev, err := in.Event(ctx, eventID)
	if err != nil {
		return 0, err
	}
	p, err := parseWhatsApp(ev.Payload)
	if err != nil {
		return 0, err
	}
	db := in.db.WithContext(ctx)
	stored := 0
	var errs []error
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			acct, err := whatsappAccount(db, v.Metadata.PhoneNumberID)
			if err != nil {
				return stored, err
			}
			if acct == nil {
				continue
			}
			var graph *channel.Graph
			for _, m := range v.Messages {
				md := m.media()
				if md == nil || md.ID == "" || m.ID == "" {
					continue
				}
				if graph == nil {
					token, err := in.resolver.Token(ctx, acct)
					if errors.Is(err, channel.ErrTokenMissing) {
						log.Printf("ingest: account %s has no token, skipping media", acct.ID)
						break
					}
					if err != nil {
						return stored, fmt.Errorf("ingest: %w", err)
					}
					graph = in.resolver.Graph(token)
				}
				ok, err := in.whatsappAttachment(ctx, graph, acct, &m, md)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if ok {
					stored++
				}
			}
		}
	}
	return stored, errors.Join(errs...)
}

func (in *Ingester) whatsappAttachment(ctx context.Context, graph *channel.Graph, acct *models.IntegrationAccount, m *waMessage, md *waMedia) (bool, error) {
	db := in.db.WithContext(ctx)
	msg, err := messageByExternalID(db, acct.WorkspaceID, m.ID)
	if err != nil {
		return false, err
	}
	has, err := hasAttachment(db, msg.ID)
	if err != nil || has {
		return false, err
	}
	info, err := graph.Media(ctx, md.ID)
	if err != nil {
		return false, fmt.Errorf("ingest: media %s: %w", md.ID, err)
	}
	if info.URL == "" {
		return false, fmt.Errorf("ingest: media %s has no url", md.ID)
	}
	data, contentType, err := graph.Download(ctx, info.URL)
	if err != nil {
		return false, fmt.Errorf("ingest: download media %s: %w", md.ID, err)
	}
	mimeType := firstNonEmpty(info.MimeType, md.MimeType, contentType)
	ext := extension(md.Filename, mimeType, m.Type)
	name := fmt.Sprintf("%s/%s/%s-%s%s", acct.WorkspaceID, msg.ConversationID, msg.ID, md.ID, ext)
	return in.attach(db, msg, name, m.Type, mimeType, data)
}
