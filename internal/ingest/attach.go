package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/zulandar/agentdesk/internal/models"
	"github.com/zulandar/agentdesk/internal/storage"
	"gorm.io/gorm"
)

var typeExtensions = map[string]string{
	"image":    ".jpg",
	"video":    ".mp4",
	"audio":    ".mp3",
	"voice":    ".ogg",
	"document": ".pdf",
	"file":     ".pdf",
}

// preferred extensions for mime types with several registered ones.
var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
}

// extension picks a file extension from the original filename, then the
// mime type, then the provider media type.
func extension(filename, mimeType, mediaType string) string {
	if ext := path.Ext(filename); len(ext) > 1 && len(ext) <= 8 {
		return strings.ToLower(ext)
	}
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	if ext, ok := mimeExtensions[strings.ToLower(base)]; ok {
		return ext
	}
	if base != "" {
		if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	if ext, ok := typeExtensions[mediaType]; ok {
		return ext
	}
	return ".bin"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// attachmentKind maps a provider media type to a stored kind.
func attachmentKind(mediaType string) string {
	switch mediaType {
	case "image", "video":
		return models.KindImage
	case "audio", "voice":
		return models.KindAudio
	case "document", "file":
		return models.KindPDF
	}
	return mediaType
}

func hasAttachment(db *gorm.DB, messageID string) (bool, error) {
	var n int64
	if err := db.Model(&models.Attachment{}).Where("message_id = ?", messageID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("ingest: count attachments: %w", err)
	}
	return n > 0, nil
}

// attach writes data below the attachments prefix and records the
// attachment row unless it already exists. It reports whether a new row was
// created.
func (in *Ingester) attach(db *gorm.DB, msg *models.Message, name, mediaType, mimeType string, data []byte) (bool, error) {
	key := storage.Key(storage.PrefixAttachments, name)
	var existing models.Attachment
	err := db.Where("message_id = ? AND storage_path = ?", msg.ID, key).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("ingest: load attachment: %w", err)
	}
	size, err := in.store.Put(key, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("ingest: %w", err)
	}
	att := models.Attachment{
		WorkspaceID:    msg.WorkspaceID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		StoragePath:    key,
		Kind:           attachmentKind(mediaType),
		MimeType:       mimeType,
		SizeBytes:      size,
	}
	if err := db.Create(&att).Error; err != nil {
		return false, fmt.Errorf("ingest: create attachment: %w", err)
	}
	return true, nil
}
