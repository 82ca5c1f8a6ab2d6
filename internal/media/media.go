// Package media turns stored attachments and uploads into plain text the
// agents can read.
package media

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zulandar/agentdesk/internal/models"
	"github.com/zulandar/agentdesk/internal/storage"
	"gorm.io/gorm"
)

// ErrUnsupported is returned for content no extractor can read.
var ErrUnsupported = errors.New("media: unsupported content")

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// Extractor reads text out of files. A nil transcriber disables audio.
type Extractor struct {
	store       *storage.Local
	transcriber Transcriber
}

// NewExtractor returns an Extractor reading attachments from store.
func NewExtractor(store *storage.Local, transcriber Transcriber) *Extractor {
	return &Extractor{store: store, transcriber: transcriber}
}

// DetectType returns the MIME type of a file from its declared type, its
// extension and finally its first bytes.
func DetectType(data []byte, filename, declared string) string {
	if declared != "" && declared != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			mt, _, _ = mime.ParseMediaType(mt)
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

// Extract returns the text content of data.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename, mimeType string) (string, error) {
	mt := DetectType(data, filename, mimeType)
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "video/"):
		if e.transcriber == nil {
			return "", fmt.Errorf("%w: no transcriber for %s", ErrUnsupported, mt)
		}
		name := filename
		if name == "" {
			name = "audio" + extensionFor(mt)
		}
		text, err := e.transcriber.Transcribe(ctx, name, data)
		if err != nil {
			return "", fmt.Errorf("media: transcribe %s: %w", name, err)
		}
		return text, nil
	case ext == ".docx" || mt == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return docxText(data)
	case strings.HasPrefix(mt, "text/"), mt == "application/json", mt == "application/xml":
		return strings.ToValidUTF8(string(data), ""), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, mt)
}

func extensionFor(mt string) string {
	exts, _ := mime.ExtensionsByType(mt)
	if len(exts) == 0 {
		return ".ogg"
	}
	return exts[0]
}

// docxText concatenates the paragraphs of a Word document.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("media: open docx: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("media: open docx body: %w", err)
		}
		defer rc.Close()
		return wordParagraphs(rc)
	}
	return "", fmt.Errorf("media: docx has no document body")
}

func wordParagraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var paragraphs []string
	var cur strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("media: parse docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			inText = t.Name.Local == "t"
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if cur.Len() > 0 {
					paragraphs = append(paragraphs, cur.String())
					cur.Reset()
				}
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	if cur.Len() > 0 {
		paragraphs = append(paragraphs, cur.String())
	}
	return strings.Join(paragraphs, "\n"), nil
}

// Attachment reads a stored attachment and extracts its text.
func (e *Extractor) Attachment(ctx context.Context, att models.Attachment) (string, error) {
	if e.store == nil {
		return "", fmt.Errorf("media: no storage configured")
	}
	data, err := e.store.Read(storage.Key(storage.PrefixAttachments, att.StoragePath))
	if err != nil {
		return "", err
	}
	return e.Extract(ctx, data, filepath.Base(att.StoragePath), att.MimeType)
}

// MessageText returns the text of every readable attachment of a message,
// joined by newlines. Attachments that fail are skipped.
func (e *Extractor) MessageText(ctx context.Context, db *gorm.DB, messageID string) (string, error) {
	var atts []models.Attachment
	if err := db.Where("message_id = ?", messageID).Order("created_at asc").Find(&atts).Error; err != nil {
		return "", fmt.Errorf("media: load attachments of %s: %w", messageID, err)
	}
	var texts []string
	for _, att := range atts {
		text, err := e.Attachment(ctx, att)
		if err != nil {
			log.Printf("media: attachment %s: %v", att.ID, err)
			continue
		}
		if strings.TrimSpace(text) != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n"), nil
}
