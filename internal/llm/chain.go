package llm

import (
	"context"
	"log"
	"net/http"

	"github.com/zulandar/agentdesk/internal/config"
)

// Clients bundles the model chain and the embedding backends built from config.
type Clients struct {
	Chain          []Slot
	OpenAI         *OpenAI
	Embedder       Embedder
	GeminiEmbedder Embedder
	Transcriber    *OpenAI
}

// NewClients builds primary, optional secondary and fallback models. The
// Gemini leg is skipped (with a log line) when it cannot be constructed.
func NewClients(ctx context.Context, cfg *config.Config, httpClient *http.Client) *Clients {
	m := cfg.Models
	base := NewOpenAI(OpenAIOpts{APIKey: m.OpenAIAPIKey, BaseURL: m.OpenAIBaseURL, Model: m.Primary, HTTP: httpClient})
	c := &Clients{
		OpenAI:      base,
		Embedder:    base.Embedder(m.EmbeddingModel),
		Transcriber: base.WithModel(m.Transcription),
	}
	c.Chain = append(c.Chain, Slot{Label: SlotPrimary, Model: base})
	if cfg.HasSecondary() {
		g, err := NewGemini(ctx, GeminiOpts{APIKey: m.GeminiAPIKey, Model: m.Secondary, EmbeddingModel: m.GeminiEmbedding})
		if err != nil {
			log.Printf("llm: secondary model disabled: %v", err)
		} else {
			c.Chain = append(c.Chain, Slot{Label: SlotSecondary, Model: g})
			c.GeminiEmbedder = g
		}
	}
	c.Chain = append(c.Chain, Slot{Label: SlotFallback, Model: base.WithModel(m.Fallback)})
	return c
}
