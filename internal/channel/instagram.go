package channel

import (
	"context"
	"fmt"

	"github.com/zulandar/agentdesk/internal/models"
)

// Instagram sends direct messages through the Instagram Messaging API.
type Instagram struct {
	graph       *Graph
	instagramID string
}

// NewInstagram returns a provider sending as instagramID.
func NewInstagram(graph *Graph, instagramID string) *Instagram {
	return &Instagram{graph: graph, instagramID: instagramID}
}

func (i *Instagram) Name() string { return models.ProviderInstagram }

func (i *Instagram) WindowPolicy() WindowPolicy { return WindowEnforced }

func (i *Instagram) SendText(ctx context.Context, to, text string) (SendResult, error) {
	payload := map[string]interface{}{
		"recipient":      map[string]string{"id": to},
		"message":        map[string]string{"text": text},
		"messaging_type": "RESPONSE",
	}
	var resp graphSendResponse
	if err := i.graph.Post(ctx, i.instagramID+"/messages", payload, &resp); err != nil {
		return SendResult{}, fmt.Errorf("instagram: send text: %w", err)
	}
	return resp.result(), nil
}

func (i *Instagram) SendTemplate(context.Context, string, string, string) (SendResult, error) {
	return SendResult{}, ErrTemplatesUnsupported
}
