package channel

import (
	"context"
	"fmt"

	"github.com/zulandar/agentdesk/internal/models"
)

// CloudAPI sends through the official WhatsApp Business Cloud API.
type CloudAPI struct {
	graph         *Graph
	phoneNumberID string
}

// NewCloudAPI returns a provider sending from phoneNumberID.
func NewCloudAPI(graph *Graph, phoneNumberID string) *CloudAPI {
	return &CloudAPI{graph: graph, phoneNumberID: phoneNumberID}
}

type graphSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	MessageID string `json:"message_id"`
}

func (r graphSendResponse) result() SendResult {
	if len(r.Messages) > 0 {
		return SendResult{MessageID: r.Messages[0].ID}
	}
	return SendResult{MessageID: r.MessageID}
}

func (c *CloudAPI) Name() string { return models.ProviderWhatsAppOfficial }

func (c *CloudAPI) WindowPolicy() WindowPolicy { return WindowTemplate }

func (c *CloudAPI) SendText(ctx context.Context, to, text string) (SendResult, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	var resp graphSendResponse
	if err := c.graph.Post(ctx, c.phoneNumberID+"/messages", payload, &resp); err != nil {
		return SendResult{}, fmt.Errorf("whatsapp: send text: %w", err)
	}
	return resp.result(), nil
}

func (c *CloudAPI) SendTemplate(ctx context.Context, to, name, language string) (SendResult, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template": map[string]interface{}{
			"name":       name,
			"language":   map[string]string{"code": language},
			"components": []interface{}{},
		},
	}
	var resp graphSendResponse
	if err := c.graph.Post(ctx, c.phoneNumberID+"/messages", payload, &resp); err != nil {
		return SendResult{}, fmt.Errorf("whatsapp: send template %s: %w", name, err)
	}
	return resp.result(), nil
}
