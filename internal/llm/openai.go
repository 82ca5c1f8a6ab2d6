package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI is an OpenAI-compatible chat, embedding and transcription client.
type OpenAI struct {
	apiKey string
	model  string
	client openai.Client
}

// OpenAIOpts configures an OpenAI client.
type OpenAIOpts struct {
	APIKey  string
	BaseURL string
	Model   string
	HTTP    *http.Client
}

// NewOpenAI returns a client for opts.Model.
func NewOpenAI(opts OpenAIOpts) *OpenAI {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 120 * time.Second}
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(opts.HTTP),
		// Failures fall through to the next model in the chain.
		option.WithMaxRetries(0),
	}
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base+"/"))
	}
	return &OpenAI{apiKey: opts.APIKey, model: opts.Model, client: openai.NewClient(reqOpts...)}
}

func (p *OpenAI) Name() string { return p.model }

// WithModel returns a copy bound to another model on the same account.
func (p *OpenAI) WithModel(model string) *OpenAI {
	c := *p
	c.model = model
	return &c
}

func (p *OpenAI) Chat(ctx context.Context, msgs []Message, tools []ToolDef) (*Response, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: api key not configured")
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    openAIMessages(msgs),
		Temperature: openai.Float(0.2),
	}
	if len(tools) > 0 {
		params.Tools = openAITools(tools)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, openAIError(p.model, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s: empty choices", p.model)
	}
	msg := completion.Choices[0].Message
	out := &Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		})
	}
	return out, nil
}

// openAIMessages converts messages to chat completion params. Tool call
// arguments travel as JSON strings.
func openAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ChatCompletionMessageParamUnion{OfTool: &openai.ChatCompletionToolMessageParam{
				ToolCallID: m.ToolCallID,
				Content:    openai.ChatCompletionToolMessageParamContentUnion{OfString: openai.String(m.Content)},
			}})
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := &openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: asst})
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func openAITools(tools []ToolDef) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(jsonSchema(t.Params)),
			},
		}
	}
	return out
}

func jsonSchema(params []Param) map[string]interface{} {
	props := make(map[string]interface{}, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// openAIError keeps the HTTP status of API errors visible in the message.
func openAIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai: %s: http %d: %w", op, apiErr.StatusCode, err)
	}
	return fmt.Errorf("openai: %s: %w", op, err)
}

// OpenAIEmbedder embeds texts with an OpenAI embedding model.
type OpenAIEmbedder struct {
	client *OpenAI
}

// Embedder returns an Embedder using model on this account.
func (p *OpenAI) Embedder(model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: p.WithModel(model)}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.client.apiKey == "" {
		return nil, fmt.Errorf("openai: api key not configured")
	}
	resp, err := e.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.client.model),
	})
	if err != nil {
		return nil, openAIError(e.client.model, err)
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// Transcribe sends audio to the transcription endpoint and returns the text.
func (p *OpenAI) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("openai: api key not configured")
	}
	resp, err := p.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), filename, "application/octet-stream"),
		Model: openai.AudioModel(p.model),
	})
	if err != nil {
		return "", openAIError("transcribe", err)
	}
	return resp.Text, nil
}
