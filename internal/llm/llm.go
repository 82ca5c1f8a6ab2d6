// Package llm talks to the chat and embedding models behind the agents.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Roles of a chat message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrMaxSteps is returned when the model keeps calling tools past the step limit.
var ErrMaxSteps = errors.New("llm: tool step limit reached")

// Message is one turn of a conversation sent to a model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	// Name is the tool name on RoleTool messages.
	Name string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Param describes one tool argument. Type is a JSON schema primitive:
// string, number, boolean or object.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolDef is the schema of a tool as advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	Params      []Param
}

// Tool is a ToolDef plus its implementation. Run never fails: errors are
// reported to the model as text.
type Tool struct {
	ToolDef
	Run func(ctx context.Context, args map[string]interface{}) string
}

// Response is a single model turn.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Model is a chat completion backend.
type Model interface {
	Name() string
	Chat(ctx context.Context, msgs []Message, tools []ToolDef) (*Response, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// RunTools drives the call-tools-until-answer loop and returns the final
// assistant text. Tool calls for names not in tools are answered with an
// error string so the model can recover.
func RunTools(ctx context.Context, m Model, msgs []Message, tools []Tool, maxSteps int) (string, error) {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	defs := make([]ToolDef, len(tools))
	byName := make(map[string]Tool, len(tools))
	for i, t := range tools {
		defs[i] = t.ToolDef
		byName[t.Name] = t
	}

	history := append([]Message(nil), msgs...)
	for step := 0; step < maxSteps; step++ {
		resp, err := m.Chat(ctx, history, defs)
		if err != nil {
			return "", fmt.Errorf("llm: %s: %w", m.Name(), err)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}
		history = append(history, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			var result string
			if t, ok := byName[call.Name]; ok {
				args := call.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				result = t.Run(ctx, args)
			} else {
				result = fmt.Sprintf("Ferramenta desconhecida: %s", call.Name)
			}
			history = append(history, Message{Role: RoleTool, Content: result, ToolCallID: call.ID, Name: call.Name})
		}
	}
	return "", ErrMaxSteps
}

// Slot is one position in the model fallback chain.
type Slot struct {
	Label string
	Model Model
}

// Slot labels.
const (
	SlotPrimary   = "primary"
	SlotSecondary = "secondary"
	SlotFallback  = "fallback"
)
