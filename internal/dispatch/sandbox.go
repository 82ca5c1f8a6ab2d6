package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/agentdesk/internal/crm"
	"github.com/zulandar/agentdesk/internal/knowledge"
	"github.com/zulandar/agentdesk/internal/llm"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/datatypes"
)

// SandboxMessage is one turn of a test conversation.
type SandboxMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SandboxResult is the answer of a sandbox run.
type SandboxResult struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Sandbox answers a test conversation with the agent's prompt and no tools.
// Nothing is sent and no gating applies; only an agent log is written.
func (e *Engine) Sandbox(ctx context.Context, agentID string, msgs []SandboxMessage) (*SandboxResult, error) {
	agent, err := e.loadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	db := e.db.WithContext(ctx)
	r := &run{agent: agent, calls: []models.ToolCall{}}
	if r.provider, err = e.providers.ProviderName(ctx, agent); err != nil {
		return nil, fmt.Errorf("dispatch: resolve provider: %w", err)
	}

	var lastUser string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			lastUser = msgs[i].Content
			break
		}
	}
	r.input = lastUser
	r.language = detectLanguage(r)

	if e.knowledge != nil && strings.TrimSpace(lastUser) != "" {
		matches, err := e.knowledge.Retrieve(ctx, knowledge.RetrieveOpts{AgentID: agent.ID, Query: lastUser, K: e.k})
		if err != nil {
			log.Printf("dispatch: sandbox retrieve for agent %s: %v", agent.ID, err)
		}
		r.matches = matches
	}
	if r.pipelineID, r.stageID, err = crm.PipelineDefaults(db, agent); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if r.workspace, err = crm.LoadWorkspaceContext(db, agent, r.pipelineID); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if r.grants, err = loadGrants(db, agent.ID); err != nil {
		return nil, err
	}

	system, err := RenderPrompt(promptData(r))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	turns := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	for _, m := range msgs {
		role := llm.RoleAssistant
		if m.Role == llm.RoleUser {
			role = llm.RoleUser
		}
		turns = append(turns, llm.Message{Role: role, Content: m.Content})
	}

	for _, slot := range e.chain {
		resp, err := slot.Model.Chat(ctx, turns, nil)
		if err != nil {
			log.Printf("dispatch: sandbox agent %s: %s model %s failed: %v", agent.ID, slot.Label, slot.Model.Name(), err)
			continue
		}
		output := resp.Content
		if output == "" {
			output = "ok"
		}
		entry := models.AgentLog{
			AgentID:     agent.ID,
			WorkspaceID: agent.WorkspaceID,
			Input:       lastUser,
			Output:      output,
			ToolCalls:   datatypes.JSONSlice[models.ToolCall]{},
			Metrics:     datatypes.JSONMap{"modelo": slot.Model.Name(), "sandbox": true},
		}
		if err := db.Create(&entry).Error; err != nil {
			return nil, fmt.Errorf("dispatch: write sandbox log: %w", err)
		}
		return &SandboxResult{Status: StatusOK, Output: resp.Content, Model: slot.Model.Name()}, nil
	}
	return &SandboxResult{Status: StatusFailed}, nil
}
