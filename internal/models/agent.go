package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// AgentStatusActive is the only status under which an agent replies.
const AgentStatusActive = "ativo"

// Agent is a configured conversational agent bound to a workspace.
//
// Settings holds free-form persona configuration: tom, tom_custom, horario,
// horario_customizado, canais, faq, prompt, enviar_para_grupos and
// grupos_permitidos.
type Agent struct {
	ID                   string  `gorm:"primaryKey;size:36"`
	WorkspaceID          string  `gorm:"size:36;not null;index"`
	IntegrationAccountID *string `gorm:"size:36;index"`
	Name                 string  `gorm:"size:128"`
	Kind                 string  `gorm:"size:32;default:sdr"`
	Status               string  `gorm:"size:16;default:ativo;index"`
	Timezone             string  `gorm:"size:64"`
	ResponseDelaySeconds int     `gorm:"default:30"`
	DetectLanguage       bool
	DefaultLanguage      string  `gorm:"size:16"`
	PipelineID           *string `gorm:"size:36"`
	InitialStageID       *string `gorm:"size:36"`
	PauseOnHumanReply    bool
	PauseTags            datatypes.JSONSlice[string]
	PauseStages          datatypes.JSONSlice[string]
	BlockedFields        datatypes.JSONSlice[string]
	Settings             datatypes.JSONMap
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Setting returns a string setting, or "" when missing or not a string.
func (a *Agent) Setting(key string) string {
	if a.Settings == nil {
		return ""
	}
	s, _ := a.Settings[key].(string)
	return s
}

// SettingBool returns a boolean setting, false when missing.
func (a *Agent) SettingBool(key string) bool {
	if a.Settings == nil {
		return false
	}
	b, _ := a.Settings[key].(bool)
	return b
}

// SettingList returns a list-of-strings setting. ok is false when the key
// is absent; a present key that is not a list yields an empty, ok result.
func (a *Agent) SettingList(key string) (values []string, ok bool) {
	if a.Settings == nil {
		return nil, false
	}
	raw, present := a.Settings[key]
	if !present {
		return nil, false
	}
	items, isList := raw.([]interface{})
	if !isList {
		if strs, isStrs := raw.([]string); isStrs {
			return strs, true
		}
		return []string{}, true
	}
	for _, item := range items {
		if s, isStr := item.(string); isStr {
			values = append(values, s)
		}
	}
	return values, true
}

// Channels returns the channels the agent answers on. An agent without a
// canais setting answers on WhatsApp only.
func (a *Agent) Channels() []string {
	values, _ := a.SettingList("canais")
	if len(values) == 0 {
		return []string{ChannelWhatsApp}
	}
	return values
}

// SupportsChannel reports whether channel is in the agent's channel list.
func (a *Agent) SupportsChannel(channel string) bool {
	if channel == "" {
		channel = ChannelWhatsApp
	}
	for _, c := range a.Channels() {
		if c == channel {
			return true
		}
	}
	return false
}

// AllowsGroups reports whether the agent may answer group conversations.
func (a *Agent) AllowsGroups() bool {
	return a.SettingBool("enviar_para_grupos")
}

// GroupAllowlist returns the trimmed group allowlist, or nil when the agent
// has no grupos_permitidos key at all.
func (a *Agent) GroupAllowlist() map[string]bool {
	raw, ok := a.SettingList("grupos_permitidos")
	if !ok {
		return nil
	}
	allow := make(map[string]bool, len(raw))
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			allow[v] = true
		}
	}
	return allow
}

// ClampedDelay returns the response delay bounded to [1, 180] seconds.
func (a *Agent) ClampedDelay() int {
	d := a.ResponseDelaySeconds
	if d == 0 {
		d = 30
	}
	if d < 1 {
		d = 1
	}
	if d > 180 {
		d = 180
	}
	return d
}

// KindLabel is the display name of the agent's role.
func (a *Agent) KindLabel() string {
	switch a.Kind {
	case "", "sdr":
		return "SDR"
	case "atendimento":
		return "Atendimento"
	case "suporte":
		return "Suporte"
	case "copiloto":
		return "Copiloto"
	case "propostas":
		return "Vendas"
	case "voice":
		return "Voice"
	}
	return a.Kind
}

// AgentPermission grants or denies a tool action. An agent with no
// permission rows may use every action.
type AgentPermission struct {
	ID      string `gorm:"primaryKey;size:36"`
	AgentID string `gorm:"size:36;not null;uniqueIndex:idx_agent_action"`
	Action  string `gorm:"size:64;not null;uniqueIndex:idx_agent_action"`
	Enabled bool
}

// AgentConsent records that the workspace accepted the agent terms.
type AgentConsent struct {
	ID        string `gorm:"primaryKey;size:36"`
	AgentID   string `gorm:"size:36;not null;index"`
	UserID    string `gorm:"size:36"`
	CreatedAt time.Time
}

// AgentFollowup is one step of an agent's follow-up sequence.
type AgentFollowup struct {
	ID                string `gorm:"primaryKey;size:36"`
	AgentID           string `gorm:"size:36;not null;index"`
	Order             int    `gorm:"column:ordem"`
	DelayMinutes      int
	OnlyOutsideWindow bool
	UseTemplate       bool
	TemplateID        *string `gorm:"size:36"`
	MessageText       string  `gorm:"type:text"`
	Enabled           bool
	CreatedAt         time.Time
}

// AgentConversationState is the per-(agent, conversation) bookkeeping row.
// FollowupStep only ever moves forward, by one per delivered follow-up.
type AgentConversationState struct {
	AgentID          string `gorm:"primaryKey;size:36"`
	ConversationID   string `gorm:"primaryKey;size:36"`
	WorkspaceID      string `gorm:"size:36;index"`
	DetectedLanguage string `gorm:"size:16"`
	Paused           bool
	PausedReason     string `gorm:"size:64"`
	LastContactAt    *time.Time
	LastAgentAt      *time.Time
	LastHumanAt      *time.Time
	FollowupStep     int `gorm:"default:0"`
	FollowupAt       *time.Time
	UpdatedAt        time.Time
}
