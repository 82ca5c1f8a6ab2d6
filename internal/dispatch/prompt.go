package dispatch

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/zulandar/agentdesk/internal/crm"
	"github.com/zulandar/agentdesk/internal/knowledge"
	"github.com/zulandar/agentdesk/internal/models"
)

// promptTemplate is the agent's system prompt. Every line it emits ends in a
// newline, and optional sections vanish entirely when empty.
const promptTemplate = `{{ with .Extra }}{{ . }}
{{ end }}nome: {{ .Name }}
funcao: {{ .Role }}
tom: {{ .Tone }}
horario: {{ .Hours }}
timezone: {{ .Timezone }}
tempo_resposta_segundos: {{ .DelaySeconds }}
canais: {{ .Channels }}
permissoes: {{ .Permissions }}
{{ with .WhatsAppRule }}{{ . }}
{{ end }}{{ if .InstagramRule }}Regra Instagram: respeite a janela de 24h para respostas.
{{ end }}{{ with .LeadID }}Lead atual: {{ . }}
{{ end }}{{ with .ContactID }}Contato atual: {{ . }}
{{ end }}{{ if .OutsideWindow }}ATENCAO: a janela de 24h para respostas expirou nesta conversa.
{{ end }}{{ with .Language }}Idioma da conversa: {{ . }}
{{ end }}{{ if .PipelineID }}Pipeline padrao: {{ .PipelineID }} (etapa inicial {{ .StageID }})
{{ end }}{{ with .CustomHours }}Horario personalizado: {{ . }}
{{ end }}{{ with .PauseTags }}Tags que pausam o agente: {{ . }}
{{ end }}{{ with .PauseStages }}Etapas que pausam o agente: {{ . }}
{{ end }}{{ with .FAQ }}faq:
{{ . }}
{{ end }}{{ with .Knowledge }}conhecimento:
{{ . }}
{{ end }}{{ with .Tags }}tags_disponiveis:
{{ . }}
{{ end }}{{ with .Stages }}etapas_pipeline:
{{ . }}
{{ end }}{{ with .LeadFields }}campos_customizados_lead:
{{ . }}
{{ end }}{{ with .DealFields }}campos_customizados_deal:
{{ . }}
{{ end }}`

var prompt = template.Must(template.New("agent").Parse(promptTemplate))

// PromptData is everything the system prompt shows the model.
type PromptData struct {
	Extra         string
	Name          string
	Role          string
	Tone          string
	Hours         string
	Timezone      string
	DelaySeconds  int
	Channels      string
	Permissions   string
	WhatsAppRule  string
	InstagramRule bool
	LeadID        string
	ContactID     string
	OutsideWindow bool
	Language      string
	PipelineID    string
	StageID       string
	CustomHours   string
	PauseTags     string
	PauseStages   string
	FAQ           string
	Knowledge     string
	Tags          string
	Stages        string
	LeadFields    string
	DealFields    string
}

// RenderPrompt renders the agent system prompt.
func RenderPrompt(data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// toneLabel resolves the tom setting; "outro" shows the custom tone.
func toneLabel(agent *models.Agent) string {
	tone := agent.Setting("tom")
	if tone == "" {
		return "consultivo"
	}
	if tone == "outro" {
		if custom := agent.Setting("tom_custom"); custom != "" {
			return custom
		}
		return "Outro"
	}
	return tone
}

// whatsAppRule is the window guidance for the provider the agent sends
// through.
func whatsAppRule(provider string) string {
	switch provider {
	case models.ProviderWhatsAppOfficial:
		return "Regra WhatsApp: se a janela de 24h expirou, use template para responder."
	case models.ProviderWhatsAppBaileys:
		return "Regra WhatsApp Baileys: sem janela de 24h."
	}
	return "Regra WhatsApp: provider desativado."
}

// formatLookup renders one "- name (id)" line per item.
func formatLookup(items []crm.Lookup) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("- %s (%s)", it.Name, it.ID))
	}
	return strings.Join(lines, "\n")
}

// formatIDs names the ids it can resolve through items and leaves the rest
// bare.
func formatIDs(ids []string, items []crm.Lookup) string {
	names := make(map[string]string, len(items))
	for _, it := range items {
		names[it.ID] = it.Name
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok && name != "" {
			out = append(out, fmt.Sprintf("%s (%s)", name, id))
		} else {
			out = append(out, id)
		}
	}
	return strings.Join(out, ", ")
}

func promptData(r *run) PromptData {
	a := r.agent
	hours := a.Setting("horario")
	if hours == "" {
		hours = "comercial"
	}
	configured, _ := a.SettingList("canais")
	channels := "whatsapp"
	if len(configured) > 0 {
		channels = strings.Join(configured, ", ")
	}

	permissions := "todas"
	if len(r.grants) > 0 {
		granted := make([]string, 0, len(r.grants))
		for action := range r.grants {
			granted = append(granted, action)
		}
		sort.Strings(granted)
		permissions = strings.Join(granted, ", ")
	}

	d := PromptData{
		Extra:         a.Setting("prompt"),
		Name:          a.Name,
		Role:          a.KindLabel(),
		Tone:          toneLabel(a),
		Hours:         hours,
		Timezone:      a.Timezone,
		DelaySeconds:  a.ResponseDelaySeconds,
		Channels:      channels,
		Permissions:   permissions,
		OutsideWindow: r.outside,
		Language:      r.language,
		PipelineID:    r.pipelineID,
		StageID:       r.stageID,
		CustomHours:   a.Setting("horario_customizado"),
		FAQ:           a.Setting("faq"),
		Knowledge:     knowledge.Text(r.matches),
	}
	if len(configured) == 0 || contains(configured, models.ChannelWhatsApp) {
		d.WhatsAppRule = whatsAppRule(r.provider)
	}
	d.InstagramRule = contains(configured, models.ChannelInstagram)
	if r.conv != nil {
		if r.conv.LeadID != nil {
			d.LeadID = *r.conv.LeadID
		}
		if r.conv.ContactID != nil {
			d.ContactID = *r.conv.ContactID
		}
	}
	if w := r.workspace; w != nil {
		if len(a.PauseTags) > 0 {
			d.PauseTags = formatIDs(a.PauseTags, w.Tags)
		}
		if len(a.PauseStages) > 0 {
			d.PauseStages = formatIDs(a.PauseStages, w.Stages)
		}
		d.Tags = formatLookup(w.Tags)
		d.Stages = formatLookup(w.Stages)
		d.LeadFields = formatLookup(w.LeadFields)
		d.DealFields = formatLookup(w.DealFields)
	}
	return d
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
