package dispatch

import (
	"strings"
	"testing"

	"github.com/zulandar/agentdesk/internal/crm"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/datatypes"
)

func TestRenderPrompt_Minimal(t *testing.T) {
	got, err := RenderPrompt(PromptData{
		Name:          "Ana",
		Role:          "SDR",
		Tone:          "consultivo",
		Hours:         "comercial",
		Timezone:      "America/Sao_Paulo",
		DelaySeconds:  30,
		Channels:      "whatsapp",
		Permissions:   "todas",
		WhatsAppRule:  whatsAppRule(models.ProviderWhatsAppOfficial),
		LeadID:        "lead1",
		OutsideWindow: true,
		PipelineID:    "p1",
		StageID:       "s1",
		Tags:          "- Quente (t1)",
	})
	if err != nil {
		t.Fatalf("RenderPrompt: %v", err)
	}
	want := "nome: Ana\n" +
		"funcao: SDR\n" +
		"tom: consultivo\n" +
		"horario: comercial\n" +
		"timezone: America/Sao_Paulo\n" +
		"tempo_resposta_segundos: 30\n" +
		"canais: whatsapp\n" +
		"permissoes: todas\n" +
		"Regra WhatsApp: se a janela de 24h expirou, use template para responder.\n" +
		"Lead atual: lead1\n" +
		"ATENCAO: a janela de 24h para respostas expirou nesta conversa.\n" +
		"Pipeline padrao: p1 (etapa inicial s1)\n" +
		"tags_disponiveis:\n- Quente (t1)\n"
	if got != want {
		t.Errorf("prompt =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderPrompt_Sections(t *testing.T) {
	got, err := RenderPrompt(PromptData{
		Extra:         "Seja breve.",
		Name:          "Bia",
		InstagramRule: true,
		FAQ:           "P: horario?\nR: 9h-18h",
		Knowledge:     "plano basico R$ 99",
		DealFields:    "- Orcamento (f2)",
	})
	if err != nil {
		t.Fatalf("RenderPrompt: %v", err)
	}
	for _, part := range []string{
		"Seja breve.\nnome: Bia\n",
		"Regra Instagram: respeite a janela de 24h para respostas.\n",
		"faq:\nP: horario?\nR: 9h-18h\n",
		"conhecimento:\nplano basico R$ 99\n",
		"campos_customizados_deal:\n- Orcamento (f2)\n",
	} {
		if !strings.Contains(got, part) {
			t.Errorf("prompt missing %q:\n%s", part, got)
		}
	}
	if strings.Contains(got, "Regra WhatsApp") {
		t.Errorf("prompt has a WhatsApp rule without one configured:\n%s", got)
	}
}

func TestToneLabel(t *testing.T) {
	tests := []struct {
		settings datatypes.JSONMap
		want     string
	}{
		{nil, "consultivo"},
		{datatypes.JSONMap{"tom": "formal"}, "formal"},
		{datatypes.JSONMap{"tom": "outro"}, "Outro"},
		{datatypes.JSONMap{"tom": "outro", "tom_custom": "descontraido"}, "descontraido"},
		{datatypes.JSONMap{"tom": "formal", "tom_custom": "ignorado"}, "formal"},
	}
	for _, tt := range tests {
		if got := toneLabel(&models.Agent{Settings: tt.settings}); got != tt.want {
			t.Errorf("toneLabel(%v) = %q, want %q", tt.settings, got, tt.want)
		}
	}
}

func TestWhatsAppRule(t *testing.T) {
	tests := map[string]string{
		models.ProviderWhatsAppOfficial:   "Regra WhatsApp: se a janela de 24h expirou, use template para responder.",
		models.ProviderWhatsAppBaileys:    "Regra WhatsApp Baileys: sem janela de 24h.",
		models.ProviderWhatsAppUnofficial: "Regra WhatsApp: provider desativado.",
	}
	for provider, want := range tests {
		if got := whatsAppRule(provider); got != want {
			t.Errorf("whatsAppRule(%s) = %q, want %q", provider, got, want)
		}
	}
}

func TestFormatIDs(t *testing.T) {
	items := []crm.Lookup{{ID: "t1", Name: "Quente"}, {ID: "t2", Name: "Frio"}}
	if got, want := formatIDs([]string{"t2", "t9"}, items), "Frio (t2), t9"; got != want {
		t.Errorf("formatIDs = %q, want %q", got, want)
	}
	if got, want := formatLookup(items), "- Quente (t1)\n- Frio (t2)"; got != want {
		t.Errorf("formatLookup = %q, want %q", got, want)
	}
}

func TestPromptData_Channels(t *testing.T) {
	r := &run{
		agent: &models.Agent{
			Name:      "Ana",
			Settings:  datatypes.JSONMap{"canais": []interface{}{"whatsapp", "instagram"}},
			PauseTags: datatypes.JSONSlice[string]{"t1"},
		},
		provider:  models.ProviderWhatsAppBaileys,
		grants:    map[string]bool{"mover_etapa": true, "criar_lead": true},
		workspace: &crm.WorkspaceContext{Tags: []crm.Lookup{{ID: "t1", Name: "Quente"}}},
	}
	d := promptData(r)
	if d.Channels != "whatsapp, instagram" {
		t.Errorf("Channels = %q", d.Channels)
	}
	if d.WhatsAppRule != "Regra WhatsApp Baileys: sem janela de 24h." || !d.InstagramRule {
		t.Errorf("rules = %q / %v", d.WhatsAppRule, d.InstagramRule)
	}
	if d.Permissions != "criar_lead, mover_etapa" {
		t.Errorf("Permissions = %q", d.Permissions)
	}
	if d.PauseTags != "Quente (t1)" {
		t.Errorf("PauseTags = %q", d.PauseTags)
	}
	if d.Hours != "comercial" || d.Tone != "consultivo" || d.Role != "SDR" {
		t.Errorf("defaults = %q %q %q", d.Hours, d.Tone, d.Role)
	}
}
