package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/zulandar/agentdesk/internal/calendar"
	"github.com/zulandar/agentdesk/internal/crm"
	"github.com/zulandar/agentdesk/internal/inbox"
	"github.com/zulandar/agentdesk/internal/llm"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
)

// Actions an agent can be granted. Tool calls are logged under them.
const (
	ActionSendMessage     = "enviar_mensagem"
	ActionSendTemplate    = "enviar_template"
	ActionCreateLead      = "criar_lead"
	ActionEditLead        = "editar_lead"
	ActionCreateContact   = "criar_contato"
	ActionEditContact     = "editar_contato"
	ActionCreateDeal      = "criar_deal"
	ActionEditDeal        = "editar_deal"
	ActionMoveStage       = "mover_etapa"
	ActionApplyTag        = "aplicar_tag"
	ActionCustomField     = "alterar_campo_customizado"
	ActionResolve         = "resolver_conversa"
	ActionSpam            = "marcar_spam"
	ActionCalendarCreate  = "calendar_criar"
	ActionCalendarEdit    = "calendar_editar"
	ActionCalendarCancel  = "calendar_cancelar"
	ActionCalendarConsult = "calendar_consultar"
)

// Conversation statuses set by tools.
const (
	ConversationResolved = "resolvida"
	ConversationSpam     = "spam"
)

const msgPhoneMissing = "Telefone nao encontrado"

// toolFunc is a tool implementation bound to one run.
type toolFunc func(ctx context.Context, args map[string]interface{}) string

// catalogEntry is one tool the model may be offered. action is the grant
// the tool requires; bind picks the toolbox method that implements it.
type catalogEntry struct {
	action    string
	templates bool
	calendar  bool
	def       llm.ToolDef
	bind      func(t *toolbox) toolFunc
}

func str(name, desc string, required bool) llm.Param {
	return llm.Param{Name: name, Type: "string", Description: desc, Required: required}
}

func obj(name, desc string) llm.Param {
	return llm.Param{Name: name, Type: "object", Description: desc, Required: true}
}

var catalog = []catalogEntry{
	{
		action: ActionSendMessage,
		def: llm.ToolDef{Name: "enviar_mensagem", Description: "Envia uma mensagem de texto para o contato da conversa.",
			Params: []llm.Param{str("texto", "Texto da mensagem", true)}},
		bind: func(t *toolbox) toolFunc { return t.sendMessage },
	},
	{
		action: ActionSendTemplate, templates: true,
		def: llm.ToolDef{Name: "enviar_template", Description: "Envia um template aprovado do WhatsApp.",
			Params: []llm.Param{str("nome_template", "Nome do template", true), str("idioma", "Codigo do idioma, ex: pt_BR", true)}},
		bind: func(t *toolbox) toolFunc { return t.sendTemplate },
	},
	{
		action: ActionCreateLead,
		def: llm.ToolDef{Name: "criar_lead", Description: "Cria um lead no CRM.",
			Params: []llm.Param{str("nome", "Nome", false), str("telefone", "Telefone", false), str("email", "Email", false)}},
		bind: func(t *toolbox) toolFunc { return t.createLead },
	},
	{
		action: ActionEditLead,
		def: llm.ToolDef{Name: "editar_lead", Description: "Atualiza campos de um lead.",
			Params: []llm.Param{str("lead_id", "Id do lead", true), obj("valores", "Campos a atualizar")}},
		bind: func(t *toolbox) toolFunc { return t.editLead },
	},
	{
		action: ActionCreateContact,
		def: llm.ToolDef{Name: "criar_contato", Description: "Cria um contato no CRM.",
			Params: []llm.Param{str("nome", "Nome", false), str("telefone", "Telefone", false), str("email", "Email", false)}},
		bind: func(t *toolbox) toolFunc { return t.createContact },
	},
	{
		action: ActionEditContact,
		def: llm.ToolDef{Name: "editar_contato", Description: "Atualiza campos de um contato.",
			Params: []llm.Param{str("contato_id", "Id do contato", true), obj("valores", "Campos a atualizar")}},
		bind: func(t *toolbox) toolFunc { return t.editContact },
	},
	{
		action: ActionCreateDeal,
		def: llm.ToolDef{Name: "criar_deal", Description: "Cria um deal na pipeline informada.",
			Params: []llm.Param{str("contato_id", "Id do contato", false), str("pipeline_id", "Id da pipeline", false), str("stage_id", "Id da etapa", false)}},
		bind: func(t *toolbox) toolFunc { return t.createDeal },
	},
	{
		action: ActionEditDeal,
		def: llm.ToolDef{Name: "editar_deal", Description: "Atualiza campos de um deal.",
			Params: []llm.Param{str("deal_id", "Id do deal", true), obj("valores", "Campos a atualizar")}},
		bind: func(t *toolbox) toolFunc { return t.editDeal },
	},
	{
		action: ActionMoveStage,
		def: llm.ToolDef{Name: "mover_etapa", Description: "Move um deal para outra etapa.",
			Params: []llm.Param{str("deal_id", "Id do deal", true), str("stage_id", "Id da etapa", true)}},
		bind: func(t *toolbox) toolFunc { return t.moveStage },
	},
	{
		action: ActionApplyTag,
		def: llm.ToolDef{Name: "aplicar_tag", Description: "Aplica uma tag em lead ou contato.",
			Params: []llm.Param{str("tipo", "lead ou contato", true), str("entidade_id", "Id da entidade", true), str("tag_id", "Id da tag", true)}},
		bind: func(t *toolbox) toolFunc { return t.applyTag },
	},
	{
		action: ActionCustomField,
		def: llm.ToolDef{Name: "atualizar_campo_customizado", Description: "Atualiza um campo customizado em lead ou deal.",
			Params: []llm.Param{str("tipo", "lead ou deal", true), str("entidade_id", "Id da entidade", true), str("field_id", "Id do campo", true), obj("valor", "Valor do campo")}},
		bind: func(t *toolbox) toolFunc { return t.setCustomField },
	},
	{
		action: ActionResolve,
		def: llm.ToolDef{Name: "resolver_conversa", Description: "Atualiza o status da conversa.",
			Params: []llm.Param{str("status", "Novo status, ex: resolvida", true)}},
		bind: func(t *toolbox) toolFunc { return t.resolve },
	},
	{
		action: ActionSpam,
		def:    llm.ToolDef{Name: "marcar_spam", Description: "Marca a conversa atual como spam."},
		bind:   func(t *toolbox) toolFunc { return t.markSpam },
	},
	{
		action: ActionCalendarCreate, calendar: true,
		def: llm.ToolDef{Name: "criar_evento_calendar", Description: "Cria um evento no Google Calendar do agente.",
			Params: []llm.Param{obj("payload", "Recurso de evento do Google Calendar")}},
		bind: func(t *toolbox) toolFunc { return t.createEvent },
	},
	{
		action: ActionCalendarEdit, calendar: true,
		def: llm.ToolDef{Name: "editar_evento_calendar", Description: "Atualiza um evento do Google Calendar.",
			Params: []llm.Param{str("event_id", "Id do evento", true), obj("payload", "Campos do evento")}},
		bind: func(t *toolbox) toolFunc { return t.editEvent },
	},
	{
		action: ActionCalendarCancel, calendar: true,
		def: llm.ToolDef{Name: "cancelar_evento_calendar", Description: "Cancela um evento do Google Calendar.",
			Params: []llm.Param{str("event_id", "Id do evento", true)}},
		bind: func(t *toolbox) toolFunc { return t.cancelEvent },
	},
	{
		action: ActionCalendarConsult, calendar: true,
		def: llm.ToolDef{Name: "consultar_evento_calendar", Description: "Consulta um evento do Google Calendar.",
			Params: []llm.Param{str("event_id", "Id do evento", true)}},
		bind: func(t *toolbox) toolFunc { return t.getEvent },
	},
	{
		action: ActionCalendarConsult, calendar: true,
		def: llm.ToolDef{Name: "consultar_disponibilidade_calendar", Description: "Lista horarios ocupados e sugere horarios livres.",
			Params: []llm.Param{
				str("time_min", "Inicio da janela, RFC 3339", true),
				str("time_max", "Fim da janela, RFC 3339", true),
				{Name: "duracao_minutos", Type: "number", Description: "Duracao desejada em minutos"},
			}},
		bind: func(t *toolbox) toolFunc { return t.availability },
	},
}

// toolbox binds the catalog to one run.
type toolbox struct {
	e *Engine
	r *run
}

// tools returns the catalog entries the run may use.
func (e *Engine) tools(r *run) []llm.Tool {
	tb := &toolbox{e: e, r: r}
	var out []llm.Tool
	for _, entry := range catalog {
		if !r.allowed(entry.action) {
			continue
		}
		if entry.templates && !r.policy.AllowsTemplates() {
			continue
		}
		if entry.calendar && e.calendar == nil {
			continue
		}
		fn := entry.bind(tb)
		action := entry.action
		out = append(out, llm.Tool{
			ToolDef: entry.def,
			Run: func(ctx context.Context, args map[string]interface{}) string {
				if e.prom != nil {
					e.prom.ToolCalls.WithLabelValues(action).Inc()
				}
				return fn(ctx, args)
			},
		})
	}
	return out
}

func (t *toolbox) log(action string, payload map[string]interface{}, result string) {
	t.r.record(t.e.now(), action, payload, result)
}

// fail logs err under action and returns the message for the model.
func (t *toolbox) fail(action string, payload map[string]interface{}, prefix string, err error) string {
	t.log(action, payload, "erro:"+err.Error())
	log.Printf("dispatch: run %s: %s: %v", t.r.runID, action, err)
	return fmt.Sprintf("%s: %v", prefix, err)
}

// argString reads a scalar argument as text.
func argString(args map[string]interface{}, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// argMap reads an object argument. Models sometimes send objects as JSON
// strings.
func argMap(args map[string]interface{}, key string) map[string]interface{} {
	switch v := args[key].(type) {
	case map[string]interface{}:
		return v
	case string:
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m
		}
	}
	return map[string]interface{}{}
}

func (t *toolbox) sendMessage(ctx context.Context, args map[string]interface{}) string {
	text := argString(args, "texto")
	payload := map[string]interface{}{"texto": text}
	r := t.r
	if r.phone == "" {
		t.log(ActionSendMessage, payload, msgPhoneMissing)
		return msgPhoneMissing
	}
	if r.outside {
		result := "Janela de 24h expirada."
		if r.policy.AllowsTemplates() {
			result = "Janela de 24h expirada. Use um template."
		}
		t.log(ActionSendMessage, payload, result)
		return result
	}
	id, err := t.e.sendText(ctx, r, text)
	if err != nil {
		return t.fail(ActionSendMessage, payload, "Erro ao enviar mensagem", err)
	}
	r.sentByTool = true
	t.log(ActionSendMessage, payload, "enviado:"+id)
	return "Mensagem enviada: " + id
}

func (t *toolbox) sendTemplate(ctx context.Context, args map[string]interface{}) string {
	name, lang := argString(args, "nome_template"), argString(args, "idioma")
	payload := map[string]interface{}{"nome_template": name, "idioma": lang}
	r := t.r
	if r.channel() != models.ChannelWhatsApp {
		result := "Templates sao exclusivos do WhatsApp."
		t.log(ActionSendTemplate, payload, result)
		return result
	}
	if r.phone == "" {
		t.log(ActionSendTemplate, payload, msgPhoneMissing)
		return msgPhoneMissing
	}
	id, err := t.e.sendTemplate(ctx, r, name, lang)
	if err != nil {
		return t.fail(ActionSendTemplate, payload, "Erro ao enviar template", err)
	}
	r.sentByTool = true
	t.log(ActionSendTemplate, payload, "enviado:"+id)
	return "Template enviado: " + id
}

func (t *toolbox) createLead(ctx context.Context, args map[string]interface{}) string {
	payload := map[string]interface{}{
		"nome": argString(args, "nome"), "telefone": argString(args, "telefone"), "email": argString(args, "email"),
	}
	lead, err := crm.CreateLead(t.e.db.WithContext(ctx), crm.LeadOpts{
		WorkspaceID: t.r.agent.WorkspaceID,
		Name:        argString(args, "nome"),
		Phone:       argString(args, "telefone"),
		Email:       argString(args, "email"),
		Source:      t.r.channel(),
	})
	if err != nil {
		return t.fail(ActionCreateLead, payload, "Erro ao criar lead", err)
	}
	t.log(ActionCreateLead, payload, lead.ID)
	return "Lead criado: " + lead.ID
}

func (t *toolbox) editLead(ctx context.Context, args map[string]interface{}) string {
	id, values := argString(args, "lead_id"), argMap(args, "valores")
	payload := map[string]interface{}{"lead_id": id, "valores": values}
	if err := crm.UpdateLead(t.e.db.WithContext(ctx), id, values); err != nil {
		return t.fail(ActionEditLead, payload, "Erro ao atualizar lead", err)
	}
	t.log(ActionEditLead, payload, "ok")
	return "Lead atualizado"
}

func (t *toolbox) createContact(ctx context.Context, args map[string]interface{}) string {
	payload := map[string]interface{}{
		"nome": argString(args, "nome"), "telefone": argString(args, "telefone"), "email": argString(args, "email"),
	}
	c, err := crm.CreateContact(t.e.db.WithContext(ctx), crm.ContactOpts{
		WorkspaceID:     t.r.agent.WorkspaceID,
		Name:            argString(args, "nome"),
		Phone:           argString(args, "telefone"),
		Email:           argString(args, "email"),
		PipelineID:      t.r.pipelineID,
		PipelineStageID: t.r.stageID,
	})
	if err != nil {
		return t.fail(ActionCreateContact, payload, "Erro ao criar contato", err)
	}
	t.log(ActionCreateContact, payload, c.ID)
	return "Contato criado: " + c.ID
}

func (t *toolbox) editContact(ctx context.Context, args map[string]interface{}) string {
	id, values := argString(args, "contato_id"), argMap(args, "valores")
	payload := map[string]interface{}{"contato_id": id, "valores": values}
	if err := crm.UpdateContact(t.e.db.WithContext(ctx), id, values); err != nil {
		return t.fail(ActionEditContact, payload, "Erro ao atualizar contato", err)
	}
	t.log(ActionEditContact, payload, "ok")
	return "Contato atualizado"
}

func (t *toolbox) createDeal(ctx context.Context, args map[string]interface{}) string {
	contactID := argString(args, "contato_id")
	pipelineID, stageID := argString(args, "pipeline_id"), argString(args, "stage_id")
	payload := map[string]interface{}{"contato_id": contactID, "pipeline_id": pipelineID, "stage_id": stageID}
	if pipelineID == "" {
		pipelineID = t.r.pipelineID
	}
	if stageID == "" {
		stageID = t.r.stageID
	}
	d, err := crm.CreateDeal(t.e.db.WithContext(ctx), crm.DealOpts{
		WorkspaceID: t.r.agent.WorkspaceID,
		ContactID:   contactID,
		PipelineID:  pipelineID,
		StageID:     stageID,
	})
	if err != nil {
		return t.fail(ActionCreateDeal, payload, "Erro ao criar deal", err)
	}
	t.log(ActionCreateDeal, payload, d.ID)
	return "Deal criado: " + d.ID
}

func (t *toolbox) editDeal(ctx context.Context, args map[string]interface{}) string {
	id, values := argString(args, "deal_id"), argMap(args, "valores")
	payload := map[string]interface{}{"deal_id": id, "valores": values}
	if err := crm.UpdateDeal(t.e.db.WithContext(ctx), id, values); err != nil {
		return t.fail(ActionEditDeal, payload, "Erro ao atualizar deal", err)
	}
	t.log(ActionEditDeal, payload, "ok")
	return "Deal atualizado"
}

func (t *toolbox) moveStage(ctx context.Context, args map[string]interface{}) string {
	dealID, stageID := argString(args, "deal_id"), argString(args, "stage_id")
	payload := map[string]interface{}{"deal_id": dealID, "stage_id": stageID}
	if err := crm.MoveDealStage(t.e.db.WithContext(ctx), dealID, stageID); err != nil {
		return t.fail(ActionMoveStage, payload, "Erro ao mover etapa", err)
	}
	t.log(ActionMoveStage, payload, "ok")
	return "Etapa atualizada"
}

// entity maps the entity names the model uses to CRM entity types.
func entity(tipo string) string {
	switch strings.ToLower(strings.TrimSpace(tipo)) {
	case "lead":
		return crm.EntityLead
	case "contato", "contact":
		return crm.EntityContact
	case "deal", "negocio":
		return crm.EntityDeal
	}
	return tipo
}

func (t *toolbox) applyTag(ctx context.Context, args map[string]interface{}) string {
	tipo, entityID, tagID := argString(args, "tipo"), argString(args, "entidade_id"), argString(args, "tag_id")
	payload := map[string]interface{}{"tipo": tipo, "entidade_id": entityID, "tag_id": tagID}
	if err := crm.ApplyTag(t.e.db.WithContext(ctx), entity(tipo), entityID, tagID, t.r.agent.WorkspaceID); err != nil {
		return t.fail(ActionApplyTag, payload, "Erro ao aplicar tag", err)
	}
	t.log(ActionApplyTag, payload, "ok")
	return "Tag aplicada"
}

func (t *toolbox) setCustomField(ctx context.Context, args map[string]interface{}) string {
	tipo, entityID, fieldID := argString(args, "tipo"), argString(args, "entidade_id"), argString(args, "field_id")
	payload := map[string]interface{}{"tipo": tipo, "entidade_id": entityID, "field_id": fieldID}
	if contains(t.r.agent.BlockedFields, fieldID) {
		result := "Campo bloqueado nas configuracoes do agente"
		t.log(ActionCustomField, payload, result)
		return result
	}
	value := argMap(args, "valor")
	payload["valor"] = value
	err := crm.SetCustomFieldValue(t.e.db.WithContext(ctx), entity(tipo), entityID, fieldID, t.r.agent.WorkspaceID, value)
	if err != nil {
		return t.fail(ActionCustomField, payload, "Erro ao atualizar campo", err)
	}
	t.log(ActionCustomField, payload, "ok")
	return "Campo atualizado"
}

func (t *toolbox) resolve(ctx context.Context, args map[string]interface{}) string {
	status := argString(args, "status")
	payload := map[string]interface{}{"status": status}
	db := t.e.db.WithContext(ctx)
	if err := inbox.SetStatus(db, t.r.conv.ID, status); err != nil {
		return t.fail(ActionResolve, payload, "Erro ao atualizar status", err)
	}
	t.log(ActionResolve, payload, "ok")
	if status == ConversationResolved {
		if err := metrics.Increment(db, t.r.agent.ID, t.r.agent.WorkspaceID, metrics.Deltas{ConversationsClosed: 1}); err != nil {
			log.Printf("dispatch: count resolved conversation: %v", err)
		}
	}
	return "Status atualizado"
}

func (t *toolbox) markSpam(ctx context.Context, _ map[string]interface{}) string {
	if err := inbox.SetStatus(t.e.db.WithContext(ctx), t.r.conv.ID, ConversationSpam); err != nil {
		return t.fail(ActionSpam, nil, "Erro ao marcar spam", err)
	}
	t.log(ActionSpam, nil, "ok")
	return "Conversa marcada como spam"
}

func (t *toolbox) createEvent(ctx context.Context, args map[string]interface{}) string {
	body := argMap(args, "payload")
	payload := map[string]interface{}{"payload": body}
	ev, err := t.e.calendar.CreateEvent(ctx, t.r.agent.ID, "", calendar.Event(body))
	if err != nil {
		return t.fail(ActionCalendarCreate, payload, "Erro ao criar evento", err)
	}
	t.log(ActionCalendarCreate, payload, ev.ID())
	return "Evento criado: " + ev.ID()
}

func (t *toolbox) editEvent(ctx context.Context, args map[string]interface{}) string {
	id, body := argString(args, "event_id"), argMap(args, "payload")
	payload := map[string]interface{}{"event_id": id, "payload": body}
	ev, err := t.e.calendar.UpdateEvent(ctx, t.r.agent.ID, "", id, calendar.Event(body))
	if err != nil {
		return t.fail(ActionCalendarEdit, payload, "Erro ao editar evento", err)
	}
	t.log(ActionCalendarEdit, payload, "ok")
	return "Evento atualizado: " + ev.ID()
}

func (t *toolbox) cancelEvent(ctx context.Context, args map[string]interface{}) string {
	id := argString(args, "event_id")
	payload := map[string]interface{}{"event_id": id}
	if err := t.e.calendar.DeleteEvent(ctx, t.r.agent.ID, "", id); err != nil {
		return t.fail(ActionCalendarCancel, payload, "Erro ao cancelar evento", err)
	}
	t.log(ActionCalendarCancel, payload, "ok")
	return "Evento cancelado"
}

func (t *toolbox) getEvent(ctx context.Context, args map[string]interface{}) string {
	id := argString(args, "event_id")
	payload := map[string]interface{}{"event_id": id}
	ev, err := t.e.calendar.GetEvent(ctx, t.r.agent.ID, "", id)
	if err != nil {
		return t.fail(ActionCalendarConsult, payload, "Erro ao consultar evento", err)
	}
	t.log(ActionCalendarConsult, payload, "ok")
	summary, _ := ev["summary"].(string)
	if summary == "" {
		summary = ev.ID()
	}
	return "Evento: " + summary
}

func (t *toolbox) availability(ctx context.Context, args map[string]interface{}) string {
	opts := calendar.AvailabilityOpts{
		AgentID:  t.r.agent.ID,
		TimeMin:  argString(args, "time_min"),
		TimeMax:  argString(args, "time_max"),
		TimeZone: t.r.agent.Timezone,
	}
	if d, err := strconv.Atoi(argString(args, "duracao_minutos")); err == nil {
		opts.DurationMinutes = d
	}
	payload := map[string]interface{}{"time_min": opts.TimeMin, "time_max": opts.TimeMax, "duracao_minutos": opts.DurationMinutes}
	avail, err := t.e.calendar.Availability(ctx, opts)
	if err != nil {
		return t.fail(ActionCalendarConsult, payload, "Erro ao consultar disponibilidade", err)
	}
	data, err := json.Marshal(avail)
	if err != nil {
		return t.fail(ActionCalendarConsult, payload, "Erro ao consultar disponibilidade", err)
	}
	t.log(ActionCalendarConsult, payload, "ok")
	return string(data)
}
