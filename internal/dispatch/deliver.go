package dispatch

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/agentdesk/internal/billing"
	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/inbox"
	"github.com/zulandar/agentdesk/internal/models"
	"github.com/zulandar/agentdesk/internal/templates"
)

// Delivery results logged for the final reply.
const (
	ResultSent              = "enviado"
	ResultBlockedPermission = "bloqueado_permissao"
	ResultBlockedWindow     = "bloqueado_janela_24h"
	ResultNoTemplate        = "sem_template_disponivel"
)

// deliver sends the model's final reply when no tool already did. Outside
// the window a provider that allows templates reopens the conversation with
// an approved one; every other provider holds the reply.
func (e *Engine) deliver(ctx context.Context, r *run, content string) {
	switch {
	case !r.allowed(ActionSendMessage):
		r.record(e.now(), ActionSendMessage, map[string]interface{}{"texto": content}, ResultBlockedPermission)
	case r.outside && r.policy.AllowsTemplates():
		e.deliverTemplate(ctx, r)
	case r.outside:
		r.record(e.now(), ActionSendMessage, map[string]interface{}{"texto": content}, ResultBlockedWindow)
	default:
		payload := map[string]interface{}{"texto": content}
		if _, err := e.sendText(ctx, r, content); err != nil {
			log.Printf("dispatch: run %s: deliver reply: %v", r.runID, err)
			r.record(e.now(), ActionSendMessage, payload, "erro:"+err.Error())
			return
		}
		r.record(e.now(), ActionSendMessage, payload, ResultSent)
	}
}

func (e *Engine) deliverTemplate(ctx context.Context, r *run) {
	tpl, err := templates.Best(e.db.WithContext(ctx), r.agent.WorkspaceID)
	if err != nil {
		r.record(e.now(), ActionSendTemplate, nil, "erro:"+err.Error())
		return
	}
	if tpl == nil {
		r.record(e.now(), ActionSendTemplate, nil, ResultNoTemplate)
		return
	}
	payload := map[string]interface{}{"template": tpl.Name, "idioma": tpl.Language}
	if _, err := e.sendTemplate(ctx, r, tpl.Name, tpl.Language); err != nil {
		log.Printf("dispatch: run %s: deliver template %s: %v", r.runID, tpl.Name, err)
		r.record(e.now(), ActionSendTemplate, payload, "erro:"+err.Error())
		return
	}
	r.record(e.now(), ActionSendTemplate, payload, ResultSent)
}

// windowPolicy asks the run's provider how the 24h window applies. A
// provider that cannot be built is held to the enforced window and the
// send reports the error.
func (e *Engine) windowPolicy(ctx context.Context, r *run) channel.WindowPolicy {
	p, err := e.sender(ctx, r)
	if err != nil {
		log.Printf("dispatch: agent %s conversation %s: resolve provider: %v", r.agent.ID, r.conversationID, err)
		return channel.WindowEnforced
	}
	return p.WindowPolicy()
}

// sender resolves the run's provider once.
func (e *Engine) sender(ctx context.Context, r *run) (channel.Provider, error) {
	if r.sender != nil {
		return r.sender, nil
	}
	p, err := e.providers.ForAgent(ctx, r.agent, r.channel())
	if err != nil {
		return nil, err
	}
	r.sender = p
	return p, nil
}

func (e *Engine) countSend(provider, kind string, err error) {
	if e.prom == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.prom.Sends.WithLabelValues(provider, kind, result).Inc()
}

// sendText delivers text to the run's phone and records it. It returns the
// provider message id.
func (e *Engine) sendText(ctx context.Context, r *run, text string) (string, error) {
	p, err := e.sender(ctx, r)
	if err != nil {
		e.countSend(r.provider, "text", err)
		return "", err
	}
	res, err := p.SendText(ctx, r.phone, text)
	e.countSend(p.Name(), "text", err)
	if err != nil {
		return "", err
	}
	e.recordOutbound(ctx, r, text, res.MessageID)
	return res.MessageID, nil
}

// sendTemplate delivers a template to the run's phone and records it.
func (e *Engine) sendTemplate(ctx context.Context, r *run, name, language string) (string, error) {
	p, err := e.sender(ctx, r)
	if err != nil {
		e.countSend(r.provider, "template", err)
		return "", err
	}
	res, err := p.SendTemplate(ctx, r.phone, name, language)
	e.countSend(p.Name(), "template", err)
	if err != nil {
		return "", err
	}
	e.recordOutbound(ctx, r, fmt.Sprintf("Template enviado: %s", name), res.MessageID)
	return res.MessageID, nil
}

// recordOutbound stores a delivered message and charges one credit. The
// message is already out, so failures here are logged.
func (e *Engine) recordOutbound(ctx context.Context, r *run, content, externalID string) {
	r.credits++
	db := e.db.WithContext(ctx)
	msg, err := inbox.CreateAgentMessage(db, r.agent.WorkspaceID, r.conv.ID, content, models.KindText, externalID)
	if err != nil {
		log.Printf("dispatch: run %s: record outbound message: %v", r.runID, err)
	}
	opts := billing.ConsumeOpts{
		WorkspaceID:    r.agent.WorkspaceID,
		AgentID:        r.agent.ID,
		ConversationID: r.conv.ID,
		Credits:        1,
	}
	if msg != nil {
		opts.MessageID = msg.ID
	}
	if err := billing.Consume(db, opts); err != nil {
		log.Printf("dispatch: run %s: consume credit: %v", r.runID, err)
	}
}
