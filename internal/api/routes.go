package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agentdesk/internal/debounce"
	"github.com/zulandar/agentdesk/internal/dispatch"
	"github.com/zulandar/agentdesk/internal/ingest"
	"github.com/zulandar/agentdesk/internal/jobs"
	"github.com/zulandar/agentdesk/internal/knowledge"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

const retired = "UAZAPI desativado."

// registerRoutes sets up every route on the router.
func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Prom != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Prom.Handler()))
	}

	r := s.router.Group("/", requireKey(s.opts.APIKey))

	r.POST("/integrations/whatsapp-baileys/notify", s.handleNotify)
	r.GET("/integrations/whatsapp-baileys/groups", s.handleGroups)
	r.POST("/integrations/whatsapp/templates/sync", s.handleTemplateSync)
	r.POST("/integrations/uazapi/sync", handleRetired)

	r.POST("/agents/:id/run", s.handleRun)
	r.POST("/agents/:id/knowledge/process", s.handleKnowledge)
	r.POST("/agents/:id/sandbox", s.handleSandbox)

	r.POST("/webhooks/whatsapp/process", s.handleWhatsApp)
	r.POST("/webhooks/instagram/process", s.handleInstagram)
	r.POST("/webhooks/whatsapp-nao-oficial/process", handleRetired)
}

func handleRetired(c *gin.Context) {
	respondError(c, http.StatusGone, retired)
}

func unavailable(c *gin.Context, what string) {
	respondError(c, http.StatusServiceUnavailable, what+" not configured")
}

// background reads the background query flag, true when absent.
func background(c *gin.Context) (bool, bool) {
	v := c.Query("background")
	if v == "" {
		return true, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		respondError(c, http.StatusBadRequest, "Invalid background flag")
		return false, false
	}
	return b, true
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func taskStatus(t *models.Task) string {
	return "queued:" + strconv.FormatUint(uint64(t.ID), 10)
}

func (s *Server) handleNotify(c *gin.Context) {
	if s.opts.Debounce == nil {
		unavailable(c, "Debounce")
		return
	}
	var n debounce.Notification
	if !bindJSON(c, &n) {
		return
	}
	if n.WorkspaceID == "" || n.IntegrationAccountID == "" || n.ConversationID == "" {
		respondError(c, http.StatusBadRequest, "workspace_id, integration_account_id and conversation_id are required")
		return
	}
	out, err := s.opts.Debounce.Notify(c.Request.Context(), n)
	if err != nil {
		log.Printf("api: notify conversation %s: %v", n.ConversationID, err)
		respondError(c, http.StatusInternalServerError, "Notify failed")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGroups(c *gin.Context) {
	if s.opts.Accounts == nil {
		unavailable(c, "Baileys")
		return
	}
	accountID := c.Query("integration_account_id")
	if accountID == "" {
		accountID = c.Query("integrationAccountId")
	}
	if accountID == "" {
		respondError(c, http.StatusBadRequest, "integration_account_id is required")
		return
	}
	ctx := c.Request.Context()
	acct, err := s.opts.Accounts.Account(ctx, accountID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("api: groups: %v", err)
		respondError(c, http.StatusInternalServerError, "Account lookup failed")
		return
	}
	if acct == nil || acct.Provider != models.ProviderWhatsAppBaileys {
		respondError(c, http.StatusBadRequest, "Integration account is not Baileys")
		return
	}
	bridge, err := s.opts.Accounts.Baileys(accountID)
	if err != nil {
		log.Printf("api: groups: %v", err)
		respondError(c, http.StatusBadGateway, "Baileys service error")
		return
	}
	groups, err := bridge.ListGroups(ctx)
	if err != nil {
		log.Printf("api: groups: %v", err)
		respondError(c, http.StatusBadGateway, "Baileys service error")
		return
	}
	c.JSON(http.StatusOK, groups)
}

type runRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	InputText      string `json:"input_text"`
}

func (s *Server) handleRun(c *gin.Context) {
	bg, ok := background(c)
	if !ok {
		return
	}
	var req runRequest
	if !bindJSON(c, &req) {
		return
	}
	agentID := c.Param("id")
	ctx := c.Request.Context()
	log.Printf("api: run agent %s conversation %s background=%t input=%d chars", agentID, req.ConversationID, bg, len(strings.TrimSpace(req.InputText)))

	if bg {
		task, err := s.opts.Queue.Enqueue(ctx, jobs.KindRunAgent, jobs.RunAgent{
			AgentID:        agentID,
			ConversationID: req.ConversationID,
			Input:          req.InputText,
		}, 0)
		if err != nil {
			log.Printf("api: enqueue run: %v", err)
			respondError(c, http.StatusInternalServerError, "Agent run failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"run_id": strconv.FormatUint(uint64(task.ID), 10), "status": jobs.StatusQueued})
		return
	}

	res, err := s.opts.Agents.Run(ctx, agentID, req.ConversationID, req.InputText)
	if errors.Is(err, dispatch.ErrNotFound) {
		respondError(c, http.StatusNotFound, "Agent or conversation not found")
		return
	}
	if err != nil || res.Status == dispatch.StatusFailed {
		if err != nil {
			log.Printf("api: run agent %s: %v", agentID, err)
		}
		respondError(c, http.StatusInternalServerError, "Agent run failed")
		return
	}
	status := res.Status
	if res.Reason != "" {
		status += ":" + res.Reason
	}
	c.JSON(http.StatusOK, gin.H{"run_id": res.RunID, "status": status})
}

type knowledgeRequest struct {
	FileID string `json:"file_id" binding:"required"`
}

func (s *Server) handleKnowledge(c *gin.Context) {
	bg, ok := background(c)
	if !ok {
		return
	}
	var req knowledgeRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	if bg {
		task, err := s.opts.Queue.Enqueue(ctx, jobs.KindKnowledgeFile, jobs.KnowledgeFile{FileID: req.FileID}, 0)
		if err != nil {
			log.Printf("api: enqueue knowledge file: %v", err)
			respondError(c, http.StatusInternalServerError, "Knowledge processing failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"file_id": req.FileID, "status": taskStatus(task)})
		return
	}
	if s.opts.Knowledge == nil {
		unavailable(c, "Knowledge")
		return
	}
	res, err := s.opts.Knowledge.ProcessFile(ctx, req.FileID)
	if errors.Is(err, knowledge.ErrFileNotFound) {
		respondError(c, http.StatusNotFound, "Knowledge file not found")
		return
	}
	if err != nil || res.Status != "" {
		if err != nil {
			log.Printf("api: process knowledge file %s: %v", req.FileID, err)
		}
		respondError(c, http.StatusInternalServerError, "Knowledge processing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"file_id": req.FileID, "status": "processed"})
}

type eventRequest struct {
	EventID string `json:"event_id" binding:"required"`
}

// handleWhatsApp ingests the event inline, queues the agent runs and a
// separate media pass.
func (s *Server) handleWhatsApp(c *gin.Context) {
	if s.opts.Ingester == nil || s.opts.Runs == nil {
		unavailable(c, "Ingestion")
		return
	}
	var req eventRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	res, err := s.opts.Ingester.WhatsApp(ctx, req.EventID)
	if errors.Is(err, ingest.ErrEventNotFound) {
		respondError(c, http.StatusNotFound, "Webhook event not found")
		return
	}
	if err != nil {
		log.Printf("api: whatsapp event %s: %v", req.EventID, err)
		respondError(c, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	log.Printf("api: whatsapp event %s workspace %s account %s conversations %d", req.EventID, res.WorkspaceID, res.IntegrationAccountID, len(res.ConversationIDs))
	if _, err := s.opts.Runs.EnqueueRuns(ctx, res, ""); err != nil {
		log.Printf("api: whatsapp event %s: %v", req.EventID, err)
		respondError(c, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	if _, err := s.opts.Queue.Enqueue(ctx, jobs.KindWhatsAppMedia, jobs.Event{EventID: req.EventID}, 0); err != nil {
		log.Printf("api: enqueue media pass for %s: %v", req.EventID, err)
	}
	c.JSON(http.StatusOK, gin.H{"event_id": req.EventID, "status": "processed_inline"})
}

func (s *Server) handleInstagram(c *gin.Context) {
	var req eventRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.opts.Queue.Enqueue(c.Request.Context(), jobs.KindInstagramEvent, jobs.Event{EventID: req.EventID}, 0)
	if err != nil {
		log.Printf("api: enqueue instagram event: %v", err)
		respondError(c, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": req.EventID, "status": taskStatus(task)})
}

type templateSyncRequest struct {
	WorkspaceID          string `json:"workspace_id" binding:"required"`
	IntegrationAccountID string `json:"integration_account_id"`
}

func (s *Server) handleTemplateSync(c *gin.Context) {
	bg, ok := background(c)
	if !ok {
		return
	}
	var req templateSyncRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	if bg {
		task, err := s.opts.Queue.Enqueue(ctx, jobs.KindSyncTemplates, jobs.SyncTemplates{
			WorkspaceID:          req.WorkspaceID,
			IntegrationAccountID: req.IntegrationAccountID,
		}, 0)
		if err != nil {
			log.Printf("api: enqueue template sync: %v", err)
			respondError(c, http.StatusInternalServerError, "Template sync failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": taskStatus(task), "templates": 0})
		return
	}
	if s.opts.Templates == nil {
		unavailable(c, "Templates")
		return
	}
	res, err := s.opts.Templates.Sync(ctx, req.WorkspaceID, req.IntegrationAccountID)
	if err != nil {
		log.Printf("api: sync templates for %s: %v", req.WorkspaceID, err)
		respondError(c, http.StatusBadGateway, "Template sync failed")
		return
	}
	c.JSON(http.StatusOK, res)
}
