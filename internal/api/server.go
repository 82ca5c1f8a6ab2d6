// Package api serves the internal HTTP surface called by the product
// backend: webhook processing, debounce notifications, agent runs, the
// sandbox and maintenance triggers.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/debounce"
	"github.com/zulandar/agentdesk/internal/dispatch"
	"github.com/zulandar/agentdesk/internal/ingest"
	"github.com/zulandar/agentdesk/internal/jobs"
	"github.com/zulandar/agentdesk/internal/knowledge"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
	"github.com/zulandar/agentdesk/internal/templates"
)

// Notifier buffers inbound Baileys messages.
type Notifier interface {
	Notify(ctx context.Context, n debounce.Notification) (*debounce.Outcome, error)
}

// Agents runs agents inline.
type Agents interface {
	Run(ctx context.Context, agentID, conversationID, input string) (*dispatch.Result, error)
	Sandbox(ctx context.Context, agentID string, msgs []dispatch.SandboxMessage) (*dispatch.SandboxResult, error)
}

// Accounts resolves integration accounts and their Baileys sessions.
type Accounts interface {
	Account(ctx context.Context, id string) (*models.IntegrationAccount, error)
	Baileys(accountID string) (*channel.Baileys, error)
}

// Ingester processes a stored WhatsApp webhook.
type Ingester interface {
	WhatsApp(ctx context.Context, eventID string) (*ingest.Result, error)
}

// Runs queues agent runs for ingested conversations.
type Runs interface {
	EnqueueRuns(ctx context.Context, res *ingest.Result, channel string) (*jobs.Dispatch, error)
}

// Knowledge processes knowledge files inline.
type Knowledge interface {
	ProcessFile(ctx context.Context, fileID string) (*knowledge.ProcessResult, error)
}

// Templates syncs WhatsApp templates inline.
type Templates interface {
	Sync(ctx context.Context, workspaceID, accountID string) (*templates.Result, error)
}

// Extractor turns sandbox uploads into text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, filename, mimeType string) (string, error)
}

// Opts configures a Server. APIKey, Queue and Agents are required; routes
// whose dependency is nil answer 503.
type Opts struct {
	APIKey    string
	Port      int
	Out       io.Writer
	Prom      *metrics.Prom
	Queue     jobs.Enqueuer
	Agents    Agents
	Debounce  Notifier
	Accounts  Accounts
	Ingester  Ingester
	Runs      Runs
	Knowledge Knowledge
	Templates Templates
	Media     Extractor
}

// Server is the HTTP API.
type Server struct {
	opts   Opts
	router *gin.Engine
}

// New validates opts and builds the router.
func New(opts Opts) (*Server, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("api: api key is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("api: queue is required")
	}
	if opts.Agents == nil {
		return nil, fmt.Errorf("api: agents are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8001
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if opts.Prom != nil {
		router.Use(instrument(opts.Prom))
	}

	s := &Server{opts: opts, router: router}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.opts.Out != nil {
		fmt.Fprintf(s.opts.Out, "API listening on http://localhost:%d\n", s.opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
