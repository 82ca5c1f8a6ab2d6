// Package app builds the service graph of one agentdesk process. Every
// client is constructed once here and handed to the services that need it.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/agentdesk/internal/alert"
	"github.com/zulandar/agentdesk/internal/calendar"
	"github.com/zulandar/agentdesk/internal/channel"
	"github.com/zulandar/agentdesk/internal/config"
	"github.com/zulandar/agentdesk/internal/coordinator"
	"github.com/zulandar/agentdesk/internal/db"
	"github.com/zulandar/agentdesk/internal/debounce"
	"github.com/zulandar/agentdesk/internal/dispatch"
	"github.com/zulandar/agentdesk/internal/followup"
	"github.com/zulandar/agentdesk/internal/ingest"
	"github.com/zulandar/agentdesk/internal/jobs"
	"github.com/zulandar/agentdesk/internal/knowledge"
	"github.com/zulandar/agentdesk/internal/llm"
	"github.com/zulandar/agentdesk/internal/media"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/storage"
	"github.com/zulandar/agentdesk/internal/taskqueue"
	"github.com/zulandar/agentdesk/internal/templates"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// App holds the services of a process.
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Coordinator coordinator.Coordinator
	Prom        *metrics.Prom
	Store       *storage.Local
	Resolver    *channel.Resolver
	Models      *llm.Clients
	Media       *media.Extractor
	Knowledge   *knowledge.Service
	Calendar    *calendar.Service // nil without Google OAuth credentials
	Alerts      *alert.Notifier
	Engine      *dispatch.Engine
	Followups   *followup.Service
	Debounce    *debounce.Scheduler
	Ingester    *ingest.Ingester
	Templates   *templates.Syncer
	Queue       *taskqueue.Queue
	Worker      *taskqueue.Worker
	Jobs        *jobs.Jobs
	Sweeper     *jobs.Sweeper
}

// New connects to the configured database and coordinator and builds the
// services. Without redis.url the in-process coordinator is used.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	var coord coordinator.Coordinator
	if cfg.Redis.URL != "" {
		r, err := coordinator.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		coord = r
	} else {
		log.Printf("app: redis.url not set, debounce state is local to this process")
		coord = coordinator.NewMemory()
	}
	a, err := Build(ctx, cfg, gdb, coord)
	if err != nil {
		coord.Close()
		return nil, err
	}
	return a, nil
}

// Build wires the services over an open database and coordinator.
func Build(ctx context.Context, cfg *config.Config, gdb *gorm.DB, coord coordinator.Coordinator) (*App, error) {
	a := &App{Config: cfg, DB: gdb, Coordinator: coord}
	a.Prom = metrics.NewProm(prometheus.NewRegistry())

	httpClient := &http.Client{Timeout: 30 * time.Second}
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)

	var err error
	if a.Store, err = storage.NewLocal(cfg.Storage.Root); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Resolver, err = channel.NewResolver(channel.ResolverOpts{
		DB:       gdb,
		WhatsApp: cfg.WhatsApp,
		Baileys:  cfg.Baileys,
		HTTP:     httpClient,
		Limiter:  limiter,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Models = llm.NewClients(ctx, cfg, httpClient)
	a.Media = media.NewExtractor(a.Store, a.Models.Transcriber)

	a.Knowledge, err = knowledge.New(knowledge.Opts{
		DB:             gdb,
		Store:          a.Store,
		Extractor:      a.Media,
		Embedder:       a.Models.Embedder,
		GeminiEmbedder: a.Models.GeminiEmbedder,
		QA:             a.Models.Chain,
		Cache:          coord,
		Prom:           a.Prom,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if cfg.Google.ClientID != "" {
		a.Calendar, err = calendar.New(calendar.Opts{DB: gdb, Google: cfg.Google, HTTP: httpClient})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	if a.Alerts, err = alert.FromConfig(cfg.Alerts); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	engineOpts := dispatch.Opts{
		DB:           gdb,
		Providers:    a.Resolver,
		Chain:        a.Models.Chain,
		Knowledge:    a.Knowledge,
		Media:        a.Media,
		Alerts:       a.Alerts,
		Prom:         a.Prom,
		MaxToolSteps: cfg.Models.MaxToolSteps,
	}
	if a.Calendar != nil {
		engineOpts.Calendar = a.Calendar
	}
	if a.Engine, err = dispatch.New(engineOpts); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Followups, err = followup.New(followup.Opts{DB: gdb, Providers: a.Resolver, Prom: a.Prom})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	if a.Queue, err = taskqueue.New(taskqueue.Opts{DB: gdb, MaxAttempts: cfg.Worker.MaxAttempts}); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Worker, err = taskqueue.NewWorker(taskqueue.WorkerOpts{
		Queue:        a.Queue,
		PollInterval: cfg.Worker.PollInterval,
		Concurrency:  cfg.Worker.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Debounce, err = debounce.New(debounce.Opts{DB: gdb, Coordinator: coord, Queue: a.Queue, Prom: a.Prom})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Ingester, err = ingest.New(ingest.Opts{DB: gdb, Resolver: a.Resolver, Store: a.Store, Prom: a.Prom})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Templates = templates.NewSyncer(gdb, a.Resolver)

	a.Jobs, err = jobs.New(jobs.Opts{
		DB:        gdb,
		Queue:     a.Queue,
		Runner:    a.Engine,
		Followups: a.Followups,
		Debounce:  a.Debounce,
		Ingester:  a.Ingester,
		Knowledge: a.Knowledge,
		Templates: a.Templates,
		Prom:      a.Prom,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Jobs.Register(a.Worker)

	a.Sweeper, err = jobs.NewSweeper(jobs.SweeperOpts{
		Templates:        a.Templates,
		TemplateSyncCron: cfg.Worker.TemplateSyncCron,
		Queue:            a.Queue,
		StaleAfter:       cfg.Worker.StaleAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return a, nil
}

// Close releases the coordinator and the database pool.
func (a *App) Close() error {
	if err := a.Coordinator.Close(); err != nil {
		log.Printf("app: close coordinator: %v", err)
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return fmt.Errorf("app: close db: %w", err)
	}
	return sqlDB.Close()
}
