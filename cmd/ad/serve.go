package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentdesk/internal/api"
	"github.com/zulandar/agentdesk/internal/app"
	"github.com/zulandar/agentdesk/internal/config"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noWorker   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the task worker and the periodic sweeps",
		Long: `Serves the internal HTTP API and, unless --no-worker is set, runs the
delayed-task worker and the cron sweeps in the same process. --no-worker
requires redis.url so a separate worker sees the same debounce buffers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noWorker)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to agentdesk config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve HTTP only")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, noWorker bool) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	var require []func(*config.Config) error
	if noWorker {
		require = append(require, (*config.Config).RequireShared)
	}
	require = append(require, (*config.Config).RequireServe)
	a, err := loadApp(ctx, configPath, require...)
	if err != nil {
		return err
	}
	defer a.Close()
	if port <= 0 {
		port = a.Config.Server.Port
	}

	srv, err := newAPI(a, port, cmd)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if !noWorker {
		startWorker(g, gctx, a, cmd)
	}
	return g.Wait()
}

func newAPI(a *app.App, port int, cmd *cobra.Command) (*api.Server, error) {
	return api.New(api.Opts{
		APIKey:    a.Config.Server.APIKey,
		Port:      port,
		Out:       cmd.OutOrStdout(),
		Prom:      a.Prom,
		Queue:     a.Queue,
		Agents:    a.Engine,
		Debounce:  a.Debounce,
		Accounts:  a.Resolver,
		Ingester:  a.Ingester,
		Runs:      a.Jobs,
		Knowledge: a.Knowledge,
		Templates: a.Templates,
		Media:     a.Media,
	})
}

func startWorker(g *errgroup.Group, ctx context.Context, a *app.App, cmd *cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), "Worker started: %d task kinds, %d sweeps, concurrency %d\n",
		a.Worker.Kinds(), a.Sweeper.Len(), a.Config.Worker.Concurrency)
	g.Go(func() error { return a.Worker.Run(ctx) })
	g.Go(func() error { return a.Sweeper.Run(ctx) })
}

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the delayed-task worker and the periodic sweeps",
		Long: `Runs queued tasks (agent runs, follow-ups, webhook processing, knowledge
files, template syncs) and the cron sweeps without serving HTTP. Requires
redis.url, shared with the serving process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to agentdesk config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	a, err := loadApp(ctx, configPath, (*config.Config).RequireShared)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	startWorker(g, gctx, a, cmd)
	return g.Wait()
}
