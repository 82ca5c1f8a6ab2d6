package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentdesk/internal/config"
	"github.com/zulandar/agentdesk/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBSeedCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create and migrate the agentdesk database",
		Long:  "Creates the MySQL database when it does not exist yet (sqlite files are created on open) and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to agentdesk config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s (driver %s)\n", configPath, cfg.Database.Driver)

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	return migrate(cmd, configPath)
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate all tables to the current schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to agentdesk config file")
	return cmd
}

func migrate(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

func newDBSeedCmd() *cobra.Command {
	var (
		configPath string
		opts       db.SeedOpts
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a demo workspace with credits and an active agent",
		Long:  "Upserts a demo workspace, its credits, an active agent and the agent's consent so the sandbox and local webhooks can be exercised.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := db.SeedDemo(gormDB, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded workspace %s with agent %s\n", opts.WorkspaceID, opts.AgentID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to agentdesk config file")
	cmd.Flags().StringVar(&opts.WorkspaceID, "workspace", "demo-workspace", "workspace id")
	cmd.Flags().StringVar(&opts.AgentID, "agent", "demo-agent", "agent id")
	cmd.Flags().IntVar(&opts.Credits, "credits", 100, "credits granted to the workspace")
	cmd.Flags().IntVar(&opts.TrialDays, "trial-days", 0, "trial length in days (0 for no trial)")
	return cmd
}
