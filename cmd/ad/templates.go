package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentdesk/internal/templates"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage WhatsApp message templates",
	}

	cmd.AddCommand(newTemplatesSyncCmd())
	return cmd
}

func newTemplatesSyncCmd() *cobra.Command {
	var (
		configPath  string
		workspaceID string
		accountID   string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull approved templates from the WhatsApp Business API",
		Long:  "Replaces the stored templates of one workspace (--workspace) or of every workspace with an official WhatsApp account.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := loadApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if workspaceID != "" {
				res, err := a.Templates.Sync(ctx, workspaceID, accountID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s (%d templates)\n", workspaceID, res.Status, res.Templates)
				return nil
			}
			results, err := a.Templates.SyncAll(ctx)
			if err != nil {
				return err
			}
			printSyncResults(cmd, results)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to agentdesk config file")
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "sync a single workspace")
	cmd.Flags().StringVar(&accountID, "account", "", "restrict to one integration account (with --workspace)")
	return cmd
}

func printSyncResults(cmd *cobra.Command, results map[string]*templates.Result) {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No workspaces with an official WhatsApp account.")
		return
	}
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "%s: %s (%d templates)\n", id, results[id].Status, results[id].Templates)
	}
}
