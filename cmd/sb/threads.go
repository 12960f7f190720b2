package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/registry"
)

func newThreadsCmd() *cobra.Command {
	var (
		configPath  string
		workspaceID string
		all         bool
	)

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List a workspace's threads",
		Long:  "Connects to a workspace's engine and lists its threads, pinned first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreads(cmd, configPath, workspaceID, all)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to switchboard config file")
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "workspace id (default: first configured)")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "page through every thread instead of the first page")
	return cmd
}

func runThreads(cmd *cobra.Command, configPath, workspaceID string, all bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Workspaces) == 0 {
		return fmt.Errorf("threads: no workspaces configured in %s", configPath)
	}
	if workspaceID == "" {
		workspaceID = cfg.Workspaces[0].ID
	}
	rt, err := newRuntime(cfg, gormDB, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.close()

	ws, err := rt.reg.Workspace(workspaceID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := ws.Connect(ctx); err != nil {
		return err
	}
	threads, err := listThreads(ctx, ws, all)
	if err != nil {
		return err
	}
	printThreads(cmd.OutOrStdout(), threads, ws.HasMore())
	return nil
}

// listThreads fetches the first page, or every page when all is set.
func listThreads(ctx context.Context, ws *registry.Workspace, all bool) ([]registry.ThreadSummary, error) {
	threads, err := ws.ListThreads(ctx)
	if err != nil {
		return nil, err
	}
	for all && ws.HasMore() {
		if threads, err = ws.LoadOlderThreads(ctx); err != nil {
			return nil, err
		}
	}
	return threads, nil
}

func printThreads(out io.Writer, threads []registry.ThreadSummary, more bool) {
	if len(threads) == 0 {
		fmt.Fprintln(out, "No threads.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tQUEUED\tUPDATED\tPINNED")
	for _, th := range threads {
		pinned := ""
		if th.PinnedAt != nil {
			pinned = "yes"
		}
		name := th.Name
		if name == "" {
			name = "-"
		}
		updated := "-"
		if !th.UpdatedAt.IsZero() {
			updated = th.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", th.ID, name, th.State, th.Queued, updated, pinned)
	}
	w.Flush()
	if more {
		fmt.Fprintln(out, "More threads available; use --all to list them.")
	}
}
