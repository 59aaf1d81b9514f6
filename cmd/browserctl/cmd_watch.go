package main

import (
	"context"
	"fmt"

	"browserctl/cmd/browserctl/ui"
	"browserctl/internal/browser"
	"browserctl/internal/logging"
	"browserctl/internal/tasks"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Interactive dashboard for the project's session and tasks",
	Long: `Opens a live dashboard of the project's browser session: connection
status, current URL, screenshot metadata, the telemetry tail and the task queue.

Keys: s start, x stop, up/down select a task, d delete it, enter write a new
task, q quit.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	project, err := cfg.RequireProject()
	if err != nil {
		return err
	}

	st, err := openStore(true)
	if err != nil {
		return err
	}
	defer st.Close()

	orch := newOrchestrator()
	mgr := browser.NewManager(cfg, orch)
	defer mgr.Shutdown()
	ctrl := mgr.Open(project)

	client := tasks.NewClient(project, st,
		tasks.WithDispatcher(orch),
		tasks.WithSession(ctrl),
		tasks.WithListLimit(cfg.Store.GetListLimit()),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe to tasks: %w", err)
	}
	defer client.Close()

	logging.Boot("watch dashboard opened for project %s", project)
	p := tea.NewProgram(ui.New(ctrl, client, cfg.Orchestrator.GetTimeout()), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
