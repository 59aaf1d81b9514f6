package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"browserctl/internal/browser"
	"browserctl/internal/store"
	"browserctl/internal/tasks"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// TASK COMMANDS - the project's automation task queue
// =============================================================================

var (
	taskType     string
	taskPriority int
	taskLimit    int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect browser automation tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [task description]",
	Short: "Queue a task and dispatch it to the agent when a session is running",
	Long: `Stores a pending task for the project. When the project's session is
connected the task is also dispatched to the browser agent; otherwise it stays
pending until the agent picks it up.

Example:
  browserctl task submit --type scrape "collect the prices on the first results page"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the project's newest tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show a task with its rendered response",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var taskCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Ask the session worker to release a stuck task",
	RunE:  runTaskCleanup,
}

func init() {
	taskSubmitCmd.Flags().StringVarP(&taskType, "type", "t", string(store.TaskAction), "Task type: action, query, scrape or login")
	taskSubmitCmd.Flags().IntVar(&taskPriority, "priority", tasks.DefaultPriority, "Priority 1-10")
	taskListCmd.Flags().IntVarP(&taskLimit, "limit", "n", 0, "Maximum tasks to list (default store.list_limit)")

	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskDeleteCmd, taskCleanupCmd)
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	st, err := openStore(false)
	if err != nil {
		return err
	}
	defer st.Close()

	orch := newOrchestrator()
	ctrl, err := newController(orch)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if _, err := ctrl.Status(ctx); err != nil {
		logger.Warn("session status unavailable, task will not be dispatched", zap.Error(err))
	}

	client := tasks.NewClient(ctrl.ProjectID(), st, tasks.WithDispatcher(orch), tasks.WithSession(ctrl))
	task, err := client.Submit(ctx, tasks.NewTask{
		Task:     strings.Join(args, " "),
		TaskType: store.TaskType(taskType),
		Priority: taskPriority,
	})

	var de *tasks.DispatchError
	switch {
	case errors.As(err, &de):
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s stored as pending; dispatch failed: %v\n", task.ID, de.Err)
		return nil
	case err != nil:
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Task %s submitted (%s, priority %d)\n", task.ID, task.TaskType, task.Priority)
	if !ctrl.Connected() {
		fmt.Fprintln(cmd.OutOrStdout(), "No running session; the task stays pending until the agent picks it up.")
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	project, err := cfg.RequireProject()
	if err != nil {
		return err
	}
	st, err := openStore(false)
	if err != nil {
		return err
	}
	defer st.Close()

	limit := taskLimit
	if limit <= 0 {
		limit = cfg.Store.GetListLimit()
	}
	client := tasks.NewClient(project, st, tasks.WithListLimit(limit))
	if err := client.Subscribe(ctx); err != nil {
		return err
	}
	defer client.Close()

	list := client.Tasks()
	if len(list) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No tasks for project %s\n", project)
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tPRIO\tCREATED\tTASK")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(t.ID), t.Status, t.TaskType, t.Priority,
			t.CreatedAt.Local().Format("2006-01-02 15:04"), ellipsize(t.Task, 60))
	}
	return tw.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	project, err := cfg.RequireProject()
	if err != nil {
		return err
	}
	st, err := openStore(false)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := resolveTaskID(ctx, st, project, args[0])
	if err != nil {
		return err
	}
	t, err := st.GetTask(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", t.ID)
	fmt.Fprintf(out, "Task:      %s\n", t.Task)
	fmt.Fprintf(out, "Type:      %s (priority %d)\n", t.TaskType, t.Priority)
	fmt.Fprintf(out, "Status:    %s\n", t.Status)
	fmt.Fprintf(out, "Created:   %s\n", t.CreatedAt.Local().Format(time.RFC3339))
	if t.StartedAt != nil {
		fmt.Fprintf(out, "Started:   %s\n", t.StartedAt.Local().Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(out, "Completed: %s\n", t.CompletedAt.Local().Format(time.RFC3339))
	}
	if t.IterationsUsed != nil {
		fmt.Fprintf(out, "Iterations: %d\n", *t.IterationsUsed)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", t.ErrorMessage)
	}
	if text := t.ResponseText(); text != "" {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err == nil {
			if rendered, err := r.Render(text); err == nil {
				text = rendered
			}
		}
		fmt.Fprintf(out, "\n%s\n", strings.TrimRight(text, "\n"))
	}
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	project, err := cfg.RequireProject()
	if err != nil {
		return err
	}
	st, err := openStore(false)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := resolveTaskID(ctx, st, project, args[0])
	if err != nil {
		return err
	}
	if err := tasks.NewClient(project, st).Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", id)
	return nil
}

func runTaskCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	st, err := openStore(false)
	if err != nil {
		return err
	}
	defer st.Close()

	ctrl, err := newController(newOrchestrator())
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if _, err := ctrl.Status(ctx); err != nil {
		return fmt.Errorf("status: %w", err)
	}

	res, err := tasks.NewClient(ctrl.ProjectID(), st, tasks.WithSession(ctrl)).ForceCleanup(ctx)
	if errors.Is(err, browser.ErrNoSession) {
		return fmt.Errorf("no running session for project %s", ctrl.ProjectID())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleanup: %s\n", res.Message)
	return nil
}

// resolveTaskID accepts a full ID or a unique prefix of one of the project's
// tasks.
func resolveTaskID(ctx context.Context, st *store.TaskStore, project, ref string) (string, error) {
	if t, err := st.GetTask(ctx, ref); err == nil {
		return t.ID, nil
	} else if !errors.Is(err, store.ErrTaskNotFound) {
		return "", err
	}

	all, err := st.ListTasks(ctx, project, 0)
	if err != nil {
		return "", err
	}
	var match string
	for _, t := range all {
		if strings.HasPrefix(t.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("task id %q is ambiguous", ref)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("task %q: %w", ref, store.ErrTaskNotFound)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ellipsize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
