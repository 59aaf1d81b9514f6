package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"browserctl/internal/browser"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// SESSION COMMANDS - container lifecycle, screenshots, telemetry
// =============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project's browser session status",
	RunE:  runStatus,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Provision the project's browser session container",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the project's browser session container",
	RunE:  runStop,
}

var screenshotCmd = &cobra.Command{
	Use:   "screenshot [file]",
	Short: "Capture the session's current screen as PNG",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScreenshot,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail the session's live telemetry until interrupted",
	RunE:  runEvents,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	ctrl, err := newController(newOrchestrator())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	status, err := ctrl.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	printState(cmd, ctrl.State())
	logger.Debug("status resolved", zap.String("project", ctrl.ProjectID()), zap.String("status", string(status)))
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	ctrl, err := newController(newOrchestrator())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	// pick up an existing session instead of creating a second one
	if _, err := ctrl.Status(ctx); err != nil {
		logger.Warn("status check before start failed", zap.Error(err))
	}

	logger.Info("starting session", zap.String("project", ctrl.ProjectID()))
	sess, err := ctrl.Create(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session running for project %s on port %d\n", sess.ProjectID, sess.Port)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	ctrl, err := newController(newOrchestrator())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	logger.Info("stopping session", zap.String("project", ctrl.ProjectID()))
	if err := ctrl.Stop(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session stopped for project %s\n", ctrl.ProjectID())
	return nil
}

func runScreenshot(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	ctrl, err := newController(newOrchestrator())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if _, err := ctrl.Status(ctx); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	shot, err := ctrl.Capture(ctx)
	if errors.Is(err, browser.ErrNoSession) {
		return fmt.Errorf("no running session for project %s (run 'browserctl start')", ctrl.ProjectID())
	}
	if err != nil {
		return err
	}

	path := fmt.Sprintf("screenshot-%s-%s.png", ctrl.ProjectID(), shot.CapturedAt.Format("20060102-150405"))
	if len(args) > 0 {
		path = args[0]
	}
	if err := os.WriteFile(path, shot.Data, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", path, len(shot.Data))
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	ctrl, err := newController(newOrchestrator())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	states, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	ctrl.Open()

	out := cmd.OutOrStdout()
	var (
		last     uint64
		status   browser.ConnectionStatus
		notified bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if st.Status != status {
				status = st.Status
				fmt.Fprintf(out, "-- session %s\n", status)
			}
			if st.Status == browser.StatusDisconnected && !notified {
				fmt.Fprintln(out, "-- waiting for a session (run 'browserctl start')")
				notified = true
			}
			last = printEvents(out, st.Events, last)
		}
	}
}

// printEvents writes the events with a sequence number above last and returns
// the highest sequence number written.
func printEvents(out io.Writer, events []browser.TelemetryEvent, last uint64) uint64 {
	for _, ev := range events {
		if ev.Seq <= last {
			continue
		}
		fmt.Fprintf(out, "%s %-10s %s\n", ev.ReceivedAt.Local().Format("15:04:05.000"), ev.Type, string(ev.Data))
		last = ev.Seq
	}
	return last
}

func printState(cmd *cobra.Command, st browser.State) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Project:  %s\n", st.ProjectID)
	fmt.Fprintf(out, "Status:   %s\n", st.Status)
	if s := st.Session; s != nil {
		fmt.Fprintf(out, "Port:     %d\n", s.Port)
		if s.VNCPort > 0 {
			fmt.Fprintf(out, "VNC port: %d\n", s.VNCPort)
		}
		fmt.Fprintf(out, "Session:  %s\n", s.Status)
		if !s.CreatedAt.IsZero() {
			fmt.Fprintf(out, "Created:  %s\n", s.CreatedAt.Local().Format(time.RFC3339))
		}
		if !s.LastActivity.IsZero() {
			fmt.Fprintf(out, "Active:   %s\n", s.LastActivity.Local().Format(time.RFC3339))
		}
	}
	if st.LastError != nil {
		fmt.Fprintf(out, "Error:    %v\n", st.LastError)
	}
}
