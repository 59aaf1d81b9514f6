// Package main implements the browserctl CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"browserctl/internal/browser"
	"browserctl/internal/config"
	"browserctl/internal/logging"
	"browserctl/internal/orchestrator"
	"browserctl/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	projectFlag string
	timeout     time.Duration

	// Resolved in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "browserctl",
	Short: "Manage remote browser sessions and automation tasks",
	Long: `browserctl drives a project's remote browser session.

It provisions the session container through the orchestrator, follows the
worker's live telemetry and screenshots, and queues automation tasks for the
browser agent.

Run 'browserctl watch' for the interactive dashboard.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		if cmd.Name() == "watch" {
			// the dashboard owns the terminal
			logger = zap.NewNop()
		} else if logger, err = zc.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if projectFlag != "" {
			cfg.ProjectID = projectFlag
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := logging.Initialize(cfg.Logging.Options()); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		logging.Boot("browserctl %s (project %q, orchestrator %s)", cmd.Name(), cfg.ProjectID, cfg.Orchestrator.BaseURL)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".browserctl/config.yaml", "Config file")
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", "", "Project ID (or set BROWSERCTL_PROJECT)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(statusCmd, startCmd, stopCmd, screenshotCmd, eventsCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// commandContext returns a context bounded by --timeout and cancelled on
// SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

// signalContext is cancelled only on SIGINT/SIGTERM, for long-running commands.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newOrchestrator() *orchestrator.Client {
	return orchestrator.NewClient(cfg.Orchestrator)
}

// newController builds a controller for the configured project. The caller
// must Close it.
func newController(orch browser.Orchestrator) (*browser.Controller, error) {
	project, err := cfg.RequireProject()
	if err != nil {
		return nil, err
	}
	return browser.NewController(project, cfg, orch), nil
}

// openStore opens the task store. One-shot commands skip the external-write
// watcher.
func openStore(watch bool) (*store.TaskStore, error) {
	sc := cfg.Store
	sc.WatchExternal = sc.WatchExternal && watch
	return store.NewTaskStore(sc)
}
