package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bronaugh/esgf-download/internal/catalog"
	"github.com/bronaugh/esgf-download/internal/config"
	"github.com/bronaugh/esgf-download/internal/engine"
	"github.com/bronaugh/esgf-download/internal/logging"
	"github.com/bronaugh/esgf-download/internal/progress"
)

var (
	cfgFile string
	verbose bool
	logger  *logging.Logger
)

// NewRootCmd builds the esgf-download command tree: a persistent --config
// flag plus the `run` and `reset` subcommands (§10.5).
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "esgf-download",
		Short: "Resumable, multi-host download orchestrator for a federated data archive",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefault()
			if verbose {
				logging.SetGlobalLevel(-1)
			}
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path (required)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug-level logging")
	root.MarkPersistentFlagRequired("config")

	root.AddCommand(newRunCmd())
	root.AddCommand(newResetCmd())

	return root
}

// Execute runs the CLI, wiring SIGINT/SIGTERM to the orchestrator's
// immediate-shutdown path via context cancellation.
func Execute() error {
	return NewRootCmd().Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and run until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := catalog.Open(cfg.DatabaseFile)
			if err != nil {
				return fmt.Errorf("opening catalog: %w", err)
			}
			defer store.Close()

			orch := engine.NewOrchestrator(cfg, store, logger)

			var ui *progress.DownloadUI
			if !noProgress {
				ui = progress.NewDownloadUI()
				orch.SetEventObserver(ui.HandleEvent)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runErr := orch.Run(ctx)
			if ui != nil {
				ui.Wait()
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the terminal progress display")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset rows stuck in 'running' (e.g. after a kill -9) back to 'waiting'",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := catalog.Open(cfg.DatabaseFile)
			if err != nil {
				return fmt.Errorf("opening catalog: %w", err)
			}
			defer store.Close()

			n, err := store.ResetStuckRunning()
			if err != nil {
				return fmt.Errorf("resetting stuck rows: %w", err)
			}

			logger.Info().Int64("rows_reset", n).Msg("reset stuck transfers to waiting")
			return nil
		},
	}
}
