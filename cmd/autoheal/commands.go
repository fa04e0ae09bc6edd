package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/autoheal/internal/config"
	"github.com/clawinfra/autoheal/internal/learning"
	"github.com/clawinfra/autoheal/internal/orchestrator"
	"github.com/clawinfra/autoheal/internal/retention"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := setup(ctx, flags, cmd.OutOrStdout(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			app.Logger.Info("starting autoheal",
				"version", version,
				"config", flags.configPath,
				"modules", len(app.Config.Modules),
				"interval_sec", app.Config.Cycle.IntervalSec,
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return app.Orchestrator.Run(gctx)
			})
			if !noWatch {
				w, err := config.NewWatcher(app.Logger, watchPaths(app.Config, flags.configPath)...)
				if err != nil {
					app.Logger.Warn("config watching disabled", "error", err)
				} else {
					g.Go(func() error {
						return w.Run(gctx, app.Orchestrator.RequestReload)
					})
				}
			}
			g.Go(func() error {
				waitForShutdown(gctx, cancel, app)
				return nil
			})

			if err := g.Wait(); err != nil {
				return err
			}
			app.Logger.Info("autoheal stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config when its file changes")
	return cmd
}

// waitForShutdown blocks until a termination signal arrives or ctx ends.
// Platform reload signals request a config reload instead.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, app *App) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received, finishing current cycle", "signal", sig)
			cancel()
			return
		}
	}
}

func watchPaths(cfg *config.Config, configPath string) []string {
	paths := []string{configPath}
	if manifest := cfg.ModulesPath(configPath); manifest != "" {
		paths = append(paths, manifest)
	}
	return paths
}

func newOnceCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context(), flags, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			// Signals are caught so the cycle in progress completes before exit.
			ctx, stop := signal.NotifyContext(cmd.Context(), getShutdownSignals()...)
			defer stop()

			rep, err := app.Orchestrator.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("cycle failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderReport(rep))
			return nil
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cycle state, cleanup statistics and the learning model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := quietLogger(cmd)
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			st, err := orchestrator.LoadState(cfg.DataPath("cycle-state.json"), logger)
			if err != nil {
				return err
			}
			var latest *orchestrator.Report
			if rep, err := orchestrator.LatestReport(cfg.ReportsDir()); err == nil {
				latest = &rep
			} else if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("latest report unreadable", "error", err)
			}

			stats := retention.NewManager(retention.Options{
				StatsPath: cfg.DataPath("cleanup-stats.json"),
			}, nil, logger).Stats()

			lc := learning.DefaultConfig()
			lc.DataPath = cfg.DataPath("learning-data.json")
			lc.ModelPath = cfg.DataPath("learning-model.json")
			model := learning.NewEngine(lc, logger).Model()

			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st, latest, stats, model))
			return nil
		},
	}
}

func newSweepCmd(flags *globalFlags) *cobra.Command {
	var (
		light bool
		purge bool
		dir   string
		days  int
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a retention sweep now",
		Long: `Run a retention sweep outside the schedule. By default every configured
target is swept with its own retention window. --dir sweeps a single
directory, --light sweeps the temp targets only and --purge removes
archived files past the archive retention window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context(), flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case light:
				msg, err := app.Retention.ReclaimSpace(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, msg)
				return nil
			case purge:
				sum, err := app.Retention.PurgeArchive(ctx, app.Config.Retention.ArchiveRetentionDays)
				fmt.Fprintln(out, renderSweep("archive purge", sum))
				return err
			case dir != "":
				if days < 0 {
					return fmt.Errorf("--days must not be negative")
				}
				sum, err := app.Retention.Sweep(ctx, dir, days, true)
				fmt.Fprintln(out, renderSweep(dir, sum))
				return err
			}

			var errs []error
			for _, t := range app.Config.Retention.Targets {
				sum, err := app.Retention.Sweep(ctx, t.Dir, t.RetentionDays, t.Archive)
				fmt.Fprintln(out, renderSweep(t.Dir, sum))
				if err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&light, "light", false, "sweep temp targets only")
	cmd.Flags().BoolVar(&purge, "purge", false, "purge expired archive entries")
	cmd.Flags().StringVar(&dir, "dir", "", "sweep a single directory")
	cmd.Flags().IntVar(&days, "days", 7, "retention window in days for --dir")
	cmd.MarkFlagsMutuallyExclusive("light", "purge", "dir")
	return cmd
}

func newRulesCmd(flags *globalFlags) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List healing rules and their success rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context(), flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, renderRules(app.Healer.Rules(), app.Config.Healing.MinSuccessRate))
			if history > 0 {
				recs, err := app.Healer.Recent(history)
				if err != nil {
					return fmt.Errorf("read history: %w", err)
				}
				fmt.Fprintln(out, renderHistory(recs))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "also show the last N remediation records")
	return cmd
}

func newPredictCmd(flags *globalFlags) *cobra.Command {
	var train bool

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Show failure and timing predictions from recorded outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context(), flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			if train {
				app.Learning.Train()
			}
			p := learning.Predictions{
				NextFailure:   app.Learning.PredictNextFailure(),
				OptimalTiming: app.Learning.PredictOptimalTiming(),
				ResourceNeeds: app.Learning.PredictResourceNeeds(),
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderPredictions(p, app.Learning.Model(), len(app.Learning.Points())))
			return nil
		},
	}
	cmd.Flags().BoolVar(&train, "train", false, "retrain the model before predicting")
	return cmd
}

func quietLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
}
