package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/clawinfra/autoheal/internal/config"
	"github.com/clawinfra/autoheal/internal/detector"
	"github.com/clawinfra/autoheal/internal/healing"
	"github.com/clawinfra/autoheal/internal/learning"
	"github.com/clawinfra/autoheal/internal/orchestrator"
	"github.com/clawinfra/autoheal/internal/retention"
	"github.com/clawinfra/autoheal/internal/runner"
	"github.com/clawinfra/autoheal/internal/security"
)

// App holds all the runtime components
type App struct {
	Config       *config.Config
	ConfigPath   string
	Logger       *slog.Logger
	Level        *slog.LevelVar
	Runner       *runner.Runner
	Rules        *healing.FileRuleRepository
	History      healing.HistoryStore
	Tuning       *healing.Tuning
	Healer       *healing.Engine
	Detector     *detector.Detector
	Retention    *retention.Manager
	Learning     *learning.Engine
	Orchestrator *orchestrator.Orchestrator
	mqtt         *orchestrator.MQTTSink
}

// setup loads the config and wires every component. withMQTT connects the
// optional report publisher, which only the long-running commands need.
func setup(ctx context.Context, flags *globalFlags, out io.Writer, withMQTT bool) (*App, error) {
	app := &App{ConfigPath: flags.configPath, Level: new(slog.LevelVar)}
	app.Level.Set(slog.LevelInfo)
	app.Logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: app.Level}))

	cfg, err := loadConfig(flags.configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	level := cfg.Server.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	app.Level.Set(parseLogLevel(level))

	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	app.Runner = runner.New(time.Duration(cfg.Cycle.ModuleTimeoutSec)*time.Second, app.Logger)

	app.Rules, err = healing.NewFileRuleRepository(cfg.RulesFile(), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	app.History, err = openHistory(cfg)
	if err != nil {
		return nil, err
	}

	index, err := retention.NewFileIndex(cfg.DataPath("file-index.json"), app.Logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("load file index: %w", err)
	}
	app.Retention = retention.NewManager(retention.Options{
		ArchiveDir:        cfg.Retention.ArchiveDir,
		MaxRetries:        cfg.Retention.MaxRetries,
		RetryDelay:        time.Duration(cfg.Retention.RetryDelayMs) * time.Millisecond,
		TempTargets:       cfg.Retention.TempTargets,
		TempRetentionDays: cfg.Retention.TempRetentionDays,
		StatsPath:         cfg.DataPath("cleanup-stats.json"),
	}, index, app.Logger)

	app.Tuning = healing.NewTuning()
	handlers := healing.DefaultHandlers(healing.HandlerConfig{
		WorkDir:         cfg.Healing.WorkDir,
		RequiredDirs:    cfg.Healing.RequiredDirs,
		ManagedDirs:     cfg.Healing.ManagedDirs,
		InstallCommand:  cfg.Healing.InstallCommand,
		FreePortCommand: cfg.Healing.FreePortCommand,
		RestartCommand:  cfg.Healing.RestartCommand,
		Modules:         moduleNames(cfg.Modules),
		RetryAttempts:   cfg.Healing.RetryAttempts,
		TimeoutFactor:   cfg.Healing.TimeoutFactor,
		MaxTimeoutScale: cfg.Healing.MaxTimeoutScale,
		Guard:           guardPolicy(cfg.Healing),
	}, app.Runner, app.Retention, app.Tuning)
	app.Healer = healing.NewEngine(app.Rules, app.History, handlers, healing.Options{
		MinSuccessRate:    cfg.Healing.MinSuccessRate,
		AttemptsPerMinute: cfg.Healing.AttemptsPerMinute,
		Burst:             cfg.Healing.Burst,
	}, app.Logger)

	app.Detector = detector.New(cfg.Detector.Globs, app.Logger)

	lc := learning.DefaultConfig()
	lc.Capacity = cfg.Learning.Capacity
	lc.LoadCeiling = cfg.Learning.LoadCeilingBytes
	lc.DataPath = cfg.DataPath("learning-data.json")
	lc.ModelPath = cfg.DataPath("learning-model.json")
	app.Learning = learning.NewEngine(lc, app.Logger)

	sinks := []orchestrator.ReportSink{
		orchestrator.NewFileSink(cfg.ReportsDir()),
		orchestrator.NewMetricsSink(cfg.MetricsFile()),
	}
	if withMQTT && cfg.MQTT.Enabled {
		sink := orchestrator.NewMQTTSink(cfg.MQTT, app.Logger)
		if err := sink.Connect(ctx); err != nil {
			app.Logger.Warn("mqtt report publishing disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			app.mqtt = sink
			sinks = append(sinks, sink)
		}
	}

	app.Orchestrator, err = orchestrator.New(cfg, orchestrator.Deps{
		Runner:    app.Runner,
		Detector:  app.Detector,
		Healer:    app.Healer,
		Retention: app.Retention,
		Learning:  app.Learning,
		Tuning:    app.Tuning,
		Sinks:     sinks,
	}, app.Logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	app.Orchestrator.SetConfigPath(flags.configPath)
	app.Orchestrator.OnReload(func(r *config.ReloadResult) {
		if r.Has("Server.LogLevel") && flags.logLevel == "" {
			app.Level.Set(parseLogLevel(cfg.Server.LogLevel))
		}
	})
	return app, nil
}

// Close releases the history store and the broker connection.
func (a *App) Close() {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Error("failed to close history", "error", err)
		}
	}
}

func openHistory(cfg *config.Config) (healing.HistoryStore, error) {
	switch cfg.Healing.HistoryBackend {
	case "sqlite":
		h, err := healing.NewSQLiteHistory(cfg.DataPath("history.db"))
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		return h, nil
	default:
		return healing.NewJSONLHistory(cfg.DataPath("history.jsonl")), nil
	}
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func guardPolicy(hc config.HealingConfig) *security.Policy {
	policy := security.DefaultPolicy()
	policy.AllowedRoots = hc.AllowedRoots
	policy.AllowedCommands = hc.AllowedCommands
	if len(hc.ForbiddenPaths) > 0 {
		policy.ForbiddenPaths = hc.ForbiddenPaths
	}
	return policy
}

func moduleNames(mods []config.ModuleConfig) []string {
	names := make([]string, 0, len(mods))
	for _, m := range mods {
		names = append(names, m.Name)
	}
	return names
}
