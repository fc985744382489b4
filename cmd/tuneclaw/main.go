package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clawinfra/tuneclaw/internal/autopilot"
	"github.com/clawinfra/tuneclaw/internal/config"
	"github.com/clawinfra/tuneclaw/internal/events"
	"github.com/clawinfra/tuneclaw/internal/feedback"
	"github.com/clawinfra/tuneclaw/internal/optimizer"
	"github.com/clawinfra/tuneclaw/internal/params"
	"github.com/clawinfra/tuneclaw/internal/scheduler"
	"github.com/clawinfra/tuneclaw/internal/store"
	"github.com/clawinfra/tuneclaw/internal/telemetry"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      store.Store
	Spaces     *params.Registry
	Active     *params.ActiveSet
	Recorder   *telemetry.Recorder
	Aggregator *telemetry.Aggregator
	Optimizer  *optimizer.Optimizer
	Collector  *feedback.Collector
	Bus        *events.Bus
	Loop       *autopilot.Loop
	Scheduler  *scheduler.Scheduler
	Watcher    *config.Watcher
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("tuneclaw", flag.ExitOnError)
	configPath := fs.String("config", "tuneclaw.json", "Path to config file (JSON or TOML)")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("TuneClaw v%s (built %s)\n", version, buildTime)
		fmt.Println("Closed-loop runtime parameter tuning for AI task executions")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	return serve(app, *configPath)
}

// setup initializes all application components.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	app.Logger.Info("starting TuneClaw", "version", version, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.OpenSQLite(filepath.Join(cfg.Server.DataDir, "tuneclaw.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.Store = st

	app.Spaces = params.NewRegistry()
	if cfg.Server.SpacesFile != "" {
		if err := app.Spaces.LoadFile(cfg.Server.SpacesFile); err != nil {
			return nil, fmt.Errorf("load parameter spaces: %w", err)
		}
		app.Logger.Info("parameter spaces loaded", "file", cfg.Server.SpacesFile)
	}
	app.Active = params.NewActiveSet(app.Spaces)

	app.Recorder = telemetry.NewRecorder(cfg.Recorder, st, app.Logger)
	app.Aggregator = telemetry.NewAggregator(st, app.Logger)
	app.Optimizer = optimizer.New(cfg.Optimizer, app.Spaces, st, app.Logger)
	app.Collector = feedback.NewCollector(st, app.Optimizer, executionLookup(st, app.Logger), app.Spaces, app.Logger)
	app.Collector.SetExecutionUpdater(app.Recorder)

	app.Bus = events.NewBus(app.Logger)
	if cfg.Events.MQTT.Enabled {
		sink, err := events.NewMQTTSink(cfg.Events.MQTT, app.Logger)
		if err != nil {
			app.Logger.Warn("mqtt sink unavailable", "broker", cfg.Events.MQTT.Broker, "error", err)
		} else {
			app.Bus.AddSink(sink)
		}
	}
	if cfg.Events.WebSocket.Enabled {
		app.Bus.AddSink(events.NewWSSink(cfg.Events.WebSocket.URL, app.Logger))
	}
	app.Optimizer.SetEventBus(app.Bus)

	app.Loop = autopilot.NewLoop(
		cfg.Autopilot,
		cfg.Snapshot,
		app.Collector,
		app.Optimizer,
		app.Active,
		telemetry.NewMetrics(app.Recorder),
		app.Spaces,
		st,
		app.Bus,
		app.Logger,
	)

	app.Scheduler = scheduler.NewScheduler(&taskExecutor{app: app}, app.Logger)
	if err := loadJobs(app); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	app.Watcher = config.NewWatcher(configPath, 10*time.Second, app.Logger, func() {
		if _, err := app.Config.Reload(configPath, app.Logger); err != nil {
			app.Logger.Error("config reload failed", "error", err)
		}
	})

	return app, nil
}

// serve runs the loops until SIGINT/SIGTERM, then drains.
func serve(app *App, configPath string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go app.Recorder.Run(ctx)
	go app.Collector.Run(ctx, time.Duration(app.Config.Recorder.FlushSeconds)*time.Second)
	go app.Loop.Run(ctx)
	go app.Watcher.Run(ctx)
	if err := app.Scheduler.Start(ctx); err != nil {
		app.Logger.Error("scheduler start failed", "error", err)
		return 1
	}

	app.Logger.Info("TuneClaw running",
		"dataDir", app.Config.Server.DataDir,
		"tickMinutes", app.Config.Autopilot.TickMinutes)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.Logger.Info("shutting down", "signal", sig.String())

	// Stop new work first, then let in-flight flushes and monitors drain.
	app.Scheduler.Stop()
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	app.Recorder.Flush(drainCtx)
	app.Collector.Flush(drainCtx)

	app.Bus.Close()
	if err := app.Store.Close(); err != nil {
		app.Logger.Error("store close failed", "error", err)
		return 1
	}

	app.Logger.Info("shutdown complete")
	return 0
}

// loadJobs registers the standing maintenance jobs.
func loadJobs(app *App) error {
	jobs := []*scheduler.Job{
		{
			ID:   "flush-telemetry",
			Task: scheduler.TaskFlushTelemetry,
			Schedule: scheduler.ScheduleConfig{
				Kind:       "interval",
				IntervalMs: int64(app.Config.Recorder.FlushSeconds) * 1000,
			},
			Enabled: true,
		},
		{
			ID:   "flush-feedback",
			Task: scheduler.TaskFlushFeedback,
			Schedule: scheduler.ScheduleConfig{
				Kind:       "interval",
				IntervalMs: int64(app.Config.Recorder.FlushSeconds) * 1000,
			},
			Enabled: true,
		},
		{
			ID:       "hourly-summary",
			Task:     scheduler.TaskSummarize,
			Schedule: scheduler.ScheduleConfig{Kind: "cron", Expr: "0 * * * *"},
			Enabled:  true,
		},
		{
			ID:   "autopilot-tick",
			Task: scheduler.TaskAutopilotTick,
			Schedule: scheduler.ScheduleConfig{
				Kind:       "interval",
				IntervalMs: int64(app.Config.Autopilot.TickMinutes) * 60 * 1000,
			},
			Enabled: true,
		},
	}

	for _, j := range jobs {
		if err := app.Scheduler.AddJob(j); err != nil {
			return err
		}
	}
	return nil
}

// taskExecutor dispatches scheduler tasks to the owning services.
type taskExecutor struct {
	app *App
}

func (e *taskExecutor) RunTask(ctx context.Context, task string) error {
	switch task {
	case scheduler.TaskFlushTelemetry:
		e.app.Recorder.Flush(ctx)
	case scheduler.TaskFlushFeedback:
		e.app.Collector.Flush(ctx)
	case scheduler.TaskSummarize:
		e.summarize(ctx)
	case scheduler.TaskAutopilotTick:
		e.app.Loop.Tick(ctx)
	default:
		return fmt.Errorf("unknown task: %s", task)
	}
	return nil
}

// summarize logs the per-category health roll-up.
func (e *taskExecutor) summarize(ctx context.Context) {
	tr := telemetry.LastHours(24)
	for _, category := range []string{"code_generation", "creative_writing", "data_analysis"} {
		s := e.app.Aggregator.Summary(ctx, category, tr)
		if s.Count == 0 {
			continue
		}
		e.app.Logger.Info("daily summary",
			"category", category,
			"executions", s.Count,
			"successRate", s.SuccessRate,
			"p95LatencyMs", s.P95LatencyMs)
	}
}

// executionLookup resolves an execution id to its recorded parameters.
func executionLookup(st store.Store, logger *slog.Logger) feedback.ParamsLookup {
	return func(ctx context.Context, executionID string) (params.Vector, bool) {
		records, err := st.Query(ctx, store.TableExecutions, store.Filter{
			Equals: map[string]any{"id": executionID},
			Limit:  1,
		})
		if err != nil || len(records) == 0 {
			return nil, false
		}
		raw, ok := records[0]["params"].(map[string]any)
		if !ok {
			return nil, false
		}
		v := make(params.Vector, len(raw))
		for k, val := range raw {
			if f, ok := val.(float64); ok {
				v[k] = f
			}
		}
		return v, true
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
