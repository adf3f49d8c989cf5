package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/extension"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/hostapi"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/orchestrator"
	"github.com/mattjoyce/conduit/internal/process"
	"github.com/mattjoyce/conduit/internal/runner"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/webhook"
	"github.com/mattjoyce/conduit/internal/worker"
	"github.com/mattjoyce/conduit/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, "system", "start")
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "system", "start")
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemStartHelp() {
	fmt.Println("Usage: conduit system start [--config PATH]")
	fmt.Println("Start the host in the foreground. Runs left in flight by a previous host are")
	fmt.Println("finalized before the API starts accepting requests.")
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// discoveryLogger adapts a slog logger to the extension discovery callback.
func discoveryLogger(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	}
}

// workerLauncher returns how the workflow worker is started. Without a
// configured command the worker runs in-process.
func workerLauncher(cfg *config.Config) (process.Launcher, process.Spec) {
	if cfg.Worker.Command == "" {
		return process.Func{Body: func(ctx context.Context, _ process.Spec, ends process.Ends) error {
			return worker.Serve(ctx, ends, graph.WorkerBody(nil))
		}}, process.Spec{Name: orchestrator.WorkerIdentity}
	}
	env := runner.SanitizeEnv(os.Environ(), cfg.EnvAllowlist, []string{
		"CONDUIT_LOG_LEVEL=" + strings.ToUpper(cfg.Service.LogLevel),
	})
	return process.Exec{}, process.Spec{
		Name: orchestrator.WorkerIdentity,
		Path: cfg.Worker.Command,
		Args: cfg.Worker.Args,
		Env:  env,
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("conduit starting", "version", version, "config", *configPath)

	lockPath := lock.PathFor(cfg.State.Path)
	hostLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire host lock (another instance may be running)",
			"path", lockPath, "holder_pid", lock.Holder(lockPath), "error", err)
		return 1
	}
	defer hostLock.Release()
	logger.Info("acquired host lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	workflows := workflow.NewStore(db)
	records := history.NewStore(db)
	hub := events.NewHub(256)

	registry, err := extension.Discover(cfg.ExtensionsDir, discoveryLogger(logger))
	if err != nil {
		logger.Error("extension discovery failed", "extensions_dir", cfg.ExtensionsDir, "error", err)
		return 1
	}
	logger.Info("extension discovery complete", "count", len(registry.Names()))

	gate, err := auth.NewPermissions(cfg.Worker.Permissions)
	if err != nil {
		logger.Error("invalid worker permissions", "error", err)
		return 1
	}

	host := &hostapi.Registry{
		State:   state.NewStore(db),
		FSRoots: cfg.HostAPI.FSRoots,
	}
	launcher, spec := workerLauncher(cfg)
	orch := orchestrator.New(orchestrator.Config{
		Launcher:    launcher,
		Spec:        spec,
		Workflows:   workflows,
		History:     records,
		HostAPI:     host,
		Gate:        gate,
		Hub:         hub,
		IdleTimeout: cfg.Worker.IdleTimeout,
		RPCTimeout:  cfg.Worker.RPCTimeout,
		KillGrace:   cfg.Worker.KillGrace,
	})
	host.Workflows = orch

	recovered, err := orch.Recover(ctx)
	if err != nil {
		logger.Error("failed to recover orphaned runs", "error", err)
		return 1
	}
	if recovered > 0 {
		logger.Warn("finalized runs orphaned by a previous host", "count", recovered)
	}

	hooks, err := webhook.FromConfig(cfg.Webhooks)
	if err != nil {
		logger.Error("invalid webhooks config", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: cfg.TokenConfigs(),
		}, orch, records, workflows, hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if len(hooks.Endpoints) > 0 {
		hookServer := webhook.New(hooks, orch, log.WithComponent("webhook"))
		g.Go(func() error {
			if err := hookServer.Start(gctx); err != nil {
				return fmt.Errorf("webhooks: %w", err)
			}
			return nil
		})
		logger.Info("webhook server enabled", "listen", hooks.Listen, "endpoints", len(hooks.Endpoints))
	}

	sched := scheduler.New(cfg, orch, records, hub, log.Get())
	if sched.Len() > 0 {
		sched.Start(gctx)
		logger.Info("scheduler enabled", "schedules", sched.Len())
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	logger.Info("conduit running (press Ctrl+C to stop)")

	runErr := g.Wait()
	if sched.Len() > 0 {
		sched.Stop()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := orch.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator shutdown failed", "error", err)
	}

	if runErr != nil {
		logger.Error("component failed", "error", runErr)
		return 1
	}
	logger.Info("conduit stopped")
	return 0
}
