package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/extension"
	"github.com/mattjoyce/conduit/internal/hostapi"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/process"
	"github.com/mattjoyce/conduit/internal/runner"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/tui"
)

const extActions = "list, run"

func runExtNoun(args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, "ext", extActions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "ext", extActions)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runExtList(actionArgs)
	case "run":
		return runExtRun(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown ext action: %s\n", action)
		return 1
	}
}

func runExtList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	registry, err := extension.Discover(cfg.ExtensionsDir, func(level, msg string, args ...any) {
		if level == "warn" || level == "error" {
			fmt.Fprintf(os.Stderr, "%s: %s %v\n", strings.ToUpper(level), msg, args)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Extension discovery error: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXTENSION\tVERSION\tCOMMAND\tMODE\tPERMISSIONS")
	for _, name := range registry.Names() {
		ext, _ := registry.Get(name)
		perms := strings.Join(ext.Permissions.List(), ",")
		for _, cmd := range ext.Commands {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ext.Name, ext.Version, cmd.Name, cmd.Mode, perms)
		}
	}
	_ = w.Flush()
	return 0
}

// printSurface presents extension UI on the terminal.
type printSurface struct{}

var _ runner.UISurface = printSurface{}

func (printSurface) Open(_ context.Context, req runner.ViewRequest) error {
	fmt.Printf("[view] open %s/%s (%s)\n", req.Extension, req.Command, req.View)
	return nil
}

func (printSurface) Toggle(_ context.Context, req runner.ViewRequest) error {
	fmt.Printf("[view] toggle %s/%s (%s)\n", req.Extension, req.Command, req.View)
	return nil
}

func (printSurface) Attach(_ string, ui channel.Channel) {
	go func() {
		for msg := range ui.Messages() {
			fmt.Printf("[ui] %s\n", msg)
		}
	}()
}

func runExtRun(args []string) int {
	positional, flags := splitPositional(args, "config", "payload")
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	payload := fs.String("payload", "", "JSON payload handed to the command")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: conduit ext run <extension> <command> [--payload JSON] [--config PATH]")
		return 1
	}
	if *payload != "" && !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "--payload must be valid JSON")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, "text")
	logger := log.WithComponent("cli")

	registry, err := extension.Discover(cfg.ExtensionsDir, discoveryLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Extension discovery error: %v\n", err)
		return 1
	}
	ext, ok := registry.Get(positional[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown extension: %s\n", positional[0])
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer db.Close()

	factory := &runner.Factory{
		Launcher:      process.Exec{},
		Resolver:      runner.NewResolver(cfg.Interpreters),
		HostAPI:       &hostapi.Registry{State: state.NewStore(db), FSRoots: cfg.HostAPI.FSRoots},
		Surface:       printSurface{},
		EnvAllowlist:  cfg.EnvAllowlist,
		KillGrace:     cfg.Runner.KillGrace,
		RPCTimeout:    cfg.Runner.RPCTimeout,
		ScriptTimeout: cfg.Runner.ScriptTimeout,
	}
	r, err := factory.New(ext, positional[1], json.RawMessage(*payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var failed atomic.Bool
	defer r.Observe(runner.Observer{
		OnMessage: func(msg json.RawMessage) { fmt.Printf("[message] %s\n", msg) },
		OnError: func(errorMessage string) {
			failed.Store(true)
			fmt.Fprintf(os.Stderr, "[error] %s\n", errorMessage)
		},
	})()

	go func() {
		<-ctx.Done()
		_ = r.Stop()
	}()

	result, err := r.Run(ctx, runner.Options{WaitUntilFinished: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}
	if len(result.Data) > 0 {
		fmt.Println(string(result.Data))
	}
	if failed.Load() || result.Reason != runner.ReasonDone {
		fmt.Fprintf(os.Stderr, "run %s ended: %s\n", result.RunID, result.Reason)
		return 1
	}
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	apiURL := fs.String("api-url", "", "Host API URL (default from config)")
	apiKey := fs.String("api-key", "", "API bearer token (default CONDUIT_API_KEY or config)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	url, key, err := resolveAPI(*configPath, *apiURL, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or CONDUIT_API_KEY env var.")
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(url, key), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
