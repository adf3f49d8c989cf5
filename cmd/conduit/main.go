package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "workflow":
		return runWorkflowNoun(args)
	case "history":
		return runHistoryNoun(args)
	case "ext":
		return runExtNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "monitor":
		return runMonitor(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: conduit version [--json]")
		return 1
	}

	info := versionInfo{Version: version, Commit: gitCommit, BuildTime: buildDate}
	if *jsonOut {
		data, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("conduit version %s (commit %s, built %s)\n", info.Version, info.Commit, info.BuildTime)
	return 0
}

func printUsage() {
	fmt.Print(`conduit - Desktop automation host for extensions and workflows

Usage:
  conduit <noun> <action> [flags]

Core Resources (Nouns):
  system    Host lifecycle
  config    Configuration and integrity
  workflow  Stored workflow definitions and runs
  history   Durable run history
  ext       Installed extensions

System Commands:
  system start        Start the host in the foreground

Config Commands:
  config lock         Authorize current state (update integrity hashes)
  config check        Validate configuration against installed extensions

Workflow Commands:
  workflow import <file>     Store or update a workflow definition
  workflow list              List stored workflows
  workflow enable <id>       Allow a workflow to run
  workflow disable <id>      Make executes of a workflow no-ops
  workflow execute <id>      Start a run on the running host
  workflow stop <run_id>     Stop a run on the running host

History Commands:
  history list               Show recent runs
  history show <id>          Show one run with its workflow steps
  history delete <id>        Remove a run record

Extension Commands:
  ext list                   Show discovered extensions
  ext run <ext> <command>    Run an extension command in the foreground

General:
  monitor           Live dashboard of the running host
  version           Show version information
  help              Show this help message

Use 'conduit <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// splitPositional separates leading-or-trailing positional arguments from
// flags so that 'conduit history show <id> --json' parses.
func splitPositional(args []string, valueFlags ...string) (positional, flags []string) {
	takesValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takesValue["-"+f] = true
		takesValue["--"+f] = true
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return positional, flags
}

func printNounHelp(w *os.File, noun, actions string) {
	fmt.Fprintf(w, "Usage: conduit %s <action> [flags]\n", noun)
	fmt.Fprintf(w, "Actions: %s\n", actions)
}
