package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/workflow"
)

const workflowActions = "import, list, enable, disable, execute, stop"

func runWorkflowNoun(args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, "workflow", workflowActions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "workflow", workflowActions)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "import":
		return runWorkflowImport(actionArgs)
	case "list":
		return runWorkflowList(actionArgs)
	case "enable":
		return runWorkflowSetDisabled(actionArgs, false)
	case "disable":
		return runWorkflowSetDisabled(actionArgs, true)
	case "execute":
		return runWorkflowExecute(actionArgs)
	case "stop":
		return runWorkflowStop(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown workflow action: %s\n", action)
		return 1
	}
}

func openStoreForTool(configPath string) (*workflow.Store, func(), error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return workflow.NewStore(db), func() { _ = db.Close() }, nil
}

func runWorkflowImport(args []string) int {
	positional, flags := splitPositional(args, "config")
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: conduit workflow import <file>... [--config PATH]")
		return 1
	}

	store, closeDB, err := openStoreForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer closeDB()

	for _, path := range positional {
		wf, err := workflow.ParseFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			return 1
		}
		if err := store.Save(context.Background(), wf); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			return 1
		}
		fmt.Printf("Imported %s (%d nodes, fingerprint %s)\n", wf.ID, len(wf.Definition.Nodes), wf.Fingerprint[:12])
	}
	return 0
}

func runWorkflowList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	store, closeDB, err := openStoreForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer closeDB()

	list, err := store.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		out := make([]api.WorkflowResponse, 0, len(list))
		for _, wf := range list {
			out = append(out, api.WorkflowResponse{
				ID:           wf.ID,
				Name:         wf.Name,
				Disabled:     wf.IsDisabled,
				Nodes:        len(wf.Definition.Nodes),
				ExecuteCount: wf.ExecuteCount,
				Fingerprint:  wf.Fingerprint,
				UpdatedAt:    wf.UpdatedAt,
			})
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tNODES\tRUNS\tSTATE")
	for _, wf := range list {
		stateLabel := "enabled"
		if wf.IsDisabled {
			stateLabel = "disabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", wf.ID, wf.Name, len(wf.Definition.Nodes), wf.ExecuteCount, stateLabel)
	}
	_ = w.Flush()
	return 0
}

func runWorkflowSetDisabled(args []string, disabled bool) int {
	positional, flags := splitPositional(args, "config")
	fs := flag.NewFlagSet("enable", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: conduit workflow enable|disable <id> [--config PATH]")
		return 1
	}

	store, closeDB, err := openStoreForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer closeDB()

	if err := store.SetDisabled(context.Background(), positional[0], disabled); err != nil {
		fmt.Fprintf(os.Stderr, "Update failed: %v\n", err)
		return 1
	}
	if disabled {
		fmt.Printf("Disabled %s\n", positional[0])
	} else {
		fmt.Printf("Enabled %s\n", positional[0])
	}
	return 0
}

func runWorkflowExecute(args []string) int {
	positional, flags := splitPositional(args, "config", "api-url", "api-key", "input")
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	apiURL := fs.String("api-url", "", "Host API URL (default from config)")
	apiKey := fs.String("api-key", "", "API bearer token (default CONDUIT_API_KEY or config)")
	input := fs.String("input", "", "JSON input passed to the workflow")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: conduit workflow execute <id> [--input JSON] [--api-url URL] [--api-key KEY]")
		return 1
	}

	var req api.ExecuteRequest
	if *input != "" {
		if !json.Valid([]byte(*input)) {
			fmt.Fprintln(os.Stderr, "--input must be valid JSON")
			return 1
		}
		req.Input = json.RawMessage(*input)
	}

	url, key, err := resolveAPI(*configPath, *apiURL, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	resp, err := newAPIClient(url, key).Execute(context.Background(), positional[0], req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Execute failed: %v\n", err)
		return 1
	}
	if resp.RunID == "" {
		fmt.Printf("Workflow %s is %s; nothing was run\n", resp.WorkflowID, resp.Status)
		return 0
	}
	fmt.Println(resp.RunID)
	return 0
}

func runWorkflowStop(args []string) int {
	positional, flags := splitPositional(args, "config", "api-url", "api-key")
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	apiURL := fs.String("api-url", "", "Host API URL (default from config)")
	apiKey := fs.String("api-key", "", "API bearer token (default CONDUIT_API_KEY or config)")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: conduit workflow stop <run_id> [--api-url URL] [--api-key KEY]")
		return 1
	}

	url, key, err := resolveAPI(*configPath, *apiURL, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := newAPIClient(url, key).Stop(context.Background(), positional[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Stop failed: %v\n", err)
		return 1
	}
	fmt.Printf("Stop requested for %s\n", positional[0])
	return 0
}
