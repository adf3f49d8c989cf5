package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/inspect"
	"github.com/mattjoyce/conduit/internal/storage"
)

const historyActions = "list, show, delete"

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, "history", historyActions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "history", historyActions)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runHistoryList(actionArgs)
	case "show":
		return runHistoryShow(actionArgs)
	case "delete":
		return runHistoryDelete(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return 1
	}
}

func openDBForTool(configPath string) (*sql.DB, error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, err
	}
	return storage.OpenSQLite(context.Background(), cfg.State.Path)
}

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	workflowID := fs.String("workflow", "", "Only runs of this workflow")
	status := fs.String("status", "", "Only runs with this status (running, finish, error, stopped)")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	st := history.Status(*status)
	if st != "" && st != history.StatusRunning && !st.Terminal() {
		fmt.Fprintf(os.Stderr, "Unknown status %q\n", *status)
		return 1
	}

	db, err := openDBForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer db.Close()

	records, err := history.NewStore(db).List(context.Background(), history.ListFilter{
		WorkflowID: *workflowID,
		Status:     st,
		Limit:      *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(records, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, rec := range records {
		duration := "-"
		if rec.Duration != nil {
			duration = rec.Duration.String()
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.RunID, rec.WorkflowID, rec.Status, rec.StartedAt.Local().Format(time.DateTime), duration, errMsg)
	}
	_ = w.Flush()
	return 0
}

func runHistoryShow(args []string) int {
	positional, flags := splitPositional(args, "config")
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: conduit history show <run_id|history_id> [--config PATH] [--json]")
		return 1
	}

	db, err := openDBForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer db.Close()

	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), db, positional[0])
	} else {
		report, err = inspect.BuildReport(context.Background(), db, positional[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Show failed: %v\n", err)
		return 1
	}
	fmt.Println(report)
	return 0
}

func runHistoryDelete(args []string) int {
	positional, flags := splitPositional(args, "config")
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: conduit history delete <history_id> [--config PATH]")
		return 1
	}

	db, err := openDBForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := history.NewStore(db).Delete(context.Background(), positional[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
		return 1
	}
	fmt.Printf("Deleted %s\n", positional[0])
	return 0
}
