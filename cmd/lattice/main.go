package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/latticeci/lattice/internal/api"
	"github.com/latticeci/lattice/internal/config"
	"github.com/latticeci/lattice/internal/events"
	"github.com/latticeci/lattice/internal/lock"
	"github.com/latticeci/lattice/internal/log"
	"github.com/latticeci/lattice/internal/matrix"
	"github.com/latticeci/lattice/internal/pipeline"
	"github.com/latticeci/lattice/internal/storage"
	"github.com/latticeci/lattice/internal/tui/watch"
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

	switch cmd {
	case "run":
		return runRun(args)
	case "check":
		return runCheck(args)
	case "report":
		return runReport(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
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

// runRun executes one full pipeline run and prints the report. Exit code
// 0 means every required job succeeded.
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "lattice.yaml", "Path to pipeline config")
	revision := fs.String("revision", "", "Source revision under test (required)")
	event := fs.String("event", string(matrix.EventPullRequest), "Trigger event: push-to-main, pull-request, pull-request-draft")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *revision == "" {
		fmt.Fprintln(os.Stderr, "Usage: lattice run --revision <rev> [--config lattice.yaml] [--event <event>]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 2
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Dir(cfg.State.Path)
	runLock, err := lock.Acquire(filepath.Join(stateDir, "lattice.lock"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock error: %v\n", err)
		return 1
	}
	defer func() { _ = runLock.Release() }()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "State error: %v\n", err)
		return 1
	}
	defer db.Close()

	hub := events.NewHub(256)

	if cfg.API.Enabled {
		srv := api.New(cfg.API.Listen, storage.NewRunLog(db), hub, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	p, err := pipeline.FromConfig(cfg, db, hub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup error: %v\n", err)
		return 1
	}

	report, err := p.Run(ctx, *revision, matrix.Event(*event))
	if err != nil {
		if errors.Is(err, config.ErrConfiguration) {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
			return 2
		}
		fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
		return 1
	}

	raw, err := report.Marshal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Report error: %v\n", err)
		return 1
	}
	fmt.Println(string(raw))

	if !report.Succeeded() {
		return 1
	}
	return 0
}

// runCheck validates the config and prints the job plan without running
// anything.
func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "lattice.yaml", "Path to pipeline config")
	event := fs.String("event", string(matrix.EventPullRequest), "Trigger event to plan for")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 2
	}

	jobs, err := matrix.Expand(cfg, matrix.Event(*event))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 2
	}

	fmt.Printf("Config OK: %d jobs for event %s\n", len(jobs), *event)
	for _, j := range jobs {
		fmt.Printf("  %s\n", j.ID)
	}
	return 0
}

// runReport prints a stored run report, latest by default.
func runReport(args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	configPath := fs.String("config", "lattice.yaml", "Path to pipeline config")
	runID := fs.String("run", "", "Run id (default: latest)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "State error: %v\n", err)
		return 1
	}
	defer db.Close()

	runLog := storage.NewRunLog(db)
	id := *runID
	if id == "" {
		id, err = runLog.LatestRunID(ctx)
		if errors.Is(err, storage.ErrRunNotFound) {
			fmt.Fprintln(os.Stderr, "No runs recorded yet")
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "History error: %v\n", err)
			return 1
		}
	}

	raw, err := runLog.Report(ctx, id)
	if errors.Is(err, storage.ErrRunNotFound) {
		fmt.Fprintf(os.Stderr, "Run not found: %s\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return 1
	}

	fmt.Println(string(raw))
	return 0
}

// runWatch attaches the live TUI to a running pipeline's status server.
func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8090", "Status server base URL")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
		return 1
	}
	return 0
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

	info := versionInfo{Version: version, Commit: gitCommit, BuildTime: buildDate}
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("lattice %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func printUsage() {
	fmt.Println(`lattice - multi-target build, lint, test and drift orchestrator

Usage:
  lattice run --revision <rev> [--config lattice.yaml] [--event <event>]
  lattice check [--config lattice.yaml] [--event <event>]
  lattice report [--config lattice.yaml] [--run <id>]
  lattice watch [--api <url>]
  lattice version [--json]

Events:
  push-to-main, pull-request, pull-request-draft

Exit codes (run):
  0  all required jobs succeeded
  1  a required job failed or the run could not complete
  2  configuration error`)
}
