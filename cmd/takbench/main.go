// takbench drives a benchmark run against an interactive coding agent: it
// scaffolds a workspace, puppets the agent through tmux, and scores the
// resulting artifacts into a run report.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/takbench/takbench/internal/harness"
	"github.com/takbench/takbench/internal/objective"
	"github.com/takbench/takbench/internal/setup"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runBenchmark(os.Args[2:])
	case "version":
		fmt.Printf("takbench %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runBenchmark(args []string) {
	flagSet := pflag.NewFlagSet("takbench run", pflag.ContinueOnError)
	objectivePath := flagSet.String("objective", "objectives/markdown_parser_v1", "objective pack directory or objective.yaml path")
	workerCmd := flagSet.String("worker-cmd", "", "command that launches the interactive worker agent in the tmux pane (required)")
	runsDir := flagSet.String("runs-dir", "runs", "directory for benchmark run artifacts")
	runID := flagSet.String("run-id", "", "run id (default: generated from objective id and timestamp)")
	hiddenTestCmd := flagSet.String("hidden-test-cmd", "", "override hidden test command")
	timeBudget := flagSet.Int("time-budget-minutes", 0, "override objective time budget")
	sessionPrefix := flagSet.String("session-prefix", "takbench", "tmux session name prefix")
	skipTakInit := flagSet.Bool("skip-tak-init", false, "do not run tak init during repo scaffolding")
	allowMissingHidden := flagSet.Bool("allow-missing-hidden-tests", false, "allow a run without hidden tests even if the objective requires them")
	keepTmux := flagSet.Bool("keep-tmux-session", false, "do not kill the tmux session at run end")
	logLevel := flagSet.String("log-level", "info", "log level: debug, info, warn, error")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if strings.TrimSpace(*workerCmd) == "" {
		fmt.Fprintln(os.Stderr, "error: --worker-cmd is required")
		os.Exit(2)
	}

	cfg, err := objective.Load(*objectivePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *timeBudget > 0 {
		cfg.TimeBudget = time.Duration(*timeBudget) * time.Minute
	}

	effectiveHidden := strings.TrimSpace(*hiddenTestCmd)
	if effectiveHidden == "" {
		effectiveHidden = cfg.HiddenTestCommand
	}
	if cfg.HiddenTestsRequired && effectiveHidden == "" && !*allowMissingHidden {
		fmt.Fprintln(os.Stderr, "error: objective requires hidden tests but no hidden command is configured; set --hidden-test-cmd or hidden_test_command in objective.yaml")
		os.Exit(2)
	}

	binaries := []string{"tmux", "git"}
	if !*skipTakInit {
		binaries = append(binaries, "tak")
	}
	if err := setup.RequireBinaries(binaries...); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "", 0)
	h := harness.New(cfg, harness.Options{
		WorkerCmd:               *workerCmd,
		RunsDir:                 *runsDir,
		RunID:                   *runID,
		HiddenTestCmdOverride:   strings.TrimSpace(*hiddenTestCmd),
		SessionPrefix:           *sessionPrefix,
		SkipTakInit:             *skipTakInit,
		AllowMissingHiddenTests: *allowMissingHidden,
		KeepTmuxSession:         *keepTmux,
	}, logger, harness.ParseLogLevel(*logLevel))

	summary, err := h.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Run completed: %s\n", summary.RunID)
	fmt.Printf("Run directory: %s\n", summary.RunDir)
	fmt.Printf("Score: %d (core=%d, bonus=%d, penalties=%d)\n", summary.Total, summary.Core, summary.Bonus, summary.Penalties)
	fmt.Printf("Public tests: %s\n", passFail(summary.PublicPass))
	fmt.Printf("Hidden tests: %s\n", passFail(summary.HiddenPass))
	fmt.Printf("Report: %s\n", summary.ReportPath)
	if summary.Valid {
		fmt.Println("Run validity: valid")
	} else {
		fmt.Printf("Run validity: INVALID (%s)\n", strings.Join(summary.InvalidReasons, ", "))
	}
}

func passFail(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func printUsage() {
	fmt.Println(`takbench - benchmark harness for tak-driven coding agents

Usage:
  takbench run --worker-cmd <cmd> [options]   execute one benchmark run
  takbench version                            print version
  takbench help                               show this help

Run 'takbench run --help' for run options.`)
}
