// Package harness orchestrates a full benchmark run: scaffolding, the tmux
// worker session, post-session test execution, artifact analysis, scoring,
// validity assessment, and the final report.
package harness

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/takbench/takbench/internal/artifact"
	"github.com/takbench/takbench/internal/driver"
	"github.com/takbench/takbench/internal/events"
	"github.com/takbench/takbench/internal/gitlog"
	"github.com/takbench/takbench/internal/lock"
	"github.com/takbench/takbench/internal/objective"
	"github.com/takbench/takbench/internal/proc"
	"github.com/takbench/takbench/internal/scoring"
	"github.com/takbench/takbench/internal/setup"
	"github.com/takbench/takbench/internal/taskstore"
	"github.com/takbench/takbench/internal/tmux"
	"github.com/takbench/takbench/internal/transcript"
	"github.com/takbench/takbench/internal/validity"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel maps a level name to its LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Post-session test timeouts.
const (
	publicTestTimeout  = 300 * time.Second
	hiddenTestTimeout  = 300 * time.Second
	changeProbeTimeout = 120 * time.Second
)

// Options carries the per-invocation settings from the CLI.
type Options struct {
	WorkerCmd               string
	RunsDir                 string
	RunID                   string
	HiddenTestCmdOverride   string
	SessionPrefix           string
	SkipTakInit             bool
	AllowMissingHiddenTests bool
	KeepTmuxSession         bool
}

// Summary is what the CLI prints after a run.
type Summary struct {
	RunID      string
	RunDir     string
	ReportPath string

	Total     int
	Core      int
	Bonus     int
	Penalties int

	PublicPass bool
	HiddenPass bool

	Valid          bool
	InvalidReasons []string
}

// Harness runs one benchmark session end to end.
type Harness struct {
	cfg    *objective.Config
	opts   Options
	logger *log.Logger
	level  LogLevel
}

// New builds a harness for one run.
func New(cfg *objective.Config, opts Options, logger *log.Logger, level LogLevel) *Harness {
	return &Harness{cfg: cfg, opts: opts, logger: logger, level: level}
}

// GenerateRunID derives the default run id from the objective and clock.
func GenerateRunID(objectiveID string, now time.Time) string {
	return fmt.Sprintf("%s_%s", objectiveID, now.Format("20060102_150405"))
}

// Run executes the full benchmark flow and returns a summary. The report is
// written even for invalid runs; only infrastructure failures error out.
func (h *Harness) Run(ctx context.Context) (*Summary, error) {
	runID := strings.TrimSpace(h.opts.RunID)
	if runID == "" {
		runID = GenerateRunID(h.cfg.ID, time.Now())
	}
	h.log(LogLevelInfo, "run starting run_id=%s objective=%s", runID, h.cfg.ID)

	if err := os.MkdirAll(h.opts.RunsDir, 0755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	runLock, err := lock.Acquire(filepath.Join(h.opts.RunsDir, ".takbench.lock"))
	if err != nil {
		return nil, err
	}
	defer runLock.Release()

	paths, err := setup.RunDirs(h.opts.RunsDir, runID)
	if err != nil {
		return nil, err
	}

	initialPrompt, err := os.ReadFile(h.cfg.InitialPromptPath)
	if err != nil {
		return nil, fmt.Errorf("read initial prompt: %w", err)
	}
	changePrompt, err := os.ReadFile(h.cfg.ChangePromptPath)
	if err != nil {
		return nil, fmt.Errorf("read change prompt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(paths.PromptsDir, "initial.txt"), initialPrompt, 0644); err != nil {
		return nil, fmt.Errorf("snapshot initial prompt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(paths.PromptsDir, "change.txt"), changePrompt, 0644); err != nil {
		return nil, fmt.Errorf("snapshot change prompt: %w", err)
	}

	baselineSHA, err := setup.PrepareRepo(ctx, paths.RepoDir, h.cfg.TemplateDir, !h.opts.SkipTakInit)
	if err != nil {
		return nil, err
	}
	h.log(LogLevelInfo, "repo prepared baseline=%s tak_init=%t", baselineSHA[:12], !h.opts.SkipTakInit)

	workerLogPath := filepath.Join(paths.LogsDir, "worker.log")
	paneCapturePath := filepath.Join(paths.LogsDir, "pane-final.txt")
	commandsLogPath := filepath.Join(paths.LogsDir, "commands.jsonl")
	tmuxMetaPath := filepath.Join(paths.RunDir, "tmux_meta.json")

	sessionName := tmux.SanitizeSessionName(h.opts.SessionPrefix + "_" + runID)
	session, err := tmux.NewSession(sessionName)
	if err != nil {
		return nil, err
	}
	paneTarget, err := session.PaneTarget()
	if err != nil {
		session.Kill()
		return nil, err
	}
	if err := session.PipePaneToFile(paneTarget, workerLogPath); err != nil {
		session.Kill()
		return nil, err
	}
	h.log(LogLevelInfo, "tmux session started session=%s pane=%s", sessionName, paneTarget)

	meta := &tmuxMeta{
		Session:   sessionName,
		Pane:      paneTarget,
		StartedAt: utcNow(),
		WorkerCmd: h.opts.WorkerCmd,
	}
	if err := artifact.WriteJSON(tmuxMetaPath, meta); err != nil {
		session.Kill()
		return nil, err
	}

	commandLog, err := events.OpenCommandLog(commandsLogPath)
	if err != nil {
		session.Kill()
		return nil, err
	}

	d := driver.New(h.cfg, session, paneTarget, paths.RepoDir, h.opts.WorkerCmd, workerLogPath, commandLog, h.logger)
	d.InitialPrompt = string(initialPrompt)
	d.ChangePrompt = string(changePrompt)

	sessionResult, runErr := d.Run(ctx)
	commandLog.Close()

	if runErr == nil {
		// Let the worker process flush before the final capture.
		time.Sleep(time.Second)
		capture, captureErr := session.CapturePane(paneTarget)
		if captureErr != nil {
			capture = "Failed to capture pane: " + captureErr.Error()
		}
		if err := os.WriteFile(paneCapturePath, []byte(capture), 0644); err != nil {
			h.log(LogLevelWarn, "pane capture write failed error=%v", err)
		}
	}

	meta.finalize(sessionResult, utcNow())
	if err := artifact.WriteJSON(tmuxMetaPath, meta); err != nil {
		h.log(LogLevelWarn, "tmux meta finalize failed error=%v", err)
	}

	if h.opts.KeepTmuxSession {
		h.log(LogLevelInfo, "keeping tmux session session=%s", sessionName)
	} else if err := session.Kill(); err != nil {
		h.log(LogLevelWarn, "tmux kill-session failed error=%v", err)
	}

	if runErr != nil {
		return nil, runErr
	}

	tests := h.runTests(ctx, paths)

	var changeAt *time.Time
	var changeEpoch *float64
	if sessionResult != nil && sessionResult.ChangeInjectedEpoch != nil {
		changeEpoch = sessionResult.ChangeInjectedEpoch
		at := time.Unix(0, int64(*changeEpoch*float64(time.Second)))
		changeAt = &at
	}

	commandEvents, err := events.Load(commandsLogPath)
	if err != nil {
		h.log(LogLevelWarn, "command log load degraded error=%v", err)
	}
	workerText := readFileSafe(workerLogPath)

	var metrics MetricsBundle
	var g errgroup.Group
	g.Go(func() error {
		metrics.Tak = taskstore.Analyze(paths.RepoDir, changeAt)
		return nil
	})
	g.Go(func() error {
		var err error
		metrics.Git, err = gitlog.Analyze(paths.RepoDir, baselineSHA, changeAt)
		return err
	})
	g.Go(func() error {
		metrics.Transcript = transcript.Analyze(workerText, commandEvents)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scores := scoring.Score(scoring.Input{
		Weights:             h.cfg.Weights,
		Public:              tests.Public,
		Hidden:              tests.Hidden,
		ChangeProbe:         tests.ChangeProbe,
		Task:                metrics.Tak,
		Git:                 metrics.Git,
		Transcript:          metrics.Transcript,
		ChangeInjected:      sessionResult.ChangeInjected,
		ChangeInjectedEpoch: changeEpoch,
	})

	assessment := validity.Assess(validity.Input{
		WorkerLogPath:           workerLogPath,
		CommandsLogPath:         commandsLogPath,
		Session:                 sessionResult,
		Events:                  commandEvents,
		Public:                  tests.Public,
		Hidden:                  tests.Hidden,
		HiddenCommand:           tests.HiddenCommand,
		HiddenTestsRequired:     h.cfg.HiddenTestsRequired,
		AllowMissingHiddenTests: h.opts.AllowMissingHiddenTests,
		Git:                     metrics.Git,
		Task:                    metrics.Tak,
	})

	report := Report{
		RunID:      runID,
		Objective:  objectiveInfo(h.cfg),
		Timestamps: Timestamps{CreatedAt: utcNow(), Session: sessionResult},
		Paths: ReportPaths{
			RunDir:      paths.RunDir,
			RepoDir:     paths.RepoDir,
			WorkerLog:   workerLogPath,
			CommandsLog: commandsLogPath,
			PaneCapture: paneCapturePath,
			TmuxMeta:    tmuxMetaPath,
		},
		BaselineSHA:    baselineSHA,
		Tests:          tests,
		Metrics:        metrics,
		Scores:         scores,
		Validity:       assessment,
		Valid:          assessment.Valid(),
		InvalidReasons: assessment.InvalidReasons,
	}

	reportPath := filepath.Join(paths.RunDir, "report.json")
	if err := artifact.WriteJSON(reportPath, report); err != nil {
		return nil, err
	}
	h.log(LogLevelInfo, "report written path=%s total=%d valid=%t", reportPath, scores.Totals.Clamped, report.Valid)

	return &Summary{
		RunID:          runID,
		RunDir:         paths.RunDir,
		ReportPath:     reportPath,
		Total:          scores.Totals.Clamped,
		Core:           scores.Totals.Core,
		Bonus:          scores.Totals.Bonus,
		Penalties:      scores.Totals.Penalties,
		PublicPass:     scores.Functional.PublicPass,
		HiddenPass:     scores.Functional.HiddenPass,
		Valid:          report.Valid,
		InvalidReasons: report.InvalidReasons,
	}, nil
}

// runTests executes the scoring test suites after the session ends. Results
// are always data: a failing or hanging suite is recorded, not fatal.
func (h *Harness) runTests(ctx context.Context, paths setup.RunPaths) TestOutcomes {
	runner := proc.Runner{Dir: paths.RepoDir}
	out := TestOutcomes{
		HiddenCommand: firstNonEmpty(h.opts.HiddenTestCmdOverride, h.cfg.HiddenTestCommand),
	}

	public := runner.RunShell(ctx, h.cfg.PublicTestCommand, publicTestTimeout)
	out.Public = &public
	h.saveExecLog(paths, "public-tests.log", "Public tests", public)

	if out.HiddenCommand != "" {
		hidden := runner.RunShell(ctx, out.HiddenCommand, hiddenTestTimeout)
		out.Hidden = &hidden
		h.saveExecLog(paths, "hidden-tests.log", "Hidden tests", hidden)
	}

	if h.cfg.ChangeProbeCommand != "" {
		probe := runner.RunShell(ctx, h.cfg.ChangeProbeCommand, changeProbeTimeout)
		out.ChangeProbe = &probe
		h.saveExecLog(paths, "change-probe.log", "Change probe", probe)
	}
	return out
}

func (h *Harness) saveExecLog(paths setup.RunPaths, name, title string, result proc.ExecResult) {
	if err := artifact.SaveExecLog(filepath.Join(paths.LogsDir, name), title, result); err != nil {
		h.log(LogLevelWarn, "exec log write failed file=%s error=%v", name, err)
	}
	h.log(LogLevelInfo, "%s exit=%d timed_out=%t", strings.ToLower(title), result.ExitCode, result.TimedOut)
}

func (h *Harness) log(level LogLevel, format string, args ...any) {
	if level < h.level || h.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	h.logger.Printf("%s %s harness: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func readFileSafe(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
