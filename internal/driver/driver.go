// Package driver runs one worker session inside a tmux pane: environment
// setup, worker launch, readiness detection, prompt injection, periodic
// public-test probes, mid-run change injection, and session end detection.
package driver

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/takbench/takbench/internal/events"
	"github.com/takbench/takbench/internal/objective"
	"github.com/takbench/takbench/internal/proc"
	"github.com/takbench/takbench/internal/tmux"
)

// Session end reasons.
const (
	EndTimeBudget = "time_budget_reached"
	EndPaneDead   = "worker_pane_dead"
	EndFinalToken = "final_done_token_seen"
)

// probeTimeout bounds each periodic public-test probe so a hung test suite
// cannot stall the session loop past the time budget.
const probeTimeout = 180 * time.Second

// shellRunner is satisfied by proc.Runner; tests substitute a fake so probe
// scheduling can be exercised without spawning processes.
type shellRunner interface {
	RunShell(ctx context.Context, command string, timeout time.Duration) proc.ExecResult
}

// ReadyState is the outcome of the readiness wait. Ready=false is recorded,
// not fatal: the session proceeds and validity assessment downgrades the run.
type ReadyState struct {
	Ready       bool    `json:"ready"`
	Strategy    string  `json:"strategy"`
	WaitSeconds float64 `json:"wait_seconds"`
	Reason      string  `json:"reason"`
}

// Result summarizes one completed worker session.
type Result struct {
	StartEpoch      float64 `json:"start_epoch"`
	EndEpoch        float64 `json:"end_epoch"`
	DurationSeconds float64 `json:"duration_seconds"`
	EndReason       string  `json:"end_reason"`

	WorkerReady            bool    `json:"worker_ready"`
	WorkerReadyStrategy    string  `json:"worker_ready_strategy"`
	WorkerReadyWaitSeconds float64 `json:"worker_ready_wait_seconds"`
	WorkerReadyReason      string  `json:"worker_ready_reason"`

	ChangeInjected      bool     `json:"change_injected"`
	ChangeInjectedEpoch *float64 `json:"change_injected_epoch"`

	Phase1DoneSeen  bool                  `json:"phase1_done_seen"`
	FinalDoneSeen   bool                  `json:"final_done_seen"`
	PublicProbePass bool                  `json:"public_probe_pass"`
	ProbeResults    []events.CommandEvent `json:"probe_results"`
}

// Driver drives a single session. Transport failures are fatal; probe
// failures and readiness timeouts are recorded as data.
type Driver struct {
	Cfg           *objective.Config
	Transport     tmux.Transport
	PaneTarget    string
	RepoDir       string
	WorkerCmd     string
	WorkerLogPath string
	InitialPrompt string
	ChangePrompt  string
	Log           *events.CommandLog
	Logger        *log.Logger

	runner shellRunner
	now    func() time.Time
	sleep  func(time.Duration)
}

// New wires a driver with real clock, sleeper and shell runner.
func New(cfg *objective.Config, transport tmux.Transport, paneTarget, repoDir, workerCmd, workerLogPath string, commandLog *events.CommandLog, logger *log.Logger) *Driver {
	return &Driver{
		Cfg:           cfg,
		Transport:     transport,
		PaneTarget:    paneTarget,
		RepoDir:       repoDir,
		WorkerCmd:     workerCmd,
		WorkerLogPath: workerLogPath,
		Log:           commandLog,
		Logger:        logger,
		runner:        proc.Runner{Dir: repoDir},
		now:           time.Now,
		sleep:         time.Sleep,
	}
}

// Run executes the full session: setup, launch, readiness, initial prompt,
// then the poll loop until an end condition fires.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	setup := []string{
		"cd " + shellQuote(d.RepoDir),
		"export TAKBENCH_OBJECTIVE=" + shellQuote(d.Cfg.ID),
		"export TAKBENCH_REPO=" + shellQuote(d.RepoDir),
	}
	for _, line := range setup {
		if err := d.sendLine(events.TypeSetup, line); err != nil {
			return nil, err
		}
	}

	if err := d.sendLine(events.TypeWorkerStart, d.WorkerCmd); err != nil {
		return nil, err
	}
	d.logf("INFO", "worker started cmd=%q pane=%s", d.WorkerCmd, d.PaneTarget)

	ready := d.waitForReady()
	d.logf("INFO", "worker readiness strategy=%s ready=%t reason=%s wait=%.1fs",
		ready.Strategy, ready.Ready, ready.Reason, ready.WaitSeconds)
	if err := d.Log.Append(events.CommandEvent{
		Type:            events.TypeWorkerReady,
		Target:          d.PaneTarget,
		PromptTransport: d.Cfg.PromptTransport,
		Ready:           &ready.Ready,
		Strategy:        ready.Strategy,
		WaitSeconds:     &ready.WaitSeconds,
		Reason:          ready.Reason,
	}); err != nil {
		return nil, err
	}

	if err := d.sendPrompt(events.TypeInitialPrompt, d.InitialPrompt); err != nil {
		return nil, err
	}

	start := d.now()
	result := &Result{
		StartEpoch:             epochSeconds(start),
		WorkerReady:            ready.Ready,
		WorkerReadyStrategy:    ready.Strategy,
		WorkerReadyWaitSeconds: ready.WaitSeconds,
		WorkerReadyReason:      ready.Reason,
		ProbeResults:           []events.CommandEvent{},
	}

	nextProbeAt := start.Add(d.Cfg.ProbeInterval)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := d.now()
		elapsed := now.Sub(start)

		workerText := readFileSafe(d.WorkerLogPath)
		if strings.Contains(workerText, d.Cfg.Phase1DoneToken) {
			result.Phase1DoneSeen = true
		}
		if strings.Contains(workerText, d.Cfg.FinalDoneToken) {
			result.FinalDoneSeen = true
		}

		if !now.Before(nextProbeAt) {
			probe := d.runner.RunShell(ctx, d.Cfg.PublicTestCommand, probeTimeout)
			pass := probe.ExitCode == 0
			if pass {
				result.PublicProbePass = true
			}
			d.logf("INFO", "public probe exit=%d passed=%t elapsed=%.0fs", probe.ExitCode, pass, elapsed.Seconds())

			event := events.CommandEvent{
				Timestamp: d.now().UTC().Format(time.RFC3339Nano),
				Type:      events.TypePublicProbe,
				ExitCode:  &probe.ExitCode,
				Passed:    &pass,
			}
			result.ProbeResults = append(result.ProbeResults, event)
			if err := d.Log.Append(event); err != nil {
				return nil, err
			}
			// Reschedule from now, not from the original grid: a slow test
			// suite must not trigger a burst of back-to-back probes.
			nextProbeAt = d.now().Add(d.Cfg.ProbeInterval)
		}

		changeTrigger := elapsed >= d.Cfg.ChangeMin &&
			(result.Phase1DoneSeen || result.PublicProbePass || elapsed >= d.Cfg.ChangeTarget)
		if changeTrigger && !result.ChangeInjected {
			if err := d.sendPrompt(events.TypeChangePrompt, d.ChangePrompt); err != nil {
				return nil, err
			}
			result.ChangeInjected = true
			epoch := epochSeconds(d.now())
			result.ChangeInjectedEpoch = &epoch
			d.logf("INFO", "change prompt injected elapsed=%.0fs phase1=%t probe_pass=%t",
				elapsed.Seconds(), result.Phase1DoneSeen, result.PublicProbePass)
		}

		if d.Transport.PaneDead(d.PaneTarget) {
			result.EndReason = EndPaneDead
			break
		}
		if result.ChangeInjected && result.FinalDoneSeen {
			result.EndReason = EndFinalToken
			break
		}
		if elapsed >= d.Cfg.TimeBudget {
			result.EndReason = EndTimeBudget
			break
		}

		d.sleep(max(time.Second, d.Cfg.PollInterval))
	}

	end := d.now()
	result.EndEpoch = epochSeconds(end)
	result.DurationSeconds = end.Sub(start).Seconds()
	d.logf("INFO", "session ended reason=%s duration=%.0fs", result.EndReason, result.DurationSeconds)
	return result, nil
}

// waitForReady blocks until the worker counts as ready per the objective's
// strategy. A token timeout returns Ready=false instead of aborting.
func (d *Driver) waitForReady() ReadyState {
	started := d.now()

	switch d.Cfg.ReadyStrategy {
	case objective.ReadyNone:
		return ReadyState{Ready: true, Strategy: string(objective.ReadyNone), Reason: "no_wait"}
	case objective.ReadyDelay:
		if d.Cfg.ReadyDelay > 0 {
			d.sleep(d.Cfg.ReadyDelay)
		}
		return ReadyState{
			Ready:       true,
			Strategy:    string(objective.ReadyDelay),
			WaitSeconds: d.Cfg.ReadyDelay.Seconds(),
			Reason:      "delay_elapsed",
		}
	}

	seen := func() bool {
		return strings.Contains(readFileSafe(d.WorkerLogPath), d.Cfg.ReadyToken)
	}
	tokenState := func(ready bool, reason string) ReadyState {
		return ReadyState{
			Ready:       ready,
			Strategy:    string(objective.ReadyToken),
			WaitSeconds: d.now().Sub(started).Seconds(),
			Reason:      reason,
		}
	}

	if seen() {
		return tokenState(true, "ready_token_seen")
	}

	// Watch the transcript directory so the token is noticed promptly; the
	// ticker covers missed notifications and platforms without inotify.
	var watchEvents chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(d.WorkerLogPath)); err == nil {
			watchEvents = watcher.Events
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(d.Cfg.ReadyTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-watchEvents:
		case <-ticker.C:
		case <-deadline.C:
			d.logf("WARN", "ready token not seen within %s token=%q", d.Cfg.ReadyTimeout, d.Cfg.ReadyToken)
			return tokenState(false, "ready_token_timeout")
		}
		if seen() {
			return tokenState(true, "ready_token_seen")
		}
	}
}

// sendLine types one setup or launch line into the pane and logs it.
func (d *Driver) sendLine(eventType, line string) error {
	if err := d.Transport.SendLine(d.PaneTarget, line); err != nil {
		return fmt.Errorf("send %s line: %w", eventType, err)
	}
	return d.Log.Append(events.CommandEvent{
		Type:   eventType,
		Target: d.PaneTarget,
		Line:   line,
	})
}

// sendPrompt delivers a multi-line prompt as a single paste unit and logs
// the full text.
func (d *Driver) sendPrompt(eventType, prompt string) error {
	if err := d.Transport.PasteAndSubmit(d.PaneTarget, prompt); err != nil {
		return fmt.Errorf("send %s prompt: %w", eventType, err)
	}
	return d.Log.Append(events.CommandEvent{
		Type:   eventType,
		Target: d.PaneTarget,
		Prompt: prompt,
	})
}

func (d *Driver) logf(level, format string, args ...any) {
	if d.Logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.Logger.Printf("%s %s driver: %s", time.Now().Format(time.RFC3339), level, msg)
}

// readFileSafe returns the file content, or "" when unreadable. The
// transcript may not exist yet while the worker is still starting.
func readFileSafe(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

var shellSafeRe = regexp.MustCompile(`^[A-Za-z0-9@%+=:,./_-]+$`)

// shellQuote single-quotes a string for the pane's shell unless it is
// already safe verbatim.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafeRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
