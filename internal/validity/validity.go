// Package validity decides whether a completed run produced trustworthy
// evidence. Scoring always runs; a failed check marks the run invalid so a
// high score on a broken session cannot be mistaken for a real result.
package validity

import (
	"os"
	"sort"

	"github.com/takbench/takbench/internal/driver"
	"github.com/takbench/takbench/internal/events"
	"github.com/takbench/takbench/internal/gitlog"
	"github.com/takbench/takbench/internal/proc"
	"github.com/takbench/takbench/internal/taskstore"
)

// Machine-readable reasons a run is marked invalid.
const (
	ReasonMissingWorkerLog     = "missing_or_empty_worker_log"
	ReasonMissingCommandsLog   = "missing_or_empty_commands_log"
	ReasonMissingSessionResult = "missing_session_result"
	ReasonMissingWorkerStart   = "missing_worker_start_event"
	ReasonMissingInitialPrompt = "missing_initial_prompt_event"
	ReasonMissingWorkerReady   = "missing_worker_ready_event"
	ReasonWorkerReadyFailed    = "worker_ready_check_failed"
	ReasonPublicNotExecuted    = "public_tests_not_executed"
	ReasonMissingHiddenCommand = "missing_hidden_test_command"
	ReasonHiddenNotExecuted    = "hidden_tests_not_executed"
	ReasonMissingChangePrompt  = "missing_change_prompt_event"
	ReasonNoProgressEvidence   = "no_worker_progress_evidence"
)

// Input collects the artifacts the assessment inspects.
type Input struct {
	WorkerLogPath   string
	CommandsLogPath string

	Session *driver.Result
	Events  []events.CommandEvent

	Public        *proc.ExecResult
	Hidden        *proc.ExecResult
	HiddenCommand string

	HiddenTestsRequired     bool
	AllowMissingHiddenTests bool

	Git  gitlog.Metrics
	Task taskstore.Metrics
}

// Assessment is the check outcome bundle embedded in the run report.
type Assessment struct {
	Checks            map[string]bool `json:"checks"`
	CommandEventCount int             `json:"command_event_count"`
	CommandEventTypes []string        `json:"command_event_types"`

	InvalidReasons []string `json:"-"`
}

// Valid reports whether no check failed.
func (a Assessment) Valid() bool {
	return len(a.InvalidReasons) == 0
}

// Assess runs every check. It never errors: missing artifacts are exactly
// what the checks exist to detect.
func Assess(in Input) Assessment {
	typeSet := make(map[string]bool)
	for _, event := range in.Events {
		typeSet[event.Type] = true
	}

	checks := make(map[string]bool)
	reasons := []string{}

	workerLogPresent := fileNonEmpty(in.WorkerLogPath)
	commandsLogPresent := fileNonEmpty(in.CommandsLogPath)
	publicExecuted := proc.Executed(in.Public)
	hiddenExecuted := proc.Executed(in.Hidden)

	checks["worker_log_present"] = workerLogPresent
	checks["commands_log_present"] = commandsLogPresent
	checks["session_result_present"] = in.Session != nil
	checks["worker_start_event_present"] = typeSet[events.TypeWorkerStart]
	checks["worker_ready_event_present"] = typeSet[events.TypeWorkerReady]
	checks["initial_prompt_event_present"] = typeSet[events.TypeInitialPrompt]
	checks["public_test_executed"] = publicExecuted
	checks["hidden_test_executed"] = hiddenExecuted
	checks["worker_ready_success"] = in.Session != nil && in.Session.WorkerReady

	if !workerLogPresent {
		reasons = append(reasons, ReasonMissingWorkerLog)
	}
	if !commandsLogPresent {
		reasons = append(reasons, ReasonMissingCommandsLog)
	}
	if in.Session == nil {
		reasons = append(reasons, ReasonMissingSessionResult)
	}
	if !typeSet[events.TypeWorkerStart] {
		reasons = append(reasons, ReasonMissingWorkerStart)
	}
	if !typeSet[events.TypeInitialPrompt] {
		reasons = append(reasons, ReasonMissingInitialPrompt)
	}
	if !typeSet[events.TypeWorkerReady] {
		reasons = append(reasons, ReasonMissingWorkerReady)
	}
	if in.Session != nil && !in.Session.WorkerReady {
		reasons = append(reasons, ReasonWorkerReadyFailed)
	}
	if !publicExecuted {
		reasons = append(reasons, ReasonPublicNotExecuted)
	}

	if in.HiddenTestsRequired && !in.AllowMissingHiddenTests {
		if in.HiddenCommand == "" {
			reasons = append(reasons, ReasonMissingHiddenCommand)
		}
		if !hiddenExecuted {
			reasons = append(reasons, ReasonHiddenNotExecuted)
		}
	}

	if in.Session != nil && in.Session.ChangeInjected {
		changePromptLogged := typeSet[events.TypeChangePrompt]
		checks["change_prompt_event_present"] = changePromptLogged
		if !changePromptLogged {
			reasons = append(reasons, ReasonMissingChangePrompt)
		}
	}

	progress := (in.Session != nil && (in.Session.Phase1DoneSeen || in.Session.FinalDoneSeen)) ||
		in.Git.CommitCount > 0 ||
		in.Task.TaskCount > 0 ||
		in.Task.HistoryEventCount > 0
	checks["worker_progress_evidence"] = progress
	if !progress {
		reasons = append(reasons, ReasonNoProgressEvidence)
	}

	types := make([]string, 0, len(typeSet))
	for eventType := range typeSet {
		types = append(types, eventType)
	}
	sort.Strings(types)

	return Assessment{
		Checks:            checks,
		CommandEventCount: len(in.Events),
		CommandEventTypes: types,
		InvalidReasons:    reasons,
	}
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
