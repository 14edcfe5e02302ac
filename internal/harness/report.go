package harness

import (
	"time"

	"github.com/takbench/takbench/internal/driver"
	"github.com/takbench/takbench/internal/gitlog"
	"github.com/takbench/takbench/internal/objective"
	"github.com/takbench/takbench/internal/proc"
	"github.com/takbench/takbench/internal/scoring"
	"github.com/takbench/takbench/internal/taskstore"
	"github.com/takbench/takbench/internal/transcript"
	"github.com/takbench/takbench/internal/validity"
)

// Report is the complete run record written to report.json. It embeds every
// metric and component score so a run can be audited without the run
// directory.
type Report struct {
	RunID          string              `json:"run_id"`
	Objective      ObjectiveInfo       `json:"objective"`
	Timestamps     Timestamps          `json:"timestamps"`
	Paths          ReportPaths         `json:"paths"`
	BaselineSHA    string              `json:"baseline_sha"`
	Tests          TestOutcomes        `json:"tests"`
	Metrics        MetricsBundle       `json:"metrics"`
	Scores         scoring.Report      `json:"scores"`
	Validity       validity.Assessment `json:"validity"`
	Valid          bool                `json:"valid"`
	InvalidReasons []string            `json:"invalid_reasons"`
}

// ObjectiveInfo snapshots the objective the run was scored against.
type ObjectiveInfo struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	TimeBudgetMinutes int            `json:"time_budget_minutes"`
	ManifestRoot      string         `json:"manifest_root"`
	WorkerProtocol    WorkerProtocol `json:"worker_protocol"`
}

// WorkerProtocol records the readiness and prompt-delivery contract used.
type WorkerProtocol struct {
	ReadyStrategy       string  `json:"ready_strategy"`
	ReadyDelaySeconds   float64 `json:"ready_delay_seconds"`
	ReadyTimeoutSeconds float64 `json:"ready_timeout_seconds"`
	ReadyToken          string  `json:"ready_token"`
	PromptTransport     string  `json:"prompt_transport"`
	Phase1DoneToken     string  `json:"phase1_done_token"`
	FinalDoneToken      string  `json:"final_done_token"`
}

// Timestamps carries the report creation time and the full session result.
type Timestamps struct {
	CreatedAt string         `json:"created_at"`
	Session   *driver.Result `json:"session"`
}

// ReportPaths points at the artifacts backing this report.
type ReportPaths struct {
	RunDir      string `json:"run_dir"`
	RepoDir     string `json:"repo_dir"`
	WorkerLog   string `json:"worker_log"`
	CommandsLog string `json:"commands_log"`
	PaneCapture string `json:"pane_capture"`
	TmuxMeta    string `json:"tmux_meta"`
}

// TestOutcomes holds the post-session test executions.
type TestOutcomes struct {
	Public        *proc.ExecResult `json:"public"`
	Hidden        *proc.ExecResult `json:"hidden"`
	ChangeProbe   *proc.ExecResult `json:"change_probe"`
	HiddenCommand string           `json:"hidden_command"`
}

// MetricsBundle groups the three artifact analyses.
type MetricsBundle struct {
	Tak        taskstore.Metrics  `json:"tak"`
	Git        gitlog.Metrics     `json:"git"`
	Transcript transcript.Metrics `json:"transcript"`
}

func objectiveInfo(cfg *objective.Config) ObjectiveInfo {
	return ObjectiveInfo{
		ID:                cfg.ID,
		Name:              cfg.Name,
		Description:       cfg.Description,
		TimeBudgetMinutes: int(cfg.TimeBudget / time.Minute),
		ManifestRoot:      cfg.Root,
		WorkerProtocol: WorkerProtocol{
			ReadyStrategy:       string(cfg.ReadyStrategy),
			ReadyDelaySeconds:   cfg.ReadyDelay.Seconds(),
			ReadyTimeoutSeconds: cfg.ReadyTimeout.Seconds(),
			ReadyToken:          cfg.ReadyToken,
			PromptTransport:     cfg.PromptTransport,
			Phase1DoneToken:     cfg.Phase1DoneToken,
			FinalDoneToken:      cfg.FinalDoneToken,
		},
	}
}

// tmuxMeta is the session metadata sidecar, written at session start and
// finalized at teardown so a crashed run still records how far it got.
type tmuxMeta struct {
	Session   string `json:"session"`
	Pane      string `json:"pane"`
	StartedAt string `json:"started_at"`
	WorkerCmd string `json:"worker_cmd"`

	EndedAt                string   `json:"ended_at,omitempty"`
	EndReason              string   `json:"end_reason,omitempty"`
	DurationSeconds        *float64 `json:"duration_seconds,omitempty"`
	ChangeInjected         *bool    `json:"change_injected,omitempty"`
	ChangeInjectedEpoch    *float64 `json:"change_injected_epoch,omitempty"`
	WorkerReady            *bool    `json:"worker_ready,omitempty"`
	WorkerReadyStrategy    string   `json:"worker_ready_strategy,omitempty"`
	WorkerReadyReason      string   `json:"worker_ready_reason,omitempty"`
	WorkerReadyWaitSeconds *float64 `json:"worker_ready_wait_seconds,omitempty"`
	Phase1DoneSeen         *bool    `json:"phase1_done_seen,omitempty"`
	FinalDoneSeen          *bool    `json:"final_done_seen,omitempty"`
}

func (m *tmuxMeta) finalize(result *driver.Result, endedAt string) {
	m.EndedAt = endedAt
	if result == nil {
		return
	}
	m.EndReason = result.EndReason
	m.DurationSeconds = &result.DurationSeconds
	m.ChangeInjected = &result.ChangeInjected
	m.ChangeInjectedEpoch = result.ChangeInjectedEpoch
	m.WorkerReady = &result.WorkerReady
	m.WorkerReadyStrategy = result.WorkerReadyStrategy
	m.WorkerReadyReason = result.WorkerReadyReason
	m.WorkerReadyWaitSeconds = &result.WorkerReadyWaitSeconds
	m.Phase1DoneSeen = &result.Phase1DoneSeen
	m.FinalDoneSeen = &result.FinalDoneSeen
}
