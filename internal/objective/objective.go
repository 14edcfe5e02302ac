// Package objective defines the benchmark objective manifest and its loader.
package objective

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReadyStrategy decides when the worker agent is considered ready to
// receive its first prompt.
type ReadyStrategy string

const (
	ReadyDelay ReadyStrategy = "delay" // sleep a fixed duration, then ready
	ReadyToken ReadyStrategy = "token" // poll the transcript for a marker string
	ReadyNone  ReadyStrategy = "none"  // immediately ready
)

// TransportBufferPaste is the only supported prompt transport. Prompts are
// loaded into a tmux buffer and pasted atomically; per-keystroke injection
// corrupts multi-line prompts under shell line editing.
const TransportBufferPaste = "tmux_buffer_paste"

const (
	DefaultPhase1DoneToken = "TAKBENCH_PHASE1_DONE"
	DefaultFinalDoneToken  = "TAKBENCH_FINAL_DONE"
)

// Weights holds the scoring weight map resolved once at load time. Scoring
// never falls back to implicit defaults at lookup time.
type Weights struct {
	FunctionalPublic   int `json:"functional_public"`
	FunctionalHidden   int `json:"functional_hidden"`
	TakWorkflow        int `json:"tak_workflow"`
	GitDiscipline      int `json:"git_discipline"`
	ChangeAdaptation   int `json:"change_adaptation"`
	BonusCap           int `json:"bonus"`
	PenaltyManualFirst int `json:"penalty_manual_tak_first"`
	PenaltyManualAdd   int `json:"penalty_manual_tak_additional"`
	PenaltyManualCap   int `json:"penalty_manual_tak_cap"`
}

// DefaultWeights returns the standard 100-point weight distribution.
func DefaultWeights() Weights {
	return Weights{
		FunctionalPublic:   15,
		FunctionalHidden:   30,
		TakWorkflow:        25,
		GitDiscipline:      20,
		ChangeAdaptation:   10,
		BonusCap:           10,
		PenaltyManualFirst: 20,
		PenaltyManualAdd:   10,
		PenaltyManualCap:   40,
	}
}

// Config is the validated, fully-resolved objective configuration. All paths
// are absolute and all timings are durations; nothing downstream re-reads the
// manifest.
type Config struct {
	ID          string
	Name        string
	Description string
	Root        string

	TemplateDir       string
	InitialPromptPath string
	ChangePromptPath  string

	TimeBudget    time.Duration
	PollInterval  time.Duration
	ProbeInterval time.Duration

	ReadyStrategy ReadyStrategy
	ReadyDelay    time.Duration
	ReadyTimeout  time.Duration
	ReadyToken    string

	PromptTransport string

	HiddenTestsRequired bool
	PublicTestCommand   string
	HiddenTestCommand   string
	ChangeProbeCommand  string

	ChangeMin    time.Duration
	ChangeTarget time.Duration

	Phase1DoneToken string
	FinalDoneToken  string

	Weights Weights
}

// manifest mirrors the objective.yaml structure on disk.
type manifest struct {
	ID                  string         `yaml:"id"`
	Name                string         `yaml:"name"`
	Description         string         `yaml:"description"`
	TimeBudgetMinutes   int            `yaml:"time_budget_minutes"`
	PollIntervalSec     int            `yaml:"poll_interval_seconds"`
	ProbeIntervalSec    int            `yaml:"public_probe_interval_seconds"`
	HiddenTestsRequired *bool          `yaml:"hidden_tests_required"`
	PublicTestCommand   string         `yaml:"public_test_command"`
	HiddenTestCommand   string         `yaml:"hidden_test_command"`
	ChangeProbeCommand  string         `yaml:"change_probe_command"`
	Paths               manifestPaths  `yaml:"paths"`
	Worker              manifestWorker `yaml:"worker"`
	Change              manifestChange `yaml:"change"`
	Scoring             map[string]int `yaml:"scoring"`
}

type manifestPaths struct {
	TemplateDir   string `yaml:"template_dir"`
	InitialPrompt string `yaml:"initial_prompt"`
	ChangePrompt  string `yaml:"change_prompt"`
}

type manifestWorker struct {
	ReadyStrategy   string `yaml:"ready_strategy"`
	ReadyDelaySec   *int   `yaml:"ready_delay_seconds"`
	ReadyTimeoutSec *int   `yaml:"ready_timeout_seconds"`
	ReadyToken      string `yaml:"ready_token"`
	PromptTransport string `yaml:"prompt_transport"`
	Phase1DoneToken string `yaml:"phase1_done_token"`
	FinalDoneToken  string `yaml:"final_done_token"`
}

type manifestChange struct {
	MinMinutes    *int `yaml:"min_minutes"`
	TargetMinutes *int `yaml:"target_minutes"`
}

// Load reads and validates an objective manifest. path may be the manifest
// file itself or a directory containing objective.yaml.
func Load(path string) (*Config, error) {
	manifestPath := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		manifestPath = filepath.Join(path, "objective.yaml")
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read objective manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse objective manifest %s: %w", manifestPath, err)
	}

	root, err := filepath.Abs(filepath.Dir(manifestPath))
	if err != nil {
		return nil, fmt.Errorf("resolve manifest root: %w", err)
	}

	if m.ID == "" {
		return nil, fmt.Errorf("%s: missing required key: id", manifestPath)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("%s: missing required key: name", manifestPath)
	}
	if m.PublicTestCommand == "" {
		return nil, fmt.Errorf("%s: missing required key: public_test_command", manifestPath)
	}
	if m.Paths.TemplateDir == "" || m.Paths.InitialPrompt == "" || m.Paths.ChangePrompt == "" {
		return nil, fmt.Errorf("%s: paths.template_dir, paths.initial_prompt and paths.change_prompt are required", manifestPath)
	}

	strategy := ReadyStrategy(strings.ToLower(strings.TrimSpace(m.Worker.ReadyStrategy)))
	if strategy == "" {
		strategy = ReadyDelay
	}
	switch strategy {
	case ReadyDelay, ReadyToken, ReadyNone:
	default:
		return nil, fmt.Errorf("invalid worker.ready_strategy %q: expected one of delay, token, none", m.Worker.ReadyStrategy)
	}

	transport := strings.TrimSpace(m.Worker.PromptTransport)
	if transport == "" {
		transport = TransportBufferPaste
	}
	if transport != TransportBufferPaste {
		return nil, fmt.Errorf("unsupported worker.prompt_transport %q: only %s is supported", transport, TransportBufferPaste)
	}

	cfg := &Config{
		ID:                  m.ID,
		Name:                m.Name,
		Description:         m.Description,
		Root:                root,
		TemplateDir:         filepath.Join(root, m.Paths.TemplateDir),
		InitialPromptPath:   filepath.Join(root, m.Paths.InitialPrompt),
		ChangePromptPath:    filepath.Join(root, m.Paths.ChangePrompt),
		TimeBudget:          minutesOr(m.TimeBudgetMinutes, 60),
		PollInterval:        secondsOr(m.PollIntervalSec, 5),
		ProbeInterval:       secondsOr(m.ProbeIntervalSec, 90),
		ReadyStrategy:       strategy,
		ReadyDelay:          time.Duration(intOr(m.Worker.ReadyDelaySec, 4)) * time.Second,
		ReadyTimeout:        time.Duration(intOr(m.Worker.ReadyTimeoutSec, 120)) * time.Second,
		ReadyToken:          strings.TrimSpace(m.Worker.ReadyToken),
		PromptTransport:     transport,
		HiddenTestsRequired: m.HiddenTestsRequired == nil || *m.HiddenTestsRequired,
		PublicTestCommand:   m.PublicTestCommand,
		HiddenTestCommand:   strings.TrimSpace(m.HiddenTestCommand),
		ChangeProbeCommand:  strings.TrimSpace(m.ChangeProbeCommand),
		ChangeMin:           time.Duration(intOr(m.Change.MinMinutes, 10)) * time.Minute,
		ChangeTarget:        time.Duration(intOr(m.Change.TargetMinutes, 25)) * time.Minute,
		Phase1DoneToken:     stringOr(m.Worker.Phase1DoneToken, DefaultPhase1DoneToken),
		FinalDoneToken:      stringOr(m.Worker.FinalDoneToken, DefaultFinalDoneToken),
		Weights:             resolveWeights(m.Scoring),
	}

	if cfg.ReadyDelay < 0 {
		return nil, fmt.Errorf("worker.ready_delay_seconds must be >= 0")
	}
	if cfg.ReadyTimeout < time.Second {
		return nil, fmt.Errorf("worker.ready_timeout_seconds must be >= 1")
	}
	if cfg.ReadyStrategy == ReadyToken && cfg.ReadyToken == "" {
		return nil, fmt.Errorf("worker.ready_strategy=token requires a non-empty worker.ready_token")
	}

	for _, p := range []string{cfg.TemplateDir, cfg.InitialPromptPath, cfg.ChangePromptPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("objective path does not exist: %s", p)
		}
	}

	return cfg, nil
}

// resolveWeights folds manifest overrides into the default weight map.
func resolveWeights(overrides map[string]int) Weights {
	w := DefaultWeights()
	for key, value := range overrides {
		switch key {
		case "functional_public":
			w.FunctionalPublic = value
		case "functional_hidden":
			w.FunctionalHidden = value
		case "tak_workflow":
			w.TakWorkflow = value
		case "git_discipline":
			w.GitDiscipline = value
		case "change_adaptation":
			w.ChangeAdaptation = value
		case "bonus":
			w.BonusCap = value
		case "penalty_manual_tak_first":
			w.PenaltyManualFirst = value
		case "penalty_manual_tak_additional":
			w.PenaltyManualAdd = value
		case "penalty_manual_tak_cap":
			w.PenaltyManualCap = value
		}
	}
	return w
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func minutesOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Minute
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func stringOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
