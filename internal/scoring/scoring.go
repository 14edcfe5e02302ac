// Package scoring converts captured run artifacts into a deterministic
// multi-criteria score. Score is a pure function: identical inputs always
// produce identical reports, component breakdowns included.
package scoring

import (
	"github.com/takbench/takbench/internal/gitlog"
	"github.com/takbench/takbench/internal/objective"
	"github.com/takbench/takbench/internal/proc"
	"github.com/takbench/takbench/internal/taskstore"
	"github.com/takbench/takbench/internal/transcript"
)

// Input bundles everything the engine needs. All fields are read-only.
type Input struct {
	Weights     objective.Weights
	Public      *proc.ExecResult
	Hidden      *proc.ExecResult
	ChangeProbe *proc.ExecResult

	Task       taskstore.Metrics
	Git        gitlog.Metrics
	Transcript transcript.Metrics

	ChangeInjected      bool
	ChangeInjectedEpoch *float64
}

// Report is the full score breakdown. Every sub-component is retained so a
// reviewer can audit how the total was reached.
type Report struct {
	Functional       FunctionalScore       `json:"functional"`
	TakWorkflow      TakWorkflowScore      `json:"tak_workflow"`
	GitDiscipline    GitDisciplineScore    `json:"git_discipline"`
	ChangeAdaptation ChangeAdaptationScore `json:"change_adaptation"`
	Bonus            BonusScore            `json:"bonus"`
	Penalties        PenaltyScore          `json:"penalties"`
	Totals           Totals                `json:"totals"`
}

type FunctionalScore struct {
	Score           int  `json:"score"`
	Max             int  `json:"max"`
	PublicPass      bool `json:"public_pass"`
	HiddenPass      bool `json:"hidden_pass"`
	ChangeProbePass bool `json:"change_probe_pass"`
}

type TakWorkflowScore struct {
	Score      int           `json:"score"`
	Max        int           `json:"max"`
	Components TakComponents `json:"components"`
}

type TakComponents struct {
	EarlyAdoption          int `json:"early_adoption"`
	PlanningStructure      int `json:"planning_structure"`
	LifecycleHygiene       int `json:"lifecycle_hygiene"`
	VerificationDiscipline int `json:"verification_discipline"`
}

type GitDisciplineScore struct {
	Score      int           `json:"score"`
	Max        int           `json:"max"`
	Components GitComponents `json:"components"`
}

type GitComponents struct {
	Cadence        int `json:"cadence"`
	Atomicity      int `json:"atomicity"`
	MessageQuality int `json:"message_quality"`
}

type ChangeAdaptationScore struct {
	Score               int              `json:"score"`
	Max                 int              `json:"max"`
	Components          ChangeComponents `json:"components"`
	ChangeInjected      bool             `json:"change_injected"`
	ChangeInjectedEpoch *float64         `json:"change_injected_epoch"`
}

type ChangeComponents struct {
	ReplanAfterChange          int `json:"replan_after_change"`
	ImplementAndValidateChange int `json:"implement_and_validate_change"`
	CloseLoop                  int `json:"close_loop"`
}

type BonusScore struct {
	Score      int             `json:"score"`
	Max        int             `json:"max"`
	Components BonusComponents `json:"components"`
}

type BonusComponents struct {
	ContractRichness   int `json:"contract_richness"`
	VerifyUsage        int `json:"verify_usage"`
	ContextOrLearnings int `json:"context_or_learnings"`
}

type PenaltyScore struct {
	Score                  int               `json:"score"`
	Components             PenaltyComponents `json:"components"`
	ManualTakEditIncidents int               `json:"manual_tak_edit_incidents"`
}

type PenaltyComponents struct {
	ManualTakEdits   int `json:"manual_tak_edits"`
	NoCommits        int `json:"no_commits"`
	FewCommits       int `json:"few_commits"`
	GiantFinalCommit int `json:"giant_final_commit"`
}

type Totals struct {
	Core      int `json:"core"`
	Bonus     int `json:"bonus"`
	Penalties int `json:"penalties"`
	Raw       int `json:"raw"`
	Clamped   int `json:"clamped"`
}

// Flat penalty costs and thresholds.
const (
	noCommitsPenalty        = 30
	fewCommitsPenalty       = 10
	fewCommitsThreshold     = 4
	giantFinalCommitPenalty = 8
	giantFinalCommitRatio   = 0.6
)

// Score computes the full report. No side effects, no clock, no I/O.
func Score(in Input) Report {
	w := in.Weights

	functional := FunctionalScore{
		Max:             w.FunctionalPublic + w.FunctionalHidden,
		PublicPass:      proc.Passed(in.Public),
		HiddenPass:      proc.Passed(in.Hidden),
		ChangeProbePass: proc.Passed(in.ChangeProbe),
	}
	if functional.PublicPass {
		functional.Score += w.FunctionalPublic
	}
	if functional.HiddenPass {
		functional.Score += w.FunctionalHidden
	}

	takComponents := scoreTakWorkflow(in)
	takScore := min(w.TakWorkflow,
		takComponents.EarlyAdoption+takComponents.PlanningStructure+
			takComponents.LifecycleHygiene+takComponents.VerificationDiscipline)

	gitComponents := scoreGitDiscipline(in.Git)
	gitScore := min(w.GitDiscipline,
		gitComponents.Cadence+gitComponents.Atomicity+gitComponents.MessageQuality)

	changeComponents := scoreChangeAdaptation(in, functional.HiddenPass, functional.ChangeProbePass)
	changeScore := min(w.ChangeAdaptation,
		changeComponents.ReplanAfterChange+changeComponents.ImplementAndValidateChange+
			changeComponents.CloseLoop)

	bonusComponents := scoreBonus(in)
	bonusScore := min(w.BonusCap,
		bonusComponents.ContractRichness+bonusComponents.VerifyUsage+
			bonusComponents.ContextOrLearnings)

	penalties, incidents := scorePenalties(in)
	if penalties.NoCommits > 0 {
		gitScore = 0
	}
	penaltiesTotal := penalties.ManualTakEdits + penalties.NoCommits +
		penalties.FewCommits + penalties.GiantFinalCommit

	core := functional.Score + takScore + gitScore + changeScore
	raw := core + bonusScore - penaltiesTotal

	return Report{
		Functional: functional,
		TakWorkflow: TakWorkflowScore{
			Score:      takScore,
			Max:        w.TakWorkflow,
			Components: takComponents,
		},
		GitDiscipline: GitDisciplineScore{
			Score:      gitScore,
			Max:        w.GitDiscipline,
			Components: gitComponents,
		},
		ChangeAdaptation: ChangeAdaptationScore{
			Score:               changeScore,
			Max:                 w.ChangeAdaptation,
			Components:          changeComponents,
			ChangeInjected:      in.ChangeInjected,
			ChangeInjectedEpoch: in.ChangeInjectedEpoch,
		},
		Bonus: BonusScore{
			Score:      bonusScore,
			Max:        w.BonusCap,
			Components: bonusComponents,
		},
		Penalties: PenaltyScore{
			Score:                  penaltiesTotal,
			Components:             penalties,
			ManualTakEditIncidents: incidents,
		},
		Totals: Totals{
			Core:      core,
			Bonus:     bonusScore,
			Penalties: penaltiesTotal,
			Raw:       raw,
			Clamped:   max(0, raw),
		},
	}
}

func scoreTakWorkflow(in Input) TakComponents {
	var c TakComponents

	firstTak := in.Git.FirstTakIndex
	firstCode := in.Git.FirstCodeIndex
	switch {
	case firstTak != nil && (firstCode == nil || *firstTak <= *firstCode):
		c.EarlyAdoption = 5
	case firstTak != nil && firstCode != nil && *firstTak-*firstCode <= 1:
		c.EarlyAdoption = 3
	case in.Task.TaskCount > 0:
		c.EarlyAdoption = 1
	}

	switch {
	case in.Task.EpicCount >= 1 && in.Task.TaskCount >= 5 && in.Task.ChildCount >= 3:
		c.PlanningStructure = 8
	case in.Task.TaskCount >= 4 && in.Task.DependencyEdges >= 1:
		c.PlanningStructure = 6
	case in.Task.TaskCount >= 2:
		c.PlanningStructure = 3
	case in.Task.TaskCount >= 1:
		c.PlanningStructure = 1
	}

	lifecycle := 8
	inProgress := in.Task.StatusCounts["in_progress"]
	if inProgress > 0 {
		lifecycle -= min(4, inProgress)
	}
	if in.Task.HistoryEventCounts["start"] == 0 && in.Task.TaskCount > 0 {
		lifecycle -= 2
	}
	if in.Task.StatusCounts["done"] > 0 && in.Task.HistoryEventCounts["finish"] == 0 {
		lifecycle -= 2
	}
	c.LifecycleHygiene = max(0, lifecycle)

	switch {
	case in.Transcript.TakVerifyMentions > 0 && in.Task.VerificationResultCount > 0:
		c.VerificationDiscipline = 4
	case in.Transcript.TestCommandMentions >= 2:
		c.VerificationDiscipline = 2
	case in.Transcript.TestCommandMentions >= 1 || in.Transcript.PytestMentions >= 1:
		c.VerificationDiscipline = 1
	}

	return c
}

func scoreGitDiscipline(git gitlog.Metrics) GitComponents {
	var c GitComponents

	switch {
	case git.CommitCount >= 5:
		c.Cadence = 8
	case git.CommitCount >= 4:
		c.Cadence = 6
	case git.CommitCount >= 3:
		c.Cadence = 4
	case git.CommitCount >= 1:
		c.Cadence = 2
	}

	switch {
	case git.SmallCommitRatio >= 0.7:
		c.Atomicity = 8
	case git.SmallCommitRatio >= 0.5:
		c.Atomicity = 6
	case git.SmallCommitRatio >= 0.3:
		c.Atomicity = 4
	case git.SmallCommitRatio > 0:
		c.Atomicity = 2
	}

	switch {
	case git.GoodMessageRatio >= 0.75:
		c.MessageQuality = 4
	case git.GoodMessageRatio >= 0.5:
		c.MessageQuality = 3
	case git.GoodMessageRatio >= 0.25:
		c.MessageQuality = 2
	case git.GoodMessageRatio > 0:
		c.MessageQuality = 1
	}

	return c
}

// scoreChangeAdaptation is all-zero unless a change was actually injected.
func scoreChangeAdaptation(in Input, hiddenPass, changeProbePass bool) ChangeComponents {
	var c ChangeComponents
	if !in.ChangeInjected {
		return c
	}

	switch {
	case in.Task.TasksModifiedAfterChange > 0 && in.Task.HistoryEventsAfterChange > 0:
		c.ReplanAfterChange = 4
	case in.Task.TasksModifiedAfterChange > 0:
		c.ReplanAfterChange = 2
	}

	switch {
	case changeProbePass && hiddenPass:
		c.ImplementAndValidateChange = 4
	case changeProbePass:
		c.ImplementAndValidateChange = 3
	case hiddenPass:
		c.ImplementAndValidateChange = 2
	}

	switch {
	case in.Git.CommitsAfterChange >= 1 && in.Task.StatusCounts["in_progress"] == 0:
		c.CloseLoop = 2
	case in.Git.CommitsAfterChange >= 1:
		c.CloseLoop = 1
	}

	return c
}

func scoreBonus(in Input) BonusComponents {
	var c BonusComponents

	switch {
	case in.Task.ContractTaskCount >= 2 && in.Task.ContractVerificationTaskCount >= 1:
		c.ContractRichness = 4
	case in.Task.ContractTaskCount >= 1:
		c.ContractRichness = 2
	}

	switch {
	case in.Transcript.TakVerifyMentions > 0 && in.Task.VerificationResultCount > 0:
		c.VerifyUsage = 3
	case in.Transcript.TakVerifyMentions > 0:
		c.VerifyUsage = 1
	}

	switch {
	case in.Task.ContextCount > 0 && in.Task.LearningCount > 0:
		c.ContextOrLearnings = 3
	case in.Task.ContextCount > 0 || in.Task.LearningCount > 0:
		c.ContextOrLearnings = 2
	}

	return c
}

// scorePenalties returns the penalty components and the combined tampering
// incident count (transcript evidence plus store-normalization violations).
func scorePenalties(in Input) (PenaltyComponents, int) {
	var c PenaltyComponents

	incidents := len(in.Transcript.ManualTakEditEvidence) + len(in.Task.NormalizationIssues)
	if incidents > 0 {
		total := in.Weights.PenaltyManualFirst + (incidents-1)*in.Weights.PenaltyManualAdd
		c.ManualTakEdits = min(in.Weights.PenaltyManualCap, total)
	}

	switch {
	case in.Git.CommitCount == 0:
		c.NoCommits = noCommitsPenalty
	case in.Git.CommitCount < fewCommitsThreshold:
		c.FewCommits = fewCommitsPenalty
	}

	if in.Git.FinalCommitRatio > giantFinalCommitRatio && in.Git.CommitCount >= 1 {
		c.GiantFinalCommit = giantFinalCommitPenalty
	}

	return c, incidents
}
