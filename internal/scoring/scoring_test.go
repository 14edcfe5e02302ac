package scoring

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takbench/takbench/internal/gitlog"
	"github.com/takbench/takbench/internal/objective"
	"github.com/takbench/takbench/internal/proc"
	"github.com/takbench/takbench/internal/taskstore"
	"github.com/takbench/takbench/internal/transcript"
)

func intPtr(v int) *int { return &v }

// richInput models a well-behaved run that exercises every category.
func richInput() Input {
	epoch := 1700000000.0
	return Input{
		Weights:     objective.DefaultWeights(),
		Public:      &proc.ExecResult{Command: "pytest", ExitCode: 0},
		Hidden:      &proc.ExecResult{Command: "pytest hidden", ExitCode: 0},
		ChangeProbe: &proc.ExecResult{Command: "pytest change", ExitCode: 0},
		Task: taskstore.Metrics{
			TaskCount:                     6,
			StatusCounts:                  map[string]int{"done": 6},
			EpicCount:                     1,
			ChildCount:                    4,
			DependencyEdges:               3,
			ContractTaskCount:             3,
			ContractVerificationTaskCount: 2,
			HistoryEventCounts:            map[string]int{"start": 6, "finish": 6},
			HistoryEventsAfterChange:      2,
			VerificationResultCount:       2,
			ContextCount:                  1,
			LearningCount:                 1,
			TasksModifiedAfterChange:      2,
			NormalizationIssues:           []taskstore.Issue{},
		},
		Git: gitlog.Metrics{
			CommitCount:        6,
			FirstTakIndex:      intPtr(0),
			FirstCodeIndex:     intPtr(1),
			SmallCommitRatio:   0.8,
			GoodMessageRatio:   0.9,
			FinalCommitRatio:   0.2,
			CommitsAfterChange: 2,
		},
		Transcript: transcript.Metrics{
			TakVerifyMentions:   3,
			PytestMentions:      5,
			TestCommandMentions: 8,
		},
		ChangeInjected:      true,
		ChangeInjectedEpoch: &epoch,
	}
}

func TestScore_PerfectRun(t *testing.T) {
	report := Score(richInput())

	assert.Equal(t, 45, report.Functional.Score)
	assert.Equal(t, 25, report.TakWorkflow.Score)
	assert.Equal(t, 20, report.GitDiscipline.Score)
	assert.Equal(t, 10, report.ChangeAdaptation.Score)
	assert.Equal(t, 10, report.Bonus.Score)
	assert.Zero(t, report.Penalties.Score)
	assert.Equal(t, 100, report.Totals.Core)
	assert.Equal(t, 110, report.Totals.Clamped)
}

func TestScore_Deterministic(t *testing.T) {
	first := Score(richInput())
	second := Score(richInput())
	assert.Equal(t, first, second)
}

func TestScore_HiddenPassMonotonic(t *testing.T) {
	failing := richInput()
	failing.Hidden = &proc.ExecResult{Command: "pytest hidden", ExitCode: 1}
	passing := richInput()

	assert.GreaterOrEqual(t, Score(passing).Functional.Score, Score(failing).Functional.Score)
}

func TestScore_PublicOnlyFunctional(t *testing.T) {
	in := richInput()
	in.Hidden = &proc.ExecResult{Command: "pytest hidden", ExitCode: 1}

	report := Score(in)
	assert.Equal(t, 15, report.Functional.Score)
	assert.Equal(t, 45, report.Functional.Max)
	assert.True(t, report.Functional.PublicPass)
	assert.False(t, report.Functional.HiddenPass)
}

func TestScore_ChangeComponentsZeroWithoutInjection(t *testing.T) {
	in := richInput()
	in.ChangeInjected = false
	in.ChangeInjectedEpoch = nil

	report := Score(in)
	assert.Zero(t, report.ChangeAdaptation.Score)
	assert.Equal(t, ChangeComponents{}, report.ChangeAdaptation.Components)
}

func TestScore_TamperingPenaltySaturates(t *testing.T) {
	testCases := []struct {
		incidents int
		want      int
	}{
		{incidents: 1, want: 20},
		{incidents: 2, want: 30},
		{incidents: 3, want: 40},
		{incidents: 4, want: 40},
	}

	for _, tc := range testCases {
		in := richInput()
		for i := 0; i < tc.incidents; i++ {
			in.Transcript.ManualTakEditEvidence = append(in.Transcript.ManualTakEditEvidence, "vim .tak/tasks/1.json")
		}
		report := Score(in)
		assert.Equal(t, tc.want, report.Penalties.Components.ManualTakEdits, "incidents=%d", tc.incidents)
		assert.Equal(t, tc.incidents, report.Penalties.ManualTakEditIncidents)
	}
}

func TestScore_NormalizationIssuesCountAsIncidents(t *testing.T) {
	in := richInput()
	in.Transcript.ManualTakEditEvidence = []string{"vim .tak/tasks/1.json"}
	in.Task.NormalizationIssues = []taskstore.Issue{{File: ".tak/tasks/2.json", Issue: taskstore.IssueTagsNotSorted}}

	report := Score(in)
	assert.Equal(t, 2, report.Penalties.ManualTakEditIncidents)
	assert.Equal(t, 30, report.Penalties.Components.ManualTakEdits)
}

func TestScore_NoCommitsForcesGitZero(t *testing.T) {
	in := richInput()
	in.Git = gitlog.Metrics{}

	report := Score(in)
	assert.Zero(t, report.GitDiscipline.Score)
	assert.Equal(t, 30, report.Penalties.Components.NoCommits)
	assert.Zero(t, report.Penalties.Components.FewCommits)
}

func TestScore_FewCommitsPenalty(t *testing.T) {
	in := richInput()
	in.Git.CommitCount = 3

	report := Score(in)
	assert.Equal(t, 10, report.Penalties.Components.FewCommits)
	assert.Zero(t, report.Penalties.Components.NoCommits)
}

func TestScore_GiantFinalCommitPenalty(t *testing.T) {
	in := richInput()
	in.Git.FinalCommitRatio = 0.75

	report := Score(in)
	assert.Equal(t, 8, report.Penalties.Components.GiantFinalCommit)
}

func TestScore_TotalClampedAtZero(t *testing.T) {
	in := Input{
		Weights: objective.DefaultWeights(),
		Task: taskstore.Metrics{
			StatusCounts:       map[string]int{},
			HistoryEventCounts: map[string]int{},
			NormalizationIssues: []taskstore.Issue{
				{Issue: taskstore.IssueInvalidJSON},
				{Issue: taskstore.IssueTagsNotSorted},
				{Issue: taskstore.IssueTitleNotTrimmed},
			},
		},
	}

	report := Score(in)
	assert.Negative(t, report.Totals.Raw)
	assert.Zero(t, report.Totals.Clamped)
}

func TestScore_LifecycleHygieneDeductions(t *testing.T) {
	in := richInput()
	in.Task.StatusCounts = map[string]int{"in_progress": 2, "done": 1}
	in.Task.HistoryEventCounts = map[string]int{}

	report := Score(in)
	// 8 - 2 (in progress) - 2 (no start events) - 2 (done without finish) = 2.
	assert.Equal(t, 2, report.TakWorkflow.Components.LifecycleHygiene)
}

func TestScore_EarlyAdoptionTiers(t *testing.T) {
	testCases := []struct {
		name      string
		firstTak  *int
		firstCode *int
		taskCount int
		want      int
	}{
		{name: "store first", firstTak: intPtr(0), firstCode: intPtr(1), want: 5},
		{name: "store only", firstTak: intPtr(0), firstCode: nil, want: 5},
		{name: "one commit late", firstTak: intPtr(2), firstCode: intPtr(1), want: 3},
		{name: "late but tasks exist", firstTak: nil, firstCode: intPtr(0), taskCount: 2, want: 1},
		{name: "nothing", firstTak: nil, firstCode: intPtr(0), want: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in := richInput()
			in.Git.FirstTakIndex = tc.firstTak
			in.Git.FirstCodeIndex = tc.firstCode
			in.Task.TaskCount = tc.taskCount
			report := Score(in)
			assert.Equal(t, tc.want, report.TakWorkflow.Components.EarlyAdoption)
		})
	}
}

func TestReport_JSONRoundTrip(t *testing.T) {
	original := Score(richInput())

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var reloaded Report
	require.NoError(t, json.Unmarshal(data, &reloaded))

	assert.Equal(t, original.Totals, reloaded.Totals)
	assert.Equal(t, original, reloaded)
}
