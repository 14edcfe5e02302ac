// Package taskstore analyzes the .tak work-tracking store left behind by a
// worker session: task records, lifecycle history, and auxiliary artifacts.
package taskstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store layout under the workspace root.
const (
	StoreDir        = ".tak"
	tasksDir        = "tasks"
	historyDir      = "history"
	verificationDir = "verification_results"
	contextDir      = "context"
	learningsDir    = "learnings"

	// counterFile is the learnings id-allocation counter, not a learning.
	counterFile = "counter.json"
)

// Dependency is one depends_on entry. Task files carry either a bare id or
// an object with an id field; anything else parses to an invalid entry but
// still counts as an edge.
type Dependency struct {
	ID    int
	Valid bool
}

func (d *Dependency) UnmarshalJSON(data []byte) error {
	var id int
	if err := json.Unmarshal(data, &id); err == nil {
		d.ID = id
		d.Valid = true
		return nil
	}
	var obj struct {
		ID *int `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.ID != nil {
		d.ID = *obj.ID
		d.Valid = true
		return nil
	}
	// Unknown shape: tolerated, counted as an edge only.
	*d = Dependency{}
	return nil
}

// Contract is the optional task contract block.
type Contract struct {
	Objective          string   `json:"objective"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Verification       []string `json:"verification"`
	Constraints        []string `json:"constraints"`
}

// NonTrivial reports whether any contract section is present.
func (c *Contract) NonTrivial() bool {
	if c == nil {
		return false
	}
	return c.Objective != "" || len(c.AcceptanceCriteria) > 0 || len(c.Verification) > 0 || len(c.Constraints) > 0
}

// Task is one record in .tak/tasks.
type Task struct {
	ID        int          `json:"id"`
	Title     string       `json:"title"`
	Status    string       `json:"status"`
	Kind      string       `json:"kind"`
	ParentID  *int         `json:"parent_id"`
	DependsOn []Dependency `json:"depends_on"`
	Tags      []string     `json:"tags"`
	Contract  *Contract    `json:"contract"`
}

// Issue flags a store file that violates an expected invariant. The scan
// never aborts on an issue.
type Issue struct {
	File  string `json:"file"`
	Issue string `json:"issue"`
}

// Issue identifiers.
const (
	IssueInvalidJSON     = "invalid_json"
	IssueTagsNotSorted   = "tags_not_sorted_unique"
	IssueDepsNotSorted   = "depends_on_not_sorted_unique"
	IssueTitleNotTrimmed = "title_not_trimmed"
)

// HistoryEvent is one line in a .tak/history JSONL file.
type HistoryEvent struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

// Metrics is the task-store metrics bundle, recomputed per run.
type Metrics struct {
	TaskCount                     int            `json:"task_count"`
	StatusCounts                  map[string]int `json:"status_counts"`
	KindCounts                    map[string]int `json:"kind_counts"`
	EpicCount                     int            `json:"epic_count"`
	ChildCount                    int            `json:"child_count"`
	DependencyEdges               int            `json:"dependency_edges"`
	ContractTaskCount             int            `json:"contract_task_count"`
	ContractVerificationTaskCount int            `json:"contract_verification_task_count"`
	HistoryEventCount             int            `json:"history_event_count"`
	HistoryEventCounts            map[string]int `json:"history_event_counts"`
	HistoryEventsAfterChange      int            `json:"history_events_after_change"`
	VerificationResultCount       int            `json:"verification_result_count"`
	ContextCount                  int            `json:"context_count"`
	LearningCount                 int            `json:"learning_count"`
	TasksModifiedAfterChange      int            `json:"tasks_modified_after_change"`
	NormalizationIssues           []Issue        `json:"normalization_issues"`
}

// Analyze scans the .tak store under repoDir. changeAt, when non-nil, is the
// change-injection instant used for the after-change counters. A missing
// store yields zero metrics, never an error.
func Analyze(repoDir string, changeAt *time.Time) Metrics {
	metrics := Metrics{
		StatusCounts:        map[string]int{},
		KindCounts:          map[string]int{},
		HistoryEventCounts:  map[string]int{},
		NormalizationIssues: []Issue{},
	}

	tasks := scanTasks(repoDir, &metrics)
	for _, task := range tasks {
		status := task.Status
		if status == "" {
			status = "unknown"
		}
		metrics.StatusCounts[status]++

		kind := task.Kind
		if kind == "" {
			kind = "unknown"
		}
		metrics.KindCounts[kind]++
		if kind == "epic" {
			metrics.EpicCount++
		}

		if task.ParentID != nil {
			metrics.ChildCount++
		}
		metrics.DependencyEdges += len(task.DependsOn)

		if task.Contract.NonTrivial() {
			metrics.ContractTaskCount++
		}
		if task.Contract != nil && len(task.Contract.Verification) > 0 {
			metrics.ContractVerificationTaskCount++
		}
	}
	metrics.TaskCount = len(tasks)

	scanHistory(repoDir, changeAt, &metrics)

	metrics.VerificationResultCount = countGlob(filepath.Join(repoDir, StoreDir, verificationDir), "*.json", "")
	metrics.ContextCount = countGlob(filepath.Join(repoDir, StoreDir, contextDir), "*.md", "")
	metrics.LearningCount = countGlob(filepath.Join(repoDir, StoreDir, learningsDir), "*.json", counterFile)

	if changeAt != nil {
		metrics.TasksModifiedAfterChange = countModifiedSince(filepath.Join(repoDir, StoreDir, tasksDir), *changeAt)
	}

	return metrics
}

// scanTasks loads every task file in name order, recording one invalid_json
// issue per unparseable file and per-file normalization violations.
func scanTasks(repoDir string, metrics *Metrics) []Task {
	dir := filepath.Join(repoDir, StoreDir, tasksDir)
	paths, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	sort.Strings(paths)

	var tasks []Task
	for _, path := range paths {
		rel := relToRepo(repoDir, path)

		raw, err := os.ReadFile(path)
		if err != nil {
			metrics.NormalizationIssues = append(metrics.NormalizationIssues, Issue{File: rel, Issue: IssueInvalidJSON})
			continue
		}

		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			metrics.NormalizationIssues = append(metrics.NormalizationIssues, Issue{File: rel, Issue: IssueInvalidJSON})
			continue
		}
		tasks = append(tasks, task)

		if len(task.Tags) > 0 && !sortedUniqueStrings(task.Tags) {
			metrics.NormalizationIssues = append(metrics.NormalizationIssues, Issue{File: rel, Issue: IssueTagsNotSorted})
		}

		depIDs := make([]int, 0, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if dep.Valid {
				depIDs = append(depIDs, dep.ID)
			}
		}
		if len(depIDs) > 0 && !sortedUniqueInts(depIDs) {
			metrics.NormalizationIssues = append(metrics.NormalizationIssues, Issue{File: rel, Issue: IssueDepsNotSorted})
		}

		if task.Title != strings.TrimSpace(task.Title) {
			metrics.NormalizationIssues = append(metrics.NormalizationIssues, Issue{File: rel, Issue: IssueTitleNotTrimmed})
		}
	}
	return tasks
}

// scanHistory tallies events across all history JSONL files, tolerating
// malformed lines.
func scanHistory(repoDir string, changeAt *time.Time, metrics *Metrics) {
	paths, _ := filepath.Glob(filepath.Join(repoDir, StoreDir, historyDir, "*.jsonl"))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(raw), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var event HistoryEvent
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				continue
			}
			metrics.HistoryEventCount++
			name := event.Event
			if name == "" {
				name = "unknown"
			}
			metrics.HistoryEventCounts[name]++

			if changeAt != nil {
				if ts, err := time.Parse(time.RFC3339, event.Timestamp); err == nil && !ts.Before(*changeAt) {
					metrics.HistoryEventsAfterChange++
				}
			}
		}
	}
}

func countGlob(dir, pattern, exclude string) int {
	paths, _ := filepath.Glob(filepath.Join(dir, pattern))
	count := 0
	for _, path := range paths {
		if exclude != "" && filepath.Base(path) == exclude {
			continue
		}
		count++
	}
	return count
}

func countModifiedSince(dir string, cutoff time.Time) int {
	paths, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	count := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			count++
		}
	}
	return count
}

func relToRepo(repoDir, path string) string {
	rel, err := filepath.Rel(repoDir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func sortedUniqueStrings(values []string) bool {
	for i := 1; i < len(values); i++ {
		if values[i-1] >= values[i] {
			return false
		}
	}
	return true
}

func sortedUniqueInts(values []int) bool {
	for i := 1; i < len(values); i++ {
		if values[i-1] >= values[i] {
			return false
		}
	}
	return true
}
