// Package gitlog analyzes the commit history a worker session produced
// between the scaffold baseline and HEAD.
package gitlog

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Commit is one commit after the baseline, in chronological order.
type Commit struct {
	Hash         string   `json:"sha"`
	Subject      string   `json:"message"`
	Timestamp    int64    `json:"timestamp"`
	Files        []string `json:"files"`
	FileCount    int      `json:"file_count"`
	LinesChanged int      `json:"lines_changed"`
}

// Metrics is the git metrics bundle.
type Metrics struct {
	CommitCount        int      `json:"commit_count"`
	Commits            []Commit `json:"commits"`
	FirstTakIndex      *int     `json:"first_tak_commit_index"`
	FirstCodeIndex     *int     `json:"first_code_commit_index"`
	SmallCommitRatio   float64  `json:"small_commit_ratio"`
	GoodMessageRatio   float64  `json:"good_message_ratio"`
	FinalCommitRatio   float64  `json:"final_commit_ratio"`
	CommitsAfterChange int      `json:"commits_after_change"`
	TotalLinesChanged  int      `json:"total_lines_changed"`
}

// smallCommitMaxFiles bounds an "atomic" commit: 1-3 touched files.
const smallCommitMaxFiles = 3

// weakMessageRe matches throwaway commit subjects.
var weakMessageRe = regexp.MustCompile(`(?i)^(wip|update|fix|changes|misc|tmp)\b`)

// Analyze enumerates commits strictly after baselineSHA and derives the
// metrics bundle. Git command failures are errors; the repository is a
// harness-owned artifact, so a broken one means the run itself is broken.
func Analyze(repoDir, baselineSHA string, changeAt *time.Time) (Metrics, error) {
	commits, err := commitsAfter(repoDir, baselineSHA)
	if err != nil {
		return Metrics{}, err
	}
	return Derive(commits, changeAt), nil
}

// Derive computes the metrics bundle from an ordered commit list. Pure; the
// scoring tests feed it synthetic histories.
func Derive(commits []Commit, changeAt *time.Time) Metrics {
	metrics := Metrics{
		CommitCount: len(commits),
		Commits:     commits,
	}

	smallCommits := 0
	goodMessages := 0
	for i, commit := range commits {
		touchesStore := false
		touchesCode := false
		for _, file := range commit.Files {
			if strings.HasPrefix(file, ".tak/") {
				touchesStore = true
			} else {
				touchesCode = true
			}
		}
		if touchesStore && metrics.FirstTakIndex == nil {
			index := i
			metrics.FirstTakIndex = &index
		}
		if touchesCode && metrics.FirstCodeIndex == nil {
			index := i
			metrics.FirstCodeIndex = &index
		}

		if commit.FileCount > 0 && commit.FileCount <= smallCommitMaxFiles {
			smallCommits++
		}
		subject := strings.TrimSpace(commit.Subject)
		if len(subject) >= 10 && !weakMessageRe.MatchString(subject) {
			goodMessages++
		}
		metrics.TotalLinesChanged += commit.LinesChanged

		if changeAt != nil && commit.Timestamp >= changeAt.Unix() {
			metrics.CommitsAfterChange++
		}
	}

	if len(commits) > 0 {
		metrics.SmallCommitRatio = float64(smallCommits) / float64(len(commits))
		metrics.GoodMessageRatio = float64(goodMessages) / float64(len(commits))
		if metrics.TotalLinesChanged > 0 {
			last := commits[len(commits)-1]
			metrics.FinalCommitRatio = float64(last.LinesChanged) / float64(metrics.TotalLinesChanged)
		}
	}

	return metrics
}

// commitsAfter lists baselineSHA..HEAD oldest-first with per-commit file
// sets and added+removed line counts.
func commitsAfter(repoDir, baselineSHA string) ([]Commit, error) {
	out, err := git(repoDir, "rev-list", "--reverse", baselineSHA+"..HEAD")
	if err != nil {
		return nil, err
	}

	var commits []Commit
	for _, sha := range strings.Fields(out) {
		meta, err := git(repoDir, "show", "-s", "--format=%H%x1f%s%x1f%ct", sha)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(strings.TrimSpace(meta), "\x1f")
		if len(parts) < 3 {
			continue
		}
		timestamp, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}

		filesOut, err := git(repoDir, "show", "--name-only", "--pretty=format:", sha)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, line := range strings.Split(filesOut, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				files = append(files, line)
			}
		}

		numstatOut, err := git(repoDir, "show", "--numstat", "--pretty=format:", sha)
		if err != nil {
			return nil, err
		}
		linesChanged := 0
		for _, line := range strings.Split(numstatOut, "\n") {
			fields := strings.Split(line, "\t")
			if len(fields) < 3 {
				continue
			}
			added, errA := strconv.Atoi(fields[0])
			removed, errR := strconv.Atoi(fields[1])
			if errA == nil && errR == nil {
				// Binary files report "-" and are excluded from line totals.
				linesChanged += added + removed
			}
		}

		commits = append(commits, Commit{
			Hash:         parts[0],
			Subject:      parts[1],
			Timestamp:    timestamp,
			Files:        files,
			FileCount:    len(files),
			LinesChanged: linesChanged,
		})
	}
	return commits, nil
}

func git(repoDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
