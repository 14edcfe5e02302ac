// Package setup prepares a benchmark run: the per-run directory tree and
// the workspace repository the worker agent operates in.
package setup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RunPaths names the directories of one run. RepoDir is created later by
// PrepareRepo so the template copy can fail cleanly on a half-made tree.
type RunPaths struct {
	RunDir     string
	RepoDir    string
	LogsDir    string
	PromptsDir string
}

// RunDirs creates the directory tree for a new run. An existing run
// directory is an error: artifacts are never overwritten.
func RunDirs(runsDir, runID string) (RunPaths, error) {
	runDir, err := filepath.Abs(filepath.Join(runsDir, runID))
	if err != nil {
		return RunPaths{}, fmt.Errorf("resolve run dir: %w", err)
	}

	if _, err := os.Stat(runDir); err == nil {
		return RunPaths{}, fmt.Errorf("run directory already exists: %s", runDir)
	}

	paths := RunPaths{
		RunDir:     runDir,
		RepoDir:    filepath.Join(runDir, "repo"),
		LogsDir:    filepath.Join(runDir, "logs"),
		PromptsDir: filepath.Join(runDir, "prompts"),
	}

	for _, dir := range []string{paths.LogsDir, paths.PromptsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return RunPaths{}, fmt.Errorf("create run directory %s: %w", dir, err)
		}
	}
	return paths, nil
}

// PrepareRepo copies the objective template into repoDir, initializes git
// (and optionally the tak task store), commits the scaffold, and returns
// the baseline commit SHA. Everything after the baseline is attributed to
// the worker.
func PrepareRepo(ctx context.Context, repoDir, templateDir string, initTak bool) (string, error) {
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return "", fmt.Errorf("create repo dir: %w", err)
	}
	if err := os.CopyFS(repoDir, os.DirFS(templateDir)); err != nil {
		return "", fmt.Errorf("copy template %s: %w", templateDir, err)
	}

	steps := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.name", "takbench"},
		{"git", "config", "user.email", "takbench@example.invalid"},
	}
	if initTak {
		steps = append(steps, []string{"tak", "init"})
	}
	steps = append(steps,
		[]string{"git", "add", "."},
		[]string{"git", "commit", "-m", "Initial benchmark scaffold"},
	)

	for _, step := range steps {
		if _, err := runIn(ctx, repoDir, step...); err != nil {
			return "", err
		}
	}

	baseline, err := runIn(ctx, repoDir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(baseline), nil
}

// RequireBinaries verifies that every named executable is on PATH before
// any run state is created.
func RequireBinaries(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("required binary not found on PATH: %s", name)
		}
	}
	return nil
}

func runIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
