// Package artifact writes run artifacts. JSON documents go through a
// write-sync-rename sequence so a crash mid-write never leaves a truncated
// report behind.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/takbench/takbench/internal/proc"
)

// WriteJSON marshals data with indentation and atomically replaces path.
func WriteJSON(path string, data any) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return writeRaw(path, append(content, '\n'))
}

func writeRaw(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".takbench-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// SaveExecLog writes a human-readable record of one test execution next to
// the machine-readable result in the report.
func SaveExecLog(path, title string, result proc.ExecResult) error {
	text := strings.Join([]string{
		"# " + title,
		"$ " + result.Command,
		fmt.Sprintf("exit_code: %d", result.ExitCode),
		"",
		"## stdout",
		result.Stdout,
		"",
		"## stderr",
		result.Stderr,
		"",
	}, "\n")
	return os.WriteFile(path, []byte(text), 0644)
}
