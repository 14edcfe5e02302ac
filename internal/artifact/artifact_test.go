package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takbench/takbench/internal/proc"
)

func TestWriteJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	require.NoError(t, WriteJSON(path, map[string]int{"total": 87}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded map[string]int
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, 87, loaded["total"])
	// Indented output for human inspection.
	assert.Contains(t, string(data), "  \"total\": 87")
}

func TestWriteJSON_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")

	require.NoError(t, WriteJSON(path, map[string]string{"phase": "started"}))
	require.NoError(t, WriteJSON(path, map[string]string{"phase": "ended"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ended")
	assert.NotContains(t, string(data), "started")
}

func TestWriteJSON_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteJSON(filepath.Join(dir, "out.json"), []int{1, 2}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}

func TestSaveExecLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "public-tests.log")

	result := proc.ExecResult{
		Command:  "pytest tests/",
		ExitCode: 1,
		Stdout:   "1 failed",
		Stderr:   "warning: slow",
	}
	require.NoError(t, SaveExecLog(path, "Public tests", result))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "# Public tests")
	assert.Contains(t, text, "$ pytest tests/")
	assert.Contains(t, text, "exit_code: 1")
	assert.Contains(t, text, "1 failed")
	assert.Contains(t, text, "warning: slow")
}
