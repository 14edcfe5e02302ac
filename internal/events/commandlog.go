// Package events provides the append-only JSONL command-event log that
// records every harness action against the worker session.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event types emitted by the session driver.
const (
	TypeSetup         = "setup"
	TypeWorkerStart   = "worker_start"
	TypeWorkerReady   = "worker_ready"
	TypeInitialPrompt = "initial_prompt"
	TypeChangePrompt  = "change_prompt"
	TypePublicProbe   = "public_probe"
)

// CommandEvent is one log entry. Append order is emission order; fields not
// relevant to an event type stay empty.
type CommandEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Target    string `json:"target,omitempty"`
	Line      string `json:"line,omitempty"`
	Prompt    string `json:"prompt,omitempty"`

	// public_probe fields.
	ExitCode *int  `json:"exit_code,omitempty"`
	Passed   *bool `json:"passed,omitempty"`

	// worker_ready fields.
	Ready           *bool   `json:"ready,omitempty"`
	Strategy        string  `json:"strategy,omitempty"`
	WaitSeconds     *float64 `json:"wait_seconds,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	PromptTransport string  `json:"prompt_transport,omitempty"`
}

// CommandLog appends events to a JSONL file, syncing after every entry so a
// crash mid-run leaves a consistent partial log.
type CommandLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenCommandLog opens (or creates) the log file for appending.
func OpenCommandLog(path string) (*CommandLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open command log: %w", err)
	}
	return &CommandLog{file: file, path: path}, nil
}

// Path returns the log file path.
func (l *CommandLog) Path() string {
	return l.path
}

// Append writes one event, stamping it if the caller left Timestamp empty.
// The entry is synced to disk before Append returns.
func (l *CommandLog) Append(event CommandEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal command event: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write command event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync command log: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (l *CommandLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Load reads a command log, skipping blank and malformed lines. A missing
// file yields an empty slice, never an error: artifact parse problems are
// data, not failures.
func Load(path string) ([]CommandEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open command log: %w", err)
	}
	defer file.Close()

	var events []CommandEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event CommandEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan command log: %w", err)
	}
	return events, nil
}

// TypeCounts tallies events per type, ignoring entries with no type.
func TypeCounts(eventList []CommandEvent) map[string]int {
	counts := make(map[string]int)
	for _, event := range eventList {
		if event.Type == "" {
			continue
		}
		counts[event.Type]++
	}
	return counts
}
