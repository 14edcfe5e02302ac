// Package tmux provides the session transport used to drive the worker
// agent: session lifecycle, one-way text injection, and side-channel reads
// of pane state and transcript.
package tmux

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
)

// historyLimit keeps enough scrollback for the final full-pane capture of a
// long benchmark session.
const historyLimit = "200000"

// bufSeq generates unique buffer names so concurrent paste operations never
// clobber each other's tmux buffers.
var bufSeq atomic.Int64

// unsafeSessionChars matches characters that are unsafe in tmux session
// names. tmux uses `:` and `.` for target resolution, so these must be
// sanitized.
var unsafeSessionChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeSessionName replaces unsafe characters in a session name with
// underscores.
func SanitizeSessionName(name string) string {
	return unsafeSessionChars.ReplaceAllString(name, "_")
}

// Transport is the narrow session-control surface consumed by the session
// driver. Implementations other than Session exist only in tests.
type Transport interface {
	SendLine(paneTarget, line string) error
	PasteAndSubmit(paneTarget, text string) error
	CapturePane(paneTarget string) (string, error)
	PaneDead(paneTarget string) bool
}

// Session manages one detached tmux session with a single worker window.
type Session struct {
	Name string
}

// NewSession creates a detached session with a "worker" window, raises the
// history limit, and returns the handle. The caller owns the session and
// must Kill it.
func NewSession(name string) (*Session, error) {
	s := &Session{Name: SanitizeSessionName(name)}
	if err := run("new-session", "-d", "-s", s.Name, "-n", "worker"); err != nil {
		return nil, err
	}
	if err := run("set-option", "-t", s.Name, "history-limit", historyLimit); err != nil {
		return nil, err
	}
	return s, nil
}

// PaneTarget resolves the worker pane id for this session.
func (s *Session) PaneTarget() (string, error) {
	out, err := output("display-message", "-p", "-t", s.Name+":worker", "#{pane_id}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PipePaneToFile streams all pane output to path, appending across
// invocations. This file is the worker transcript read by the driver and
// the transcript analyzer.
func (s *Session) PipePaneToFile(paneTarget, path string) error {
	return run("pipe-pane", "-o", "-t", paneTarget, fmt.Sprintf("cat >> %q", path))
}

// Kill destroys the session. Safe to call after the pane has already died.
func (s *Session) Kill() error {
	return run("kill-session", "-t", s.Name)
}

// SendLine types a single line literally into the pane and submits it with
// Enter. Only used for short setup commands; prompts go through
// PasteAndSubmit.
func (s *Session) SendLine(paneTarget, line string) error {
	if err := run("send-keys", "-t", paneTarget, "-l", line); err != nil {
		return err
	}
	return run("send-keys", "-t", paneTarget, "Enter")
}

// PasteAndSubmit delivers multi-line text as one atomic paste unit, then
// submits with Enter. load-buffer reads from stdin so arbitrary content is
// safe; -d deletes the buffer after pasting to avoid leaking tmux buffers.
func (s *Session) PasteAndSubmit(paneTarget, text string) error {
	bufName := fmt.Sprintf("takbench-%d", bufSeq.Add(1))

	cmd := exec.Command("tmux", "load-buffer", "-b", bufName, "-")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if err := run("paste-buffer", "-b", bufName, "-d", "-t", paneTarget); err != nil {
		return err
	}
	return run("send-keys", "-t", paneTarget, "Enter")
}

// CapturePane returns the pane content including full scrollback history.
func (s *Session) CapturePane(paneTarget string) (string, error) {
	return output("capture-pane", "-t", paneTarget, "-S", "-"+historyLimit, "-p")
}

// PaneDead reports whether the worker pane has exited. A failing
// display-message query (session torn down) also counts as dead.
func (s *Session) PaneDead(paneTarget string) bool {
	out, err := output("display-message", "-p", "-t", paneTarget, "#{pane_dead}")
	if err != nil {
		return true
	}
	return strings.TrimSpace(out) == "1"
}

func run(args ...string) error {
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func output(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
