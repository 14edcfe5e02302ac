// Package transcript extracts heuristic command signals from the worker
// pane transcript. The pattern set is deliberately confined here; the
// scoring engine consumes only the resulting metrics bundle.
package transcript

import (
	"regexp"
	"strings"

	"github.com/takbench/takbench/internal/events"
)

const (
	// maxCommandLen discards pathological lines (wrapped agent output,
	// diffs) that start with an executable name but are not commands.
	maxCommandLen = 260

	// sampleSize bounds the extracted-command sample kept in the report.
	sampleSize = 20
)

// Raw substring mentions, kept as secondary diagnostics.
var (
	rawTakRe       = regexp.MustCompile(`\btak\b`)
	rawTakVerifyRe = regexp.MustCompile(`\btak\s+verify\b`)
	rawPytestRe    = regexp.MustCompile(`\bpytest\b`)
)

// promptPrefixRe strips an interactive-prompt prefix: up to 120 characters
// ending in a prompt glyph plus whitespace.
var promptPrefixRe = regexp.MustCompile(`^[^\n]{0,120}?(?:\$|#|%|❯|➜)\s+`)

// commandStartRe is the allow-list of executables whose invocations count
// as command-like lines.
var commandStartRe = regexp.MustCompile(
	`^(?:[\w./-]*/)?(?:tak|git|pytest|python(?:\d+(?:\.\d+)*)?|uv|bash|sh|ls|cat|grep|rg|sed|awk|perl|jq|tee|vim|nvim|nano|vi|cp|mv|echo|touch|mkdir|rm|find|fd|cargo|make|npm|pnpm|yarn)(?:\s|$)`)

var (
	takCmdRe       = regexp.MustCompile(`^(?:[\w./-]*/)?tak(?:\s|$)`)
	takVerifyCmdRe = regexp.MustCompile(`^(?:[\w./-]*/)?tak\s+verify(?:\s|$)`)

	// pytest directly, python -m pytest, or uv run ... pytest.
	pytestCmdRe = regexp.MustCompile(
		`^(?:pytest(?:\s|$)|(?:[\w./-]*/)?python(?:\d+(?:\.\d+)*)?\s+-m\s+pytest(?:\s|$)|uv\s+run\b.*\bpytest(?:\s|$))`)
)

// Manual store-tampering patterns: editing, redirecting into, stream-editing
// in place, or copying over reserved .tak subpaths.
var (
	editorTamperRe      = regexp.MustCompile(`(?i)\b(?:vim|nvim|nano|vi)\b[^\n]*\.tak/(?:tasks|learnings|history|counter|config)`)
	redirectionTamperRe = regexp.MustCompile(`(?i)(?:>|>>)\s*\.tak/(?:tasks|learnings|history|counter|config)`)
	inplaceTamperRe     = regexp.MustCompile(`(?i)\b(?:sed|perl)\b[^\n]*-i[^\n]*\.tak/(?:tasks|learnings|history|counter|config)`)
	copyTamperRe        = regexp.MustCompile(`(?i)\b(?:cp|mv)\b[^\n]*\.tak/(?:tasks|learnings|history|counter|config)`)
)

// Metrics is the transcript metrics bundle. Command-extracted counters are
// primary; raw mentions are diagnostics only.
type Metrics struct {
	TakMentions            int      `json:"tak_mentions"`
	TakVerifyMentions      int      `json:"tak_verify_mentions"`
	PytestMentions         int      `json:"pytest_mentions"`
	TestCommandMentions    int      `json:"test_command_mentions"`
	ExtractedCommandCount  int      `json:"extracted_command_count"`
	ExtractedCommandSample []string `json:"extracted_command_sample"`

	RawTakMentions       int `json:"raw_tak_mentions"`
	RawTakVerifyMentions int `json:"raw_tak_verify_mentions"`
	RawPytestMentions    int `json:"raw_pytest_mentions"`
	CommandLikeLineCount int `json:"command_like_line_count"`

	ManualTakEditEvidence     []string       `json:"manual_tak_edit_evidence"`
	ManualTakEditCommandCount int            `json:"manual_tak_edit_command_count"`
	HarnessEventTypeCounts    map[string]int `json:"harness_event_type_counts"`
}

// Analyze derives the transcript metrics bundle from the raw pane text and
// the structured command-event log.
func Analyze(rawText string, eventList []events.CommandEvent) Metrics {
	metrics := Metrics{
		RawTakMentions:         len(rawTakRe.FindAllString(rawText, -1)),
		RawTakVerifyMentions:   len(rawTakVerifyRe.FindAllString(rawText, -1)),
		RawPytestMentions:      len(rawPytestRe.FindAllString(rawText, -1)),
		ExtractedCommandSample: []string{},
		ManualTakEditEvidence:  []string{},
		HarnessEventTypeCounts: events.TypeCounts(eventList),
	}

	extracted := ExtractCommands(rawText)
	metrics.ExtractedCommandCount = len(extracted)
	metrics.CommandLikeLineCount = len(extracted)
	if len(extracted) > sampleSize {
		metrics.ExtractedCommandSample = extracted[:sampleSize]
	} else {
		metrics.ExtractedCommandSample = extracted
	}

	for _, command := range extracted {
		isVerify := takVerifyCmdRe.MatchString(command)
		isPytest := pytestCmdRe.MatchString(command)

		if takCmdRe.MatchString(command) {
			metrics.TakMentions++
		}
		if isVerify {
			metrics.TakVerifyMentions++
		}
		if isPytest {
			metrics.PytestMentions++
		}
		if isVerify || isPytest {
			metrics.TestCommandMentions++
		}
	}

	metrics.ManualTakEditEvidence = tamperingEvidence(extracted)
	metrics.ManualTakEditCommandCount = len(metrics.ManualTakEditEvidence)

	return metrics
}

// ExtractCommands pulls command-like lines out of the transcript: strip a
// prompt prefix, drop over-long remainders, keep lines starting with a
// known executable.
func ExtractCommands(rawText string) []string {
	var commands []string
	for _, line := range strings.Split(rawText, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}

		normalized := promptPrefixRe.ReplaceAllString(stripped, "")
		if len(normalized) > maxCommandLen {
			continue
		}
		if commandStartRe.MatchString(normalized) {
			commands = append(commands, normalized)
		}
	}
	return commands
}

// tamperingEvidence collects commands that manually touch reserved store
// paths, de-duplicated preserving first occurrence.
func tamperingEvidence(commands []string) []string {
	evidence := []string{}
	seen := make(map[string]bool)
	for _, command := range commands {
		if !editorTamperRe.MatchString(command) &&
			!redirectionTamperRe.MatchString(command) &&
			!inplaceTamperRe.MatchString(command) &&
			!copyTamperRe.MatchString(command) {
			continue
		}
		if seen[command] {
			continue
		}
		seen[command] = true
		evidence = append(evidence, command)
	}
	return evidence
}
