package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/takbench/takbench/internal/events"
)

func TestExtractCommands_StripsPromptAndFilters(t *testing.T) {
	raw := strings.Join([]string{
		"user@host:~/repo$ git status",
		"❯ pytest tests/",
		"some narrative text from the agent",
		"tak create --title 'Parse headings'",
		"    ls -la",
		"$ " + strings.Repeat("x", 300), // over-long remainder
		"",
	}, "\n")

	commands := ExtractCommands(raw)
	assert.Equal(t, []string{
		"git status",
		"pytest tests/",
		"tak create --title 'Parse headings'",
		"ls -la",
	}, commands)
}

func TestAnalyze_CommandCounters(t *testing.T) {
	raw := strings.Join([]string{
		"$ tak create --title x",
		"$ tak verify 3",
		"$ pytest tests/test_public_markdown.py",
		"$ python3 -m pytest tests/",
		"$ uv run --project bench pytest",
		"$ git commit -m 'Add parser'",
	}, "\n")

	metrics := Analyze(raw, nil)

	assert.Equal(t, 2, metrics.TakMentions)
	assert.Equal(t, 1, metrics.TakVerifyMentions)
	assert.Equal(t, 3, metrics.PytestMentions)
	// Union of verify and pytest invocations.
	assert.Equal(t, 4, metrics.TestCommandMentions)
	assert.Equal(t, 6, metrics.ExtractedCommandCount)
}

func TestAnalyze_TamperingEvidence(t *testing.T) {
	raw := strings.Join([]string{
		"$ vim .tak/tasks/3.json",
		"$ echo '{}' > .tak/tasks/4.json",
		"$ sed -i 's/todo/done/' .tak/tasks/3.json",
		"$ cp backup.json .tak/learnings/1.json",
		"$ vim .tak/tasks/3.json", // duplicate, de-duplicated
		"$ cat .tak/tasks/3.json", // read-only access is not tampering
		"$ tak update 3 --status done",
	}, "\n")

	metrics := Analyze(raw, nil)

	assert.Equal(t, []string{
		"vim .tak/tasks/3.json",
		"echo '{}' > .tak/tasks/4.json",
		"sed -i 's/todo/done/' .tak/tasks/3.json",
		"cp backup.json .tak/learnings/1.json",
	}, metrics.ManualTakEditEvidence)
	assert.Equal(t, 4, metrics.ManualTakEditCommandCount)
}

func TestAnalyze_RawMentionsAreSecondary(t *testing.T) {
	raw := "the agent discussed tak and pytest in prose\n$ git log\n"
	metrics := Analyze(raw, nil)

	assert.Equal(t, 1, metrics.RawTakMentions)
	assert.Equal(t, 1, metrics.RawPytestMentions)
	// Prose mentions never count as commands.
	assert.Zero(t, metrics.TakMentions)
	assert.Zero(t, metrics.PytestMentions)
}

func TestAnalyze_EventTypeCounts(t *testing.T) {
	eventList := []events.CommandEvent{
		{Type: events.TypeSetup},
		{Type: events.TypePublicProbe},
		{Type: events.TypePublicProbe},
	}
	metrics := Analyze("", eventList)
	assert.Equal(t, map[string]int{"setup": 1, "public_probe": 2}, metrics.HarnessEventTypeCounts)
}

func TestAnalyze_SampleIsBounded(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "$ git status")
	}
	metrics := Analyze(strings.Join(lines, "\n"), nil)
	assert.Equal(t, 30, metrics.ExtractedCommandCount)
	assert.Len(t, metrics.ExtractedCommandSample, 20)
}
