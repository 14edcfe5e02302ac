package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takbench/takbench/internal/events"
	"github.com/takbench/takbench/internal/objective"
	"github.com/takbench/takbench/internal/proc"
)

type fakeTransport struct {
	lines     []string
	prompts   []string
	deadAfter int // PaneDead returns true from this call count on; -1 = never
	deadCalls int
}

func (f *fakeTransport) SendLine(paneTarget, line string) error {
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeTransport) PasteAndSubmit(paneTarget, text string) error {
	f.prompts = append(f.prompts, text)
	return nil
}

func (f *fakeTransport) CapturePane(paneTarget string) (string, error) {
	return "", nil
}

func (f *fakeTransport) PaneDead(paneTarget string) bool {
	f.deadCalls++
	return f.deadAfter >= 0 && f.deadCalls > f.deadAfter
}

type fakeRunner struct {
	exitCodes []int
	calls     int
}

func (f *fakeRunner) RunShell(ctx context.Context, command string, timeout time.Duration) proc.ExecResult {
	code := 1
	if f.calls < len(f.exitCodes) {
		code = f.exitCodes[f.calls]
	}
	f.calls++
	return proc.ExecResult{Command: command, ExitCode: code}
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time        { return c.t }
func (c *fakeClock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() *objective.Config {
	return &objective.Config{
		ID:                "md-parse",
		TimeBudget:        30 * time.Second,
		PollInterval:      5 * time.Second,
		ProbeInterval:     10 * time.Minute,
		ReadyStrategy:     objective.ReadyNone,
		PromptTransport:   objective.TransportBufferPaste,
		PublicTestCommand: "pytest tests/",
		ChangeMin:         10 * time.Minute,
		ChangeTarget:      25 * time.Minute,
		Phase1DoneToken:   objective.DefaultPhase1DoneToken,
		FinalDoneToken:    objective.DefaultFinalDoneToken,
	}
}

func newTestDriver(t *testing.T, cfg *objective.Config, transport *fakeTransport) (*Driver, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	workerLog := filepath.Join(dir, "worker-pane.log")

	commandLog, err := events.OpenCommandLog(filepath.Join(dir, "commands.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { commandLog.Close() })

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	d := New(cfg, transport, "%1", dir, "agent --work", workerLog, commandLog, nil)
	d.InitialPrompt = "Build the markdown parser.\nUse tak for planning."
	d.ChangePrompt = "Requirement change: support nested lists."
	d.runner = &fakeRunner{}
	d.now = clock.now
	d.sleep = clock.sleep
	return d, clock, workerLog
}

func TestRun_TimeBudgetEnd(t *testing.T) {
	transport := &fakeTransport{deadAfter: -1}
	d, _, _ := newTestDriver(t, testConfig(), transport)

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, EndTimeBudget, result.EndReason)
	assert.True(t, result.WorkerReady)
	assert.Equal(t, "no_wait", result.WorkerReadyReason)
	assert.False(t, result.ChangeInjected)
	assert.Nil(t, result.ChangeInjectedEpoch)
	assert.InDelta(t, 30, result.DurationSeconds, 5)

	// Setup lines precede the worker launch; the initial prompt is pasted,
	// never typed.
	require.Len(t, transport.lines, 4)
	assert.Equal(t, "cd "+d.RepoDir, transport.lines[0])
	assert.Equal(t, "export TAKBENCH_OBJECTIVE=md-parse", transport.lines[1])
	assert.Equal(t, "export TAKBENCH_REPO="+d.RepoDir, transport.lines[2])
	assert.Equal(t, "agent --work", transport.lines[3])
	assert.Equal(t, []string{d.InitialPrompt}, transport.prompts)
}

func TestRun_EventLogOrder(t *testing.T) {
	transport := &fakeTransport{deadAfter: -1}
	d, _, _ := newTestDriver(t, testConfig(), transport)

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	logged, err := events.Load(d.Log.Path())
	require.NoError(t, err)
	var types []string
	for _, event := range logged {
		types = append(types, event.Type)
	}
	assert.Equal(t, []string{
		events.TypeSetup, events.TypeSetup, events.TypeSetup,
		events.TypeWorkerStart, events.TypeWorkerReady, events.TypeInitialPrompt,
	}, types)

	ready := logged[4]
	require.NotNil(t, ready.Ready)
	assert.True(t, *ready.Ready)
	assert.Equal(t, "none", ready.Strategy)
	assert.Equal(t, objective.TransportBufferPaste, ready.PromptTransport)
}

func TestRun_ChangeInjectionAfterPhase1(t *testing.T) {
	cfg := testConfig()
	cfg.ChangeMin = 10 * time.Second
	cfg.TimeBudget = 20 * time.Second

	transport := &fakeTransport{deadAfter: -1}
	d, _, workerLog := newTestDriver(t, cfg, transport)
	require.NoError(t, os.WriteFile(workerLog, []byte("phase one complete: TAKBENCH_PHASE1_DONE\n"), 0644))

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Phase1DoneSeen)
	assert.True(t, result.ChangeInjected)
	require.NotNil(t, result.ChangeInjectedEpoch)
	assert.Equal(t, EndTimeBudget, result.EndReason)
	assert.Equal(t, []string{d.InitialPrompt, d.ChangePrompt}, transport.prompts)

	logged, err := events.Load(d.Log.Path())
	require.NoError(t, err)
	counts := events.TypeCounts(logged)
	assert.Equal(t, 1, counts[events.TypeChangePrompt])
}

func TestRun_NoChangeBeforeMinimum(t *testing.T) {
	cfg := testConfig()
	cfg.ChangeMin = 10 * time.Minute
	cfg.TimeBudget = 20 * time.Second

	transport := &fakeTransport{deadAfter: -1}
	d, _, workerLog := newTestDriver(t, cfg, transport)
	require.NoError(t, os.WriteFile(workerLog, []byte("TAKBENCH_PHASE1_DONE\n"), 0644))

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Phase1DoneSeen)
	assert.False(t, result.ChangeInjected)
}

func TestRun_FinalTokenEndsSessionOnlyAfterChange(t *testing.T) {
	cfg := testConfig()
	cfg.ChangeMin = 0
	cfg.ChangeTarget = 0

	transport := &fakeTransport{deadAfter: -1}
	d, _, workerLog := newTestDriver(t, cfg, transport)
	require.NoError(t, os.WriteFile(workerLog, []byte("TAKBENCH_FINAL_DONE\n"), 0644))

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.FinalDoneSeen)
	assert.True(t, result.ChangeInjected)
	assert.Equal(t, EndFinalToken, result.EndReason)
}

func TestRun_PaneDeathEndsSession(t *testing.T) {
	transport := &fakeTransport{deadAfter: 2}
	d, _, _ := newTestDriver(t, testConfig(), transport)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndPaneDead, result.EndReason)
}

func TestRun_ProbeSchedulingAndLatch(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeInterval = 10 * time.Second
	cfg.TimeBudget = 25 * time.Second

	transport := &fakeTransport{deadAfter: -1}
	d, _, _ := newTestDriver(t, cfg, transport)
	runner := &fakeRunner{exitCodes: []int{1, 0}}
	d.runner = runner

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, runner.calls)
	assert.True(t, result.PublicProbePass)
	require.Len(t, result.ProbeResults, 2)
	assert.False(t, *result.ProbeResults[0].Passed)
	assert.True(t, *result.ProbeResults[1].Passed)

	logged, err := events.Load(d.Log.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, events.TypeCounts(logged)[events.TypePublicProbe])
}

func TestWaitForReady_TokenAlreadyPresent(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyStrategy = objective.ReadyToken
	cfg.ReadyToken = "AGENT_READY"
	cfg.ReadyTimeout = 5 * time.Second

	d, _, workerLog := newTestDriver(t, cfg, &fakeTransport{deadAfter: -1})
	require.NoError(t, os.WriteFile(workerLog, []byte("booting...\nAGENT_READY\n"), 0644))

	state := d.waitForReady()
	assert.True(t, state.Ready)
	assert.Equal(t, "ready_token_seen", state.Reason)
}

func TestWaitForReady_TokenAppearsDuringWait(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyStrategy = objective.ReadyToken
	cfg.ReadyToken = "AGENT_READY"
	cfg.ReadyTimeout = 10 * time.Second

	d, _, workerLog := newTestDriver(t, cfg, &fakeTransport{deadAfter: -1})
	d.now = time.Now

	go func() {
		time.Sleep(150 * time.Millisecond)
		os.WriteFile(workerLog, []byte("AGENT_READY\n"), 0644)
	}()

	state := d.waitForReady()
	assert.True(t, state.Ready)
	assert.Equal(t, "ready_token_seen", state.Reason)
}

func TestWaitForReady_TokenTimeoutIsNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyStrategy = objective.ReadyToken
	cfg.ReadyToken = "NEVER_PRINTED"
	cfg.ReadyTimeout = 1200 * time.Millisecond

	d, _, _ := newTestDriver(t, cfg, &fakeTransport{deadAfter: -1})
	d.now = time.Now

	state := d.waitForReady()
	assert.False(t, state.Ready)
	assert.Equal(t, "ready_token_timeout", state.Reason)
	assert.Equal(t, "token", state.Strategy)
}

func TestWaitForReady_DelayStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyStrategy = objective.ReadyDelay
	cfg.ReadyDelay = 4 * time.Second

	d, clock, _ := newTestDriver(t, cfg, &fakeTransport{deadAfter: -1})
	before := clock.t

	state := d.waitForReady()
	assert.True(t, state.Ready)
	assert.Equal(t, "delay_elapsed", state.Reason)
	assert.Equal(t, 4.0, state.WaitSeconds)
	assert.Equal(t, 4*time.Second, clock.t.Sub(before))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "/tmp/run_1/repo", shellQuote("/tmp/run_1/repo"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, `'a b'`, shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
