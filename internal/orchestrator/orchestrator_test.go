package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/autoheal/internal/config"
	"github.com/clawinfra/autoheal/internal/detector"
	"github.com/clawinfra/autoheal/internal/healing"
	"github.com/clawinfra/autoheal/internal/learning"
	"github.com/clawinfra/autoheal/internal/retention"
	"github.com/clawinfra/autoheal/internal/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)

const enoentLine = "Error: ENOENT: no such file or directory, open '/srv/app/data/cache/state.json'"

type fakeRunner struct {
	mu      sync.Mutex
	results map[string]runner.Result
	errs    map[string]error
	specs   []runner.Spec
	retries map[string]int
	ctxErrs []error
	onExec  func()
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]runner.Result),
		errs:    make(map[string]error),
		retries: make(map[string]int),
	}
}

func (f *fakeRunner) Exec(ctx context.Context, spec runner.Spec) (runner.Result, error) {
	if f.onExec != nil {
		f.onExec()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	res, ok := f.results[spec.Name]
	if !ok {
		res = runner.Result{Success: true, DurationMs: 10}
	}
	res.Module = spec.Name
	if res.Attempts == 0 {
		res.Attempts = 1
	}
	return res, f.errs[spec.Name]
}

func (f *fakeRunner) RunWithRetry(ctx context.Context, spec runner.Spec, attempts int, _ time.Duration) (runner.Result, error) {
	f.mu.Lock()
	f.retries[spec.Name] = attempts
	f.mu.Unlock()
	res, err := f.Exec(ctx, spec)
	res.Attempts = attempts
	return res, err
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeSweeper) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSweeper) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

func (f *fakeSweeper) Sweep(_ context.Context, dir string, days int, archive bool) (retention.SweepSummary, error) {
	f.record(fmt.Sprintf("sweep:%s:%d:%t", filepath.Base(dir), days, archive))
	if f.fail {
		return retention.SweepSummary{Dir: dir}, fmt.Errorf("open %s: permission denied", dir)
	}
	return retention.SweepSummary{Dir: dir, Processed: 3, Deleted: 1}, nil
}

func (f *fakeSweeper) PurgeArchive(_ context.Context, days int) (retention.SweepSummary, error) {
	f.record(fmt.Sprintf("purge:%d", days))
	if f.fail {
		return retention.SweepSummary{}, fmt.Errorf("read archive: permission denied")
	}
	return retention.SweepSummary{}, nil
}

func (f *fakeSweeper) ReclaimSpace(context.Context) (string, error) {
	f.record("reclaim")
	return "reclaimed 0 bytes from 0 files", nil
}

func (f *fakeSweeper) Stats() retention.CleanupStats {
	return retention.CleanupStats{FilesDeleted: 2, TotalSizeFreedBytes: 512}
}

type captureSink struct {
	mu        sync.Mutex
	reports   []Report
	onPublish func()
}

func (c *captureSink) Publish(_ context.Context, r Report) error {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
	if c.onPublish != nil {
		c.onPublish()
	}
	return nil
}

type harness struct {
	cfg      *config.Config
	o        *Orchestrator
	runner   *fakeRunner
	rules    *healing.MemoryRuleRepository
	engine   *healing.Engine
	learn    *learning.Engine
	sweeper  *fakeSweeper
	sink     *captureSink
	tuning   *healing.Tuning
	handled  map[healing.Action]int
	now      time.Time
	handleMu sync.Mutex
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Detector.LogDir = filepath.Join(dir, "logs")
	cfg.Retention.Targets = []config.SweepTarget{
		{Dir: filepath.Join(dir, "logs"), RetentionDays: 7, Archive: true},
	}
	cfg.Schedule = config.ScheduleConfig{}
	cfg.Modules = []config.ModuleConfig{{Name: "fetch", Path: "/opt/modules/fetch"}}
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, rules ...healing.Rule) *harness {
	t.Helper()
	if len(rules) == 0 {
		rules = healing.DefaultRules()
	}
	h := &harness{
		cfg:     cfg,
		runner:  newFakeRunner(),
		rules:   healing.NewMemoryRuleRepository(rules...),
		learn:   learning.NewEngine(learning.DefaultConfig(), testLogger()),
		sweeper: &fakeSweeper{},
		sink:    &captureSink{},
		tuning:  healing.NewTuning(),
		handled: make(map[healing.Action]int),
		now:     testNow,
	}
	handlers := make(map[healing.Action]healing.Handler)
	for _, a := range healing.Actions {
		a := a
		handlers[a] = healing.HandlerFunc(func(context.Context, healing.Detection) (string, error) {
			h.handleMu.Lock()
			h.handled[a]++
			h.handleMu.Unlock()
			return "handled " + string(a), nil
		})
	}
	h.engine = healing.NewEngine(h.rules, nil, handlers, healing.Options{}, testLogger())
	h.engine.SetClock(h.clock)
	h.learn.SetClock(h.clock)
	h.o = h.build(t)
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) build(t *testing.T) *Orchestrator {
	t.Helper()
	det := detector.New(nil, testLogger())
	det.SetClock(h.clock)
	o, err := New(h.cfg, Deps{
		Runner:    h.runner,
		Detector:  det,
		Healer:    h.engine,
		Retention: h.sweeper,
		Learning:  h.learn,
		Tuning:    h.tuning,
		Sinks:     []ReportSink{h.sink},
	}, testLogger())
	require.NoError(t, err)
	o.SetClock(h.clock)
	o.SetLoadSampler(func() uint64 { return 128 << 20 })
	return o
}

func writeLog(t *testing.T, cfg *config.Config, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.Detector.LogDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Detector.LogDir, name), []byte(content), 0o644))
}

func TestRunOnceResumesCycleNumbering(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, SaveState(cfg.DataPath("cycle-state.json"), CycleState{CycleCount: 41}))

	h := newHarness(t, cfg)
	rep, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(42), rep.Cycle)
	assert.NotEmpty(t, rep.ID)

	st, err := LoadState(cfg.DataPath("cycle-state.json"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(42), st.CycleCount)
	assert.Equal(t, int64(1), st.PerformanceMetrics.ModuleRuns)
	assert.Equal(t, StateIdle, h.o.State())
}

func TestCorruptCycleStateStartsFromZero(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Server.DataDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.DataPath("cycle-state.json"), []byte("{not json"), 0o644))

	h := newHarness(t, cfg)
	rep, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Cycle)
}

func TestCycleHealsMissingDirectory(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h.runner.results["fetch"] = runner.Result{ExitCode: 1, Stderr: enoentLine + "\n"}
	writeLog(t, cfg, "app.log", "boot ok\n"+enoentLine+"\n")

	rep, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)

	// The same line from the log file and from stderr is resolved once.
	assert.Equal(t, 1, rep.Detections)
	assert.Equal(t, 1, rep.Remediations.Applied)
	assert.Equal(t, 1, h.handled[healing.ActionCreateDirectories])
	require.Len(t, rep.Remediations.Records, 1)
	assert.Equal(t, "missingDirectories", rep.Remediations.Records[0].Detection.RuleName)

	rule, ok := h.rules.Get(healing.CategoryFilesystem, "missingDirectories")
	require.True(t, ok)
	assert.InDelta(t, 0.975, rule.SuccessRate, 1e-9)

	require.Len(t, rep.Modules, 1)
	assert.False(t, rep.Modules[0].Success)
	assert.Equal(t, 1, rep.ModuleFailures)

	st := h.o.CycleState()
	assert.Equal(t, int64(1), st.PerformanceMetrics.ModuleFailures)
	assert.Equal(t, int64(1), st.PerformanceMetrics.Detections)
	assert.Equal(t, int64(1), st.PerformanceMetrics.RemediationsApplied)
}

func TestRemediationCapPerCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cycle.MaxRemediationsPerCycle = 1
	h := newHarness(t, cfg)
	writeLog(t, cfg, "app.log", "connect ECONNREFUSED 127.0.0.1:5432\nlisten EADDRINUSE: address already in use :::3000\n")

	rep, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Detections)
	assert.Len(t, rep.Remediations.Records, 1)
	assert.Equal(t, "connectionRefused", rep.Remediations.Records[0].Detection.RuleName)
}

func TestEnvironmentErrorIsScanned(t *testing.T) {
	cfg := testConfig(t)
	rule := healing.Rule{
		Category:    healing.CategoryProcess,
		Name:        "interpreterMissing",
		Pattern:     `executable file not found`,
		Action:      healing.ActionInstallDependencies,
		Priority:    healing.PriorityHigh,
		SuccessRate: 0.9,
	}
	h := newHarness(t, cfg, rule)
	h.runner.errs["fetch"] = fmt.Errorf("%w: node: %w", runner.ErrSpawn, exec.ErrNotFound)

	rep, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Modules, 1)
	assert.False(t, rep.Modules[0].Success)
	assert.Contains(t, rep.Modules[0].Error, "executable file not found")

	require.Len(t, rep.Remediations.Records, 1)
	d := rep.Remediations.Records[0].Detection
	assert.Equal(t, "interpreterMissing", d.RuleName)
	assert.Equal(t, "fetch", d.Source)
}

func TestTuningAppliedToModules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Modules = []config.ModuleConfig{
		{Name: "fetch", Path: "/opt/modules/fetch"},
		{Name: "index", Path: "/opt/modules/index", TimeoutSec: 10, Env: map[string]string{"B": "2", "A": "1"}},
	}
	h := newHarness(t, cfg)
	h.tuning.ScaleTimeout("fetch", 2, 4)
	h.tuning.EnableRetry("fetch", 3)

	rep, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.runner.specs, 2)
	assert.Equal(t, 600*time.Second, h.runner.specs[0].Timeout)
	assert.Equal(t, 10*time.Second, h.runner.specs[1].Timeout)
	assert.Equal(t, []string{"A=1", "B=2"}, h.runner.specs[1].Env)

	assert.Equal(t, 3, h.runner.retries["fetch"])
	assert.NotContains(t, h.runner.retries, "index")
	assert.Equal(t, 3, rep.Modules[0].Attempts)
}

func TestTrainingCadence(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cycle.TrainEveryCycles = 2
	h := newHarness(t, cfg)

	var trained []bool
	for i := 0; i < 4; i++ {
		rep, err := h.o.RunOnce(context.Background())
		require.NoError(t, err)
		trained = append(trained, rep.Trained)
	}
	assert.Equal(t, []bool{false, true, false, true}, trained)
	assert.Equal(t, int64(4), h.o.CycleState().LastTrainedCycle)

	// One point per module plus one per cycle.
	assert.Len(t, h.learn.Points(), 8)
	assert.Equal(t, 8, h.learn.Model().Samples)
}

func TestLearningPointsCarryContext(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h.runner.results["fetch"] = runner.Result{ExitCode: 2, DurationMs: 1500}

	_, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)

	points := h.learn.Points()
	require.Len(t, points, 2)

	mod := points[0]
	assert.Equal(t, "module", mod.Type)
	assert.False(t, mod.Success)
	assert.Equal(t, int64(1500), mod.DurationMs)
	assert.Equal(t, "fetch: exit 2", mod.Outcome)
	assert.Equal(t, 10, mod.Context.HourOfDay)
	assert.Equal(t, int(time.Wednesday), mod.Context.DayOfWeek)
	assert.Equal(t, uint64(128<<20), mod.Context.SystemLoad)

	cycle := points[1]
	assert.Equal(t, "cycle", cycle.Type)
	assert.False(t, cycle.Success)
}

func TestSweepCadence(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule = config.DefaultConfig().Schedule
	h := newHarness(t, cfg)

	// Never-run tasks are due on the first cycle.
	rep, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep:logs:7:true", "reclaim", "purge:30"}, h.sweeper.take())
	require.Len(t, rep.Sweeps, 3)
	assert.Equal(t, TaskFullSweep, rep.Sweeps[0].Task)
	assert.Equal(t, 1, rep.Sweeps[0].Deleted)
	assert.Equal(t, "reclaimed 0 bytes from 0 files", rep.Sweeps[1].Message)
	assert.Equal(t, int64(2), rep.Cleanup.FilesDeleted)

	h.now = testNow.Add(30 * time.Minute)
	_, err = h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.sweeper.take())

	h.now = testNow.Add(time.Hour)
	_, err = h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"reclaim"}, h.sweeper.take())

	// A restart keeps the last run times.
	h.now = testNow.Add(90 * time.Minute)
	h.o = h.build(t)
	_, err = h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.sweeper.take())

	h.now = time.Date(2026, 5, 21, 3, 0, 0, 0, time.UTC)
	_, err = h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep:logs:7:true", "reclaim"}, h.sweeper.take())

	next := h.o.NextSweeps()
	assert.Equal(t, time.Date(2026, 5, 22, 3, 0, 0, 0, time.UTC), next[TaskFullSweep])
	assert.Equal(t, time.Date(2026, 5, 24, 4, 30, 0, 0, time.UTC), next[TaskArchivePurge])
}

func TestFailedSweepRetriesNextCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule = config.DefaultConfig().Schedule
	h := newHarness(t, cfg)
	h.sweeper.fail = true

	rep, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep:logs:7:true", "reclaim", "purge:30"}, h.sweeper.take())
	assert.NotEmpty(t, rep.Sweeps[0].Error)

	st := h.o.CycleState()
	assert.True(t, st.LastFullSweep.IsZero())
	assert.True(t, st.LastArchivePurge.IsZero())
	assert.Equal(t, testNow, st.LastLightSweep)

	h.sweeper.fail = false
	h.now = testNow.Add(5 * time.Minute)
	_, err = h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep:logs:7:true", "purge:30"}, h.sweeper.take())

	h.now = testNow.Add(10 * time.Minute)
	_, err = h.o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.sweeper.take())
}

func TestSweepScheduleTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule = config.DefaultConfig().Schedule
	cfg.Schedule.Timezone = "Asia/Tokyo"
	h := newHarness(t, cfg)

	_, err := h.o.RunOnce(context.Background())
	require.NoError(t, err)

	// 03:00 in Tokyo is 18:00 UTC the day before.
	next := h.o.NextSweeps()
	assert.True(t, time.Date(2026, 5, 20, 18, 0, 0, 0, time.UTC).Equal(next[TaskFullSweep]), "got %v", next[TaskFullSweep])
}

func TestRunOnceCompletesAfterCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Modules = []config.ModuleConfig{
		{Name: "fetch", Path: "/opt/modules/fetch"},
		{Name: "index", Path: "/opt/modules/index"},
	}
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.onExec = cancel

	rep, err := h.o.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Modules, 2)
	for i, cerr := range h.runner.ctxErrs {
		assert.NoError(t, cerr, "module %d saw a canceled context", i)
	}
	assert.Len(t, h.sink.reports, 1)
}

func TestRunStopsAfterInFlightCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cycle.IntervalSec = 3600
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sink.onPublish = cancel

	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Len(t, h.sink.reports, 1)
	assert.Equal(t, int64(1), h.o.CycleState().CycleCount)
	assert.Equal(t, StateStopped, h.o.State())
}

func TestRunNotStartedWhenAlreadyCanceled(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.o.Run(ctx))
	assert.Empty(t, h.sink.reports)
	assert.Equal(t, StateStopped, h.o.State())
}

type panickingHealer struct{}

func (panickingHealer) Rules() []healing.Rule { panic("catalogue unavailable") }

func (panickingHealer) Resolve(context.Context, healing.Detection) healing.Outcome {
	return healing.Outcome{}
}

func TestCyclePanicIsRecovered(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg, Deps{
		Runner:   newFakeRunner(),
		Detector: detector.New(nil, testLogger()),
		Healer:   panickingHealer{},
	}, testLogger())
	require.NoError(t, err)

	_, err = o.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle panic")
	assert.Equal(t, int64(1), o.CycleState().PerformanceMetrics.FailedCycles)

	st, err := LoadState(cfg.DataPath("cycle-state.json"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.CycleCount)
	assert.Equal(t, int64(1), st.PerformanceMetrics.FailedCycles)
}

func TestReloadAppliedBeforeCycle(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "autoheal.json")
	next := *cfg
	next.Modules = []config.ModuleConfig{{Name: "compact", Path: "/opt/modules/compact"}}
	require.NoError(t, next.Save(path))

	h := newHarness(t, cfg)
	h.o.SetConfigPath(path)
	var reloaded *config.ReloadResult
	h.o.OnReload(func(r *config.ReloadResult) { reloaded = r })
	h.o.RequestReload()

	ctx, cancel := context.WithCancel(context.Background())
	h.sink.onPublish = cancel
	require.NoError(t, h.o.Run(ctx))

	require.NotNil(t, reloaded)
	assert.True(t, reloaded.Has("Modules"))
	require.Len(t, h.runner.specs, 1)
	assert.Equal(t, "compact", h.runner.specs[0].Name)
}

func TestDedupe(t *testing.T) {
	d := func(rule, text, source string) healing.Detection {
		return healing.Detection{Category: healing.CategoryNetwork, RuleName: rule, MatchedText: text, Source: source}
	}
	in := []healing.Detection{
		d("timeout", "ETIMEDOUT", "a.log"),
		d("timeout", "ETIMEDOUT", "fetch"),
		d("timeout", "request timed out", "a.log"),
		d("portInUse", "ETIMEDOUT", "a.log"),
	}
	out := dedupe(in)
	require.Len(t, out, 3)
	assert.Equal(t, "a.log", out[0].Source)
	assert.Equal(t, "request timed out", out[1].MatchedText)
	assert.Equal(t, "portInUse", out[2].RuleName)
}

func TestFailingCyclesProjectCycleInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.Modules = []config.ModuleConfig{
		{Name: "fetch", Path: "/opt/modules/fetch"},
		{Name: "index", Path: "/opt/modules/index"},
	}
	h := newHarness(t, cfg)
	h.runner.results["fetch"] = runner.Result{ExitCode: 1}
	h.runner.results["index"] = runner.Result{ExitCode: 2}

	var rep Report
	for i := 0; i < 3; i++ {
		var err error
		rep, err = h.o.RunOnce(context.Background())
		require.NoError(t, err)
		if i < 2 {
			h.now = h.now.Add(5 * time.Minute)
		}
	}

	// Module and cycle points of one cycle share a timestamp and count once.
	next := h.learn.PredictNextFailure()
	require.NotNil(t, next)
	assert.Equal(t, 5*time.Minute, next.Sub(h.now))
	require.NotNil(t, rep.Predictions.NextFailure)
	assert.True(t, next.Equal(*rep.Predictions.NextFailure))
}
