// Package orchestrator drives the self-healing control loop. Each cycle runs
// the module pipeline, scans for failure signatures, remediates them, runs the
// maintenance sweeps that are due, feeds the learning engine and publishes a
// report. Cycle state is persisted so numbering and sweep cadence survive a
// restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/autoheal/internal/config"
	"github.com/clawinfra/autoheal/internal/healing"
	"github.com/clawinfra/autoheal/internal/learning"
	"github.com/clawinfra/autoheal/internal/retention"
	"github.com/clawinfra/autoheal/internal/runner"
	"github.com/clawinfra/autoheal/internal/scheduler"
)

// ModuleRunner executes pipeline modules.
type ModuleRunner interface {
	Exec(ctx context.Context, spec runner.Spec) (runner.Result, error)
	RunWithRetry(ctx context.Context, spec runner.Spec, attempts int, backoff time.Duration) (runner.Result, error)
}

// Scanner finds failure signatures in logs and module output.
type Scanner interface {
	Scan(logDir string, rules []healing.Rule) ([]healing.Detection, error)
	ScanText(source, text string, rules []healing.Rule) []healing.Detection
}

// Healer resolves detections against the rule catalogue.
type Healer interface {
	Rules() []healing.Rule
	Resolve(ctx context.Context, d healing.Detection) healing.Outcome
}

// Sweeper applies file retention.
type Sweeper interface {
	Sweep(ctx context.Context, dir string, retentionDays int, archive bool) (retention.SweepSummary, error)
	PurgeArchive(ctx context.Context, olderThanDays int) (retention.SweepSummary, error)
	ReclaimSpace(ctx context.Context) (string, error)
	Stats() retention.CleanupStats
}

// Learner records outcomes and predicts from them.
type Learner interface {
	Ingest(points ...learning.DataPoint) error
	Train() learning.Model
	Points() []learning.DataPoint
	PredictNextFailure() *time.Time
	PredictOptimalTiming() []int
	PredictResourceNeeds() learning.ResourceEstimate
}

// Deps are the components a cycle drives. Tuning may be nil.
type Deps struct {
	Runner    ModuleRunner
	Detector  Scanner
	Healer    Healer
	Retention Sweeper
	Learning  Learner
	Tuning    *healing.Tuning
	Sinks     []ReportSink
}

// Orchestrator owns the control loop and the cycle state.
type Orchestrator struct {
	cfg       *config.Config
	deps      Deps
	sched     *scheduler.Scheduler
	statePath string
	logger    *slog.Logger
	now       func() time.Time
	sampler   func() uint64

	configPath string
	reload     atomic.Bool
	onReload   func(*config.ReloadResult)

	mu    sync.RWMutex
	state State
	cycle CycleState
}

// New creates an Orchestrator and restores the persisted cycle state.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")

	sched, err := newSchedule(cfg.Schedule, logger)
	if err != nil {
		return nil, err
	}

	statePath := cfg.DataPath("cycle-state.json")
	st, err := LoadState(statePath, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		sched:     sched,
		statePath: statePath,
		logger:    logger,
		now:       time.Now,
		sampler:   memoryInUse,
		state:     StateIdle,
		cycle:     st,
	}
	o.cycle.StartedAt = o.now()
	if st.CycleCount > 0 {
		logger.Info("resuming cycle numbering", "last_cycle", st.CycleCount)
	}
	return o, nil
}

func newSchedule(sc config.ScheduleConfig, logger *slog.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(logger)
	for _, t := range []struct {
		name string
		expr string
	}{
		{TaskFullSweep, sc.FullSweep},
		{TaskLightSweep, sc.LightSweep},
		{TaskArchivePurge, sc.ArchivePurge},
	} {
		if t.expr == "" {
			continue
		}
		if err := sched.Add(scheduler.Task{Name: t.name, Schedule: scheduler.ScheduleConfig{Expr: t.expr, Timezone: sc.Timezone}, Enabled: true}); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", t.name, err)
		}
	}
	return sched, nil
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetLoadSampler replaces the system load probe recorded with each data point.
func (o *Orchestrator) SetLoadSampler(sample func() uint64) {
	o.sampler = sample
}

// SetConfigPath sets the file re-read when a reload is requested.
func (o *Orchestrator) SetConfigPath(path string) {
	o.configPath = path
}

// OnReload registers a callback invoked after a successful reload.
func (o *Orchestrator) OnReload(fn func(*config.ReloadResult)) {
	o.onReload = fn
}

// RequestReload asks the loop to re-read the config before its next cycle.
// Safe to call from any goroutine.
func (o *Orchestrator) RequestReload() {
	o.reload.Store(true)
}

// State returns the current loop phase.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// CycleState returns a copy of the cycle state.
func (o *Orchestrator) CycleState() CycleState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cycle
}

// NextSweeps returns when each maintenance task next falls due.
func (o *Orchestrator) NextSweeps() map[string]time.Time {
	return o.sched.NextRuns(o.now(), o.CycleState().LastRuns())
}

// Run executes cycles until ctx is canceled. Cancellation is observed before
// a cycle starts and while sleeping; a cycle in flight runs to completion.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("control loop started",
		"interval_sec", o.cfg.Cycle.IntervalSec,
		"modules", len(o.cfg.Modules),
	)
	defer func() {
		o.setState(StateStopped)
		o.logger.Info("control loop stopped", "cycles", o.CycleState().CycleCount)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		o.applyReload()

		_, err := o.runCycle(context.WithoutCancel(ctx))
		wait := time.Duration(o.cfg.Cycle.IntervalSec) * time.Second
		if err != nil {
			wait = time.Duration(o.cfg.Cycle.FailureBackoffSec) * time.Second
		}

		o.setState(StateSleeping)
		o.logger.Debug("sleeping", "wait", wait)
		if sleepOrCancel(ctx, wait) != nil {
			return nil
		}
	}
}

// RunOnce executes a single cycle and returns its report. Like a cycle under
// Run, it completes even if ctx is canceled part way through.
func (o *Orchestrator) RunOnce(ctx context.Context) (Report, error) {
	rep, err := o.runCycle(context.WithoutCancel(ctx))
	o.setState(StateIdle)
	return rep, err
}

func (o *Orchestrator) applyReload() {
	if !o.reload.Swap(false) || o.configPath == "" {
		return
	}
	result, err := o.cfg.Reload(o.configPath)
	if err != nil {
		o.logger.Error("config reload failed, keeping current config", "error", err)
		return
	}
	result.LogResult(o.logger)
	if o.onReload != nil {
		o.onReload(result)
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) (rep Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			o.logger.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
		if err == nil {
			return
		}
		o.mu.Lock()
		o.cycle.PerformanceMetrics.FailedCycles++
		st := o.cycle
		o.mu.Unlock()
		o.logger.Error("cycle failed", "cycle", st.CycleCount, "error", err)
		if serr := SaveState(o.statePath, st); serr != nil {
			o.logger.Error("failed to save cycle state", "error", serr)
		}
	}()
	return o.runStages(ctx)
}

// moduleOutput is the text a module left behind for the detector.
type moduleOutput struct {
	name string
	text string
}

func (o *Orchestrator) runStages(ctx context.Context) (Report, error) {
	start := o.now()

	o.mu.Lock()
	o.cycle.CycleCount++
	n := o.cycle.CycleCount
	o.mu.Unlock()

	rep := Report{ID: uuid.New().String(), Cycle: n, StartedAt: start}
	log := o.logger.With("cycle", n)
	log.Info("cycle started")

	o.setState(StateRunningModules)
	outputs := o.runModules(ctx, &rep, log)

	o.setState(StateDetecting)
	detections := o.detect(outputs, &rep, log)

	o.setState(StateHealing)
	o.heal(ctx, detections, &rep, log)

	o.setState(StateSweeping)
	o.sweep(ctx, start, &rep, log)

	o.setState(StateLearning)
	o.learn(detections, &rep, log)

	o.setState(StateReporting)
	if err := o.report(ctx, &rep, log); err != nil {
		return rep, err
	}
	return rep, nil
}

func (o *Orchestrator) runModules(ctx context.Context, rep *Report, log *slog.Logger) []moduleOutput {
	outputs := make([]moduleOutput, 0, len(o.cfg.Modules))
	for _, mod := range o.cfg.Modules {
		tune := healing.ModuleTuning{TimeoutScale: 1, RetryAttempts: 1}
		if o.deps.Tuning != nil {
			tune = o.deps.Tuning.For(mod.Name)
		}
		timeoutSec := mod.TimeoutSec
		if timeoutSec <= 0 {
			timeoutSec = o.cfg.Cycle.ModuleTimeoutSec
		}
		spec := runner.Spec{
			Name:        mod.Name,
			Path:        mod.Path,
			Args:        mod.Args,
			Interpreter: mod.Interpreter,
			Dir:         mod.Dir,
			Env:         envList(mod.Env),
			Timeout:     time.Duration(float64(timeoutSec) * tune.TimeoutScale * float64(time.Second)),
		}

		var (
			res runner.Result
			err error
		)
		if tune.RetryAttempts > 1 {
			backoff := time.Duration(o.cfg.Healing.RetryBackoffMs) * time.Millisecond
			res, err = o.deps.Runner.RunWithRetry(ctx, spec, tune.RetryAttempts, backoff)
		} else {
			res, err = o.deps.Runner.Exec(ctx, spec)
		}

		sum := ModuleSummary{
			Name:       mod.Name,
			Success:    err == nil && res.Success,
			ExitCode:   res.ExitCode,
			DurationMs: res.DurationMs,
			TimedOut:   res.TimedOut,
			Attempts:   res.Attempts,
		}
		text := res.Stdout + "\n" + res.Stderr
		if err != nil {
			sum.Error = err.Error()
			text += "\n" + err.Error()
			log.Error("module could not run", "module", mod.Name, "error", err)
		}
		if !sum.Success {
			rep.ModuleFailures++
		}
		rep.Modules = append(rep.Modules, sum)
		outputs = append(outputs, moduleOutput{name: mod.Name, text: text})
	}
	return outputs
}

func (o *Orchestrator) detect(outputs []moduleOutput, rep *Report, log *slog.Logger) []healing.Detection {
	rules := o.deps.Healer.Rules()

	found, err := o.deps.Detector.Scan(o.cfg.Detector.LogDir, rules)
	if err != nil {
		log.Error("log scan failed", "dir", o.cfg.Detector.LogDir, "error", err)
		rep.Errors = append(rep.Errors, fmt.Sprintf("scan %s: %v", o.cfg.Detector.LogDir, err))
	}
	for _, out := range outputs {
		found = append(found, o.deps.Detector.ScanText(out.name, out.text, rules)...)
	}

	detections := dedupe(found)
	rep.Detections = len(detections)
	if len(detections) > 0 {
		log.Info("failure signatures detected", "count", len(detections), "raw", len(found))
	}
	return detections
}

// dedupe keeps the first detection of each (category, rule, matched text).
func dedupe(in []healing.Detection) []healing.Detection {
	seen := make(map[string]bool, len(in))
	out := make([]healing.Detection, 0, len(in))
	for _, d := range in {
		key := d.Category + "\x00" + d.RuleName + "\x00" + d.MatchedText
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

func (o *Orchestrator) heal(ctx context.Context, detections []healing.Detection, rep *Report, log *slog.Logger) {
	limit := o.cfg.Cycle.MaxRemediationsPerCycle
	for i, d := range detections {
		if limit > 0 && i >= limit {
			log.Warn("remediation cap reached, deferring remaining detections",
				"cap", limit,
				"deferred", len(detections)-i,
			)
			break
		}
		out := o.deps.Healer.Resolve(ctx, d)
		rep.Remediations.add(out)
	}
}

func (o *Orchestrator) sweep(ctx context.Context, now time.Time, rep *Report, log *slog.Logger) {
	if o.deps.Retention == nil {
		return
	}
	due := o.sched.Due(now, o.CycleState().LastRuns())
	for _, task := range due {
		log.Info("maintenance task due", "task", task)
		var done bool
		switch task {
		case TaskFullSweep:
			done = len(o.cfg.Retention.Targets) == 0
			for _, t := range o.cfg.Retention.Targets {
				sum, err := o.deps.Retention.Sweep(ctx, t.Dir, t.RetentionDays, t.Archive)
				rep.Sweeps = append(rep.Sweeps, sweepReport(task, sum, "", err))
				done = done || progressed(sum, err)
			}
		case TaskLightSweep:
			msg, err := o.deps.Retention.ReclaimSpace(ctx)
			rep.Sweeps = append(rep.Sweeps, sweepReport(task, retention.SweepSummary{}, msg, err))
			done = err == nil || errors.Is(err, retention.ErrNoTempTargets)
		case TaskArchivePurge:
			sum, err := o.deps.Retention.PurgeArchive(ctx, o.cfg.Retention.ArchiveRetentionDays)
			rep.Sweeps = append(rep.Sweeps, sweepReport(task, sum, "", err))
			done = progressed(sum, err)
		}
		if !done {
			log.Warn("maintenance task failed, retrying next cycle", "task", task)
			continue
		}
		o.mu.Lock()
		o.cycle.markRun(task, now)
		o.mu.Unlock()
	}
}

// progressed reports whether a sweep finished or at least visited files.
func progressed(sum retention.SweepSummary, err error) bool {
	return err == nil || sum.Processed > 0
}

func sweepReport(task string, sum retention.SweepSummary, msg string, err error) SweepReport {
	r := SweepReport{Task: task, SweepSummary: sum, Message: msg}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (o *Orchestrator) learn(detections []healing.Detection, rep *Report, log *slog.Logger) {
	if o.deps.Learning == nil {
		return
	}
	now := o.now()
	load := o.sampler()
	changes := rep.Remediations.Applied

	perModule := make(map[string]int)
	for _, d := range detections {
		perModule[d.Source]++
	}

	points := make([]learning.DataPoint, 0, len(rep.Modules)+1)
	for _, m := range rep.Modules {
		points = append(points, learning.DataPoint{
			Timestamp:  now,
			Type:       "module",
			Success:    m.Success,
			DurationMs: m.DurationMs,
			Context:    learning.NewContext(now, load, perModule[m.Name], changes),
			Outcome:    moduleOutcome(m),
		})
	}
	points = append(points, learning.DataPoint{
		Timestamp:  now,
		Type:       "cycle",
		Success:    rep.ModuleFailures == 0 && rep.Remediations.Failed == 0,
		DurationMs: now.Sub(rep.StartedAt).Milliseconds(),
		Context:    learning.NewContext(now, load, rep.Detections, changes),
		Outcome: fmt.Sprintf("%d/%d modules ok, %d detections, %d remediations applied",
			len(rep.Modules)-rep.ModuleFailures, len(rep.Modules), rep.Detections, changes),
	})
	if err := o.deps.Learning.Ingest(points...); err != nil {
		log.Error("failed to record learning data", "error", err)
		rep.Errors = append(rep.Errors, err.Error())
	}

	st := o.CycleState()
	every := int64(o.cfg.Cycle.TrainEveryCycles)
	if every > 0 && st.CycleCount-st.LastTrainedCycle >= every {
		o.deps.Learning.Train()
		rep.Trained = true
		o.mu.Lock()
		o.cycle.LastTrainedCycle = st.CycleCount
		o.mu.Unlock()
	}

	rep.Predictions = learning.Predictions{
		NextFailure:   o.deps.Learning.PredictNextFailure(),
		OptimalTiming: o.deps.Learning.PredictOptimalTiming(),
		ResourceNeeds: o.deps.Learning.PredictResourceNeeds(),
	}
	rep.HealthScore = HealthScore(o.deps.Learning.Points(), now)
}

func moduleOutcome(m ModuleSummary) string {
	switch {
	case m.Error != "":
		return m.Name + ": " + m.Error
	case m.TimedOut:
		return m.Name + ": timed out"
	case m.Success:
		return m.Name + ": ok"
	default:
		return fmt.Sprintf("%s: exit %d", m.Name, m.ExitCode)
	}
}

func (o *Orchestrator) report(ctx context.Context, rep *Report, log *slog.Logger) error {
	if o.deps.Retention != nil {
		rep.Cleanup = o.deps.Retention.Stats()
	}
	rep.FinishedAt = o.now()
	rep.DurationMs = rep.FinishedAt.Sub(rep.StartedAt).Milliseconds()

	o.mu.Lock()
	m := &o.cycle.PerformanceMetrics
	m.ModuleRuns += int64(len(rep.Modules))
	m.ModuleFailures += int64(rep.ModuleFailures)
	m.Detections += int64(rep.Detections)
	m.RemediationsApplied += int64(rep.Remediations.Applied)
	m.RemediationsFailed += int64(rep.Remediations.Failed)
	m.RemediationsSkipped += int64(rep.Remediations.Skipped)
	m.LastHealthScore = rep.HealthScore
	o.cycle.recordCycle(rep.DurationMs)
	o.cycle.LastUpdate = rep.FinishedAt
	o.cycle.UptimeSec = int64(rep.FinishedAt.Sub(o.cycle.StartedAt).Seconds())
	st := o.cycle
	o.mu.Unlock()

	if err := SaveState(o.statePath, st); err != nil {
		return err
	}

	for _, sink := range o.deps.Sinks {
		if err := sink.Publish(ctx, *rep); err != nil {
			log.Error("failed to publish report", "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}

	log.Info("cycle complete",
		"duration_ms", rep.DurationMs,
		"module_failures", rep.ModuleFailures,
		"detections", rep.Detections,
		"applied", rep.Remediations.Applied,
		"failed", rep.Remediations.Failed,
		"skipped", rep.Remediations.Skipped,
		"health", rep.HealthScore,
	)
	return nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// memoryInUse samples the bytes of memory obtained from the OS by this process.
func memoryInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
