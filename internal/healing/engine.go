package healing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultMinSuccessRate is the confidence a rule must exceed to be remediated.
const DefaultMinSuccessRate = 0.3

// Options tunes the engine's gating.
type Options struct {
	// MinSuccessRate gates remediation: a rule is only remediated when its
	// success rate is strictly greater.
	MinSuccessRate float64

	// AttemptsPerMinute caps remediation attempts; zero disables the limit.
	AttemptsPerMinute float64

	// Burst is the limiter's bucket size.
	Burst int
}

// Engine resolves detections into remediation outcomes.
type Engine struct {
	rules    RuleRepository
	history  HistoryStore
	handlers map[Action]Handler
	minRate  float64
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine. The engine is the only writer of rule success rates.
func NewEngine(rules RuleRepository, history HistoryStore, handlers map[Action]Handler, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinSuccessRate <= 0 {
		opts.MinSuccessRate = DefaultMinSuccessRate
	}
	if history == nil {
		history = NewMemoryHistory()
	}

	e := &Engine{
		rules:    rules,
		history:  history,
		handlers: handlers,
		minRate:  opts.MinSuccessRate,
		logger:   logger.With("component", "healing"),
		now:      time.Now,
	}
	if opts.AttemptsPerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.AttemptsPerMinute)
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.AttemptsPerMinute/60), burst)
	}
	return e
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Rules returns a snapshot of the catalogue in detection order.
func (e *Engine) Rules() []Rule {
	return e.rules.All()
}

// Recent returns the last n history records.
func (e *Engine) Recent(n int) ([]Record, error) {
	return e.history.Recent(n)
}

// Resolve gates, dispatches and records one detection. Every call appends
// exactly one record to the history before returning, whatever the outcome.
func (e *Engine) Resolve(ctx context.Context, d Detection) Outcome {
	start := e.now()
	out := Outcome{Record: Record{
		ID:        uuid.New().String(),
		Detection: d,
		Action:    d.Action,
		Timestamp: start,
	}}

	rule, ok := e.rules.Get(d.Category, d.RuleName)
	if !ok {
		return e.finish(out, StatusRejected, fmt.Sprintf("rule %s not in catalogue", ruleKey(d.Category, d.RuleName)), nil)
	}
	out.OldRate, out.NewRate = rule.SuccessRate, rule.SuccessRate

	if _, err := ParseAction(string(d.Action)); err != nil {
		e.logger.Error("detection carries unknown action", "rule", rule.Key(), "error", err)
		return e.finish(out, StatusRejected, err.Error(), nil)
	}
	handler, ok := e.handlers[d.Action]
	if !ok {
		e.logger.Error("no handler bound for action", "rule", rule.Key(), "action", d.Action)
		return e.finish(out, StatusRejected, fmt.Sprintf("no handler bound for %s", d.Action), nil)
	}

	if rule.SuccessRate <= e.minRate {
		e.logger.Info("remediation skipped, low confidence",
			"rule", rule.Key(),
			"success_rate", rule.SuccessRate,
			"threshold", e.minRate,
		)
		return e.finish(out, StatusSkipped, fmt.Sprintf("skipped — low confidence (%.3f <= %.2f)", rule.SuccessRate, e.minRate), nil)
	}
	if e.limiter != nil && !e.limiter.Allow() {
		e.logger.Warn("remediation skipped, rate limited", "rule", rule.Key())
		return e.finish(out, StatusSkipped, "skipped — rate limited", nil)
	}

	result, err := safeRemediate(ctx, handler, d)
	out.Attempted = true
	out.Success = err == nil
	out.DurationMs = e.now().Sub(start).Milliseconds()

	rule.SuccessRate = UpdateRate(rule.SuccessRate, out.Success)
	out.NewRate = rule.SuccessRate
	var persistErr error
	if perr := e.rules.Put(rule); perr != nil {
		e.logger.Error("failed to persist rule", "rule", rule.Key(), "error", perr)
		persistErr = perr
	}

	if err != nil {
		e.logger.Warn("remediation failed",
			"rule", rule.Key(),
			"action", d.Action,
			"error", err,
			"success_rate", out.NewRate,
		)
		return e.finish(out, StatusFailed, err.Error(), persistErr)
	}

	e.logger.Info("remediation applied",
		"rule", rule.Key(),
		"action", d.Action,
		"result", result,
		"success_rate", out.NewRate,
	)
	return e.finish(out, StatusApplied, result, persistErr)
}

func (e *Engine) finish(out Outcome, status Status, result string, err error) Outcome {
	out.Status = status
	out.Result = result
	out.Err = err
	if err := e.history.Append(out.Record); err != nil {
		e.logger.Error("failed to append healing record", "id", out.ID, "error", err)
		if out.Err == nil {
			out.Err = err
		}
	}
	return out
}

func safeRemediate(ctx context.Context, h Handler, d Detection) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Remediate(ctx, d)
}
