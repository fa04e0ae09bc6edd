package learning

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/clawinfra/autoheal/internal/persist"
)

// Config controls buffer size, persistence and prediction windows.
type Config struct {
	Capacity       int
	DataPath       string
	ModelPath      string
	LoadCeiling    uint64
	ResourceWindow int
	AccuracyWindow int
	OptimalHours   int
}

// DefaultConfig returns the standard learning settings without persistence.
func DefaultConfig() Config {
	return Config{
		Capacity:       1000,
		LoadCeiling:    2 << 30,
		ResourceWindow: 50,
		AccuracyWindow: 100,
		OptimalHours:   3,
	}
}

// Engine owns the data point buffer and the trained model.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	points []DataPoint
	model  Model
}

// NewEngine creates an Engine and reloads any persisted buffer and model.
// Unreadable state is logged and replaced by an empty buffer or model.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.LoadCeiling == 0 {
		cfg.LoadCeiling = def.LoadCeiling
	}
	if cfg.ResourceWindow <= 0 {
		cfg.ResourceWindow = def.ResourceWindow
	}
	if cfg.AccuracyWindow <= 0 {
		cfg.AccuracyWindow = def.AccuracyWindow
	}
	if cfg.OptimalHours <= 0 {
		cfg.OptimalHours = def.OptimalHours
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "learning"),
		now:    time.Now,
		points: make([]DataPoint, 0, cfg.Capacity),
	}
	e.load()
	return e
}

// SetClock replaces the time source used to stamp the model.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Ingest appends points, evicting the oldest beyond capacity, and persists
// the buffer.
func (e *Engine) Ingest(points ...DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	e.mu.Lock()
	e.points = append(e.points, points...)
	if excess := len(e.points) - e.cfg.Capacity; excess > 0 {
		e.points = append(e.points[:0:0], e.points[excess:]...)
	}
	snapshot := e.points
	e.mu.Unlock()

	if e.cfg.DataPath == "" {
		return nil
	}
	if err := persist.WriteJSON(e.cfg.DataPath, snapshot); err != nil {
		return fmt.Errorf("save learning data: %w", err)
	}
	return nil
}

// Train recomputes the model from the current buffer and persists it.
func (e *Engine) Train() Model {
	e.mu.Lock()
	points := e.points
	m := Model{
		Patterns: buildPatterns(points),
		Predictions: Predictions{
			NextFailure:   nextFailure(points),
			OptimalTiming: optimalHours(points, e.cfg.OptimalHours),
			ResourceNeeds: resourceNeeds(points, e.cfg.ResourceWindow, e.cfg.LoadCeiling),
		},
		Weights:     weights(points),
		Accuracy:    accuracy(points, e.cfg.AccuracyWindow),
		LastUpdated: e.now(),
		Samples:     len(points),
	}
	e.model = m
	e.mu.Unlock()

	if e.cfg.ModelPath != "" {
		if err := persist.WriteJSON(e.cfg.ModelPath, m); err != nil {
			e.logger.Error("failed to save learning model", "error", err)
		}
	}
	e.logger.Info("model trained",
		"samples", m.Samples,
		"accuracy", m.Accuracy,
		"optimal_hours", m.Predictions.OptimalTiming,
	)
	return m
}

// Model returns the last trained model.
func (e *Engine) Model() Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model
}

// Points returns a copy of the buffer, oldest first.
func (e *Engine) Points() []DataPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]DataPoint, len(e.points))
	copy(out, e.points)
	return out
}

// PredictNextFailure returns nil when fewer than two failures are buffered.
func (e *Engine) PredictNextFailure() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return nextFailure(e.points)
}

// PredictOptimalTiming returns up to three hours of day, best first.
func (e *Engine) PredictOptimalTiming() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return optimalHours(e.points, e.cfg.OptimalHours)
}

// PredictResourceNeeds normalizes the mean load of recent points against the
// configured ceiling.
func (e *Engine) PredictResourceNeeds() ResourceEstimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return resourceNeeds(e.points, e.cfg.ResourceWindow, e.cfg.LoadCeiling)
}

func (e *Engine) load() {
	if e.cfg.DataPath != "" {
		var points []DataPoint
		switch err := persist.ReadJSON(e.cfg.DataPath, &points); {
		case err == nil:
			if excess := len(points) - e.cfg.Capacity; excess > 0 {
				points = points[excess:]
			}
			e.points = append(e.points, points...)
		case errors.Is(err, os.ErrNotExist):
		default:
			e.logger.Warn("learning data unreadable, starting empty", "path", e.cfg.DataPath, "error", err)
		}
	}
	if e.cfg.ModelPath != "" {
		var m Model
		switch err := persist.ReadJSON(e.cfg.ModelPath, &m); {
		case err == nil:
			e.model = m
		case errors.Is(err, os.ErrNotExist):
		default:
			e.logger.Warn("learning model unreadable, starting empty", "path", e.cfg.ModelPath, "error", err)
		}
	}
}
