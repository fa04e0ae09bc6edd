package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/clawinfra/autoheal/internal/persist"
)

// State is a control loop phase.
type State string

const (
	StateIdle           State = "idle"
	StateRunningModules State = "running_modules"
	StateDetecting      State = "detecting"
	StateHealing        State = "healing"
	StateSweeping       State = "sweeping"
	StateLearning       State = "learning"
	StateReporting      State = "reporting"
	StateSleeping       State = "sleeping"
	StateStopped        State = "stopped"
)

// Maintenance task names.
const (
	TaskFullSweep    = "full-sweep"
	TaskLightSweep   = "light-sweep"
	TaskArchivePurge = "archive-purge"
)

// PerformanceMetrics accumulate across cycles and restarts.
type PerformanceMetrics struct {
	ModuleRuns          int64   `json:"moduleRuns"`
	ModuleFailures      int64   `json:"moduleFailures"`
	Detections          int64   `json:"detections"`
	RemediationsApplied int64   `json:"remediationsApplied"`
	RemediationsFailed  int64   `json:"remediationsFailed"`
	RemediationsSkipped int64   `json:"remediationsSkipped"`
	FailedCycles        int64   `json:"failedCycles"`
	LastCycleMs         int64   `json:"lastCycleMs"`
	AvgCycleMs          float64 `json:"avgCycleMs"`
	LastHealthScore     float64 `json:"lastHealthScore"`
}

// CycleState is the control loop's durable state. Cycle numbering resumes
// from CycleCount after a restart.
type CycleState struct {
	CycleCount         int64              `json:"cycleCount"`
	PerformanceMetrics PerformanceMetrics `json:"performanceMetrics"`
	LastUpdate         time.Time          `json:"lastUpdate"`
	StartedAt          time.Time          `json:"startedAt"`
	UptimeSec          int64              `json:"uptimeSec"`
	LastFullSweep      time.Time          `json:"lastFullSweep,omitempty"`
	LastLightSweep     time.Time          `json:"lastLightSweep,omitempty"`
	LastArchivePurge   time.Time          `json:"lastArchivePurge,omitempty"`
	LastTrainedCycle   int64              `json:"lastTrainedCycle"`
}

// LastRuns maps maintenance task names to their last run.
func (s CycleState) LastRuns() map[string]time.Time {
	return map[string]time.Time{
		TaskFullSweep:    s.LastFullSweep,
		TaskLightSweep:   s.LastLightSweep,
		TaskArchivePurge: s.LastArchivePurge,
	}
}

func (s *CycleState) markRun(task string, at time.Time) {
	switch task {
	case TaskFullSweep:
		s.LastFullSweep = at
	case TaskLightSweep:
		s.LastLightSweep = at
	case TaskArchivePurge:
		s.LastArchivePurge = at
	}
}

func (s *CycleState) recordCycle(durationMs int64) {
	m := &s.PerformanceMetrics
	m.LastCycleMs = durationMs
	if s.CycleCount <= 1 {
		m.AvgCycleMs = float64(durationMs)
		return
	}
	// Running mean over all cycles ever completed.
	m.AvgCycleMs += (float64(durationMs) - m.AvgCycleMs) / float64(s.CycleCount)
}

// LoadState reads the cycle state at path. A missing file yields a zero
// state; a corrupt one is logged and replaced by a zero state.
func LoadState(path string, logger *slog.Logger) (CycleState, error) {
	var st CycleState
	err := persist.ReadJSON(path, &st)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, os.ErrNotExist):
		return CycleState{}, nil
	case errors.Is(err, persist.ErrCorrupt):
		logger.Warn("cycle state corrupt, starting from zero", "path", path, "error", err)
		return CycleState{}, nil
	default:
		return CycleState{}, fmt.Errorf("load cycle state: %w", err)
	}
}

// SaveState writes the cycle state atomically.
func SaveState(path string, st CycleState) error {
	if err := persist.WriteJSON(path, st); err != nil {
		return fmt.Errorf("save cycle state: %w", err)
	}
	return nil
}
