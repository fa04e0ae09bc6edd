// Package scheduler decides when the control loop's slower maintenance tasks
// fall due. It owns no goroutines: the caller asks which tasks are due and
// records when it ran them.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler holds tasks in registration order.
type Scheduler struct {
	mu     sync.RWMutex
	tasks  []Task
	logger *slog.Logger
}

// New creates an empty Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger.With("component", "scheduler")}
}

// Add registers a task. Names must be unique.
func (s *Scheduler) Add(t Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("task %s already exists", t.Name)
		}
	}
	s.tasks = append(s.tasks, t)
	s.logger.Debug("task added", "task", t.Name, "enabled", t.Enabled)
	return nil
}

// Tasks returns the registered tasks.
func (s *Scheduler) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Due returns the names of enabled tasks whose next run after lastRun is not
// later than now, in registration order. A task that has never run is due.
func (s *Scheduler) Due(now time.Time, lastRun map[string]time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []string
	for _, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		last, ok := lastRun[t.Name]
		if !ok || last.IsZero() {
			due = append(due, t.Name)
			continue
		}
		next, err := t.Schedule.NextRun(last)
		if err != nil {
			s.logger.Error("cannot compute next run", "task", t.Name, "error", err)
			continue
		}
		if !next.After(now) {
			due = append(due, t.Name)
		}
	}
	return due
}

// NextRuns reports when each enabled task will next fall due.
func (s *Scheduler) NextRuns(now time.Time, lastRun map[string]time.Time) map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time, len(s.tasks))
	for _, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		last := lastRun[t.Name]
		if last.IsZero() {
			out[t.Name] = now
			continue
		}
		if next, err := t.Schedule.NextRun(last); err == nil {
			out[t.Name] = next
		}
	}
	return out
}
