package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a named maintenance duty the control loop runs when it falls due.
type Task struct {
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Enabled  bool           `json:"enabled"`
}

// ScheduleConfig defines when a task runs
type ScheduleConfig struct {
	Expr     string `json:"expr" yaml:"expr"` // standard five-field cron expression
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Cron is shorthand for a cron schedule evaluated in the caller's location.
func Cron(expr string) ScheduleConfig {
	return ScheduleConfig{Expr: expr}
}

// Validate checks the expression and timezone.
func (s ScheduleConfig) Validate() error {
	if s.Expr == "" {
		return fmt.Errorf("cron expression required")
	}
	if _, err := cron.ParseStandard(s.Expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}
	return nil
}

// NextRun calculates the first run time strictly after from. Without a
// timezone, schedules are evaluated in from's location.
func (s ScheduleConfig) NextRun(from time.Time) (time.Time, error) {
	loc := from.Location()
	if s.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(s.Timezone); err != nil {
			return time.Time{}, fmt.Errorf("load timezone: %w", err)
		}
	}

	schedule, err := cron.ParseStandard(s.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron: %w", err)
	}
	if spec, ok := schedule.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return schedule.Next(from), nil
}

// Validate checks the task name and schedule.
func (t Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name required")
	}
	if err := t.Schedule.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	return nil
}
