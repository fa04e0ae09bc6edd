// Package healing owns the remediation rule catalogue, dispatches detections to
// remediation handlers and adapts each rule's success rate after every attempt.
package healing

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAction is returned when an action name is not part of the closed set.
var ErrUnknownAction = errors.New("healing: unknown action")

// Action names a remediation handler.
type Action string

const (
	ActionCreateDirectories   Action = "createDirectories"
	ActionFixPermissions      Action = "fixPermissions"
	ActionCleanupDisk         Action = "cleanupDisk"
	ActionInstallDependencies Action = "installDependencies"
	ActionKillPort            Action = "killPort"
	ActionRestartProcess      Action = "restartProcess"
	ActionRetryWithBackoff    Action = "retryWithBackoff"
	ActionIncreaseTimeout     Action = "increaseTimeout"
)

// Actions lists every known action.
var Actions = []Action{
	ActionCreateDirectories,
	ActionFixPermissions,
	ActionCleanupDisk,
	ActionInstallDependencies,
	ActionKillPort,
	ActionRestartProcess,
	ActionRetryWithBackoff,
	ActionIncreaseTimeout,
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	_, err := ParseAction(string(a))
	return err == nil
}

// Priority ranks how urgent a rule's condition is.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rule categories seeded by default.
const (
	CategoryFilesystem = "filesystem"
	CategoryProcess    = "process"
	CategoryNetwork    = "network"
)

// Rule is one entry of the healing catalogue.
type Rule struct {
	Category    string   `json:"-"`
	Name        string   `json:"-"`
	Pattern     string   `json:"pattern"`
	Action      Action   `json:"action"`
	Priority    Priority `json:"priority"`
	SuccessRate float64  `json:"successRate"`
}

// Key returns the catalogue key "category/name".
func (r Rule) Key() string {
	return ruleKey(r.Category, r.Name)
}

func ruleKey(category, name string) string {
	return category + "/" + name
}

// Detection is a single rule match against one line of output.
type Detection struct {
	Category    string    `json:"category"`
	RuleName    string    `json:"ruleName"`
	MatchedText string    `json:"matchedText"`
	Priority    Priority  `json:"priority"`
	Action      Action    `json:"action"`
	Source      string    `json:"source,omitempty"`
	Line        int       `json:"line,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Status is the outcome class of one Resolve call.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusRejected Status = "rejected"
)

// Record is one entry of the append-only healing history.
type Record struct {
	ID         string    `json:"id"`
	Detection  Detection `json:"detection"`
	Action     Action    `json:"action"`
	Status     Status    `json:"status"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
	Result     string    `json:"result"`
}

// Outcome is what Resolve reports back to the caller.
type Outcome struct {
	Record
	Attempted bool    `json:"attempted"`
	OldRate   float64 `json:"oldRate"`
	NewRate   float64 `json:"newRate"`
	Err       error   `json:"-"`
}

func clampRate(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// UpdateRate applies the adaptive success-rate rule: the new rate is the mean
// of the old rate and the latest outcome (1 for success, 0 for failure).
func UpdateRate(old float64, success bool) float64 {
	s := 0.0
	if success {
		s = 1.0
	}
	return clampRate((clampRate(old) + s) / 2)
}
