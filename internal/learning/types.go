// Package learning keeps a bounded history of cycle outcomes and derives
// simple statistics from it: when failures cluster, which hours succeed most
// and how much memory pressure recent runs saw. None of it is machine
// learning; every figure is a count or a mean.
package learning

import "time"

// Load bucket boundaries in bytes.
const (
	MediumLoadBytes = 256 << 20
	HighLoadBytes   = 1 << 30
)

// Load buckets.
const (
	LoadLow    = "low"
	LoadMedium = "medium"
	LoadHigh   = "high"
)

// LoadBucket classifies a system load sample.
func LoadBucket(bytes uint64) string {
	switch {
	case bytes < MediumLoadBytes:
		return LoadLow
	case bytes < HighLoadBytes:
		return LoadMedium
	default:
		return LoadHigh
	}
}

// Context describes the conditions a data point was recorded under.
type Context struct {
	HourOfDay     int    `json:"hourOfDay"`
	DayOfWeek     int    `json:"dayOfWeek"`
	SystemLoad    uint64 `json:"systemLoad"`
	ErrorCount    int    `json:"errorCount"`
	RecentChanges int    `json:"recentChanges"`
}

// DataPoint is one recorded outcome.
type DataPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs"`
	Context    Context   `json:"context"`
	Outcome    string    `json:"outcome,omitempty"`
}

// NewContext fills the time features from at.
func NewContext(at time.Time, systemLoad uint64, errorCount, recentChanges int) Context {
	return Context{
		HourOfDay:     at.Hour(),
		DayOfWeek:     int(at.Weekday()),
		SystemLoad:    systemLoad,
		ErrorCount:    errorCount,
		RecentChanges: recentChanges,
	}
}

// PatternGroup summarizes a partition of the buffer.
type PatternGroup struct {
	Count         int            `json:"count"`
	Hours         [24]int        `json:"hours"`
	Days          [7]int         `json:"days"`
	Load          map[string]int `json:"load"`
	AvgDurationMs float64        `json:"avgDurationMs"`
}

// Patterns partitions the buffer. A point may belong to several groups.
type Patterns struct {
	Success     PatternGroup `json:"success"`
	Failure     PatternGroup `json:"failure"`
	Performance PatternGroup `json:"performance"`
	Errors      PatternGroup `json:"errors"`
}

// ResourceEstimate is the memory pressure of recent points.
type ResourceEstimate struct {
	Pressure     float64 `json:"pressure"`
	Level        string  `json:"level"`
	AvgLoadBytes float64 `json:"avgLoadBytes"`
}

// Predictions are derived from the buffer at training time.
type Predictions struct {
	NextFailure   *time.Time       `json:"nextFailure"`
	OptimalTiming []int            `json:"optimalTiming"`
	ResourceNeeds ResourceEstimate `json:"resourceNeeds"`
}

// Model is fully recomputed by Train.
type Model struct {
	Patterns    Patterns           `json:"patterns"`
	Predictions Predictions        `json:"predictions"`
	Weights     map[string]float64 `json:"weights"`
	// Accuracy is the share of recent points that succeeded, i.e. how often
	// an always-succeeds guess would have been right. It is a heuristic and
	// says nothing about how well the predictions hold up.
	Accuracy    float64   `json:"accuracy"`
	LastUpdated time.Time `json:"lastUpdated"`
	Samples     int       `json:"samples"`
}
