package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/clawinfra/autoheal/internal/healing"
	"github.com/clawinfra/autoheal/internal/learning"
	"github.com/clawinfra/autoheal/internal/persist"
	"github.com/clawinfra/autoheal/internal/retention"
)

// ModuleSummary is one module run as reported.
type ModuleSummary struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// RemediationSummary counts the cycle's healing outcomes by status.
type RemediationSummary struct {
	Applied  int              `json:"applied"`
	Failed   int              `json:"failed"`
	Skipped  int              `json:"skipped"`
	Rejected int              `json:"rejected"`
	Records  []healing.Record `json:"records,omitempty"`
}

func (r *RemediationSummary) add(out healing.Outcome) {
	switch out.Status {
	case healing.StatusApplied:
		r.Applied++
	case healing.StatusFailed:
		r.Failed++
	case healing.StatusSkipped:
		r.Skipped++
	case healing.StatusRejected:
		r.Rejected++
	}
	r.Records = append(r.Records, out.Record)
}

// SweepReport is one maintenance task run during the cycle.
type SweepReport struct {
	Task string `json:"task"`
	retention.SweepSummary
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the durable summary of one cycle, read by the admin layer.
type Report struct {
	ID             string                 `json:"id"`
	Cycle          int64                  `json:"cycle"`
	StartedAt      time.Time              `json:"startedAt"`
	FinishedAt     time.Time              `json:"finishedAt"`
	DurationMs     int64                  `json:"durationMs"`
	Modules        []ModuleSummary        `json:"modules"`
	ModuleFailures int                    `json:"moduleFailures"`
	Errors         []string               `json:"errors,omitempty"`
	Detections     int                    `json:"detections"`
	Remediations   RemediationSummary     `json:"remediations"`
	Sweeps         []SweepReport          `json:"sweeps,omitempty"`
	Trained        bool                   `json:"trained"`
	Predictions    learning.Predictions   `json:"predictions"`
	Cleanup        retention.CleanupStats `json:"cleanup"`
	HealthScore    float64                `json:"healthScore"`
}

// ReportSink receives every cycle report.
type ReportSink interface {
	Publish(ctx context.Context, r Report) error
}

// FileSink writes reports/latest.json and appends to reports/cycles.jsonl.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (f *FileSink) Publish(_ context.Context, r Report) error {
	if err := persist.WriteJSON(filepath.Join(f.dir, "latest.json"), r); err != nil {
		return fmt.Errorf("write latest report: %w", err)
	}
	if err := persist.AppendJSONL(filepath.Join(f.dir, "cycles.jsonl"), r); err != nil {
		return fmt.Errorf("append cycle report: %w", err)
	}
	return nil
}

// LatestReport reads the last report written by a FileSink in dir.
func LatestReport(dir string) (Report, error) {
	var r Report
	if err := persist.ReadJSON(filepath.Join(dir, "latest.json"), &r); err != nil {
		return Report{}, err
	}
	return r, nil
}
