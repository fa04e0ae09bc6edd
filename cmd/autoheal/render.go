package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/clawinfra/autoheal/internal/healing"
	"github.com/clawinfra/autoheal/internal/learning"
	"github.com/clawinfra/autoheal/internal/orchestrator"
	"github.com/clawinfra/autoheal/internal/retention"
)

var (
	primaryColor = lipgloss.Color("#7C3AED") // violet
	mutedColor   = lipgloss.Color("#6B7280") // gray
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(22)

	okStyle   = lipgloss.NewStyle().Foreground(successColor)
	badStyle  = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle = lipgloss.NewStyle().Foreground(warnColor)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func section(title string, rows ...[2]string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render(r[0]))
		b.WriteString(r[1])
	}
	return b.String()
}

func row(label, value string) [2]string { return [2]string{label, value} }

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers(headers...).
		StyleFunc(func(r, _ int) lipgloss.Style {
			if r == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func healthStyle(score float64) lipgloss.Style {
	switch {
	case score >= 0.8:
		return okStyle
	case score >= 0.5:
		return warnStyle
	default:
		return badStyle
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func renderStatus(st orchestrator.CycleState, latest *orchestrator.Report, stats retention.CleanupStats, model learning.Model) string {
	m := st.PerformanceMetrics
	parts := []string{
		section("Control loop",
			row("Cycles", fmt.Sprintf("%d", st.CycleCount)),
			row("Last update", formatTime(st.LastUpdate)),
			row("Uptime", (time.Duration(st.UptimeSec) * time.Second).String()),
			row("Avg cycle", fmt.Sprintf("%.0f ms", m.AvgCycleMs)),
			row("Failed cycles", fmt.Sprintf("%d", m.FailedCycles)),
			row("Health", healthStyle(m.LastHealthScore).Render(fmt.Sprintf("%.2f", m.LastHealthScore))),
		),
		section("Modules",
			row("Runs", fmt.Sprintf("%d", m.ModuleRuns)),
			row("Failures", fmt.Sprintf("%d", m.ModuleFailures)),
			row("Detections", fmt.Sprintf("%d", m.Detections)),
			row("Remediations", fmt.Sprintf("%s applied, %s failed, %d skipped",
				okStyle.Render(fmt.Sprint(m.RemediationsApplied)),
				badStyle.Render(fmt.Sprint(m.RemediationsFailed)),
				m.RemediationsSkipped)),
		),
		section("Maintenance",
			row("Full sweep", formatTime(st.LastFullSweep)),
			row("Light sweep", formatTime(st.LastLightSweep)),
			row("Archive purge", formatTime(st.LastArchivePurge)),
			row("Files processed", fmt.Sprintf("%d", stats.FilesProcessed)),
			row("Files deleted", fmt.Sprintf("%d", stats.FilesDeleted)),
			row("Files archived", fmt.Sprintf("%d", stats.FilesArchived)),
			row("Errors", fmt.Sprintf("%d", stats.Errors)),
			row("Space freed", formatBytes(stats.TotalSizeFreedBytes)),
		),
		section("Learning model",
			row("Samples", fmt.Sprintf("%d", model.Samples)),
			row("Trained", formatTime(model.LastUpdated)),
			row("Accuracy (heuristic)", fmt.Sprintf("%.2f", model.Accuracy)),
			row("Next failure", formatPrediction(model.Predictions.NextFailure)),
			row("Best hours", formatHours(model.Predictions.OptimalTiming)),
		),
	}
	if latest != nil {
		parts = append(parts, renderModules(*latest))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderModules(rep orchestrator.Report) string {
	t := newTable("Module", "Result", "Exit", "Duration", "Attempts")
	for _, m := range rep.Modules {
		result := okStyle.Render("ok")
		switch {
		case m.Error != "":
			result = badStyle.Render("error")
		case m.TimedOut:
			result = warnStyle.Render("timeout")
		case !m.Success:
			result = badStyle.Render("failed")
		}
		t.Row(m.Name, result, fmt.Sprint(m.ExitCode), fmt.Sprintf("%d ms", m.DurationMs), fmt.Sprint(m.Attempts))
	}
	return titleStyle.Render(fmt.Sprintf("Cycle %d", rep.Cycle)) + "\n" + t.String()
}

func renderReport(rep orchestrator.Report) string {
	parts := []string{
		section(fmt.Sprintf("Cycle %d", rep.Cycle),
			row("Duration", fmt.Sprintf("%d ms", rep.DurationMs)),
			row("Module failures", fmt.Sprintf("%d/%d", rep.ModuleFailures, len(rep.Modules))),
			row("Detections", fmt.Sprintf("%d", rep.Detections)),
			row("Applied", fmt.Sprintf("%d", rep.Remediations.Applied)),
			row("Failed", fmt.Sprintf("%d", rep.Remediations.Failed)),
			row("Skipped", fmt.Sprintf("%d", rep.Remediations.Skipped)),
			row("Rejected", fmt.Sprintf("%d", rep.Remediations.Rejected)),
			row("Health", healthStyle(rep.HealthScore).Render(fmt.Sprintf("%.2f", rep.HealthScore))),
		),
	}
	if len(rep.Modules) > 0 {
		parts = append(parts, renderModules(rep))
	}
	if len(rep.Remediations.Records) > 0 {
		parts = append(parts, renderHistory(rep.Remediations.Records))
	}
	for _, s := range rep.Sweeps {
		label := s.Task
		if s.Dir != "" {
			label += " " + s.Dir
		}
		if s.Message != "" {
			parts = append(parts, section(label, row("Result", s.Message)))
			continue
		}
		parts = append(parts, renderSweep(label, s.SweepSummary))
	}
	for _, e := range rep.Errors {
		parts = append(parts, badStyle.Render("error: "+e))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderSweep(label string, s retention.SweepSummary) string {
	return section("Sweep "+label,
		row("Processed", fmt.Sprintf("%d", s.Processed)),
		row("Deleted", fmt.Sprintf("%d", s.Deleted)),
		row("Archived", fmt.Sprintf("%d", s.Archived)),
		row("Errors", fmt.Sprintf("%d", s.Errors)),
		row("Freed", formatBytes(s.BytesFreed)),
	)
}

func renderRules(rules []healing.Rule, minRate float64) string {
	t := newTable("Category", "Rule", "Action", "Priority", "Success")
	for _, r := range rules {
		rate := fmt.Sprintf("%.3f", r.SuccessRate)
		if r.SuccessRate <= minRate {
			rate = badStyle.Render(rate + " (gated)")
		}
		t.Row(r.Category, r.Name, string(r.Action), string(r.Priority), rate)
	}
	return titleStyle.Render(fmt.Sprintf("Healing rules (remediate above %.2f)", minRate)) + "\n" + t.String()
}

func renderHistory(recs []healing.Record) string {
	t := newTable("Time", "Rule", "Action", "Status", "Result")
	for _, r := range recs {
		status := string(r.Status)
		switch r.Status {
		case healing.StatusApplied:
			status = okStyle.Render(status)
		case healing.StatusFailed, healing.StatusRejected:
			status = badStyle.Render(status)
		case healing.StatusSkipped:
			status = warnStyle.Render(status)
		}
		t.Row(formatTime(r.Timestamp), r.Detection.Category+"/"+r.Detection.RuleName, string(r.Action), status, clip(r.Result, 60))
	}
	return titleStyle.Render("Remediations") + "\n" + t.String()
}

func renderPredictions(p learning.Predictions, model learning.Model, samples int) string {
	weights := make([]string, 0, len(model.Weights))
	for k, v := range model.Weights {
		weights = append(weights, fmt.Sprintf("%s=%.2f", k, v))
	}
	sort.Strings(weights)

	return section("Predictions",
		row("Buffered points", fmt.Sprintf("%d", samples)),
		row("Next failure", formatPrediction(p.NextFailure)),
		row("Best hours", formatHours(p.OptimalTiming)),
		row("Resource pressure", fmt.Sprintf("%.2f (%s)", p.ResourceNeeds.Pressure, p.ResourceNeeds.Level)),
		row("Model trained", formatTime(model.LastUpdated)),
		row("Accuracy (heuristic)", fmt.Sprintf("%.2f", model.Accuracy)),
		row("Weights", strings.Join(weights, " ")),
	)
}

func formatPrediction(t *time.Time) string {
	if t == nil {
		return "not enough failures"
	}
	return formatTime(*t)
}

func formatHours(hours []int) string {
	if len(hours) == 0 {
		return "no data"
	}
	out := make([]string, len(hours))
	for i, h := range hours {
		out[i] = fmt.Sprintf("%02d:00", h)
	}
	return strings.Join(out, ", ")
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
