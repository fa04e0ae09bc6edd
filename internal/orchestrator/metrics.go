package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink exposes the latest report in Prometheus text format through a
// textfile, for node_exporter's textfile collector.
type MetricsSink struct {
	path     string
	registry *prometheus.Registry

	cycles         prometheus.Gauge
	cycleDuration  prometheus.Gauge
	moduleSuccess  *prometheus.GaugeVec
	moduleDuration *prometheus.GaugeVec
	detections     prometheus.Counter
	remediations   *prometheus.CounterVec
	filesDeleted   prometheus.Gauge
	bytesFreed     prometheus.Gauge
	health         prometheus.Gauge
	nextFailure    prometheus.Gauge
}

// NewMetricsSink creates a sink writing to path.
func NewMetricsSink(path string) *MetricsSink {
	m := &MetricsSink{
		path:     path,
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoheal_cycle_count",
			Help: "Number of the last completed cycle.",
		}),
		cycleDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoheal_cycle_duration_seconds",
			Help: "Duration of the last cycle.",
		}),
		moduleSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoheal_module_success",
			Help: "1 if the module succeeded in the last cycle, else 0.",
		}, []string{"module"}),
		moduleDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoheal_module_duration_seconds",
			Help: "Duration of the module's last run.",
		}, []string{"module"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoheal_detections_total",
			Help: "Failure signatures detected since start.",
		}),
		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoheal_remediations_total",
			Help: "Remediation outcomes since start by status.",
		}, []string{"status"}),
		filesDeleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoheal_retention_files_deleted",
			Help: "Files deleted by retention sweeps, cumulative across restarts.",
		}),
		bytesFreed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoheal_retention_bytes_freed",
			Help: "Bytes freed by retention sweeps, cumulative across restarts.",
		}),
		health: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoheal_health_score",
			Help: "Recency-weighted success score between 0 and 1.",
		}),
		nextFailure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoheal_predicted_failure_timestamp_seconds",
			Help: "Predicted time of the next failure, 0 when unknown.",
		}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleDuration, m.moduleSuccess, m.moduleDuration,
		m.detections, m.remediations, m.filesDeleted, m.bytesFreed,
		m.health, m.nextFailure,
	)
	return m
}

// Registry returns the sink's registry.
func (m *MetricsSink) Registry() *prometheus.Registry { return m.registry }

func (m *MetricsSink) Publish(_ context.Context, r Report) error {
	m.cycles.Set(float64(r.Cycle))
	m.cycleDuration.Set(float64(r.DurationMs) / 1000)

	m.moduleSuccess.Reset()
	m.moduleDuration.Reset()
	for _, mod := range r.Modules {
		ok := 0.0
		if mod.Success {
			ok = 1
		}
		m.moduleSuccess.WithLabelValues(mod.Name).Set(ok)
		m.moduleDuration.WithLabelValues(mod.Name).Set(float64(mod.DurationMs) / 1000)
	}

	m.detections.Add(float64(r.Detections))
	m.remediations.WithLabelValues("applied").Add(float64(r.Remediations.Applied))
	m.remediations.WithLabelValues("failed").Add(float64(r.Remediations.Failed))
	m.remediations.WithLabelValues("skipped").Add(float64(r.Remediations.Skipped))
	m.remediations.WithLabelValues("rejected").Add(float64(r.Remediations.Rejected))

	m.filesDeleted.Set(float64(r.Cleanup.FilesDeleted))
	m.bytesFreed.Set(float64(r.Cleanup.TotalSizeFreedBytes))
	m.health.Set(r.HealthScore)
	if nf := r.Predictions.NextFailure; nf != nil {
		m.nextFailure.Set(float64(nf.Unix()))
	} else {
		m.nextFailure.Set(0)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
