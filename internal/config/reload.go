package config

import (
	"fmt"
	"log/slog"
	"reflect"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed sections
	Applied []string // copied into the running config
	Skipped []string // require restart
}

// restartRequiredSections are wired into long-lived stores at startup.
var restartRequiredSections = map[string]bool{
	"Server.DataDir":         true,
	"Healing.HistoryBackend": true,
	"Healing.RulesFile":      true,
	"Schedule":               true,
	"Learning":               true,
	"Reports":                true,
	"MQTT":                   true,
}

// Reload re-reads the config from path, diffs it against c and applies the
// hot-reloadable sections in place. An unreadable or invalid file leaves c
// untouched.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	next, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	result := &ReloadResult{}
	sections := []struct {
		name  string
		old   any
		new   any
		apply func()
	}{
		{"Server.DataDir", c.Server.DataDir, next.Server.DataDir, nil},
		{"Server.LogLevel", c.Server.LogLevel, next.Server.LogLevel, func() { c.Server.LogLevel = next.Server.LogLevel }},
		{"Cycle", c.Cycle, next.Cycle, func() { c.Cycle = next.Cycle }},
		{"Modules", c.Modules, next.Modules, func() { c.Modules = next.Modules }},
		{"Detector", c.Detector, next.Detector, func() { c.Detector = next.Detector }},
		{"Healing.HistoryBackend", c.Healing.HistoryBackend, next.Healing.HistoryBackend, nil},
		{"Healing.RulesFile", c.Healing.RulesFile, next.Healing.RulesFile, nil},
		{"Retention.Targets", c.Retention.Targets, next.Retention.Targets, func() { c.Retention.Targets = next.Retention.Targets }},
		{"Schedule", c.Schedule, next.Schedule, nil},
		{"Learning", c.Learning, next.Learning, nil},
		{"Reports", c.Reports, next.Reports, nil},
		{"MQTT", c.MQTT, next.MQTT, nil},
	}

	for _, s := range sections {
		if reflect.DeepEqual(s.old, s.new) {
			continue
		}
		result.Changed = append(result.Changed, s.name)
		if s.apply == nil || restartRequiredSections[s.name] {
			result.Skipped = append(result.Skipped, s.name+" (requires restart)")
			continue
		}
		s.apply()
		result.Applied = append(result.Applied, s.name)
	}
	c.ModulesFile = next.ModulesFile
	return result, nil
}

// Has reports whether section was applied.
func (r *ReloadResult) Has(section string) bool {
	for _, a := range r.Applied {
		if a == section {
			return true
		}
	}
	return false
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
	)
	for _, field := range r.Applied {
		logger.Info("config section hot-reloaded", "section", field)
	}
	for _, field := range r.Skipped {
		logger.Warn("config section requires restart", "section", field)
	}
}

// IsRestartRequired returns true if the section requires a restart.
func IsRestartRequired(section string) bool {
	return restartRequiredSections[section]
}
