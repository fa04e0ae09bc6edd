package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "./data", cfg.Server.DataDir)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 300, cfg.Cycle.IntervalSec)
	assert.Equal(t, 30, cfg.Cycle.FailureBackoffSec)
	assert.Equal(t, 6, cfg.Cycle.TrainEveryCycles)
	assert.Equal(t, 0.3, cfg.Healing.MinSuccessRate)
	assert.Equal(t, "jsonl", cfg.Healing.HistoryBackend)
	assert.Equal(t, 3, cfg.Retention.MaxRetries)
	assert.Equal(t, 30, cfg.Retention.ArchiveRetentionDays)
	assert.Equal(t, "0 3 * * *", cfg.Schedule.FullSweep)
	assert.Equal(t, 1000, cfg.Learning.Capacity)
	assert.NoError(t, cfg.Validate())
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoheal.json")
	content := `{
		"server": {"dataDir": "` + filepath.Join(dir, "state") + `", "logLevel": "debug"},
		"cycle": {"intervalSec": 60, "failureBackoffSec": 5, "moduleTimeoutSec": 30, "trainEveryCycles": 2},
		"modules": [{"name": "sync", "path": "modules/sync.js", "interpreter": "node"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 60, cfg.Cycle.IntervalSec)
	require.Len(t, cfg.Modules, 1)
	assert.Equal(t, "node", cfg.Modules[0].Interpreter)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Retention.MaxRetries)
	assert.DirExists(t, filepath.Join(dir, "state"))
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoheal.yaml")
	content := strings.Join([]string{
		"server:",
		"  dataDir: " + filepath.Join(dir, "state"),
		"healing:",
		"  historyBackend: sqlite",
		"  minSuccessRate: 0.4",
		"  attemptsPerMinute: 5",
		"  retryAttempts: 2",
		"  timeoutFactor: 2",
		"  maxTimeoutScale: 8",
		"schedule:",
		"  fullSweep: \"15 2 * * *\"",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Healing.HistoryBackend)
	assert.Equal(t, 0.4, cfg.Healing.MinSuccessRate)
	assert.Equal(t, "15 2 * * *", cfg.Schedule.FullSweep)
	assert.Equal(t, "0 * * * *", cfg.Schedule.LightSweep)
}

func TestLoadModulesFromManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := `
[[module]]
name = "sync-contacts"
path = "modules/sync.js"
interpreter = "node"
timeout_sec = 120

[[module]]
name = "backup"
path = "/usr/local/bin/backup"
args = ["--quick"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modules.toml"), []byte(manifest), 0o644))

	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "state")
	cfg.ModulesFile = "modules.toml"
	cfg.Modules = []ModuleConfig{{Name: "inline", Path: "x"}}
	path := filepath.Join(dir, "autoheal.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Modules, 2)
	assert.Equal(t, "sync-contacts", loaded.Modules[0].Name)
	assert.Equal(t, 120, loaded.Modules[0].TimeoutSec)
	assert.Equal(t, []string{"--quick"}, loaded.Modules[1].Args)
}

func TestLoadModulesRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[module]]\nname = \"a\"\npath = \"b\"\ntimeout = 5\n"), 0o644))

	_, err := LoadModules(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad cron", func(c *Config) { c.Schedule.FullSweep = "every day" }},
		{"bad schedule timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }},
		{"bad history backend", func(c *Config) { c.Healing.HistoryBackend = "postgres" }},
		{"rate out of range", func(c *Config) { c.Healing.MinSuccessRate = 1.5 }},
		{"zero interval", func(c *Config) { c.Cycle.IntervalSec = 0 }},
		{"module without path", func(c *Config) { c.Modules = []ModuleConfig{{Name: "x"}} }},
		{"duplicate modules", func(c *Config) {
			c.Modules = []ModuleConfig{{Name: "x", Path: "a"}, {Name: "x", Path: "b"}}
		}},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoheal.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cycle": {"intervalSec": -1}}`), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSaveRoundTripYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoheal.yml")

	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "state")
	cfg.Modules = []ModuleConfig{{Name: "sync", Path: "sync.sh", Env: map[string]string{"MODE": "fast"}}}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Modules, loaded.Modules)
	assert.Equal(t, cfg.Retention, loaded.Retention)
}

func TestPathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/autoheal"

	assert.Equal(t, "/var/lib/autoheal/reports", cfg.ReportsDir())
	assert.Equal(t, "/var/lib/autoheal/metrics.prom", cfg.MetricsFile())
	assert.Equal(t, "/var/lib/autoheal/rules.json", cfg.RulesFile())

	cfg.Reports.Dir = "/srv/reports"
	assert.Equal(t, "/srv/reports", cfg.ReportsDir())

	assert.Empty(t, cfg.ModulesPath("/etc/autoheal/autoheal.json"))
	cfg.ModulesFile = "modules.toml"
	assert.Equal(t, filepath.Join("other", "dir", "modules.toml"), cfg.ModulesPath(filepath.Join("other", "dir", "autoheal.json")))
	cfg.ModulesFile = "/opt/autoheal/modules.toml"
	assert.Equal(t, "/opt/autoheal/modules.toml", cfg.ModulesPath(filepath.Join("other", "dir", "autoheal.json")))
}
