package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all autoheal configuration
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Control loop timing
	Cycle CycleConfig `json:"cycle" yaml:"cycle"`

	// Module pipeline, run in order
	Modules []ModuleConfig `json:"modules" yaml:"modules" validate:"dive"`

	// Optional TOML manifest whose modules replace Modules
	ModulesFile string `json:"modulesFile,omitempty" yaml:"modulesFile,omitempty"`

	// Log scanning
	Detector DetectorConfig `json:"detector" yaml:"detector"`

	// Remediation
	Healing HealingConfig `json:"healing" yaml:"healing"`

	// File retention
	Retention RetentionConfig `json:"retention" yaml:"retention"`

	// Sweep cadence (cron expressions)
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`

	// Statistics model
	Learning LearningConfig `json:"learning" yaml:"learning"`

	// Cycle reports
	Reports ReportsConfig `json:"reports" yaml:"reports"`

	// Optional report publishing
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt"`
}

type ServerConfig struct {
	DataDir  string `json:"dataDir" yaml:"dataDir" validate:"required"`
	LogLevel string `json:"logLevel" yaml:"logLevel" validate:"omitempty,oneof=debug info warn warning error"`
}

type CycleConfig struct {
	IntervalSec             int `json:"intervalSec" yaml:"intervalSec" validate:"min=1"`
	FailureBackoffSec       int `json:"failureBackoffSec" yaml:"failureBackoffSec" validate:"min=1"`
	ModuleTimeoutSec        int `json:"moduleTimeoutSec" yaml:"moduleTimeoutSec" validate:"min=1"`
	TrainEveryCycles        int `json:"trainEveryCycles" yaml:"trainEveryCycles" validate:"min=1"`
	MaxRemediationsPerCycle int `json:"maxRemediationsPerCycle" yaml:"maxRemediationsPerCycle" validate:"min=0"`
}

// ModuleConfig describes one pipeline step.
type ModuleConfig struct {
	Name        string            `json:"name" yaml:"name" toml:"name" validate:"required"`
	Path        string            `json:"path" yaml:"path" toml:"path" validate:"required"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args"`
	Interpreter string            `json:"interpreter,omitempty" yaml:"interpreter,omitempty" toml:"interpreter"`
	Dir         string            `json:"dir,omitempty" yaml:"dir,omitempty" toml:"dir"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env"`
	TimeoutSec  int               `json:"timeoutSec,omitempty" yaml:"timeoutSec,omitempty" toml:"timeout_sec" validate:"min=0"`
}

type DetectorConfig struct {
	LogDir string   `json:"logDir" yaml:"logDir"`
	Globs  []string `json:"globs,omitempty" yaml:"globs,omitempty"`
}

type HealingConfig struct {
	RulesFile         string   `json:"rulesFile,omitempty" yaml:"rulesFile,omitempty"`
	HistoryBackend    string   `json:"historyBackend" yaml:"historyBackend" validate:"oneof=jsonl sqlite"`
	MinSuccessRate    float64  `json:"minSuccessRate" yaml:"minSuccessRate" validate:"gte=0,lt=1"`
	AttemptsPerMinute float64  `json:"attemptsPerMinute" yaml:"attemptsPerMinute" validate:"gte=0"`
	Burst             int      `json:"burst" yaml:"burst" validate:"gte=0"`
	WorkDir           string   `json:"workDir,omitempty" yaml:"workDir,omitempty"`
	RequiredDirs      []string `json:"requiredDirs,omitempty" yaml:"requiredDirs,omitempty"`
	ManagedDirs       []string `json:"managedDirs,omitempty" yaml:"managedDirs,omitempty"`
	InstallCommand    []string `json:"installCommand,omitempty" yaml:"installCommand,omitempty"`
	FreePortCommand   []string `json:"freePortCommand,omitempty" yaml:"freePortCommand,omitempty"`
	RestartCommand    []string `json:"restartCommand,omitempty" yaml:"restartCommand,omitempty"`
	RetryAttempts     int      `json:"retryAttempts" yaml:"retryAttempts" validate:"min=1,max=10"`
	RetryBackoffMs    int      `json:"retryBackoffMs" yaml:"retryBackoffMs" validate:"min=0"`
	TimeoutFactor     float64  `json:"timeoutFactor" yaml:"timeoutFactor" validate:"gt=1"`
	MaxTimeoutScale   float64  `json:"maxTimeoutScale" yaml:"maxTimeoutScale" validate:"gte=1"`

	// Remediation guard. Empty ForbiddenPaths means the built-in list.
	AllowedRoots    []string `json:"allowedRoots,omitempty" yaml:"allowedRoots,omitempty"`
	ForbiddenPaths  []string `json:"forbiddenPaths,omitempty" yaml:"forbiddenPaths,omitempty"`
	AllowedCommands []string `json:"allowedCommands,omitempty" yaml:"allowedCommands,omitempty"`
}

// SweepTarget is one directory tree under retention.
type SweepTarget struct {
	Dir           string `json:"dir" yaml:"dir" validate:"required"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays" validate:"min=0"`
	Archive       bool   `json:"archive" yaml:"archive"`
}

type RetentionConfig struct {
	Targets              []SweepTarget `json:"targets" yaml:"targets" validate:"dive"`
	TempTargets          []string      `json:"tempTargets,omitempty" yaml:"tempTargets,omitempty"`
	TempRetentionDays    int           `json:"tempRetentionDays" yaml:"tempRetentionDays" validate:"min=0"`
	ArchiveDir           string        `json:"archiveDir" yaml:"archiveDir"`
	ArchiveRetentionDays int           `json:"archiveRetentionDays" yaml:"archiveRetentionDays" validate:"min=1"`
	MaxRetries           int           `json:"maxRetries" yaml:"maxRetries" validate:"min=1,max=20"`
	RetryDelayMs         int           `json:"retryDelayMs" yaml:"retryDelayMs" validate:"min=0"`
}

type ScheduleConfig struct {
	FullSweep    string `json:"fullSweep" yaml:"fullSweep" validate:"omitempty,cron"`
	LightSweep   string `json:"lightSweep" yaml:"lightSweep" validate:"omitempty,cron"`
	ArchivePurge string `json:"archivePurge" yaml:"archivePurge" validate:"omitempty,cron"`

	// Timezone the expressions are evaluated in; empty means local time.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty" validate:"omitempty,timezone"`
}

type LearningConfig struct {
	Capacity         int    `json:"capacity" yaml:"capacity" validate:"min=10"`
	LoadCeilingBytes uint64 `json:"loadCeilingBytes" yaml:"loadCeilingBytes" validate:"gt=0"`
}

type ReportsConfig struct {
	Dir         string `json:"dir,omitempty" yaml:"dir,omitempty"`
	MetricsFile string `json:"metricsFile,omitempty" yaml:"metricsFile,omitempty"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker,omitempty" yaml:"broker,omitempty" validate:"required_if=Enabled true"`
	ClientID string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	Topic    string `json:"topic,omitempty" yaml:"topic,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	QoS      byte   `json:"qos" yaml:"qos" validate:"max=2"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "./data",
			LogLevel: "info",
		},
		Cycle: CycleConfig{
			IntervalSec:             300,
			FailureBackoffSec:       30,
			ModuleTimeoutSec:        300,
			TrainEveryCycles:        6,
			MaxRemediationsPerCycle: 20,
		},
		Detector: DetectorConfig{
			LogDir: "./logs",
			Globs:  []string{"*.log"},
		},
		Healing: HealingConfig{
			HistoryBackend:    "jsonl",
			MinSuccessRate:    0.3,
			AttemptsPerMinute: 30,
			Burst:             10,
			RequiredDirs:      []string{"logs", "data", "tmp"},
			RetryAttempts:     3,
			RetryBackoffMs:    2000,
			TimeoutFactor:     1.5,
			MaxTimeoutScale:   4,
		},
		Retention: RetentionConfig{
			Targets: []SweepTarget{
				{Dir: "./logs", RetentionDays: 7, Archive: true},
			},
			TempTargets:          []string{"./tmp"},
			TempRetentionDays:    1,
			ArchiveDir:           "./data/archive",
			ArchiveRetentionDays: 30,
			MaxRetries:           3,
			RetryDelayMs:         1000,
		},
		Schedule: ScheduleConfig{
			FullSweep:    "0 3 * * *",
			LightSweep:   "0 * * * *",
			ArchivePurge: "30 4 * * 0",
		},
		Learning: LearningConfig{
			Capacity:         1000,
			LoadCeilingBytes: 2 << 30,
		},
		MQTT: MQTTConfig{
			ClientID: "autoheal",
			Topic:    "autoheal/reports",
			QoS:      1,
		},
	}
}

// ModulesPath returns the module manifest path, resolving a relative
// ModulesFile against the directory of the config file at configPath.
func (c *Config) ModulesPath(configPath string) string {
	if c.ModulesFile == "" || filepath.IsAbs(c.ModulesFile) {
		return c.ModulesFile
	}
	return filepath.Join(filepath.Dir(configPath), c.ModulesFile)
}

// Load reads config from a JSON or YAML file. Modules from ModulesFile, if
// set, replace the inline pipeline. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if manifest := cfg.ModulesPath(path); manifest != "" {
		modules, err := LoadModules(manifest)
		if err != nil {
			return nil, err
		}
		cfg.Modules = modules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config as JSON, or YAML when path ends in .yaml or .yml.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	seen := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if seen[m.Name] {
			return fmt.Errorf("%w: duplicate module name %q", ErrInvalid, m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// DataPath joins name onto the data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.Server.DataDir, name)
}

// ReportsDir returns the configured reports directory or its default.
func (c *Config) ReportsDir() string {
	if c.Reports.Dir != "" {
		return c.Reports.Dir
	}
	return c.DataPath("reports")
}

// MetricsFile returns the Prometheus textfile path or its default.
func (c *Config) MetricsFile() string {
	if c.Reports.MetricsFile != "" {
		return c.Reports.MetricsFile
	}
	return c.DataPath("metrics.prom")
}

// RulesFile returns the rule catalogue path or its default.
func (c *Config) RulesFile() string {
	if c.Healing.RulesFile != "" {
		return c.Healing.RulesFile
	}
	return c.DataPath("rules.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
