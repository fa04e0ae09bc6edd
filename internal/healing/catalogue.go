package healing

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/clawinfra/autoheal/internal/persist"
)

// RuleRepository stores the healing catalogue.
type RuleRepository interface {
	Get(category, name string) (Rule, bool)
	Put(rule Rule) error
	Delete(category, name string) error
	All() []Rule
}

// DefaultRules returns the catalogue seeded on first run.
func DefaultRules() []Rule {
	return []Rule{
		{Category: CategoryFilesystem, Name: "missingDirectories", Pattern: `ENOENT.*no such file`, Action: ActionCreateDirectories, Priority: PriorityHigh, SuccessRate: 0.95},
		{Category: CategoryFilesystem, Name: "permissionDenied", Pattern: `EACCES|permission denied`, Action: ActionFixPermissions, Priority: PriorityHigh, SuccessRate: 0.9},
		{Category: CategoryFilesystem, Name: "diskFull", Pattern: `ENOSPC|no space left on device`, Action: ActionCleanupDisk, Priority: PriorityCritical, SuccessRate: 0.85},
		{Category: CategoryProcess, Name: "missingDependency", Pattern: `cannot find module|MODULE_NOT_FOUND`, Action: ActionInstallDependencies, Priority: PriorityHigh, SuccessRate: 0.9},
		{Category: CategoryProcess, Name: "processCrashed", Pattern: `segmentation fault|process exited unexpectedly|killed by signal`, Action: ActionRestartProcess, Priority: PriorityCritical, SuccessRate: 0.7},
		{Category: CategoryProcess, Name: "outOfMemory", Pattern: `heap out of memory|ENOMEM|out of memory`, Action: ActionRestartProcess, Priority: PriorityCritical, SuccessRate: 0.6},
		{Category: CategoryNetwork, Name: "portInUse", Pattern: `EADDRINUSE|address already in use`, Action: ActionKillPort, Priority: PriorityHigh, SuccessRate: 0.85},
		{Category: CategoryNetwork, Name: "connectionRefused", Pattern: `ECONNREFUSED|connection refused`, Action: ActionRetryWithBackoff, Priority: PriorityMedium, SuccessRate: 0.8},
		{Category: CategoryNetwork, Name: "timeout", Pattern: `ETIMEDOUT|timed out|timeout exceeded`, Action: ActionIncreaseTimeout, Priority: PriorityMedium, SuccessRate: 0.75},
	}
}

var categoryOrder = map[string]int{
	CategoryFilesystem: 0,
	CategoryProcess:    1,
	CategoryNetwork:    2,
}

// sortRules orders rules by category (filesystem, process, network, then the
// rest alphabetically) and by name within a category. Detection order depends on it.
func sortRules(rules []Rule) {
	rank := func(c string) int {
		if r, ok := categoryOrder[c]; ok {
			return r
		}
		return len(categoryOrder)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		ri, rj := rank(rules[i].Category), rank(rules[j].Category)
		if ri != rj {
			return ri < rj
		}
		if rules[i].Category != rules[j].Category {
			return rules[i].Category < rules[j].Category
		}
		return rules[i].Name < rules[j].Name
	})
}

// MemoryRuleRepository is an in-memory catalogue.
type MemoryRuleRepository struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewMemoryRuleRepository creates a repository holding rules.
func NewMemoryRuleRepository(rules ...Rule) *MemoryRuleRepository {
	m := &MemoryRuleRepository{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		r.SuccessRate = clampRate(r.SuccessRate)
		m.rules[r.Key()] = r
	}
	return m
}

func (m *MemoryRuleRepository) Get(category, name string) (Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[ruleKey(category, name)]
	return r, ok
}

func (m *MemoryRuleRepository) Put(rule Rule) error {
	if rule.Category == "" || rule.Name == "" {
		return fmt.Errorf("rule category and name required")
	}
	rule.SuccessRate = clampRate(rule.SuccessRate)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.Key()] = rule
	return nil
}

func (m *MemoryRuleRepository) Delete(category, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, ruleKey(category, name))
	return nil
}

func (m *MemoryRuleRepository) All() []Rule {
	m.mu.RLock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sortRules(out)
	return out
}

// FileRuleRepository persists the catalogue as
// {category: {name: {pattern, action, priority, successRate}}} after every mutation.
type FileRuleRepository struct {
	mem    *MemoryRuleRepository
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileRuleRepository loads the catalogue at path. A missing or corrupt file
// is replaced by DefaultRules.
func NewFileRuleRepository(path string, logger *slog.Logger) (*FileRuleRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FileRuleRepository{
		mem:    NewMemoryRuleRepository(),
		path:   path,
		logger: logger.With("component", "rules"),
	}

	var raw map[string]map[string]Rule
	err := persist.ReadJSON(path, &raw)
	switch {
	case err == nil && len(raw) > 0:
		for category, rules := range raw {
			for name, r := range rules {
				r.Category, r.Name = category, name
				if !r.Action.Valid() {
					f.logger.Warn("rule has unknown action", "rule", r.Key(), "action", r.Action)
				}
				if r.SuccessRate < 0 || r.SuccessRate > 1 {
					f.logger.Warn("rule success rate out of range, clamping", "rule", r.Key(), "rate", r.SuccessRate)
				}
				_ = f.mem.Put(r)
			}
		}
		return f, nil
	case err == nil, errors.Is(err, os.ErrNotExist):
		f.logger.Info("seeding default healing rules", "path", path)
	case errors.Is(err, persist.ErrCorrupt):
		f.logger.Warn("healing rules corrupt, reseeding defaults", "path", path, "error", err)
	default:
		return nil, fmt.Errorf("load rules: %w", err)
	}

	for _, r := range DefaultRules() {
		_ = f.mem.Put(r)
	}
	if err := f.save(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileRuleRepository) Get(category, name string) (Rule, bool) {
	return f.mem.Get(category, name)
}

func (f *FileRuleRepository) Put(rule Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Put(rule); err != nil {
		return err
	}
	return f.save()
}

func (f *FileRuleRepository) Delete(category, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Delete(category, name); err != nil {
		return err
	}
	return f.save()
}

func (f *FileRuleRepository) All() []Rule {
	return f.mem.All()
}

func (f *FileRuleRepository) save() error {
	raw := make(map[string]map[string]Rule)
	for _, r := range f.mem.All() {
		if raw[r.Category] == nil {
			raw[r.Category] = make(map[string]Rule)
		}
		raw[r.Category][r.Name] = r
	}
	if err := persist.WriteJSON(f.path, raw); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	return nil
}
