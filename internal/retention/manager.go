package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/autoheal/internal/persist"
)

const day = 24 * time.Hour

// Options configures a Manager.
type Options struct {
	// ArchiveDir receives copies of important files before deletion. A normal
	// sweep never descends into it.
	ArchiveDir string

	// MaxRetries is the total number of delete attempts per file.
	MaxRetries int

	// RetryDelay is the fixed wait between delete attempts.
	RetryDelay time.Duration

	// TempTargets are swept by ReclaimSpace.
	TempTargets []string

	// TempRetentionDays is the age limit used by ReclaimSpace.
	TempRetentionDays int

	// StatsPath persists CleanupStats; empty keeps them in memory.
	StatsPath string
}

// Manager performs retention sweeps. It is the only writer of the file index
// and the cleanup statistics.
type Manager struct {
	opts   Options
	index  IndexRepository
	logger *slog.Logger

	now    func() time.Time
	remove func(string) error

	mu    sync.Mutex
	stats CleanupStats
}

// NewManager creates a Manager and reloads persisted statistics.
func NewManager(opts Options, index IndexRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.TempRetentionDays <= 0 {
		opts.TempRetentionDays = 1
	}
	if opts.ArchiveDir != "" {
		if abs, err := filepath.Abs(opts.ArchiveDir); err == nil {
			opts.ArchiveDir = abs
		}
	}
	if index == nil {
		index = NewMemoryIndex()
	}

	m := &Manager{
		opts:   opts,
		index:  index,
		logger: logger.With("component", "retention"),
		now:    time.Now,
		remove: os.Remove,
	}
	m.loadStats()
	return m
}

// SetClock replaces the manager's time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetRemover replaces the function used to delete files.
func (m *Manager) SetRemover(remove func(string) error) { m.remove = remove }

// Stats returns the cumulative cleanup statistics.
func (m *Manager) Stats() CleanupStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Index returns a snapshot of the file index.
func (m *Manager) Index() []IndexEntry {
	return m.index.All()
}

// Sweep walks dir recursively and retires regular files older than
// retentionDays. Expired important files are archived first when archive is
// set; a failed archive keeps the file. Per-file failures are counted in the
// summary and joined into the returned error.
func (m *Manager) Sweep(ctx context.Context, dir string, retentionDays int, archive bool) (SweepSummary, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("resolve %s: %w", dir, err)
	}
	sum := SweepSummary{Dir: root}
	now := m.now()
	cutoff := time.Duration(retentionDays) * day
	visited := make(map[string]bool)
	var errs []error

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			m.logger.Warn("walk error", "path", path, "error", err)
			sum.Errors++
			errs = append(errs, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if m.opts.ArchiveDir != "" && path == m.opts.ArchiveDir {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				sum.Errors++
				errs = append(errs, err)
			}
			return nil
		}

		sum.Processed++
		visited[path] = true
		m.putIndex(IndexEntry{Path: path, SizeBytes: info.Size(), Mtime: info.ModTime(), LastChecked: now})

		if now.Sub(info.ModTime()) <= cutoff {
			return nil
		}

		if archive && IsImportant(d.Name()) {
			if err := m.archive(root, path, now); err != nil {
				m.logger.Warn("archive failed, keeping file", "path", path, "error", err)
				sum.Errors++
				errs = append(errs, err)
				return nil
			}
			sum.Archived++
		}

		if err := m.deleteWithRetry(ctx, path); err != nil {
			m.logger.Warn("delete failed", "path", path, "error", err)
			sum.Errors++
			errs = append(errs, err)
			return nil
		}
		sum.Deleted++
		sum.BytesFreed += info.Size()
		delete(visited, path)
		m.deleteIndex(path)
		return nil
	})

	m.pruneIndex(root, visited)
	if err := m.index.Flush(); err != nil {
		m.logger.Error("failed to flush file index", "error", err)
		errs = append(errs, err)
	}
	m.recordStats(sum, now)

	m.logger.Info("sweep complete",
		"dir", root,
		"processed", sum.Processed,
		"deleted", sum.Deleted,
		"archived", sum.Archived,
		"bytes_freed", sum.BytesFreed,
		"errors", sum.Errors,
	)

	if walkErr != nil {
		return sum, fmt.Errorf("sweep %s: %w", root, walkErr)
	}
	return sum, errors.Join(errs...)
}

// PurgeArchive deletes archived items older than olderThanDays. Nothing is
// archived again.
func (m *Manager) PurgeArchive(ctx context.Context, olderThanDays int) (SweepSummary, error) {
	if m.opts.ArchiveDir == "" {
		return SweepSummary{}, nil
	}
	sum := SweepSummary{Dir: m.opts.ArchiveDir}
	now := m.now()
	cutoff := time.Duration(olderThanDays) * day

	entries, err := os.ReadDir(m.opts.ArchiveDir)
	if errors.Is(err, fs.ErrNotExist) {
		return sum, nil
	}
	if err != nil {
		return sum, fmt.Errorf("read archive: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sum.Processed++
		if now.Sub(info.ModTime()) <= cutoff {
			continue
		}
		path := filepath.Join(m.opts.ArchiveDir, e.Name())
		if err := m.deleteWithRetry(ctx, path); err != nil {
			sum.Errors++
			errs = append(errs, err)
			continue
		}
		sum.Deleted++
		sum.BytesFreed += info.Size()
	}

	m.recordStats(sum, now)
	m.logger.Info("archive purge complete", "deleted", sum.Deleted, "bytes_freed", sum.BytesFreed, "errors", sum.Errors)
	return sum, errors.Join(errs...)
}

// ReclaimSpace runs a delete-only sweep over the temp targets. It backs the
// cleanupDisk remediation and the light sweep.
func (m *Manager) ReclaimSpace(ctx context.Context) (string, error) {
	if len(m.opts.TempTargets) == 0 {
		return "", ErrNoTempTargets
	}
	var total SweepSummary
	var errs []error
	for _, dir := range m.opts.TempTargets {
		sum, err := m.Sweep(ctx, dir, m.opts.TempRetentionDays, false)
		total.add(sum)
		if err != nil {
			errs = append(errs, err)
		}
	}
	msg := fmt.Sprintf("reclaimed %d bytes from %d files", total.BytesFreed, total.Deleted)
	if total.Deleted == 0 && len(errs) > 0 {
		return msg, errors.Join(errs...)
	}
	return msg, nil
}

// deleteWithRetry makes at most MaxRetries attempts with RetryDelay between
// them. A file that vanished counts as deleted.
func (m *Manager) deleteWithRetry(ctx context.Context, path string) error {
	var last error
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		err := m.remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		last = err
		m.logger.Debug("delete attempt failed", "path", path, "attempt", attempt, "error", err)
		if attempt == m.opts.MaxRetries {
			break
		}
		if err := sleepOrCancel(ctx, m.opts.RetryDelay); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrDeleteExhausted, path, m.opts.MaxRetries, last)
}

func (m *Manager) archive(root, path string, now time.Time) error {
	if m.opts.ArchiveDir == "" {
		return errors.New("archive dir not configured")
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	dst, err := archiveFile(path, m.opts.ArchiveDir, rel, now)
	if err != nil {
		return err
	}
	m.logger.Debug("archived", "path", path, "archive", dst)
	return nil
}

func (m *Manager) putIndex(e IndexEntry) {
	if err := m.index.Put(e); err != nil {
		m.logger.Warn("index put failed", "path", e.Path, "error", err)
	}
}

func (m *Manager) deleteIndex(path string) {
	if err := m.index.Delete(path); err != nil {
		m.logger.Warn("index delete failed", "path", path, "error", err)
	}
}

// pruneIndex drops entries under root that the walk did not see and that no
// longer exist.
func (m *Manager) pruneIndex(root string, visited map[string]bool) {
	prefix := root + string(filepath.Separator)
	for _, e := range m.index.All() {
		if visited[e.Path] || !strings.HasPrefix(e.Path, prefix) {
			continue
		}
		if _, err := os.Lstat(e.Path); errors.Is(err, fs.ErrNotExist) {
			m.deleteIndex(e.Path)
		}
	}
}

func (m *Manager) recordStats(sum SweepSummary, at time.Time) {
	m.mu.Lock()
	m.stats.record(sum, at)
	stats := m.stats
	m.mu.Unlock()

	if m.opts.StatsPath == "" {
		return
	}
	if err := persist.WriteJSON(m.opts.StatsPath, stats); err != nil {
		m.logger.Error("failed to save cleanup stats", "error", err)
	}
}

func (m *Manager) loadStats() {
	if m.opts.StatsPath == "" {
		return
	}
	var stats CleanupStats
	err := persist.ReadJSON(m.opts.StatsPath, &stats)
	switch {
	case err == nil:
		m.stats = stats
	case errors.Is(err, os.ErrNotExist):
	default:
		m.logger.Warn("cleanup stats unreadable, starting from zero", "path", m.opts.StatsPath, "error", err)
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
