// Package retention retires aging files: it archives important files before
// deleting them, retries failed deletions and keeps an index of what it saw.
package retention

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrDeleteExhausted is wrapped by deletion failures that used every attempt.
var ErrDeleteExhausted = errors.New("retention: delete retries exhausted")

// ErrNoTempTargets is returned by ReclaimSpace when nothing is configured.
var ErrNoTempTargets = errors.New("retention: no temp targets configured")

// SweepSummary reports one sweep or purge.
type SweepSummary struct {
	Dir        string `json:"dir"`
	Processed  int    `json:"processed"`
	Deleted    int    `json:"deleted"`
	Archived   int    `json:"archived"`
	Errors     int    `json:"errors"`
	BytesFreed int64  `json:"bytesFreed"`
}

func (s *SweepSummary) add(o SweepSummary) {
	s.Processed += o.Processed
	s.Deleted += o.Deleted
	s.Archived += o.Archived
	s.Errors += o.Errors
	s.BytesFreed += o.BytesFreed
}

// CleanupStats accumulates across sweeps and survives restarts.
type CleanupStats struct {
	FilesProcessed      int64     `json:"filesProcessed"`
	FilesDeleted        int64     `json:"filesDeleted"`
	FilesArchived       int64     `json:"filesArchived"`
	Errors              int64     `json:"errors"`
	TotalSizeFreedBytes int64     `json:"totalSizeFreedBytes"`
	LastRun             time.Time `json:"lastRun"`
}

func (c *CleanupStats) record(s SweepSummary, at time.Time) {
	c.FilesProcessed += int64(s.Processed)
	c.FilesDeleted += int64(s.Deleted)
	c.FilesArchived += int64(s.Archived)
	c.Errors += int64(s.Errors)
	c.TotalSizeFreedBytes += s.BytesFreed
	c.LastRun = at
}

// IndexEntry is what the manager last observed about a file.
type IndexEntry struct {
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"sizeBytes"`
	Mtime       time.Time `json:"mtime"`
	LastChecked time.Time `json:"lastChecked"`
}

var (
	importantExt = map[string]bool{
		".log":  true,
		".json": true,
		".sql":  true,
		".md":   true,
		".txt":  true,
	}
	importantWords = []string{"error", "access", "audit", "config"}
)

// IsImportant reports whether an expired file should be archived before it is
// deleted.
func IsImportant(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	if importantExt[filepath.Ext(base)] {
		return true
	}
	for _, w := range importantWords {
		if strings.Contains(base, w) {
			return true
		}
	}
	return false
}
