package retention

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/clawinfra/autoheal/internal/persist"
)

// IndexRepository stores the path to metadata index.
type IndexRepository interface {
	Get(path string) (IndexEntry, bool)
	Put(e IndexEntry) error
	Delete(path string) error
	All() []IndexEntry
	// Flush makes pending mutations durable.
	Flush() error
}

// MemoryIndex is an in-memory IndexRepository.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]IndexEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]IndexEntry)}
}

func (m *MemoryIndex) Get(path string) (IndexEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[path]
	return e, ok
}

func (m *MemoryIndex) Put(e IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Path] = e
	return nil
}

func (m *MemoryIndex) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, path)
	return nil
}

// All returns entries sorted by path.
func (m *MemoryIndex) All() []IndexEntry {
	m.mu.RLock()
	out := make([]IndexEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *MemoryIndex) Flush() error { return nil }

// FileIndex persists the index as a JSON object keyed by path. Mutations are
// held in memory until Flush.
type FileIndex struct {
	*MemoryIndex
	path  string
	mu    sync.Mutex
	dirty bool
}

// NewFileIndex loads the index at path. A missing or corrupt file starts empty.
func NewFileIndex(path string, logger *slog.Logger) (*FileIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FileIndex{MemoryIndex: NewMemoryIndex(), path: path}

	var raw map[string]IndexEntry
	err := persist.ReadJSON(path, &raw)
	switch {
	case err == nil:
		for p, e := range raw {
			e.Path = p
			f.MemoryIndex.entries[p] = e
		}
	case errors.Is(err, os.ErrNotExist):
	case errors.Is(err, persist.ErrCorrupt):
		logger.Warn("file index corrupt, starting empty", "component", "retention", "path", path, "error", err)
	default:
		return nil, fmt.Errorf("load file index: %w", err)
	}
	return f, nil
}

func (f *FileIndex) Put(e IndexEntry) error {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
	return f.MemoryIndex.Put(e)
}

func (f *FileIndex) Delete(path string) error {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
	return f.MemoryIndex.Delete(path)
}

func (f *FileIndex) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}
	raw := make(map[string]IndexEntry)
	for _, e := range f.MemoryIndex.All() {
		raw[e.Path] = e
	}
	if err := persist.WriteJSON(f.path, raw); err != nil {
		return fmt.Errorf("flush file index: %w", err)
	}
	f.dirty = false
	return nil
}
