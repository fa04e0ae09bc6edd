package healing

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/clawinfra/autoheal/internal/persist"

	_ "modernc.org/sqlite"
)

// HistoryStore is the append-only audit trail of remediation attempts.
// Rotation is left to external log rotation.
type HistoryStore interface {
	Append(rec Record) error
	Recent(n int) ([]Record, error)
	Close() error
}

// MemoryHistory keeps records in memory.
type MemoryHistory struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (m *MemoryHistory) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryHistory) Recent(n int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(m.records, n), nil
}

func (m *MemoryHistory) Close() error { return nil }

// JSONLHistory appends one JSON record per line.
type JSONLHistory struct {
	mu   sync.Mutex
	path string
}

func NewJSONLHistory(path string) *JSONLHistory {
	return &JSONLHistory{path: path}
}

func (h *JSONLHistory) Append(rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := persist.AppendJSONL(h.path, rec); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns the last n records. Malformed lines are skipped.
func (h *JSONLHistory) Recent(n int) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return tail(records, n), nil
}

func (h *JSONLHistory) Close() error { return nil }

// SQLiteHistory stores records in a SQLite table.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens (or creates) the history database at path.
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: wal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS healing_history (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL,
		category    TEXT NOT NULL,
		rule_name   TEXT NOT NULL,
		action      TEXT NOT NULL,
		status      TEXT NOT NULL,
		success     INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		ts          TEXT NOT NULL,
		record      TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func (s *SQLiteHistory) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO healing_history (id, category, rule_name, action, status, success, duration_ms, ts, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Detection.Category, rec.Detection.RuleName, string(rec.Action), string(rec.Status),
		success, rec.DurationMs, rec.Timestamp.UTC().Format(time.RFC3339Nano), string(data),
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

func (s *SQLiteHistory) Recent(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT record FROM (SELECT seq, record FROM healing_history ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

func tail(records []Record, n int) []Record {
	if n <= 0 || len(records) == 0 {
		return nil
	}
	if n > len(records) {
		n = len(records)
	}
	out := make([]Record, n)
	copy(out, records[len(records)-n:])
	return out
}
