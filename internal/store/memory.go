package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Mem is an in-memory Store used by tests and as a fallback when no
// database path is configured. Semantics match SQLite: upsert-by-id
// inserts, merged patches, newest-first queries.
type Mem struct {
	mu     sync.RWMutex
	tables map[string]map[string]Record

	// FailInserts makes Insert fail while > 0, decrementing per call.
	// Tests use it to exercise flush retry paths.
	FailInserts int
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{tables: make(map[string]map[string]Record)}
}

func (m *Mem) Insert(_ context.Context, table string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInserts > 0 {
		m.FailInserts--
		return &insertError{table: table}
	}

	id, _ := rec["id"].(string)
	if id == "" {
		return &insertError{table: table}
	}
	if m.tables[table] == nil {
		m.tables[table] = make(map[string]Record)
	}
	cp := make(Record, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	if _, ok := cp["created_at"]; !ok {
		cp["created_at"] = time.Now()
	}
	m.tables[table][id] = cp
	return nil
}

func (m *Mem) Update(_ context.Context, table, id string, patch Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tables[table][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range patch {
		rec[k] = v
	}
	return nil
}

func (m *Mem) Query(_ context.Context, table string, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.tables[table] {
		ts := recordTime(rec["created_at"])
		if !f.Since.IsZero() && ts.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ts.After(f.Until) {
			continue
		}
		match := true
		for field, want := range f.Equals {
			if rec[field] != want {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		cp := make(Record, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return recordTime(out[i]["created_at"]).After(recordTime(out[j]["created_at"]))
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Mem) Close() error { return nil }

// Count returns the number of rows in a table.
func (m *Mem) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

type insertError struct{ table string }

func (e *insertError) Error() string { return "store: insert rejected for table " + e.table }
