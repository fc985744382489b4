package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite persists records as one row per record: id, created_at, and a JSON
// payload column queried through json_extract. Insert is an upsert by id.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL mode for concurrent readers during flush
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	tables := []string{
		TableExecutions, TableFeedback, TableTrials,
		TableActions, TableABTests, TableRiskData,
	}
	for _, t := range tables {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id         TEXT PRIMARY KEY,
				created_at TEXT NOT NULL,
				payload    TEXT NOT NULL
			)`, t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at)`, t, t),
		}
		for _, stmt := range stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("create %s: %w", t, err)
			}
		}
	}
	return nil
}

// Insert upserts the record keyed by its "id" field.
func (s *SQLite) Insert(ctx context.Context, table string, rec Record) error {
	id, _ := rec["id"].(string)
	if id == "" {
		return fmt.Errorf("store: insert into %s: record has no id", table)
	}

	createdAt := recordTime(rec["created_at"])
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s(id, created_at, payload) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET created_at=excluded.created_at, payload=excluded.payload`, table),
		id, createdAt.UTC().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return fmt.Errorf("store: insert %s/%s: %w", table, id, err)
	}
	return nil
}

// Update merges patch fields into the stored record.
func (s *SQLite) Update(ctx context.Context, table, id string, patch Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, table), id)
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: read %s/%s: %w", table, id, err)
	}

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", table, id, err)
	}
	for k, v := range patch {
		rec[k] = v
	}

	merged, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal patch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET payload = ? WHERE id = ?`, table), merged, id); err != nil {
		return fmt.Errorf("store: update %s/%s: %w", table, id, err)
	}
	return nil
}

// Query returns records matching the filter, newest first.
func (s *SQLite) Query(ctx context.Context, table string, f Filter) ([]Record, error) {
	q := fmt.Sprintf(`SELECT payload FROM %s WHERE 1=1`, table)
	var args []any

	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	for field, want := range f.Equals {
		q += ` AND json_extract(payload, ?) = ?`
		args = append(args, "$."+field, want)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", table, err)
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// recordTime coerces the created_at field into a time.Time, defaulting to now.
func recordTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Now()
}
