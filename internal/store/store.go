// Package store defines the narrow persistence contract the tuning loop
// requires: durable inserts with idempotent retry, patch updates, and simple
// equality/range queries. Any durable engine can sit behind it; the bundled
// implementation uses SQLite.
package store

import (
	"context"
	"errors"
	"time"
)

// Table names used by the core services.
const (
	TableExecutions = "executions"
	TableFeedback   = "feedback"
	TableTrials     = "trials"
	TableActions    = "actions"
	TableABTests    = "ab_tests"
	TableRiskData   = "risk_learning"
)

// ErrNotFound is returned by Update when no row matches the id.
var ErrNotFound = errors.New("store: record not found")

// Record is one persisted row. Every record carries "id" (string) and
// "created_at" (time.Time or RFC3339 string); remaining fields are
// table-specific.
type Record map[string]any

// Filter selects records by exact field match and optional creation-time
// range. Zero-value fields are ignored.
type Filter struct {
	Equals map[string]any
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Store is the persistence boundary. Insert must be an upsert keyed by the
// record's id so that at-least-once flush retries stay idempotent.
type Store interface {
	Insert(ctx context.Context, table string, rec Record) error
	Update(ctx context.Context, table, id string, patch Record) error
	Query(ctx context.Context, table string, f Filter) ([]Record, error)
	Close() error
}
