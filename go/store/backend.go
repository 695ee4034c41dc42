package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// backend executes parameterized SQL against one of the supported
// engines. Both speak the SQLite dialect: D1 is SQLite behind an HTTP
// API, so statements are written once.
type backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Exec runs a statement and returns the count of affected rows.
	Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error)
	// Query runs a statement and returns its rows as column maps.
	Query(ctx context.Context, stmt string, args ...interface{}) ([]row, error)
	// Close releases the backend's resources.
	Close() error
}

// row is one result row keyed by column name. Values are whatever the
// engine produced: database/sql scans int64 and string, JSON decoding
// produces float64 and string, so the typed getters below absorb both.
type row map[string]interface{}

func (r row) str(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (r row) int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		var n, _ = v.Int64()
		return n
	default:
		return 0
	}
}

func (r row) float64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case json.Number:
		var f, _ = v.Float64()
		return f
	default:
		return 0
	}
}

func (r row) time(col string) time.Time {
	var s = r.str(col)
	if s == "" {
		return time.Time{}
	}
	var t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// queryOne returns the single row of a statement, or ErrTaskNotFound.
func queryOne(ctx context.Context, b backend, stmt string, args ...interface{}) (row, error) {
	rows, err := b.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrTaskNotFound
	}
	if len(rows) > 1 {
		return nil, fmt.Errorf("expected one row, got %d", len(rows))
	}
	return rows[0], nil
}
