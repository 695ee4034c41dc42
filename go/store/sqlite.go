package store

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the sqlite3 database/sql driver.
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig locates a local task database.
type SQLiteConfig struct {
	Path string `long:"sqlite-path" env:"SQLITE_PATH" description:"Path of the local task database"`
}

// Configured reports whether a path is present.
func (c SQLiteConfig) Configured() bool { return c.Path != "" }

type sqliteBackend struct {
	db *sql.DB
}

var _ backend = (*sqliteBackend)(nil)

// OpenSQLite opens (and if needed creates) a store in a local SQLite
// file.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*Store, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("sqlite requires a database path")
	}
	db, err := sql.Open("sqlite3",
		fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", cfg.Path, err)
	}
	// One writer avoids SQLITE_BUSY churn under the coalesced flushes.
	db.SetMaxOpenConns(1)

	var store = newStore(&sqliteBackend{db: db})
	if err = store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (b *sqliteBackend) Name() string { return "sqlite" }

func (b *sqliteBackend) Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *sqliteBackend) Query(ctx context.Context, stmt string, args ...interface{}) ([]row, error) {
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []row
	for rows.Next() {
		var values = make([]interface{}, len(cols))
		var ptrs = make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		var r = make(row, len(cols))
		for i, col := range cols {
			r[col] = values[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) Close() error { return b.db.Close() }
