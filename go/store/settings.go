package store

import (
	"context"
	"fmt"
	"time"
)

// SettingsStore is the durable tier of runtime settings. Callers that
// need cached reads layer a kvcache in front; this store is the source
// of truth that survives cache eviction.
type SettingsStore struct {
	b     backend
	clock func() time.Time
}

// NewSettingsStore wraps |b|. The schema must already exist.
func NewSettingsStore(b backend) *SettingsStore {
	return &SettingsStore{b: b, clock: time.Now}
}

// Get returns the stored value of |name|, or |fallback| when unset.
func (s *SettingsStore) Get(ctx context.Context, name, fallback string) (string, error) {
	rows, err := s.b.Query(ctx,
		`SELECT value FROM settings WHERE name = ?`, name)
	if err != nil {
		return "", fmt.Errorf("reading setting %s: %w", name, err)
	}
	if len(rows) == 0 {
		return fallback, nil
	}
	return rows[0].str("value"), nil
}

// Set writes |name| to |value|, replacing any prior value.
func (s *SettingsStore) Set(ctx context.Context, name, value string) error {
	var now = s.clock().UTC().Format(timeLayout)
	if _, err := s.b.Exec(ctx,
		`INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, now); err != nil {
		return fmt.Errorf("writing setting %s: %w", name, err)
	}
	return nil
}

// Delete removes |name|. Deleting an absent setting is not an error.
func (s *SettingsStore) Delete(ctx context.Context, name string) error {
	if _, err := s.b.Exec(ctx,
		`DELETE FROM settings WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting setting %s: %w", name, err)
	}
	return nil
}

// All returns every stored setting.
func (s *SettingsStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.b.Query(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	var out = make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.str("name")] = r.str("value")
	}
	return out, nil
}
