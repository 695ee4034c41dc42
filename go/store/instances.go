package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInstanceNotFound is returned for lookups of unregistered instances.
var ErrInstanceNotFound = errors.New("instance not found")

// InstanceStatus is an instance's registry state.
type InstanceStatus string

const (
	InstanceActive  InstanceStatus = "active"
	InstanceOffline InstanceStatus = "offline"
)

// Instance is one registered collector process.
type Instance struct {
	ID            string         `json:"id"`
	Hostname      string         `json:"hostname"`
	Region        string         `json:"region,omitempty"`
	Status        InstanceStatus `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
}

// Alive reports whether the instance heartbeat is fresh at |now|. An
// instance flipped offline is dead regardless of its heartbeat age.
func (i Instance) Alive(now time.Time, within time.Duration) bool {
	return i.Status == InstanceActive && now.Sub(i.LastHeartbeat) <= within
}

// InstanceStore is the durable instance registry. Each process upserts
// its own single row, so writers never contend on each other's records.
type InstanceStore struct {
	b     backend
	clock func() time.Time
}

// NewInstanceStore wraps |b|. The schema must already exist.
func NewInstanceStore(b backend) *InstanceStore {
	return &InstanceStore{b: b, clock: time.Now}
}

// Upsert registers |inst| or refreshes its heartbeat and status.
func (s *InstanceStore) Upsert(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance requires an id")
	}
	if inst.Status == "" {
		inst.Status = InstanceActive
	}
	if inst.LastHeartbeat.IsZero() {
		inst.LastHeartbeat = s.clock().UTC()
	}
	var _, err = s.b.Exec(ctx, `
		INSERT INTO instances (id, hostname, region, status, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			region = excluded.region,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat`,
		inst.ID, inst.Hostname, inst.Region, string(inst.Status),
		inst.StartedAt.UTC().Format(timeLayout),
		inst.LastHeartbeat.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("registering instance %s: %w", inst.ID, err)
	}
	return nil
}

// Get returns the instance with |id|, or ErrInstanceNotFound.
func (s *InstanceStore) Get(ctx context.Context, id string) (*Instance, error) {
	rows, err := s.b.Query(ctx, `SELECT * FROM instances WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("reading instance %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrInstanceNotFound
	}
	return instanceFromRow(rows[0]), nil
}

// List returns every registered instance, active or offline.
func (s *InstanceStore) List(ctx context.Context) ([]*Instance, error) {
	rows, err := s.b.Query(ctx, `SELECT * FROM instances ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	var out = make([]*Instance, 0, len(rows))
	for _, r := range rows {
		out = append(out, instanceFromRow(r))
	}
	return out, nil
}

// SetStatus flips instance |id| to |status|.
func (s *InstanceStore) SetStatus(ctx context.Context, id string, status InstanceStatus) error {
	var _, err = s.b.Exec(ctx,
		`UPDATE instances SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating instance %s: %w", id, err)
	}
	return nil
}

// MarkStaleOffline flips active instances whose heartbeat predates
// |cutoff| to offline, returning how many were flipped.
func (s *InstanceStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.b.Exec(ctx, `
		UPDATE instances SET status = ?
		WHERE status = ? AND last_heartbeat < ?`,
		string(InstanceOffline), string(InstanceActive),
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("sweeping stale instances: %w", err)
	}
	return n, nil
}

func instanceFromRow(r row) *Instance {
	return &Instance{
		ID:            r.str("id"),
		Hostname:      r.str("hostname"),
		Region:        r.str("region"),
		Status:        InstanceStatus(r.str("status")),
		StartedAt:     r.time("started_at"),
		LastHeartbeat: r.time("last_heartbeat"),
	}
}
