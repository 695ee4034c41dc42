package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/kvcache"
)

const (
	lockPrefix = "lock:"
	// taskLockTTL bounds how long a crashed instance can pin a task.
	taskLockTTL = 30 * time.Minute
)

// lease is the stored value of a held lock. The KV entry's own TTL is
// what expires the lock; TTLSeconds is carried so a raw record reads
// complete on its own.
type lease struct {
	Owner      string    `json:"ownerInstanceId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	TTLSeconds int       `json:"ttlSeconds"`
}

// AcquireLock takes the named lock for this instance. The lock is a KV
// lease: it expires after |ttl| unless renewed, and it may be taken
// over if its holder's heartbeat has gone stale. Acquisition is
// read-check-write with a verifying read-back; the remaining race
// window is narrow and bounded by the lease TTL.
func (c *Coordinator) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	var key = lockPrefix + name

	current, err := c.readLease(ctx, key)
	if err != nil {
		return false, err
	}
	if current != nil && current.Owner != c.id && c.instanceAlive(ctx, current.Owner) {
		lockAcquisitions.WithLabelValues(lockClass(name), "held").Inc()
		return false, nil
	}
	if err = c.writeLease(ctx, key, ttl); err != nil {
		return false, err
	}

	// Read back: under a write race the last writer owns the lock.
	current, err = c.readLease(ctx, key)
	if err != nil {
		return false, err
	}
	if current == nil || current.Owner != c.id {
		lockAcquisitions.WithLabelValues(lockClass(name), "lost_race").Inc()
		return false, nil
	}
	lockAcquisitions.WithLabelValues(lockClass(name), "acquired").Inc()
	log.WithFields(log.Fields{
		"lock":     name,
		"instance": c.id,
	}).Debug("lock acquired")
	return true, nil
}

// RenewLock refreshes the lease TTL of a lock this instance holds. It
// reports false when ownership was lost.
func (c *Coordinator) RenewLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	var key = lockPrefix + name

	current, err := c.readLease(ctx, key)
	if err != nil {
		return false, err
	}
	if current == nil || current.Owner != c.id {
		return false, nil
	}
	if err = c.writeLease(ctx, key, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseLock drops the named lock if this instance holds it.
func (c *Coordinator) ReleaseLock(ctx context.Context, name string) error {
	var key = lockPrefix + name

	current, err := c.readLease(ctx, key)
	if err != nil {
		return err
	}
	if current == nil || current.Owner != c.id {
		return nil
	}
	if err = c.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// HasLock reports whether this instance currently holds the named lock.
// The lease TTL is enforced by the KV store itself, so a readable lease
// is an unexpired one. Errors read as "not held": callers gate exclusive
// work on the answer, and refusing is the safe side.
func (c *Coordinator) HasLock(ctx context.Context, name string) bool {
	current, err := c.readLease(ctx, lockPrefix+name)
	if err != nil {
		log.WithFields(log.Fields{"lock": name, "err": err}).Warn("lock check failed")
		return false
	}
	return current != nil && current.Owner == c.id
}

// IsLeader reports whether this instance holds the chat-client lease.
func (c *Coordinator) IsLeader(ctx context.Context) bool {
	return c.HasLock(ctx, LeaderLock)
}

// LockHolder returns the live owner of a lock, or empty.
func (c *Coordinator) LockHolder(ctx context.Context, name string) (string, error) {
	current, err := c.readLease(ctx, lockPrefix+name)
	if err != nil || current == nil {
		return "", err
	}
	return current.Owner, nil
}

// lockClass collapses per-task lock names into one metric label so
// task IDs don't explode the label space.
func lockClass(name string) string {
	if strings.HasPrefix(name, "task:") {
		return "task"
	}
	return name
}

// AcquireTaskLock pins a task to this instance for the duration of its
// transfer.
func (c *Coordinator) AcquireTaskLock(ctx context.Context, taskID string) (bool, error) {
	return c.AcquireLock(ctx, "task:"+taskID, taskLockTTL)
}

// ReleaseTaskLock unpins a task. Pipelines release before enqueueing
// follow-up work so the next stage may run anywhere.
func (c *Coordinator) ReleaseTaskLock(ctx context.Context, taskID string) error {
	return c.ReleaseLock(ctx, "task:"+taskID)
}

// Lease reads always skip L1: a cached lock value would defeat
// cross-instance mutual exclusion.

func (c *Coordinator) readLease(ctx context.Context, key string) (*lease, error) {
	value, err := c.kv.Get(ctx, key, kvcache.Options{SkipCache: true})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	if value == nil {
		return nil, nil
	}
	var l lease
	if err = json.Unmarshal(value, &l); err != nil {
		// An unreadable lease is treated as absent so it can be
		// overwritten rather than wedging the system.
		log.WithFields(log.Fields{"key": key, "err": err}).Warn("discarding corrupt lease")
		return nil, nil
	}
	return &l, nil
}

func (c *Coordinator) writeLease(ctx context.Context, key string, ttl time.Duration) error {
	var value, err = json.Marshal(lease{
		Owner:      c.id,
		AcquiredAt: c.clock().UTC(),
		TTLSeconds: int(ttl / time.Second),
	})
	if err != nil {
		return err
	}
	err = c.kv.Set(ctx, key, value, ttl, kvcache.Options{SkipCache: true})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
