// Package coordinator keeps concurrent collector instances out of each
// other's way. Every instance registers itself in the durable instance
// table and heartbeats while alive; exclusive work is guarded by KV
// leases (named locks, per-task locks, and a leader lease for the chat
// client) that expire on their own if the holder dies.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/kvcache"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
)

const (
	// heartbeatEvery is the instance heartbeat period.
	heartbeatEvery = 30 * time.Second
	// activityTimeout is how stale a heartbeat may be before the
	// instance is considered dead and its leases may be taken over.
	activityTimeout = 120 * time.Second
)

// Config tunes a Coordinator.
type Config struct {
	// InstanceID identifies this process. Empty generates one.
	InstanceID string
	// Region is a deployment label carried in the registry.
	Region string `long:"region" env:"REGION" description:"Deployment region label"`
}

// Coordinator registers this instance and brokers its leases. Leases
// live in the KV store, where a TTL reaps them if the holder dies; the
// instance registry lives in the durable store so the roster survives
// KV failovers.
type Coordinator struct {
	kv        *kvcache.Cache
	instances *store.InstanceStore
	id        string
	hostname  string
	region    string
	startedAt time.Time
	clock     func() time.Time
}

// New builds a Coordinator over the KV lease store |kv| and the
// instance registry |instances|.
func New(kv *kvcache.Cache, instances *store.InstanceStore, cfg Config) *Coordinator {
	var id = cfg.InstanceID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	var hostname, _ = os.Hostname()
	return &Coordinator{
		kv:        kv,
		instances: instances,
		id:        id,
		hostname:  hostname,
		region:    cfg.Region,
		startedAt: time.Now().UTC(),
		clock:     time.Now,
	}
}

// InstanceID returns this process's registry identity.
func (c *Coordinator) InstanceID() string { return c.id }

// Run registers the instance, heartbeats until |ctx| is cancelled, and
// then marks the record offline. While this instance holds the leader
// lease it also sweeps instances whose heartbeat went stale, flipping
// them offline so their rows read as dead even after a crash.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.heartbeat(ctx); err != nil {
		return fmt.Errorf("registering instance: %w", err)
	}
	log.WithFields(log.Fields{
		"instance": c.id,
		"hostname": c.hostname,
		"region":   c.region,
	}).Info("instance registered")

	var ticker = time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	var sweeper = time.NewTicker(activityTimeout)
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			var dropCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.instances.SetStatus(dropCtx, c.id, store.InstanceOffline); err != nil {
				log.WithField("err", err).Warn("failed to deregister instance")
			}
			return nil
		case <-ticker.C:
			if err := c.heartbeat(ctx); err != nil {
				log.WithFields(log.Fields{
					"instance": c.id,
					"err":      err,
				}).Warn("instance heartbeat failed")
			}
		case <-sweeper.C:
			c.sweepStale(ctx)
		}
	}
}

func (c *Coordinator) heartbeat(ctx context.Context) error {
	var err = c.instances.Upsert(ctx, &store.Instance{
		ID:            c.id,
		Hostname:      c.hostname,
		Region:        c.region,
		Status:        store.InstanceActive,
		StartedAt:     c.startedAt,
		LastHeartbeat: c.clock().UTC(),
	})
	if err != nil {
		return err
	}
	heartbeats.Inc()
	return nil
}

// sweepStale is leader-only: one sweeper suffices, and racing sweeps
// would double-count the flips.
func (c *Coordinator) sweepStale(ctx context.Context) {
	if !c.IsLeader(ctx) {
		return
	}
	var cutoff = c.clock().UTC().Add(-activityTimeout)
	n, err := c.instances.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		log.WithField("err", err).Warn("stale instance sweep failed")
		return
	}
	if n > 0 {
		staleSwept.Add(float64(n))
		log.WithField("count", n).Info("marked stale instances offline")
	}
}

// Instances lists registered instances, dead or alive. Use
// Instance.Alive to filter.
func (c *Coordinator) Instances(ctx context.Context) ([]*store.Instance, error) {
	return c.instances.List(ctx)
}

// instanceAlive reports whether |id| has a fresh, active registration.
// A registry read failure reads as alive: the lease TTL already bounds
// how long a dead holder can pin a lock, while a wrong "dead" answer
// would let two instances hold it at once.
func (c *Coordinator) instanceAlive(ctx context.Context, id string) bool {
	inst, err := c.instances.Get(ctx, id)
	if errors.Is(err, store.ErrInstanceNotFound) {
		return false
	} else if err != nil {
		log.WithFields(log.Fields{"instance": id, "err": err}).
			Warn("instance liveness check failed")
		return true
	}
	return inst.Alive(c.clock().UTC(), activityTimeout)
}
