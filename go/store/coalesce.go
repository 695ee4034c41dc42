package store

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// coalesceInterval is how long a buffered patch may wait before it
	// must reach the backend.
	coalesceInterval = time.Second
	// coalesceMaxAge is how long a patch is retried against a failing
	// backend before it's dropped as stale.
	coalesceMaxAge = 30 * time.Minute
)

// Coalescer batches task patches in front of a TaskStore. Progress
// updates arrive far faster than the backend should be written, so
// patches of the same task are merged in memory and flushed at most
// once per interval, last write winning. Terminal status transitions
// bypass the buffer and are durable before Update returns.
type Coalescer struct {
	inner      *TaskStore
	flushEvery time.Duration
	maxAge     time.Duration
	clock      func() time.Time

	mu      sync.Mutex
	pending map[string]*bufferedPatch
}

type bufferedPatch struct {
	patch    Patch
	queuedAt time.Time
}

// NewCoalescer wraps |inner|.
func NewCoalescer(inner *TaskStore) *Coalescer {
	return &Coalescer{
		inner:      inner,
		flushEvery: coalesceInterval,
		maxAge:     coalesceMaxAge,
		clock:      time.Now,
		pending:    make(map[string]*bufferedPatch),
	}
}

// Update merges |patch| into the task's buffered state. A patch that
// moves the task to a terminal status is written through immediately,
// together with whatever was buffered.
func (c *Coalescer) Update(ctx context.Context, id string, patch Patch) error {
	if patch.Status != nil && patch.Status.Terminal() {
		c.mu.Lock()
		var merged = patch
		if buffered, ok := c.pending[id]; ok {
			merged = buffered.patch.merge(patch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		return c.inner.Update(ctx, id, merged)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if buffered, ok := c.pending[id]; ok {
		buffered.patch = buffered.patch.merge(patch)
	} else {
		c.pending[id] = &bufferedPatch{patch: patch, queuedAt: c.clock()}
	}
	patchesBuffered.Inc()
	return nil
}

// Get reads the task and overlays its buffered patch, so callers see
// progress that hasn't been flushed yet.
func (c *Coalescer) Get(ctx context.Context, id string) (*Task, error) {
	task, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	var buffered, ok = c.pending[id]
	var patch Patch
	if ok {
		patch = buffered.patch
	}
	c.mu.Unlock()

	if ok {
		applyPatch(task, patch)
	}
	return task, nil
}

// Run flushes the buffer once per interval until |ctx| is cancelled,
// then drains what's left.
func (c *Coalescer) Run(ctx context.Context) {
	var ticker = time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush writes all buffered patches now. Failed writes are retried on
// the next flush until they exceed the stale cutoff.
func (c *Coalescer) Flush(ctx context.Context) {
	c.mu.Lock()
	var batch = c.pending
	c.pending = make(map[string]*bufferedPatch)
	c.mu.Unlock()

	var now = c.clock()
	for id, buffered := range batch {
		if err := c.inner.Update(ctx, id, buffered.patch); err == nil {
			flushes.Inc()
			continue
		} else if now.Sub(buffered.queuedAt) >= c.maxAge {
			staleDrops.Inc()
			log.WithFields(log.Fields{
				"task": id,
				"age":  now.Sub(buffered.queuedAt).String(),
				"err":  err,
			}).Warn("dropping stale buffered task update")
			continue
		}

		// Re-queue under anything buffered since the snapshot.
		c.mu.Lock()
		if newer, ok := c.pending[id]; ok {
			newer.patch = buffered.patch.merge(newer.patch)
			newer.queuedAt = buffered.queuedAt
		} else {
			c.pending[id] = buffered
		}
		c.mu.Unlock()
	}
}

func applyPatch(task *Task, patch Patch) {
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Progress != nil {
		task.Progress = *patch.Progress
	}
	if patch.ReplyMessageID != nil {
		task.ReplyMessageID = *patch.ReplyMessageID
	}
	if patch.DriveType != nil {
		task.DriveType = *patch.DriveType
	}
	if patch.LocalPath != nil {
		task.LocalPath = *patch.LocalPath
	}
	if patch.RemotePath != nil {
		task.RemotePath = *patch.RemotePath
	}
	if patch.Owner != nil {
		task.Owner = *patch.Owner
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.Retries != nil {
		task.Retries = *patch.Retries
	}
}
