package pipeline

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// backlogThreshold is how many queued jobs count as a backlog worth
	// growing the pool for.
	backlogThreshold = 2
	// growAfter is how long a backlog must persist before one worker is
	// added, so a momentary burst doesn't balloon the pool.
	growAfter = 5 * time.Second
	// idleAfter is how long an unpinned worker may sit idle before it
	// retires.
	idleAfter = 30 * time.Second
	// poolQueueSize bounds the burst the pool absorbs before Submit
	// blocks. Durability lives in the external queue, not here.
	poolQueueSize = 256
)

// poolConfig sizes a worker pool. Zero thresholds take the defaults
// above; tests shorten them.
type poolConfig struct {
	name             string
	min, max         int
	backlogThreshold int
	growAfter        time.Duration
	idleAfter        time.Duration
}

func (c poolConfig) withDefaults() poolConfig {
	if c.min < 1 {
		c.min = 1
	}
	if c.max < c.min {
		c.max = c.min
	}
	if c.backlogThreshold <= 0 {
		c.backlogThreshold = backlogThreshold
	}
	if c.growAfter <= 0 {
		c.growAfter = growAfter
	}
	if c.idleAfter <= 0 {
		c.idleAfter = idleAfter
	}
	return c
}

type poolJob struct {
	fn   func()
	done chan struct{}
}

// pool runs jobs on a worker set scaled between [min, max]: one worker
// is added when the backlog persists past growAfter, and workers above
// the floor retire after idling. The local queue only smooths bursts;
// callers wait for their own job, so results flow back synchronously.
type pool struct {
	cfg   poolConfig
	jobs  chan poolJob
	clock func() time.Time

	mu           sync.Mutex
	workers      int
	backlogSince time.Time
}

func newPool(cfg poolConfig) *pool {
	return &pool{
		cfg:   cfg.withDefaults(),
		jobs:  make(chan poolJob, poolQueueSize),
		clock: time.Now,
	}
}

// submit queues |fn| and waits for it to finish. The job itself must
// watch its own context: a caller giving up does not stop a job already
// queued.
func (p *pool) submit(ctx context.Context, fn func()) error {
	var job = poolJob{fn: fn, done: make(chan struct{})}
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// depth reports how many jobs wait unstarted.
func (p *pool) depth() int { return len(p.jobs) }

// size reports the current worker count.
func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// run spawns the floor workers and scales until |ctx| is cancelled.
func (p *pool) run(ctx context.Context) {
	for i := 0; i < p.cfg.min; i++ {
		p.spawn(ctx, true)
	}

	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scale(ctx)
		}
	}
}

func (p *pool) scale(ctx context.Context) {
	var depth = len(p.jobs)
	poolDepth.WithLabelValues(p.cfg.name).Set(float64(depth))

	p.mu.Lock()
	defer p.mu.Unlock()
	if depth <= p.cfg.backlogThreshold || p.workers >= p.cfg.max {
		p.backlogSince = time.Time{}
		return
	}
	var now = p.clock()
	if p.backlogSince.IsZero() {
		p.backlogSince = now
		return
	}
	if now.Sub(p.backlogSince) >= p.cfg.growAfter {
		p.spawnLocked(ctx, false)
		p.backlogSince = time.Time{}
		log.WithFields(log.Fields{
			"pool":    p.cfg.name,
			"workers": p.workers,
			"depth":   depth,
		}).Info("pool grew under sustained backlog")
	}
}

func (p *pool) spawn(ctx context.Context, pinned bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawnLocked(ctx, pinned)
}

func (p *pool) spawnLocked(ctx context.Context, pinned bool) {
	p.workers++
	poolWorkers.WithLabelValues(p.cfg.name).Inc()
	go p.worker(ctx, pinned)
}

func (p *pool) worker(ctx context.Context, pinned bool) {
	for {
		var idle = time.NewTimer(p.cfg.idleAfter)
		select {
		case <-ctx.Done():
			idle.Stop()
			p.retire()
			return
		case job := <-p.jobs:
			idle.Stop()
			job.fn()
			close(job.done)
		case <-idle.C:
			if pinned {
				continue
			}
			// Check and retire under one lock so concurrent idle
			// workers can't shrink below the floor together.
			p.mu.Lock()
			if p.workers > p.cfg.min {
				p.workers--
				p.mu.Unlock()
				poolWorkers.WithLabelValues(p.cfg.name).Dec()
				return
			}
			p.mu.Unlock()
		}
	}
}

func (p *pool) retire() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
	poolWorkers.WithLabelValues(p.cfg.name).Dec()
}
