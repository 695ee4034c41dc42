package coordinator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// LeaderLock names the lease that elects the chat-client owner.
	LeaderLock = "telegram_client"
	// LeaderTTL is the leader lease lifetime; it's renewed at half.
	LeaderTTL = 120 * time.Second
)

// RunExclusive runs |fn| only while this instance holds the named
// lease. It loops until |ctx| is cancelled: acquire (or wait), run fn
// under a child context, renew at half TTL, and cancel fn the moment a
// renewal discovers ownership was lost. fn returning, with or without
// error, releases the lease so another instance can take over cleanly.
func (c *Coordinator) RunExclusive(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	var retry = ttl / 4
	if retry <= 0 {
		retry = time.Second
	}
	for {
		acquired, err := c.AcquireLock(ctx, name, ttl)
		if err != nil {
			log.WithFields(log.Fields{"lock": name, "err": err}).
				Warn("lease acquisition failed")
		}
		if acquired {
			c.runAsLeader(ctx, name, ttl, fn)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (c *Coordinator) runAsLeader(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) {
	leaderGauge.WithLabelValues(name).Set(1)
	defer leaderGauge.WithLabelValues(name).Set(0)

	var leaderCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	var done = make(chan error, 1)
	go func() { done <- fn(leaderCtx) }()

	var ticker = time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			c.release(name)
			return

		case err := <-done:
			if err != nil && ctx.Err() == nil {
				log.WithFields(log.Fields{"lock": name, "err": err}).
					Error("exclusive worker failed; releasing lease")
			}
			c.release(name)
			return

		case <-ticker.C:
			ok, err := c.RenewLock(ctx, name, ttl)
			if err != nil {
				log.WithFields(log.Fields{"lock": name, "err": err}).
					Warn("lease renewal failed; retaining until verified lost")
				continue
			}
			if !ok {
				log.WithField("lock", name).Warn("lease lost; stopping exclusive worker")
				leaderLosses.WithLabelValues(name).Inc()
				cancel()
				<-done
				return
			}
		}
	}
}

func (c *Coordinator) release(name string) {
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ReleaseLock(ctx, name); err != nil {
		log.WithFields(log.Fields{"lock": name, "err": err}).Warn("lease release failed")
	}
}
