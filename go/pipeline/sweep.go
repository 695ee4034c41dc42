package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/store"
)

const (
	sweepEvery = 5 * time.Minute
	// sweepGrace is how stale a pending row must be before its queue
	// message is presumed lost and republished. Progress writes bump
	// UpdatedAt, so live transfers never look stale.
	sweepGrace = 10 * time.Minute
	// staleClaimAge is when a downloading claim is written off as a
	// crashed worker. It matches the task lease TTL, so the lease is
	// certainly gone by then.
	staleClaimAge = 30 * time.Minute
)

// runSweep republishes tasks whose queue message was lost, so a lost
// webhook or a crash between a write and its publish delays a transfer
// instead of stranding it. Only the leader sweeps.
func (m *Manager) runSweep(ctx context.Context) {
	var ticker = time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.locks.IsLeader(ctx) {
				continue
			}
			if err := m.sweepOnce(ctx); err != nil {
				log.WithField("err", err).Warn("republish sweep failed")
			}
		}
	}
}

// sweepOnce scans pending rows and re-requests stale ones.
func (m *Manager) sweepOnce(ctx context.Context) error {
	tasks, err := m.tasks.FindPending(ctx, time.Time{},
		store.StatusQueued, store.StatusDownloading, store.StatusDownloaded)
	if err != nil {
		return err
	}
	var now = m.clock().UTC()
	for _, task := range tasks {
		var age = now.Sub(task.UpdatedAt)
		switch task.Status {
		case store.StatusQueued:
			if age < sweepGrace {
				continue
			}
			m.topics.EnqueueDownload(ctx, task.ID)

		case store.StatusDownloaded:
			if age < sweepGrace {
				continue
			}
			m.topics.EnqueueUpload(ctx, task.ID)

		case store.StatusDownloading:
			if age < staleClaimAge {
				continue
			}
			// The claim holder is long dead; put the row back first so
			// the redelivered download can claim it.
			if err := m.tasks.Update(ctx, task.ID, store.Patch{
				Status: store.StatusOf(store.StatusQueued),
				Owner:  store.StringOf(""),
			}); err != nil {
				log.WithFields(log.Fields{"task": task.ID, "err": err}).
					Warn("failed to reset stale claim")
				continue
			}
			m.topics.EnqueueDownload(ctx, task.ID)
		}
		republishes.WithLabelValues(string(task.Status)).Inc()
		log.WithFields(log.Fields{
			"task":   task.ID,
			"status": task.Status,
			"age":    age.String(),
		}).Info("republishing stale task")
	}
	return nil
}
