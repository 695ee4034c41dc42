package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/drives"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
	"github.com/takaraflow/drive-collector-js-sub006/go/telegram"
)

// partSuffix marks a download still in flight. The finished file is
// renamed into place so a bare name is always a whole file.
const partSuffix = ".part"

// HandleDownload runs the download phase of one task in response to a
// queue delivery.
func (m *Manager) HandleDownload(ctx context.Context, taskID string) Result {
	var res = m.handleDownload(ctx, taskID)
	webhookResults.WithLabelValues("download", strconv.Itoa(res.Code)).Inc()
	return res
}

// HandleBatch runs an album's download phases one at a time, stopping
// at the first failure so the queue redelivers the batch as a unit.
// Redelivery is cheap: finished members acknowledge immediately.
func (m *Manager) HandleBatch(ctx context.Context, groupID string, taskIDs []string) Result {
	log.WithFields(log.Fields{"group": groupID, "tasks": len(taskIDs)}).Info("processing batch")
	for _, id := range taskIDs {
		if res := m.HandleDownload(ctx, id); !res.Success {
			return res
		}
	}
	return ok(fmt.Sprintf("batch %s done", groupID))
}

func (m *Manager) handleDownload(ctx context.Context, taskID string) Result {
	if !m.locks.IsLeader(ctx) {
		return notLeader()
	}
	var res Result
	if err := m.downloads.submit(ctx, func() {
		res = m.downloadTask(ctx, taskID)
	}); err != nil {
		return transient(fmt.Sprintf("download worker: %s", err))
	}
	return res
}

// downloadTask resolves the source, takes the task lease, and runs the
// download phase under a cancellable context.
func (m *Manager) downloadTask(parent context.Context, taskID string) Result {
	task, err := m.writer.Get(parent, taskID)
	if err != nil {
		return resultFromError(err)
	}
	if task.Status.Terminal() {
		return ok("already finished")
	}

	// Resolve the source reference before spending a lease on it: a
	// deleted source message fails the task here, finally.
	var file *telegram.RemoteFile
	{
		var rctx, cancel = context.WithTimeout(parent, resolveBudget)
		file, err = m.chat.ResolveFile(rctx, task.FileRef)
		cancel()
	}
	if errors.Is(err, telegram.ErrSourceGone) {
		m.finishFailed(parent, task, "source message is gone")
		return notFound("source media missing")
	} else if err != nil {
		return resultFromError(err)
	}

	acquired, err := m.locks.AcquireTaskLock(parent, taskID)
	if err != nil {
		return resultFromError(err)
	}
	if !acquired {
		return transient("task leased by another worker")
	}

	var runCtx, finish = m.track(parent, taskID)
	defer finish()
	return m.runDownload(runCtx, task, file)
}

// runDownload holds the task lease. Every return path releases it, and
// releases it before any upload publish so the next phase can land on
// any instance.
func (m *Manager) runDownload(ctx context.Context, task *store.Task, file *telegram.RemoteFile) Result {
	// Probe the drive: a size-equivalent remote copy finishes the task
	// without moving a byte.
	if info := m.probeRemote(ctx, task); info != nil {
		if err := m.finishCompleted(ctx, task, info.Path, "already in your drive"); err != nil {
			m.unlockTask(task.ID)
			return resultFromError(err)
		}
		instantTransfers.Inc()
		m.unlockTask(task.ID)
		return ok("instant transfer")
	}

	// Probe the local cache: bytes already on disk skip the network.
	var local = m.localPath(task)
	if fi, err := os.Stat(local); err == nil && sizeMatches(fi.Size(), task.FileSize) {
		if err = m.markDownloaded(ctx, task, local); err != nil {
			m.unlockTask(task.ID)
			return resultFromError(err)
		}
		localCacheHits.Inc()
		log.WithFields(log.Fields{"task": task.ID, "path": local}).Info("local cache hit")
		m.unlockTask(task.ID)
		m.topics.EnqueueUpload(ctx, task.ID)
		return ok("cached locally")
	}

	return m.fetchAndHandOff(ctx, task, file, local)
}

// probeRemote returns the drive's copy of the task's file when one of
// matching size already exists. Probe failures read as a miss: the
// probe is an optimization, the download path is the truth.
func (m *Manager) probeRemote(ctx context.Context, task *store.Task) *drives.FileInfo {
	provider, err := m.providerFor(ctx, task.UserID)
	if err != nil {
		if !errors.Is(err, ErrNoDrive) {
			log.WithFields(log.Fields{"task": task.ID, "err": err}).Warn("drive probe unavailable")
		}
		return nil
	}
	var pctx, cancel = context.WithTimeout(ctx, drives.ProbeTimeout)
	info, err := provider.RemoteFileInfo(pctx, m.remotePath(task))
	cancel()
	if err != nil {
		if !errors.Is(err, drives.ErrRemoteNotFound) {
			log.WithFields(log.Fields{"task": task.ID, "err": err}).
				Warn("drive probe failed; downloading anyway")
		}
		return nil
	}
	if !sizeMatches(info.Size, task.FileSize) {
		return nil
	}
	return info
}

// markDownloaded records the finished download. It is written through,
// not coalesced: the upload delivery may fire on another instance the
// moment the message is published.
func (m *Manager) markDownloaded(ctx context.Context, task *store.Task, local string) error {
	var err = m.tasks.Update(ctx, task.ID, store.Patch{
		Status:    store.StatusOf(store.StatusDownloaded),
		Progress:  store.Float64Of(100),
		LocalPath: store.StringOf(local),
		Owner:     store.StringOf(""),
	})
	if err != nil {
		return err
	}
	task.Status = store.StatusDownloaded
	task.LocalPath = local
	return nil
}

// fetchAndHandOff claims the row, pulls the bytes, and hands the task
// to the upload phase.
func (m *Manager) fetchAndHandOff(ctx context.Context, task *store.Task, file *telegram.RemoteFile, local string) Result {
	claimed, err := m.tasks.Claim(ctx, task.ID, m.locks.InstanceID())
	if err != nil {
		m.unlockTask(task.ID)
		return resultFromError(err)
	}
	if !claimed {
		if res, done := m.resumeUnclaimed(ctx, task); done {
			return res
		}
	}
	task.Status = store.StatusDownloading
	m.editStatus(ctx, task, "Downloading "+task.FileName)

	written, err := m.fetchToFile(ctx, task, file, local)
	if err != nil {
		return m.downloadFailed(ctx, task, err)
	}
	if task.FileSize > 0 && !sizeMatches(written, task.FileSize) {
		m.removeLocal(task)
		var reason = fmt.Sprintf("downloaded %d bytes, expected %d", written, task.FileSize)
		m.finishFailed(ctx, task, reason)
		m.unlockTask(task.ID)
		return internal(reason)
	}

	if err = m.markDownloaded(ctx, task, local); err != nil {
		m.unlockTask(task.ID)
		return resultFromError(err)
	}
	bytesTransferred.WithLabelValues("download").Add(float64(written))
	log.WithFields(log.Fields{"task": task.ID, "bytes": written}).Info("download finished")

	// Release before publish: the upload may be delivered anywhere.
	m.unlockTask(task.ID)
	m.topics.EnqueueUpload(ctx, task.ID)
	return ok("downloaded")
}

// resumeUnclaimed sorts out a task whose queued-to-downloading claim
// failed. We hold the task lease, so any prior claim belongs to a dead
// worker: finished rows acknowledge, interrupted ones are taken over
// or handed to the phase they had reached.
func (m *Manager) resumeUnclaimed(ctx context.Context, task *store.Task) (Result, bool) {
	fresh, err := m.writer.Get(ctx, task.ID)
	if err != nil {
		m.unlockTask(task.ID)
		return resultFromError(err), true
	}
	*task = *fresh

	switch task.Status {
	case store.StatusDownloading:
		// Take over the dead worker's claim and redo the download.
		// Partial local state is no obstacle; the fetch truncates.
		if err = m.tasks.Update(ctx, task.ID, store.Patch{
			Owner: store.StringOf(m.locks.InstanceID()),
		}); err != nil {
			m.unlockTask(task.ID)
			return resultFromError(err), true
		}
		log.WithFields(log.Fields{"task": task.ID}).Info("taking over interrupted download")
		return Result{}, false

	case store.StatusDownloaded:
		// Its upload message may have been lost; request it again.
		m.unlockTask(task.ID)
		m.topics.EnqueueUpload(ctx, task.ID)
		return ok("already downloaded"), true

	case store.StatusUploading:
		// The uploader died mid-upload. Put the row back to downloaded
		// and let a fresh delivery retry it.
		if err = m.tasks.Update(ctx, task.ID, store.Patch{
			Status: store.StatusOf(store.StatusDownloaded),
			Owner:  store.StringOf(""),
		}); err != nil {
			m.unlockTask(task.ID)
			return resultFromError(err), true
		}
		m.unlockTask(task.ID)
		m.topics.EnqueueUpload(ctx, task.ID)
		return ok("requeued interrupted upload"), true

	case store.StatusQueued:
		// Claim race with a concurrent delivery of the same task.
		m.unlockTask(task.ID)
		return transient("claim race"), true

	default:
		m.unlockTask(task.ID)
		return ok("already finished"), true
	}
}

// fetchToFile streams the source into |local|'s temp sibling and
// renames it into place. Transient wire failures retry in place, and a
// failed attempt keeps the temp file so a later delivery on this
// instance finds warm state.
func (m *Manager) fetchToFile(ctx context.Context, task *store.Task, file *telegram.RemoteFile, local string) (int64, error) {
	var tmp = local + partSuffix
	var written int64
	var err = limits.WithRetry(ctx, m.transferRetry, func(ctx context.Context) error {
		out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", tmp, err)
		}
		n, err := m.chat.DownloadFile(ctx, file, out, func(n int64) {
			m.noteProgress(ctx, task, n)
		})
		written = n
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	if err != nil {
		return written, err
	}
	if err = os.Rename(tmp, local); err != nil {
		return written, fmt.Errorf("placing %s: %w", local, err)
	}
	return written, nil
}

// downloadFailed sorts a failed fetch. Cancelled tasks acknowledge; a
// cut context with the row still downloading means leadership loss or
// shutdown, which leaves the row and its partial file exactly as they
// are for the next owner's redelivery; other transient failures hand
// the claim back to the queue; the rest is final.
func (m *Manager) downloadFailed(runCtx context.Context, task *store.Task, err error) Result {
	// Bookkeeping outlives the phase context that was just cut.
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
		if fresh, ferr := m.writer.Get(ctx, task.ID); ferr == nil && fresh.Status == store.StatusCancelled {
			m.unlockTask(task.ID)
			return ok("cancelled")
		}
		// The row stays downloading; the redelivered webhook takes the
		// claim over wherever it lands.
		log.WithFields(log.Fields{"task": task.ID}).Warn("download aborted; leaving row for takeover")
		m.unlockTask(task.ID)
		return transient("transfer aborted")
	}

	if transientWire(err) {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).Warn("download failed; requeueing")
		if rerr := m.tasks.Release(ctx, task.ID, m.locks.InstanceID()); rerr != nil {
			log.WithFields(log.Fields{"task": task.ID, "err": rerr}).Warn("release failed")
		}
		m.unlockTask(task.ID)
		return transient("download failed: " + err.Error())
	}

	m.removeLocal(task)
	m.finishFailed(ctx, task, err.Error())
	m.unlockTask(task.ID)
	return internal("download failed: " + err.Error())
}
