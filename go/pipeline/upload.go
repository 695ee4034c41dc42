package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
)

// HandleUpload runs the upload phase of one task in response to a
// queue delivery.
func (m *Manager) HandleUpload(ctx context.Context, taskID string) Result {
	var res = m.handleUpload(ctx, taskID)
	webhookResults.WithLabelValues("upload", strconv.Itoa(res.Code)).Inc()
	return res
}

func (m *Manager) handleUpload(ctx context.Context, taskID string) Result {
	if !m.locks.IsLeader(ctx) {
		return notLeader()
	}
	var res Result
	if err := m.uploads.submit(ctx, func() {
		res = m.uploadTask(ctx, taskID)
	}); err != nil {
		return transient(fmt.Sprintf("upload worker: %s", err))
	}
	return res
}

// uploadTask takes the task lease and runs the upload phase under a
// cancellable context.
func (m *Manager) uploadTask(parent context.Context, taskID string) Result {
	task, err := m.writer.Get(parent, taskID)
	if err != nil {
		return resultFromError(err)
	}
	if task.Status.Terminal() {
		return ok("already finished")
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
	var res = m.runUpload(runCtx, task)
	m.unlockTask(taskID)
	return res
}

func (m *Manager) runUpload(ctx context.Context, task *store.Task) Result {
	// The cached file must be present and whole before provider work.
	if task.LocalPath == "" {
		m.finishFailed(ctx, task, "local file missing")
		return notFound("local file missing")
	}
	fi, err := os.Stat(task.LocalPath)
	if os.IsNotExist(err) {
		m.finishFailed(ctx, task, "local file missing")
		return notFound("local file missing")
	} else if err != nil {
		return resultFromError(err)
	}
	if task.FileSize > 0 && !sizeMatches(fi.Size(), task.FileSize) {
		var reason = fmt.Sprintf("cached file is %d bytes, expected %d", fi.Size(), task.FileSize)
		m.removeLocal(task)
		m.finishFailed(ctx, task, reason)
		return internal(reason)
	}

	provider, err := m.providerFor(ctx, task.UserID)
	if errors.Is(err, ErrNoDrive) {
		m.finishFailed(ctx, task, "no drive bound")
		return internal("no drive bound")
	} else if err != nil {
		return resultFromError(err)
	}

	if err = m.tasks.Update(ctx, task.ID, store.Patch{
		Status: store.StatusOf(store.StatusUploading),
		Owner:  store.StringOf(m.locks.InstanceID()),
	}); err != nil {
		return resultFromError(err)
	}
	task.Status = store.StatusUploading
	m.editStatus(ctx, task, "Uploading "+task.FileName)

	var remote = m.remotePath(task)
	err = limits.WithRetry(ctx, m.transferRetry, func(ctx context.Context) error {
		// A fresh reader per attempt; providers may consume partially.
		in, err := os.Open(task.LocalPath)
		if err != nil {
			return fmt.Errorf("opening %s: %w", task.LocalPath, err)
		}
		defer in.Close()
		return provider.Upload(ctx, remote, &progressReader{
			r:    in,
			ctx:  ctx,
			m:    m,
			task: task,
		}, fi.Size())
	})
	if err != nil {
		return m.uploadFailed(ctx, task, err)
	}

	bytesTransferred.WithLabelValues("upload").Add(float64(fi.Size()))
	if err = m.finishCompleted(ctx, task, remote, "uploaded"); err != nil {
		return resultFromError(err)
	}
	m.removeLocal(task)
	return ok("uploaded")
}

// uploadFailed sorts a failed upload. Cancelled tasks acknowledge, an
// aborted or transient one goes back to downloaded for a fresh
// delivery with the cached file kept, the rest is final.
func (m *Manager) uploadFailed(runCtx context.Context, task *store.Task, err error) Result {
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
		if fresh, ferr := m.writer.Get(ctx, task.ID); ferr == nil && fresh.Status == store.StatusCancelled {
			return ok("cancelled")
		}
		m.revertToDownloaded(ctx, task)
		return transient("transfer aborted")
	}
	if transientWire(err) {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).Warn("upload failed; requeueing")
		m.revertToDownloaded(ctx, task)
		return transient("upload failed: " + err.Error())
	}
	m.finishFailed(ctx, task, err.Error())
	return internal("upload failed: " + err.Error())
}

func (m *Manager) revertToDownloaded(ctx context.Context, task *store.Task) {
	if err := m.tasks.Update(ctx, task.ID, store.Patch{
		Status: store.StatusOf(store.StatusDownloaded),
		Owner:  store.StringOf(""),
	}); err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).Warn("revert to downloaded failed")
	}
}

// progressReader reports upload progress through the task's throttled
// status edits and observes cancellation between chunks.
type progressReader struct {
	r    io.Reader
	ctx  context.Context
	m    *Manager
	task *store.Task
	read int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.m.noteProgress(p.ctx, p.task, p.read)
	}
	return n, err
}
