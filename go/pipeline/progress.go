package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/store"
	"github.com/takaraflow/drive-collector-js-sub006/go/telegram"
)

// noteProgress records transfer progress. The store write is coalesced
// and the chat edit is throttled; each edit slot doubles as the
// leadership check that cuts orphaned transfers, which bounds how long
// a deposed instance keeps moving bytes.
func (m *Manager) noteProgress(ctx context.Context, task *store.Task, written int64) {
	var pct float64
	if task.FileSize > 0 {
		pct = float64(written) / float64(task.FileSize) * 100
		if pct > 100 {
			pct = 100
		}
	}
	if err := m.writer.Update(ctx, task.ID, store.Patch{
		Progress: store.Float64Of(pct),
	}); err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).Debug("progress write failed")
	}

	if !m.allowEdit(task.ID) {
		return
	}
	if !m.locks.IsLeader(ctx) {
		log.WithField("task", task.ID).Warn("leadership lost mid-transfer; aborting")
		m.abort(task.ID)
		return
	}
	m.editStatus(ctx, task, fmt.Sprintf("%s %s: %.1f%%", verbFor(task.Status), task.FileName, pct))
}

// allowEdit claims the task's edit slot when uiMinInterval has passed
// since the last one.
func (m *Manager) allowEdit(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var now = m.clock()
	if now.Sub(m.lastEdit[taskID]) < uiMinInterval {
		return false
	}
	m.lastEdit[taskID] = now
	return true
}

func (m *Manager) forgetEdits(taskID string) {
	m.mu.Lock()
	delete(m.lastEdit, taskID)
	m.mu.Unlock()
}

// editStatus rewrites the task's progress message. Tasks created before
// their reply message is recorded skip the edit; live tasks carry a
// cancel button.
func (m *Manager) editStatus(ctx context.Context, task *store.Task, text string) {
	if task.ReplyMessageID == 0 {
		return
	}
	var kb *telegram.InlineKeyboard
	if !task.Status.Terminal() {
		kb = telegram.Row(telegram.InlineButton{Text: "Cancel", Data: "cancel_" + task.ID})
	}
	if err := m.chat.EditMessageText(ctx, task.ChatID, task.ReplyMessageID, text, kb); err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).Debug("progress edit failed")
	}
}

// finishFailed marks the task failed and tells the user. Recording the
// failure is best effort by the time we are here; the sweep catches
// rows this write misses.
func (m *Manager) finishFailed(ctx context.Context, task *store.Task, reason string) {
	if err := m.writer.Update(ctx, task.ID, store.Patch{
		Status: store.StatusOf(store.StatusFailed),
		Error:  store.StringOf(reason),
	}); err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).Error("failed to record task failure")
	}
	task.Status = store.StatusFailed
	m.forgetEdits(task.ID)
	m.editStatus(ctx, task, fmt.Sprintf("Failed: %s (%s)", task.FileName, reason))
	tasksFinished.WithLabelValues("failed").Inc()
	log.WithFields(log.Fields{"task": task.ID, "reason": reason}).Warn("task failed")
}

// finishCompleted marks the task done and tells the user.
func (m *Manager) finishCompleted(ctx context.Context, task *store.Task, remotePath, note string) error {
	if err := m.writer.Update(ctx, task.ID, store.Patch{
		Status:     store.StatusOf(store.StatusCompleted),
		Progress:   store.Float64Of(100),
		RemotePath: store.StringOf(remotePath),
	}); err != nil {
		return err
	}
	task.Status = store.StatusCompleted
	task.RemotePath = remotePath
	m.forgetEdits(task.ID)
	m.editStatus(ctx, task, fmt.Sprintf("Done: %s (%s)", task.FileName, note))
	tasksFinished.WithLabelValues("completed").Inc()
	log.WithFields(log.Fields{"task": task.ID, "remote": remotePath}).Info("task completed")
	return nil
}

func verbFor(s store.Status) string {
	if s == store.StatusUploading {
		return "Uploading"
	}
	return "Downloading"
}
