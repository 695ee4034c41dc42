package pipeline

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/store"
)

// AddTask persists a new transfer and requests its download phase. On
// a duplicate, |task| is overwritten with the existing row and
// ErrDuplicate is returned so the caller can point the user at it.
func (m *Manager) AddTask(ctx context.Context, task *store.Task) error {
	existing, err := m.tasks.FindDuplicate(ctx, task.UserID, task.FileName, task.FileSize, dedupWindow)
	if err != nil {
		return fmt.Errorf("checking duplicates: %w", err)
	}
	if existing != nil {
		*task = *existing
		return ErrDuplicate
	}
	if err = m.tasks.Create(ctx, task); err != nil {
		return err
	}
	tasksAccepted.Inc()
	m.topics.EnqueueDownload(ctx, task.ID)
	return nil
}

// AddBatch persists an album's tasks and requests their downloads as
// one batch message. Duplicates are silently dropped; the created
// subset is returned.
func (m *Manager) AddBatch(ctx context.Context, groupID string, tasks []*store.Task) ([]*store.Task, error) {
	var created []*store.Task
	var ids []string
	for _, task := range tasks {
		task.GroupID = groupID
		existing, err := m.tasks.FindDuplicate(ctx, task.UserID, task.FileName, task.FileSize, dedupWindow)
		if err != nil {
			return created, fmt.Errorf("checking duplicates: %w", err)
		}
		if existing != nil {
			log.WithFields(log.Fields{
				"group": groupID,
				"file":  task.FileName,
				"dup":   existing.ID,
			}).Info("skipping duplicate album item")
			continue
		}
		if err = m.tasks.Create(ctx, task); err != nil {
			return created, err
		}
		tasksAccepted.Inc()
		created = append(created, task)
		ids = append(ids, task.ID)
	}
	if len(ids) > 0 {
		m.topics.EnqueueBatch(ctx, groupID, ids)
	}
	return created, nil
}

// SetReplyMessage records the chat message the pipeline edits with
// progress. The write is coalesced: losing it costs an edit, not a
// transfer.
func (m *Manager) SetReplyMessage(ctx context.Context, taskID string, messageID int64) error {
	return m.writer.Update(ctx, taskID, store.Patch{
		ReplyMessageID: store.Int64Of(messageID),
	})
}

// CancelTask ends a task on a user's request. Only the task's owner
// may cancel unless |privileged| is set. Cancelling a finished task is
// a no-op; otherwise the terminal status lands first, then any
// in-flight phase is cut, and local remnants are removed.
func (m *Manager) CancelTask(ctx context.Context, taskID string, userID int64, privileged bool) error {
	task, err := m.writer.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !privileged && task.UserID != userID {
		return ErrNotOwner
	}
	if task.Status.Terminal() {
		return nil
	}

	// The terminal write lands before the worker is poked so its next
	// status read settles on cancelled, and later writes it races in
	// are absorbed by the store.
	if err = m.writer.Update(ctx, taskID, store.Patch{
		Status: store.StatusOf(store.StatusCancelled),
	}); err != nil {
		return err
	}
	cancellations.Inc()
	log.WithFields(log.Fields{"task": taskID, "user": userID}).Info("task cancelled")

	m.abort(taskID)
	m.removeLocal(task)

	task.Status = store.StatusCancelled
	m.forgetEdits(taskID)
	m.editStatus(ctx, task, "Cancelled: "+task.FileName)
	return nil
}

// removeLocal best-effort deletes the task's cached file and any
// half-written temp next to it.
func (m *Manager) removeLocal(task *store.Task) {
	var local = task.LocalPath
	if local == "" {
		local = m.localPath(task)
	}
	for _, f := range []string{local, local + partSuffix} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{"task": task.ID, "path": f, "err": err}).
				Warn("failed to remove local file")
		}
	}
}
