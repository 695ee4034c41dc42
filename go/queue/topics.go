package queue

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Webhook paths served by the collector. Topics publishes to them and
// the webhook router mounts them, so the two stay in one place.
const (
	DownloadPath     = "/api/tasks/download"
	UploadPath       = "/api/tasks/upload"
	BatchPath        = "/api/tasks/batch"
	SystemEventsPath = "/api/tasks/system-events"
)

// DownloadMessage asks the pipeline to run a task's download phase.
type DownloadMessage struct {
	TaskID string `json:"taskId"`
}

// UploadMessage asks the pipeline to run a task's upload phase.
type UploadMessage struct {
	TaskID string `json:"taskId"`
}

// BatchMessage asks the pipeline to run an album's download phases.
type BatchMessage struct {
	GroupID string   `json:"groupId"`
	TaskIDs []string `json:"taskIds"`
}

// Topics publishes the collector's message shapes to its own webhook
// endpoints. Enqueue failures are logged and swallowed here: the task
// row is already durable, and the pipeline sweep republishes work whose
// message was lost.
type Topics struct {
	pub  *Publisher
	base string
}

// NewTopics binds |pub| to the collector's public webhook base URL.
func NewTopics(pub *Publisher, webhookBase string) *Topics {
	return &Topics{pub: pub, base: strings.TrimRight(webhookBase, "/")}
}

// EnqueueDownload requests the download phase of |taskID|.
func (t *Topics) EnqueueDownload(ctx context.Context, taskID string) {
	t.publish(ctx, DownloadPath, DownloadMessage{TaskID: taskID})
}

// EnqueueUpload requests the upload phase of |taskID|.
func (t *Topics) EnqueueUpload(ctx context.Context, taskID string) {
	t.publish(ctx, UploadPath, UploadMessage{TaskID: taskID})
}

// EnqueueBatch requests the download phases of one album.
func (t *Topics) EnqueueBatch(ctx context.Context, groupID string, taskIDs []string) {
	t.publish(ctx, BatchPath, BatchMessage{GroupID: groupID, TaskIDs: taskIDs})
}

func (t *Topics) publish(ctx context.Context, path string, message interface{}) {
	if err := t.pub.Publish(ctx, t.base+path, message); err != nil {
		log.WithFields(log.Fields{
			"topic": path,
			"err":   err,
		}).Error("enqueue failed; the republish sweep will retry it")
	}
}
