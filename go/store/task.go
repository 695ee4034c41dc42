// Package store is the durable task repository of the collector. Tasks
// live in a SQL backend (Cloudflare D1 over HTTP, or a local SQLite
// file) behind a small backend interface, with a write-coalescing layer
// that absorbs high-frequency progress updates.
package store

import (
	"errors"
	"time"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transitions may leave |s|.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validNext enumerates the forward edges of the task lifecycle. Every
// non-terminal status may additionally move to failed or cancelled. The
// queued fast-path edges cover the dedup probes (a remote copy finishes
// the task with no transfer at all, a cached local file skips straight
// to downloaded), and the requeue edges (downloading back to queued,
// uploading back to downloaded) let another instance retry after a
// transient failure.
var validNext = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusDownloaded, StatusCompleted},
	StatusDownloading: {StatusDownloaded, StatusQueued},
	StatusDownloaded:  {StatusUploading},
	StatusUploading:   {StatusCompleted, StatusDownloaded},
}

// CanTransition reports whether |from| may move to |to|.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrTaskNotFound is returned for lookups of unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Task is one media transfer through the pipeline.
type Task struct {
	ID        string `json:"id"`
	UserID    int64  `json:"userId"`
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	// ReplyMessageID is the progress message the collector edits, zero
	// until the first edit is posted.
	ReplyMessageID int64 `json:"replyMessageId,omitempty"`

	// GroupID ties together tasks created from one media album.
	GroupID string `json:"groupId,omitempty"`

	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType,omitempty"`
	// FileRef is the opaque chat-protocol reference used to fetch bytes.
	FileRef string `json:"fileRef"`

	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`

	DriveType  string `json:"driveType,omitempty"`
	LocalPath  string `json:"localPath,omitempty"`
	RemotePath string `json:"remotePath,omitempty"`

	// Owner is the instance holding the task's claim, empty when
	// unclaimed.
	Owner   string `json:"owner,omitempty"`
	Error   string `json:"error,omitempty"`
	Retries int    `json:"retries"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch is a partial task update. Nil fields are left unchanged.
type Patch struct {
	Status         *Status
	Progress       *float64
	ReplyMessageID *int64
	DriveType      *string
	LocalPath      *string
	RemotePath     *string
	Owner          *string
	Error          *string
	Retries        *int
}

// merge folds |other| over |p|, later fields winning.
func (p Patch) merge(other Patch) Patch {
	if other.Status != nil {
		p.Status = other.Status
	}
	if other.Progress != nil {
		p.Progress = other.Progress
	}
	if other.ReplyMessageID != nil {
		p.ReplyMessageID = other.ReplyMessageID
	}
	if other.DriveType != nil {
		p.DriveType = other.DriveType
	}
	if other.LocalPath != nil {
		p.LocalPath = other.LocalPath
	}
	if other.RemotePath != nil {
		p.RemotePath = other.RemotePath
	}
	if other.Owner != nil {
		p.Owner = other.Owner
	}
	if other.Error != nil {
		p.Error = other.Error
	}
	if other.Retries != nil {
		p.Retries = other.Retries
	}
	return p
}

// Convenience pointer helpers for building patches.

func StatusOf(s Status) *Status { return &s }

func Float64Of(f float64) *float64 { return &f }

func Int64Of(i int64) *int64 { return &i }

func StringOf(s string) *string { return &s }

func IntOf(i int) *int { return &i }
