package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	chat_id INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	reply_message_id INTEGER NOT NULL DEFAULT 0,
	group_id TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	file_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	drive_type TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	remote_path TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	retries INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS settings (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS drives (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	credentials TEXT NOT NULL DEFAULT '{}',
	is_default INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drives_user ON drives(user_id);
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL
);
`

// Store bundles the repositories sharing one SQL backend.
type Store struct {
	Tasks     *TaskStore
	Settings  *SettingsStore
	Drives    *DriveStore
	Instances *InstanceStore

	b backend
}

func newStore(b backend) *Store {
	return &Store{
		Tasks:     NewTaskStore(b),
		Settings:  NewSettingsStore(b),
		Drives:    NewDriveStore(b),
		Instances: NewInstanceStore(b),
		b:         b,
	}
}

// Init creates the schema if it doesn't exist yet.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.b.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Backend names the engine serving this store.
func (s *Store) Backend() string { return s.b.Name() }

// Close releases the underlying backend.
func (s *Store) Close() error { return s.b.Close() }

var terminalList = fmt.Sprintf("('%s','%s','%s')",
	StatusCompleted, StatusFailed, StatusCancelled)

// timeLayout is RFC 3339 with fixed nanosecond width, so stored
// timestamps compare chronologically as strings in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// TaskStore provides durable task CRUD over a SQL backend.
type TaskStore struct {
	b     backend
	clock func() time.Time
}

// NewTaskStore wraps |b|. The schema must already exist.
func NewTaskStore(b backend) *TaskStore {
	return &TaskStore{b: b, clock: time.Now}
}

// Create persists a new task. A missing ID, status, or timestamp is
// filled in.
func (s *TaskStore) Create(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = StatusQueued
	}
	var now = s.clock().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	var _, err = s.b.Exec(ctx, `
		INSERT INTO tasks (
			id, user_id, chat_id, message_id, reply_message_id, group_id,
			file_name, file_size, mime_type, file_ref,
			status, progress, drive_type, local_path, remote_path,
			owner, error, retries, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.UserID, task.ChatID, task.MessageID, task.ReplyMessageID, task.GroupID,
		task.FileName, task.FileSize, task.MimeType, task.FileRef,
		string(task.Status), task.Progress, task.DriveType, task.LocalPath, task.RemotePath,
		task.Owner, task.Error, task.Retries,
		task.CreatedAt.Format(timeLayout), task.UpdatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}
	tasksCreated.Inc()
	return nil
}

// CreateBatch persists an album's tasks one by one, stopping at the
// first failure. Both backends execute one statement per request, so
// batching brings no atomicity here anyway; idempotent redelivery
// handling covers partial failures.
func (s *TaskStore) CreateBatch(ctx context.Context, tasks []*Task) error {
	for _, task := range tasks {
		if err := s.Create(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the task with |id|, or ErrTaskNotFound.
func (s *TaskStore) Get(ctx context.Context, id string) (*Task, error) {
	r, err := queryOne(ctx, s.b, `SELECT * FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return taskFromRow(r), nil
}

// Update applies |patch| to task |id|. Writes against tasks already in
// a terminal status are silently absorbed: a late progress update can't
// resurrect a cancelled task, and the first terminal transition wins.
func (s *TaskStore) Update(ctx context.Context, id string, patch Patch) error {
	var sets, args = patchClauses(patch)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.clock().UTC().Format(timeLayout))
	args = append(args, id)

	var stmt = fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = ? AND status NOT IN %s`,
		strings.Join(sets, ", "), terminalList)

	n, err := s.b.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	if n == 0 {
		log.WithFields(log.Fields{"task": id}).Debug("update absorbed by terminal task")
	}
	return nil
}

// Claim atomically moves a queued task to downloading on behalf of
// |owner|. It reports false when the task was already claimed, finished,
// or doesn't exist, which is how duplicate webhook deliveries are shed.
func (s *TaskStore) Claim(ctx context.Context, id, owner string) (bool, error) {
	n, err := s.b.Exec(ctx, `
		UPDATE tasks SET status = ?, owner = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusDownloading), owner, s.clock().UTC().Format(timeLayout),
		id, string(StatusQueued))
	if err != nil {
		return false, fmt.Errorf("claiming task %s: %w", id, err)
	}
	if n == 1 {
		tasksClaimed.Inc()
	}
	return n == 1, nil
}

// Release returns a task claimed by |owner| to the queue, bumping its
// retry count. Releasing a task someone else holds is a no-op.
func (s *TaskStore) Release(ctx context.Context, id, owner string) error {
	var _, err = s.b.Exec(ctx, `
		UPDATE tasks SET status = ?, owner = '', retries = retries + 1, updated_at = ?
		WHERE id = ? AND owner = ? AND status = ?`,
		string(StatusQueued), s.clock().UTC().Format(timeLayout),
		id, owner, string(StatusDownloading))
	if err != nil {
		return fmt.Errorf("releasing task %s: %w", id, err)
	}
	return nil
}

// FindPending returns tasks in any of |statuses| created at or after
// |since| (zero means any age), oldest first. It backs startup resume
// and the batch webhook.
func (s *TaskStore) FindPending(ctx context.Context, since time.Time, statuses ...Status) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var marks = make([]string, len(statuses))
	var args = make([]interface{}, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	var stmt = fmt.Sprintf(`SELECT * FROM tasks WHERE status IN (%s)`, strings.Join(marks, ","))
	if !since.IsZero() {
		stmt += ` AND created_at >= ?`
		args = append(args, since.UTC().Format(timeLayout))
	}
	rows, err := s.b.Query(ctx, stmt+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasksFromRows(rows), nil
}

// FindByMessage returns the tasks created from one chat message,
// which is how callback queries about a message find their tasks.
func (s *TaskStore) FindByMessage(ctx context.Context, chatID, messageID int64) ([]*Task, error) {
	rows, err := s.b.Query(ctx, `
		SELECT * FROM tasks WHERE chat_id = ? AND message_id = ?
		ORDER BY created_at`, chatID, messageID)
	if err != nil {
		return nil, fmt.Errorf("finding tasks of message %d: %w", messageID, err)
	}
	return tasksFromRows(rows), nil
}

// FindByGroup returns the tasks of one media album.
func (s *TaskStore) FindByGroup(ctx context.Context, groupID string) ([]*Task, error) {
	rows, err := s.b.Query(ctx, `
		SELECT * FROM tasks WHERE group_id = ? ORDER BY created_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("finding tasks of group %s: %w", groupID, err)
	}
	return tasksFromRows(rows), nil
}

// ListByUser returns the user's most recent tasks, newest first.
func (s *TaskStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Task, error) {
	rows, err := s.b.Query(ctx, `
		SELECT * FROM tasks WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks of user %d: %w", userID, err)
	}
	return tasksFromRows(rows), nil
}

// ActiveCountByUser counts the user's tasks that aren't terminal yet.
func (s *TaskStore) ActiveCountByUser(ctx context.Context, userID int64) (int, error) {
	rows, err := s.b.Query(ctx, fmt.Sprintf(
		`SELECT COUNT(*) AS n FROM tasks WHERE user_id = ? AND status NOT IN %s`,
		terminalList), userID)
	if err != nil {
		return 0, fmt.Errorf("counting active tasks of user %d: %w", userID, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(rows[0].int64("n")), nil
}

// FindDuplicate returns a live or recently completed task of the same
// user, file name, and byte size created within |window|, or nil. It
// backs the duplicate-transfer rejection.
func (s *TaskStore) FindDuplicate(ctx context.Context, userID int64, fileName string, fileSize int64, window time.Duration) (*Task, error) {
	var cutoff = s.clock().UTC().Add(-window).Format(timeLayout)
	rows, err := s.b.Query(ctx, fmt.Sprintf(`
		SELECT * FROM tasks
		WHERE user_id = ? AND file_name = ? AND file_size = ?
			AND status NOT IN ('%s','%s') AND created_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		StatusFailed, StatusCancelled),
		userID, fileName, fileSize, cutoff)
	if err != nil {
		return nil, fmt.Errorf("checking duplicates: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return taskFromRow(rows[0]), nil
}

// PruneOlderThan deletes terminal tasks last touched before |age| ago
// and returns how many were removed.
func (s *TaskStore) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	var cutoff = s.clock().UTC().Add(-age).Format(timeLayout)
	n, err := s.b.Exec(ctx, fmt.Sprintf(
		`DELETE FROM tasks WHERE status IN %s AND updated_at < ?`, terminalList), cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning tasks: %w", err)
	}
	return n, nil
}

func patchClauses(patch Patch) ([]string, []interface{}) {
	var sets []string
	var args []interface{}
	var add = func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.ReplyMessageID != nil {
		add("reply_message_id", *patch.ReplyMessageID)
	}
	if patch.DriveType != nil {
		add("drive_type", *patch.DriveType)
	}
	if patch.LocalPath != nil {
		add("local_path", *patch.LocalPath)
	}
	if patch.RemotePath != nil {
		add("remote_path", *patch.RemotePath)
	}
	if patch.Owner != nil {
		add("owner", *patch.Owner)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.Retries != nil {
		add("retries", *patch.Retries)
	}
	return sets, args
}

func taskFromRow(r row) *Task {
	return &Task{
		ID:             r.str("id"),
		UserID:         r.int64("user_id"),
		ChatID:         r.int64("chat_id"),
		MessageID:      r.int64("message_id"),
		ReplyMessageID: r.int64("reply_message_id"),
		GroupID:        r.str("group_id"),
		FileName:       r.str("file_name"),
		FileSize:       r.int64("file_size"),
		MimeType:       r.str("mime_type"),
		FileRef:        r.str("file_ref"),
		Status:         Status(r.str("status")),
		Progress:       r.float64("progress"),
		DriveType:      r.str("drive_type"),
		LocalPath:      r.str("local_path"),
		RemotePath:     r.str("remote_path"),
		Owner:          r.str("owner"),
		Error:          r.str("error"),
		Retries:        int(r.int64("retries")),
		CreatedAt:      r.time("created_at"),
		UpdatedAt:      r.time("updated_at"),
	}
}

func tasksFromRows(rows []row) []*Task {
	var tasks = make([]*Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, taskFromRow(r))
	}
	return tasks
}
