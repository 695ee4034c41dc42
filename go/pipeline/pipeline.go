// Package pipeline turns durable task rows into finished transfers.
// Deliveries from the durable queue drive each phase: the download
// phase resolves the source media, probes the user's drive and the
// local cache for a copy that makes the transfer unnecessary, and
// otherwise pulls bytes from the chat protocol onto disk; the upload
// phase streams the cached file to the user's drive. Phases run on
// auto-scaled worker pools under per-task leases, and every phase is
// idempotent because the queue redelivers on any non-2xx answer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/takaraflow/drive-collector-js-sub006/go/coordinator"
	"github.com/takaraflow/drive-collector-js-sub006/go/drives"
	"github.com/takaraflow/drive-collector-js-sub006/go/kvcache"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"github.com/takaraflow/drive-collector-js-sub006/go/queue"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
	"github.com/takaraflow/drive-collector-js-sub006/go/telegram"
)

const (
	// uiMinInterval is the floor between two edits of one task's
	// progress message.
	uiMinInterval = 3 * time.Second
	// dedupWindow is how far back task creation looks for an identical
	// live or recently finished transfer of the same user.
	dedupWindow = 24 * time.Hour
	// resolveBudget bounds resolving a file reference, retries included.
	resolveBudget = 120 * time.Second
)

// Size tolerance for matching a remote or cached file against the
// expected byte count. Thumbnails and container rewrites shift sizes a
// little, so small files allow a small slack and large files a larger
// one.
const (
	smallFileLimit     = 1 << 20
	smallFileTolerance = 10 << 10
	largeFileTolerance = 1 << 20
)

var (
	// ErrDuplicate reports that an identical transfer is already live
	// or recently finished for this user.
	ErrDuplicate = errors.New("duplicate transfer")
	// ErrNoDrive reports that the user has no drive bound.
	ErrNoDrive = errors.New("no drive bound")
	// ErrNotOwner reports a cancel attempt against another user's task.
	ErrNotOwner = errors.New("task belongs to another user")
)

// Chat is the slice of the protocol client the pipeline drives.
// *telegram.Client satisfies it.
type Chat interface {
	ResolveFile(ctx context.Context, fileRef string) (*telegram.RemoteFile, error)
	DownloadFile(ctx context.Context, file *telegram.RemoteFile, dst io.Writer, onProgress func(written int64)) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb *telegram.InlineKeyboard) error
}

// Config tunes the pipeline.
type Config struct {
	DownloadDir  string `long:"download-dir" env:"DOWNLOAD_DIR" default:"downloads" description:"Local cache directory for in-flight media"`
	RemoteFolder string `long:"remote-folder" env:"REMOTE_FOLDER" default:"telegram" description:"Folder on each drive that uploads land in"`
	MinWorkers   int    `long:"min-workers" env:"MIN_WORKERS" default:"1" description:"Worker floor of each transfer pool"`
	MaxWorkers   int    `long:"max-workers" env:"MAX_WORKERS" default:"4" description:"Worker ceiling of each transfer pool"`
}

// Manager owns the transfer state machine. Phase transitions are
// written through to the task store before any queue publish that
// depends on them; only high-frequency progress rides the coalescer.
type Manager struct {
	cfg     Config
	tasks   *store.TaskStore
	writer  *store.Coalescer
	drives  *store.DriveStore
	locks   *coordinator.Coordinator
	chat    Chat
	topics  *queue.Topics
	limiter *limits.Limiter

	downloads *pool
	uploads   *pool

	// buildProvider is a seam for tests; production uses drives.New.
	buildProvider func(ctx context.Context, typ string, credentials []byte, limiter *limits.Limiter) (drives.Provider, error)
	// transferRetry is the in-worker policy wrapped around one fetch or
	// upload. The durable queue retries beyond it.
	transferRetry limits.Policy

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	lastEdit map[string]time.Time

	clock func() time.Time
}

// New assembles a Manager over the shared store, coordinator, chat
// client, and queue topics.
func New(cfg Config, st *store.Store, locks *coordinator.Coordinator, chat Chat, topics *queue.Topics, limiter *limits.Limiter) *Manager {
	return &Manager{
		cfg:       cfg,
		tasks:     st.Tasks,
		writer:    store.NewCoalescer(st.Tasks),
		drives:    st.Drives,
		locks:     locks,
		chat:      chat,
		topics:    topics,
		limiter:   limiter,
		downloads: newPool(poolConfig{name: "download", min: cfg.MinWorkers, max: cfg.MaxWorkers}),
		uploads:   newPool(poolConfig{name: "upload", min: cfg.MinWorkers, max: cfg.MaxWorkers}),
		buildProvider: func(ctx context.Context, typ string, credentials []byte, limiter *limits.Limiter) (drives.Provider, error) {
			return drives.New(ctx, typ, credentials, limiter)
		},
		transferRetry: limits.Exponential(3, 2*time.Second, 30*time.Second),
		running:       make(map[string]context.CancelFunc),
		lastEdit:      make(map[string]time.Time),
		clock:         time.Now,
	}
}

// Run drives the pools, the progress coalescer, and the republish
// sweep until |ctx| is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("creating download dir: %w", err)
	}
	var eg, egCtx = errgroup.WithContext(ctx)
	eg.Go(func() error { m.writer.Run(egCtx); return nil })
	eg.Go(func() error { m.downloads.run(egCtx); return nil })
	eg.Go(func() error { m.uploads.run(egCtx); return nil })
	eg.Go(func() error { m.runSweep(egCtx); return nil })
	return eg.Wait()
}

// Snapshot is a point-in-time view of pipeline load for the status
// surface.
type Snapshot struct {
	DownloadWorkers int `json:"downloadWorkers"`
	DownloadBacklog int `json:"downloadBacklog"`
	UploadWorkers   int `json:"uploadWorkers"`
	UploadBacklog   int `json:"uploadBacklog"`
	InFlight        int `json:"inFlight"`
}

// Snapshot reports current worker counts, backlogs, and in-flight
// transfers.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	var inFlight = len(m.running)
	m.mu.Unlock()
	return Snapshot{
		DownloadWorkers: m.downloads.size(),
		DownloadBacklog: m.downloads.depth(),
		UploadWorkers:   m.uploads.size(),
		UploadBacklog:   m.uploads.depth(),
		InFlight:        inFlight,
	}
}

// providerFor builds the drive provider behind the user's default
// binding.
func (m *Manager) providerFor(ctx context.Context, userID int64) (drives.Provider, error) {
	binding, err := m.drives.GetDefault(ctx, userID)
	if errors.Is(err, store.ErrDriveNotFound) {
		return nil, ErrNoDrive
	} else if err != nil {
		return nil, err
	}
	return m.buildProvider(ctx, binding.Type, binding.Credentials, m.limiter)
}

// ListRemote lists the remote folder of the user's default drive, for
// the chat file browser.
func (m *Manager) ListRemote(ctx context.Context, userID int64, max int) ([]drives.FileInfo, error) {
	provider, err := m.providerFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	var listCtx, cancel = context.WithTimeout(ctx, drives.ProbeTimeout)
	defer cancel()
	return provider.List(listCtx, m.cfg.RemoteFolder, max)
}

// localName is the task's file name in the shared download cache. The
// dedup key digest keeps same-named files of different users apart;
// the original extension is kept for debuggability.
func (m *Manager) localName(task *store.Task) string {
	var digest = kvcache.DigestKey(
		strconv.FormatInt(task.UserID, 10),
		task.FileName,
		strconv.FormatInt(task.FileSize, 10),
	)
	return digest + strings.ToLower(filepath.Ext(task.FileName))
}

func (m *Manager) localPath(task *store.Task) string {
	return filepath.Join(m.cfg.DownloadDir, m.localName(task))
}

// remotePath is where the task lands on the drive.
func (m *Manager) remotePath(task *store.Task) string {
	return path.Join(m.cfg.RemoteFolder, task.FileName)
}

// tolerance returns the acceptable size slack for a file of |size|
// bytes.
func tolerance(size int64) int64 {
	if size <= smallFileLimit {
		return smallFileTolerance
	}
	return largeFileTolerance
}

// sizeMatches reports whether |got| is within tolerance of |want|.
func sizeMatches(got, want int64) bool {
	var diff = got - want
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance(want)
}

// track registers a cancellable context for an in-flight task phase so
// CancelTask and leadership loss can cut it.
func (m *Manager) track(ctx context.Context, taskID string) (context.Context, func()) {
	var runCtx, cancel = context.WithCancel(ctx)
	m.mu.Lock()
	m.running[taskID] = cancel
	m.mu.Unlock()
	return runCtx, func() {
		m.mu.Lock()
		delete(m.running, taskID)
		m.mu.Unlock()
		cancel()
	}
}

// abort cuts the running phase of |taskID|, if any, without touching
// its stored status.
func (m *Manager) abort(taskID string) {
	m.mu.Lock()
	var cancel = m.running[taskID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// unlockTask releases the task lease. It runs on its own context so
// the release still lands when the phase was cut by cancellation or
// shutdown; on failure the lease simply expires.
func (m *Manager) unlockTask(taskID string) {
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.locks.ReleaseTaskLock(ctx, taskID); err != nil {
		log.WithFields(log.Fields{"task": taskID, "err": err}).
			Warn("task lock release failed; the lease will expire")
	}
}
