// Package drives implements the cloud storage backends a user can
// bind: Google Cloud Storage, S3-compatible object stores, and WebDAV
// servers. Every backend satisfies the same Provider contract; the
// pipeline neither knows nor cares which one a task targets.
package drives

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// ProbeTimeout bounds metadata calls (validation, stat). Uploads run
// under the task's own context instead.
const ProbeTimeout = 15 * time.Second

// ErrRemoteNotFound is returned by RemoteFileInfo for absent objects.
var ErrRemoteNotFound = errors.New("remote file not found")

// FileInfo describes one remote object.
type FileInfo struct {
	Name    string    // base name within the drive
	Path    string    // full remote path
	Size    int64     // bytes
	ModTime time.Time // zero when the backend doesn't report one
}

// Provider is the fixed contract every drive backend implements.
type Provider interface {
	// Type names the backend.
	Type() string
	// ValidateConfig verifies credentials and reachability. It is
	// called when a user binds the drive, before anything is stored.
	ValidateConfig(ctx context.Context) error
	// RemoteFileInfo stats |remotePath|, returning ErrRemoteNotFound
	// for absent objects.
	RemoteFileInfo(ctx context.Context, remotePath string) (*FileInfo, error)
	// Upload streams |r| to |remotePath|. |size| is advisory; backends
	// that need an exact length get it from the pipeline's stat of the
	// local file.
	Upload(ctx context.Context, remotePath string, r io.Reader, size int64) error
	// List returns up to |max| objects under |prefix|, in the
	// backend's listing order.
	List(ctx context.Context, prefix string, max int) ([]FileInfo, error)
}

// New builds a Provider from a drive binding's type and credentials
// blob. The credentials schema is per-type; see each backend's config
// struct.
func New(ctx context.Context, typ string, credentials json.RawMessage, limiter *limits.Limiter) (Provider, error) {
	switch typ {
	case "gcs":
		return newGCS(ctx, credentials, limiter)
	case "s3":
		return newS3(credentials, limiter)
	case "webdav":
		return newWebDAV(credentials, limiter)
	default:
		return nil, fmt.Errorf("unsupported drive type %q", typ)
	}
}

// Types lists the supported backends, for the bind flow's keyboard.
func Types() []string { return []string{"gcs", "s3", "webdav"} }

// joinRemote joins a configured prefix with a task's remote path,
// normalizing duplicate slashes.
func joinRemote(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	name = strings.TrimLeft(name, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
