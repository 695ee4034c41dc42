package drives

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// gcsConfig is the credentials blob of a "gcs" drive binding.
type gcsConfig struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
	// CredentialsJSON is a service-account key. Empty means
	// application default credentials.
	CredentialsJSON string `json:"credentialsJson"`
}

type gcsDrive struct {
	bucket  *storage.BucketHandle
	prefix  string
	limiter *limits.Limiter
}

func newGCS(ctx context.Context, credentials json.RawMessage, limiter *limits.Limiter) (*gcsDrive, error) {
	var cfg gcsConfig
	if err := json.Unmarshal(credentials, &cfg); err != nil {
		return nil, fmt.Errorf("parsing gcs credentials: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs drive requires a bucket")
	}

	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building gcs client: %w", err)
	}
	return &gcsDrive{
		bucket:  client.Bucket(cfg.Bucket),
		prefix:  cfg.Prefix,
		limiter: limiter,
	}, nil
}

func (d *gcsDrive) Type() string { return "gcs" }

func (d *gcsDrive) ValidateConfig(ctx context.Context) error {
	if err := d.limiter.Acquire(ctx, limits.TierHigh); err != nil {
		return err
	}
	if _, err := d.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("probing gcs bucket: %w", err)
	}
	return nil
}

func (d *gcsDrive) RemoteFileInfo(ctx context.Context, remotePath string) (*FileInfo, error) {
	if err := d.limiter.Acquire(ctx, limits.TierHigh); err != nil {
		return nil, err
	}
	var attrs, err = d.bucket.Object(joinRemote(d.prefix, remotePath)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrRemoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statting gcs object %s: %w", remotePath, err)
	}
	return &FileInfo{
		Name:    remotePath,
		Path:    attrs.Name,
		Size:    attrs.Size,
		ModTime: attrs.Updated,
	}, nil
}

func (d *gcsDrive) Upload(ctx context.Context, remotePath string, r io.Reader, size int64) error {
	if err := d.limiter.Acquire(ctx, limits.TierNormal); err != nil {
		return err
	}
	var w = d.bucket.Object(joinRemote(d.prefix, remotePath)).NewWriter(ctx)
	// Stream in one shot rather than buffered resumable chunks; the
	// source is a local file, so a failed upload is simply retried.
	w.ChunkSize = 0

	var n, err = io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		uploads.WithLabelValues("gcs", "error").Inc()
		return fmt.Errorf("streaming to gcs object %s: %w", remotePath, err)
	}
	if err = w.Close(); err != nil {
		uploads.WithLabelValues("gcs", "error").Inc()
		return fmt.Errorf("finalizing gcs object %s: %w", remotePath, err)
	}
	uploads.WithLabelValues("gcs", "ok").Inc()
	uploadedBytes.WithLabelValues("gcs").Add(float64(n))
	return nil
}

func (d *gcsDrive) List(ctx context.Context, prefix string, max int) ([]FileInfo, error) {
	if err := d.limiter.Acquire(ctx, limits.TierNormal); err != nil {
		return nil, err
	}
	var it = d.bucket.Objects(ctx, &storage.Query{
		Prefix: joinRemote(d.prefix, prefix),
	})
	var out []FileInfo
	for len(out) < max {
		var attrs, err = it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gcs objects: %w", err)
		}
		out = append(out, FileInfo{
			Name:    strings.TrimPrefix(attrs.Name, joinRemote(d.prefix, "")),
			Path:    attrs.Name,
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}
	return out, nil
}
