package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// downloadChunk is the copy granularity; progress callbacks fire at
// this cadence.
const downloadChunk = 128 * 1024

// ErrSourceGone marks a file reference the gateway no longer resolves.
var ErrSourceGone = errors.New("source file is gone")

// RemoteFile locates a resolvable file on the gateway's file farm.
type RemoteFile struct {
	Ref  string
	Path string
	Size int64
}

// ResolveFile exchanges a stored file reference for a downloadable
// path and the authoritative size. A reference the gateway rejects
// maps to ErrSourceGone: the source message or its media was deleted.
func (c *Client) ResolveFile(ctx context.Context, fileRef string) (*RemoteFile, error) {
	var params = struct {
		FileID string `json:"file_id"`
	}{fileRef}

	var result struct {
		FileID   string `json:"file_id"`
		FileSize int64  `json:"file_size"`
		FilePath string `json:"file_path"`
	}
	if err := c.call(ctx, limits.TierHigh, "getFile", params, &result); err != nil {
		var status *limits.StatusError
		if errors.As(err, &status) && (status.Code == 400 || status.Code == 404) {
			return nil, fmt.Errorf("%w: %s", ErrSourceGone, status.Body)
		}
		return nil, err
	}
	if result.FilePath == "" {
		return nil, ErrSourceGone
	}
	return &RemoteFile{Ref: fileRef, Path: result.FilePath, Size: result.FileSize}, nil
}

// DownloadFile streams |file| into |dst|. |onProgress|, if non-nil,
// receives the cumulative byte count as the copy advances. The
// returned count is the total written, also on error.
func (c *Client) DownloadFile(ctx context.Context, file *RemoteFile, dst io.Writer, onProgress func(written int64)) (int64, error) {
	if err := c.limiter.Acquire(ctx, limits.TierNormal); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+file.Path, nil)
	if err != nil {
		return 0, fmt.Errorf("building download request: %w", err)
	}
	// Downloads bypass the JSON envelope; the body is the file.
	resp, err := c.streamer.Do(req)
	if err != nil {
		return 0, fmt.Errorf("starting download of %s: %w", file.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrSourceGone, file.Path)
	}
	if err = limits.ErrorFromResponse(resp); err != nil {
		return 0, err
	}

	var written int64
	var buf = make([]byte, downloadChunk)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("writing download chunk: %w", writeErr)
			}
			written += int64(n)
			bytesDownloaded.Add(float64(n))
			if onProgress != nil {
				onProgress(written)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("reading download stream: %w", readErr)
		}
	}
	return written, nil
}
