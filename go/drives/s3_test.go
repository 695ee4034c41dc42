package drives

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// s3Stub speaks just enough path-style S3 REST for the SDK: HeadBucket,
// HeadObject, PutObject, and ListObjectsV2.
type s3Stub struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (s *s3Stub) handler(w http.ResponseWriter, r *http.Request) {
	var p = strings.TrimPrefix(r.URL.Path, "/")
	if !strings.HasPrefix(p, s.bucket) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var key = strings.Trim(strings.TrimPrefix(p, s.bucket), "/")

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		var body, ok = s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Header().Set("Last-Modified", "Fri, 21 Aug 2026 10:00:00 GMT")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		var body, _ = io.ReadAll(r.Body)
		s.objects[key] = body
		w.Header().Set("ETag", `"stub"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		var prefix = r.URL.Query().Get("prefix")
		var keys []string
		for k := range s.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&b, "<Name>%s</Name><IsTruncated>false</IsTruncated>", s.bucket)
		for _, k := range keys {
			fmt.Fprintf(&b,
				"<Contents><Key>%s</Key>"+
					"<LastModified>2026-08-21T10:00:00.000Z</LastModified>"+
					"<Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>",
				k, len(s.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, b.String())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3Drive(t *testing.T, stub *s3Stub, prefix string) Provider {
	t.Helper()
	var srv = httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	var creds, err = json.Marshal(s3Config{
		Bucket:          stub.bucket,
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
		Prefix:          prefix,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	p, err := New(context.Background(), "s3", creds, limits.NewLimiter(nil))
	require.NoError(t, err)
	return p
}

func TestS3RoundTrip(t *testing.T) {
	var ctx = context.Background()
	var stub = &s3Stub{bucket: "media-bucket", objects: make(map[string][]byte)}
	var drive = newS3Drive(t, stub, "media")

	require.NoError(t, drive.ValidateConfig(ctx))

	var payload = []byte("matroska bytes")
	require.NoError(t, drive.Upload(ctx, "shows/ep1.mkv",
		bytes.NewReader(payload), int64(len(payload))))
	require.Equal(t, payload, stub.objects["media/shows/ep1.mkv"],
		"drive prefix must be prepended to the object key")

	info, err := drive.RemoteFileInfo(ctx, "shows/ep1.mkv")
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), info.Size)
	require.Equal(t, "media/shows/ep1.mkv", info.Path)
	require.False(t, info.ModTime.IsZero())

	_, err = drive.RemoteFileInfo(ctx, "shows/ep2.mkv")
	require.ErrorIs(t, err, ErrRemoteNotFound)

	files, err := drive.List(ctx, "shows", 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "shows/ep1.mkv", files[0].Name,
		"listed names are relative to the drive prefix")
	require.Equal(t, int64(len(payload)), files[0].Size)
}

func TestS3ConfigRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), "s3",
		json.RawMessage(`{"region":"us-east-1"}`), limits.NewLimiter(nil))
	require.ErrorContains(t, err, "requires a bucket")
}
