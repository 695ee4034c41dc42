package drives

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// webdavConfig is the credentials blob of a "webdav" drive binding.
// URL is the collection everything is stored under.
type webdavConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type webdavDrive struct {
	base     string
	user     string
	pass     string
	http     *http.Client
	streamer *http.Client
	limiter  *limits.Limiter
}

func newWebDAV(raw json.RawMessage, limiter *limits.Limiter) (*webdavDrive, error) {
	var cfg webdavConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing webdav credentials: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("webdav drive requires a url")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parsing webdav url: %w", err)
	}
	return &webdavDrive{
		base: strings.TrimSuffix(cfg.URL, "/"),
		user: cfg.Username,
		pass: cfg.Password,
		http: limits.NewHTTPClient(ProbeTimeout),
		// Uploads stream under the task context, not a fixed timeout.
		streamer: limits.NewHTTPClient(0),
		limiter:  limiter,
	}, nil
}

func (d *webdavDrive) Type() string { return "webdav" }

func (d *webdavDrive) ValidateConfig(ctx context.Context) error {
	if err := d.limiter.Acquire(ctx, limits.TierHigh); err != nil {
		return err
	}
	resp, err := d.do(ctx, d.http, "OPTIONS", d.base+"/", nil, nil)
	if err != nil {
		return fmt.Errorf("probing webdav server: %w", err)
	}
	defer resp.Body.Close()
	if err = limits.ErrorFromResponse(resp); err != nil {
		return fmt.Errorf("probing webdav server: %w", err)
	}
	return nil
}

func (d *webdavDrive) RemoteFileInfo(ctx context.Context, remotePath string) (*FileInfo, error) {
	if err := d.limiter.Acquire(ctx, limits.TierHigh); err != nil {
		return nil, err
	}
	resp, err := d.do(ctx, d.http, http.MethodHead, d.fileURL(remotePath), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("statting webdav file %s: %w", remotePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRemoteNotFound
	}
	if err = limits.ErrorFromResponse(resp); err != nil {
		return nil, err
	}
	var info = &FileInfo{Name: path.Base(remotePath), Path: remotePath}
	if n, parseErr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); parseErr == nil {
		info.Size = n
	}
	if t, parseErr := http.ParseTime(resp.Header.Get("Last-Modified")); parseErr == nil {
		info.ModTime = t
	}
	return info, nil
}

func (d *webdavDrive) Upload(ctx context.Context, remotePath string, r io.Reader, size int64) error {
	if err := d.limiter.Acquire(ctx, limits.TierNormal); err != nil {
		return err
	}
	d.ensureCollections(ctx, remotePath)

	resp, err := d.do(ctx, d.streamer, http.MethodPut, d.fileURL(remotePath), r, func(req *http.Request) {
		if size > 0 {
			req.ContentLength = size
		}
		req.Header.Set("Content-Type", "application/octet-stream")
	})
	if err != nil {
		uploads.WithLabelValues("webdav", "error").Inc()
		return fmt.Errorf("uploading webdav file %s: %w", remotePath, err)
	}
	defer resp.Body.Close()
	if err = limits.ErrorFromResponse(resp); err != nil {
		uploads.WithLabelValues("webdav", "error").Inc()
		return fmt.Errorf("uploading webdav file %s: %w", remotePath, err)
	}
	uploads.WithLabelValues("webdav", "ok").Inc()
	uploadedBytes.WithLabelValues("webdav").Add(float64(size))
	return nil
}

// ensureCollections creates the parent directories of |remotePath|.
// Failures are deferred to the PUT, which reports them coherently.
func (d *webdavDrive) ensureCollections(ctx context.Context, remotePath string) {
	var parts = strings.Split(strings.Trim(remotePath, "/"), "/")
	for i := 1; i < len(parts); i++ {
		var dir = strings.Join(parts[:i], "/")
		resp, err := d.do(ctx, d.http, "MKCOL", d.fileURL(dir)+"/", nil, nil)
		if err != nil {
			log.WithFields(log.Fields{"dir": dir, "err": err}).
				Debug("webdav MKCOL failed")
			return
		}
		resp.Body.Close()
	}
}

type davMultistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string    `xml:"href"`
	Propstat []davStat `xml:"propstat"`
}

type davStat struct {
	Length     string    `xml:"prop>getcontentlength"`
	Modified   string    `xml:"prop>getlastmodified"`
	Collection *xml.Name `xml:"prop>resourcetype>collection"`
}

func (d *webdavDrive) List(ctx context.Context, prefix string, max int) ([]FileInfo, error) {
	if err := d.limiter.Acquire(ctx, limits.TierNormal); err != nil {
		return nil, err
	}
	var target = d.base + "/"
	if prefix != "" {
		target = d.fileURL(prefix) + "/"
	}
	resp, err := d.do(ctx, d.http, "PROPFIND", target, nil, func(req *http.Request) {
		req.Header.Set("Depth", "1")
	})
	if err != nil {
		return nil, fmt.Errorf("listing webdav collection: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, limits.ErrorFromResponse(resp)
	}

	var status davMultistatus
	if err = xml.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding webdav listing: %w", err)
	}

	var out []FileInfo
	for _, r := range status.Responses {
		if len(out) >= max {
			break
		}
		var href = r.Href
		if u, parseErr := url.PathUnescape(href); parseErr == nil {
			href = u
		}
		if strings.HasSuffix(href, "/") {
			continue // the collection itself, or a sub-collection
		}
		var info = FileInfo{Name: path.Base(href), Path: strings.TrimPrefix(href, "/")}
		for _, stat := range r.Propstat {
			if stat.Collection != nil {
				info.Name = ""
				break
			}
			if n, parseErr := strconv.ParseInt(stat.Length, 10, 64); parseErr == nil {
				info.Size = n
			}
			if t, parseErr := http.ParseTime(stat.Modified); parseErr == nil {
				info.ModTime = t
			}
		}
		if info.Name == "" {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// fileURL escapes each path segment of |remotePath| under the base.
func (d *webdavDrive) fileURL(remotePath string) string {
	var parts = strings.Split(strings.Trim(remotePath, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return d.base + "/" + strings.Join(parts, "/")
}

func (d *webdavDrive) do(ctx context.Context, client *http.Client, method, target string, body io.Reader, mutate func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if d.user != "" {
		req.SetBasicAuth(d.user, d.pass)
	}
	if mutate != nil {
		mutate(req)
	}
	return client.Do(req)
}
