package kvcache

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// cloudflareMinTTL is the smallest expiration Workers KV accepts.
// Shorter requested TTLs are clamped up rather than rejected.
const cloudflareMinTTL = 60 * time.Second

// CloudflareConfig locates a Workers KV namespace.
type CloudflareConfig struct {
	AccountID   string `long:"cf-kv-account-id" env:"CF_KV_ACCOUNT_ID" description:"Cloudflare account of the KV namespace"`
	NamespaceID string `long:"cf-kv-namespace-id" env:"CF_KV_NAMESPACE_ID" description:"Workers KV namespace identifier"`
	Token       string `long:"cf-kv-token" env:"CF_KV_TOKEN" description:"API token with KV read/write access"`
}

// Configured reports whether all required fields are present.
func (c CloudflareConfig) Configured() bool {
	return c.AccountID != "" && c.NamespaceID != "" && c.Token != ""
}

// Cloudflare is a Provider backed by the Workers KV REST API.
type Cloudflare struct {
	base  string
	token string
	http  *http.Client
}

var _ Provider = (*Cloudflare)(nil)

// NewCloudflare builds a Workers KV provider from |cfg|.
func NewCloudflare(cfg CloudflareConfig) (*Cloudflare, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("cloudflare KV requires account, namespace, and token")
	}
	return &Cloudflare{
		base: fmt.Sprintf("https://api.cloudflare.com/client/v4/accounts/%s/storage/kv/namespaces/%s",
			cfg.AccountID, cfg.NamespaceID),
		token: cfg.Token,
		http:  limits.NewHTTPClient(requestTimeout),
	}, nil
}

func (c *Cloudflare) Name() string { return "cloudflare" }

func (c *Cloudflare) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.valueURL(key), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err = limits.ErrorFromResponse(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Cloudflare) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var u = c.valueURL(key)
	if ttl > 0 {
		if ttl < cloudflareMinTTL {
			ttl = cloudflareMinTTL
		}
		u += fmt.Sprintf("?expiration_ttl=%d", int(ttl.Seconds()))
	}
	resp, err := c.do(ctx, http.MethodPut, u, bytes.NewReader(value), "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return limits.ErrorFromResponse(resp)
}

func (c *Cloudflare) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.valueURL(key), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return limits.ErrorFromResponse(resp)
}

func (c *Cloudflare) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor string
	for {
		var u = fmt.Sprintf("%s/keys?limit=1000&prefix=%s", c.base, url.QueryEscape(prefix))
		if cursor != "" {
			u += "&cursor=" + url.QueryEscape(cursor)
		}
		resp, err := c.do(ctx, http.MethodGet, u, nil, "")
		if err != nil {
			return nil, err
		}
		var page struct {
			Result []struct {
				Name string `json:"name"`
			} `json:"result"`
			ResultInfo struct {
				Cursor string `json:"cursor"`
			} `json:"result_info"`
		}
		if err = limits.ErrorFromResponse(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding key listing: %w", err)
		}
		for _, k := range page.Result {
			keys = append(keys, k.Name)
		}
		if cursor = page.ResultInfo.Cursor; cursor == "" {
			return keys, nil
		}
	}
}

func (c *Cloudflare) BulkSet(ctx context.Context, entries []Entry) error {
	type bulkEntry struct {
		Key           string `json:"key"`
		Value         string `json:"value"`
		Base64        bool   `json:"base64"`
		ExpirationTTL int64  `json:"expiration_ttl,omitempty"`
	}
	var body = make([]bulkEntry, 0, len(entries))
	for _, e := range entries {
		var ttl = e.TTL
		if ttl > 0 && ttl < cloudflareMinTTL {
			ttl = cloudflareMinTTL
		}
		body = append(body, bulkEntry{
			Key:           e.Key,
			Value:         base64.StdEncoding.EncodeToString(e.Value),
			Base64:        true,
			ExpirationTTL: int64(ttl.Seconds()),
		})
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("encoding bulk write: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, c.base+"/bulk", &buf, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return limits.ErrorFromResponse(resp)
}

func (c *Cloudflare) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.base+"/keys?limit=1", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return limits.ErrorFromResponse(resp)
}

func (c *Cloudflare) valueURL(key string) string {
	return c.base + "/values/" + url.PathEscape(key)
}

func (c *Cloudflare) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudflare KV %s: %w", method, err)
	}
	return resp, nil
}
