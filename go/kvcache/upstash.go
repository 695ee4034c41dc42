package kvcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// UpstashConfig locates an Upstash Redis REST endpoint.
type UpstashConfig struct {
	URL   string `long:"upstash-url" env:"UPSTASH_REDIS_REST_URL" description:"Upstash Redis REST endpoint"`
	Token string `long:"upstash-token" env:"UPSTASH_REDIS_REST_TOKEN" description:"Upstash Redis REST token"`
}

// Configured reports whether all required fields are present.
func (c UpstashConfig) Configured() bool { return c.URL != "" && c.Token != "" }

// Upstash is a Provider speaking the Upstash Redis REST protocol:
// commands are posted as JSON arrays, pipelines as arrays of arrays.
type Upstash struct {
	base  string
	token string
	http  *http.Client
}

var _ Provider = (*Upstash)(nil)

// NewUpstash builds an Upstash REST provider from |cfg|.
func NewUpstash(cfg UpstashConfig) (*Upstash, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("upstash requires both URL and token")
	}
	return &Upstash{
		base:  strings.TrimRight(cfg.URL, "/"),
		token: cfg.Token,
		http:  limits.NewHTTPClient(requestTimeout),
	}, nil
}

func (u *Upstash) Name() string { return "upstash" }

func (u *Upstash) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := u.command(ctx, []string{"GET", key})
	if err != nil {
		return nil, err
	}
	if bytes.Equal(result, []byte("null")) {
		return nil, ErrNotFound
	}
	var value string
	if err = json.Unmarshal(result, &value); err != nil {
		return nil, fmt.Errorf("decoding GET result: %w", err)
	}
	return []byte(value), nil
}

func (u *Upstash) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd = []string{"SET", key, string(value)}
	if ttl > 0 {
		cmd = append(cmd, "EX", strconv.Itoa(int(ttl.Seconds())))
	}
	var _, err = u.command(ctx, cmd)
	return err
}

func (u *Upstash) Delete(ctx context.Context, key string) error {
	var _, err = u.command(ctx, []string{"DEL", key})
	return err
}

func (u *Upstash) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor = "0"
	for {
		result, err := u.command(ctx, []string{"SCAN", cursor, "MATCH", prefix + "*", "COUNT", "1000"})
		if err != nil {
			return nil, err
		}
		var page []json.RawMessage
		if err = json.Unmarshal(result, &page); err != nil || len(page) != 2 {
			return nil, fmt.Errorf("decoding SCAN result: %w", err)
		}
		var batch []string
		if err = json.Unmarshal(page[0], &cursor); err != nil {
			return nil, fmt.Errorf("decoding SCAN cursor: %w", err)
		}
		if err = json.Unmarshal(page[1], &batch); err != nil {
			return nil, fmt.Errorf("decoding SCAN keys: %w", err)
		}
		keys = append(keys, batch...)
		if cursor == "0" {
			return keys, nil
		}
	}
}

func (u *Upstash) BulkSet(ctx context.Context, entries []Entry) error {
	var cmds = make([][]string, 0, len(entries))
	for _, e := range entries {
		var cmd = []string{"SET", e.Key, string(e.Value)}
		if e.TTL > 0 {
			cmd = append(cmd, "EX", strconv.Itoa(int(e.TTL.Seconds())))
		}
		cmds = append(cmds, cmd)
	}
	results, err := u.post(ctx, u.base+"/pipeline", cmds)
	if err != nil {
		return err
	}
	var replies []upstashReply
	if err = json.Unmarshal(results, &replies); err != nil {
		return fmt.Errorf("decoding pipeline result: %w", err)
	}
	for i, r := range replies {
		if r.Error != "" {
			return fmt.Errorf("pipeline command %d: %s", i, r.Error)
		}
	}
	return nil
}

func (u *Upstash) Ping(ctx context.Context) error {
	var _, err = u.command(ctx, []string{"PING"})
	return err
}

type upstashReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// command executes one Redis command and returns its raw result.
func (u *Upstash) command(ctx context.Context, cmd []string) (json.RawMessage, error) {
	body, err := u.post(ctx, u.base, cmd)
	if err != nil {
		return nil, err
	}
	var reply upstashReply
	if err = json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decoding %s reply: %w", cmd[0], err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("upstash %s: %s", cmd[0], reply.Error)
	}
	return reply.Result, nil
}

func (u *Upstash) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstash request: %w", err)
	}
	defer resp.Body.Close()

	if err = limits.ErrorFromResponse(resp); err != nil {
		return nil, err
	}
	return readBody(resp)
}
