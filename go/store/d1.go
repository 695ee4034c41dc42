package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// d1Timeout bounds one D1 query round trip.
const d1Timeout = 10 * time.Second

// D1Config locates a Cloudflare D1 database.
type D1Config struct {
	AccountID  string `long:"cf-d1-account-id" env:"CF_D1_ACCOUNT_ID" description:"Cloudflare account of the D1 database"`
	DatabaseID string `long:"cf-d1-database-id" env:"CF_D1_DATABASE_ID" description:"D1 database identifier"`
	Token      string `long:"cf-d1-token" env:"CF_D1_TOKEN" description:"API token with D1 access"`
}

// Configured reports whether all required fields are present.
func (c D1Config) Configured() bool {
	return c.AccountID != "" && c.DatabaseID != "" && c.Token != ""
}

// d1Backend executes statements against the D1 HTTP query API. D1 runs
// SQLite, so the store's statements work unchanged.
type d1Backend struct {
	url   string
	token string
	http  *http.Client
}

var _ backend = (*d1Backend)(nil)

// OpenD1 opens a store over a Cloudflare D1 database.
func OpenD1(ctx context.Context, cfg D1Config) (*Store, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("d1 requires account, database, and token")
	}
	var store = newStore(&d1Backend{
		url: fmt.Sprintf("https://api.cloudflare.com/client/v4/accounts/%s/d1/database/%s/query",
			cfg.AccountID, cfg.DatabaseID),
		token: cfg.Token,
		http:  limits.NewHTTPClient(d1Timeout),
	})
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (b *d1Backend) Name() string { return "d1" }

type d1Response struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result []struct {
		Success bool  `json:"success"`
		Results []row `json:"results"`
		Meta    struct {
			Changes int64 `json:"changes"`
		} `json:"meta"`
	} `json:"result"`
}

func (b *d1Backend) Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	resp, err := b.query(ctx, stmt, args)
	if err != nil {
		return 0, err
	}
	if len(resp.Result) == 0 {
		return 0, nil
	}
	return resp.Result[0].Meta.Changes, nil
}

func (b *d1Backend) Query(ctx context.Context, stmt string, args ...interface{}) ([]row, error) {
	resp, err := b.query(ctx, stmt, args)
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	return resp.Result[0].Results, nil
}

func (b *d1Backend) Close() error { return nil }

func (b *d1Backend) query(ctx context.Context, stmt string, args []interface{}) (*d1Response, error) {
	var body bytes.Buffer
	var err = json.NewEncoder(&body).Encode(map[string]interface{}{
		"sql":    stmt,
		"params": args,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding d1 query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, &body)
	if err != nil {
		return nil, fmt.Errorf("building d1 request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying d1: %w", err)
	}
	defer httpResp.Body.Close()

	if err = limits.ErrorFromResponse(httpResp); err != nil {
		return nil, err
	}
	var resp d1Response
	if err = json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding d1 response: %w", err)
	}
	if !resp.Success {
		var msg = "unknown error"
		if len(resp.Errors) != 0 {
			msg = resp.Errors[0].Message
		}
		return nil, fmt.Errorf("d1 query failed: %s", msg)
	}
	return &resp, nil
}
