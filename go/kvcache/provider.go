package kvcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// requestTimeout bounds every single provider round trip.
const requestTimeout = 5 * time.Second

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 8 << 20

func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

// ErrNotFound is returned by providers for keys that don't exist.
// The facade maps it to a nil value rather than an error.
var ErrNotFound = errors.New("key not found")

// Entry is one key/value pair of a bulk write.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration // Zero means no expiration.
}

// Provider is a remote KV backend. Implementations must be safe for
// concurrent use and must bound every call with a deadline. Values are
// UTF-8 text (JSON documents and short tokens), which keeps the REST
// backends interchangeable without an encoding layer.
type Provider interface {
	// Name identifies the provider in errors, logs, and metrics.
	Name() string
	// Get returns the value of |key|, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes |key| with an optional TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes |key|. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListKeys enumerates keys having |prefix|.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// BulkSet writes |entries| in a single pipelined operation.
	BulkSet(ctx context.Context, entries []Entry) error
	// Ping performs a cheap liveness check, used by failover recovery.
	Ping(ctx context.Context) error
}

// GetError wraps a provider read failure with its origin.
type GetError struct {
	Provider string
	Err      error
}

func (e *GetError) Error() string {
	return fmt.Sprintf("kv get via %s: %s", e.Provider, e.Err)
}
func (e *GetError) Unwrap() error { return e.Err }

// SetError wraps a provider write failure with its origin.
type SetError struct {
	Provider string
	Err      error
}

func (e *SetError) Error() string {
	return fmt.Sprintf("kv set via %s: %s", e.Provider, e.Err)
}
func (e *SetError) Unwrap() error { return e.Err }

// errorClass buckets provider failures for the failover state machine.
// Only quota and transport classes count toward a provider switch;
// validation errors always surface to the caller unchanged.
type errorClass int

const (
	classNone errorClass = iota
	classQuota
	classTransport
	classValidation
)

func (c errorClass) String() string {
	switch c {
	case classQuota:
		return "quota"
	case classTransport:
		return "transport"
	case classValidation:
		return "validation"
	default:
		return "none"
	}
}

// classifyError assigns a provider failure to its failover class.
func classifyError(err error) errorClass {
	if err == nil || errors.Is(err, ErrNotFound) {
		return classNone
	}

	var status *limits.StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == 429:
			return classQuota
		case status.Code >= 500:
			return classTransport
		case status.Code >= 400:
			if isQuotaMessage(status.Body) {
				return classQuota
			}
			return classValidation
		}
	}
	if isQuotaMessage(err.Error()) {
		return classQuota
	}
	if limits.Retryable(err) {
		return classTransport
	}
	return classValidation
}

// isQuotaMessage matches the quota phrasings of the supported backends:
// Cloudflare KV daily limits and Upstash request caps.
func isQuotaMessage(s string) bool {
	s = strings.ToLower(s)
	for _, m := range []string{"quota", "max requests limit exceeded", "daily limit", "rate limit"} {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
