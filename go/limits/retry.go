package limits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// StatusError is an HTTP-shaped failure from a remote collaborator.
// Providers surface non-2xx responses as StatusError so that retry and
// failover decisions can key off the code rather than message text.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration // Zero unless the response carried Retry-After.
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Policy bounds a retry loop. The zero Policy performs a single attempt.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool // Linear (delay·attempt) when false.
}

// Linear returns a linear-backoff policy.
func Linear(maxRetries int, base, max time.Duration) Policy {
	return Policy{MaxRetries: maxRetries, BaseDelay: base, MaxDelay: max}
}

// Exponential returns an exponential-backoff policy.
func Exponential(maxRetries int, base, max time.Duration) Policy {
	return Policy{MaxRetries: maxRetries, BaseDelay: base, MaxDelay: max, Exponential: true}
}

// delay computes the wait before |attempt| (1-based), with ±20% jitter.
func (p Policy) delay(attempt int) time.Duration {
	var d time.Duration
	if p.Exponential {
		d = time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	} else {
		d = p.BaseDelay * time.Duration(attempt)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d > 0 {
		d += time.Duration((rand.Float64()*0.4 - 0.2) * float64(d))
	}
	return d
}

// Retryable reports whether |err| is worth another attempt: timeouts,
// transport resets, 5xx, and 429 responses that carry Retry-After.
// Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == 429:
			return status.RetryAfter > 0
		case status.Code == 500 || status.Code == 503:
			return true
		case status.Code >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var msg = strings.ToLower(err.Error())
	for _, s := range []string{"timed out", "timeout", "connection reset", "connection refused", "temporary failure", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// retryAfter extracts a server-directed wait from |err|, or zero.
func retryAfter(err error) time.Duration {
	var status *StatusError
	if errors.As(err, &status) {
		return status.RetryAfter
	}
	return 0
}

// WithRetry runs |fn| under |policy|, sleeping between attempts. The
// final error is returned wrapped with the attempt count. A server
// Retry-After overrides the computed backoff for that attempt.
func WithRetry(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	var err error

	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= policy.MaxRetries || !Retryable(err) {
			break
		}

		var wait = policy.delay(attempt + 1)
		if ra := retryAfter(err); ra > 0 {
			wait = ra
		}
		retryCounter.Inc()
		log.WithFields(log.Fields{
			"attempt": attempt + 1,
			"wait":    wait.Seconds(),
			"err":     err,
		}).Debug("retrying after transient failure")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if policy.MaxRetries > 0 && Retryable(err) {
		return fmt.Errorf("after %d attempts: %w", policy.MaxRetries+1, err)
	}
	return err
}
