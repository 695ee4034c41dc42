package limits

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response is retained for
// logging and classification.
const maxErrorBody = 512

// ErrorFromResponse returns nil for a 2xx response, and otherwise a
// StatusError holding the status code, a truncated body, and any
// Retry-After hint. It reads from resp.Body but doesn't close it.
func ErrorFromResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var retryAfter time.Duration
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(s); err == nil {
			if d := time.Until(at); d > 0 {
				retryAfter = d
			}
		}
	}
	return &StatusError{
		Code:       resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: retryAfter,
	}
}
