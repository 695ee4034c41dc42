// Package protocol supervises the long-lived chat connection: it
// classifies wire errors, guards calls with a circuit breaker, runs a
// liveness watchdog, and drives reconnection with per-kind backoff.
// Exactly one instance runs a Supervisor at a time, gated by the
// coordinator's leader lock.
package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// Kind is the classified category of a protocol error.
type Kind string

const (
	KindTimeout           Kind = "TIMEOUT"
	KindNotConnected      Kind = "NOT_CONNECTED"
	KindConnectionLost    Kind = "CONNECTION_LOST"
	KindAuthKeyDuplicated Kind = "AUTH_KEY_DUPLICATED"
	KindBinaryReader      Kind = "BINARY_READER"
	KindNetwork           Kind = "NETWORK"
	KindRPCError          Kind = "RPC_ERROR"
	KindUnknown           Kind = "UNKNOWN"
)

// Classify maps |err| onto the closed set of Kinds. Matching uses
// status codes where the transport surfaces them and falls back to
// message substrings, since the wire library wraps most failures in
// plain errors.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var status *limits.StatusError
	if errors.As(err, &status) {
		switch {
		// 406 is the wire library's duplicated-session code; the HTTP
		// gateway reports the same condition as 409 Conflict when two
		// pollers share one token.
		case status.Code == 406 || status.Code == 409:
			return KindAuthKeyDuplicated
		case status.Code == 408:
			return KindTimeout
		case status.Code >= 500:
			return KindNetwork
		case status.Code >= 400:
			return KindRPCError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnectionLost
	}

	var msg = strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth_key_duplicated"):
		return KindAuthKeyDuplicated
	case strings.Contains(msg, "readuint32le"), strings.Contains(msg, "readint32le"):
		return KindBinaryReader
	case strings.Contains(msg, "etimedout"),
		strings.Contains(msg, "econnreset"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "not connected"),
		strings.Contains(msg, "disconnected"):
		return KindNotConnected
	case strings.Contains(msg, "connection lost"),
		strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "broken pipe"):
		return KindConnectionLost
	case strings.Contains(msg, "econnrefused"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "ehostunreach"),
		strings.Contains(msg, "enetunreach"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"):
		return KindNetwork
	case strings.Contains(msg, "rpc"),
		strings.Contains(msg, "flood_wait"):
		return KindRPCError
	default:
		return KindUnknown
	}
}

// Recoverable reports whether reconnecting can fix errors of |kind|.
// A duplicated auth key cannot be fixed here: another client owns the
// session, and only a leadership change resolves that.
func Recoverable(kind Kind) bool { return kind != KindAuthKeyDuplicated }

// ShouldResetSession reports whether the client's session state must
// be destroyed before reconnecting. Corrupt reads and duplicated keys
// always require it; timeouts only once they look systemic.
func ShouldResetSession(kind Kind, failureCount int) bool {
	switch kind {
	case KindBinaryReader, KindAuthKeyDuplicated:
		return true
	case KindTimeout:
		return failureCount >= 3
	default:
		return false
	}
}

// ReconnectType selects how much of the client to rebuild.
type ReconnectType string

const (
	// ReconnectLightweight re-dials on the existing session.
	ReconnectLightweight ReconnectType = "lightweight"
	// ReconnectFull tears down the transport and starts over.
	ReconnectFull ReconnectType = "full"
)

// Reconnect is the plan for one reconnection attempt.
type Reconnect struct {
	Type        ReconnectType
	Delay       time.Duration
	MaxRetries  int
	ShouldRetry bool
}

type strategyRow struct {
	typ        ReconnectType
	baseDelay  time.Duration
	multiplier float64
	maxDelay   time.Duration
	maxRetries int
	retry      bool
}

var strategyTable = map[Kind]strategyRow{
	KindTimeout:           {ReconnectLightweight, time.Second, 2, 30 * time.Second, 10, true},
	KindNotConnected:      {ReconnectLightweight, 2 * time.Second, 2, 60 * time.Second, 10, true},
	KindConnectionLost:    {ReconnectLightweight, time.Second, 2, 30 * time.Second, 15, true},
	KindBinaryReader:      {ReconnectFull, 3 * time.Second, 2, 60 * time.Second, 5, true},
	KindNetwork:           {ReconnectFull, 5 * time.Second, 2, 2 * time.Minute, 8, true},
	KindRPCError:          {ReconnectLightweight, 2 * time.Second, 2, 60 * time.Second, 5, true},
	KindAuthKeyDuplicated: {ReconnectFull, time.Minute, 2, 10 * time.Minute, 1, false},
	KindUnknown:           {ReconnectFull, 5 * time.Second, 2, 60 * time.Second, 5, true},
}

// Strategy returns the reconnect plan for the |failureCount|'th
// consecutive failure of |kind|. Delay grows exponentially from the
// kind's base, capped at its ceiling.
func Strategy(kind Kind, failureCount int) Reconnect {
	var row, ok = strategyTable[kind]
	if !ok {
		row = strategyTable[KindUnknown]
	}
	var delay = row.baseDelay
	for i := 0; i < failureCount; i++ {
		delay = time.Duration(float64(delay) * row.multiplier)
		if delay >= row.maxDelay {
			delay = row.maxDelay
			break
		}
	}
	return Reconnect{
		Type:        row.typ,
		Delay:       delay,
		MaxRetries:  row.maxRetries,
		ShouldRetry: row.retry,
	}
}
