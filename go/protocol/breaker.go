package protocol

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 60 * time.Second
)

// OpenError is returned by Execute while the breaker is open. Wait is
// the time remaining until the next half-open probe is allowed.
type OpenError struct {
	Wait time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker OPEN, wait %ds", int(math.Ceil(e.Wait.Seconds())))
}

// BreakerConfig tunes the protocol circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit when the failure kind carries no override.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before allowing a
	// single half-open probe.
	OpenTimeout time.Duration
}

// Breaker guards protocol calls. Execute is the only path through it:
// successes and failures update the underlying state machine, and a
// run of consecutive failures opens the circuit. How long a run is
// tolerated depends on the classified kind of the latest failure: a
// duplicated auth key opens immediately, network errors get the
// longest rope, and other recoverable kinds sit in between.
type Breaker struct {
	cb          *gobreaker.CircuitBreaker
	openTimeout time.Duration
	clock       func() time.Time

	mu       sync.Mutex
	lastKind Kind
	openedAt time.Time
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	var b = &Breaker{
		openTimeout: cfg.OpenTimeout,
		clock:       time.Now,
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "protocol",
		MaxRequests: 1, // single half-open probe
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.tripThreshold(cfg.FailureThreshold)
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// Execute runs |fn| through the breaker. While open it fails fast
// with an *OpenError instead of calling |fn|.
func (b *Breaker) Execute(fn func() error) error {
	var _, err = b.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			b.noteFailure(Classify(err))
			return nil, err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &OpenError{Wait: b.remainingOpen()}
	}
	return err
}

// State reports the current breaker state as "closed", "half-open",
// or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) noteFailure(kind Kind) {
	classifiedErrors.WithLabelValues(string(kind)).Inc()
	b.mu.Lock()
	b.lastKind = kind
	b.mu.Unlock()
}

// tripThreshold picks the consecutive-failure budget for the kind of
// the failure being recorded. Unclassified failures use the configured
// threshold.
func (b *Breaker) tripThreshold(fallback uint32) uint32 {
	b.mu.Lock()
	var kind = b.lastKind
	b.mu.Unlock()

	switch kind {
	case KindAuthKeyDuplicated:
		return 1
	case KindNetwork:
		return 8
	case KindTimeout, KindNotConnected, KindConnectionLost, KindBinaryReader, KindRPCError:
		return 6
	default:
		return fallback
	}
}

func (b *Breaker) remainingOpen() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var remaining = b.openTimeout - b.clock().Sub(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		b.mu.Lock()
		b.openedAt = b.clock()
		b.mu.Unlock()
	}
	breakerState.Set(stateOrdinal(to))
	log.WithFields(log.Fields{
		"breaker": name,
		"from":    from.String(),
		"to":      to.String(),
	}).Warn("protocol breaker changed state")
}

func stateOrdinal(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
