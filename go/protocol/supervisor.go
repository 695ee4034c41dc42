package protocol

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Conn is the wire client under supervision. Connect starts the
// client's receive loop; implementations deliver events and
// asynchronous errors through their own handlers, feeding errors back
// here via Supervisor.Notify.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Ping is a cheap liveness call used by the watchdog.
	Ping(ctx context.Context) error
	// ResetSession destroys local session state so the next Connect
	// starts clean.
	ResetSession()
}

// LeaseCheck reports whether this instance still holds the leader
// lock. The supervisor skips reconnects once leadership is lost.
type LeaseCheck func(ctx context.Context) bool

// SupervisorConfig tunes the watchdog and reconnect behavior.
type SupervisorConfig struct {
	PingEvery         time.Duration // liveness probe period
	PingTimeout       time.Duration // deadline of a single probe
	PingFailureLimit  int           // consecutive probe failures forcing a reconnect
	Debounce          time.Duration // quiet period after an async error burst
	DisconnectTimeout time.Duration // hard cap on Disconnect during reconnects
}

func (c *SupervisorConfig) withDefaults() {
	if c.PingEvery == 0 {
		c.PingEvery = 60 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.PingFailureLimit == 0 {
		c.PingFailureLimit = 5
	}
	if c.Debounce == 0 {
		c.Debounce = 2 * time.Second
	}
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = 5 * time.Second
	}
}

// Supervisor keeps one Conn alive: a periodic watchdog pings it
// through the circuit breaker, asynchronous client errors trigger a
// debounced reconnect, and reconnection follows the classifier's
// per-kind strategy. Run returns only on context cancellation or an
// unrecoverable error, so the caller can tie its lifetime to leader
// tenure.
type Supervisor struct {
	conn     Conn
	breaker  *Breaker
	hasLease LeaseCheck
	cfg      SupervisorConfig

	errCh        chan error
	reconnecting atomic.Bool
	failures     int // consecutive failures, owned by the Run goroutine

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor wraps |conn|. |hasLease| may be nil when the caller
// manages leadership externally.
func NewSupervisor(conn Conn, breaker *Breaker, hasLease LeaseCheck, cfg SupervisorConfig) *Supervisor {
	cfg.withDefaults()
	return &Supervisor{
		conn:     conn,
		breaker:  breaker,
		hasLease: hasLease,
		cfg:      cfg,
		errCh:    make(chan error, 16),
		sleep:    sleepCtx,
	}
}

// Notify feeds an asynchronous client error into the supervisor. It
// never blocks; when a burst overflows the buffer the extra errors
// are dropped, since one reconnect fixes them all.
func (s *Supervisor) Notify(err error) {
	if err == nil {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}

// Breaker exposes the supervising breaker for status reporting.
func (s *Supervisor) Breaker() *Breaker { return s.breaker }

// Run connects and supervises until |ctx| is cancelled or the
// connection fails unrecoverably.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		if err = s.reconnect(ctx, Classify(err)); err != nil {
			return err
		}
	} else {
		log.Info("protocol client connected")
	}

	var ticker = time.NewTicker(s.cfg.PingEvery)
	defer ticker.Stop()
	var pingFailures int

	for {
		select {
		case <-ctx.Done():
			s.finalDisconnect()
			return ctx.Err()

		case <-ticker.C:
			var err = s.breaker.Execute(func() error {
				var pctx, cancel = context.WithTimeout(ctx, s.cfg.PingTimeout)
				defer cancel()
				return s.conn.Ping(pctx)
			})
			if err == nil {
				pingFailures = 0
				s.failures = 0
				continue
			}
			pingFailures++
			watchdogFailures.Inc()
			log.WithFields(log.Fields{
				"failures": pingFailures,
				"err":      err,
			}).Warn("protocol watchdog ping failed")
			if pingFailures < s.cfg.PingFailureLimit {
				continue
			}
			if err = s.reconnect(ctx, Classify(err)); err != nil {
				return err
			}
			pingFailures = 0

		case err := <-s.errCh:
			var kind = s.debounce(ctx, Classify(err))
			log.WithFields(log.Fields{"kind": kind, "err": err}).
				Warn("protocol client reported an error")
			if err = s.reconnect(ctx, kind); err != nil {
				return err
			}
		}
	}
}

// debounce absorbs the error burst that usually follows a dropped
// connection, returning the kind of the last error seen.
func (s *Supervisor) debounce(ctx context.Context, kind Kind) Kind {
	var timer = time.NewTimer(s.cfg.Debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return kind
		case err := <-s.errCh:
			kind = Classify(err)
		case <-timer.C:
			return kind
		}
	}
}

// reconnect runs the full procedure: disconnect under a hard cap,
// reset the session when the classifier demands it, back off, and
// dial again. It is re-entrancy safe; a second caller returns
// immediately while one reconnect is in flight.
func (s *Supervisor) reconnect(ctx context.Context, kind Kind) error {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer s.reconnecting.Store(false)

	if s.hasLease != nil && !s.hasLease(ctx) {
		log.Warn("leader lock lost, skipping protocol reconnect")
		return nil
	}
	if !Recoverable(kind) {
		// Another client owns the session. Resetting ours and then
		// standing down lets the next leader start clean.
		s.conn.ResetSession()
		return fmt.Errorf("unrecoverable protocol error: %s", kind)
	}

	s.failures++
	var maxRetries = Strategy(kind, s.failures).MaxRetries

	for attempt := 0; attempt < maxRetries; attempt++ {
		var plan = Strategy(kind, s.failures)
		if !plan.ShouldRetry {
			return fmt.Errorf("protocol error %s is not retryable", kind)
		}

		var dctx, cancel = context.WithTimeout(ctx, s.cfg.DisconnectTimeout)
		if err := s.conn.Disconnect(dctx); err != nil {
			// Hard cap exceeded or transport wedged. Proceed as if
			// disconnected; Connect rebuilds from scratch.
			log.WithField("err", err).Warn("protocol disconnect did not finish cleanly")
		}
		cancel()

		if ShouldResetSession(kind, s.failures) {
			s.conn.ResetSession()
		}

		if err := s.sleep(ctx, withJitter(plan.Delay)); err != nil {
			return err
		}

		var err = s.conn.Connect(ctx)
		if err == nil {
			s.failures = 0
			reconnects.WithLabelValues(string(plan.Type)).Inc()
			log.WithFields(log.Fields{
				"attempt": attempt + 1,
				"type":    plan.Type,
			}).Info("protocol client reconnected")
			return nil
		}

		kind = Classify(err)
		if !Recoverable(kind) {
			s.conn.ResetSession()
			return fmt.Errorf("unrecoverable protocol error: %s", kind)
		}
		s.failures++
		log.WithFields(log.Fields{
			"attempt": attempt + 1,
			"kind":    kind,
			"err":     err,
		}).Warn("protocol reconnect attempt failed")
	}
	return fmt.Errorf("protocol reconnect gave up after %d attempts (%s)", maxRetries, kind)
}

func (s *Supervisor) finalDisconnect() {
	var ctx, cancel = context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
	defer cancel()
	if err := s.conn.Disconnect(ctx); err != nil {
		log.WithField("err", err).Warn("protocol disconnect on shutdown failed")
	}
}

// withJitter spreads reconnects of simultaneously failing instances
// by up to 10%.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
