package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

type fakeConn struct {
	mu              sync.Mutex
	connects        int
	disconnects     int
	resets          int
	connectErrs     []error
	pingErrs        []error
	disconnectDelay time.Duration
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		var err = c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return err
	}
	return nil
}

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	var delay = c.disconnectDelay
	c.disconnects++
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pingErrs) > 0 {
		var err = c.pingErrs[0]
		c.pingErrs = c.pingErrs[1:]
		return err
	}
	return nil
}

func (c *fakeConn) ResetSession() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
}

func (c *fakeConn) counts() (connects, disconnects, resets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects, c.resets
}

func newTestSupervisor(conn *fakeConn, hasLease LeaseCheck) *Supervisor {
	var s = NewSupervisor(conn, NewBreaker(BreakerConfig{}), hasLease, SupervisorConfig{
		PingEvery:         10 * time.Millisecond,
		PingTimeout:       50 * time.Millisecond,
		PingFailureLimit:  3,
		Debounce:          20 * time.Millisecond,
		DisconnectTimeout: 30 * time.Millisecond,
	})
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func runSupervisor(t *testing.T, s *Supervisor) (stop func() error) {
	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("supervisor did not stop")
			return nil
		}
	}
}

func TestWatchdogForcesReconnectAfterFailureLimit(t *testing.T) {
	var conn = &fakeConn{pingErrs: []error{
		errors.New("timed out"),
		errors.New("timed out"),
		errors.New("timed out"),
	}}
	var s = newTestSupervisor(conn, nil)
	var stop = runSupervisor(t, s)

	require.Eventually(t, func() bool {
		var connects, _, _ = conn.counts()
		return connects >= 2
	}, 2*time.Second, 5*time.Millisecond)

	var err = stop()
	require.ErrorIs(t, err, context.Canceled)
	_, disconnects, _ := conn.counts()
	require.GreaterOrEqual(t, disconnects, 1)
}

func TestAsyncErrorsDebounceIntoOneReconnect(t *testing.T) {
	var conn = &fakeConn{}
	var s = newTestSupervisor(conn, nil)
	var stop = runSupervisor(t, s)

	// A dropped connection surfaces as a burst, not a single error.
	for i := 0; i < 5; i++ {
		s.Notify(errors.New("connection lost while receiving frame"))
	}

	require.Eventually(t, func() bool {
		var connects, _, _ = conn.counts()
		return connects == 2
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	connects, _, _ := conn.counts()
	require.Equal(t, 2, connects, "burst must collapse into one reconnect")
	require.NoError(t, stopErr(stop()))
}

func TestReconnectSkippedWithoutLeadership(t *testing.T) {
	var conn = &fakeConn{}
	var s = newTestSupervisor(conn, func(context.Context) bool { return false })
	var stop = runSupervisor(t, s)

	s.Notify(errors.New("connection lost while receiving frame"))
	time.Sleep(80 * time.Millisecond)

	connects, _, _ := conn.counts()
	require.Equal(t, 1, connects, "lost leadership must suppress reconnects")
	require.NoError(t, stopErr(stop()))
}

func TestUnrecoverableErrorStopsTheSupervisor(t *testing.T) {
	var conn = &fakeConn{}
	var s = newTestSupervisor(conn, nil)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var done = make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Notify(&limits.StatusError{Code: 406})

	select {
	case err := <-done:
		require.ErrorContains(t, err, "unrecoverable")
		require.ErrorContains(t, err, string(KindAuthKeyDuplicated))
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor kept running after a duplicated auth key")
	}
	_, _, resets := conn.counts()
	require.GreaterOrEqual(t, resets, 1, "session must be destroyed before standing down")
}

func TestSlowDisconnectIsCappedAndReconnectProceeds(t *testing.T) {
	var conn = &fakeConn{disconnectDelay: 500 * time.Millisecond}
	var s = newTestSupervisor(conn, nil)
	var stop = runSupervisor(t, s)

	var start = time.Now()
	s.Notify(errors.New("connection lost while receiving frame"))

	require.Eventually(t, func() bool {
		var connects, _, _ = conn.counts()
		return connects >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Less(t, time.Since(start), 400*time.Millisecond,
		"disconnect must be abandoned at the hard cap")
	require.NoError(t, stopErr(stop()))
}

func TestBinaryReaderErrorResetsSession(t *testing.T) {
	var conn = &fakeConn{}
	var s = newTestSupervisor(conn, nil)
	var stop = runSupervisor(t, s)

	s.Notify(errors.New("readUInt32LE out of bounds at offset 4"))

	require.Eventually(t, func() bool {
		var connects, _, resets = conn.counts()
		return connects >= 2 && resets >= 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stopErr(stop()))
}

// stopErr filters the expected cancellation out of a shutdown result.
func stopErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
