package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/takaraflow/drive-collector-js-sub006/go/kvcache"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
)

// newTestRegistry builds the shared instance registry one test's
// coordinators register into.
func newTestRegistry(t *testing.T) *store.InstanceStore {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(),
		store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "registry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st.Instances
}

// newTestCoordinator builds a coordinator over a shared miniredis and
// registry, so multiple instances in one test observe each other like
// production instances sharing a KV namespace and a task store.
func newTestCoordinator(t *testing.T, mr *miniredis.Miniredis, reg *store.InstanceStore, id string) *Coordinator {
	t.Helper()
	provider, err := kvcache.NewRedis(kvcache.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	kv, err := kvcache.NewCache(kvcache.Config{Primary: provider})
	require.NoError(t, err)
	return New(kv, reg, Config{InstanceID: id})
}

func TestLockMutualExclusion(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	require.NoError(t, b.heartbeat(ctx))

	acquired, err := a.AcquireLock(ctx, "telegram_client", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	// The holder is alive, so a second instance is refused.
	acquired, err = b.AcquireLock(ctx, "telegram_client", time.Hour)
	require.NoError(t, err)
	require.False(t, acquired)

	holder, err := b.LockHolder(ctx, "telegram_client")
	require.NoError(t, err)
	require.Equal(t, "inst-a", holder)

	// Re-acquiring one's own lock succeeds.
	acquired, err = a.AcquireLock(ctx, "telegram_client", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestLockTakeoverAfterHolderDeath(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	acquired, err := a.AcquireLock(ctx, "telegram_client", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	// inst-a dies: its heartbeat goes stale while the long-lived lease
	// lingers in KV. The survivor sees a dead holder and takes over.
	b.clock = func() time.Time { return time.Now().Add(5 * time.Minute) }

	require.NoError(t, b.heartbeat(ctx))
	acquired, err = b.AcquireLock(ctx, "telegram_client", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	holder, err := b.LockHolder(ctx, "telegram_client")
	require.NoError(t, err)
	require.Equal(t, "inst-b", holder)
}

func TestLockRespectedWhileHolderOffline(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	acquired, err := a.AcquireLock(ctx, "telegram_client", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	// A clean shutdown marks the record offline, which reads as dead
	// even with a fresh heartbeat.
	require.NoError(t, reg.SetStatus(ctx, "inst-a", store.InstanceOffline))

	require.NoError(t, b.heartbeat(ctx))
	acquired, err = b.AcquireLock(ctx, "telegram_client", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestLockExpiresOnItsOwn(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	acquired, err := a.AcquireLock(ctx, "work", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(2 * time.Minute)

	require.NoError(t, b.heartbeat(ctx))
	acquired, err = b.AcquireLock(ctx, "work", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestRenewOnlyByOwner(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	var acquired, err = a.AcquireLock(ctx, "work", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	ok, err := a.RenewLock(ctx, "work", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.RenewLock(ctx, "work", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	var acquired, err = a.AcquireLock(ctx, "work", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	// A non-owner's release is a no-op.
	require.NoError(t, b.ReleaseLock(ctx, "work"))
	holder, err := a.LockHolder(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, "inst-a", holder)

	require.NoError(t, a.ReleaseLock(ctx, "work"))
	acquired, err = b.AcquireLock(ctx, "work", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestTaskLockRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	require.NoError(t, b.heartbeat(ctx))

	acquired, err := a.AcquireTaskLock(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = b.AcquireTaskLock(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, a.ReleaseTaskLock(ctx, "task-1"))
	acquired, err = b.AcquireTaskLock(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestHasLockTracksOwnershipAndExpiry(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	require.False(t, a.IsLeader(ctx))

	acquired, err := a.AcquireLock(ctx, LeaderLock, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.True(t, a.IsLeader(ctx))
	require.False(t, b.IsLeader(ctx), "only the holder passes the check")

	// The lease expires in the KV store; the holder must notice.
	mr.FastForward(2 * time.Minute)
	require.False(t, a.HasLock(ctx, LeaderLock))
}

func TestInstanceRegistry(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	require.NoError(t, b.heartbeat(ctx))

	instances, err := a.Instances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	var now = time.Now().UTC()
	for _, inst := range instances {
		require.NotEmpty(t, inst.Hostname)
		require.Equal(t, store.InstanceActive, inst.Status)
		require.True(t, inst.Alive(now, activityTimeout))
		require.False(t, inst.Alive(now.Add(3*time.Minute), activityTimeout))
	}
}

func TestStaleSweepIsLeaderOnly(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")
	var b = newTestCoordinator(t, mr, reg, "inst-b")

	require.NoError(t, a.heartbeat(ctx))
	require.NoError(t, b.heartbeat(ctx))

	// inst-b's heartbeat ages out from inst-a's point of view.
	a.clock = func() time.Time { return time.Now().Add(5 * time.Minute) }

	// Without the leader lease the sweep is a no-op.
	a.sweepStale(ctx)
	inst, err := reg.Get(ctx, "inst-b")
	require.NoError(t, err)
	require.Equal(t, store.InstanceActive, inst.Status)

	acquired, err := a.AcquireLock(ctx, LeaderLock, time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	a.sweepStale(ctx)
	inst, err = reg.Get(ctx, "inst-b")
	require.NoError(t, err)
	require.Equal(t, store.InstanceOffline, inst.Status)

	// The sweeper's own record went stale too. Its next heartbeat
	// re-registers it.
	inst, err = reg.Get(ctx, "inst-a")
	require.NoError(t, err)
	require.Equal(t, store.InstanceOffline, inst.Status)
	require.NoError(t, a.heartbeat(ctx))
	inst, err = reg.Get(ctx, "inst-a")
	require.NoError(t, err)
	require.Equal(t, store.InstanceActive, inst.Status)
}

func TestRunExclusiveReleasesOnShutdown(t *testing.T) {
	var mr = miniredis.RunT(t)
	var reg = newTestRegistry(t)
	var a = newTestCoordinator(t, mr, reg, "inst-a")

	var ctx, cancel = context.WithCancel(context.Background())
	var started = make(chan struct{})
	var finished = make(chan error, 1)

	go func() {
		finished <- a.RunExclusive(ctx, "telegram_client", LeaderTTL,
			func(workCtx context.Context) error {
				close(started)
				<-workCtx.Done()
				return workCtx.Err()
			})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("exclusive worker never started")
	}

	cancel()
	select {
	case err := <-finished:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("RunExclusive did not return after cancellation")
	}

	holder, err := a.LockHolder(context.Background(), "telegram_client")
	require.NoError(t, err)
	require.Empty(t, holder)
}
