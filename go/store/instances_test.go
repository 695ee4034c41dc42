package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstanceUpsertAndGet(t *testing.T) {
	var ctx = context.Background()
	var instances = newTestStore(t).Instances

	var started = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, instances.Upsert(ctx, &Instance{
		ID:        "inst-a",
		Hostname:  "worker-1",
		Region:    "fra",
		StartedAt: started,
	}))

	got, err := instances.Get(ctx, "inst-a")
	require.NoError(t, err)
	require.Equal(t, "worker-1", got.Hostname)
	require.Equal(t, "fra", got.Region)
	require.Equal(t, InstanceActive, got.Status)
	require.True(t, got.StartedAt.Equal(started))
	require.False(t, got.LastHeartbeat.IsZero())

	_, err = instances.Get(ctx, "inst-missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestInstanceUpsertRefreshesHeartbeat(t *testing.T) {
	var ctx = context.Background()
	var instances = newTestStore(t).Instances

	var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var inst = &Instance{ID: "inst-a", Hostname: "worker-1", StartedAt: t0, LastHeartbeat: t0}
	require.NoError(t, instances.Upsert(ctx, inst))

	inst.LastHeartbeat = t0.Add(30 * time.Second)
	require.NoError(t, instances.Upsert(ctx, inst))

	got, err := instances.Get(ctx, "inst-a")
	require.NoError(t, err)
	require.True(t, got.LastHeartbeat.Equal(t0.Add(30*time.Second)))
	require.True(t, got.StartedAt.Equal(t0))

	list, err := instances.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestInstanceAliveness(t *testing.T) {
	var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var fresh = Instance{Status: InstanceActive, LastHeartbeat: now.Add(-30 * time.Second)}
	require.True(t, fresh.Alive(now, 2*time.Minute))

	var stale = Instance{Status: InstanceActive, LastHeartbeat: now.Add(-3 * time.Minute)}
	require.False(t, stale.Alive(now, 2*time.Minute))

	var offline = Instance{Status: InstanceOffline, LastHeartbeat: now}
	require.False(t, offline.Alive(now, 2*time.Minute))
}

func TestMarkStaleInstancesOffline(t *testing.T) {
	var ctx = context.Background()
	var instances = newTestStore(t).Instances

	var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, instances.Upsert(ctx, &Instance{
		ID: "inst-fresh", StartedAt: now, LastHeartbeat: now.Add(-time.Minute)}))
	require.NoError(t, instances.Upsert(ctx, &Instance{
		ID: "inst-stale", StartedAt: now, LastHeartbeat: now.Add(-5 * time.Minute)}))
	require.NoError(t, instances.Upsert(ctx, &Instance{
		ID: "inst-gone", Status: InstanceOffline, StartedAt: now, LastHeartbeat: now.Add(-10 * time.Minute)}))

	n, err := instances.MarkStaleOffline(ctx, now.Add(-2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	fresh, err := instances.Get(ctx, "inst-fresh")
	require.NoError(t, err)
	require.Equal(t, InstanceActive, fresh.Status)

	stale, err := instances.Get(ctx, "inst-stale")
	require.NoError(t, err)
	require.Equal(t, InstanceOffline, stale.Status)
}

func TestInstanceSetStatus(t *testing.T) {
	var ctx = context.Background()
	var instances = newTestStore(t).Instances

	require.NoError(t, instances.Upsert(ctx, &Instance{ID: "inst-a", StartedAt: time.Now()}))
	require.NoError(t, instances.SetStatus(ctx, "inst-a", InstanceOffline))

	got, err := instances.Get(ctx, "inst-a")
	require.NoError(t, err)
	require.Equal(t, InstanceOffline, got.Status)

	// Re-registering an offline instance flips it back to active.
	require.NoError(t, instances.Upsert(ctx, &Instance{ID: "inst-a", StartedAt: time.Now()}))
	got, err = instances.Get(ctx, "inst-a")
	require.NoError(t, err)
	require.Equal(t, InstanceActive, got.Status)
}
