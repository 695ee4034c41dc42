package kvcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

var (
	errQuota      = &limits.StatusError{Code: 429, Body: "quota exceeded"}
	errTransport  = &limits.StatusError{Code: 503, Body: "upstream unavailable"}
	errValidation = &limits.StatusError{Code: 400, Body: "invalid key"}
)

func TestErrorClassification(t *testing.T) {
	require.Equal(t, classQuota, classifyError(errQuota))
	require.Equal(t, classTransport, classifyError(errTransport))
	require.Equal(t, classValidation, classifyError(errValidation))
	require.Equal(t, classNone, classifyError(nil))
	require.Equal(t, classNone, classifyError(ErrNotFound))
	// Quota phrasing without a 429 still classifies as quota.
	require.Equal(t, classQuota,
		classifyError(&limits.StatusError{Code: 403, Body: "daily limit exceeded"}))
}

func TestFailoverAfterConsecutiveQuotaErrors(t *testing.T) {
	var ctx = context.Background()
	var primary = newFakeProvider("primary")
	var backup = newFakeProvider("backup")
	var cache = newTestCache(t, primary, backup)

	primary.fail(errQuota, 3)
	for i := 0; i != 3; i++ {
		require.Error(t, cache.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0, Options{}))
	}

	// The fourth write lands on the backup, and the streak is reset.
	require.NoError(t, cache.Set(ctx, "k3", []byte("v"), 0, Options{}))
	require.Equal(t, "backup", cache.ActiveProvider())
	require.Equal(t, 0, cache.fo.failures)
	require.Equal(t, 3, primary.setCalls)
	require.Equal(t, 1, backup.setCalls)
}

func TestTransportErrorsTripFailoverOnShortRecovery(t *testing.T) {
	var ctx = context.Background()
	var primary = newFakeProvider("primary")
	var backup = newFakeProvider("backup")
	var cache = newTestCache(t, primary, backup)

	primary.fail(errTransport, 3)
	for i := 0; i != 3; i++ {
		require.Error(t, cache.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0, Options{}))
	}
	require.Equal(t, "backup", cache.ActiveProvider())

	// Transport trips schedule a much earlier probe than quota trips.
	require.WithinDuration(t,
		time.Now().Add(defaultTransportRecovery), cache.fo.nextProbe, time.Minute)
}

func TestReadErrorsCountTowardFailover(t *testing.T) {
	var ctx = context.Background()
	var primary = newFakeProvider("primary")
	var backup = newFakeProvider("backup")
	var cache = newTestCache(t, primary, backup)

	primary.fail(errQuota, 3)
	for i := 0; i != 3; i++ {
		var _, err = cache.Get(ctx, fmt.Sprintf("k%d", i), Options{})
		require.Error(t, err)
	}
	require.Equal(t, "backup", cache.ActiveProvider())
}

func TestValidationErrorsDoNotTripFailover(t *testing.T) {
	var ctx = context.Background()
	var primary = newFakeProvider("primary")
	var cache = newTestCache(t, primary, newFakeProvider("backup"))

	primary.fail(errValidation, 5)
	for i := 0; i != 5; i++ {
		require.Error(t, cache.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0, Options{}))
	}
	require.Equal(t, "primary", cache.ActiveProvider())
}

func TestFailureStreakResetsOnSuccess(t *testing.T) {
	var ctx = context.Background()
	var primary = newFakeProvider("primary")
	var cache = newTestCache(t, primary, newFakeProvider("backup"))

	primary.fail(errQuota, 2)
	require.Error(t, cache.Set(ctx, "k0", []byte("v"), 0, Options{}))
	require.Error(t, cache.Set(ctx, "k1", []byte("v"), 0, Options{}))
	require.NoError(t, cache.Set(ctx, "k2", []byte("v"), 0, Options{}))

	primary.fail(errQuota, 2)
	require.Error(t, cache.Set(ctx, "k3", []byte("v"), 0, Options{}))
	require.Error(t, cache.Set(ctx, "k4", []byte("v"), 0, Options{}))

	// Never three in a row, so no switch.
	require.Equal(t, "primary", cache.ActiveProvider())
}

func TestNoFailoverWithoutBackup(t *testing.T) {
	var ctx = context.Background()
	var primary = newFakeProvider("primary")
	var cache = newTestCache(t, primary, nil)

	primary.fail(errQuota, 5)
	for i := 0; i != 5; i++ {
		require.Error(t, cache.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0, Options{}))
	}
	require.Equal(t, "primary", cache.ActiveProvider())
}

func TestProbeRestoresPrimary(t *testing.T) {
	var ctx = context.Background()
	var primary = newFakeProvider("primary")
	var backup = newFakeProvider("backup")
	var cache = newTestCache(t, primary, backup)

	primary.fail(errQuota, 3)
	for i := 0; i != 3; i++ {
		require.Error(t, cache.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0, Options{}))
	}
	require.Equal(t, "backup", cache.ActiveProvider())

	// Too early: the recovery interval hasn't elapsed.
	cache.probePrimary(ctx)
	require.Equal(t, "backup", cache.ActiveProvider())
	require.Equal(t, 0, primary.pingCalls)

	// Due, but the primary is still down: probe is deferred.
	cache.fo.nextProbe = time.Now().Add(-time.Second)
	primary.fail(errTransport, 1)
	cache.probePrimary(ctx)
	require.Equal(t, "backup", cache.ActiveProvider())
	require.Equal(t, 1, primary.pingCalls)

	// Due and healthy: the primary is reinstated.
	cache.fo.nextProbe = time.Now().Add(-time.Second)
	cache.probePrimary(ctx)
	require.Equal(t, "primary", cache.ActiveProvider())
}
