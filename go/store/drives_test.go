package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstDriveBecomesDefault(t *testing.T) {
	var ctx = context.Background()
	var drives = newTestStore(t).Drives

	var gcs = &Drive{
		UserID:      7,
		Name:        "archive",
		Type:        "gcs",
		Credentials: json.RawMessage(`{"bucket":"media"}`),
	}
	require.NoError(t, drives.Bind(ctx, gcs))
	require.True(t, gcs.IsDefault)

	var s3 = &Drive{UserID: 7, Type: "s3"}
	require.NoError(t, drives.Bind(ctx, s3))
	require.False(t, s3.IsDefault)

	got, err := drives.GetDefault(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, gcs.ID, got.ID)
	require.JSONEq(t, `{"bucket":"media"}`, string(got.Credentials))
}

func TestSetDefaultIsExclusive(t *testing.T) {
	var ctx = context.Background()
	var drives = newTestStore(t).Drives

	var a = &Drive{UserID: 7, Type: "gcs"}
	var b = &Drive{UserID: 7, Type: "webdav"}
	require.NoError(t, drives.Bind(ctx, a))
	require.NoError(t, drives.Bind(ctx, b))

	require.NoError(t, drives.SetDefault(ctx, 7, b.ID))

	list, err := drives.ListByUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 2)
	var defaults int
	for _, d := range list {
		if d.IsDefault {
			defaults++
			require.Equal(t, b.ID, d.ID)
		}
	}
	require.Equal(t, 1, defaults)
}

func TestSetDefaultRejectsForeignDrive(t *testing.T) {
	var ctx = context.Background()
	var drives = newTestStore(t).Drives

	var mine = &Drive{UserID: 7, Type: "gcs"}
	require.NoError(t, drives.Bind(ctx, mine))

	// Another user cannot claim or even see the drive.
	require.ErrorIs(t, drives.SetDefault(ctx, 8, mine.ID), ErrDriveNotFound)
	_, err := drives.Get(ctx, 8, mine.ID)
	require.ErrorIs(t, err, ErrDriveNotFound)
}

func TestUnbindPromotesOldestSurvivor(t *testing.T) {
	var ctx = context.Background()
	var drives = newTestStore(t).Drives

	var a = &Drive{UserID: 7, Type: "gcs"}
	var b = &Drive{UserID: 7, Type: "s3"}
	var c = &Drive{UserID: 7, Type: "webdav"}
	for _, d := range []*Drive{a, b, c} {
		require.NoError(t, drives.Bind(ctx, d))
	}

	require.NoError(t, drives.Unbind(ctx, 7, a.ID))

	got, err := drives.GetDefault(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)

	// Removing a non-default leaves the default alone.
	require.NoError(t, drives.Unbind(ctx, 7, c.ID))
	got, err = drives.GetDefault(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)

	require.NoError(t, drives.Unbind(ctx, 7, b.ID))
	_, err = drives.GetDefault(ctx, 7)
	require.ErrorIs(t, err, ErrDriveNotFound)
}

func TestUnbindAllClearsUserOnly(t *testing.T) {
	var ctx = context.Background()
	var drives = newTestStore(t).Drives

	require.NoError(t, drives.Bind(ctx, &Drive{UserID: 7, Type: "gcs"}))
	require.NoError(t, drives.Bind(ctx, &Drive{UserID: 7, Type: "s3"}))
	var other = &Drive{UserID: 9, Type: "webdav"}
	require.NoError(t, drives.Bind(ctx, other))

	require.NoError(t, drives.UnbindAll(ctx, 7))

	list, err := drives.ListByUser(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, list)

	got, err := drives.GetDefault(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, other.ID, got.ID)
}
