package pipeline

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
)

func TestUploadTransientFailureReverts(t *testing.T) {
	var rig = newTestRig(t)
	var data = bytes.Repeat([]byte{0x5A}, 8<<10)
	var task = rig.makeDownloaded("clip.mp4", data)

	rig.drive.setUploadErr(&limits.StatusError{Code: 503, Body: "upstream unavailable"})
	var res = rig.m.HandleUpload(rig.ctx, task.ID)
	require.False(t, res.Success)
	require.Equal(t, 503, res.Code)

	// The row goes back to downloaded with the cached bytes kept, so a
	// redelivery retries from disk.
	var got = rig.reload(task.ID)
	require.Equal(t, store.StatusDownloaded, got.Status)
	require.Empty(t, got.Owner)
	_, err := os.Stat(task.LocalPath)
	require.NoError(t, err)

	rig.drive.setUploadErr(nil)
	res = rig.m.HandleUpload(rig.ctx, task.ID)
	require.True(t, res.Success)

	got = rig.reload(task.ID)
	require.Equal(t, store.StatusCompleted, got.Status)
	require.Equal(t, "media/clip.mp4", got.RemotePath)
	require.Equal(t, data, rig.drive.object("media/clip.mp4"))
	_, err = os.Stat(task.LocalPath)
	require.True(t, os.IsNotExist(err))

	require.True(t, rig.m.HandleUpload(rig.ctx, task.ID).Success)
}

func TestUploadPermanentFailureMarksFailed(t *testing.T) {
	var rig = newTestRig(t)
	var task = rig.makeDownloaded("clip.mp4", bytes.Repeat([]byte{0x5A}, 1024))

	rig.drive.setUploadErr(errors.New("bucket does not exist"))
	var res = rig.m.HandleUpload(rig.ctx, task.ID)
	require.False(t, res.Success)
	require.Equal(t, 500, res.Code)

	var got = rig.reload(task.ID)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, "bucket does not exist", got.Error)
	require.Contains(t, rig.chat.editLog(), "Failed: clip.mp4 (bucket does not exist)")
}

func TestUploadMissingLocalFails(t *testing.T) {
	var rig = newTestRig(t)
	var task = rig.makeDownloaded("clip.mp4", []byte("abcd"))
	require.NoError(t, os.Remove(task.LocalPath))

	var res = rig.m.HandleUpload(rig.ctx, task.ID)
	require.False(t, res.Success)
	require.Equal(t, 404, res.Code)

	var got = rig.reload(task.ID)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, "local file missing", got.Error)
}

func TestUploadWithoutDriveFails(t *testing.T) {
	var rig = newTestRig(t)

	// User 99 never bound a drive.
	var task = &store.Task{
		UserID:   99,
		ChatID:   101,
		FileName: "orphan.bin",
		FileSize: 4,
		MimeType: "application/octet-stream",
		FileRef:  "ref-orphan",
	}
	require.NoError(t, rig.store.Tasks.Create(rig.ctx, task))
	var local = rig.m.localPath(task)
	require.NoError(t, os.WriteFile(local, []byte{1, 2, 3, 4}, 0o644))
	require.NoError(t, rig.store.Tasks.Update(rig.ctx, task.ID, store.Patch{
		Status:    store.StatusOf(store.StatusDownloaded),
		LocalPath: store.StringOf(local),
	}))

	var res = rig.m.HandleUpload(rig.ctx, task.ID)
	require.False(t, res.Success)
	require.Equal(t, 500, res.Code)
	require.Equal(t, store.StatusFailed, rig.reload(task.ID).Status)
	require.Equal(t, "no drive bound", rig.reload(task.ID).Error)
}
