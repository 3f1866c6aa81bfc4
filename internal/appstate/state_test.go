package appstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncLockIsExclusive(t *testing.T) {
	state := New()

	release, err := state.AcquireSyncLock(context.Background())
	require.NoError(t, err)
	require.True(t, state.SyncInProgress())

	// A second acquisition must block until cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = state.AcquireSyncLock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	require.False(t, state.SyncInProgress())

	release2, err := state.AcquireSyncLock(context.Background())
	require.NoError(t, err)
	release2()
}

func TestLastSyncStatus(t *testing.T) {
	state := New()
	require.Equal(t, "never", state.LastSync().LastSyncStatus)

	state.SetLastSync("2024-05-01T10:00:00Z", "ok")
	status := state.LastSync()
	require.Equal(t, "ok", status.LastSyncStatus)
	require.Equal(t, "2024-05-01T10:00:00Z", status.LastSyncAt)
	require.False(t, status.SyncInProgress)
}

func TestSyncInterval(t *testing.T) {
	state := New()
	require.Equal(t, int64(DefaultSyncIntervalSecs), state.SyncIntervalSecs())
	state.SetSyncIntervalSecs(300)
	require.Equal(t, int64(300), state.SyncIntervalSecs())
}
