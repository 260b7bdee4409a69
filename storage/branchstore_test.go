package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBranchStoreRecordsLifecycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "branches")
	store, err := OpenBranchStore(dir)
	require.NoError(t, err)
	defer store.Close()

	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	store.RecordOnline(7, "10.0.0.7:51234", t0)
	store.RecordOffline(7, t0.Add(time.Hour))
	store.RecordOnline(7, "10.0.0.7:51300", t0.Add(2*time.Hour))

	entry, ok := store.Get(7)
	require.True(t, ok)
	require.Equal(t, "10.0.0.7:51300", entry.Addr)
	require.Equal(t, t0, entry.FirstSeen)
	require.Equal(t, t0.Add(2*time.Hour), entry.LastAuthAt)
	require.Equal(t, 2, entry.Connects)
}

func TestBranchStoreOfflineUnknownBranchIsNoop(t *testing.T) {
	store, err := OpenBranchStore(filepath.Join(t.TempDir(), "branches"))
	require.NoError(t, err)
	defer store.Close()

	store.RecordOffline(42, time.Now())
	_, ok := store.Get(42)
	require.False(t, ok)
	require.Empty(t, store.Snapshot())
}

func TestBranchStorePersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "branches")
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	store, err := OpenBranchStore(dir)
	require.NoError(t, err)
	store.RecordOnline(3, "10.0.0.3:50001", t0)
	store.RecordOnline(1, "10.0.0.1:50002", t0.Add(time.Minute))
	require.NoError(t, store.Close())

	reopened, err := OpenBranchStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	snapshot := reopened.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, int64(1), snapshot[0].BranchID)
	require.Equal(t, int64(3), snapshot[1].BranchID)
	require.Equal(t, "10.0.0.3:50001", snapshot[1].Addr)
}
