package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteIndex_RecordAndList(t *testing.T) {
	idx, err := NewSQLiteIndex(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer idx.Close()

	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"one", "two", "three"} {
		require.NoError(t, idx.Record(Summary{
			UpgradeID:   id,
			Status:      StatusCompleted,
			Mode:        "standard",
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			CompletedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Components:  3,
			Completed:   i,
			Skipped:     3 - i,
		}))
	}

	sums, err := idx.List(0)
	require.NoError(t, err)
	require.Len(t, sums, 3)
	assert.Equal(t, "three", sums[0].UpgradeID)
	assert.Equal(t, "one", sums[2].UpgradeID)
	assert.True(t, sums[0].StartedAt.Equal(base.Add(2*time.Hour)))

	sums, err = idx.List(2)
	require.NoError(t, err)
	assert.Len(t, sums, 2)
}

func TestSQLiteIndex_RecordReplaces(t *testing.T) {
	idx, err := NewSQLiteIndex(":memory:")
	require.NoError(t, err)
	defer idx.Close()

	sum := Summary{UpgradeID: "x", Status: StatusInProgress, Mode: "fast", StartedAt: time.Now()}
	require.NoError(t, idx.Record(sum))
	sum.Status = StatusFailed
	sum.Failed = 1
	require.NoError(t, idx.Record(sum))

	sums, err := idx.List(0)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, StatusFailed, sums[0].Status)
	assert.Equal(t, 1, sums[0].Failed)
}

func TestSQLiteIndex_Closed(t *testing.T) {
	idx, err := NewSQLiteIndex(":memory:")
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	assert.ErrorIs(t, idx.Record(Summary{UpgradeID: "x"}), ErrIndexClosed)
	_, err = idx.List(0)
	assert.ErrorIs(t, err, ErrIndexClosed)
}

func TestStoreHistory_UsesIndex(t *testing.T) {
	idx, err := NewSQLiteIndex(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	s := newTestStore(t, WithIndex(idx))

	for range 2 {
		_, err := s.BeginUpgrade("standard", "a")
		require.NoError(t, err)
		require.NoError(t, s.SkipComponent("a", "up to date"))
		require.NoError(t, s.CompleteUpgrade())
	}

	sums, err := s.History(0)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "upgrade-b", sums[0].UpgradeID)
	assert.Equal(t, 1, sums[0].Skipped)
	assert.FileExists(t, sums[0].ArchivePath)

	// Directory scan agrees with the index.
	scanned, err := s.scanHistory(0)
	require.NoError(t, err)
	require.Len(t, scanned, 2)
	assert.Equal(t, sums[0].UpgradeID, scanned[0].UpgradeID)
}
