package capture

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finished(id string, status Status) Session {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Second)
	return Session{
		SessionID:       id,
		Target:          "sina.com",
		Mode:            "auto",
		DurationSeconds: 30,
		Status:          status,
		StartTime:       &start,
		EndTime:         &end,
		PacketsCaptured: 842,
		Analysis:        &Analysis{Protocols: map[string]int64{"TCP": 800}},
	}
}

func testHistoryStore(t *testing.T, store HistoryStore) {
	t.Helper()
	ctx := context.Background()

	empty, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Record(ctx, finished(fmt.Sprintf("s-%d", i), StatusCompleted)))
	}

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3, "capped to the newest entries")
	assert.Equal(t, "s-5", all[0].SessionID)
	assert.Equal(t, "s-3", all[2].SessionID)

	two, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "s-4", two[1].SessionID)

	assert.Equal(t, int64(842), all[0].PacketsCaptured)
	require.NotNil(t, all[0].Analysis)
	assert.Equal(t, int64(800), all[0].Analysis.Protocols["TCP"])
}

func TestMemoryHistory(t *testing.T) {
	testHistoryStore(t, NewMemoryHistory(3))
}

func TestSQLiteHistory(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteHistory(dir, 3)
	require.NoError(t, err)
	defer store.Close()

	testHistoryStore(t, store)
}

func TestSQLiteHistoryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewSQLiteHistory(dir, 10)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, finished("s-1", StatusStopped)))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteHistory(dir, 10)
	require.NoError(t, err)
	defer reopened.Close()

	list, err := reopened.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusStopped, list[0].Status)
}

func TestNewSQLiteHistoryRequiresDir(t *testing.T) {
	_, err := NewSQLiteHistory("", 10)
	assert.Error(t, err)
}
