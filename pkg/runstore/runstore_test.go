package runstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nnennaai/nai/pkg/domain"
)

func record(id string, started time.Time) *domain.RunRecord {
	return &domain.RunRecord{
		RunID:      id,
		Kind:       "run",
		Query:      "what is nai",
		Answer:     "a pipeline engine",
		Outcome:    domain.RunSucceeded,
		ConfigHash: "abc123",
		StartedAt:  started,
		Latency:    125 * time.Millisecond,
		Stages: []domain.StageOutcome{
			{Stage: "load_query", Outcome: domain.OutcomeSucceeded, Attempts: 1},
			{Stage: "generate", Outcome: domain.OutcomeSucceeded, Attempts: 2},
		},
		Trace: []domain.TraceEvent{
			{TaskID: "t1", Stage: "load_query", Attempt: 1, Outcome: domain.OutcomeSucceeded},
		},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := record("run-1", time.Now())
	require.NoError(t, store.Append(ctx, rec))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, rec.Answer, got.Answer)
	assert.Equal(t, rec.ConfigHash, got.ConfigHash)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, 2, got.Stages[1].Attempts)
	require.Len(t, got.Trace, 1)
}

func TestFileStoreGetMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreListNewestFirst(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	base := time.Now()
	require.NoError(t, store.Append(ctx, record("older", base.Add(-time.Hour))))
	require.NoError(t, store.Append(ctx, record("newer", base)))

	summaries, err := store.List(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "newer", summaries[0].RunID)
	assert.Equal(t, "older", summaries[1].RunID)
	assert.Equal(t, int64(125), summaries[0].LatencyMS)
	assert.Equal(t, 2, summaries[0].StageCount)
}

func TestFileStoreListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, record("good", time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run_bad.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("unrelated"), 0o644))

	summaries, err := store.List(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "good", summaries[0].RunID)
}

func TestFileStoreListTimeRange(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, record("early", base.Add(-2*time.Hour))))
	require.NoError(t, store.Append(ctx, record("mid", base.Add(-time.Hour))))
	require.NoError(t, store.Append(ctx, record("late", base)))

	summaries, err := store.List(ctx, base.Add(-90*time.Minute), base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "mid", summaries[0].RunID)

	// From is inclusive, to is exclusive.
	summaries, err = store.List(ctx, base.Add(-time.Hour), base)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "mid", summaries[0].RunID)

	// A zero bound leaves that side open.
	summaries, err = store.List(ctx, base.Add(-90*time.Minute), time.Time{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "late", summaries[0].RunID)
	assert.Equal(t, "mid", summaries[1].RunID)

	summaries, err = store.List(ctx, time.Time{}, base.Add(-90*time.Minute))
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "early", summaries[0].RunID)
}

func TestMemoryStoreListTimeRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, record("early", base.Add(-2*time.Hour))))
	require.NoError(t, store.Append(ctx, record("late", base)))

	summaries, err := store.List(ctx, base.Add(-time.Hour), time.Time{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "late", summaries[0].RunID)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, record("m1", time.Now())))
	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.RunID)

	_, err = store.Get(ctx, "m2")
	assert.ErrorIs(t, err, ErrNotFound)

	summaries, err := store.List(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
	require.NoError(t, store.Close())
}
