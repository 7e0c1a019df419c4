package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

var testBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return testBase.Add(time.Duration(minutes) * time.Minute)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	tmpDir := t.TempDir()
	options := badgerhold.DefaultOptions
	options.Dir = tmpDir
	options.ValueDir = tmpDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := arbor.NewLogger()
	db := &BadgerDB{store: store, logger: logger}
	return newManager(db, logger, 4)
}

func insertChunks(t *testing.T, m *Manager, startMinute, count int, length time.Duration) []models.Chunk {
	t.Helper()
	ctx := context.Background()
	chunks := make([]models.Chunk, 0, count)
	start := at(startMinute)
	for i := 0; i < count; i++ {
		chunk := &models.Chunk{
			Start:  start,
			End:    start.Add(length),
			Path:   fmt.Sprintf("/media/chunk-%d-%d.mp4", startMinute, i),
			Status: models.ChunkStatusCompleted,
		}
		require.NoError(t, m.ChunkStorage().InsertChunk(ctx, chunk))
		chunks = append(chunks, *chunk)
		start = chunk.End
	}
	return chunks
}

func chunkIDs(chunks []models.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

// claimedBatch creates a batch over the chunks and claims it for processing
func claimedBatch(t *testing.T, m *Manager, chunks []models.Chunk) *models.Batch {
	t.Helper()
	ctx := context.Background()
	id, err := m.BatchStorage().CreateBatch(ctx, chunks[0].Start, chunks[len(chunks)-1].End, chunkIDs(chunks))
	require.NoError(t, err)
	batch, err := m.BatchStorage().ClaimBatch(ctx, id)
	require.NoError(t, err)
	return batch
}

func card(startMinute, endMinute int, title string) models.TimelineCard {
	return models.TimelineCard{
		Start:    at(startMinute),
		End:      at(endMinute),
		Category: "Work",
		Title:    title,
	}
}

type cardShape struct {
	Start time.Time
	End   time.Time
	Title string
}

func shapes(cards []models.TimelineCard) []cardShape {
	out := make([]cardShape, len(cards))
	for i, c := range cards {
		out[i] = cardShape{Start: c.Start.UTC(), End: c.End.UTC(), Title: c.Title}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func assertNoOverlap(t *testing.T, cards []models.TimelineCard) {
	t.Helper()
	sorted := append([]models.TimelineCard(nil), cards...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	for i := range sorted {
		assert.True(t, sorted[i].Start.Before(sorted[i].End), "card %q has empty interval", sorted[i].Title)
		if i > 0 {
			assert.False(t, sorted[i].Start.Before(sorted[i-1].End),
				"cards %q and %q overlap", sorted[i-1].Title, sorted[i].Title)
		}
	}
}

func TestInsertChunkRejectsEmptyInterval(t *testing.T) {
	m := newTestManager(t)
	err := m.ChunkStorage().InsertChunk(context.Background(), &models.Chunk{Start: at(0), End: at(0)})
	assert.Error(t, err)
}

func TestFetchUnprocessedChunks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chunks := insertChunks(t, m, 0, 4, 15*time.Second)

	// Failed chunks and chunks still being written are not eligible
	failed := &models.Chunk{Start: at(5), End: at(5).Add(15 * time.Second), Status: models.ChunkStatusFailed}
	require.NoError(t, m.ChunkStorage().InsertChunk(ctx, failed))
	pending := &models.Chunk{Start: at(6), End: at(6).Add(15 * time.Second)}
	require.NoError(t, m.ChunkStorage().InsertChunk(ctx, pending))

	// Soft deleted chunks are not eligible
	require.NoError(t, m.ChunkStorage().SoftDeleteChunks(ctx, []string{chunks[3].ID}))

	got, err := m.ChunkStorage().FetchUnprocessedChunks(ctx, at(60), at(-60))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, chunks[i].ID, got[i].ID, "results are ordered by start")
	}

	// Lookback bound excludes chunks that started before newerThan
	got, err = m.ChunkStorage().FetchUnprocessedChunks(ctx, at(60), chunks[1].Start)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Chunks still running past olderThan are excluded
	got, err = m.ChunkStorage().FetchUnprocessedChunks(ctx, chunks[1].End, at(-60))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCreateBatchClaimsChunks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chunks := insertChunks(t, m, 0, 3, 15*time.Second)
	batchID, err := m.BatchStorage().CreateBatch(ctx, chunks[0].Start, chunks[2].End, chunkIDs(chunks))
	require.NoError(t, err)

	batch, err := m.BatchStorage().GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, batch.Status)
	assert.Equal(t, chunkIDs(chunks), batch.ChunkIDs)
	assert.True(t, batch.Start.Before(batch.End))

	for _, id := range chunkIDs(chunks) {
		chunk, err := m.ChunkStorage().GetChunk(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, batchID, chunk.BatchID)
		assert.False(t, chunk.Start.Before(batch.Start))
		assert.False(t, chunk.End.After(batch.End))
	}

	// Claimed chunks are never offered again
	remaining, err := m.ChunkStorage().FetchUnprocessedChunks(ctx, at(60), at(-60))
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestCreateBatchRejectsClaimedChunkAtomically(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chunks := insertChunks(t, m, 0, 3, 15*time.Second)
	_, err := m.BatchStorage().CreateBatch(ctx, chunks[1].Start, chunks[1].End, []string{chunks[1].ID})
	require.NoError(t, err)

	_, err = m.BatchStorage().CreateBatch(ctx, chunks[0].Start, chunks[2].End, chunkIDs(chunks))
	require.ErrorIs(t, err, interfaces.ErrChunkClaimed)

	// The failed batch must not have assigned the chunk before the conflict
	first, err := m.ChunkStorage().GetChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Empty(t, first.BatchID)

	pending, err := m.BatchStorage().FetchBatchesByStatus(ctx, models.BatchStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCreateBatchConcurrentClaimsNeverDoubleAssign(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chunks := insertChunks(t, m, 0, 4, 15*time.Second)
	ids := chunkIDs(chunks)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.BatchStorage().CreateBatch(ctx, chunks[0].Start, chunks[3].End, ids)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, interfaces.ErrChunkClaimed) || errors.Is(err, badger.ErrConflict),
				"unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)

	owners := map[string]bool{}
	for _, id := range ids {
		chunk, err := m.ChunkStorage().GetChunk(ctx, id)
		require.NoError(t, err)
		require.NotEmpty(t, chunk.BatchID)
		owners[chunk.BatchID] = true
	}
	assert.Len(t, owners, 1, "all chunks belong to the single winning batch")
}

func TestClaimAndCompleteBatchGuards(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chunks := insertChunks(t, m, 0, 2, 15*time.Second)
	batch := claimedBatch(t, m, chunks)
	assert.Equal(t, models.BatchStatusProcessing, batch.Status)
	assert.Equal(t, 1, batch.Revision)

	stale := batch.Ref()

	// Reprocessing resets the batch and bumps the revision
	require.NoError(t, m.BatchStorage().ResetBatchStatuses(ctx, []string{batch.ID}))
	err := m.BatchStorage().CompleteBatch(ctx, stale, models.BatchStatusAnalyzed, "")
	require.ErrorIs(t, err, interfaces.ErrBatchSuperseded)

	reclaimed, err := m.BatchStorage().ClaimBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reclaimed.Revision)

	require.NoError(t, m.BatchStorage().CompleteBatch(ctx, reclaimed.Ref(), models.BatchStatusAnalyzed, ""))

	got, err := m.BatchStorage().GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusAnalyzed, got.Status)

	// A terminal batch cannot be claimed again by a redelivered message
	_, err = m.BatchStorage().ClaimBatch(ctx, batch.ID)
	assert.ErrorIs(t, err, interfaces.ErrBatchSuperseded)
}

func TestSaveObservationsReplacesBatchSet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chunks := insertChunks(t, m, 0, 4, 15*time.Second)
	batch := claimedBatch(t, m, chunks)

	data := []models.ObservationData{
		{Start: batch.Start.Add(-time.Minute), End: batch.Start.Add(20 * time.Second), Text: "clamped"},
		{Start: batch.Start.Add(20 * time.Second), End: batch.End.Add(time.Hour), Text: "clamped end"},
		{Start: batch.End.Add(time.Minute), End: batch.End.Add(2 * time.Minute), Text: "outside"},
	}

	saved, err := m.ObservationStorage().SaveObservations(ctx, batch.Ref(), data, "test-model")
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.True(t, saved[0].Start.Equal(batch.Start))
	assert.True(t, saved[1].End.Equal(batch.End))

	// Saving again for the same revision replaces rather than duplicates
	_, err = m.ObservationStorage().SaveObservations(ctx, batch.Ref(), data[:1], "test-model")
	require.NoError(t, err)

	got, err := m.ObservationStorage().FetchObservationsForBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Superseded writers write nothing
	require.NoError(t, m.BatchStorage().ResetBatchStatuses(ctx, []string{batch.ID}))
	_, err = m.ObservationStorage().SaveObservations(ctx, batch.Ref(), data, "test-model")
	assert.ErrorIs(t, err, interfaces.ErrBatchSuperseded)

	got, err = m.ObservationStorage().FetchObservationsForBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	deleted, err := m.ObservationStorage().DeleteObservations(ctx, []string{batch.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	inRange, err := m.ObservationStorage().FetchObservationsByTimeRange(ctx, at(-60), at(60))
	require.NoError(t, err)
	assert.Empty(t, inRange)
}

func TestReplaceTimelineCardsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	timeline := m.TimelineStorage()

	// Existing card straddles the window start
	_, err := timeline.ReplaceTimelineCardsInRange(ctx, at(-60), at(-5), []models.TimelineCard{card(-60, -5, "earlier")}, models.BatchRef{})
	require.NoError(t, err)

	newCards := []models.TimelineCard{
		card(-20, 10, "coding"),
		card(5, 30, "review"), // overlaps the previous card
		card(30, 60, "meeting"),
		card(100, 120, "outside"),
	}

	_, err = timeline.ReplaceTimelineCardsInRange(ctx, at(-15), at(60), newCards, models.BatchRef{})
	require.NoError(t, err)
	once, err := timeline.FetchTimelineCardsByTimeRange(ctx, at(-120), at(180))
	require.NoError(t, err)

	_, err = timeline.ReplaceTimelineCardsInRange(ctx, at(-15), at(60), newCards, models.BatchRef{})
	require.NoError(t, err)
	twice, err := timeline.FetchTimelineCardsByTimeRange(ctx, at(-120), at(180))
	require.NoError(t, err)

	assert.Equal(t, shapes(once), shapes(twice))
	assertNoOverlap(t, twice)

	titles := map[string]bool{}
	for _, c := range twice {
		titles[c.Title] = true
	}
	assert.False(t, titles["outside"], "cards outside the range are dropped")
	assert.False(t, titles["earlier"], "intersecting card was replaced")
}

func TestReplaceTimelineCardsNoOverlapWithNeighbours(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	timeline := m.TimelineStorage()

	_, err := timeline.ReplaceTimelineCardsInRange(ctx, at(-60), at(0), []models.TimelineCard{
		card(-60, -30, "before"),
		card(-30, 0, "adjacent"),
	}, models.BatchRef{})
	require.NoError(t, err)
	_, err = timeline.ReplaceTimelineCardsInRange(ctx, at(60), at(90), []models.TimelineCard{card(60, 90, "after")}, models.BatchRef{})
	require.NoError(t, err)

	// Provider output spills over both neighbours
	_, err = timeline.ReplaceTimelineCardsInRange(ctx, at(0), at(60), []models.TimelineCard{
		card(-45, 20, "spill left"),
		card(15, 75, "spill right"),
		card(70, 80, "past end"),
	}, models.BatchRef{})
	require.NoError(t, err)

	cards, err := timeline.FetchTimelineCardsByTimeRange(ctx, at(-120), at(180))
	require.NoError(t, err)
	assertNoOverlap(t, cards)

	byTitle := map[string]models.TimelineCard{}
	for _, c := range cards {
		byTitle[c.Title] = c
	}
	require.Contains(t, byTitle, "before")
	require.Contains(t, byTitle, "after")
	require.Contains(t, byTitle, "spill left")
	require.Contains(t, byTitle, "spill right")
	assert.Contains(t, byTitle, "adjacent", "touching card is not in range and keeps its slot")
	assert.NotContains(t, byTitle, "past end")

	assert.True(t, byTitle["spill left"].Start.Equal(at(0)), "clipped to the replaced extent")
	assert.True(t, byTitle["spill right"].Start.Equal(at(20)), "trimmed behind the previous card")
	assert.True(t, byTitle["spill right"].End.Equal(at(60)), "clipped to the replaced extent")
}

func TestReplaceTimelineCardsReturnsMediaPaths(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	timeline := m.TimelineStorage()

	withMedia := card(0, 15, "recorded")
	withMedia.MediaPath = "/media/cards/a.mp4"
	noMedia := card(15, 30, "plain")
	elsewhere := card(60, 75, "elsewhere")
	elsewhere.MediaPath = "/media/cards/b.mp4"

	_, err := timeline.ReplaceTimelineCardsInRange(ctx, at(0), at(90), []models.TimelineCard{withMedia, noMedia, elsewhere}, models.BatchRef{})
	require.NoError(t, err)

	result, err := timeline.ReplaceTimelineCardsInRange(ctx, at(10), at(40), []models.TimelineCard{card(10, 40, "merged")}, models.BatchRef{})
	require.NoError(t, err)

	assert.Len(t, result.DeletedIDs, 2)
	assert.Equal(t, []string{"/media/cards/a.mp4"}, result.DeletedMediaPaths)
	assert.Len(t, result.InsertedIDs, 1)
}

func TestReplaceTimelineCardsGuardedByRevision(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	timeline := m.TimelineStorage()

	chunks := insertChunks(t, m, 0, 2, 15*time.Second)
	batch := claimedBatch(t, m, chunks)

	_, err := timeline.ReplaceTimelineCardsInRange(ctx, at(-60), at(1), []models.TimelineCard{card(-60, 1, "current")}, batch.Ref())
	require.NoError(t, err)

	require.NoError(t, m.BatchStorage().ResetBatchStatuses(ctx, []string{batch.ID}))

	_, err = timeline.ReplaceTimelineCardsInRange(ctx, at(-60), at(1), []models.TimelineCard{card(-60, 1, "stale")}, batch.Ref())
	require.ErrorIs(t, err, interfaces.ErrBatchSuperseded)

	cards, err := timeline.FetchTimelineCardsByTimeRange(ctx, at(-60), at(1))
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "current", cards[0].Title)
	assert.Equal(t, batch.ID, cards[0].BatchID)
}

func TestDeleteTimelineCardsMediaPathsMatchDeletedCards(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	timeline := m.TimelineStorage()

	chunksA := insertChunks(t, m, 0, 2, 15*time.Second)
	chunksB := insertChunks(t, m, 30, 2, 15*time.Second)
	batchA := claimedBatch(t, m, chunksA)
	batchB := claimedBatch(t, m, chunksB)

	a1 := card(0, 10, "a1")
	a1.MediaPath = "/media/a1.mp4"
	a2 := card(10, 20, "a2")
	b1 := card(30, 40, "b1")
	b1.MediaPath = "/media/b1.mp4"

	_, err := timeline.ReplaceTimelineCardsInRange(ctx, at(0), at(20), []models.TimelineCard{a1, a2}, batchA.Ref())
	require.NoError(t, err)
	_, err = timeline.ReplaceTimelineCardsInRange(ctx, at(30), at(40), []models.TimelineCard{b1}, batchB.Ref())
	require.NoError(t, err)

	paths, err := timeline.DeleteTimelineCards(ctx, []string{batchA.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"/media/a1.mp4"}, paths)

	remaining, err := timeline.FetchTimelineCardsByTimeRange(ctx, at(-60), at(120))
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b1", remaining[0].Title)

	// Deleting again finds nothing active
	paths, err = timeline.DeleteTimelineCards(ctx, []string{batchA.ID})
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestFetchTimelineCardsByDay(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	timeline := m.TimelineStorage()

	local := time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)
	early := models.TimelineCard{Start: local.Add(2 * time.Hour), End: local.Add(3 * time.Hour), Title: "late night", Category: "Work"}
	morning := models.TimelineCard{Start: local.Add(9 * time.Hour), End: local.Add(10 * time.Hour), Title: "morning", Category: "Work"}

	_, err := timeline.ReplaceTimelineCardsInRange(ctx, local, local.Add(12*time.Hour), []models.TimelineCard{early, morning}, models.BatchRef{})
	require.NoError(t, err)

	previous, err := timeline.FetchTimelineCards(ctx, "2026-03-09")
	require.NoError(t, err)
	require.Len(t, previous, 1)
	assert.Equal(t, "late night", previous[0].Title)

	today, err := timeline.FetchTimelineCards(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, "morning", today[0].Title)
}
