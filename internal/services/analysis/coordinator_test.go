package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
	"github.com/ternarybob/recap/internal/services/llm"
	badgerstore "github.com/ternarybob/recap/internal/storage/badger"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)

func clock(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// fakeProvider scripts provider responses per call number
type fakeProvider struct {
	mu              sync.Mutex
	transcribe      func(call int, tc models.TranscribeContext) ([]models.ObservationData, error)
	summarize       func(call int, sc models.SummarizeContext) ([]models.CardData, error)
	transcribeCalls int
	summarizeCalls  int
	lastSummary     models.SummarizeContext
}

func (f *fakeProvider) Transcribe(ctx context.Context, media *models.MediaPayload, tc models.TranscribeContext) ([]models.ObservationData, []models.CallLog, error) {
	f.mu.Lock()
	f.transcribeCalls++
	call := f.transcribeCalls
	f.mu.Unlock()

	obs, err := f.transcribe(call, tc)
	return obs, []models.CallLog{{Provider: "fake", Operation: models.CallOperationTranscribe, BatchID: tc.BatchID, Success: err == nil}}, err
}

func (f *fakeProvider) Summarize(ctx context.Context, sc models.SummarizeContext) ([]models.CardData, []models.CallLog, error) {
	f.mu.Lock()
	f.summarizeCalls++
	call := f.summarizeCalls
	f.lastSummary = sc
	f.mu.Unlock()

	cards, err := f.summarize(call, sc)
	return cards, []models.CallLog{{Provider: "fake", Operation: models.CallOperationSummarize, BatchID: sc.BatchID, Success: err == nil}}, err
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Close() error { return nil }

// memoryAudit keeps call logs in memory
type memoryAudit struct {
	mu   sync.Mutex
	logs []models.CallLog
}

func (a *memoryAudit) LogCall(ctx context.Context, entry models.CallLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, entry)
	return nil
}

func (a *memoryAudit) GetLogs(ctx context.Context, limit int) ([]models.CallLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.CallLog(nil), a.logs...), nil
}

func (a *memoryAudit) GetLogsForBatch(ctx context.Context, batchID string) ([]models.CallLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.CallLog
	for _, l := range a.logs {
		if l.BatchID == batchID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (a *memoryAudit) Close() error { return nil }

type fixture struct {
	storage     interfaces.StorageManager
	provider    *fakeProvider
	audit       *memoryAudit
	coordinator *Coordinator
	mediaDir    string
}

func newFixture(t *testing.T, provider interfaces.AnalysisProvider, fake *fakeProvider) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()

	storage, err := badgerstore.NewManager(logger,
		&common.BadgerConfig{Path: filepath.Join(dir, "db")},
		&common.TimelineConfig{DayStartHour: 4})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	mediaDir := filepath.Join(dir, "media")
	require.NoError(t, os.MkdirAll(mediaDir, 0755))

	audit := &memoryAudit{}
	coordinator := NewCoordinator(
		storage,
		provider,
		audit,
		nil,
		NewFileMediaAssembler(mediaDir),
		NewFileReclaimer(mediaDir, logger),
		Config{Window: time.Hour, Categories: []models.Category{{Name: "Work"}, {Name: "Other"}}},
		logger,
	)
	coordinator.now = func() time.Time { return clock(12, 0) }

	return &fixture{storage: storage, provider: fake, audit: audit, coordinator: coordinator, mediaDir: mediaDir}
}

// createBatch writes one file and chunk record per interval and groups them into a batch
func (f *fixture) createBatch(t *testing.T, start, end time.Time, chunkLength time.Duration) string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for s := start; s.Before(end); s = s.Add(chunkLength) {
		name := fmt.Sprintf("chunk-%d.mp4", s.Unix())
		require.NoError(t, os.WriteFile(filepath.Join(f.mediaDir, name), []byte("video"), 0644))
		chunk := &models.Chunk{Start: s, End: s.Add(chunkLength), Path: name, Status: models.ChunkStatusCompleted}
		require.NoError(t, f.storage.ChunkStorage().InsertChunk(ctx, chunk))
		ids = append(ids, chunk.ID)
	}
	batchID, err := f.storage.BatchStorage().CreateBatch(ctx, start, end, ids)
	require.NoError(t, err)
	return batchID
}

func (f *fixture) batch(t *testing.T, id string) *models.Batch {
	t.Helper()
	batch, err := f.storage.BatchStorage().GetBatch(context.Background(), id)
	require.NoError(t, err)
	return batch
}

func observationsAt(tc models.TranscribeContext, minutes ...int) []models.ObservationData {
	var out []models.ObservationData
	for _, m := range minutes {
		start := tc.BatchStart.Add(time.Duration(m) * time.Minute)
		out = append(out, models.ObservationData{Start: start, End: start.Add(time.Minute), Text: fmt.Sprintf("activity at +%dm", m)})
	}
	return out
}

func TestProcessBatchReplacesSlidingWindow(t *testing.T) {
	fake := &fakeProvider{
		transcribe: func(call int, tc models.TranscribeContext) ([]models.ObservationData, error) {
			return observationsAt(tc, 2, 10), nil
		},
		summarize: func(call int, sc models.SummarizeContext) ([]models.CardData, error) {
			return []models.CardData{
				{Start: clock(8, 15), End: clock(8, 45), Category: "Work", Title: "Planning"},
				{Start: clock(8, 45), End: clock(9, 15), Category: "Work", Title: "Coding"},
			}, nil
		},
	}
	f := newFixture(t, fake, fake)
	ctx := context.Background()
	timeline := f.storage.TimelineStorage()

	// Cards from earlier analysis overlapping the window, and one before it
	_, err := timeline.ReplaceTimelineCardsInRange(ctx, clock(7, 0), clock(9, 5), []models.TimelineCard{
		{Start: clock(7, 0), End: clock(7, 30), Category: "Work", Title: "Outside window"},
		{Start: clock(8, 20), End: clock(8, 40), Category: "Work", Title: "Old A"},
		{Start: clock(8, 50), End: clock(9, 5), Category: "Work", Title: "Old B"},
	}, models.BatchRef{})
	require.NoError(t, err)

	batchID := f.createBatch(t, clock(9, 0), clock(9, 15), 15*time.Second)
	require.NoError(t, f.coordinator.ProcessBatch(ctx, batchID))

	batch := f.batch(t, batchID)
	assert.Equal(t, models.BatchStatusAnalyzed, batch.Status)

	// Summarize saw the whole window context
	assert.Equal(t, clock(8, 15), fake.lastSummary.WindowStart)
	assert.Equal(t, clock(9, 15), fake.lastSummary.WindowEnd)
	assert.Len(t, fake.lastSummary.BatchObservations, 2)
	assert.Len(t, fake.lastSummary.ExistingCards, 2)

	cards, err := timeline.FetchTimelineCardsByTimeRange(ctx, clock(6, 0), clock(10, 0))
	require.NoError(t, err)
	titles := make([]string, 0, len(cards))
	for _, c := range cards {
		titles = append(titles, c.Title)
	}
	assert.Equal(t, []string{"Outside window", "Planning", "Coding"}, titles)

	// New cards are contiguous over the window
	assert.Equal(t, clock(8, 15), cards[1].Start)
	assert.Equal(t, cards[1].End, cards[2].Start)
	assert.Equal(t, clock(9, 15), cards[2].End)
	assert.Equal(t, batchID, cards[2].BatchID)

	logs, err := f.audit.GetLogsForBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestProcessBatchSummarizesOverlappingWindowsOneAtATime(t *testing.T) {
	var active, maxActive int32
	fake := &fakeProvider{
		transcribe: func(call int, tc models.TranscribeContext) ([]models.ObservationData, error) {
			return observationsAt(tc, 2, 10), nil
		},
		summarize: func(call int, sc models.SummarizeContext) ([]models.CardData, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return []models.CardData{{Start: sc.WindowStart, End: sc.WindowEnd, Category: "Work", Title: "Coding"}}, nil
		},
	}
	f := newFixture(t, fake, fake)
	ctx := context.Background()

	// Windows 08:15-09:15 and 08:30-09:30 overlap
	first := f.createBatch(t, clock(9, 0), clock(9, 15), 15*time.Second)
	second := f.createBatch(t, clock(9, 15), clock(9, 30), 15*time.Second)

	var wg sync.WaitGroup
	for _, id := range []string{first, second} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, f.coordinator.ProcessBatch(ctx, id))
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive, "overlapping windows are never summarized together")
	assert.Equal(t, models.BatchStatusAnalyzed, f.batch(t, first).Status)
	assert.Equal(t, models.BatchStatusAnalyzed, f.batch(t, second).Status)
}

func TestProcessBatchTransientThenSuccess(t *testing.T) {
	fake := &fakeProvider{
		transcribe: func(call int, tc models.TranscribeContext) ([]models.ObservationData, error) {
			return observationsAt(tc, 1, 5), nil
		},
		summarize: func(call int, sc models.SummarizeContext) ([]models.CardData, error) {
			if call == 1 {
				return nil, &llm.ProviderError{Provider: "fake", Operation: "summarize", StatusCode: 429, Transient: true, Err: errors.New("rate limited")}
			}
			return []models.CardData{{Start: clock(9, 0), End: clock(9, 15), Category: "Work", Title: "Coding"}}, nil
		},
	}
	retrying := llm.NewRetryingProvider(fake, &llm.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2,
	}, arbor.NewLogger())
	f := newFixture(t, retrying, fake)
	ctx := context.Background()

	batchID := f.createBatch(t, clock(9, 0), clock(9, 15), time.Minute)
	require.NoError(t, f.coordinator.ProcessBatch(ctx, batchID))

	assert.Equal(t, models.BatchStatusAnalyzed, f.batch(t, batchID).Status)
	assert.Equal(t, 2, fake.summarizeCalls)

	observations, err := f.storage.ObservationStorage().FetchObservationsForBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, observations, 2, "one observation set")

	logs, err := f.audit.GetLogsForBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.False(t, logs[1].Success)
	assert.Equal(t, 1, logs[1].Attempt)
	assert.Equal(t, 2, logs[2].Attempt)

	// Reprocessing the batch replaces rather than duplicates observations
	require.NoError(t, f.storage.BatchStorage().ResetBatchStatuses(ctx, []string{batchID}))
	require.NoError(t, f.coordinator.ProcessBatch(ctx, batchID))
	observations, err = f.storage.ObservationStorage().FetchObservationsForBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, observations, 2)
}

func TestProcessBatchPermanentFailureWritesErrorCard(t *testing.T) {
	fake := &fakeProvider{
		transcribe: func(call int, tc models.TranscribeContext) ([]models.ObservationData, error) {
			return nil, &llm.ProviderError{Provider: "fake", Operation: "transcribe", StatusCode: 400, Err: errors.New("unsupported video")}
		},
		summarize: func(call int, sc models.SummarizeContext) ([]models.CardData, error) {
			t.Fatal("summarize must not run after a failed transcription")
			return nil, nil
		},
	}
	f := newFixture(t, fake, fake)
	ctx := context.Background()

	batchID := f.createBatch(t, clock(10, 0), clock(10, 15), time.Minute)
	require.NoError(t, f.coordinator.ProcessBatch(ctx, batchID))

	batch := f.batch(t, batchID)
	assert.Equal(t, models.BatchStatusFailed, batch.Status)
	assert.Contains(t, batch.Reason, "unsupported video")

	cards, err := f.storage.TimelineStorage().FetchTimelineCardsByTimeRange(ctx, clock(10, 0), clock(10, 15))
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.True(t, cards[0].IsError)
	assert.Equal(t, ErrorCardCategory, cards[0].Category)
	assert.Equal(t, "Processing failed", cards[0].Title)
	assert.Equal(t, batch.Reason, cards[0].Summary)
	assert.Equal(t, clock(10, 0), cards[0].Start)
	assert.Equal(t, clock(10, 15), cards[0].End)
}

func TestProcessBatchMissingMediaFails(t *testing.T) {
	fake := &fakeProvider{
		transcribe: func(call int, tc models.TranscribeContext) ([]models.ObservationData, error) {
			t.Fatal("provider must not be called without media")
			return nil, nil
		},
	}
	f := newFixture(t, fake, fake)
	ctx := context.Background()

	batchID := f.createBatch(t, clock(11, 0), clock(11, 5), time.Minute)
	require.NoError(t, os.RemoveAll(f.mediaDir))

	require.NoError(t, f.coordinator.ProcessBatch(ctx, batchID))
	batch := f.batch(t, batchID)
	assert.Equal(t, models.BatchStatusFailed, batch.Status)
	assert.Equal(t, "The recording for this period is no longer available.", batch.Reason)
}

func TestProcessBatchDiscardsSupersededResults(t *testing.T) {
	var f *fixture
	var batchID string
	fake := &fakeProvider{
		transcribe: func(call int, tc models.TranscribeContext) ([]models.ObservationData, error) {
			return observationsAt(tc, 0), nil
		},
		summarize: func(call int, sc models.SummarizeContext) ([]models.CardData, error) {
			// A reprocess request lands while the provider is working
			require.NoError(t, f.storage.BatchStorage().ResetBatchStatuses(context.Background(), []string{batchID}))
			return []models.CardData{{Start: clock(9, 0), End: clock(9, 15), Category: "Work", Title: "Stale"}}, nil
		},
	}
	f = newFixture(t, fake, fake)
	ctx := context.Background()

	batchID = f.createBatch(t, clock(9, 0), clock(9, 15), time.Minute)
	require.NoError(t, f.coordinator.ProcessBatch(ctx, batchID))

	assert.Equal(t, models.BatchStatusPending, f.batch(t, batchID).Status)
	cards, err := f.storage.TimelineStorage().FetchTimelineCardsByTimeRange(ctx, clock(9, 0), clock(9, 15))
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestProcessBatchSkipsTerminalBatch(t *testing.T) {
	fake := &fakeProvider{
		transcribe: func(call int, tc models.TranscribeContext) ([]models.ObservationData, error) {
			return observationsAt(tc, 0), nil
		},
		summarize: func(call int, sc models.SummarizeContext) ([]models.CardData, error) {
			return []models.CardData{{Start: clock(9, 0), End: clock(9, 15), Category: "Work", Title: "Coding"}}, nil
		},
	}
	f := newFixture(t, fake, fake)
	ctx := context.Background()

	batchID := f.createBatch(t, clock(9, 0), clock(9, 15), time.Minute)
	require.NoError(t, f.coordinator.ProcessBatch(ctx, batchID))
	require.NoError(t, f.coordinator.ProcessBatch(ctx, batchID), "redelivery of an analyzed batch is a no-op")

	assert.Equal(t, 1, fake.transcribeCalls)
	assert.NoError(t, f.coordinator.ProcessBatch(ctx, "bat_missing"))
}

func TestHandleMessageRejectsUnknownType(t *testing.T) {
	f := newFixture(t, &fakeProvider{}, nil)
	err := f.coordinator.HandleMessage(context.Background(), &models.QueueMessage{Type: "other", BatchID: "bat_1"})
	assert.Error(t, err)
}
