package mcp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
	badgerstore "github.com/ternarybob/recap/internal/storage/badger"
)

var morning = time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)

func newTestServer(t *testing.T) (*TimelineServer, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger,
		&common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")},
		&common.TimelineConfig{DayStartHour: 4})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	s := NewTimelineServer(storage, 4, logger)
	s.now = func() time.Time { return morning.Add(3 * time.Hour) }
	return s, storage
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func seedCards(t *testing.T, storage interfaces.StorageManager) {
	t.Helper()
	_, err := storage.TimelineStorage().ReplaceTimelineCardsInRange(context.Background(), morning, morning.Add(time.Hour), []models.TimelineCard{
		{Start: morning, End: morning.Add(40 * time.Minute), Category: "Work", Title: "Reviewing pull requests", Summary: "Reviewed the scheduler change."},
		{Start: morning.Add(40 * time.Minute), End: morning.Add(time.Hour), Category: "Communication", Title: "Team chat",
			AppSites: &models.AppSites{Primary: "slack.com"}},
	}, models.BatchRef{})
	require.NoError(t, err)
}

func TestGetTimelineDayDefaultsToToday(t *testing.T) {
	s, storage := newTestServer(t)
	seedCards(t, storage)

	result, err := s.handleGetTimelineDay(context.Background(), callRequest("get_timeline_day", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Timeline 2026-03-10")
	assert.Contains(t, text, "09:00-09:40 Reviewing pull requests")
	assert.Contains(t, text, "slack.com")

	result, err = s.handleGetTimelineDay(context.Background(), callRequest("get_timeline_day", map[string]interface{}{"day": "2026-03-11"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No activity recorded.")

	result, err = s.handleGetTimelineDay(context.Background(), callRequest("get_timeline_day", map[string]interface{}{"day": "yesterday"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetTimelineRange(t *testing.T) {
	s, storage := newTestServer(t)
	seedCards(t, storage)

	result, err := s.handleGetTimelineRange(context.Background(), callRequest("get_timeline_range", map[string]interface{}{
		"start": morning.Add(45 * time.Minute).Format(time.RFC3339),
		"end":   morning.Add(2 * time.Hour).Format(time.RFC3339),
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Team chat")
	assert.NotContains(t, text, "Reviewing pull requests")

	result, err = s.handleGetTimelineRange(context.Background(), callRequest("get_timeline_range", map[string]interface{}{
		"start": morning.Format(time.RFC3339),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleGetTimelineRange(context.Background(), callRequest("get_timeline_range", map[string]interface{}{
		"start": morning.Add(time.Hour).Format(time.RFC3339),
		"end":   morning.Format(time.RFC3339),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListFailedBatches(t *testing.T) {
	s, storage := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleListFailedBatches(ctx, callRequest("list_failed_batches", nil))
	require.NoError(t, err)
	assert.Equal(t, "No failed batches.", resultText(t, result))

	chunk := &models.Chunk{Start: morning, End: morning.Add(5 * time.Minute), Status: models.ChunkStatusCompleted}
	require.NoError(t, storage.ChunkStorage().InsertChunk(ctx, chunk))
	batchID, err := storage.BatchStorage().CreateBatch(ctx, chunk.Start, chunk.End, []string{chunk.ID})
	require.NoError(t, err)
	claimed, err := storage.BatchStorage().ClaimBatch(ctx, batchID)
	require.NoError(t, err)
	require.NoError(t, storage.BatchStorage().CompleteBatch(ctx, claimed.Ref(), models.BatchStatusFailed, "The recording for this period is no longer available."))

	result, err = s.handleListFailedBatches(ctx, callRequest("list_failed_batches", map[string]interface{}{"limit": float64(5)}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, batchID)
	assert.Contains(t, text, "no longer available")
}
