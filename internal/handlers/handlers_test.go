package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
	"github.com/ternarybob/recap/internal/services/scheduler"
	badgerstore "github.com/ternarybob/recap/internal/storage/badger"
)

var morning = time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)

func newTestStorage(t *testing.T) interfaces.StorageManager {
	t.Helper()
	storage, err := badgerstore.NewManager(arbor.NewLogger(),
		&common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")},
		&common.TimelineConfig{DayStartHour: 4})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func seedCards(t *testing.T, storage interfaces.StorageManager) {
	t.Helper()
	_, err := storage.TimelineStorage().ReplaceTimelineCardsInRange(context.Background(), morning, morning.Add(time.Hour), []models.TimelineCard{
		{Start: morning, End: morning.Add(30 * time.Minute), Category: "Work", Title: "Reviewing pull requests"},
		{Start: morning.Add(30 * time.Minute), End: morning.Add(time.Hour), Category: "Work", Title: "Writing design notes"},
	}, models.BatchRef{})
	require.NoError(t, err)
}

func TestTimelineDayHandler(t *testing.T) {
	storage := newTestStorage(t)
	seedCards(t, storage)
	handler := NewTimelineHandler(storage, 4, arbor.NewLogger())
	handler.now = func() time.Time { return morning }

	rec := httptest.NewRecorder()
	handler.DayHandler(rec, httptest.NewRequest("GET", "/api/timeline", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "2026-03-10", body["day"])
	assert.Len(t, body["cards"], 2)

	rec = httptest.NewRecorder()
	handler.DayHandler(rec, httptest.NewRequest("GET", "/api/timeline?day=2026-03-11", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["cards"])

	rec = httptest.NewRecorder()
	handler.DayHandler(rec, httptest.NewRequest("GET", "/api/timeline?day=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.DayHandler(rec, httptest.NewRequest("POST", "/api/timeline", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTimelineRangeHandler(t *testing.T) {
	storage := newTestStorage(t)
	seedCards(t, storage)
	handler := NewTimelineHandler(storage, 4, arbor.NewLogger())

	start := morning.Add(40 * time.Minute).Format(time.RFC3339)
	end := morning.Add(2 * time.Hour).Format(time.RFC3339)
	rec := httptest.NewRecorder()
	handler.RangeHandler(rec, httptest.NewRequest("GET", "/api/timeline/range?start="+start+"&end="+end, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	cards := decodeBody(t, rec)["cards"].([]interface{})
	require.Len(t, cards, 1)
	assert.Equal(t, "Writing design notes", cards[0].(map[string]interface{})["title"])

	rec = httptest.NewRecorder()
	handler.RangeHandler(rec, httptest.NewRequest("GET", "/api/timeline/range?start="+end+"&end="+start, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.RangeHandler(rec, httptest.NewRequest("GET", "/api/timeline/range?start=now", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchesHandlerListsFailedWithReason(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	chunk := &models.Chunk{Start: morning, End: morning.Add(15 * time.Second), Status: models.ChunkStatusCompleted, Path: "c.mp4"}
	require.NoError(t, storage.ChunkStorage().InsertChunk(ctx, chunk))
	id, err := storage.BatchStorage().CreateBatch(ctx, morning, morning.Add(15*time.Second), []string{chunk.ID})
	require.NoError(t, err)
	require.NoError(t, storage.BatchStorage().UpdateBatchStatus(ctx, id, models.BatchStatusFailed, "The AI provider rejected the request"))

	handler := NewTimelineHandler(storage, 4, arbor.NewLogger())

	rec := httptest.NewRecorder()
	handler.BatchesHandler(rec, httptest.NewRequest("GET", "/api/batches", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	batches := decodeBody(t, rec)["batches"].([]interface{})
	require.Len(t, batches, 1)
	batch := batches[0].(map[string]interface{})
	assert.Equal(t, id, batch["id"])
	assert.Equal(t, "The AI provider rejected the request", batch["reason"])

	rec = httptest.NewRecorder()
	handler.BatchesHandler(rec, httptest.NewRequest("GET", "/api/batches?status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["batches"])

	rec = httptest.NewRecorder()
	handler.BatchesHandler(rec, httptest.NewRequest("GET", "/api/batches?status=lost", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// MockReprocessor is a testify mock of the reprocess trigger
type MockReprocessor struct {
	mock.Mock
}

func (m *MockReprocessor) StartReprocessDay(ctx context.Context, day string) (int, error) {
	args := m.Called(ctx, day)
	return args.Int(0), args.Error(1)
}

func (m *MockReprocessor) StartReprocessBatches(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func postReprocess(handler *ReprocessHandler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/reprocess", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ReprocessHandler(rec, req)
	return rec
}

func TestReprocessHandler(t *testing.T) {
	reprocessor := &MockReprocessor{}
	handler := NewReprocessHandler(reprocessor, arbor.NewLogger())

	reprocessor.On("StartReprocessDay", mock.Anything, "2026-03-10").Return(3, nil).Once()
	rec := postReprocess(handler, `{"day":"2026-03-10"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "3 batches")

	reprocessor.On("StartReprocessBatches", mock.Anything, []string{"bat_1", "bat_2"}).Return(scheduler.ErrReprocessBusy).Once()
	rec = postReprocess(handler, `{"batch_ids":["bat_1","bat_2"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = postReprocess(handler, `{"day":"2026-03-10","batch_ids":["bat_1"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "day and batch_ids are exclusive")

	rec = postReprocess(handler, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postReprocess(handler, `{"days":"2026-03-10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	reprocessor.AssertExpectations(t)
}

type fakeCapture struct {
	mu      sync.Mutex
	calls   []string
	reasons []string
}

func (c *fakeCapture) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeCapture) Start()  { c.record("start") }
func (c *fakeCapture) Stop()   { c.record("stop") }
func (c *fakeCapture) Resume() { c.record("resume") }
func (c *fakeCapture) GiveUp() { c.record("giveup") }
func (c *fakeCapture) Suspend(reason string) {
	c.record("suspend")
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
}
func (c *fakeCapture) Status() models.CaptureStatus {
	return models.CaptureStatus{State: models.CaptureStateIdle}
}

func TestCaptureActionHandler(t *testing.T) {
	capture := &fakeCapture{}
	handler := NewCaptureHandler(capture, arbor.NewLogger())

	for _, path := range []string{"/api/capture/start", "/api/capture/pause?reason=meeting", "/api/capture/resume", "/api/capture/stop", "/api/capture/giveup"} {
		rec := httptest.NewRecorder()
		handler.ActionHandler(rec, httptest.NewRequest("POST", path, nil))
		assert.Equal(t, http.StatusAccepted, rec.Code, path)
	}
	assert.Equal(t, []string{"start", "suspend", "resume", "stop", "giveup"}, capture.calls)
	assert.Equal(t, []string{"meeting"}, capture.reasons)

	rec := httptest.NewRecorder()
	handler.ActionHandler(rec, httptest.NewRequest("POST", "/api/capture/rewind", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ActionHandler(rec, httptest.NewRequest("GET", "/api/capture/start", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	handler.StatusHandler(rec, httptest.NewRequest("GET", "/api/capture", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeBody(t, rec)["state"])
}

func TestHealthHandler(t *testing.T) {
	handler := NewAPIHandler(&fakeCapture{}, nil, arbor.NewLogger())
	rec := httptest.NewRecorder()
	handler.HealthHandler(rec, httptest.NewRequest("GET", "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "idle", body["capture_state"])
}
