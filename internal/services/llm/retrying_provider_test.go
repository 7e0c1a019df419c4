package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/models"
)

// MockProvider is a mock implementation of AnalysisProvider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Transcribe(ctx context.Context, media *models.MediaPayload, tc models.TranscribeContext) ([]models.ObservationData, []models.CallLog, error) {
	args := m.Called(ctx, media, tc)
	obs, _ := args.Get(0).([]models.ObservationData)
	logs, _ := args.Get(1).([]models.CallLog)
	return obs, logs, args.Error(2)
}

func (m *MockProvider) Summarize(ctx context.Context, sc models.SummarizeContext) ([]models.CardData, []models.CallLog, error) {
	args := m.Called(ctx, sc)
	cards, _ := args.Get(0).([]models.CardData)
	logs, _ := args.Get(1).([]models.CallLog)
	return cards, logs, args.Error(2)
}

func (m *MockProvider) Name() string {
	return "mock"
}

func (m *MockProvider) Close() error {
	return nil
}

func newTestRetryingProvider(inner *MockProvider, attempts int) (*RetryingProvider, *[]time.Duration) {
	r := NewRetryingProvider(inner, &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
	}, arbor.NewLogger())

	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func transientErr() error {
	return &ProviderError{Provider: "mock", Operation: "transcribe", Transient: true, Err: errors.New("503")}
}

func TestRetryingProviderRetriesTransientThenSucceeds(t *testing.T) {
	inner := new(MockProvider)
	obs := []models.ObservationData{{Start: time.Unix(0, 0), End: time.Unix(60, 0), Text: "editing code"}}

	inner.On("Transcribe", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, []models.CallLog{{Provider: "mock"}}, transientErr()).Once()
	inner.On("Transcribe", mock.Anything, mock.Anything, mock.Anything).
		Return(obs, []models.CallLog{{Provider: "mock", Success: true}}, nil).Once()

	r, slept := newTestRetryingProvider(inner, 3)
	got, logs, err := r.Transcribe(context.Background(), &models.MediaPayload{}, models.TranscribeContext{BatchID: "bat_1"})

	require.NoError(t, err)
	assert.Equal(t, obs, got)
	require.Len(t, logs, 2)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, 2, logs[1].Attempt)
	assert.Equal(t, []time.Duration{time.Second}, *slept)
	inner.AssertExpectations(t)
}

func TestRetryingProviderStopsOnPermanent(t *testing.T) {
	inner := new(MockProvider)
	permanent := &ProviderError{Provider: "mock", Operation: "summarize", Err: errors.New("401")}
	inner.On("Summarize", mock.Anything, mock.Anything).
		Return(nil, []models.CallLog{{Provider: "mock"}}, permanent).Once()

	r, slept := newTestRetryingProvider(inner, 5)
	_, logs, err := r.Summarize(context.Background(), models.SummarizeContext{BatchID: "bat_1"})

	assert.ErrorIs(t, err, ErrPermanent)
	assert.Len(t, logs, 1)
	assert.Empty(t, *slept)
	inner.AssertNumberOfCalls(t, "Summarize", 1)
}

func TestRetryingProviderExhaustsAttempts(t *testing.T) {
	inner := new(MockProvider)
	inner.On("Summarize", mock.Anything, mock.Anything).
		Return(nil, []models.CallLog{{Provider: "mock"}}, transientErr())

	r, slept := newTestRetryingProvider(inner, 3)
	_, logs, err := r.Summarize(context.Background(), models.SummarizeContext{})

	assert.ErrorIs(t, err, ErrTransient)
	assert.Len(t, logs, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	inner.AssertNumberOfCalls(t, "Summarize", 3)
}

func TestRetryingProviderHonoursCancellation(t *testing.T) {
	inner := new(MockProvider)
	inner.On("Summarize", mock.Anything, mock.Anything).
		Return(nil, nil, transientErr())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := newTestRetryingProvider(inner, 5)
	_, _, err := r.Summarize(ctx, models.SummarizeContext{})

	assert.ErrorIs(t, err, context.Canceled)
	inner.AssertNumberOfCalls(t, "Summarize", 1)
}
