package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestRegisterJobRejectsInvalidSchedule(t *testing.T) {
	s := NewService(arbor.NewLogger())
	err := s.RegisterJob("broken", "every minute", "", func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	require.NoError(t, s.RegisterJob("tick", "@every 1m", "Batch formation", func(ctx context.Context) error { return nil }))
	assert.Error(t, s.RegisterJob("tick", "@every 1m", "", func(ctx context.Context) error { return nil }), "duplicate names are rejected")
}

func TestTriggerJobRecordsStatus(t *testing.T) {
	s := NewService(arbor.NewLogger())
	var runs atomic.Int32

	require.NoError(t, s.RegisterJob("tick", "@every 1h", "Batch formation", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("storage unavailable")
		}
		return nil
	}))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.TriggerJob("tick"))
	assert.Eventually(t, func() bool {
		status, err := s.GetJobStatus("tick")
		return err == nil && status.LastRun != nil && !status.IsRunning
	}, 5*time.Second, 10*time.Millisecond)

	status, err := s.GetJobStatus("tick")
	require.NoError(t, err)
	assert.Equal(t, "storage unavailable", status.LastError)
	assert.NotNil(t, status.NextRun)

	require.NoError(t, s.TriggerJob("tick"))
	assert.Eventually(t, func() bool {
		status, err := s.GetJobStatus("tick")
		return err == nil && runs.Load() == 2 && !status.IsRunning && status.LastError == ""
	}, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, s.TriggerJob("missing"))
}

func TestPanickingJobIsRecovered(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("retention", "@every 1h", "", func(ctx context.Context) error {
		panic("boom")
	}))

	require.NoError(t, s.TriggerJob("retention"))
	assert.Eventually(t, func() bool {
		status, err := s.GetJobStatus("retention")
		return err == nil && status.LastRun != nil && status.LastError == "panic: boom"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s := NewService(arbor.NewLogger())
	started := make(chan struct{})
	require.NoError(t, s.RegisterJob("slow", "@every 1h", "", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, s.Start())
	require.NoError(t, s.TriggerJob("slow"))
	<-started

	require.NoError(t, s.Stop())
	status, err := s.GetJobStatus("slow")
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Len(t, s.GetAllJobStatuses(), 1)
}
