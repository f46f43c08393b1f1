package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/phish-triage/internal/pipeline"
)

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(func(context.Context) (pipeline.Summary, error) {
		return pipeline.Summary{}, nil
	}, "every so often", 0, nil)
	assert.Error(t, err)
}

func TestPoller_RunNowRecordsStatus(t *testing.T) {
	p, err := New(func(context.Context) (pipeline.Summary, error) {
		return pipeline.Summary{RunID: "r1", Ingested: 3}, nil
	}, "@every 1h", 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	p.RunNow()

	st := p.Status()
	assert.Equal(t, SyncIdle, st.State)
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 3, st.LastSummary.Ingested)
	assert.NoError(t, st.Error)
	assert.False(t, st.LastRun.IsZero())
}

func TestPoller_ErrorState(t *testing.T) {
	boom := errors.New("mailbox unreachable")
	p, err := New(func(context.Context) (pipeline.Summary, error) {
		return pipeline.Summary{}, boom
	}, "@every 1h", 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	p.RunNow()

	st := p.Status()
	assert.Equal(t, SyncError, st.State)
	assert.ErrorIs(t, st.Error, boom)
}

func TestPoller_SkipsOverlappingRuns(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	p, err := New(func(context.Context) (pipeline.Summary, error) {
		calls.Add(1)
		<-release
		return pipeline.Summary{}, nil
	}, "@every 1h", 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.RunNow()
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, SyncRunning, p.Status().State)

	p.RunNow()
	assert.EqualValues(t, 1, calls.Load())

	close(release)
	<-done
	assert.Equal(t, SyncIdle, p.Status().State)
}

func TestPoller_StopCancelsRun(t *testing.T) {
	started := make(chan struct{})
	p, err := New(func(ctx context.Context) (pipeline.Summary, error) {
		close(started)
		<-ctx.Done()
		return pipeline.Summary{}, ctx.Err()
	}, "@every 1h", 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	p.Start(context.Background())

	done := make(chan struct{})
	go func() {
		p.RunNow()
		close(done)
	}()
	<-started

	p.Stop()
	<-done
	assert.ErrorIs(t, p.Status().Error, context.Canceled)
}

func TestPoller_RecoversFromPanic(t *testing.T) {
	p, err := New(func(context.Context) (pipeline.Summary, error) {
		panic("scorer bug")
	}, "@every 1h", 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.NotPanics(t, p.RunNow)
	assert.Equal(t, 0, p.Status().Runs)
}

func TestPoller_StopWaitsForTriggeredRun(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	p, err := New(func(ctx context.Context) (pipeline.Summary, error) {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return pipeline.Summary{}, ctx.Err()
	}, "@every 1h", 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	p.Start(context.Background())
	p.Trigger()
	<-started

	p.Stop()
	assert.True(t, finished.Load(), "Stop returned before the triggered run finished")
	assert.Equal(t, SyncError, p.Status().State)
}
