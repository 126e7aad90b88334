// Package scheduler tests for periodic task scheduling.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScheduler_ticks verifies the task runs on every interval.
func TestScheduler_ticks(t *testing.T) {
	var runs atomic.Int32
	s := New(func(context.Context) { runs.Add(1) })

	s.Start(context.Background(), 10*time.Millisecond)
	defer s.Stop()

	assert.True(t, s.IsRunning())
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.GetStatus().LastRun != nil }, time.Second, 5*time.Millisecond)
}

// TestScheduler_stopCancelsFutureFirings verifies no task starts after Stop.
func TestScheduler_stopCancelsFutureFirings(t *testing.T) {
	var runs atomic.Int32
	s := New(func(context.Context) { runs.Add(1) })

	s.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())

	// let an in-flight run finish
	time.Sleep(20 * time.Millisecond)
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())

	// stopping twice is a no-op
	s.Stop()
}

// TestScheduler_restartReplacesTimer verifies Start cancels the previous loop.
func TestScheduler_restartReplacesTimer(t *testing.T) {
	s := New(func(context.Context) {})

	s.Start(context.Background(), time.Hour)
	s.Start(context.Background(), 2*time.Hour)
	defer s.Stop()

	status := s.GetStatus()
	assert.True(t, status.IsRunning)
	assert.Equal(t, 2*time.Hour, status.Interval)
}

// TestScheduler_concurrentStartsLeaveOneLoop verifies racing Starts never
// orphan a loop that Stop cannot reach.
func TestScheduler_concurrentStartsLeaveOneLoop(t *testing.T) {
	var runs atomic.Int32
	s := New(func(context.Context) { runs.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Start(context.Background(), 5*time.Millisecond)
		}()
	}
	wg.Wait()
	require.True(t, s.IsRunning())

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.IsRunning())

	time.Sleep(20 * time.Millisecond)
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

// TestScheduler_skipsWhileInProgress verifies overlapping runs are skipped.
func TestScheduler_skipsWhileInProgress(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	s := New(func(context.Context) {
		runs.Add(1)
		<-release
	})

	ctx := context.Background()
	require.True(t, s.TriggerNow(ctx))
	require.Eventually(t, func() bool { return s.GetStatus().InProgress }, time.Second, time.Millisecond)
	assert.False(t, s.TriggerNow(ctx))

	close(release)
	require.Eventually(t, func() bool { return !s.GetStatus().InProgress }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

// TestScheduler_invalidInterval verifies a non-positive interval never starts.
func TestScheduler_invalidInterval(t *testing.T) {
	s := New(func(context.Context) {})
	s.Start(context.Background(), 0)
	assert.False(t, s.IsRunning())
}

// TestScheduler_contextCancel verifies the loop ends with its context.
func TestScheduler_contextCancel(t *testing.T) {
	var runs atomic.Int32
	s := New(func(context.Context) { runs.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, 10*time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)
	n := runs.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
	s.Stop()
}
