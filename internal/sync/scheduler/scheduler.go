// Package scheduler runs a task on a fixed interval, skipping ticks while the
// previous run is still in progress.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// Task is the work run on every tick.
type Task func(ctx context.Context)

// Scheduler manages a periodic task.
type Scheduler struct {
	task Task

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	interval  time.Duration
	lastRun   time.Time

	inProgress atomic.Bool
}

// Status is a snapshot of the scheduler state.
type Status struct {
	IsRunning  bool
	Interval   time.Duration
	LastRun    *time.Time
	InProgress bool
}

// New creates a Scheduler for task. It does nothing until Start.
func New(task Task) *Scheduler {
	return &Scheduler{task: task}
}

// Start (re)starts the periodic loop at interval. A running loop is stopped
// first, so calling Start repeatedly leaves exactly one timer.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		logging.Warn("Ignoring periodic sync with non-positive interval",
			map[string]interface{}{"interval": interval.String()})
		return
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()

	s.mu.Lock()
	s.isRunning = true
	s.interval = interval
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, interval, stopCh)

	logging.Info("Periodic sync scheduler started",
		map[string]interface{}{"interval_seconds": interval.Seconds()})
}

// Stop cancels future firings. A run already in flight completes.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	// Wait for the loop goroutine to finish
	s.wg.Wait()

	logging.Info("Periodic sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.TriggerNow(ctx) {
				logging.Debug("Sync already in progress, skipping tick", nil)
			}
		}
	}
}

// TriggerNow runs the task in the background unless a run is in progress.
// Returns true if a run was started.
func (s *Scheduler) TriggerNow(ctx context.Context) bool {
	if !s.inProgress.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer s.inProgress.Store(false)
		s.task(ctx)

		s.mu.Lock()
		s.lastRun = time.Now()
		s.mu.Unlock()
	}()
	return true
}

// IsRunning returns whether the periodic loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:  s.isRunning,
		Interval:   s.interval,
		InProgress: s.inProgress.Load(),
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		status.LastRun = &last
	}
	return status
}
