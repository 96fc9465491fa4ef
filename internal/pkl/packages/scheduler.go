package packages

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultRefreshDelay is how long the scheduler waits after the last change.
const DefaultRefreshDelay = 3 * time.Second

// Scheduler coalesces bursts of change notifications into one refresh, run
// delay after the last notification.
type Scheduler struct {
	delay  time.Duration
	exec   *Executor
	action func(context.Context) error
	logger *log.Logger

	mu      sync.Mutex
	timer   *delayTimer
	pending *delayedTask
	gen     uint64
	closed  bool
}

// NewScheduler returns a scheduler submitting action to exec.
func NewScheduler(delay time.Duration, exec *Executor, action func(context.Context) error, logger *log.Logger) *Scheduler {
	if delay <= 0 {
		delay = DefaultRefreshDelay
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Scheduler{
		delay:  delay,
		exec:   exec,
		action: action,
		logger: logger,
		timer:  newDelayTimer(logger),
	}
}

// Notify cancels any pending refresh and schedules a new one.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}

	s.gen++
	gen := s.gen
	fire := func() { s.fire(gen) }

	task, err := s.timer.Schedule(fire, s.delay)
	if errors.Is(err, ErrTimerStopped) {
		s.logger.Warn("refresh timer stopped, recreating")
		s.timer = newDelayTimer(s.logger)
		task, err = s.timer.Schedule(fire, s.delay)
	}
	if err != nil {
		s.logger.Error("failed to schedule refresh", "err", err)
		return
	}
	s.pending = task
}

// Flush cancels the pending refresh, if any, and submits one immediately.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
	s.mu.Unlock()

	s.submit()
}

// Cancel drops the pending refresh, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
	s.gen++
}

// Pending reports whether a refresh is scheduled but has not fired.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Close stops the timer. Pending refreshes are discarded.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
	timer := s.timer
	s.mu.Unlock()

	timer.Stop()
}

// fire runs on the timer goroutine. A task superseded after it started is dropped.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	s.submit()
}

func (s *Scheduler) submit() {
	err := s.exec.Go("refresh", func() error {
		return s.action(context.Background())
	})
	if err != nil {
		s.logger.Debug("refresh not submitted", "err", err)
	}
}
