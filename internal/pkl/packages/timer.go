package packages

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// ErrTimerStopped is returned when scheduling on a timer that no longer runs.
var ErrTimerStopped = errors.New("delay timer stopped")

// delayedTask is a function scheduled to run once on the timer goroutine.
type delayedTask struct {
	fn        func()
	deadline  time.Time
	cancelled atomic.Bool
}

// Cancel prevents the task from running if it has not started yet.
func (t *delayedTask) Cancel() { t.cancelled.Store(true) }

// delayTimer runs delayed tasks on a single dedicated goroutine.
type delayTimer struct {
	logger *log.Logger

	mu      sync.Mutex
	tasks   []*delayedTask
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newDelayTimer(logger *log.Logger) *delayTimer {
	t := &delayTimer{
		logger: logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// Schedule arranges for fn to run after delay.
func (t *delayTimer) Schedule(fn func(), delay time.Duration) (*delayedTask, error) {
	task := &delayedTask{fn: fn, deadline: time.Now().Add(delay)}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrTimerStopped
	}
	t.tasks = append(t.tasks, task)
	sort.SliceStable(t.tasks, func(i, j int) bool {
		return t.tasks[i].deadline.Before(t.tasks[j].deadline)
	})
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return task, nil
}

// Stop terminates the timer goroutine. Pending tasks never run.
func (t *delayTimer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.stopped = true
	t.tasks = nil
	t.mu.Unlock()

	close(t.quit)
	<-t.done
}

func (t *delayTimer) run() {
	defer close(t.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, ready := t.next()
		for _, task := range ready {
			if !t.execute(task) {
				return
			}
		}
		if len(ready) > 0 {
			continue
		}

		timer.Reset(wait)
		select {
		case <-t.quit:
			return
		case <-t.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

// next pops every due task and returns how long to sleep until the next one.
func (t *delayTimer) next() (time.Duration, []*delayedTask) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var ready []*delayedTask
	for len(t.tasks) > 0 && !t.tasks[0].deadline.After(now) {
		ready = append(ready, t.tasks[0])
		t.tasks = t.tasks[1:]
	}
	if len(t.tasks) == 0 {
		return time.Hour, ready
	}
	return t.tasks[0].deadline.Sub(now), ready
}

// execute runs task and reports whether the timer is still usable. A panicking
// task leaves the timer stopped; callers recreate it.
func (t *delayTimer) execute(task *delayedTask) (ok bool) {
	if task.cancelled.Load() {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("delayed task panicked", "err", fmt.Sprint(r))
			t.mu.Lock()
			t.stopped = true
			t.tasks = nil
			t.mu.Unlock()
			ok = false
		}
	}()
	task.fn()
	return true
}
