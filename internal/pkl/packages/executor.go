package packages

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// ErrExecutorClosed is returned when submitting work after Close.
var ErrExecutorClosed = errors.New("executor closed")

// Executor runs background work on a bounded pool of goroutines.
type Executor struct {
	logger *log.Logger
	group  errgroup.Group

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewExecutor returns an executor running at most workers tasks at once.
// workers <= 0 means no limit.
func NewExecutor(workers int, logger *log.Logger) *Executor {
	if logger == nil {
		logger = discardLogger()
	}
	e := &Executor{logger: logger}
	if workers > 0 {
		e.group.SetLimit(workers)
	}
	return e
}

// Go submits fn. Errors are logged under name; they never cancel other tasks.
func (e *Executor) Go(name string, fn func() error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.pending.Add(1)
	e.mu.Unlock()

	// group.Go blocks while the pool is full; keep the caller free.
	go e.group.Go(func() error {
		defer e.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("background task panicked", "task", name, "err", fmt.Sprint(r))
			}
		}()
		if err := fn(); err != nil {
			e.logger.Warn("background task failed", "task", name, "err", err)
		}
		return nil
	})
	return nil
}

// Wait blocks until every submitted task has finished.
func (e *Executor) Wait() {
	e.pending.Wait()
}

// Close rejects new work and waits for submitted tasks.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.pending.Wait()
	_ = e.group.Wait()
}
