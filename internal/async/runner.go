// Package async runs best-effort side tasks: each task gets its own timeout,
// failures and panics are logged, and nothing is reported back to the caller.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/regflow/pkg/log"
)

// DefaultTimeout bounds a task when the runner was built without one.
const DefaultTimeout = 10 * time.Second

// Runner spawns fire-and-forget tasks and can wait for the in-flight ones.
type Runner struct {
	logger  log.Logger
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	failed atomic.Int64
}

func NewRunner(logger log.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{logger: logger.WithComponent("async"), timeout: timeout}
}

// Go starts fn in the background and returns immediately. It reports false
// when the runner is already shut down and the task was dropped.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("runner closed, task dropped", log.Str("task", name))
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.run(ctx, fn); err != nil {
			r.failed.Add(1)
			r.logger.Warn("background task failed", log.Str("task", name), log.Err(err))
		}
	}()
	return true
}

func (r *Runner) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Failed returns how many tasks have failed so far.
func (r *Runner) Failed() int64 { return r.failed.Load() }

// Wait stops accepting tasks and blocks until the in-flight ones finish or
// ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
