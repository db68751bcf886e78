package netsession

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// task is a unit of work run on the executor goroutine. ctx is canceled
// when the executor is forced to stop.
type task func(ctx context.Context)

// executor runs tasks one at a time, in submission order, on a single
// goroutine. Submit never blocks: the queue is unbounded.
type executor struct {
	logger Logger

	mu     sync.Mutex
	tasks  []task
	closed bool
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newExecutor(logger Logger) *executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &executor{
		logger: logger,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

// Submit queues t and reports whether it was accepted.
func (e *executor) Submit(t task) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.tasks = append(e.tasks, t)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *executor) loop() {
	defer func() {
		e.cancel()
		close(e.done)
	}()

	for {
		if e.ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		if len(e.tasks) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-e.wake:
			case <-e.ctx.Done():
				return
			}
			continue
		}
		t := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		e.run(t)
	}
}

// run executes t, converting a panic into a log record so one bad task
// cannot stop the executor.
func (e *executor) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor task panicked", "panic", fmt.Sprint(r))
		}
	}()
	t(e.ctx)
}

// Shutdown stops accepting tasks and waits up to timeout for the queued
// ones to finish. Past that, the task context is canceled, queued tasks are
// dropped, and Shutdown waits up to timeout once more. Safe to call
// more than once.
func (e *executor) Shutdown(timeout time.Duration) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	select {
	case <-e.done:
		return
	case <-time.After(timeout):
	}

	e.cancel()
	select {
	case <-e.done:
	case <-time.After(timeout):
		e.logger.Warn("executor did not terminate", "timeout", timeout)
	}
}

// Stopped reports whether the executor goroutine has exited.
func (e *executor) Stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
