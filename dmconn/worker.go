// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dmconn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/nostrsync/lib/clock"
)

// Task is a unit of work run by a Worker. ctx is cancelled when the
// worker closes.
type Task func(ctx context.Context)

// Worker runs a connection's background work on two lanes. Enqueued
// tasks run one at a time in submission order. Spawned tasks run
// immediately, each on its own goroutine.
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Task

	// running tracks the queue loop and every spawned task.
	running sync.WaitGroup
}

// NewWorker starts a worker whose queue holds up to queueSize pending
// tasks.
func NewWorker(queueSize int, clk clock.Clock, logger *slog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		ctx:    ctx,
		cancel: cancel,
		clock:  clk,
		logger: logger,
		queue:  make(chan Task, queueSize),
	}
	w.running.Add(1)
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer w.running.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			task(w.ctx)
		}
	}
}

// Enqueue adds task to the ordered lane. It blocks while the queue is
// full and fails with ErrClosed once the worker is closed.
func (w *Worker) Enqueue(task Task) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.mu.Unlock()

	select {
	case w.queue <- task:
		return nil
	case <-w.ctx.Done():
		return ErrClosed
	}
}

// Spawn runs task on its own goroutine.
func (w *Worker) Spawn(task Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.running.Add(1)
	go func() {
		defer w.running.Done()
		task(w.ctx)
	}()
	return nil
}

// Done is closed when the worker starts closing.
func (w *Worker) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Close cancels every task and waits up to timeout for them to
// return. It reports whether they all did; tasks still running after
// the timeout are abandoned. Queued tasks that never started are
// discarded.
func (w *Worker) Close(timeout time.Duration) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return true
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()

	finished := make(chan struct{})
	go func() {
		w.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-w.clock.After(timeout):
		w.logger.Warn("worker tasks did not stop in time, abandoning them", "timeout", timeout)
		return false
	}
}
