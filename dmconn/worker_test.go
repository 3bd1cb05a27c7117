// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dmconn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/nostrsync/lib/clock"
	"github.com/bureau-foundation/nostrsync/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestWorkerEnqueueRunsInOrder(t *testing.T) {
	worker := NewWorker(4, clock.Real(), slog.Default())
	defer worker.Close(time.Second)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := range 10 {
		err := worker.Enqueue(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		})
		if err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	testutil.RequireClosed(t, done, 5*time.Second, "queued tasks")

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want 0..9", order)
		}
	}
}

func TestWorkerSpawnDoesNotWaitForQueue(t *testing.T) {
	worker := NewWorker(4, clock.Real(), slog.Default())
	defer worker.Close(time.Second)

	release := make(chan struct{})
	if err := worker.Enqueue(func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	spawned := make(chan struct{})
	if err := worker.Spawn(func(context.Context) { close(spawned) }); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	testutil.RequireClosed(t, spawned, 5*time.Second, "spawned task blocked behind queue")
	close(release)
}

func TestWorkerCloseCancelsTasks(t *testing.T) {
	worker := NewWorker(4, clock.Real(), slog.Default())
	cancelled := make(chan struct{})
	worker.Spawn(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	if !worker.Close(5 * time.Second) {
		t.Fatal("Close timed out with a cooperative task")
	}
	testutil.RequireClosed(t, cancelled, time.Second, "task context not cancelled")

	if err := worker.Enqueue(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	if err := worker.Spawn(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Spawn after Close = %v, want ErrClosed", err)
	}
}

func TestWorkerCloseIsBounded(t *testing.T) {
	fake := clock.Fake(epoch)
	worker := NewWorker(4, fake, slog.Default())

	stuck := make(chan struct{})
	defer close(stuck)
	worker.Spawn(func(context.Context) { <-stuck })

	result := make(chan bool, 1)
	go func() { result <- worker.Close(time.Second) }()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	if testutil.RequireReceive(t, result, 5*time.Second, "Close did not return") {
		t.Error("Close reported a clean stop with a stuck task")
	}
}
