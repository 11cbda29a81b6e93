package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubmitAndAwaitReturnsValue(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	res, err := q.SubmitAndAwait(context.Background(), FuncJob{Fn: func(ctx context.Context) (any, error) {
		return 42, nil
	}}, Medium)
	if err != nil {
		t.Fatalf("SubmitAndAwait: %v", err)
	}
	if res.Value != 42 {
		t.Fatalf("result = %v, want 42", res.Value)
	}
	if res.Err != nil {
		t.Fatalf("result.Err = %v, want nil", res.Err)
	}
}

func TestHigherPriorityServedFirst(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	block := make(chan struct{})

	// every job is submitted before the worker starts, so all three are
	// queued when it begins popping; this one blocks until close(block).
	_, firstResult := q.Submit(FuncJob{Fn: func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}}, Medium)

	_, lowCh := q.Submit(FuncJob{Fn: func(ctx context.Context) (any, error) {
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
		return nil, nil
	}}, Low)
	_, highCh := q.Submit(FuncJob{Fn: func(ctx context.Context) (any, error) {
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		return nil, nil
	}}, High)

	q.Start(ctx)
	close(block)
	<-firstResult
	<-lowCh
	<-highCh

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("execution order = %v, want [high low]", order)
	}
}

func TestPanicInSyncJobSurfacesAsError(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	res, err := q.SubmitAndAwait(context.Background(), FuncJob{Fn: func(ctx context.Context) (any, error) {
		panic("boom")
	}}, High)
	if err != nil {
		t.Fatalf("SubmitAndAwait: %v", err)
	}
	if res.Err == nil {
		t.Fatalf("expected panic to surface as an error result")
	}

	// the worker must still be alive after a panic.
	res2, err := q.SubmitAndAwait(context.Background(), FuncJob{Fn: func(ctx context.Context) (any, error) {
		return "alive", nil
	}}, High)
	if err != nil {
		t.Fatalf("SubmitAndAwait after panic: %v", err)
	}
	if res2.Value != "alive" {
		t.Fatalf("worker did not survive a panicking job")
	}
}

func TestAsyncJobErrorPropagatesUnwrapped(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	wantErr := errors.New("async failure")
	res, err := q.SubmitAndAwait(context.Background(), FuncJob{
		Async: true,
		Fn: func(ctx context.Context) (any, error) {
			return nil, wantErr
		},
	}, Low)
	if err != nil {
		t.Fatalf("SubmitAndAwait: %v", err)
	}
	if !errors.Is(res.Err, wantErr) {
		t.Fatalf("result.Err = %v, want %v", res.Err, wantErr)
	}
}

func TestSubmitAndAwaitContextCancellationDoesNotStopJob(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	started := make(chan struct{})
	finished := make(chan struct{})
	_, resultCh := q.Submit(FuncJob{Fn: func(ctx context.Context) (any, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return "done", nil
	}}, Medium)

	<-started
	awaitCtx, awaitCancel := context.WithCancel(context.Background())
	awaitCancel()
	if _, err := q.SubmitAndAwait(awaitCtx, FuncJob{Fn: func(ctx context.Context) (any, error) { return nil, nil }}, Low); err == nil {
		t.Fatalf("expected SubmitAndAwait to report the canceled context")
	}

	<-finished
	res := <-resultCh
	if res.Value != "done" {
		t.Fatalf("job aborted early despite no cancellation of its own receiver")
	}
}

func TestQueueLenReflectsPendingJobs(t *testing.T) {
	q := New()
	block := make(chan struct{})
	_, _ = q.Submit(FuncJob{Fn: func(ctx context.Context) (any, error) { <-block; return nil, nil }}, Medium)
	_, _ = q.Submit(FuncJob{Fn: func(ctx context.Context) (any, error) { return nil, nil }}, Low)

	if got := q.Len(); got != 2 {
		t.Fatalf("Len before Start = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	time.Sleep(5 * time.Millisecond) // let the worker pick up the first (blocking) job
	if got := q.Len(); got != 1 {
		t.Fatalf("Len after worker picked up first job = %d, want 1", got)
	}
	close(block)
	cancel()
	<-q.Done()
}
