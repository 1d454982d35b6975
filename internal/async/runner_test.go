package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoDoesNotBlockCaller(t *testing.T) {
	r := NewRunner(nil, time.Second)
	release := make(chan struct{})
	start := time.Now()
	r.Go("slow", func(ctx context.Context) error {
		<-release
		return nil
	})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("Go blocked")
	}
	close(release)
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestFailuresAndPanicsAreContained(t *testing.T) {
	r := NewRunner(nil, time.Second)
	r.Go("err", func(context.Context) error { return errors.New("smtp down") })
	r.Go("panic", func(context.Context) error { panic("nil map") })
	var ok atomic.Bool
	r.Go("fine", func(context.Context) error { ok.Store(true); return nil })

	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Failed() != 2 || !ok.Load() {
		t.Fatalf("failed=%d ok=%v", r.Failed(), ok.Load())
	}
}

func TestTaskTimeout(t *testing.T) {
	r := NewRunner(nil, 20*time.Millisecond)
	var sawDeadline atomic.Bool
	r.Go("hang", func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !sawDeadline.Load() {
		t.Fatalf("task context had no deadline")
	}
}

func TestWaitRejectsNewTasks(t *testing.T) {
	r := NewRunner(nil, time.Second)
	_ = r.Wait(context.Background())
	if r.Go("late", func(context.Context) error { return nil }) {
		t.Fatalf("task accepted after Wait")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	r := NewRunner(nil, time.Minute)
	block := make(chan struct{})
	defer close(block)
	r.Go("stuck", func(context.Context) error { <-block; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
