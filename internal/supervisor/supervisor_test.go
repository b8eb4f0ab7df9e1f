package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPermanentUnitRestartsAfterFailure(t *testing.T) {
	var runs atomic.Int32
	u := &Unit{
		Name:   "flaky",
		Policy: Permanent,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	s := New()
	s.heartbeatInterval = 10 * time.Millisecond
	s.Register(u)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if runs.Load() < 2 {
		t.Fatalf("expected permanent unit to restart at least once, ran %d times", runs.Load())
	}
}

func TestTransientUnitDoesNotRestart(t *testing.T) {
	var runs atomic.Int32
	u := &Unit{
		Name:   "onceonly",
		Policy: Transient,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	s := New()
	s.Register(u)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("expected transient unit to run exactly once, ran %d times", runs.Load())
	}
}

func TestRunReturnsPromptlyOnCancel(t *testing.T) {
	u := &Unit{
		Name:   "blocks-on-ctx",
		Policy: Permanent,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	s := New()
	s.Register(u)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to unblock quickly after cancel")
	}
}
