package main

import (
	"context"
	"testing"
	"time"
)

func TestClampRatio(t *testing.T) {
	cases := map[float64]float64{-0.3: 0, 0: 0, 0.25: 0.25, 1: 1, 7: 1}
	for in, want := range cases {
		if got := clampRatio(in); got != want {
			t.Fatalf("clampRatio(%v): expected %v, got %v", in, want, got)
		}
	}
}

func TestNextDelay(t *testing.T) {
	base := 30 * time.Second
	if got := nextDelay(base, 0, 0.9); got != base {
		t.Fatalf("expected unjittered %s, got %s", base, got)
	}
	if got := nextDelay(base, 0.2, 0); got != 24*time.Second {
		t.Fatalf("expected lower bound 24s, got %s", got)
	}
	if got := nextDelay(base, 0.2, 0.5); got != base {
		t.Fatalf("expected midpoint %s, got %s", base, got)
	}
	if got := nextDelay(base, 0.2, 1); got != 36*time.Second {
		t.Fatalf("expected upper bound 36s, got %s", got)
	}
	if got := nextDelay(base, 1, 0); got != time.Millisecond {
		t.Fatalf("expected floor of 1ms, got %s", got)
	}
	if got := nextDelay(0, 0.2, 0.5); got != 0 {
		t.Fatalf("expected zero for non-positive base, got %s", got)
	}
}

func TestLoopRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runs := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop(ctx, time.Millisecond, 0, func() float64 { return 0.5 }, func(ctx context.Context) {
			if ctx.Err() != nil {
				return
			}
			runs++
			if runs == 3 {
				cancel()
			}
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop after cancel")
	}
	if runs != 3 {
		t.Fatalf("expected 3 cycles, got %d", runs)
	}
}
