package util

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunEveryRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		RunEvery(ctx, 10*time.Millisecond, true, func(context.Context) { calls.Add(1) })
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("calls = %d, want at least 3", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunEvery did not return after cancel")
	}
}

func TestRunEveryWaitsWithoutImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	RunEvery(ctx, time.Hour, false, func(context.Context) { called = true })
	if called {
		t.Fatalf("fn ran on a cancelled context")
	}
}
