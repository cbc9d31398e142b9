package aseq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitThenStartLimitsConcurrency(t *testing.T) {
	s := New(2)
	var active int32
	var maxActive int32
	release := make(chan struct{})

	start := func() (*ResultProxy, error) {
		return s.WaitThenStart(nil, func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			return nil, nil
		})
	}

	proxies := make([]*ResultProxy, 0, 3)
	for i := 0; i < 3; i++ {
		p, err := start()
		if err != nil {
			t.Fatalf("WaitThenStart: %v", err)
		}
		proxies = append(proxies, p)
	}

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&maxActive); got > 2 {
		t.Errorf("max concurrent Funcs = %d, want <= 2", got)
	}

	close(release)
	for _, p := range proxies {
		if _, err := p.Complete(); err != nil {
			t.Errorf("Complete: %v", err)
		}
	}
}

func TestPendingForTracksUIDUntilComplete(t *testing.T) {
	s := New(1)
	release := make(chan struct{})
	p, err := s.WaitThenStart("tool-1", func(ctx context.Context) (any, error) {
		<-release
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("WaitThenStart: %v", err)
	}
	if got, ok := s.PendingFor("tool-1"); !ok || got != p {
		t.Error("expected tool-1 to be pending")
	}
	close(release)
	if _, err := p.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, ok := s.PendingFor("tool-1"); ok {
		t.Error("expected tool-1 to no longer be pending after completion")
	}
}

func TestCompleteAllCollectsFirstError(t *testing.T) {
	s := New(4)
	wantErr := context.DeadlineExceeded
	if _, err := s.WaitThenStart(nil, func(ctx context.Context) (any, error) { return nil, wantErr }); err != nil {
		t.Fatalf("WaitThenStart: %v", err)
	}
	if _, err := s.WaitThenStart(nil, func(ctx context.Context) (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("WaitThenStart: %v", err)
	}
	if err := s.CompleteAll(); err != wantErr {
		t.Errorf("CompleteAll error = %v, want %v", err, wantErr)
	}
}

func TestCancelAllStopsNewWorkAndUnblocksRunning(t *testing.T) {
	s := New(1)
	started := make(chan struct{})
	p, err := s.WaitThenStart(nil, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("WaitThenStart: %v", err)
	}
	<-started
	if err := s.CancelAll(); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if _, err := p.Complete(); err != context.Canceled {
		t.Errorf("Complete error = %v, want context.Canceled", err)
	}
	if _, err := s.WaitThenStart(nil, func(ctx context.Context) (any, error) { return nil, nil }); err == nil {
		t.Error("expected error scheduling work on a cancelled sequencer")
	}
}
