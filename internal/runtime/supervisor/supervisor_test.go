package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "dealwatch/pkg/logx"
)

func TestGoCollectsFirstError(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	boom := errors.New("boom")
	s.Go("worker", func(context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, boom) {
		t.Fatalf("Stop err = %v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.Go("panicky", func(context.Context) error { panic("ouch") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("panic not surfaced as error")
	}
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true), WithLogger(logx.Nop()))
	s.Go("failing", func(context.Context) error { return errors.New("die") })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on error")
	}
}

func TestGoRestartHealsUntilCleanExit(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitRuns(t, &runs, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	var runs atomic.Int32
	s.GoRestart("doomed", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	waitRuns(t, &runs, 3) // initial run + 2 restarts
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatal("expected final error")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func waitRuns(t *testing.T, runs *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}
