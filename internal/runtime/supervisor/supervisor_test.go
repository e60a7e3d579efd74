package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(context.Context) error { return errors.New("broken") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom: broken") {
		t.Fatalf("Wait = %v, want named error", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("cancel-on-error did not cancel the supervisor context")
	}
}

func TestGoTreatsContextCanceledAsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("clean shutdown reported error: %v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("panicky", func(context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "panic: kaboom") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
	snap := s.SnapshotNow()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("snapshot = %+v, want one recorded panic", snap.Tasks)
	}
}

func TestGoRestartComesBackAfterPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int64
	s.GoRestart0("flappy", func(ctx context.Context) {
		if runs.Add(1) < 3 {
			panic("transient")
		}
		<-ctx.Done()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitCond(t, "third run", func() bool { return runs.Load() >= 3 })
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait after restarts: %v", err)
	}
	snap := s.SnapshotNow()
	if len(snap.Tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(snap.Tasks))
	}
	ts := snap.Tasks[0]
	if ts.Restarts < 2 || ts.Panics < 2 || ts.Active != 0 {
		t.Fatalf("task stats = %+v, want 2 restarts, 2 panics, inactive", ts)
	}
}

func TestGoRestartStopsOnCleanReturn(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int64
	s.GoRestart0("oneshot", func(context.Context) { runs.Add(1) },
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("clean return restarted: %d runs", got)
	}
}

func TestSnapshotAggregatesByName(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		s.Go0("worker", func(context.Context) { <-release })
	}
	waitCond(t, "workers active", func() bool {
		snap := s.SnapshotNow()
		return len(snap.Tasks) == 1 && snap.Tasks[0].Active == 3
	})
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	snap := s.SnapshotNow()
	if snap.Active != 0 || snap.Started != 3 {
		t.Fatalf("snapshot totals = %+v", snap)
	}
}
