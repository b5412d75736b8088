package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBackoff_WithDefaults(t *testing.T) {
	got := Backoff{PollInterval: time.Second}.withDefaults()
	want := DefaultBackoff()
	want.PollInterval = time.Second
	if got != want {
		t.Errorf("withDefaults = %+v, want %+v", got, want)
	}
}

func TestWatcher_ReadyImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(testBackoff(), nil)
	w := m.Watch(ctx, "ollama", func(context.Context) error { return nil })

	waitFor(t, w.Ready)
	if s := w.Status(); s.LastCheck.IsZero() || s.LastError != "" {
		t.Errorf("status = %+v", s)
	}
	if !m.Healthy() {
		t.Error("manager should be healthy")
	}
}

func TestWatcher_RecoversAfterFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	m := NewManager(testBackoff(), nil)
	w := m.Watch(ctx, "openai", func(context.Context) error {
		if calls.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	waitFor(t, w.Ready)
	if calls.Load() < 4 {
		t.Errorf("calls = %d, want at least 4", calls.Load())
	}
	if s := w.Status(); s.Failures != 0 || s.LastError != "" {
		t.Errorf("status after recovery = %+v", s)
	}
}

func TestWatcher_GoesDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var down atomic.Bool
	m := NewManager(testBackoff(), nil)
	w := m.Watch(ctx, "ollama", func(context.Context) error {
		if down.Load() {
			return errors.New("timeout")
		}
		return nil
	})

	waitFor(t, w.Ready)
	down.Store(true)
	waitFor(t, func() bool { return !w.Ready() })

	if s := w.Status(); s.LastError != "timeout" || s.Failures == 0 {
		t.Errorf("status = %+v", s)
	}
	if m.Healthy() {
		t.Error("manager should be unhealthy")
	}
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(testBackoff(), nil)
	w := m.Watch(ctx, "ollama", func(context.Context) error { return errors.New("down") })
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestManager_StatusSortedAndDeduplicated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(testBackoff(), nil)
	ok := func(context.Context) error { return nil }
	first := m.Watch(ctx, "openai", ok)
	m.Watch(ctx, "ollama", ok)
	if again := m.Watch(ctx, "openai", ok); again != first {
		t.Error("second Watch should return the existing watcher")
	}

	status := m.Status()
	if len(status) != 2 || status[0].Name != "ollama" || status[1].Name != "openai" {
		t.Errorf("status = %+v", status)
	}
}
