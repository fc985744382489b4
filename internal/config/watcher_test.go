package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func watchedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWatcherDetectsChange(t *testing.T) {
	path := watchedFile(t)

	var fired atomic.Int32
	w := NewWatcher(path, 10*time.Millisecond, testLogger(), func() {
		fired.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Push the mod time forward explicitly so the poll sees a change
	// regardless of filesystem timestamp resolution.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("watcher never fired on mod-time change")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatcherStopsOnCancel(t *testing.T) {
	path := watchedFile(t)

	var fired atomic.Int32
	w := NewWatcher(path, 10*time.Millisecond, testLogger(), func() {
		fired.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit on cancel")
	}

	// Changes after shutdown go unseen.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("cancelled watcher must not fire, got %d", fired.Load())
	}
}

func TestWatcherIgnoresMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-written.json")

	var fired atomic.Int32
	w := NewWatcher(path, 10*time.Millisecond, testLogger(), func() {
		fired.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("a file that never exists should never fire, got %d", fired.Load())
	}

	// The file appearing counts as a change.
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("watcher never fired on file creation")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
