package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSubscribe_DeliversCreateEventsUnderRoot(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Subscribe(ctx, []string{root}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	target := filepath.Join(root, "new-file.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-events:
		if got != target {
			t.Fatalf("got event for %q, want %q", got, target)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a create event")
	}
}

func TestSubscribe_ExcludedPathIsNeverForwarded(t *testing.T) {
	root := t.TempDir()
	excludedDir := filepath.Join(root, "excluded")
	if err := os.MkdirAll(excludedDir, 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Subscribe(ctx, []string{root}, []string{excludedDir}, zap.NewNop())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := os.WriteFile(filepath.Join(excludedDir, "hidden.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Also write a non-excluded file so we have a positive signal that the
	// watcher is alive and delivering events.
	allowed := filepath.Join(root, "visible.txt")
	if err := os.WriteFile(allowed, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-events:
		if got != allowed {
			t.Fatalf("got event for %q, want the non-excluded file %q", got, allowed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the non-excluded file's event")
	}
}

func TestSubscribe_ClosesChannelOnContextCancel(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	events, err := Subscribe(ctx, []string{root}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected channel to be closed after context cancellation")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
