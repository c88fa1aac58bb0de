package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskcore/internal/config"
)

func TestWatcher_ReportsPolicyChange(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	policyPath := cfg.PolicyPath()
	if err := os.WriteFile(policyPath, []byte("engine: threshold\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// An unrelated file in the same directory must not be reported.
	_ = os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644)

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	if err := os.WriteFile(policyPath, []byte("engine: allow_all\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "policy.yaml" || ev.Kind != config.FilePolicy {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-writeTick.C:
			// The watcher may not have been ready for the first write.
			_ = os.WriteFile(policyPath, []byte("engine: allow_all\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			// A late event is fine; the channel must still close.
			for range w.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
