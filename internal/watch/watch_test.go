package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTree(t *testing.T) (root, index string) {
	t.Helper()
	root = t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	index = filepath.Join(root, ".git", "index")
	if err := os.WriteFile(index, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	return root, index
}

func expectSignal(t *testing.T, w *Watcher, within time.Duration) {
	t.Helper()
	select {
	case <-w.Changes():
	case <-time.After(within):
		t.Fatal("expected a change signal")
	}
}

func expectQuiet(t *testing.T, w *Watcher, within time.Duration) {
	t.Helper()
	select {
	case <-w.Changes():
		t.Fatal("unexpected change signal")
	case <-time.After(within):
	}
}

func runWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	// Let the watcher register before the test mutates anything.
	time.Sleep(100 * time.Millisecond)
}

func TestWatcher_Notify(t *testing.T) {
	root, index := setupTree(t)
	w := New(root, index, Options{Debounce: 100 * time.Millisecond})
	runWatcher(t, w)

	os.WriteFile(filepath.Join(root, "src", "a.ts"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(root, "src", "a.ts"), []byte("xy"), 0644)
	expectSignal(t, w, 3*time.Second)
	expectQuiet(t, w, 300*time.Millisecond)

	os.WriteFile(index, []byte("v2"), 0644)
	expectSignal(t, w, 3*time.Second)
}

func TestWatcher_IgnoresSkippedDirs(t *testing.T) {
	root, index := setupTree(t)
	os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0755)
	w := New(root, index, Options{Debounce: 100 * time.Millisecond})
	runWatcher(t, w)

	os.WriteFile(filepath.Join(root, "node_modules", "pkg", "index.js"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(root, ".git", "ORIG_HEAD"), []byte("x"), 0644)
	expectQuiet(t, w, 500*time.Millisecond)
}

func TestWatcher_Poll(t *testing.T) {
	root, index := setupTree(t)
	w := New(root, index, Options{
		Debounce:  100 * time.Millisecond,
		Poll:      50 * time.Millisecond,
		ForcePoll: true,
	})
	runWatcher(t, w)

	os.WriteFile(filepath.Join(root, "src", "b.ts"), []byte("hello"), 0644)
	expectSignal(t, w, 3*time.Second)
	expectQuiet(t, w, 300*time.Millisecond)
}

func TestRelevant(t *testing.T) {
	root, index := setupTree(t)
	w := New(root, index, Options{})
	tests := []struct {
		path string
		want bool
	}{
		{index, true},
		{filepath.Join(root, "src", "a.ts"), true},
		{filepath.Join(root, ".git", "HEAD"), false},
		{filepath.Join(root, "node_modules", "x.js"), false},
		{filepath.Join(root, "src", "a.ts.tmp.0123abcd"), false},
		{filepath.Join(root, ".vibetap", "store.db"), false},
	}
	for _, tt := range tests {
		if got := w.relevant(tt.path); got != tt.want {
			t.Errorf("relevant(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
