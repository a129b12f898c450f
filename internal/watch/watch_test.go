package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *recordingInvalidator) InvalidateFiles(paths []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, paths)
	return len(paths)
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func startWatcher(t *testing.T, root string, inv Invalidator) *Watcher {
	t.Helper()
	w, err := New(root, 50*time.Millisecond, inv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
	return w
}

func awaitBatch(t *testing.T, w *Watcher) []string {
	t.Helper()
	select {
	case batch := <-w.Batches():
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("no invalidation batch arrived")
		return nil
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	root := t.TempDir()
	inv := &recordingInvalidator{}
	w := startWatcher(t, root, inv)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o600))

	batch := awaitBatch(t, w)
	assert.Contains(t, batch, "a.txt")
	assert.Contains(t, batch, "b.txt")
	assert.Equal(t, 1, inv.count(), "a rapid burst must invalidate once")
}

func TestTimerResetInsideWindowDoesNotFlushEarly(t *testing.T) {
	root := t.TempDir()
	inv := &recordingInvalidator{}
	w, err := New(root, 200*time.Millisecond, inv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	// Each write lands inside the previous one's debounce window and resets
	// the timer. A stale tick left buffered across a reset would flush a
	// partial batch early; the whole spaced burst must arrive as one batch.
	for i, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		if i > 0 {
			time.Sleep(60 * time.Millisecond)
		}
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(name), 0o600))
	}

	batch := awaitBatch(t, w)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "c.txt", "d.txt"}, batch)
	assert.Equal(t, 1, inv.count(), "resets inside the window must not split the batch")
}

func TestNewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	inv := &recordingInvalidator{}
	w := startWatcher(t, root, inv)

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	awaitBatch(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "c.txt"), []byte("c"), 0o600))
	batch := awaitBatch(t, w)
	assert.Contains(t, batch, "sub/c.txt")
}

func TestIgnoredDirectoryProducesNoBatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	inv := &recordingInvalidator{}
	w := startWatcher(t, root, inv)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o600))

	select {
	case batch := <-w.Batches():
		t.Fatalf("unexpected batch for ignored directory: %v", batch)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Zero(t, inv.count())
}

func TestCloseStopsRun(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, 50*time.Millisecond, &recordingInvalidator{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.NoError(t, w.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
