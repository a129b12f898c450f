// Package watch bridges filesystem change notifications into graph
// invalidation. The engine itself never watches the filesystem; this package
// is the embedding application's integration point.
package watch

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/buildweave/weave/internal/ctxlog"
)

// Invalidator receives batches of changed build-root-relative paths.
// *scheduler.Scheduler satisfies it.
type Invalidator interface {
	InvalidateFiles(paths []string) int
}

// Watcher recursively watches a build root and, after a debounce window,
// invalidates the changed paths. Rapid bursts (editor save storms, branch
// switches) collapse into one invalidation batch.
type Watcher struct {
	root     string
	debounce time.Duration
	inv      Invalidator
	fsw      *fsnotify.Watcher

	batches  chan []string
	stopOnce sync.Once
	done     chan struct{}
}

// ignoredDirs are never watched; changes inside them cannot affect rule
// inputs read through the engine.
var ignoredDirs = map[string]bool{".git": true, ".hg": true, "node_modules": true}

// New creates a watcher over root. Call Run to start it.
func New(root string, debounce time.Duration, inv Invalidator) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     root,
		debounce: debounce,
		inv:      inv,
		fsw:      fsw,
		batches:  make(chan []string, 16),
		done:     make(chan struct{}),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Batches delivers each invalidated batch of relative paths after it has been
// applied, for poll loops and tests. Slow consumers drop batches rather than
// stalling invalidation.
func (w *Watcher) Batches() <-chan []string {
	return w.batches
}

// Run processes events until the context is canceled or the watcher is
// closed. Changed paths are collected while the debounce timer runs, then
// invalidated as one batch.
func (w *Watcher) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		clear(pending)
		fire = nil
		count := w.inv.InvalidateFiles(paths)
		logger.Debug("invalidated changed paths", "paths", len(paths), "nodes", count)
		select {
		case w.batches <- paths:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(w.root, event.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if ignoredDirs[firstSegment(rel)] {
				continue
			}
			// A created directory must itself be watched for further events.
			if event.Op.Has(fsnotify.Create) {
				_ = w.addRecursive(event.Name)
			}
			pending[rel] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				// Drain a tick that fired but was not yet received, or the
				// stale tick would flush the batch before the window elapses.
				if !timer.Stop() && fire != nil {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			flush()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

// Close stops the watcher; a running Run returns nil.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if ignoredDirs[d.Name()] && path != dir {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func firstSegment(rel string) string {
	for i := range rel {
		if rel[i] == '/' {
			return rel[:i]
		}
	}
	return rel
}
