package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/logger"
)

// DefaultDebounce is how long the watcher waits after the last change
// before ingesting, so that files still being written are not read early.
const DefaultDebounce = 2 * time.Second

// DefaultSettle is how long a file's size and modification time must stay
// unchanged before the file is handed over.
const DefaultSettle = 5 * time.Second

// HandleFunc ingests one file found in the inbox.
type HandleFunc func(ctx context.Context, entry FileEntry) error

// Watcher monitors an inbox directory and hands new record files to
// Handle. Files already in the inbox are handed over on start. A file is
// handed over only once it has settled, and at most once per content
// digest for the watcher's lifetime.
type Watcher struct {
	Dir      string
	Handle   HandleFunc
	Debounce time.Duration

	// Settle is how long a file must keep its size and modification time
	// before it is handed over. Changed files are rechecked every Debounce.
	Settle time.Duration
	Log    *logger.Logger

	matcher gitignore.Matcher
	seen    map[string]bool
	pending map[string]fileState
}

// fileState is the last observed size and modification time of a pending
// file, and when that pair was first observed. A zero since means the file
// changed after the last check.
type fileState struct {
	size    int64
	modTime time.Time
	since   time.Time
}

// WatchInbox watches dir with default settings until ctx is cancelled.
func WatchInbox(ctx context.Context, dir string, handle HandleFunc, log *logger.Logger) error {
	w := &Watcher{Dir: dir, Handle: handle, Log: log}
	return w.Run(ctx)
}

// Run blocks until ctx is cancelled or the store becomes unavailable.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Log == nil {
		w.Log = logger.NewNop()
	}
	if w.Debounce <= 0 {
		w.Debounce = DefaultDebounce
	}
	if w.Settle <= 0 {
		w.Settle = DefaultSettle
	}
	w.seen = make(map[string]bool)
	w.pending = make(map[string]fileState)

	patterns, err := loadIgnore(w.Dir)
	if err != nil {
		w.Log.Warn("ignoring unreadable "+IgnoreFile, "error", err)
	}
	w.matcher = newMatcher(patterns)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addTree(watcher, w.Dir); err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	existing, err := WalkInbox(w.Dir, patterns)
	if err != nil {
		return err
	}
	for _, entry := range existing {
		w.pending[entry.Path] = fileState{}
	}

	batchTimer := time.NewTimer(w.Debounce)
	if len(w.pending) == 0 {
		batchTimer.Stop()
	}
	defer batchTimer.Stop()

	w.Log.Info("watching inbox", "dir", w.Dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if !shouldSkipDir(event.Name, w.Dir, w.matcher) {
					if err := w.addTree(watcher, event.Name); err != nil {
						w.Log.Warn("watching new directory failed", "dir", event.Name, "error", err)
					}
				}
				continue
			}
			if !shouldIngestFile(event.Name, w.Dir, w.matcher) {
				continue
			}
			w.pending[event.Name] = fileState{}
			batchTimer.Reset(w.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn("watch error", "error", err)

		case <-batchTimer.C:
			if err := w.processPending(ctx, time.Now()); err != nil {
				return err
			}
			if len(w.pending) > 0 {
				batchTimer.Reset(w.Debounce)
			}
		}
	}
}

// addTree watches root and every non-ignored directory below it.
func (w *Watcher) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.Dir && shouldSkipDir(path, w.Dir, w.matcher) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// processPending hands over the settled pending files in path order.
// Files still changing stay pending; vanished files are dropped.
func (w *Watcher) processPending(ctx context.Context, now time.Time) error {
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			delete(w.pending, path)
			continue
		}
		if !w.settled(path, info, now) {
			continue
		}

		entry, err := newFileEntry(path, w.Dir)
		if err != nil {
			delete(w.pending, path)
			w.Log.Warn("reading inbox file failed", "file", path, "error", err)
			continue
		}
		// Grew while being hashed.
		if entry.Size != info.Size() {
			w.pending[path] = fileState{}
			continue
		}
		delete(w.pending, path)
		if err := w.handle(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// settled reports whether path has kept its size and modification time for
// at least Settle. Otherwise it records the current observation.
func (w *Watcher) settled(path string, info os.FileInfo, now time.Time) bool {
	prev := w.pending[path]
	if prev.since.IsZero() || prev.size != info.Size() || !prev.modTime.Equal(info.ModTime()) {
		w.pending[path] = fileState{size: info.Size(), modTime: info.ModTime(), since: now}
		return false
	}
	if now.Sub(prev.since) < w.Settle {
		w.Log.Debug("waiting for file to settle", "file", path, "size", info.Size())
		return false
	}
	return true
}

// handle passes entry to Handle once per digest. Only a store outage or
// cancellation stops the watcher; other failures are logged.
func (w *Watcher) handle(ctx context.Context, entry FileEntry) error {
	if w.seen[entry.SHA256] {
		return nil
	}

	err := w.Handle(ctx, entry)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyApplied):
		w.seen[entry.SHA256] = true
		return nil
	case errors.Is(err, graph.ErrStoreUnavailable), ctx.Err() != nil:
		return err
	default:
		w.seen[entry.SHA256] = true
		w.Log.Warn("ingesting inbox file failed", "file", entry.RelPath, "error", err)
		return nil
	}
}
