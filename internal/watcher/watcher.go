// Package watcher turns raw filesystem events into reliable "fully written"
// signals. A file counts as stable once its size has stayed constant for the
// debounce window across consecutive polls.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// supportedExt is the fixed allow-list of scanned frame formats.
var supportedExt = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
}

// IsImageFile reports whether path has a supported extension (case-insensitive).
func IsImageFile(path string) bool {
	return supportedExt[strings.ToLower(filepath.Ext(path))]
}

// Callback receives the path of a file once it is stable (or deleted).
type Callback func(path string)

// pendingFile tracks a file awaiting stability.
type pendingFile struct {
	size       int64
	lastChange time.Time
	firstSeen  time.Time
}

// Watcher monitors one directory tree for new image files and reports them
// once fully written. Deletion events invoke a separate callback regardless
// of pending state.
type Watcher struct {
	dir        string
	onStable   Callback
	onDeletion Callback // may be nil
	debounce   time.Duration
	poll       time.Duration
	log        *slog.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]pendingFile
}

// Options configures optional watcher behavior.
type Options struct {
	Deletion Callback      // invoked on file removal, independent of pending set
	Poll     time.Duration // defaults to 1s
}

// New creates a watcher for dir. onStable fires once per stable file.
func New(dir string, debounce time.Duration, onStable Callback, opts Options, log *slog.Logger) *Watcher {
	poll := opts.Poll
	if poll <= 0 {
		poll = time.Second
	}
	return &Watcher{
		dir:        dir,
		onStable:   onStable,
		onDeletion: opts.Deletion,
		debounce:   debounce,
		poll:       poll,
		log:        log,
		pending:    make(map[string]pendingFile),
	}
}

// Start begins monitoring. The directory is created if missing.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addRecursive(w.dir); err != nil {
		fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.pollLoop(ctx)

	w.log.Info("watching directory", "dir", w.dir, "debounce", w.debounce.String())
	return nil
}

// Stop cancels the poll loop and awaits its completion.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.wg.Wait()
	return err
}

// PendingCount returns the number of files awaiting stability.
func (w *Watcher) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// ScanExisting walks already-present matching files and feeds each through
// the stable path. Used at startup to resume an interrupted batch.
func (w *Watcher) ScanExisting() error {
	return filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // directory may be mid-creation, retry belongs to the caller
		}
		if d.IsDir() || !IsImageFile(path) {
			return nil
		}
		w.log.Info("processing existing file", "file", filepath.Base(path))
		w.fire(w.onStable, path)
		return nil
	})
}

// addRecursive registers dir and all subdirectories; fsnotify itself is
// not recursive.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			switch {
			case event.Op.Has(fsnotify.Create):
				w.handleCreate(event.Name)
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				w.handleRemove(event.Name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) handleCreate(path string) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		// New subdirectory: watch it too.
		_ = w.addRecursive(path)
		return
	}
	if !IsImageFile(path) {
		return
	}

	w.log.Info("new file detected", "file", filepath.Base(path))
	now := time.Now()
	w.mu.Lock()
	w.pending[path] = pendingFile{size: 0, lastChange: now, firstSeen: now}
	w.mu.Unlock()
}

func (w *Watcher) handleRemove(path string) {
	if !IsImageFile(path) {
		return
	}

	w.mu.Lock()
	_, wasPending := w.pending[path]
	delete(w.pending, path)
	w.mu.Unlock()

	if wasPending {
		w.log.Debug("pending file removed", "file", filepath.Base(path))
	}
	if w.onDeletion != nil {
		w.log.Info("file deleted", "file", filepath.Base(path))
		w.fire(w.onDeletion, path)
	}
}

// pollLoop re-checks pending file sizes on a fixed period and promotes
// files whose size has been unchanged for the debounce window.
func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.collectStable(time.Now()) {
				w.log.Info("file stable, dispatching", "file", filepath.Base(path))
				w.fire(w.onStable, path)
			}
		}
	}
}

// collectStable advances pending-file state for one poll tick and returns
// promoted paths, oldest arrival first.
func (w *Watcher) collectStable(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	type candidate struct {
		path      string
		firstSeen time.Time
	}
	var stable []candidate

	for path, pf := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			// Vanished mid-poll: a transient partial write, drop silently.
			delete(w.pending, path)
			continue
		}

		size := info.Size()
		if size == pf.size {
			if now.Sub(pf.lastChange) >= w.debounce {
				stable = append(stable, candidate{path: path, firstSeen: pf.firstSeen})
				delete(w.pending, path)
			}
		} else {
			pf.size = size
			pf.lastChange = now
			w.pending[path] = pf
		}
	}

	sort.Slice(stable, func(i, j int) bool {
		if stable[i].firstSeen.Equal(stable[j].firstSeen) {
			return stable[i].path < stable[j].path
		}
		return stable[i].firstSeen.Before(stable[j].firstSeen)
	})

	paths := make([]string, len(stable))
	for i, c := range stable {
		paths[i] = c.path
	}
	return paths
}

// fire invokes a callback with a panic boundary so one bad file can never
// abort the poll loop.
func (w *Watcher) fire(cb Callback, path string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watcher callback panicked", "file", filepath.Base(path), "panic", r)
		}
	}()
	cb(path)
}
