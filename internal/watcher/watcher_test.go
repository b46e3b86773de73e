package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestIsImageFile(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"scan.tif", true},
		{"scan.TIFF", true},
		{"photo.jpg", true},
		{"photo.JPEG", true},
		{"notes.txt", false},
		{"archive.png", false},
		{"noext", false},
		{"dir/scan.tiff", true},
	}
	for _, c := range cases {
		if got := IsImageFile(c.path); got != c.want {
			t.Errorf("IsImageFile(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestCollectStablePromotesOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.tif")
	writeFile(t, path, 1024)

	w := New(dir, 2*time.Second, func(string) {}, Options{}, discardLogger())

	w.handleCreate(path)

	// First tick sees the size change from the initial zero and resets the
	// debounce clock.
	now := time.Now()
	if got := w.collectStable(now); len(got) != 0 {
		t.Fatalf("promoted before debounce elapsed: %v", got)
	}

	// A tick inside the window must not promote.
	if got := w.collectStable(now.Add(time.Second)); len(got) != 0 {
		t.Fatalf("promoted inside debounce window: %v", got)
	}

	got := w.collectStable(now.Add(3 * time.Second))
	if len(got) != 1 || got[0] != path {
		t.Fatalf("expected promotion of %s, got %v", path, got)
	}

	// Promotion consumes the pending entry; later ticks stay quiet.
	if got := w.collectStable(now.Add(10 * time.Second)); len(got) != 0 {
		t.Fatalf("file promoted twice: %v", got)
	}
	if n := w.PendingCount(); n != 0 {
		t.Fatalf("pending count = %d, want 0", n)
	}
}

func TestCollectStableSizeChangeResetsClock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.tif")
	writeFile(t, path, 100)

	w := New(dir, 2*time.Second, func(string) {}, Options{}, discardLogger())
	w.handleCreate(path)

	now := time.Now()
	w.collectStable(now) // records size 100

	// Writer is still appending.
	writeFile(t, path, 200)
	if got := w.collectStable(now.Add(3 * time.Second)); len(got) != 0 {
		t.Fatalf("promoted while size still changing: %v", got)
	}

	// Size settled at 200; the clock restarted at the previous tick.
	if got := w.collectStable(now.Add(4 * time.Second)); len(got) != 0 {
		t.Fatalf("promoted before new debounce window elapsed: %v", got)
	}
	got := w.collectStable(now.Add(6 * time.Second))
	if len(got) != 1 {
		t.Fatalf("expected promotion after size settled, got %v", got)
	}
}

func TestCollectStableDropsVanishedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.jpg")
	writeFile(t, path, 50)

	w := New(dir, time.Second, func(string) {}, Options{}, discardLogger())
	w.handleCreate(path)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if got := w.collectStable(time.Now().Add(time.Hour)); len(got) != 0 {
		t.Fatalf("vanished file promoted: %v", got)
	}
	if n := w.PendingCount(); n != 0 {
		t.Fatalf("vanished file still pending, count = %d", n)
	}
}

func TestCollectStableOrdersByArrival(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "zz_later_name.tif")
	second := filepath.Join(dir, "aa_earlier_name.tif")
	writeFile(t, first, 10)
	writeFile(t, second, 10)

	w := New(dir, time.Second, func(string) {}, Options{}, discardLogger())

	base := time.Now()
	w.pending[first] = pendingFile{size: 10, lastChange: base, firstSeen: base}
	w.pending[second] = pendingFile{size: 10, lastChange: base, firstSeen: base.Add(time.Millisecond)}

	got := w.collectStable(base.Add(5 * time.Second))
	if len(got) != 2 {
		t.Fatalf("expected 2 promotions, got %v", got)
	}
	if got[0] != first || got[1] != second {
		t.Fatalf("promotion order = %v, want [%s %s]", got, first, second)
	}
}

func TestHandleRemoveFiresDeletionCallback(t *testing.T) {
	dir := t.TempDir()

	var deleted []string
	w := New(dir, time.Second, func(string) {},
		Options{Deletion: func(p string) { deleted = append(deleted, p) }}, discardLogger())

	w.handleRemove(filepath.Join(dir, "gone.jpg"))
	if len(deleted) != 1 {
		t.Fatalf("deletion callback fired %d times, want 1", len(deleted))
	}

	// Non-image removals are ignored.
	w.handleRemove(filepath.Join(dir, "gone.txt"))
	if len(deleted) != 1 {
		t.Fatalf("deletion callback fired for non-image file")
	}
}

func TestHandleCreateIgnoresUnsupported(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, time.Second, func(string) {}, Options{}, discardLogger())

	w.handleCreate(filepath.Join(dir, "readme.txt"))
	if n := w.PendingCount(); n != 0 {
		t.Fatalf("unsupported file tracked, pending = %d", n)
	}
}

func TestFireRecoversFromPanic(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, time.Second, func(string) {}, Options{}, discardLogger())

	w.fire(func(string) { panic("boom") }, filepath.Join(dir, "frame.tif"))
	// Reaching here means the panic stayed contained.
}

func TestScanExisting(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "roll2")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "a.tif"), 10)
	writeFile(t, filepath.Join(sub, "b.jpg"), 10)
	writeFile(t, filepath.Join(dir, "ignore.txt"), 10)

	var fired []string
	w := New(dir, time.Second, func(p string) { fired = append(fired, p) }, Options{}, discardLogger())

	if err := w.ScanExisting(); err != nil {
		t.Fatalf("ScanExisting: %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("fired for %d files, want 2: %v", len(fired), fired)
	}
}
