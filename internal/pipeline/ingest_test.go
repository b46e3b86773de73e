package pipeline

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diascan/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUniqueDestination(t *testing.T) {
	dir := t.TempDir()
	date := time.Date(2024, 2, 10, 14, 32, 15, 0, time.Local)

	first := uniqueDestination(dir, date, ".tif")
	if filepath.Base(first) != "image_240210_143215.tif" {
		t.Fatalf("first destination = %s", filepath.Base(first))
	}

	// Occupy the canonical name; the next call must pick the _01 suffix.
	if err := os.WriteFile(first, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := uniqueDestination(dir, date, ".tif")
	if filepath.Base(second) != "image_240210_143215_01.tif" {
		t.Fatalf("second destination = %s", filepath.Base(second))
	}

	if err := os.WriteFile(second, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	third := uniqueDestination(dir, date, ".tif")
	if filepath.Base(third) != "image_240210_143215_02.tif" {
		t.Fatalf("third destination = %s", filepath.Base(third))
	}
}

func TestCaptureDateFallsBackToModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.tif")
	if err := os.WriteFile(path, []byte("no exif here"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := time.Date(2023, 6, 1, 9, 30, 0, 0, time.Local)
	if err := os.Chtimes(path, want, want); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got, err := captureDate(path)
	if err != nil {
		t.Fatalf("captureDate: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("captureDate = %v, want %v", got, want)
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tif")
	dst := filepath.Join(dir, "dst.tif")
	if err := os.WriteFile(src, []byte("frame data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile: %v", err)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source still present after move")
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(data) != "frame data" {
		t.Errorf("content mangled: %q", data)
	}
}

func TestIngestRenamesByCaptureDate(t *testing.T) {
	inputDir := t.TempDir()
	analysedDir := t.TempDir()

	src := filepath.Join(inputDir, "raw_scan_0042.tif")
	if err := os.WriteFile(src, []byte("frame"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	stamp := time.Date(2024, 2, 10, 14, 32, 15, 0, time.Local)
	if err := os.Chtimes(src, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cfg := config.Default()
	cfg.Paths.InputDir = inputDir
	cfg.Paths.AnalysedDir = analysedDir

	p := New(cfg, discardLogger(), nil, nil, nil, nil, nil)
	dst, err := p.ingest(src)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if filepath.Base(dst) != "image_240210_143215.tif" {
		t.Errorf("destination = %s", filepath.Base(dst))
	}
	if filepath.Dir(dst) != analysedDir {
		t.Errorf("destination dir = %s, want %s", filepath.Dir(dst), analysedDir)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source not removed after ingest")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("destination missing: %v", err)
	}
}

func TestIngestCollisionGetsSuffix(t *testing.T) {
	inputDir := t.TempDir()
	analysedDir := t.TempDir()

	stamp := time.Date(2024, 2, 10, 14, 32, 15, 0, time.Local)
	occupied := filepath.Join(analysedDir, "image_240210_143215.tif")
	if err := os.WriteFile(occupied, []byte("earlier frame"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := filepath.Join(inputDir, "raw_scan_0043.tif")
	if err := os.WriteFile(src, []byte("frame"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(src, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cfg := config.Default()
	cfg.Paths.AnalysedDir = analysedDir

	p := New(cfg, discardLogger(), nil, nil, nil, nil, nil)
	dst, err := p.ingest(src)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if filepath.Base(dst) != "image_240210_143215_01.tif" {
		t.Errorf("destination = %s, want collision suffix", filepath.Base(dst))
	}

	// The occupant keeps its content.
	data, err := os.ReadFile(occupied)
	if err != nil || string(data) != "earlier frame" {
		t.Errorf("existing file disturbed: %q, %v", data, err)
	}
}
