package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"diascan/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := parseLevel(c.in); got != c.want {
			t.Errorf("parseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSetupCreatesLogFileAndSymlink(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = dir

	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logger.Info("hello")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	var foundDated, foundCurrent bool
	for _, e := range entries {
		if e.Name() == "diascan-current.log" {
			foundCurrent = true
		} else if filepath.Ext(e.Name()) == ".log" {
			foundDated = true
		}
	}
	if !foundDated {
		t.Error("dated log file not created")
	}
	if !foundCurrent {
		t.Error("diascan-current.log symlink not created")
	}
}

func TestSetupWithoutFileOutput(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = false
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "never-created")

	if _, err := Setup(cfg); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, err := os.Stat(cfg.Logging.LogDir); !os.IsNotExist(err) {
		t.Errorf("log dir created despite file output disabled")
	}
}
