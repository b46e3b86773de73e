package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigPath = "~/.config/diascan/config.json"
	defaultWorkers    = 2
)

// Config holds user-editable settings for the scan pipeline.
type Config struct {
	Paths      Paths      `json:"paths"`
	Processing Processing `json:"processing"`
	Duplicates Duplicates `json:"duplicates"`
	Watcher    Watcher    `json:"watcher"`
	Logging    Logging    `json:"logging"`
}

// Paths configures the directories the pipeline moves files through.
type Paths struct {
	InputDir      string   `json:"input_dir"`
	ExtraInputs   []string `json:"extra_inputs"` // additional watched directories
	AnalysedDir   string   `json:"analysed_dir"` // renamed raw scans
	OutputDir     string   `json:"output_dir"`   // enhanced outputs
	ModelsDir     string   `json:"models_dir"`   // face cascade etc.
	DatabasePath  string   `json:"database_path"`
	FaceCascade   string   `json:"face_cascade"` // overrides ModelsDir lookup
	ImageWorkers  int      `json:"image_workers"`
	QueueCapacity int      `json:"queue_capacity"`
}

// Processing captures enhancement preferences.
type Processing struct {
	HistogramClip    float64 `json:"histogram_clip"`   // percent clipped from each tail
	CLAHEClip        float64 `json:"clahe_clip_limit"` // contrast limiting threshold
	AdaptiveGrid     bool    `json:"adaptive_clahe_grid"`
	FaceDetection    bool    `json:"enable_face_detection"`
	AutoQuality      bool    `json:"auto_quality"`
	JPEGQuality      int     `json:"jpeg_quality"`
	EnablePNGArchive bool    `json:"enable_png_archive"`
	EnableTIFFFull   bool    `json:"enable_tiff_archive"` // 16-bit archival TIFF
	EnableJPEGXL     bool    `json:"enable_jpeg_xl"`
}

// Duplicates configures perceptual-hash matching.
type Duplicates struct {
	Threshold float64 `json:"similarity_threshold"` // 0.0-1.0
}

// Watcher configures file-stability detection.
type Watcher struct {
	DebounceSeconds float64 `json:"debounce_seconds"`
	PollSeconds     float64 `json:"poll_seconds"`
}

// Logging controls verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("DIASCAN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: Paths{
			InputDir:      "./input",
			AnalysedDir:   "./analysed",
			OutputDir:     "./output",
			ModelsDir:     "./models",
			DatabasePath:  "./diascan.db",
			ImageWorkers:  defaultWorkers,
			QueueCapacity: 256,
		},
		Processing: Processing{
			HistogramClip: 0.5,
			CLAHEClip:     1.5,
			AdaptiveGrid:  true,
			FaceDetection: true,
			AutoQuality:   true,
			JPEGQuality:   95,
		},
		Duplicates: Duplicates{Threshold: 0.95},
		Watcher: Watcher{
			DebounceSeconds: 2.0,
			PollSeconds:     1.0,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
	}
}

// InputDirectories returns the primary input directory plus any extras,
// with empty entries dropped.
func (c *Config) InputDirectories() []string {
	dirs := make([]string, 0, 1+len(c.Paths.ExtraInputs))
	if c.Paths.InputDir != "" {
		dirs = append(dirs, c.Paths.InputDir)
	}
	for _, d := range c.Paths.ExtraInputs {
		d = strings.TrimSpace(d)
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// FaceCascadePath resolves the cascade XML location.
func (c *Config) FaceCascadePath() string {
	if c.Paths.FaceCascade != "" {
		return c.Paths.FaceCascade
	}
	return filepath.Join(c.Paths.ModelsDir, "haarcascade_frontalface_default.xml")
}

// EnsureDirectories creates the working directories if missing. Failures are
// returned for the caller to log; a directory may become creatable later.
func (c *Config) EnsureDirectories() error {
	dirs := append(c.InputDirectories(), c.Paths.AnalysedDir, c.Paths.OutputDir, c.Paths.ModelsDir)
	var firstErr error
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
