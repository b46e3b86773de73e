// Package cli wires the cobra command tree for diascan.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"diascan/internal/config"
	"diascan/internal/dedupe"
	"diascan/internal/pipeline"
	"diascan/internal/storage"
	"diascan/internal/watcher"
)

// Root carries the shared collaborators every subcommand needs.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	pipe  *pipeline.Pipeline
}

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := &Root{cfg: cfg, log: log, store: store, pipe: pipe}

	rootCmd := &cobra.Command{
		Use:   "diascan",
		Short: "Diascan ingests, enhances and deduplicates film scans",
		Long: `Diascan watches input directories for fresh film scans, renames them by
capture date, enhances contrast with CLAHE-based processing, and keeps a
perceptual-hash eye out for duplicate frames.`,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newProcessCmd(root))
	rootCmd.AddCommand(newDedupeCmd(root))
	rootCmd.AddCommand(newRecoverCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scan pipeline daemon",
		Long: `Start the watchers and process scans as they arrive. Existing input
files are picked up on startup, and analysed files lacking enhanced
output are healed before live watching takes over.

Stops cleanly on SIGINT/SIGTERM; a file mid-processing is allowed to
finish first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.EnsureDirectories(); err != nil {
				root.log.Warn("could not create working directories", "error", err)
			}

			if err := root.pipe.Start(); err != nil {
				return fmt.Errorf("pipeline start: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			root.log.Info("shutdown requested")
			root.pipe.Stop()

			report := root.pipe.Status()
			root.log.Info("session summary",
				"processed", report.Queues.CompletedSession,
				"errors", report.History.ErrorCount,
				"completed_total", report.Queues.CompletedTotal,
			)
			return nil
		},
	}
}

func newProcessCmd(root *Root) *cobra.Command {
	var noIngest bool

	cmd := &cobra.Command{
		Use:   "process <file_or_directory>",
		Short: "Process one scan or a directory of scans immediately",
		Long: `Run the full state machine for the given file, or every image in the
given directory, without starting watchers.

Examples:
  # Ingest, enhance and archive one scan
  diascan process ~/scans/raw_0042.tif

  # Re-enhance already-renamed files in place (no move, no rename)
  diascan process ./analysed --no-ingest`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			info, err := os.Stat(target)
			if err != nil {
				return err
			}

			var files []string
			if info.IsDir() {
				err := filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if !d.IsDir() && watcher.IsImageFile(path) {
						files = append(files, path)
					}
					return nil
				})
				if err != nil {
					return err
				}
			} else {
				if !watcher.IsImageFile(target) {
					return fmt.Errorf("unsupported file type: %s", filepath.Ext(target))
				}
				files = []string{target}
			}

			if len(files) == 0 {
				fmt.Println("No image files found.")
				return nil
			}

			root.log.Info("one-shot processing", "files", len(files), "no_ingest", noIngest)
			for _, f := range files {
				if noIngest {
					root.pipe.ProcessAnalysed(f)
				} else {
					root.pipe.ProcessFile(f)
				}
			}

			report := root.pipe.Status()
			fmt.Printf("Processed %d, errors %d\n",
				report.Queues.CompletedSession, report.History.ErrorCount)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noIngest, "no-ingest", false, "skip the rename/move stage; enhance files where they are")

	return cmd
}

func newDedupeCmd(root *Root) *cobra.Command {
	var (
		against   bool
		asJSON    bool
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "dedupe [directory] | dedupe --against [archived [input]]",
		Short: "Find duplicate frames by perceptual hash",
		Long: `Scan one corpus for duplicate and near-duplicate frames, or compare
input files against an archived corpus.

Examples:
  # Group duplicates within the analysed archive
  diascan dedupe

  # Group duplicates in an arbitrary directory
  diascan dedupe ~/scans/batch7

  # Compare pending input files against everything already archived
  diascan dedupe --against

  # Same, with explicit directories
  diascan dedupe --against ~/archive ~/scans/incoming`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold > 0 {
				root.pipe.SetDuplicateThreshold(threshold)
			}
			ctx := cmd.Context()

			if against {
				var archivedDir, inputDir string
				if len(args) > 0 {
					archivedDir = args[0]
				}
				if len(args) > 1 {
					inputDir = args[1]
				}
				report, err := root.pipe.ScanIngestDuplicates(ctx, inputDir, archivedDir)
				if err != nil {
					return err
				}
				return printScanReport(report, asJSON)
			}
			if len(args) > 1 {
				return fmt.Errorf("a single-corpus scan takes at most one directory")
			}

			dir := root.cfg.Paths.AnalysedDir
			if len(args) == 1 {
				dir = args[0]
			}
			groups, err := root.pipe.FindDuplicates(ctx, dir)
			if err != nil {
				return err
			}
			return printGroups(dir, groups, asJSON)
		},
	}

	cmd.Flags().BoolVar(&against, "against", false, "compare input files against the analysed archive")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "similarity threshold override (0.0-1.0)")

	return cmd
}

func printGroups(dir string, groups []dedupe.Group, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}

	if len(groups) == 0 {
		fmt.Printf("No duplicates found in %s\n", dir)
		return nil
	}

	fmt.Printf("Found %d duplicate group(s) in %s:\n\n", len(groups), dir)
	for i, g := range groups {
		fmt.Printf("Group %d (%s, avg similarity %.3f):\n", i+1, g.Kind, g.AvgSimilarity)
		fmt.Printf("  keep   %s\n", filepath.Base(g.Seed))
		for _, m := range g.Matches {
			fmt.Printf("  %-6s %s (%.3f)\n", g.Action, filepath.Base(m.Path), m.Similarity)
		}
		fmt.Println()
	}
	return nil
}

func printScanReport(report dedupe.ScanReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if report.TotalInput == 0 {
		fmt.Println("No input files to check.")
		return nil
	}

	fmt.Printf("Checked %d input file(s): %d exact, %d near-duplicate\n\n",
		report.TotalInput, report.SkipCount, report.AlertCount)
	for _, r := range report.Records {
		marker := "NEAR"
		if r.Action == "skip" {
			marker = "SKIP"
		}
		fmt.Printf("  %s  %s matches %s (%.3f)\n",
			marker, filepath.Base(r.InputFile), filepath.Base(r.MatchFile), r.Similarity)
	}
	return nil
}

func newRecoverCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-enhance analysed files lacking enhanced output",
		Long: `Walk the analysed archive and run enhancement for every file whose
enhanced output is missing, healing an interrupted batch or crash.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.pipe.RecoverAnalysed()
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate diascan configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Configuration:\n\n")
			fmt.Printf("Input Directories: %v\n", root.cfg.InputDirectories())
			fmt.Printf("Analysed Directory: %s\n", root.cfg.Paths.AnalysedDir)
			fmt.Printf("Output Directory: %s\n", root.cfg.Paths.OutputDir)
			fmt.Printf("Database Path: %s\n", root.cfg.Paths.DatabasePath)
			fmt.Printf("Face Cascade: %s\n", root.cfg.FaceCascadePath())
			fmt.Printf("Image Workers: %d\n", root.cfg.Paths.ImageWorkers)
			fmt.Printf("Histogram Clip: %.2f%%\n", root.cfg.Processing.HistogramClip)
			fmt.Printf("CLAHE Clip Limit: %.2f\n", root.cfg.Processing.CLAHEClip)
			fmt.Printf("Auto Quality: %v\n", root.cfg.Processing.AutoQuality)
			fmt.Printf("Similarity Threshold: %.2f\n", root.cfg.Duplicates.Threshold)
			fmt.Printf("Debounce: %.1fs\n", root.cfg.Watcher.DebounceSeconds)
			fmt.Printf("Log Level: %s\n", root.cfg.Logging.Level)
			fmt.Printf("Log Format: %s\n", root.cfg.Logging.Format)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var problems []string
			if root.cfg.Duplicates.Threshold < 0 || root.cfg.Duplicates.Threshold > 1 {
				problems = append(problems, "similarity_threshold must be within 0.0-1.0")
			}
			if root.cfg.Watcher.DebounceSeconds <= 0 {
				problems = append(problems, "debounce_seconds must be positive")
			}
			if q := root.cfg.Processing.JPEGQuality; q < 1 || q > 100 {
				problems = append(problems, "jpeg_quality must be within 1-100")
			}
			if len(root.cfg.InputDirectories()) == 0 {
				problems = append(problems, "at least one input directory is required")
			}

			if len(problems) > 0 {
				for _, p := range problems {
					fmt.Printf("  - %s\n", p)
				}
				return fmt.Errorf("configuration invalid (%d problem(s))", len(problems))
			}

			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Diascan v1.0.0")
		},
	}
}
