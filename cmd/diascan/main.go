package main

import (
	"fmt"
	"os"

	"diascan/internal/cli"
	"diascan/internal/config"
	"diascan/internal/dedupe"
	"diascan/internal/enhance"
	"diascan/internal/logging"
	"diascan/internal/pipeline"
	"diascan/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "diascan: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	engine := enhance.NewEngine(cfg.Processing, cfg.FaceCascadePath(), log)
	defer engine.Close()

	encoder := enhance.NewEncoder(cfg.Processing, log)
	defer encoder.Close()

	detector := dedupe.New(cfg.Duplicates.Threshold, log)

	// Scene tagging is an external collaborator; runs without one.
	pipe := pipeline.New(cfg, log, store, engine, encoder, detector, nil)

	rootCmd := cli.NewRootCmd(cfg, log, store, pipe)
	return rootCmd.Execute()
}
