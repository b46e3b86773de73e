// Package pipeline sequences per-file processing: ingest, enhance, persist,
// tag. One file occupies the state machine at a time; telemetry stays
// bounded regardless of run length.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"diascan/internal/config"
	"diascan/internal/dedupe"
	"diascan/internal/enhance"
	"diascan/internal/logging"
	"diascan/internal/storage"
	"diascan/internal/watcher"
)

// Stage identifies a step of the per-file state machine.
type Stage string

const (
	StageQueued    Stage = "queued"
	StageIngesting Stage = "ingestion"
	StageEnhancing Stage = "enhancement"
	StageSaving    Stage = "saving"
	StageTagging   Stage = "tagging"
	StageComplete  Stage = "complete"
	StageError     Stage = "error"
)

// StatusUpdate is delivered to subscribers after each stage transition.
// Delivery is best-effort; a slow subscriber never blocks processing.
type StatusUpdate struct {
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	File     string `json:"file"`
	Error    string `json:"error,omitempty"`
}

// Tagger is the optional scene-tagging collaborator. Its absence must not
// affect enhancement or ingestion success.
type Tagger interface {
	Available() bool
	GenerateTags(ctx context.Context, enhancedPath string) ([]storage.Tag, error)
}

// Pipeline orchestrates watchers, enhancement, persistence, and telemetry
// for one run. Construct one per run context.
type Pipeline struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	engine   *enhance.Engine
	encoder  *enhance.Encoder
	detector *dedupe.Detector
	tagger   Tagger // may be nil

	pool  *Pool
	stats *Stats
	queue chan string

	// Guards against double dispatch when the startup scan and a debounce
	// promotion both see the same file.
	queuedMu sync.Mutex
	queued   map[string]struct{}

	watchers      []*watcher.Watcher
	outputWatcher *watcher.Watcher

	runID  string
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Single processing slot: at most one file mid-flight per instance.
	procMu sync.Mutex

	subMu     sync.Mutex
	subs      map[int]chan StatusUpdate
	nextSubID int

	startOnce sync.Once
	stopOnce  sync.Once
}

// New assembles a pipeline. tagger may be nil.
func New(cfg *config.Config, logger *slog.Logger, store *storage.Store,
	engine *enhance.Engine, encoder *enhance.Encoder, detector *dedupe.Detector,
	tagger Tagger) *Pipeline {

	ctx, cancel := context.WithCancel(context.Background())
	capacity := cfg.Paths.QueueCapacity
	if capacity < 1 {
		capacity = 256
	}

	return &Pipeline{
		cfg:      cfg,
		log:      logger,
		store:    store,
		engine:   engine,
		encoder:  encoder,
		detector: detector,
		tagger:   tagger,
		pool:     NewPool(cfg.Paths.ImageWorkers),
		stats:    NewStats(),
		queue:    make(chan string, capacity),
		queued:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		subs:     make(map[int]chan StatusUpdate),
	}
}

// Start launches watchers, the drain loop, and the supervised startup scan.
func (p *Pipeline) Start() error {
	var startErr error
	p.startOnce.Do(func() {
		now := time.Now()
		p.runID = uuid.NewString()
		p.stats.Start(now)
		if p.store != nil {
			if err := p.store.RecordRunStart(p.runID, now); err != nil {
				p.log.Warn("could not record run start", "error", err)
			}
		}

		debounce := time.Duration(p.cfg.Watcher.DebounceSeconds * float64(time.Second))
		poll := time.Duration(p.cfg.Watcher.PollSeconds * float64(time.Second))

		for _, dir := range p.cfg.InputDirectories() {
			w := watcher.New(dir, debounce, p.Enqueue, watcher.Options{Poll: poll}, p.log)
			if err := w.Start(); err != nil {
				startErr = fmt.Errorf("could not watch %s: %w", dir, err)
				return
			}
			p.watchers = append(p.watchers, w)
		}

		// Output deletions use a short debounce; creation events there are
		// our own writes and are ignored.
		p.outputWatcher = watcher.New(p.cfg.Paths.OutputDir, 500*time.Millisecond,
			func(string) {}, watcher.Options{Deletion: p.handleDeletion, Poll: poll}, p.log)
		if err := p.outputWatcher.Start(); err != nil {
			startErr = fmt.Errorf("could not watch output dir: %w", err)
			return
		}

		p.wg.Add(1)
		go p.drain()

		p.wg.Add(1)
		go p.startupScan()

		p.log.Info("pipeline started", "run", p.runID,
			"inputs", len(p.watchers), "workers", p.cfg.Paths.ImageWorkers)
	})
	return startErr
}

// Stop halts watchers, lets the in-flight file run to completion, and
// finalizes the run record.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		for _, w := range p.watchers {
			if err := w.Stop(); err != nil {
				p.log.Warn("watcher stop error", "error", err)
			}
		}
		if p.outputWatcher != nil {
			if err := p.outputWatcher.Stop(); err != nil {
				p.log.Warn("output watcher stop error", "error", err)
			}
		}

		close(p.stopCh)
		p.wg.Wait()
		p.cancel()
		p.pool.Stop()

		if p.store != nil {
			processed, errCount := p.stats.Counts()
			if err := p.store.RecordRunEnd(p.runID, processed, errCount); err != nil {
				p.log.Warn("could not record run end", "error", err)
			}
		}

		p.subMu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.subMu.Unlock()

		p.log.Info("pipeline stopped", "run", p.runID)
	})
}

// Enqueue adds a stable file to the processing queue. Never blocks the
// caller; a full queue drops the event with a warning (the startup scan
// will pick the file up again on the next run).
func (p *Pipeline) Enqueue(path string) {
	p.queuedMu.Lock()
	defer p.queuedMu.Unlock()
	if _, dup := p.queued[path]; dup {
		return
	}
	select {
	case p.queue <- path:
		p.queued[path] = struct{}{}
	default:
		p.log.Warn("processing queue full, dropping event", "file", filepath.Base(path))
	}
}

// Subscribe returns a status channel and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan StatusUpdate, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan StatusUpdate, 8)
	p.subs[id] = ch
	unsub := func() {
		p.subMu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.subMu.Unlock()
	}
	return ch, unsub
}

// drain processes queued files strictly in stability-signal order.
func (p *Pipeline) drain() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case path := <-p.queue:
			p.queuedMu.Lock()
			delete(p.queued, path)
			p.queuedMu.Unlock()
			p.ProcessFile(path)
		}
	}
}

// startupScan resumes an interrupted batch: existing input files go through
// the stable path, then analysed files lacking outputs are healed. Runs
// with its own error boundary so a failure is logged, never fatal.
func (p *Pipeline) startupScan() {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("startup scan panicked", "panic", r)
		}
	}()

	for _, w := range p.watchers {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if err := w.ScanExisting(); err != nil {
			p.log.Error("startup scan error", "error", err)
		}
	}

	if err := p.RecoverAnalysed(); err != nil {
		p.log.Error("recovery scan error", "error", err)
	}
}

// ProcessFile runs the full state machine for one raw input file:
// ingest, enhance, save, persist, tag.
func (p *Pipeline) ProcessFile(path string) {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	// A startup scan and a late debounce promotion can both name the same
	// file; whichever runs second finds it already moved.
	if _, err := os.Stat(path); err != nil {
		p.log.Debug("skipping vanished input", "file", filepath.Base(path))
		return
	}

	start := time.Now()
	opID := uuid.NewString()[:8]
	file := filepath.Base(path)
	logging.LogFileStart(p.log, opID, file)

	p.updateStatus(StageIngesting, 10, file, "")
	analysedPath, err := p.ingest(path)
	if err != nil {
		p.fail(opID, file, StageIngesting, start, err)
		return
	}

	p.enhancePersist(opID, path, analysedPath, start)
}

// ProcessAnalysed heals an already-renamed file lacking enhanced output,
// skipping the ingest stage.
func (p *Pipeline) ProcessAnalysed(path string) {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	start := time.Now()
	opID := uuid.NewString()[:8]
	logging.LogFileStart(p.log, opID, filepath.Base(path))

	p.enhancePersist(opID, path, path, start)
}

// enhancePersist covers the shared enhance → save → persist → tag tail of
// the state machine. Callers hold the processing slot.
func (p *Pipeline) enhancePersist(opID, originalPath, analysedPath string, start time.Time) {
	file := filepath.Base(analysedPath)

	p.updateStatus(StageEnhancing, 40, file, "")
	var result *enhance.Result
	var procErr error
	err := p.pool.Do(p.ctx, func() {
		result, procErr = p.engine.Process(analysedPath)
	})
	if err == nil {
		err = procErr
	}
	if err != nil {
		p.fail(opID, file, StageEnhancing, start, err)
		return
	}
	defer result.Close()

	p.updateStatus(StageSaving, 70, file, "")
	if err := os.MkdirAll(p.cfg.Paths.OutputDir, 0o755); err != nil {
		p.fail(opID, file, StageSaving, start, err)
		return
	}
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	outputStem := filepath.Join(p.cfg.Paths.OutputDir, stem)

	var saved map[string]string
	var saveErr error
	err = p.pool.Do(p.ctx, func() {
		saved, saveErr = p.encoder.Save(result.Enhanced, outputStem)
	})
	if err == nil {
		err = saveErr
	}
	if err != nil {
		p.fail(opID, file, StageSaving, start, err)
		return
	}
	enhancedPath := saved["jpg"]

	// Persistence belongs to the save step; tagging is only the optional
	// collaborator call.
	if p.store != nil {
		rec := storage.ImageRecord{
			Filename:      filepath.Base(enhancedPath),
			OriginalPath:  originalPath,
			AnalysedPath:  analysedPath,
			EnhancedPath:  enhancedPath,
			Width:         result.Width,
			Height:        result.Height,
			HistogramClip: result.Params.HistogramClip,
			CLAHEClip:     result.Params.CLAHEClip,
			Preset:        result.Params.Preset,
			FaceDetected:  result.FaceDetected,
			QualityScore:  result.QualityScore,
			ProcessedAt:   time.Now().UTC(),
		}
		if info, statErr := os.Stat(enhancedPath); statErr == nil {
			rec.FileSize = info.Size()
		}
		if err := p.store.UpsertImage(rec); err != nil {
			p.fail(opID, file, StageSaving, start, err)
			return
		}
	}

	p.updateStatus(StageTagging, 90, file, "")
	if p.tagger != nil && p.tagger.Available() {
		tags, tagErr := p.tagger.GenerateTags(p.ctx, enhancedPath)
		if tagErr != nil {
			// Tagging is optional; its failure never fails the file.
			p.log.Warn("tag generation failed", "file", file, "error", tagErr)
		} else if p.store != nil && len(tags) > 0 {
			if err := p.store.SaveTags(filepath.Base(enhancedPath), "ai", tags); err != nil {
				p.log.Warn("could not save tags", "file", file, "error", err)
			}
		}
	}

	duration := time.Since(start)
	p.stats.RecordSuccess(duration, time.Now())
	p.updateStatus(StageComplete, 100, file, "")
	p.stats.ClearCurrent()
	logging.LogFileComplete(p.log, opID, file, duration, map[string]any{
		"preset":  result.Params.Preset,
		"quality": result.QualityScore,
		"faces":   result.FaceDetected,
		"outputs": len(saved),
	})
}

// fail records a per-file error and keeps the run alive.
func (p *Pipeline) fail(opID, file string, stage Stage, start time.Time, err error) {
	p.stats.RecordError(file, err.Error(), stage, time.Now().UTC())
	p.updateStatus(StageError, 0, file, err.Error())
	p.stats.ClearCurrent()
	logging.LogFileError(p.log, opID, file, string(stage), time.Since(start), err)
}

// RecoverAnalysed re-runs enhance+save for archived raw files lacking a
// corresponding enhanced output, healing a prior crash or partial batch.
func (p *Pipeline) RecoverAnalysed() error {
	var pending []string
	err := filepath.WalkDir(p.cfg.Paths.AnalysedDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !watcher.IsImageFile(path) {
			return nil
		}
		if !p.hasEnhancedOutput(path) {
			pending = append(pending, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		p.log.Info("no unprocessed analysed files found")
		return nil
	}

	p.log.Info("recovering analysed files", "count", len(pending))
	for _, path := range pending {
		select {
		case <-p.stopCh:
			return nil
		default:
		}
		p.ProcessAnalysed(path)
	}
	return nil
}

func (p *Pipeline) hasEnhancedOutput(analysedPath string) bool {
	stem := strings.TrimSuffix(filepath.Base(analysedPath), filepath.Ext(analysedPath))
	_, err := os.Stat(filepath.Join(p.cfg.Paths.OutputDir, stem+".jpg"))
	return err == nil
}

// handleDeletion reacts to an enhanced output being removed: the DB record
// goes away too. Runs as a supervised job from the output watcher.
func (p *Pipeline) handleDeletion(path string) {
	filename := filepath.Base(path)
	p.log.Info("handling output deletion", "file", filename)
	if p.store == nil {
		return
	}
	if err := p.store.DeleteImage(filename); err != nil {
		p.log.Error("could not delete image record", "file", filename, "error", err)
	}
}

// SetDuplicateThreshold overrides the configured similarity threshold for
// subsequent duplicate scans.
func (p *Pipeline) SetDuplicateThreshold(v float64) {
	p.detector.SetThreshold(v)
}

// FindDuplicates runs a single-corpus duplicate scan on the worker pool.
func (p *Pipeline) FindDuplicates(ctx context.Context, dir string) ([]dedupe.Group, error) {
	var groups []dedupe.Group
	var scanErr error
	if err := p.pool.Do(ctx, func() {
		groups, scanErr = p.detector.FindDuplicates(dir)
	}); err != nil {
		return nil, err
	}
	return groups, scanErr
}

// ScanIngestDuplicates compares input files against an archived corpus on
// the worker pool. Empty arguments fall back to the configured directories.
func (p *Pipeline) ScanIngestDuplicates(ctx context.Context, inputDir, archivedDir string) (dedupe.ScanReport, error) {
	if inputDir == "" {
		inputDir = p.cfg.Paths.InputDir
	}
	if archivedDir == "" {
		archivedDir = p.cfg.Paths.AnalysedDir
	}
	var report dedupe.ScanReport
	var scanErr error
	if err := p.pool.Do(ctx, func() {
		report, scanErr = p.detector.ScanIngest(inputDir, archivedDir)
	}); err != nil {
		return dedupe.ScanReport{}, err
	}
	return report, scanErr
}

// Status derives the full telemetry report for this instant.
func (p *Pipeline) Status() Report {
	pendingInput := 0
	for _, dir := range p.cfg.InputDirectories() {
		pendingInput += countImages(dir)
	}

	pendingAnalysed := 0
	_ = filepath.WalkDir(p.cfg.Paths.AnalysedDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && watcher.IsImageFile(path) && !p.hasEnhancedOutput(path) {
			pendingAnalysed++
		}
		return nil
	})

	completed := 0
	_ = filepath.WalkDir(p.cfg.Paths.OutputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".jpg") {
			completed++
		}
		return nil
	})

	return p.stats.Snapshot(pendingInput, pendingAnalysed, completed, time.Now())
}

// updateStatus moves the cursor and broadcasts to subscribers.
func (p *Pipeline) updateStatus(stage Stage, progress int, file, errMsg string) {
	if stage != StageComplete && stage != StageError {
		p.stats.SetCurrent(file, stage, progress)
	}
	logging.LogStage(p.log, "", file, string(stage), progress)

	update := StatusUpdate{Stage: stage, Progress: progress, File: file, Error: errMsg}
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- update:
		default:
			p.log.Debug("status channel full", "subscriber", id, "file", file)
		}
	}
}

func countImages(dir string) int {
	count := 0
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && watcher.IsImageFile(path) {
			count++
		}
		return nil
	})
	return count
}
