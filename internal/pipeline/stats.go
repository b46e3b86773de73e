package pipeline

import (
	"fmt"
	"sync"
	"time"
)

const (
	// Bounded windows for runtime statistics.
	maxDurations  = 50
	maxErrors     = 50
	timelineHours = 48

	trendMinSamples   = 10
	trendDegrading    = 1.3
	trendAccelerating = 0.7
	highErrorRate     = 0.1
)

// ErrorRecord captures one per-file failure.
type ErrorRecord struct {
	Filename  string    `json:"filename"`
	Message   string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Stage     Stage     `json:"stage"`
}

// Alert is an anomaly surfaced by telemetry queries.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HourBucket is one slot of the trailing completion timeline.
type HourBucket struct {
	Hour      string `json:"hour"`
	Timestamp string `json:"timestamp"`
	Count     int    `json:"count"`
}

// Stats holds process-lifetime counters for one orchestrator instance.
// It is mutated only by the processing path and read concurrently by
// status reporting; a single mutex keeps both cheap.
type Stats struct {
	mu sync.Mutex

	startTime time.Time

	processedCount int
	errorCount     int

	durations []time.Duration // capped at maxDurations, oldest dropped
	errorLog  []ErrorRecord   // capped at maxErrors, oldest dropped

	hourlyCounts map[string]int // "2006-01-02 15:00" -> completions

	// Current-operation cursor.
	isProcessing bool
	currentFile  string
	currentStage Stage
	progress     int
}

// NewStats creates an empty stats object scoped to one run.
func NewStats() *Stats {
	return &Stats{hourlyCounts: make(map[string]int)}
}

// Start stamps the session start time.
func (s *Stats) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTime = now
}

// SetCurrent updates the current-operation cursor.
func (s *Stats) SetCurrent(file string, stage Stage, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isProcessing = true
	s.currentFile = file
	s.currentStage = stage
	s.progress = progress
}

// ClearCurrent marks the processing slot idle.
func (s *Stats) ClearCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isProcessing = false
	s.currentFile = ""
	s.currentStage = ""
	s.progress = 0
}

// RecordSuccess appends a completion to the bounded windows.
func (s *Stats) RecordSuccess(duration time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processedCount++

	s.durations = append(s.durations, duration)
	if len(s.durations) > maxDurations {
		s.durations = s.durations[1:]
	}

	key := hourKey(now)
	s.hourlyCounts[key]++
	s.pruneTimeline(now)
}

// RecordError appends a failure record, evicting the oldest past the cap.
func (s *Stats) RecordError(filename, message string, stage Stage, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorCount++
	s.errorLog = append(s.errorLog, ErrorRecord{
		Filename:  filename,
		Message:   message,
		Timestamp: now,
		Stage:     stage,
	})
	if len(s.errorLog) > maxErrors {
		s.errorLog = s.errorLog[len(s.errorLog)-maxErrors:]
	}
}

// Counts returns processed and error totals.
func (s *Stats) Counts() (processed, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processedCount, s.errorCount
}

// pruneTimeline drops buckets older than the trailing window. Callers hold mu.
func (s *Stats) pruneTimeline(now time.Time) {
	cutoff := hourKey(now.Add(-timelineHours * time.Hour))
	for key := range s.hourlyCounts {
		if key < cutoff {
			delete(s.hourlyCounts, key)
		}
	}
}

func hourKey(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:00")
}

// CurrentStatus describes the operation occupying the single slot.
type CurrentStatus struct {
	IsProcessing bool   `json:"is_processing"`
	File         string `json:"current_file"`
	Stage        Stage  `json:"current_stage"`
	Progress     int    `json:"progress"`
}

// QueueStatus counts files at each station.
type QueueStatus struct {
	InputQueue       int `json:"input_queue"`
	AnalysedQueue    int `json:"analysed_queue"`
	CompletedTotal   int `json:"completed_total"`
	CompletedSession int `json:"completed_session"`
}

// Performance holds throughput figures derived on each query.
type Performance struct {
	PicturesPerHour float64 `json:"pictures_per_hour"`
	AvgSecondsPer   float64 `json:"avg_time_per_image"`
	ETAMinutes      int     `json:"eta_minutes"`
	Trend           string  `json:"processing_trend"`
}

// History bundles session-scope counters and bounded logs.
type History struct {
	SessionHours float64       `json:"session_duration_hours"`
	ErrorCount   int           `json:"error_count"`
	Timeline     []HourBucket  `json:"hourly_timeline"`
	ErrorLog     []ErrorRecord `json:"error_log"`
}

// Report is the full telemetry snapshot returned by status queries.
type Report struct {
	Current     CurrentStatus `json:"current"`
	Queues      QueueStatus   `json:"pipeline"`
	Performance Performance   `json:"performance"`
	History     History       `json:"history"`
	Alerts      []Alert       `json:"alerts"`
}

// Snapshot derives the telemetry report. pendingInput and pendingAnalysed
// are supplied by the orchestrator (it owns the directory layout).
func (s *Stats) Snapshot(pendingInput, pendingAnalysed, completedTotal int, now time.Time) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := 0.0
	if len(s.durations) > 0 {
		var sum time.Duration
		for _, d := range s.durations {
			sum += d
		}
		avg = sum.Seconds() / float64(len(s.durations))
	}

	perHour := 0.0
	if avg > 0 {
		perHour = 3600 / avg
	}

	totalPending := pendingInput + pendingAnalysed
	etaMinutes := 0
	if totalPending > 0 && avg > 0 {
		etaMinutes = int(float64(totalPending) * avg / 60)
	}

	trend := "stable"
	if len(s.durations) >= trendMinSamples {
		recent := s.durations[len(s.durations)-5:]
		var recentSum time.Duration
		for _, d := range recent {
			recentSum += d
		}
		recentAvg := recentSum.Seconds() / float64(len(recent))
		switch {
		case recentAvg > avg*trendDegrading:
			trend = "degrading"
		case recentAvg < avg*trendAccelerating:
			trend = "accelerating"
		}
	}

	sessionHours := 0.0
	if !s.startTime.IsZero() {
		sessionHours = now.Sub(s.startTime).Hours()
	}

	timeline := make([]HourBucket, 0, timelineHours)
	for i := 0; i < timelineHours; i++ {
		hourDt := now.UTC().Add(-time.Duration(timelineHours-1-i) * time.Hour)
		key := hourKey(hourDt)
		timeline = append(timeline, HourBucket{
			Hour:      hourDt.Format("15:00"),
			Timestamp: key,
			Count:     s.hourlyCounts[key],
		})
	}

	errorLog := make([]ErrorRecord, len(s.errorLog))
	copy(errorLog, s.errorLog)

	report := Report{
		Current: CurrentStatus{
			IsProcessing: s.isProcessing,
			File:         s.currentFile,
			Stage:        s.currentStage,
			Progress:     s.progress,
		},
		Queues: QueueStatus{
			InputQueue:       pendingInput,
			AnalysedQueue:    pendingAnalysed,
			CompletedTotal:   completedTotal,
			CompletedSession: s.processedCount,
		},
		Performance: Performance{
			PicturesPerHour: roundTo(perHour, 1),
			AvgSecondsPer:   roundTo(avg, 1),
			ETAMinutes:      etaMinutes,
			Trend:           trend,
		},
		History: History{
			SessionHours: roundTo(sessionHours, 2),
			ErrorCount:   s.errorCount,
			Timeline:     timeline,
			ErrorLog:     errorLog,
		},
	}
	report.Alerts = s.alerts(totalPending, trend, now)
	return report
}

// alerts recomputes anomaly findings per query. Callers hold mu.
func (s *Stats) alerts(totalPending int, trend string, now time.Time) []Alert {
	var alerts []Alert

	if len(s.durations) > 0 && !s.isProcessing && totalPending > 0 {
		alerts = append(alerts, Alert{
			Type:      "stall_warning",
			Severity:  "warning",
			Message:   fmt.Sprintf("Pipeline idle with %d pending files", totalPending),
			Timestamp: now.UTC(),
		})
	}

	if trend == "degrading" {
		alerts = append(alerts, Alert{
			Type:      "performance_degradation",
			Severity:  "info",
			Message:   "Processing speed has slowed down",
			Timestamp: now.UTC(),
		})
	}

	if s.errorCount > 0 {
		attempts := s.processedCount + s.errorCount
		rate := float64(s.errorCount) / float64(attempts)

		if rate > highErrorRate {
			alerts = append(alerts, Alert{
				Type:     "high_error_rate",
				Severity: "error",
				Message: fmt.Sprintf("High error rate: %d errors out of %d files (%d%%)",
					s.errorCount, attempts, int(rate*100)),
				Timestamp: now.UTC(),
			})
		}

		if s.processedCount == 0 {
			alerts = append(alerts, Alert{
				Type:      "all_errors",
				Severity:  "error",
				Message:   fmt.Sprintf("%d file(s) failed with errors. Check the error log.", s.errorCount),
				Timestamp: now.UTC(),
			})
		}
	}

	return alerts
}

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	if v >= 0 {
		return float64(int(v*scale+0.5)) / scale
	}
	return float64(int(v*scale-0.5)) / scale
}
