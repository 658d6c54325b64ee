// Package scheduler implements the scheduled scanner (C9): due-time
// evaluation over a persisted schedule document, path enumeration, and
// batch scanning with progress/completion callbacks.
package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fileward/fileward/internal/exclusion"
	"github.com/fileward/fileward/internal/scanner"
	"github.com/fileward/fileward/internal/telemetry"
	"go.uber.org/zap"
)

// Frequency is the tagged schedule cadence.
type Frequency string

const (
	Realtime   Frequency = "Realtime"
	Hourly     Frequency = "Hourly"
	TwiceDaily Frequency = "TwiceDaily"
	Daily      Frequency = "Daily"
	Custom     Frequency = "Custom"
)

// Config is the persisted schedule document (distinct from the process
// YAML config).
type Config struct {
	Enabled         bool      `json:"enabled"`
	Time            string    `json:"time"` // "HH:MM"
	Paths           []string  `json:"paths"`
	IncludeSubdirs  bool      `json:"include_subdirs"`
	Frequency       Frequency `json:"frequency"`
	IntervalMinutes int       `json:"interval_minutes"`
	LastRun         string    `json:"last_run"` // ISO8601, empty if never run
}

func normalizeFrequency(f Frequency) Frequency {
	switch f {
	case Realtime, Hourly, TwiceDaily, Daily, Custom:
		return f
	case "weekly":
		return Daily
	case "interval":
		return Custom
	default:
		return Realtime
	}
}

// Quarantiner is the subset of the quarantine store used here.
type Quarantiner interface {
	Quarantine(path string, matchedRules []string) (string, error)
}

// Progress reports scan progress mid-run.
type Progress struct {
	Scanned int
	Total   int
	Matches int
}

// Summary reports a scan run's final outcome.
type Summary struct {
	TotalFiles     int
	Matches        int
	MissingPaths   []string
	MatchedSamples []MatchedSample
	DurationSec    float64
	EndedAt        time.Time
}

// MatchedSample is one (path, rule) pair surfaced in a summary, capped at 25.
type MatchedSample struct {
	Path string
	Rule string
}

// Scheduler evaluates due-time and runs scans.
type Scheduler struct {
	path         string
	evalInterval time.Duration
	scanner      *scanner.Scanner
	quarantine   Quarantiner
	counters     *telemetry.Counters
	log          *zap.Logger

	onProgress func(Progress)
	onComplete func(Summary)

	mu  sync.Mutex
	cfg Config
}

// New loads (or creates) the schedule document at path.
func New(path string, evalInterval time.Duration, sc *scanner.Scanner, q Quarantiner, counters *telemetry.Counters, log *zap.Logger, onProgress func(Progress), onComplete func(Summary)) (*Scheduler, error) {
	s := &Scheduler{
		path:         path,
		evalInterval: evalInterval,
		scanner:      sc,
		quarantine:   q,
		counters:     counters,
		log:          log,
		onProgress:   onProgress,
		onComplete:   onComplete,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.cfg = Config{Frequency: Realtime}
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.cfg); err != nil {
		return nil, err
	}
	s.cfg.Frequency = normalizeFrequency(s.cfg.Frequency)
	return s, nil
}

// Run starts the ~60s evaluator loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.evalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		return
	}

	now := time.Now()
	due := false

	switch cfg.Frequency {
	case Realtime:
		due = false
	case Hourly:
		due = dueMinuteMatch(cfg, now, "hour")
	case TwiceDaily:
		due = dueTwiceDaily(cfg, now)
	case Daily:
		due = dueDaily(cfg, now)
	case Custom:
		due = dueCustom(cfg, now)
	}

	if !due {
		return
	}

	s.mu.Lock()
	s.cfg.LastRun = now.Format(time.RFC3339)
	s.saveLocked()
	s.mu.Unlock()

	go s.runScan(ctx, cfg.Paths, cfg.IncludeSubdirs, string(cfg.Frequency))
}

// RunNow bypasses due-time evaluation and fires a scan directly.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	go s.runScan(ctx, cfg.Paths, cfg.IncludeSubdirs, "manual")
}

func dueMinuteMatch(cfg Config, now time.Time, grain string) bool {
	hh, mm, ok := parseHHMM(cfg.Time)
	if !ok {
		return false
	}
	_ = hh
	if now.Minute() != mm {
		return false
	}
	return lastRunBefore(cfg.LastRun, now.Truncate(time.Hour))
}

func dueTwiceDaily(cfg Config, now time.Time) bool {
	hh, mm, ok := parseHHMM(cfg.Time)
	if !ok {
		return false
	}
	firstMatch := now.Hour() == hh && now.Minute() == mm
	secondMatch := now.Hour() == (hh+12)%24 && now.Minute() == mm
	if !firstMatch && !secondMatch {
		return false
	}
	return lastRunBefore(cfg.LastRun, now.Truncate(time.Hour))
}

func dueDaily(cfg Config, now time.Time) bool {
	hh, mm, ok := parseHHMM(cfg.Time)
	if !ok {
		return false
	}
	if now.Hour() != hh || now.Minute() != mm {
		return false
	}
	return lastRunBefore(cfg.LastRun, now.Truncate(time.Minute))
}

func dueCustom(cfg Config, now time.Time) bool {
	if cfg.LastRun == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, cfg.LastRun)
	if err != nil {
		return true
	}
	return now.Sub(last) >= time.Duration(cfg.IntervalMinutes)*time.Minute
}

func lastRunBefore(lastRun string, boundary time.Time) bool {
	if lastRun == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, lastRun)
	if err != nil {
		return true
	}
	return last.Before(boundary)
}

func parseHHMM(s string) (hh, mm int, ok bool) {
	var t time.Time
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

func (s *Scheduler) saveLocked() {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Warn("scheduler: cannot create schedule dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.log.Warn("scheduler: cannot persist schedule", zap.Error(err))
	}
}

func (s *Scheduler) runScan(ctx context.Context, roots []string, includeSubdirs bool, frequency string) {
	start := time.Now()
	var missing []string
	var samples []MatchedSample
	scanned, matches := 0, 0

	if s.counters != nil {
		s.counters.Inc("scheduler_run_" + frequency)
	}

	files := s.enumerate(roots, includeSubdirs, &missing)
	total := len(files)

	for _, f := range files {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result := s.scanner.Scan(f, exclusion.Normal)
		scanned++
		if result.Outcome == scanner.Match {
			matches++
			_, _ = s.quarantine.Quarantine(f, result.MatchedRules)
			if len(samples) < 25 {
				rule := ""
				if len(result.MatchedRules) > 0 {
					rule = result.MatchedRules[0]
				}
				samples = append(samples, MatchedSample{Path: f, Rule: rule})
			}
		}
		if s.onProgress != nil {
			s.onProgress(Progress{Scanned: scanned, Total: total, Matches: matches})
		}
	}

	if s.counters != nil {
		s.counters.Add("scheduler_files_scanned", uint64(scanned))
	}

	if s.onComplete != nil {
		s.onComplete(Summary{
			TotalFiles:     total,
			Matches:        matches,
			MissingPaths:   missing,
			MatchedSamples: samples,
			DurationSec:    time.Since(start).Seconds(),
			EndedAt:        time.Now(),
		})
	}
}

func (s *Scheduler) enumerate(roots []string, includeSubdirs bool, missing *[]string) []string {
	var files []string
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			*missing = append(*missing, root)
			continue
		}
		if !info.IsDir() {
			if excluded, _ := s.scanner.Oracle.Classify(root, exclusion.Normal); !excluded {
				files = append(files, root)
			}
			continue
		}

		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != root && !includeSubdirs {
					return filepath.SkipDir
				}
				if excluded, _ := s.scanner.Oracle.Classify(path, exclusion.Normal); excluded {
					return filepath.SkipDir
				}
				return nil
			}
			if excluded, _ := s.scanner.Oracle.Classify(path, exclusion.Normal); !excluded {
				files = append(files, path)
			}
			return nil
		})
	}
	return files
}
