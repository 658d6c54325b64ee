// Package recheck implements the post-restore recheck subsystem: a
// hash-guarded immediate recheck plus three delayed rechecks, and a sibling
// sweep for files the OS renamed out from under a write-in-progress.
package recheck

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fileward/fileward/internal/capture"
	"github.com/fileward/fileward/internal/exclusion"
	"github.com/fileward/fileward/internal/scanner"
	"github.com/fileward/fileward/internal/telemetry"
	"go.uber.org/zap"
)

// HashGuardRule is the synthetic rule name recorded when a hash-guard
// mismatch forces an immediate quarantine.
const HashGuardRule = "HASH_GUARD_CHANGE"

// Quarantiner is the subset of the quarantine store used here.
type Quarantiner interface {
	Quarantine(path string, matchedRules []string) (string, error)
}

// Notifier is the quarantine-notification method of the events sink.
// Subsystem holds no Notifier; rechecks post no events.
type Notifier interface {
	OnQuarantine(originalPath string, matchedRules []string)
}

// Subsystem runs immediate and delayed post-restore rechecks.
type Subsystem struct {
	Scanner            *scanner.Scanner
	Quarantine         Quarantiner
	Counter            *telemetry.Counters
	Log                *zap.Logger
	DelayedRecheckBase time.Duration
}

// New creates a Subsystem.
func New(sc *scanner.Scanner, q Quarantiner, counters *telemetry.Counters, delayedBase time.Duration, log *zap.Logger) *Subsystem {
	return &Subsystem{Scanner: sc, Quarantine: q, Counter: counters, DelayedRecheckBase: delayedBase, Log: log}
}

// Schedule runs the immediate recheck inline, then spawns goroutines for
// the three delayed rechecks (+1s, +base, +max(2*base+2s, 10s)). preHash is
// the vaulted payload's hash computed before restoration.
func (s *Subsystem) Schedule(ctx context.Context, restoredPath, preHash string) {
	s.immediateRecheck(restoredPath, preHash)

	delays := []time.Duration{
		1 * time.Second,
		s.DelayedRecheckBase,
		maxDuration(2*s.DelayedRecheckBase+2*time.Second, 10*time.Second),
	}
	for _, d := range delays {
		d := d
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
				s.delayedRecheck(restoredPath, preHash)
			}
		}()
	}
	s.Counter.Inc("recheck_scheduled_post_restore")
}

func (s *Subsystem) immediateRecheck(restoredPath, preHash string) {
	settled, ok := shortStabilize(restoredPath)
	if !ok {
		s.sweepSiblings(restoredPath, preHash, "immediate")
		return
	}
	s.hashGuardAndMatch(settled, preHash, "immediate")
}

func (s *Subsystem) delayedRecheck(restoredPath, preHash string) {
	if !fileExists(restoredPath) {
		s.sweepSiblings(restoredPath, preHash, "delayed")
		return
	}
	s.hashGuardAndMatch(restoredPath, preHash, "delayed")
}

func (s *Subsystem) hashGuardAndMatch(path, preHash, phase string) {
	current, err := hashFile(path)
	if err != nil {
		s.Counter.Inc("recheck_" + phase + "_error_post_restore")
		return
	}

	if current != preHash {
		if _, err := s.Quarantine.Quarantine(path, []string{HashGuardRule}); err != nil {
			s.Counter.Inc("hash_guard_error")
			return
		}
		s.Counter.Inc("hash_guard_quarantined_on_change")
		return
	}

	result := s.Scanner.Scan(path, exclusion.Normal)
	switch result.Outcome {
	case scanner.Match:
		if _, err := s.Quarantine.Quarantine(path, result.MatchedRules); err != nil {
			s.Counter.Inc("recheck_" + phase + "_error_post_restore")
			return
		}
		s.Counter.Inc("recheck_" + phase + "_match_post_restore")
	case scanner.Clean, scanner.NoRules:
		s.Counter.Inc("recheck_" + phase + "_clean_post_restore")
	default:
		s.Counter.Inc("recheck_" + phase + "_error_post_restore")
	}
}

func (s *Subsystem) sweepSiblings(restoredPath, preHash, phase string) {
	dir := filepath.Dir(restoredPath)
	pattern := capture.SiblingRenamePattern(filepath.Base(restoredPath))

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.Counter.Inc("recheck_" + phase + "_missing_post_restore")
		return
	}

	found := false
	for _, e := range entries {
		if e.IsDir() || !pattern.MatchString(e.Name()) {
			continue
		}
		found = true
		sibling := filepath.Join(dir, e.Name())
		s.hashGuardAndMatch(sibling, preHash, "sibling_sweep")
	}
	if !found {
		s.Counter.Inc("recheck_" + phase + "_missing_post_restore")
	}
}

func shortStabilize(path string) (string, bool) {
	delay := 150 * time.Millisecond
	var total time.Duration
	const cap150to600 = 600 * time.Millisecond
	for i := 0; i < 6; i++ {
		if fileExists(path) {
			return path, true
		}
		time.Sleep(delay)
		total += delay
		delay *= 2
		if delay > cap150to600 {
			delay = cap150to600
		}
		if total >= 1200*time.Millisecond {
			break
		}
	}
	return path, fileExists(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
