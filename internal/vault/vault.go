// Package vault implements the ScanVault store: atomic capture of a live
// file into a staging area, with content+path dedup and installation-mode
// consultation.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fileward/fileward/internal/pathutil"
	"github.com/fileward/fileward/internal/telemetry"
	"go.uber.org/zap"
)

// ErrDuplicateSuppressed is returned when the computed signature was seen
// within the TTL window; the duplicate is recorded in history and dropped.
var ErrDuplicateSuppressed = errors.New("vault: duplicate suppressed")

// ErrSkippedByInstallMode is returned when installation mode reports the
// path should be skipped. The payload is left untouched on disk.
var ErrSkippedByInstallMode = errors.New("vault: skipped by installation mode")

// ErrFileGone is returned when the source file vanished before capture.
var ErrFileGone = errors.New("vault: source file gone")

// ErrMoveFailed wraps a move failure after exhausting retries.
var ErrMoveFailed = errors.New("vault: move failed")

// ErrMetaWriteFailed wraps a sidecar write failure.
var ErrMetaWriteFailed = errors.New("vault: sidecar write failed")

// Meta is the sidecar document written alongside a pending vaulted payload.
type Meta struct {
	OriginalPath   string `json:"original_path"`
	VaultedPath    string `json:"vaulted_path"`
	Timestamp      string `json:"timestamp"`
	Event          string `json:"event"`
	Signature      string `json:"signature"`
	InstallerMode  bool   `json:"installer_mode"`
}

// InstallMode is the subset of the installation-mode gate (C10) consulted
// here.
type InstallMode interface {
	Active() bool
	ShouldSkip(path string) bool
}

// Store captures files into a vault directory.
type Store struct {
	Dir             string
	MoveRetries     int
	MoveBackoffMin  time.Duration
	MoveBackoffMax  time.Duration
	SignatureTTL    time.Duration
	Install         InstallMode
	Counter         *telemetry.Counters
	Log             *zap.Logger

	mu    sync.Mutex
	seen  map[string]time.Time
}

// New creates a Store.
func New(dir string, moveRetries int, backoffMin, backoffMax, signatureTTL time.Duration, install InstallMode, counters *telemetry.Counters, log *zap.Logger) *Store {
	return &Store{
		Dir:            dir,
		MoveRetries:    moveRetries,
		MoveBackoffMin: backoffMin,
		MoveBackoffMax: backoffMax,
		SignatureTTL:   signatureTTL,
		Install:        install,
		Counter:        counters,
		Log:            log,
		seen:           make(map[string]time.Time),
	}
}

// Capture moves path into the vault, recording its signature for dedup.
func (s *Store) Capture(path, event string) (vaultedPath, metaPath string, err error) {
	if !pathutil.Exists(path) {
		return "", "", ErrFileGone
	}

	sig, sigErr := Signature(path)
	if sigErr != nil {
		return "", "", fmt.Errorf("%w: signature: %v", ErrFileGone, sigErr)
	}

	if s.isDuplicate(sig) {
		s.writeHistoryDuplicate(path, sig, event)
		if s.Counter != nil {
			s.Counter.Inc("duplicate_suppressed")
		}
		return "", "", ErrDuplicateSuppressed
	}

	if s.Install != nil && s.Install.ShouldSkip(path) {
		return "", "", ErrSkippedByInstallMode
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", "", fmt.Errorf("%w: ensure dir: %v", ErrMoveFailed, err)
	}

	name := vaultedName(path)
	dest := filepath.Join(s.Dir, name)

	if err := s.moveWithRetry(path, dest); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMoveFailed, err)
	}

	installerMode := s.Install != nil && s.Install.Active()
	meta := Meta{
		OriginalPath:  pathutil.Normalize(path),
		VaultedPath:   dest,
		Timestamp:     time.Now().Format("2006-01-02 15:04:05"),
		Event:         event,
		Signature:     sig,
		InstallerMode: installerMode,
	}
	mp := dest + ".meta"
	if err := writeMeta(mp, meta); err != nil {
		return dest, "", fmt.Errorf("%w: %v", ErrMetaWriteFailed, err)
	}

	s.recordSignature(sig)
	return dest, mp, nil
}

func (s *Store) isDuplicate(sig string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	_, ok := s.seen[sig]
	return ok
}

func (s *Store) recordSignature(sig string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[sig] = time.Now()
}

func (s *Store) purgeLocked() {
	cutoff := time.Now().Add(-s.SignatureTTL)
	for sig, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, sig)
		}
	}
}

func (s *Store) writeHistoryDuplicate(path, sig, event string) {
	historyDir := filepath.Join(s.Dir, "history")
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		s.Log.Warn("vault: cannot create history dir", zap.Error(err))
		return
	}
	name := vaultedName(path) + ".meta"
	meta := map[string]any{
		"original_path": pathutil.Normalize(path),
		"signature":     sig,
		"file_name":     pathutil.Basename(path),
		"event":         event,
		"timestamp":     time.Now().Format("2006-01-02 15:04:05"),
		"final_status":  "DuplicateSuppressed",
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(historyDir, name), data, 0o644)
}

func (s *Store) moveWithRetry(src, dest string) error {
	backoff := s.MoveBackoffMin
	var lastErr error
	for attempt := 0; attempt < s.MoveRetries; attempt++ {
		if err := os.Rename(src, dest); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if !pathutil.Exists(src) {
			return fmt.Errorf("source vanished: %w", lastErr)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > s.MoveBackoffMax {
			backoff = s.MoveBackoffMax
		}
	}
	return lastErr
}

func vaultedName(path string) string {
	base := pathutil.Basename(path)
	ts := time.Now().Format("20060102150405")
	sum := sha256.Sum256([]byte(pathutil.Normalize(path)))
	return fmt.Sprintf("%s__%s__%s.vaulted", base, ts, hex.EncodeToString(sum[:])[:16])
}

func writeMeta(path string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Signature computes the scan-dedup signature for a file:
// sha256(size || mtime_ns || sha256(first 64KiB)[:16] || sha256(normalized_path)[:12])[:32].
func Signature(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	headSum := sha256.Sum256(buf[:n])
	pathSum := sha256.Sum256([]byte(pathutil.Normalize(path)))

	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s",
		info.Size(), info.ModTime().UnixNano(),
		hex.EncodeToString(headSum[:])[:16],
		hex.EncodeToString(pathSum[:])[:12],
	)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:32], nil
}
