// Package quarantine implements the quarantine store: moving a suspect
// file into a protected directory with sidecar metadata, and restoring it
// back out again.
package quarantine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fileward/fileward/internal/pathutil"
	"go.uber.org/zap"
)

// ErrSourceGone is returned when the file to quarantine no longer exists.
var ErrSourceGone = errors.New("quarantine: source file does not exist")

// Meta is the sidecar document written alongside a quarantined payload.
type Meta struct {
	OriginalPath    string   `json:"original_path"`
	QuarantinedPath string   `json:"quarantined_path"`
	Timestamp       string   `json:"timestamp"`
	MatchedRules    []string `json:"matched_rules"`
}

// Store moves files into, and restores them out of, a quarantine directory.
type Store struct {
	Dir         string
	MoveRetries int
	MoveBackoff time.Duration
	Log         *zap.Logger

	// Ledger receives a best-effort append whenever a quarantine decision
	// is reached; left nil in tests that don't care about the audit trail.
	Ledger LedgerAppender
}

// LedgerAppender is the minimal slice of the audit ledger (C15) this store
// needs, kept as an interface to avoid an import cycle.
type LedgerAppender interface {
	AppendQuarantine(path string, matchedRules []string) error
}

// New creates a Store rooted at dir.
func New(dir string, moveRetries int, moveBackoff time.Duration, log *zap.Logger, ledger LedgerAppender) *Store {
	return &Store{Dir: dir, MoveRetries: moveRetries, MoveBackoff: moveBackoff, Log: log, Ledger: ledger}
}

// Quarantine moves path into the quarantine directory and writes its
// sidecar metadata. A partial failure (move succeeded, sidecar write
// failed) still returns the quarantined path alongside the error.
func (s *Store) Quarantine(path string, matchedRules []string) (quarantinedPath string, err error) {
	if !pathutil.Exists(path) {
		return "", ErrSourceGone
	}

	if mkErr := os.MkdirAll(s.Dir, 0o755); mkErr != nil {
		return "", fmt.Errorf("quarantine: ensure dir: %w", mkErr)
	}

	name := quarantineName(path)
	dest := filepath.Join(s.Dir, name)

	if mvErr := s.moveWithRetry(path, dest); mvErr != nil {
		return "", fmt.Errorf("quarantine: move: %w", mvErr)
	}

	meta := Meta{
		OriginalPath:    pathutil.Normalize(path),
		QuarantinedPath: dest,
		Timestamp:       time.Now().Format("2006-01-02 15:04:05"),
		MatchedRules:    matchedRules,
	}
	if mErr := writeMeta(dest+".meta", meta); mErr != nil {
		s.Log.Warn("quarantine: sidecar write failed, payload remains quarantined",
			zap.String("path", dest), zap.Error(mErr))
		s.appendLedger(path, matchedRules)
		return dest, fmt.Errorf("quarantine: sidecar write: %w", mErr)
	}

	s.appendLedger(path, matchedRules)
	return dest, nil
}

func (s *Store) appendLedger(path string, matchedRules []string) {
	if s.Ledger == nil {
		return
	}
	if err := s.Ledger.AppendQuarantine(path, matchedRules); err != nil {
		s.Log.Warn("quarantine: ledger append failed", zap.Error(err))
	}
}

func (s *Store) moveWithRetry(src, dest string) error {
	var lastErr error
	for attempt := 0; attempt < s.MoveRetries; attempt++ {
		if err := os.Rename(src, dest); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if !pathutil.Exists(src) {
			return fmt.Errorf("source vanished during retry: %w", lastErr)
		}
		time.Sleep(s.MoveBackoff)
	}
	return lastErr
}

// Restore copies a quarantined payload back to its recorded original_path,
// creating parent directories as needed, then removes both the quarantined
// payload and its sidecar. The restored path is returned so the caller can
// schedule a post-restore recheck.
func (s *Store) Restore(quarantinedPath string) (restoredPath string, err error) {
	metaPath := quarantinedPath + ".meta"
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return "", fmt.Errorf("quarantine: read sidecar: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("quarantine: parse sidecar: %w", err)
	}

	dest := meta.OriginalPath
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("quarantine: ensure dest dir: %w", err)
	}
	if err := copyFile(quarantinedPath, dest); err != nil {
		return "", fmt.Errorf("quarantine: copy back: %w", err)
	}

	_ = os.Remove(quarantinedPath)
	_ = os.Remove(metaPath)

	return dest, nil
}

func quarantineName(path string) string {
	base := pathutil.Basename(path)
	ts := time.Now().Format("20060102150405")
	sum := sha256.Sum256([]byte(pathutil.Normalize(path)))
	return fmt.Sprintf("%s__%s__%s.quarantined", base, ts, hex.EncodeToString(sum[:])[:16])
}

func writeMeta(path string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}
