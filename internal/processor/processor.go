// Package processor implements the vault processor (C7): a bounded worker
// pool that scans vaulted payloads and routes each to restoration or
// quarantine.
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fileward/fileward/internal/exclusion"
	"github.com/fileward/fileward/internal/pathutil"
	"github.com/fileward/fileward/internal/scanner"
	"github.com/fileward/fileward/internal/telemetry"
	"go.uber.org/zap"
)

// vaultMeta mirrors vault.Meta's on-disk JSON shape; duplicated here
// (rather than imported) to read arbitrary sidecar fields without coupling
// the two packages' Go types together.
type vaultMeta struct {
	OriginalPath  string `json:"original_path"`
	VaultedPath   string `json:"vaulted_path"`
	Timestamp     string `json:"timestamp"`
	Event         string `json:"event"`
	Signature     string `json:"signature"`
	InstallerMode bool   `json:"installer_mode"`
}

// Quarantiner is the subset of the quarantine store used here.
type Quarantiner interface {
	Quarantine(path string, matchedRules []string) (string, error)
}

// Rechecker is the subset of the recheck subsystem used here.
type Rechecker interface {
	Schedule(ctx context.Context, restoredPath, preHash string)
}

// EventSink receives UI-facing events. Matches events.Sink's relevant
// methods without importing the concrete event payload types.
type EventSink interface {
	OnQuarantine(originalPath, quarantinedPath string, matchedRules []string)
}

// Ledger is the subset of the audit ledger (C15) this package appends to
// directly, kept as an interface to avoid an import cycle. Quarantine
// decisions are appended by the quarantine store itself; the processor only
// records the terminal outcomes it alone reaches (restore, left-in-vault).
type Ledger interface {
	AppendRestore(path string) error
	AppendLeftInVault(path string) error
}

// Config bundles the processor's tunables.
type Config struct {
	VaultDir                string
	Workers                 int
	NotificationDedupWindow time.Duration
	InstallerSweepDelay     time.Duration
}

// Processor scans vaulted entries and routes them to restore or quarantine.
type Processor struct {
	cfg        Config
	scanner    *scanner.Scanner
	quarantine Quarantiner
	recheck    Rechecker
	events     EventSink
	counters   *telemetry.Counters
	ledger     Ledger
	log        *zap.Logger

	queue chan string

	mu          sync.Mutex
	notified    map[string]time.Time
}

// New creates a Processor. Call Reconcile once at startup before Run.
func New(cfg Config, sc *scanner.Scanner, q Quarantiner, rc Rechecker, ev EventSink, counters *telemetry.Counters, ledger Ledger, log *zap.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		scanner:    sc,
		quarantine: q,
		recheck:    rc,
		events:     ev,
		counters:   counters,
		ledger:     ledger,
		log:        log,
		queue:      make(chan string, 1024),
		notified:   make(map[string]time.Time),
	}
}

// Enqueue submits a vaulted payload path for processing.
func (p *Processor) Enqueue(vaultedPath string) {
	select {
	case p.queue <- vaultedPath:
	default:
		p.log.Warn("processor: queue full, dropping", zap.String("path", vaultedPath))
	}
}

// Run starts the worker pool and the notification-dedup-clearing ticker.
// It blocks until ctx is cancelled, then drains in-flight workers.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	go p.clearNotifiedLoop(ctx)

	<-ctx.Done()
	wg.Wait()
}

func (p *Processor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case vaultedPath, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, vaultedPath)
		}
	}
}

func (p *Processor) process(ctx context.Context, vaultedPath string) {
	metaPath := vaultedPath + ".meta"
	meta, err := readMeta(metaPath)
	if err != nil {
		p.log.Warn("processor: cannot read sidecar, leaving in vault", zap.String("path", vaultedPath), zap.Error(err))
		return
	}

	result := p.scanner.Scan(vaultedPath, exclusion.ForceVault)

	switch result.Outcome {
	case scanner.Match:
		p.routeQuarantine(vaultedPath, metaPath, meta, result.MatchedRules, false)
		p.maybeScheduleInstallerSweep(ctx, meta)
		return
	case scanner.Clean, scanner.NoRules, scanner.SkippedInternal, scanner.SkippedTemp, scanner.SkippedTempRoot, scanner.SkippedTempFile:
		p.routeRestoreOrRequarantine(ctx, vaultedPath, metaPath, meta)
		return
	default:
		p.log.Warn("processor: scan error, leaving vaulted payload for manual review",
			zap.String("path", vaultedPath), zap.Error(result.Err))
		p.counters.Inc("scan_error")
		if p.ledger != nil {
			if err := p.ledger.AppendLeftInVault(vaultedPath); err != nil {
				p.log.Warn("processor: ledger append failed", zap.Error(err))
			}
		}
		return
	}
}

func (p *Processor) routeRestoreOrRequarantine(ctx context.Context, vaultedPath, metaPath string, meta vaultMeta) {
	preHash, err := hashFile(vaultedPath)
	if err != nil {
		p.log.Warn("processor: cannot hash vaulted payload", zap.Error(err))
		return
	}

	recheckResult := p.scanner.Scan(vaultedPath, exclusion.ForceVault)
	if recheckResult.Outcome == scanner.Match {
		p.routeQuarantine(vaultedPath, metaPath, meta, recheckResult.MatchedRules, true)
		p.maybeScheduleInstallerSweep(ctx, meta)
		return
	}

	destDir := filepath.Dir(meta.OriginalPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		p.log.Warn("processor: cannot create restore destination", zap.Error(err))
		return
	}

	restoredPath := meta.OriginalPath
	if err := os.Rename(vaultedPath, restoredPath); err != nil {
		if err2 := copyFile(vaultedPath, restoredPath); err2 != nil {
			p.log.Warn("processor: restore move failed", zap.Error(err))
			return
		}
		os.Remove(vaultedPath)
	}

	historyPath := p.archiveHistory(metaPath, map[string]any{
		"original_path":          meta.OriginalPath,
		"final_status":           "Restored",
		"action_timestamp":       time.Now().Format("2006-01-02 15:04:05"),
		"restored_path":          restoredPath,
		"pre_restore_hash":       preHash,
		"recheck_before_restore": false,
	})
	_ = historyPath

	p.counters.Inc("restored")
	if p.ledger != nil {
		if err := p.ledger.AppendRestore(restoredPath); err != nil {
			p.log.Warn("processor: ledger append failed", zap.Error(err))
		}
	}
	if p.recheck != nil {
		p.recheck.Schedule(ctx, restoredPath, preHash)
	}
	p.maybeScheduleInstallerSweep(ctx, meta)
}

func (p *Processor) routeQuarantine(vaultedPath, metaPath string, meta vaultMeta, matchedRules []string, recheckBeforeRestore bool) {
	quarantinedPath, err := p.quarantine.Quarantine(vaultedPath, matchedRules)
	if err != nil {
		p.log.Warn("processor: quarantine failed", zap.String("path", vaultedPath), zap.Error(err))
		p.counters.Inc("scan_quarantine_failed")
		return
	}

	rule := ""
	if len(matchedRules) > 0 {
		rule = matchedRules[0]
	}
	p.archiveHistory(metaPath, map[string]any{
		"original_path":          meta.OriginalPath,
		"final_status":           "Quarantined",
		"action_timestamp":       time.Now().Format("2006-01-02 15:04:05"),
		"quarantine_path":        quarantinedPath,
		"matched_rule":           rule,
		"recheck_before_restore": recheckBeforeRestore,
	})

	if p.shouldNotify(meta.OriginalPath) {
		p.events.OnQuarantine(meta.OriginalPath, quarantinedPath, matchedRules)
	}
	p.counters.Inc("scan_match")
}

func (p *Processor) maybeScheduleInstallerSweep(ctx context.Context, meta vaultMeta) {
	if !meta.InstallerMode {
		return
	}
	originalPath := meta.OriginalPath
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.InstallerSweepDelay):
		}
		result := p.scanner.Scan(originalPath, exclusion.Normal)
		if result.Outcome == scanner.Match {
			if qpath, err := p.quarantine.Quarantine(originalPath, result.MatchedRules); err == nil {
				p.counters.Inc("installer_sweep_quarantined")
				if p.shouldNotify(originalPath) {
					p.events.OnQuarantine(originalPath, qpath, result.MatchedRules)
				}
			}
		}
	}()
}

func (p *Processor) shouldNotify(originalPath string) bool {
	key := pathutil.Normalize(originalPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.notified[key]; seen {
		return false
	}
	p.notified[key] = time.Now()
	return true
}

func (p *Processor) clearNotifiedLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.NotificationDedupWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			p.notified = make(map[string]time.Time)
			p.mu.Unlock()
		}
	}
}

func (p *Processor) archiveHistory(metaPath string, fields map[string]any) string {
	historyDir := filepath.Join(p.cfg.VaultDir, "history")
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		p.log.Warn("processor: cannot create history dir", zap.Error(err))
		return ""
	}

	data, err := os.ReadFile(metaPath)
	merged := map[string]any{}
	if err == nil {
		_ = json.Unmarshal(data, &merged)
	}
	for k, v := range fields {
		merged[k] = v
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return ""
	}

	dest := filepath.Join(historyDir, filepath.Base(metaPath))
	if err := os.WriteFile(dest, out, 0o644); err != nil {
		p.log.Warn("processor: cannot write history sidecar", zap.Error(err))
		return ""
	}
	os.Remove(metaPath)
	return dest
}

// Reconcile scans the vault directory at startup for orphaned payloads
// (no sidecar) and orphaned sidecars (no payload), moving each to its
// designated resting place so the processor never has to special-case them
// again.
func (p *Processor) Reconcile() error {
	entries, err := os.ReadDir(p.cfg.VaultDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	recoveryDir := filepath.Join(p.cfg.VaultDir, "recovery")
	historyDir := filepath.Join(p.cfg.VaultDir, "history")

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(p.cfg.VaultDir, name)

		switch {
		case strings.HasSuffix(name, ".vaulted"):
			if !pathutil.Exists(full + ".meta") {
				if err := os.MkdirAll(recoveryDir, 0o755); err != nil {
					return err
				}
				_ = os.Rename(full, filepath.Join(recoveryDir, name))
			}
		case strings.HasSuffix(name, ".vaulted.meta"):
			payload := strings.TrimSuffix(full, ".meta")
			if !pathutil.Exists(payload) {
				if err := os.MkdirAll(historyDir, 0o755); err != nil {
					return err
				}
				data, _ := os.ReadFile(full)
				merged := map[string]any{}
				_ = json.Unmarshal(data, &merged)
				merged["final_status"] = "Unknown"
				out, _ := json.MarshalIndent(merged, "", "  ")
				_ = os.WriteFile(filepath.Join(historyDir, name), out, 0o644)
				os.Remove(full)
			}
		}
	}
	return nil
}

func readMeta(path string) (vaultMeta, error) {
	var m vaultMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
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
