// Package orchestrator wires every component together, owns their
// lifecycles in startup/shutdown order, and implements the operator
// control-plane's Orchestrator interface.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fileward/fileward/internal/capture"
	"github.com/fileward/fileward/internal/config"
	"github.com/fileward/fileward/internal/events"
	"github.com/fileward/fileward/internal/exclusion"
	"github.com/fileward/fileward/internal/installmode"
	"github.com/fileward/fileward/internal/ledger"
	"github.com/fileward/fileward/internal/observability"
	"github.com/fileward/fileward/internal/operator"
	"github.com/fileward/fileward/internal/processor"
	"github.com/fileward/fileward/internal/quarantine"
	"github.com/fileward/fileward/internal/recheck"
	"github.com/fileward/fileward/internal/rules"
	"github.com/fileward/fileward/internal/scanner"
	"github.com/fileward/fileward/internal/scheduler"
	"github.com/fileward/fileward/internal/telemetry"
	"github.com/fileward/fileward/internal/userexclusions"
	"github.com/fileward/fileward/internal/vault"
	"github.com/fileward/fileward/internal/watcher"
)

// Orchestrator owns every component and the cross-thread event sink.
type Orchestrator struct {
	cfg *config.Config
	log *zap.Logger

	ledger        *ledger.Ledger
	userExclude   *userexclusions.Store
	oracle        *exclusion.Oracle
	ruleset       *rules.Ruleset
	scanner       *scanner.Scanner
	quarantine    *quarantine.Store
	install       *installmode.Gate
	vaultStore    *vault.Store
	recheckSub    *recheck.Subsystem
	processorPool *processor.Processor
	capturePipe   *capture.Pipeline
	sched         *scheduler.Scheduler
	metrics       *observability.Metrics
	counters      *telemetry.Counters
	sink          events.Sink

	startedAt time.Time
}

type eventAdapter struct {
	sink events.Sink
}

func (a eventAdapter) OnQuarantine(originalPath, quarantinedPath string, matchedRules []string) {
	a.sink.OnQuarantine(events.Quarantine{
		OriginalPath:    originalPath,
		QuarantinedPath: quarantinedPath,
		MatchedRules:    matchedRules,
		Timestamp:       time.Now(),
	})
}

// New builds every component from cfg but does not start any goroutines.
func New(cfg *config.Config, log *zap.Logger, sink events.Sink) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, log: log, sink: sink, counters: telemetry.New()}

	var err error
	o.ledger, err = ledger.Open(cfg.Ledger.Path, cfg.Ledger.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open ledger: %w", err)
	}

	o.userExclude, err = userexclusions.Load(cfg.DataDir + "/user_exclusions.json")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load user exclusions: %w", err)
	}

	o.install = installmode.New(cfg.InstallMode.WatchdogPoll, log)

	o.oracle = exclusion.New(cfg.DataDir, cfg.Vault.Dir, cfg.Quarantine.Dir, cfg.Rules.Root, o.userExclude)

	o.ruleset, err = rules.Compile(cfg.Rules.Root, log)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compile rules: %w", err)
	}

	o.scanner = scanner.New(o.oracle, o.ruleset, cfg.Rules.MatchTimeout)

	o.quarantine = quarantine.New(cfg.Quarantine.Dir, cfg.Quarantine.MoveRetries, cfg.Quarantine.MoveBackoff, log, o.ledger)

	o.vaultStore = vault.New(cfg.Vault.Dir, cfg.Vault.MoveRetries, cfg.Vault.MoveBackoffMin, cfg.Vault.MoveBackoffMax,
		cfg.Vault.SignatureTTL, o.install, o.counters, log)

	o.metrics = observability.NewMetrics()
	o.ledger.SetMetrics(o.metrics)

	o.recheckSub = recheck.New(o.scanner, o.quarantine, o.counters, cfg.Recheck.DelayedRecheckBase, log)

	procCfg := processor.Config{
		VaultDir:                cfg.Vault.Dir,
		Workers:                 cfg.Vault.Workers,
		NotificationDedupWindow: cfg.Vault.NotificationDedupWindow,
		InstallerSweepDelay:     cfg.Vault.InstallerSweepDelay,
	}
	o.processorPool = processor.New(procCfg, o.scanner, o.quarantine, o.recheckSub, eventAdapter{o.sink}, o.counters, o.ledger, log)

	capCfg := capture.Config{
		DebounceWindow:               cfg.Capture.DebounceWindow,
		StabilizationMaxWait:         cfg.Capture.StabilizationMaxWait,
		StabilizationSampleInterval:  cfg.Capture.StabilizationSampleInterval,
		StabilizationRequiredSamples: cfg.Capture.StabilizationRequiredSamples,
		SettleMargin:                 cfg.Capture.SettleMargin,
		RenameFollowHeuristic:        cfg.Capture.RenameFollowHeuristic,
	}
	o.capturePipe = capture.New(o.oracle, vaultCapturerAdapter{o}, capCfg, o.counters, log)

	o.sched, err = scheduler.New(cfg.Schedule.Path, cfg.Schedule.EvalInterval, o.scanner, o.quarantine, o.counters, log,
		func(p scheduler.Progress) {
			sink.OnScanProgress(events.ScanProgress{Scanned: p.Scanned, Total: p.Total, Matches: p.Matches})
		},
		func(s scheduler.Summary) {
			samples := make([]events.MatchedSample, 0, len(s.MatchedSamples))
			for _, ms := range s.MatchedSamples {
				samples = append(samples, events.MatchedSample{Path: ms.Path, Rule: ms.Rule})
			}
			sink.OnScanComplete(events.ScanComplete{
				TotalFiles: s.TotalFiles, Matches: s.Matches, MissingPaths: s.MissingPaths,
				MatchedSamples: samples, DurationSec: s.DurationSec, EndedAt: s.EndedAt,
			})
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load scheduler: %w", err)
	}

	return o, nil
}

// vaultCapturerAdapter bridges capture.VaultCapturer to vault.Store plus
// the events sink and ledger appends that accompany a successful capture.
type vaultCapturerAdapter struct{ o *Orchestrator }

func (a vaultCapturerAdapter) Capture(path, event string) (string, string, error) {
	vaultedPath, metaPath, err := a.o.vaultStore.Capture(path, event)
	if err == nil {
		a.o.sink.OnVaultCapture(events.VaultCapture{
			OriginalPath: path, VaultedPath: vaultedPath, MetaPath: metaPath,
			Event: event, Timestamp: time.Now(),
		})
		a.o.processorPool.Enqueue(vaultedPath)
	}
	return vaultedPath, metaPath, err
}

// Run starts every background component in the documented startup order and
// blocks until ctx is cancelled, then shuts down in reverse with a 30s
// drain grace for the vault queue.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = time.Now()

	if err := o.processorPool.Reconcile(); err != nil {
		o.log.Warn("orchestrator: vault reconciliation failed", zap.Error(err))
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.processorPool.Run(ctx)
	}()

	watchCh, err := watcher.Subscribe(ctx, o.cfg.Watch.Roots, o.cfg.Watch.Excludes, o.log)
	if err != nil {
		return fmt.Errorf("orchestrator: start watcher: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.capturePipe.Run(ctx, watchCh)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.sched.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := observability.ServeMetrics(ctx, o.cfg.Observability.MetricsAddr, o.metrics, o.counters, o.log); err != nil {
			o.log.Error("orchestrator: metrics server error", zap.Error(err))
		}
	}()

	if o.cfg.Operator.Enabled {
		opServer := operator.NewServer(o.cfg.Operator.SocketPath, o, o.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := opServer.ListenAndServe(ctx); err != nil {
				o.log.Error("orchestrator: operator socket error", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.pruneLedgerDaily(ctx)
	}()

	<-ctx.Done()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		o.log.Warn("orchestrator: shutdown drain timeout, forcing exit")
	}

	return o.ledger.Close()
}

func (o *Orchestrator) pruneLedgerDaily(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := o.ledger.PruneOlderThan(o.cfg.Ledger.RetentionDays)
			if err != nil {
				o.log.Warn("orchestrator: ledger prune failed", zap.Error(err))
				continue
			}
			o.log.Info("orchestrator: ledger pruned", zap.Int("deleted", deleted))
		}
	}
}

// Status implements operator.Orchestrator.
func (o *Orchestrator) Status() map[string]any {
	active, remaining := o.install.Status()
	return map[string]any{
		"uptime_seconds":   time.Since(o.startedAt).Seconds(),
		"install_mode":     active,
		"install_mode_sec": remaining.Seconds(),
		"counters":         o.counters.Snapshot(),
	}
}

// ScanNow implements operator.Orchestrator.
func (o *Orchestrator) ScanNow() {
	o.sched.RunNow(context.Background())
}

// ListQuarantine implements operator.Orchestrator.
func (o *Orchestrator) ListQuarantine() ([]operator.QuarantineEntry, error) {
	entries, err := os.ReadDir(o.cfg.Quarantine.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []operator.QuarantineEntry
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) < 6 || e.Name()[len(e.Name())-5:] != ".meta" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(o.cfg.Quarantine.Dir, e.Name()))
		if err != nil {
			continue
		}
		var m quarantine.Meta
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, operator.QuarantineEntry{
			QuarantinedPath: m.QuarantinedPath,
			OriginalPath:    m.OriginalPath,
			MatchedRules:    m.MatchedRules,
			Timestamp:       m.Timestamp,
		})
	}
	return out, nil
}

// RestoreQuarantine implements operator.Orchestrator.
func (o *Orchestrator) RestoreQuarantine(quarantinedPath string) (string, error) {
	restored, err := o.quarantine.Restore(quarantinedPath)
	if err != nil {
		return "", err
	}
	if err := o.ledger.AppendRestore(restored); err != nil {
		o.log.Warn("orchestrator: ledger append failed", zap.Error(err))
	}
	preHash, hashErr := fileSHA256(restored)
	if hashErr != nil {
		preHash = ""
	}
	o.recheckSub.Schedule(context.Background(), restored, preHash)
	return restored, nil
}

// ActivateInstallMode implements operator.Orchestrator.
func (o *Orchestrator) ActivateInstallMode(durationMinutes int) {
	o.install.Activate(durationMinutes)
}

// InstallModeStatus implements operator.Orchestrator.
func (o *Orchestrator) InstallModeStatus() (bool, float64) {
	active, remaining := o.install.Status()
	return active, remaining.Seconds()
}

// AddExclusionPath implements operator.Orchestrator.
func (o *Orchestrator) AddExclusionPath(path string) error {
	return o.userExclude.AddPath(path)
}

// AddExclusionExtension implements operator.Orchestrator.
func (o *Orchestrator) AddExclusionExtension(ext string) error {
	return o.userExclude.AddExtension(ext)
}

// ListExclusions implements operator.Orchestrator.
func (o *Orchestrator) ListExclusions() (paths, extensions []string) {
	return o.userExclude.List()
}

// ListLedger implements operator.Orchestrator.
func (o *Orchestrator) ListLedger(since time.Time, limit int) ([]operator.LedgerEntry, error) {
	entries, err := o.ledger.Read(since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]operator.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, operator.LedgerEntry{
			Sequence: e.Sequence, Path: e.Path, Decision: string(e.Decision),
			RuleName: e.RuleName, Timestamp: e.Timestamp.Format(time.RFC3339),
		})
	}
	return out, nil
}

// RecordOperatorAction implements operator.Orchestrator.
func (o *Orchestrator) RecordOperatorAction(cmd string) {
	o.counters.Inc("operator_cmd_" + cmd)
}

func fileSHA256(path string) (string, error) {
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
