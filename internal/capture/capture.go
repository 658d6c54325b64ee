// Package capture implements the capture pipeline: it waits for a candidate
// path to stabilize, follows partial-download renames, and hands the
// settled file to the vault store.
package capture

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fileward/fileward/internal/exclusion"
	"github.com/fileward/fileward/internal/pathutil"
	"github.com/fileward/fileward/internal/telemetry"
	"go.uber.org/zap"
)

var partialExts = map[string]bool{
	".crdownload": true, ".part": true, ".partial": true, ".download": true, ".tmp": true,
}

// VaultCapturer is the subset of the vault store used here.
type VaultCapturer interface {
	Capture(path, event string) (vaultedPath, metaPath string, err error)
}

// Config bundles the capture pipeline's tunables.
type Config struct {
	DebounceWindow               time.Duration
	StabilizationMaxWait         time.Duration
	StabilizationSampleInterval  time.Duration
	StabilizationRequiredSamples int
	SettleMargin                 time.Duration
	RenameFollowHeuristic        bool
}

// Pipeline dispatches candidate paths to per-path stabilization workers.
type Pipeline struct {
	Oracle  *exclusion.Oracle
	Vault   VaultCapturer
	Cfg     Config
	Counter *telemetry.Counters
	Log     *zap.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// New creates a Pipeline.
func New(oracle *exclusion.Oracle, vault VaultCapturer, cfg Config, counters *telemetry.Counters, log *zap.Logger) *Pipeline {
	return &Pipeline{
		Oracle:   oracle,
		Vault:    vault,
		Cfg:      cfg,
		Counter:  counters,
		Log:      log,
		lastSeen: make(map[string]time.Time),
	}
}

// Run reads candidate paths from in and spawns a stabilization goroutine
// per path until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, in <-chan string) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case path, ok := <-in:
			if !ok {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(path string) {
				defer wg.Done()
				p.handle(ctx, path)
			}(path)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, path string) {
	path = filepath.Clean(path)

	ext := pathutil.Ext(path)
	if ext == "" && !pathutil.IsRegularFile(path) {
		return
	}

	if excluded, reason := p.Oracle.Classify(path, exclusion.Normal); excluded {
		if reason == exclusion.Internal || reason == exclusion.RecycleBin {
			p.markSeen(path)
		}
		return
	}

	if p.isDebounced(path) {
		return
	}
	p.markSeen(path)

	finalPath, renamed, ok := p.stabilize(ctx, path)
	if !ok {
		p.Log.Debug("capture: stabilization abandoned", zap.String("path", path))
		return
	}

	time.Sleep(p.Cfg.SettleMargin)

	event := "created"
	if renamed {
		event = "download_finalized"
		p.Counter.Inc("rename_follow_hit")
	}

	_, _, err := p.Vault.Capture(finalPath, event)
	if err != nil {
		p.Log.Debug("capture: vault capture did not complete", zap.String("path", finalPath), zap.Error(err))
		return
	}
	p.Counter.Inc("stabilized_capture")
}

func (p *Pipeline) isDebounced(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastSeen[path]
	return ok && time.Since(last) < p.Cfg.DebounceWindow
}

func (p *Pipeline) markSeen(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen[path] = time.Now()
}

// stabilize waits for path (or a rename-followed successor) to present a
// stable size/mtime across several consecutive samples.
func (p *Pipeline) stabilize(ctx context.Context, path string) (finalPath string, renamed bool, ok bool) {
	deadline := time.Now().Add(p.Cfg.StabilizationMaxWait)
	current := path
	var lastSize int64 = -1
	var lastMtime time.Time
	consecutive := 0

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", false, false
		default:
		}

		if partialExts[pathutil.Ext(current)] {
			consecutive = 0
		}

		info, err := os.Stat(current)
		if err != nil {
			if partialExts[pathutil.Ext(current)] {
				if stripped := strings.TrimSuffix(current, filepath.Ext(current)); pathutil.Exists(stripped) {
					current = stripped
					renamed = true
					consecutive = 0
					time.Sleep(p.Cfg.StabilizationSampleInterval)
					continue
				}
				// Same-stem, recent-mtime fallback: in a busy directory it can
				// pick an unrelated file, so it runs only when enabled.
				if p.Cfg.RenameFollowHeuristic {
					if sib, found := p.siblingSweep(current); found {
						current = sib
						renamed = true
						consecutive = 0
						time.Sleep(p.Cfg.StabilizationSampleInterval)
						continue
					}
				}
			}
			time.Sleep(p.Cfg.StabilizationSampleInterval)
			continue
		}

		stable := info.Size() > 0 && info.Size() == lastSize && info.ModTime().Equal(lastMtime) && canOpenForRead(current)
		lastSize = info.Size()
		lastMtime = info.ModTime()

		if stable {
			consecutive++
			if consecutive >= p.Cfg.StabilizationRequiredSamples {
				return current, renamed, true
			}
		} else {
			consecutive = 0
		}

		time.Sleep(p.Cfg.StabilizationSampleInterval)
	}

	return "", false, false
}

func (p *Pipeline) siblingSweep(current string) (string, bool) {
	dir := filepath.Dir(current)
	stem := strings.TrimSuffix(filepath.Base(current), filepath.Ext(current))
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	cutoff := time.Now().Add(-5 * time.Second)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasPrefix(e.Name(), stem) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		return filepath.Join(dir, e.Name()), true
	}
	return "", false
}

func canOpenForRead(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// SiblingRenamePattern matches the OS's duplicate-rename convention, e.g.
// "report (2).pdf" for "report.pdf". Used by the recheck subsystem's
// sibling sweep.
func SiblingRenamePattern(name string) *regexp.Regexp {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	ext := regexp.QuoteMeta(filepath.Ext(name))
	return regexp.MustCompile(`^` + regexp.QuoteMeta(stem) + `( \(\d+\))?` + ext + `$`)
}
