package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fileward/fileward/internal/config"
	"github.com/fileward/fileward/internal/events"
)

func newTestConfig(t *testing.T, base string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = base
	cfg.Vault.Dir = filepath.Join(base, "scanvault")
	cfg.Quarantine.Dir = filepath.Join(base, "quarantine")
	cfg.Rules.Root = filepath.Join(base, "assets", "yara")
	cfg.Schedule.Path = filepath.Join(base, "data", "scan_schedule.json")
	cfg.Ledger.Path = filepath.Join(base, "data", "ledger.db")
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	cfg.Operator.Enabled = false
	for _, d := range []string{cfg.DataDir, cfg.Vault.Dir, cfg.Quarantine.Dir, cfg.Rules.Root, filepath.Dir(cfg.Ledger.Path)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return &cfg
}

func TestNew_BuildsEveryComponentWithoutStartingGoroutines(t *testing.T) {
	base := t.TempDir()
	cfg := newTestConfig(t, base)

	o, err := New(cfg, zap.NewNop(), events.NewRecording())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.ledger.Close() })

	if o.oracle == nil || o.scanner == nil || o.quarantine == nil || o.vaultStore == nil {
		t.Fatal("expected core components to be constructed")
	}
}

func TestStatus_ReportsUptimeAndCounters(t *testing.T) {
	base := t.TempDir()
	cfg := newTestConfig(t, base)

	o, err := New(cfg, zap.NewNop(), events.NewRecording())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.ledger.Close() })
	o.startedAt = time.Now().Add(-5 * time.Second)

	status := o.Status()
	uptime, ok := status["uptime_seconds"].(float64)
	if !ok || uptime < 4 {
		t.Fatalf("status[uptime_seconds] = %v, want >= 4", status["uptime_seconds"])
	}
	if status["install_mode"] != false {
		t.Fatalf("expected install_mode=false by default, got %v", status["install_mode"])
	}
}

func TestExclusions_AddAndListRoundTrip(t *testing.T) {
	base := t.TempDir()
	cfg := newTestConfig(t, base)

	o, err := New(cfg, zap.NewNop(), events.NewRecording())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.ledger.Close() })

	if err := o.AddExclusionExtension("log"); err != nil {
		t.Fatalf("AddExclusionExtension: %v", err)
	}
	_, extensions := o.ListExclusions()
	if len(extensions) != 1 || extensions[0] != ".log" {
		t.Fatalf("extensions = %v, want [.log]", extensions)
	}
}

func TestFileSHA256_MatchesKnownDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := fileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 64 {
		t.Fatalf("digest length = %d, want 64", len(got))
	}
	got2, err := fileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != got2 {
		t.Fatalf("expected deterministic digest, got %q then %q", got, got2)
	}
}
