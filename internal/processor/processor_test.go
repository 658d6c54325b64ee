package processor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fileward/fileward/internal/exclusion"
	"github.com/fileward/fileward/internal/scanner"
	"github.com/fileward/fileward/internal/telemetry"
	"go.uber.org/zap"
)

type stubQuarantiner struct {
	calls []string
}

func (q *stubQuarantiner) Quarantine(path string, matchedRules []string) (string, error) {
	q.calls = append(q.calls, path)
	return path + ".quarantined", nil
}

type stubRechecker struct {
	scheduled []string
}

func (r *stubRechecker) Schedule(ctx context.Context, restoredPath, preHash string) {
	r.scheduled = append(r.scheduled, restoredPath)
}

type stubEvents struct {
	notified []string
}

func (e *stubEvents) OnQuarantine(originalPath, quarantinedPath string, matchedRules []string) {
	e.notified = append(e.notified, originalPath)
}

type stubLedger struct {
	restored     []string
	leftInVault  []string
}

func (l *stubLedger) AppendRestore(path string) error {
	l.restored = append(l.restored, path)
	return nil
}

func (l *stubLedger) AppendLeftInVault(path string) error {
	l.leftInVault = append(l.leftInVault, path)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *stubQuarantiner, *stubRechecker, *stubEvents, *stubLedger, string) {
	t.Helper()
	base := t.TempDir()
	vaultDir := filepath.Join(base, "scanvault")
	quarantineDir := filepath.Join(base, "quarantine")
	rulesRoot := filepath.Join(base, "assets", "yara")
	for _, d := range []string{vaultDir, quarantineDir, rulesRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	oracle := exclusion.New(base, vaultDir, quarantineDir, rulesRoot, nil)
	sc := scanner.New(oracle, nil, time.Second)
	q := &stubQuarantiner{}
	rc := &stubRechecker{}
	ev := &stubEvents{}
	lg := &stubLedger{}
	cfg := Config{VaultDir: vaultDir, Workers: 1, NotificationDedupWindow: time.Minute, InstallerSweepDelay: time.Minute}
	p := New(cfg, sc, q, rc, ev, telemetry.New(), lg, zap.NewNop())
	return p, q, rc, ev, lg, base
}

func writeVaultedEntry(t *testing.T, base, originalPath, content string) (vaultedPath string) {
	t.Helper()
	vaultDir := filepath.Join(base, "scanvault")
	vaultedPath = filepath.Join(vaultDir, "entry.vaulted")
	if err := os.WriteFile(vaultedPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	meta := vaultMeta{OriginalPath: originalPath, VaultedPath: vaultedPath, Event: "created"}
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(vaultedPath+".meta", data, 0o644); err != nil {
		t.Fatal(err)
	}
	return vaultedPath
}

func TestProcess_CleanRestoresAndSchedulesRecheck(t *testing.T) {
	p, q, rc, _, lg, base := newTestProcessor(t)
	originalDir := filepath.Join(base, "documents")
	if err := os.MkdirAll(originalDir, 0o755); err != nil {
		t.Fatal(err)
	}
	originalPath := filepath.Join(originalDir, "resume.pdf")
	vaultedPath := writeVaultedEntry(t, base, originalPath, "harmless content")

	p.process(context.Background(), vaultedPath)

	if len(q.calls) != 0 {
		t.Fatalf("expected no quarantine calls, got %d", len(q.calls))
	}
	if _, err := os.Stat(originalPath); err != nil {
		t.Fatalf("expected file restored to original path: %v", err)
	}
	if len(rc.scheduled) != 1 || rc.scheduled[0] != originalPath {
		t.Fatalf("expected a recheck scheduled for %q, got %v", originalPath, rc.scheduled)
	}
	if len(lg.restored) != 1 || lg.restored[0] != originalPath {
		t.Fatalf("expected a Restored ledger entry for %q, got %v", originalPath, lg.restored)
	}
}

func TestReconcile_MovesOrphanPayloadAndSidecar(t *testing.T) {
	p, _, _, _, _, base := newTestProcessor(t)
	vaultDir := filepath.Join(base, "scanvault")

	orphanPayload := filepath.Join(vaultDir, "orphan.vaulted")
	if err := os.WriteFile(orphanPayload, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	orphanSidecar := filepath.Join(vaultDir, "lonely.vaulted.meta")
	data, _ := json.Marshal(vaultMeta{OriginalPath: "/documents/lonely.txt"})
	if err := os.WriteFile(orphanSidecar, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if _, err := os.Stat(filepath.Join(vaultDir, "recovery", "orphan.vaulted")); err != nil {
		t.Fatalf("expected orphan payload moved to recovery/: %v", err)
	}
	if _, err := os.Stat(filepath.Join(vaultDir, "history", "lonely.vaulted.meta")); err != nil {
		t.Fatalf("expected orphan sidecar moved to history/: %v", err)
	}
}
