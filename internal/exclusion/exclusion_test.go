package exclusion

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestOracle(t *testing.T) (*Oracle, string) {
	t.Helper()
	base := t.TempDir()
	vault := filepath.Join(base, "scanvault")
	quarantine := filepath.Join(base, "quarantine")
	rules := filepath.Join(base, "assets", "yara")
	for _, d := range []string{vault, quarantine, rules} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return New(base, vault, quarantine, rules, nil), base
}

func TestClassify_InternalRootExcluded(t *testing.T) {
	o, base := newTestOracle(t)
	path := filepath.Join(base, "scanvault", "payload.vaulted")

	excluded, reason := o.Classify(path, Normal)
	if !excluded || reason != Internal {
		t.Fatalf("got excluded=%v reason=%v, want Internal", excluded, reason)
	}
}

func TestClassify_ForceVaultPolicyBypassesVaultInternal(t *testing.T) {
	o, base := newTestOracle(t)
	path := filepath.Join(base, "scanvault", "payload.vaulted")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	excluded, reason := o.Classify(path, ForceVault)
	if excluded {
		t.Fatalf("got excluded=%v reason=%v, want not excluded under ForceVault", excluded, reason)
	}
}

func TestClassify_TempFileByExtension(t *testing.T) {
	o, _ := newTestOracle(t)
	dir := filepath.Join(t.TempDir(), "documents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "report.tmp")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	excluded, reason := o.Classify(path, Normal)
	if !excluded || reason != TempFile {
		t.Fatalf("got excluded=%v reason=%v, want TempFile", excluded, reason)
	}
}

func TestClassify_ZeroByteFileIsTempFile(t *testing.T) {
	o, _ := newTestOracle(t)
	dir := filepath.Join(t.TempDir(), "documents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "empty.docx")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	excluded, reason := o.Classify(path, Normal)
	if !excluded || reason != TempFile {
		t.Fatalf("got excluded=%v reason=%v, want TempFile for zero-byte file", excluded, reason)
	}
}

func TestClassify_RecycleBinSegment(t *testing.T) {
	o, _ := newTestOracle(t)
	path := filepath.Join(t.TempDir(), `$Recycle.Bin`, "deleted.pdf")

	excluded, reason := o.Classify(path, Normal)
	if !excluded || reason != RecycleBin {
		t.Fatalf("got excluded=%v reason=%v, want RecycleBin", excluded, reason)
	}
}

func TestClassify_UserExcludedTakesPriority(t *testing.T) {
	o, base := newTestOracle(t)
	o.Users = stubUserStore{excluded: true}
	path := filepath.Join(base, "scanvault", "payload.vaulted")

	excluded, reason := o.Classify(path, Normal)
	if !excluded || reason != UserExcluded {
		t.Fatalf("got excluded=%v reason=%v, want UserExcluded to win over Internal", excluded, reason)
	}
}

func TestClassify_OrdinaryFileNotExcluded(t *testing.T) {
	o, _ := newTestOracle(t)
	dir := filepath.Join(t.TempDir(), "documents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "resume.pdf")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	excluded, reason := o.Classify(path, Normal)
	if excluded {
		t.Fatalf("got excluded=%v reason=%v, want not excluded", excluded, reason)
	}
}

type stubUserStore struct{ excluded bool }

func (s stubUserStore) IsExcluded(path string) bool { return s.excluded }
