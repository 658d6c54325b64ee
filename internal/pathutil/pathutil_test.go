package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalize_LowercasesAndSlashes(t *testing.T) {
	got := Normalize("/tmp/Foo/BAR.TXT")
	if got != "/tmp/foo/bar.txt" {
		t.Fatalf("got %q", got)
	}
}

func TestHasPrefixDir_BoundarySafe(t *testing.T) {
	if HasPrefixDir("/tmpfoo/bar", "/tmp") {
		t.Fatal("expected /tmpfoo/bar to not match /tmp as a prefix dir")
	}
	if !HasPrefixDir("/tmp/bar", "/tmp") {
		t.Fatal("expected /tmp/bar to match /tmp")
	}
	if !HasPrefixDir("/tmp", "/tmp") {
		t.Fatal("expected exact match")
	}
}

func TestContainsSegment_CaseInsensitive(t *testing.T) {
	if !ContainsSegment(`C:\Users\bob\$Recycle.Bin\file`, "$recycle.bin") {
		t.Fatal("expected segment match")
	}
	if ContainsSegment(`/home/bob/recycle.bin-backup/file`, "recycle.bin") {
		t.Fatal("expected no match for a segment that merely contains the substring")
	}
}

func TestExists_IsRegularFile(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !Exists(f) || !IsRegularFile(f) {
		t.Fatal("expected file to exist and be regular")
	}
	if !Exists(dir) {
		t.Fatal("expected dir to exist")
	}
	if IsRegularFile(dir) {
		t.Fatal("expected dir to not be a regular file")
	}
	if Exists(filepath.Join(dir, "missing")) {
		t.Fatal("expected missing path to not exist")
	}
}
