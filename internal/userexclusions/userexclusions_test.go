package userexclusions

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "exclusions.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	paths, exts := s.List()
	if len(paths) != 0 || len(exts) != 0 {
		t.Fatalf("expected empty store, got paths=%v exts=%v", paths, exts)
	}
}

func TestAddExtension_NormalizesAndPersists(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "exclusions.json")
	s, err := Load(storePath)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.AddExtension("LOG"); err != nil {
		t.Fatalf("AddExtension: %v", err)
	}

	if !s.IsExcluded(filepath.Join(dir, "service.log")) {
		t.Fatal("expected .log file to be excluded")
	}

	reloaded, err := Load(storePath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	_, exts := reloaded.List()
	if len(exts) != 1 || exts[0] != ".log" {
		t.Fatalf("reloaded extensions = %v, want [.log]", exts)
	}
}

func TestAddPath_RequiresExistence(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "exclusions.json"))
	if err != nil {
		t.Fatal(err)
	}

	missing := filepath.Join(dir, "does-not-exist")
	if err := s.AddPath(missing); err == nil {
		t.Fatal("expected error adding a nonexistent path")
	}

	existing := filepath.Join(dir, "trusted")
	if err := os.MkdirAll(existing, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPath(existing); err != nil {
		t.Fatalf("AddPath: %v", err)
	}

	nested := filepath.Join(existing, "sub", "file.bin")
	if err := os.MkdirAll(filepath.Dir(nested), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(nested, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !s.IsExcluded(nested) {
		t.Fatal("expected nested file under an excluded path to be excluded")
	}
}
