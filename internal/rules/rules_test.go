package rules

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCompile_EmptyRootYieldsEmptyRuleset(t *testing.T) {
	dir := t.TempDir()

	rs, err := Compile(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if rs.rules != nil {
		t.Fatal("expected an empty ruleset when no .yar files are present")
	}
}

func TestMatch_EmptyRulesetReturnsErrNoRules(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sample.bin")

	rs, err := Compile(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = Match(rs, target, time.Second)
	if err != ErrNoRules {
		t.Fatalf("got err=%v, want ErrNoRules", err)
	}
}

func TestMatch_NilRulesetReturnsErrNoRules(t *testing.T) {
	if _, err := Match(nil, "/nonexistent", time.Second); err != ErrNoRules {
		t.Fatalf("got err=%v, want ErrNoRules", err)
	}
}
