// Package rules wraps github.com/hillu/go-yara/v4 with the compile/match
// contract used by the rest of the engine: compile once at startup from a
// directory tree, then match single files under a hard timeout.
package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	yara "github.com/hillu/go-yara/v4"
	"go.uber.org/zap"
)

// ErrNoRules is returned by Match when the ruleset has not finished loading
// (or loaded with zero usable rules).
var ErrNoRules = errors.New("rules: no ruleset loaded")

// ErrTimeout is returned when a match exceeds its timeout budget.
var ErrTimeout = errors.New("rules: match timed out")

// Ruleset is an opaque compiled rule set.
type Ruleset struct {
	rules *yara.Rules
}

// Compile walks ruleRoot for files with a .yar suffix, compiling each
// individually so a single broken rule file does not prevent the rest from
// loading, then links the surviving set into one Rules object.
func Compile(ruleRoot string, log *zap.Logger) (*Ruleset, error) {
	compiler, err := yara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("rules.Compile: new compiler: %w", err)
	}

	loaded := 0
	walkErr := filepath.WalkDir(ruleRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || filepath.Ext(path) != ".yar" {
			return nil
		}

		f, ferr := os.Open(path)
		if ferr != nil {
			log.Warn("rules: cannot open rule file, skipping", zap.String("path", path), zap.Error(ferr))
			return nil
		}
		defer f.Close()

		namespace := filepath.Base(filepath.Dir(path))
		// A yara compiler is unusable after a failed AddFile, so each file is
		// first compiled alone in a throwaway compiler.
		probe, perr := yara.NewCompiler()
		if perr != nil {
			return fmt.Errorf("rules.Compile: new compiler: %w", perr)
		}
		cerr := probe.AddFile(f, namespace)
		probe.Destroy()
		if cerr != nil {
			log.Warn("rules: compile error, skipping file", zap.String("path", path), zap.Error(cerr))
			return nil
		}
		_, _ = f.Seek(0, io.SeekStart)
		if cerr := compiler.AddFile(f, namespace); cerr != nil {
			return fmt.Errorf("rules.Compile: add %q: %w", path, cerr)
		}
		loaded++
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, fmt.Errorf("rules.Compile: walk %q: %w", ruleRoot, walkErr)
	}

	if loaded == 0 {
		log.Warn("rules: no rule files loaded", zap.String("root", ruleRoot))
		return &Ruleset{}, nil
	}

	yr, err := compiler.GetRules()
	if err != nil {
		return nil, fmt.Errorf("rules.Compile: link rules: %w", err)
	}

	log.Info("rules: compiled ruleset", zap.Int("files_loaded", loaded))
	return &Ruleset{rules: yr}, nil
}

// Match scans a single file against the ruleset, returning the list of
// matched rule names. The call is bounded by timeout; go-yara's ScanFile is
// not context-aware, so the bound is enforced via a result channel select.
func Match(ruleset *Ruleset, path string, timeout time.Duration) ([]string, error) {
	if ruleset == nil || ruleset.rules == nil {
		return nil, ErrNoRules
	}

	type result struct {
		matches []string
		err     error
	}
	done := make(chan result, 1)

	go func() {
		var mr yara.MatchRules
		err := ruleset.rules.ScanFile(path, 0, timeout, &mr)
		if err != nil {
			done <- result{nil, err}
			return
		}
		names := make([]string, 0, len(mr))
		for _, m := range mr {
			names = append(names, m.Rule)
		}
		done <- result{names, nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("rules.Match: %w", r.err)
		}
		return r.matches, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// MatchContext is a context-aware convenience wrapper over Match; it
// returns ctx.Err() if the context is cancelled before the scan completes.
func MatchContext(ctx context.Context, ruleset *Ruleset, path string, timeout time.Duration) ([]string, error) {
	type result struct {
		matches []string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		m, err := Match(ruleset, path, timeout)
		done <- result{m, err}
	}()
	select {
	case r := <-done:
		return r.matches, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
