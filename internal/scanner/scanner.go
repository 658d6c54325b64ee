// Package scanner unifies the exclusion oracle (C1) and rule engine (C2)
// behind a single Scan entrypoint, rather than the duplicated
// scan-for-realtime / force-scan-vaulted pair the engine this was derived
// from used to carry.
package scanner

import (
	"time"

	"github.com/fileward/fileward/internal/exclusion"
	"github.com/fileward/fileward/internal/pathutil"
	"github.com/fileward/fileward/internal/rules"
)

// Outcome is the tagged result of a single Scan call.
type Outcome int

const (
	Clean Outcome = iota
	Match
	NoRules
	SkippedInternal
	SkippedTemp
	SkippedTempRoot
	SkippedTempFile
	SkippedNonFile
	YaraError
	Error
)

func (o Outcome) String() string {
	switch o {
	case Clean:
		return "Clean"
	case Match:
		return "Match"
	case NoRules:
		return "NoRules"
	case SkippedInternal:
		return "SkippedInternal"
	case SkippedTemp:
		return "SkippedTemp"
	case SkippedTempRoot:
		return "SkippedTempRoot"
	case SkippedTempFile:
		return "SkippedTempFile"
	case SkippedNonFile:
		return "SkippedNonFile"
	case YaraError:
		return "YaraError"
	default:
		return "Error"
	}
}

// Result carries the outcome plus the matched rule names (only populated
// when Outcome == Match).
type Result struct {
	Outcome      Outcome
	MatchedRules []string
	Err          error
}

// Scanner bundles the oracle and ruleset used on every scan call.
type Scanner struct {
	Oracle  *exclusion.Oracle
	Ruleset *rules.Ruleset
	Timeout time.Duration
}

// New creates a Scanner. matchTimeout bounds each rule-engine invocation.
func New(oracle *exclusion.Oracle, ruleset *rules.Ruleset, matchTimeout time.Duration) *Scanner {
	return &Scanner{Oracle: oracle, Ruleset: ruleset, Timeout: matchTimeout}
}

// Scan classifies path under policy, then — if not excluded — matches it
// against the ruleset. It is the single entrypoint used by the vault
// processor (ForceVault) and the scheduled scanner (Normal).
func (s *Scanner) Scan(path string, policy exclusion.Policy) Result {
	if excluded, reason := s.Oracle.Classify(path, policy); excluded {
		switch reason {
		case exclusion.Internal:
			return Result{Outcome: SkippedInternal}
		case exclusion.TempRoot:
			return Result{Outcome: SkippedTempRoot}
		case exclusion.TempFile, exclusion.RecycleBin, exclusion.UserExcluded, exclusion.InstallerProtected:
			return Result{Outcome: SkippedTempFile}
		default:
			return Result{Outcome: SkippedTemp}
		}
	}

	if !pathutil.IsRegularFile(path) {
		return Result{Outcome: SkippedNonFile}
	}

	if s.Ruleset == nil {
		return Result{Outcome: NoRules}
	}

	matches, err := rules.Match(s.Ruleset, path, s.Timeout)
	if err != nil {
		if err == rules.ErrNoRules {
			return Result{Outcome: NoRules}
		}
		return Result{Outcome: YaraError, Err: err}
	}
	if len(matches) == 0 {
		return Result{Outcome: Clean}
	}
	return Result{Outcome: Match, MatchedRules: matches}
}
