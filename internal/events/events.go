// Package events defines the CoreEvents collaborator interface that stands
// in for the UI (or any other downstream consumer) described in the design
// notes: background components never touch UI objects directly, they post
// events here and the UI drains them on its own thread.
package events

import (
	"sync"
	"time"
)

// VaultCapture is posted when the capture pipeline successfully stages a
// file into the vault.
type VaultCapture struct {
	OriginalPath string
	VaultedPath  string
	MetaPath     string
	Event        string // created | download_finalized | modified
	Timestamp    time.Time
}

// Quarantine is posted when a file is routed to quarantine, whether from
// the vault processor, a recheck, or a scheduled scan.
type Quarantine struct {
	OriginalPath    string
	QuarantinedPath string
	MatchedRules    []string
	Timestamp       time.Time
}

// Restore is posted when a clean vaulted file is returned to its original
// location.
type Restore struct {
	OriginalPath string
	RestoredPath string
	Timestamp    time.Time
}

// ScanProgress is posted periodically during a scheduled scan.
type ScanProgress struct {
	Scanned int
	Total   int
	Matches int
}

// ScanComplete is posted once a scheduled scan (or a manual run-now) finishes.
type ScanComplete struct {
	TotalFiles     int
	Matches        int
	MissingPaths   []string
	MatchedSamples []MatchedSample
	DurationSec    float64
	EndedAt        time.Time
}

// MatchedSample is one (path, rule) pair surfaced in a scan summary, capped
// at 25 entries by the caller.
type MatchedSample struct {
	Path string
	Rule string
}

// Sink receives core events. Background components hold a Sink and never
// assume anything about how or when it drains.
type Sink interface {
	OnVaultCapture(VaultCapture)
	OnQuarantine(Quarantine)
	OnRestore(Restore)
	OnScanProgress(ScanProgress)
	OnScanComplete(ScanComplete)
}

// Recording is a Sink that appends every event to an in-memory, mutex-guarded
// log. Used by tests and by the daemon, which wires it in every mode in place
// of a real UI.
type Recording struct {
	mu             sync.Mutex
	VaultCaptures  []VaultCapture
	Quarantines    []Quarantine
	Restores       []Restore
	ScanProgresses []ScanProgress
	ScanCompletes  []ScanComplete
}

// NewRecording creates an empty Recording sink.
func NewRecording() *Recording {
	return &Recording{}
}

func (r *Recording) OnVaultCapture(e VaultCapture) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.VaultCaptures = append(r.VaultCaptures, e)
}

func (r *Recording) OnQuarantine(e Quarantine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Quarantines = append(r.Quarantines, e)
}

func (r *Recording) OnRestore(e Restore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Restores = append(r.Restores, e)
}

func (r *Recording) OnScanProgress(e ScanProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ScanProgresses = append(r.ScanProgresses, e)
}

func (r *Recording) OnScanComplete(e ScanComplete) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ScanCompletes = append(r.ScanCompletes, e)
}
