// Package installmode implements the time-boxed installation-mode gate
// that suppresses capture for installer-class files while an install is
// believed to be in progress.
package installmode

import (
	"strings"
	"sync"
	"time"

	"github.com/fileward/fileward/internal/pathutil"
	"go.uber.org/zap"
)

var systemInstallerPaths = []string{
	`windows/installer`,
	`windows/winsxs`,
	`windows/softwaredistribution`,
	`programdata/package cache`,
	`appdata/local/temp`,
	`appdata/local/microsoft/windows/inetcache`,
}

var gatedExts = map[string]bool{
	".msi": true, ".exe": true, ".dll": true, ".sys": true, ".ocx": true,
	".scr": true, ".cab": true, ".inf": true, ".cat": true, ".drv": true,
	".cpl": true, ".tmp": true, ".temp": true, ".dat": true, ".bin": true,
}

// Gate is the installation-mode singleton, constructor-injected rather than
// a package-level global.
type Gate struct {
	pollInterval time.Duration
	log          *zap.Logger

	mu             sync.Mutex
	active         bool
	endTime        time.Time
	trustedFolders map[string]bool
	watchdogOn     bool
	stop           chan struct{}
}

// New creates an inactive Gate.
func New(pollInterval time.Duration, log *zap.Logger) *Gate {
	return &Gate{
		pollInterval:   pollInterval,
		log:            log,
		trustedFolders: make(map[string]bool),
	}
}

// Activate marks installation mode active for durationMinutes and starts
// the watchdog goroutine if it is not already running.
func (g *Gate) Activate(durationMinutes int) {
	g.mu.Lock()
	g.active = true
	g.endTime = time.Now().Add(time.Duration(durationMinutes) * time.Minute)
	needsWatchdog := !g.watchdogOn
	if needsWatchdog {
		g.watchdogOn = true
		g.stop = make(chan struct{})
	}
	stopCh := g.stop
	g.mu.Unlock()

	if needsWatchdog {
		go g.watchdog(stopCh)
	}
}

// Deactivate immediately ends installation mode.
func (g *Gate) Deactivate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
}

// Active reports whether installation mode is currently on.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Status returns the active flag and remaining duration, for the operator
// socket's installmode-status command.
func (g *Gate) Status() (active bool, remaining time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return false, 0
	}
	remaining = time.Until(g.endTime)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

// AddTrustedFolder marks a user-added folder as exempt from the gate
// regardless of active state.
func (g *Gate) AddTrustedFolder(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trustedFolders[pathutil.Normalize(path)] = true
}

func (g *Gate) watchdog(stop chan struct{}) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.mu.Lock()
			expired := g.active && !g.endTime.IsZero() && time.Now().After(g.endTime)
			if expired {
				g.active = false
			}
			g.mu.Unlock()
			if expired {
				g.log.Info("installmode: auto-deactivated on expiry")
			}
		}
	}
}

// ShouldSkip reports whether path should be exempted from capture under
// installation-mode rules.
func (g *Gate) ShouldSkip(path string) bool {
	np := pathutil.Normalize(path)

	for _, root := range systemInstallerPaths {
		if strings.Contains(np, root) {
			return true
		}
	}

	g.mu.Lock()
	trusted := g.trustedFolders
	active := g.active
	g.mu.Unlock()

	for folder := range trusted {
		if pathutil.HasPrefixDir(np, folder) {
			return true
		}
	}

	if active && gatedExts[pathutil.Ext(path)] {
		return true
	}

	return false
}
