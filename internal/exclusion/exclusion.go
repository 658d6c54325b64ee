// Package exclusion implements the exclusion oracle: a single Classify
// entrypoint that decides whether a path should be scanned at all, and if
// not, why.
package exclusion

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fileward/fileward/internal/pathutil"
)

// Reason is the tagged result of a classification.
type Reason int

const (
	None Reason = iota
	Internal
	RecycleBin
	TempRoot
	TempFile
	UserExcluded
	InstallerProtected
)

func (r Reason) String() string {
	switch r {
	case None:
		return "None"
	case Internal:
		return "Internal"
	case RecycleBin:
		return "RecycleBin"
	case TempRoot:
		return "TempRoot"
	case TempFile:
		return "TempFile"
	case UserExcluded:
		return "UserExcluded"
	case InstallerProtected:
		return "InstallerProtected"
	default:
		return "Unknown"
	}
}

// Policy selects which variant of the ruleset applies. ForceVault is used
// by the vault processor so files inside the vault directory itself (which
// would otherwise classify Internal) are still scanned.
type Policy int

const (
	Normal Policy = iota
	ForceVault
)

var tempFileExts = map[string]bool{
	".tmp": true, ".temp": true, ".part": true, ".partial": true,
	".crdownload": true, ".download": true, ".swp": true, ".swo": true,
	".bak": true, ".old": true, ".log": true, ".lock": true,
	".cache": true, ".dmp": true, ".tmp~": true, ".~tmp": true,
}

var installerExts = map[string]bool{
	".msi": true, ".exe": true, ".dll": true, ".sys": true, ".ocx": true,
	".scr": true, ".cab": true, ".inf": true, ".cat": true, ".drv": true,
	".cpl": true, ".tmp": true, ".temp": true, ".dat": true, ".bin": true,
}

// UserStore is the subset of the user exclusions store (C11) consulted
// here, kept as an interface to avoid an import cycle and to ease testing.
type UserStore interface {
	IsExcluded(path string) bool
}

// Oracle classifies paths. Internal roots are resolved and cached on first
// use rather than on every call, since they rarely change for the life of
// a process.
type Oracle struct {
	mu   sync.RWMutex
	root struct {
		internalRoots   []string
		installerRoots  []string
		tempRoots       []string
		resolved        bool
	}

	// BaseDir is the application's own base directory (vault, quarantine,
	// rules, data/scan_queue live under or alongside it).
	BaseDir      string
	VaultDir     string
	QuarantineDir string
	RulesRoot    string

	Users UserStore
}

// New creates an Oracle. Users may be nil, in which case UserExcluded never
// fires.
func New(baseDir, vaultDir, quarantineDir, rulesRoot string, users UserStore) *Oracle {
	return &Oracle{
		BaseDir:       baseDir,
		VaultDir:      vaultDir,
		QuarantineDir: quarantineDir,
		RulesRoot:     rulesRoot,
		Users:         users,
	}
}

func (o *Oracle) ensureRoots() {
	o.mu.RLock()
	resolved := o.root.resolved
	o.mu.RUnlock()
	if resolved {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.root.resolved {
		return
	}

	internal := []string{
		o.BaseDir,
		o.RulesRoot,
		o.QuarantineDir,
		o.VaultDir,
		filepath.Join(o.BaseDir, "build"),
		filepath.Join(o.BaseDir, "dist"),
		filepath.Join(o.BaseDir, "__pycache__"),
		filepath.Join(o.BaseDir, ".git"),
		filepath.Join(o.BaseDir, ".venv"),
		filepath.Join(o.BaseDir, ".mypy_cache"),
		filepath.Join(o.BaseDir, ".pytest_cache"),
		filepath.Join(o.BaseDir, "data", "scan_queue"),
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		internal = append(internal, exeDir,
			filepath.Join(exeDir, "assets"),
			filepath.Join(exeDir, "scanvault"),
			filepath.Join(exeDir, "quarantine"),
		)
	}

	installer := []string{
		`C:\Program Files`,
		`C:\Program Files (x86)`,
		`C:\ProgramData`,
		os.Getenv("SystemRoot"),
		filepath.Join(os.Getenv("SystemRoot"), "Installer"),
		filepath.Join(os.Getenv("SystemRoot"), "WinSxS"),
	}

	temp := []string{
		os.Getenv("TEMP"),
		os.Getenv("TMP"),
		filepath.Join(os.Getenv("SystemRoot"), "Temp"),
		`System Volume Information`,
	}

	o.root.internalRoots = internal
	o.root.installerRoots = installer
	o.root.tempRoots = temp
	o.root.resolved = true
}

// Classify applies the first-match-wins exclusion rules in spec order.
func (o *Oracle) Classify(path string, policy Policy) (excluded bool, reason Reason) {
	o.ensureRoots()

	if o.Users != nil && o.Users.IsExcluded(path) {
		return true, UserExcluded
	}

	isVaultInternal := policy == ForceVault && pathutil.HasPrefixDir(path, o.VaultDir)
	if !isVaultInternal {
		for _, root := range o.root.internalRoots {
			if root == "" {
				continue
			}
			if pathutil.HasPrefixDir(path, root) {
				return true, Internal
			}
		}
	}

	if pathutil.ContainsSegment(path, "$recycle.bin") {
		return true, RecycleBin
	}

	for _, root := range o.root.tempRoots {
		if root == "" {
			continue
		}
		if pathutil.HasPrefixDir(path, root) {
			return true, TempRoot
		}
	}
	if isRecycleDriveRoot(path) {
		return true, TempRoot
	}

	if isTempFile(path) {
		return true, TempFile
	}

	for _, root := range o.root.installerRoots {
		if root == "" {
			continue
		}
		if pathutil.HasPrefixDir(path, root) {
			return true, InstallerProtected
		}
	}

	return false, None
}

func isRecycleDriveRoot(path string) bool {
	np := pathutil.Normalize(path)
	for _, part := range strings.Split(np, "/") {
		if strings.HasPrefix(part, "$recycle") {
			return true
		}
	}
	return false
}

func isTempFile(path string) bool {
	base := strings.ToLower(pathutil.Basename(path))
	if strings.HasPrefix(base, "~$") || strings.HasPrefix(base, "._") {
		return true
	}
	if base == "thumbs.db" || base == ".ds_store" {
		return true
	}
	if tempFileExts[pathutil.Ext(path)] {
		return true
	}

	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	if info.Mode().IsRegular() && info.Size() == 0 {
		return true
	}
	return false
}
