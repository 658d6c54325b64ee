// Package config provides configuration loading and validation for the
// fileward agent.
//
// Configuration file: fileward.yaml (default, path given via --config)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (worker counts, timeouts, TTLs).
//   - Invalid config on startup: the daemon refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for fileward.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// DataDir holds user_exclusions.json and is the base directory that the
	// exclusion oracle treats as internal. The vault, quarantine, rules,
	// schedule and ledger locations come from their own path settings and
	// are not derived from it.
	DataDir string `yaml:"data_dir"`

	Watch         WatchConfig         `yaml:"watch"`
	Vault         VaultConfig         `yaml:"vault"`
	Quarantine    QuarantineConfig    `yaml:"quarantine"`
	Rules         RulesConfig         `yaml:"rules"`
	Capture       CaptureConfig       `yaml:"capture"`
	Recheck       RecheckConfig       `yaml:"recheck"`
	Schedule      ScheduleFileConfig  `yaml:"schedule"`
	InstallMode   InstallModeConfig   `yaml:"install_mode"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// WatchConfig configures the filesystem watcher (C5).
type WatchConfig struct {
	// Roots are the directories watched recursively for new/changed files.
	Roots []string `yaml:"roots"`

	// Excludes are path prefixes never registered with the watcher nor
	// forwarded to the capture pipeline.
	Excludes []string `yaml:"excludes"`

	// ReconnectBackoff is accepted and defaulted (1s) but not read by the
	// watcher, which logs fsnotify errors and does not reconnect.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

// VaultConfig configures the ScanVault store (C4) and the vault processor
// worker pool (C7).
type VaultConfig struct {
	// Dir is the vault staging directory.
	Dir string `yaml:"dir"`

	// Workers is the fixed vault-processor pool size. Default: 6. There is
	// no separate scan semaphore; the pool size alone bounds the processor's
	// concurrent rule matches.
	Workers int `yaml:"workers"`

	// SignatureTTL is the dedup window for repeat captures. Default: 15s.
	SignatureTTL time.Duration `yaml:"signature_ttl"`

	// MoveRetries / MoveBackoffMin / MoveBackoffMax control the capture
	// move retry policy. Defaults: 10, 150ms, 1.2s.
	MoveRetries    int           `yaml:"move_retries"`
	MoveBackoffMin time.Duration `yaml:"move_backoff_min"`
	MoveBackoffMax time.Duration `yaml:"move_backoff_max"`

	// NotificationDedupWindow is how often the per-run notification dedup
	// set is cleared. Default: 5m.
	NotificationDedupWindow time.Duration `yaml:"notification_dedup_window"`

	// InstallerSweepDelay is how long after an installer-mode restore the
	// delayed installer sweep fires. Default: 60s.
	InstallerSweepDelay time.Duration `yaml:"installer_sweep_delay"`
}

// QuarantineConfig configures the quarantine store (C3).
type QuarantineConfig struct {
	// Dir is the quarantine directory.
	Dir string `yaml:"dir"`

	// MoveRetries / MoveBackoff control the quarantine move retry policy.
	// Defaults: 3, 300ms.
	MoveRetries int           `yaml:"move_retries"`
	MoveBackoff time.Duration `yaml:"move_backoff"`
}

// RulesConfig configures the rule engine (C2).
type RulesConfig struct {
	// Root is the directory tree of .yar rule source files.
	Root string `yaml:"root"`

	// MatchTimeout bounds a single file's rule match. Default: 60s.
	MatchTimeout time.Duration `yaml:"match_timeout"`
}

// CaptureConfig configures the capture pipeline (C6).
type CaptureConfig struct {
	// DebounceWindow suppresses repeat events for the same path.
	// Default: 5s.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// StabilizationMaxWait is the stabilization loop ceiling. Default: 30s.
	StabilizationMaxWait time.Duration `yaml:"stabilization_max_wait"`

	// StabilizationSampleInterval is the sampling period. Default: 500ms.
	StabilizationSampleInterval time.Duration `yaml:"stabilization_sample_interval"`

	// StabilizationRequiredSamples is the number of consecutive stable
	// samples required. Default: 4.
	StabilizationRequiredSamples int `yaml:"stabilization_required_samples"`

	// SettleMargin is slept once after stabilization completes. Default: 200ms.
	SettleMargin time.Duration `yaml:"settle_margin"`

	// RenameFollowHeuristic enables the same-stem/recent-mtime fallback
	// rename-follow match. Default: false (exact suffix-strip only; see
	// the sibling rename-follow open question).
	RenameFollowHeuristic bool `yaml:"rename_follow_heuristic"`
}

// RecheckConfig configures the post-restore recheck subsystem (C8).
type RecheckConfig struct {
	// DelayedRecheckBase is the POST_RESTORE_RECHECK_DELAY constant.
	// Default: 4s.
	DelayedRecheckBase time.Duration `yaml:"delayed_recheck_base"`
}

// ScheduleFileConfig points at the persisted schedule document (distinct
// from this YAML process config).
type ScheduleFileConfig struct {
	// Path is the JSON schedule document location.
	Path string `yaml:"path"`

	// EvalInterval is the due-time evaluator wake period. Default: 60s.
	EvalInterval time.Duration `yaml:"eval_interval"`
}

// InstallModeConfig configures the installation-mode gate (C10).
type InstallModeConfig struct {
	// DefaultDurationMinutes is validated (>= 1, default 10) but not read
	// elsewhere; the operator socket substitutes a fixed 10 minutes when an
	// installmode-activate request gives no positive duration.
	DefaultDurationMinutes int `yaml:"default_duration_minutes"`

	// WatchdogPoll is the watchdog goroutine's poll interval. Default: 10s.
	WatchdogPoll time.Duration `yaml:"watchdog_poll"`
}

// LedgerConfig configures the audit ledger (C15).
type LedgerConfig struct {
	// Path is the bbolt database file path.
	Path string `yaml:"path"`

	// RetentionDays bounds how long entries are kept. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator control-plane parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		DataDir:       "./data",
		Watch: WatchConfig{
			Roots:            nil,
			ReconnectBackoff: time.Second,
		},
		Vault: VaultConfig{
			Dir:                     "./scanvault",
			Workers:                 6,
			SignatureTTL:            15 * time.Second,
			MoveRetries:             10,
			MoveBackoffMin:          150 * time.Millisecond,
			MoveBackoffMax:          1200 * time.Millisecond,
			NotificationDedupWindow: 5 * time.Minute,
			InstallerSweepDelay:     60 * time.Second,
		},
		Quarantine: QuarantineConfig{
			Dir:         "./quarantine",
			MoveRetries: 3,
			MoveBackoff: 300 * time.Millisecond,
		},
		Rules: RulesConfig{
			Root:         "./assets/yara",
			MatchTimeout: 60 * time.Second,
		},
		Capture: CaptureConfig{
			DebounceWindow:               5 * time.Second,
			StabilizationMaxWait:         30 * time.Second,
			StabilizationSampleInterval:  500 * time.Millisecond,
			StabilizationRequiredSamples: 4,
			SettleMargin:                 200 * time.Millisecond,
			RenameFollowHeuristic:        false,
		},
		Recheck: RecheckConfig{
			DelayedRecheckBase: 4 * time.Second,
		},
		Schedule: ScheduleFileConfig{
			Path:         "./data/scan_schedule.json",
			EvalInterval: 60 * time.Second,
		},
		InstallMode: InstallModeConfig{
			DefaultDurationMinutes: 10,
			WatchdogPoll:           10 * time.Second,
		},
		Ledger: LedgerConfig{
			Path:          "./data/ledger.db",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			SocketPath: "/run/fileward/operator.sock",
			Enabled:    true,
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, aggregating every
// violation into a single returned error rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Vault.Dir == "" {
		errs = append(errs, "vault.dir must not be empty")
	}
	if cfg.Vault.Workers < 1 || cfg.Vault.Workers > 256 {
		errs = append(errs, fmt.Sprintf("vault.workers must be in [1, 256], got %d", cfg.Vault.Workers))
	}
	if cfg.Vault.SignatureTTL <= 0 {
		errs = append(errs, "vault.signature_ttl must be > 0")
	}
	if cfg.Vault.MoveRetries < 1 {
		errs = append(errs, "vault.move_retries must be >= 1")
	}
	if cfg.Vault.MoveBackoffMin <= 0 || cfg.Vault.MoveBackoffMax < cfg.Vault.MoveBackoffMin {
		errs = append(errs, "vault.move_backoff_min must be > 0 and <= move_backoff_max")
	}
	if cfg.Quarantine.Dir == "" {
		errs = append(errs, "quarantine.dir must not be empty")
	}
	if cfg.Quarantine.MoveRetries < 1 {
		errs = append(errs, "quarantine.move_retries must be >= 1")
	}
	if cfg.Rules.Root == "" {
		errs = append(errs, "rules.root must not be empty")
	}
	if cfg.Rules.MatchTimeout <= 0 {
		errs = append(errs, "rules.match_timeout must be > 0")
	}
	if cfg.Capture.StabilizationRequiredSamples < 1 {
		errs = append(errs, "capture.stabilization_required_samples must be >= 1")
	}
	if cfg.Capture.StabilizationSampleInterval <= 0 {
		errs = append(errs, "capture.stabilization_sample_interval must be > 0")
	}
	if cfg.Capture.StabilizationMaxWait <= 0 {
		errs = append(errs, "capture.stabilization_max_wait must be > 0")
	}
	if cfg.Recheck.DelayedRecheckBase <= 0 {
		errs = append(errs, "recheck.delayed_recheck_base must be > 0")
	}
	if cfg.Schedule.Path == "" {
		errs = append(errs, "schedule.path must not be empty")
	}
	if cfg.Schedule.EvalInterval <= 0 {
		errs = append(errs, "schedule.eval_interval must be > 0")
	}
	if cfg.InstallMode.DefaultDurationMinutes < 1 {
		errs = append(errs, "install_mode.default_duration_minutes must be >= 1")
	}
	if cfg.InstallMode.WatchdogPoll <= 0 {
		errs = append(errs, "install_mode.watchdog_poll must be > 0")
	}
	if cfg.Ledger.Path == "" {
		errs = append(errs, "ledger.path must not be empty")
	}
	if cfg.Ledger.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("ledger.retention_days must be >= 1, got %d", cfg.Ledger.RetentionDays))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
