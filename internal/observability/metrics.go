// Package observability exposes fileward's runtime state as Prometheus
// metrics on a dedicated registry (never the global default, to avoid
// cross-library collisions) plus a liveness endpoint.
package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fileward/fileward/internal/telemetry"
)

// Metrics holds every registered Prometheus collector used across the
// daemon. Fields are exported so components can update them directly
// without a facade method per metric.
type Metrics struct {
	registry *prometheus.Registry

	CaptureStabilizedTotal     prometheus.Counter
	CaptureRenameFollowTotal   prometheus.Counter
	CaptureDuplicateSuppressed prometheus.Counter
	VaultQueueDepth            prometheus.Gauge
	VaultScanDuration          prometheus.Histogram
	VaultRoutedTotal           *prometheus.CounterVec
	SchedulerRunsTotal         *prometheus.CounterVec
	SchedulerFilesScannedTotal prometheus.Counter
	RecheckQuarantinedTotal    *prometheus.CounterVec
	LedgerEntries              prometheus.Gauge
	LedgerWriteLatency         prometheus.Histogram
	AgentUptimeSeconds         prometheus.Gauge

	syncMu       sync.Mutex
	lastCounters map[string]uint64
}

// NewMetrics constructs and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		CaptureStabilizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileward_capture_stabilized_total",
			Help: "Candidate paths that completed stabilization and were captured into the vault.",
		}),
		CaptureRenameFollowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileward_capture_rename_follow_total",
			Help: "Partial-download rename-follow hits during stabilization.",
		}),
		CaptureDuplicateSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileward_capture_duplicate_suppressed_total",
			Help: "Captures suppressed by the vault signature dedup window.",
		}),
		VaultQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fileward_vault_queue_depth",
			Help: "Current depth of the vault-processor work queue.",
		}),
		VaultScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fileward_vault_scan_duration_seconds",
			Help:    "Duration of a single vaulted-file rule match.",
			Buckets: prometheus.DefBuckets,
		}),
		VaultRoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileward_vault_routed_total",
			Help: "Vaulted files routed to a terminal outcome, labeled by outcome.",
		}, []string{"outcome"}),
		SchedulerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileward_scheduler_runs_total",
			Help: "Scheduled scan runs fired, labeled by frequency.",
		}, []string{"frequency"}),
		SchedulerFilesScannedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileward_scheduler_files_scanned_total",
			Help: "Files scanned across all scheduled scan runs.",
		}),
		RecheckQuarantinedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileward_recheck_quarantined_total",
			Help: "Post-restore rechecks that resulted in quarantine, labeled by phase.",
		}, []string{"phase"}),
		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fileward_ledger_entries",
			Help: "Current count of entries in the audit ledger.",
		}),
		LedgerWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fileward_ledger_write_latency_seconds",
			Help:    "Latency of a single ledger append transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fileward_agent_uptime_seconds",
			Help: "Seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.CaptureStabilizedTotal,
		m.CaptureRenameFollowTotal,
		m.CaptureDuplicateSuppressed,
		m.VaultQueueDepth,
		m.VaultScanDuration,
		m.VaultRoutedTotal,
		m.SchedulerRunsTotal,
		m.SchedulerFilesScannedTotal,
		m.RecheckQuarantinedTotal,
		m.LedgerEntries,
		m.LedgerWriteLatency,
		m.AgentUptimeSeconds,
	)

	return m
}

// SyncCounters folds telemetry.Counters' free-form, unlabeled totals onto
// the fixed Prometheus collectors above. Each counter's monotonic total is
// converted into the delta since the last sync, since a prometheus.Counter
// only grows via Add and has no Set. Names this doesn't recognize are
// ignored; they remain visible via the operator status command instead.
func (m *Metrics) SyncCounters(counters *telemetry.Counters) {
	snapshot := counters.Snapshot()

	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	if m.lastCounters == nil {
		m.lastCounters = make(map[string]uint64, len(snapshot))
	}

	for name, total := range snapshot {
		prev := m.lastCounters[name]
		if total < prev {
			prev = 0 // counter reset, e.g. process restart
		}
		m.lastCounters[name] = total

		delta := float64(total - prev)
		if delta == 0 {
			continue
		}

		switch {
		case name == "stabilized_capture":
			m.CaptureStabilizedTotal.Add(delta)
		case name == "rename_follow_hit":
			m.CaptureRenameFollowTotal.Add(delta)
		case name == "duplicate_suppressed":
			m.CaptureDuplicateSuppressed.Add(delta)
		case name == "restored":
			m.VaultRoutedTotal.WithLabelValues("Restored").Add(delta)
		case name == "scan_match":
			m.VaultRoutedTotal.WithLabelValues("Quarantined").Add(delta)
		case name == "scan_error":
			m.VaultRoutedTotal.WithLabelValues("Error").Add(delta)
		case name == "scan_quarantine_failed":
			m.VaultRoutedTotal.WithLabelValues("QuarantineFailed").Add(delta)
		case name == "scheduler_files_scanned":
			m.SchedulerFilesScannedTotal.Add(delta)
		case strings.HasPrefix(name, "scheduler_run_"):
			m.SchedulerRunsTotal.WithLabelValues(strings.TrimPrefix(name, "scheduler_run_")).Add(delta)
		case name == "hash_guard_quarantined_on_change":
			m.RecheckQuarantinedTotal.WithLabelValues("hash_guard").Add(delta)
		case strings.HasSuffix(name, "_match_post_restore"):
			phase := strings.TrimPrefix(strings.TrimSuffix(name, "_match_post_restore"), "recheck_")
			m.RecheckQuarantinedTotal.WithLabelValues(phase).Add(delta)
		}
	}
}

// ServeMetrics runs an HTTP server exposing /metrics and /healthz until ctx
// is cancelled, then shuts down gracefully. counters is synced onto the
// registered collectors on the same cadence as the uptime gauge; pass nil
// to skip the sync (e.g. from a test that only cares about the endpoints).
func ServeMetrics(ctx context.Context, addr string, m *Metrics, counters *telemetry.Counters, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	start := time.Now()
	go m.updateUptime(ctx, start, counters)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("observability: metrics server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (m *Metrics) updateUptime(ctx context.Context, start time.Time, counters *telemetry.Counters) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(start).Seconds())
			if counters != nil {
				m.SyncCounters(counters)
			}
		}
	}
}
