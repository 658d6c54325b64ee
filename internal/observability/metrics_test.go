package observability

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/fileward/fileward/internal/telemetry"
)

func TestNewMetrics_RegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m.registry == nil {
		t.Fatal("expected a non-nil registry")
	}

	m.VaultRoutedTotal.WithLabelValues("Quarantined").Inc()
	m.CaptureStabilizedTotal.Inc()
}

func TestSyncCounters_FoldsKnownNamesOntoCollectorsAsDeltas(t *testing.T) {
	m := NewMetrics()
	c := telemetry.New()

	c.Inc("duplicate_suppressed")
	c.Inc("scan_match")
	c.Inc("scan_match")
	m.SyncCounters(c)

	if got := testutil.ToFloat64(m.CaptureDuplicateSuppressed); got != 1 {
		t.Fatalf("CaptureDuplicateSuppressed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.VaultRoutedTotal.WithLabelValues("Quarantined")); got != 2 {
		t.Fatalf("VaultRoutedTotal{Quarantined} = %v, want 2", got)
	}

	// A second sync with no further increments must add nothing further.
	m.SyncCounters(c)
	if got := testutil.ToFloat64(m.VaultRoutedTotal.WithLabelValues("Quarantined")); got != 2 {
		t.Fatalf("VaultRoutedTotal{Quarantined} after no-op sync = %v, want 2", got)
	}

	c.Inc("scan_match")
	m.SyncCounters(c)
	if got := testutil.ToFloat64(m.VaultRoutedTotal.WithLabelValues("Quarantined")); got != 3 {
		t.Fatalf("VaultRoutedTotal{Quarantined} after third increment = %v, want 3", got)
	}
}

func TestSyncCounters_SchedulerAndRecheckPrefixedNames(t *testing.T) {
	m := NewMetrics()
	c := telemetry.New()

	c.Inc("scheduler_run_Daily")
	c.Add("scheduler_files_scanned", 40)
	c.Inc("recheck_immediate_match_post_restore")
	c.Inc("hash_guard_quarantined_on_change")
	m.SyncCounters(c)

	if got := testutil.ToFloat64(m.SchedulerRunsTotal.WithLabelValues("Daily")); got != 1 {
		t.Fatalf("SchedulerRunsTotal{Daily} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SchedulerFilesScannedTotal); got != 40 {
		t.Fatalf("SchedulerFilesScannedTotal = %v, want 40", got)
	}
	if got := testutil.ToFloat64(m.RecheckQuarantinedTotal.WithLabelValues("immediate")); got != 1 {
		t.Fatalf("RecheckQuarantinedTotal{immediate} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecheckQuarantinedTotal.WithLabelValues("hash_guard")); got != 1 {
		t.Fatalf("RecheckQuarantinedTotal{hash_guard} = %v, want 1", got)
	}
}

func TestServeMetrics_ExposesMetricsAndHealthz(t *testing.T) {
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := "127.0.0.1:19091"
	errCh := make(chan error, 1)
	go func() { errCh <- ServeMetrics(ctx, addr, m, nil, zap.NewNop()) }()

	var resp *http.Response
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	metricsResp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) == 0 {
		t.Fatal("expected non-empty /metrics body")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ServeMetrics returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ServeMetrics to shut down")
	}
}
