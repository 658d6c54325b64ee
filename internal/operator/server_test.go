package operator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type mockOrchestrator struct {
	recorded      []string
	installActive bool
	exclusionErr  error
}

func (m *mockOrchestrator) Status() map[string]any { return map[string]any{"uptime_seconds": 42.0} }
func (m *mockOrchestrator) ScanNow()                {}
func (m *mockOrchestrator) ListQuarantine() ([]QuarantineEntry, error) {
	return []QuarantineEntry{{QuarantinedPath: "/quarantine/a.quarantined", OriginalPath: "/documents/a.exe"}}, nil
}
func (m *mockOrchestrator) RestoreQuarantine(quarantinedPath string) (string, error) {
	if quarantinedPath == "missing" {
		return "", errors.New("not found")
	}
	return "/documents/a.exe", nil
}
func (m *mockOrchestrator) ActivateInstallMode(durationMinutes int) { m.installActive = true }
func (m *mockOrchestrator) InstallModeStatus() (bool, float64)      { return m.installActive, 300 }
func (m *mockOrchestrator) AddExclusionPath(path string) error     { return m.exclusionErr }
func (m *mockOrchestrator) AddExclusionExtension(ext string) error { return m.exclusionErr }
func (m *mockOrchestrator) ListExclusions() ([]string, []string)   { return []string{"/trusted"}, []string{".log"} }
func (m *mockOrchestrator) ListLedger(since time.Time, limit int) ([]LedgerEntry, error) {
	return []LedgerEntry{{Sequence: 1, Path: "/documents/a.exe", Decision: "Quarantined"}}, nil
}
func (m *mockOrchestrator) RecordOperatorAction(cmd string) { m.recorded = append(m.recorded, cmd) }

func startTestServer(t *testing.T, orch *mockOrchestrator) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(socketPath, orch, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", socketPath, 50*time.Millisecond); err == nil {
			conn.Close()
			return socketPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for operator socket to listen")
	return ""
}

func roundTrip(t *testing.T, socketPath string, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestServer_StatusRoundTrip(t *testing.T) {
	orch := &mockOrchestrator{}
	socketPath := startTestServer(t, orch)

	resp := roundTrip(t, socketPath, Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("expected OK response, got %+v", resp)
	}
	if resp.Status["uptime_seconds"] != 42.0 {
		t.Fatalf("unexpected status payload: %+v", resp.Status)
	}
	if len(orch.recorded) != 1 || orch.recorded[0] != "status" {
		t.Fatalf("expected RecordOperatorAction(\"status\"), got %v", orch.recorded)
	}
}

func TestServer_QuarantineRestore_MissingPathIsRequired(t *testing.T) {
	orch := &mockOrchestrator{}
	socketPath := startTestServer(t, orch)

	resp := roundTrip(t, socketPath, Request{Cmd: "quarantine-restore"})
	if resp.OK {
		t.Fatal("expected a validation failure when quarantined_path is omitted")
	}
}

func TestServer_QuarantineRestore_Success(t *testing.T) {
	orch := &mockOrchestrator{}
	socketPath := startTestServer(t, orch)

	resp := roundTrip(t, socketPath, Request{Cmd: "quarantine-restore", QuarantinedPath: "/quarantine/a.quarantined"})
	if !resp.OK || resp.RestoredPath != "/documents/a.exe" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	orch := &mockOrchestrator{}
	socketPath := startTestServer(t, orch)

	resp := roundTrip(t, socketPath, Request{Cmd: "bogus-command"})
	if resp.OK {
		t.Fatal("expected failure for an unknown command")
	}
}

func TestServer_InstallModeActivateAndStatus(t *testing.T) {
	orch := &mockOrchestrator{}
	socketPath := startTestServer(t, orch)

	activateResp := roundTrip(t, socketPath, Request{Cmd: "installmode-activate", DurationMinutes: 15})
	if !activateResp.OK {
		t.Fatalf("unexpected response: %+v", activateResp)
	}

	statusResp := roundTrip(t, socketPath, Request{Cmd: "installmode-status"})
	if !statusResp.OK || !statusResp.Active {
		t.Fatalf("expected active install mode, got %+v", statusResp)
	}
}
