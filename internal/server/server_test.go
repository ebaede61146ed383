package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/thd32000/galileo-dash/internal/export"
	"github.com/thd32000/galileo-dash/internal/thd"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Device.Simulation = true
	cfg.Device.SimRecords = 40

	store, err := export.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, store, fstest.MapFS{})
}

// waitTerminal blocks until the active session reaches Done or Failed.
func waitTerminal(t *testing.T, s *Server) *ScanResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s.sessMu.Lock()
		res := s.lastResult
		s.sessMu.Unlock()
		if res != nil {
			return res
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session did not finish")
	return nil
}

func TestScanSimulatedRetrieval(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/scan",
		strings.NewReader(`{"equipment":"HELADERA","tag":"lote7"}`))
	w := httptest.NewRecorder()
	s.handleScan(w, req)

	if w.Code != 202 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var p thd.Progress
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("progress body: %v", err)
	}
	if p.ID == "" {
		t.Error("progress has no session id")
	}

	res := waitTerminal(t, s)
	if res.Error != "" {
		t.Fatalf("retrieval failed: %s", res.Error)
	}
	if len(res.Records) != 40 {
		t.Errorf("%d records, want 40", len(res.Records))
	}
	if res.Equipment != "HELADERA" || res.Tag != "lote7" {
		t.Errorf("result meta = %s/%s", res.Equipment, res.Tag)
	}
	if res.File == "" {
		t.Error("result not saved to history")
	}

	names, err := s.store.List()
	if err != nil || len(names) != 1 || names[0] != res.File {
		t.Errorf("history list = %v (%v)", names, err)
	}
}

func TestScanRejectsConcurrentSession(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Device.SimRecords = 2000 // long enough to still be running

	if _, err := s.startSession(scanRequest{Equipment: "FREEZER"}); err != nil {
		t.Fatalf("first session: %v", err)
	}
	defer func() {
		s.cancelActiveSession()
		waitTerminal(t, s)
	}()

	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	s.handleScan(w, req)

	if w.Code != 409 {
		t.Fatalf("status = %d, want 409 while a session is active", w.Code)
	}
	if !strings.Contains(w.Body.String(), "already active") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestScanMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.handleScan(w, httptest.NewRequest(http.MethodGet, "/api/scan", nil))
	if w.Code != 405 {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestLimitsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleLimits(w, httptest.NewRequest(http.MethodGet, "/api/limits/FREEZER", nil))
	var limits EquipmentLimits
	if err := json.Unmarshal(w.Body.Bytes(), &limits); err != nil {
		t.Fatalf("limits body: %v", err)
	}
	if limits.TempAlert == nil || limits.TempAlert.High == nil || *limits.TempAlert.High != -17 {
		t.Errorf("FREEZER limits = %+v", limits)
	}

	// Unknown equipment answers an empty object, not an error.
	w = httptest.NewRecorder()
	s.handleLimits(w, httptest.NewRequest(http.MethodGet, "/api/limits/NADA", nil))
	if w.Code != 200 || strings.TrimSpace(w.Body.String()) != "{}" {
		t.Errorf("unknown equipment: %d %s", w.Code, w.Body.String())
	}
}

func TestHistoryLoadRejectsTraversal(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.handleHistoryLoad(w, httptest.NewRequest(http.MethodGet, "/api/history/load/..%2Fsecret.csv", nil))
	if w.Code == 200 {
		t.Error("path traversal name accepted")
	}
}

func TestConfigEndpointPatch(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleConfig(w, httptest.NewRequest(http.MethodPost, "/api/config",
		strings.NewReader(`{"device":{"simRecords":7}}`)))
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	s.handleConfig(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	var got struct {
		Device DeviceConfig `json:"device"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("config body: %v", err)
	}
	if got.Device.SimRecords != 7 {
		t.Errorf("simRecords = %d, want 7", got.Device.SimRecords)
	}
	if !got.Device.Simulation {
		t.Error("patch clobbered the simulation flag")
	}
}
