package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gpuscope/gpuscope/internal/api"
	"github.com/gpuscope/gpuscope/internal/collector"
	"github.com/gpuscope/gpuscope/internal/config"
	"github.com/gpuscope/gpuscope/internal/device"
	"github.com/gpuscope/gpuscope/internal/registry"
	"github.com/gpuscope/gpuscope/internal/version"
)

type stubBackend struct {
	devices []*device.Device
	util    uint
}

func (b *stubBackend) Name() string      { return "stub" }
func (b *stubBackend) Init() error       { return nil }
func (b *stubBackend) Shutdown()         {}
func (b *stubBackend) LastError() string { return "" }

func (b *stubBackend) EnumerateDevices(mask *device.SelectionMask, hub device.Hub) (int, error) {
	count := 0
	for _, dev := range b.devices {
		if !mask.Take() {
			continue
		}
		dev.Backend = b
		hub.AddDevice(dev)
		count++
	}
	return count, nil
}

func (b *stubBackend) PopulateStaticInfo(*device.Device) {}

func (b *stubBackend) RefreshDynamicInfo(dev *device.Device) {
	dev.Dynamic = device.DynamicInfo{}
	util := b.util
	dev.Dynamic.GPUUtilPct = &util
}

func (b *stubBackend) EnumerateProcesses(*device.Device, time.Time) {}

type stubSweeper struct{}

func (stubSweeper) RegisterRecordParser(*device.Device, device.RecordParser) {}
func (stubSweeper) Sweep(time.Time)                                          {}

type stubAccountant struct{}

func (stubAccountant) Enrich(*device.Device, time.Time) {}
func (stubAccountant) EndCycle()                        {}

// newTestCollector builds and starts a collector over stub devices, waiting
// until the first snapshot is published.
func newTestCollector(t *testing.T, ids ...string) *collector.Manager {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &stubBackend{util: 9}
	for _, id := range ids {
		backend.devices = append(backend.devices, &device.Device{ID: id, Vendor: "stub"})
	}

	reg := registry.New(stubSweeper{}, stubAccountant{}, logger)
	reg.RegisterBackend(backend)
	reg.Enumerate(device.AllDevices())

	manager, err := collector.NewManager(5*time.Millisecond, reg, logger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	t.Cleanup(manager.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = manager.Run(ctx) }()

	waitFor(t, 2*time.Second, manager.Ready)
	return manager
}

// newIdleCollector builds a collector that never runs a refresh cycle.
func newIdleCollector(t *testing.T, ids ...string) *collector.Manager {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &stubBackend{}
	for _, id := range ids {
		backend.devices = append(backend.devices, &device.Device{ID: id, Vendor: "stub"})
	}

	reg := registry.New(stubSweeper{}, stubAccountant{}, logger)
	reg.RegisterBackend(backend)
	reg.Enumerate(device.AllDevices())

	manager, err := collector.NewManager(time.Hour, reg, logger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, config.Config{}, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}

	respAPI, err := http.Get(ts.URL + "/api/healthz")
	if err != nil {
		t.Fatalf("GET /api/healthz failed: %v", err)
	}
	respAPI.Body.Close()
	if respAPI.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for /api/healthz, got %d", respAPI.StatusCode)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	devices := []api.DeviceInfo{{ID: "card0"}}

	// Collector not configured -> degraded.
	_, ts := newTestHTTPServer(t, cfg, devices, nil)
	defer ts.Close()

	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "collector_not_configured")
	assertReadyz(t, ts.URL+"/api/readyz", http.StatusServiceUnavailable, "degraded", "collector_not_configured")

	// Collector configured but no snapshot yet -> initializing.
	idle := newIdleCollector(t, "card0")
	_, tsInit := newTestHTTPServer(t, cfg, devices, idle)
	defer tsInit.Close()

	assertReadyz(t, tsInit.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_snapshots")

	// Running collector with published snapshots -> ready.
	manager := newTestCollector(t, "card0")
	_, tsReady := newTestHTTPServer(t, cfg, devices, manager)
	defer tsReady.Close()

	assertReadyz(t, tsReady.URL+"/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	cfg := defaultTestConfig()
	_, ts := newTestHTTPServer(t, cfg, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatalf("expected go version to be filled in")
	}
}

func TestStaticIndexServed(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	_, ts := newTestHTTPServer(t, cfg, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "gpuscope") {
		t.Fatalf("dashboard page missing from response body")
	}
}

func TestAPIDevices(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	devices := []api.DeviceInfo{
		{ID: "card0", Vendor: "amdgpu", BusID: "0000:03:00.0"},
	}

	_, ts := newTestHTTPServer(t, cfg, devices, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatalf("GET /api/devices failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var payload []api.DeviceInfo
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(payload) != 1 || payload[0].ID != "card0" || payload[0].Vendor != "amdgpu" {
		t.Fatalf("unexpected device payload %+v", payload)
	}
}

func TestAPIDeviceMetrics(t *testing.T) {
	t.Parallel()

	manager := newTestCollector(t, "card0")

	cfg := defaultTestConfig()
	devices := []api.DeviceInfo{{ID: "card0"}}

	_, ts := newTestHTTPServer(t, cfg, devices, manager)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices/card0/metrics")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var snapshot collector.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}

	if snapshot.DeviceID != "card0" {
		t.Fatalf("unexpected device id %q", snapshot.DeviceID)
	}
	if snapshot.Dynamic.GPUUtilPct == nil {
		t.Fatalf("expected gpu_util_pct in metrics")
	}

	resp2, err := http.Get(ts.URL + "/api/devices/unknown/metrics")
	if err != nil {
		t.Fatalf("GET unknown metrics failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown device, got %d", resp2.StatusCode)
	}
}

func TestAPIDeviceProcs(t *testing.T) {
	t.Parallel()

	manager := newTestCollector(t, "card0")

	cfg := defaultTestConfig()
	devices := []api.DeviceInfo{{ID: "card0"}}

	_, ts := newTestHTTPServer(t, cfg, devices, manager)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices/card0/procs")
	if err != nil {
		t.Fatalf("GET procs failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var payload struct {
		DeviceID    string                `json:"device_id"`
		TimestampMS int64                 `json:"ts_ms"`
		Processes   []device.ProcessUsage `json:"processes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode procs: %v", err)
	}

	if payload.DeviceID != "card0" {
		t.Fatalf("unexpected device id %q", payload.DeviceID)
	}
	if payload.TimestampMS == 0 {
		t.Fatalf("expected a snapshot timestamp")
	}
}

func TestWebSocketHelloAndStats(t *testing.T) {
	t.Parallel()

	manager := newTestCollector(t, "card0")

	cfg := defaultTestConfig()
	cfg.PollInterval = 5 * time.Millisecond
	devices := []api.DeviceInfo{{ID: "card0"}}

	_, ts := newTestHTTPServer(t, cfg, devices, manager)
	defer ts.Close()

	wsURL := toWebsocketURL(ts.URL + "/ws")
	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	helloType, helloData, err := conn.Read(cctx)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if helloType != websocket.MessageText {
		t.Fatalf("unexpected hello type %v", helloType)
	}

	var helloMsg map[string]interface{}
	if err := json.Unmarshal(helloData, &helloMsg); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if helloMsg["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", helloMsg["type"])
	}

	// The default device is subscribed automatically; a stats broadcast
	// follows the hello.
	statsType, statsData, err := conn.Read(cctx)
	if err != nil {
		t.Fatalf("read stats: %v", err)
	}
	if statsType != websocket.MessageText {
		t.Fatalf("unexpected stats type %v", statsType)
	}

	var statsMsg map[string]interface{}
	if err := json.Unmarshal(statsData, &statsMsg); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if statsMsg["type"] != "stats" {
		t.Fatalf("expected stats message, got %q", statsMsg["type"])
	}
	if statsMsg["device_id"] != "card0" {
		t.Fatalf("expected stats for card0, got %v", statsMsg["device_id"])
	}

	dynamic, ok := statsMsg["dynamic"].(map[string]interface{})
	if !ok {
		t.Fatalf("dynamic payload missing or wrong type")
	}
	if _, ok := dynamic["gpu_util_pct"]; !ok {
		t.Fatalf("expected gpu_util_pct value in stats")
	}
}

func TestWebSocketPing(t *testing.T) {
	t.Parallel()

	manager := newTestCollector(t, "card0")

	cfg := defaultTestConfig()
	devices := []api.DeviceInfo{{ID: "card0"}}

	_, ts := newTestHTTPServer(t, cfg, devices, manager)
	defer ts.Close()

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	for {
		_, data, err := conn.Read(cctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg["type"] == "pong" {
			return
		}
	}
}

func newTestHTTPServer(t *testing.T, cfg config.Config, devices []api.DeviceInfo, manager *collector.Manager) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.ListenAddr == "" {
		cfg = defaultTestConfig()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, devices, manager)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:     ":0",
		PollInterval:   250 * time.Millisecond,
		DeviceMask:     ^uint64(0),
		DefaultDevice:  "auto",
		AllowedOrigins: []string{"*"},
		WS: config.WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
