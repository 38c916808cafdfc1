package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voltgrid/voltgrid-core/internal/approval"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/config"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/database"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
	"github.com/voltgrid/voltgrid-core/internal/ingest"
	"github.com/voltgrid/voltgrid-core/internal/meter"
	"github.com/voltgrid/voltgrid-core/internal/retry"

	_ "github.com/voltgrid/voltgrid-core/migrations"
)

// fakePublisher satisfies the gateway's broker surface.
type fakePublisher struct {
	topics []string
}

func (f *fakePublisher) PublishJSON(topic string, _ []byte) error {
	f.topics = append(f.topics, topic)
	return nil
}

// fakeIngestStats satisfies the pipeline stats surface.
type fakeIngestStats struct{}

func (fakeIngestStats) Stats() ingest.Stats {
	return ingest.Stats{Received: 42, Data: 40, Discarded: 2}
}

type serverFixture struct {
	hub     *Hub
	pending *meter.SQLitePendingRepository
	meters  *meter.SQLiteRepository
	reaper  *meter.Reaper
	gateway *approval.Gateway
	ts      *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	logger := logging.Default()
	policy := retry.Policy{
		Base:        time.Millisecond,
		Cap:         10 * time.Millisecond,
		MinInterval: time.Millisecond,
		MaxAttempts: 3,
	}

	f := &serverFixture{
		hub:     NewHub(time.Minute, logger),
		pending: meter.NewSQLitePendingRepository(db.DB),
		meters:  meter.NewSQLiteRepository(db.DB),
	}
	readings := meter.NewSQLiteReadingRepository(db.DB, policy)
	f.reaper = meter.NewReaper(f.pending, time.Hour, 30*time.Minute, logger)
	f.gateway = approval.NewGateway(db, f.meters, f.pending, readings, &fakePublisher{}, logger)

	cfg := config.Default()
	srv, err := New(Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		SSE:      cfg.SSE,
		Logger:   logger,
		Hub:      f.hub,
		Meters:   f.meters,
		Pending:  f.pending,
		Reaper:   f.reaper,
		Gateway:  f.gateway,
		Pipeline: fakeIngestStats{},
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.ts = httptest.NewServer(srv.buildRouter())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *serverFixture) seedPending(t *testing.T, deviceID string, lastSeen time.Time) {
	t.Helper()

	err := f.pending.Upsert(context.Background(), &meter.PendingMeter{
		DeviceID:        deviceID,
		DiscoveredAt:    lastSeen,
		LastSeenAt:      lastSeen,
		DiscoverySource: "mqtt_property",
	})
	if err != nil {
		t.Fatalf("seeding pending meter: %v", err)
	}
}

func (f *serverFixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()

	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *serverFixture) postJSON(t *testing.T, path, body string, out any) int {
	t.Helper()

	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHandleHealth(t *testing.T) {
	f := newServerFixture(t)

	var body map[string]any
	if status := f.getJSON(t, "/api/v1/health", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}

func TestHandleListMeters(t *testing.T) {
	f := newServerFixture(t)
	f.seedPending(t, "DEV_001", time.Now())
	if _, err := f.gateway.Approve(context.Background(), approval.Request{
		DeviceID:   "DEV_001",
		Name:       "Shop Floor Meter",
		Department: "plant-a",
	}); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	var body struct {
		Meters []meter.MeterWithReading `json:"meters"`
		Count  int                      `json:"count"`
	}
	if status := f.getJSON(t, "/api/v1/meters", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body.Count != 1 || len(body.Meters) != 1 {
		t.Fatalf("body = %+v, want one meter", body)
	}
	if body.Meters[0].Meter.DeviceID != "DEV_001" {
		t.Errorf("device_id = %q", body.Meters[0].Meter.DeviceID)
	}
	if body.Meters[0].Reading == nil {
		t.Error("approved meter must carry its provisioned reading row")
	}
}

func TestHandleListPending(t *testing.T) {
	f := newServerFixture(t)
	f.seedPending(t, "DEV_001", time.Now())

	var body struct {
		Pending []meter.PendingMeter `json:"pending"`
		Count   int                  `json:"count"`
	}
	if status := f.getJSON(t, "/api/v1/meters/pending", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body.Count != 1 || body.Pending[0].DeviceID != "DEV_001" {
		t.Errorf("body = %+v, want DEV_001 pending", body)
	}
}

func TestHandleStaleAndSweep(t *testing.T) {
	f := newServerFixture(t)
	f.seedPending(t, "DEV_OLD", time.Now().Add(-2*time.Hour))
	f.seedPending(t, "DEV_FRESH", time.Now())

	var stale struct {
		Stale []meter.PendingMeter `json:"stale"`
		Count int                  `json:"count"`
	}
	if status := f.getJSON(t, "/api/v1/meters/pending/stale", &stale); status != http.StatusOK {
		t.Fatalf("stale status = %d, want 200", status)
	}
	if stale.Count != 1 || stale.Stale[0].DeviceID != "DEV_OLD" {
		t.Fatalf("stale = %+v, want only DEV_OLD", stale)
	}

	var swept struct {
		Removed []string `json:"removed"`
		Count   int      `json:"count"`
	}
	if status := f.postJSON(t, "/api/v1/meters/pending/sweep", "", &swept); status != http.StatusOK {
		t.Fatalf("sweep status = %d, want 200", status)
	}
	if swept.Count != 1 || swept.Removed[0] != "DEV_OLD" {
		t.Fatalf("swept = %+v, want DEV_OLD removed", swept)
	}

	remaining, err := f.pending.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(remaining) != 1 || remaining[0].DeviceID != "DEV_FRESH" {
		t.Errorf("remaining = %+v, want only DEV_FRESH", remaining)
	}
}

func TestHandleApprove(t *testing.T) {
	f := newServerFixture(t)
	f.seedPending(t, "DEV_001", time.Now())

	var result approval.Result
	status := f.postJSON(t, "/api/v1/meters/DEV_001/approve",
		`{"name":"Shop Floor Meter","department":"plant-a","building":"A","room":"201"}`,
		&result,
	)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !result.Success || result.DeviceID != "DEV_001" {
		t.Fatalf("result = %+v, want success", result)
	}

	if _, err := f.meters.GetByID(context.Background(), "DEV_001"); err != nil {
		t.Errorf("GetByID() error = %v, meter must exist after approval", err)
	}
}

func TestHandleApprove_UnknownDeviceIs404(t *testing.T) {
	f := newServerFixture(t)

	var result approval.Result
	status := f.postJSON(t, "/api/v1/meters/DEV_GHOST/approve",
		`{"name":"m","department":"plant-a"}`, &result)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if result.Success {
		t.Error("result must report failure for an unknown device")
	}
}

func TestHandleApprove_BadBody(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json`},
		{"missing name", `{"department":"plant-a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := f.postJSON(t, "/api/v1/meters/DEV_001/approve", tt.body, nil)
			if status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", status)
			}
		})
	}
}

func TestHandleStats(t *testing.T) {
	f := newServerFixture(t)

	var body struct {
		Connections HubStats     `json:"connections"`
		Ingest      ingest.Stats `json:"ingest"`
	}
	if status := f.getJSON(t, "/api/v1/stats", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body.Ingest.Received != 42 {
		t.Errorf("ingest.received = %d, want 42", body.Ingest.Received)
	}
	if body.Connections.Healthy != 0 {
		t.Errorf("connections.healthy = %d, want 0", body.Connections.Healthy)
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStream_DeliversEventsAndDeregistersOnDisconnect(t *testing.T) {
	f := newServerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/api/v1/stream", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	// Initial frame announces the connection id.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading connection event: %v", err)
	}
	var ev BroadcastEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("decoding connection event: %v", err)
	}
	if ev.Type != EventTypeConnection || ev.ConnectionCount != 1 {
		t.Fatalf("first event = %+v, want connection event with count 1", ev)
	}

	f.hub.Broadcast("devices/plant-a/DEV_001/data", []byte(`{"voltage":230}`))

	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading data event: %v", err)
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("decoding data event: %v", err)
	}
	if ev.Type != EventTypeData || ev.Topic != "devices/plant-a/DEV_001/data" {
		t.Errorf("data event = %+v", ev)
	}

	cancel()
	waitFor(t, func() bool { return f.hub.ConnectionCount() == 0 },
		"stream connection not deregistered after client disconnect")
}

func TestWebSocket_DeliversEventsAndAnswersPing(t *testing.T) {
	f := newServerFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	//nolint:errcheck // Best-effort deadline in test
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev BroadcastEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading connection event: %v", err)
	}
	if ev.Type != EventTypeConnection {
		t.Fatalf("first event type = %q, want connection", ev.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("sending ping: %v", err)
	}
	var pong map[string]string
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("reading pong: %v", err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("reply type = %q, want pong", pong["type"])
	}

	f.hub.Broadcast("devices/plant-a/DEV_001/data", []byte(`{"voltage":230}`))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading data event: %v", err)
	}
	if ev.Type != EventTypeData {
		t.Errorf("event type = %q, want data", ev.Type)
	}

	conn.Close()
	waitFor(t, func() bool { return f.hub.ConnectionCount() == 0 },
		"socket connection not deregistered after client close")
}
