package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
)

// fakeConn is a subscriber transport that records what the hub delivers.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closes  int
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeConn) failNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// events decodes everything the hub delivered to this connection.
func (f *fakeConn) events(t *testing.T) []BroadcastEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]BroadcastEvent, 0, len(f.sent))
	for _, data := range f.sent {
		var ev BroadcastEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("delivered frame is not a BroadcastEvent: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func newTestHub() *Hub {
	return NewHub(time.Minute, logging.Default())
}

func TestRegister_AssignsMonotonicIDs(t *testing.T) {
	hub := newTestHub()

	var last uint64
	for i := 0; i < 5; i++ {
		id := hub.Register(&fakeConn{}, transportStream, "client-a")
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestRegister_SendsInitialConnectionEvent(t *testing.T) {
	hub := newTestHub()
	conn := &fakeConn{}

	id := hub.Register(conn, transportSocket, "client-a")

	events := conn.events(t)
	if len(events) != 1 {
		t.Fatalf("delivered %d events, want the initial connection event", len(events))
	}
	ev := events[0]
	if ev.Type != EventTypeConnection {
		t.Errorf("event type = %q, want %q", ev.Type, EventTypeConnection)
	}
	if ev.ConnectionCount != 1 {
		t.Errorf("connection_count = %d, want 1", ev.ConnectionCount)
	}

	var payload struct {
		ConnectionID uint64 `json:"connection_id"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.ConnectionID != id {
		t.Errorf("connection_id = %d, want %d", payload.ConnectionID, id)
	}
}

func TestBroadcast_DeliversToAllRegistered(t *testing.T) {
	hub := newTestHub()
	a := &fakeConn{}
	b := &fakeConn{}
	hub.Register(a, transportStream, "client-a")
	hub.Register(b, transportSocket, "client-b")

	hub.Broadcast("devices/plant-a/DEV_001/data", []byte(`{"voltage":230}`))

	for name, conn := range map[string]*fakeConn{"a": a, "b": b} {
		events := conn.events(t)
		last := events[len(events)-1]
		if last.Type != EventTypeData {
			t.Errorf("conn %s: last event type = %q, want data", name, last.Type)
		}
		if last.Topic != "devices/plant-a/DEV_001/data" {
			t.Errorf("conn %s: topic = %q", name, last.Topic)
		}
		if string(last.Payload) != `{"voltage":230}` {
			t.Errorf("conn %s: payload = %s", name, last.Payload)
		}
		if last.ConnectionCount != 2 {
			t.Errorf("conn %s: connection_count = %d, want 2", name, last.ConnectionCount)
		}
	}
}

// Three connections registered, one transport fails on send: the broadcast
// completes, the failed connection is removed, the other two receive the
// event, and the healthy count drops to 2.
func TestBroadcast_FailedSendRemovesConnection(t *testing.T) {
	hub := newTestHub()
	healthy1 := &fakeConn{}
	healthy2 := &fakeConn{}
	broken := &fakeConn{}
	hub.Register(healthy1, transportStream, "client-a")
	hub.Register(broken, transportStream, "client-b")
	hub.Register(healthy2, transportSocket, "client-c")
	broken.failNext(errors.New("transport closed"))

	hub.Broadcast("devices/plant-a/DEV_001/data", []byte(`{"voltage":230}`))

	stats := hub.Stats()
	if stats.Healthy != 2 {
		t.Errorf("healthy = %d, want 2", stats.Healthy)
	}
	if stats.Broken != 1 {
		t.Errorf("broken = %d, want 1", stats.Broken)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}

	for name, conn := range map[string]*fakeConn{"healthy1": healthy1, "healthy2": healthy2} {
		events := conn.events(t)
		if events[len(events)-1].Type != EventTypeData {
			t.Errorf("%s did not receive the broadcast", name)
		}
	}
	if broken.closeCount() != 1 {
		t.Errorf("broken connection closed %d times, want 1", broken.closeCount())
	}
}

func TestHeartbeat_UsesRemovalPath(t *testing.T) {
	hub := newTestHub()
	healthy := &fakeConn{}
	broken := &fakeConn{}
	hub.Register(healthy, transportStream, "client-a")
	hub.Register(broken, transportStream, "client-b")
	broken.failNext(errors.New("transport closed"))

	hub.Heartbeat()

	if hub.ConnectionCount() != 1 {
		t.Errorf("connections = %d, want 1 after failed heartbeat", hub.ConnectionCount())
	}
	events := healthy.events(t)
	if events[len(events)-1].Type != EventTypeHeartbeat {
		t.Errorf("healthy connection did not receive the heartbeat")
	}
}

// An explicit close racing a failed heartbeat send must remove and close the
// connection exactly once.
func TestUnregister_RacesFailedHeartbeat(t *testing.T) {
	hub := newTestHub()
	conn := &fakeConn{}
	id := hub.Register(conn, transportSocket, "client-a")
	conn.failNext(errors.New("transport closed"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Heartbeat()
	}()
	go func() {
		defer wg.Done()
		hub.Unregister(id)
	}()
	wg.Wait()

	if conn.closeCount() != 1 {
		t.Errorf("connection closed %d times, want exactly 1", conn.closeCount())
	}
	if hub.ConnectionCount() != 0 {
		t.Errorf("connections = %d, want 0", hub.ConnectionCount())
	}
}

func TestUnregister_UnknownIDIsNoOp(t *testing.T) {
	hub := newTestHub()
	hub.Unregister(999)

	if got := hub.Stats(); got.Broken != 0 || got.Healthy != 0 {
		t.Errorf("stats = %+v, want empty", got)
	}
}

func TestBroadcast_NonJSONPayloadCarriedAsString(t *testing.T) {
	hub := newTestHub()
	conn := &fakeConn{}
	hub.Register(conn, transportStream, "client-a")

	hub.Broadcast("devices/plant-a/DEV_001/status", []byte(`offline`))

	events := conn.events(t)
	last := events[len(events)-1]
	if string(last.Payload) != `"offline"` {
		t.Errorf("payload = %s, want JSON string", last.Payload)
	}
}

func TestRun_EmitsHeartbeatsUntilCancelled(t *testing.T) {
	hub := NewHub(10*time.Millisecond, logging.Default())
	conn := &fakeConn{}
	hub.Register(conn, transportStream, "client-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		var seen bool
		for _, ev := range conn.events(t) {
			if ev.Type == EventTypeHeartbeat {
				seen = true
			}
		}
		if seen {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeat received before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if conn.closeCount() != 1 {
		t.Errorf("connection closed %d times at shutdown, want 1", conn.closeCount())
	}
}

// Exceeding the registration rate threshold is flagged for observability
// only; every registration still succeeds.
func TestRegister_RateLimitIsFlagOnly(t *testing.T) {
	hub := newTestHub()

	for i := 0; i < registrationFlagThreshold+5; i++ {
		hub.Register(&fakeConn{}, transportStream, "chatty-client")
	}

	want := registrationFlagThreshold + 5
	if hub.ConnectionCount() != want {
		t.Errorf("connections = %d, want %d", hub.ConnectionCount(), want)
	}
}

// Reconnecting clients arrive on a fresh ephemeral port each time; the rate
// window must accumulate by host or a reconnect storm is invisible.
func TestRegister_RateWindowKeyedByHost(t *testing.T) {
	hub := newTestHub()

	total := registrationFlagThreshold + 5
	for i := 0; i < total; i++ {
		source := fmt.Sprintf("10.0.0.7:%d", 40000+i)
		id := hub.Register(&fakeConn{}, transportStream, source)
		hub.Unregister(id)
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.rates) != 1 {
		t.Fatalf("rate map has %d entries, want 1 shared host entry", len(hub.rates))
	}
	if got := len(hub.rates["10.0.0.7"]); got != total {
		t.Errorf("window for 10.0.0.7 holds %d registrations, want %d", got, total)
	}
}

// Sources whose whole window has expired are dropped, so the rate map does
// not retain an entry per client ever seen.
func TestRegister_ExpiredRateEntriesPruned(t *testing.T) {
	hub := newTestHub()

	hub.mu.Lock()
	hub.rates["10.0.0.8"] = []time.Time{time.Now().Add(-2 * registrationWindow)}
	hub.mu.Unlock()

	hub.Register(&fakeConn{}, transportStream, "10.0.0.9:51234")

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if _, ok := hub.rates["10.0.0.8"]; ok {
		t.Error("expired source still present in rate map")
	}
	if _, ok := hub.rates["10.0.0.9"]; !ok {
		t.Error("active source missing from rate map")
	}
}

// Broadcast snapshots the registry: a connection registered mid-fan-out must
// not receive the in-flight event.
func TestBroadcast_SnapshotExcludesLateRegistrations(t *testing.T) {
	hub := newTestHub()
	for i := 0; i < 3; i++ {
		hub.Register(&fakeConn{}, transportStream, fmt.Sprintf("client-%d", i))
	}
	hub.Broadcast("devices/plant-a/DEV_001/data", []byte(`{"voltage":230}`))

	late := &fakeConn{}
	hub.Register(late, transportStream, "late-client")

	events := late.events(t)
	for _, ev := range events {
		if ev.Type == EventTypeData {
			t.Errorf("late connection received an event broadcast before it registered")
		}
	}
}
