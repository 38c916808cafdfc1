package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
)

// Event types emitted to broadcast subscribers.
const (
	EventTypeConnection = "connection"
	EventTypeData       = "data"
	EventTypeHeartbeat  = "heartbeat"
	EventTypeStats      = "stats"
	EventTypeError      = "error"
)

// Registration-rate observation. Sources exceeding the threshold within the
// window are flagged in the log but never rejected.
const (
	registrationWindow        = time.Minute
	registrationFlagThreshold = 30
)

// Send failures reported by subscriber transports.
var (
	errConnClosed     = errors.New("subscriber connection closed")
	errSendBufferFull = errors.New("subscriber send buffer full")
)

// BroadcastEvent is the frame delivered to every subscriber connection.
// Constructed fresh per fan-out; never persisted.
type BroadcastEvent struct {
	Type            string          `json:"type"`
	Topic           string          `json:"topic,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       string          `json:"timestamp"`
	ConnectionCount int             `json:"connection_count"`
}

// Conn is one subscriber transport as seen by the hub. Send must never block:
// backpressure and closure are reported as errors so the hub can drop the
// connection.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// subscriber is a registered connection. closeOnce guards the transport
// close so that an explicit unregister racing a failed heartbeat send closes
// the connection exactly once.
type subscriber struct {
	id          uint64
	conn        Conn
	transport   string
	connectedAt time.Time
	closeOnce   sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		//nolint:errcheck // Best-effort close of a possibly-dead transport
		s.conn.Close()
	})
}

// HubStats reports connection registry health without mutating it.
type HubStats struct {
	Total   uint64 `json:"total"`   // connections ever registered
	Healthy int    `json:"healthy"` // currently registered
	Broken  uint64 `json:"broken"`  // removed after a failed send
}

// Hub owns the subscriber connection registry and fans classified broker
// traffic out to every live connection.
//
// The registry is the hub's exclusively: connections are added by Register
// and removed either by Unregister or the instant a send fails. A broadcast
// never fails because one subscriber is dead — the dead connection is
// silently dropped and delivery continues.
type Hub struct {
	logger            *logging.Logger
	heartbeatInterval time.Duration

	mu    sync.RWMutex
	conns map[uint64]*subscriber
	rates map[string][]time.Time

	nextID     atomic.Uint64
	registered atomic.Uint64
	broken     atomic.Uint64
}

// NewHub creates a hub. The heartbeat interval drives the periodic alive
// event emitted by Run.
func NewHub(heartbeatInterval time.Duration, logger *logging.Logger) *Hub {
	return &Hub{
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		conns:             make(map[uint64]*subscriber),
		rates:             make(map[string][]time.Time),
	}
}

// Run emits heartbeat events on the configured interval until the context is
// cancelled, then closes every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Register adds a connection to the registry and assigns it a monotonically
// increasing id. The new connection immediately receives a "connection"
// event carrying its id and the current connection count. source identifies
// the registering client (remote address) for rate observation only.
func (h *Hub) Register(conn Conn, transport, source string) uint64 {
	id := h.nextID.Add(1)
	sub := &subscriber{
		id:          id,
		conn:        conn,
		transport:   transport,
		connectedAt: time.Now().UTC(),
	}

	h.mu.Lock()
	h.conns[id] = sub
	count := len(h.conns)
	h.observeRegistration(source)
	h.mu.Unlock()
	h.registered.Add(1)

	h.logger.Debug("subscriber registered",
		"connection_id", id,
		"transport", transport,
		"connections", count,
	)

	payload, err := json.Marshal(map[string]any{"connection_id": id})
	if err == nil {
		h.deliver(sub, h.encode(BroadcastEvent{
			Type:            EventTypeConnection,
			Payload:         payload,
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
			ConnectionCount: count,
		}))
	}

	return id
}

// Unregister removes a connection and closes its transport. Safe to call for
// an id already removed by a failed send.
func (h *Hub) Unregister(id uint64) {
	h.remove(id, false)
}

// Broadcast fans one classified broker message out to every currently
// registered connection. Satisfies the ingest pipeline's broadcaster
// contract.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.broadcastEvent(BroadcastEvent{
		Type:    EventTypeData,
		Topic:   topic,
		Payload: rawPayload(payload),
	})
}

// Heartbeat broadcasts a lightweight alive event. Clients use it to detect a
// silently-dead link; delivery failures remove the connection through the
// same path as data broadcasts.
func (h *Hub) Heartbeat() {
	h.broadcastEvent(BroadcastEvent{Type: EventTypeHeartbeat})
}

// Stats reports registry health counts.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	healthy := len(h.conns)
	h.mu.RUnlock()

	return HubStats{
		Total:   h.registered.Load(),
		Healthy: healthy,
		Broken:  h.broken.Load(),
	}
}

// ConnectionCount returns the number of currently registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// broadcastEvent stamps, encodes, and delivers an event to a snapshot of the
// registry. Connections registered after the snapshot is taken do not
// receive this event.
func (h *Hub) broadcastEvent(ev BroadcastEvent) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.conns))
	for _, sub := range h.conns {
		subs = append(subs, sub)
	}
	count := len(h.conns)
	h.mu.RUnlock()

	if count == 0 {
		return
	}

	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	ev.ConnectionCount = count
	data := h.encode(ev)
	if data == nil {
		return
	}

	for _, sub := range subs {
		h.deliver(sub, data)
	}
}

// deliver sends one encoded event to one connection, removing the connection
// on any failure.
func (h *Hub) deliver(sub *subscriber, data []byte) {
	if data == nil {
		return
	}
	if err := sub.conn.Send(data); err != nil {
		h.logger.Debug("subscriber send failed, dropping connection",
			"connection_id", sub.id,
			"transport", sub.transport,
			"error", err,
		)
		h.remove(sub.id, true)
	}
}

// remove deletes a connection from the registry and closes its transport.
// The map delete under lock guarantees that of two racing removals exactly
// one performs the close.
func (h *Hub) remove(id uint64, failed bool) {
	h.mu.Lock()
	sub, ok := h.conns[id]
	delete(h.conns, id)
	count := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}
	if failed {
		h.broken.Add(1)
	}
	sub.close()

	h.logger.Debug("subscriber removed",
		"connection_id", id,
		"transport", sub.transport,
		"failed", failed,
		"connections", count,
	)
}

// closeAll drops every connection at shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.conns))
	for id, sub := range h.conns {
		subs = append(subs, sub)
		delete(h.conns, id)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		h.logger.Info("broadcast hub closed", "connections_dropped", len(subs))
	}
}

// observeRegistration tracks per-source registration rates over a rolling
// window. Sources are keyed by host, not host:port, so reconnects from the
// same client land in one window regardless of ephemeral port. Exceeding
// the threshold is flagged for observability, never rejected. Caller holds
// h.mu.
func (h *Hub) observeRegistration(source string) {
	host := sourceHost(source)
	if host == "" {
		return
	}
	now := time.Now()
	cutoff := now.Add(-registrationWindow)

	// Drop sources whose entire window has expired so the map does not
	// grow with every client the process has ever seen.
	for src, times := range h.rates {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(h.rates, src)
		}
	}

	recent := h.rates[host][:0]
	for _, ts := range h.rates[host] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	h.rates[host] = recent

	if len(recent) > registrationFlagThreshold {
		h.logger.Warn("subscriber registration rate exceeded",
			"source", host,
			"registrations", len(recent),
			"window", registrationWindow.String(),
		)
	}
}

// sourceHost strips the port from a remote address. Addresses without a
// port are used as-is.
func sourceHost(source string) string {
	if host, _, err := net.SplitHostPort(source); err == nil {
		return host
	}
	return source
}

// encode marshals an event, logging rather than propagating failures: a
// broadcast never errors to its caller.
func (h *Hub) encode(ev BroadcastEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode broadcast event", "type", ev.Type, "error", err)
		return nil
	}
	return data
}

// rawPayload embeds a broker payload in an event. Non-JSON payloads (bare
// status strings) are carried as a JSON string.
func rawPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return nil
	}
	return quoted
}
