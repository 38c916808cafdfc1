package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/config"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
)

// Client frame types for the full-duplex socket.
const (
	wsFrameTypePing = "ping"
	wsFrameTypePong = "pong"
)

// wsFrame is a client-originated socket frame.
type wsFrame struct {
	Type string `json:"type"`
}

// upgrader configures the socket upgrade. Origin checking is handled by the
// CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// socketConn is the full-duplex socket transport. Outbound events flow
// through the buffered send channel and a single writer goroutine; the hub
// never touches the underlying connection directly.
type socketConn struct {
	conn   *websocket.Conn
	logger *logging.Logger
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSocketConn(conn *websocket.Conn, buffer int, logger *logging.Logger) *socketConn {
	if buffer <= 0 {
		buffer = 1
	}
	return &socketConn{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Send queues an event frame for the writer goroutine.
func (c *socketConn) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close stops the writer goroutine, which closes the underlying connection
// on its way out. Idempotent.
func (c *socketConn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// handleWebSocket upgrades the connection and serves the full-duplex socket:
// the same BroadcastEvent shapes as the stream, plus ping frames answered
// with pong.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newSocketConn(conn, s.wsCfg.SendBuffer, s.logger)
	id := s.hub.Register(client, transportSocket, r.RemoteAddr)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg, s.hub, id)
}

// readPump consumes client frames. Any read error deregisters the
// connection; the hub's removal path is idempotent against a concurrent
// failed-send removal.
func (c *socketConn) readPump(cfg config.WebSocketConfig, hub *Hub, id uint64) {
	defer func() {
		hub.Unregister(id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			} else {
				c.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client frame resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleFrame(message)
	}
}

// writePump owns all writes to the connection: queued events and periodic
// protocol-level pings for dead-link detection.
func (c *socketConn) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			//nolint:errcheck // Best-effort close frame
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case data := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame answers application-level ping frames with pong; everything
// else is ignored (subscribers are read-only consumers of the event stream).
func (c *socketConn) handleFrame(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	if frame.Type != wsFrameTypePing {
		return
	}

	pong, err := json.Marshal(map[string]string{
		"type":      wsFrameTypePong,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	//nolint:errcheck // A full buffer drops the pong; the client retries
	c.Send(pong)
}
