package api

import (
	"net/http"
	"sync"
)

// transport names used for hub registration.
const (
	transportStream = "stream"
	transportSocket = "socket"
)

// streamConn is the server-push stream transport: a buffered channel drained
// by the handler goroutine writing newline-delimited JSON frames.
type streamConn struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newStreamConn(buffer int) *streamConn {
	if buffer <= 0 {
		buffer = 1
	}
	return &streamConn{
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues an event frame. A full buffer means the client is not keeping
// up; the hub treats the error as a dead connection.
func (c *streamConn) Send(data []byte) error {
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

// Close unblocks the handler goroutine. Idempotent.
func (c *streamConn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// handleStream serves the one-way event stream: BroadcastEvents as
// newline-delimited JSON, flushed per frame. The connection is deregistered
// when the client disconnects or the hub drops it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w, "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newStreamConn(s.sseCfg.SendBuffer)
	id := s.hub.Register(conn, transportStream, r.RemoteAddr)
	defer s.hub.Unregister(id)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			// Hub dropped the connection (failed send or shutdown).
			return
		case data := <-conn.send:
			// The frame slice is shared between subscribers; the newline
			// is written separately rather than appended.
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte{'\n'}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
