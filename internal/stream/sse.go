package stream

import (
	"fmt"
	"net/http"
)

// SetSSEHeaders writes the response headers for a server-sent event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent renders one event onto the wire and flushes it.
func WriteEvent(w http.ResponseWriter, e Event) error {
	frame, err := e.Render()
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s event: %w", e.Name, err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// ServeConn drains a hub connection onto an SSE response until a terminal
// event is written, the hub drops the connection, or the client goes away.
// Headers must already be written. Client disconnect detaches only this
// connection; the orchestration keeps running.
func ServeConn(w http.ResponseWriter, r *http.Request, hub *Hub, conn *Conn) {
	defer hub.Detach(conn)

	clientGone := r.Context().Done()
	for {
		select {
		case e := <-conn.Events():
			if err := WriteEvent(w, e); err != nil {
				return
			}
			if e.Terminal() {
				return
			}
		case <-conn.Done():
			// The hub dropped us; flush whatever was already buffered.
			for {
				select {
				case e := <-conn.Events():
					if err := WriteEvent(w, e); err != nil {
						return
					}
					if e.Terminal() {
						return
					}
				default:
					return
				}
			}
		case <-clientGone:
			return
		}
	}
}
