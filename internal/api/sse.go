package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
	"github.com/alias8818/CouncilRouter-sub001/internal/orchestrator"
	"github.com/alias8818/CouncilRouter-sub001/internal/registry"
	"github.com/alias8818/CouncilRouter-sub001/internal/stream"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, e stream.Event) error {
	frame, err := e.Render()
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// replayTerminal reconstructs the tail of a settled request's stream from
// the registry. The hub keeps no history, so this is the only source for
// subscribers that arrive after settlement.
func (s *Server) replayTerminal(w http.ResponseWriter, flusher http.Flusher, record *council.StoredRequest) {
	if record.Status == council.StatusFailed {
		reason := "request failed"
		if record.Error != nil && record.Error.Message != "" {
			reason = record.Error.Message
		}
		_ = writeEvent(w, flusher, stream.Failure(reason))
		return
	}
	if record.Decision != nil {
		if err := writeEvent(w, flusher, stream.Message(record.Decision.Content)); err != nil {
			return
		}
	}
	_ = writeEvent(w, flusher, stream.Done())
}

// handleStream subscribes the caller to a request's event stream. Settled
// requests replay their terminal events immediately; in-flight requests get
// a status snapshot and then live events until a terminal one arrives.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	record, err := s.reg.FetchRequest(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, id, Errorf(CodeRequestNotFound, "no request with id %s", id))
		return
	}
	if err != nil {
		s.logger.Error("fetch request", "request_id", id, "err", err)
		s.writeError(w, id, Errorf(CodeInternalError, "request lookup failed"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, id, Errorf(CodeInternalError, "connection does not support streaming"))
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if record.Status.Terminal() {
		s.replayTerminal(w, flusher, record)
		return
	}

	conn := s.hub.Attach(id)

	// The request can settle between the fetch above and the attach. The
	// events for that settlement are already gone, so re-check and replay
	// rather than waiting on a stream that will never finish.
	if again, err := s.reg.FetchRequest(r.Context(), id); err == nil && again.Status.Terminal() {
		s.hub.Detach(conn)
		s.replayTerminal(w, flusher, again)
		return
	}

	if err := writeEvent(w, flusher, stream.Status(string(record.Status))); err != nil {
		s.hub.Detach(conn)
		return
	}

	s.serveEvents(w, flusher, r, conn)
}

// handleSubmitStream accepts a query and streams its lifecycle over the
// same connection. The connection is attached before the engine starts so
// no event can slip between submission and subscription. Idempotency keys
// are not honored here; a replayed stream has nothing to deliver.
func (s *Server) handleSubmitStream(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	req, apiErr := parseSubmit(r.Body, identity.UserID)
	if apiErr != nil {
		s.writeError(w, "", apiErr)
		return
	}
	req.Streaming = true

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, req.ID, Errorf(CodeInternalError, "connection does not support streaming"))
		return
	}

	record := &council.StoredRequest{
		ID:        req.ID,
		Status:    council.StatusProcessing,
		CreatedAt: req.CreatedAt,
	}
	if err := s.reg.SaveRequest(r.Context(), record); err != nil {
		s.logger.Error("save request", "request_id", req.ID, "err", err)
		s.writeError(w, req.ID, Errorf(CodeInternalError, "request could not be accepted"))
		return
	}

	conn := s.hub.Attach(req.ID)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, flusher, stream.Init(req.ID)); err != nil {
		s.hub.Detach(conn)
		return
	}

	go s.engine.Execute(orchestrator.Task{Request: req})

	s.serveEvents(w, flusher, r, conn)
}

// serveEvents pumps hub events to the client until a terminal event, a hub
// drop, or client disconnect. The hub enqueues terminal events before it
// drops a connection, so a closed Done still drains the buffer.
func (s *Server) serveEvents(w http.ResponseWriter, flusher http.Flusher, r *http.Request, conn *stream.Conn) {
	for {
		select {
		case <-r.Context().Done():
			s.hub.Detach(conn)
			return
		case <-conn.Done():
			for {
				select {
				case ev := <-conn.Events():
					if writeEvent(w, flusher, ev) != nil {
						return
					}
				default:
					return
				}
			}
		case ev := <-conn.Events():
			if writeEvent(w, flusher, ev) != nil {
				s.hub.Detach(conn)
				return
			}
			if ev.Terminal() {
				s.hub.Detach(conn)
				return
			}
		}
	}
}
