package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/alias8818/CouncilRouter-sub001/internal/config"
	"github.com/alias8818/CouncilRouter-sub001/internal/council"
	"github.com/alias8818/CouncilRouter-sub001/internal/idempotency"
	"github.com/alias8818/CouncilRouter-sub001/internal/orchestrator"
	"github.com/alias8818/CouncilRouter-sub001/internal/registry"
)

// submitResponse acknowledges an accepted submission.
type submitResponse struct {
	RequestID string                `json:"requestId"`
	Status    council.RequestStatus `json:"status"`
	CreatedAt time.Time             `json:"createdAt"`
	FromCache bool                  `json:"fromCache,omitempty"`
}

// requestResponse is the poll shape. Terminal fields stay omitted while the
// request is still processing.
type requestResponse struct {
	RequestID         string                      `json:"requestId"`
	Status            council.RequestStatus       `json:"status"`
	ConsensusDecision *council.ConsensusDecision  `json:"consensusDecision,omitempty"`
	Error             *council.RequestError       `json:"error,omitempty"`
	CreatedAt         time.Time                   `json:"createdAt"`
	CompletedAt       *time.Time                  `json:"completedAt,omitempty"`
	Transparency      *council.TransparencyReport `json:"transparency,omitempty"`
	FromCache         bool                        `json:"fromCache,omitempty"`
}

func requestResponseFrom(rec *council.StoredRequest, fromCache bool) requestResponse {
	return requestResponse{
		RequestID:         rec.ID,
		Status:            rec.Status,
		ConsensusDecision: rec.Decision,
		Error:             rec.Error,
		CreatedAt:         rec.CreatedAt,
		CompletedAt:       rec.CompletedAt,
		Transparency:      rec.Transparency,
		FromCache:         fromCache,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

// handleSubmit accepts a query, claims the idempotency key if one was sent,
// persists the processing record and hands the request to the engine. The
// 202 goes out only after the record is fetchable, so an immediate poll
// never 404s.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	req, apiErr := parseSubmit(r.Body, identity.UserID)
	if apiErr != nil {
		s.writeError(w, "", apiErr)
		return
	}

	scoped := ""
	if key := r.Header.Get("Idempotency-Key"); key != "" && s.idem != nil && s.env.EnableIdempotency {
		scoped = idempotency.ScopedKey(identity.UserID, key)
		won, err := s.idem.MarkInProgress(r.Context(), scoped, req.ID)
		if err != nil {
			s.writeError(w, req.ID, Errorf(CodeInternalError, "idempotency check failed"))
			return
		}
		if !won {
			s.replayIdempotent(w, r, scoped)
			return
		}
	}

	record := &council.StoredRequest{
		ID:        req.ID,
		Status:    council.StatusProcessing,
		CreatedAt: req.CreatedAt,
	}
	if err := s.reg.SaveRequest(r.Context(), record); err != nil {
		if scoped != "" {
			// Release duplicate submitters parked on the claim.
			if cerr := s.idem.CacheError(r.Context(), scoped, req.ID, CodeInternalError, "request could not be accepted"); cerr != nil {
				s.logger.Error("cache idempotency error", "request_id", req.ID, "err", cerr)
			}
		}
		s.logger.Error("save request", "request_id", req.ID, "err", err)
		s.writeError(w, req.ID, Errorf(CodeInternalError, "request could not be accepted"))
		return
	}

	go s.engine.Execute(orchestrator.Task{Request: req, ScopedKey: scoped})

	s.writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID: req.ID,
		Status:    council.StatusProcessing,
		CreatedAt: req.CreatedAt,
	})
}

// replayIdempotent answers a submission whose key is already claimed. An
// in-progress original is waited on up to idempotencyWait; a settled one is
// replayed as the poll shape (completed) or the stored failure (failed).
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, scoped string) {
	record, err := s.idem.CheckKey(r.Context(), scoped)
	if err != nil {
		s.writeError(w, "", Errorf(CodeIdempotencyState, "idempotency record is unreadable"))
		return
	}
	if record == nil {
		// Claim lost, record already gone: expired between the claim
		// attempt and this read.
		s.writeError(w, "", Errorf(CodeIdempotencyState, "idempotency record expired before the original settled"))
		return
	}

	if record.State == council.IdemInProgress {
		settled, waitErr := s.idem.WaitForCompletion(r.Context(), scoped, s.idemWait)
		switch {
		case errors.Is(waitErr, idempotency.ErrWaitTimeout):
			s.writeJSON(w, http.StatusAccepted, submitResponse{
				RequestID: record.RequestID,
				Status:    council.StatusProcessing,
				CreatedAt: time.Now().UTC(),
				FromCache: true,
			})
			return
		case waitErr != nil:
			s.writeError(w, record.RequestID, Errorf(CodeIdempotencyState, "idempotency record is unreadable"))
			return
		}
		record = settled
	}

	switch record.State {
	case council.IdemCompleted:
		if record.Result == nil {
			s.writeError(w, record.RequestID, Errorf(CodeIdempotencyResult, "completed request has no stored result"))
			return
		}
		s.writeJSON(w, http.StatusOK, requestResponseFrom(record.Result, true))
	case council.IdemFailed:
		code := record.ErrorCode
		if _, known := codeTable[code]; !known {
			code = CodeInternalError
		}
		s.writeError(w, record.RequestID, Errorf(code, "%s", record.ErrorMessage))
	default:
		s.writeError(w, record.RequestID, Errorf(CodeIdempotencyState, "idempotency record in unexpected state %q", record.State))
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
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

	s.writeJSON(w, http.StatusOK, requestResponseFrom(record, false))
}

// handleDeliberation serves the retained deliberation thread. The request
// must exist before the thread is consulted, so an unknown id reads as
// REQUEST_NOT_FOUND rather than a missing thread.
func (s *Server) handleDeliberation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.reg.FetchRequest(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, id, Errorf(CodeRequestNotFound, "no request with id %s", id))
			return
		}
		s.logger.Error("fetch request", "request_id", id, "err", err)
		s.writeError(w, id, Errorf(CodeInternalError, "request lookup failed"))
		return
	}

	thread, err := s.reg.FetchThread(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, id, Errorf(CodeDeliberationNotFound, "deliberation not retained for request %s", id))
		return
	}
	if err != nil {
		s.logger.Error("fetch thread", "request_id", id, "err", err)
		s.writeError(w, id, Errorf(CodeInternalError, "deliberation lookup failed"))
		return
	}

	s.writeJSON(w, http.StatusOK, thread)
}

type presetSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MemberIDs   []string `json:"memberIds,omitempty"`
	Rounds      int      `json:"rounds"`
	Strategy    string   `json:"strategy,omitempty"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	names := config.PresetNames()
	summaries := make([]presetSummary, 0, len(names))
	for _, name := range names {
		p, ok := config.PresetByName(name)
		if !ok {
			continue
		}
		summaries = append(summaries, presetSummary{
			Name:        p.Name,
			Description: p.Description,
			MemberIDs:   p.MemberIDs,
			Rounds:      p.Rounds,
			Strategy:    p.Strategy,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"presets": summaries})
}

// handleAdminStats is reachable only with the admin token. Non-admin
// identities get the same INVALID_API_KEY an unknown key would, so the
// endpoint does not confirm its own existence.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if !identity.Admin {
		s.writeError(w, "", Errorf(CodeInvalidAPIKey, "API key rejected"))
		return
	}

	stats := map[string]interface{}{
		"version":       Version,
		"environment":   s.env.NodeEnv,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"streams": map[string]interface{}{
			"connections": s.hub.ConnectionCount(),
			"requests":    s.hub.RequestCount(),
		},
	}
	if s.limiter != nil {
		stats["rateLimiter"] = s.limiter.Stats()
	}

	s.writeJSON(w, http.StatusOK, stats)
}
