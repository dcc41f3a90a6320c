package api

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alias8818/CouncilRouter-sub001/internal/config"
	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// maxQueryChars bounds a submitted query after sanitization.
const maxQueryChars = 100_000

// submitBody keeps raw JSON per field so type mismatches map to their
// specific error codes instead of a generic decode failure.
type submitBody struct {
	Query     json.RawMessage `json:"query"`
	SessionID json.RawMessage `json:"sessionId"`
	Streaming json.RawMessage `json:"streaming"`
	Preset    json.RawMessage `json:"preset"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// parseSubmit validates the submit payload and builds the request. The
// request ID is minted here; it never changes downstream.
func parseSubmit(body io.Reader, userID string) (*council.UserRequest, *Error) {
	var b submitBody
	if err := json.NewDecoder(body).Decode(&b); err != nil {
		return nil, Errorf(CodeInvalidRequest, "malformed JSON body")
	}

	if !present(b.Query) {
		return nil, Errorf(CodeInvalidRequest, "query is required")
	}
	var query string
	if err := json.Unmarshal(b.Query, &query); err != nil {
		return nil, Errorf(CodeInvalidRequest, "query must be a string")
	}
	query = strings.TrimSpace(council.SanitizeQuery(query))
	if query == "" {
		return nil, Errorf(CodeEmptyQuery, "query is empty")
	}
	if council.QueryLength(query) > maxQueryChars {
		return nil, Errorf(CodeQueryTooLong, "query exceeds %d characters", maxQueryChars)
	}

	var sessionID string
	if present(b.SessionID) {
		if err := json.Unmarshal(b.SessionID, &sessionID); err != nil {
			return nil, Errorf(CodeInvalidSessionID, "sessionId must be a UUID string")
		}
		if _, err := uuid.Parse(sessionID); err != nil {
			return nil, Errorf(CodeInvalidSessionID, "sessionId is not a valid UUID")
		}
	}

	var streaming bool
	if present(b.Streaming) {
		if err := json.Unmarshal(b.Streaming, &streaming); err != nil {
			return nil, Errorf(CodeInvalidStreamingFlag, "streaming must be a boolean")
		}
	}

	var preset string
	if present(b.Preset) {
		if err := json.Unmarshal(b.Preset, &preset); err != nil {
			return nil, Errorf(CodeInvalidRequest, "preset must be a string")
		}
		// Name check runs before any store I/O.
		if preset != "" && !config.KnownPreset(preset) {
			return nil, Errorf(CodeInvalidRequest, "unknown preset %q", preset)
		}
	}

	return &council.UserRequest{
		ID:         uuid.NewString(),
		UserID:     userID,
		Query:      query,
		SessionID:  sessionID,
		PresetName: preset,
		Streaming:  streaming,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
