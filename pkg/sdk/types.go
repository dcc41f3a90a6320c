package sdk

import (
	"fmt"
	"time"
)

// Request statuses reported by the API.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Confidence grades attached to a consensus decision.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// SubmitRequest is the body of a council submission.
type SubmitRequest struct {
	// Query is the question put to the council (required).
	Query string `json:"query"`

	// SessionID links this request to prior conversation context.
	SessionID string `json:"sessionId,omitempty"`

	// Preset names a council adjustment: "balanced", "fast", "thorough",
	// "code-review" or "weighted".
	Preset string `json:"preset,omitempty"`

	// Streaming records delivery intent on the stored request.
	Streaming bool `json:"streaming,omitempty"`
}

// Accepted acknowledges a submission. FromCache marks an idempotent
// duplicate that did not start new work.
type Accepted struct {
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	FromCache bool      `json:"fromCache,omitempty"`
}

// ConsensusDecision is the synthesized council answer.
type ConsensusDecision struct {
	Content               string    `json:"content"`
	Confidence            string    `json:"confidence"`
	AgreementLevel        float64   `json:"agreementLevel"`
	SynthesisStrategy     string    `json:"synthesisStrategy"`
	ContributingMemberIDs []string  `json:"contributingMemberIds"`
	Timestamp             time.Time `json:"timestamp"`
}

// RequestError is the failure recorded on a failed request.
type RequestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MemberOutcome summarizes one member's participation in a request.
type MemberOutcome struct {
	MemberID  string `json:"memberId"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// TransparencyReport is per-request provenance, present when the server
// retains it.
type TransparencyReport struct {
	MemberOutcomes []MemberOutcome `json:"memberOutcomes"`
	RoundsRun      int             `json:"roundsRun"`
	Strategy       string          `json:"strategy"`
}

// Result is the poll shape of a request. Decision and CompletedAt appear
// once the request settles.
type Result struct {
	RequestID         string              `json:"requestId"`
	Status            string              `json:"status"`
	ConsensusDecision *ConsensusDecision  `json:"consensusDecision,omitempty"`
	Error             *RequestError       `json:"error,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
	Transparency      *TransparencyReport `json:"transparency,omitempty"`
	FromCache         bool                `json:"fromCache,omitempty"`
}

// Terminal reports whether the request has settled.
func (r *Result) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Exchange is one member's contribution in a deliberation round.
type Exchange struct {
	RequestID      string    `json:"requestId"`
	RoundNumber    int       `json:"roundNumber"`
	MemberID       string    `json:"memberId"`
	Content        string    `json:"content"`
	TargetMemberID string    `json:"targetMemberId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DeliberationRound groups the exchanges of one deliberation pass.
type DeliberationRound struct {
	Number           int        `json:"number"`
	Exchanges        []Exchange `json:"exchanges"`
	ConsensusReached bool       `json:"consensusReached"`
	Timestamp        time.Time  `json:"timestamp"`
}

// DeliberationThread is the retained round-by-round record of a request.
type DeliberationThread struct {
	RequestID string              `json:"requestId"`
	Rounds    []DeliberationRound `json:"rounds"`
}

// Preset describes one selectable council adjustment.
type Preset struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MemberIDs   []string `json:"memberIds,omitempty"`
	Rounds      int      `json:"rounds"`
	Strategy    string   `json:"strategy,omitempty"`
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	// HTTPStatus is the response status the envelope arrived with.
	HTTPStatus int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("council API %d %s: %s", e.HTTPStatus, e.Code, e.Message)
}

// StreamEvent is one server-sent event from a request stream.
type StreamEvent struct {
	// Name is one of "init", "status", "message", "error" or "done".
	Name string

	// Data is the raw JSON payload of the event.
	Data []byte
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Name == "error" || e.Name == "done"
}
