// Package council defines the core domain model: user requests, council
// members, deliberation records, and consensus decisions. Types here are
// plain data carriers; behavior lives in the orchestrator and synthesis
// packages.
package council

import (
	"fmt"
	"time"
)

// MaxQueryChars is the upper bound on a sanitized query, in runes.
const MaxQueryChars = 100_000

// MaxContextTokens bounds the conversation context attached to a request.
const MaxContextTokens = 4000

// ContextMessage is one message of prior conversation context.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens,omitempty"`
}

// EstimateTokens returns the message's token count, falling back to a
// 4-chars-per-token estimate when the store did not record one.
func (m ContextMessage) EstimateTokens() int {
	if m.Tokens > 0 {
		return m.Tokens
	}
	return (len(m.Content) + 3) / 4
}

// UserRequest is a validated, sanitized submission. The ID never changes
// after construction.
type UserRequest struct {
	ID         string           `json:"id"`
	UserID     string           `json:"userId"`
	Query      string           `json:"query"`
	SessionID  string           `json:"sessionId,omitempty"`
	Context    []ContextMessage `json:"context,omitempty"`
	PresetName string           `json:"presetName,omitempty"`
	Streaming  bool             `json:"streaming"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// RetryPolicy controls retries for a single member call. Retries restart the
// member's timeout clock; they never extend the global deadline.
type RetryPolicy struct {
	MaxAttempts         int      `json:"maxAttempts"`
	InitialDelayMs      int      `json:"initialDelayMs"`
	MaxDelayMs          int      `json:"maxDelayMs"`
	BackoffMultiplier   float64  `json:"backoffMultiplier"`
	RetryableErrorKinds []string `json:"retryableErrorKinds"`
}

// Validate checks the policy's internal consistency.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: maxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelayMs <= 0 {
		return fmt.Errorf("retry policy: initialDelayMs must be > 0, got %d", p.InitialDelayMs)
	}
	if p.MaxDelayMs < p.InitialDelayMs {
		return fmt.Errorf("retry policy: maxDelayMs %d < initialDelayMs %d", p.MaxDelayMs, p.InitialDelayMs)
	}
	if p.BackoffMultiplier <= 0 {
		return fmt.Errorf("retry policy: backoffMultiplier must be > 0, got %g", p.BackoffMultiplier)
	}
	return nil
}

// Retryable reports whether the policy retries the given error kind.
func (p RetryPolicy) Retryable(kind string) bool {
	for _, k := range p.RetryableErrorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultRetryPolicy is applied to members that do not configure their own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialDelayMs:      500,
		MaxDelayMs:          8000,
		BackoffMultiplier:   2.0,
		RetryableErrorKinds: []string{"timeout", "rate_limited", "server_error", "network"},
	}
}

// CouncilMember is one provider+model pair queried during a round.
type CouncilMember struct {
	ID          string      `json:"id"`
	ProviderTag string      `json:"providerTag"`
	ModelName   string      `json:"modelName"`
	TimeoutSec  int         `json:"timeoutSec"`
	Retry       RetryPolicy `json:"retryPolicy"`
	Weight      float64     `json:"weight,omitempty"`
}

// Timeout returns the member's per-call deadline.
func (m CouncilMember) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// Validate checks a single member definition.
func (m CouncilMember) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("member: id is required")
	}
	if m.ProviderTag == "" || m.ModelName == "" {
		return fmt.Errorf("member %s: providerTag and modelName are required", m.ID)
	}
	if m.TimeoutSec <= 0 {
		return fmt.Errorf("member %s: timeoutSec must be > 0, got %d", m.ID, m.TimeoutSec)
	}
	if m.Weight < 0 {
		return fmt.Errorf("member %s: weight must be >= 0, got %g", m.ID, m.Weight)
	}
	return m.Retry.Validate()
}

// ToolDefinition is passed through to providers verbatim when tool use is
// enabled. The proxy never executes tools itself.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  string `json:"parameters,omitempty"`
}

// InitialResponse is the settled outcome of one member's attempt in one
// round. Exactly one exists per attempted member per round, whether or not
// the call succeeded.
type InitialResponse struct {
	MemberID         string  `json:"memberId"`
	Content          string  `json:"content"`
	LatencyMs        int64   `json:"latencyMs"`
	Cost             float64 `json:"cost"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	OK               bool    `json:"ok"`
	ErrorKind        string  `json:"errorKind,omitempty"`
}

// Exchange is one member's contribution to a deliberation round.
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

// DeliberationThread is the ordered, gap-free record of all rounds run for
// one request.
type DeliberationThread struct {
	RequestID string              `json:"requestId"`
	Rounds    []DeliberationRound `json:"rounds"`
}

// AppendRound adds a round, enforcing that round numbers are contiguous and
// start at 1.
func (t *DeliberationThread) AppendRound(r DeliberationRound) error {
	want := len(t.Rounds) + 1
	if r.Number != want {
		return fmt.Errorf("deliberation thread %s: round %d out of order, want %d", t.RequestID, r.Number, want)
	}
	t.Rounds = append(t.Rounds, r)
	return nil
}

// Confidence is the coarse confidence grade attached to a decision.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceFromAgreement grades an agreement level: below 0.6 is low,
// up to 0.85 is medium, above is high.
func ConfidenceFromAgreement(level float64) Confidence {
	switch {
	case level < 0.6:
		return ConfidenceLow
	case level <= 0.85:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

// Floor returns the weaker of c and other.
func (c Confidence) Floor(other Confidence) Confidence {
	if c.rank() <= other.rank() {
		return c
	}
	return other
}

func (c Confidence) rank() int {
	switch c {
	case ConfidenceLow:
		return 0
	case ConfidenceMedium:
		return 1
	case ConfidenceHigh:
		return 2
	default:
		return 0
	}
}

// ConsensusDecision is the single answer returned to the user, with
// confidence and provenance.
type ConsensusDecision struct {
	Content               string     `json:"content"`
	Confidence            Confidence `json:"confidence"`
	AgreementLevel        float64    `json:"agreementLevel"`
	SynthesisStrategy     string     `json:"synthesisStrategy"`
	ContributingMemberIDs []string   `json:"contributingMemberIds"`
	Timestamp             time.Time  `json:"timestamp"`
}

// Validate enforces the decision postconditions shared by every synthesis
// strategy.
func (d *ConsensusDecision) Validate() error {
	if d.Content == "" {
		return fmt.Errorf("consensus decision: content is empty")
	}
	if len(d.ContributingMemberIDs) == 0 {
		return fmt.Errorf("consensus decision: no contributing members")
	}
	if d.AgreementLevel < 0 || d.AgreementLevel > 1 {
		return fmt.Errorf("consensus decision: agreement level %g out of [0,1]", d.AgreementLevel)
	}
	if d.SynthesisStrategy == "" {
		return fmt.Errorf("consensus decision: synthesis strategy not recorded")
	}
	return nil
}

// RequestStatus is the lifecycle state of a stored request.
type RequestStatus string

const (
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RequestError is the failure recorded on a failed request.
type RequestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransparencyReport is optional per-request provenance attached to a
// stored request when transparency is enabled.
type TransparencyReport struct {
	MemberOutcomes []MemberOutcome `json:"memberOutcomes"`
	RoundsRun      int             `json:"roundsRun"`
	Strategy       string          `json:"strategy"`
}

// MemberOutcome summarizes one member's participation.
type MemberOutcome struct {
	MemberID  string `json:"memberId"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// StoredRequest is the durable lifecycle record for one request. Status
// moves processing -> completed or processing -> failed and never leaves a
// terminal state.
type StoredRequest struct {
	ID              string              `json:"id"`
	Status          RequestStatus       `json:"status"`
	Decision        *ConsensusDecision  `json:"decision,omitempty"`
	Error           *RequestError       `json:"error,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	DeliberationRef string              `json:"deliberationRef,omitempty"`
	Transparency    *TransparencyReport `json:"transparency,omitempty"`
}

// IdempotencyState is the lifecycle of an idempotency record.
type IdempotencyState string

const (
	IdemInProgress IdempotencyState = "in-progress"
	IdemCompleted  IdempotencyState = "completed"
	IdemFailed     IdempotencyState = "failed"
)

// IdempotencyRecord deduplicates repeated submissions under one scoped key.
type IdempotencyRecord struct {
	ScopedKey    string           `json:"scopedKey"`
	State        IdempotencyState `json:"state"`
	RequestID    string           `json:"requestId"`
	Result       *StoredRequest   `json:"result,omitempty"`
	ErrorCode    string           `json:"errorCode,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	ExpiresAt    time.Time        `json:"expiresAt"`
}
