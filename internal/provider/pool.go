// Package provider defines the boundary to LLM providers. The pool itself
// is an external collaborator; this package owns the call contract, error
// classification, retry and circuit-breaking around it.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// Error kinds, the closed classification every pool implementation maps its
// failures onto. Retry policies match against these strings.
const (
	KindTimeout         = "timeout"
	KindRateLimited     = "rate_limited"
	KindServerError     = "server_error"
	KindNetwork         = "network"
	KindUnauthorized    = "unauthorized"
	KindInvalidResponse = "invalid_response"
	KindContextOverflow = "context_overflow"
	KindCircuitOpen     = "circuit_open"
	KindUnknown         = "unknown"
)

// Prompt is the unit of work sent to one member.
type Prompt struct {
	System  string
	User    string
	Context []council.ContextMessage
	Tools   []council.ToolDefinition
}

// Result is a successful provider completion.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Model            string
}

// Pool sends one prompt to one council member. Implementations must be safe
// for concurrent use; the orchestrator calls Invoke from many goroutines.
type Pool interface {
	Invoke(ctx context.Context, member council.CouncilMember, prompt Prompt) (*Result, error)
}

// Error is a classified provider failure.
type Error struct {
	Kind     string
	MemberID string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.MemberID, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.MemberID, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified provider error.
func Errorf(kind, memberID, format string, args ...any) *Error {
	return &Error{Kind: kind, MemberID: memberID, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the error kind from a classified failure. Context
// expiry counts as a timeout; anything else is unknown.
func Classify(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}
