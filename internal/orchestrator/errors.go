package orchestrator

import (
	"fmt"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// ErrorKind classifies why an orchestration run failed.
type ErrorKind string

const (
	// KindConfig marks structurally invalid or unresolvable configuration,
	// including unknown presets and bad synthesis parameters.
	KindConfig ErrorKind = "config_error"
	// KindInsufficient marks a run where too few members responded to meet
	// the council's quorum.
	KindInsufficient ErrorKind = "insufficient_council"
	// KindProcessing marks everything else: synthesis failures, persistence
	// trouble, panics.
	KindProcessing ErrorKind = "processing_error"
)

// CodeProcessingError is the error code stored on failed lifecycle records
// and surfaced to pollers. It belongs to the API's closed error enum.
const CodeProcessingError = "PROCESSING_ERROR"

// OrchestrationError is the failure of one orchestration run. Partial holds
// whatever round-0 responses were settled when the run failed.
type OrchestrationError struct {
	Kind    ErrorKind
	Err     error
	Partial []council.InitialResponse
}

func (e *OrchestrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestration %s: %v", e.Kind, e.Err)
	}
	return "orchestration " + string(e.Kind)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// PublicMessage is the failure reason stored on the request and shown to
// clients. Config and quorum failures carry their detail; processing
// failures stay generic so internals never reach a client.
func (e *OrchestrationError) PublicMessage() string {
	switch e.Kind {
	case KindConfig, KindInsufficient:
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return "internal processing error"
}

func failf(kind ErrorKind, partial []council.InitialResponse, format string, args ...any) *OrchestrationError {
	return &OrchestrationError{Kind: kind, Err: fmt.Errorf(format, args...), Partial: partial}
}
