package orchestrator

import (
	"time"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// MetricsSink receives measurements from the engine. Implementations must be
// safe for concurrent use: member calls are reported from fan-out goroutines.
type MetricsSink interface {
	// LogCost records the total provider cost of one completed request.
	// Called exactly once per completed request.
	LogCost(requestID string, cost float64)
	// LogMemberCall records one settled provider call.
	LogMemberCall(memberID string, ok bool, errorKind string, latency time.Duration, promptTokens, completionTokens int)
	// LogRequest records a finished orchestration with its terminal status.
	LogRequest(status council.RequestStatus, duration time.Duration)
}

// EventLogger receives lifecycle events for audit sinks.
type EventLogger interface {
	// LogConsensusDecision is called exactly once per completed request.
	LogConsensusDecision(requestID string, decision *council.ConsensusDecision)
	LogOrchestrationFailure(requestID string, kind ErrorKind, err error)
}

// NopMetrics discards all measurements. It stands in when metrics tracking
// is disabled.
type NopMetrics struct{}

func (NopMetrics) LogCost(string, float64)                                     {}
func (NopMetrics) LogMemberCall(string, bool, string, time.Duration, int, int) {}
func (NopMetrics) LogRequest(council.RequestStatus, time.Duration)             {}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) LogConsensusDecision(string, *council.ConsensusDecision) {}
func (NopEvents) LogOrchestrationFailure(string, ErrorKind, error)        {}
