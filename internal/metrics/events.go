package metrics

import (
	"log/slog"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
	"github.com/alias8818/CouncilRouter-sub001/internal/orchestrator"
)

var (
	_ orchestrator.MetricsSink = (*Sink)(nil)
	_ orchestrator.EventLogger = (*EventLog)(nil)
)

// EventLog writes decision and failure events to the structured log, one
// line per event, for downstream audit shippers to pick up.
type EventLog struct {
	logger *slog.Logger
}

// NewEventLog builds an audit logger on the process-wide slog handler.
func NewEventLog() *EventLog {
	return &EventLog{logger: slog.Default().With("component", "audit")}
}

func (e *EventLog) LogConsensusDecision(requestID string, decision *council.ConsensusDecision) {
	e.logger.Info("consensus decision",
		"request", requestID,
		"strategy", decision.SynthesisStrategy,
		"confidence", decision.Confidence,
		"agreement", decision.AgreementLevel,
		"contributors", decision.ContributingMemberIDs)
}

func (e *EventLog) LogOrchestrationFailure(requestID string, kind orchestrator.ErrorKind, err error) {
	e.logger.Error("orchestration failure",
		"request", requestID,
		"kind", kind,
		"err", err)
}
