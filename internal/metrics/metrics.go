// Package metrics ships orchestration measurements to Prometheus and audit
// events to the structured log.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// Sink holds all Prometheus metrics for the council proxy.
type Sink struct {
	// Request lifecycle
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Provider calls
	MemberCalls   *prometheus.CounterVec
	MemberLatency *prometheus.HistogramVec

	// Spend
	CostTotal   prometheus.Counter
	TokensTotal *prometheus.CounterVec

	reg prometheus.Registerer
}

// NewSink creates and registers all council metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewSink(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_requests_total",
				Help: "Total orchestrated requests by terminal status",
			},
			[]string{"status"}, // status: completed, failed
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "council_request_duration_seconds",
				Help:    "End-to-end orchestration duration",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		MemberCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_member_calls_total",
				Help: "Provider calls by council member and outcome",
			},
			[]string{"member", "outcome"}, // outcome: ok or the error kind
		),

		MemberLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "council_member_call_duration_seconds",
				Help:    "Latency of individual provider calls",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90},
			},
			[]string{"member"},
		),

		CostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "council_cost_usd_total",
				Help: "Accumulated provider cost across completed requests",
			},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_tokens_total",
				Help: "Tokens exchanged with providers",
			},
			[]string{"direction"}, // direction: prompt, completion
		),

		reg: reg,
	}
}

// LogCost records one completed request's provider spend.
func (s *Sink) LogCost(_ string, cost float64) {
	s.CostTotal.Add(cost)
}

// LogMemberCall records one settled provider call.
func (s *Sink) LogMemberCall(memberID string, ok bool, errorKind string, latency time.Duration, promptTokens, completionTokens int) {
	outcome := "ok"
	if !ok {
		outcome = errorKind
		if outcome == "" {
			outcome = "unknown"
		}
	}
	s.MemberCalls.WithLabelValues(memberID, outcome).Inc()
	s.MemberLatency.WithLabelValues(memberID).Observe(latency.Seconds())

	if promptTokens > 0 {
		s.TokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		s.TokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// LogRequest records a finished orchestration with its terminal status.
func (s *Sink) LogRequest(status council.RequestStatus, duration time.Duration) {
	s.RequestTotal.WithLabelValues(string(status)).Inc()
	s.RequestDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// TrackStreams registers a gauge over the live SSE connection count. The
// count function is called at scrape time and must be safe for concurrent
// use; the stream hub's ConnectionCount qualifies.
func (s *Sink) TrackStreams(count func() int) {
	promauto.With(s.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "council_stream_connections",
			Help: "Live SSE connections across all requests",
		},
		func() float64 { return float64(count()) },
	)
}
