// Package orchestrator drives one request through dispatch, deliberation,
// synthesis and persistence. The engine performs no I/O except through its
// collaborators, owns every side effect of a run, and converts panics into
// failed records so no poller or idempotency waiter ever hangs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/internal/config"
	"github.com/alias8818/CouncilRouter-sub001/internal/council"
	"github.com/alias8818/CouncilRouter-sub001/internal/idempotency"
	"github.com/alias8818/CouncilRouter-sub001/internal/provider"
	"github.com/alias8818/CouncilRouter-sub001/internal/registry"
	"github.com/alias8818/CouncilRouter-sub001/internal/session"
	"github.com/alias8818/CouncilRouter-sub001/internal/similarity"
	"github.com/alias8818/CouncilRouter-sub001/internal/stream"
	"github.com/alias8818/CouncilRouter-sub001/internal/synthesis"
)

// settleTimeout bounds the persistence writes that terminalize a run. It is
// independent of the global orchestration deadline, which has usually been
// spent by the time settlement starts.
const settleTimeout = 10 * time.Second

// Deps wires the engine's collaborators. Pool, Configs, Registry and Hub are
// required; Sessions, Metrics and Events default to no-ops, Idempotency may
// be nil when deduplication is disabled, and a nil Env means development
// defaults.
type Deps struct {
	Pool        provider.Pool
	Configs     config.Source
	Rankings    config.RankingSource
	Registry    *registry.Store
	Sessions    session.Store
	Hub         *stream.Hub
	Metrics     MetricsSink
	Events      EventLogger
	Idempotency *idempotency.Cache
	Env         *config.Env
}

// Engine runs orchestrations. Safe for concurrent use; every Execute call is
// an independent run.
type Engine struct {
	caller   *provider.Caller
	configs  config.Source
	synth    *synthesis.Synthesizer
	advocate *synthesis.DevilsAdvocate
	registry *registry.Store
	sessions session.Store
	hub      *stream.Hub
	metrics  MetricsSink
	events   EventLogger
	idem     *idempotency.Cache
	env      *config.Env
	logger   *slog.Logger
}

// NewEngine builds an engine from its collaborators.
func NewEngine(d Deps) *Engine {
	if d.Sessions == nil {
		d.Sessions = session.Noop{}
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}
	if d.Events == nil {
		d.Events = NopEvents{}
	}
	if d.Env == nil {
		d.Env = &config.Env{NodeEnv: config.EnvDevelopment}
	}
	caller := provider.NewCaller(d.Pool)
	return &Engine{
		caller:   caller,
		configs:  d.Configs,
		synth:    synthesis.NewSynthesizer(caller, d.Rankings),
		advocate: synthesis.NewDevilsAdvocate(caller),
		registry: d.Registry,
		sessions: d.Sessions,
		hub:      d.Hub,
		metrics:  d.Metrics,
		events:   d.Events,
		idem:     d.Idempotency,
		env:      d.Env,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// Task is one orchestration job handed off by the API front.
type Task struct {
	Request *council.UserRequest
	// ScopedKey is the idempotency scope; empty when the submission carried
	// no Idempotency-Key.
	ScopedKey string
}

// Metrics aggregates one run's resource usage.
type Metrics struct {
	TotalCost        float64
	PromptTokens     int
	CompletionTokens int
	RoundsRun        int
	// Outcomes summarizes round-0 participation, in council order.
	Outcomes []council.MemberOutcome
	// TimedOut is set when the global deadline elapsed before synthesis.
	TimedOut bool
}

// Result is a successful orchestration outcome.
type Result struct {
	Decision *council.ConsensusDecision
	Thread   *council.DeliberationThread
	Bundle   *config.Bundle
	Metrics  Metrics
}

// Execute runs one orchestration to completion and settles all external side
// effects: lifecycle record, deliberation thread, idempotency record, stream
// events, session history, metrics. It is the goroutine entry point spawned
// per submission; it is detached from the HTTP request context so a client
// disconnect never cancels the run.
func (e *Engine) Execute(task Task) {
	req := task.Request
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("orchestration panic",
				"request", req.ID, "panic", r, "stack", string(debug.Stack()))
			e.settleFailure(task, start, &OrchestrationError{
				Kind: KindProcessing,
				Err:  fmt.Errorf("panic: %v", r),
			})
		}
	}()

	res, err := e.Process(context.Background(), req)
	if err != nil {
		var oerr *OrchestrationError
		if !errors.As(err, &oerr) {
			oerr = &OrchestrationError{Kind: KindProcessing, Err: err}
		}
		e.settleFailure(task, start, oerr)
		return
	}
	e.settleSuccess(task, start, res)
}

// Process drives dispatch, deliberation and synthesis for one request under
// the configured global deadline. It does not persist anything; Execute owns
// settlement so side effects happen exactly once per run.
func (e *Engine) Process(ctx context.Context, req *council.UserRequest) (*Result, error) {
	bundle, err := e.configs.Resolve(ctx, req.PresetName)
	if err != nil {
		return nil, failf(KindConfig, nil, "resolve config: %w", err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, failf(KindConfig, nil, "invalid config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, bundle.Performance.GlobalTimeout())
	defer cancel()

	messages := req.Context
	if len(messages) == 0 && req.SessionID != "" {
		history, err := e.sessions.Context(ctx, req.SessionID, council.MaxContextTokens)
		if err != nil {
			// Context is an enrichment; a session store outage must not fail
			// the request.
			e.logger.Warn("session context unavailable",
				"request", req.ID, "session", req.SessionID, "err", err)
		} else {
			messages = history
		}
	}

	var tools []council.ToolDefinition
	if e.env.EnableToolUse {
		tools = bundle.Council.Tools
	}

	e.hub.Publish(req.ID, stream.Status("processing"))

	members := bundle.Council.Members
	prompt := initialPrompt(req.Query, messages, tools)
	responses := e.fanOut(ctx, members, func(council.CouncilMember) provider.Prompt {
		return prompt
	})

	var metrics Metrics
	metrics.Outcomes = make([]council.MemberOutcome, len(responses))
	for i, r := range responses {
		metrics.Outcomes[i] = council.MemberOutcome{
			MemberID: r.MemberID, OK: r.OK, LatencyMs: r.LatencyMs, ErrorKind: r.ErrorKind,
		}
		metrics.TotalCost += r.Cost
		metrics.PromptTokens += r.PromptTokens
		metrics.CompletionTokens += r.CompletionTokens
	}

	latest := successesOf(responses)
	if len(latest) == 0 {
		return nil, failf(KindInsufficient, responses, "no council members responded")
	}
	if bundle.Council.RequireMinimumForConsensus && len(latest) < bundle.Council.MinimumSize {
		return nil, failf(KindInsufficient, responses,
			"%d of %d council members responded, minimum is %d",
			len(latest), len(members), bundle.Council.MinimumSize)
	}

	thread := &council.DeliberationThread{RequestID: req.ID}
	latest = e.deliberate(ctx, req, bundle, latest, thread, &metrics)

	metrics.TimedOut = ctx.Err() != nil

	decision, err := e.synth.Synthesize(ctx, synthesis.Input{
		Query:     req.Query,
		Responses: latest,
		Thread:    thread,
		Council:   &bundle.Council,
		Config:    bundle.Synthesis,
	})
	if err != nil {
		var cfgErr *config.ErrConfig
		if errors.As(err, &cfgErr) {
			return nil, &OrchestrationError{Kind: KindConfig, Err: err, Partial: responses}
		}
		return nil, &OrchestrationError{Kind: KindProcessing, Err: err, Partial: responses}
	}

	if e.devilsAdvocateApplies(bundle, req.Query) {
		decision = e.advocate.SynthesizeWithCritique(
			ctx, e.critiqueMember(bundle), req.Query, decision, latest)
	}

	// Partial results cap confidence: a run cut short by the global deadline
	// reports at most low, a run with failed members at most medium.
	if metrics.TimedOut {
		decision.Confidence = decision.Confidence.Floor(council.ConfidenceLow)
	} else if len(latest) < len(members) {
		decision.Confidence = decision.Confidence.Floor(council.ConfidenceMedium)
	}

	return &Result{Decision: decision, Thread: thread, Bundle: bundle, Metrics: metrics}, nil
}

// fanOut queries members in parallel under the shared deadline. Results land
// in member order; exactly one settled response exists per member whether or
// not its call succeeded.
func (e *Engine) fanOut(ctx context.Context, members []council.CouncilMember, promptFor func(council.CouncilMember) provider.Prompt) []council.InitialResponse {
	out := make([]council.InitialResponse, len(members))
	var wg sync.WaitGroup
	for i, member := range members {
		wg.Add(1)
		go func(i int, member council.CouncilMember) {
			defer wg.Done()
			// A panicking pool implementation must not take the process
			// down; it settles as a failed member call.
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("member call panic",
						"member", member.ID, "panic", r, "stack", string(debug.Stack()))
					out[i] = council.InitialResponse{
						MemberID: member.ID, ErrorKind: provider.KindUnknown,
					}
				}
			}()
			started := time.Now()
			result, err := e.caller.Call(ctx, member, promptFor(member))
			latency := time.Since(started)
			if err != nil {
				kind := provider.Classify(err)
				out[i] = council.InitialResponse{
					MemberID: member.ID, LatencyMs: latency.Milliseconds(), ErrorKind: kind,
				}
				e.metrics.LogMemberCall(member.ID, false, kind, latency, 0, 0)
				e.logger.Warn("member call failed", "member", member.ID, "kind", kind, "err", err)
				return
			}
			out[i] = council.InitialResponse{
				MemberID:         member.ID,
				Content:          result.Content,
				LatencyMs:        latency.Milliseconds(),
				Cost:             result.Cost,
				PromptTokens:     result.PromptTokens,
				CompletionTokens: result.CompletionTokens,
				OK:               true,
			}
			e.metrics.LogMemberCall(member.ID, true, "", latency,
				result.PromptTokens, result.CompletionTokens)
		}(i, member)
	}
	wg.Wait()
	return out
}

// deliberate runs revision rounds among the members that responded in round
// 0. Rounds are strictly serial; a member that fails a round keeps its
// previous answer. A round whose exchanges all agree above the early
// termination threshold is marked ConsensusReached and ends deliberation.
func (e *Engine) deliberate(ctx context.Context, req *council.UserRequest, bundle *config.Bundle, latest []council.InitialResponse, thread *council.DeliberationThread, metrics *Metrics) []council.InitialResponse {
	rounds := bundle.Deliberation.Rounds
	if rounds == 0 || len(latest) < 2 {
		return latest
	}

	participants := make([]council.CouncilMember, 0, len(latest))
	for _, r := range latest {
		if m, ok := bundle.Council.Member(r.MemberID); ok {
			participants = append(participants, m)
		}
	}

	for k := 1; k <= rounds; k++ {
		if ctx.Err() != nil {
			break
		}
		if e.budgetExceeded(bundle, metrics.TotalCost) {
			e.logger.Info("budget cap reached, ending deliberation",
				"request", req.ID, "round", k, "cost", metrics.TotalCost)
			break
		}

		snapshot := latest
		roundResponses := e.fanOut(ctx, participants, func(m council.CouncilMember) provider.Prompt {
			return deliberationPrompt(req.Query, snapshot, m.ID, bundle.Deliberation.ShowOwnResponse, k)
		})

		now := time.Now().UTC()
		round := council.DeliberationRound{Number: k, Timestamp: now}
		revised := make(map[string]string, len(roundResponses))
		for _, r := range roundResponses {
			metrics.TotalCost += r.Cost
			metrics.PromptTokens += r.PromptTokens
			metrics.CompletionTokens += r.CompletionTokens
			if !r.OK || r.Content == "" {
				continue
			}
			revised[r.MemberID] = r.Content
			round.Exchanges = append(round.Exchanges, council.Exchange{
				RequestID:   req.ID,
				RoundNumber: k,
				MemberID:    r.MemberID,
				Content:     r.Content,
				Timestamp:   now,
			})
		}

		next := make([]council.InitialResponse, len(latest))
		copy(next, latest)
		for i := range next {
			if content, ok := revised[next[i].MemberID]; ok {
				next[i].Content = content
			}
		}
		latest = next

		contents := make([]string, len(round.Exchanges))
		for i, ex := range round.Exchanges {
			contents[i] = ex.Content
		}
		round.ConsensusReached = len(round.Exchanges) >= 2 &&
			similarity.AllAbove(contents, bundle.Deliberation.EarlyTerminationThreshold)

		if err := thread.AppendRound(round); err != nil {
			e.logger.Error("dropping out-of-order deliberation round",
				"request", req.ID, "err", err)
			break
		}
		metrics.RoundsRun = k

		if round.ConsensusReached {
			break
		}
	}
	return latest
}

func (e *Engine) budgetExceeded(bundle *config.Bundle, cost float64) bool {
	return e.env.EnableBudgetCaps &&
		bundle.Performance.MaxCostPerRequest > 0 &&
		cost >= bundle.Performance.MaxCostPerRequest
}

func (e *Engine) devilsAdvocateApplies(bundle *config.Bundle, query string) bool {
	da := bundle.DevilsAdvocate
	if !e.env.EnableDevilsAdvocate || da == nil || !da.Enabled {
		return false
	}
	if looksLikeCode(query) {
		return da.ApplyToCodeRequests
	}
	return da.ApplyToTextRequests
}

// critiqueMember picks the devil's advocate voice: the configured member
// when present, else the first council member.
func (e *Engine) critiqueMember(bundle *config.Bundle) council.CouncilMember {
	if da := bundle.DevilsAdvocate; da != nil && da.CritiqueMemberID != "" {
		if m, ok := bundle.Council.Member(da.CritiqueMemberID); ok {
			return m
		}
	}
	return bundle.Council.Members[0]
}

// settleSuccess terminalizes a completed run: thread retention, lifecycle
// record, session history, idempotency result, stream events, metrics. The
// at-most-once side effects (LogCost, session append, LogConsensusDecision)
// all live here, after the registry write succeeds.
func (e *Engine) settleSuccess(task Task, start time.Time, res *Result) {
	req := task.Request
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	record := e.lifecycleRecord(ctx, req)

	if res.Bundle.Transparency.RetainDeliberation && len(res.Thread.Rounds) > 0 {
		if err := e.registry.SaveThread(ctx, res.Thread); err != nil {
			e.logger.Error("retain deliberation thread", "request", req.ID, "err", err)
		} else {
			record.DeliberationRef = req.ID
		}
	}
	record.Transparency = e.transparencyReport(res)

	if err := e.registry.MarkCompleted(ctx, record, res.Decision); err != nil {
		// Without the terminal write, pollers would see processing forever;
		// fail the run everywhere a client could be waiting.
		e.logger.Error("persist completed request", "request", req.ID, "err", err)
		e.releaseWaiters(ctx, task, "internal processing error")
		e.events.LogOrchestrationFailure(req.ID, KindProcessing, err)
		e.metrics.LogRequest(council.StatusFailed, time.Since(start))
		return
	}

	if req.SessionID != "" {
		err := e.sessions.Append(ctx, req.SessionID,
			council.ContextMessage{Role: "user", Content: req.Query},
			council.ContextMessage{Role: "assistant", Content: res.Decision.Content},
		)
		if err != nil {
			e.logger.Warn("session append failed",
				"request", req.ID, "session", req.SessionID, "err", err)
		}
	}

	if task.ScopedKey != "" && e.idem != nil {
		if err := e.idem.CacheResult(ctx, task.ScopedKey, record); err != nil {
			e.logger.Warn("cache idempotent result", "request", req.ID, "err", err)
		}
	}

	e.hub.Publish(req.ID, stream.Message(res.Decision.Content))
	e.hub.Publish(req.ID, stream.Done())

	e.metrics.LogCost(req.ID, res.Metrics.TotalCost)
	e.metrics.LogRequest(council.StatusCompleted, time.Since(start))
	e.events.LogConsensusDecision(req.ID, res.Decision)

	e.logger.Info("request completed",
		"request", req.ID,
		"confidence", res.Decision.Confidence,
		"agreement", fmt.Sprintf("%.2f", res.Decision.AgreementLevel),
		"strategy", res.Decision.SynthesisStrategy,
		"rounds", res.Metrics.RoundsRun,
		"cost", fmt.Sprintf("%.4f", res.Metrics.TotalCost),
		"duration", time.Since(start))
}

// settleFailure terminalizes a failed run and releases everyone waiting on
// it: pollers via the registry, idempotent replays via CacheError, stream
// subscribers via the terminal error event.
func (e *Engine) settleFailure(task Task, start time.Time, oerr *OrchestrationError) {
	req := task.Request
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	message := oerr.PublicMessage()

	record := e.lifecycleRecord(ctx, req)
	if err := e.registry.MarkFailed(ctx, record, CodeProcessingError, message); err != nil {
		e.logger.Error("persist failed request", "request", req.ID, "err", err)
	}
	e.releaseWaiters(ctx, task, message)

	e.events.LogOrchestrationFailure(req.ID, oerr.Kind, oerr.Err)
	e.metrics.LogRequest(council.StatusFailed, time.Since(start))

	e.logger.Error("request failed",
		"request", req.ID,
		"kind", oerr.Kind,
		"err", oerr.Err,
		"duration", time.Since(start))
}

// lifecycleRecord fetches the record the API wrote at submit, falling back
// to a fresh one so settlement still terminalizes when the fetch fails.
func (e *Engine) lifecycleRecord(ctx context.Context, req *council.UserRequest) *council.StoredRequest {
	record, err := e.registry.FetchRequest(ctx, req.ID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			e.logger.Error("fetch lifecycle record", "request", req.ID, "err", err)
		}
		record = &council.StoredRequest{
			ID:        req.ID,
			Status:    council.StatusProcessing,
			CreatedAt: req.CreatedAt,
		}
	}
	return record
}

func (e *Engine) releaseWaiters(ctx context.Context, task Task, message string) {
	req := task.Request
	if task.ScopedKey != "" && e.idem != nil {
		if err := e.idem.CacheError(ctx, task.ScopedKey, req.ID, CodeProcessingError, message); err != nil {
			e.logger.Error("cache idempotent failure", "request", req.ID, "err", err)
		}
	}
	e.hub.Fail(req.ID, message)
}

func (e *Engine) transparencyReport(res *Result) *council.TransparencyReport {
	if !e.env.EnablePerRequestTransparency || !res.Bundle.Transparency.Enabled {
		return nil
	}
	report := &council.TransparencyReport{
		RoundsRun: res.Metrics.RoundsRun,
		Strategy:  res.Decision.SynthesisStrategy,
	}
	if res.Bundle.Transparency.IncludeMemberOutcomes {
		report.MemberOutcomes = res.Metrics.Outcomes
	}
	return report
}

func successesOf(responses []council.InitialResponse) []council.InitialResponse {
	out := make([]council.InitialResponse, 0, len(responses))
	for _, r := range responses {
		if r.OK && r.Content != "" {
			out = append(out, r)
		}
	}
	return out
}
