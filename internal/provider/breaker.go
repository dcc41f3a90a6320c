package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// BreakerState is the circuit state for one member.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, calls rejected
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes one member's circuit.
type BreakerConfig struct {
	// MaxProbes is the number of requests allowed through in half-open
	// state before the circuit decides.
	MaxProbes uint32
	// Interval clears closed-state counts cyclically. Zero disables the
	// cycle.
	Interval time.Duration
	// Cooldown is how long an open circuit waits before probing.
	Cooldown time.Duration
	// TripAfter decides when a closed circuit opens.
	TripAfter func(counts BreakerCounts) bool
}

// DefaultBreakerConfig trips on three consecutive failures and probes after
// a 30 second cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxProbes: 2,
		Interval:  60 * time.Second,
		Cooldown:  30 * time.Second,
		TripAfter: func(c BreakerCounts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

// BreakerCounts tracks request outcomes within one generation.
type BreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *BreakerCounts) clear() { *c = BreakerCounts{} }

func (c *BreakerCounts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *BreakerCounts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// memberBreaker is the circuit for a single council member. Generations
// detect stale results: an outcome recorded against an old generation is
// ignored.
type memberBreaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     BreakerCounts
	expiry     time.Time
}

func newMemberBreaker(cfg BreakerConfig) *memberBreaker {
	return &memberBreaker{cfg: cfg, state: BreakerClosed}
}

func (b *memberBreaker) allow() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == BreakerOpen {
		return generation, false
	}
	if state == BreakerHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, false
	}
	b.counts.Requests++
	return generation, true
}

func (b *memberBreaker) record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		switch state {
		case BreakerClosed:
			b.counts.onSuccess()
		case BreakerHalfOpen:
			b.counts.onSuccess()
			if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
				b.setState(BreakerClosed, now)
			}
		}
		return
	}

	switch state {
	case BreakerClosed:
		b.counts.onFailure()
		if b.cfg.TripAfter(b.counts) {
			b.setState(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen, now)
	}
}

func (b *memberBreaker) snapshot() (BreakerState, BreakerCounts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state, b.counts
}

func (b *memberBreaker) currentState(now time.Time) (BreakerState, uint64) {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			b.setState(BreakerHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *memberBreaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	b.state = state
	b.newGeneration(now)
}

func (b *memberBreaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case BreakerClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case BreakerOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// BreakerPool wraps a Pool with one circuit per member. A call against an
// open circuit fails immediately with a circuit_open error, which no retry
// policy should list as retryable.
type BreakerPool struct {
	inner  Pool
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*memberBreaker
}

// NewBreakerPool wraps a pool with per-member circuit breakers.
func NewBreakerPool(inner Pool, cfg BreakerConfig) *BreakerPool {
	if cfg.TripAfter == nil {
		cfg = DefaultBreakerConfig()
	}
	return &BreakerPool{
		inner:    inner,
		cfg:      cfg,
		logger:   slog.Default().With("component", "breaker-pool"),
		breakers: make(map[string]*memberBreaker),
	}
}

// Invoke passes through to the inner pool when the member's circuit allows.
func (p *BreakerPool) Invoke(ctx context.Context, member council.CouncilMember, prompt Prompt) (*Result, error) {
	breaker := p.breaker(member.ID)

	generation, ok := breaker.allow()
	if !ok {
		return nil, Errorf(KindCircuitOpen, member.ID, "circuit open, call rejected")
	}

	result, err := p.inner.Invoke(ctx, member, prompt)
	breaker.record(generation, err == nil)
	if err != nil {
		if state, _ := breaker.snapshot(); state == BreakerOpen {
			p.logger.Warn("member circuit opened", "member", member.ID)
		}
		return nil, err
	}
	return result, nil
}

// States returns the current state per member, for the admin surface.
func (p *BreakerPool) States() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.breakers))
	for id, b := range p.breakers {
		state, _ := b.snapshot()
		out[id] = state.String()
	}
	return out
}

func (p *BreakerPool) breaker(memberID string) *memberBreaker {
	p.mu.RLock()
	b, ok := p.breakers[memberID]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Double-check after acquiring the write lock.
	if b, ok = p.breakers[memberID]; ok {
		return b
	}
	b = newMemberBreaker(p.cfg)
	p.breakers[memberID] = b
	return b
}
