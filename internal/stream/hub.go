package stream

import (
	"log/slog"
	"sync"
	"time"
)

// Default lifecycle knobs. NewHub callers usually pass values from the file
// config; zero values fall back to these.
const (
	DefaultConnectionTTL = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	// connBuffer bounds undelivered events per connection. A consumer that
	// falls this far behind is treated as stalled and dropped.
	connBuffer = 64
)

// Conn is one subscriber connection. The hub owns it: events arrive on the
// channel in publication order, and the done channel closes exactly once when
// the hub drops the connection (terminal event, TTL sweep, or shutdown).
type Conn struct {
	requestID string
	createdAt time.Time

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// Events is the ordered event feed for this connection.
func (c *Conn) Events() <-chan Event { return c.events }

// Done closes when the hub has dropped the connection. Buffered events may
// still be pending on Events after Done closes; writers drain them.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RequestID returns the request this connection watches.
func (c *Conn) RequestID() string { return c.requestID }

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue delivers without blocking. False means the buffer is full.
func (c *Conn) enqueue(e Event) bool {
	select {
	case c.events <- e:
		return true
	default:
		return false
	}
}

// Hub is the SSE broadcast registry: per request, an ordered sequence of
// connections guarded by one mutex. Terminal events close and drop every
// sink for the request; a sweeper force-closes connections older than the
// TTL; Shutdown broadcasts a terminal error and drains everything.
type Hub struct {
	mu    sync.Mutex
	conns map[string][]*Conn

	ttl       time.Duration
	sweepTick time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewHub builds a hub and starts its sweeper. Zero durations use the
// defaults (30 minute TTL, 5 minute sweep).
func NewHub(ttl, sweepInterval time.Duration) *Hub {
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	h := &Hub{
		conns:     make(map[string][]*Conn),
		ttl:       ttl,
		sweepTick: sweepInterval,
		stop:      make(chan struct{}),
		logger:    slog.Default().With("component", "stream-hub"),
	}
	go h.sweepLoop()
	return h
}

// Attach subscribes a new connection to a request's events.
func (h *Hub) Attach(requestID string) *Conn {
	c := &Conn{
		requestID: requestID,
		createdAt: time.Now(),
		events:    make(chan Event, connBuffer),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[requestID] = append(h.conns[requestID], c)
	h.mu.Unlock()
	return c
}

// Detach removes a single connection, typically on client disconnect. The
// orchestration and any other connections are unaffected. When the request's
// sequence empties, its entry is removed from the hub.
func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
	c.close()
}

// Publish delivers an event, in order, to every connection watching the
// request. A terminal event (done or error) additionally closes and drops
// all of the request's connections. A connection whose buffer is full is
// stalled and dropped rather than blocking or reordering delivery.
func (h *Hub) Publish(requestID string, e Event) {
	var closed []*Conn

	h.mu.Lock()
	seq := h.conns[requestID]
	if len(seq) == 0 {
		h.mu.Unlock()
		return
	}
	if e.Terminal() {
		for _, c := range seq {
			c.enqueue(e)
			closed = append(closed, c)
		}
		delete(h.conns, requestID)
	} else {
		kept := seq[:0]
		for _, c := range seq {
			if c.enqueue(e) {
				kept = append(kept, c)
				continue
			}
			h.logger.Warn("dropping stalled stream connection", "request", requestID)
			closed = append(closed, c)
		}
		if len(kept) == 0 {
			delete(h.conns, requestID)
		} else {
			h.conns[requestID] = kept
		}
	}
	h.mu.Unlock()

	for _, c := range closed {
		c.close()
	}
}

// Fail publishes the terminal error event for a request.
func (h *Hub) Fail(requestID, reason string) {
	h.Publish(requestID, Failure(reason))
}

// ConnectionCount returns the number of live connections across requests.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, seq := range h.conns {
		n += len(seq)
	}
	return n
}

// RequestCount returns how many requests currently have subscribers.
func (h *Hub) RequestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown broadcasts a terminal error to every connection, drops them all,
// and stops the sweeper. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stop)

		var closed []*Conn
		h.mu.Lock()
		for id, seq := range h.conns {
			for _, c := range seq {
				c.enqueue(Failure("Server shutting down"))
				closed = append(closed, c)
			}
			delete(h.conns, id)
		}
		h.mu.Unlock()

		for _, c := range closed {
			c.close()
		}
	})
}

// sweepLoop periodically force-closes connections older than the TTL.
func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(h.sweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweepExpired(time.Now())
		}
	}
}

func (h *Hub) sweepExpired(now time.Time) {
	var closed []*Conn

	h.mu.Lock()
	for id, seq := range h.conns {
		kept := seq[:0]
		for _, c := range seq {
			if now.Sub(c.createdAt) > h.ttl {
				closed = append(closed, c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(h.conns, id)
		} else {
			h.conns[id] = kept
		}
	}
	h.mu.Unlock()

	if len(closed) > 0 {
		h.logger.Info("swept expired stream connections", "count", len(closed))
	}
	for _, c := range closed {
		c.close()
	}
}

// removeLocked unlinks a connection from its request sequence. Callers hold
// h.mu.
func (h *Hub) removeLocked(c *Conn) {
	seq := h.conns[c.requestID]
	for i, existing := range seq {
		if existing == c {
			seq = append(seq[:i], seq[i+1:]...)
			break
		}
	}
	if len(seq) == 0 {
		delete(h.conns, c.requestID)
	} else {
		h.conns[c.requestID] = seq
	}
}
