// Package admission decides whether an invocation may start now.
//
// Admission combines a global counting semaphore, optional per-class and
// per-tool semaphores, and a per-tool sliding-window rate limit. All state
// lives in one Controller value that is passed to the orchestrator.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
)

// Clock supplies timestamps for the rate limiter. Production uses
// time.Now, whose values carry a monotonic reading.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config configures a Controller.
type Config struct {
	// MaxConcurrent is the global cap C. Values below 1 are treated as 1.
	MaxConcurrent int
	// AcquireWait bounds how long Admit waits for a global slot. Zero
	// rejects immediately when the cap is reached.
	AcquireWait time.Duration
	// ClassLimits caps tools sharing a concurrency class.
	ClassLimits map[string]int
	Clock       Clock
}

// Controller is safe for concurrent use.
type Controller struct {
	global *gate
	wait   time.Duration
	clock  Clock

	mu      sync.Mutex
	classes map[string]*gate
	tools   map[string]*gate
	windows map[string][]time.Time

	classLimits map[string]int
	running     atomic.Int64
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Controller{
		global:      newGate(cfg.MaxConcurrent),
		wait:        cfg.AcquireWait,
		clock:       cfg.Clock,
		classes:     make(map[string]*gate),
		tools:       make(map[string]*gate),
		windows:     make(map[string][]time.Time),
		classLimits: cfg.ClassLimits,
	}
}

// Ticket is proof of admission. Release must be called exactly once when
// the invocation reaches a terminal state; extra calls are no-ops.
type Ticket struct {
	ToolID     string
	AdmittedAt time.Time

	once  sync.Once
	gates []*gate
	c     *Controller
}

// Release returns every slot held by the ticket.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		for i := len(t.gates) - 1; i >= 0; i-- {
			t.gates[i].release()
		}
		metrics.SetRunning(t.c.running.Add(-1))
	})
}

var errFull = errors.New("gate full")

// Admit runs the admission checks for def. On success the caller owns the
// returned ticket. Rate-limit timestamps are recorded only for admitted
// invocations.
func (c *Controller) Admit(ctx context.Context, def *registry.ToolDefinition) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, &faults.CancelledError{Err: err}
	}
	if def.RateLimit != nil {
		if retry, limited := c.peekRate(def); limited {
			return nil, &faults.RateLimitedError{ToolID: def.ID, RetryAfter: retry}
		}
	}

	if err := c.global.acquire(ctx, c.wait); err != nil {
		if errors.Is(err, errFull) {
			return nil, &faults.ResourceExhaustedError{Scope: "global", Limit: c.global.limit}
		}
		return nil, &faults.CancelledError{Err: err}
	}
	held := []*gate{c.global}
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].release()
		}
	}

	if g := c.classGate(def.ConcurrencyClass); g != nil {
		if !g.tryAcquire() {
			releaseHeld()
			return nil, &faults.ResourceExhaustedError{Scope: "class", Limit: g.limit}
		}
		held = append(held, g)
	}
	if g := c.toolGate(def); g != nil {
		if !g.tryAcquire() {
			releaseHeld()
			return nil, &faults.ResourceExhaustedError{Scope: "tool", Limit: g.limit}
		}
		held = append(held, g)
	}

	now := c.clock.Now()
	if def.RateLimit != nil {
		if retry, limited := c.reserveRate(def, now); limited {
			releaseHeld()
			return nil, &faults.RateLimitedError{ToolID: def.ID, RetryAfter: retry}
		}
	}

	metrics.SetRunning(c.running.Add(1))
	return &Ticket{ToolID: def.ID, AdmittedAt: now, gates: held, c: c}, nil
}

// Running reports how many invocations currently hold a global slot.
func (c *Controller) Running() int64 {
	return c.running.Load()
}

// Capacity reports the global cap.
func (c *Controller) Capacity() int {
	return c.global.limit
}

func (c *Controller) classGate(class string) *gate {
	if class == "" {
		return nil
	}
	limit, ok := c.classLimits[class]
	if !ok || limit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.classes[class]
	if !ok {
		g = newGate(limit)
		c.classes[class] = g
	}
	return g
}

// toolGate returns the per-tool gate. A reload that changes the cap gets a
// fresh gate; tickets holding the old one still release into it.
func (c *Controller) toolGate(def *registry.ToolDefinition) *gate {
	if def.MaxConcurrent <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.tools[def.ID]
	if !ok || g.limit != def.MaxConcurrent {
		g = newGate(def.MaxConcurrent)
		c.tools[def.ID] = g
	}
	return g
}

// peekRate reports whether the window is already full without recording.
func (c *Controller) peekRate(def *registry.ToolDefinition) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	stamps := c.evict(def, now)
	if len(stamps) >= def.RateLimit.MaxCalls {
		return retryAfter(stamps[0], def.RateLimit.Window(), now), true
	}
	return 0, false
}

// reserveRate evicts, checks and records in one critical section.
func (c *Controller) reserveRate(def *registry.ToolDefinition, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamps := c.evict(def, now)
	if len(stamps) >= def.RateLimit.MaxCalls {
		return retryAfter(stamps[0], def.RateLimit.Window(), now), true
	}
	c.windows[def.ID] = append(stamps, now)
	return 0, false
}

// evict drops timestamps that have aged out of the window. Caller holds mu.
func (c *Controller) evict(def *registry.ToolDefinition, now time.Time) []time.Time {
	window := def.RateLimit.Window()
	stamps := c.windows[def.ID]
	i := 0
	for i < len(stamps) && now.Sub(stamps[i]) >= window {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
		c.windows[def.ID] = stamps
	}
	return stamps
}

func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// gate is a counting semaphore.
type gate struct {
	slots chan struct{}
	limit int
}

func newGate(limit int) *gate {
	return &gate{slots: make(chan struct{}, limit), limit: limit}
}

func (g *gate) tryAcquire() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *gate) acquire(ctx context.Context, wait time.Duration) error {
	if g.tryAcquire() {
		return nil
	}
	if wait <= 0 {
		return errFull
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return errFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) release() {
	select {
	case <-g.slots:
	default:
	}
}
