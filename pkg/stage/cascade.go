package stage

import (
	"sync"
	"time"
)

// Cascade is a Stage that propagates start/interrupt/end across a
// pipeline: each stage in a chain binds the next stage's handlers onto
// its own bus (via ReadFrom/WriteTo), so firing interrupt at the head
// of a chain reaches every downstream stage in wiring order, each
// clearing its own backlog before re-firing for the next link.
type Cascade struct {
	*Stage

	mu          sync.Mutex
	interrupted bool
	startedAt   time.Time
}

// NewCascade returns a cascade stage whose own start/interrupt/end
// handlers are declared for binding onto an upstream bus.
func NewCascade() *Cascade {
	c := &Cascade{}
	c.Stage = NewStage(nil)
	c.declared = map[string]Handler{
		"start":     func(args ...any) { c.HandleStart() },
		"interrupt": func(args ...any) { c.HandleInterrupt() },
		"end":       func(args ...any) { c.HandleEnd() },
	}
	return c
}

// Interrupted reports whether this stage is currently in an
// interrupted state (set by HandleInterrupt, cleared by HandleStart).
func (c *Cascade) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// StartedAt returns the time HandleStart last ran.
func (c *Cascade) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// HandleStart clears the interrupted flag and re-fires "start" on this
// stage's own bus, continuing the cascade downstream. Call directly to
// originate a cascade (e.g. a generation run's on-start callback).
func (c *Cascade) HandleStart() {
	c.mu.Lock()
	c.interrupted = false
	c.startedAt = time.Now()
	c.mu.Unlock()
	c.bus.Trigger("start")
}

// HandleInterrupt sets the interrupted flag, clears this stage's own
// backlog under the same lock that guards the flag — so a frame
// committed concurrently either lands before the flag flips and is
// discarded by Clear, or lands after and is visible to the next
// consumer — then re-fires "interrupt" downstream.
func (c *Cascade) HandleInterrupt() {
	c.mu.Lock()
	c.interrupted = true
	c.queue.Clear()
	c.mu.Unlock()
	c.bus.Trigger("interrupt")
}

// HandleEnd re-fires "end" on this stage's own bus, continuing the
// cascade downstream.
func (c *Cascade) HandleEnd() {
	c.bus.Trigger("end")
}
