package inference

import "sync"

// Factory builds a new Run with the given monotonic id and prompt
// fetcher. LocalRun and RemoteRun constructors are adapted to this
// shape by the caller that owns the backend client.
type Factory func(id int64, fetcher PromptFetcher) Run

// Controller enforces at most one non-cancelled run: Generate cancels
// whatever run is currently live and starts the next one immediately.
// original_source carries a commented-out debounce variant that
// instead waits for a cancelled-but-undone run's flush future before
// starting the next one; it is intentionally not implemented here —
// see DESIGN.md.
type Controller struct {
	mu      sync.Mutex
	factory Factory
	nextID  int64
	current Run
}

// NewController returns a controller that builds runs with factory.
func NewController(factory Factory) *Controller {
	return &Controller{factory: factory}
}

// Generate cancels the current run (if any) and starts a new one from
// fetcher. onStart, if non-nil, is called with the new run before
// Generate returns — the hook ChatBot uses to attach a flush
// immediately, so no word is ever decoded without a listener attached.
func (c *Controller) Generate(fetcher PromptFetcher, onStart func(Run)) Run {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Cancel()
	}
	c.nextID++
	run := c.factory(c.nextID, fetcher)
	c.current = run
	if onStart != nil {
		onStart(run)
	}
	return run
}

// Current returns the most recently started run, or nil if none has
// started yet.
func (c *Controller) Current() Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CancelCurrent cancels the current run, if any. A no-op when no run
// has started or the current run is already cancelled.
func (c *Controller) CancelCurrent() {
	c.mu.Lock()
	run := c.current
	c.mu.Unlock()
	if run != nil {
		run.Cancel()
	}
}
