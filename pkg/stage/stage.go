package stage

// Source is the pull side of stage composition: anything a stage can
// read frames from. *Queue and *Stage both satisfy it.
type Source interface {
	Next() (Frame, bool)
}

// Sink is the push side of stage composition: anything a stage can
// deliver frames to.
type Sink interface {
	Commit(Frame)
}

// EventDriven is implemented by a Source that exposes its own bus, so a
// reader can bind handlers to it.
type EventDriven interface {
	Events() *EventBus
}

// Stage is the base pipeline unit: an unbounded input Queue plus an
// advisory EventBus. Concrete stages embed *Stage and override the
// frame-processing callback passed to ReadFrom.
type Stage struct {
	queue    *Queue
	bus      *EventBus
	declared map[string]Handler
}

// NewStage returns a stage with an empty queue and bus. declared is
// this stage's own event handler set, bound onto an upstream bus
// whenever this stage reads from (or writes to) an event-driven peer;
// it may be nil for stages that don't participate in the cascade.
func NewStage(declared map[string]Handler) *Stage {
	return &Stage{queue: NewQueue(), bus: NewEventBus(), declared: declared}
}

// Commit enqueues frame onto this stage's input queue.
func (s *Stage) Commit(frame Frame) { s.queue.Commit(frame) }

// Close closes this stage's input queue.
func (s *Stage) Close() { s.queue.Close() }

// Clear discards this stage's queued backlog.
func (s *Stage) Clear() { s.queue.Clear() }

// Next dequeues the next frame from this stage's input queue.
func (s *Stage) Next() (Frame, bool) { return s.queue.Next() }

// Queue exposes the underlying queue, for callers (e.g. Cascade) that
// need direct access alongside Stage's embedding.
func (s *Stage) Queue() *Queue { return s.queue }

// Events returns this stage's own event bus.
func (s *Stage) Events() *EventBus { return s.bus }

// EventHandlers returns this stage's declared handlers, satisfying the
// EventHandlers interface used by ReadFrom/WriteTo to wire the cascade.
func (s *Stage) EventHandlers() map[string]Handler { return s.declared }

// ReadFrom spawns a goroutine that pulls frames from source until
// source ends, invoking onFrame for each. If source is event-driven,
// this stage's declared handlers are bound onto source's bus so that
// cascade events (start/interrupt/end) raised upstream reach this
// stage. ReadFrom returns immediately; the goroutine exits when source
// is exhausted.
func (s *Stage) ReadFrom(source Source, onFrame func(Frame)) {
	go func() {
		for {
			frame, ok := source.Next()
			if !ok {
				return
			}
			onFrame(frame)
		}
	}()
	if driven, ok := source.(EventDriven); ok && s.declared != nil {
		for event, handler := range s.declared {
			driven.Events().On(event, handler)
		}
	}
}

// WriteTo spawns a goroutine that pulls frames from this stage's own
// queue and commits each to sink, until this stage closes. If this
// stage is event-driven (it always is, via Stage.Events), sink's
// declared handlers — when it implements EventHandlers — are bound
// onto this stage's bus, so events this stage triggers reach sink.
// WriteTo returns immediately.
func (s *Stage) WriteTo(sink Sink) {
	go func() {
		for {
			frame, ok := s.queue.Next()
			if !ok {
				return
			}
			sink.Commit(frame)
		}
	}()
	if declarer, ok := sink.(EventHandlers); ok {
		for event, handler := range declarer.EventHandlers() {
			s.bus.On(event, handler)
		}
	}
}
