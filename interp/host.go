package interp

import (
	"context"
	"fmt"

	"github.com/nullstate/scxml"
	"github.com/nullstate/scxml/scheduler"
)

// Host implements §6's Host API: the synchronous, host-facing surface a
// CLI or test-runner front end drives a set of sessions through. Every
// method enqueues work and returns; none wait for the interpreter's own
// goroutine to process it (§6: "All are synchronous from the caller's
// perspective; they enqueue work and return").
type Host struct {
	registry  *Registry
	scheduler *scheduler.Scheduler
	stopSched context.CancelFunc
}

// NewHost constructs a Host sharing registry with any sessions started
// outside of it (e.g. invoked children use the same Registry). It owns a
// single process-wide Scheduler (§2 component 5, §5 "the Scheduler is a
// single component shared across sessions") and starts its delivery loop
// immediately, so every session created through this Host gets working
// <send delay="..."> / <cancel> semantics without the caller having to
// wire a Scheduler by hand.
func NewHost(registry *Registry) *Host {
	if registry == nil {
		registry = NewRegistry()
	}
	sched := scheduler.New(scheduler.RealClock{})
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	return &Host{registry: registry, scheduler: sched, stopSched: cancel}
}

// Close stops the Host's Scheduler delivery loop. Sessions already created
// keep running; their pending delayed sends simply stop being delivered.
func (h *Host) Close() {
	h.stopSched()
	h.scheduler.Stop()
}

// CreateSession builds and starts a Session for doc, returning its id. The
// session's macrostep loop runs on a new goroutine; the call returns as
// soon as initialization completes enough to register the session.
func (h *Host) CreateSession(ctx context.Context, doc *scxml.Document, dataModel scxml.DataModel, name string, opts ...Option) (string, error) {
	opts = append(opts, WithRegistry(h.registry), WithScheduler(h.scheduler))
	s := NewSession(doc, dataModel, name, opts...)
	// Marked running before the loop goroutine starts, so IsRunning reports
	// true as soon as CreateSession returns.
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	go func() { _ = s.Start(ctx) }()
	return s.SessionID(), nil
}

func (h *Host) lookup(sessionID string) (*Session, error) {
	s, ok := h.registry.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("scxml: unknown session %q", sessionID)
	}
	return s, nil
}

// Send delivers an externally-originated event to sessionID's external
// queue (§6 "send(sessionId, eventName, eventData)").
func (h *Host) Send(ctx context.Context, sessionID, eventName string, eventData any) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	s.SendExternal(scxml.Event{Name: eventName, Data: eventData})
	return nil
}

// Cancel stops sessionID's macrostep loop, cancelling its invokes and
// pending delayed sends the same way a natural top-level-final exit would
// (§3 Session lifecycle: "cancelled by its parent's exit").
func (h *Host) Cancel(ctx context.Context, sessionID string) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.signal()
	return nil
}

// GetActiveConfiguration returns sessionID's active configuration, document
// order.
func (h *Host) GetActiveConfiguration(sessionID string) ([]scxml.StateID, error) {
	s, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Configuration(), nil
}

// IsRunning reports whether sessionID's macrostep loop is still active.
func (h *Host) IsRunning(sessionID string) (bool, error) {
	s, err := h.lookup(sessionID)
	if err != nil {
		return false, err
	}
	return s.IsRunning(), nil
}

// Stats returns sessionID's host-visible statistics object (§7).
func (h *Host) Stats(sessionID string) (scxml.Stats, error) {
	s, err := h.lookup(sessionID)
	if err != nil {
		return scxml.Stats{}, err
	}
	return s.Stats(), nil
}

// Subscribe registers an observation channel on sessionID (§6
// "subscribe(sessionId, observer) for state/transition/event
// notifications").
func (h *Host) Subscribe(sessionID string, capacity int) (<-chan Observation, error) {
	s, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(capacity), nil
}
