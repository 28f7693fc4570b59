package interp

import "github.com/nullstate/scxml"

// ObservationKind classifies a Subscribe notification (§6 Host API:
// "subscribe(sessionId, observer) for state/transition/event notifications").
type ObservationKind string

const (
	ObserveStateEntered  ObservationKind = "state.entered"
	ObserveStateExited   ObservationKind = "state.exited"
	ObserveTransition    ObservationKind = "transition"
	ObserveEventConsumed ObservationKind = "event"
)

// Observation is one notification pushed to a subscriber. Design note §9:
// "session observer lists with addObserver/removeObserver -> specified as a
// single-writer subscription channel the host reads; the core only pushes
// events" — Session is the single writer; a subscriber only ever reads.
type Observation struct {
	Kind    ObservationKind
	StateID scxml.StateID
	Event   *scxml.Event
}

// Subscribe registers a new observation channel, buffered to capacity. The
// channel is closed when the session's macrostep loop exits. A full channel
// drops the oldest-pending notification rather than blocking the
// interpreter thread (§5: "action execution never suspends").
func (s *Session) Subscribe(capacity int) <-chan Observation {
	if capacity <= 0 {
		capacity = 16
	}
	ch := make(chan Observation, capacity)
	s.mu.Lock()
	s.observers = append(s.observers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously-returned channel.
func (s *Session) Unsubscribe(ch <-chan Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o == ch {
			close(o)
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Session) notify(obs Observation) {
	s.mu.Lock()
	observers := s.observers
	s.mu.Unlock()
	for _, ch := range observers {
		select {
		case ch <- obs:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- obs:
			default:
			}
		}
	}
}

func (s *Session) closeObservers() {
	s.mu.Lock()
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()
	for _, ch := range observers {
		close(ch)
	}
}
