package interp

import "github.com/nullstate/scxml"

// eventQueue is a FIFO queue with a non-blocking wake signal, the same
// mutex+signal-channel shape as scheduler.Scheduler uses for its own wake
// channel — kept consistent across the two components that need
// "blocking dequeue with cheap wake-up" semantics.
type eventQueue struct {
	items []scxml.Event
}

func (q *eventQueue) push(e scxml.Event) {
	q.items = append(q.items, e)
}

func (q *eventQueue) pop() (scxml.Event, bool) {
	if len(q.items) == 0 {
		return scxml.Event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) empty() bool { return len(q.items) == 0 }
func (q *eventQueue) len() int    { return len(q.items) }
