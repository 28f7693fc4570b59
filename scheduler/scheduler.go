// Package scheduler implements delayed-send delivery and cancellation
// (§4.5) on top of the pluggable scxml.Clock/Timer seam, so tests can drive
// delay/cancel scenarios (seed scenario D) without a real sleep.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nullstate/scxml"
)

// Entry is one scheduled delayed delivery.
type Entry struct {
	SessionID string
	SendID    string
	FireAt    time.Time
	seq       uint64 // monotonic tiebreak, preserves FIFO among same-time entries
	deliver   func()
	index     int // heap index, maintained by container/heap
}

// Scheduler is the single, process-wide component §5 requires: "a single
// component shared across sessions; its operations ... must be internally
// serialized."
type Scheduler struct {
	mu      sync.Mutex
	clock   scxml.Clock
	seq     uint64
	pq      entryHeap
	byKey   map[string]map[string]*Entry // sessionID -> sendID -> entry
	timer   scxml.Timer
	wakeCh  chan struct{}
	closeCh chan struct{}
	closed  bool
}

// New constructs a Scheduler driven by clock. Call Run in its own goroutine
// to start delivering.
func New(clock scxml.Clock) *Scheduler {
	return &Scheduler{
		clock:   clock,
		byKey:   make(map[string]map[string]*Entry),
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Schedule records a delayed delivery. deliver is invoked from the
// Scheduler's own goroutine (Run) when the entry fires; it must not block.
func (s *Scheduler) Schedule(sessionID, sendID string, delay time.Duration, deliver func()) {
	s.mu.Lock()
	s.seq++
	e := &Entry{
		SessionID: sessionID,
		SendID:    sendID,
		FireAt:    s.clock.Now().Add(delay),
		seq:       s.seq,
		deliver:   deliver,
	}
	if sendID != "" {
		bySend, ok := s.byKey[sessionID]
		if !ok {
			bySend = make(map[string]*Entry)
			s.byKey[sessionID] = bySend
		}
		bySend[sendID] = e
	}
	heap.Push(&s.pq, e)
	s.mu.Unlock()
	s.wake()
}

// Cancel removes a scheduled entry by (session, sendid). A cancel for an
// unknown or already-fired sendid is a silent no-op (§4.5, §7): it never
// returns an error, only whether an entry was actually removed.
func (s *Scheduler) Cancel(sessionID, sendID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySend, ok := s.byKey[sessionID]
	if !ok {
		return false
	}
	e, ok := bySend[sendID]
	if !ok {
		return false
	}
	delete(bySend, sendID)
	if len(bySend) == 0 {
		delete(s.byKey, sessionID)
	}
	if e.index >= 0 && e.index < len(s.pq) && s.pq[e.index] == e {
		heap.Remove(&s.pq, e.index)
	}
	return true
}

// CancelSession removes every entry originated by sessionID (§3 Session
// lifecycle: "on termination, all pending delayed sends it originated are
// cancelled").
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySend, ok := s.byKey[sessionID]
	if !ok {
		return
	}
	for _, e := range bySend {
		if e.index >= 0 && e.index < len(s.pq) && s.pq[e.index] == e {
			heap.Remove(&s.pq, e.index)
		}
	}
	delete(s.byKey, sessionID)
}

// Pending returns the sendids sessionID can still cancel, for
// Session.Snapshot (supplemental, SPEC_FULL §3).
func (s *Scheduler) Pending(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySend, ok := s.byKey[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(bySend))
	for sendID := range bySend {
		out = append(out, sendID)
	}
	return out
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives delivery until ctx is cancelled or Stop is called. It must run
// in its own goroutine; deliver callbacks run synchronously on this
// goroutine in fire-time order, FIFO among ties (§4.5 "preserves FIFO order
// among same-time entries" — the heap orders by (FireAt, seq)).
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var wait time.Duration
		var next *Entry
		if len(s.pq) > 0 {
			next = s.pq[0]
			wait = next.FireAt.Sub(s.clock.Now())
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.closeCh:
				return
			case <-s.wakeCh:
				continue
			}
		}

		if wait <= 0 {
			s.fireDue()
			continue
		}

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.closeCh:
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
			continue
		case <-timer.C():
			s.fireDue()
		}
	}
}

// fireDue pops and delivers every entry whose FireAt is now due.
func (s *Scheduler) fireDue() {
	now := s.clock.Now()
	var due []*Entry
	s.mu.Lock()
	for len(s.pq) > 0 && !s.pq[0].FireAt.After(now) {
		e := heap.Pop(&s.pq).(*Entry)
		if bySend, ok := s.byKey[e.SessionID]; ok {
			delete(bySend, e.SendID)
			if len(bySend) == 0 {
				delete(s.byKey, e.SessionID)
			}
		}
		due = append(due, e)
	}
	s.mu.Unlock()
	for _, e := range due {
		e.deliver()
	}
}

// Stop halts Run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closeCh)
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].FireAt.Before(h[j].FireAt)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// RealClock implements scxml.Clock on top of the standard library.
type RealClock struct{}

func (RealClock) Now() time.Time                    { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration    { return time.Since(t) }
func (RealClock) NewTimer(d time.Duration) scxml.Timer {
	return &realTimer{t: time.NewTimer(d)}
}
func (RealClock) NewTicker(d time.Duration) scxml.Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time   { return r.t.C }
func (r *realTimer) Stop() bool            { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// ParseDelay parses a send/invoke delay string (§4.5: "CSS2 time syntax" —
// e.g. "5s", "250ms"). time.ParseDuration accepts that grammar (and also its
// own h/m/us/ns units), so no bespoke parser is needed; a bare "0" or "" is
// treated as no delay.
func ParseDelay(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
