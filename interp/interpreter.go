package interp

import (
	"context"
	"sort"
	"time"

	"github.com/nullstate/scxml"
)

// Start initializes the session (§4.4 "Initialization") and runs the
// macrostep loop until the session stops running or ctx is cancelled. It
// blocks the calling goroutine; callers that want non-blocking operation
// should invoke it with `go session.Start(ctx)`.
func (s *Session) Start(ctx context.Context) error {
	if err := s.initialize(ctx); err != nil {
		return err
	}
	s.runLoop(ctx)
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "interpreter.initialize")
	defer span.End()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	// §4.2/§6 require _sessionid, _name and _ioprocessors to already be
	// bound before any data-model content runs, so an early-bound <data> or
	// the top-level <script> can reference them.
	ioObjs := make(map[string]any, len(s.ioProcessors))
	for uri := range s.ioProcessors {
		ioObjs[uri] = map[string]any{"location": s.id}
	}
	if err := s.dataModel.SetupSystemVariables(ctx, s.id, s.name, ioObjs); err != nil {
		return err
	}
	if err := s.dataModel.RegisterInPredicate(ctx, func(id string) bool { return s.In(scxml.StateID(id)) }); err != nil {
		return err
	}

	if s.doc.TopScript != "" {
		if err := s.dataModel.ExecuteScript(ctx, s.doc.TopScript); err != nil {
			s.ReportError(ctx, &scxml.PlatformError{EventName: scxml.EventErrorExecution, Message: "top-level script failed", Cause: err})
		}
	}

	if err := s.dataModel.Initialize(ctx, s.doc.DataModel, s.doc.Binding); err != nil {
		return err
	}

	seed := make(map[scxml.StateID]bool)
	var seedOrder []scxml.StateID
	addSeed := func(id scxml.StateID) {
		if !seed[id] {
			seed[id] = true
			seedOrder = append(seedOrder, id)
		}
	}
	for _, root := range s.doc.TopInitial {
		chain := append([]scxml.StateID{root}, s.doc.AncestorChain(root)...)
		for _, id := range chain {
			addSeed(id)
		}
	}
	entryOrder, defaultedInitial := s.finalizeEntrySet(seed, seedOrder)

	if s.doc.Binding == scxml.BindingLate {
		for _, el := range s.doc.DataModel {
			if el.Expr == "" && el.Inline == "" {
				continue
			}
			value, err := s.lateInitialValue(ctx, el)
			if err != nil {
				s.ReportError(ctx, &scxml.PlatformError{EventName: scxml.EventErrorExecution, Message: "late data initialization failed", Data: map[string]any{"id": el.ID}, Cause: err})
				continue
			}
			_ = s.dataModel.Assign(ctx, el.ID, value)
		}
	}
	// An <invoke>'s seeded param/namelist values are applied last, after
	// both early- and late-bound <data> initialization, so they win over a
	// same-named <data> element in the child document (§4.6).
	for name, v := range s.seedData {
		_ = s.dataModel.Assign(ctx, name, v)
	}

	s.configMu.Lock()
	for _, id := range entryOrder {
		s.configuration[id] = true
	}
	s.configMu.Unlock()

	for _, id := range entryOrder {
		st := s.doc.MustGetState(id)
		for _, block := range st.OnEntry {
			_ = scxml.ExecuteBlock(ctx, s, block)
		}
		s.notify(Observation{Kind: ObserveStateEntered, StateID: id})
		if st.IsFinal() {
			s.onFinalEntered(ctx, id)
		}
		s.markInvokeDeferred(id)
		if defaultedInitial[id] && len(st.InitialActs) > 0 {
			_ = scxml.ExecuteBlock(ctx, s, st.InitialActs)
		}
	}

	s.processInvokesAtBoundary(ctx)
	return nil
}

func (s *Session) lateInitialValue(ctx context.Context, el *scxml.DataElement) (any, error) {
	if el.Expr != "" {
		return s.dataModel.EvaluateValue(ctx, el.Expr)
	}
	return el.Inline, nil
}

// runLoop is the macrostep loop (§4.4).
func (s *Session) runLoop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			s.shutdown(ctx)
			return
		}

		s.drainMicrosteps(ctx)
		s.processInvokesAtBoundary(ctx)

		s.mu.Lock()
		running = s.running
		s.mu.Unlock()
		if !running {
			s.shutdown(ctx)
			return
		}

		// §4.4 step 1 only dequeues internal events to exhaustion; an
		// external event is consumed one at a time, lowest priority
		// (Ordering guarantee (a)), which is why it's tried here rather
		// than inside drainMicrosteps.
		if s.processOneExternal(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return
		case <-s.wake:
			continue
		}
	}
}

// drainMicrosteps implements step 1 of the macrostep loop: "Repeat until
// stable: select enabled eventless transitions; if none, dequeue one
// internal event ... select enabled event-triggered transitions; ...
// Loop terminates when no eventless transitions fire AND internal queue is
// empty."
func (s *Session) drainMicrosteps(ctx context.Context) {
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}

		// selectTransitions is deliberately called outside s.mu: guard
		// evaluation runs the data model, which can call back into In() or,
		// on a cond error, ReportError — both of which lock a mutex, and
		// ReportError locks the same s.mu a held lock would deadlock
		// against.
		transitions := s.selectTransitions(ctx, nil)
		if len(transitions) > 0 {
			s.microstep(ctx, transitions)
			continue
		}

		s.mu.Lock()
		event, ok := s.internal.pop()
		s.mu.Unlock()
		if !ok {
			return
		}

		s.stats.TotalEvents++
		_ = s.dataModel.SetCurrentEvent(ctx, &event)
		s.deliverToChild(ctx, &event)
		s.notify(Observation{Kind: ObserveEventConsumed, Event: &event})

		transitions = s.selectTransitions(ctx, &event)
		if len(transitions) > 0 {
			s.microstep(ctx, transitions)
		}
	}
}

// processOneExternal is called by runLoop once drainMicrosteps has left no
// eventless or internal work; it dequeues and processes at most one external
// event and reports whether there was one.
func (s *Session) processOneExternal(ctx context.Context) bool {
	s.mu.Lock()
	event, ok := s.external.pop()
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.stats.TotalEvents++
	_ = s.dataModel.SetCurrentEvent(ctx, &event)
	s.deliverToChild(ctx, &event)
	s.runFinalizeFor(ctx, &event)
	s.notify(Observation{Kind: ObserveEventConsumed, Event: &event})

	transitions := s.selectTransitions(ctx, &event)
	if len(transitions) > 0 {
		s.microstep(ctx, transitions)
	}
	return true
}

func (s *Session) shutdown(ctx context.Context) {
	defer s.closeObservers()
	s.mu.Lock()
	s.running = false
	ids := make([]scxml.StateID, 0, len(s.activeInvokes))
	for id := range s.activeInvokes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.cancelInvokesForState(ctx, id)
	}
	if s.scheduler != nil {
		s.scheduler.CancelSession(s.id)
	}
	if s.registry != nil {
		s.registry.unregister(s.id)
	}
}

// microstep executes one selected transition set: exit, transition
// actions, entry (§4.4).
func (s *Session) microstep(ctx context.Context, transitions []*scxml.Transition) {
	ctx, span := s.tracer.Start(ctx, "interpreter.microstep")
	defer span.End()

	s.mu.Lock()

	exitSet := make(map[scxml.StateID]bool)
	for _, t := range transitions {
		for id := range s.computeExitSetIDs(t) {
			exitSet[id] = true
		}
	}
	s.recordHistory(exitSet)

	exitOrder := idsSortedByDoc(exitSet, s.doc, true)
	s.mu.Unlock()

	for _, id := range exitOrder {
		st := s.doc.MustGetState(id)
		s.cancelInvokesForState(ctx, id)
		for _, block := range st.OnExit {
			_ = scxml.ExecuteBlock(ctx, s, block)
		}
		s.notify(Observation{Kind: ObserveStateExited, StateID: id})
	}

	s.configMu.Lock()
	for id := range exitSet {
		delete(s.configuration, id)
	}
	s.configMu.Unlock()

	seed := make(map[scxml.StateID]bool)
	var seedOrder []scxml.StateID
	addSeed := func(id scxml.StateID) {
		if !seed[id] {
			seed[id] = true
			seedOrder = append(seedOrder, id)
		}
	}

	type historyRun struct{ actions []scxml.Action }
	var historyRuns []historyRun

	for _, t := range transitions {
		_ = scxml.ExecuteBlock(ctx, s, t.Actions)
		s.notify(Observation{Kind: ObserveTransition, StateID: t.Source})

		domain := s.transitionDomain(t)
		for _, rawTarget := range t.Targets {
			targets, defaultActs := s.resolveHistoryTarget(rawTarget)
			if len(defaultActs) > 0 {
				historyRuns = append(historyRuns, historyRun{actions: defaultActs})
			}
			for _, target := range targets {
				chain := append([]scxml.StateID{target}, s.doc.AncestorChain(target)...)
				for _, id := range chain {
					if id == domain {
						break
					}
					addSeed(id)
				}
			}
		}
	}
	for _, hr := range historyRuns {
		_ = scxml.ExecuteBlock(ctx, s, hr.actions)
	}

	s.mu.Lock()
	entryOrder, defaultedInitial := s.finalizeEntrySet(seed, seedOrder)
	var newlyEntered []scxml.StateID
	s.configMu.Lock()
	for _, id := range entryOrder {
		if !s.configuration[id] {
			s.configuration[id] = true
			newlyEntered = append(newlyEntered, id)
		}
	}
	s.configMu.Unlock()
	s.stats.TotalTransitions += len(transitions)
	s.mu.Unlock()

	for _, id := range newlyEntered {
		st := s.doc.MustGetState(id)
		for _, block := range st.OnEntry {
			_ = scxml.ExecuteBlock(ctx, s, block)
		}
		s.notify(Observation{Kind: ObserveStateEntered, StateID: id})
		if st.IsFinal() {
			s.onFinalEntered(ctx, id)
		}
		s.markInvokeDeferred(id)
		if defaultedInitial[id] && len(st.InitialActs) > 0 {
			_ = scxml.ExecuteBlock(ctx, s, st.InitialActs)
		}
	}
}

// finalizeEntrySet completes a seed set of explicitly-targeted states (plus
// their ancestors up to the relevant domain) with default-initial descent
// into compound states and full-region completion for parallel states,
// then returns the result in document order, plus the set of compound
// states whose default (not explicitly targeted) initial child was used —
// those states' <initial><transition> executable content (state.InitialActs)
// must run as part of entering them. It reads only the immutable document,
// so it needs no session lock (microstep calls it under s.mu, initialize
// does not).
func (s *Session) finalizeEntrySet(seed map[scxml.StateID]bool, order []scxml.StateID) ([]scxml.StateID, map[scxml.StateID]bool) {
	defaulted := make(map[scxml.StateID]bool)
	add := func(id scxml.StateID) {
		if !seed[id] {
			seed[id] = true
			order = append(order, id)
		}
	}
	changed := true
	for changed {
		changed = false
		ids := make([]scxml.StateID, 0, len(seed))
		for id := range seed {
			ids = append(ids, id)
		}
		for _, id := range ids {
			st, ok := s.doc.GetState(id)
			if !ok {
				continue
			}
			switch {
			case st.IsCompound():
				hasChild := false
				for _, c := range st.Children {
					if seed[c] {
						hasChild = true
						break
					}
				}
				if !hasChild && st.Initial != "" {
					add(st.Initial)
					defaulted[id] = true
					changed = true
				}
			case st.IsParallel():
				for _, c := range st.Children {
					if cs, ok := s.doc.GetState(c); ok && cs.Kind.IsHistory() {
						continue
					}
					if !seed[c] {
						add(c)
						changed = true
					}
				}
			}
		}
	}
	sort.Slice(order, func(i, j int) bool {
		return s.doc.DocumentOrder(order[i]) < s.doc.DocumentOrder(order[j])
	})
	return order, defaulted
}

func idsSortedByDoc(set map[scxml.StateID]bool, doc *scxml.Document, reverse bool) []scxml.StateID {
	out := make([]scxml.StateID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if reverse {
			return doc.DocumentOrder(out[i]) > doc.DocumentOrder(out[j])
		}
		return doc.DocumentOrder(out[i]) < doc.DocumentOrder(out[j])
	})
	return out
}

// RunFor is a test convenience: runs the loop with a bounded deadline,
// useful for seed scenarios that expect eventual quiescence.
func (s *Session) RunFor(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return s.Start(ctx)
}
