package interp

import (
	"context"
	"sort"

	"github.com/nullstate/scxml"
)

// atomicActiveStates returns the atomic (leaf) states of the active
// configuration in document order — the starting points for transition
// selection (§4.4).
func (s *Session) atomicActiveStates() []scxml.StateID {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	var out []scxml.StateID
	for _, st := range s.doc.AllStates() {
		if s.configuration[st.ID] && st.IsAtomic() {
			out = append(out, st.ID)
		}
	}
	return out
}

// selectTransitions finds the optimal enabled transition set for either the
// eventless case (event == nil) or a specific event (§4.4 "Transition
// selection"). It takes no lock of its own across the call: cond evaluation
// (firstMatchingTransition) runs the data model, which may invoke In() or
// fail and report an error, both of which would deadlock against a
// held lock (configMu/mu respectively). Each configuration access below
// (atomicActiveStates, computeExitSetIDs inside resolveConflicts) is its own
// short configMu critical section instead.
func (s *Session) selectTransitions(ctx context.Context, event *scxml.Event) []*scxml.Transition {
	var candidates []*scxml.Transition
	seen := make(map[*scxml.Transition]bool)

	for _, leaf := range s.atomicActiveStates() {
		chain := append([]scxml.StateID{leaf}, s.doc.AncestorChain(leaf)...)
		for _, stateID := range chain {
			st, ok := s.doc.GetState(stateID)
			if !ok {
				continue
			}
			tr := s.firstMatchingTransition(ctx, st, event)
			if tr == nil {
				continue
			}
			if !seen[tr] {
				seen[tr] = true
				candidates = append(candidates, tr)
			}
			break
		}
	}
	return s.resolveConflicts(candidates)
}

func (s *Session) firstMatchingTransition(ctx context.Context, st *scxml.State, event *scxml.Event) *scxml.Transition {
	for _, tr := range st.Transitions {
		if event == nil && !tr.IsEventless() {
			continue
		}
		if event != nil {
			if tr.IsEventless() || !scxml.MatchesEvent(tr.Events, event.Name) {
				continue
			}
		}
		if tr.Cond == "" {
			return tr
		}
		ok, err := s.dataModel.EvaluateCondition(ctx, tr.Cond)
		if err != nil {
			s.ReportError(ctx, &scxml.PlatformError{
				EventName: scxml.EventErrorExecution,
				Message:   "transition condition evaluation failed",
				Data:      map[string]any{"cond": tr.Cond},
				Cause:     err,
			})
			continue
		}
		if ok {
			return tr
		}
	}
	return nil
}

// resolveConflicts implements §4.4's conflict rule: for any pair of
// candidates with overlapping exit sets, keep the one whose source is a
// descendant of the other's source; ties keep the one whose source appears
// first in document order.
func (s *Session) resolveConflicts(candidates []*scxml.Transition) []*scxml.Transition {
	if len(candidates) <= 1 {
		return candidates
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return s.doc.DocumentOrder(candidates[i].Source) < s.doc.DocumentOrder(candidates[j].Source)
	})

	exitSets := make(map[*scxml.Transition]map[scxml.StateID]bool, len(candidates))
	for _, t := range candidates {
		exitSets[t] = s.computeExitSetIDs(t)
	}

	var result []*scxml.Transition
	for _, t := range candidates {
		conflictIdx := -1
		loses := false
		for i, r := range result {
			if !overlaps(exitSets[t], exitSets[r]) {
				continue
			}
			if s.doc.IsDescendant(t.Source, r.Source) {
				conflictIdx = i
			} else {
				loses = true
			}
			break
		}
		switch {
		case loses:
			// r (already in result, doc-order-earlier-or-equal-priority) wins.
		case conflictIdx >= 0:
			result[conflictIdx] = t
		default:
			result = append(result, t)
		}
	}
	return result
}

func overlaps(a, b map[scxml.StateID]bool) bool {
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for id := range small {
		if big[id] {
			return true
		}
	}
	return false
}

// transitionDomain is the W3C "transition domain": the compound/parallel
// ancestor whose subtree is closed and reopened by this transition, or the
// source itself for a non-exiting internal transition, or the source for a
// targetless transition (which exits nothing, §4.4).
func (s *Session) transitionDomain(t *scxml.Transition) scxml.StateID {
	if t.IsTargetless() {
		return t.Source
	}
	if s.isInternalNonExiting(t) {
		return t.Source
	}
	ids := append([]scxml.StateID{t.Source}, t.Targets...)
	lcca, ok := s.doc.LCCA(ids)
	if !ok {
		return t.Source
	}
	return lcca
}

// isInternalNonExiting implements §4.4's internal-transition rule: internal
// AND source is compound AND every target is a proper descendant of source.
func (s *Session) isInternalNonExiting(t *scxml.Transition) bool {
	if t.Type != scxml.TransitionInternal {
		return false
	}
	src, ok := s.doc.GetState(t.Source)
	if !ok || !src.IsCompound() {
		return false
	}
	for _, target := range t.Targets {
		if !s.doc.IsDescendant(target, t.Source) {
			return false
		}
	}
	return true
}

func (s *Session) computeExitSetIDs(t *scxml.Transition) map[scxml.StateID]bool {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	out := make(map[scxml.StateID]bool)
	if t.IsTargetless() {
		return out
	}
	domain := s.transitionDomain(t)
	internalNonExit := s.isInternalNonExiting(t)
	for id := range s.configuration {
		if id == domain {
			// The domain itself only exits for an external self-transition
			// (domain == source); an ancestor domain above the source stays
			// active across the transition and is never re-entered either.
			if domain == t.Source && !internalNonExit {
				out[id] = true
			}
			continue
		}
		if s.doc.IsDescendant(id, domain) {
			out[id] = true
		}
	}
	return out
}
