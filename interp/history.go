package interp

import "github.com/nullstate/scxml"

// recordHistory records, for every history pseudo-state child of an
// exiting state, the atomic descendants (deep) or immediate children
// (shallow) that were active just before the exit (§4.4 History).
func (s *Session) recordHistory(exiting map[scxml.StateID]bool) {
	for id := range exiting {
		st, ok := s.doc.GetState(id)
		if !ok {
			continue
		}
		for _, childID := range st.Children {
			hist, ok := s.doc.GetState(childID)
			if !ok || !hist.Kind.IsHistory() {
				continue
			}
			var recorded []scxml.StateID
			if hist.Kind == scxml.KindHistoryDeep {
				recorded = s.activeAtomicDescendants(id)
			} else {
				recorded = s.activeImmediateChildren(id)
			}
			if len(recorded) > 0 {
				s.history[childID] = recorded
			}
		}
	}
}

func (s *Session) activeAtomicDescendants(of scxml.StateID) []scxml.StateID {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	var out []scxml.StateID
	for _, st := range s.doc.AllStates() {
		if s.configuration[st.ID] && st.IsAtomic() && s.doc.IsDescendant(st.ID, of) {
			out = append(out, st.ID)
		}
	}
	return out
}

func (s *Session) activeImmediateChildren(of scxml.StateID) []scxml.StateID {
	st, ok := s.doc.GetState(of)
	if !ok {
		return nil
	}
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	var out []scxml.StateID
	for _, c := range st.Children {
		if s.configuration[c] {
			out = append(out, c)
		}
	}
	return out
}

// resolveHistoryTarget expands a history pseudo-state target into its
// recorded set, or its default transition's targets if none was recorded
// yet (§4.4). Returns the resolved targets and the default transition's
// executable content, which runs only when the default path is taken.
func (s *Session) resolveHistoryTarget(id scxml.StateID) ([]scxml.StateID, []scxml.Action) {
	st, ok := s.doc.GetState(id)
	if !ok || !st.Kind.IsHistory() {
		return []scxml.StateID{id}, nil
	}
	if recorded, ok := s.history[id]; ok && len(recorded) > 0 {
		return recorded, nil
	}
	return st.HistoryDefault, st.HistoryDefaultActs
}
