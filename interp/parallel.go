package interp

import (
	"context"
	"fmt"

	"github.com/nullstate/scxml"
)

// onFinalEntered implements §4.4's "each final state entered generates
// done.state.<parent> on the internal queue; when all regions of a
// parallel state are in final states, generate done.state.<parallel>; a
// top-level final state stops the session."
func (s *Session) onFinalEntered(ctx context.Context, finalID scxml.StateID) {
	st, ok := s.doc.GetState(finalID)
	if !ok {
		return
	}
	donedata := s.evaluateDoneData(ctx, st.DoneData)

	if st.Parent == "" {
		s.mu.Lock()
		s.lastDoneData = donedata
		s.running = false
		s.mu.Unlock()
		return
	}

	parent, ok := s.doc.GetState(st.Parent)
	if !ok {
		return
	}
	if parent.IsParallel() {
		if s.allRegionsFinal(st.Parent) {
			s.Raise(scxml.Event{Name: fmt.Sprintf("done.state.%s", st.Parent), Data: donedata})
		}
		return
	}
	s.Raise(scxml.Event{Name: fmt.Sprintf("done.state.%s", st.Parent), Data: donedata})
	if grand, ok := s.doc.GetState(parent.Parent); ok && grand.IsParallel() && s.allRegionsFinal(parent.Parent) {
		s.Raise(scxml.Event{Name: fmt.Sprintf("done.state.%s", parent.Parent)})
	}
}

// regionReachedFinal reports whether region's single active direct child
// (the compound-state invariant guarantees at most one) is itself a final
// state.
func (s *Session) regionReachedFinal(regionID scxml.StateID) bool {
	region, ok := s.doc.GetState(regionID)
	if !ok {
		return false
	}
	for _, c := range region.Children {
		if s.In(c) {
			cs, ok := s.doc.GetState(c)
			return ok && cs.IsFinal()
		}
	}
	return false
}

// allRegionsFinal reports whether every region of a parallel state has
// reached a final state (Boundary behaviour: "A parallel state whose
// regions have not all reached final states does NOT generate
// done.state.<id>").
func (s *Session) allRegionsFinal(parallelID scxml.StateID) bool {
	st, ok := s.doc.GetState(parallelID)
	if !ok {
		return false
	}
	for _, region := range st.Children {
		if rs, ok := s.doc.GetState(region); ok && rs.Kind.IsHistory() {
			continue
		}
		if !s.regionReachedFinal(region) {
			return false
		}
	}
	return true
}

// evaluateDoneData resolves a <donedata> block to the value carried on the
// generated done.state.*/done.invoke.* event (§4.3, §4.6).
func (s *Session) evaluateDoneData(ctx context.Context, dd *scxml.DoneData) any {
	if dd == nil {
		return nil
	}
	if dd.Content != nil {
		if dd.Content.Expr != "" {
			v, err := s.dataModel.EvaluateValue(ctx, dd.Content.Expr)
			if err != nil {
				s.ReportError(ctx, &scxml.PlatformError{
					EventName: scxml.EventErrorExecution,
					Message:   "donedata content evaluation failed",
					Cause:     err,
				})
				return nil
			}
			return v
		}
		return dd.Content.Body
	}
	if len(dd.Params) == 0 {
		return nil
	}
	out := map[string]any{}
	for _, p := range dd.Params {
		v, err := s.evaluateParam(ctx, p)
		if err != nil {
			s.ReportError(ctx, &scxml.PlatformError{
				EventName: scxml.EventErrorExecution,
				Message:   "donedata param evaluation failed",
				Data:      map[string]any{"name": p.Name},
				Cause:     err,
			})
			continue
		}
		out[p.Name] = v
	}
	return out
}

func (s *Session) evaluateParam(ctx context.Context, p scxml.ParamElement) (any, error) {
	if p.Location != "" {
		return s.dataModel.EvaluateLocation(ctx, p.Location)
	}
	if p.Expr != "" {
		return s.dataModel.EvaluateValue(ctx, p.Expr)
	}
	return nil, nil
}
