package interp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nullstate/scxml"
)

// invokeInstance is one running <invoke> child session, owned by the state
// that declared it (§4.6).
type invokeInstance struct {
	stateID    scxml.StateID
	descriptor *scxml.InvokeDescriptor
	invokeID   string
	child      *Session
	cancel     context.CancelFunc
}

// markInvokeDeferred records that id was freshly entered and has <invoke>
// children that must start once the current macrostep's configuration is
// stable — "invoke is deferred until the end of the current macrostep, so
// an invoke never sees the transient configuration of a microstep in
// progress" (§4.6).
func (s *Session) markInvokeDeferred(id scxml.StateID) {
	st, ok := s.doc.GetState(id)
	if !ok || len(st.Invokes) == 0 {
		return
	}
	s.mu.Lock()
	s.pendingInvokes[id] = true
	s.mu.Unlock()
}

// processInvokesAtBoundary starts every deferred invoke whose owning state
// is still part of the active configuration (a state entered and exited
// again within the same macrostep never gets its invokes started, per the
// same deferral rule).
func (s *Session) processInvokesAtBoundary(ctx context.Context) {
	s.mu.Lock()
	pending := make([]scxml.StateID, 0, len(s.pendingInvokes))
	for id := range s.pendingInvokes {
		pending = append(pending, id)
		delete(s.pendingInvokes, id)
	}
	s.mu.Unlock()

	var ids []scxml.StateID
	for _, id := range pending {
		if s.In(id) {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		st, ok := s.doc.GetState(id)
		if !ok {
			continue
		}
		for _, desc := range st.Invokes {
			s.startInvoke(ctx, id, desc)
		}
	}
}

// startInvoke launches one child session for desc, owned by stateID.
func (s *Session) startInvoke(ctx context.Context, stateID scxml.StateID, desc *scxml.InvokeDescriptor) {
	invokeID := desc.ID
	if invokeID == "" {
		invokeID = fmt.Sprintf("%s.%s.%d", stateID, uuid.NewString(), desc.Index)
	}
	if desc.IDLocation != "" {
		if err := s.dataModel.Assign(ctx, desc.IDLocation, invokeID); err != nil {
			s.ReportError(ctx, &scxml.PlatformError{EventName: scxml.EventErrorExecution, Message: "invoke idlocation assignment failed", Cause: err})
		}
	}

	childDoc, err := s.loadInvokeDocument(desc)
	if err != nil {
		s.ReportError(ctx, &scxml.PlatformError{
			EventName: scxml.EventErrorCommunication,
			Message:   "invoke target could not be loaded",
			Data:      map[string]any{"invokeid": invokeID},
			Cause:     err,
		})
		return
	}

	childDataModel, err := s.dataModel.Clone(ctx)
	if err != nil {
		s.ReportError(ctx, &scxml.PlatformError{EventName: scxml.EventErrorExecution, Message: "invoke data model clone failed", Cause: err})
		return
	}

	seedData := make(map[string]any, len(desc.Params)+len(desc.Namelist))
	for _, param := range desc.Params {
		v, err := s.evaluateParam(ctx, param)
		if err != nil {
			s.ReportError(ctx, &scxml.PlatformError{EventName: scxml.EventErrorExecution, Message: "invoke param evaluation failed", Data: map[string]any{"name": param.Name}, Cause: err})
			continue
		}
		seedData[param.Name] = v
	}
	for _, name := range desc.Namelist {
		v, err := s.dataModel.GetVariable(ctx, name)
		if err != nil {
			continue
		}
		seedData[name] = v
	}

	buildChild := func() (*Session, error) {
		return NewSession(childDoc, childDataModel, invokeID,
			WithClock(s.clock),
			WithLogger(s.logger),
			WithScheduler(s.scheduler),
			WithRegistry(s.registry),
			withParent(s.id, invokeID),
			withSeedData(seedData),
		), nil
	}

	var child *Session
	if s.registry != nil {
		// Child construction goes through the registry's singleflight group,
		// keyed on this session's id and the invokeid. It merges only calls
		// that overlap in time; processInvokesAtBoundary starts invokes one
		// after another, so a repeated invokeid still gets its own child.
		c, err, _ := s.registry.CreateChildSession(ctx, s.id+"/"+invokeID, buildChild)
		if err != nil {
			s.ReportError(ctx, &scxml.PlatformError{EventName: scxml.EventErrorCommunication, Message: "invoke session creation failed", Data: map[string]any{"invokeid": invokeID}, Cause: err})
			return
		}
		child = c
	} else {
		child, _ = buildChild()
	}

	childCtx, cancel := context.WithCancel(ctx)
	inst := &invokeInstance{stateID: stateID, descriptor: desc, invokeID: invokeID, child: child, cancel: cancel}

	s.mu.Lock()
	s.activeInvokes[stateID] = append(s.activeInvokes[stateID], inst)
	s.invokesByID[invokeID] = inst
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(childCtx)
	g.Go(func() error { return child.Start(gctx) })

	go func() {
		if err := g.Wait(); err != nil {
			s.ReportError(ctx, &scxml.PlatformError{
				EventName: scxml.EventErrorCommunication,
				Message:   "invoked session failed to initialize",
				Data:      map[string]any{"invokeid": invokeID},
				Cause:     err,
			})
		}
	}()

	go func() {
		<-child.Done()
		donedata := s.childDoneData(child)
		// done.invoke crosses a session boundary, so it is delivered on the
		// invoking session's EXTERNAL queue, the same as any other
		// cross-session communication (§4.6), not raised internally.
		s.SendExternal(scxml.Event{
			Name:     fmt.Sprintf("done.invoke.%s", invokeID),
			InvokeID: invokeID,
			Data:     donedata,
		})
	}()
}

// childDoneData reads the donedata the child's top-level <final> evaluated
// in onFinalEntered, for forwarding on done.invoke.<id> (§4.6: "done.invoke
// carries whatever <donedata> the child's top-level final state produced").
func (s *Session) childDoneData(child *Session) any {
	child.mu.Lock()
	defer child.mu.Unlock()
	return child.lastDoneData
}

// loadInvokeDocument resolves desc's target document. External src=/srcexpr=
// loading is a host responsibility this interpreter does not perform; only
// inline <content> is supported directly.
func (s *Session) loadInvokeDocument(desc *scxml.InvokeDescriptor) (*scxml.Document, error) {
	if desc.Content != nil && desc.Content.Doc != nil {
		return desc.Content.Doc, nil
	}
	if desc.Content != nil && desc.Content.Body != "" {
		return scxml.LoadBytes([]byte(desc.Content.Body))
	}
	return nil, fmt.Errorf("invoke src/srcexpr loading is not supported by this interpreter; only inline <content> is")
}

// cancelInvokesForState cancels and unregisters every invoke owned by id,
// called on state exit (§4.6: "on exit, any invocations that are still
// active must be cancelled").
func (s *Session) cancelInvokesForState(ctx context.Context, id scxml.StateID) {
	s.mu.Lock()
	insts := s.activeInvokes[id]
	delete(s.activeInvokes, id)
	for _, inst := range insts {
		delete(s.invokesByID, inst.invokeID)
	}
	s.mu.Unlock()

	for _, inst := range insts {
		inst.cancel()
		if inst.child.registry != nil {
			inst.child.registry.unregister(inst.child.id)
		}
	}
}

// deliverToChild autoforwards external events to invoked children that
// requested it (§4.6). Internal/platform events are never autoforwarded.
func (s *Session) deliverToChild(ctx context.Context, event *scxml.Event) {
	if event.Type != scxml.EventTypeExternal {
		return
	}
	s.autoforward(*event)
}

// autoforward duplicates event to every active invoke with autoforward="true".
// The copy is pushed directly onto the child's external queue without
// invoking the child's own autoforward, so forwarding never recurses past
// one level (§4.6).
func (s *Session) autoforward(event scxml.Event) {
	s.mu.Lock()
	var children []*Session
	for _, insts := range s.activeInvokes {
		for _, inst := range insts {
			if inst.descriptor.Autoforward {
				children = append(children, inst.child)
			}
		}
	}
	s.mu.Unlock()

	for _, child := range children {
		event.Type = scxml.EventTypeExternal
		child.mu.Lock()
		child.external.push(event)
		child.mu.Unlock()
		child.signal()
	}
}

// runFinalizeFor executes the owning <invoke>'s <finalize> block before an
// event originating from that invoke's id is processed, scoped to the
// owning state only (§4.6: "finalize is run against whatever is the
// current owning state, never shared across sibling parallel regions").
func (s *Session) runFinalizeFor(ctx context.Context, event *scxml.Event) {
	if event.InvokeID == "" {
		return
	}
	s.mu.Lock()
	inst, ok := s.invokesByID[event.InvokeID]
	s.mu.Unlock()
	if !ok || len(inst.descriptor.Finalize) == 0 {
		return
	}
	_ = scxml.ExecuteBlock(ctx, s, inst.descriptor.Finalize)
}
