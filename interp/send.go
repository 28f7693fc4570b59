package interp

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentflare-ai/go-jsonschema"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/nullstate/scxml"
	"github.com/nullstate/scxml/scheduler"
)

// Send implements <send> (§4.3, §4.5): resolve event name/target/type/delay
// (literal or *Expr form), assemble payload from namelist/params/content,
// and route by target. Validation order follows §7's error taxonomy:
// unsupported type and illegal target syntax are error.execution; a missing
// target where one is required, or an evaluation failure of targetexpr,
// is error.communication.
func (s *Session) Send(ctx context.Context, a *scxml.SendAction) error {
	eventName, err := s.resolveExprOrLiteral(ctx, a.Event, a.EventExpr)
	if err != nil {
		return s.sendError(ctx, scxml.EventErrorExecution, "send event evaluation failed", a.SendID, err)
	}

	target, err := s.resolveExprOrLiteral(ctx, a.Target, a.TargetExpr)
	if err != nil {
		return s.sendError(ctx, scxml.EventErrorCommunication, "send targetexpr evaluation failed", a.SendID, err)
	}
	if a.Target == "" && a.TargetExpr != "" && (target == "" || target == "undefined") {
		return s.sendError(ctx, scxml.EventErrorCommunication, "send targetexpr resolved to an unreachable target", a.SendID, fmt.Errorf("targetexpr %q evaluated to %q", a.TargetExpr, target))
	}
	if strings.HasPrefix(target, "!") {
		return s.sendError(ctx, scxml.EventErrorExecution, "send target is not addressable", a.SendID, fmt.Errorf("illegal target %q", target))
	}

	typ, err := s.resolveExprOrLiteral(ctx, a.Type, a.TypeExpr)
	if err != nil {
		return s.sendError(ctx, scxml.EventErrorExecution, "send typeexpr evaluation failed", a.SendID, err)
	}
	if typ == "" {
		typ = scxml.SCXMLEventProcessorType
	}
	if typ != scxml.SCXMLEventProcessorType {
		if _, ok := s.ioProcessors[typ]; !ok {
			return s.sendError(ctx, scxml.EventErrorExecution, "unsupported send type", a.SendID, fmt.Errorf("unsupported type %q", typ))
		}
	}

	sendID := a.SendID
	if sendID == "" {
		sendID = uuid.NewString()
	}
	if a.IDLocation != "" {
		if err := s.dataModel.Assign(ctx, a.IDLocation, sendID); err != nil {
			return s.sendError(ctx, scxml.EventErrorExecution, "send idlocation assignment failed", sendID, err)
		}
	}

	data, raw, err := s.assemblePayload(ctx, a)
	if err != nil {
		return s.sendError(ctx, scxml.EventErrorExecution, "send payload assembly failed", sendID, err)
	}

	delay, err := s.resolveExprOrLiteral(ctx, a.Delay, a.DelayExpr)
	if err != nil {
		return s.sendError(ctx, scxml.EventErrorExecution, "send delayexpr evaluation failed", sendID, err)
	}
	delayDur, err := scheduler.ParseDelay(delay)
	if err != nil {
		return s.sendError(ctx, scxml.EventErrorExecution, "send delay is not a valid duration", sendID, err)
	}

	event := scxml.Event{
		Name:       eventName,
		SendID:     sendID,
		Origin:     s.id,
		OriginType: typ,
		Data:       data,
		Raw:        raw,
	}

	if target == "" && typ != scxml.SCXMLEventProcessorType {
		return s.sendError(ctx, scxml.EventErrorCommunication, "send target is required for this type", sendID, fmt.Errorf("type %q requires a target", typ))
	}

	deliver, err := s.resolveDeliverer(ctx, target, typ, event)
	if err != nil {
		return s.sendError(ctx, scxml.EventErrorCommunication, "send target could not be resolved", sendID, err)
	}

	if delayDur <= 0 {
		deliver()
		return nil
	}
	if s.scheduler == nil {
		deliver()
		return nil
	}
	s.scheduler.Schedule(s.id, sendID, delayDur, deliver)
	return nil
}

// Cancel implements <cancel> (§4.3, §4.5): removes a scheduled delayed send
// by sendid/sendidexpr. Cancelling an unknown or already-fired id is a
// silent no-op, never an error.
func (s *Session) Cancel(ctx context.Context, a *scxml.CancelAction) error {
	sendID, err := s.resolveExprOrLiteral(ctx, a.SendID, a.SendIDExpr)
	if err != nil {
		return s.sendError(ctx, scxml.EventErrorExecution, "cancel sendidexpr evaluation failed", "", err)
	}
	if s.scheduler == nil || sendID == "" {
		return nil
	}
	s.scheduler.Cancel(s.id, sendID)
	return nil
}

func (s *Session) sendError(ctx context.Context, eventName, message, sendID string, cause error) error {
	s.ReportError(ctx, &scxml.PlatformError{
		EventName: eventName,
		Message:   message,
		Data:      map[string]any{"sendid": sendID},
		Cause:     cause,
	})
	return cause
}

// resolveExprOrLiteral returns literal if non-empty, else evaluates expr
// (if non-empty) against the data model and stringifies the result.
func (s *Session) resolveExprOrLiteral(ctx context.Context, literal, expr string) (string, error) {
	if literal != "" {
		return literal, nil
	}
	if expr == "" {
		return "", nil
	}
	v, err := s.dataModel.EvaluateValue(ctx, expr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", v), nil
}

// assemblePayload builds the event's Data from <content>, or from
// namelist/params combined into a map (§4.5, mutually exclusive per the
// base spec's content-vs-params authoring rule). The second return value is
// a canonical JSON cache of that same payload (Open Question #2: "eventData
// is the canonical raw cache, params is the normalized decoded form"),
// assembled incrementally with sjson.SetBytes the way params/namelist
// entries are discovered rather than marshaled in one pass, so a caller
// that only needs a subset of fields (the HTTP processor's form encoding)
// can walk it with gjson without decoding the whole document.
func (s *Session) assemblePayload(ctx context.Context, a *scxml.SendAction) (any, []byte, error) {
	if a.Content != nil {
		if a.Content.Expr != "" {
			v, err := s.dataModel.EvaluateValue(ctx, a.Content.Expr)
			if err != nil {
				return nil, nil, err
			}
			return v, nil, nil
		}
		return a.Content.Body, []byte(a.Content.Body), nil
	}
	if len(a.Namelist) == 0 && len(a.Params) == 0 {
		return nil, nil, nil
	}
	out := map[string]any{}
	raw := []byte("{}")
	for _, name := range a.Namelist {
		v, err := s.dataModel.GetVariable(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		out[name] = v
		if set, err := sjson.SetBytes(raw, name, v); err == nil {
			raw = set
		}
	}
	for _, p := range a.Params {
		v, err := s.evaluateParam(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		out[p.Name] = v
		if set, err := sjson.SetBytes(raw, p.Name, v); err == nil {
			raw = set
		}
	}
	if a.Schema != nil {
		if result := jsonschema.ValidateJSONDocument(out, a.Schema); !result.Valid {
			return nil, nil, fmt.Errorf("send payload failed schema validation: %v", result.Errors)
		}
	}
	return out, raw, nil
}

// resolveDeliverer routes target to a no-argument delivery closure, without
// performing the delivery (so Send can hand it to the scheduler unchanged
// for delayed sends). Routing table (§4.5, §6):
//
//	""/own session, SCXML type   -> own external queue
//	"#_internal"                 -> own internal queue
//	"#_parent"                   -> parent session's external queue
//	"#_<invokeid>"                -> that invoked child's external queue
//	"#_scxml_<sessionid>"         -> that session's external queue via Registry
//	"http(s)://..." + BasicHTTP   -> IOProcessor.Handle
func (s *Session) resolveDeliverer(ctx context.Context, target, typ string, event scxml.Event) (func(), error) {
	switch {
	case target == "":
		return func() {
			event.Type = scxml.EventTypeExternal
			s.mu.Lock()
			s.external.push(event)
			s.mu.Unlock()
			s.signal()
		}, nil

	case target == "#_internal":
		return func() { s.Raise(event) }, nil

	case target == "#_parent":
		if s.registry == nil || s.parentSessionID == "" {
			return nil, fmt.Errorf("no parent session to send to")
		}
		parent, ok := s.registry.lookup(s.parentSessionID)
		if !ok {
			return nil, fmt.Errorf("parent session %q not found", s.parentSessionID)
		}
		event.InvokeID = s.parentInvokeID
		return func() { parent.SendExternal(event) }, nil

	case strings.HasPrefix(target, "#_scxml_"):
		if s.registry == nil {
			return nil, fmt.Errorf("no registry configured for cross-session send")
		}
		id := strings.TrimPrefix(target, "#_scxml_")
		dest, ok := s.registry.lookup(id)
		if !ok {
			return nil, fmt.Errorf("session %q not found", id)
		}
		return func() { dest.SendExternal(event) }, nil

	case strings.HasPrefix(target, "#_"):
		invokeID := strings.TrimPrefix(target, "#_")
		s.mu.Lock()
		inst, ok := s.invokesByID[invokeID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("invoked session %q not found", invokeID)
		}
		return func() { inst.child.SendExternal(event) }, nil

	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		proc, ok := s.ioProcessors[typ]
		if !ok {
			return nil, fmt.Errorf("no IOProcessor registered for type %q", typ)
		}
		return func() {
			if err := proc.Handle(ctx, &event, target); err != nil {
				s.ReportError(ctx, &scxml.PlatformError{
					EventName: scxml.EventErrorCommunication,
					Message:   "IOProcessor delivery failed",
					Data:      map[string]any{"target": target},
					Cause:     err,
				})
			}
		}, nil

	default:
		return nil, fmt.Errorf("unrecognized send target %q", target)
	}
}
