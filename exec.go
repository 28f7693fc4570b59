package scxml

import (
	"context"
	"fmt"

	"github.com/agentflare-ai/go-pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var execTracer = otel.Tracer("scxml")

// Interpreter is the seam executable content runs against (grounded on the
// teacher's own root Interpreter interface): a running session exposes just
// enough of itself — event delivery, its data model, logging, clock — for
// the executable-content engine to stay ignorant of sessions, the
// scheduler, and the registry.
type Interpreter interface {
	SessionID() string
	Name() string
	In(id StateID) bool
	Raise(event Event)
	Send(ctx context.Context, action *SendAction) error
	Cancel(ctx context.Context, action *CancelAction) error
	Log(ctx context.Context, label string, value any)
	DataModel() DataModel
	Clock() Clock
	ReportError(ctx context.Context, perr *PlatformError)
}

// blockResult is the pipeline writer threaded through one block's action
// chain; it exists only so a stage can record which action ultimately
// failed a block, for diagnostics.
type blockResult struct {
	failedIndex int
	err         error
}

// ExecuteBlock runs actions in document order and stops at the first
// failure (§4.3): "the first failure in a sequence ... HALTS the remaining
// actions in that same block." Implemented as a go-pipeline chain, one
// stage per action, so the halt is the library's own short-circuit
// semantics rather than a hand-rolled loop-with-break.
func ExecuteBlock(ctx context.Context, interp Interpreter, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	stages := make([]pipeline.Pipe[context.Context, *blockResult, Action], len(actions))
	for i, act := range actions {
		i, act := i, act
		stages[i] = func(ctx context.Context, w *blockResult, input Action, next pipeline.Next[context.Context, *blockResult, Action]) error {
			if err := executeAction(ctx, interp, act); err != nil {
				w.failedIndex = i
				w.err = err
				return err
			}
			return next(ctx, w, input)
		}
	}
	p := pipeline.New(ctx, stages...)
	w := &blockResult{failedIndex: -1}
	return p.Process(ctx, w, actions[0])
}

func executeAction(ctx context.Context, interp Interpreter, act Action) error {
	ctx, span := execTracer.Start(ctx, fmt.Sprintf("action.%s", actionKindName(act)))
	defer span.End()

	switch a := act.(type) {
	case *RaiseAction:
		return execRaise(interp, a)
	case *AssignAction:
		return execAssign(ctx, interp, a)
	case *ScriptAction:
		return execScript(ctx, interp, a)
	case *LogAction:
		return execLog(ctx, interp, a)
	case *IfAction:
		return execIf(ctx, interp, a)
	case *ForeachAction:
		return execForeach(ctx, interp, a)
	case *SendAction:
		return interp.Send(ctx, a)
	case *CancelAction:
		return interp.Cancel(ctx, a)
	default:
		span.SetAttributes(attribute.Bool("unknown", true))
		return nil
	}
}

func actionKindName(act Action) string {
	switch act.(type) {
	case *RaiseAction:
		return "raise"
	case *AssignAction:
		return "assign"
	case *ScriptAction:
		return "script"
	case *LogAction:
		return "log"
	case *IfAction:
		return "if"
	case *ForeachAction:
		return "foreach"
	case *SendAction:
		return "send"
	case *CancelAction:
		return "cancel"
	default:
		return "unknown"
	}
}

func execRaise(interp Interpreter, a *RaiseAction) error {
	interp.Raise(Event{Name: a.Event, Type: EventTypeInternal})
	return nil
}

func execAssign(ctx context.Context, interp Interpreter, a *AssignAction) error {
	if a.Location == "" || isSystemVariable(a.Location) {
		err := fmt.Errorf("illegal assign location %q", a.Location)
		interp.ReportError(ctx, &PlatformError{
			EventName: EventErrorExecution,
			Message:   "illegal assign location",
			Data:      map[string]any{"location": a.Location},
			Cause:     err,
		})
		return err
	}
	value, err := interp.DataModel().EvaluateValue(ctx, a.Expr)
	if err != nil {
		interp.ReportError(ctx, &PlatformError{
			EventName: EventErrorExecution,
			Message:   "assign expression evaluation failed",
			Data:      map[string]any{"location": a.Location, "expr": a.Expr},
			Cause:     err,
		})
		return err
	}
	if err := interp.DataModel().Assign(ctx, a.Location, value); err != nil {
		interp.ReportError(ctx, &PlatformError{
			EventName: EventErrorExecution,
			Message:   "assign failed",
			Data:      map[string]any{"location": a.Location},
			Cause:     err,
		})
		return err
	}
	return nil
}

func isSystemVariable(name string) bool {
	switch name {
	case EventSystemVariable, SessionIDSystemVariable, NameSystemVariable, IOProcessorsSystemVariable:
		return true
	default:
		return false
	}
}

func execScript(ctx context.Context, interp Interpreter, a *ScriptAction) error {
	if err := interp.DataModel().ExecuteScript(ctx, a.Content); err != nil {
		interp.ReportError(ctx, &PlatformError{
			EventName: EventErrorExecution,
			Message:   "script execution failed",
			Cause:     err,
		})
		return err
	}
	return nil
}

func execLog(ctx context.Context, interp Interpreter, a *LogAction) error {
	var value any
	if a.Expr != "" {
		v, err := interp.DataModel().EvaluateValue(ctx, a.Expr)
		if err != nil {
			interp.ReportError(ctx, &PlatformError{
				EventName: EventErrorExecution,
				Message:   "log expression evaluation failed",
				Data:      map[string]any{"expr": a.Expr},
				Cause:     err,
			})
			return err
		}
		value = v
	}
	interp.Log(ctx, a.Label, value)
	return nil
}

func execIf(ctx context.Context, interp Interpreter, a *IfAction) error {
	for _, branch := range a.Branches {
		matched := true
		if branch.HasCond {
			v, err := interp.DataModel().EvaluateCondition(ctx, branch.Cond)
			if err != nil {
				interp.ReportError(ctx, &PlatformError{
					EventName: EventErrorExecution,
					Message:   "if condition evaluation failed",
					Data:      map[string]any{"cond": branch.Cond},
					Cause:     err,
				})
				matched = false
			} else {
				matched = v
			}
		}
		if matched {
			return ExecuteBlock(ctx, interp, branch.Actions)
		}
	}
	return nil
}

func execForeach(ctx context.Context, interp Interpreter, a *ForeachAction) error {
	if a.Item == "" || isReservedIdentifier(a.Item) {
		err := fmt.Errorf("illegal foreach item name %q", a.Item)
		interp.ReportError(ctx, &PlatformError{
			EventName: EventErrorExecution,
			Message:   "illegal foreach item",
			Data:      map[string]any{"item": a.Item},
			Cause:     err,
		})
		return err
	}
	raw, err := interp.DataModel().EvaluateValue(ctx, a.Array)
	if err != nil {
		interp.ReportError(ctx, &PlatformError{
			EventName: EventErrorExecution,
			Message:   "foreach array evaluation failed",
			Data:      map[string]any{"array": a.Array},
			Cause:     err,
		})
		return err
	}
	items, ok := toIterable(raw)
	if !ok {
		err := fmt.Errorf("foreach array %q did not evaluate to an iterable", a.Array)
		interp.ReportError(ctx, &PlatformError{
			EventName: EventErrorExecution,
			Message:   "foreach array is not iterable",
			Data:      map[string]any{"array": a.Array},
			Cause:     err,
		})
		return err
	}

	// Shallow copy taken before the first iteration (Testable Property 7):
	// toIterable already returns a fresh slice header, but the backing
	// array could still be the same one the data model holds, so copy it
	// explicitly.
	snapshot := make([]any, len(items))
	copy(snapshot, items)

	for i, item := range snapshot {
		if err := interp.DataModel().SetVariable(ctx, a.Item, item); err != nil {
			return err
		}
		if a.Index != "" {
			if err := interp.DataModel().SetVariable(ctx, a.Index, i); err != nil {
				return err
			}
		}
		if err := ExecuteBlock(ctx, interp, a.Actions); err != nil {
			return err
		}
	}
	return nil
}

func isReservedIdentifier(name string) bool {
	switch name {
	case "var", "let", "const", "function", "if", "else", "for", "while", "return",
		"this", "new", "delete", "typeof", "instanceof", "in", "of", "class",
		"true", "false", "null", "undefined", "void":
		return true
	default:
		return isSystemVariable(name)
	}
}

func toIterable(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}
