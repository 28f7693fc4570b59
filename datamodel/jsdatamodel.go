// Package datamodel is the ECMAScript implementation of scxml.DataModel
// (§4.2), one goja.Runtime per session.
package datamodel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentflare-ai/go-jsonpointer"
	"github.com/dop251/goja"

	"github.com/nullstate/scxml"
)

// JSDataModel is a session-scoped ECMAScript context. It is not safe for
// concurrent use by more than one goroutine at a time — the owning
// interpreter is single-threaded per session (§5), so the mutex here only
// guards against a scheduler callback (e.g. a delayed send firing) racing
// the interpreter's own goroutine during the brief window either holds it.
type JSDataModel struct {
	mu          sync.Mutex
	vm          *goja.Runtime
	inPredicate func(string) bool
}

var _ scxml.DataModel = (*JSDataModel)(nil)

// New constructs an empty data model. Call Initialize before use.
func New() *JSDataModel {
	return &JSDataModel{vm: goja.New()}
}

func (dm *JSDataModel) Initialize(ctx context.Context, elements []*scxml.DataElement, mode scxml.BindingMode) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for _, el := range elements {
		if mode == scxml.BindingLate {
			if err := dm.vm.Set(el.ID, goja.Undefined()); err != nil {
				return err
			}
			continue
		}
		value, err := dm.initialValue(el)
		if err != nil {
			return &scxml.PlatformError{
				EventName: scxml.EventErrorExecution,
				Message:   "data initialization failed",
				Data:      map[string]any{"id": el.ID},
				Cause:     err,
			}
		}
		if err := dm.vm.Set(el.ID, value); err != nil {
			return err
		}
	}
	return nil
}

func (dm *JSDataModel) initialValue(el *scxml.DataElement) (any, error) {
	switch {
	case el.Expr != "":
		v, err := dm.vm.RunString(el.Expr)
		if err != nil {
			return nil, err
		}
		return v.Export(), nil
	case el.Inline != "":
		var parsed any
		if err := json.Unmarshal([]byte(el.Inline), &parsed); err == nil {
			return parsed, nil
		}
		return el.Inline, nil
	default:
		return goja.Undefined(), nil
	}
}

func (dm *JSDataModel) EvaluateValue(ctx context.Context, expr string) (any, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	v, err := dm.vm.RunString(expr)
	if err != nil {
		return nil, err
	}
	return v.Export(), nil
}

func (dm *JSDataModel) EvaluateCondition(ctx context.Context, expr string) (bool, error) {
	v, err := dm.EvaluateValue(ctx, expr)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", expr)
	}
	return b, nil
}

func (dm *JSDataModel) EvaluateLocation(ctx context.Context, location string) (any, error) {
	if strings.HasPrefix(location, "/") {
		return dm.evaluatePointer(location)
	}
	return dm.EvaluateValue(ctx, location)
}

func (dm *JSDataModel) evaluatePointer(location string) (any, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ptr, err := jsonpointer.New(location)
	if err != nil {
		return nil, err
	}
	return ptr.Get(dm.exportGlobalsLocked())
}

func (dm *JSDataModel) Assign(ctx context.Context, location string, value any) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if strings.HasPrefix(location, "/") {
		return dm.assignPointerLocked(location, value)
	}
	if err := dm.vm.Set("__assign_value__", value); err != nil {
		return err
	}
	defer dm.vm.GlobalObject().Delete("__assign_value__")
	_, err := dm.vm.RunString("'use strict';\n" + location + " = __assign_value__;")
	return err
}

func (dm *JSDataModel) assignPointerLocked(location string, value any) error {
	ptr, err := jsonpointer.New(location)
	if err != nil {
		return err
	}
	doc := dm.exportGlobalsLocked()
	updated, err := ptr.Set(doc, value)
	if err != nil {
		return err
	}
	merged, ok := updated.(map[string]any)
	if !ok {
		return fmt.Errorf("pointer assign to %q did not produce an object root", location)
	}
	for k, v := range merged {
		if err := dm.vm.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// exportGlobalsLocked snapshots every own enumerable global binding as a
// plain Go value tree, for JSON-pointer evaluation/assignment. Caller must
// hold dm.mu.
func (dm *JSDataModel) exportGlobalsLocked() map[string]any {
	global := dm.vm.GlobalObject()
	out := make(map[string]any)
	for _, key := range global.Keys() {
		out[key] = global.Get(key).Export()
	}
	return out
}

// SnapshotValues exports every own enumerable global binding as a plain Go
// value tree, for Session.Snapshot (supplemental, SPEC_FULL §3). Not part of
// the scxml.DataModel contract; callers type-assert for it.
func (dm *JSDataModel) SnapshotValues(ctx context.Context) map[string]any {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.exportGlobalsLocked()
}

func (dm *JSDataModel) GetVariable(ctx context.Context, name string) (any, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	v := dm.vm.Get(name)
	if v == nil {
		return nil, fmt.Errorf("undefined variable %q", name)
	}
	return v.Export(), nil
}

func (dm *JSDataModel) SetVariable(ctx context.Context, name string, value any) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if isSystemVariableName(name) {
		return &scxml.PlatformError{
			EventName: scxml.EventErrorExecution,
			Message:   "cannot reassign system variable",
			Data:      map[string]any{"name": name},
		}
	}
	return dm.vm.Set(name, value)
}

func (dm *JSDataModel) GetSystemVariable(ctx context.Context, name string) (any, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	v := dm.vm.Get(name)
	if v == nil {
		return nil, fmt.Errorf("unset system variable %q", name)
	}
	return v.Export(), nil
}

func (dm *JSDataModel) SetSystemVariable(ctx context.Context, name string, value any) error {
	return &scxml.PlatformError{
		EventName: scxml.EventErrorExecution,
		Message:   "system variables are read-only",
		Data:      map[string]any{"name": name},
	}
}

func (dm *JSDataModel) SetCurrentEvent(ctx context.Context, event *scxml.Event) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	obj := dm.vm.NewObject()
	_ = obj.Set("name", event.Name)
	_ = obj.Set("type", string(event.Type))
	_ = obj.Set("sendid", event.SendID)
	_ = obj.Set("origin", event.Origin)
	_ = obj.Set("origintype", event.OriginType)
	_ = obj.Set("invokeid", event.InvokeID)
	_ = obj.Set("data", event.Data)
	return dm.defineReadOnlyGlobalLocked(scxml.EventSystemVariable, obj)
}

func (dm *JSDataModel) SetupSystemVariables(ctx context.Context, sessionID, name string, ioProcessors map[string]any) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.defineReadOnlyGlobalLocked(scxml.SessionIDSystemVariable, dm.vm.ToValue(sessionID)); err != nil {
		return err
	}
	if err := dm.defineReadOnlyGlobalLocked(scxml.NameSystemVariable, dm.vm.ToValue(name)); err != nil {
		return err
	}
	ioObj := dm.vm.NewObject()
	for uri, v := range ioProcessors {
		_ = ioObj.Set(uri, v)
	}
	if err := dm.defineReadOnlyGlobalLocked(scxml.IOProcessorsSystemVariable, ioObj); err != nil {
		return err
	}
	return dm.defineReadOnlyGlobalLocked(scxml.EventSystemVariable, goja.Undefined())
}

// defineReadOnlyGlobalLocked binds name as non-writable (so a direct
// assignment under strict mode throws, surfacing as error.execution through
// ExecuteScript/Assign's error path) but configurable, so the interpreter
// itself can redefine _event on every processed event. Caller must hold
// dm.mu.
func (dm *JSDataModel) defineReadOnlyGlobalLocked(name string, value goja.Value) error {
	global := dm.vm.GlobalObject()
	return global.DefineDataProperty(name, value, goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

func (dm *JSDataModel) RegisterInPredicate(ctx context.Context, in func(stateID string) bool) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.inPredicate = in
	return dm.vm.Set("In", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return dm.vm.ToValue(false)
		}
		return dm.vm.ToValue(in(call.Arguments[0].String()))
	})
}

func (dm *JSDataModel) ExecuteScript(ctx context.Context, script string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	_, err := dm.vm.RunString("'use strict';\n" + script)
	return err
}

func (dm *JSDataModel) Clone(ctx context.Context) (scxml.DataModel, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	clone := New()
	for k, v := range dm.exportGlobalsLocked() {
		if err := clone.vm.Set(k, v); err != nil {
			return nil, err
		}
	}
	if dm.inPredicate != nil {
		if err := clone.RegisterInPredicate(ctx, dm.inPredicate); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

func (dm *JSDataModel) ValidateExpression(ctx context.Context, expr string, kind scxml.ExpressionType) error {
	if expr == "" {
		return nil
	}
	_, err := goja.Compile(string(kind), expr, false)
	return err
}

func isSystemVariableName(name string) bool {
	switch name {
	case scxml.EventSystemVariable, scxml.SessionIDSystemVariable, scxml.NameSystemVariable, scxml.IOProcessorsSystemVariable:
		return true
	default:
		return false
	}
}
