package datamodel

import (
	"context"
	"testing"

	"github.com/nullstate/scxml"
)

func TestEvaluateValueAndCondition(t *testing.T) {
	ctx := context.Background()
	dm := New()
	if err := dm.Initialize(ctx, nil, scxml.BindingEarly); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := dm.SetVariable(ctx, "x", 41); err != nil {
		t.Fatalf("SetVariable() error = %v", err)
	}

	v, err := dm.EvaluateValue(ctx, "x + 1")
	if err != nil {
		t.Fatalf("EvaluateValue() error = %v", err)
	}
	if n, ok := v.(int64); !ok || n != 42 {
		if f, ok := v.(float64); !ok || f != 42 {
			t.Fatalf("EvaluateValue(x + 1) = %v (%T), want 42", v, v)
		}
	}

	ok, err := dm.EvaluateCondition(ctx, "x == 41")
	if err != nil {
		t.Fatalf("EvaluateCondition() error = %v", err)
	}
	if !ok {
		t.Error("EvaluateCondition(x == 41) = false, want true")
	}
}

func TestAssignRejectsSystemVariables(t *testing.T) {
	ctx := context.Background()
	dm := New()
	if err := dm.SetupSystemVariables(ctx, "sess1", "machine", nil); err != nil {
		t.Fatalf("SetupSystemVariables() error = %v", err)
	}
	err := dm.SetVariable(ctx, scxml.SessionIDSystemVariable, "hacked")
	if err == nil {
		t.Fatal("SetVariable(_sessionid, ...) should fail")
	}
	got, err := dm.GetSystemVariable(ctx, scxml.SessionIDSystemVariable)
	if err != nil {
		t.Fatalf("GetSystemVariable() error = %v", err)
	}
	if got != "sess1" {
		t.Errorf("_sessionid = %v, want unchanged sess1", got)
	}
}

func TestSetCurrentEventBindsEventObject(t *testing.T) {
	ctx := context.Background()
	dm := New()
	ev := &scxml.Event{Name: "go", Type: scxml.EventTypeExternal, SendID: "s1"}
	if err := dm.SetCurrentEvent(ctx, ev); err != nil {
		t.Fatalf("SetCurrentEvent() error = %v", err)
	}
	v, err := dm.EvaluateValue(ctx, "_event.name")
	if err != nil {
		t.Fatalf("EvaluateValue(_event.name) error = %v", err)
	}
	if v != "go" {
		t.Errorf("_event.name = %v, want go", v)
	}
}

func TestForeachIterableArray(t *testing.T) {
	ctx := context.Background()
	dm := New()
	if err := dm.Initialize(ctx, nil, scxml.BindingEarly); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := dm.EvaluateValue(ctx, "Var1 = [1,2,3]"); err != nil {
		t.Fatalf("seeding Var1 failed: %v", err)
	}
	v, err := dm.EvaluateValue(ctx, "Var1")
	if err != nil {
		t.Fatalf("EvaluateValue(Var1) error = %v", err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("Var1 = %#v, want a 3-element slice", v)
	}
}

func TestInPredicate(t *testing.T) {
	ctx := context.Background()
	dm := New()
	if err := dm.RegisterInPredicate(ctx, func(id string) bool { return id == "s1" }); err != nil {
		t.Fatalf("RegisterInPredicate() error = %v", err)
	}
	v, err := dm.EvaluateValue(ctx, `In('s1')`)
	if err != nil {
		t.Fatalf("EvaluateValue(In('s1')) error = %v", err)
	}
	if v != true {
		t.Errorf("In('s1') = %v, want true", v)
	}
	v, err = dm.EvaluateValue(ctx, `In('s2')`)
	if err != nil {
		t.Fatalf("EvaluateValue(In('s2')) error = %v", err)
	}
	if v != false {
		t.Errorf("In('s2') = %v, want false", v)
	}
}

func TestEarlyBindingInitializesImmediately(t *testing.T) {
	ctx := context.Background()
	dm := New()
	elements := []*scxml.DataElement{{ID: "count", Expr: "5"}}
	if err := dm.Initialize(ctx, elements, scxml.BindingEarly); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	v, err := dm.GetVariable(ctx, "count")
	if err != nil {
		t.Fatalf("GetVariable(count) error = %v", err)
	}
	if n, ok := v.(int64); !ok || n != 5 {
		t.Errorf("count = %v (%T), want int64(5)", v, v)
	}
}

func TestLateBindingCreatesUndefined(t *testing.T) {
	ctx := context.Background()
	dm := New()
	elements := []*scxml.DataElement{{ID: "count", Expr: "5"}}
	if err := dm.Initialize(ctx, elements, scxml.BindingLate); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	ok, err := dm.EvaluateCondition(ctx, "count === undefined")
	if err != nil {
		t.Fatalf("EvaluateCondition() error = %v", err)
	}
	if !ok {
		t.Error("late-bound data should be undefined until first entry assigns it")
	}
}

func TestClonePreservesBindingsAndInPredicate(t *testing.T) {
	ctx := context.Background()
	dm := New()
	_ = dm.SetVariable(ctx, "x", 7)
	_ = dm.RegisterInPredicate(ctx, func(id string) bool { return id == "s1" })

	clone, err := dm.Clone(ctx)
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	v, err := clone.GetVariable(ctx, "x")
	if err != nil {
		t.Fatalf("GetVariable(x) on clone error = %v", err)
	}
	if n, ok := v.(int64); !ok || n != 7 {
		t.Errorf("cloned x = %v (%T), want int64(7)", v, v)
	}
}
