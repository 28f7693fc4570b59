package scxml

import (
	"strings"
	"testing"
)

const basicDoc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s">
  <state id="s">
    <state id="s1">
      <transition event="go" target="s2"/>
    </state>
    <state id="s2"/>
  </state>
  <final id="done"/>
</scxml>`

func TestLoadBasicDocument(t *testing.T) {
	doc, err := Load(strings.NewReader(basicDoc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(doc.Roots()) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(doc.Roots()))
	}

	s, ok := doc.GetState("s")
	if !ok {
		t.Fatal("state s not found")
	}
	if s.Kind != KindCompound {
		t.Errorf("state s kind = %v, want compound", s.Kind)
	}
	if s.Initial != "s1" {
		t.Errorf("state s initial = %q, want s1", s.Initial)
	}

	s1, ok := doc.GetState("s1")
	if !ok {
		t.Fatal("state s1 not found")
	}
	if !s1.IsAtomic() {
		t.Errorf("state s1 should be atomic (no child states), kind = %v", s1.Kind)
	}
	if len(s1.Transitions) != 1 || s1.Transitions[0].Targets[0] != "s2" {
		t.Fatalf("unexpected transitions on s1: %+v", s1.Transitions)
	}

	done, ok := doc.GetState("done")
	if !ok || !done.IsFinal() {
		t.Fatalf("state done should be final")
	}
}

func TestDocumentOrderIsStableAndTotal(t *testing.T) {
	doc, err := Load(strings.NewReader(basicDoc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	seen := make(map[int]bool)
	for _, st := range doc.AllStates() {
		if seen[st.Doc] {
			t.Fatalf("duplicate document order index %d", st.Doc)
		}
		seen[st.Doc] = true
	}
	if doc.DocumentOrder("s") >= doc.DocumentOrder("s1") {
		t.Errorf("parent s should precede child s1 in document order")
	}
}

func TestAncestorChainAndDescendant(t *testing.T) {
	doc, err := Load(strings.NewReader(basicDoc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	chain := doc.AncestorChain("s1")
	if len(chain) != 1 || chain[0] != "s" {
		t.Fatalf("AncestorChain(s1) = %v, want [s]", chain)
	}
	if !doc.IsDescendant("s1", "s") {
		t.Errorf("s1 should be a descendant of s")
	}
	if doc.IsDescendant("s", "s1") {
		t.Errorf("s should not be a descendant of s1")
	}
	if !doc.IsOrIsDescendant("s", "s") {
		t.Errorf("s should be-or-be-descendant of itself")
	}
}

const parallelDoc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="p">
  <parallel id="p">
    <state id="r1">
      <state id="r1a"/>
    </state>
    <state id="r2">
      <state id="r2a"/>
    </state>
  </parallel>
</scxml>`

func TestLCCA(t *testing.T) {
	doc, err := Load(strings.NewReader(parallelDoc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p, ok := doc.GetState("p")
	if !ok || !p.IsParallel() {
		t.Fatalf("p should be parallel, got %+v", p)
	}

	lcca, ok := doc.LCCA([]StateID{"r1a", "r2a"})
	if !ok || lcca != "p" {
		t.Fatalf("LCCA(r1a, r2a) = %q, %v, want p, true", lcca, ok)
	}

	lcca, ok = doc.LCCA([]StateID{"r1a"})
	if !ok || lcca != "r1" {
		t.Fatalf("LCCA(r1a) = %q, %v, want r1, true", lcca, ok)
	}
}

func TestLoadRejectsUnknownTransitionTarget(t *testing.T) {
	bad := `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s">
  <state id="s">
    <transition event="go" target="nope"/>
  </state>
</scxml>`
	_, err := Load(strings.NewReader(bad))
	if err == nil {
		t.Fatal("expected an error for an unresolvable transition target")
	}
	if _, ok := err.(*ExecutionError); !ok {
		t.Fatalf("expected *ExecutionError, got %T", err)
	}
}

func TestLoadRejectsNonScxmlRoot(t *testing.T) {
	bad := `<?xml version="1.0"?><foo/>`
	_, err := Load(strings.NewReader(bad))
	if err == nil {
		t.Fatal("expected an error for a non-scxml root element")
	}
}

func TestLoadRejectsDuplicateStateIDs(t *testing.T) {
	bad := `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s">
  <state id="s"/>
  <state id="s"/>
</scxml>`
	_, err := Load(strings.NewReader(bad))
	if err == nil {
		t.Fatal("expected an error for duplicate state ids")
	}
}
