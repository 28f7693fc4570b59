package scxml

import (
	"strings"
	"testing"
)

const actionsDoc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s">
  <state id="s">
    <onentry>
      <raise event="started"/>
      <assign location="x" expr="1"/>
      <script>x = x + 1;</script>
      <log label="hello" expr="x"/>
      <if cond="x==1">
        <assign location="y" expr="'one'"/>
      <elseif cond="x==2"/>
        <assign location="y" expr="'two'"/>
      <else/>
        <assign location="y" expr="'other'"/>
      </if>
      <foreach array="items" item="it" index="i">
        <assign location="sum" expr="sum+it"/>
      </foreach>
      <send event="boom" delay="1s" id="k">
        <param name="a" expr="1"/>
      </send>
      <cancel sendid="k"/>
    </onentry>
  </state>
</scxml>`

func TestParseActionBlock(t *testing.T) {
	doc, err := Load(strings.NewReader(actionsDoc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	st, ok := doc.GetState("s")
	if !ok {
		t.Fatal("state s not found")
	}
	if len(st.OnEntry) != 1 {
		t.Fatalf("expected 1 onentry block, got %d", len(st.OnEntry))
	}
	actions := st.OnEntry[0]
	if len(actions) != 8 {
		t.Fatalf("expected 8 actions, got %d: %#v", len(actions), actions)
	}

	if r, ok := actions[0].(*RaiseAction); !ok || r.Event != "started" {
		t.Errorf("actions[0] = %#v, want RaiseAction{started}", actions[0])
	}
	if a, ok := actions[1].(*AssignAction); !ok || a.Location != "x" || a.Expr != "1" {
		t.Errorf("actions[1] = %#v, want AssignAction{x, 1}", actions[1])
	}
	if sc, ok := actions[2].(*ScriptAction); !ok || !strings.Contains(sc.Content, "x = x + 1") {
		t.Errorf("actions[2] = %#v, want ScriptAction containing x = x + 1", actions[2])
	}
	if l, ok := actions[3].(*LogAction); !ok || l.Label != "hello" || l.Expr != "x" {
		t.Errorf("actions[3] = %#v, want LogAction{hello, x}", actions[3])
	}

	ifa, ok := actions[4].(*IfAction)
	if !ok {
		t.Fatalf("actions[4] = %#v, want IfAction", actions[4])
	}
	if len(ifa.Branches) != 3 {
		t.Fatalf("expected 3 branches, got %d", len(ifa.Branches))
	}
	if ifa.Branches[0].Cond != "x==1" || !ifa.Branches[0].HasCond {
		t.Errorf("branch 0 = %+v", ifa.Branches[0])
	}
	if ifa.Branches[1].Cond != "x==2" || !ifa.Branches[1].HasCond {
		t.Errorf("branch 1 = %+v", ifa.Branches[1])
	}
	if ifa.Branches[2].HasCond {
		t.Errorf("else branch should have HasCond == false, got %+v", ifa.Branches[2])
	}
	for i, b := range ifa.Branches {
		if len(b.Actions) != 1 {
			t.Errorf("branch %d should have exactly 1 action, got %d", i, len(b.Actions))
		}
	}

	fe, ok := actions[5].(*ForeachAction)
	if !ok {
		t.Fatalf("actions[5] = %#v, want ForeachAction", actions[5])
	}
	if fe.Array != "items" || fe.Item != "it" || fe.Index != "i" {
		t.Errorf("foreach = %+v", fe)
	}
	if len(fe.Actions) != 1 {
		t.Errorf("foreach body should have 1 action, got %d", len(fe.Actions))
	}

	send, ok := actions[6].(*SendAction)
	if !ok {
		t.Fatalf("actions[6] = %#v, want SendAction", actions[6])
	}
	if send.Event != "boom" || send.Delay != "1s" || send.SendID != "k" {
		t.Errorf("send = %+v", send)
	}
	if len(send.Params) != 1 || send.Params[0].Name != "a" || send.Params[0].Expr != "1" {
		t.Errorf("send params = %+v", send.Params)
	}

	cancel, ok := actions[7].(*CancelAction)
	if !ok || cancel.SendID != "k" {
		t.Errorf("actions[7] = %#v, want CancelAction{k}", actions[7])
	}
}

func TestSendDefaultsToSCXMLType(t *testing.T) {
	doc, err := Load(strings.NewReader(`<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s">
  <state id="s">
    <onentry><send event="e"/></onentry>
  </state>
</scxml>`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	st, _ := doc.GetState("s")
	send := st.OnEntry[0][0].(*SendAction)
	if send.Type != SCXMLEventProcessorType {
		t.Errorf("send.Type = %q, want %q", send.Type, SCXMLEventProcessorType)
	}
}
