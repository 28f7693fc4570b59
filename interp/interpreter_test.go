package interp

import (
	"context"
	"testing"
	"time"

	"github.com/nullstate/scxml"
	"github.com/nullstate/scxml/datamodel"
	"github.com/nullstate/scxml/scheduler"
)

func newTestSession(t *testing.T, xml string, opts ...Option) *Session {
	t.Helper()
	doc, err := scxml.LoadBytes([]byte(xml))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	dm := datamodel.New()
	return NewSession(doc, dm, "test", opts...)
}

// waitUntil polls cond until it reports true or d elapses, returning whether
// it became true in time.
func waitUntil(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return cond()
		}
		time.Sleep(time.Millisecond)
	}
}

func runSession(t *testing.T, s *Session) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Start(ctx) }()
	return cancel
}

// Scenario A: an internal send queued after an already-queued external
// send must still be processed first (Ordering guarantee (a): internal
// events always precede external ones, regardless of enqueue order).
func TestQueuePriorityInternalBeforeExternal(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s0">
  <state id="s0">
    <onentry>
      <send event="event2"/>
      <send event="event1" target="#_internal"/>
    </onentry>
    <transition event="event1" target="got1"/>
    <transition event="event2" target="got2"/>
  </state>
  <state id="got1">
    <transition event="event2" target="pass"/>
  </state>
  <state id="got2"/>
  <state id="pass"/>
</scxml>`

	s := newTestSession(t, doc)
	cancel := runSession(t, s)
	defer cancel()

	if !waitUntil(time.Second, func() bool { return s.In("pass") }) {
		t.Fatalf("session never reached pass; configuration = %v", s.Configuration())
	}
}

// Scenario B: an external event is matched against the first transition
// whose descriptor matches in document order ("foo" before "*"), and a
// descriptor matches a dot-suffixed event name as a prefix.
func TestEventDescriptorMatching(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s0">
  <state id="s0">
    <transition event="foo" target="s1"/>
    <transition event="*" target="s2"/>
  </state>
  <state id="s1"/>
  <state id="s2"/>
</scxml>`

	s := newTestSession(t, doc)
	cancel := runSession(t, s)
	defer cancel()

	if !waitUntil(time.Second, func() bool { return s.IsRunning() && len(s.Configuration()) == 1 && s.Configuration()[0] == "s0" }) {
		t.Fatalf("session never settled into s0; configuration = %v", s.Configuration())
	}
	s.SendExternal(scxml.Event{Name: "foo.bar"})

	if !waitUntil(time.Second, func() bool { return s.In("s1") }) {
		t.Fatalf("expected s1 (matched by \"foo\" before \"*\"); configuration = %v", s.Configuration())
	}
	if s.In("s2") {
		t.Fatalf("s2 should not have matched; configuration = %v", s.Configuration())
	}
}

// Scenario C: <foreach> iterates a shallow copy of the bound array, running
// its body once per item.
func TestForeachIteratesArray(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s0">
  <datamodel>
    <data id="Var1" expr="[1,2,3]"/>
    <data id="Var2" expr="0"/>
  </datamodel>
  <state id="s0">
    <onentry>
      <foreach array="Var1" item="it">
        <assign location="Var2" expr="Var2 + 1"/>
      </foreach>
    </onentry>
  </state>
</scxml>`

	s := newTestSession(t, doc)
	cancel := runSession(t, s)
	defer cancel()

	ctx := context.Background()
	var v any
	ok := waitUntil(time.Second, func() bool {
		var err error
		v, err = s.DataModel().GetVariable(ctx, "Var2")
		return err == nil && isNumericValue(v, 3)
	})
	if !ok {
		t.Fatalf("Var2 = %v, want 3", v)
	}
}

func isNumericValue(v any, want int64) bool {
	switch n := v.(type) {
	case int64:
		return n == want
	case float64:
		return n == float64(want)
	default:
		return false
	}
}

// Scenario D: cancelling a delayed send before it fires prevents its event
// from ever being delivered.
func TestCancelPreventsDelayedSend(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s0">
  <state id="s0">
    <onentry>
      <send event="boom" delay="200ms" id="k"/>
      <cancel sendid="k"/>
      <send event="ok" delay="20ms"/>
    </onentry>
    <transition event="ok" target="pass"/>
    <transition event="boom" target="fail"/>
  </state>
  <state id="pass"/>
  <state id="fail"/>
</scxml>`

	sched := scheduler.New(scheduler.RealClock{})
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go sched.Run(schedCtx)

	s := newTestSession(t, doc, WithScheduler(sched))
	cancel := runSession(t, s)
	defer cancel()

	if !waitUntil(time.Second, func() bool { return s.In("pass") || s.In("fail") }) {
		t.Fatalf("session never reached pass or fail; configuration = %v", s.Configuration())
	}
	if s.In("fail") {
		t.Fatal("cancelled delayed send \"boom\" still fired")
	}
	if !s.In("pass") {
		t.Fatalf("expected pass; configuration = %v", s.Configuration())
	}
}

// Scenario E: an invoked child's inline <content><scxml>...</scxml></content>
// document runs, and its <donedata> is forwarded on done.invoke.<id>.
func TestInvokeInlineContentAndDoneData(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s0">
  <state id="s0">
    <invoke id="child1">
      <content>
        <scxml initial="done">
          <final id="done">
            <donedata>
              <content expr="42"/>
            </donedata>
          </final>
        </scxml>
      </content>
    </invoke>
    <transition event="done.invoke.child1" cond="_event.data == 42" target="pass"/>
  </state>
  <state id="pass"/>
</scxml>`

	s := newTestSession(t, doc)
	cancel := runSession(t, s)
	defer cancel()

	if !waitUntil(2*time.Second, func() bool { return s.In("pass") }) {
		t.Fatalf("session never reached pass; configuration = %v", s.Configuration())
	}
}

// Scenario F: a deep history pseudo-state restores the exact atomic
// descendant active before its parent was last exited, and an ordinary
// transition whose domain is a shared ancestor above the history's parent
// does not disturb that ancestor's own active membership.
func TestDeepHistoryRestoration(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="top">
  <state id="top" initial="p">
    <state id="p" initial="s1">
      <history id="h" type="deep">
        <transition target="s1"/>
      </history>
      <state id="s1">
        <transition event="next" target="outside"/>
      </state>
      <state id="s2"/>
    </state>
    <state id="outside">
      <transition event="back" target="h"/>
    </state>
  </state>
</scxml>`

	s := newTestSession(t, doc)
	cancel := runSession(t, s)
	defer cancel()

	if !waitUntil(time.Second, func() bool { return s.In("s1") }) {
		t.Fatalf("session never entered s1; configuration = %v", s.Configuration())
	}

	s.SendExternal(scxml.Event{Name: "next"})
	if !waitUntil(time.Second, func() bool { return s.In("outside") }) {
		t.Fatalf("session never entered outside; configuration = %v", s.Configuration())
	}
	if !s.In("top") {
		t.Fatalf("top should still be active across the outside transition; configuration = %v", s.Configuration())
	}

	s.SendExternal(scxml.Event{Name: "back"})
	if !waitUntil(time.Second, func() bool { return s.In("s1") && s.In("p") }) {
		t.Fatalf("deep history did not restore s1; configuration = %v", s.Configuration())
	}
	if s.In("s2") {
		t.Fatalf("history should only have restored s1, not s2; configuration = %v", s.Configuration())
	}
}
