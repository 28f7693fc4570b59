package interp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullstate/scxml"
	"github.com/nullstate/scxml/datamodel"
)

const hostTestDoc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s0">
  <state id="s0">
    <transition event="go" target="s1"/>
  </state>
  <state id="s1"/>
</scxml>`

func newHostTestSession(t *testing.T) (*Host, string) {
	t.Helper()
	doc, err := scxml.LoadBytes([]byte(hostTestDoc))
	require.NoError(t, err)
	h := NewHost(nil)
	sessionID, err := h.CreateSession(context.Background(), doc, datamodel.New(), "test")
	require.NoError(t, err)
	return h, sessionID
}

func TestHostSendDrivesSession(t *testing.T) {
	h, id := newHostTestSession(t)

	ok, err := h.IsRunning(id)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, waitUntil(time.Second, func() bool {
		cfg, err := h.GetActiveConfiguration(id)
		return err == nil && len(cfg) == 1 && cfg[0] == "s0"
	}), "session never settled into s0")

	require.NoError(t, h.Send(context.Background(), id, "go", nil))

	require.True(t, waitUntil(time.Second, func() bool {
		cfg, err := h.GetActiveConfiguration(id)
		return err == nil && len(cfg) == 1 && cfg[0] == "s1"
	}), "session never reached s1 after Send")
}

func TestHostSendUnknownSessionErrors(t *testing.T) {
	h := NewHost(nil)
	require.Error(t, h.Send(context.Background(), "missing", "go", nil))

	_, err := h.IsRunning("missing")
	require.Error(t, err)

	_, err = h.GetActiveConfiguration("missing")
	require.Error(t, err)

	_, err = h.Stats("missing")
	require.Error(t, err)
}

func TestHostCancelStopsSession(t *testing.T) {
	h, id := newHostTestSession(t)

	require.True(t, waitUntil(time.Second, func() bool {
		ok, err := h.IsRunning(id)
		return err == nil && ok
	}), "session never started running")

	require.NoError(t, h.Cancel(context.Background(), id))

	require.True(t, waitUntil(time.Second, func() bool {
		ok, err := h.IsRunning(id)
		return err == nil && !ok
	}), "session still running after Cancel")
}

func TestHostSubscribeReceivesObservations(t *testing.T) {
	h, id := newHostTestSession(t)

	obs, err := h.Subscribe(id, 8)
	require.NoError(t, err)

	require.NoError(t, h.Send(context.Background(), id, "go", nil))

	var sawTransition bool
	deadline := time.After(time.Second)
	for !sawTransition {
		select {
		case o := <-obs:
			if o.Kind == ObserveTransition {
				sawTransition = true
			}
		case <-deadline:
			t.Fatal("never observed a transition notification")
		}
	}
}

func TestHostStatsReflectsActivity(t *testing.T) {
	h, id := newHostTestSession(t)

	require.NoError(t, h.Send(context.Background(), id, "go", nil))

	require.True(t, waitUntil(time.Second, func() bool {
		stats, err := h.Stats(id)
		return err == nil && stats.TotalTransitions > 0
	}), "stats never reflected the transition")
}
