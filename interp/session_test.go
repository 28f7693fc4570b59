package interp

import (
	"context"
	"testing"
	"time"

	"github.com/nullstate/scxml"
)

const snapshotTestDoc = `<?xml version="1.0"?>
<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s0">
  <datamodel>
    <data id="x" expr="7"/>
  </datamodel>
  <state id="s0"/>
</scxml>`

func TestSnapshotReportsConfigurationAndData(t *testing.T) {
	s := newTestSession(t, snapshotTestDoc)
	cancel := runSession(t, s)
	defer cancel()

	if !waitUntil(time.Second, func() bool { return s.In("s0") }) {
		t.Fatal("session never entered s0")
	}

	snap, err := s.Snapshot(context.Background(), scxml.SnapshotConfig{})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Configuration) != 1 || snap.Configuration[0] != "s0" {
		t.Fatalf("Configuration = %v, want [s0]", snap.Configuration)
	}
	if v, ok := snap.Data["x"]; !ok || !isNumericValue(v, 7) {
		t.Fatalf("Data[x] = %v, want 7", snap.Data["x"])
	}
}

func TestSnapshotExcludeFlags(t *testing.T) {
	s := newTestSession(t, snapshotTestDoc)
	cancel := runSession(t, s)
	defer cancel()

	if !waitUntil(time.Second, func() bool { return s.In("s0") }) {
		t.Fatal("session never entered s0")
	}

	snap, err := s.Snapshot(context.Background(), scxml.SnapshotConfig{ExcludeConfiguration: true, ExcludeData: true})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Configuration != nil {
		t.Fatalf("Configuration = %v, want nil when excluded", snap.Configuration)
	}
	if snap.Data != nil {
		t.Fatalf("Data = %v, want nil when excluded", snap.Data)
	}

	all, err := s.Snapshot(context.Background(), scxml.SnapshotConfig{ExcludeAll: true})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if all.Configuration != nil || all.Data != nil || all.InternalQueue != nil {
		t.Fatalf("ExcludeAll snapshot should be empty, got %+v", all)
	}
	if all.SessionID != s.SessionID() {
		t.Fatalf("SessionID = %q, want %q", all.SessionID, s.SessionID())
	}
}
