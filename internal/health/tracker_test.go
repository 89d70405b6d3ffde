package health

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTrackerSetAndSnapshot(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf("bus", LevelOK, "registered as %s", "com.example.svc")
	snap := tracker.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
	if snap["bus"].Level != LevelOK {
		t.Fatalf("expected level ok")
	}
	if snap["bus"].Message != "registered as com.example.svc" {
		t.Fatalf("unexpected message %q", snap["bus"].Message)
	}
	if snap["bus"].UpdatedAt.IsZero() {
		t.Fatalf("expected timestamp to be filled in")
	}
}

func TestTrackerReady(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf("bus", LevelOK, "ready")
	tracker.Setf("cookie-export", LevelWarn, "source database missing")

	if !tracker.Ready("bus") {
		t.Fatal("bus should be ready")
	}
	if tracker.Ready("bus", "cookie-export") {
		t.Fatal("cookie-export should make readiness fail")
	}
	if tracker.Ready("backup-participant") {
		t.Fatal("missing component should not be ready")
	}
}

func TestTrackerOverall(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf("a", LevelOK, "ok")
	tracker.Setf("b", LevelWarn, "warn")
	if tracker.Overall() != LevelWarn {
		t.Fatalf("expected overall warn")
	}
	tracker.Setf("c", LevelError, "fail")
	if tracker.Overall() != LevelError {
		t.Fatalf("expected overall error")
	}
}

func TestTrackerComponentsSortedAndEncoded(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf("zeta", LevelOK, "ok")
	tracker.Setf("alpha", LevelError, "down")
	comps := tracker.Components()
	if len(comps) != 2 || comps[0].Name != "alpha" || comps[1].Name != "zeta" {
		t.Fatalf("unexpected order: %#v", comps)
	}
	data, err := json.Marshal(comps[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"level":"error"`) {
		t.Fatalf("expected textual level in %s", data)
	}
	if !strings.Contains(string(data), `"name":"alpha"`) {
		t.Fatalf("expected name in %s", data)
	}
}
