package backup

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"appdatabackupd/internal/bus"
	"appdatabackupd/internal/events"
)

func TestObserversOnlyLog(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	before := call(t, p.PreBackup, `{}`)
	stateBefore := p.State()

	status := events.DbBackupStatus{URL: CookieAppID, Err: 3}
	p.DbDumpStarted(status)
	p.DbDumpStopped(status)
	p.DbRestoreStarted(status)
	p.DbRestoreStopped(status)

	if p.State() != stateBefore {
		t.Fatalf("observer changed state: %+v -> %+v", stateBefore, p.State())
	}
	if after := call(t, p.PreBackup, `{}`); !bytes.Equal(before, after) {
		t.Fatalf("observer changed preBackup reply:\n%s\n%s", before, after)
	}
	if got := string(call(t, p.PostRestore, `{"files":[]}`)); got != `{"returnValue":true}` {
		t.Fatalf("observer changed postRestore reply: %s", got)
	}
	logs := f.logs.String()
	for _, want := range []string{"started database dump", "stopped database dump", "started restore", "stopped restore"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("expected %q in logs %q", want, logs)
		}
	}
	if !strings.Contains(logs, CookieAppID) {
		t.Fatalf("expected source id in logs %q", logs)
	}
}

func TestObserveDatabaseEvents(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	evts := events.NewBus()
	done := p.ObserveDatabaseEvents(evts)

	evts.Publish(events.Event{Topic: events.TopicDbDumpStarted, Payload: events.DbBackupStatus{URL: CookieAppID}})
	evts.Publish(events.Event{Topic: events.TopicDbRestoreStopped, Payload: "not a status"})
	evts.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("observer did not stop after bus close")
	}
	if !strings.Contains(f.logs.String(), "started database dump") {
		t.Fatalf("expected dump start to be logged, got %q", f.logs.String())
	}

	msg := bus.NewMessage(context.Background(), ServiceName, Category, MethodPreBackup, []byte(`{}`))
	p.PreBackup(msg)
	if !msg.Replied() {
		t.Fatal("participant stopped replying after observing events")
	}
}
