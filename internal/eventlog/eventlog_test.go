package eventlog

import (
	"testing"
	"time"

	"github.com/Okohedeki/sialockd/internal/model"
)

func TestLog_AppendAndTail(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	sink := l.Sink()
	sink(model.Event{Type: model.EventWorkUnitClaimed, Timestamp: time.Now(), AgentID: "a1", ResourcePath: "/repo/main.go"})
	sink(model.Event{Type: model.EventWorkUnitReleased, Timestamp: time.Now(), AgentID: "a1", ResourcePath: "/repo/main.go"})

	events, err := l.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestLog_QueryByAgent(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	sink := l.Sink()
	sink(model.Event{Type: model.EventWorkUnitClaimed, Timestamp: time.Now(), AgentID: "a1", ResourcePath: "/repo/a"})
	sink(model.Event{Type: model.EventWorkUnitClaimed, Timestamp: time.Now(), AgentID: "a2", ResourcePath: "/repo/b"})

	events, err := l.Query(QueryParams{AgentID: "a2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].AgentID != "a2" {
		t.Fatalf("expected one event for a2, got %+v", events)
	}
}

func TestLog_QueryByType(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	sink := l.Sink()
	sink(model.Event{Type: model.EventWorkUnitClaimed, Timestamp: time.Now(), AgentID: "a1"})
	sink(model.Event{Type: model.EventWorkUnitReleased, Timestamp: time.Now(), AgentID: "a1"})

	events, err := l.Query(QueryParams{Type: string(model.EventWorkUnitReleased)})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != model.EventWorkUnitReleased {
		t.Fatalf("expected one released event, got %+v", events)
	}
}

func TestLog_TailRespectsLimit(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	sink := l.Sink()
	for i := 0; i < 5; i++ {
		sink(model.Event{Type: model.EventAgentRegistered, Timestamp: time.Now(), AgentID: "a1"})
	}

	events, err := l.Tail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/events"
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
}
