package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLogAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := log.Append(Event{Agent: "alice", Event: Spawn, Payload: SpawnPayload("alice", "backend", "%3")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(Event{Agent: "alice", Event: Claim, Payload: ClaimPayload("bd-1", nil)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Event != Spawn || got[1].Event != Claim {
		t.Errorf("unexpected event order: %+v", got)
	}
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.jsonl")
	log, _ := Open(path)
	_ = log.Append(Event{Agent: "bob", Event: Idle})

	appendRaw(t, path, "{not json\n")

	got, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 well-formed event, got %d", len(got))
	}
}

func TestLastActivity(t *testing.T) {
	now := time.Now().UTC()
	evs := []Event{
		{Agent: "a", Timestamp: now.Add(-time.Hour)},
		{Agent: "a", Timestamp: now},
		{Agent: "b", Timestamp: now.Add(-time.Minute)},
	}
	last, ok := LastActivity(evs, "a")
	if !ok || !last.Equal(now) {
		t.Errorf("LastActivity(a) = %v, %v; want %v, true", last, ok, now)
	}
	if _, ok := LastActivity(evs, "nobody"); ok {
		t.Error("expected no activity for unknown agent")
	}
}

func appendRaw(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
}
