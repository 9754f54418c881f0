package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestRecord_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record(EventSync, "scheduler", "sync.start", "connector/c1", map[string]any{"mode": "incremental"})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	line := buf.String()
	if !strings.HasPrefix(line, "AUDIT: ") {
		t.Fatalf("missing AUDIT: prefix: %q", line)
	}

	var event Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.ActorID != "scheduler" || event.Action != "sync.start" || event.Type != EventSync {
		t.Errorf("unexpected event: %+v", event)
	}
	if event.ID == "" {
		t.Error("event ID not assigned")
	}
}

func TestRecord_DefaultsActorToSystem(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	if err := l.Record(EventSystem, "", "startup", "ingestd", nil); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if !strings.Contains(buf.String(), `"actor_id":"system"`) {
		t.Errorf("actor not defaulted: %s", buf.String())
	}
}
