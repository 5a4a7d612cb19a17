package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEventMarshalKeepsZeroTimestamp(t *testing.T) {
	frame, err := json.Marshal(&Event{Type: EventMessage, Username: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(frame), `"timestamp":0`) {
		t.Fatalf("zero timestamp must stay on the wire, got %s", frame)
	}
}

func TestEventMarshalOmitsUnusedFields(t *testing.T) {
	frame, err := json.Marshal(&Event{Type: EventStatus, Msg: "alice joined."})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"key"`, `"iv"`, `"history"`, `"text"`} {
		if strings.Contains(string(frame), field) {
			t.Fatalf("status event must not carry %s, got %s", field, frame)
		}
	}
}
