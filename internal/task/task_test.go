package task

import (
	"encoding/json"
	"testing"
)

func TestKeys(t *testing.T) {
	if StatusKey("abc123") != "task_status:abc123" {
		t.Fatalf("unexpected status key: %s", StatusKey("abc123"))
	}
	if DetailKey("abc123", "AAPL") != "backtest:abc123:AAPL" {
		t.Fatalf("unexpected detail key: %s", DetailKey("abc123", "AAPL"))
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusProcessing, false},
		{StatusSuccess, true},
		{StatusError, true},
	}
	for _, tt := range tests {
		ev := &StatusEvent{Status: tt.status}
		if ev.Terminal() != tt.want {
			t.Fatalf("Terminal(%s) = %v, want %v", tt.status, ev.Terminal(), tt.want)
		}
	}
}

func TestStatusEventOmitsEmptyFields(t *testing.T) {
	ev := &StatusEvent{TaskID: "x", Status: StatusProcessing, Message: "Booting MicroVM..."}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"metrics", "portfolio_summary", "error", "traceback"} {
		if jsonHasField(data, field) {
			t.Fatalf("empty field %q serialized: %s", field, data)
		}
	}
}

func jsonHasField(data []byte, field string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	_, ok := m[field]
	return ok
}
