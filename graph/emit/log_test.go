package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// TestLogEmitter_Text verifies the one-line text format.
func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{RunID: "run-001", Msg: MsgRunStarted})
	emitter.Emit(Event{
		RunID:  "run-001",
		NodeID: "bet",
		Depth:  1,
		Msg:    MsgNodeSucceeded,
		Meta:   map[string]interface{}{"duration_ms": 1520},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"[run_started] run=run-001",
		`[node_succeeded] run=run-001 node=bet depth=1 meta={"duration_ms":1520}`,
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), buf.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

// TestLogEmitter_JSON verifies each line is a self-contained JSON object.
func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	emitter.Emit(Event{
		RunID:  "run-001",
		NodeID: "bet",
		Depth:  2,
		Msg:    MsgNodeFailed,
		Time:   at,
		Meta:   map[string]interface{}{"reason": "timeout"},
	})

	var got struct {
		RunID string                 `json:"run_id"`
		Node  string                 `json:"node"`
		Depth int                    `json:"depth"`
		Msg   string                 `json:"msg"`
		Time  time.Time              `json:"time"`
		Meta  map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.RunID != "run-001" || got.Node != "bet" || got.Depth != 2 || got.Msg != MsgNodeFailed {
		t.Errorf("decoded = %+v", got)
	}
	if !got.Time.Equal(at) {
		t.Errorf("time = %v, want %v", got.Time, at)
	}
	if got.Meta["reason"] != "timeout" {
		t.Errorf("meta = %v", got.Meta)
	}
}

// TestLogEmitter_UnmarshalableMeta verifies a bad Meta value does not lose the event.
func TestLogEmitter_UnmarshalableMeta(t *testing.T) {
	var buf bytes.Buffer
	NewLogEmitter(&buf, true).Emit(Event{RunID: "r", Meta: map[string]interface{}{"ch": make(chan int)}})
	if !strings.Contains(buf.String(), "failed to marshal event") {
		t.Errorf("JSON output = %q", buf.String())
	}

	buf.Reset()
	NewLogEmitter(&buf, false).Emit(Event{RunID: "r", Msg: "m", Meta: map[string]interface{}{"ch": make(chan int)}})
	if !strings.HasPrefix(buf.String(), "[m] run=r meta=") {
		t.Errorf("text output = %q", buf.String())
	}
}
