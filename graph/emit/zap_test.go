package emit

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestZapEmitter verifies levels and fields.
func TestZapEmitter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	emitter := NewZapEmitter(zap.New(core))

	emitter.Emit(Event{RunID: "r", Msg: MsgRunStarted})
	emitter.Emit(Event{RunID: "r", NodeID: "bet", Depth: 1, Msg: MsgNodeSubmitted})
	emitter.Emit(Event{
		RunID:  "r",
		NodeID: "bet",
		Depth:  1,
		Msg:    MsgNodeFailed,
		Meta:   map[string]interface{}{"reason": "execution"},
	})

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	wantLevels := []zapcore.Level{zapcore.InfoLevel, zapcore.DebugLevel, zapcore.WarnLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Errorf("entry %d (%s) level = %s, want %s", i, e.Message, e.Level, wantLevels[i])
		}
	}

	fields := entries[2].ContextMap()
	if fields["node"] != "bet" || fields["reason"] != "execution" || fields["run_id"] != "r" {
		t.Errorf("fields = %v", fields)
	}
	if _, ok := entries[0].ContextMap()["node"]; ok {
		t.Error("run-level event logged a node field")
	}
}

// TestZapEmitter_LevelFiltering verifies disabled levels are skipped.
func TestZapEmitter_LevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	emitter := NewZapEmitter(zap.New(core))

	emitter.Emit(Event{RunID: "r", NodeID: "n", Msg: MsgNodeReady})
	emitter.Emit(Event{RunID: "r", Msg: MsgRunFinished})

	if got := logs.Len(); got != 1 {
		t.Errorf("logged %d entries, want 1", got)
	}
	NewZapEmitter(nil).Emit(Event{Msg: MsgRunStarted})
}
