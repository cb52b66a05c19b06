package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogEmitter writes events to an io.Writer, one per line, either as
// human-readable text or as JSON.
//
// Text mode:
//
//	[node_succeeded] run=run-001 node=bet depth=1 meta={"duration_ms":1520}
//
// JSON mode:
//
//	{"run_id":"run-001","node":"bet","depth":1,"msg":"node_succeeded","time":"...","meta":{"duration_ms":1520}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter returns a LogEmitter writing to writer (os.Stdout if nil).
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes one line.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID  string                 `json:"run_id"`
		NodeID string                 `json:"node,omitempty"`
		Depth  int                    `json:"depth"`
		Msg    string                 `json:"msg"`
		Time   time.Time              `json:"time"`
		Meta   map[string]interface{} `json:"meta,omitempty"`
	}{
		RunID:  event.RunID,
		NodeID: event.NodeID,
		Depth:  event.Depth,
		Msg:    event.Msg,
		Time:   event.Time,
		Meta:   event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] run=%s", event.Msg, event.RunID)
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s depth=%d", event.NodeID, event.Depth)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
