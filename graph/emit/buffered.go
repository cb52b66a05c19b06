package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by run. It is meant
// for tests and for short-lived tools that inspect a run after it ends.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter selects events. Zero fields match everything.
type HistoryFilter struct {
	NodeID   string // exact node name
	Msg      string // exact message
	MinDepth *int
	MaxDepth *int
}

// NewBufferedEmitter returns an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of the events of runID in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of runID that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

// Messages returns the Msg of every event emitted for node in runID.
func (b *BufferedEmitter) Messages(runID, node string) []string {
	var msgs []string
	for _, e := range b.GetHistoryWithFilter(runID, HistoryFilter{NodeID: node}) {
		msgs = append(msgs, e.Msg)
	}
	return msgs
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinDepth != nil && event.Depth < *filter.MinDepth {
		return false
	}
	if filter.MaxDepth != nil && event.Depth > *filter.MaxDepth {
		return false
	}
	return true
}

// Clear drops the events of runID, or of every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, runID)
	}
}
