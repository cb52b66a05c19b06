// Package emit delivers run and node lifecycle events to observers: logs,
// tracing backends, event streams, or in-memory buffers for tests.
package emit

// Emitter receives events from the Executor.
//
// The Executor calls Emit from its control loop, so implementations must
// return quickly. A slow or unavailable destination should drop or buffer
// events and log the problem; Emit must not panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter forwards every event to each of its emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters. Nil emitters are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards event.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
