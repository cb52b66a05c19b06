package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a span named after event.Msg carrying the run, node and
// depth as attributes plus every Meta entry. Completion events that carry
// "duration_ms" get a span covering the node's execution; all other events
// are instantaneous. Events with an "error" entry get an error status.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	emitter := emit.NewOTelProviderEmitter(tp)
//	exec, _ := graph.NewExecutor(backend, store, graph.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
	// provider is flushed by Flush; nil means the global provider.
	provider trace.TracerProvider
}

// NewOTelEmitter returns an emitter that records spans with tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// NewOTelProviderEmitter records spans with a "pipeflow" tracer from tp and
// flushes tp on Flush.
func NewOTelProviderEmitter(tp trace.TracerProvider) *OTelEmitter {
	return &OTelEmitter{tracer: tp.Tracer(tracerName), provider: tp}
}

const tracerName = "pipeflow"

// Emit records one span for event.
func (o *OTelEmitter) Emit(event Event) {
	o.record(context.Background(), event)
}

// EmitBatch records one span per event under ctx and stops at the first
// cancellation.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for i := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.record(ctx, events[i])
	}
	return nil
}

func (o *OTelEmitter) record(ctx context.Context, event Event) {
	end := event.Time
	if end.IsZero() {
		end = time.Now()
	}
	start := end
	if ms, ok := durationMillis(event.Meta["duration_ms"]); ok && ms > 0 {
		start = end.Add(-time.Duration(ms) * time.Millisecond)
	}

	_, span := o.tracer.Start(ctx, event.Msg,
		trace.WithTimestamp(start),
		trace.WithAttributes(eventAttributes(event)...))
	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
	span.End(trace.WithTimestamp(end))
}

// Flush forces export of buffered spans when the provider supports it (the
// SDK provider does; the no-op provider does not).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := o.provider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if f, ok := tp.(interface{ ForceFlush(context.Context) error }); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// eventAttributes returns the run, node and depth attributes followed by one
// "pipeflow.<key>" attribute per Meta entry.
func eventAttributes(event Event) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3+len(event.Meta))
	attrs = append(attrs, attribute.String("pipeflow.run_id", event.RunID))
	if event.NodeID != "" {
		attrs = append(attrs,
			attribute.String("pipeflow.node", event.NodeID),
			attribute.Int("pipeflow.depth", event.Depth))
	}
	for key, value := range event.Meta {
		attrs = append(attrs, metaAttribute("pipeflow."+key, value))
	}
	return attrs
}

func metaAttribute(key string, value any) attribute.KeyValue {
	k := attribute.Key(key)
	switch v := value.(type) {
	case string:
		return k.String(v)
	case int:
		return k.Int(v)
	case int64:
		return k.Int64(v)
	case float64:
		return k.Float64(v)
	case bool:
		return k.Bool(v)
	case time.Duration:
		return k.Int64(v.Milliseconds())
	}
	return k.String(fmt.Sprint(value))
}

func durationMillis(v any) (int64, bool) {
	switch d := v.(type) {
	case int64:
		return d, true
	case int:
		return int64(d), true
	case float64:
		return int64(d), true
	}
	return 0, false
}
