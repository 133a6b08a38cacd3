package emit

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter converts events into OpenTelemetry spans.
//
// Node lifecycle events open and close one span per (execution, node):
// MsgNodeStart begins the span, MsgNodeEnd/MsgNodeError ends it with the
// corresponding status. Other events attach as span events on the node's
// open span, or as standalone zero-length spans when none is open.
//
// Usage:
//
//	tracer := otel.Tracer("agentflow")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // keyed by executionID+nodeID
}

// NewOTelEmitter creates an emitter producing spans via the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer, spans: make(map[string]trace.Span)}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	key := event.ExecutionID + "/" + event.NodeID

	switch event.Msg {
	case MsgNodeStart:
		_, span := o.tracer.Start(context.Background(), "node "+event.NodeID,
			trace.WithAttributes(o.attrs(event)...))
		o.mu.Lock()
		o.spans[key] = span
		o.mu.Unlock()

	case MsgNodeEnd, MsgNodeError:
		o.mu.Lock()
		span := o.spans[key]
		delete(o.spans, key)
		o.mu.Unlock()
		if span == nil {
			return
		}
		span.SetAttributes(o.attrs(event)...)
		if event.Msg == MsgNodeError {
			msg, _ := event.Meta["error"].(string)
			span.SetStatus(codes.Error, msg)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

	default:
		o.mu.Lock()
		span := o.spans[key]
		o.mu.Unlock()
		if span != nil {
			span.AddEvent(event.Msg, trace.WithAttributes(o.attrs(event)...))
			return
		}
		_, standalone := o.tracer.Start(context.Background(), event.Msg,
			trace.WithAttributes(o.attrs(event)...))
		standalone.End()
	}
}

// Flush implements Emitter. Ends any spans left open by an aborted
// execution so exporters can ship them.
func (o *OTelEmitter) Flush(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, span := range o.spans {
		span.End()
		delete(o.spans, key)
	}
	return nil
}

func (o *OTelEmitter) attrs(event Event) []attribute.KeyValue {
	out := []attribute.KeyValue{
		attribute.String("agentflow.execution_id", event.ExecutionID),
	}
	if event.NodeID != "" {
		out = append(out, attribute.String("agentflow.node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}
