package broker

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marqs-io/marqs/internal/observability"
)

// Attribute keys for MarQS spans, following the messaging.* semantic
// conventions plus a small marqs.* namespace for what doesn't fit them
// (spec.md §6).
var (
	attrMessagingSystem      = attribute.Key("messaging.system")
	attrMessagingOperation   = attribute.Key("messaging.operation")
	attrMessagingDestination = attribute.Key("messaging.destination.name")
	attrMessagingMessageID   = attribute.Key("messaging.message_id")
	attrMarqsConcurrencyKey  = attribute.Key("marqs.concurrency_key")
	attrMarqsParentQueue     = attribute.Key("marqs.parent_queue")
	attrMarqsQueueChosen     = attribute.Key("marqs.queue_chosen")
)

type spanAttrs struct {
	Env            string
	Org            string
	Queue          string
	ParentQueue    string
	MessageID      string
	ConcurrencyKey string
}

func (a spanAttrs) keyValues() []attribute.KeyValue {
	kvs := []attribute.KeyValue{attrMessagingSystem.String("marqs")}
	if a.Env != "" {
		kvs = append(kvs, observability.AttrEnv.String(a.Env))
	}
	if a.Org != "" {
		kvs = append(kvs, observability.AttrOrg.String(a.Org))
	}
	if a.Queue != "" {
		kvs = append(kvs, attrMessagingDestination.String(a.Queue))
	}
	if a.ParentQueue != "" {
		kvs = append(kvs, attrMarqsParentQueue.String(a.ParentQueue))
	}
	if a.MessageID != "" {
		kvs = append(kvs, attrMessagingMessageID.String(a.MessageID))
	}
	if a.ConcurrencyKey != "" {
		kvs = append(kvs, attrMarqsConcurrencyKey.String(a.ConcurrencyKey))
	}
	return kvs
}

// startProducerSpan starts a span for an operation that writes a message
// into the queue (enqueue, replace's re-enqueue half).
func startProducerSpan(ctx context.Context, operation string, attrs spanAttrs) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, "marqs."+operation,
		trace.WithAttributes(append(attrs.keyValues(), attrMessagingOperation.String(operation))...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// startConsumerSpan starts a span for an operation that reads or settles a
// message (dequeue, ack, nack).
func startConsumerSpan(ctx context.Context, operation string, attrs spanAttrs) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, "marqs."+operation,
		trace.WithAttributes(append(attrs.keyValues(), attrMessagingOperation.String(operation))...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// abortSpan is the cooperative abort for a dequeue span that found nothing
// to dispatch: deliberately left unended. An empty poll isn't an error, but
// it isn't a settled operation either, and a trace backend tells the two
// apart only by whether End() was ever called.
func abortSpan(span trace.Span) {}

func endSpan(span trace.Span, err error) {
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	span.End()
}

func setSpanQueueChoice(span trace.Span, queueKey string) {
	span.SetAttributes(attrMarqsQueueChosen.String(queueKey))
}

func setSpanMessageID(span trace.Span, messageID string) {
	span.SetAttributes(attrMessagingMessageID.String(messageID))
}

func setSpanTenant(span trace.Span, env, org string) {
	span.SetAttributes(observability.AttrEnv.String(env), observability.AttrOrg.String(org))
}

// wrapWithTrace injects the current span's W3C trace context into payload,
// returning the enveloped bytes Broker.Enqueue stores as MessagePayload.Data.
// Consumers extract it back out with unwrapTrace.
func wrapWithTrace(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	tc := observability.ExtractTraceContext(ctx)
	enveloped := envelopedData{
		Payload: payload,
		Trace:   traceCarrier{TraceParent: tc.TraceParent, TraceState: tc.TraceState},
	}
	return json.Marshal(enveloped)
}

// unwrapTrace extracts the caller's original payload and trace context back
// out of data written by wrapWithTrace, returning a context with the
// extracted trace context installed so consumer spans link to the producer.
func unwrapTrace(ctx context.Context, data json.RawMessage) (context.Context, json.RawMessage, error) {
	var enveloped envelopedData
	if err := json.Unmarshal(data, &enveloped); err != nil {
		return ctx, data, err
	}
	ctx = observability.InjectTraceContext(ctx, observability.TraceContext{
		TraceParent: enveloped.Trace.TraceParent,
		TraceState:  enveloped.Trace.TraceState,
	})
	return ctx, enveloped.Payload, nil
}
