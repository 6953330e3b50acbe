package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY: Never put actual token material, codes, verifiers, or session
// IDs in span attributes. Traces are persisted, replicated, and visible to
// wider audiences than production systems. Only metadata (coordinator
// names, operation names, booleans, counts) may appear here.
const (
	AttrCoordinator = "authrim.coordinator"
	AttrOperation   = "authrim.operation"
	AttrResult      = "authrim.result"
	AttrEntityKind  = "authrim.entity_kind"
	AttrReason      = "authrim.reason"
	AttrTaskKind    = "authrim.task_kind"
	AttrMigrated    = "authrim.snapshot.migrated"
	AttrShardKey    = "authrim.shard"
	AttrGeneration  = "authrim.generation"
)

// EndSpan records the outcome of an operation on its span.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// OperationAttrs builds the standard attribute set for an operation span.
func OperationAttrs(coordinator, operation string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String(AttrCoordinator, coordinator),
		attribute.String(AttrOperation, operation),
	)
}
