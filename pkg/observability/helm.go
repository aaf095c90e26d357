// Package observability provides ingestion-pipeline instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for the ingestion and provenance domain.
var (
	// Identity attributes
	AttrRID = attribute.Key("koi.identity.rid")
	AttrCID = attribute.Key("koi.identity.cid")

	// Pipeline attributes
	AttrPipelineStage  = attribute.Key("koi.pipeline.stage")
	AttrPipelineStatus = attribute.Key("koi.pipeline.status")

	// CAT / provenance attributes
	AttrCatID     = attribute.Key("koi.cat.id")
	AttrOperation = attribute.Key("koi.cat.operation")
	AttrAgent     = attribute.Key("koi.cat.agent")

	// Dedup attributes
	AttrDedupTier    = attribute.Key("koi.dedup.tier")
	AttrDedupOutcome = attribute.Key("koi.dedup.outcome")

	// Budget attributes
	AttrBudgetCategory = attribute.Key("koi.budget.category")
	AttrBudgetAllowed  = attribute.Key("koi.budget.allowed")

	// Event bus attributes
	AttrEventSeq  = attribute.Key("koi.eventbus.seq")
	AttrEventKind = attribute.Key("koi.eventbus.kind")
)

// PipelineOperation creates attributes for a pipeline stage transition.
func PipelineOperation(rid, cid, stage, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRID.String(rid),
		AttrCID.String(cid),
		AttrPipelineStage.String(stage),
		AttrPipelineStatus.String(status),
	}
}

// CATOperation creates attributes for a transformation receipt append.
func CATOperation(catID, operation, agent string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCatID.String(catID),
		AttrOperation.String(operation),
		AttrAgent.String(agent),
	}
}

// DedupOperation creates attributes for a deduplication check.
func DedupOperation(tier, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDedupTier.String(tier),
		AttrDedupOutcome.String(outcome),
	}
}

// BudgetOperation creates attributes for a budget enforcement decision.
func BudgetOperation(category string, allowed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBudgetCategory.String(category),
		AttrBudgetAllowed.Bool(allowed),
	}
}

// EventBusOperation creates attributes for an event bus publish/deliver.
func EventBusOperation(kind string, seq uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventKind.String(kind),
		AttrEventSeq.Int64(int64(seq)),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
