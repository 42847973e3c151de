package stepwise

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/types"
)

const tracerName = "github.com/streamline-controllers/stepwise"

// defaultTracer returns the tracer from the global provider.
func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startRunSpan creates the root span for one state graph run.
// The caller is responsible for calling span.End().
func startRunSpan(ctx context.Context, tracer trace.Tracer, operator string, key types.NamespacedName, start string, cleanup bool) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "stepwise.run")
	span.SetAttributes(
		attribute.String("stepwise.operator", operator),
		attribute.String("stepwise.object", key.String()),
		attribute.String("stepwise.start_state", start),
		attribute.Bool("stepwise.cleanup", cleanup),
	)
	return ctx, span
}

// startStepSpan creates a child span for one step.
// The caller is responsible for calling span.End().
func startStepSpan(ctx context.Context, tracer trace.Tracer, operator, object, state string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "stepwise.step/"+state)
	span.SetAttributes(
		attribute.String("stepwise.operator", operator),
		attribute.String("stepwise.object", object),
		attribute.String("stepwise.state", state),
	)
	return ctx, span
}

// finishSpan records err on span, if any, and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
