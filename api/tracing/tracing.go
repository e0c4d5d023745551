package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "kiln"

// Tracer opens scoped steps. The zero value and nil use the global
// provider, which is a no-op unless one has been installed.
type Tracer struct {
	tracer trace.Tracer
}

func New(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(instrumentation)}
}

type Step struct {
	span trace.Span
}

// Step starts a span named name. Callers must End it.
func (t *Tracer) Step(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Step) {
	tr := otel.GetTracerProvider().Tracer(instrumentation)
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	ctx, span := tr.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Step{span: span}
}

func (s *Step) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

// End closes the step, marking it failed when err is non-nil.
func (s *Step) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
