package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sqlgate"

// Tracer uses the global TracerProvider, a no-op unless one is installed.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartSpan is safe on a nil Tracer.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	if t != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, "sqlgate."+name, trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	AttrTicketID  = attribute.Key("sqlgate.ticket.id")
	AttrKind      = attribute.Key("sqlgate.statement.kind")
	AttrLevel     = attribute.Key("sqlgate.risk.level")
	AttrRows      = attribute.Key("sqlgate.rows")
	AttrAction    = attribute.Key("sqlgate.decision.action")
	AttrMaxChecks = attribute.Key("sqlgate.await.max_checks")
)
