package messaging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTrace returns header with the span context of ctx added. A nil
// header is allocated.
func InjectTrace(ctx context.Context, header map[string]string) map[string]string {
	if header == nil {
		header = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(header))
	return header
}

// ExtractTrace returns ctx carrying the remote span context found in header.
func ExtractTrace(ctx context.Context, header map[string]string) context.Context {
	if len(header) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(header))
}
