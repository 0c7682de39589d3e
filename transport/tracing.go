package transport

import (
	"context"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/libopenstorage/vaultkv/transport"

type tracingTransport struct {
	next   Transport
	tracer trace.Tracer
}

// WithTracing wraps next so that every Send is recorded as a client span of
// tp. Span attributes never include headers or bodies.
func WithTracing(next Transport, tp trace.TracerProvider) Transport {
	return &tracingTransport{
		next:   next,
		tracer: tp.Tracer(tracerName),
	}
}

func (t *tracingTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", req.Method),
	}
	if u, err := url.Parse(req.URL); err == nil {
		attrs = append(attrs,
			attribute.String("server.address", u.Host),
			attribute.String("url.path", u.Path),
		)
	}

	ctx, span := t.tracer.Start(ctx, "vault "+req.Method,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	resp, err := t.next.Send(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, "server error")
	}
	return resp, nil
}
