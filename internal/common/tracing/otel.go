// Package tracing holds the process-wide OTel tracer shared by the
// coordinator and the agent.
//
// Spans are exported over OTLP/HTTP only when OTEL_EXPORTER_OTLP_ENDPOINT is
// set; otherwise every tracer is a no-op.
package tracing

import (
	"context"
	"net/url"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rzapply/rzapply/internal/version"
)

// Span attribute keys for task routing.
const (
	TaskIDKey     = attribute.Key("rzapply.task.id")
	ClientIDKey   = attribute.Key("rzapply.client.id")
	TaskStatusKey = attribute.Key("rzapply.task.status")
)

var (
	mu       sync.Mutex
	service  = "rzapply"
	provider trace.TracerProvider = noop.NewTracerProvider()
	exporter *sdktrace.TracerProvider
	started  bool
)

// SetServiceName names the process in exported spans. It has no effect once
// the first tracer has been handed out.
func SetServiceName(name string) {
	mu.Lock()
	defer mu.Unlock()
	if !started {
		service = name
	}
}

// Tracer returns a tracer for the given instrumentation scope
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	if !started {
		started = true
		setup(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	return provider.Tracer(name)
}

// TaskAttributes tags a span with the task and, when known, the agent holding it
func TaskAttributes(taskID, clientID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{TaskIDKey.String(taskID)}
	if clientID != "" {
		attrs = append(attrs, ClientIDKey.String(clientID))
	}
	return attrs
}

// Shutdown flushes buffered spans. Safe to call when tracing is disabled.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := exporter
	mu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

func setup(endpoint string) {
	if endpoint == "" {
		return
	}
	ctx := context.Background()

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		opts = []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
		if u.Scheme != "https" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion(version.Get()),
		),
	)
	if err != nil {
		res = resource.Default()
	}

	exporter = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	provider = exporter
	otel.SetTracerProvider(provider)
}
