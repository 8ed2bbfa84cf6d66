package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskAttributes(t *testing.T) {
	attrs := TaskAttributes("t1", "c1")
	assert.Len(t, attrs, 2)
	assert.Equal(t, TaskIDKey, attrs[0].Key)
	assert.Equal(t, "t1", attrs[0].Value.AsString())
	assert.Equal(t, "c1", attrs[1].Value.AsString())

	assert.Len(t, TaskAttributes("t1", ""), 1)
}

func TestTracer_DisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	_, span := Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, Shutdown(context.Background()))
}
