// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/pegasus-kv/duplication"

var tracer = otel.Tracer(tracerName)

// StartSpan opens a span for one duplicator state-machine step or one host
// sync tick; see SPEC_FULL.md §5. kv is an alternating key/value list in
// the same style as the log package, converted to span attributes.
// Callers defer span.End().
func StartSpan(ctx context.Context, name string, kv ...any) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(kvToAttributes(kv)...))
}

func kvToAttributes(kv []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		attrs = append(attrs, attribute.String(key, fmt.Sprint(kv[i+1])))
	}
	return attrs
}

// InstallOTLPExporter wires the process's global TracerProvider to ship
// spans to an OTLP/HTTP collector at endpoint. It is optional: embedders
// that don't call it get a no-op tracer, and StartSpan remains cheap.
func InstallOTLPExporter(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
