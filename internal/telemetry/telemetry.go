// Package telemetry wires OpenTelemetry trace, metric, and log
// providers around the actor's tool dispatch, LLM calls, and blob
// storage, adapted from the teacher's observer package (which wrapped
// its Provider/Tool/Agent interfaces) to this module's ToolRegistry,
// LLMEngine, and storage.Store shapes.
//
// Init configures OTLP-over-HTTP exporters from the standard
// OTEL_EXPORTER_OTLP_* environment variables; a composition root that
// never calls Init still gets a working no-op tracer/meter from the
// OTEL SDK's global defaults, so instrumentation is always safe to
// wire in regardless of whether an operator has a collector running.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/oasisflow/core/internal/telemetry"

// Instruments holds every OTEL instrument the actor, tool, and storage
// wrappers in this package record against.
type Instruments struct {
	Tracer trace.Tracer
	Logger otellog.Logger

	ToolExecutions metric.Int64Counter
	ToolDuration   metric.Float64Histogram

	LLMRequests  metric.Int64Counter
	LLMDuration  metric.Float64Histogram
	StreamChunks metric.Int64Counter

	StorageOps      metric.Int64Counter
	StorageDuration metric.Float64Histogram
}

// Init sets up OTLP HTTP exporters for traces, metrics, and logs and
// installs them as the OTEL global providers. The returned shutdown
// func must be called on application exit; it flushes and closes all
// three exporters.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

// NewNoop builds Instruments against whatever global providers are
// currently installed (the OTEL SDK's own no-op defaults if Init was
// never called), for composition roots that want instrumentation
// wired in without requiring a collector to be reachable.
func NewNoop() (*Instruments, error) {
	return newInstruments()
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"), metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM stream request count"), metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM stream duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	streamChunks, err := meter.Int64Counter("llm.stream_chunks",
		metric.WithDescription("Stream items received per LLM call"), metric.WithUnit("{item}"))
	if err != nil {
		return nil, err
	}
	storageOps, err := meter.Int64Counter("storage.operations",
		metric.WithDescription("Blob storage operation count"), metric.WithUnit("{operation}"))
	if err != nil {
		return nil, err
	}
	storageDuration, err := meter.Float64Histogram("storage.duration",
		metric.WithDescription("Blob storage operation duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Logger:          logger,
		ToolExecutions:  toolExecutions,
		ToolDuration:    toolDuration,
		LLMRequests:     llmRequests,
		LLMDuration:     llmDuration,
		StreamChunks:    streamChunks,
		StorageOps:      storageOps,
		StorageDuration: storageDuration,
	}, nil
}
