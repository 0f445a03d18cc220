package telemetry

import (
	"context"
	"time"

	oasis "github.com/oasisflow/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedEngine wraps an oasis.LLMEngine with an llm.stream_chat span
// spanning the whole turn and a chunk counter, adapted from the
// teacher's observer.ObservedProvider.ChatStream wrapper to this
// module's channel-based LLMEngine.StreamChat interface.
type ObservedEngine struct {
	inner oasis.LLMEngine
	inst  *Instruments
}

// WrapEngine returns an instrumented LLMEngine.
func WrapEngine(inner oasis.LLMEngine, inst *Instruments) *ObservedEngine {
	return &ObservedEngine{inner: inner, inst: inst}
}

func (o *ObservedEngine) Name() string { return o.inner.Name() }

func (o *ObservedEngine) StreamChat(ctx context.Context, req oasis.ChatRequest) (<-chan oasis.StreamItem, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream_chat", trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
	))
	start := time.Now()

	items, err := o.inner.StreamChat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.record(ctx, span, 0, "error", time.Since(start))
		span.End()
		return nil, err
	}

	out := make(chan oasis.StreamItem, cap(items))
	go func() {
		defer close(out)
		defer span.End()
		chunks := 0
		status := "ok"
		for item := range items {
			chunks++
			if item.Kind == oasis.StreamItemError {
				status = "error"
			}
			out <- item
		}
		o.record(ctx, span, chunks, status, time.Since(start))
	}()
	return out, nil
}

func (o *ObservedEngine) record(ctx context.Context, span trace.Span, chunks int, status string, dur time.Duration) {
	durationMs := float64(dur.Milliseconds())
	span.SetAttributes(AttrStreamChunks.Int(chunks))

	attrs := metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String("stream_chat"),
		attribute.String("status", status),
	)
	o.inst.LLMRequests.Add(ctx, 1, attrs)
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(AttrLLMProvider.String(o.inner.Name())))
	o.inst.StreamChunks.Add(ctx, int64(chunks), metric.WithAttributes(AttrLLMProvider.String(o.inner.Name())))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm stream completed"))
	rec.AddAttributes(
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.stream_chunks", chunks),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ oasis.LLMEngine = (*ObservedEngine)(nil)
