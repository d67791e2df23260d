package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "gptrelay/llm"

var (
	attrTransport = attribute.Key("llm.transport")
	attrModel     = attribute.Key("llm.model")
	attrOutcome   = attribute.Key("llm.outcome")
	attrAttempt   = attribute.Key("llm.attempt")
	attrSessionID = attribute.Key("llm.session_id")
)

// Recorder пишет метрики и спаны вызовов модели. Нулевой *Recorder безопасен и ничего не делает.
type Recorder struct {
	tracer   trace.Tracer
	attempts metric.Int64Counter
	outcomes metric.Int64Counter
	tokens   metric.Int64Counter
	latency  metric.Float64Histogram
}

// AttemptData одна попытка отправки запроса.
type AttemptData struct {
	Transport string
	Model     string
	Attempt   int
	// Outcome "ok" либо имя FailureKind.
	Outcome  string
	Duration time.Duration
}

// OutcomeData итог всего вызова после всех повторов.
type OutcomeData struct {
	Transport        string
	Outcome          string
	Attempts         int
	CompletionTokens int
	TotalTokens      int
}

func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Recorder, error) {
	r := &Recorder{}
	if tp != nil {
		r.tracer = tp.Tracer(instrumentationName)
	}
	if mp == nil {
		return r, nil
	}

	meter := mp.Meter(instrumentationName)
	var err error
	if r.attempts, err = meter.Int64Counter("llm.attempts.total",
		metric.WithDescription("Completion attempts, including rejected by the rate limiter.")); err != nil {
		return nil, err
	}
	if r.outcomes, err = meter.Int64Counter("llm.completions.total",
		metric.WithDescription("Completion calls by final outcome.")); err != nil {
		return nil, err
	}
	if r.tokens, err = meter.Int64Counter("llm.tokens.total",
		metric.WithDescription("Tokens reported by the provider."), metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if r.latency, err = meter.Float64Histogram("llm.attempt.latency.ms",
		metric.WithDescription("Attempt latency in milliseconds."), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return r, nil
}

// StartCompletion открывает спан на весь вызов модели для identity.
func (r *Recorder) StartCompletion(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	if r == nil || r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, "llm.complete", trace.WithAttributes(attrSessionID.String(sessionID)))
}

func (r *Recorder) RecordAttempt(ctx context.Context, data AttemptData) {
	if r == nil || r.attempts == nil {
		return
	}
	attrs := metric.WithAttributes(
		attrTransport.String(data.Transport),
		attrModel.String(data.Model),
		attrOutcome.String(data.Outcome),
	)
	r.attempts.Add(ctx, 1, attrs)
	if data.Duration > 0 {
		r.latency.Record(ctx, float64(data.Duration.Milliseconds()), attrs)
	}
	trace.SpanFromContext(ctx).AddEvent("attempt", trace.WithAttributes(
		attrAttempt.Int(data.Attempt),
		attrOutcome.String(data.Outcome),
	))
}

func (r *Recorder) RecordOutcome(ctx context.Context, data OutcomeData) {
	if r == nil || r.outcomes == nil {
		return
	}
	attrs := metric.WithAttributes(
		attrTransport.String(data.Transport),
		attrOutcome.String(data.Outcome),
	)
	r.outcomes.Add(ctx, 1, attrs)
	if data.TotalTokens > 0 {
		r.tokens.Add(ctx, int64(data.TotalTokens), attrs)
	}
}
