package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Options параметры процессной телеметрии.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint адрес OTLP/HTTP коллектора для трейсов; пустой адрес отключает экспорт.
	OTLPEndpoint string
}

// Provider владеет SDK-провайдерами: трейсы уходят в OTLP, метрики читаются по запросу через Snapshot.
type Provider struct {
	Recorder *Recorder

	reader *sdkmetric.ManualReader
	mp     *sdkmetric.MeterProvider
	tp     *sdktrace.TracerProvider
}

func Setup(ctx context.Context, opts Options) (*Provider, error) {
	res, err := buildResource(opts)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint := strings.TrimSpace(opts.OTLPEndpoint); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	rec, err := New(mp, tp)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return &Provider{Recorder: rec, reader: reader, mp: mp, tp: tp}, nil
}

// Shutdown сбрасывает буферы экспортёра и останавливает провайдеры.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}

// Point одно значение метрики с атрибутами.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// Snapshot собирает текущие значения всех метрик.
// Для гистограмм Value это сумма, Count число наблюдений.
func (p *Provider) Snapshot(ctx context.Context) ([]Point, error) {
	if p == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	var points []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Sum, Count: dp.Count})
				}
			}
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	return points, nil
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func buildResource(opts Options) (*resource.Resource, error) {
	service := strings.TrimSpace(opts.ServiceName)
	if service == "" {
		service = "gptrelay"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if version := strings.TrimSpace(opts.ServiceVersion); version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	base := resource.Default()
	schema := base.SchemaURL()
	if schema == "" {
		schema = semconv.SchemaURL
	}
	return resource.Merge(base, resource.NewWithAttributes(schema, attrs...))
}
