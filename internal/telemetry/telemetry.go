// Package telemetry wires OpenTelemetry metrics for taskkeeper. When
// disabled every instrument comes from the noop provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const MeterName = "taskkeeper"

// Provider owns the meter provider. With telemetry enabled it keeps a
// manual reader so the daemon can log a snapshot after each pass.
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	reader        *sdkmetric.ManualReader
	shutdown      func(context.Context) error
}

func Init(enabled bool) *Provider {
	if !enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		reader:        reader,
		shutdown:      mp.Shutdown,
	}
}

func (p *Provider) Enabled() bool {
	return p.reader != nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Snapshot sums every integer counter by instrument name. It is empty when
// telemetry is disabled.
func (p *Provider) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	if p.reader == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out, nil
}
