package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	consentChecks    metric.Int64Counter
	callsExecuted    metric.Int64Counter
	renewals         metric.Int64Counter
	throttleAllowed  metric.Int64Counter
	throttleDeferred metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "consentgate"
	}
	meter := provider.Meter(name)

	consentChecks, err := meter.Int64Counter("consentgate_consent_checks_total")
	if err != nil {
		return nil, err
	}
	callsExecuted, err := meter.Int64Counter("consentgate_calls_executed_total")
	if err != nil {
		return nil, err
	}
	renewals, err := meter.Int64Counter("consentgate_subscription_renewals_total")
	if err != nil {
		return nil, err
	}
	throttleAllowed, err := meter.Int64Counter("consentgate_remote_throttle_allowed_total")
	if err != nil {
		return nil, err
	}
	throttleDeferred, err := meter.Int64Counter("consentgate_remote_throttle_deferred_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		consentChecks:    consentChecks,
		callsExecuted:    callsExecuted,
		renewals:         renewals,
		throttleAllowed:  throttleAllowed,
		throttleDeferred: throttleDeferred,
	}, nil
}

// RecordConsentCheck increments consent gate decisions by outcome.
func (m *Metrics) RecordConsentCheck(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.consentChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCallExecuted increments webservice call counts by type and status.
func (m *Metrics) RecordCallExecuted(ctx context.Context, callType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("call_type", strings.TrimSpace(callType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.callsExecuted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRenewal increments renewal attempt counts by outcome.
func (m *Metrics) RecordRenewal(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.renewals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordThrottleAllowed increments remote throttle admission counts.
func (m *Metrics) RecordThrottleAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.throttleAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordThrottleDeferred increments remote throttle deferral counts.
func (m *Metrics) RecordThrottleDeferred(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.throttleDeferred.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"outcome":     {},
	"call_type":   {},
	"status":      {},
	"status_code": {},
	"endpoint":    {},
	"reason":      {},
	"series":      {},
	"segment":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
