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

// Metrics exposes domain instruments for the commission engine.
type Metrics struct {
	enrollments       metric.Int64Counter
	reparents         metric.Int64Counter
	commissionRuns    metric.Int64Counter
	commissionEntries metric.Int64Counter
	policyGaps        metric.Int64Counter
	rankChanges       metric.Int64Counter
	lockContention    metric.Int64Counter
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
		name = "uplink"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.enrollments, "uplink_enrollments_total", "Distributors enrolled into the network."},
		{&m.reparents, "uplink_reparents_total", "Approved re-parent operations."},
		{&m.commissionRuns, "uplink_commission_runs_total", "Commission calculator passes by outcome."},
		{&m.commissionEntries, "uplink_commission_entries_total", "Commission ledger entries appended."},
		{&m.policyGaps, "uplink_policy_gaps_total", "Levels that had no configured percentage."},
		{&m.rankChanges, "uplink_rank_changes_total", "Rank records appended."},
		{&m.lockContention, "uplink_lock_contention_total", "Subtree lock acquisitions that timed out."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Metrics) RecordEnrollment(ctx context.Context) {
	if m == nil {
		return
	}
	m.enrollments.Add(ctx, 1)
}

func (m *Metrics) RecordReparent(ctx context.Context) {
	if m == nil {
		return
	}
	m.reparents.Add(ctx, 1)
}

// RecordCommissionRun counts one calculator pass; outcome is "applied",
// "duplicate" or "parked".
func (m *Metrics) RecordCommissionRun(ctx context.Context, status, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("sale_status", strings.TrimSpace(status)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.commissionRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCommissionEntries(ctx context.Context, kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.commissionEntries.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPolicyGap(ctx context.Context, rank string, level int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("rank", strings.TrimSpace(rank)),
		attribute.Int("level", level),
	)
	m.policyGaps.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRankChange(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_rank", strings.TrimSpace(from)),
		attribute.String("rank", strings.TrimSpace(to)),
	)
	m.rankChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordLockContention(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.lockContention.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"sale_status": {},
	"outcome":     {},
	"kind":        {},
	"rank":        {},
	"from_rank":   {},
	"level":       {},
	"operation":   {},
	"status_code": {},
	"reason":      {},
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
