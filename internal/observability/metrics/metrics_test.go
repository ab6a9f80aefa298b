package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("rank", "gold"),
		attribute.String("distributor_id", "456"),
		attribute.String("sale_id", "789"),
		attribute.Int("level", 2),
	)
	require.Len(t, attrs, 2)
	require.Equal(t, attribute.Key("rank"), attrs[0].Key)
	require.Equal(t, attribute.Key("level"), attrs[1].Key)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordCommissionRun(context.Background(), "completed", "applied")
	m.RecordPolicyGap(context.Background(), "bronze", 3)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "uplink"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordCommissionEntries(context.Background(), "credit", 3)
	m.RecordRankChange(context.Background(), "bronze", "silver")
}
