package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/config"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
)

func alertCount(t *testing.T, reader *sdkmetric.ManualReader, typ alert.Type) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "trust.alerts" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "trust.alerts is %T", m.Data)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("type")); ok && v.AsString() == string(typ) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestAlertsReachTheMeterProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp, err := NewMeterProvider("chainbridge-trust", "test", sdkmetric.WithReader(reader))
	require.NoError(t, err)
	defer func() { _ = mp.Shutdown(context.Background()) }()

	sink, err := alert.NewMetricSink(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	sink.Emit(ctx, alert.Alert{Type: alert.TypePDOTamper, Severity: alert.SeverityCritical, DetectedAt: now})
	sink.Emit(ctx, alert.Alert{Type: alert.TypePDOTamper, Severity: alert.SeverityCritical, DetectedAt: now})
	sink.Emit(ctx, alert.Alert{Type: alert.TypeGateDenial, Severity: alert.SeverityWarning, DetectedAt: now})

	assert.Equal(t, int64(2), alertCount(t, reader, alert.TypePDOTamper))
	assert.Equal(t, int64(1), alertCount(t, reader, alert.TypeGateDenial))
}

func TestStoreTamperIncrementsAlertCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp, err := NewMeterProvider("chainbridge-trust", "test", sdkmetric.WithReader(reader))
	require.NoError(t, err)
	defer func() { _ = mp.Shutdown(context.Background()) }()
	sink, err := alert.NewMetricSink(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	clean := pdostore.NewMemoryBackend()
	store, err := pdostore.Open(ctx, clean)
	require.NoError(t, err)
	rec, err := store.Append(ctx, pdo.Fields{
		InputRefs:    []string{"sha256:ab"},
		DecisionRef:  "sha256:cd",
		OutcomeRef:   "outcome-1",
		Outcome:      pdo.OutcomeApproved,
		SourceSystem: pdo.SourceGateway,
		Actor:        "GID-07",
		ActorType:    pdo.ActorAgent,
	})
	require.NoError(t, err)

	stored, err := clean.Get(ctx, rec.ID())
	require.NoError(t, err)
	stored.Body = []byte(strings.Replace(string(stored.Body), `"APPROVED"`, `"REJECTED"`, 1))
	tampered := pdostore.NewMemoryBackend()
	require.NoError(t, tampered.Put(ctx, stored))

	_, err = pdostore.Open(ctx, tampered, pdostore.WithAlertSink(sink))
	require.ErrorIs(t, err, pdo.ErrTamperDetected)
	assert.Equal(t, int64(1), alertCount(t, reader, alert.TypePDOTamper))
}

func TestSetupInstallsGlobalProvider(t *testing.T) {
	prev := otel.GetMeterProvider()
	defer otel.SetMeterProvider(prev)

	mp, err := Setup(context.Background(), config.TelemetryConfig{Exporter: "none"}, "chainbridge-trust", "test")
	require.NoError(t, err)
	defer func() { _ = mp.Shutdown(context.Background()) }()
	assert.Same(t, mp, otel.GetMeterProvider())
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Exporter: "statsd"}, "chainbridge-trust", "test")
	require.Error(t, err)
}
