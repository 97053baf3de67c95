// Package alert carries structured integrity alerts. Detection code emits an
// Alert and moves on; nothing in this package repairs or deletes data.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Type string

const (
	TypePDOTamper        Type = "PDO_TAMPER"
	TypeProofPackInvalid Type = "PROOFPACK_INVALID"
	TypeArtifactDrift    Type = "ARTIFACT_DRIFT"
	TypeGateDenial       Type = "GATE_DENIAL"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityWarning  Severity = "WARNING"
)

type Alert struct {
	Type       Type      `json:"type"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
	Subject    string    `json:"subject"`
	Expected   string    `json:"expected,omitempty"`
	Actual     string    `json:"actual,omitempty"`
	Message    string    `json:"message"`
}

type Sink interface {
	Emit(ctx context.Context, a Alert)
}

// LogSink writes alerts through slog. Critical and high alerts log at error
// level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, a Alert) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if a.Severity == SeverityCritical || a.Severity == SeverityHigh {
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "integrity alert",
		slog.String("type", string(a.Type)),
		slog.String("severity", string(a.Severity)),
		slog.Time("detected_at", a.DetectedAt),
		slog.String("subject", a.Subject),
		slog.String("expected", a.Expected),
		slog.String("actual", a.Actual),
		slog.String("message", a.Message),
	)
}

// MetricSink counts alerts by type and severity.
type MetricSink struct {
	counter metric.Int64Counter
}

func NewMetricSink(meter metric.Meter) (*MetricSink, error) {
	counter, err := meter.Int64Counter("trust.alerts",
		metric.WithDescription("Integrity alerts raised by the trust core"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}
	return &MetricSink{counter: counter}, nil
}

func (s *MetricSink) Emit(ctx context.Context, a Alert) {
	s.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(a.Type)),
		attribute.String("severity", string(a.Severity)),
	))
}

// Multi fans an alert out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, a Alert) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, a)
		}
	}
}

// Recorder keeps alerts in memory. Used by tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Emit(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
