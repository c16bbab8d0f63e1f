package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuthRecorder receives session lifecycle outcomes. Both *Metrics and
// *OTelMetrics implement it.
type AuthRecorder interface {
	RecordResolution(phase string, duration time.Duration)
	RecordSignIn(operation, code string)
	RecordLogout(method string)
}

// OTelMetrics exports session lifecycle metrics through the global
// OpenTelemetry meter provider
type OTelMetrics struct {
	resolutions        metric.Int64Counter
	resolutionDuration metric.Float64Histogram
	signIns            metric.Int64Counter
	logouts            metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return newOTelMetrics(otel.Meter("github.com/bcombuddy/sessionbridge"))
}

func newOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.resolutions, err = meter.Int64Counter(
		"sessionbridge.resolutions",
		metric.WithDescription("Identity resolutions by resulting phase"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolutions counter: %w", err)
	}

	m.resolutionDuration, err = meter.Float64Histogram(
		"sessionbridge.resolution.duration",
		metric.WithDescription("Time from resolution start to a settled state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution duration histogram: %w", err)
	}

	m.signIns, err = meter.Int64Counter(
		"sessionbridge.sign_ins",
		metric.WithDescription("Provider sign-in operations by outcome code"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sign-in counter: %w", err)
	}

	m.logouts, err = meter.Int64Counter(
		"sessionbridge.logouts",
		metric.WithDescription("Logouts by authentication method"),
		metric.WithUnit("{logout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout counter: %w", err)
	}

	return m, nil
}

// RecordResolution implements AuthRecorder
func (m *OTelMetrics) RecordResolution(phase string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	m.resolutions.Add(context.Background(), 1, attrs)
	m.resolutionDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSignIn implements AuthRecorder
func (m *OTelMetrics) RecordSignIn(operation, code string) {
	if code == "" {
		code = "ok"
	}
	m.signIns.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("code", code),
	))
}

// RecordLogout implements AuthRecorder
func (m *OTelMetrics) RecordLogout(method string) {
	m.logouts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("method", method)))
}

// Recorders fans outcomes out to several recorders
type Recorders []AuthRecorder

// RecordResolution implements AuthRecorder
func (rs Recorders) RecordResolution(phase string, duration time.Duration) {
	for _, r := range rs {
		r.RecordResolution(phase, duration)
	}
}

// RecordSignIn implements AuthRecorder
func (rs Recorders) RecordSignIn(operation, code string) {
	for _, r := range rs {
		r.RecordSignIn(operation, code)
	}
}

// RecordLogout implements AuthRecorder
func (rs Recorders) RecordLogout(method string) {
	for _, r := range rs {
		r.RecordLogout(method)
	}
}
