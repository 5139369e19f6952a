// Package observability exports run metrics through OpenTelemetry with a Prometheus exporter.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/andresmejia3/facefinder/internal/recognition"
)

const meterName = "github.com/andresmejia3/facefinder"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the handler for /metrics and a shutdown function to call on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Runner is anything that executes recognition tasks.
type Runner interface {
	Run(ctx context.Context, taskID, videoPath string, opts ...recognition.RunOption) (recognition.Result, error)
}

// InstrumentedRunner records the outcome of every run it forwards.
type InstrumentedRunner struct {
	next Runner

	runs     metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	frames   metric.Int64Counter
	matches  metric.Int64Counter
	duration metric.Float64Histogram
}

// Instrument wraps next with run metrics taken from the global meter provider.
func Instrument(next Runner) (*InstrumentedRunner, error) {
	meter := otel.Meter(meterName)
	r := &InstrumentedRunner{next: next}

	var err, e error
	r.runs, e = meter.Int64Counter("facefinder_runs_total",
		metric.WithDescription("Recognition runs by terminal status"))
	err = errors.Join(err, e)
	r.inFlight, e = meter.Int64UpDownCounter("facefinder_runs_in_flight",
		metric.WithDescription("Recognition runs currently executing"))
	err = errors.Join(err, e)
	r.frames, e = meter.Int64Counter("facefinder_frames_decoded_total",
		metric.WithDescription("Video frames decoded across all runs"))
	err = errors.Join(err, e)
	r.matches, e = meter.Int64Counter("facefinder_matches_total",
		metric.WithDescription("Match events written to reports"))
	err = errors.Join(err, e)
	r.duration, e = meter.Float64Histogram("facefinder_run_duration_seconds",
		metric.WithDescription("Wall-clock time of a recognition run"),
		metric.WithUnit("s"))
	err = errors.Join(err, e)

	if err != nil {
		return nil, fmt.Errorf("failed to create run instruments: %w", err)
	}
	return r, nil
}

func (r *InstrumentedRunner) Run(ctx context.Context, taskID, videoPath string, opts ...recognition.RunOption) (recognition.Result, error) {
	// Recording must not depend on the run's own cancellation
	mctx := context.WithoutCancel(ctx)

	r.inFlight.Add(mctx, 1)
	start := time.Now()
	res, err := r.next.Run(ctx, taskID, videoPath, opts...)
	r.inFlight.Add(mctx, -1)

	status := attribute.String("status", string(res.Status))
	r.runs.Add(mctx, 1, metric.WithAttributes(status))
	r.duration.Record(mctx, time.Since(start).Seconds(), metric.WithAttributes(status))
	r.frames.Add(mctx, int64(res.FramesRead))
	r.matches.Add(mctx, int64(res.Matches))
	return res, err
}
