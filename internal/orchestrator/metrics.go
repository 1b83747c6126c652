package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	submissions metric.Int64Counter
	failures    metric.Int64Counter
	handovers   metric.Int64Counter
}

func newMetrics(meter metric.Meter, queueDepth, playbackWaiting func() int) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.submissions, err = meter.Int64Counter("console_submissions_total",
		metric.WithDescription("Jobs accepted by the synthesis server")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("console_job_failures_total",
		metric.WithDescription("Rows that ended in a failure state")); err != nil {
		return nil, err
	}
	if m.handovers, err = meter.Int64Counter("console_playback_handovers_total",
		metric.WithDescription("Playback slot handovers between rows")); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableGauge("console_admission_queue_depth",
		metric.WithDescription("Rows waiting for the single synthesis slot"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(queueDepth()))
			return nil
		})); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableGauge("console_playback_waiting",
		metric.WithDescription("Rows buffered and waiting for the playback slot"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(playbackWaiting()))
			return nil
		})); err != nil {
		return nil, err
	}
	return m, nil
}
