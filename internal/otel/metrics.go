package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all hookd metrics instruments.
type Metrics struct {
	EventsEnqueued   metric.Int64Counter
	EventsCompleted  metric.Int64Counter
	EventsFailed     metric.Int64Counter
	EventsRequeued   metric.Int64Counter
	DispatchRetries  metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	RequestDuration  metric.Float64Histogram
	SessionsActive   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsEnqueued, err = meter.Int64Counter("hookd.events.enqueued",
		metric.WithDescription("Hook events accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsCompleted, err = meter.Int64Counter("hookd.events.completed",
		metric.WithDescription("Hook events processed to completion"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsFailed, err = meter.Int64Counter("hookd.events.failed",
		metric.WithDescription("Hook events marked failed after retry exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsRequeued, err = meter.Int64Counter("hookd.events.requeued",
		metric.WithDescription("Hook events returned to pending (ownership race or foreign port)"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchRetries, err = meter.Int64Counter("hookd.dispatch.retries",
		metric.WithDescription("Side-effect dispatch retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("hookd.dispatch.duration",
		metric.WithDescription("Side-effect dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("hookd.request.duration",
		metric.WithDescription("Control-plane request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsActive, err = meter.Int64UpDownCounter("hookd.sessions.active",
		metric.WithDescription("Sessions currently registered on this instance"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
