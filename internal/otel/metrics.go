package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all broker metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	QueueDepth       metric.Int64UpDownCounter
	EngineInflight   metric.Int64UpDownCounter
	ItemDuration     metric.Float64Histogram
	ItemRetries      metric.Int64Counter
	AdapterDuration  metric.Float64Histogram
	AdapterErrors    metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("mediabroker.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("mediabroker.queue.depth",
		metric.WithDescription("Number of pending items waiting for an engine slot"),
	)
	if err != nil {
		return nil, err
	}

	m.EngineInflight, err = meter.Int64UpDownCounter("mediabroker.engine.inflight",
		metric.WithDescription("Number of items currently occupying an engine concurrency slot"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemDuration, err = meter.Float64Histogram("mediabroker.item.duration",
		metric.WithDescription("Item processing duration from submit to terminal state, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemRetries, err = meter.Int64Counter("mediabroker.item.retries",
		metric.WithDescription("Total item retry attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterDuration, err = meter.Float64Histogram("mediabroker.adapter.call.duration",
		metric.WithDescription("Platform adapter submit/query call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterErrors, err = meter.Int64Counter("mediabroker.adapter.errors",
		metric.WithDescription("Platform adapter call errors by class"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("mediabroker.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
