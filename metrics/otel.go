package metrics

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/redismux/redismux"
)

const instrumentationName = "github.com/redismux/redismux"

// OTelProfiler records command timings and connection events with
// OpenTelemetry instruments.
type OTelProfiler struct {
	operationDuration metric.Float64Histogram
	queueDuration     metric.Float64Histogram
	redirects         metric.Int64Counter
	connEvents        metric.Int64Counter
}

var _ Observer = (*OTelProfiler)(nil)

// OTelOption configures an OTelProfiler.
type OTelOption func(*otelConfig)

type otelConfig struct {
	provider metric.MeterProvider
	buckets  []float64
}

// WithMeterProvider sets the meter provider. Default is the global one.
func WithMeterProvider(provider metric.MeterProvider) OTelOption {
	return func(c *otelConfig) { c.provider = provider }
}

// WithBuckets sets the histogram bucket boundaries, in seconds.
func WithBuckets(buckets ...float64) OTelOption {
	return func(c *otelConfig) { c.buckets = buckets }
}

// NewOTelProfiler creates the instruments:
//   - db.client.operation.duration: creation to completion, per command
//   - redismux.client.queue.duration: creation to write
//   - redismux.client.redirects: retransmissions after MOVED or ASK
//   - redismux.client.connection.events: failures and restores
func NewOTelProfiler(opts ...OTelOption) (*OTelProfiler, error) {
	cfg := &otelConfig{buckets: DefaultBuckets}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.provider == nil {
		cfg.provider = otel.GetMeterProvider()
	}

	meter := cfg.provider.Meter(instrumentationName)

	operationDuration, err := meter.Float64Histogram(
		"db.client.operation.duration",
		metric.WithDescription("Duration of commands from creation to completion"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cfg.buckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration metric: %w", err)
	}

	queueDuration, err := meter.Float64Histogram(
		"redismux.client.queue.duration",
		metric.WithDescription("Time commands spent queued before being written"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cfg.buckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue duration metric: %w", err)
	}

	redirects, err := meter.Int64Counter(
		"redismux.client.redirects",
		metric.WithDescription("Commands retransmitted after a MOVED or ASK redirection"),
		metric.WithUnit("{redirect}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redirects metric: %w", err)
	}

	connEvents, err := meter.Int64Counter(
		"redismux.client.connection.events",
		metric.WithDescription("Connection failures and restores"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection events metric: %w", err)
	}

	return &OTelProfiler{
		operationDuration: operationDuration,
		queueDuration:     queueDuration,
		redirects:         redirects,
		connEvents:        connEvents,
	}, nil
}

// Record implements redismux.Profiler.
func (p *OTelProfiler) Record(cmd *redismux.ProfiledCommand) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation.name", cmd.Command),
		attribute.String("db.namespace", strconv.Itoa(cmd.DB)),
		attribute.String("server.address", cmd.Endpoint),
		attribute.String("db.response.status_code", status(cmd.Err)),
	)

	p.operationDuration.Record(ctx, cmd.ElapsedTime.Seconds(), attrs)
	if queued := cmd.CreationToEnqueued + cmd.EnqueuedToSending; queued > 0 {
		p.queueDuration.Record(ctx, queued.Seconds(), attrs)
	}
	if cmd.RetransmissionOf != nil {
		p.redirects.Add(ctx, 1, metric.WithAttributes(
			attribute.String("redismux.redirect.reason", cmd.RetransmissionReason),
			attribute.String("server.address", cmd.Endpoint),
		))
	}
}

func (p *OTelProfiler) ConnectionFailed(ev redismux.ConnectionEvent) {
	p.connectionEvent(ev, "failed")
}

func (p *OTelProfiler) ConnectionRestored(ev redismux.ConnectionEvent) {
	p.connectionEvent(ev, "restored")
}

func (p *OTelProfiler) connectionEvent(ev redismux.ConnectionEvent, event string) {
	p.connEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server.address", ev.Addr),
		attribute.String("redismux.connection.kind", ev.Kind),
		attribute.String("redismux.connection.event", event),
	))
}
