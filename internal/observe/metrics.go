// Package observe provides the OpenTelemetry metrics recorded by the stream
// sources, subscriber queues and ingest pipelines.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that the standard
// /metrics endpoint can scrape them. Tests should use [NewMetrics] with a
// custom [metric.MeterProvider] to avoid cross-test pollution.
//
// Every helper method is safe to call on a nil *Metrics, which records
// nothing.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livecore metrics.
const meterName = "github.com/zsiec/livecore"

// Drop reasons reported on livecore.frames.dropped.
const (
	DropQueueFull = "queue_full"
	DropPaused    = "paused"
	DropSinkFull  = "sink_full"
)

// Metrics holds all OpenTelemetry metric instruments for the server.
type Metrics struct {
	// FramesIngested counts frames accepted by a source. Use with attribute:
	//   attribute.String("kind", ...)
	FramesIngested metric.Int64Counter

	// FramesDelivered counts frames handed to subscriber sessions.
	FramesDelivered metric.Int64Counter

	// FramesDropped counts frames discarded for one subscriber or sink. Use
	// with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// Publishes counts successful publish starts.
	Publishes metric.Int64Counter

	// PublishConflicts counts rejected publish attempts.
	PublishConflicts metric.Int64Counter

	// ActiveConsumers tracks attached subscriber queues across all streams.
	ActiveConsumers metric.Int64UpDownCounter

	// PublishingStreams tracks streams that currently have a publisher.
	PublishingStreams metric.Int64UpDownCounter
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesIngested, err = m.Int64Counter("livecore.frames.ingested",
		metric.WithDescription("Total frames accepted by stream sources, by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDelivered, err = m.Int64Counter("livecore.frames.delivered",
		metric.WithDescription("Total frames drained from subscriber queues."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livecore.frames.dropped",
		metric.WithDescription("Total frames dropped for a subscriber or sink, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Publishes, err = m.Int64Counter("livecore.publishes",
		metric.WithDescription("Total successful publish starts."),
	); err != nil {
		return nil, err
	}
	if met.PublishConflicts, err = m.Int64Counter("livecore.publish.conflicts",
		metric.WithDescription("Total publish attempts rejected because the stream was held."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConsumers, err = m.Int64UpDownCounter("livecore.consumers.active",
		metric.WithDescription("Number of attached subscriber queues."),
	); err != nil {
		return nil, err
	}
	if met.PublishingStreams, err = m.Int64UpDownCounter("livecore.streams.publishing",
		metric.WithDescription("Number of streams with an active publisher."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordIngest counts one frame of the given kind accepted by a source.
func (m *Metrics) RecordIngest(kind string) {
	if m == nil {
		return
	}
	m.FramesIngested.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDelivered counts n frames drained by a subscriber session.
func (m *Metrics) RecordDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDelivered.Add(context.Background(), int64(n))
}

// RecordDropped counts one dropped frame.
func (m *Metrics) RecordDropped(reason string) {
	m.RecordDroppedN(reason, 1)
}

// RecordDroppedN counts n dropped frames.
func (m *Metrics) RecordDroppedN(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDropped.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("reason", reason)))
}

// ConsumerAttached increments the active consumer gauge.
func (m *Metrics) ConsumerAttached() {
	if m == nil {
		return
	}
	m.ActiveConsumers.Add(context.Background(), 1)
}

// ConsumerDetached decrements the active consumer gauge.
func (m *Metrics) ConsumerDetached() {
	if m == nil {
		return
	}
	m.ActiveConsumers.Add(context.Background(), -1)
}

// PublishStarted records a successful publish.
func (m *Metrics) PublishStarted() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.Publishes.Add(ctx, 1)
	m.PublishingStreams.Add(ctx, 1)
}

// PublishStopped records the end of a publish.
func (m *Metrics) PublishStopped() {
	if m == nil {
		return
	}
	m.PublishingStreams.Add(context.Background(), -1)
}

// PublishConflict records a rejected publish attempt.
func (m *Metrics) PublishConflict() {
	if m == nil {
		return
	}
	m.PublishConflicts.Add(context.Background(), 1)
}
