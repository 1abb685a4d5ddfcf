package source

import "errors"

// Sentinel errors for source and consumer operations. Callers distinguish
// failure modes with errors.Is.
var (
	// ErrPublishConflict is returned by OnPublish while another publisher
	// holds the stream. The source state is left untouched.
	ErrPublishConflict = errors.New("source: stream is already being published")

	// ErrQueueFull is returned by Consumer.Enqueue when the consumer has
	// reached its maximum depth. The frame is dropped for that consumer only.
	ErrQueueFull = errors.New("source: consumer queue full")

	// ErrConsumerClosed is returned when enqueueing into a destroyed consumer.
	ErrConsumerClosed = errors.New("source: consumer closed")

	// ErrRetired is returned by OnPublish and CreateConsumer on a source
	// that its registry has evicted. Callers look the key up again.
	ErrRetired = errors.New("source: source was evicted")

	// ErrNotPublishing is returned when media arrives for an idle source.
	ErrNotPublishing = errors.New("source: stream is not publishing")
)
