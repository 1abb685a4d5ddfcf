package source

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zsiec/livecore/internal/jitter"
	"github.com/zsiec/livecore/internal/observe"
	"github.com/zsiec/livecore/media"
)

// ConsumerStats captures per-consumer delivery counters for diagnostics.
type ConsumerStats struct {
	ID        string `json:"id"`
	Enqueued  int64  `json:"enqueued"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
	Pending   int    `json:"pending"`
	Paused    bool   `json:"paused"`
	TimeMs    int64  `json:"timeMs"`
}

// Consumer is one subscriber's ordered queue of frames awaiting delivery.
// The Source enqueues into it from the publisher path; the subscriber's
// session drains it with GetPackets at its own pace. Enqueue never blocks.
type Consumer struct {
	id       string
	log      *slog.Logger
	source   *Source
	maxQueue int

	mu     sync.Mutex
	jitter jitter.Corrector
	msgs   []*media.Frame
	paused bool
	closed bool
	// a keyframe was enqueued since the last pause
	rekeyed bool

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	enqueued  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// ConsumerOption customizes a Consumer created by Source.CreateConsumer.
type ConsumerOption func(*Consumer)

// WithMaxQueue caps the number of pending frames; 0 means unbounded.
func WithMaxQueue(n int) ConsumerOption {
	return func(c *Consumer) { c.maxQueue = n }
}

// WithConsumerID overrides the generated consumer ID.
func WithConsumerID(id string) ConsumerOption {
	return func(c *Consumer) { c.id = id }
}

func newConsumer(s *Source, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		id:     uuid.New().String(),
		source: s,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if s != nil {
		c.maxQueue = s.maxQueue
	}
	for _, opt := range opts {
		opt(c)
	}
	log := slog.Default()
	if s != nil {
		log = s.log
	}
	c.log = log.With("consumer", c.id)
	return c
}

// ID returns the consumer's unique identifier.
func (c *Consumer) ID() string { return c.id }

// Enqueue corrects f's timestamp with this consumer's jitter corrector and
// appends a shared copy to the pending queue. tba and tbv are the stream's
// audio sample rate and video frame rate.
func (c *Consumer) Enqueue(f *media.Frame, tba, tbv int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}

	ts := c.jitter.Correct(f, tba, tbv)
	if c.maxQueue > 0 && len(c.msgs) >= c.maxQueue {
		c.mu.Unlock()
		c.dropped.Add(1)
		if c.source != nil {
			c.source.metrics.RecordDropped(observe.DropQueueFull)
		}
		return ErrQueueFull
	}

	c.msgs = append(c.msgs, f.CopyAt(ts))
	if c.paused && f.IsVideoKeyframe() {
		c.rekeyed = true
		c.shrinkLocked()
	}
	c.mu.Unlock()

	c.enqueued.Add(1)
	c.notify()
	return nil
}

// GetPackets removes and returns up to max frames from the front of the
// queue in enqueue order; max 0 drains everything. A paused consumer
// returns nothing. The caller owns the returned frames and must Release
// them once written.
func (c *Consumer) GetPackets(max int) []*media.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return []*media.Frame{}
	}
	n := len(c.msgs)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return []*media.Frame{}
	}

	out := make([]*media.Frame, n)
	copy(out, c.msgs[:n])
	clear(c.msgs[:n])
	c.msgs = c.msgs[n:]
	if len(c.msgs) == 0 {
		c.msgs = nil
	}

	c.delivered.Add(int64(n))
	if c.source != nil {
		c.source.metrics.RecordDelivered(n)
	}
	return out
}

// OnPlayClientPause handles a subscriber pausing or resuming playback.
// While paused nothing is delivered; the backlog is shrunk to what is
// needed to restart at the last keyframe, and further keyframes keep it
// that small. If a keyframe arrived during the pause, resuming replaces
// the backlog with a fresh attach replay (metadata, sequence headers and
// the current GOP). Otherwise the backlog still continues from the last
// delivered frame and resuming only clears the flag.
func (c *Consumer) OnPlayClientPause(paused bool) {
	if !paused {
		c.mu.Lock()
		if !c.paused {
			c.mu.Unlock()
			return
		}
		replay := c.rekeyed && c.source != nil
		if !replay {
			c.paused, c.rekeyed = false, false
		}
		c.mu.Unlock()

		if replay {
			c.source.resumeConsumer(c)
		}
		c.notify()
		c.log.Info("play resumed", "pending", c.Len(), "replayed", replay)
		return
	}

	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}
	c.paused, c.rekeyed = true, false
	c.shrinkLocked()
	pending := len(c.msgs)
	c.mu.Unlock()

	c.log.Info("play paused", "pending", pending)
}

func (c *Consumer) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// shrinkLocked keeps only the frames from the last pending video keyframe
// onward. Without a pending keyframe the queue is left as-is.
func (c *Consumer) shrinkLocked() {
	last := -1
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].IsVideoKeyframe() {
			last = i
			break
		}
	}
	if last <= 0 {
		return
	}
	media.ReleaseAll(c.msgs[:last])
	c.dropped.Add(int64(last))
	if c.source != nil {
		c.source.metrics.RecordDroppedN(observe.DropPaused, last)
	}
	kept := make([]*media.Frame, len(c.msgs)-last)
	copy(kept, c.msgs[last:])
	c.msgs = kept
}

// resetLocked discards the backlog and unpauses, used before a resume replay.
func (c *Consumer) resetLocked() {
	media.ReleaseAll(c.msgs)
	c.dropped.Add(int64(len(c.msgs)))
	c.msgs = nil
	c.paused, c.rekeyed = false, false
}

// Time returns the consumer's last corrected timestamp in milliseconds.
func (c *Consumer) Time() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jitter.Time()
}

// Len returns the number of pending frames.
func (c *Consumer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// Paused reports whether the subscriber is paused.
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Wait returns a channel that receives after frames are enqueued. It has a
// single slot, so one receive may cover several enqueues.
func (c *Consumer) Wait() <-chan struct{} {
	return c.signal
}

// Done is closed once the consumer is destroyed.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Stats returns a snapshot of delivery counters.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	pending, paused, ts := len(c.msgs), c.paused, c.jitter.Time()
	c.mu.Unlock()

	return ConsumerStats{
		ID:        c.id,
		Enqueued:  c.enqueued.Load(),
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Pending:   pending,
		Paused:    paused,
		TimeMs:    ts,
	}
}

// Close deregisters the consumer from its source and releases every pending
// frame. It is safe to call more than once.
func (c *Consumer) Close() {
	if c.source != nil {
		c.source.OnConsumerDestroy(c)
	}
	c.release()
}

// release marks the consumer closed and drops its pending frames without
// touching the source.
func (c *Consumer) release() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		media.ReleaseAll(c.msgs)
		c.msgs = nil
		c.mu.Unlock()

		close(c.done)
	})
}
