package source

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/livecore/internal/observe"
	"github.com/zsiec/livecore/media"
)

// PublishRequest describes the publisher taking hold of a stream.
type PublishRequest struct {
	Key        string    `json:"key"`
	Protocol   string    `json:"protocol"`
	RemoteAddr string    `json:"remoteAddr"`
	StartedAt  time.Time `json:"startedAt"`
}

// Sink is a fan-out collaborator (segmenter, forwarder, transcoder) that
// receives every frame a Source accepts. The Source calls OnFrame while
// holding its broadcast lock, so OnFrame must not block; it receives its
// own reference and must Release it.
type Sink interface {
	Name() string
	OnPublish(req PublishRequest) error
	OnUnpublish()
	OnFrame(f *media.Frame)
}

// SinkFactory builds the sinks attached to a newly created Source.
type SinkFactory func(key string) []Sink

// FrameWriter is a blocking per-publish output, adapted to a Sink by
// NewAsyncSink. Open and Close bracket one publish.
type FrameWriter interface {
	Open(req PublishRequest) error
	WriteFrame(f *media.Frame) error
	Close() error
}

// AsyncSink runs a FrameWriter on its own goroutine behind a bounded
// channel. When the channel is full the frame is dropped and counted, so a
// slow writer never stalls the publisher.
type AsyncSink struct {
	name    string
	w       FrameWriter
	depth   int
	log     *slog.Logger
	metrics *observe.Metrics

	mu   sync.Mutex
	ch   chan *media.Frame
	done chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// AsyncSinkOption customizes an AsyncSink.
type AsyncSinkOption func(*AsyncSink)

// WithSinkMetrics records dropped frames on m.
func WithSinkMetrics(m *observe.Metrics) AsyncSinkOption {
	return func(s *AsyncSink) { s.metrics = m }
}

// NewAsyncSink wraps w. depth is the channel capacity; values below one use
// media.SinkBufferSize.
func NewAsyncSink(name string, w FrameWriter, depth int, log *slog.Logger, opts ...AsyncSinkOption) *AsyncSink {
	if log == nil {
		log = slog.Default()
	}
	if depth < 1 {
		depth = media.SinkBufferSize
	}
	s := &AsyncSink{
		name:  name,
		w:     w,
		depth: depth,
		log:   log.With("component", "sink", "sink", name),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the sink name.
func (s *AsyncSink) Name() string { return s.name }

// OnPublish opens the writer and starts the worker goroutine.
func (s *AsyncSink) OnPublish(req PublishRequest) error {
	s.OnUnpublish()

	if err := s.w.Open(req); err != nil {
		return fmt.Errorf("%s: open: %w", s.name, err)
	}

	ch := make(chan *media.Frame, s.depth)
	done := make(chan struct{})

	s.mu.Lock()
	s.ch, s.done = ch, done
	s.mu.Unlock()

	go s.run(ch, done)
	return nil
}

// OnFrame queues f for the worker, dropping it when the queue is full or no
// publish is active.
func (s *AsyncSink) OnFrame(f *media.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		f.Release()
		return
	}
	select {
	case s.ch <- f:
	default:
		f.Release()
		s.dropped.Add(1)
		s.metrics.RecordDropped(observe.DropSinkFull)
	}
}

// OnUnpublish drains the queue, waits for the worker and closes the writer.
func (s *AsyncSink) OnUnpublish() {
	s.mu.Lock()
	ch, done := s.ch, s.done
	s.ch, s.done = nil, nil
	s.mu.Unlock()

	if ch == nil {
		return
	}
	close(ch)
	<-done

	if err := s.w.Close(); err != nil {
		s.log.Warn("close failed", "error", err)
	}
	s.log.Info("sink stopped",
		"written", s.written.Load(),
		"dropped", s.dropped.Load(),
		"errors", s.failed.Load())
}

func (s *AsyncSink) run(ch <-chan *media.Frame, done chan<- struct{}) {
	defer close(done)
	for f := range ch {
		if err := s.w.WriteFrame(f); err != nil {
			if s.failed.Add(1) == 1 {
				s.log.Warn("write failed", "error", err)
			} else {
				s.log.Debug("write failed", "error", err)
			}
		} else {
			s.written.Add(1)
		}
		f.Release()
	}
}

// Written returns the number of frames the writer accepted.
func (s *AsyncSink) Written() int64 { return s.written.Load() }

// Dropped returns the number of frames discarded because the queue was full.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }
