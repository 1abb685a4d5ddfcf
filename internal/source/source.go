// Package source implements the per-stream broadcaster: the publish
// lifecycle, the codec and GOP caches that give new subscribers a fast
// start, the subscriber queues, and fan-out to sinks.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/livecore/internal/jitter"
	"github.com/zsiec/livecore/internal/observe"
	"github.com/zsiec/livecore/media"
)

// Config configures a Source.
type Config struct {
	// GOPCache enables the GOP cache when the source is created.
	GOPCache bool

	// MaxQueue caps each consumer's pending frames; 0 means unbounded.
	MaxQueue int

	// Sinks builds the fan-out collaborators. Nil means none.
	Sinks SinkFactory

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Info is a point-in-time snapshot of a Source, for the HTTP API.
type Info struct {
	Key         string    `json:"key"`
	Publishing  bool      `json:"publishing"`
	Protocol    string    `json:"protocol,omitempty"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	SampleRate  int       `json:"sampleRate"`
	FrameRate   int       `json:"frameRate"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	GOPCache    bool      `json:"gopCache"`
	GOPFrames   int       `json:"gopFrames"`
	Consumers   int       `json:"consumers"`
	Sinks       []string  `json:"sinks,omitempty"`
	AudioFrames int64     `json:"audioFrames"`
	VideoFrames int64     `json:"videoFrames"`
	TimeMs      int64     `json:"timeMs"`
	PublishedAt time.Time `json:"publishedAt,omitzero"`
	LastActive  time.Time `json:"lastActive"`
}

// Source is the broadcaster for one stream key. A single mutex guards the
// consumer set, the codec caches and the GOP cache, so attaching a consumer
// (with its replay), detaching one, and broadcasting a frame never
// interleave. Consumer.Enqueue never blocks, so holding the lock across a
// broadcast is bounded by the number of consumers.
//
// Lock order is Source.mu before Consumer.mu.
type Source struct {
	key      string
	log      *slog.Logger
	metrics  *observe.Metrics
	maxQueue int
	sinks    []Sink

	mu          sync.Mutex
	publishing  bool
	retired     bool
	req         PublishRequest
	active      []Sink
	consumers   map[string]*Consumer
	gop         *GOPCache
	metadata    *media.Metadata
	metaFrame   *media.Frame
	videoSH     *media.Frame
	audioSH     *media.Frame
	sampleRate  int
	frameRate   int
	jitter      jitter.Corrector
	lastRaw     int64
	audioFrames int64
	videoFrames int64
	publishedAt time.Time
	lastActive  time.Time
}

// New creates an idle Source for key.
func New(key string, cfg Config) *Source {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Source{
		key:        key,
		log:        log.With("component", "source", "stream", key),
		metrics:    cfg.Metrics,
		maxQueue:   cfg.MaxQueue,
		consumers:  make(map[string]*Consumer),
		gop:        NewGOPCache(cfg.GOPCache),
		lastActive: time.Now(),
	}
	if cfg.Sinks != nil {
		s.sinks = cfg.Sinks(key)
	}
	return s
}

// Key returns the stream key.
func (s *Source) Key() string { return s.key }

// CanPublish reports whether no publisher currently holds the stream.
func (s *Source) CanPublish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.publishing
}

// OnPublish moves the source to Publishing and starts every sink. It
// returns ErrPublishConflict, leaving all state untouched, if another
// publisher holds the stream. A sink that fails to start is logged and
// left out of this publish.
func (s *Source) OnPublish(req PublishRequest) error {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.key, ErrRetired)
	}
	if s.publishing {
		s.mu.Unlock()
		s.metrics.PublishConflict()
		s.log.Warn("publish rejected", "remote", req.RemoteAddr, "holder", s.req.RemoteAddr)
		return fmt.Errorf("%s: %w", s.key, ErrPublishConflict)
	}
	if req.Key == "" {
		req.Key = s.key
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now()
	}
	s.publishing = true
	s.req = req
	s.publishedAt = req.StartedAt
	s.lastActive = req.StartedAt
	s.jitter = jitter.Corrector{}
	s.audioFrames, s.videoFrames = 0, 0
	s.mu.Unlock()

	var started []Sink
	for _, sink := range s.sinks {
		if err := sink.OnPublish(req); err != nil {
			s.log.Error("sink failed to start", "sink", sink.Name(), "error", err)
			continue
		}
		started = append(started, sink)
	}

	s.mu.Lock()
	s.active = started
	s.mu.Unlock()

	s.metrics.PublishStarted()
	s.log.Info("publish started", "protocol", req.Protocol, "remote", req.RemoteAddr, "sinks", len(started))
	return nil
}

// OnUnpublish clears the sequence headers, metadata and GOP cache, stops
// the sinks and returns the source to Idle. Attached consumers stay
// attached and receive frames again on the next publish.
func (s *Source) OnUnpublish() {
	s.mu.Lock()
	if !s.publishing {
		s.mu.Unlock()
		return
	}
	s.publishing = false
	s.gop.Clear()
	s.videoSH.Release()
	s.audioSH.Release()
	s.metaFrame.Release()
	s.videoSH, s.audioSH, s.metaFrame = nil, nil, nil
	s.metadata = nil
	s.sampleRate, s.frameRate = 0, 0
	s.lastActive = time.Now()
	active := s.active
	s.active = nil
	duration := time.Since(s.publishedAt)
	s.mu.Unlock()

	for _, sink := range active {
		sink.OnUnpublish()
	}

	s.metrics.PublishStopped()
	s.log.Info("publish stopped", "duration", duration.Round(time.Millisecond))
}

// OnMetaData stores the sample and frame rates from md, caches md as the
// metadata frame replayed to new consumers, and broadcasts it. The source
// keeps its own copy, so the caller may go on mutating md.
func (s *Source) OnMetaData(md *media.Metadata) error {
	if md == nil {
		return nil
	}
	md = media.NewMetadata(md.Properties)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.publishing {
		return ErrNotPublishing
	}

	f, err := md.Frame(s.lastRaw)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if sr := md.SampleRate(); sr > 0 {
		s.sampleRate = sr
	}
	if fr := md.FrameRate(); fr > 0 {
		s.frameRate = fr
	}
	s.metadata = md
	s.metaFrame.Release()
	s.metaFrame = f
	s.lastActive = time.Now()
	s.metrics.RecordIngest(media.KindMetadata.String())

	s.log.Debug("metadata updated", "sampleRate", s.sampleRate, "frameRate", s.frameRate)
	return s.broadcastLocked(f)
}

// OnAudio caches and broadcasts an audio frame. The caller keeps its
// reference to f.
func (s *Source) OnAudio(f *media.Frame) error {
	return s.onFrame(f)
}

// OnVideo caches and broadcasts a video frame. The caller keeps its
// reference to f.
func (s *Source) OnVideo(f *media.Frame) error {
	return s.onFrame(f)
}

func (s *Source) onFrame(f *media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.publishing {
		return ErrNotPublishing
	}

	// source-side time is only read for play-start alignment via Time/Info
	s.jitter.Correct(f, s.sampleRate, s.frameRate)
	s.lastRaw = f.Timestamp
	s.lastActive = time.Now()
	if f.IsVideo() {
		s.videoFrames++
	} else {
		s.audioFrames++
	}
	s.metrics.RecordIngest(f.Kind.String())

	if f.SequenceHeader {
		switch f.Kind {
		case media.KindVideo:
			s.videoSH.Release()
			s.videoSH = f.Copy()
		case media.KindAudio:
			s.audioSH.Release()
			s.audioSH = f.Copy()
		}
	}

	var errs []error
	if err := s.gop.Cache(f); err != nil {
		errs = append(errs, fmt.Errorf("gop cache: %w", err))
	}
	if err := s.broadcastLocked(f); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// broadcastLocked enqueues f into every consumer and hands each active sink
// its own reference. One consumer's failure does not stop delivery to the
// others; all failures are joined.
func (s *Source) broadcastLocked(f *media.Frame) error {
	var errs []error
	for id, c := range s.consumers {
		if err := c.Enqueue(f, s.sampleRate, s.frameRate); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s: %w", id, err))
		}
	}
	for _, sink := range s.active {
		sink.OnFrame(f.Copy())
	}
	return errors.Join(errs...)
}

// replayLocked gives c what it needs to start decoding: metadata, the video
// sequence header, the audio sequence header, then the cached GOP.
func (s *Source) replayLocked(c *Consumer) error {
	var errs []error
	for _, f := range []*media.Frame{s.metaFrame, s.videoSH, s.audioSH} {
		if f == nil {
			continue
		}
		if err := c.Enqueue(f, s.sampleRate, s.frameRate); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.gop.Dump(c, s.sampleRate, s.frameRate); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CreateConsumer attaches a new consumer and, atomically with respect to
// broadcast, replays metadata, sequence headers and the cached GOP into it.
// If the replay does not fit the consumer's queue limit the consumer is
// discarded and the error returned.
func (s *Source) CreateConsumer(opts ...ConsumerOption) (*Consumer, error) {
	c := newConsumer(s, opts...)

	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		c.release()
		return nil, fmt.Errorf("%s: %w", s.key, ErrRetired)
	}
	s.consumers[c.id] = c
	if err := s.replayLocked(c); err != nil {
		delete(s.consumers, c.id)
		s.mu.Unlock()
		c.release()
		return nil, fmt.Errorf("replay to consumer %s: %w", c.id, err)
	}
	s.lastActive = time.Now()
	n := len(s.consumers)
	s.mu.Unlock()

	s.metrics.ConsumerAttached()
	c.log.Info("consumer attached", "pending", c.Len(), "consumers", n)
	return c, nil
}

// OnConsumerDestroy removes c from the broadcast set. Removing an unknown
// or already removed consumer is a no-op.
func (s *Source) OnConsumerDestroy(c *Consumer) {
	s.mu.Lock()
	_, ok := s.consumers[c.id]
	delete(s.consumers, c.id)
	s.lastActive = time.Now()
	n := len(s.consumers)
	s.mu.Unlock()

	if ok {
		s.metrics.ConsumerDetached()
		c.log.Info("consumer detached", "consumers", n)
	}
}

// resumeConsumer discards c's backlog and replays the attach sequence into
// it, so a resumed subscriber restarts from the current GOP.
func (s *Source) resumeConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	if _, ok := s.consumers[c.id]; !ok {
		return
	}
	if err := s.replayLocked(c); err != nil {
		c.log.Warn("resume replay incomplete", "error", err)
	}
}

// SetCache enables or disables the GOP cache.
func (s *Source) SetCache(enabled bool) {
	s.mu.Lock()
	s.gop.Set(enabled)
	s.mu.Unlock()
	s.log.Info("gop cache toggled", "enabled", enabled)
}

// ConsumerCount returns the number of attached consumers.
func (s *Source) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Time returns the source-side corrected ingest time in milliseconds.
func (s *Source) Time() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jitter.Time()
}

// Idle reports whether the source has no publisher, no consumers, and no
// activity for at least d.
func (s *Source) Idle(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleLocked(d)
}

func (s *Source) idleLocked(d time.Duration) bool {
	return !s.publishing && len(s.consumers) == 0 && time.Since(s.lastActive) >= d
}

// Touch marks the source as recently used, postponing idle eviction.
func (s *Source) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Retire marks the source evicted if it has been idle for at least d, and
// reports whether it did. A retired source refuses publishers and
// consumers, so nothing can attach to it after its registry dropped it.
func (s *Source) Retire(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.retired && s.idleLocked(d) {
		s.retired = true
	}
	return s.retired
}

// Info returns a snapshot of the source state.
func (s *Source) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Key:         s.key,
		Publishing:  s.publishing,
		SampleRate:  s.sampleRate,
		FrameRate:   s.frameRate,
		GOPCache:    s.gop.Enabled(),
		GOPFrames:   s.gop.Len(),
		Consumers:   len(s.consumers),
		AudioFrames: s.audioFrames,
		VideoFrames: s.videoFrames,
		TimeMs:      s.jitter.Time(),
		LastActive:  s.lastActive,
	}
	if s.publishing {
		info.Protocol = s.req.Protocol
		info.RemoteAddr = s.req.RemoteAddr
		info.PublishedAt = s.publishedAt
	}
	if s.metadata != nil {
		info.Width = s.metadata.Width()
		info.Height = s.metadata.Height()
	}
	for _, sink := range s.active {
		info.Sinks = append(info.Sinks, sink.Name())
	}
	return info
}
