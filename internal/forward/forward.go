// Package forward relays published streams to downstream servers over SRT.
// Each destination gets its own MPEG-TS connection whose stream id is the
// stream key.
package forward

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/internal/tsmux"
	"github.com/zsiec/livecore/media"
)

// DefaultLatency is the SRT send latency used when none is configured.
const DefaultLatency = 120 * time.Millisecond

// Dialer opens a connection to addr announcing streamID.
type Dialer func(addr, streamID string) (io.WriteCloser, error)

type latencyField interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64
}

func setLatency[T latencyField](dst *T, d time.Duration) {
	if d <= 0 {
		d = DefaultLatency
	}
	*dst = T(d.Nanoseconds())
}

// SRTDialer returns a Dialer that connects with srtgo in caller mode.
func SRTDialer(latency time.Duration) Dialer {
	return func(addr, streamID string) (io.WriteCloser, error) {
		cfg := srtgo.DefaultConfig()
		setLatency(&cfg.Latency, latency)
		cfg.StreamID = streamID
		conn, err := srtgo.Dial(addr, cfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Stats holds per-destination counters.
type Stats struct {
	Destination string `json:"destination"`
	Connected   bool   `json:"connected"`
	Frames      int64  `json:"frames"`
	Dials       int64  `json:"dials"`
	Failures    int64  `json:"failures"`
}

// Forwarder writes one stream to one destination. It implements
// source.FrameWriter. A connection is opened on publish and reopened on the
// next video keyframe after a write failure, so the downstream always
// starts on a decodable frame. Sequence headers are replayed into every
// new connection.
type Forwarder struct {
	dest string
	dial Dialer
	log  *slog.Logger

	// owned by the writer goroutine
	key  string
	conn io.WriteCloser
	mux  *tsmux.Muxer
	vsh  *media.Frame
	ash  *media.Frame

	connected atomic.Bool
	frames    atomic.Int64
	dials     atomic.Int64
	failures  atomic.Int64
}

// New creates a Forwarder for dest.
func New(dest string, dial Dialer, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		dest: dest,
		dial: dial,
		log:  log.With("component", "forwarder", "destination", dest),
	}
}

// Open records the stream key and connects. A failed dial is retried on the
// first keyframe instead of failing the publish.
func (f *Forwarder) Open(req source.PublishRequest) error {
	f.key = req.Key
	f.releaseHeaders()
	if err := f.connect(); err != nil {
		f.log.Warn("initial dial failed", "stream", f.key, "error", err)
	}
	return nil
}

// WriteFrame muxes fr onto the destination connection.
func (f *Forwarder) WriteFrame(fr *media.Frame) error {
	if fr.SequenceHeader {
		f.storeHeader(fr)
	}

	if f.conn == nil {
		if !fr.IsVideoKeyframe() {
			return nil
		}
		if err := f.connect(); err != nil {
			return err
		}
	}

	if err := f.mux.WriteFrame(fr); err != nil {
		if errors.Is(err, tsmux.ErrNoSequenceHeader) {
			return err
		}
		f.failures.Add(1)
		f.disconnect()
		return fmt.Errorf("forward to %s: %w", f.dest, err)
	}
	f.frames.Add(1)
	return nil
}

// Close drops the connection.
func (f *Forwarder) Close() error {
	f.disconnect()
	f.releaseHeaders()
	f.log.Info("forwarder closed", "stream", f.key,
		"frames", f.frames.Load(), "dials", f.dials.Load(), "failures", f.failures.Load())
	return nil
}

// Stats returns a snapshot of the forwarder counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Destination: f.dest,
		Connected:   f.connected.Load(),
		Frames:      f.frames.Load(),
		Dials:       f.dials.Load(),
		Failures:    f.failures.Load(),
	}
}

func (f *Forwarder) connect() error {
	f.dials.Add(1)
	conn, err := f.dial(f.dest, f.key)
	if err != nil {
		f.failures.Add(1)
		return fmt.Errorf("dial %s: %w", f.dest, err)
	}
	f.conn = conn
	f.mux = tsmux.New(conn, f.log)
	f.connected.Store(true)

	for _, sh := range []*media.Frame{f.vsh, f.ash} {
		if sh == nil {
			continue
		}
		if err := f.mux.WriteFrame(sh); err != nil {
			f.disconnect()
			return fmt.Errorf("replaying sequence header: %w", err)
		}
	}
	f.log.Info("connected", "stream", f.key)
	return nil
}

func (f *Forwarder) disconnect() {
	if f.conn == nil {
		return
	}
	if err := f.conn.Close(); err != nil {
		f.log.Debug("close failed", "error", err)
	}
	f.conn = nil
	f.mux = nil
	f.connected.Store(false)
}

func (f *Forwarder) storeHeader(fr *media.Frame) {
	switch fr.Kind {
	case media.KindVideo:
		f.vsh.Release()
		f.vsh = fr.Copy()
	case media.KindAudio:
		f.ash.Release()
		f.ash = fr.Copy()
	}
}

func (f *Forwarder) releaseHeaders() {
	f.vsh.Release()
	f.ash.Release()
	f.vsh, f.ash = nil, nil
}

// Sinks builds one asynchronous sink per destination.
func Sinks(dests []string, dial Dialer, depth int, log *slog.Logger, opts ...source.AsyncSinkOption) []source.Sink {
	sinks := make([]source.Sink, 0, len(dests))
	for _, dest := range dests {
		fw := New(dest, dial, log)
		sinks = append(sinks, source.NewAsyncSink("forward:"+dest, fw, depth, log, opts...))
	}
	return sinks
}
