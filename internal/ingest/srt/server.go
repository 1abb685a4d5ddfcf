package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/livecore/internal/ingest"
	"github.com/zsiec/livecore/media"
)

// Protocol is the ingest protocol name recorded on publish requests.
const Protocol = "srt"

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// DefaultLatency is the SRT receive latency used when none is configured.
const DefaultLatency = 120 * time.Millisecond

type latencyField interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64
}

// setLatency stores d in srtgo's nanosecond latency field.
func setLatency[T latencyField](dst *T, d time.Duration) {
	if d <= 0 {
		d = DefaultLatency
	}
	*dst = T(d.Nanoseconds())
}

// Server accepts incoming SRT publish connections and registers them
// with the ingest registry for demuxing.
type Server struct {
	log      *slog.Logger
	addr     string
	latency  time.Duration
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr and registers
// incoming streams with the given registry. If log is nil, slog.Default() is used.
func NewServer(addr string, latency time.Duration, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		latency:  latency,
		registry: registry,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	setLatency(&cfg.Latency, s.latency)

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "latency", s.latency)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, err := StreamKey(req.StreamID); err != nil {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key, err := StreamKey(conn.StreamID())
		if err != nil {
			s.log.Warn("rejecting stream id", "stream_id", conn.StreamID(), "error", err)
			conn.Close()
			continue
		}
		s.log.Info("publish", "stream", key, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	stream, writer, err := s.registry.Register(key, Protocol, conn.RemoteAddr().String())
	if err != nil {
		s.log.Warn("publish rejected", "stream", key, "error", err)
		return
	}
	pump(ctx, s.log, conn, stream, writer)
	s.registry.Unregister(stream)

	stats := stream.Stats()
	s.log.Info("connection closed", "stream", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// pump copies socket reads into the ingest pipe until either side fails.
func pump(ctx context.Context, log *slog.Logger, r io.Reader, stream *ingest.Stream, w io.Writer) {
	buf := make([]byte, srtReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := r.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream", stream.Key, "error", err)
			}
			return
		}
		stream.RecordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "stream", stream.Key, "error", err)
			return
		}
	}
}

// StreamKey maps an SRT stream id to a registry key. Plain ids are stream
// URLs ("vhost/app/stream" or "app/stream"); access-control ids of the form
// "#!::r=app/stream,h=vhost,m=publish" are also accepted. A bare stream name
// is published under the "live" app.
func StreamKey(streamID string) (string, error) {
	if streamID == "" {
		return "", errors.New("srt: empty stream id")
	}

	if rest, ok := strings.CutPrefix(streamID, "#!::"); ok {
		var resource, host string
		for _, kv := range strings.Split(rest, ",") {
			k, v, _ := strings.Cut(kv, "=")
			switch k {
			case "r":
				resource = v
			case "h":
				host = v
			}
		}
		if resource == "" {
			return "", fmt.Errorf("srt: stream id %q has no resource", streamID)
		}
		if host != "" {
			resource = host + "/" + strings.Trim(resource, "/")
		}
		streamID = resource
	}

	trimmed := strings.Trim(streamID, "/")
	if trimmed != "" && !strings.Contains(trimmed, "/") {
		return media.StreamKey("", "live", trimmed), nil
	}
	key, err := media.ParseStreamURL(trimmed)
	if err != nil {
		return "", fmt.Errorf("srt: stream id %q: %w", streamID, err)
	}
	return key, nil
}
