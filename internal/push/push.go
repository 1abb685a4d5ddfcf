// Package push publishes a recorded MPEG-TS file to an SRT server at its
// real-time rate, for testing ingest without an encoder.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/zsiec/livecore/internal/forward"
)

// PacketSize is the MPEG-TS packet size; writes are whole packets.
const PacketSize = 188

const (
	chunkPackets     = 7 // one SRT payload
	defaultDuration  = 60 * time.Second
	reconnectBackoff = time.Second
	logInterval      = 10 * time.Second
)

// ErrEmpty is returned for input with no complete TS packet.
var ErrEmpty = errors.New("push: no TS packets")

// Duration returns the media duration of a TS stream, measured as the
// span of its video timestamps, or of its audio when there is no video.
func Duration(data []byte) (time.Duration, error) {
	r := &mpegts.Reader{R: bytes.NewReader(data)}
	if err := r.Initialize(); err != nil {
		return 0, fmt.Errorf("reading PMT: %w", err)
	}
	r.OnDecodeError(func(error) {})

	var video, audio span
	for _, track := range r.Tracks() {
		switch track.Codec.(type) {
		case *mpegts.CodecH264:
			r.OnDataH264(track, func(_, dts int64, _ [][]byte) error {
				video.add(dts)
				return nil
			})
		case *mpegts.CodecH265:
			r.OnDataH265(track, func(_, dts int64, _ [][]byte) error {
				video.add(dts)
				return nil
			})
		case *mpegts.CodecMPEG4Audio:
			r.OnDataMPEG4Audio(track, func(pts int64, _ [][]byte) error {
				audio.add(pts)
				return nil
			})
		}
	}

	for {
		if err := r.Read(); err != nil {
			break
		}
	}

	s := video
	if !s.ok {
		s = audio
	}
	if !s.ok || s.max <= s.min {
		return 0, errors.New("push: no timestamps")
	}
	return time.Duration(s.max-s.min) * time.Second / 90000, nil
}

type span struct {
	min, max int64
	ok       bool
}

func (s *span) add(ts int64) {
	if !s.ok {
		s.min, s.max, s.ok = ts, ts, true
		return
	}
	s.min = min(s.min, ts)
	s.max = max(s.max, ts)
}

// Config describes one push.
type Config struct {
	Addr     string
	StreamID string

	// Duration of the file; zero measures it with Duration.
	Duration time.Duration

	// Loop restarts from the beginning at the end of the file and
	// reconnects after a failed write.
	Loop bool

	Dial forward.Dialer
	Log  *slog.Logger
}

// Run sends data to cfg.Addr until the file ends, or, with Loop set,
// until ctx is cancelled.
func Run(ctx context.Context, cfg Config, data []byte) error {
	data = data[:len(data)/PacketSize*PacketSize]
	if len(data) == 0 {
		return ErrEmpty
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream", cfg.StreamID, "addr", cfg.Addr)
	if cfg.Dial == nil {
		cfg.Dial = forward.SRTDialer(forward.DefaultLatency)
	}

	duration := cfg.Duration
	if duration <= 0 {
		d, err := Duration(data)
		if err != nil {
			log.Warn("could not measure duration, assuming default", "error", err, "duration", defaultDuration)
			d = defaultDuration
		}
		duration = d
	}
	bytesPerSec := float64(len(data)) / duration.Seconds()
	log.Info("pushing file", "packets", len(data)/PacketSize, "duration", duration, "bytesPerSec", int64(bytesPerSec))

	for {
		conn, err := cfg.Dial(cfg.Addr, cfg.StreamID)
		if err != nil {
			if !cfg.Loop {
				return fmt.Errorf("connecting to %s: %w", cfg.Addr, err)
			}
			log.Warn("connect failed, retrying", "error", err)
		} else {
			log.Info("connected")
			err = stream(ctx, conn, data, bytesPerSec, cfg.Loop, log)
			conn.Close()
			if err == nil || ctx.Err() != nil {
				return nil
			}
			if !cfg.Loop {
				return err
			}
			log.Warn("connection lost, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectBackoff):
		}
	}
}

// stream writes data paced against a single clock, so looping has no burst
// or gap at the seam.
func stream(ctx context.Context, w io.Writer, data []byte, bytesPerSec float64, loop bool, log *slog.Logger) error {
	start := time.Now()
	lastLog := start
	var sent int64
	chunk := PacketSize * chunkPackets

	for pass := 1; ; pass++ {
		for i := 0; i < len(data); i += chunk {
			end := min(i+chunk, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			ahead := time.Duration(float64(sent)/bytesPerSec*float64(time.Second)) - time.Since(start)
			if ahead > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(ahead):
				}
			} else if ctx.Err() != nil {
				return ctx.Err()
			}

			if time.Since(lastLog) >= logInterval {
				log.Info("push progress",
					"pass", pass,
					"sentMB", float64(sent)/(1024*1024),
					"rate", int64(float64(sent)/time.Since(start).Seconds()))
				lastLog = time.Now()
			}
		}
		if !loop {
			return nil
		}
	}
}
