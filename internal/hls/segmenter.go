// Package hls segments published streams into HLS playlists served from
// memory.
package hls

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gohlslib "github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/media"
)

const videoClockRate = 90000

var (
	// ErrNotStarted is returned by Handle callers while no playlist exists.
	ErrNotStarted = errors.New("hls: segmenter not started")

	// ErrNoSequenceHeader is returned for audio that arrives before its
	// AudioSpecificConfig.
	ErrNoSequenceHeader = errors.New("hls: no sequence header")
)

// Config holds segmenter settings.
type Config struct {
	SegmentCount       int
	SegmentMinDuration time.Duration
	SegmentMaxSize     uint64
}

func (c *Config) setDefaults() {
	if c.SegmentCount == 0 {
		c.SegmentCount = 7
	}
	if c.SegmentMinDuration == 0 {
		c.SegmentMinDuration = time.Second
	}
	if c.SegmentMaxSize == 0 {
		c.SegmentMaxSize = 50 * 1024 * 1024
	}
}

// Segmenter writes one stream into a gohlslib muxer. It implements
// source.FrameWriter: Open and Close bracket a publish, and WriteFrame runs
// on the sink worker. Tracks are configured from the sequence headers, and
// the muxer starts on the first video keyframe (or the first audio frame of
// an audio-only stream).
type Segmenter struct {
	key string
	cfg Config
	log *slog.Logger

	// owned by the writer goroutine
	sps, pps   []byte
	audioConf  *mpeg4audio.AudioSpecificConfig
	videoTrack *gohlslib.Track
	audioTrack *gohlslib.Track

	mu    sync.RWMutex
	muxer *gohlslib.Muxer

	written atomic.Uint64
}

// NewSegmenter creates a segmenter for key.
func NewSegmenter(key string, cfg Config, log *slog.Logger) *Segmenter {
	if log == nil {
		log = slog.Default()
	}
	cfg.setDefaults()
	return &Segmenter{
		key: key,
		cfg: cfg,
		log: log.With("component", "hls", "stream", key),
	}
}

// Open resets the per-publish state.
func (s *Segmenter) Open(source.PublishRequest) error {
	s.closeMuxer()
	s.sps, s.pps, s.audioConf = nil, nil, nil
	s.videoTrack, s.audioTrack = nil, nil
	s.written.Store(0)
	return nil
}

// WriteFrame feeds one frame to the muxer.
func (s *Segmenter) WriteFrame(f *media.Frame) error {
	switch {
	case f.IsMetadata():
		return nil
	case f.SequenceHeader && f.IsVideo():
		return s.setVideoConfig(f)
	case f.SequenceHeader && f.IsAudio():
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(f.Payload()); err != nil {
			return fmt.Errorf("audio sequence header: %w", err)
		}
		s.audioConf = &conf
		return nil
	case f.IsVideo():
		return s.writeVideo(f)
	case f.IsAudio():
		return s.writeAudio(f)
	}
	return nil
}

// Close stops the muxer; the playlist disappears with it.
func (s *Segmenter) Close() error {
	s.closeMuxer()
	s.log.Info("segmenter closed", "frames", s.written.Load())
	return nil
}

// Started reports whether a playlist is being produced.
func (s *Segmenter) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muxer != nil
}

// Handle serves the playlist and segments.
func (s *Segmenter) Handle(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	muxer := s.muxer
	s.mu.RUnlock()

	if muxer == nil {
		http.Error(w, ErrNotStarted.Error(), http.StatusNotFound)
		return
	}
	muxer.Handle(w, r)
}

func (s *Segmenter) setVideoConfig(f *media.Frame) error {
	if f.Codec != media.CodecH264 {
		return fmt.Errorf("hls: unsupported video codec %q", f.Codec)
	}
	var au h264.AnnexB
	if err := au.Unmarshal(f.Payload()); err != nil {
		return fmt.Errorf("video sequence header: %w", err)
	}
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			s.sps = nalu
		case h264.NALUTypePPS:
			s.pps = nalu
		}
	}
	return nil
}

func (s *Segmenter) start() error {
	var tracks []*gohlslib.Track
	if s.sps != nil && s.pps != nil {
		s.videoTrack = &gohlslib.Track{
			Codec:     &codecs.H264{SPS: s.sps, PPS: s.pps},
			ClockRate: videoClockRate,
		}
		tracks = append(tracks, s.videoTrack)
	}
	if s.audioConf != nil {
		s.audioTrack = &gohlslib.Track{
			Codec:     &codecs.MPEG4Audio{Config: *s.audioConf},
			ClockRate: s.audioConf.SampleRate,
		}
		tracks = append(tracks, s.audioTrack)
	}

	muxer := &gohlslib.Muxer{
		Variant:            gohlslib.MuxerVariantMPEGTS,
		SegmentCount:       s.cfg.SegmentCount,
		SegmentMinDuration: s.cfg.SegmentMinDuration,
		SegmentMaxSize:     s.cfg.SegmentMaxSize,
		Tracks:             tracks,
	}
	if err := muxer.Start(); err != nil {
		return fmt.Errorf("starting gohlslib muxer: %w", err)
	}

	s.mu.Lock()
	s.muxer = muxer
	s.mu.Unlock()

	s.log.Info("segmenter started",
		"video", s.videoTrack != nil,
		"audio", s.audioTrack != nil,
		"segmentCount", s.cfg.SegmentCount)
	return nil
}

func (s *Segmenter) writeVideo(f *media.Frame) error {
	s.mu.RLock()
	muxer := s.muxer
	s.mu.RUnlock()

	if muxer == nil {
		if !f.Keyframe || s.sps == nil {
			return nil
		}
		if err := s.start(); err != nil {
			return err
		}
		muxer = s.muxer
	}
	if s.videoTrack == nil {
		return nil
	}

	var au h264.AnnexB
	if err := au.Unmarshal(f.Payload()); err != nil {
		return fmt.Errorf("video access unit: %w", err)
	}
	// gohlslib extracts DTS from the SPS, so keyframes must carry it in-band
	if f.IsVideoKeyframe() && !hasSPS(au) {
		au = append(h264.AnnexB{s.sps, s.pps}, au...)
	}
	if err := muxer.WriteH264(s.videoTrack, time.Now(), f.Timestamp*90, au); err != nil {
		return fmt.Errorf("writing H264: %w", err)
	}
	s.written.Add(1)
	return nil
}

func hasSPS(au h264.AnnexB) bool {
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return true
		}
	}
	return false
}

func (s *Segmenter) writeAudio(f *media.Frame) error {
	if s.audioConf == nil {
		return ErrNoSequenceHeader
	}

	s.mu.RLock()
	muxer := s.muxer
	s.mu.RUnlock()

	if muxer == nil {
		if s.sps != nil {
			return nil
		}
		if err := s.start(); err != nil {
			return err
		}
		muxer = s.muxer
	}
	if s.audioTrack == nil {
		return nil
	}

	pts := f.Timestamp * int64(s.audioConf.SampleRate) / 1000
	if err := muxer.WriteMPEG4Audio(s.audioTrack, time.Now(), pts, [][]byte{f.Payload()}); err != nil {
		return fmt.Errorf("writing MPEG4Audio: %w", err)
	}
	s.written.Add(1)
	return nil
}

func (s *Segmenter) closeMuxer() {
	s.mu.Lock()
	muxer := s.muxer
	s.muxer = nil
	s.mu.Unlock()

	if muxer != nil {
		muxer.Close()
	}
}
