// Package tsmux writes media frames as an MPEG-TS byte stream. It is shared
// by every output that speaks TS: HTTP-TS playback, the SRT forwarder and
// the ffmpeg transcoder.
package tsmux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/zsiec/livecore/media"
)

const (
	videoPID = 0x0100
	audioPID = 0x0101
)

// ErrNoSequenceHeader is returned for audio that arrives before the
// AudioSpecificConfig needed to describe the track.
var ErrNoSequenceHeader = errors.New("tsmux: no sequence header")

// Muxer converts frames into MPEG-TS. The PMT is written when the first
// video keyframe arrives, or on the first audio frame of a stream that has
// only announced audio, so the output always starts decodable. Video
// before the first keyframe is skipped. A Muxer is not safe for concurrent
// use.
type Muxer struct {
	out io.Writer
	log *slog.Logger

	w          *mpegts.Writer
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track

	videoCodec string
	paramSets  [][]byte
	audioConf  *mpeg4audio.AudioSpecificConfig

	skipped int
}

// New creates a Muxer writing to w.
func New(w io.Writer, log *slog.Logger) *Muxer {
	if log == nil {
		log = slog.Default()
	}
	return &Muxer{out: w, log: log.With("component", "tsmux")}
}

// WriteFrame muxes one frame. Sequence headers configure the tracks and
// metadata frames are ignored.
func (m *Muxer) WriteFrame(f *media.Frame) error {
	switch {
	case f.IsMetadata():
		return nil
	case f.SequenceHeader && f.IsVideo():
		return m.setVideoConfig(f)
	case f.SequenceHeader && f.IsAudio():
		return m.setAudioConfig(f)
	case f.IsVideo():
		return m.writeVideo(f)
	case f.IsAudio():
		return m.writeAudio(f)
	}
	return nil
}

// Started reports whether the PMT has been written.
func (m *Muxer) Started() bool { return m.w != nil }

// Skipped returns how many frames were discarded while waiting to start.
func (m *Muxer) Skipped() int { return m.skipped }

func (m *Muxer) setVideoConfig(f *media.Frame) error {
	var au h264.AnnexB
	if err := au.Unmarshal(f.Payload()); err != nil {
		return fmt.Errorf("video sequence header: %w", err)
	}
	m.paramSets = au
	m.videoCodec = f.Codec
	return nil
}

func (m *Muxer) setAudioConfig(f *media.Frame) error {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(f.Payload()); err != nil {
		return fmt.Errorf("audio sequence header: %w", err)
	}
	m.audioConf = &conf
	return nil
}

func (m *Muxer) start(codec string) error {
	var tracks []*mpegts.Track

	if codec != "" {
		var c mpegts.Codec = &mpegts.CodecH264{}
		if codec == media.CodecH265 {
			c = &mpegts.CodecH265{}
		}
		m.videoTrack = &mpegts.Track{PID: videoPID, Codec: c}
		tracks = append(tracks, m.videoTrack)
	}
	if m.audioConf != nil {
		m.audioTrack = &mpegts.Track{
			PID:   audioPID,
			Codec: &mpegts.CodecMPEG4Audio{Config: *m.audioConf},
		}
		tracks = append(tracks, m.audioTrack)
	}

	w := &mpegts.Writer{W: m.out, Tracks: tracks}
	if err := w.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	m.w = w

	m.log.Debug("mpegts started",
		"video", m.videoTrack != nil,
		"audio", m.audioTrack != nil,
		"skipped", m.skipped)
	return nil
}

func (m *Muxer) writeVideo(f *media.Frame) error {
	if m.w == nil {
		if !f.Keyframe {
			m.skipped++
			return nil
		}
		codec := f.Codec
		if codec == "" {
			codec = media.CodecH264
		}
		if err := m.start(codec); err != nil {
			return err
		}
	}
	if m.videoTrack == nil {
		return nil
	}

	var au h264.AnnexB
	if err := au.Unmarshal(f.Payload()); err != nil {
		return fmt.Errorf("video access unit: %w", err)
	}
	if f.Keyframe && len(m.paramSets) > 0 && !hasParamSets(au, m.videoCodec) {
		au = append(append([][]byte{}, m.paramSets...), au...)
	}

	ts := f.Timestamp * 90
	if _, ok := m.videoTrack.Codec.(*mpegts.CodecH265); ok {
		return m.w.WriteH265(m.videoTrack, ts, ts, au)
	}
	return m.w.WriteH264(m.videoTrack, ts, ts, au)
}

func (m *Muxer) writeAudio(f *media.Frame) error {
	if m.w == nil {
		if m.audioConf == nil {
			m.skipped++
			return ErrNoSequenceHeader
		}
		if m.paramSets != nil {
			// video announced: wait for its keyframe
			m.skipped++
			return nil
		}
		if err := m.start(""); err != nil {
			return err
		}
	}
	if m.audioTrack == nil {
		return nil
	}
	return m.w.WriteMPEG4Audio(m.audioTrack, f.Timestamp*90, [][]byte{f.Payload()})
}

func hasParamSets(au [][]byte, codec string) bool {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if codec == media.CodecH265 {
			if h265.NALUType((nalu[0]>>1)&0x3F) == h265.NALUType_SPS_NUT {
				return true
			}
			continue
		}
		if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return true
		}
	}
	return false
}
