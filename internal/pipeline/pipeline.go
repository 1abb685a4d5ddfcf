// Package pipeline turns one publish connection into calls on a stream
// source: it demuxes MPEG-TS, announces codec configuration as sequence
// headers and metadata, and forwards every access unit as a frame.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/media"
)

const (
	clockRate       = 90000
	samplesPerFrame = 1024
)

// Publisher is the subset of source.Source that the pipeline drives.
// Accepting an interface here decouples the pipeline from the concrete
// Source, making it testable with stubs.
type Publisher interface {
	OnPublish(req source.PublishRequest) error
	OnUnpublish()
	OnMetaData(md *media.Metadata) error
	OnAudio(f *media.Frame) error
	OnVideo(f *media.Frame) error
}

// Stats holds forwarding counters for one publish connection.
type Stats struct {
	VideoForwarded  int64 `json:"videoForwarded"`
	AudioForwarded  int64 `json:"audioForwarded"`
	SequenceHeaders int64 `json:"sequenceHeaders"`
	DecodeErrors    int64 `json:"decodeErrors"`
	LastVideoTS     int64 `json:"lastVideoTs"`
	LastAudioTS     int64 `json:"lastAudioTs"`
	UptimeMs        int64 `json:"uptimeMs"`
}

// Pipeline bridges a single publish connection and its Source.
type Pipeline struct {
	log   *slog.Logger
	req   source.PublishRequest
	input io.Reader
	pub   Publisher

	startTime time.Time

	// owned by the Run goroutine
	videoCodec string
	paramSets  [][]byte
	meta       *media.Metadata
	sampleRate int

	videoForwarded  atomic.Int64
	audioForwarded  atomic.Int64
	sequenceHeaders atomic.Int64
	decodeErrors    atomic.Int64
	lastVideoTS     atomic.Int64
	lastAudioTS     atomic.Int64
}

// New creates a Pipeline that demuxes input and publishes into pub.
func New(req source.PublishRequest, input io.Reader, pub Publisher, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log.With("component", "pipeline", "stream", req.Key),
		req:       req,
		input:     input,
		pub:       pub,
		startTime: time.Now(),
		meta:      media.NewMetadata(nil),
	}
}

// Stats returns a snapshot of the forwarding counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		VideoForwarded:  p.videoForwarded.Load(),
		AudioForwarded:  p.audioForwarded.Load(),
		SequenceHeaders: p.sequenceHeaders.Load(),
		DecodeErrors:    p.decodeErrors.Load(),
		LastVideoTS:     p.lastVideoTS.Load(),
		LastAudioTS:     p.lastAudioTS.Load(),
		UptimeMs:        time.Since(p.startTime).Milliseconds(),
	}
}

// Run publishes the stream and forwards frames until the input ends, the
// context is cancelled, or the source stops accepting media. A publish
// conflict is returned without reading any input. The input is closed on
// return so the transport feeding it stops too.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.closeInput()

	if err := p.pub.OnPublish(p.req); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer p.pub.OnUnpublish()

	stop := context.AfterFunc(ctx, p.closeInput)
	defer stop()

	r := &mpegts.Reader{R: p.input}
	if err := r.Initialize(); err != nil {
		if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			p.log.Info("input ended before PMT", "error", err)
			return nil
		}
		return fmt.Errorf("reading PMT: %w", err)
	}
	r.OnDecodeError(func(err error) {
		p.decodeErrors.Add(1)
		p.log.Debug("decode error", "error", err)
	})

	if err := p.setupTracks(r); err != nil {
		return err
	}

	for {
		if err := r.Read(); err != nil {
			stats := p.Stats()
			p.log.Info("pipeline finished",
				"video", stats.VideoForwarded,
				"audio", stats.AudioForwarded,
				"decodeErrors", stats.DecodeErrors,
				"reason", err)
			if errors.Is(err, source.ErrNotPublishing) {
				return err
			}
			return nil
		}
	}
}

func (p *Pipeline) setupTracks(r *mpegts.Reader) error {
	var tracks int
	for _, track := range r.Tracks() {
		switch codec := track.Codec.(type) {
		case *mpegts.CodecH264:
			tracks++
			r.OnDataH264(track, func(_ int64, dts int64, au [][]byte) error {
				return p.onVideo(media.CodecH264, dts, au)
			})

		case *mpegts.CodecH265:
			tracks++
			r.OnDataH265(track, func(_ int64, dts int64, au [][]byte) error {
				return p.onVideo(media.CodecH265, dts, au)
			})

		case *mpegts.CodecMPEG4Audio:
			if p.sampleRate != 0 {
				// one audio track per source
				continue
			}
			tracks++
			if err := p.announceAudio(codec); err != nil {
				return err
			}
			r.OnDataMPEG4Audio(track, p.onAudio)

		default:
			p.log.Debug("ignoring track", "pid", track.PID, "codec", fmt.Sprintf("%T", codec))
		}
	}
	if tracks == 0 {
		return errors.New("pipeline: no supported tracks")
	}
	return nil
}

func (p *Pipeline) announceAudio(codec *mpegts.CodecMPEG4Audio) error {
	asc, err := codec.Config.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audio config: %w", err)
	}
	sh := media.NewFrame(media.KindAudio, 0, asc,
		media.WithCodec(media.CodecAAC), media.WithSequenceHeader())
	if err := p.publish(p.pub.OnAudio, sh); err != nil {
		return err
	}
	p.sequenceHeaders.Add(1)

	p.sampleRate = codec.Config.SampleRate
	p.meta.Set("audiocodecid", "mp4a").Set("audiosamplerate", p.sampleRate)
	return p.announceMetadata()
}

func (p *Pipeline) announceMetadata() error {
	if err := p.pub.OnMetaData(p.meta); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	return nil
}

func (p *Pipeline) onVideo(codec string, dts int64, au [][]byte) error {
	ts := dts * 1000 / clockRate

	if sets := paramSets(codec, au); len(sets) > 0 && !sameParamSets(sets, p.paramSets) {
		if err := p.announceVideo(codec, ts, sets); err != nil {
			return err
		}
	}

	var keyframe bool
	if codec == media.CodecH265 {
		keyframe = h265.IsRandomAccess(au)
	} else {
		keyframe = h264.IsRandomAccess(au)
	}

	payload, err := h264.AnnexB(au).Marshal()
	if err != nil {
		return fmt.Errorf("marshaling access unit: %w", err)
	}

	opts := []media.Option{media.WithCodec(codec)}
	if keyframe {
		opts = append(opts, media.WithKeyframe())
	}
	if err := p.publish(p.pub.OnVideo, media.NewFrame(media.KindVideo, ts, payload, opts...)); err != nil {
		return err
	}
	p.videoForwarded.Add(1)
	p.lastVideoTS.Store(ts)
	return nil
}

// announceVideo sends a new video sequence header and refreshes the stream
// metadata from the SPS.
func (p *Pipeline) announceVideo(codec string, ts int64, sets [][]byte) error {
	payload, err := h264.AnnexB(sets).Marshal()
	if err != nil {
		return fmt.Errorf("marshaling parameter sets: %w", err)
	}
	sh := media.NewFrame(media.KindVideo, ts, payload,
		media.WithCodec(codec), media.WithSequenceHeader())
	if err := p.publish(p.pub.OnVideo, sh); err != nil {
		return err
	}
	p.sequenceHeaders.Add(1)
	p.videoCodec = codec
	p.paramSets = cloneSets(sets)

	width, height, fps := spsInfo(codec, sets)
	codecID := "avc1"
	if codec == media.CodecH265 {
		codecID = "hvc1"
	}
	p.meta.Set("videocodecid", codecID)
	if width > 0 {
		p.meta.Set("width", width).Set("height", height)
	}
	if fps > 0 {
		p.meta.Set("framerate", fps)
	}
	p.log.Info("video configuration", "codec", codec, "width", width, "height", height, "fps", fps)
	return p.announceMetadata()
}

func (p *Pipeline) onAudio(pts int64, aus [][]byte) error {
	base := pts * 1000 / clockRate
	for i, au := range aus {
		ts := base
		if p.sampleRate > 0 {
			ts += int64(i*samplesPerFrame) * 1000 / int64(p.sampleRate)
		}
		f := media.NewFrame(media.KindAudio, ts, au, media.WithCodec(media.CodecAAC))
		if err := p.publish(p.pub.OnAudio, f); err != nil {
			return err
		}
		p.audioForwarded.Add(1)
		p.lastAudioTS.Store(ts)
	}
	return nil
}

// publish hands f to the source. Per-consumer delivery failures are logged;
// only a source that stopped publishing aborts the connection.
func (p *Pipeline) publish(fn func(*media.Frame) error, f *media.Frame) error {
	err := fn(f)
	f.Release()
	if err == nil {
		return nil
	}
	if errors.Is(err, source.ErrNotPublishing) {
		return err
	}
	p.log.Debug("delivery failed", "kind", f.Kind, "ts", f.Timestamp, "error", err)
	return nil
}

func (p *Pipeline) closeInput() {
	if c, ok := p.input.(io.Closer); ok {
		c.Close()
	}
}

// paramSets returns the VPS/SPS/PPS NAL units carried by au.
func paramSets(codec string, au [][]byte) [][]byte {
	var sets [][]byte
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if codec == media.CodecH265 {
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT:
				sets = append(sets, nalu)
			}
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			sets = append(sets, nalu)
		}
	}
	return sets
}

func sameParamSets(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func cloneSets(sets [][]byte) [][]byte {
	out := make([][]byte, len(sets))
	for i, s := range sets {
		out[i] = bytes.Clone(s)
	}
	return out
}

// spsInfo reads the picture size and frame rate from the SPS in sets.
func spsInfo(codec string, sets [][]byte) (width, height int, fps float64) {
	for _, nalu := range sets {
		if codec == media.CodecH265 {
			if h265.NALUType((nalu[0]>>1)&0x3F) != h265.NALUType_SPS_NUT {
				continue
			}
			var sps h265.SPS
			if err := sps.Unmarshal(nalu); err != nil {
				return 0, 0, 0
			}
			return sps.Width(), sps.Height(), 0
		}
		if h264.NALUType(nalu[0]&0x1F) != h264.NALUTypeSPS {
			continue
		}
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			return 0, 0, 0
		}
		return sps.Width(), sps.Height(), sps.FPS()
	}
	return 0, 0, 0
}
