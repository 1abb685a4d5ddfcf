package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/internal/tsmux"
	"github.com/zsiec/livecore/media"
)

// 1280x720 High profile SPS.
var testSPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}

// AAC-LC, 44.1 kHz, stereo.
var testASC = []byte{0x12, 0x10}

type recorded struct {
	kind     media.Kind
	ts       int64
	keyframe bool
	sh       bool
	payload  []byte
}

type stubPublisher struct {
	mu          sync.Mutex
	publishErr  error
	frameErr    error
	published   []source.PublishRequest
	unpublished int
	meta        []*media.Metadata
	frames      []recorded
}

func (s *stubPublisher) OnPublish(req source.PublishRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, req)
	return s.publishErr
}

func (s *stubPublisher) OnUnpublish() {
	s.mu.Lock()
	s.unpublished++
	s.mu.Unlock()
}

func (s *stubPublisher) OnMetaData(md *media.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = append(s.meta, media.NewMetadata(md.Properties))
	return nil
}

func (s *stubPublisher) record(f *media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, recorded{
		kind:     f.Kind,
		ts:       f.Timestamp,
		keyframe: f.Keyframe,
		sh:       f.SequenceHeader,
		payload:  bytes.Clone(f.Payload()),
	})
	return s.frameErr
}

func (s *stubPublisher) OnAudio(f *media.Frame) error { return s.record(f) }
func (s *stubPublisher) OnVideo(f *media.Frame) error { return s.record(f) }

func annexB(t *testing.T, nalus ...[]byte) []byte {
	t.Helper()
	b, err := h264.AnnexB(nalus).Marshal()
	require.NoError(t, err)
	return b
}

// encodeTS produces a short MPEG-TS stream with one H.264 and one AAC track.
func encodeTS(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	m := tsmux.New(&buf, nil)
	write := func(f *media.Frame) { require.NoError(t, m.WriteFrame(f)) }

	write(media.NewFrame(media.KindVideo, 0, annexB(t, testSPS, testPPS),
		media.WithCodec(media.CodecH264), media.WithSequenceHeader()))
	write(media.NewFrame(media.KindAudio, 0, testASC,
		media.WithCodec(media.CodecAAC), media.WithSequenceHeader()))

	write(media.NewVideoFrame(1000, annexB(t, []byte{0x65, 0x88, 0x84, 0x00}), true))
	for i := 1; i <= 10; i++ {
		ts := int64(1000 + i*40)
		write(media.NewAudioFrame(ts, []byte{0x21, 0x10, 0x05, byte(i)}))
		write(media.NewVideoFrame(ts, annexB(t, []byte{0x41, 0x9a, byte(i)}), false))
	}
	return buf.Bytes()
}

func TestRunForwardsStream(t *testing.T) {
	t.Parallel()

	pub := &stubPublisher{}
	req := source.PublishRequest{Key: "v/live/a", Protocol: "srt"}
	p := New(req, bytes.NewReader(encodeTS(t)), pub, nil)

	require.NoError(t, p.Run(context.Background()))

	pub.mu.Lock()
	defer pub.mu.Unlock()

	require.Len(t, pub.published, 1)
	assert.Equal(t, req, pub.published[0])
	assert.Equal(t, 1, pub.unpublished)

	require.NotEmpty(t, pub.frames)
	first := pub.frames[0]
	assert.True(t, first.sh, "audio sequence header is announced first")
	assert.Equal(t, media.KindAudio, first.kind)
	assert.Equal(t, testASC, first.payload)

	var videoSH, keyframes, video, audio int
	lastVideo := int64(-1 << 40)
	for _, f := range pub.frames[1:] {
		switch {
		case f.sh && f.kind == media.KindVideo:
			videoSH++
		case f.kind == media.KindVideo:
			video++
			if f.keyframe {
				keyframes++
			}
			assert.Greater(t, f.ts, lastVideo, "video timestamps increase")
			lastVideo = f.ts
		case f.kind == media.KindAudio:
			audio++
		}
	}
	assert.Equal(t, 1, videoSH, "parameter sets announced once")
	assert.Equal(t, 1, keyframes)
	assert.GreaterOrEqual(t, video, 5)
	assert.GreaterOrEqual(t, audio, 5)

	require.NotEmpty(t, pub.meta)
	last := pub.meta[len(pub.meta)-1]
	assert.Equal(t, 44100, last.SampleRate())
	assert.Equal(t, 1280, last.Width())
	assert.Equal(t, 720, last.Height())

	stats := p.Stats()
	assert.Equal(t, int64(video), stats.VideoForwarded)
	assert.Equal(t, int64(audio), stats.AudioForwarded)
	assert.Equal(t, int64(2), stats.SequenceHeaders)
}

func TestRunPublishConflictClosesInput(t *testing.T) {
	t.Parallel()

	pub := &stubPublisher{publishErr: source.ErrPublishConflict}
	pr, pw := io.Pipe()
	p := New(source.PublishRequest{Key: "v/live/a"}, pr, pub, nil)

	err := p.Run(context.Background())
	require.ErrorIs(t, err, source.ErrPublishConflict)

	_, werr := pw.Write([]byte{0x47})
	assert.ErrorIs(t, werr, io.ErrClosedPipe)
	assert.Equal(t, 0, pub.unpublished)
}

func TestRunEmptyInput(t *testing.T) {
	t.Parallel()

	pub := &stubPublisher{}
	p := New(source.PublishRequest{Key: "v/live/a"}, strings.NewReader(""), pub, nil)

	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, pub.published, 1)
	assert.Equal(t, 1, pub.unpublished)
}

func TestRunStopsWhenSourceIdle(t *testing.T) {
	t.Parallel()

	pub := &stubPublisher{frameErr: source.ErrNotPublishing}
	p := New(source.PublishRequest{Key: "v/live/a"}, bytes.NewReader(encodeTS(t)), pub, nil)

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, source.ErrNotPublishing)
}

func TestRunIgnoresConsumerFailures(t *testing.T) {
	t.Parallel()

	pub := &stubPublisher{frameErr: errors.Join(source.ErrQueueFull)}
	p := New(source.PublishRequest{Key: "v/live/a"}, bytes.NewReader(encodeTS(t)), pub, nil)

	require.NoError(t, p.Run(context.Background()))
	assert.Positive(t, p.Stats().VideoForwarded)
}

func TestRunCancelledContext(t *testing.T) {
	t.Parallel()

	pub := &stubPublisher{}
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := New(source.PublishRequest{Key: "v/live/a"}, pr, pub, nil)
	go func() { done <- p.Run(ctx) }()

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, pub.unpublished)
}

func TestParamSets(t *testing.T) {
	t.Parallel()

	idr := []byte{0x65, 0x88}
	sets := paramSets(media.CodecH264, [][]byte{{0x09, 0xf0}, testSPS, testPPS, idr})
	require.Len(t, sets, 2)
	assert.True(t, sameParamSets(sets, [][]byte{testSPS, testPPS}))
	assert.False(t, sameParamSets(sets, [][]byte{testSPS}))

	w, h, fps := spsInfo(media.CodecH264, sets)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
	assert.GreaterOrEqual(t, fps, 0.0)
}
