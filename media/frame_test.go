package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCopySharesPayload(t *testing.T) {
	t.Parallel()

	var released [][]byte
	data := []byte{0x65, 0x88, 0x84}
	f := NewFrame(KindVideo, 40, data, WithKeyframe(), WithCodec(CodecH264),
		WithRelease(func(b []byte) { released = append(released, b) }))

	c := f.CopyAt(100)
	assert.Equal(t, 2, f.Refs())
	assert.Equal(t, int64(100), c.Timestamp)
	assert.Equal(t, int64(40), f.Timestamp)
	assert.True(t, c.Keyframe)
	assert.Equal(t, CodecH264, c.Codec)
	assert.Same(t, &f.Payload()[0], &c.Payload()[0])

	f.Release()
	assert.Empty(t, released)
	c.Release()
	require.Len(t, released, 1)
	assert.Equal(t, data, released[0])
}

func TestFrameDoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	calls := 0
	f := NewFrame(KindAudio, 0, []byte{1}, WithRelease(func([]byte) { calls++ }))
	c := f.Copy()

	c.Release()
	c.Release()
	assert.Equal(t, 1, f.Refs())
	assert.Equal(t, 0, calls)

	f.Release()
	assert.Equal(t, 1, calls)

	var nilFrame *Frame
	nilFrame.Release()
}

func TestFrameKeyframeExcludesSequenceHeader(t *testing.T) {
	t.Parallel()

	sh := NewFrame(KindVideo, 0, []byte{0x67}, WithKeyframe(), WithSequenceHeader())
	assert.False(t, sh.IsVideoKeyframe())

	kf := NewVideoFrame(0, []byte{0x65}, true)
	assert.True(t, kf.IsVideoKeyframe())

	a := NewAudioFrame(0, []byte{0x21})
	a.Keyframe = true
	assert.False(t, a.IsVideoKeyframe())
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audio", KindAudio.String())
	assert.Equal(t, "video", KindVideo.String())
	assert.Equal(t, "metadata", KindMetadata.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
