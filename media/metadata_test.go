package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataAccessors(t *testing.T) {
	t.Parallel()

	md := NewMetadata(map[string]any{
		"audiosamplerate": 44100.0,
		"framerate":       29.97,
		"width":           1280,
		"height":          "720",
	})

	assert.Equal(t, 44100, md.SampleRate())
	assert.Equal(t, 30, md.FrameRate())
	assert.Equal(t, 1280, md.Width())
	assert.Equal(t, 720, md.Height())
}

func TestMetadataMissingValues(t *testing.T) {
	t.Parallel()

	md := NewMetadata(nil)
	assert.Zero(t, md.SampleRate())
	assert.Zero(t, md.FrameRate())

	var nilMD *Metadata
	assert.Zero(t, nilMD.Width())
}

func TestMetadataFrameRoundTrip(t *testing.T) {
	t.Parallel()

	md := NewMetadata(nil).Set("audiosamplerate", 48000).Set("fps", 25)
	f, err := md.Frame(0)
	require.NoError(t, err)
	defer f.Release()

	assert.True(t, f.IsMetadata())
	assert.Equal(t, CodecJSON, f.Codec)

	parsed, err := ParseMetadata(f)
	require.NoError(t, err)
	assert.Equal(t, 48000, parsed.SampleRate())
	assert.Equal(t, 25, parsed.FrameRate())
}

func TestParseMetadataRejectsMediaFrames(t *testing.T) {
	t.Parallel()

	_, err := ParseMetadata(NewAudioFrame(0, []byte{1}))
	assert.Error(t, err)
}
