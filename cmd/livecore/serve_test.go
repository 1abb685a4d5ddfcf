package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/livecore/internal/config"
	"github.com/zsiec/livecore/internal/hls"
	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/internal/stream"
)

func sinkNames(sinks []source.Sink) []string {
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	return names
}

func TestAppSinks(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Source:  config.SourceConfig{SinkQueue: 8},
		Forward: config.ForwardConfig{Destinations: []string{"relay-a:6000", "relay-b:6000"}},
		Transcode: config.TranscodeConfig{
			Enabled:    true,
			FFmpegPath: "ffmpeg",
			OutputURL:  "out/{key}.ts",
		},
	}

	a := &app{cfg: cfg, log: log}
	assert.Equal(t,
		[]string{"forward:relay-a:6000", "forward:relay-b:6000", "transcode"},
		sinkNames(a.sinks("__defaultVhost__/live/a")))

	a.hls = hls.NewManager(hls.Config{}, 8, log, nil)
	names := sinkNames(a.sinks("__defaultVhost__/live/a"))
	require.Len(t, names, 4)
	assert.Equal(t, "hls", names[0])
}

func TestAppSinksNone(t *testing.T) {
	t.Parallel()

	a := &app{cfg: &config.Config{}, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	assert.Empty(t, a.sinks("k"))
}

func TestAppEvictionForgetsSegmenter(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := &app{cfg: &config.Config{}, log: log}
	a.hls = hls.NewManager(hls.Config{}, 8, log, nil)
	a.streams = stream.NewRegistry(source.Config{Sinks: a.sinks, Logger: log}, log,
		stream.WithEvictHook(a.forget))

	a.streams.Find("__defaultVhost__/live/gone")
	_, ok := a.hls.Get("__defaultVhost__/live/gone")
	require.True(t, ok)

	assert.Equal(t, 1, a.streams.Sweep(0))
	_, ok = a.hls.Get("__defaultVhost__/live/gone")
	assert.False(t, ok)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.True(t, strings.HasPrefix(out.String(), "livecore "+version))
}

func TestDefaultStreamID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "live/camera1", defaultStreamID("/data/streams/camera1.ts"))
	assert.Equal(t, "live/clip", defaultStreamID("clip"))
}
