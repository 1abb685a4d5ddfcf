// Package jitter repairs publisher timestamps so that every delivery path
// sees a monotonically non-decreasing timeline.
package jitter

import "github.com/zsiec/livecore/media"

// MaxJitter is the largest forward step, in milliseconds, accepted as-is.
// Larger steps and any backwards step are treated as a discontinuity.
const MaxJitter = 500

// DefaultFrameTime is the fallback step in milliseconds when the nominal
// spacing for the frame's kind is unknown.
const DefaultFrameTime = 10

// aacFrameSamples is the number of PCM samples in one AAC access unit.
const aacFrameSamples = 1024

// Corrector converts raw timestamps into a non-decreasing sequence. A zero
// Corrector is ready to use. It is not safe for concurrent use; each
// delivery path owns its own instance.
type Corrector struct {
	started       bool
	lastRaw       int64
	lastCorrected int64
}

// Correct returns the corrected timestamp for f. tba is the audio sample
// rate and tbv the video frame rate; either may be zero when unknown. They
// only matter when the raw delta is rejected.
func (c *Corrector) Correct(f *media.Frame, tba, tbv int) int64 {
	raw := f.Timestamp

	var delta int64
	if c.started {
		delta = raw - c.lastRaw
		if delta < 0 || delta > MaxJitter {
			delta = FallbackDelta(f.Kind, tba, tbv)
		}
	}

	c.started = true
	c.lastRaw = raw
	c.lastCorrected += max(delta, 0)
	return c.lastCorrected
}

// Time returns the last corrected timestamp.
func (c *Corrector) Time() int64 {
	return c.lastCorrected
}

// FallbackDelta is the nominal spacing, in milliseconds, substituted for a
// rejected raw delta: one AAC frame for audio, one frame interval for video,
// otherwise DefaultFrameTime.
func FallbackDelta(kind media.Kind, tba, tbv int) int64 {
	switch {
	case kind == media.KindAudio && tba > 0:
		return max(aacFrameSamples*1000/int64(tba), 1)
	case kind == media.KindVideo && tbv > 0:
		return max(1000/int64(tbv), 1)
	default:
		return DefaultFrameTime
	}
}
