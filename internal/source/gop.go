package source

import (
	"errors"

	"github.com/zsiec/livecore/media"
)

// GOPCache holds the frames of the current, still-open group of pictures
// so a newly attached consumer can start decoding without waiting for the
// next keyframe. It is not safe for concurrent use; the owning Source
// serializes access under its broadcast lock.
type GOPCache struct {
	enabled    bool
	videoCount int
	frames     []*media.Frame
}

// NewGOPCache returns a cache with caching enabled or disabled.
func NewGOPCache(enabled bool) *GOPCache {
	return &GOPCache{enabled: enabled}
}

// Set toggles caching. Disabling clears the cache immediately; consumers
// attached afterwards wait for the next keyframe.
func (g *GOPCache) Set(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.Clear()
	}
}

// Enabled reports whether caching is on.
func (g *GOPCache) Enabled() bool {
	return g.enabled
}

// Cache appends a reference to f to the open GOP. A video keyframe clears
// the cache first and starts a new GOP with itself. Audio is only cached
// once video has been seen, so pure audio streams never accumulate.
// Sequence headers and metadata are cached by the Source, not here.
func (g *GOPCache) Cache(f *media.Frame) error {
	if !g.enabled || f.SequenceHeader || f.IsMetadata() {
		return nil
	}

	if f.IsVideo() {
		g.videoCount++
	}
	if g.videoCount == 0 {
		return nil
	}

	if f.IsVideoKeyframe() {
		g.Clear()
		g.videoCount = 1
	}

	g.frames = append(g.frames, f.Copy())
	return nil
}

// Clear releases every cached frame and resets the video counter.
func (g *GOPCache) Clear() {
	media.ReleaseAll(g.frames)
	clear(g.frames)
	g.frames = g.frames[:0]
	g.videoCount = 0
}

// Dump enqueues every cached frame, in original order, into c. Each frame
// still passes through the consumer's own jitter correction.
func (g *GOPCache) Dump(c *Consumer, tba, tbv int) error {
	var errs []error
	for _, f := range g.frames {
		if err := c.Enqueue(f, tba, tbv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of cached frames.
func (g *GOPCache) Len() int {
	return len(g.frames)
}

// Frames returns the cached frames without taking references. The slice is
// only valid until the next Cache or Clear.
func (g *GOPCache) Frames() []*media.Frame {
	return g.frames
}
