// Package media defines the frame types that flow from ingest through the
// stream source to every subscriber queue and fan-out collaborator.
package media

import "sync/atomic"

// Channel buffer sizes used between goroutines that hand frames to each
// other. Sized to absorb jitter without excessive memory: ~2 seconds of
// video, ~2.5s of audio.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
	SinkBufferSize  = VideoBufferSize + AudioBufferSize
)

// Kind identifies what a Frame carries.
type Kind uint8

// Frame kinds.
const (
	KindAudio Kind = iota + 1
	KindVideo
	KindMetadata
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Codec names carried in Frame.Codec.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
	CodecJSON = "json"
)

// payload is a read-only byte buffer shared by every Frame copied from the
// same original. When the last holder releases it, the release callback
// runs so a pooled buffer can be reused.
type payload struct {
	data    []byte
	count   atomic.Int32
	release func([]byte)
}

func (p *payload) hold() {
	p.count.Add(1)
}

func (p *payload) drop() {
	if p.count.Add(-1) == 0 && p.release != nil {
		p.release(p.data)
	}
}

// Frame is one unit of audio, video or metadata with its timestamp. The
// header fields are fixed at construction; Copy produces a new header over
// the same payload, which is how a single ingested frame is shared by the
// GOP cache, every subscriber queue and every sink.
//
// Each Frame value owns one reference to the payload and must be released
// exactly once by whoever holds it.
type Frame struct {
	Kind           Kind
	Codec          string
	Timestamp      int64 // milliseconds
	Keyframe       bool
	SequenceHeader bool

	payload  *payload
	released atomic.Bool
}

// Option customizes a Frame at construction.
type Option func(*Frame)

// WithKeyframe marks a video frame as a random access point.
func WithKeyframe() Option {
	return func(f *Frame) { f.Keyframe = true }
}

// WithSequenceHeader marks the frame as codec configuration.
func WithSequenceHeader() Option {
	return func(f *Frame) { f.SequenceHeader = true }
}

// WithCodec sets the codec name.
func WithCodec(codec string) Option {
	return func(f *Frame) { f.Codec = codec }
}

// WithRelease registers fn to receive the payload once the last reference
// is released, typically to return it to a pool.
func WithRelease(fn func([]byte)) Option {
	return func(f *Frame) { f.payload.release = fn }
}

// NewFrame creates a frame holding the only reference to data. The caller
// must not modify data afterwards.
func NewFrame(kind Kind, ts int64, data []byte, opts ...Option) *Frame {
	f := &Frame{
		Kind:      kind,
		Timestamp: ts,
		payload:   &payload{data: data},
	}
	f.payload.count.Store(1)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewVideoFrame is a convenience constructor for an H.264 video frame.
func NewVideoFrame(ts int64, data []byte, keyframe bool) *Frame {
	f := NewFrame(KindVideo, ts, data, WithCodec(CodecH264))
	f.Keyframe = keyframe
	return f
}

// NewAudioFrame is a convenience constructor for an AAC audio frame.
func NewAudioFrame(ts int64, data []byte) *Frame {
	return NewFrame(KindAudio, ts, data, WithCodec(CodecAAC))
}

// Payload returns the shared bytes. They must be treated as read-only.
func (f *Frame) Payload() []byte {
	return f.payload.data
}

// Size returns the payload length in bytes.
func (f *Frame) Size() int {
	return len(f.payload.data)
}

// IsAudio reports whether the frame carries audio.
func (f *Frame) IsAudio() bool { return f.Kind == KindAudio }

// IsVideo reports whether the frame carries video.
func (f *Frame) IsVideo() bool { return f.Kind == KindVideo }

// IsMetadata reports whether the frame carries stream metadata.
func (f *Frame) IsMetadata() bool { return f.Kind == KindMetadata }

// IsVideoKeyframe reports whether the frame starts a new group of pictures.
// Sequence headers are never keyframes for caching purposes.
func (f *Frame) IsVideoKeyframe() bool {
	return f.Kind == KindVideo && f.Keyframe && !f.SequenceHeader
}

// Copy returns a new header sharing this frame's payload.
func (f *Frame) Copy() *Frame {
	return f.CopyAt(f.Timestamp)
}

// CopyAt returns a new header sharing this frame's payload with its
// timestamp replaced by ts.
func (f *Frame) CopyAt(ts int64) *Frame {
	f.payload.hold()
	return &Frame{
		Kind:           f.Kind,
		Codec:          f.Codec,
		Timestamp:      ts,
		Keyframe:       f.Keyframe,
		SequenceHeader: f.SequenceHeader,
		payload:        f.payload,
	}
}

// Release drops this header's payload reference. Releasing more than once
// is a no-op, as is releasing a nil frame.
func (f *Frame) Release() {
	if f == nil || f.released.Swap(true) {
		return
	}
	f.payload.drop()
}

// Refs returns the number of live references to the payload.
func (f *Frame) Refs() int {
	return int(f.payload.count.Load())
}

// ReleaseAll releases every frame in frames.
func ReleaseAll(frames []*Frame) {
	for _, f := range frames {
		f.Release()
	}
}
