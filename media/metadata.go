package media

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
)

// Metadata is the property set a publisher announces for its stream
// (onMetaData style). Keys are matched case-sensitively using the common
// spellings emitted by encoders.
type Metadata struct {
	Properties map[string]any
}

// NewMetadata returns metadata holding a copy of props.
func NewMetadata(props map[string]any) *Metadata {
	m := &Metadata{Properties: make(map[string]any, len(props))}
	maps.Copy(m.Properties, props)
	return m
}

// Set stores a property and returns m for chaining.
func (m *Metadata) Set(key string, value any) *Metadata {
	if m.Properties == nil {
		m.Properties = make(map[string]any)
	}
	m.Properties[key] = value
	return m
}

// SampleRate returns the announced audio sample rate in Hz, or 0.
func (m *Metadata) SampleRate() int {
	return int(m.number("audiosamplerate", "samplerate"))
}

// FrameRate returns the announced video frame rate rounded to whole
// frames per second, or 0.
func (m *Metadata) FrameRate() int {
	return int(math.Round(m.number("framerate", "videoframerate", "fps")))
}

// Width returns the announced video width, or 0.
func (m *Metadata) Width() int {
	return int(m.number("width"))
}

// Height returns the announced video height, or 0.
func (m *Metadata) Height() int {
	return int(m.number("height"))
}

func (m *Metadata) number(keys ...string) float64 {
	if m == nil {
		return 0
	}
	for _, k := range keys {
		v, ok := m.Properties[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case uint32:
			return float64(n)
		case json.Number:
			f, err := n.Float64()
			if err == nil {
				return f
			}
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err == nil {
				return f
			}
		}
	}
	return 0
}

// Frame encodes the metadata as a JSON metadata frame at timestamp ts.
func (m *Metadata) Frame(ts int64) (*Frame, error) {
	data, err := json.Marshal(m.Properties)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return NewFrame(KindMetadata, ts, data, WithCodec(CodecJSON)), nil
}

// ParseMetadata decodes a metadata frame payload.
func ParseMetadata(f *Frame) (*Metadata, error) {
	if f.Kind != KindMetadata {
		return nil, fmt.Errorf("media: %s frame is not metadata", f.Kind)
	}
	props := make(map[string]any)
	if err := json.Unmarshal(f.Payload(), &props); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &Metadata{Properties: props}, nil
}
