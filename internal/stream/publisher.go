package stream

import (
	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/media"
)

// Publisher drives one publish of key. The Source is resolved at OnPublish
// through Registry.Publish, so an eviction between lookup and publish
// cannot strand the publisher. It is used from a single goroutine.
type Publisher struct {
	r   *Registry
	key string
	src *source.Source
}

// Publisher returns a Publisher for key.
func (r *Registry) Publisher(key string) *Publisher {
	return &Publisher{r: r, key: key}
}

// Source returns the Source bound at OnPublish, or nil before it.
func (p *Publisher) Source() *source.Source { return p.src }

func (p *Publisher) OnPublish(req source.PublishRequest) error {
	s, err := p.r.Publish(p.key, req)
	if err != nil {
		return err
	}
	p.src = s
	return nil
}

func (p *Publisher) OnUnpublish() {
	if p.src != nil {
		p.src.OnUnpublish()
	}
}

func (p *Publisher) OnMetaData(md *media.Metadata) error {
	if p.src == nil {
		return source.ErrNotPublishing
	}
	return p.src.OnMetaData(md)
}

func (p *Publisher) OnAudio(f *media.Frame) error {
	if p.src == nil {
		return source.ErrNotPublishing
	}
	return p.src.OnAudio(f)
}

func (p *Publisher) OnVideo(f *media.Frame) error {
	if p.src == nil {
		return source.ErrNotPublishing
	}
	return p.src.OnVideo(f)
}
