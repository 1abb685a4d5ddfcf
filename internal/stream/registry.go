// Package stream tracks the Source for every stream key, providing the
// find-or-create, list and eviction operations used by the ingest and
// distribution layers.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/media"
)

// Registry owns one Source per stream key. Sources are created lazily on
// first lookup and live until removed by Remove or Sweep. An evicted
// Source is retired first, so a caller still holding it gets
// source.ErrRetired instead of publishing into an orphan; Publish and
// Subscribe retry against the replacement.
type Registry struct {
	log     *slog.Logger
	cfg     source.Config
	onEvict func(key string)
	mu      sync.RWMutex
	sources map[string]*source.Source
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvictHook registers fn to run when a source is removed, by Remove
// or by Sweep, so per-key state held elsewhere can be released. fn must
// not call back into the registry.
func WithEvictHook(fn func(key string)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// NewRegistry creates an empty registry. cfg is applied to every Source it
// builds. If log is nil, slog.Default() is used.
func NewRegistry(cfg source.Config, log *slog.Logger, opts ...Option) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = log
	}
	r := &Registry{
		log:     log.With("component", "stream-registry"),
		cfg:     cfg,
		sources: make(map[string]*source.Source),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Find returns the Source for key, creating and registering it if needed.
// Finding a source counts as activity for idle eviction. It never returns
// nil.
func (r *Registry) Find(key string) *source.Source {
	r.mu.RLock()
	s, ok := r.sources[key]
	r.mu.RUnlock()
	if ok {
		s.Touch()
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[key]; ok {
		return s
	}
	s = source.New(key, r.cfg)
	r.sources[key] = s
	r.log.Info("source created", "stream", key)
	return s
}

// FindURL normalizes a stream URL (scheme, port and query stripped) and
// returns its Source.
func (r *Registry) FindURL(url string) (*source.Source, error) {
	key, err := media.ParseStreamURL(url)
	if err != nil {
		return nil, err
	}
	return r.Find(key), nil
}

// Publish starts req on the Source for key, looking the key up again if
// the source it found was evicted in the meantime.
func (r *Registry) Publish(key string, req source.PublishRequest) (*source.Source, error) {
	for {
		s := r.Find(key)
		err := s.OnPublish(req)
		if errors.Is(err, source.ErrRetired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Subscribe attaches a new consumer to the Source for key, retrying like
// Publish.
func (r *Registry) Subscribe(key string, opts ...source.ConsumerOption) (*source.Source, *source.Consumer, error) {
	for {
		s := r.Find(key)
		c, err := s.CreateConsumer(opts...)
		if errors.Is(err, source.ErrRetired) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return s, c, nil
	}
}

// Get returns the Source for key without creating one.
func (r *Registry) Get(key string) (*source.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// List returns every registered Source ordered by key.
func (r *Registry) List() []*source.Source {
	r.mu.RLock()
	sources := make([]*source.Source, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	r.mu.RUnlock()

	sort.Slice(sources, func(i, j int) bool { return sources[i].Key() < sources[j].Key() })
	return sources
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Remove unregisters the Source for key if it has no publisher and no
// consumers. It reports whether the source was removed.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	s, ok := r.sources[key]
	if ok && s.Retire(0) {
		delete(r.sources, key)
		r.evicted(key)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("source removed", "stream", key)
	}
	return ok
}

// Sweep removes every Source that has been idle for at least maxIdle and
// returns how many were removed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	var removed []string
	for key, s := range r.sources {
		if s.Retire(maxIdle) {
			delete(r.sources, key)
			r.evicted(key)
			removed = append(removed, key)
		}
	}
	r.mu.Unlock()

	for _, key := range removed {
		r.log.Info("source evicted", "stream", key, "maxIdle", maxIdle)
	}
	return len(removed)
}

// evicted runs the hook with r.mu held, so a Find for the same key cannot
// rebuild per-key state before the hook has released it.
func (r *Registry) evicted(key string) {
	if r.onEvict != nil {
		r.onEvict(key)
	}
}

// Run sweeps idle sources every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval, maxIdle time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(maxIdle); n > 0 {
				r.log.Debug("sweep complete", "evicted", n, "remaining", r.Len())
			}
		}
	}
}
