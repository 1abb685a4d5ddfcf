package hls

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/zsiec/livecore/internal/observe"
	"github.com/zsiec/livecore/internal/source"
)

// Manager owns the segmenter of every stream and serves their playlists.
type Manager struct {
	cfg     Config
	depth   int
	log     *slog.Logger
	metrics *observe.Metrics

	mu         sync.RWMutex
	segmenters map[string]*Segmenter
}

// NewManager creates a Manager. depth is the sink queue size per stream.
func NewManager(cfg Config, depth int, log *slog.Logger, metrics *observe.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		depth:      depth,
		log:        log,
		metrics:    metrics,
		segmenters: make(map[string]*Segmenter),
	}
}

// Sink returns the source.Sink feeding key's segmenter, creating the
// segmenter on first use.
func (m *Manager) Sink(key string) source.Sink {
	m.mu.Lock()
	seg, ok := m.segmenters[key]
	if !ok {
		seg = NewSegmenter(key, m.cfg, m.log)
		m.segmenters[key] = seg
	}
	m.mu.Unlock()

	return source.NewAsyncSink("hls", seg, m.depth, m.log, source.WithSinkMetrics(m.metrics))
}

// Get returns the segmenter for key.
func (m *Manager) Get(key string) (*Segmenter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.segmenters[key]
	return seg, ok
}

// Forget drops the segmenter for key, closing it.
func (m *Manager) Forget(key string) {
	m.mu.Lock()
	seg, ok := m.segmenters[key]
	delete(m.segmenters, key)
	m.mu.Unlock()

	if ok {
		_ = seg.Close()
	}
}

// Handle serves the playlist or segment named by r for key.
func (m *Manager) Handle(key string, w http.ResponseWriter, r *http.Request) {
	seg, ok := m.Get(key)
	if !ok {
		http.Error(w, ErrNotStarted.Error(), http.StatusNotFound)
		return
	}
	seg.Handle(w, r)
}
