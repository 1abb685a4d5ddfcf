package distribution

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/internal/tsmux"
	"github.com/zsiec/livecore/media"
)

// SessionInfo describes one playback session for the API.
type SessionInfo struct {
	ID         string               `json:"id"`
	Key        string               `json:"key"`
	RemoteAddr string               `json:"remoteAddr"`
	StartedAt  time.Time            `json:"startedAt"`
	Stats      source.ConsumerStats `json:"stats"`
}

type session struct {
	key        string
	remoteAddr string
	startedAt  time.Time
	consumer   *source.Consumer
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:         s.consumer.ID(),
		Key:        s.key,
		RemoteAddr: s.remoteAddr,
		StartedAt:  s.startedAt,
		Stats:      s.consumer.Stats(),
	}
}

// sessionTable tracks live playback sessions by consumer ID.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

func (t *sessionTable) add(s *session) {
	t.mu.Lock()
	t.sessions[s.consumer.ID()] = s
	t.mu.Unlock()
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *sessionTable) get(id string) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *sessionTable) list() []SessionInfo {
	t.mu.RLock()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.info())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// handleLiveTS streams a source to the client as MPEG-TS over a chunked
// response. The viewer attaches as a consumer, so it starts from the cached
// GOP and is paced by its own queue.
func (s *Server) handleLiveTS(w http.ResponseWriter, r *http.Request) {
	key := keyFromRoute(r)
	_, c, err := s.config.Streams.Subscribe(key)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	sess := &session{
		key:        key,
		remoteAddr: r.RemoteAddr,
		startedAt:  time.Now(),
		consumer:   c,
	}
	s.sessions.add(sess)
	defer func() {
		s.sessions.remove(c.ID())
		c.Close()
	}()

	log := s.log.With("stream", key, "session", c.ID(), "remote", r.RemoteAddr)
	log.Info("playback started")

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	mux := tsmux.New(w, log)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info("playback ended", "reason", "client gone", "stats", c.Stats())
			return
		case <-c.Done():
			log.Info("playback ended", "reason", "session closed", "stats", c.Stats())
			return
		case <-c.Wait():
		}

		if err := writeFrames(mux, c.GetPackets(0)); err != nil {
			log.Debug("playback write failed", "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			log.Debug("playback flush failed", "error", err)
			return
		}
	}
}

// writeFrames muxes and releases every frame. On a write error the
// remaining frames are released and the error returned.
func writeFrames(mux *tsmux.Muxer, frames []*media.Frame) error {
	for i, f := range frames {
		err := mux.WriteFrame(f)
		f.Release()
		if err != nil && !errors.Is(err, tsmux.ErrNoSequenceHeader) {
			media.ReleaseAll(frames[i+1:])
			return err
		}
	}
	return nil
}
