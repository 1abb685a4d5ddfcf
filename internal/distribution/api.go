package distribution

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zsiec/livecore/internal/ingest"
	"github.com/zsiec/livecore/internal/ingest/srt"
	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/media"
)

func keyFromRoute(r *http.Request) string {
	return media.StreamKey(chi.URLParam(r, "vhost"), chi.URLParam(r, "app"), chi.URLParam(r, "stream"))
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	sources := s.config.Streams.List()
	resp := make([]source.Info, 0, len(sources))
	for _, src := range sources {
		resp = append(resp, src.Info())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	src, ok := s.config.Streams.Get(keyFromRoute(r))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, src.Info())
}

func (s *Server) handleRemoveStream(w http.ResponseWriter, r *http.Request) {
	key := keyFromRoute(r)
	if _, ok := s.config.Streams.Get(key); !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	if !s.config.Streams.Remove(key) {
		writeError(w, http.StatusConflict, "stream is publishing or has consumers")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cacheRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetCache(w http.ResponseWriter, r *http.Request) {
	src, ok := s.config.Streams.Get(keyFromRoute(r))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	var req cacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	src.SetCache(*req.Enabled)
	writeJSON(w, http.StatusOK, src.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.list())
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Paused == nil {
		writeError(w, http.StatusBadRequest, "paused is required")
		return
	}
	sess.consumer.OnPlayClientPause(*req.Paused)
	writeJSON(w, http.StatusOK, sess.info())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess.consumer.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIngest(w http.ResponseWriter, _ *http.Request) {
	resp := []ingest.Stats{}
	if s.config.Ingest != nil {
		resp = s.config.Ingest()
	}
	writeJSON(w, http.StatusOK, resp)
}

// SECURITY: The pull endpoint accepts arbitrary addresses, which could be
// used for SSRF if exposed to untrusted clients. In production, this endpoint
// should be restricted to authenticated operators or internal networks.
func (s *Server) handleListPulls(w http.ResponseWriter, _ *http.Request) {
	if s.config.Pulls == nil {
		writeJSON(w, http.StatusOK, []srt.PullRequest{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Pulls.ActivePulls())
}

func (s *Server) handleCreatePull(w http.ResponseWriter, r *http.Request) {
	if s.config.Pulls == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req srt.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "address and key are required")
		return
	}
	key, err := media.ParseStreamURL(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Key = key

	if err := s.config.Pulls.Pull(s.config.BaseContext, req); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, srt.ErrPullActive) || errors.Is(err, ingest.ErrStreamExists) {
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleStopPull(w http.ResponseWriter, r *http.Request) {
	if s.config.Pulls == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	key := keyFromRoute(r)
	if err := s.config.Pulls.Stop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "key": key})
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.HTTP3Addr,
	})
}

func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	if s.config.HLS == nil {
		writeError(w, http.StatusNotFound, "HLS disabled")
		return
	}
	if strings.Contains(chi.URLParam(r, "*"), "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.config.HLS.Handle(keyFromRoute(r), w, r)
}
