// Package ingest manages active publish connections, coupling transport
// byte readers with metadata, lifecycle signaling, and pipeline dispatch.
package ingest

import (
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamExists is returned by Register when a connection already feeds
// the key.
var ErrStreamExists = errors.New("ingest: stream already registered")

// Stats captures connection-level metrics for a publish connection,
// exposed via the API for monitoring source health.
type Stats struct {
	Key           string `json:"key"`
	Protocol      string `json:"protocol"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream represents an active publish connection. Bytes written to the
// internal pipe by the transport are read by the demux pipeline.
type Stream struct {
	Key        string
	Protocol   string
	RemoteAddr string
	StartedAt  time.Time

	input io.ReadCloser
	pw    io.WriteCloser
	done  chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
}

// Input returns the reader side of the connection pipe.
func (s *Stream) Input() io.Reader { return s.input }

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// RecordRead increments the byte and read counters, called by the
// transport after each successful socket read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// Stats returns a snapshot of connection metrics.
func (s *Stream) Stats() Stats {
	return Stats{
		Key:           s.Key,
		Protocol:      s.Protocol,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    s.RemoteAddr,
	}
}

// Registry tracks publish connections by stream key and dispatches new
// ones to the onStream callback for pipeline setup. It is the rendezvous
// point between the transport layer and the demux pipeline.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(s *Stream)
}

// NewRegistry creates a Registry. The onStream callback is invoked
// asynchronously whenever a new stream is registered.
func NewRegistry(onStream func(s *Stream)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a publish stream for key, returning the Stream and a
// Writer that the transport should write into. A second connection for a
// key already being fed gets ErrStreamExists.
func (r *Registry) Register(key, protocol, remoteAddr string) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()

	stream := &Stream{
		Key:        key,
		Protocol:   protocol,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		input:      pr,
		pw:         pw,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		pw.Close()
		return nil, nil, ErrStreamExists
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(stream)
	}

	return stream, pw, nil
}

// Unregister removes the stream, closing its pipe and signaling Done. Only
// the registered instance is removed, so a late Unregister from a rejected
// connection cannot drop its successor.
func (r *Registry) Unregister(stream *Stream) {
	r.mu.Lock()
	cur, ok := r.streams[stream.Key]
	if ok && cur == stream {
		delete(r.streams, stream.Key)
	}
	r.mu.Unlock()

	if ok && cur == stream {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the Stream for the given key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns stats for every active connection, sorted by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
