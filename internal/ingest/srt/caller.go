package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/livecore/internal/ingest"
)

// ErrPullActive is returned when a pull already feeds the requested key.
var ErrPullActive = errors.New("srt: pull already active")

// ErrNoPull is returned by Stop for a key that has no active pull.
var ErrNoPull = errors.New("srt: no active pull")

const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address  string `json:"address"`
	Key      string `json:"key"`
	StreamID string `json:"streamId,omitempty"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote SRT sources
// and streaming their data into the ingest registry.
type Caller struct {
	log      *slog.Logger
	latency  time.Duration
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller that uses the given registry to register
// pulled streams. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, latency time.Duration, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		latency:  latency,
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener synchronously (with a timeout),
// returning an error if the connection fails. On success, streaming
// continues in a background goroutine until ctx ends or Stop is called.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("address is required")
	}
	if req.Key == "" {
		return errors.New("key is required")
	}

	c.mu.Lock()
	_, exists := c.pulls[req.Key]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("%w for %q", ErrPullActive, req.Key)
	}

	c.log.Info("dialing", "address", req.Address, "stream", req.Key)

	cfg := srtgo.DefaultConfig()
	setLatency(&cfg.Latency, c.latency)
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = req.Key
	}

	conn, err := dial(ctx, req.Address, func() (*srtgo.Conn, error) {
		return srtgo.Dial(req.Address, cfg)
	})
	if err != nil {
		return err
	}
	return c.startStreaming(ctx, req, conn)
}

// dial runs fn bounded by dialTimeout and ctx. A connection that completes
// after the caller gave up is closed in the background.
func dial(ctx context.Context, addr string, fn func() (*srtgo.Conn, error)) (*srtgo.Conn, error) {
	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := fn()
		ch <- dialResult{conn, err}
	}()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", addr, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial %s timed out after %s", addr, dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.Key]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w for %q", ErrPullActive, req.Key)
	}
	c.pulls[req.Key] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	stream, writer, err := c.registry.Register(req.Key, Protocol, req.Address)
	if err != nil {
		c.forget(req.Key)
		cancel()
		conn.Close()
		return fmt.Errorf("registering pull %q: %w", req.Key, err)
	}
	c.log.Info("connected", "address", req.Address, "stream", req.Key)

	go func() {
		// unblock a pending Read when the pull is stopped
		<-pullCtx.Done()
		conn.Close()
	}()

	go func() {
		defer func() {
			cancel()
			c.registry.Unregister(stream)
			c.forget(req.Key)
			stats := stream.Stats()
			c.log.Info("pull ended", "stream", req.Key,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		pump(pullCtx, c.log, conn, stream, writer)
	}()

	return nil
}

func (c *Caller) forget(key string) {
	c.mu.Lock()
	delete(c.pulls, key)
	c.mu.Unlock()
}

// Stop cancels the pull feeding key.
func (c *Caller) Stop(key string) error {
	c.mu.Lock()
	ap, ok := c.pulls[key]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w for %q", ErrNoPull, key)
	}

	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls sorted by key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
