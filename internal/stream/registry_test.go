package stream

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/livecore/internal/source"
)

func TestRegistryFindCreatesOnce(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	s1 := r.Find("__defaultVhost__/live/test")
	if s1 == nil {
		t.Fatal("Find returned nil")
	}
	s2 := r.Find("__defaultVhost__/live/test")
	if s1 != s2 {
		t.Error("Find returned a different instance for the same key")
	}
	if s1.Key() != "__defaultVhost__/live/test" {
		t.Errorf("key: got %q, want %q", s1.Key(), "__defaultVhost__/live/test")
	}
	if !s1.CanPublish() {
		t.Error("new source should be publishable")
	}
}

func TestRegistryFindConcurrent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	const n = 32
	got := make([]*source.Source, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.Find("v/app/stream")
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d got a different source", i)
		}
	}
	if r.Len() != 1 {
		t.Errorf("count: got %d, want 1", r.Len())
	}
}

func TestRegistryFindURL(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	s, err := r.FindURL("rtmp://example.com:1935/live/cam?token=x")
	if err != nil {
		t.Fatalf("FindURL: %v", err)
	}
	if s != r.Find("example.com/live/cam") {
		t.Error("FindURL and Find disagree on the key")
	}

	if _, err := r.FindURL(""); err == nil {
		t.Error("FindURL accepted an empty URL")
	}
}

func TestRegistryGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	if _, ok := r.Get("v/a/s"); ok {
		t.Error("Get reported a source that was never created")
	}
	r.Find("v/a/s")
	if _, ok := r.Get("v/a/s"); !ok {
		t.Error("Get missed a created source")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	r.Find("v/live/c")
	r.Find("v/live/a")
	r.Find("v/live/b")

	sources := r.List()
	if len(sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(sources))
	}
	for i, want := range []string{"v/live/a", "v/live/b", "v/live/c"} {
		if sources[i].Key() != want {
			t.Errorf("sources[%d]: got %q, want %q", i, sources[i].Key(), want)
		}
	}
}

func TestRegistryRemoveOnlyIdle(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	s := r.Find("v/a/s")
	if err := s.OnPublish(source.PublishRequest{}); err != nil {
		t.Fatalf("OnPublish: %v", err)
	}
	if r.Remove("v/a/s") {
		t.Error("Remove evicted a publishing source")
	}

	s.OnUnpublish()
	c, err := s.CreateConsumer()
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}
	if r.Remove("v/a/s") {
		t.Error("Remove evicted a source with consumers")
	}

	c.Close()
	if !r.Remove("v/a/s") {
		t.Error("Remove kept an idle source")
	}
	if r.Len() != 0 {
		t.Errorf("count after remove: got %d, want 0", r.Len())
	}
}

func TestRegistryRemoveNonexistent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)
	if r.Remove("nonexistent") {
		t.Error("Remove reported success for an unknown key")
	}
}

func TestRegistrySweep(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	r.Find("v/a/idle")
	busy := r.Find("v/a/busy")
	if err := busy.OnPublish(source.PublishRequest{}); err != nil {
		t.Fatalf("OnPublish: %v", err)
	}

	if n := r.Sweep(time.Hour); n != 0 {
		t.Errorf("sweep with long idle: got %d, want 0", n)
	}
	if n := r.Sweep(0); n != 1 {
		t.Errorf("sweep: got %d, want 1", n)
	}
	if _, ok := r.Get("v/a/busy"); !ok {
		t.Error("sweep evicted the publishing source")
	}
}

func TestRegistryRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)
	r.Find("v/a/s")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 5*time.Millisecond, 0) }()

	deadline := time.After(2 * time.Second)
	for r.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("Run never swept the idle source")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistryEvictedSourceRefusesPublish(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	stale := r.Find("v/a/s")
	if n := r.Sweep(0); n != 1 {
		t.Fatalf("sweep: got %d, want 1", n)
	}
	if err := stale.OnPublish(source.PublishRequest{}); !errors.Is(err, source.ErrRetired) {
		t.Fatalf("OnPublish on evicted source: got %v, want ErrRetired", err)
	}
	if _, err := stale.CreateConsumer(); !errors.Is(err, source.ErrRetired) {
		t.Errorf("CreateConsumer on evicted source: got %v, want ErrRetired", err)
	}

	pub, err := r.Publish("v/a/s", source.PublishRequest{})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	viewer := r.Find("v/a/s")
	if pub != viewer {
		t.Error("publisher and viewer landed on different sources")
	}
	if viewer.CanPublish() {
		t.Error("viewer source is not publishing")
	}
}

func TestRegistryFindPostponesSweep(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	r.Find("v/a/s")
	time.Sleep(60 * time.Millisecond)
	r.Find("v/a/s")
	if n := r.Sweep(50 * time.Millisecond); n != 0 {
		t.Errorf("sweep right after Find: got %d, want 0", n)
	}
}

func TestRegistrySubscribe(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	r.Find("v/a/s")
	r.Sweep(0)

	s, c, err := r.Subscribe("v/a/s")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer c.Close()
	if got, _ := r.Get("v/a/s"); got != s {
		t.Error("Subscribe attached to an unregistered source")
	}
	if s.ConsumerCount() != 1 {
		t.Errorf("consumers: got %d, want 1", s.ConsumerCount())
	}
}

func TestRegistryEvictHook(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var evicted []string
	r := NewRegistry(source.Config{}, nil, WithEvictHook(func(key string) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	}))

	r.Find("v/a/one")
	r.Find("v/a/two")
	busy := r.Find("v/a/busy")
	if err := busy.OnPublish(source.PublishRequest{}); err != nil {
		t.Fatalf("OnPublish: %v", err)
	}

	if !r.Remove("v/a/one") {
		t.Fatal("Remove kept an idle source")
	}
	r.Remove("v/a/busy")
	r.Sweep(0)

	mu.Lock()
	defer mu.Unlock()
	slices.Sort(evicted)
	if want := []string{"v/a/one", "v/a/two"}; !slices.Equal(evicted, want) {
		t.Errorf("evicted: got %v, want %v", evicted, want)
	}
}

func TestPublisherBindsAtPublish(t *testing.T) {
	t.Parallel()
	r := NewRegistry(source.Config{}, nil)

	r.Find("v/a/s")
	p := r.Publisher("v/a/s")
	if err := p.OnVideo(nil); !errors.Is(err, source.ErrNotPublishing) {
		t.Errorf("OnVideo before publish: got %v, want ErrNotPublishing", err)
	}

	r.Sweep(0)
	if err := p.OnPublish(source.PublishRequest{}); err != nil {
		t.Fatalf("OnPublish: %v", err)
	}
	if got, _ := r.Get("v/a/s"); got != p.Source() {
		t.Error("publisher bound to an evicted source")
	}

	p.OnUnpublish()
	if !p.Source().CanPublish() {
		t.Error("source still publishing after OnUnpublish")
	}
}
