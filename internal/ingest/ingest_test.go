package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

const testKey = "__defaultVhost__/live/test"

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, w, err := r.Register(testKey, "srt", "10.0.0.1:5000")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if stream.Key != testKey {
		t.Fatalf("got key %q, want %q", stream.Key, testKey)
	}
	if stream.Protocol != "srt" {
		t.Fatalf("got protocol %q, want %q", stream.Protocol, "srt")
	}
	if w == nil {
		t.Fatal("writer is nil")
	}

	got, ok := r.Get(testKey)
	if !ok {
		t.Fatal("Get returned false for registered stream")
	}
	if got != stream {
		t.Fatal("Get returned different stream pointer")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	first, _, err := r.Register(testKey, "srt", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, _, err = r.Register(testKey, "srt", "")
	if !errors.Is(err, ErrStreamExists) {
		t.Fatalf("second Register err = %v, want %v", err, ErrStreamExists)
	}

	got, _ := r.Get(testKey)
	if got != first {
		t.Fatal("duplicate Register replaced the active stream")
	}
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("Get returned true for missing stream")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register(testKey, "srt", "")

	r.Unregister(stream)

	if _, ok := r.Get(testKey); ok {
		t.Fatal("stream still found after Unregister")
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}

	// a second call must not panic on the closed channel
	r.Unregister(stream)
}

func TestRegistryUnregisterKeepsSuccessor(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	old, _, _ := r.Register(testKey, "srt", "")
	r.Unregister(old)
	next, _, _ := r.Register(testKey, "srt", "")

	r.Unregister(old)

	got, ok := r.Get(testKey)
	if !ok || got != next {
		t.Fatal("stale Unregister removed the successor")
	}
}

func TestRegistryUnregisterClosesPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register(testKey, "srt", "")
	r.Unregister(stream)

	// Reading from the input side should return EOF after pipe is closed.
	buf := make([]byte, 1)
	_, err := stream.Input().Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF after Unregister, got %v", err)
	}
}

func TestRegistryOnStreamCallback(t *testing.T) {
	t.Parallel()

	got := make(chan *Stream, 1)
	r := NewRegistry(func(s *Stream) { got <- s })

	want, w, _ := r.Register(testKey, "srt", "")

	select {
	case s := <-got:
		if s != want {
			t.Fatal("callback got a different stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback not called within timeout")
	}

	go func() { _, _ = w.Write([]byte("ts")) }()
	buf := make([]byte, 2)
	if _, err := io.ReadFull(want.Input(), buf); err != nil {
		t.Fatalf("read from pipe: %v", err)
	}
	if string(buf) != "ts" {
		t.Fatalf("got %q, want %q", buf, "ts")
	}
}

func TestStreamRecordRead(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register(testKey, "srt", "192.168.1.1:5000")

	stream.RecordRead(100)
	stream.RecordRead(200)

	stats := stream.Stats()
	if stats.BytesReceived != 300 {
		t.Fatalf("BytesReceived = %d, want 300", stats.BytesReceived)
	}
	if stats.ReadCount != 2 {
		t.Fatalf("ReadCount = %d, want 2", stats.ReadCount)
	}
	if stats.RemoteAddr != "192.168.1.1:5000" {
		t.Fatalf("RemoteAddr = %q, want %q", stats.RemoteAddr, "192.168.1.1:5000")
	}
}

func TestStreamStatsUptime(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register(testKey, "srt", "")

	time.Sleep(10 * time.Millisecond)

	stats := stream.Stats()
	if stats.UptimeMs < 10 {
		t.Fatalf("UptimeMs = %d, expected at least 10", stats.UptimeMs)
	}
	if stats.ConnectedAt == 0 {
		t.Fatal("ConnectedAt is zero")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	for _, k := range []string{"v/live/c", "v/live/a", "v/live/b"} {
		if _, _, err := r.Register(k, "srt", ""); err != nil {
			t.Fatalf("Register(%q): %v", k, err)
		}
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(list))
	}
	for i, want := range []string{"v/live/a", "v/live/b", "v/live/c"} {
		if list[i].Key != want {
			t.Errorf("List()[%d].Key = %q, want %q", i, list[i].Key, want)
		}
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("v/live/stream-%d", n%26)
			stream, _, err := r.Register(key, "srt", "")
			r.Get(key)
			if err == nil {
				r.Unregister(stream)
			}
		}(i)
	}

	wg.Wait()
}
