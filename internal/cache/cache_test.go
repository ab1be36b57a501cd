package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newSmallCache(ttl time.Duration, maxEntries int) *Layered {
	return New(Config{
		PaneContentTTL:         ttl,
		AgentStatusTTL:         ttl,
		SessionInfoTTL:         ttl,
		ConfigTTL:              ttl,
		MaxEntriesPerNamespace: maxEntries,
	})
}

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	if _, ok := c.Get(NamespacePaneContent, "dev:1"); ok {
		t.Error("Get() hit on empty cache")
	}

	c.Set(NamespacePaneContent, "dev:1", "pane text")
	v, ok := c.Get(NamespacePaneContent, "dev:1")
	if !ok || v != "pane text" {
		t.Errorf("Get() = %v, %v; want pane text", v, ok)
	}

	// Namespaces do not leak into each other.
	if _, ok := c.Get(NamespaceAgentStatus, "dev:1"); ok {
		t.Error("key visible from a different namespace")
	}
}

func TestUnknownNamespace(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	c.Set("scratch", "k", 1)
	if _, ok := c.Get("scratch", "k"); ok {
		t.Error("unknown namespace accepted a value")
	}

	_, err := c.GetOrCompute(context.Background(), "scratch", "k", func(context.Context) (any, error) {
		return 1, nil
	})
	if err == nil {
		t.Error("GetOrCompute() on unknown namespace returned nil error")
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	c := newSmallCache(30*time.Millisecond, 8)
	c.Set(NamespacePaneContent, "k", "v")
	if _, ok := c.Get(NamespacePaneContent, "k"); !ok {
		t.Fatal("fresh entry missing")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(NamespacePaneContent, "k"); ok {
		t.Error("entry survived past its TTL")
	}

	stats := c.Stats()[NamespacePaneContent]
	if stats.Entries != 0 {
		t.Errorf("Entries = %d after expiry, want 0", stats.Entries)
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	t.Parallel()

	c := newSmallCache(time.Minute, 2)
	c.Set(NamespaceSessionInfo, "a", 1)
	c.Set(NamespaceSessionInfo, "b", 2)

	// Touch a so b becomes the LRU entry.
	if _, ok := c.Get(NamespaceSessionInfo, "a"); !ok {
		t.Fatal("a missing before eviction")
	}

	c.Set(NamespaceSessionInfo, "c", 3)
	if _, ok := c.Get(NamespaceSessionInfo, "b"); ok {
		t.Error("LRU entry b survived insertion at capacity")
	}
	if _, ok := c.Get(NamespaceSessionInfo, "a"); !ok {
		t.Error("recently used entry a was evicted")
	}
	if _, ok := c.Get(NamespaceSessionInfo, "c"); !ok {
		t.Error("new entry c missing")
	}

	if got := c.Stats()[NamespaceSessionInfo].Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestExpiredEvictedBeforeLRU(t *testing.T) {
	t.Parallel()

	c := newSmallCache(40*time.Millisecond, 2)
	c.Set(NamespaceAgentStatus, "old", 1)
	time.Sleep(60 * time.Millisecond)
	c.Set(NamespaceAgentStatus, "live", 2)

	// At capacity: the expired entry must make room, not the live LRU one.
	c.Set(NamespaceAgentStatus, "new", 3)
	if _, ok := c.Get(NamespaceAgentStatus, "live"); !ok {
		t.Error("live entry evicted while an expired one was present")
	}
	if _, ok := c.Get(NamespaceAgentStatus, "new"); !ok {
		t.Error("new entry missing")
	}
}

func TestSetUpdatesInPlace(t *testing.T) {
	t.Parallel()

	c := newSmallCache(time.Minute, 2)
	c.Set(NamespaceConfig, "k", 1)
	c.Set(NamespaceConfig, "k", 2)

	v, _ := c.Get(NamespaceConfig, "k")
	if v != 2 {
		t.Errorf("Get() = %v after overwrite, want 2", v)
	}
	if got := c.Stats()[NamespaceConfig].Entries; got != 1 {
		t.Errorf("Entries = %d after overwrite, want 1", got)
	}
}

func TestDeleteAndInvalidate(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	c.Set(NamespacePaneContent, "a", 1)
	c.Set(NamespacePaneContent, "b", 2)

	c.Delete(NamespacePaneContent, "a")
	if _, ok := c.Get(NamespacePaneContent, "a"); ok {
		t.Error("deleted key still present")
	}

	c.InvalidateNamespace(NamespacePaneContent)
	if _, ok := c.Get(NamespacePaneContent, "b"); ok {
		t.Error("key survived namespace invalidation")
	}
	if got := c.Stats()[NamespacePaneContent].Entries; got != 0 {
		t.Errorf("Entries = %d after invalidation, want 0", got)
	}
}

func TestGetOrComputeSharesOneComputation(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	var calls atomic.Int64
	compute := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "captured", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), NamespacePaneContent, "dev:1", compute)
			if err != nil {
				t.Errorf("GetOrCompute() error = %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("compute ran %d times, want 1", n)
	}
	for i, v := range results {
		if v != "captured" {
			t.Errorf("caller %d got %v", i, v)
		}
	}

	// The shared result is now cached.
	if v, ok := c.Get(NamespacePaneContent, "dev:1"); !ok || v != "captured" {
		t.Errorf("cached value = %v, %v", v, ok)
	}
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	wantErr := errors.New("capture failed")
	calls := 0

	for i := 0; i < 2; i++ {
		_, err := c.GetOrCompute(context.Background(), NamespaceAgentStatus, "k", func(context.Context) (any, error) {
			calls++
			return nil, wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("call %d: error = %v, want %v", i, err, wantErr)
		}
	}
	if calls != 2 {
		t.Errorf("compute ran %d times, want 2 (errors must not be cached)", calls)
	}
}

func TestGetOrComputeContextCancel(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = c.GetOrCompute(context.Background(), NamespaceSessionInfo, "k", func(context.Context) (any, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrCompute(ctx, NamespaceSessionInfo, "k", func(context.Context) (any, error) {
		return "other", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}

	// The in-flight computation still completes and populates the cache.
	close(release)
	deadline := time.After(time.Second)
	for {
		if v, ok := c.Get(NamespaceSessionInfo, "k"); ok {
			if v != "late" {
				t.Errorf("cached value = %v, want late", v)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("in-flight computation never populated the cache")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	c.Set(NamespacePaneContent, "k", 1)
	c.Get(NamespacePaneContent, "k")
	c.Get(NamespacePaneContent, "k")
	c.Get(NamespacePaneContent, "absent")

	stats := c.Stats()[NamespacePaneContent]
	if stats.Hits != 2 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("stats = %+v, want 2 hits, 1 miss, 1 entry", stats)
	}
}

func TestNamespacesIsolatedUnderLoad(t *testing.T) {
	t.Parallel()

	c := newSmallCache(time.Minute, 64)
	var wg sync.WaitGroup
	for _, ns := range []string{NamespacePaneContent, NamespaceAgentStatus, NamespaceSessionInfo, NamespaceConfig} {
		wg.Add(1)
		go func(ns string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("%s-%d", ns, i%8)
				c.Set(ns, key, i)
				c.Get(ns, key)
			}
		}(ns)
	}
	wg.Wait()

	for ns, stats := range c.Stats() {
		if stats.Entries != 8 {
			t.Errorf("%s: Entries = %d, want 8", ns, stats.Entries)
		}
	}
}
