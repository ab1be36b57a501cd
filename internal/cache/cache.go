// Package cache provides a namespaced key-value cache with per-namespace
// TTLs and a bounded entry count. Expired entries are evicted before
// least-recently-used ones, and concurrent lookups for the same key share a
// single computation.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Required namespaces. TTLs are configurable per namespace; every other
// namespace name is rejected so callers cannot invent undocumented layers.
const (
	NamespacePaneContent = "pane_content"
	NamespaceAgentStatus = "agent_status"
	NamespaceSessionInfo = "session_info"
	NamespaceConfig      = "config"
)

// Config carries per-namespace TTLs and the shared size bound.
type Config struct {
	PaneContentTTL         time.Duration
	AgentStatusTTL         time.Duration
	SessionInfoTTL         time.Duration
	ConfigTTL              time.Duration
	MaxEntriesPerNamespace int
}

// DefaultConfig returns the default cache parameters.
func DefaultConfig() Config {
	return Config{
		PaneContentTTL:         10 * time.Second,
		AgentStatusTTL:         30 * time.Second,
		SessionInfoTTL:         60 * time.Second,
		ConfigTTL:              300 * time.Second,
		MaxEntriesPerNamespace: 1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PaneContentTTL <= 0 {
		c.PaneContentTTL = def.PaneContentTTL
	}
	if c.AgentStatusTTL <= 0 {
		c.AgentStatusTTL = def.AgentStatusTTL
	}
	if c.SessionInfoTTL <= 0 {
		c.SessionInfoTTL = def.SessionInfoTTL
	}
	if c.ConfigTTL <= 0 {
		c.ConfigTTL = def.ConfigTTL
	}
	if c.MaxEntriesPerNamespace <= 0 {
		c.MaxEntriesPerNamespace = def.MaxEntriesPerNamespace
	}
	return c
}

// NamespaceStats is a point-in-time view of one namespace.
type NamespaceStats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// namespace holds one TTL+LRU layer. The lock covers the map and the LRU
// list; computations run outside it.
type namespace struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	flight singleflight.Group

	hits      uint64
	misses    uint64
	evictions uint64
}

func newNamespace(ttl time.Duration, maxEntries int) *namespace {
	return &namespace{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Layered is the multi-namespace cache.
type Layered struct {
	namespaces map[string]*namespace
}

// New builds the cache with the four required namespaces.
func New(cfg Config) *Layered {
	cfg = cfg.withDefaults()
	return &Layered{
		namespaces: map[string]*namespace{
			NamespacePaneContent: newNamespace(cfg.PaneContentTTL, cfg.MaxEntriesPerNamespace),
			NamespaceAgentStatus: newNamespace(cfg.AgentStatusTTL, cfg.MaxEntriesPerNamespace),
			NamespaceSessionInfo: newNamespace(cfg.SessionInfoTTL, cfg.MaxEntriesPerNamespace),
			NamespaceConfig:      newNamespace(cfg.ConfigTTL, cfg.MaxEntriesPerNamespace),
		},
	}
}

func (l *Layered) namespace(name string) (*namespace, error) {
	ns, ok := l.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("unknown cache namespace %q", name)
	}
	return ns, nil
}

// Get returns the cached value for key, if present and unexpired.
func (l *Layered) Get(nsName, key string) (any, bool) {
	ns, err := l.namespace(nsName)
	if err != nil {
		return nil, false
	}
	return ns.get(key)
}

// Set stores value under key, evicting expired entries first and the
// least-recently-used entry if the namespace is still at capacity.
func (l *Layered) Set(nsName, key string, value any) {
	ns, err := l.namespace(nsName)
	if err != nil {
		return
	}
	ns.set(key, value)
}

// Delete removes key from the namespace.
func (l *Layered) Delete(nsName, key string) {
	ns, err := l.namespace(nsName)
	if err != nil {
		return
	}
	ns.delete(key)
}

// GetOrCompute returns the cached value or runs compute exactly once per
// key, however many callers arrive concurrently. Waiters are released when
// their context is cancelled; the in-flight computation itself finishes and
// populates the cache for later callers.
func (l *Layered) GetOrCompute(ctx context.Context, nsName, key string, compute func(context.Context) (any, error)) (any, error) {
	ns, err := l.namespace(nsName)
	if err != nil {
		return nil, err
	}

	if v, ok := ns.get(key); ok {
		return v, nil
	}

	ch := ns.flight.DoChan(key, func() (any, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		ns.set(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvalidateNamespace drops every entry in the namespace.
func (l *Layered) InvalidateNamespace(nsName string) {
	ns, err := l.namespace(nsName)
	if err != nil {
		return
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.entries = make(map[string]*list.Element)
	ns.lru.Init()
}

// Stats returns per-namespace hit/miss/eviction counters.
func (l *Layered) Stats() map[string]NamespaceStats {
	out := make(map[string]NamespaceStats, len(l.namespaces))
	for name, ns := range l.namespaces {
		ns.mu.Lock()
		out[name] = NamespaceStats{
			Entries:   ns.lru.Len(),
			Hits:      ns.hits,
			Misses:    ns.misses,
			Evictions: ns.evictions,
		}
		ns.mu.Unlock()
	}
	return out
}

func (ns *namespace) get(key string) (any, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	el, ok := ns.entries[key]
	if !ok {
		ns.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		ns.removeElement(el)
		ns.misses++
		return nil, false
	}
	ns.lru.MoveToFront(el)
	ns.hits++
	return e.value, true
}

func (ns *namespace) set(key string, value any) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := time.Now()
	if el, ok := ns.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = now.Add(ns.ttl)
		ns.lru.MoveToFront(el)
		return
	}

	if ns.lru.Len() >= ns.maxEntries {
		ns.evictExpired(now)
	}
	for ns.lru.Len() >= ns.maxEntries {
		back := ns.lru.Back()
		if back == nil {
			break
		}
		ns.removeElement(back)
		ns.evictions++
	}

	el := ns.lru.PushFront(&entry{key: key, value: value, expiresAt: now.Add(ns.ttl)})
	ns.entries[key] = el
}

func (ns *namespace) delete(key string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if el, ok := ns.entries[key]; ok {
		ns.removeElement(el)
	}
}

// evictExpired removes every entry whose TTL has lapsed. Called with the
// lock held.
func (ns *namespace) evictExpired(now time.Time) {
	for el := ns.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			ns.removeElement(el)
			ns.evictions++
		}
		el = prev
	}
}

func (ns *namespace) removeElement(el *list.Element) {
	ns.lru.Remove(el)
	delete(ns.entries, el.Value.(*entry).key)
}
