package artifact

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/events"
)

// Blob is what a BackingStore hands to a Loader.
type Blob struct {
	Key      Key
	Path     string
	Files    []string
	Size     int64
	Metadata map[string]any
}

// BackingStore fetches artifact inputs. It may be slow.
type BackingStore interface {
	FetchArtifact(ctx context.Context, key Key) (Blob, error)
}

// Handle is a loaded, ready-to-use artifact.
type Handle interface {
	Close() error
}

// Loader turns a fetched Blob into a Handle.
type Loader interface {
	Load(ctx context.Context, b Blob) (Handle, error)
}

type entry struct {
	key        Key
	handle     Handle
	meta       map[string]any
	loadedAt   time.Time
	lastUsedAt time.Time
	inUse      int
	removed    bool // evicted or invalidated while leased; closed on last release
}

// call is an in-flight load shared by every concurrent miss on a key.
type call struct {
	done chan struct{}
	err  error
	// abandoned is set when the load failed because the leading caller's
	// context ended. Waiters with a live context retry instead of failing.
	abandoned bool
}

// Lease is one caller's use of a cached artifact. Release it when done.
type Lease struct {
	Key      Key
	Handle   Handle
	Metadata map[string]any

	c    *Cache
	e    *entry
	once sync.Once
}

// Release drops the caller's use of the entry. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.c.release(l.e) })
}

// EntryInfo describes one cached artifact.
type EntryInfo struct {
	Key        string    `json:"key"`
	LoadedAt   time.Time `json:"loaded_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	InUse      int       `json:"in_use"`
}

// Stats is a snapshot of the cache.
type Stats struct {
	Count   int         `json:"count"`
	Max     int         `json:"max"`
	Hits    uint64      `json:"hits"`
	Misses  uint64      `json:"misses"`
	Entries []EntryInfo `json:"entries"`
}

// Cache is a bounded LRU of loaded artifacts. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	log     zerolog.Logger
	store   BackingStore
	loader  Loader
	entries map[Key]*entry
	loading map[Key]*call
	hints   map[Key]lruRecord
	hits    uint64
	misses  uint64
	closed  bool
	now     func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Cache over store and loader and starts the idle sweep.
func New(store BackingStore, loader Loader, cfg Config) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "artifact_cache").Logger(),
		store:   store,
		loader:  loader,
		entries: make(map[Key]*entry),
		loading: make(map[Key]*call),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.loadHints()
	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	} else {
		close(c.done)
	}
	return c
}

// GetOrLoad returns a lease on the artifact for key, loading it on a miss.
// Concurrent misses for one key share a single load. When the cache is at
// capacity the least recently used idle entry is evicted first; if every
// entry is leased the call fails with ErrCacheFull.
func (c *Cache) GetOrLoad(ctx context.Context, key Key) (*Lease, error) {
	if err := key.Validate(); err != nil {
		return nil, &LoadError{Key: key, Err: err}
	}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrCacheClosed
		}
		if e, ok := c.entries[key]; ok {
			c.hits++
			l := c.leaseLocked(e)
			c.mu.Unlock()
			c.cfg.Metrics.CacheHit()
			return l, nil
		}
		if inflight, ok := c.loading[key]; ok {
			c.mu.Unlock()
			select {
			case <-inflight.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if inflight.err != nil && !inflight.abandoned {
				return nil, inflight.err
			}
			// Loaded, or the leader gave up; loop to lease or load again.
			continue
		}
		cl := &call{done: make(chan struct{})}
		c.loading[key] = cl
		c.misses++
		c.mu.Unlock()
		c.cfg.Metrics.CacheMiss()

		l, err := c.load(ctx, key)
		cl.err = err
		cl.abandoned = err != nil && ctx.Err() != nil
		c.mu.Lock()
		delete(c.loading, key)
		c.mu.Unlock()
		close(cl.done)
		return l, err
	}
}

// load fetches and builds the handle for key and inserts it with one lease
// held by the caller.
func (c *Cache) load(ctx context.Context, key Key) (*Lease, error) {
	start := time.Now()
	blob, err := c.store.FetchArtifact(ctx, key)
	if err != nil {
		c.log.Warn().Str("event", "fetch_failed").Str("key", key.String()).Err(err).Msg("artifact fetch failed")
		return nil, &LoadError{Key: key, Err: err}
	}
	h, err := c.loader.Load(ctx, blob)
	if err != nil {
		c.log.Warn().Str("event", "load_failed").Str("key", key.String()).Err(err).Msg("artifact load failed")
		return nil, &LoadError{Key: key, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.closeHandle(key, h)
		return nil, ErrCacheClosed
	}
	var victims []*entry
	for len(c.entries) >= c.cfg.MaxEntries {
		v := c.lruLocked()
		if v == nil {
			c.mu.Unlock()
			c.closeHandle(key, h)
			for _, v := range victims {
				c.evicted(v, "capacity")
			}
			return nil, &LoadError{Key: key, Err: ErrCacheFull}
		}
		delete(c.entries, v.key)
		victims = append(victims, v)
	}
	now := c.now()
	e := &entry{key: key, handle: h, meta: blob.Metadata, loadedAt: now, lastUsedAt: now}
	c.entries[key] = e
	l := c.leaseLocked(e)
	c.cfg.Metrics.CacheGauge(len(c.entries))
	c.mu.Unlock()

	for _, v := range victims {
		c.evicted(v, "capacity")
	}
	c.cfg.Publisher.Publish(events.New("artifact_loaded", key.String(), map[string]any{"ms": time.Since(start).Milliseconds()}))
	c.log.Info().Str("event", "loaded").Str("key", key.String()).Dur("took", time.Since(start)).Msg("artifact loaded")
	return l, nil
}

// Invalidate removes key from the cache. Leased entries are closed when
// their last lease is released. Unknown keys are a no-op.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.cfg.Metrics.CacheGauge(len(c.entries))
	}
	c.mu.Unlock()
	if ok {
		c.evicted(e, "invalidated")
	}
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	all := make([]*entry, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, e)
		delete(c.entries, k)
	}
	c.cfg.Metrics.CacheGauge(0)
	c.mu.Unlock()
	for _, e := range all {
		c.evicted(e, "invalidated")
	}
}

// Stats returns the cache contents, most recently used first.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Count:   len(c.entries),
		Max:     c.cfg.MaxEntries,
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: make([]EntryInfo, 0, len(c.entries)),
	}
	for _, e := range c.entries {
		s.Entries = append(s.Entries, EntryInfo{
			Key:        e.key.String(),
			LoadedAt:   e.loadedAt,
			LastUsedAt: e.lastUsedAt,
			InUse:      e.inUse,
		})
	}
	sort.Slice(s.Entries, func(i, j int) bool {
		return s.Entries[i].LastUsedAt.After(s.Entries[j].LastUsedAt)
	})
	return s
}

// Close stops the sweep, persists last-used times when configured and
// releases every idle handle. Leased handles are closed on release.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		if err := c.saveHints(); err != nil {
			c.log.Warn().Str("event", "persist_failed").Err(err).Msg("saving cache metadata failed")
		}
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.InvalidateAll()
	})
}

func (c *Cache) leaseLocked(e *entry) *Lease {
	e.inUse++
	e.lastUsedAt = c.now()
	return &Lease{Key: e.key, Handle: e.handle, Metadata: e.meta, c: c, e: e}
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.inUse--
	e.lastUsedAt = c.now()
	closeNow := e.removed && e.inUse == 0
	c.mu.Unlock()
	if closeNow {
		c.closeHandle(e.key, e.handle)
	}
}

// lruLocked returns the least recently used entry with no leases.
func (c *Cache) lruLocked() *entry {
	var lru *entry
	for _, e := range c.entries {
		if e.inUse > 0 {
			continue
		}
		if lru == nil || e.lastUsedAt.Before(lru.lastUsedAt) {
			lru = e
		}
	}
	return lru
}

// evicted finishes removing an entry already deleted from the map.
func (c *Cache) evicted(e *entry, reason string) {
	c.mu.Lock()
	e.removed = true
	closeNow := e.inUse == 0
	c.mu.Unlock()
	c.cfg.Metrics.CacheEviction(reason)
	c.cfg.Publisher.Publish(events.New("artifact_evicted", e.key.String(), map[string]any{"reason": reason}))
	c.log.Info().Str("event", "evicted").Str("key", e.key.String()).Str("reason", reason).Msg("artifact evicted")
	if closeNow {
		c.closeHandle(e.key, e.handle)
	}
}

func (c *Cache) closeHandle(key Key, h Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		c.log.Warn().Str("event", "close_failed").Str("key", key.String()).Err(err).Msg("artifact close failed")
	}
}
