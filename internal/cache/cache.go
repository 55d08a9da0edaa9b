// Package cache implements the workload-aware read cache. Misses fetch
// synchronously from the backing tiers; predicted neighbors prefetch in the
// background without blocking the caller.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/memledger/memledger/internal/model"
	"github.com/memledger/memledger/internal/predictor"
)

// DefaultCapacity is the entry limit when none is configured.
const DefaultCapacity = 1024

// DefaultPrefetchThreshold gates which predicted neighbors are worth
// fetching ahead of demand.
const DefaultPrefetchThreshold = 0.3

// maxRecent bounds the access history kept for diagnostics.
const maxRecent = 256

// queryPrefix namespaces cached query results away from item keys.
const queryPrefix = "q:"

// QueryKey returns the cache key for a recall query's merged results.
func QueryKey(query string) string { return queryPrefix + query }

// IsQueryKey reports whether a cache key holds query results rather than a
// single item. Writes and erasure invalidate these wholesale, since a
// merged result set may reference any key.
func IsQueryKey(key string) bool {
	return len(key) >= len(queryPrefix) && key[:len(queryPrefix)] == queryPrefix
}

// Fetcher loads a value from the backing tiers on a cache miss.
type Fetcher func(ctx context.Context, key string) (value any, ok bool, err error)

type entry struct {
	value      any
	insertedAt time.Time
	lastAccess time.Time
	hits       int
}

// call is an in-flight backing fetch shared by concurrent misses on the
// same key.
type call struct {
	done  chan struct{}
	value any
	ok    bool
	err   error
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int     `json:"hits"`
	Misses   int     `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// Options configures a Cache.
type Options struct {
	Capacity          int
	PrefetchThreshold float64
	PrefetchWidth     int // how many predicted neighbors to consider
}

// Cache is a capacity-bounded predictive cache. Per-key operations are
// linearizable; cross-key operations interleave freely.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*call
	capacity int

	pred      *predictor.Predictor
	fetch     Fetcher
	threshold float64
	width     int

	hits, misses int
	recent       []model.AccessRecord
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache over the given predictor and backing fetcher.
func New(pred *predictor.Predictor, fetch Fetcher, opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.PrefetchThreshold <= 0 {
		opts.PrefetchThreshold = DefaultPrefetchThreshold
	}
	if opts.PrefetchWidth <= 0 {
		opts.PrefetchWidth = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		entries:   make(map[string]*entry),
		inflight:  make(map[string]*call),
		capacity:  opts.Capacity,
		pred:      pred,
		fetch:     fetch,
		threshold: opts.PrefetchThreshold,
		width:     opts.PrefetchWidth,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Get returns the cached value for key, fetching from the backing tiers on
// a miss. The second return reports whether a value was found at all. A
// request for a key already being prefetched does not wait on the prefetch;
// it joins the same in-flight backing fetch.
func (c *Cache) Get(ctx context.Context, key string) (any, bool, error) {
	now := time.Now()
	c.pred.Observe(key, now)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.hits++
		e.lastAccess = now
		c.hits++
		c.record(key, now, true)
		v := e.value
		c.mu.Unlock()
		return v, true, nil
	}
	c.misses++
	c.record(key, now, false)
	c.mu.Unlock()

	v, ok, err := c.fetchShared(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.Set(key, v)
	}

	c.prefetchNeighbors(key, now)
	return v, ok, nil
}

// fetchShared deduplicates concurrent backing fetches for the same key.
func (c *Cache) fetchShared(ctx context.Context, key string) (any, bool, error) {
	c.mu.Lock()
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.value, cl.ok, cl.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.ok, cl.err = c.fetch(ctx, key)
	close(cl.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	return cl.value, cl.ok, cl.err
}

// prefetchNeighbors warms keys likely to follow key, without blocking the
// caller. Prefetch work is cancellable via Close.
func (c *Cache) prefetchNeighbors(key string, asOf time.Time) {
	neighbors := c.pred.Next(key, c.width, asOf)
	for _, nk := range neighbors {
		if c.pred.PredictAt(nk, asOf) < c.threshold {
			continue
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if _, cached := c.entries[nk]; cached {
			c.mu.Unlock()
			continue
		}
		// Add while holding the lock Close takes before Wait, so a spawn
		// can never race the shutdown.
		c.wg.Add(1)
		c.mu.Unlock()

		nk := nk
		go func() {
			defer c.wg.Done()
			v, ok, err := c.fetchShared(c.ctx, nk)
			if err != nil || !ok {
				return
			}
			c.Set(nk, v)
		}()
	}
}

// Set writes through to the cache, evicting under capacity pressure.
func (c *Cache) Set(key string, value any) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.lastAccess = now
		return
	}
	if len(c.entries) >= c.capacity {
		c.evictLocked(now)
	}
	c.entries[key] = &entry{value: value, insertedAt: now, lastAccess: now}
}

// evictLocked removes the entry with the lowest composite of predicted
// probability and recency, ties broken oldest-insertion-first.
func (c *Cache) evictLocked(now time.Time) {
	var victim string
	var victimScore float64
	var victimInserted time.Time
	first := true

	for k, e := range c.entries {
		prob := c.pred.PredictAt(k, now)
		age := now.Sub(e.lastAccess).Seconds()
		recency := 1.0 / (1.0 + age)
		score := 0.6*prob + 0.4*recency

		if first || score < victimScore ||
			(score == victimScore && e.insertedAt.Before(victimInserted)) {
			victim = k
			victimScore = score
			victimInserted = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

// Peek returns a cached value without consulting the backing fetcher,
// triggering prefetch, or counting toward access history.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.hits++
	e.lastAccess = time.Now()
	return e.value, true
}

// record appends to the bounded access history. Caller holds c.mu.
func (c *Cache) record(key string, ts time.Time, hit bool) {
	c.recent = append(c.recent, model.AccessRecord{Key: key, Timestamp: ts, Hit: hit})
	if len(c.recent) > maxRecent {
		c.recent = c.recent[len(c.recent)-maxRecent:]
	}
}

// Recent returns up to n most recent accesses, oldest first.
func (c *Cache) Recent(n int) []model.AccessRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.recent) {
		n = len(c.recent)
	}
	out := make([]model.AccessRecord, n)
	copy(out, c.recent[len(c.recent)-n:])
	return out
}

// Invalidate drops a key, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateFunc drops every key the predicate matches.
func (c *Cache) InvalidateFunc(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
}

// Stats returns effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:     len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  rate,
	}
}

// Close cancels in-flight prefetches and waits for them to finish. No new
// prefetch goroutines start afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}
