package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memledger/memledger/internal/predictor"
)

func TestSetGet(t *testing.T) {
	c := New(predictor.New(0), func(ctx context.Context, key string) (any, bool, error) {
		return nil, false, nil
	}, Options{})
	defer c.Close()

	c.Set("k1", "v1")
	v, ok, err := c.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != "v1" {
		t.Errorf("expected v1, got %v (ok=%v)", v, ok)
	}
}

func TestMissFetchesFromBacking(t *testing.T) {
	var fetched atomic.Int32
	backing := map[string]string{"k1": "from-tier"}
	c := New(predictor.New(0), func(ctx context.Context, key string) (any, bool, error) {
		fetched.Add(1)
		v, ok := backing[key]
		return v, ok, nil
	}, Options{})
	defer c.Close()

	v, ok, err := c.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != "from-tier" {
		t.Fatalf("expected backing value, got %v (ok=%v)", v, ok)
	}
	if fetched.Load() != 1 {
		t.Errorf("expected 1 backing fetch, got %d", fetched.Load())
	}

	// Second get is a hit.
	c.Get(context.Background(), "k1")
	if fetched.Load() != 1 {
		t.Errorf("hit should not refetch, got %d fetches", fetched.Load())
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %+v", st)
	}
}

func TestInflightDedup(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	c := New(predictor.New(0), func(ctx context.Context, key string) (any, bool, error) {
		fetches.Add(1)
		<-release
		return "v", true, nil
	}, Options{})
	defer c.Close()

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, _ := c.Get(context.Background(), "k")
			results[i] = v
		}()
	}

	// Let all goroutines pile onto the single in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Errorf("expected 1 deduplicated fetch, got %d", got)
	}
	for i, v := range results {
		if v != "v" {
			t.Errorf("result %d: %v", i, v)
		}
	}
}

func TestEviction(t *testing.T) {
	p := predictor.New(0)
	c := New(p, func(ctx context.Context, key string) (any, bool, error) {
		return nil, false, nil
	}, Options{Capacity: 3})
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Make b and c look alive to the predictor; a should be the victim.
	now := time.Now()
	for i := 0; i < 20; i++ {
		p.Observe("b", now.Add(time.Duration(i)*time.Millisecond))
		p.Observe("c", now.Add(time.Duration(i)*time.Millisecond+time.Microsecond))
	}

	c.Set("d", 4)

	if _, ok, _ := c.Get(context.Background(), "d"); !ok {
		t.Error("new entry missing after eviction")
	}
	st := c.Stats()
	if st.Size != 3 {
		t.Errorf("expected size 3, got %d", st.Size)
	}
	c.mu.Lock()
	_, aliveA := c.entries["a"]
	c.mu.Unlock()
	if aliveA {
		t.Error("expected a to be evicted as the coldest entry")
	}
}

func TestPrefetchPopulates(t *testing.T) {
	p := predictor.New(0)
	base := time.Now().Add(-time.Minute)
	// Teach the predictor that k2 follows k1, repeatedly.
	for i := 0; i < 30; i++ {
		p.Observe("k1", base.Add(time.Duration(2*i)*time.Second))
		p.Observe("k2", base.Add(time.Duration(2*i+1)*time.Second))
	}

	backing := map[string]string{"k1": "v1", "k2": "v2"}
	var mu sync.Mutex
	fetched := map[string]int{}
	c := New(p, func(ctx context.Context, key string) (any, bool, error) {
		mu.Lock()
		fetched[key]++
		mu.Unlock()
		v, ok := backing[key]
		return v, ok, nil
	}, Options{PrefetchThreshold: 0.1})

	// Miss on k1 triggers a background prefetch of k2.
	c.Get(context.Background(), "k1")
	c.wg.Wait()

	mu.Lock()
	k2Fetches := fetched["k2"]
	mu.Unlock()
	if k2Fetches != 1 {
		t.Fatalf("expected k2 prefetched once, got %d", k2Fetches)
	}

	// The synchronous path now hits without touching the backing tier.
	v, ok, _ := c.Get(context.Background(), "k2")
	if !ok || v != "v2" {
		t.Errorf("expected prefetched v2, got %v", v)
	}
	mu.Lock()
	k2After := fetched["k2"]
	mu.Unlock()
	if k2After != 1 {
		t.Errorf("hit after prefetch refetched: %d", k2After)
	}
	c.Close()
}

func TestInvalidate(t *testing.T) {
	c := New(predictor.New(0), func(ctx context.Context, key string) (any, bool, error) {
		return nil, false, nil
	}, Options{})
	defer c.Close()

	c.Set("u1:name", "x")
	c.Set("u2:name", "y")
	c.InvalidateFunc(func(k string) bool { return k[:2] == "u1" })

	if _, ok, _ := c.Get(context.Background(), "u1:name"); ok {
		t.Error("expected u1 key invalidated")
	}
	if _, ok, _ := c.Get(context.Background(), "u2:name"); !ok {
		t.Error("u2 key should survive")
	}
}

func TestRecentAccesses(t *testing.T) {
	c := New(predictor.New(0), func(ctx context.Context, key string) (any, bool, error) {
		return nil, false, nil
	}, Options{})
	defer c.Close()

	c.Set("a", 1)
	c.Get(context.Background(), "a")
	c.Get(context.Background(), "b")

	recent := c.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 accesses, got %d", len(recent))
	}
	if !recent[0].Hit || recent[0].Key != "a" {
		t.Errorf("first access should be a hit on a: %+v", recent[0])
	}
	if recent[1].Hit || recent[1].Key != "b" {
		t.Errorf("second access should be a miss on b: %+v", recent[1])
	}

	if got := c.Recent(1); len(got) != 1 || got[0].Key != "b" {
		t.Errorf("Recent(1) should return the newest access: %+v", got)
	}
}

func TestGetAfterCloseSpawnsNothing(t *testing.T) {
	p := predictor.New(0)
	c := New(p, func(ctx context.Context, key string) (any, bool, error) {
		return "v", true, nil
	}, Options{})

	// Build follower history so a Get would normally prefetch.
	now := time.Now()
	for i := 0; i < 20; i++ {
		p.Observe("k1", now.Add(time.Duration(2*i)*time.Millisecond))
		p.Observe("k2", now.Add(time.Duration(2*i+1)*time.Millisecond))
	}

	c.Close()

	// Must not panic on the closed WaitGroup or spawn new prefetches.
	if _, ok, err := c.Get(context.Background(), "k1"); err != nil || !ok {
		t.Fatalf("get after close: ok=%v err=%v", ok, err)
	}
	c.Close()
}
