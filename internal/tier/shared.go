package tier

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/memledger/memledger/internal/model"
)

// Shared is the cross-agent tier, backed by a ristretto cache. Ristretto's
// admission policy may decline or drop entries under pressure; that is fine
// here because tiers are rebuildable from the log, never authoritative. A
// side key index makes the tier scannable for search and erasure.
type Shared struct {
	cache *ristretto.Cache

	mu   sync.Mutex
	keys map[string]string // key -> subject_id
}

// NewShared creates the shared tier with roughly maxItems capacity.
func NewShared(maxItems int64) (*Shared, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Shared{cache: cache, keys: make(map[string]string)}, nil
}

func (s *Shared) Name() string { return model.TierShared }

func (s *Shared) Put(ctx context.Context, item model.MemoryItem) error {
	item.Tier = model.TierShared
	s.mu.Lock()
	s.keys[item.Key] = item.SubjectID
	s.mu.Unlock()
	s.cache.Set(item.Key, item, 1)
	s.cache.Wait()
	return nil
}

func (s *Shared) Get(ctx context.Context, key string) (model.MemoryItem, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return model.MemoryItem{}, false, nil
	}
	item, ok := v.(model.MemoryItem)
	return item, ok, nil
}

func (s *Shared) Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	q := strings.ToLower(query)
	var hits []model.SearchHit
	for _, k := range keys {
		v, ok := s.cache.Get(k)
		if !ok {
			continue // admitted to the index but dropped by ristretto
		}
		item, ok := v.(model.MemoryItem)
		if !ok {
			continue
		}
		score := 0.0
		switch {
		case strings.EqualFold(item.Key, query):
			score = 1.0
		case strings.Contains(strings.ToLower(item.Key), q):
			score = 0.7
		case strings.Contains(strings.ToLower(item.Value), q):
			score = 0.5
		default:
			continue
		}
		hits = append(hits, model.SearchHit{Item: item, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Item.Key < hits[j].Item.Key
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Shared) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
	s.cache.Del(key)
	return nil
}

func (s *Shared) DeleteSubject(ctx context.Context, subjectID string) (int, error) {
	s.mu.Lock()
	var doomed []string
	for k, subj := range s.keys {
		if subj == subjectID {
			doomed = append(doomed, k)
		}
	}
	for _, k := range doomed {
		delete(s.keys, k)
	}
	s.mu.Unlock()

	for _, k := range doomed {
		s.cache.Del(k)
	}
	return len(doomed), nil
}

func (s *Shared) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Close releases ristretto's internal goroutines.
func (s *Shared) Close() {
	s.cache.Close()
}
