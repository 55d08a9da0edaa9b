package tier

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memledger/memledger/internal/model"
)

// DefaultShortTermCapacity bounds the short-term tier when unconfigured.
const DefaultShortTermCapacity = 1000

// ShortTerm is the capacity- and TTL-bounded in-memory tier. Items expire
// by TTL; under capacity pressure the oldest insertion is evicted.
type ShortTerm struct {
	mu       sync.Mutex
	items    map[string]model.MemoryItem
	order    []string // insertion order for eviction
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// NewShortTerm creates the short-term tier. ttl of 0 disables expiry.
func NewShortTerm(capacity int, ttl time.Duration) *ShortTerm {
	if capacity <= 0 {
		capacity = DefaultShortTermCapacity
	}
	return &ShortTerm{
		items:    make(map[string]model.MemoryItem),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *ShortTerm) Name() string { return model.TierShortTerm }

func (s *ShortTerm) Put(ctx context.Context, item model.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item.Tier = model.TierShortTerm
	if item.ExpiresAt == nil && s.ttl > 0 {
		exp := s.now().Add(s.ttl)
		item.ExpiresAt = &exp
	}

	if _, exists := s.items[item.Key]; !exists {
		if len(s.items) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.items, oldest)
		}
		s.order = append(s.order, item.Key)
	}
	s.items[item.Key] = item
	return nil
}

func (s *ShortTerm) Get(ctx context.Context, key string) (model.MemoryItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok || s.expired(item) {
		return model.MemoryItem{}, false, nil
	}
	now := s.now()
	item.AccessCount++
	item.LastAccessedAt = &now
	s.items[key] = item
	return item, true, nil
}

// Search does a bounded substring scan over keys and values, most recent
// first.
func (s *ShortTerm) Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(query)
	var hits []model.SearchHit
	for _, item := range s.items {
		if s.expired(item) {
			continue
		}
		score := 0.0
		switch {
		case strings.EqualFold(item.Key, query):
			score = 1.0
		case strings.Contains(strings.ToLower(item.Key), q):
			score = 0.8
		case strings.Contains(strings.ToLower(item.Value), q):
			score = 0.6
		default:
			continue
		}
		hits = append(hits, model.SearchHit{Item: item, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Item.CreatedAt.After(hits[j].Item.CreatedAt)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *ShortTerm) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key)
	return nil
}

func (s *ShortTerm) DeleteSubject(ctx context.Context, subjectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []string
	for k, item := range s.items {
		if item.SubjectID == subjectID {
			doomed = append(doomed, k)
		}
	}
	for _, k := range doomed {
		s.remove(k)
	}
	return len(doomed), nil
}

func (s *ShortTerm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweep drops expired items and returns how many were removed.
func (s *ShortTerm) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []string
	for k, item := range s.items {
		if s.expired(item) {
			doomed = append(doomed, k)
		}
	}
	for _, k := range doomed {
		s.remove(k)
	}
	return len(doomed)
}

// remove is called under s.mu.
func (s *ShortTerm) remove(key string) {
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *ShortTerm) expired(item model.MemoryItem) bool {
	return item.ExpiresAt != nil && s.now().After(*item.ExpiresAt)
}
