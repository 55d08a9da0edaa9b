package manager

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/memledger/memledger/internal/cache"
	"github.com/memledger/memledger/internal/model"
)

// RecallParams holds parameters for querying memories.
type RecallParams struct {
	Query     string
	TierScope []string // empty means the full chain
	Limit     int
	Actor     string
	PII       bool
	SubjectID string
	Purpose   string
}

// RecallResult carries merged, ranked hits plus any degradation warnings.
type RecallResult struct {
	Hits     []model.SearchHit `json:"hits"`
	Warnings []string          `json:"warnings,omitempty"`
	Cached   bool              `json:"cached,omitempty"`
}

// Recall answers a query through the cache first, then the tier chain:
// short-term exact/bounded scan, long-term vector search, shared memory.
// Results merge ranked by (match score, importance) and populate the cache
// on the way out. A failing or slow tier degrades to partial results with a
// warning instead of failing the recall.
func (m *Manager) Recall(ctx context.Context, p RecallParams) (*RecallResult, error) {
	if p.PII {
		if err := m.priv.Require(ctx, p.SubjectID, p.Purpose); err != nil {
			m.trail.Log(ctx, p.Actor, "recall", p.Query, dataClass(p.PII), p.Purpose, "denied")
			return nil, err
		}
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}

	if v, ok := m.cache.Peek(cache.QueryKey(p.Query)); ok {
		if hits, ok := v.([]model.SearchHit); ok {
			m.trail.Log(ctx, p.Actor, "recall", p.Query, dataClass(p.PII), p.Purpose, "ok")
			return &RecallResult{Hits: bound(hits, limit), Cached: true}, nil
		}
	}

	scope := p.TierScope
	if len(scope) == 0 {
		scope = m.order
	}

	res := &RecallResult{}
	best := map[string]model.SearchHit{}
	for _, name := range scope {
		t, ok := m.tiers[name]
		if !ok {
			return nil, &model.ValidationError{Reason: fmt.Sprintf("unknown tier %q", name)}
		}
		tctx, cancel := context.WithTimeout(ctx, m.opts.TierTimeout)
		hits, err := t.Search(tctx, p.Query, limit)
		cancel()
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", name, err))
			log.Printf("[manager] recall %q: %s tier degraded: %v", p.Query, name, err)
			continue
		}
		for _, h := range hits {
			prev, seen := best[h.Item.Key]
			if !seen || h.Score > prev.Score {
				best[h.Item.Key] = h
			}
		}
	}

	for _, h := range best {
		res.Hits = append(res.Hits, h)
	}
	rank(res.Hits)
	res.Hits = bound(res.Hits, limit)

	if len(res.Hits) > 0 && len(res.Warnings) == 0 {
		m.cache.Set(cache.QueryKey(p.Query), res.Hits)
	}

	for _, h := range res.Hits {
		m.maybePromote(ctx, h.Item)
	}

	outcome := "ok"
	if len(res.Warnings) > 0 {
		outcome = "partial"
	}
	m.trail.Log(ctx, p.Actor, "recall", p.Query, dataClass(p.PII), p.Purpose, outcome)
	return res, nil
}

// Get is the exact-key read path through the predictive cache.
func (m *Manager) Get(ctx context.Context, key, actor string) (model.MemoryItem, bool, error) {
	v, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		m.trail.Log(ctx, actor, "get", key, "system_logs", "", "error")
		return model.MemoryItem{}, false, err
	}
	if !ok {
		m.trail.Log(ctx, actor, "get", key, "system_logs", "", "miss")
		return model.MemoryItem{}, false, nil
	}
	item, ok := v.(model.MemoryItem)
	if !ok {
		return model.MemoryItem{}, false, nil
	}
	m.trail.Log(ctx, actor, "get", key, "system_logs", "", "ok")
	m.maybePromote(ctx, item)
	return item, true, nil
}

// maybePromote copies a hot short-term item into the long-term tier once
// its access count crosses the threshold inside the recency window.
func (m *Manager) maybePromote(ctx context.Context, item model.MemoryItem) {
	if item.Tier != model.TierShortTerm {
		return
	}
	if item.AccessCount < m.opts.PromoteThreshold {
		return
	}
	if item.LastAccessedAt == nil || time.Since(*item.LastAccessedAt) > m.opts.PromoteWindow {
		return
	}
	promoted := item
	promoted.Tier = model.TierLongTerm
	if err := m.tierPut(ctx, m.tiers[model.TierLongTerm], promoted); err != nil {
		log.Printf("[manager] promote %q: %v", item.Key, err)
	}
}

func bound(hits []model.SearchHit, limit int) []model.SearchHit {
	if len(hits) > limit {
		return hits[:limit]
	}
	return hits
}
