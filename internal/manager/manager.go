// Package manager orchestrates the memory subsystem behind remember,
// recall, time travel and timeline. It owns the lifecycle of every
// component and is the only surface external collaborators use.
package manager

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/memledger/memledger/internal/audit"
	"github.com/memledger/memledger/internal/cache"
	"github.com/memledger/memledger/internal/embedding"
	"github.com/memledger/memledger/internal/eventlog"
	"github.com/memledger/memledger/internal/model"
	"github.com/memledger/memledger/internal/predictor"
	"github.com/memledger/memledger/internal/privacy"
	"github.com/memledger/memledger/internal/tier"
)

// Options configures the manager and everything it constructs.
type Options struct {
	DBPath            string
	SnapshotInterval  int
	CacheCapacity     int
	ShortTermCapacity int
	ShortTermTTL      time.Duration // 0 disables expiry
	SharedCapacity    int64
	TierTimeout       time.Duration
	PromoteThreshold  int           // access count that triggers promotion
	PromoteWindow     time.Duration // recency window for promotion
	WriteRetries      int
	WriteBackoff      time.Duration
	Retention         model.RetentionPolicy
	Embedder          embedding.Embedder
}

func (o *Options) defaults() {
	if o.TierTimeout <= 0 {
		o.TierTimeout = 2 * time.Second
	}
	if o.PromoteThreshold <= 0 {
		o.PromoteThreshold = 3
	}
	if o.PromoteWindow <= 0 {
		o.PromoteWindow = time.Hour
	}
	if o.WriteRetries <= 0 {
		o.WriteRetries = 3
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = 50 * time.Millisecond
	}
	if o.Embedder == nil {
		o.Embedder = embedding.NewFromEnv()
	}
}

// Manager wires the event log, tiers, cache, predictor, audit trail and
// privacy layer together. All state flows through the log first; tiers are
// derived and rebuildable.
type Manager struct {
	opts Options

	log   *eventlog.Log
	trail *audit.Trail
	priv  *privacy.Layer
	pred  *predictor.Predictor
	cache *cache.Cache

	short  *tier.ShortTerm
	shared *tier.Shared
	tiers  map[string]tier.Tier
	order  []string // fallthrough order for the read path
}

// New constructs the full subsystem with explicit dependencies; there is no
// global state. Close releases everything in reverse order.
func New(opts Options) (*Manager, error) {
	opts.defaults()

	elog, err := eventlog.Open(opts.DBPath, eventlog.Options{SnapshotInterval: opts.SnapshotInterval})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	trail, err := audit.New(elog.DB(), elog, opts.Retention)
	if err != nil {
		elog.Close()
		return nil, fmt.Errorf("audit trail: %w", err)
	}

	short := tier.NewShortTerm(opts.ShortTermCapacity, opts.ShortTermTTL)
	long, err := tier.NewLongTerm(opts.Embedder)
	if err != nil {
		trail.Close()
		elog.Close()
		return nil, fmt.Errorf("long-term tier: %w", err)
	}
	shared, err := tier.NewShared(opts.SharedCapacity)
	if err != nil {
		trail.Close()
		elog.Close()
		return nil, fmt.Errorf("shared tier: %w", err)
	}

	m := &Manager{
		opts:   opts,
		log:    elog,
		trail:  trail,
		pred:   predictor.New(0),
		short:  short,
		shared: shared,
		tiers: map[string]tier.Tier{
			model.TierShortTerm: short,
			model.TierLongTerm:  long,
			model.TierShared:    shared,
		},
		order: []string{model.TierShortTerm, model.TierLongTerm, model.TierShared},
	}

	m.cache = cache.New(m.pred, m.fetchFromTiers, cache.Options{Capacity: opts.CacheCapacity})

	tiers := []tier.Tier{short, long, shared}
	m.priv, err = privacy.New(elog.DB(), elog, tiers, m.cache, trail)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("privacy layer: %w", err)
	}

	return m, nil
}

// fetchFromTiers is the cache's backing read: walk the tier chain with
// per-tier timeouts, verifying the hit against the log before trusting it.
func (m *Manager) fetchFromTiers(ctx context.Context, key string) (any, bool, error) {
	for _, name := range m.order {
		t := m.tiers[name]
		item, ok, err := m.tierGet(ctx, t, key)
		if err != nil {
			continue // fall through the chain
		}
		if !ok {
			continue
		}
		verified, live, err := m.verify(ctx, item)
		if err != nil {
			return nil, false, err
		}
		if !live {
			continue
		}
		return verified, true, nil
	}

	// Full-chain miss: the log is still ground truth.
	item, ok, err := m.rebuildFromLog(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return item, true, nil
}

// verify compares a tier item's sequence number against the log; a mismatch
// means the tier is stale, so rebuild from the log rather than returning
// possibly-stale data. When replay materializes no live value the item is a
// straggler from a delete, so it leaves its tier and live reports false.
func (m *Manager) verify(ctx context.Context, item model.MemoryItem) (_ model.MemoryItem, live bool, _ error) {
	last, err := m.log.LastSeq(ctx, item.Key)
	if err != nil {
		return item, false, err
	}
	if last == item.Seq {
		return item, true, nil
	}
	rebuilt, ok, err := m.rebuildFromLog(ctx, item.Key)
	if err != nil {
		return item, false, err
	}
	if !ok {
		if t, found := m.tiers[item.Tier]; found {
			tctx, cancel := context.WithTimeout(ctx, m.opts.TierTimeout)
			if err := t.Delete(tctx, item.Key); err != nil {
				log.Printf("[manager] drop straggler %q from %s: %v", item.Key, item.Tier, err)
			}
			cancel()
		}
		return model.MemoryItem{}, false, nil
	}
	return rebuilt, true, nil
}

// rebuildFromLog replays an aggregate (from its nearest snapshot) and, when
// it materializes to a live value, reinstalls the item in its tier.
func (m *Manager) rebuildFromLog(ctx context.Context, key string) (model.MemoryItem, bool, error) {
	state, err := m.log.Replay(ctx, key, time.Time{})
	if err != nil {
		return model.MemoryItem{}, false, err
	}
	value, ok := state.State["value"]
	if !ok || state.Seq == 0 {
		return model.MemoryItem{}, false, nil
	}

	item := model.MemoryItem{
		Key:       key,
		Value:     fmt.Sprint(value),
		Tier:      model.TierShortTerm,
		Seq:       state.Seq,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.tierPut(ctx, m.short, item); err != nil {
		log.Printf("[manager] reinstall %q after rebuild: %v", key, err)
	}
	return item, true, nil
}

func (m *Manager) tierGet(ctx context.Context, t tier.Tier, key string) (model.MemoryItem, bool, error) {
	tctx, cancel := context.WithTimeout(ctx, m.opts.TierTimeout)
	defer cancel()
	return t.Get(tctx, key)
}

func (m *Manager) tierPut(ctx context.Context, t tier.Tier, item model.MemoryItem) error {
	tctx, cancel := context.WithTimeout(ctx, m.opts.TierTimeout)
	defer cancel()
	return t.Put(tctx, item)
}

// Log exposes the event log for read-only collaborators (CLI stats).
func (m *Manager) Log() *eventlog.Log { return m.log }

// Privacy exposes the consent/privacy layer.
func (m *Manager) Privacy() *privacy.Layer { return m.priv }

// Audit exposes the audit trail.
func (m *Manager) Audit() *audit.Trail { return m.trail }

// ApplyRetention runs one retention/anonymization pass over the audit
// trail.
func (m *Manager) ApplyRetention(ctx context.Context) (int, error) {
	return m.trail.ApplyRetention(ctx)
}

// RunRetention applies the retention policy on a fixed interval until the
// context is cancelled. Failures are logged and retried on the next pass.
func (m *Manager) RunRetention(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.trail.ApplyRetention(ctx); err != nil {
				log.Printf("[manager] retention pass: %v", err)
			} else if n > 0 {
				log.Printf("[manager] retention pass anonymized %d records", n)
			}
			m.short.Sweep()
		}
	}
}

// Stats aggregates statistics across the subsystem.
type Stats struct {
	Log       *eventlog.Stats `json:"log"`
	Cache     cache.Stats     `json:"cache"`
	ShortTerm int             `json:"short_term"`
	LongTerm  int             `json:"long_term"`
	Shared    int             `json:"shared"`
	AuditDrop int             `json:"audit_dropped"`
}

// Stats returns subsystem statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	ls, err := m.log.Stats(ctx, m.opts.DBPath)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Log:       ls,
		Cache:     m.cache.Stats(),
		ShortTerm: m.tiers[model.TierShortTerm].Len(),
		LongTerm:  m.tiers[model.TierLongTerm].Len(),
		Shared:    m.tiers[model.TierShared].Len(),
		AuditDrop: m.trail.Dropped(),
	}, nil
}

// Close shuts the subsystem down: cache prefetches first, then the audit
// consumer, then the log.
func (m *Manager) Close() error {
	if m.cache != nil {
		m.cache.Close()
	}
	if m.shared != nil {
		m.shared.Close()
	}
	if m.trail != nil {
		m.trail.Close()
	}
	return m.log.Close()
}

// rank orders hits by match score, then importance, then key for
// stability.
func rank(hits []model.SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Item.Importance != hits[j].Item.Importance {
			return hits[i].Item.Importance > hits[j].Item.Importance
		}
		return hits[i].Item.Key < hits[j].Item.Key
	})
}
