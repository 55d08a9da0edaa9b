package manager

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/memledger/memledger/internal/cache"
	"github.com/memledger/memledger/internal/model"
	"github.com/memledger/memledger/internal/tier"
)

// RememberParams holds parameters for storing a memory.
type RememberParams struct {
	Key       string
	Value     string
	TierHint  string // explicit hint wins; empty defaults to short-term
	Actor     string
	PII       bool
	SubjectID string // required when PII is set
	Purpose   string // required when PII is set
	Important float64
}

// Handle identifies a stored memory and how the write went.
type Handle struct {
	Key      string `json:"key"`
	EventID  string `json:"event_id"`
	Seq      uint64 `json:"seq"`
	Tier     string `json:"tier"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Remember appends a creation/update event and writes through to the
// selected tier. The event append is the commit point: if the tier write
// fails after bounded retries the call still returns a handle, flagged with
// DegradedWriteError, and reconciliation rebuilds the tier later.
func (m *Manager) Remember(ctx context.Context, p RememberParams) (*Handle, error) {
	if p.Key == "" {
		m.trail.Log(ctx, p.Actor, "remember", p.Key, dataClass(p.PII), p.Purpose, "rejected")
		return nil, &model.ValidationError{Reason: "key is required"}
	}
	if p.TierHint != "" && !model.ValidTiers[p.TierHint] {
		m.trail.Log(ctx, p.Actor, "remember", p.Key, dataClass(p.PII), p.Purpose, "rejected")
		return nil, &model.ValidationError{Reason: fmt.Sprintf("unknown tier %q", p.TierHint)}
	}

	if p.PII {
		if err := m.priv.Require(ctx, p.SubjectID, p.Purpose); err != nil {
			m.trail.Log(ctx, p.Actor, "remember", p.Key, dataClass(p.PII), p.Purpose, "denied")
			return nil, err
		}
	}

	// First event for a key is a write; anything after is an update.
	evType := model.EventMemoryWrite
	if last, err := m.log.LastSeq(ctx, p.Key); err == nil && last > 0 {
		evType = model.EventMemoryUpdate
	}

	ev := model.Event{
		ID:          m.log.NewID(),
		Type:        evType,
		AggregateID: p.Key,
		Payload:     map[string]any{"key": p.Key, "value": p.Value},
		Actor:       p.Actor,
		PII:         p.PII,
		SubjectID:   p.SubjectID,
	}
	if p.Purpose != "" {
		ev.Metadata = map[string]string{"purpose": p.Purpose}
	}

	seq, err := m.log.Append(ctx, ev)
	if err != nil {
		m.trail.Log(ctx, p.Actor, "remember", p.Key, dataClass(p.PII), p.Purpose, "error")
		return nil, err
	}

	// Cached query results may reference this key; they are stale the
	// moment the event commits, tier write or not.
	m.cache.InvalidateFunc(cache.IsQueryKey)

	tierName := p.TierHint
	if tierName == "" {
		tierName = model.TierShortTerm
	}

	item := model.MemoryItem{
		Key:        p.Key,
		Value:      p.Value,
		Tier:       tierName,
		Importance: p.Important,
		Seq:        seq,
		SubjectID:  p.SubjectID,
		CreatedAt:  time.Now().UTC(),
	}

	handle := &Handle{Key: p.Key, EventID: ev.ID, Seq: seq, Tier: tierName}

	if err := m.writeWithRetry(ctx, m.tiers[tierName], item); err != nil {
		handle.Degraded = true
		m.trail.Log(ctx, p.Actor, "remember", p.Key, dataClass(p.PII), p.Purpose, "degraded")
		return handle, &model.DegradedWriteError{Key: p.Key, Tier: tierName, Err: err}
	}

	m.cache.Set(p.Key, item)
	m.trail.Log(ctx, p.Actor, "remember", p.Key, dataClass(p.PII), p.Purpose, "ok")
	return handle, nil
}

// writeWithRetry attempts the tier write with bounded backoff. The event is
// already durable, so this never blocks forever.
func (m *Manager) writeWithRetry(ctx context.Context, t tier.Tier, item model.MemoryItem) error {
	backoff := m.opts.WriteBackoff
	var err error
	for attempt := 0; attempt < m.opts.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = m.tierPut(ctx, t, item); err == nil {
			return nil
		}
	}
	return err
}

// Forget removes a memory: a delete event is appended, the value leaves
// every tier and the cache, and replay materializes no live value. The
// history itself stays, unlike erasure, which redacts it.
func (m *Manager) Forget(ctx context.Context, key, actor string) (*Handle, error) {
	if key == "" {
		return nil, &model.ValidationError{Reason: "key is required"}
	}
	last, err := m.log.LastSeq(ctx, key)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		m.trail.Log(ctx, actor, "forget", key, "system_logs", "", "rejected")
		return nil, fmt.Errorf("forget %q: %w", key, model.ErrNotFound)
	}

	ev := model.Event{
		ID:          m.log.NewID(),
		Type:        model.EventMemoryDelete,
		AggregateID: key,
		Payload:     map[string]any{"key": key},
		Actor:       actor,
	}
	seq, err := m.log.Append(ctx, ev)
	if err != nil {
		m.trail.Log(ctx, actor, "forget", key, "system_logs", "", "error")
		return nil, err
	}

	for _, t := range m.tiers {
		tctx, cancel := context.WithTimeout(ctx, m.opts.TierTimeout)
		err := t.Delete(tctx, key)
		cancel()
		if err != nil {
			// Reconciliation catches stragglers; the log already says gone.
			log.Printf("[manager] forget %q: %s tier: %v", key, t.Name(), err)
		}
	}
	m.cache.InvalidateFunc(func(k string) bool { return k == key || cache.IsQueryKey(k) })

	m.trail.Log(ctx, actor, "forget", key, "system_logs", "", "ok")
	return &Handle{Key: key, EventID: ev.ID, Seq: seq}, nil
}

// Rectify is the right to rectification: a consent-gated corrective write
// recorded as a fresh event, leaving the inaccurate history intact and
// auditable.
func (m *Manager) Rectify(ctx context.Context, subjectID, key, corrected, actor string) (*Handle, error) {
	grantedPurpose := ""
	for _, purpose := range []string{"rectification", "legal_compliance"} {
		ok, err := m.priv.IsGranted(ctx, subjectID, purpose)
		if err != nil {
			return nil, err
		}
		if ok {
			grantedPurpose = purpose
			break
		}
	}
	if grantedPurpose == "" {
		m.trail.Log(ctx, actor, "rectify", key, "personal_data", "rectification", "denied")
		return nil, &model.ConsentRequiredError{SubjectID: subjectID, Purpose: "rectification"}
	}

	return m.Remember(ctx, RememberParams{
		Key:       key,
		Value:     corrected,
		Actor:     actor,
		PII:       true,
		SubjectID: subjectID,
		Purpose:   grantedPurpose,
	})
}

func dataClass(pii bool) string {
	if pii {
		return "personal_data"
	}
	return "system_logs"
}
