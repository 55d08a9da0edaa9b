package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memledger/memledger/internal/eventlog"
	"github.com/memledger/memledger/internal/model"
)

// TimeTravel reconstructs an aggregate's state as of the given timestamp
// from the nearest snapshot plus trailing replay. It never mutates live
// tiers.
func (m *Manager) TimeTravel(ctx context.Context, aggregateID string, at time.Time) (*eventlog.AggregateState, error) {
	state, err := m.log.Replay(ctx, aggregateID, at)
	if err != nil {
		return nil, err
	}
	if state.Seq == 0 {
		return nil, fmt.Errorf("aggregate %q at %s: %w", aggregateID, at.Format(time.RFC3339), model.ErrNotFound)
	}
	return state, nil
}

// Timeline produces the finite, time-ordered sequence of (timestamp, type,
// diff) for an aggregate. Each call restarts from the beginning.
func (m *Manager) Timeline(ctx context.Context, aggregateID string) ([]model.TimelineEntry, error) {
	events, err := m.log.Events(ctx, aggregateID, time.Time{})
	if err != nil {
		return nil, err
	}

	entries := make([]model.TimelineEntry, 0, len(events))
	var prev any
	hadValue := false
	for _, ev := range events {
		entry := model.TimelineEntry{
			Timestamp: ev.Timestamp,
			Seq:       ev.Seq,
			Type:      ev.Type,
			Redacted:  ev.Redacted,
		}

		switch {
		case ev.Redacted:
			entry.Diff = "content redacted by erasure"
		case ev.Type == model.EventErasure:
			entry.Diff = fmt.Sprintf("erasure for subject %v", ev.Payload["subject_id"])
		case ev.Type == model.EventMemoryWrite, ev.Type == model.EventMemoryUpdate:
			next := ev.Payload["value"]
			if hadValue {
				entry.Diff = fmt.Sprintf("value %s -> %s", compact(prev), compact(next))
			} else {
				entry.Diff = "value set to " + compact(next)
			}
			prev = next
			hadValue = true
		case ev.Type == model.EventMemoryDelete:
			entry.Diff = "value deleted"
			prev = nil
			hadValue = false
		case ev.Type == model.EventMemoryRead:
			entry.Diff = "read"
		default:
			entry.Diff = fmt.Sprintf("unrecognized event type %q (skipped)", ev.Type)
		}

		entries = append(entries, entry)
	}
	return entries, nil
}

// Reconcile rebuilds the short-term tier from the log for every aggregate
// whose replay materializes a live value. It repairs tiers after degraded
// writes or checksum mismatches; the log is always ground truth.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	aggs, err := m.log.Aggregates(ctx)
	if err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, agg := range aggs {
		state, err := m.log.Replay(ctx, agg, time.Time{})
		if err != nil {
			return rebuilt, fmt.Errorf("replay %q: %w", agg, err)
		}
		value, ok := state.State["value"]
		if !ok {
			// Dead aggregate: drop any straggler the tier still holds.
			if _, found, err := m.tierGet(ctx, m.short, agg); err == nil && found {
				if err := m.short.Delete(ctx, agg); err != nil {
					return rebuilt, fmt.Errorf("drop %q: %w", agg, err)
				}
				m.cache.Invalidate(agg)
				rebuilt++
			}
			continue
		}

		item, found, err := m.tierGet(ctx, m.short, agg)
		if err == nil && found && item.Seq == state.Seq {
			continue // tier already current
		}

		fresh := model.MemoryItem{
			Key:       agg,
			Value:     fmt.Sprint(value),
			Tier:      model.TierShortTerm,
			Seq:       state.Seq,
			CreatedAt: time.Now().UTC(),
		}
		if err := m.tierPut(ctx, m.short, fresh); err != nil {
			return rebuilt, fmt.Errorf("rebuild %q: %w", agg, err)
		}
		m.cache.Invalidate(agg)
		rebuilt++
	}
	return rebuilt, nil
}

func compact(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	if len(b) > 80 {
		b = append(b[:77], "..."...)
	}
	return string(b)
}
