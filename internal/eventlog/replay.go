package eventlog

import (
	"context"
	"time"

	"github.com/memledger/memledger/internal/model"
)

// AggregateState is the result of folding an aggregate's events.
type AggregateState struct {
	AggregateID string         `json:"aggregate_id"`
	Seq         uint64         `json:"seq"`
	State       map[string]any `json:"state"`
	Tombstoned  int            `json:"tombstoned,omitempty"`
	Skipped     []SkippedEvent `json:"skipped,omitempty"`
}

// SkippedEvent records an event whose type no reducer understands. Replay
// continues past it; skipping is forward compatibility, not an error.
type SkippedEvent struct {
	Seq  uint64          `json:"seq"`
	Type model.EventType `json:"type"`
}

// reducer folds one event into the materialized state.
type reducer func(state map[string]any, ev model.Event)

// reducers is the closed dispatch table over event types. Anything not
// listed here replays as a skipped step.
var reducers = map[model.EventType]reducer{
	model.EventMemoryWrite: func(state map[string]any, ev model.Event) {
		state["value"] = ev.Payload["value"]
		state["key"] = ev.Payload["key"]
	},
	model.EventMemoryUpdate: func(state map[string]any, ev model.Event) {
		prev, pok := state["value"].(map[string]any)
		next, nok := ev.Payload["value"].(map[string]any)
		if pok && nok {
			merged := make(map[string]any, len(prev)+len(next))
			for k, v := range prev {
				merged[k] = v
			}
			for k, v := range next {
				merged[k] = v
			}
			state["value"] = merged
			return
		}
		state["value"] = ev.Payload["value"]
	},
	model.EventMemoryDelete: func(state map[string]any, ev model.Event) {
		delete(state, "value")
	},
	model.EventMemoryRead: func(state map[string]any, ev model.Event) {
		// Reads change no materialized state; they exist for the audit path.
	},
	model.EventErasure: func(state map[string]any, ev model.Event) {
		// The erasure itself carries no state; prior events arrive already
		// tombstoned.
	},
}

// fold applies events to a state map, counting tombstones and recording
// unknown types. It is a pure, deterministic function of its inputs.
func fold(state map[string]any, events []model.Event, out *AggregateState) {
	for _, ev := range events {
		out.Seq = ev.Seq
		if ev.Redacted {
			out.Tombstoned++
			continue
		}
		r, ok := reducers[ev.Type]
		if !ok {
			out.Skipped = append(out.Skipped, SkippedEvent{Seq: ev.Seq, Type: ev.Type})
			continue
		}
		r(state, ev)
	}
}

// Replay reconstructs an aggregate's state by folding its events with
// timestamp <= upto (zero means all). It starts from the nearest valid
// snapshot when one exists; losing a snapshot only costs replay speed.
func (l *Log) Replay(ctx context.Context, aggregateID string, upto time.Time) (*AggregateState, error) {
	out := &AggregateState{AggregateID: aggregateID, State: map[string]any{}}

	snap, err := l.NearestSnapshot(ctx, aggregateID, upto)
	if err != nil {
		return nil, err
	}

	var events []model.Event
	if snap != nil {
		out.Seq = snap.Seq
		out.State = snap.State
		if out.State == nil {
			out.State = map[string]any{}
		}
		events, err = l.eventsAfterSeq(ctx, aggregateID, snap.Seq, upto)
	} else {
		events, err = l.Events(ctx, aggregateID, upto)
	}
	if err != nil {
		return nil, err
	}

	fold(out.State, events, out)
	return out, nil
}

// ReplayFull folds every event from scratch, ignoring snapshots. Used to
// build and verify snapshots.
func (l *Log) ReplayFull(ctx context.Context, aggregateID string, upto time.Time) (*AggregateState, error) {
	events, err := l.Events(ctx, aggregateID, upto)
	if err != nil {
		return nil, err
	}
	out := &AggregateState{AggregateID: aggregateID, State: map[string]any{}}
	fold(out.State, events, out)
	return out, nil
}

func (l *Log) eventsAfterSeq(ctx context.Context, aggregateID string, afterSeq uint64, upto time.Time) ([]model.Event, error) {
	query := `SELECT aggregate_id, seq, event_id, ts, type, payload, actor, metadata, pii, subject_id, redacted
	          FROM events WHERE aggregate_id = ? AND seq > ?`
	args := []any{aggregateID, afterSeq}
	if !upto.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, upto.UTC().Format(model.TimeFormat))
	}
	query += ` ORDER BY seq`
	return l.queryEvents(ctx, query, args...)
}
