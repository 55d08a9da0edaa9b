package eventlog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/memledger/memledger/internal/model"
)

func newTestLog(t *testing.T, opts Options) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "test.db"), opts)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func writeEvent(agg, key, value string, ts time.Time) model.Event {
	return model.Event{
		Timestamp:   ts,
		Type:        model.EventMemoryWrite,
		AggregateID: agg,
		Payload:     map[string]any{"key": key, "value": value},
		Actor:       "test",
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	base := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		seq, err := l.Append(ctx, writeEvent("a1", "k", fmt.Sprintf("v%d", i), base.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}

	events, err := l.Events(ctx, "a1", time.Time{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	_, err := l.Append(ctx, model.Event{Type: model.EventMemoryWrite, Actor: "test"})
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for missing aggregate, got %v", err)
	}

	now := time.Now().UTC()
	if _, err := l.Append(ctx, writeEvent("a1", "k", "v1", now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err = l.Append(ctx, writeEvent("a1", "k", "v2", now.Add(-time.Minute)))
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for timestamp regression, got %v", err)
	}

	// The ordering constraint is per aggregate only.
	if _, err := l.Append(ctx, writeEvent("a2", "k", "v", now.Add(-time.Hour))); err != nil {
		t.Errorf("cross-aggregate append should not be ordered: %v", err)
	}
}

func TestSubscribeOrder(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	var got []uint64
	l.Subscribe(func(ev model.Event) bool { return ev.AggregateID == "a1" }, func(ev model.Event) {
		got = append(got, ev.Seq)
	})

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		l.Append(ctx, writeEvent("a1", "k", "v", base.Add(time.Duration(i)*time.Millisecond)))
	}
	l.Append(ctx, writeEvent("other", "k", "v", base))

	if len(got) != 5 {
		t.Fatalf("expected 5 notifications, got %d", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Errorf("notification %d: expected seq %d, got %d", i, i+1, seq)
		}
	}
}

func TestReplayFold(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	base := time.Now().UTC()
	l.Append(ctx, writeEvent("a1", "k", "v1", base))
	l.Append(ctx, model.Event{
		Timestamp: base.Add(time.Second), Type: model.EventMemoryUpdate,
		AggregateID: "a1", Payload: map[string]any{"value": "v2"}, Actor: "test",
	})

	state, err := l.Replay(ctx, "a1", time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if state.State["value"] != "v2" {
		t.Errorf("expected v2, got %v", state.State["value"])
	}
	if state.Seq != 2 {
		t.Errorf("expected seq 2, got %d", state.Seq)
	}

	// Delete clears the value.
	l.Append(ctx, model.Event{
		Timestamp: base.Add(2 * time.Second), Type: model.EventMemoryDelete,
		AggregateID: "a1", Actor: "test",
	})
	state, _ = l.Replay(ctx, "a1", time.Time{})
	if _, ok := state.State["value"]; ok {
		t.Error("expected value cleared after delete")
	}
}

func TestReplayUpto(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	base := time.Now().UTC()
	l.Append(ctx, writeEvent("a1", "k", "v1", base))
	l.Append(ctx, writeEvent("a1", "k", "v2", base.Add(10*time.Second)))

	state, err := l.Replay(ctx, "a1", base.Add(5*time.Second))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if state.State["value"] != "v1" {
		t.Errorf("expected v1 at T+5s, got %v", state.State["value"])
	}
}

func TestReplayUnknownTypeSkipped(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	base := time.Now().UTC()
	l.Append(ctx, writeEvent("a1", "k", "v1", base))
	l.Append(ctx, model.Event{
		Timestamp: base.Add(time.Second), Type: "hologram_sync",
		AggregateID: "a1", Payload: map[string]any{"value": "ignored"}, Actor: "future",
	})

	state, err := l.Replay(ctx, "a1", time.Time{})
	if err != nil {
		t.Fatalf("replay should not abort on unknown type: %v", err)
	}
	if state.State["value"] != "v1" {
		t.Errorf("unknown event must not change state, got %v", state.State["value"])
	}
	if len(state.Skipped) != 1 || state.Skipped[0].Type != "hologram_sync" {
		t.Errorf("expected one skipped step, got %+v", state.Skipped)
	}
}

func TestSnapshotAtInterval(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{SnapshotInterval: 100})

	base := time.Now().UTC()
	var t120 time.Time
	for i := 1; i <= 150; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		if i == 120 {
			t120 = ts
		}
		if _, err := l.Append(ctx, writeEvent("sessionX", "k", fmt.Sprintf("v%d", i), ts)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	seqs, err := l.Snapshots(ctx, "sessionX")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(seqs) != 1 || seqs[0] != 100 {
		t.Fatalf("expected exactly one snapshot at seq 100, got %v", seqs)
	}

	// Replay through the snapshot equals a full fold.
	viaSnap, err := l.Replay(ctx, "sessionX", t120)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	full, err := l.ReplayFull(ctx, "sessionX", t120)
	if err != nil {
		t.Fatalf("replay full: %v", err)
	}
	if viaSnap.State["value"] != full.State["value"] || viaSnap.State["value"] != "v120" {
		t.Errorf("snapshot replay %v != full replay %v (want v120)", viaSnap.State["value"], full.State["value"])
	}
	if viaSnap.Seq != 120 {
		t.Errorf("expected seq 120, got %d", viaSnap.Seq)
	}
}

func TestSnapshotTransparency(t *testing.T) {
	ctx := context.Background()

	// Same event sequence, different snapshot intervals: replay must agree.
	states := make([]*AggregateState, 0, 2)
	for _, interval := range []int{3, 1000} {
		l := newTestLog(t, Options{SnapshotInterval: interval})
		base := time.Unix(1700000000, 0).UTC()
		for i := 1; i <= 10; i++ {
			ev := writeEvent("agg", "k", fmt.Sprintf("v%d", i), base.Add(time.Duration(i)*time.Second))
			ev.ID = fmt.Sprintf("%026d", i)
			if _, err := l.Append(ctx, ev); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		st, err := l.Replay(ctx, "agg", time.Time{})
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		states = append(states, st)
	}

	if states[0].State["value"] != states[1].State["value"] {
		t.Errorf("replay differs by snapshot schedule: %v vs %v", states[0].State["value"], states[1].State["value"])
	}
	if states[0].Seq != states[1].Seq {
		t.Errorf("seq differs by snapshot schedule: %d vs %d", states[0].Seq, states[1].Seq)
	}
}

func TestInvalidSnapshotDiscarded(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{SnapshotInterval: 2})

	base := time.Now().UTC()
	for i := 1; i <= 4; i++ {
		l.Append(ctx, writeEvent("a1", "k", fmt.Sprintf("v%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	// Corrupt the checksum so the snapshot can no longer be reconciled.
	if _, err := l.db.Exec(`UPDATE snapshots SET checksum = 'bogus' WHERE aggregate_id = 'a1'`); err != nil {
		t.Fatalf("corrupt snapshot: %v", err)
	}

	state, err := l.Replay(ctx, "a1", time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if state.State["value"] != "v4" {
		t.Errorf("expected v4 from full replay, got %v", state.State["value"])
	}

	seqs, _ := l.Snapshots(ctx, "a1")
	if len(seqs) != 0 {
		t.Errorf("invalid snapshots should be deleted, got %v", seqs)
	}
}

func TestConcurrentAppendsDistinctAggregates(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	const perAgg = 20
	var wg sync.WaitGroup
	errs := make(chan error, 5*perAgg)
	for a := 0; a < 5; a++ {
		agg := fmt.Sprintf("agg-%d", a)
		wg.Add(1)
		go func() {
			defer wg.Done()
			base := time.Now().UTC()
			for i := 0; i < perAgg; i++ {
				_, err := l.Append(ctx, writeEvent(agg, "k", fmt.Sprintf("v%d", i), base.Add(time.Duration(i)*time.Millisecond)))
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	for a := 0; a < 5; a++ {
		agg := fmt.Sprintf("agg-%d", a)
		events, err := l.Events(ctx, agg, time.Time{})
		if err != nil {
			t.Fatalf("events %s: %v", agg, err)
		}
		if len(events) != perAgg {
			t.Fatalf("%s: expected %d events, got %d", agg, perAgg, len(events))
		}
		for i, ev := range events {
			if ev.Seq != uint64(i+1) {
				t.Errorf("%s event %d: seq %d", agg, i, ev.Seq)
			}
			if ev.Payload["value"] != fmt.Sprintf("v%d", i) {
				t.Errorf("%s: order does not match call order at %d", agg, i)
			}
		}
	}
}

func TestTombstone(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	base := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		ev := writeEvent("a1", "k", fmt.Sprintf("secret%d", i), base.Add(time.Duration(i)*time.Second))
		ev.SubjectID = "u1"
		ev.PII = true
		l.Append(ctx, ev)
	}

	n, err := l.Tombstone(ctx, "u1", map[string]any{"redacted": true})
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 tombstoned events, got %d", n)
	}

	events, _ := l.Events(ctx, "a1", time.Time{})
	if len(events) != 5 {
		t.Fatalf("tombstoning must preserve structure, got %d events", len(events))
	}
	for _, ev := range events {
		if !ev.Redacted {
			t.Errorf("event %d not redacted", ev.Seq)
		}
		if v, ok := ev.Payload["value"]; ok && v != nil {
			t.Errorf("event %d still carries payload value %v", ev.Seq, v)
		}
	}

	// Idempotent: already-redacted rows are left alone.
	n2, _ := l.Tombstone(ctx, "u1", map[string]any{"redacted": true})
	if n2 != 0 {
		t.Errorf("second tombstone touched %d rows", n2)
	}
}

func TestEventsByTypeAndActor(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	base := time.Now().UTC()
	l.Append(ctx, writeEvent("a1", "k", "v", base))
	ev := writeEvent("a2", "k", "v", base)
	ev.Actor = "alice"
	l.Append(ctx, ev)
	l.Append(ctx, model.Event{
		Timestamp: base.Add(time.Second), Type: model.EventMemoryDelete,
		AggregateID: "a1", Actor: "alice",
	})

	writes, err := l.EventsByType(ctx, model.EventMemoryWrite, 10)
	if err != nil {
		t.Fatalf("by type: %v", err)
	}
	if len(writes) != 2 {
		t.Errorf("expected 2 writes, got %d", len(writes))
	}

	byAlice, err := l.EventsByActor(ctx, "alice", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("by actor: %v", err)
	}
	if len(byAlice) != 2 {
		t.Errorf("expected 2 events by alice, got %d", len(byAlice))
	}
}

func TestTimestampBoundaries(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, Options{})

	// Fractional seconds with trailing zeros are the hazard: stored strings
	// must order lexicographically regardless of fractional digit count.
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if _, err := l.Append(ctx, writeEvent("a1", "k", "v1", base.Add(500*time.Millisecond))); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := l.Events(ctx, "a1", base.Add(510*time.Millisecond))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("event at .500 not visible at upto=.510: got %d events", len(events))
	}

	// A whole-second bound before the event must not see it.
	events, err = l.Events(ctx, "a1", base)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("event at .500 leaked into upto=.000 window: %d events", len(events))
	}
	state, err := l.Replay(ctx, "a1", base)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if _, ok := state.State["value"]; ok || state.Seq != 0 {
		t.Errorf("replay at whole-second bound sees future event: %+v", state)
	}

	// Inclusive at the exact event timestamp.
	state, err = l.Replay(ctx, "a1", base.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if state.State["value"] != "v1" {
		t.Errorf("replay at event timestamp should include it: %+v", state)
	}
}
