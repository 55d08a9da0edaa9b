// Package eventlog provides the append-only event log and snapshot store
// backed by SQLite.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/memledger/memledger/internal/model"
)

// DefaultSnapshotInterval is how many events per aggregate trigger a
// snapshot.
const DefaultSnapshotInterval = 100

// Subscriber receives committed events, synchronously and in log order.
// Slow subscribers must buffer internally; the log never blocks on them
// beyond the handler call itself.
type Subscriber func(ev model.Event)

// Log is the append-only, per-aggregate ordered event log. It is the only
// system of record; everything else is derived from it.
type Log struct {
	db               *sql.DB
	snapshotInterval int

	mu      sync.Mutex
	entropy *rand.Rand
	aggs    map[string]*aggState
	subs    []subscription
}

type aggState struct {
	mu     sync.Mutex
	seq    uint64
	lastTS time.Time
	loaded bool
}

type subscription struct {
	pred    func(ev model.Event) bool
	handler Subscriber
}

// Options configures the log.
type Options struct {
	SnapshotInterval int
}

// Open opens or creates the event log database at the given path.
func Open(dbPath string, opts Options) (*Log, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}

	l := &Log{
		db:               db,
		snapshotInterval: interval,
		entropy:          rand.New(rand.NewSource(time.Now().UnixNano())),
		aggs:             make(map[string]*aggState),
	}

	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return l, nil
}

// DB exposes the underlying handle so sibling components (audit, consent)
// can share the same database file.
func (l *Log) DB() *sql.DB { return l.db }

// NewID returns a fresh ULID. Callers may pre-assign event ids when they
// need the id before the append commits.
func (l *Log) NewID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy).String()
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		aggregate_id TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		event_id     TEXT NOT NULL UNIQUE,
		ts           TEXT NOT NULL,
		type         TEXT NOT NULL,
		payload      TEXT,
		actor        TEXT NOT NULL,
		metadata     TEXT,
		pii          INTEGER NOT NULL DEFAULT 0,
		subject_id   TEXT,
		redacted     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (aggregate_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(aggregate_id, ts);
	CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor);

	CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_id TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		state        TEXT NOT NULL,
		checksum     TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (aggregate_id, seq)
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *Log) agg(id string) *aggState {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.aggs[id]
	if !ok {
		a = &aggState{}
		l.aggs[id] = a
	}
	return a
}

// load reads the tail position of an aggregate from the database. Called
// under the aggregate lock.
func (a *aggState) load(ctx context.Context, db *sql.DB, id string) error {
	if a.loaded {
		return nil
	}
	var seq uint64
	var ts string
	err := db.QueryRowContext(ctx,
		`SELECT seq, ts FROM events WHERE aggregate_id = ? ORDER BY seq DESC LIMIT 1`,
		id).Scan(&seq, &ts)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		a.seq = seq
		a.lastTS, _ = time.Parse(time.RFC3339Nano, ts)
	}
	a.loaded = true
	return nil
}

// Append commits the event and returns its per-aggregate sequence number.
// Appends to distinct aggregates proceed independently; appends to the same
// aggregate are totally ordered and match call order. Subscribers run
// synchronously after commit, in log order.
func (l *Log) Append(ctx context.Context, ev model.Event) (uint64, error) {
	if ev.AggregateID == "" {
		return 0, &model.ValidationError{Reason: "missing aggregate_id"}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = l.NewID()
	}

	a := l.agg(ev.AggregateID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.load(ctx, l.db, ev.AggregateID); err != nil {
		return 0, fmt.Errorf("load aggregate tail: %w", err)
	}
	if a.seq > 0 && ev.Timestamp.Before(a.lastTS) {
		return 0, &model.ValidationError{Reason: fmt.Sprintf(
			"timestamp %s precedes last event at %s for aggregate %q",
			ev.Timestamp.Format(model.TimeFormat), a.lastTS.Format(model.TimeFormat), ev.AggregateID)}
	}

	ev.Seq = a.seq + 1

	payload, _ := json.Marshal(ev.Payload)
	meta, _ := json.Marshal(ev.Metadata)

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (aggregate_id, seq, event_id, ts, type, payload, actor, metadata, pii, subject_id, redacted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		ev.AggregateID, ev.Seq, ev.ID, ev.Timestamp.UTC().Format(model.TimeFormat),
		string(ev.Type), string(payload), ev.Actor, string(meta), boolInt(ev.PII), ev.SubjectID)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	a.seq = ev.Seq
	a.lastTS = ev.Timestamp

	l.publish(ev)

	if ev.Seq%uint64(l.snapshotInterval) == 0 {
		// Best-effort: losing a snapshot only costs replay speed.
		if err := l.createSnapshot(ctx, ev.AggregateID, ev.Seq, ev.ID); err != nil {
			fmt.Fprintf(os.Stderr, "[eventlog] snapshot %s@%d: %v\n", ev.AggregateID, ev.Seq, err)
		}
	}

	return ev.Seq, nil
}

func (l *Log) publish(ev model.Event) {
	l.mu.Lock()
	subs := make([]subscription, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, s := range subs {
		if s.pred == nil || s.pred(ev) {
			s.handler(ev)
		}
	}
}

// Subscribe registers a listener for committed events matching pred (nil
// matches everything).
func (l *Log) Subscribe(pred func(ev model.Event) bool, handler Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, subscription{pred: pred, handler: handler})
}

// Events returns the ordered events for an aggregate, optionally bounded by
// upto (inclusive; zero means no bound).
func (l *Log) Events(ctx context.Context, aggregateID string, upto time.Time) ([]model.Event, error) {
	query := `SELECT aggregate_id, seq, event_id, ts, type, payload, actor, metadata, pii, subject_id, redacted
	          FROM events WHERE aggregate_id = ?`
	args := []any{aggregateID}
	if !upto.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, upto.UTC().Format(model.TimeFormat))
	}
	query += ` ORDER BY seq`
	return l.queryEvents(ctx, query, args...)
}

// EventsBySubject returns all events referencing a data subject, in ULID
// (commit wall-clock) order across aggregates.
func (l *Log) EventsBySubject(ctx context.Context, subjectID string) ([]model.Event, error) {
	return l.queryEvents(ctx,
		`SELECT aggregate_id, seq, event_id, ts, type, payload, actor, metadata, pii, subject_id, redacted
		 FROM events WHERE subject_id = ? ORDER BY event_id`, subjectID)
}

// EventsByType returns the most recent events of a type, oldest first.
func (l *Log) EventsByType(ctx context.Context, t model.EventType, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	evs, err := l.queryEvents(ctx,
		`SELECT aggregate_id, seq, event_id, ts, type, payload, actor, metadata, pii, subject_id, redacted
		 FROM events WHERE type = ? ORDER BY event_id DESC LIMIT ?`, string(t), limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs, nil
}

// EventsByActor returns events created by actor within the given range
// (zero bounds are open).
func (l *Log) EventsByActor(ctx context.Context, actor string, from, to time.Time) ([]model.Event, error) {
	query := `SELECT aggregate_id, seq, event_id, ts, type, payload, actor, metadata, pii, subject_id, redacted
	          FROM events WHERE actor = ?`
	args := []any{actor}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, from.UTC().Format(model.TimeFormat))
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, to.UTC().Format(model.TimeFormat))
	}
	query += ` ORDER BY event_id`
	return l.queryEvents(ctx, query, args...)
}

// Aggregates lists all aggregate IDs present in the log.
func (l *Log) Aggregates(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT aggregate_id FROM events ORDER BY aggregate_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AggregatesForSubject lists aggregates containing events about a subject.
func (l *Log) AggregatesForSubject(ctx context.Context, subjectID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT aggregate_id FROM events WHERE subject_id = ? ORDER BY aggregate_id`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LastSeq returns the current sequence number of an aggregate (0 if none).
func (l *Log) LastSeq(ctx context.Context, aggregateID string) (uint64, error) {
	a := l.agg(aggregateID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.load(ctx, l.db, aggregateID); err != nil {
		return 0, err
	}
	return a.seq, nil
}

// Tombstone replaces the payload of every non-erasure event about a subject
// with the given redacted payload, in place. Sequence numbers, types and
// structure are preserved so replay stays deterministic.
func (l *Log) Tombstone(ctx context.Context, subjectID string, payload map[string]any) (int, error) {
	b, _ := json.Marshal(payload)
	res, err := l.db.ExecContext(ctx,
		`UPDATE events SET payload = ?, pii = 0, redacted = 1
		 WHERE subject_id = ? AND type != ? AND redacted = 0`,
		string(b), subjectID, string(model.EventErasure))
	if err != nil {
		return 0, fmt.Errorf("tombstone: %w", err)
	}
	n, _ := res.RowsAffected()

	// Snapshots cut before the erasure still hold the original payloads.
	_, err = l.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id IN
		   (SELECT DISTINCT aggregate_id FROM events WHERE subject_id = ?)`, subjectID)
	if err != nil {
		return int(n), fmt.Errorf("drop snapshots: %w", err)
	}
	return int(n), nil
}

func (l *Log) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.Event, error) {
	var ev model.Event
	var ts, typ string
	var payload, meta, subject sql.NullString
	var pii, redacted int

	err := row.Scan(&ev.AggregateID, &ev.Seq, &ev.ID, &ts, &typ,
		&payload, &ev.Actor, &meta, &pii, &subject, &redacted)
	if err != nil {
		return ev, err
	}

	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	ev.Type = model.EventType(typ)
	ev.PII = pii != 0
	ev.Redacted = redacted != 0
	if subject.Valid {
		ev.SubjectID = subject.String
	}
	if payload.Valid && payload.String != "" && payload.String != "null" {
		json.Unmarshal([]byte(payload.String), &ev.Payload)
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		json.Unmarshal([]byte(meta.String), &ev.Metadata)
	}
	return ev, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
