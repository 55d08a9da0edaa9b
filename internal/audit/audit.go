// Package audit records every memory access for compliance, enforcing
// retention and anonymization independently of the read path.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memledger/memledger/internal/eventlog"
	"github.com/memledger/memledger/internal/model"
)

// Record is one audit entry. Identifying fields (Actor, Resource) are
// replaced by a one-way hash once the entry outlives its retention period;
// the rest stays for aggregate statistics.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	DataClass  string    `json:"data_class"`
	Purpose    string    `json:"purpose"`
	Outcome    string    `json:"outcome"`
	Anonymized bool      `json:"anonymized"`
}

// Trail is the audit log. It subscribes to the event log through a buffered
// channel so a slow disk never blocks the appender, and records direct
// operation outcomes regardless of success.
type Trail struct {
	db        *sql.DB
	retention model.RetentionPolicy
	now       func() time.Time

	events chan model.Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// New creates the trail over the given database handle (shared with the
// event log) and wires it into the log's subscription feed.
func New(db *sql.DB, elog *eventlog.Log, retention model.RetentionPolicy) (*Trail, error) {
	if retention == nil {
		retention = model.DefaultRetention()
	}
	t := &Trail{
		db:        db,
		retention: retention,
		now:       time.Now,
		events:    make(chan model.Event, 256),
		done:      make(chan struct{}),
	}
	if err := t.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit: %w", err)
	}

	if elog != nil {
		elog.Subscribe(nil, t.enqueue)
	}

	t.wg.Add(1)
	go t.consume()
	return t, nil
}

func (t *Trail) migrate() error {
	_, err := t.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		ts         TEXT NOT NULL,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		resource   TEXT NOT NULL,
		data_class TEXT NOT NULL,
		purpose    TEXT,
		outcome    TEXT NOT NULL,
		anonymized INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_log(resource);
	`)
	return err
}

// enqueue buffers a committed event for asynchronous recording. Dropping
// under sustained pressure is preferable to stalling the appender.
func (t *Trail) enqueue(ev model.Event) {
	select {
	case t.events <- ev:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
	}
}

func (t *Trail) consume() {
	defer t.wg.Done()
	for {
		select {
		case ev := <-t.events:
			t.recordEvent(ev)
		case <-t.done:
			for {
				select {
				case ev := <-t.events:
					t.recordEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Trail) recordEvent(ev model.Event) {
	class := "system_logs"
	if ev.PII {
		class = "personal_data"
	}
	rec := Record{
		ID:        uuid.NewString(),
		Timestamp: ev.Timestamp,
		Actor:     ev.Actor,
		Action:    "event:" + string(ev.Type),
		Resource:  ev.AggregateID,
		DataClass: class,
		Purpose:   ev.Metadata["purpose"],
		Outcome:   "committed",
	}
	if err := t.insert(context.Background(), rec); err != nil {
		log.Printf("[audit] record event %s: %v", ev.ID, err)
	}
}

// Log records an operation outcome. Called for every remember, recall and
// erase regardless of how it ended.
func (t *Trail) Log(ctx context.Context, actor, action, resource, dataClass, purpose, outcome string) {
	if dataClass == "" {
		dataClass = "system_logs"
	}
	rec := Record{
		ID:        uuid.NewString(),
		Timestamp: t.now().UTC(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		DataClass: dataClass,
		Purpose:   purpose,
		Outcome:   outcome,
	}
	if err := t.insert(ctx, rec); err != nil {
		log.Printf("[audit] record %s %s: %v", action, resource, err)
	}
}

// insert retries on a busy database: audit records must land regardless of
// what else is holding the write lock.
func (t *Trail) insert(ctx context.Context, r Record) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		_, err = t.db.ExecContext(ctx,
			`INSERT INTO audit_log (id, ts, actor, action, resource, data_class, purpose, outcome, anonymized)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Timestamp.UTC().Format(model.TimeFormat), r.Actor, r.Action,
			r.Resource, r.DataClass, r.Purpose, r.Outcome, boolInt(r.Anonymized))
		if err == nil || !strings.Contains(err.Error(), "SQLITE_BUSY") {
			return err
		}
	}
	return err
}

// History returns audit records for a resource inside the given range
// (zero bounds are open), oldest first.
func (t *Trail) History(ctx context.Context, resource string, from, to time.Time) ([]Record, error) {
	query := `SELECT id, ts, actor, action, resource, data_class, purpose, outcome, anonymized
	          FROM audit_log WHERE resource = ?`
	args := []any{resource}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, from.UTC().Format(model.TimeFormat))
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, to.UTC().Format(model.TimeFormat))
	}
	query += ` ORDER BY ts`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ApplyRetention anonymizes identifying fields of records older than their
// data class allows. Records are never deleted; non-identifying statistics
// survive. Idempotent: already-anonymized records are untouched. Failures
// are logged and retried on the next pass.
func (t *Trail) ApplyRetention(ctx context.Context) (int, error) {
	now := t.now().UTC()
	total := 0
	var firstErr error

	for class, maxAge := range t.retention {
		cutoff := now.Add(-maxAge).Format(model.TimeFormat)
		rows, err := t.db.QueryContext(ctx,
			`SELECT id, ts, actor, action, resource, data_class, purpose, outcome, anonymized
			 FROM audit_log WHERE data_class = ? AND anonymized = 0 AND ts < ?`,
			class, cutoff)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Printf("[audit] retention scan %s: %v", class, err)
			continue
		}

		var expired []Record
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return total, err
			}
			expired = append(expired, r)
		}
		rows.Close()

		for _, r := range expired {
			a := Anonymize(r)
			_, err := t.db.ExecContext(ctx,
				`UPDATE audit_log SET actor = ?, resource = ?, anonymized = 1 WHERE id = ?`,
				a.Actor, a.Resource, a.ID)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				log.Printf("[audit] anonymize %s: %v", r.ID, err)
				continue
			}
			total++
		}
	}
	return total, firstErr
}

// Anonymize replaces identifying fields with a deterministic one-way hash.
// Applying it twice yields the same record.
func Anonymize(r Record) Record {
	if r.Anonymized {
		return r
	}
	r.Actor = HashIdentifier(r.Actor)
	r.Resource = HashIdentifier(r.Resource)
	r.Anonymized = true
	return r
}

// HashIdentifier is the one-way deterministic hash used for anonymization.
func HashIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}

// Dropped reports how many subscribed events were shed under backpressure.
func (t *Trail) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close drains the subscription buffer and stops the consumer.
func (t *Trail) Close() {
	close(t.done)
	t.wg.Wait()
}

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var r Record
	var ts string
	var purpose sql.NullString
	var anon int
	err := row.Scan(&r.ID, &ts, &r.Actor, &r.Action, &r.Resource, &r.DataClass, &purpose, &r.Outcome, &anon)
	if err != nil {
		return r, err
	}
	r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	r.Purpose = purpose.String
	r.Anonymized = anon != 0
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
