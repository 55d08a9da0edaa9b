// Package privacy implements consent management and data-subject rights:
// access, rectification support, and erasure that the log and tiers honor
// without losing replay determinism.
package privacy

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/memledger/memledger/internal/cache"
	"github.com/memledger/memledger/internal/eventlog"
	"github.com/memledger/memledger/internal/model"
	"github.com/memledger/memledger/internal/tier"
)

// Invalidator is the slice of the cache the privacy layer needs for
// erasure.
type Invalidator interface {
	InvalidateFunc(match func(key string) bool)
}

// Auditor records privacy operations.
type Auditor interface {
	Log(ctx context.Context, actor, action, resource, dataClass, purpose, outcome string)
}

// Layer gates PII-bearing operations on consent and drives erasure and
// export across the log and tiers.
type Layer struct {
	db    *sql.DB
	elog  *eventlog.Log
	tiers []tier.Tier
	cache Invalidator
	audit Auditor
	now   func() time.Time
}

// New creates the privacy layer. The consents table shares the event log's
// database.
func New(db *sql.DB, elog *eventlog.Log, tiers []tier.Tier, cache Invalidator, auditor Auditor) (*Layer, error) {
	l := &Layer{db: db, elog: elog, tiers: tiers, cache: cache, audit: auditor, now: time.Now}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate consents: %w", err)
	}
	return l, nil
}

func (l *Layer) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS consents (
		subject_id TEXT NOT NULL,
		purpose    TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		revoked_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_consents_subject ON consents(subject_id, purpose);
	`)
	return err
}

// Grant records consent for (subject, purpose). If an open grant already
// exists this is a no-op; after a revocation a fresh record is created,
// preserving the revoked one as history.
func (l *Layer) Grant(ctx context.Context, subjectID, purpose string) error {
	if subjectID == "" || purpose == "" {
		return &model.ValidationError{Reason: "subject and purpose are required"}
	}

	granted, err := l.IsGranted(ctx, subjectID, purpose)
	if err != nil {
		return err
	}
	if granted {
		return nil
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO consents (subject_id, purpose, granted_at) VALUES (?, ?, ?)`,
		subjectID, purpose, l.now().UTC().Format(model.TimeFormat))
	if err != nil {
		return fmt.Errorf("grant consent: %w", err)
	}
	return nil
}

// Revoke terminates the open grant for (subject, purpose). Revocation is
// terminal for that record.
func (l *Layer) Revoke(ctx context.Context, subjectID, purpose string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE consents SET revoked_at = ? WHERE subject_id = ? AND purpose = ? AND revoked_at IS NULL`,
		l.now().UTC().Format(model.TimeFormat), subjectID, purpose)
	if err != nil {
		return fmt.Errorf("revoke consent: %w", err)
	}
	return nil
}

// IsGranted reports whether an unrevoked grant exists for (subject,
// purpose).
func (l *Layer) IsGranted(ctx context.Context, subjectID, purpose string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM consents WHERE subject_id = ? AND purpose = ? AND revoked_at IS NULL`,
		subjectID, purpose).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Require returns ConsentRequiredError unless (subject, purpose) is in the
// granted state.
func (l *Layer) Require(ctx context.Context, subjectID, purpose string) error {
	ok, err := l.IsGranted(ctx, subjectID, purpose)
	if err != nil {
		return err
	}
	if !ok {
		return &model.ConsentRequiredError{SubjectID: subjectID, Purpose: purpose}
	}
	return nil
}

// Consents returns a subject's full consent history, including revoked
// records, oldest first.
func (l *Layer) Consents(ctx context.Context, subjectID string) ([]model.ConsentRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT subject_id, purpose, granted_at, revoked_at FROM consents
		 WHERE subject_id = ? ORDER BY granted_at`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.ConsentRecord
	for rows.Next() {
		var r model.ConsentRecord
		var granted string
		var revoked sql.NullString
		if err := rows.Scan(&r.SubjectID, &r.Purpose, &granted, &revoked); err != nil {
			return nil, err
		}
		r.GrantedAt, _ = time.Parse(time.RFC3339Nano, granted)
		if revoked.Valid {
			t, _ := time.Parse(time.RFC3339Nano, revoked.String)
			r.RevokedAt = &t
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// EraseResult summarizes a right-to-erasure run.
type EraseResult struct {
	SubjectID   string `json:"subject_id"`
	Tombstoned  int    `json:"tombstoned"`
	TierDeletes int    `json:"tier_deletes"`
	Aggregates  int    `json:"aggregates"`
}

// Erase implements the right to erasure. An Erasure event is appended to
// every aggregate holding the subject's data, prior payloads are reduced to
// tombstones in place (sequence numbers and structure preserved, so
// non-personal history stays time-travelable), tiers and cache are purged,
// and all consents are revoked.
func (l *Layer) Erase(ctx context.Context, subjectID, actor string) (*EraseResult, error) {
	res := &EraseResult{SubjectID: subjectID}

	aggs, err := l.elog.AggregatesForSubject(ctx, subjectID)
	if err != nil {
		l.audit.Log(ctx, actor, "erase", subjectID, "personal_data", "", "error")
		return nil, fmt.Errorf("find subject aggregates: %w", err)
	}
	res.Aggregates = len(aggs)

	for _, agg := range aggs {
		_, err := l.elog.Append(ctx, model.Event{
			Type:        model.EventErasure,
			AggregateID: agg,
			SubjectID:   subjectID,
			Actor:       actor,
			Payload:     map[string]any{"subject_id": subjectID},
		})
		if err != nil {
			l.audit.Log(ctx, actor, "erase", subjectID, "personal_data", "", "error")
			return nil, fmt.Errorf("append erasure for %q: %w", agg, err)
		}
	}

	res.Tombstoned, err = l.elog.Tombstone(ctx, subjectID, map[string]any{"redacted": true})
	if err != nil {
		l.audit.Log(ctx, actor, "erase", subjectID, "personal_data", "", "error")
		return nil, err
	}

	for _, t := range l.tiers {
		n, err := t.DeleteSubject(ctx, subjectID)
		if err != nil {
			// Tier purges are retried by reconciliation; the log is already
			// clean, which is what correctness rests on.
			log.Printf("[privacy] purge %s tier for %s: %v", t.Name(), subjectID, err)
			continue
		}
		res.TierDeletes += n
	}

	if l.cache != nil {
		erased := map[string]bool{}
		for _, agg := range aggs {
			erased[agg] = true
		}
		// Query-result entries may embed the subject's content under any
		// key, so they go too.
		l.cache.InvalidateFunc(func(key string) bool {
			return erased[key] || cache.IsQueryKey(key)
		})
	}

	if _, err := l.db.ExecContext(ctx,
		`UPDATE consents SET revoked_at = ? WHERE subject_id = ? AND revoked_at IS NULL`,
		l.now().UTC().Format(model.TimeFormat), subjectID); err != nil {
		return res, fmt.Errorf("revoke consents: %w", err)
	}

	l.audit.Log(ctx, actor, "erase", subjectID, "personal_data", "", "ok")
	return res, nil
}

// ExportEntry is one flattened, human-readable record in a subject export.
type ExportEntry struct {
	Timestamp   time.Time       `json:"timestamp"`
	AggregateID string          `json:"aggregate_id"`
	Type        model.EventType `json:"type"`
	Redacted    bool            `json:"redacted,omitempty"`
	Data        map[string]any  `json:"data,omitempty"`
	Purpose     string          `json:"purpose,omitempty"`
}

// Export implements the right of access: a flattened view of all non-erased
// data held about the subject, plus their consent history.
type Export struct {
	SubjectID  string                `json:"subject_id"`
	ExportedAt time.Time             `json:"exported_at"`
	Consents   []model.ConsentRecord `json:"consents"`
	Entries    []ExportEntry         `json:"entries"`
}

// Export assembles the subject's data.
func (l *Layer) Export(ctx context.Context, subjectID, actor string) (*Export, error) {
	events, err := l.elog.EventsBySubject(ctx, subjectID)
	if err != nil {
		l.audit.Log(ctx, actor, "export", subjectID, "personal_data", "", "error")
		return nil, err
	}
	consents, err := l.Consents(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	out := &Export{
		SubjectID:  subjectID,
		ExportedAt: l.now().UTC(),
		Consents:   consents,
		Entries:    []ExportEntry{},
	}
	for _, ev := range events {
		entry := ExportEntry{
			Timestamp:   ev.Timestamp,
			AggregateID: ev.AggregateID,
			Type:        ev.Type,
			Redacted:    ev.Redacted,
			Purpose:     ev.Metadata["purpose"],
		}
		if !ev.Redacted {
			entry.Data = ev.Payload
		}
		out.Entries = append(out.Entries, entry)
	}

	l.audit.Log(ctx, actor, "export", subjectID, "personal_data", "", "ok")
	return out, nil
}
