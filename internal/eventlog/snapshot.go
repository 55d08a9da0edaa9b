package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memledger/memledger/internal/model"
)

// createSnapshot materializes the aggregate at seq and stores it. The event
// ID at seq is kept as a checksum; a snapshot the log can no longer vouch
// for is discarded on load.
func (l *Log) createSnapshot(ctx context.Context, aggregateID string, seq uint64, checksum string) error {
	state, err := l.ReplayFull(ctx, aggregateID, time.Time{})
	if err != nil {
		return err
	}
	if state.Seq < seq {
		return fmt.Errorf("aggregate %q at seq %d, wanted %d", aggregateID, state.Seq, seq)
	}

	b, err := json.Marshal(state.State)
	if err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (aggregate_id, seq, state, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		aggregateID, state.Seq, string(b), checksum, time.Now().UTC().Format(model.TimeFormat))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// NearestSnapshot returns the most recent valid snapshot whose position is
// at or before upto (zero upto means any). Invalid snapshots — ones whose
// checksum event is gone or moved — are deleted and skipped.
func (l *Log) NearestSnapshot(ctx context.Context, aggregateID string, upto time.Time) (*model.Snapshot, error) {
	query := `SELECT s.aggregate_id, s.seq, s.state, s.checksum, s.created_at
	          FROM snapshots s
	          JOIN events e ON e.aggregate_id = s.aggregate_id AND e.seq = s.seq`
	args := []any{}
	where := ` WHERE s.aggregate_id = ?`
	args = append(args, aggregateID)
	if !upto.IsZero() {
		where += ` AND e.ts <= ?`
		args = append(args, upto.UTC().Format(model.TimeFormat))
	}
	query += where + ` ORDER BY s.seq DESC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invalid []uint64
	var found *model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		var stateJSON, createdAt string
		if err := rows.Scan(&snap.AggregateID, &snap.Seq, &stateJSON, &snap.Checksum, &createdAt); err != nil {
			return nil, err
		}
		snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		ok, err := l.verifySnapshot(ctx, &snap)
		if err != nil {
			return nil, err
		}
		if !ok {
			invalid = append(invalid, snap.Seq)
			continue
		}
		if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
			invalid = append(invalid, snap.Seq)
			continue
		}
		found = &snap
		break
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, seq := range invalid {
		l.db.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_id = ? AND seq = ?`, aggregateID, seq)
	}
	return found, nil
}

// verifySnapshot checks that the event the snapshot was cut at still exists
// unchanged at that position.
func (l *Log) verifySnapshot(ctx context.Context, snap *model.Snapshot) (bool, error) {
	var eventID string
	err := l.db.QueryRowContext(ctx,
		`SELECT event_id FROM events WHERE aggregate_id = ? AND seq = ?`,
		snap.AggregateID, snap.Seq).Scan(&eventID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return eventID == snap.Checksum, nil
}

// Snapshots returns the snapshot positions recorded for an aggregate.
func (l *Log) Snapshots(ctx context.Context, aggregateID string) ([]uint64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq FROM snapshots WHERE aggregate_id = ? ORDER BY seq`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []uint64
	for rows.Next() {
		var s uint64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

// DropSnapshots discards all snapshots for an aggregate. They are advisory
// and regenerate on the next interval boundary.
func (l *Log) DropSnapshots(ctx context.Context, aggregateID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_id = ?`, aggregateID)
	return err
}
