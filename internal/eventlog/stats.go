package eventlog

import (
	"context"
	"os"
)

// Stats holds log-level statistics.
type Stats struct {
	DBPath      string          `json:"db_path"`
	DBSizeBytes int64           `json:"db_size_bytes"`
	Events      int             `json:"events"`
	Redacted    int             `json:"redacted"`
	Snapshots   int             `json:"snapshots"`
	Aggregates  []AggregateInfo `json:"aggregates"`
}

// AggregateInfo holds per-aggregate counts.
type AggregateInfo struct {
	AggregateID string `json:"aggregate_id"`
	Events      int    `json:"events"`
}

// Stats returns log statistics.
func (l *Log) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.Events)
	l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE redacted = 1`).Scan(&st.Redacted)
	l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&st.Snapshots)

	rows, err := l.db.QueryContext(ctx, `
		SELECT aggregate_id, COUNT(*) as cnt
		FROM events GROUP BY aggregate_id ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var a AggregateInfo
		rows.Scan(&a.AggregateID, &a.Events)
		st.Aggregates = append(st.Aggregates, a)
	}

	return st, nil
}
