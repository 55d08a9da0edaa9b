// Package tier implements the memory hierarchy: short-term, long-term
// vector-indexed, and shared cross-agent storage. Tiers hold derived state
// reconciled from the event log and are never the system of record.
package tier

import (
	"context"

	"github.com/memledger/memledger/internal/model"
)

// Tier is one layer of the memory hierarchy. Implementations are safe for
// concurrent use. Every operation takes a context; the manager wraps each
// call in its own timeout and falls through the chain on expiry.
type Tier interface {
	Name() string

	// Put stores or replaces an item.
	Put(ctx context.Context, item model.MemoryItem) error

	// Get returns an item by key.
	Get(ctx context.Context, key string) (model.MemoryItem, bool, error)

	// Search returns up to limit items matching the query, best first.
	Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error)

	// Delete removes an item by key, if present.
	Delete(ctx context.Context, key string) error

	// DeleteSubject removes every item belonging to a data subject and
	// returns how many were dropped.
	DeleteSubject(ctx context.Context, subjectID string) (int, error)

	// Len reports how many items the tier currently holds.
	Len() int
}
