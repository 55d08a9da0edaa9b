package tier

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/memledger/memledger/internal/chunker"
	"github.com/memledger/memledger/internal/embedding"
	"github.com/memledger/memledger/internal/model"
)

// LongTerm is the vector-indexed tier. Values are chunked and embedded into
// an embedded chromem collection; items themselves live in a side index so
// reads never depend on the vector path.
type LongTerm struct {
	mu       sync.RWMutex
	items    map[string]model.MemoryItem
	db       *chromem.DB
	col      *chromem.Collection
	embedder embedding.Embedder
}

// NewLongTerm creates the long-term tier over the injected embedder.
func NewLongTerm(embedder embedding.Embedder) (*LongTerm, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection("memories", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &LongTerm{
		items:    make(map[string]model.MemoryItem),
		db:       db,
		col:      col,
		embedder: embedder,
	}, nil
}

func (l *LongTerm) Name() string { return model.TierLongTerm }

func (l *LongTerm) Put(ctx context.Context, item model.MemoryItem) error {
	item.Tier = model.TierLongTerm

	chunks := chunker.Chunk(item.Value, chunker.DefaultOptions())
	docs := make([]chromem.Document, 0, len(chunks))
	for i, c := range chunks {
		vec, err := l.embedder.Embed(ctx, c.Text)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", i, err)
		}
		docs = append(docs, chromem.Document{
			ID:        item.Key + "#" + strconv.Itoa(i),
			Content:   c.Text,
			Embedding: vec,
			Metadata: map[string]string{
				"key":        item.Key,
				"subject_id": item.SubjectID,
			},
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Replace any previous chunks for this key.
	if _, exists := l.items[item.Key]; exists {
		if err := l.col.Delete(ctx, map[string]string{"key": item.Key}, nil); err != nil {
			return fmt.Errorf("delete stale chunks: %w", err)
		}
	}
	for _, doc := range docs {
		if err := l.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document: %w", err)
		}
	}
	l.items[item.Key] = item
	return nil
}

func (l *LongTerm) Get(ctx context.Context, key string) (model.MemoryItem, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.items[key]
	return item, ok, nil
}

// Search embeds the query and runs top-k cosine similarity, merging chunk
// hits so each key appears once at its best score.
func (l *LongTerm) Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}

	vec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// chromem rejects nResults larger than the collection; walk the limit
	// down rather than failing an otherwise valid search.
	var results []chromem.Result
	for n := limit * 2; n >= 1; n-- {
		results, err = l.col.QueryEmbedding(ctx, vec, n, nil, nil)
		if err == nil {
			break
		}
		if strings.Contains(err.Error(), "nResults") {
			if n == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("vector query: %w", err)
	}

	best := map[string]float64{}
	for _, r := range results {
		key := r.Metadata["key"]
		score := float64(r.Similarity)
		if score > best[key] {
			best[key] = score
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	hits := make([]model.SearchHit, 0, len(best))
	for key, score := range best {
		item, ok := l.items[key]
		if !ok {
			continue
		}
		hits = append(hits, model.SearchHit{Item: item, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Item.Key < hits[j].Item.Key
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (l *LongTerm) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[key]; !ok {
		return nil
	}
	delete(l.items, key)
	return l.col.Delete(ctx, map[string]string{"key": key}, nil)
}

func (l *LongTerm) DeleteSubject(ctx context.Context, subjectID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var doomed []string
	for k, item := range l.items {
		if item.SubjectID == subjectID {
			doomed = append(doomed, k)
		}
	}
	for _, k := range doomed {
		delete(l.items, k)
	}
	if len(doomed) > 0 {
		if err := l.col.Delete(ctx, map[string]string{"subject_id": subjectID}, nil); err != nil {
			return len(doomed), fmt.Errorf("delete subject chunks: %w", err)
		}
	}
	return len(doomed), nil
}

func (l *LongTerm) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}
