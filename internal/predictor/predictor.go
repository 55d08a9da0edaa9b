// Package predictor estimates future access probability from observed
// access history. It is isolated behind Observe/Predict so the scoring
// method is swappable and never a correctness dependency.
package predictor

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultHistoryLen bounds the global access window the predictor
	// reasons over.
	DefaultHistoryLen = 512

	// binCount is how many time bins a key's access vector spans.
	binCount = 16

	// recencyHalfLife controls how fast the recency score decays.
	recencyHalfLife = 10 * time.Minute
)

type access struct {
	key string
	ts  time.Time
}

// Predictor scores keys by similarity between their recent access windows.
// All scoring is deterministic and strictly historical: PredictAt never
// consults observations at or after its asOf bound.
type Predictor struct {
	mu      sync.Mutex
	history []access
	max     int
}

// New creates a predictor with the given history length (0 = default).
func New(historyLen int) *Predictor {
	if historyLen <= 0 {
		historyLen = DefaultHistoryLen
	}
	return &Predictor{max: historyLen}
}

// Observe records an access at the given time.
func (p *Predictor) Observe(key string, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, access{key: key, ts: ts})
	if len(p.history) > p.max {
		p.history = p.history[len(p.history)-p.max:]
	}
}

// Predict returns the probability in [0,1] that key is accessed again soon,
// judged against all recorded history.
func (p *Predictor) Predict(key string) float64 {
	return p.PredictAt(key, time.Now().Add(time.Nanosecond))
}

// PredictAt is Predict bounded to observations strictly before asOf. No
// future information leaks into the score.
func (p *Predictor) PredictAt(key string, asOf time.Time) float64 {
	p.mu.Lock()
	hist := p.window(asOf)
	p.mu.Unlock()

	if len(hist) == 0 {
		return 0
	}

	var count int
	var last time.Time
	for _, a := range hist {
		if a.key == key {
			count++
			if a.ts.After(last) {
				last = a.ts
			}
		}
	}

	freq := float64(count) / 10
	if freq > 1 {
		freq = 1
	}

	recency := 0.0
	if count > 0 {
		age := asOf.Sub(last)
		recency = math.Exp(-math.Ln2 * age.Seconds() / recencyHalfLife.Seconds())
	}

	sim := p.neighborSimilarity(key, hist)

	score := 0.4*freq + 0.3*recency + 0.3*sim
	return clamp01(score)
}

// Next returns up to n keys that most often follow key in the access
// sequence before asOf, best first. Used for prefetch.
func (p *Predictor) Next(key string, n int, asOf time.Time) []string {
	p.mu.Lock()
	hist := p.window(asOf)
	p.mu.Unlock()

	counts := map[string]int{}
	for i := 0; i+1 < len(hist); i++ {
		if hist[i].key == key && hist[i+1].key != key {
			counts[hist[i+1].key]++
		}
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// window copies the history strictly before asOf. Called under p.mu.
func (p *Predictor) window(asOf time.Time) []access {
	out := make([]access, 0, len(p.history))
	for _, a := range p.history {
		if a.ts.Before(asOf) {
			out = append(out, a)
		}
	}
	return out
}

// neighborSimilarity is the max cosine similarity between key's binned
// access vector and any other key's vector over the same span.
func (p *Predictor) neighborSimilarity(key string, hist []access) float64 {
	if len(hist) < 2 {
		return 0
	}
	start := hist[0].ts
	span := hist[len(hist)-1].ts.Sub(start)
	if span <= 0 {
		span = time.Nanosecond
	}

	vecs := map[string][]float64{}
	for _, a := range hist {
		v, ok := vecs[a.key]
		if !ok {
			v = make([]float64, binCount)
			vecs[a.key] = v
		}
		bin := int(float64(a.ts.Sub(start)) / float64(span) * float64(binCount))
		if bin >= binCount {
			bin = binCount - 1
		}
		v[bin]++
	}

	self, ok := vecs[key]
	if !ok {
		return 0
	}
	best := 0.0
	for k, v := range vecs {
		if k == key {
			continue
		}
		if s := cosine(self, v); s > best {
			best = s
		}
	}
	return best
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
