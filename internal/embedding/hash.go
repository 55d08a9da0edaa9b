package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// DefaultHashDims is the vector size of the local hash embedder.
const DefaultHashDims = 64

// HashEmbedder maps text to a deterministic unit vector by hashing word
// tokens into buckets. It needs no external service; similar bags of words
// land close together, which is enough for tests and for deployments
// without an embedding provider.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a local deterministic embedder.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	vec := make(Vector, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		bucket := int(binary.BigEndian.Uint32(sum[:4])) % e.dims
		if bucket < 0 {
			bucket += e.dims
		}
		sign := float32(1)
		if sum[4]&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

func (e *HashEmbedder) Dims() int { return e.dims }
