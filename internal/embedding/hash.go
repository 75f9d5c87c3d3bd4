package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashBackend embeds text by hashing lowercase word unigrams and bigrams into a
// fixed number of buckets and L2-normalising. It needs no model server, so it
// backs offline runs and tests. Texts sharing vocabulary score higher.
type HashBackend struct {
	dims int
}

func NewHashBackend(dims int) *HashBackend {
	return &HashBackend{dims: dims}
}

func (h *HashBackend) Model() string   { return "hash-bow" }
func (h *HashBackend) Dimensions() int { return h.dims }

func (h *HashBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embedOne(t)
	}
	return out, nil
}

func (h *HashBackend) embedOne(text string) []float32 {
	v := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	add := func(token string, weight float32) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(token))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		v[idx] += weight
	}

	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
