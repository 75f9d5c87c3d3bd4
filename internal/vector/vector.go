package vector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Chunk is a stored unit of retrieval. ID and CreatedAt are assigned by the store.
type Chunk struct {
	ID         int64          `json:"id"`
	Content    string         `json:"content"`
	SourceFile string         `json:"sourceFile"`
	ChunkIndex int            `json:"chunkIndex"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

type SearchResult struct {
	Chunk
	Similarity float64 `json:"similarity"`
}

// Filter narrows the candidate set before ranking. Zero value matches everything.
type Filter struct {
	SourceFile string
}

func (f *Filter) Matches(c *Chunk) bool {
	return f == nil || f.SourceFile == "" || c.SourceFile == f.SourceFile
}

// Source summarises one ingested file.
type Source struct {
	SourceFile string    `json:"sourceFile"`
	Chunks     int       `json:"chunks"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// Identity is the embedding model a store is bound to. Vectors from different
// models are not comparable, so a store refuses a second identity.
type Identity struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s@%d", i.Model, i.Dimensions)
}

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrIdentityMismatch  = errors.New("store bound to a different embedding model")
	ErrNotBound          = errors.New("store has no embedding identity")
	ErrInvalidChunk      = errors.New("invalid chunk")
)

// StoreError reports a vector store failure together with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("vector store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func CheckDimensions(op string, want int, v []float32) error {
	if len(v) != want {
		return &StoreError{Op: op, Err: fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), want)}
	}
	return nil
}

// Cosine returns the cosine similarity of a and b; zero vectors score 0.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank orders results by descending similarity, ties by ascending ID, and keeps topK.
func Rank(results []SearchResult, topK int) []SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if topK >= 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
