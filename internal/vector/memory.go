package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an exact, in-process store. Every search scores every chunk,
// which makes it the reference the indexed backends are checked against.
type MemoryStore struct {
	mu       sync.RWMutex
	identity *Identity
	chunks   []Chunk
	nextID   int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, now: time.Now}
}

func (s *MemoryStore) Bind(ctx context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		s.identity = &id
		return nil
	}
	if *s.identity != id {
		return &StoreError{Op: "bind", Err: fmt.Errorf("%w: have %s, got %s", ErrIdentityMismatch, s.identity, id)}
	}
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, c *Chunk) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: "insert", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return &StoreError{Op: "insert", Err: ErrNotBound}
	}
	if err := CheckDimensions("insert", s.identity.Dimensions, c.Embedding); err != nil {
		return err
	}

	c.ID = s.nextID
	c.CreatedAt = s.now()
	s.nextID++

	stored := *c
	stored.Embedding = append([]float32(nil), c.Embedding...)
	stored.Metadata = copyMetadata(c.Metadata)
	s.chunks = append(s.chunks, stored)
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, query []float32, topK int, filter *Filter) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "search", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.identity == nil {
		return []SearchResult{}, nil
	}
	if err := CheckDimensions("search", s.identity.Dimensions, query); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []SearchResult{}, nil
	}

	results := make([]SearchResult, 0, len(s.chunks))
	for i := range s.chunks {
		c := &s.chunks[i]
		if !filter.Matches(c) {
			continue
		}
		out := *c
		out.Metadata = copyMetadata(c.Metadata)
		results = append(results, SearchResult{Chunk: out, Similarity: Cosine(query, c.Embedding)})
	}
	return Rank(results, topK), nil
}

func (s *MemoryStore) DeleteBySource(ctx context.Context, sourceFile string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.chunks[:0]
	deleted := 0
	for _, c := range s.chunks {
		if c.SourceFile == sourceFile {
			deleted++
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept
	return deleted, nil
}

func (s *MemoryStore) ListSources(ctx context.Context) ([]Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySource := make(map[string]*Source)
	for _, c := range s.chunks {
		src, ok := bySource[c.SourceFile]
		if !ok {
			src = &Source{SourceFile: c.SourceFile, IngestedAt: c.CreatedAt}
			bySource[c.SourceFile] = src
		}
		src.Chunks++
		if c.CreatedAt.After(src.IngestedAt) {
			src.IngestedAt = c.CreatedAt
		}
	}

	sources := make([]Source, 0, len(bySource))
	for _, src := range bySource {
		sources = append(sources, *src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].SourceFile < sources[j].SourceFile })
	return sources, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
