package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"groundrag/internal/vector"
)

// Store keeps chunks in a Weaviate class with a cosine HNSW index.
// Weaviate objects are keyed by UUID, so the store assigns the integer chunk
// IDs itself from a clock-seeded counter. GraphQL returns numbers as float64,
// so IDs must stay below 2^53 to survive a search.
type Store struct {
	client *weaviate.Client
	schema SchemaClient
	now    func() time.Time

	mu     sync.Mutex
	dims   int
	lastID int64
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client, schema: SchemaAdapter{Client: client}, now: time.Now}
}

func (s *Store) Bind(ctx context.Context, id vector.Identity) error {
	if err := EnsureSchema(ctx, s.schema, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.dims = id.Dimensions
	s.mu.Unlock()
	return nil
}

func (s *Store) dimensions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// idSeqBits leaves room for 1024 IDs per millisecond before the counter runs
// ahead of the clock. Millisecond timestamps shifted by 10 bits stay below
// 2^53 until the year 2248.
const idSeqBits = 10

func (s *Store) nextID(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := now.UnixMilli() << idSeqBits
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

func (s *Store) Insert(ctx context.Context, c *vector.Chunk) error {
	dims := s.dimensions()
	if dims == 0 {
		return &vector.StoreError{Op: "insert", Err: vector.ErrNotBound}
	}
	if err := vector.CheckDimensions("insert", dims, c.Embedding); err != nil {
		return err
	}

	md := c.Metadata
	if md == nil {
		md = map[string]any{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return &vector.StoreError{Op: "insert", Err: fmt.Errorf("%w: metadata: %v", vector.ErrInvalidChunk, err)}
	}

	now := s.now().UTC()
	id := s.nextID(now)
	_, err = s.client.Data().Creator().
		WithClassName(ClassName).
		WithID(uuid.NewString()).
		WithProperties(map[string]interface{}{
			"content":    c.Content,
			"sourceFile": c.SourceFile,
			"chunkIndex": c.ChunkIndex,
			"chunkId":    id,
			"metadata":   string(mdJSON),
			"createdAt":  now.Format(time.RFC3339Nano),
		}).
		WithVector(c.Embedding).
		Do(ctx)
	if err != nil {
		return vector.NewStoreError("insert", err)
	}

	c.ID = id
	c.CreatedAt = now
	return nil
}

var chunkFields = []graphql.Field{
	{Name: "content"},
	{Name: "sourceFile"},
	{Name: "chunkIndex"},
	{Name: "chunkId"},
	{Name: "metadata"},
	{Name: "createdAt"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
}

// Search filters inside Weaviate before the vector search, so a filtered
// query still returns up to topK matches.
func (s *Store) Search(ctx context.Context, query []float32, topK int, filter *vector.Filter) ([]vector.SearchResult, error) {
	dims := s.dimensions()
	if dims == 0 {
		return []vector.SearchResult{}, nil
	}
	if err := vector.CheckDimensions("search", dims, query); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []vector.SearchResult{}, nil
	}

	get := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithNearVector(s.client.GraphQL().NearVectorArgBuilder().WithVector(query)).
		WithLimit(topK).
		WithFields(chunkFields...)
	if filter != nil && filter.SourceFile != "" {
		get = get.WithWhere(sourceWhere(filter.SourceFile))
	}

	res, err := get.Do(ctx)
	if err != nil {
		return nil, vector.NewStoreError("search", err)
	}
	if len(res.Errors) > 0 {
		return nil, vector.NewStoreError("search", fmt.Errorf("graphql error: %v", res.Errors[0].Message))
	}

	results := []vector.SearchResult{}
	for _, props := range classRows(res.Data, "Get") {
		r, err := decodeResult(props)
		if err != nil {
			return nil, vector.NewStoreError("search", err)
		}
		results = append(results, r)
	}
	return vector.Rank(results, topK), nil
}

func decodeResult(props map[string]interface{}) (vector.SearchResult, error) {
	var r vector.SearchResult
	r.Content, _ = props["content"].(string)
	r.SourceFile, _ = props["sourceFile"].(string)
	if v, ok := props["chunkIndex"].(float64); ok {
		r.ChunkIndex = int(v)
	}
	if v, ok := props["chunkId"].(float64); ok {
		r.ID = int64(v)
	}
	if v, ok := props["createdAt"].(string); ok {
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := props["metadata"].(string); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &r.Metadata); err != nil {
			return r, fmt.Errorf("decode metadata for chunk %d: %w", r.ID, err)
		}
	}
	if additional, ok := props["_additional"].(map[string]interface{}); ok {
		if d, ok := additional["distance"].(float64); ok {
			r.Similarity = 1 - d
		}
	}
	return r, nil
}

func sourceWhere(sourceFile string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"sourceFile"}).
		WithOperator(filters.Equal).
		WithValueString(sourceFile)
}

// classRows digs the chunk rows out of a Get or Aggregate response.
func classRows(data map[string]models.JSONObject, root string) []map[string]interface{} {
	top, ok := data[root].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := top[ClassName].([]interface{})
	if !ok {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			rows = append(rows, m)
		}
	}
	return rows
}

func (s *Store) DeleteBySource(ctx context.Context, sourceFile string) (int, error) {
	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(ClassName).
		WithOutput("minimal").
		WithWhere(sourceWhere(sourceFile)).
		Do(ctx)
	if err != nil {
		return 0, vector.NewStoreError("delete", err)
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	return int(resp.Results.Successful), nil
}

func (s *Store) ListSources(ctx context.Context) ([]vector.Source, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(ClassName).
		WithGroupBy("sourceFile").
		WithFields(
			graphql.Field{Name: "groupedBy", Fields: []graphql.Field{{Name: "value"}}},
			graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}},
			graphql.Field{Name: "createdAt", Fields: []graphql.Field{{Name: "maximum"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, vector.NewStoreError("list sources", err)
	}
	if len(res.Errors) > 0 {
		return nil, vector.NewStoreError("list sources", fmt.Errorf("graphql error: %v", res.Errors[0].Message))
	}

	sources := []vector.Source{}
	for _, row := range classRows(res.Data, "Aggregate") {
		var src vector.Source
		if g, ok := row["groupedBy"].(map[string]interface{}); ok {
			src.SourceFile, _ = g["value"].(string)
		}
		src.Chunks = metaCount(row)
		if c, ok := row["createdAt"].(map[string]interface{}); ok {
			if v, ok := c["maximum"].(string); ok {
				src.IngestedAt, _ = time.Parse(time.RFC3339Nano, v)
			}
		}
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].SourceFile < sources[j].SourceFile })
	return sources, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, vector.NewStoreError("count", err)
	}
	if len(res.Errors) > 0 {
		return 0, vector.NewStoreError("count", fmt.Errorf("graphql error: %v", res.Errors[0].Message))
	}
	rows := classRows(res.Data, "Aggregate")
	if len(rows) == 0 {
		return 0, nil
	}
	return metaCount(rows[0]), nil
}

func metaCount(row map[string]interface{}) int {
	meta, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0
	}
	n, _ := meta["count"].(float64)
	return int(n)
}

func (s *Store) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return vector.NewStoreError("ping", err)
	}
	if !ready {
		return vector.NewStoreError("ping", fmt.Errorf("weaviate not ready"))
	}
	return nil
}
