package weaviate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	adapter "groundrag/internal/adapter/weaviate"
	"groundrag/internal/vector"
)

var testIdentity = vector.Identity{Model: "all-minilm", Dimensions: 2}

func existingClass() map[string]interface{} {
	return map[string]interface{}{
		"class":       adapter.ClassName,
		"description": "groundrag chunks embedded with " + testIdentity.String(),
		"properties": []map[string]interface{}{
			{"name": "content"}, {"name": "sourceFile"}, {"name": "chunkIndex"},
			{"name": "chunkId"}, {"name": "metadata"}, {"name": "createdAt"},
		},
	}
}

// mockWeaviate answers schema calls as if the class already exists for
// testIdentity and hands every other request to handler.
func mockWeaviate(t *testing.T, handler http.HandlerFunc) (*adapter.Store, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/meta":
			w.Write([]byte(`{"version": "1.19.0"}`))
		case "/v1/schema/" + adapter.ClassName:
			json.NewEncoder(w).Encode(existingClass())
		case "/v1/schema":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"classes": []interface{}{existingClass()},
			})
		default:
			handler(w, r)
		}
	}))
	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)

	store := adapter.NewStore(client)
	require.NoError(t, store.Bind(context.Background(), testIdentity))
	return store, ts
}

func TestStore_Insert(t *testing.T) {
	var calls int
	store, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/objects", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		calls++

		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		props := body["properties"].(map[string]interface{})
		assert.Equal(t, "guide.pdf", props["sourceFile"])
		assert.Len(t, body["vector"], 2)
		switch calls {
		case 1:
			assert.Equal(t, "Metformin is first-line.", props["content"])
			assert.Equal(t, `{"page":3}`, props["metadata"])
		case 2:
			assert.Equal(t, "x", props["content"])
			assert.Equal(t, `{}`, props["metadata"])
		}

		json.NewEncoder(w).Encode(map[string]interface{}{"id": body["id"]})
	})
	defer ts.Close()

	c := &vector.Chunk{
		Content:    "Metformin is first-line.",
		SourceFile: "guide.pdf",
		Embedding:  []float32{0.6, 0.8},
		Metadata:   map[string]any{"page": 3},
	}
	require.NoError(t, store.Insert(context.Background(), c))
	assert.NotZero(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())

	second := &vector.Chunk{Content: "x", SourceFile: "guide.pdf", Embedding: []float32{1, 0}}
	require.NoError(t, store.Insert(context.Background(), second))
	assert.Greater(t, second.ID, c.ID)
	assert.Equal(t, 2, calls)
}

func TestStore_InsertedIDsSurviveSearch(t *testing.T) {
	var stored []interface{}
	store, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)

		switch r.URL.Path {
		case "/v1/objects":
			props := body["properties"].(map[string]interface{})
			props["_additional"] = map[string]interface{}{"distance": 0.1}
			stored = append(stored, props)
			json.NewEncoder(w).Encode(map[string]interface{}{"id": body["id"]})
		case "/v1/graphql":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"Get": map[string]interface{}{adapter.ClassName: stored},
				},
			})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})
	defer ts.Close()

	ctx := context.Background()
	inserted := map[int64]bool{}
	for i := 0; i < 5; i++ {
		c := &vector.Chunk{Content: "chunk", SourceFile: "guide.pdf", ChunkIndex: i, Embedding: []float32{1, 0}}
		require.NoError(t, store.Insert(ctx, c))
		assert.Less(t, c.ID, int64(1)<<53)
		inserted[c.ID] = true
	}
	require.Len(t, inserted, 5)

	results, err := store.Search(ctx, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.True(t, inserted[r.ID], "search returned unknown id %d", r.ID)
		// Equal similarity orders by ID, which follows insertion order.
		assert.Equal(t, i, r.ChunkIndex)
	}
}

func TestStore_InsertDimensionMismatch(t *testing.T) {
	store, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	defer ts.Close()

	err := store.Insert(context.Background(), &vector.Chunk{Content: "x", Embedding: []float32{1, 2, 3}})
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
}

func TestStore_Search(t *testing.T) {
	store, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		query := body["query"].(string)
		assert.Contains(t, query, "nearVector")
		assert.Contains(t, query, "limit: 2")
		assert.Contains(t, query, "sourceFile")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					adapter.ClassName: []interface{}{
						map[string]interface{}{
							"content": "second", "sourceFile": "guide.pdf", "chunkIndex": 1.0, "chunkId": 20.0,
							"metadata":    `{}`,
							"_additional": map[string]interface{}{"distance": 0.25},
						},
						map[string]interface{}{
							"content": "first", "sourceFile": "guide.pdf", "chunkIndex": 0.0, "chunkId": 10.0,
							"metadata":    `{"page":1}`,
							"_additional": map[string]interface{}{"distance": 0.25},
						},
					},
				},
			},
		})
	})
	defer ts.Close()

	results, err := store.Search(context.Background(), []float32{1, 0}, 2, &vector.Filter{SourceFile: "guide.pdf"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Equal similarity falls back to ascending ID.
	assert.Equal(t, "first", results[0].Content)
	assert.Equal(t, int64(10), results[0].ID)
	assert.InDelta(t, 0.75, results[0].Similarity, 1e-9)
	assert.Equal(t, float64(1), results[0].Metadata["page"])
}

func TestStore_SearchGraphQLError(t *testing.T) {
	store, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []interface{}{map[string]interface{}{"message": "boom"}},
		})
	})
	defer ts.Close()

	_, err := store.Search(context.Background(), []float32{1, 0}, 5, nil)
	var se *vector.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "search", se.Op)
}

func TestStore_DeleteBySource(t *testing.T) {
	store, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, http.MethodDelete, r.Method)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": map[string]interface{}{"matches": 3, "successful": 3},
		})
	})
	defer ts.Close()

	n, err := store.DeleteBySource(context.Background(), "guide.pdf")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_ListSources(t *testing.T) {
	store, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		assert.Contains(t, body["query"].(string), "groupBy")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					adapter.ClassName: []interface{}{
						map[string]interface{}{
							"groupedBy": map[string]interface{}{"value": "z.txt"},
							"meta":      map[string]interface{}{"count": 1.0},
						},
						map[string]interface{}{
							"groupedBy": map[string]interface{}{"value": "a.pdf"},
							"meta":      map[string]interface{}{"count": 4.0},
							"createdAt": map[string]interface{}{"maximum": "2026-01-02T03:04:05Z"},
						},
					},
				},
			},
		})
	})
	defer ts.Close()

	sources, err := store.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "a.pdf", sources[0].SourceFile)
	assert.Equal(t, 4, sources[0].Chunks)
	assert.Equal(t, 2026, sources[0].IngestedAt.Year())
}

func TestStore_Count(t *testing.T) {
	store, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					adapter.ClassName: []interface{}{
						map[string]interface{}{"meta": map[string]interface{}{"count": 42.0}},
					},
				},
			},
		})
	})
	defer ts.Close()

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}
