package weaviate

import (
	"context"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"groundrag/internal/vector"
)

// ClassName is the Weaviate class holding chunks.
const ClassName = "Chunk"

const identityPrefix = "groundrag chunks embedded with "

// SchemaClient is the subset of the schema API EnsureSchema needs.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

var properties = []*models.Property{
	{Name: "content", DataType: []string{"text"}},
	{Name: "sourceFile", DataType: []string{"string"}},
	{Name: "chunkIndex", DataType: []string{"int"}},
	{Name: "chunkId", DataType: []string{"int"}},
	{Name: "metadata", DataType: []string{"text"}},
	{Name: "createdAt", DataType: []string{"date"}},
}

// EnsureSchema creates the chunk class on first use and records the embedding
// identity in its description. An existing class bound to another identity is refused.
func EnsureSchema(ctx context.Context, client SchemaClient, id vector.Identity) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return vector.NewStoreError("bind", err)
	}

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: identityPrefix + id.String(),
			Vectorizer:  "none",
			VectorIndexConfig: map[string]interface{}{
				"distance": "cosine",
			},
			Properties: properties,
		}
		return vector.NewStoreError("bind", client.CreateClass(ctx, class))
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return vector.NewStoreError("bind", err)
	}
	if have := strings.TrimPrefix(class.Description, identityPrefix); have != id.String() {
		return &vector.StoreError{Op: "bind", Err: fmt.Errorf("%w: have %s, got %s", vector.ErrIdentityMismatch, have, id)}
	}

	existing := make(map[string]bool)
	for _, p := range class.Properties {
		existing[p.Name] = true
	}
	for _, p := range properties {
		if !existing[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return vector.NewStoreError("bind", err)
			}
		}
	}
	return nil
}

// SchemaAdapter implements SchemaClient over the Go client.
type SchemaAdapter struct {
	Client *weaviate.Client
}

func (a SchemaAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.Client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a SchemaAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	return a.Client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a SchemaAdapter) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.Client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a SchemaAdapter) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.Client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}
