package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"groundrag/internal/vector"
)

type MockVectorStore struct{ mock.Mock }

func (m *MockVectorStore) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockVectorStore) ListSources(ctx context.Context) ([]vector.Source, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Source), args.Error(1)
}

type MockFailureRepo struct{ mock.Mock }

func (m *MockFailureRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

var identity = vector.Identity{Model: "all-minilm", Dimensions: 384}

func TestHandler_GetStats_Table(t *testing.T) {
	twoSources := []vector.Source{{SourceFile: "a.txt", Chunks: 4}, {SourceFile: "b.pdf", Chunks: 6}}

	tests := []struct {
		name       string
		setupMocks func(*MockVectorStore, *MockFailureRepo)
		wantStatus int
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(v *MockVectorStore, f *MockFailureRepo) {
				v.On("ListSources", mock.Anything).Return(twoSources, nil)
				v.On("Count", mock.Anything).Return(10, nil)
				f.On("Count", mock.Anything).Return(1, nil)
			},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.EqualValues(t, 2, data["sources"])
				assert.EqualValues(t, 10, data["chunks"])
				assert.EqualValues(t, 1, data["failed_ingestions"])
				assert.Equal(t, "all-minilm", data["embedding_model"])
				assert.EqualValues(t, 384, data["embedding_dimension"])
			},
		},
		{
			name: "Source listing fails",
			setupMocks: func(v *MockVectorStore, f *MockFailureRepo) {
				v.On("ListSources", mock.Anything).Return(nil, errors.New("db down"))
			},
			wantStatus: http.StatusInternalServerError,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "failed to count sources", body["error"].(map[string]interface{})["message"])
			},
		},
		{
			name: "Chunk count fails",
			setupMocks: func(v *MockVectorStore, f *MockFailureRepo) {
				v.On("ListSources", mock.Anything).Return(twoSources, nil)
				v.On("Count", mock.Anything).Return(0, errors.New("db down"))
			},
			wantStatus: http.StatusInternalServerError,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "failed to count chunks", body["error"].(map[string]interface{})["message"])
			},
		},
		{
			name: "Failure count fails",
			setupMocks: func(v *MockVectorStore, f *MockFailureRepo) {
				v.On("ListSources", mock.Anything).Return(twoSources, nil)
				v.On("Count", mock.Anything).Return(10, nil)
				f.On("Count", mock.Anything).Return(0, errors.New("db down"))
			},
			wantStatus: http.StatusInternalServerError,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "INTERNAL_ERROR", body["error"].(map[string]interface{})["code"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := new(MockVectorStore)
			f := new(MockFailureRepo)
			tt.setupMocks(v, f)

			h := NewHandler(v, f, identity)
			w := httptest.NewRecorder()
			h.GetStats(w, httptest.NewRequest("GET", "/stats", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]interface{}
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			tt.checkBody(t, body)
		})
	}
}

func TestHandler_GetStats_NoFailureLog(t *testing.T) {
	v := new(MockVectorStore)
	v.On("ListSources", mock.Anything).Return([]vector.Source{}, nil)
	v.On("Count", mock.Anything).Return(0, nil)

	h := NewHandler(v, nil, identity)
	w := httptest.NewRecorder()
	h.GetStats(w, httptest.NewRequest("GET", "/stats", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"failed_ingestions":0`)
}
