package source_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"groundrag/features/source"
	"groundrag/internal/config"
	"groundrag/internal/embedding"
	"groundrag/internal/ingest"
	"groundrag/internal/text"
	"groundrag/internal/vector"
)

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	return m.Called(topic, body).Error(0)
}

type fixture struct {
	store   *vector.MemoryStore
	service *source.Service
	handler *source.Handler
	pub     *MockPublisher
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	emb := embedding.NewClient(embedding.NewHashBackend(32), embedding.Options{})
	store := vector.NewMemoryStore()
	require.NoError(t, store.Bind(context.Background(), emb.Identity()))

	cfg := &config.Config{DataDir: t.TempDir(), UploadDir: t.TempDir(), IngestMode: "skip"}
	pub := new(MockPublisher)
	pipeline := ingest.NewPipeline(text.NewChunker(20, 5, 5), emb, store)
	svc := source.NewService(store, pipeline, pub, cfg)
	return &fixture{store: store, service: svc, handler: source.NewHandler(svc, 1), pub: pub, cfg: cfg}
}

func (f *fixture) writeData(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.DataDir, name), []byte(content), 0o644))
}

func multipartBody(t *testing.T, filename, content, mode string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	if mode != "" {
		require.NoError(t, mw.WriteField("mode", mode))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHandler_IngestAndList(t *testing.T) {
	f := newFixture(t)
	f.writeData(t, "diabetes.txt", "Metformin is the first-line therapy for type 2 diabetes.")
	f.writeData(t, "asthma.md", "Inhaled corticosteroids control persistent asthma.")

	w := httptest.NewRecorder()
	f.handler.Ingest(w, httptest.NewRequest("POST", "/ingest", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var ingestBody struct {
		Data ingest.Report `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ingestBody))
	assert.Equal(t, 2, ingestBody.Data.Ingested)

	w = httptest.NewRecorder()
	f.handler.List(w, httptest.NewRequest("GET", "/sources", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var listBody struct {
		Data []vector.Source `json:"data"`
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listBody))
	assert.Equal(t, 2, listBody.Meta.Count)
	assert.Equal(t, "asthma.md", listBody.Data[0].SourceFile)
}

func TestHandler_IngestSkipsThenReplaces(t *testing.T) {
	f := newFixture(t)
	f.writeData(t, "asthma.md", "Inhaled corticosteroids control persistent asthma.")

	_, err := f.service.Ingest(context.Background(), "")
	require.NoError(t, err)

	report, err := f.service.Ingest(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	w := httptest.NewRecorder()
	f.handler.Ingest(w, httptest.NewRequest("POST", "/ingest", strings.NewReader(`{"mode":"replace"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"replaced":1`)

	count, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandler_IngestBadMode(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.Ingest(w, httptest.NewRequest("POST", "/ingest", strings.NewReader(`{"mode":"merge"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "BAD_REQUEST")
}

func TestHandler_Purge(t *testing.T) {
	f := newFixture(t)
	f.writeData(t, "asthma.md", "Inhaled corticosteroids control persistent asthma.")
	_, err := f.service.Ingest(context.Background(), "")
	require.NoError(t, err)

	f.pub.On("Publish", config.TopicSourcePurged, mock.MatchedBy(func(body []byte) bool {
		var e source.PurgedEvent
		return json.Unmarshal(body, &e) == nil && e.SourceFile == "asthma.md" && e.Chunks == 1
	})).Return(errors.New("nsqd down")).Once()

	req := httptest.NewRequest("DELETE", "/sources/asthma.md", nil)
	req.SetPathValue("name", "asthma.md")
	w := httptest.NewRecorder()
	f.handler.Purge(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted":1`)
	f.pub.AssertExpectations(t)

	count, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandler_PurgeUnknown(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("DELETE", "/sources/nope.txt", nil)
	req.SetPathValue("name", "nope.txt")
	w := httptest.NewRecorder()
	f.handler.Purge(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	f.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestHandler_Upload(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartBody(t, "guide.txt", "Metformin is the first-line therapy for type 2 diabetes.", "")
	req := httptest.NewRequest("POST", "/sources/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	f.handler.Upload(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Data source.UploadResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "guide.txt", resp.Data.SourceFile)
	assert.Equal(t, ingest.StatusIngested, resp.Data.Status)
	assert.Len(t, resp.Data.ContentHash, 64)
	assert.True(t, strings.HasPrefix(resp.Data.Path, f.cfg.UploadDir))

	sources, err := f.store.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "guide.txt", sources[0].SourceFile)
}

func TestHandler_UploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		content    string
		mode       string
		wantStatus int
		wantCode   string
	}{
		{name: "Unsupported type", filename: "data.csv", content: "a,b", wantStatus: http.StatusUnsupportedMediaType, wantCode: "UNSUPPORTED_MEDIA_TYPE"},
		{name: "Unparsable pdf", filename: "broken.pdf", content: "not a pdf", wantStatus: http.StatusUnprocessableEntity, wantCode: "BAD_REQUEST"},
		{name: "Bad mode", filename: "a.txt", content: "text", mode: "merge", wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
		{name: "Too large", filename: "big.txt", content: strings.Repeat("word ", 300000), wantStatus: http.StatusRequestEntityTooLarge, wantCode: "PAYLOAD_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			body, contentType := multipartBody(t, tt.filename, tt.content, tt.mode)
			req := httptest.NewRequest("POST", "/sources/upload", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			f.handler.Upload(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantCode)
		})
	}
}

func TestHandler_UploadMissingFile(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("mode", "skip"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/sources/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.handler.Upload(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
