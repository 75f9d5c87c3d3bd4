package source

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"groundrag/internal/httputil"
	"groundrag/internal/ingest"
)

type Handler struct {
	service       *Service
	maxUploadSize int64
}

func NewHandler(service *Service, maxUploadMB int64) *Handler {
	return &Handler{service: service, maxUploadSize: maxUploadMB << 20}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sources, err := h.service.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list sources", "error", err)
		httputil.WriteError(ctx, w, httputil.CodeInternal, err.Error(), http.StatusInternalServerError)
		return
	}

	// Ensure we return [] instead of null for empty list
	if sources == nil {
		sources = []Source{}
	}
	httputil.WriteData(ctx, w, http.StatusOK, sources, len(sources))
}

func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	n, err := h.service.Purge(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(ctx, w, httputil.CodeNotFound, "Source not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to purge source", "source_file", name, "error", err)
		httputil.WriteError(ctx, w, httputil.CodeInternal, err.Error(), http.StatusInternalServerError)
		return
	}
	httputil.WriteData(ctx, w, http.StatusOK, map[string]any{"sourceFile": name, "deleted": n})
}

func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Mode string `json:"mode"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(ctx, w, httputil.CodeBadRequest, err.Error(), http.StatusBadRequest)
			return
		}
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		httputil.WriteError(ctx, w, httputil.CodeBadRequest, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.service.Ingest(ctx, mode)
	if err != nil {
		slog.ErrorContext(ctx, "ingestion run failed", "error", err)
		httputil.WriteError(ctx, w, httputil.CodeInternal, err.Error(), http.StatusInternalServerError)
		return
	}
	httputil.WriteData(ctx, w, http.StatusOK, report)
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(ctx, w, httputil.CodeTooLarge, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		httputil.WriteError(ctx, w, httputil.CodeBadRequest, err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(ctx, w, httputil.CodeBadRequest, "Unable to retrieve file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	mode, err := parseMode(r.FormValue("mode"))
	if err != nil {
		httputil.WriteError(ctx, w, httputil.CodeBadRequest, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.Upload(ctx, header.Filename, file, mode)
	if err != nil {
		var ie *ingest.Error
		switch {
		case errors.Is(err, ingest.ErrUnsupported):
			httputil.WriteError(ctx, w, httputil.CodeUnsupported, "Unsupported file type", http.StatusUnsupportedMediaType)
		case errors.As(err, &ie) && ie.Stage == ingest.StageLoad:
			httputil.WriteError(ctx, w, httputil.CodeBadRequest, err.Error(), http.StatusUnprocessableEntity)
		case errors.As(err, &ie):
			httputil.WriteError(ctx, w, httputil.CodeUnavailable, err.Error(), http.StatusBadGateway)
		default:
			slog.ErrorContext(ctx, "upload failed", "file", header.Filename, "error", err)
			httputil.WriteError(ctx, w, httputil.CodeInternal, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	status := http.StatusCreated
	if res.Status == ingest.StatusSkipped {
		status = http.StatusOK
	}
	httputil.WriteData(ctx, w, status, res)
}

func parseMode(s string) (ingest.Mode, error) {
	if s == "" {
		return "", nil
	}
	return ingest.ParseMode(s)
}
