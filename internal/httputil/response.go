package httputil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"groundrag/internal/middleware"
)

// Error codes shared by every handler.
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeNotFound    = "NOT_FOUND"
	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeUnsupported = "UNSUPPORTED_MEDIA_TYPE"
)

// WriteData writes {"data": data} and, for slices, a meta count.
func WriteData(ctx context.Context, w http.ResponseWriter, status int, data any, count ...int) {
	resp := map[string]any{"data": data}
	if len(count) > 0 {
		resp["meta"] = map[string]int{"count": count[0]}
	}
	writeJSON(ctx, w, status, resp)
}

func WriteError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	writeJSON(ctx, w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// WritePartial answers with both the data gathered so far and the error that
// stopped the rest, e.g. sources without a generated answer.
func WritePartial(ctx context.Context, w http.ResponseWriter, status int, data any, code, message string) {
	writeJSON(ctx, w, status, map[string]any{
		"data": data,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
