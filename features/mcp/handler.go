package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"groundrag/internal/httputil"
	"groundrag/internal/rag"
	"groundrag/internal/retrieval"
	"groundrag/internal/vector"
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]vector.SearchResult, error)
}

type Asker interface {
	Ask(ctx context.Context, query string, opts rag.AskOptions) (*rag.Answer, error)
}

type SourceLister interface {
	ListSources(ctx context.Context) ([]vector.Source, error)
}

type session struct {
	msgs chan string
	done chan struct{}
}

type Handler struct {
	retriever    Retriever
	asker        Asker
	sources      SourceLister
	sessions     map[string]*session
	sessionsLock sync.RWMutex
	keepAlive    time.Duration
}

func NewHandler(r Retriever, a Asker, s SourceLister) *Handler {
	return &Handler{
		retriever: r,
		asker:     a,
		sources:   s,
		sessions:  make(map[string]*session),
		keepAlive: 15 * time.Second,
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

// ServeHTTP answers one JSON-RPC request in the response body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.InfoContext(r.Context(), "mcp request received", "method", r.Method, "path", r.URL.Path)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, errorResponse(nil, ErrParse, "Parse error"))
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, resp)
}

// JSON-RPC errors travel with 200 OK; the error object carries the failure.
func writeRPC(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode jsonrpc response", "error", err)
	}
}

// HandleSSE opens a session for the SSE transport. Responses to messages
// posted to the endpoint event's URL arrive as message events.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(ctx, w, httputil.CodeInternal, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.New().String()
	s := &session{msgs: make(chan string, 100), done: make(chan struct{})}
	h.sessionsLock.Lock()
	h.sessions[sessionID] = s
	h.sessionsLock.Unlock()

	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		h.sessionsLock.Unlock()
		close(s.done)
		slog.InfoContext(ctx, "sse session ended", "session_id", sessionID)
	}()
	slog.InfoContext(ctx, "sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.msgs:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// HandleMessage accepts a JSON-RPC message for an open session and answers
// on the session's stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		httputil.WriteError(ctx, w, httputil.CodeBadRequest, "Missing sessionId", http.StatusBadRequest)
		return
	}

	h.sessionsLock.RLock()
	s, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()
	if !exists {
		slog.WarnContext(ctx, "session not found", "session_id", sessionID)
		httputil.WriteError(ctx, w, httputil.CodeNotFound, "Session not found", http.StatusNotFound)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(ctx, w, httputil.CodeBadRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// The session outlives this request; keep its values, drop its cancellation.
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		resp := h.processRequest(bgCtx, req)
		if resp == nil {
			return
		}
		respBytes, err := json.Marshal(resp)
		if err != nil {
			slog.ErrorContext(bgCtx, "failed to marshal response", "error", err)
			return
		}
		select {
		case s.msgs <- string(respBytes):
		case <-s.done:
			slog.WarnContext(bgCtx, "session closed before response", "session_id", sessionID)
		}
	}()
}
