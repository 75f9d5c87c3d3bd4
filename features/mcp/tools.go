package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"groundrag/internal/prompt"
	"groundrag/internal/rag"
	"groundrag/internal/retrieval"
	"groundrag/internal/vector"
)

const (
	ToolSearch      = "search"
	ToolAsk         = "ask"
	ToolListSources = "list_sources"

	maxLimit = 50
)

type SearchArgs struct {
	Query         string  `json:"query"`
	Limit         int     `json:"limit,omitempty"`
	SourceFile    string  `json:"source_file,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty"`
}

func (a SearchArgs) validate() string {
	switch {
	case strings.TrimSpace(a.Query) == "":
		return "query is required"
	case a.Limit < 0 || a.Limit > maxLimit:
		return fmt.Sprintf("limit must be between 1 and %d", maxLimit)
	case a.MinSimilarity < 0 || a.MinSimilarity > 1:
		return "min_similarity must be between 0.0 and 1.0"
	}
	return ""
}

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var queryProps = map[string]interface{}{
	"query":          map[string]string{"type": "string", "description": "The question or search text"},
	"limit":          map[string]interface{}{"type": "integer", "description": "Max chunks to use (default 5).", "minimum": 1, "maximum": maxLimit},
	"source_file":    map[string]string{"type": "string", "description": "Restrict to one ingested file name"},
	"min_similarity": map[string]interface{}{"type": "number", "description": "Drop chunks below this cosine similarity", "minimum": 0.0, "maximum": 1.0},
}

var tools = []Tool{
	{
		Name: ToolSearch,
		Description: `Semantic search over the ingested documents. Returns the closest chunks with their source file, chunk index, page and cosine similarity. Use this to read the evidence yourself.

USAGE EXAMPLE:
search(query="first-line therapy for type 2 diabetes", limit=5)`,
		InputSchema: object(queryProps, "query"),
	},
	{
		Name: ToolAsk,
		Description: `Answers a question from the ingested documents only. The answer cites its evidence with [n] markers that map to the listed sources. If nothing relevant is indexed it says so instead of guessing.

USAGE EXAMPLE:
ask(query="What is first-line therapy for diabetes?")`,
		InputSchema: object(queryProps, "query"),
	},
	{
		Name: ToolListSources,
		Description: `Lists every ingested file with its chunk count. Use this at the start of a session to see what the knowledge base covers.

USAGE EXAMPLE:
list_sources()`,
		InputSchema: object(map[string]interface{}{}),
	},
}

// processRequest returns nil for notifications.
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": "groundrag-mcp", "version": "1.0.0"},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]interface{}{})
	case "tools/list":
		return result(req.ID, ListToolsResult{Tools: tools})
	case "tools/call":
		return h.callTool(ctx, req)
	}
	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) callTool(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		slog.WarnContext(ctx, "invalid params structure", "error", err)
		return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
	}

	if params.Name == ToolListSources {
		return h.listSources(ctx, req.ID)
	}
	if params.Name != ToolSearch && params.Name != ToolAsk {
		slog.WarnContext(ctx, "tool not found", "tool", params.Name)
		return errorResponse(req.ID, ErrMethodNotFound, "Method not found: "+params.Name)
	}

	var args SearchArgs
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(req.ID, ErrInvalidParams, "Invalid "+params.Name+" arguments")
		}
	}
	if msg := args.validate(); msg != "" {
		return errorResponse(req.ID, ErrInvalidParams, msg)
	}

	if params.Name == ToolSearch {
		return h.search(ctx, req.ID, args)
	}
	return h.ask(ctx, req.ID, args)
}

func (h *Handler) search(ctx context.Context, id interface{}, args SearchArgs) *JSONRPCResponse {
	results, err := h.retriever.Retrieve(ctx, args.Query, retrieval.Options{
		TopK:          args.Limit,
		SourceFile:    args.SourceFile,
		MinSimilarity: args.MinSimilarity,
	})
	if err != nil {
		slog.ErrorContext(ctx, "search failed", "error", err)
		return errorResponse(id, ErrInternal, "Search failed: "+err.Error())
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolSearch, "result_count", len(results))
	return textResult(id, formatResults(results), false)
}

func formatResults(results []vector.SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "Result %d (Similarity: %.3f):\n", i+1, r.Similarity)
		fmt.Fprintf(&b, "Source: %s (chunk %d)\n", r.SourceFile, r.ChunkIndex)
		if page := prompt.PageOf(r.Metadata); page > 0 {
			fmt.Fprintf(&b, "Page: %d\n", page)
		}
		fmt.Fprintf(&b, "Content:\n%s\n\n---\n", r.Content)
	}
	return b.String()
}

func (h *Handler) ask(ctx context.Context, id interface{}, args SearchArgs) *JSONRPCResponse {
	ans, err := h.asker.Ask(ctx, args.Query, rag.AskOptions{
		TopK:          args.Limit,
		SourceFile:    args.SourceFile,
		MinSimilarity: args.MinSimilarity,
	})
	if err != nil && ans == nil {
		slog.ErrorContext(ctx, "ask failed", "error", err)
		return errorResponse(id, ErrInternal, "Ask failed: "+err.Error())
	}

	var b strings.Builder
	if err != nil {
		// Sources without an answer are still worth returning to the caller.
		fmt.Fprintf(&b, "Answer unavailable: %v\n", err)
	} else {
		b.WriteString(ans.Text)
		b.WriteString("\n")
	}
	if len(ans.Sources) > 0 {
		b.WriteString("\nSources:\n")
		for _, s := range ans.Sources {
			fmt.Fprintf(&b, "%s %s (chunk %d", s.Marker, s.SourceFile, s.ChunkIndex)
			if s.Page > 0 {
				fmt.Fprintf(&b, ", page %d", s.Page)
			}
			fmt.Fprintf(&b, ", similarity %.3f): %s\n", s.Similarity, s.Snippet)
		}
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolAsk, "sources", len(ans.Sources), "no_context", ans.NoContext)
	return textResult(id, b.String(), err != nil)
}

func (h *Handler) listSources(ctx context.Context, id interface{}) *JSONRPCResponse {
	sources, err := h.sources.ListSources(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "list_sources failed", "error", err)
		return textResult(id, "Error: "+err.Error(), true)
	}
	if len(sources) == 0 {
		return textResult(id, "No sources found.", false)
	}

	jsonBytes, err := json.MarshalIndent(sources, "", "  ")
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal sources", "error", err)
		return textResult(id, "Error marshalling results", true)
	}
	return textResult(id, string(jsonBytes), false)
}

func result(id interface{}, v interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func textResult(id interface{}, text string, isError bool) *JSONRPCResponse {
	return result(id, ToolResult{
		Content: []ToolContent{{Type: "text", Text: text}},
		IsError: isError,
	})
}

func errorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error: map[string]interface{}{
			"code":    code,
			"message": message,
		},
		ID: id,
	}
}
