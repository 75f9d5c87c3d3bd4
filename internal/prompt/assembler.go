package prompt

import (
	"errors"
	"fmt"
	"strings"

	"groundrag/internal/vector"
)

const DefaultSystemInstruction = `You are a clinical decision support assistant.

RULES:
1. Answer ONLY from the provided context. Do not use prior knowledge.
2. If the context does not contain the answer, say "I don't have information about this in my knowledge base."
3. Cite every claim inline with the bracketed marker of its source, for example [1] or [2][3].
4. Be precise. When the context is uncertain or conflicting, say so.
5. This is decision support: recommend consulting a qualified professional where appropriate.`

// NoContextMarker replaces the context section when retrieval found nothing.
const NoContextMarker = "No relevant documents were found in the knowledge base."

const contextSeparator = "\n\n---\n\n"

var ErrBudgetTooSmall = errors.New("prompt budget too small for instruction, query and one chunk")

type Citation struct {
	Marker     string  `json:"marker"`
	ChunkID    int64   `json:"chunkId"`
	SourceFile string  `json:"sourceFile"`
	ChunkIndex int     `json:"chunkIndex"`
	Page       int     `json:"page,omitempty"`
	Similarity float64 `json:"similarity"`
}

type Prompt struct {
	Text      string
	Query     string
	Citations []Citation
	// Dropped counts chunks removed to respect the budget.
	Dropped int
	// Trimmed is set when the last kept chunk was shortened.
	Trimmed bool
}

// Markers lists the citation markers present in the prompt, in order.
func (p *Prompt) Markers() []string {
	out := make([]string, len(p.Citations))
	for i, c := range p.Citations {
		out[i] = c.Marker
	}
	return out
}

// Assembler renders retrieved chunks and a query into a prompt whose length in
// words never exceeds BudgetWords.
type Assembler struct {
	SystemInstruction string
	BudgetWords       int
}

func NewAssembler(budgetWords int) *Assembler {
	return &Assembler{SystemInstruction: DefaultSystemInstruction, BudgetWords: budgetWords}
}

// Assemble is deterministic. Results are ranked by similarity (ties by ID);
// when over budget the lowest-ranked chunks go first, and the last survivor is
// trimmed rather than dropped.
func (a *Assembler) Assemble(query string, results []vector.SearchResult) (*Prompt, error) {
	kept := vector.Rank(append([]vector.SearchResult(nil), results...), -1)
	dropped := 0

	text := a.render(query, kept)
	for len(kept) > 1 && a.over(text) > 0 {
		kept = kept[:len(kept)-1]
		dropped++
		text = a.render(query, kept)
	}

	trimmed := false
	if over := a.over(text); over > 0 {
		if len(kept) == 0 {
			return nil, ErrBudgetTooSmall
		}
		words := strings.Fields(kept[0].Content)
		if len(words)-over < 1 {
			return nil, ErrBudgetTooSmall
		}
		kept[0].Content = strings.Join(words[:len(words)-over], " ")
		trimmed = true
		text = a.render(query, kept)
	}

	citations := make([]Citation, len(kept))
	for i, r := range kept {
		citations[i] = Citation{
			Marker:     marker(i),
			ChunkID:    r.ID,
			SourceFile: r.SourceFile,
			ChunkIndex: r.ChunkIndex,
			Page:       PageOf(r.Metadata),
			Similarity: r.Similarity,
		}
	}

	return &Prompt{Text: text, Query: query, Citations: citations, Dropped: dropped, Trimmed: trimmed}, nil
}

func (a *Assembler) over(text string) int {
	if a.BudgetWords <= 0 {
		return 0
	}
	return len(strings.Fields(text)) - a.BudgetWords
}

func (a *Assembler) render(query string, chunks []vector.SearchResult) string {
	var b strings.Builder
	if a.SystemInstruction != "" {
		b.WriteString(a.SystemInstruction)
		b.WriteString("\n\n")
	}

	b.WriteString("CONTEXT FROM KNOWLEDGE BASE:\n")
	if len(chunks) == 0 {
		b.WriteString(NoContextMarker)
	}
	for i, c := range chunks {
		if i > 0 {
			b.WriteString(contextSeparator)
		}
		b.WriteString(marker(i))
		b.WriteString(" (source: ")
		b.WriteString(c.SourceFile)
		if page := PageOf(c.Metadata); page > 0 {
			fmt.Fprintf(&b, ", page %d", page)
		}
		b.WriteString(")\n")
		b.WriteString(c.Content)
	}

	b.WriteString(contextSeparator)
	b.WriteString("USER QUESTION: ")
	b.WriteString(query)
	b.WriteString("\n\n")
	if len(chunks) == 0 {
		b.WriteString("No context is available. Say that the knowledge base does not cover this question.")
	} else {
		b.WriteString("Answer based ONLY on the context above and cite sources with their [n] markers.")
	}
	return b.String()
}

func marker(i int) string {
	return fmt.Sprintf("[%d]", i+1)
}

// PageOf reads the page number from chunk metadata. Values decoded from JSON
// arrive as float64.
func PageOf(md map[string]any) int {
	switch v := md["page"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
