package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"groundrag/internal/text"
)

var (
	ErrUnsupported   = errors.New("unsupported document type")
	ErrEmptyDocument = errors.New("document has no extractable text")
)

// SupportedExtensions are the file types the loader understands.
var SupportedExtensions = []string{".pdf", ".txt", ".md", ".markdown"}

func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Page is one page of normalized text. Plain-text files are a single page 0.
type Page struct {
	Number int
	Text   string
}

type Document struct {
	Path  string
	Name  string
	Pages []Page
}

// Text joins the pages with paragraph breaks.
func (d *Document) Text() string {
	parts := make([]string, 0, len(d.Pages))
	for _, p := range d.Pages {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// PageAt maps a word offset in Text() to its page number, or 0 when the
// document has no page structure.
func (d *Document) PageAt(word int) int {
	page, start := 0, 0
	for _, p := range d.Pages {
		if p.Text == "" {
			continue
		}
		if word < start {
			break
		}
		page = p.Number
		start += text.CountWords(p.Text)
	}
	return page
}

// Load reads and normalizes a document by extension.
func Load(path string) (*Document, error) {
	doc := &Document{Path: path, Name: filepath.Base(path)}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		pages, err := loadPDF(path)
		if err != nil {
			return nil, err
		}
		doc.Pages = pages
	case ".txt", ".md", ".markdown":
		raw, err := os.ReadFile(path) // #nosec G304 -- path comes from the ingest directory listing
		if err != nil {
			return nil, err
		}
		doc.Pages = []Page{{Number: 0, Text: text.Normalize(string(raw), false)}}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}

	if strings.TrimSpace(doc.Text()) == "" {
		return nil, ErrEmptyDocument
	}
	return doc, nil
}

func loadPDF(path string) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pdf open: %w", err)
	}
	defer f.Close()

	pages := make([]Page, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		raw, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: text.Normalize(raw, true)})
	}
	return pages, nil
}

// ListDocuments returns the supported files directly inside dir, sorted by name.
func ListDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !Supported(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
