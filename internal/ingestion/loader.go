package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kb-engine/backend/internal/apperr"
)

// Page is one page of extracted content. Text keeps the loader's line breaks.
type Page struct {
	Number int
	Text   string
	Images [][]byte
}

// Document is the raw content of one file before cleaning and chunking.
// Paginated documents go through boilerplate removal and image description.
type Document struct {
	Pages     []Page
	Paginated bool
}

type loadFunc func(ctx context.Context, path string) (*Document, error)

var loaders = map[string]loadFunc{
	".txt":  loadText,
	".md":   loadText,
	".html": loadHTML,
	".htm":  loadHTML,
	".pdf":  loadPDF,
}

// Supported reports whether files with this extension can be processed.
func Supported(ext string) bool {
	_, ok := loaders[strings.ToLower(ext)]
	return ok
}

// Load reads path with the loader registered for its extension.
func Load(ctx context.Context, path string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	load, ok := loaders[ext]
	if !ok {
		return nil, apperr.Newf(apperr.UnsupportedFileType, "Load", "extension %q", ext)
	}
	doc, err := load(ctx, path)
	if err != nil {
		return nil, apperr.New(apperr.ProcessingFailed, "Load", err)
	}
	return doc, nil
}

func loadText(_ context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return &Document{Pages: []Page{{Number: 1, Text: string(data)}}}, nil
}

func loadHTML(_ context.Context, path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	doc.Find("body").Each(func(i int, s *goquery.Selection) {
		b.WriteString(s.Text())
	})

	return &Document{Pages: []Page{{Number: 1, Text: b.String()}}}, nil
}
