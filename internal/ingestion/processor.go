// Package ingestion turns stored files into ordered text units ready to be
// persisted as chunks.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/pkg/logger"
)

const (
	// MinPageChunkLength drops page chunks of this many characters or fewer.
	MinPageChunkLength = 50
	surroundingTextMax = 300
)

// Unit is one piece of processed content with its metadata.
type Unit struct {
	Text     string
	Metadata map[string]any
}

type Processor struct {
	describer      *Describer
	minChunkLength int
}

// NewProcessor builds a processor. With a nil describer embedded images are
// ignored.
func NewProcessor(describer *Describer, minChunkLength int) *Processor {
	if minChunkLength <= 0 {
		minChunkLength = MinPageChunkLength
	}
	return &Processor{describer: describer, minChunkLength: minChunkLength}
}

// Process loads the file at path and returns its text units followed by its
// image units. It fails with UnsupportedFileType for unknown extensions and
// with ProcessingFailed when nothing usable comes out of the file.
func (p *Processor) Process(ctx context.Context, path string, chunkSize int) ([]Unit, error) {
	start := time.Now()
	units, err := p.process(ctx, path, chunkSize)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ProcessingDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return units, err
}

func (p *Processor) process(ctx context.Context, path string, chunkSize int) ([]Unit, error) {
	doc, err := Load(ctx, path)
	if err != nil {
		return nil, err
	}

	name := models.DocumentName(path)
	chunker := Chunker{Size: chunkSize}

	var units []Unit
	if doc.Paginated {
		units = p.paginatedUnits(ctx, doc, name, path, chunker)
	} else {
		units = textUnits(doc, name, path, chunker)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(units) == 0 {
		return nil, apperr.Newf(apperr.ProcessingFailed, "Process", "no content extracted from %s", name)
	}

	logger.Info("Document processed",
		zap.String("document", name),
		zap.Int("pages", len(doc.Pages)),
		zap.Int("units", len(units)),
	)
	return units, nil
}

func textUnits(doc *Document, name, path string, chunker Chunker) []Unit {
	var b strings.Builder
	for _, pg := range doc.Pages {
		b.WriteString(pg.Text)
		b.WriteByte('\n')
	}

	var units []Unit
	for i, text := range chunker.Split(Normalize(b.String())) {
		units = append(units, Unit{
			Text:     text,
			Metadata: baseMetadata(name, path, 1, models.ContentTypeText, fmt.Sprintf("text_%s_%d", name, i)),
		})
	}
	return units
}

func (p *Processor) paginatedUnits(ctx context.Context, doc *Document, name, path string, chunker Chunker) []Unit {
	boilerplate := detectBoilerplate(doc.Pages)

	var (
		units    []Unit
		requests []ImageRequest
		origins  []imageOrigin
		index    int
	)
	for _, pg := range doc.Pages {
		lines := pageLines(pg.Text)
		var kept []string
		for _, l := range lines {
			if !boilerplate[l] {
				kept = append(kept, l)
			}
		}

		for _, text := range chunker.Split(Normalize(strings.Join(kept, " "))) {
			if utf8.RuneCountInString(text) > p.minChunkLength {
				units = append(units, Unit{
					Text:     text,
					Metadata: baseMetadata(name, path, pg.Number, models.ContentTypeText, fmt.Sprintf("text_%s_%d_%d", name, pg.Number, index)),
				})
				index++
			}
		}

		if p.describer == nil || len(pg.Images) == 0 {
			continue
		}
		pageText := Normalize(pg.Text)
		for i, img := range pg.Images {
			requests = append(requests, ImageRequest{Image: img, Context: SurroundingText(pageText, i)})
			origins = append(origins, imageOrigin{page: pg.Number, index: i})
		}
	}

	if len(requests) == 0 {
		return units
	}

	logger.Info("Describing document images",
		zap.String("document", name),
		zap.Int("images", len(requests)),
	)
	described := 0
	for i, desc := range p.describer.DescribeAll(ctx, requests) {
		if desc == "" {
			continue
		}
		o := origins[i]
		meta := baseMetadata(name, path, o.page, models.ContentTypeImage, fmt.Sprintf("image_%s_%d_%d", name, o.page, o.index))
		meta[models.MetaImageDescription] = desc
		meta[models.MetaSurroundingText] = requests[i].Context
		units = append(units, Unit{
			Text:     fmt.Sprintf("Image Description: %s\nContext: %s", desc, requests[i].Context),
			Metadata: meta,
		})
		described++
	}
	if described < len(requests) {
		logger.Warn("Some images were not described",
			zap.String("document", name),
			zap.Int("described", described),
			zap.Int("images", len(requests)),
		)
	}
	return units
}

type imageOrigin struct {
	page  int
	index int
}

func baseMetadata(name, path string, page int, contentType, contentID string) map[string]any {
	return map[string]any{
		models.MetaDocumentName: name,
		models.MetaSourcePath:   path,
		models.MetaPageNum:      page,
		models.MetaContentType:  contentType,
		models.MetaContentID:    contentID,
	}
}

// pageLines returns the non-blank lines of a page, trimmed.
func pageLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// detectBoilerplate collects the first and last line of every page with more
// than two lines and keeps those that occur more than twice.
func detectBoilerplate(pages []Page) map[string]bool {
	counts := make(map[string]int)
	for _, pg := range pages {
		lines := pageLines(pg.Text)
		if len(lines) > 2 {
			counts[lines[0]]++
			counts[lines[len(lines)-1]]++
		}
	}

	out := make(map[string]bool)
	for l, n := range counts {
		if n > 2 {
			out[l] = true
		}
	}
	return out
}

// SurroundingText returns the sentences around position in the page text,
// one before and two from it, capped at 300 characters.
func SurroundingText(pageText string, position int) string {
	sentences := Sentences(pageText)
	start := max(0, position-1)
	end := min(len(sentences), position+2)
	if start >= end {
		return ""
	}

	snippet := []rune(strings.Join(sentences[start:end], " "))
	if len(snippet) > surroundingTextMax {
		snippet = snippet[:surroundingTextMax]
	}
	return strings.TrimSpace(string(snippet))
}
