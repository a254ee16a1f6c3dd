// Package query turns user questions into retrieval calls and grounded
// answers.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/llm"
	"github.com/kb-engine/backend/internal/llm/templates"
	"github.com/kb-engine/backend/internal/retrieval"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/pkg/logger"
)

const DefaultLimit = 5

type Retriever interface {
	Retrieve(ctx context.Context, kb *models.KnowledgeBase, query string, limit int, mode retrieval.Mode) ([]models.RetrievedDocument, error)
}

type Engine struct {
	retriever      Retriever
	rewriter       *Rewriter
	gen            llm.GenerationProvider
	prompts        *templates.Catalog
	defaultLimit   int
	rewriteEnabled bool
}

type Config struct {
	DefaultLimit   int
	RewriteEnabled bool
}

type SearchRequest struct {
	Query         string
	Limit         int
	Mode          retrieval.Mode
	Rewrite       *bool
	CrossLanguage *bool
}

type SearchResponse struct {
	Query          string                     `json:"query"`
	EffectiveQuery string                     `json:"effective_query"`
	Mode           retrieval.Mode             `json:"mode"`
	Documents      []models.RetrievedDocument `json:"documents"`
}

type AnswerRequest struct {
	Query         string
	Limit         int
	Mode          retrieval.Mode
	Rewrite       *bool
	CrossLanguage *bool

	// Locale selects the prompt language. Empty means detect from the query.
	Locale  string
	History []llm.Message
}

type AnswerResponse struct {
	ID             string   `json:"id"`
	Query          string   `json:"query"`
	EffectiveQuery string   `json:"effective_query"`
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
	LatencyMS      int      `json:"latency_ms"`
}

type Source struct {
	DocumentName string  `json:"document_name"`
	SourcePath   string  `json:"source_path"`
	Page         any     `json:"page_num"`
	ChunkID      string  `json:"chunk_id"`
	ContentType  string  `json:"content_type"`
	Score        float64 `json:"score"`
}

// NewEngine builds an engine. rewriter may be nil, which disables rewriting.
func NewEngine(retriever Retriever, rewriter *Rewriter, gen llm.GenerationProvider, prompts *templates.Catalog, cfg Config) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	return &Engine{
		retriever:      retriever,
		rewriter:       rewriter,
		gen:            gen,
		prompts:        prompts,
		defaultLimit:   cfg.DefaultLimit,
		rewriteEnabled: cfg.RewriteEnabled,
	}
}

func (e *Engine) Search(ctx context.Context, kb *models.KnowledgeBase, req SearchRequest) (*SearchResponse, error) {
	query := cleanQuery(req.Query)
	if query == "" {
		return nil, apperr.Newf(apperr.InvalidInput, "Search", "query must not be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.defaultLimit
	}
	mode := req.Mode
	if mode == "" {
		mode = retrieval.ModeHybrid
	}

	effective := query
	if e.shouldRewrite(req.Rewrite) {
		effective = e.rewriter.Rewrite(ctx, query, kb.Name, req.CrossLanguage)
	}

	docs, err := e.retriever.Retrieve(ctx, kb, effective, limit, mode)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Query:          query,
		EffectiveQuery: effective,
		Mode:           mode,
		Documents:      docs,
	}, nil
}

// Answer retrieves documents for the query and asks the generation model to
// answer from them. With no documents the canned no-documents reply is
// returned without calling the model.
func (e *Engine) Answer(ctx context.Context, kb *models.KnowledgeBase, req AnswerRequest) (*AnswerResponse, error) {
	startTime := time.Now()
	answerID := uuid.New().String()

	res, err := e.Search(ctx, kb, SearchRequest{
		Query:         req.Query,
		Limit:         req.Limit,
		Mode:          req.Mode,
		Rewrite:       req.Rewrite,
		CrossLanguage: req.CrossLanguage,
	})
	if err != nil {
		return nil, err
	}

	locale := req.Locale
	if locale == "" {
		locale = DetectLocale(res.Query)
	}

	var answer string
	if len(res.Documents) == 0 {
		answer, err = e.prompts.Render(locale, templates.RAGNoDocuments, map[string]any{"Query": res.Query})
		if err != nil {
			return nil, fmt.Errorf("failed to render reply: %w", err)
		}
	} else {
		system, prompt, err := e.buildPrompt(locale, res.Query, res.Documents)
		if err != nil {
			return nil, err
		}
		history := make([]llm.Message, 0, len(req.History)+1)
		history = append(history, llm.Message{Role: llm.MessageRoleSystem, Content: system})
		history = append(history, req.History...)

		answer, err = e.gen.Generate(ctx, prompt, history)
		if err != nil {
			return nil, fmt.Errorf("failed to generate answer: %w", err)
		}
	}

	latency := int(time.Since(startTime).Milliseconds())
	logger.Info("Answer generated",
		zap.String("answer_id", answerID),
		zap.String("knowledge_base", kb.Name),
		zap.Int("documents", len(res.Documents)),
		zap.Int("latency_ms", latency),
	)

	return &AnswerResponse{
		ID:             answerID,
		Query:          res.Query,
		EffectiveQuery: res.EffectiveQuery,
		Answer:         strings.TrimSpace(answer),
		Sources:        sources(res.Documents),
		LatencyMS:      latency,
	}, nil
}

// buildPrompt renders the system prompt and the user prompt made of one
// block per document followed by the question.
func (e *Engine) buildPrompt(locale, query string, docs []models.RetrievedDocument) (string, string, error) {
	system, err := e.prompts.Render(locale, templates.RAGSystem, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to render system prompt: %w", err)
	}

	document, err := e.prompts.Lookup(locale, templates.RAGDocument)
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	for i, d := range docs {
		block, err := document(map[string]any{
			"Number":      i + 1,
			"Name":        metaValue(d.Metadata, models.MetaDocumentName),
			"SourcePath":  metaValue(d.Metadata, models.MetaSourcePath),
			"Page":        metaValue(d.Metadata, models.MetaPageNum),
			"ChunkOrder":  metaValue(d.Metadata, models.MetaChunkOrder),
			"ContentType": metaValue(d.Metadata, models.MetaContentType),
			"Score":       d.Score,
			"Text":        d.Text,
		})
		if err != nil {
			return "", "", err
		}
		b.WriteString(block)
		b.WriteString("\n\n")
	}

	footer, err := e.prompts.Render(locale, templates.RAGFooter, map[string]any{"Query": query})
	if err != nil {
		return "", "", fmt.Errorf("failed to render prompt footer: %w", err)
	}
	b.WriteString(footer)

	return system, b.String(), nil
}

func (e *Engine) shouldRewrite(requested *bool) bool {
	if e.rewriter == nil {
		return false
	}
	if requested != nil {
		return *requested
	}
	return e.rewriteEnabled
}

func cleanQuery(q string) string {
	return strings.TrimSpace(strings.ReplaceAll(q, "\n", " "))
}

func metaValue(meta map[string]any, key string) any {
	if v, ok := meta[key]; ok && v != nil {
		return v
	}
	return ""
}

func sources(docs []models.RetrievedDocument) []Source {
	out := make([]Source, 0, len(docs))
	for _, d := range docs {
		name, _ := d.Metadata[models.MetaDocumentName].(string)
		path, _ := d.Metadata[models.MetaSourcePath].(string)
		id, _ := d.Metadata[models.MetaID].(string)
		ct, _ := d.Metadata[models.MetaContentType].(string)
		out = append(out, Source{
			DocumentName: name,
			SourcePath:   path,
			Page:         d.Metadata[models.MetaPageNum],
			ChunkID:      id,
			ContentType:  ct,
			Score:        d.Score,
		})
	}
	return out
}
