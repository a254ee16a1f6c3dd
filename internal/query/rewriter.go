package query

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/llm"
	"github.com/kb-engine/backend/internal/llm/templates"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/pkg/logger"
	"github.com/kb-engine/backend/pkg/utils"
)

const (
	LocaleEnglish = "en"
	LocaleArabic  = "ar"
)

var rewritePrefixes = []string{"Rewritten query:", "Rewritten Query:", "Query:"}

// RewriteCache stores rewritten queries between requests.
type RewriteCache interface {
	GetRewrite(ctx context.Context, key string) (string, bool, error)
	SetRewrite(ctx context.Context, key, rewritten string) error
}

// Rewriter asks the generation model for a retrieval-friendly version of a
// query. Any failure yields the original query.
type Rewriter struct {
	gen     llm.GenerationProvider
	prompts *templates.Catalog
	cache   RewriteCache
}

// NewRewriter builds a rewriter. cache may be nil.
func NewRewriter(gen llm.GenerationProvider, prompts *templates.Catalog, cache RewriteCache) *Rewriter {
	return &Rewriter{gen: gen, prompts: prompts, cache: cache}
}

// DetectLocale returns ar for queries containing Arabic script, else en.
func DetectLocale(query string) string {
	if utils.ContainsArabic(query) {
		return LocaleArabic
	}
	return LocaleEnglish
}

// Rewrite returns the rewritten query. crossLanguage, when nil, is inferred
// from the query script.
func (r *Rewriter) Rewrite(ctx context.Context, query, knowledgeBaseName string, crossLanguage *bool) string {
	locale := DetectLocale(query)
	cross := locale != LocaleEnglish
	if crossLanguage != nil {
		cross = *crossLanguage
	}

	name := templates.Rewrite
	if cross {
		name = templates.RewriteCrossLanguage
	}

	key := utils.HashString(locale + "|" + name + "|" + knowledgeBaseName + "|" + query)
	if r.cache != nil {
		cached, ok, err := r.cache.GetRewrite(ctx, key)
		switch {
		case err != nil:
			logger.Warn("Rewrite cache lookup failed", zap.Error(err))
		case ok:
			metrics.CacheHits.WithLabelValues("rewrite").Inc()
			metrics.QueryRewrites.WithLabelValues("cached").Inc()
			return cached
		default:
			metrics.CacheMisses.WithLabelValues("rewrite").Inc()
		}
	}

	prompt, err := r.prompts.Render(locale, name, map[string]any{
		"Query":         query,
		"KnowledgeBase": knowledgeBaseName,
	})
	if err != nil {
		logger.Warn("Failed to build rewrite prompt", zap.String("locale", locale), zap.Error(err))
		metrics.QueryRewrites.WithLabelValues("fallback").Inc()
		return query
	}

	raw, err := r.gen.Generate(ctx, prompt, nil)
	if err != nil {
		logger.Warn("Query rewrite failed, using original query", zap.Error(err))
		metrics.QueryRewrites.WithLabelValues("fallback").Inc()
		return query
	}

	rewritten := CleanRewrite(raw)
	if rewritten == "" {
		logger.Warn("Query rewrite returned nothing, using original query")
		metrics.QueryRewrites.WithLabelValues("fallback").Inc()
		return query
	}

	if r.cache != nil {
		if err := r.cache.SetRewrite(ctx, key, rewritten); err != nil {
			logger.Warn("Rewrite cache store failed", zap.Error(err))
		}
	}

	metrics.QueryRewrites.WithLabelValues("rewritten").Inc()
	logger.Debug("Query rewritten",
		zap.String("original", query),
		zap.String("rewritten", rewritten),
		zap.Bool("cross_language", cross),
	)
	return rewritten
}

// CleanRewrite strips the quotes and labels models tend to wrap answers in.
func CleanRewrite(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	for _, p := range rewritePrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimSpace(s[len(p):])
		}
	}
	return strings.TrimSpace(strings.Trim(s, `"'`))
}
