// Package evaluation measures retrieval quality of a knowledge base against a
// labelled set of queries.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/query"
	"github.com/kb-engine/backend/internal/retrieval"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/pkg/logger"
)

const (
	Irrelevant    = "irrelevant"
	Moderate      = "moderate"
	FullyRelevant = "fully_relevant"

	DefaultLimit = 5
)

// Searcher runs one search against a knowledge base.
type Searcher interface {
	Search(ctx context.Context, knowledgeBaseID string, req query.SearchRequest) (*query.SearchResponse, error)
}

// Embedder is used to compare retrieved text with a ground-truth answer.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Evaluator struct {
	searcher Searcher
	embedder Embedder
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

// DatasetItem is one labelled query. Expected lists document names that
// count as correct hits.
type DatasetItem struct {
	Query       string   `json:"query"`
	Expected    []string `json:"expected"`
	GroundTruth string   `json:"ground_truth,omitempty"`
	Category    string   `json:"category,omitempty"`
}

type Result struct {
	Query            string  `json:"query"`
	Rank             int     `json:"rank"`
	Classification   string  `json:"classification"`
	TopScore         float64 `json:"top_score"`
	CosineSimilarity float64 `json:"cosine_similarity"`
}

type Report struct {
	Mode                    retrieval.Mode `json:"mode"`
	Limit                   int            `json:"limit"`
	TotalQueries            int            `json:"total_queries"`
	FailedQueries           int            `json:"failed_queries"`
	IrrelevantCount         int            `json:"irrelevant_count"`
	ModerateCount           int            `json:"moderate_count"`
	FullyRelevantCount      int            `json:"fully_relevant_count"`
	HitRate                 float64        `json:"hit_rate"`
	MeanReciprocalRank      float64        `json:"mrr"`
	AvgCosineSimilarity     float64        `json:"avg_cosine_similarity"`
	IrrelevantPercentage    float64        `json:"irrelevant_percentage"`
	ModeratePercentage      float64        `json:"moderate_percentage"`
	FullyRelevantPercentage float64        `json:"fully_relevant_percentage"`
	Results                 []Result       `json:"results"`
}

// NewEvaluator builds an evaluator. embedder may be nil, which skips the
// cosine similarity column.
func NewEvaluator(searcher Searcher, embedder Embedder) *Evaluator {
	return &Evaluator{
		searcher: searcher,
		embedder: embedder,
	}
}

// EvaluateQuery searches without rewriting and ranks the first document whose
// name is expected. Rank 0 means no expected document came back.
func (e *Evaluator) EvaluateQuery(ctx context.Context, knowledgeBaseID string, item DatasetItem, limit int, mode retrieval.Mode) (*Result, error) {
	off := false
	res, err := e.searcher.Search(ctx, knowledgeBaseID, query.SearchRequest{
		Query:   item.Query,
		Limit:   limit,
		Mode:    mode,
		Rewrite: &off,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Query: item.Query, Classification: Irrelevant}
	if len(res.Documents) > 0 {
		result.TopScore = res.Documents[0].Score
	}
	for i, doc := range res.Documents {
		if matches(doc, item.Expected) {
			result.Rank = i + 1
			break
		}
	}
	switch {
	case result.Rank == 1:
		result.Classification = FullyRelevant
	case result.Rank > 1:
		result.Classification = Moderate
	}

	if item.GroundTruth != "" && e.embedder != nil && len(res.Documents) > 0 {
		sim, err := e.calculateCosineSimilarity(ctx, res.Documents[0].Text, item.GroundTruth)
		if err != nil {
			logger.Warn("Failed to calculate cosine similarity", zap.Error(err))
		}
		result.CosineSimilarity = sim
	}

	return result, nil
}

// RunDatasetEvaluation evaluates every item. Items whose search fails are
// counted and left out of the averages.
func (e *Evaluator) RunDatasetEvaluation(ctx context.Context, knowledgeBaseID string, dataset *Dataset, limit int, mode retrieval.Mode) (*Report, error) {
	if dataset == nil || len(dataset.Items) == 0 {
		return nil, apperr.Newf(apperr.InvalidInput, "RunDatasetEvaluation", "dataset has no items")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	logger.Info("Running dataset evaluation",
		zap.String("knowledge_base_id", knowledgeBaseID),
		zap.String("mode", string(mode)),
		zap.Int("items", len(dataset.Items)),
	)

	report := &Report{Mode: mode, Limit: limit, TotalQueries: len(dataset.Items)}

	var totalReciprocal, totalCosine float64
	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.EvaluateQuery(ctx, knowledgeBaseID, item, limit, mode)
		if err != nil {
			if apperr.KindOf(err) == apperr.NotFound {
				return nil, err
			}
			logger.Warn("Failed to evaluate query", zap.Int("index", i), zap.Error(err))
			report.FailedQueries++
			continue
		}

		switch result.Classification {
		case Irrelevant:
			report.IrrelevantCount++
		case Moderate:
			report.ModerateCount++
		case FullyRelevant:
			report.FullyRelevantCount++
		}
		if result.Rank > 0 {
			totalReciprocal += 1 / float64(result.Rank)
		}
		totalCosine += result.CosineSimilarity
		report.Results = append(report.Results, *result)
	}

	if n := float64(len(report.Results)); n > 0 {
		report.HitRate = float64(report.ModerateCount+report.FullyRelevantCount) / n
		report.MeanReciprocalRank = totalReciprocal / n
		report.AvgCosineSimilarity = totalCosine / n

		report.IrrelevantPercentage = float64(report.IrrelevantCount) / n * 100
		report.ModeratePercentage = float64(report.ModerateCount) / n * 100
		report.FullyRelevantPercentage = float64(report.FullyRelevantCount) / n * 100
	}

	logger.Info("Dataset evaluation completed",
		zap.String("mode", string(mode)),
		zap.Int("total", report.TotalQueries),
		zap.Int("failed", report.FailedQueries),
		zap.Float64("hit_rate", report.HitRate),
		zap.Float64("mrr", report.MeanReciprocalRank),
	)

	return report, nil
}

// Compare runs the dataset once per mode.
func (e *Evaluator) Compare(ctx context.Context, knowledgeBaseID string, dataset *Dataset, limit int, modes ...retrieval.Mode) ([]*Report, error) {
	reports := make([]*Report, 0, len(modes))
	for _, mode := range modes {
		r, err := e.RunDatasetEvaluation(ctx, knowledgeBaseID, dataset, limit, mode)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (e *Evaluator) calculateCosineSimilarity(ctx context.Context, text1, text2 string) (float64, error) {
	emb1, err := e.embedder.EmbedQuery(ctx, text1)
	if err != nil {
		return 0, err
	}

	emb2, err := e.embedder.EmbedQuery(ctx, text2)
	if err != nil {
		return 0, err
	}

	return cosineSimilarity(emb1, emb2), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func matches(doc models.RetrievedDocument, expected []string) bool {
	name, _ := doc.Metadata[models.MetaDocumentName].(string)
	for _, want := range expected {
		if strings.EqualFold(strings.TrimSpace(want), name) {
			return true
		}
	}
	return false
}

func LoadDataset(r io.Reader) (*Dataset, error) {
	var dataset Dataset
	if err := json.NewDecoder(r).Decode(&dataset); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "LoadDataset", fmt.Errorf("failed to decode dataset: %w", err))
	}
	return &dataset, nil
}

func GenerateReport(report *Report) string {
	return fmt.Sprintf(`
Retrieval Evaluation (%s, top %d)
=================================

Total Queries: %d (failed: %d)

Classifications:
- Irrelevant: %d (%.1f%%)
- Found below rank 1: %d (%.1f%%)
- Found at rank 1: %d (%.1f%%)

Hit Rate: %.3f
MRR: %.3f
Cosine Similarity: %.3f
`,
		report.Mode, report.Limit,
		report.TotalQueries, report.FailedQueries,
		report.IrrelevantCount, report.IrrelevantPercentage,
		report.ModerateCount, report.ModeratePercentage,
		report.FullyRelevantCount, report.FullyRelevantPercentage,
		report.HitRate,
		report.MeanReciprocalRank,
		report.AvgCosineSimilarity,
	)
}
