package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/query"
	"github.com/kb-engine/backend/internal/retrieval"
	"github.com/kb-engine/backend/internal/storage/models"
)

type fakeSearcher struct {
	results map[string][]string
	fail    map[string]error
	reqs    []query.SearchRequest
}

func (f *fakeSearcher) Search(_ context.Context, _ string, req query.SearchRequest) (*query.SearchResponse, error) {
	f.reqs = append(f.reqs, req)
	if err := f.fail[req.Query]; err != nil {
		return nil, err
	}
	res := &query.SearchResponse{Query: req.Query, Mode: req.Mode}
	for i, name := range f.results[req.Query] {
		res.Documents = append(res.Documents, models.RetrievedDocument{
			Text:     "text of " + name,
			Score:    1 / float64(i+1),
			Metadata: map[string]any{models.MetaDocumentName: name},
		})
	}
	return res, nil
}

type lengthEmbedder struct{}

func (lengthEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "oop") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func TestRunDatasetEvaluation(t *testing.T) {
	s := &fakeSearcher{
		results: map[string][]string{
			"what is a class":   {"oop.pdf", "intro.md"},
			"what is recursion": {"intro.md", "algorithms.pdf"},
			"what is a monad":   {"intro.md"},
		},
		fail: map[string]error{"broken": errors.New("timeout")},
	}
	e := NewEvaluator(s, lengthEmbedder{})

	report, err := e.RunDatasetEvaluation(context.Background(), "kb", &Dataset{Items: []DatasetItem{
		{Query: "what is a class", Expected: []string{"OOP.pdf"}, GroundTruth: "oop answer"},
		{Query: "what is recursion", Expected: []string{"algorithms.pdf"}},
		{Query: "what is a monad", Expected: []string{"haskell.pdf"}},
		{Query: "broken", Expected: []string{"x"}},
	}}, 3, retrieval.ModeHybrid)
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalQueries)
	assert.Equal(t, 1, report.FailedQueries)
	assert.Equal(t, 1, report.FullyRelevantCount)
	assert.Equal(t, 1, report.ModerateCount)
	assert.Equal(t, 1, report.IrrelevantCount)
	assert.InDelta(t, 2.0/3, report.HitRate, 1e-9)
	assert.InDelta(t, (1+0.5)/3, report.MeanReciprocalRank, 1e-9)
	require.Len(t, report.Results, 3)
	assert.Equal(t, 2, report.Results[1].Rank)
	assert.InDelta(t, 1, report.Results[0].CosineSimilarity, 1e-9)

	for _, req := range s.reqs {
		require.NotNil(t, req.Rewrite)
		assert.False(t, *req.Rewrite)
		assert.Equal(t, 3, req.Limit)
	}
	assert.Contains(t, GenerateReport(report), "MRR: 0.500")
}

func TestEvaluationStopsOnMissingKnowledgeBase(t *testing.T) {
	s := &fakeSearcher{fail: map[string]error{"q": apperr.Newf(apperr.NotFound, "Search", "kb")}}
	_, err := NewEvaluator(s, nil).RunDatasetEvaluation(context.Background(), "kb", &Dataset{Items: []DatasetItem{{Query: "q"}}}, 0, retrieval.ModeLexical)
	assert.ErrorIs(t, err, apperr.NotFound)

	_, err = NewEvaluator(s, nil).RunDatasetEvaluation(context.Background(), "kb", &Dataset{}, 0, retrieval.ModeLexical)
	assert.ErrorIs(t, err, apperr.InvalidInput)
}

func TestCompareRunsEachMode(t *testing.T) {
	s := &fakeSearcher{results: map[string][]string{"q": {"a.md"}}}
	reports, err := NewEvaluator(s, nil).Compare(context.Background(), "kb",
		&Dataset{Items: []DatasetItem{{Query: "q", Expected: []string{"a.md"}}}}, 2,
		retrieval.ModeSemantic, retrieval.ModeLexical, retrieval.ModeHybrid)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, retrieval.ModeLexical, reports[1].Mode)
	assert.Equal(t, 1.0, reports[2].MeanReciprocalRank)
}

func TestLoadDataset(t *testing.T) {
	ds, err := LoadDataset(strings.NewReader(`{"items":[{"query":"q","expected":["a.md"],"category":"basics"}]}`))
	require.NoError(t, err)
	require.Len(t, ds.Items, 1)
	assert.Equal(t, "basics", ds.Items[0].Category)

	_, err = LoadDataset(strings.NewReader(`{`))
	assert.ErrorIs(t, err, apperr.InvalidInput)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}
