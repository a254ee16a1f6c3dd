package zilliz

import (
	"context"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-engine/backend/internal/vector"
)

func TestFilterExpr(t *testing.T) {
	assert.Equal(t, "", FilterExpr(vector.Filter{}))

	assert.Equal(t,
		`metadata["asset_id"] == "a1"`,
		FilterExpr(vector.Filter{Match: map[string]any{"asset_id": "a1"}}),
	)

	got := FilterExpr(vector.Filter{
		Match: map[string]any{"knowledge_base_id": "kb"},
		Any: []map[string]any{
			{"asset_id": "a1", "chunk_order": 1},
			{"asset_id": "a1", "chunk_order": 2},
		},
	})
	assert.Equal(t,
		`metadata["knowledge_base_id"] == "kb" && `+
			`((metadata["asset_id"] == "a1" && metadata["chunk_order"] == 1) || `+
			`(metadata["asset_id"] == "a1" && metadata["chunk_order"] == 2))`,
		got,
	)
}

func TestLiteralQuotesStrings(t *testing.T) {
	assert.Equal(t, `"say \"hi\""`, literal(`say "hi"`))
	assert.Equal(t, "2.5", literal(2.5))
	assert.Equal(t, "true", literal(true))
	assert.Equal(t, "7", literal(int64(7)))
}

type fakeMilvus struct {
	client.Client

	collections map[string]bool
	schema      *entity.Schema
	index       entity.Index
	loaded      []string
	dropped     []string
	upserted    []entity.Column
	flushes     int
	deletes     []string
	searchExpr  string
	searchTopK  int
	queryExpr   string

	searchResults []client.SearchResult
	queryResult   client.ResultSet
}

func newFake(existing ...string) (*fakeMilvus, *Client) {
	f := &fakeMilvus{collections: map[string]bool{}}
	for _, name := range existing {
		f.collections[name] = true
	}
	return f, &Client{client: f}
}

func (f *fakeMilvus) HasCollection(_ context.Context, name string) (bool, error) {
	return f.collections[name], nil
}

func (f *fakeMilvus) CreateCollection(_ context.Context, schema *entity.Schema, _ int32, _ ...client.CreateCollectionOption) error {
	f.schema = schema
	f.collections[schema.CollectionName] = true
	return nil
}

func (f *fakeMilvus) DropCollection(_ context.Context, name string, _ ...client.DropCollectionOption) error {
	f.dropped = append(f.dropped, name)
	delete(f.collections, name)
	return nil
}

func (f *fakeMilvus) CreateIndex(_ context.Context, _ string, _ string, idx entity.Index, _ bool, _ ...client.IndexOption) error {
	f.index = idx
	return nil
}

func (f *fakeMilvus) LoadCollection(_ context.Context, name string, _ bool, _ ...client.LoadCollectionOption) error {
	f.loaded = append(f.loaded, name)
	return nil
}

func (f *fakeMilvus) Upsert(_ context.Context, _ string, _ string, columns ...entity.Column) (entity.Column, error) {
	f.upserted = columns
	return columns[0], nil
}

func (f *fakeMilvus) Flush(_ context.Context, _ string, _ bool, _ ...client.FlushOption) error {
	f.flushes++
	return nil
}

func (f *fakeMilvus) Delete(_ context.Context, _ string, _ string, expr string) error {
	f.deletes = append(f.deletes, expr)
	return nil
}

func (f *fakeMilvus) Search(_ context.Context, _ string, _ []string, expr string, _ []string, _ []entity.Vector, _ string, _ entity.MetricType, topK int, _ entity.SearchParam, _ ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.searchExpr = expr
	f.searchTopK = topK
	return f.searchResults, nil
}

func (f *fakeMilvus) Query(_ context.Context, _ string, _ []string, expr string, _ []string, _ ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	f.queryExpr = expr
	return f.queryResult, nil
}

func rows(ids []string, payloads ...string) client.ResultSet {
	raw := make([][]byte, len(payloads))
	for i, p := range payloads {
		raw[i] = []byte(p)
	}
	return client.ResultSet{
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnJSONBytes(fieldMetadata, raw),
	}
}

func TestCreateCollectionSchemaAndIndex(t *testing.T) {
	f, z := newFake()

	require.NoError(t, z.CreateCollection(context.Background(), "kb", 3, false))

	require.NotNil(t, f.schema)
	require.Len(t, f.schema.Fields, 3)
	id, vec, meta := f.schema.Fields[0], f.schema.Fields[1], f.schema.Fields[2]
	assert.True(t, id.PrimaryKey)
	assert.False(t, id.AutoID)
	assert.Equal(t, entity.FieldTypeVarChar, id.DataType)
	assert.Equal(t, "64", id.TypeParams["max_length"])
	assert.Equal(t, entity.FieldTypeFloatVector, vec.DataType)
	assert.Equal(t, "3", vec.TypeParams["dim"])
	assert.Equal(t, entity.FieldTypeJSON, meta.DataType)

	params := f.index.Params()
	assert.Equal(t, "HNSW", params["index_type"])
	assert.Equal(t, string(entity.COSINE), params["metric_type"])
	assert.Equal(t, []string{"kb"}, f.loaded)
}

func TestCreateCollectionRespectsReset(t *testing.T) {
	f, z := newFake("kb")

	require.NoError(t, z.CreateCollection(context.Background(), "kb", 3, false))
	assert.Nil(t, f.schema)
	assert.Empty(t, f.dropped)

	require.NoError(t, z.CreateCollection(context.Background(), "kb", 3, true))
	assert.Equal(t, []string{"kb"}, f.dropped)
	assert.NotNil(t, f.schema)

	assert.Error(t, z.CreateCollection(context.Background(), "other", 0, false))
}

func TestUpsertBuildsColumns(t *testing.T) {
	f, z := newFake("kb")
	points := []vector.Point{
		{ID: "c1", Vector: []float32{1, 0}, Payload: map[string]any{"text": "alpha"}},
		{ID: "c2", Vector: []float32{0, 1}, Payload: map[string]any{"text": "beta"}},
	}

	require.NoError(t, z.Upsert(context.Background(), "kb", points, true))

	require.Len(t, f.upserted, 3)
	assert.Equal(t, []string{"c1", "c2"}, f.upserted[0].(*entity.ColumnVarChar).Data())
	vectors := f.upserted[1].(*entity.ColumnFloatVector)
	assert.Equal(t, 2, vectors.Dim())
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors.Data())
	assert.JSONEq(t, `{"text":"beta"}`, string(f.upserted[2].(*entity.ColumnJSONBytes).Data()[1]))
	assert.Equal(t, 1, f.flushes)
}

func TestUpsertRejectsMixedDimensions(t *testing.T) {
	f, z := newFake("kb")
	err := z.Upsert(context.Background(), "kb", []vector.Point{
		{ID: "c1", Vector: []float32{1, 0}},
		{ID: "c2", Vector: []float32{1, 0, 0}},
	}, false)

	assert.Error(t, err)
	assert.Nil(t, f.upserted)
}

func TestMissingCollection(t *testing.T) {
	f, z := newFake()

	err := z.Upsert(context.Background(), "kb", []vector.Point{{ID: "c1", Vector: []float32{1}}}, false)
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)

	_, err = z.Search(context.Background(), "kb", []float32{1}, 3, nil)
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)

	_, err = z.SearchByFilter(context.Background(), "kb", vector.Filter{}, 3)
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)

	require.NoError(t, z.DeleteByFilter(context.Background(), "kb", vector.Filter{}))
	require.NoError(t, z.DropCollection(context.Background(), "kb"))
	assert.Empty(t, f.deletes)
	assert.Empty(t, f.dropped)
}

func TestDeleteByFilterExpressions(t *testing.T) {
	f, z := newFake("kb")

	require.NoError(t, z.DeleteByFilter(context.Background(), "kb", vector.Filter{Match: map[string]any{"asset_id": "a1"}}))
	require.NoError(t, z.DeleteByFilter(context.Background(), "kb", vector.Filter{}))

	assert.Equal(t, []string{`metadata["asset_id"] == "a1"`, `id != ""`}, f.deletes)
}

func TestSearchDecodesScoredRows(t *testing.T) {
	f, z := newFake("kb")
	f.searchResults = []client.SearchResult{{
		ResultCount: 2,
		Fields:      rows([]string{"c1", "c2"}, `{"text":"alpha","chunk_order":1}`, `{"text":"beta","chunk_order":2}`),
		Scores:      []float32{0.75, 0.5},
	}}

	filter := &vector.Filter{Match: map[string]any{"asset_id": "a1"}}
	got, err := z.Search(context.Background(), "kb", []float32{1, 0}, 2, filter)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.InDelta(t, 0.75, got[0].Score, 1e-6)
	assert.Equal(t, "beta", got[1].Payload["text"])
	assert.Equal(t, float64(2), got[1].Payload["chunk_order"])
	assert.Equal(t, `metadata["asset_id"] == "a1"`, f.searchExpr)
	assert.Equal(t, 2, f.searchTopK)
}

func TestSearchByFilter(t *testing.T) {
	f, z := newFake("kb")
	f.queryResult = rows([]string{"c3"}, `{"text":"gamma"}`)

	got, err := z.SearchByFilter(context.Background(), "kb", vector.Filter{}, 5)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "gamma", got[0].Payload["text"])
	assert.Equal(t, `id != ""`, f.queryExpr)
}

func TestDecodeRowsRequiresColumns(t *testing.T) {
	_, err := decodeRows(client.ResultSet{entity.NewColumnVarChar(fieldID, []string{"c1"})}, 1)
	assert.Error(t, err)

	_, err = decodeRows(rows([]string{"c1"}, `not json`), 1)
	assert.Error(t, err)
}
