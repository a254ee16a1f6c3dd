package zilliz

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/vector"
	"github.com/kb-engine/backend/pkg/logger"
)

const (
	fieldID       = "id"
	fieldVector   = "embedding"
	fieldMetadata = "metadata"

	idMaxLength = 64
	hnswM       = 16
	hnswEfBuild = 200
	hnswEf      = 64
)

// Client stores each knowledge base as a Milvus collection with a string
// primary key, a float vector and the chunk payload in a JSON column.
type Client struct {
	client client.Client
}

var _ vector.Store = (*Client)(nil)

func NewClient(ctx context.Context, endpoint, apiKey string) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized", zap.String("endpoint", endpoint))

	return &Client{client: c}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	has, err := z.client.HasCollection(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	return has, nil
}

func (z *Client) CreateCollection(ctx context.Context, name string, dim int, reset bool) error {
	if dim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}

	has, err := z.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if has && !reset {
		logger.Info("Collection already exists", zap.String("collection", name))
		return nil
	}
	if has {
		if err := z.client.DropCollection(ctx, name); err != nil {
			return fmt.Errorf("failed to drop collection: %w", err)
		}
	}

	schema := &entity.Schema{
		CollectionName: name,
		Description:    "knowledge base chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(idMaxLength),
				},
			},
			{
				Name:     fieldVector,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(dim),
				},
			},
			{
				Name:     fieldMetadata,
				DataType: entity.FieldTypeJSON,
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, hnswM, hnswEfBuild)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, name, fieldVector, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", name), zap.Int("dim", dim))

	return nil
}

func (z *Client) DropCollection(ctx context.Context, name string) error {
	has, err := z.CollectionExists(ctx, name)
	if err != nil || !has {
		return err
	}
	if err := z.client.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

func (z *Client) Upsert(ctx context.Context, name string, points []vector.Point, wait bool) error {
	if len(points) == 0 {
		return nil
	}
	if err := z.requireCollection(ctx, name); err != nil {
		return err
	}

	ids := make([]string, len(points))
	vectors := make([][]float32, len(points))
	payloads := make([][]byte, len(points))
	dim := len(points[0].Vector)

	for i, p := range points {
		if len(p.Vector) != dim {
			return fmt.Errorf("point %s has dimension %d, batch expects %d", p.ID, len(p.Vector), dim)
		}
		data, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		ids[i] = p.ID
		vectors[i] = p.Vector
		payloads[i] = data
	}

	_, err := z.client.Upsert(
		ctx,
		name,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldVector, dim, vectors),
		entity.NewColumnJSONBytes(fieldMetadata, payloads),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	if wait {
		if err := z.client.Flush(ctx, name, false); err != nil {
			return fmt.Errorf("failed to flush: %w", err)
		}
	}

	logger.Debug("Points upserted into vector DB", zap.String("collection", name), zap.Int("count", len(points)))

	return nil
}

func (z *Client) DeleteByFilter(ctx context.Context, name string, filter vector.Filter) error {
	has, err := z.CollectionExists(ctx, name)
	if err != nil || !has {
		return err
	}
	expr := FilterExpr(filter)
	if expr == "" {
		expr = fieldID + ` != ""`
	}
	if err := z.client.Delete(ctx, name, "", expr); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

func (z *Client) Search(ctx context.Context, name string, query []float32, limit int, filter *vector.Filter) ([]vector.ScoredPoint, error) {
	if err := z.requireCollection(ctx, name); err != nil {
		return nil, err
	}

	expr := ""
	if filter != nil {
		expr = FilterExpr(*filter)
	}

	sp, err := entity.NewIndexHNSWSearchParam(hnswEf)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		name,
		[]string{},
		expr,
		[]string{fieldID, fieldMetadata},
		[]entity.Vector{entity.FloatVector(query)},
		fieldVector,
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.ScoredPoint, 0)
	for _, sr := range searchResult {
		points, err := decodeRows(sr.Fields, sr.ResultCount)
		if err != nil {
			return nil, err
		}
		for i := range points {
			points[i].Score = float64(sr.Scores[i])
		}
		results = append(results, points...)
	}

	logger.Debug("Vector search completed",
		zap.String("collection", name),
		zap.Int("limit", limit),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)

	return results, nil
}

func (z *Client) SearchByFilter(ctx context.Context, name string, filter vector.Filter, limit int) ([]vector.ScoredPoint, error) {
	if err := z.requireCollection(ctx, name); err != nil {
		return nil, err
	}

	expr := FilterExpr(filter)
	if expr == "" {
		expr = fieldID + ` != ""`
	}

	rs, err := z.client.Query(ctx, name, nil, expr, []string{fieldID, fieldMetadata},
		client.WithLimit(int64(limit)),
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}

	col := rs.GetColumn(fieldID)
	if col == nil {
		return nil, nil
	}
	return decodeRows(rs, col.Len())
}

func (z *Client) requireCollection(ctx context.Context, name string) error {
	has, err := z.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("collection %s: %w", name, vector.ErrCollectionNotFound)
	}
	return nil
}

func decodeRows(rs client.ResultSet, n int) ([]vector.ScoredPoint, error) {
	idCol := rs.GetColumn(fieldID)
	metaCol := rs.GetColumn(fieldMetadata)
	if idCol == nil || metaCol == nil {
		return nil, fmt.Errorf("result set is missing %s or %s", fieldID, fieldMetadata)
	}

	points := make([]vector.ScoredPoint, 0, n)
	for i := 0; i < n; i++ {
		id, err := idCol.GetAsString(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read id: %w", err)
		}
		raw, err := metaCol.GetAsString(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		points = append(points, vector.ScoredPoint{ID: id, Payload: payload})
	}
	return points, nil
}

// FilterExpr renders a filter as a Milvus boolean expression over the JSON
// metadata column.
func FilterExpr(f vector.Filter) string {
	var parts []string
	if len(f.Match) > 0 {
		parts = append(parts, conjunction(f.Match))
	}
	if len(f.Any) > 0 {
		groups := make([]string, 0, len(f.Any))
		for _, g := range f.Any {
			groups = append(groups, "("+conjunction(g)+")")
		}
		parts = append(parts, "("+strings.Join(groups, " || ")+")")
	}
	return strings.Join(parts, " && ")
}

func conjunction(match map[string]any) string {
	terms := make([]string, 0, len(match))
	for _, k := range vector.SortedKeys(match) {
		terms = append(terms, fmt.Sprintf(`%s[%s] == %s`, fieldMetadata, strconv.Quote(k), literal(match[k])))
	}
	return strings.Join(terms, " && ")
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return strconv.Quote(fmt.Sprint(x))
	}
}
