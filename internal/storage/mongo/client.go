package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/storage"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/pkg/logger"
)

const (
	knowledgeBasesCollection = "knowledge_bases"
	assetsCollection         = "assets"
	chunksCollection         = "chunks"
)

// Client is a metadata store backed by MongoDB. Relevance for SearchText is
// the server's textScore.
type Client struct {
	client         *mongo.Client
	knowledgeBases *mongo.Collection
	assets         *mongo.Collection
	chunks         *mongo.Collection
}

var _ storage.Store = (*Client)(nil)

func NewClient(ctx context.Context, uri, database string) (*Client, error) {
	c, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	logger.Info("MongoDB client initialized", zap.String("database", database))
	return NewFromClient(c, database), nil
}

// NewFromClient wraps an already connected client.
func NewFromClient(c *mongo.Client, database string) *Client {
	db := c.Database(database)
	return &Client{
		client:         c,
		knowledgeBases: db.Collection(knowledgeBasesCollection),
		assets:         db.Collection(assetsCollection),
		chunks:         db.Collection(chunksCollection),
	}
}

func (c *Client) Close() error {
	return c.client.Disconnect(context.Background())
}

// InitSchema creates the unique, lookup and text indexes.
func (c *Client) InitSchema(ctx context.Context) error {
	_, err := c.knowledgeBases.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create knowledge base indexes: %w", err)
	}

	_, err = c.assets.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "knowledge_base_id", Value: 1}, {Key: "uploaded_at", Value: 1}}},
		{
			Keys: bson.D{{Key: "knowledge_base_id", Value: 1}, {Key: "content_hash", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"content_hash": bson.M{"$gt": ""}}),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create asset indexes: %w", err)
	}

	_, err = c.chunks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "asset_id", Value: 1}, {Key: "chunk_order", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "knowledge_base_id", Value: 1}, {Key: "asset_id", Value: 1}, {Key: "chunk_order", Value: 1}}},
		{Keys: bson.D{{Key: "text", Value: "text"}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create chunk indexes: %w", err)
	}

	logger.Info("MongoDB indexes initialized")
	return nil
}

func (c *Client) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	_, err := c.knowledgeBases.InsertOne(ctx, kb)
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Newf(apperr.DuplicateResource, "CreateKnowledgeBase", "knowledge base %q already exists", kb.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

func (c *Client) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	if err := findOne(ctx, c.knowledgeBases, bson.M{"_id": id}, &kb, "GetKnowledgeBase", id); err != nil {
		return nil, err
	}
	return &kb, nil
}

func (c *Client) GetKnowledgeBaseByName(ctx context.Context, name string) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	if err := findOne(ctx, c.knowledgeBases, bson.M{"name": name}, &kb, "GetKnowledgeBaseByName", name); err != nil {
		return nil, err
	}
	return &kb, nil
}

func (c *Client) ListKnowledgeBases(ctx context.Context, page, pageSize int) ([]models.KnowledgeBase, error) {
	var kbs []models.KnowledgeBase
	err := findAll(ctx, c.knowledgeBases, bson.M{}, pageOptions(page, pageSize, bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}), &kbs)
	return kbs, err
}

func (c *Client) DeleteKnowledgeBase(ctx context.Context, id string) error {
	if _, err := c.chunks.DeleteMany(ctx, bson.M{"knowledge_base_id": id}); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := c.assets.DeleteMany(ctx, bson.M{"knowledge_base_id": id}); err != nil {
		return fmt.Errorf("failed to delete assets: %w", err)
	}
	res, err := c.knowledgeBases.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	if res.DeletedCount == 0 {
		return apperr.Newf(apperr.NotFound, "DeleteKnowledgeBase", "knowledge base %s", id)
	}
	return nil
}

func (c *Client) CreateAsset(ctx context.Context, asset *models.Asset) error {
	_, err := c.assets.InsertOne(ctx, asset)
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Newf(apperr.DuplicateResource, "CreateAsset", "asset with hash %s already exists", asset.ContentHash)
	}
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	return nil
}

func (c *Client) GetAsset(ctx context.Context, knowledgeBaseID, assetID string) (*models.Asset, error) {
	var a models.Asset
	filter := bson.M{"_id": assetID, "knowledge_base_id": knowledgeBaseID}
	if err := findOne(ctx, c.assets, filter, &a, "GetAsset", assetID); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) FindAssetByHash(ctx context.Context, knowledgeBaseID, hash string) (*models.Asset, error) {
	if hash == "" {
		return nil, nil
	}
	var a models.Asset
	filter := bson.M{"knowledge_base_id": knowledgeBaseID, "content_hash": hash}
	err := findOne(ctx, c.assets, filter, &a, "FindAssetByHash", hash)
	if errors.Is(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListAssets(ctx context.Context, knowledgeBaseID string, page, pageSize int) ([]models.Asset, error) {
	var assets []models.Asset
	opts := pageOptions(page, pageSize, bson.D{{Key: "uploaded_at", Value: 1}, {Key: "_id", Value: 1}})
	err := findAll(ctx, c.assets, bson.M{"knowledge_base_id": knowledgeBaseID}, opts, &assets)
	return assets, err
}

func (c *Client) DeleteAsset(ctx context.Context, knowledgeBaseID, assetID string) error {
	if _, err := c.DeleteChunksByAsset(ctx, knowledgeBaseID, assetID); err != nil {
		return err
	}
	res, err := c.assets.DeleteOne(ctx, bson.M{"_id": assetID, "knowledge_base_id": knowledgeBaseID})
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	if res.DeletedCount == 0 {
		return apperr.Newf(apperr.NotFound, "DeleteAsset", "asset %s", assetID)
	}
	return nil
}

func (c *Client) InsertChunks(ctx context.Context, chunks []models.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	docs := make([]any, len(chunks))
	for i := range chunks {
		docs[i] = chunks[i]
	}
	res, err := c.chunks.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunks: %w", err)
	}
	return len(res.InsertedIDs), nil
}

// ReplaceChunks swaps the asset's chunks for chunks. Standalone servers have
// no multi-document transactions, so a failed insert is undone by hand: the
// partial new set is removed and the previous chunks are written back.
func (c *Client) ReplaceChunks(ctx context.Context, knowledgeBaseID, assetID string, chunks []models.Chunk) (int, error) {
	var previous []models.Chunk
	opts := options.Find().SetSort(bson.D{{Key: "chunk_order", Value: 1}})
	if err := findAll(ctx, c.chunks, chunkFilter(knowledgeBaseID, assetID), opts, &previous); err != nil {
		return 0, err
	}

	if _, err := c.DeleteChunksByAsset(ctx, knowledgeBaseID, assetID); err != nil {
		return 0, err
	}
	n, err := c.InsertChunks(ctx, chunks)
	if err == nil {
		return n, nil
	}

	if _, derr := c.DeleteChunksByAsset(ctx, knowledgeBaseID, assetID); derr != nil {
		logger.Error("Failed to remove partial chunks", zap.String("asset_id", assetID), zap.Error(derr))
		return 0, err
	}
	if _, rerr := c.InsertChunks(ctx, previous); rerr != nil {
		logger.Error("Failed to restore previous chunks",
			zap.String("asset_id", assetID),
			zap.Int("chunks", len(previous)),
			zap.Error(rerr),
		)
	}
	return 0, err
}

func (c *Client) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	var ch models.Chunk
	if err := findOne(ctx, c.chunks, bson.M{"_id": id}, &ch, "GetChunk", id); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) ListChunks(ctx context.Context, knowledgeBaseID, assetID string, page, pageSize int) ([]models.Chunk, error) {
	var chunks []models.Chunk
	opts := pageOptions(page, pageSize, bson.D{{Key: "asset_id", Value: 1}, {Key: "chunk_order", Value: 1}})
	err := findAll(ctx, c.chunks, chunkFilter(knowledgeBaseID, assetID), opts, &chunks)
	return chunks, err
}

func (c *Client) CountChunks(ctx context.Context, knowledgeBaseID, assetID string) (int64, error) {
	n, err := c.chunks.CountDocuments(ctx, chunkFilter(knowledgeBaseID, assetID))
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (c *Client) DeleteChunksByAsset(ctx context.Context, knowledgeBaseID, assetID string) (int64, error) {
	res, err := c.chunks.DeleteMany(ctx, chunkFilter(knowledgeBaseID, assetID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return res.DeletedCount, nil
}

type scoredChunk struct {
	models.Chunk `bson:",inline"`
	Score        float64 `bson:"score"`
}

func (c *Client) SearchText(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.RetrievedDocument, error) {
	if query == "" || limit <= 0 {
		return nil, nil
	}

	score := bson.M{"$meta": "textScore"}
	opts := options.Find().
		SetProjection(bson.M{"score": score}).
		SetSort(bson.D{{Key: "score", Value: score}}).
		SetLimit(int64(limit))

	filter := bson.M{
		"$text":             bson.M{"$search": query},
		"knowledge_base_id": knowledgeBaseID,
	}

	var hits []scoredChunk
	if err := findAll(ctx, c.chunks, filter, opts, &hits); err != nil {
		return nil, err
	}

	docs := make([]models.RetrievedDocument, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, models.RetrievedDocument{
			Text:     h.Text,
			Score:    h.Score,
			Metadata: storage.SearchMetadata(h.Chunk),
		})
	}
	return docs, nil
}

func chunkFilter(knowledgeBaseID, assetID string) bson.M {
	filter := bson.M{"knowledge_base_id": knowledgeBaseID}
	if assetID != "" {
		filter["asset_id"] = assetID
	}
	return filter
}

func pageOptions(page, pageSize int, sort bson.D) *options.FindOptions {
	return options.Find().
		SetSort(sort).
		SetSkip(int64(storage.Offset(page, pageSize))).
		SetLimit(int64(pageSize))
}

func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, out any, op, key string) error {
	err := coll.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.Newf(apperr.NotFound, op, "%s %s", coll.Name(), key)
	}
	if err != nil {
		return fmt.Errorf("failed to find in %s: %w", coll.Name(), err)
	}
	return nil
}

func findAll(ctx context.Context, coll *mongo.Collection, filter bson.M, opts *options.FindOptions, out any) error {
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", coll.Name(), err)
	}
	defer cur.Close(ctx)
	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", coll.Name(), err)
	}
	return nil
}

// Timeout bounds the startup connection attempt used by the provider registry.
const Timeout = 10 * time.Second
