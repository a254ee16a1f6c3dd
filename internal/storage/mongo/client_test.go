package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/storage/models"
)

const testDatabase = "kb_test"

func newMock(t *testing.T) *mtest.T {
	return mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
}

func started(mt *mtest.T) []*event.CommandStartedEvent {
	var out []*event.CommandStartedEvent
	for e := mt.GetStartedEvent(); e != nil; e = mt.GetStartedEvent() {
		out = append(out, e)
	}
	return out
}

func ns(collection string) string {
	return testDatabase + "." + collection
}

func duplicateKey() bson.D {
	return mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"})
}

func chunkDoc(kbID, assetID string, order int, text string) bson.D {
	return bson.D{
		{Key: "_id", Value: models.NewID()},
		{Key: "knowledge_base_id", Value: kbID},
		{Key: "asset_id", Value: assetID},
		{Key: "chunk_order", Value: order},
		{Key: "text", Value: text},
		{Key: "metadata", Value: bson.D{{Key: models.MetaContentType, Value: models.ContentTypeText}}},
	}
}

func TestInitSchemaCreatesUniqueAndTextIndexes(t *testing.T) {
	mt := newMock(t)
	mt.Run("indexes", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		mt.AddMockResponses(mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse())

		require.NoError(t, c.InitSchema(context.Background()))

		events := started(mt)
		require.Len(t, events, 3)

		kbIndexes, err := events[0].Command.Lookup("indexes").Array().Values()
		require.NoError(t, err)
		assert.True(t, kbIndexes[0].Document().Lookup("unique").Boolean())

		assert.Equal(t, assetsCollection, events[1].Command.Lookup("createIndexes").StringValue())
		assetIndexes, err := events[1].Command.Lookup("indexes").Array().Values()
		require.NoError(t, err)
		require.Len(t, assetIndexes, 2)
		hashIndex := assetIndexes[1].Document()
		assert.True(t, hashIndex.Lookup("unique").Boolean())
		assert.Equal(t, "", hashIndex.Lookup("partialFilterExpression", "content_hash", "$gt").StringValue())

		chunkIndexes, err := events[2].Command.Lookup("indexes").Array().Values()
		require.NoError(t, err)
		require.Len(t, chunkIndexes, 3)
		assert.Equal(t, "text", chunkIndexes[2].Document().Lookup("key", "text").StringValue())
	})
}

func TestDuplicateKeysMapToDuplicateResource(t *testing.T) {
	mt := newMock(t)
	mt.Run("knowledge base", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		mt.AddMockResponses(duplicateKey())

		err := c.CreateKnowledgeBase(context.Background(), &models.KnowledgeBase{ID: models.NewID(), Name: "docs"})
		assert.ErrorIs(t, err, apperr.DuplicateResource)
	})
	mt.Run("asset hash", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		mt.AddMockResponses(duplicateKey())

		err := c.CreateAsset(context.Background(), &models.Asset{ID: models.NewID(), KnowledgeBaseID: models.NewID(), ContentHash: "abc"})
		assert.ErrorIs(t, err, apperr.DuplicateResource)
	})
}

func TestFindAssetByHash(t *testing.T) {
	mt := newMock(t)
	mt.Run("empty hash never queries", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)

		a, err := c.FindAssetByHash(context.Background(), models.NewID(), "")
		require.NoError(t, err)
		assert.Nil(t, a)
		assert.Empty(t, started(mt))
	})
	mt.Run("miss", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(assetsCollection), mtest.FirstBatch))

		a, err := c.FindAssetByHash(context.Background(), models.NewID(), "abc")
		require.NoError(t, err)
		assert.Nil(t, a)
	})
	mt.Run("hit", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		kbID, assetID := models.NewID(), models.NewID()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(assetsCollection), mtest.FirstBatch, bson.D{
			{Key: "_id", Value: assetID},
			{Key: "knowledge_base_id", Value: kbID},
			{Key: "name", Value: "notes.md"},
			{Key: "content_hash", Value: "abc"},
			{Key: "uploaded_at", Value: time.Now()},
		}))

		a, err := c.FindAssetByHash(context.Background(), kbID, "abc")
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, assetID, a.ID)
		assert.Equal(t, "notes.md", a.Name)

		events := started(mt)
		require.Len(t, events, 1)
		assert.Equal(t, kbID, events[0].Command.Lookup("filter", "knowledge_base_id").StringValue())
		assert.Equal(t, "abc", events[0].Command.Lookup("filter", "content_hash").StringValue())
	})
}

func TestGetKnowledgeBaseNotFound(t *testing.T) {
	mt := newMock(t)
	mt.Run("missing", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(knowledgeBasesCollection), mtest.FirstBatch))

		_, err := c.GetKnowledgeBase(context.Background(), models.NewID())
		assert.ErrorIs(t, err, apperr.NotFound)
	})
}

func TestSearchTextUsesTextScore(t *testing.T) {
	mt := newMock(t)
	mt.Run("ranked", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		kbID, assetID := models.NewID(), models.NewID()
		hit := append(chunkDoc(kbID, assetID, 2, "neural networks"), bson.E{Key: "score", Value: 1.5})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(chunksCollection), mtest.FirstBatch, hit))

		docs, err := c.SearchText(context.Background(), kbID, "neural", 3)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "neural networks", docs[0].Text)
		assert.Equal(t, 1.5, docs[0].Score)
		assert.Equal(t, assetID, docs[0].Metadata[models.MetaAssetID])
		assert.Equal(t, 2, docs[0].Metadata[models.MetaChunkOrder])
		assert.Equal(t, models.ContentTypeText, docs[0].Metadata[models.MetaContentType])

		events := started(mt)
		require.Len(t, events, 1)
		cmd := events[0].Command
		assert.Equal(t, "neural", cmd.Lookup("filter", "$text", "$search").StringValue())
		assert.Equal(t, kbID, cmd.Lookup("filter", "knowledge_base_id").StringValue())
		assert.Equal(t, "textScore", cmd.Lookup("sort", "score", "$meta").StringValue())
		assert.EqualValues(t, 3, cmd.Lookup("limit").AsInt64())
	})
	mt.Run("blank query", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)

		docs, err := c.SearchText(context.Background(), models.NewID(), "", 3)
		require.NoError(t, err)
		assert.Empty(t, docs)
		assert.Empty(t, started(mt))
	})
}

func TestDeleteKnowledgeBaseCascades(t *testing.T) {
	mt := newMock(t)
	mt.Run("cascade", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		kbID := models.NewID()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		require.NoError(t, c.DeleteKnowledgeBase(context.Background(), kbID))

		events := started(mt)
		require.Len(t, events, 3)
		for i, coll := range []string{chunksCollection, assetsCollection, knowledgeBasesCollection} {
			assert.Equal(t, "delete", events[i].CommandName)
			assert.Equal(t, coll, events[i].Command.Lookup("delete").StringValue())
		}
		deletes, err := events[0].Command.Lookup("deletes").Array().Values()
		require.NoError(t, err)
		assert.Equal(t, kbID, deletes[0].Document().Lookup("q", "knowledge_base_id").StringValue())
	})
	mt.Run("missing", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		err := c.DeleteKnowledgeBase(context.Background(), models.NewID())
		assert.ErrorIs(t, err, apperr.NotFound)
	})
}

func TestCountChunks(t *testing.T) {
	mt := newMock(t)
	mt.Run("count", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(chunksCollection), mtest.FirstBatch, bson.D{{Key: "n", Value: 4}}))

		n, err := c.CountChunks(context.Background(), models.NewID(), models.NewID())
		require.NoError(t, err)
		assert.EqualValues(t, 4, n)
	})
}

func TestReplaceChunksRestoresPreviousSetOnFailure(t *testing.T) {
	mt := newMock(t)
	mt.Run("restore", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		kbID, assetID := models.NewID(), models.NewID()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns(chunksCollection), mtest.FirstBatch, chunkDoc(kbID, assetID, 1, "old text")),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			duplicateKey(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		_, err := c.ReplaceChunks(context.Background(), kbID, assetID, []models.Chunk{
			{ID: models.NewID(), KnowledgeBaseID: kbID, AssetID: assetID, Order: 1, Text: "new text"},
		})
		require.Error(t, err)

		events := started(mt)
		require.Len(t, events, 5)
		assert.Equal(t, []string{"find", "delete", "insert", "delete", "insert"}, []string{
			events[0].CommandName, events[1].CommandName, events[2].CommandName, events[3].CommandName, events[4].CommandName,
		})
		restored, err := events[4].Command.Lookup("documents").Array().Values()
		require.NoError(t, err)
		require.Len(t, restored, 1)
		assert.Equal(t, "old text", restored[0].Document().Lookup("text").StringValue())
	})
	mt.Run("success", func(mt *mtest.T) {
		c := NewFromClient(mt.Client, testDatabase)
		kbID, assetID := models.NewID(), models.NewID()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns(chunksCollection), mtest.FirstBatch),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}),
		)

		n, err := c.ReplaceChunks(context.Background(), kbID, assetID, []models.Chunk{
			{ID: models.NewID(), KnowledgeBaseID: kbID, AssetID: assetID, Order: 1, Text: "a"},
			{ID: models.NewID(), KnowledgeBaseID: kbID, AssetID: assetID, Order: 2, Text: "b"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
