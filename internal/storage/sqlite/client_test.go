package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func seedKnowledgeBase(t *testing.T, c *Client, name string) *models.KnowledgeBase {
	t.Helper()
	now := time.Now()
	kb := &models.KnowledgeBase{ID: models.NewID(), Name: name, DirPath: "/tmp/" + name, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, c.CreateKnowledgeBase(context.Background(), kb))
	return kb
}

func seedAsset(t *testing.T, c *Client, kbID, hash string) *models.Asset {
	t.Helper()
	a := &models.Asset{
		ID: models.NewID(), KnowledgeBaseID: kbID, Path: "/tmp/a.txt", ContentType: "text/plain",
		Name: "a.txt", Size: 10, ContentHash: hash, UploadedAt: time.Now(),
	}
	require.NoError(t, c.CreateAsset(context.Background(), a))
	return a
}

func chunk(kbID, assetID string, order int, text string) models.Chunk {
	return models.Chunk{
		ID: models.NewID(), KnowledgeBaseID: kbID, AssetID: assetID, Order: order, Text: text,
		Metadata: map[string]any{models.MetaContentType: models.ContentTypeText},
	}
}

func TestKnowledgeBaseNamesAreUniqueCaseInsensitively(t *testing.T) {
	c := newTestClient(t)
	seedKnowledgeBase(t, c, "physics")

	now := time.Now()
	err := c.CreateKnowledgeBase(context.Background(), &models.KnowledgeBase{
		ID: models.NewID(), Name: "PHYSICS", DirPath: "/tmp/x", CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, apperr.DuplicateResource)

	kb, err := c.GetKnowledgeBaseByName(context.Background(), "Physics")
	require.NoError(t, err)
	assert.Equal(t, "physics", kb.Name)
}

func TestAssetHashUniquenessAndLookup(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	kb := seedKnowledgeBase(t, c, "kb")
	other := seedKnowledgeBase(t, c, "other")

	a := seedAsset(t, c, kb.ID, "abc")
	seedAsset(t, c, other.ID, "abc")
	seedAsset(t, c, kb.ID, "")
	seedAsset(t, c, kb.ID, "")

	err := c.CreateAsset(ctx, &models.Asset{
		ID: models.NewID(), KnowledgeBaseID: kb.ID, Path: "p", ContentType: "text/plain",
		Name: "n", ContentHash: "abc", UploadedAt: time.Now(),
	})
	assert.ErrorIs(t, err, apperr.DuplicateResource)

	found, err := c.FindAssetByHash(ctx, kb.ID, "abc")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)

	none, err := c.FindAssetByHash(ctx, kb.ID, "")
	require.NoError(t, err)
	assert.Nil(t, none)

	missing, err := c.FindAssetByHash(ctx, kb.ID, "zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChunksListInOrderAndRejectDuplicateOrder(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	kb := seedKnowledgeBase(t, c, "kb")
	a := seedAsset(t, c, kb.ID, "h1")

	n, err := c.InsertChunks(ctx, []models.Chunk{
		chunk(kb.ID, a.ID, 2, "second"),
		chunk(kb.ID, a.ID, 1, "first"),
		chunk(kb.ID, a.ID, 3, "third"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	page1, err := c.ListChunks(ctx, kb.ID, a.ID, 1, 2)
	require.NoError(t, err)
	page2, err := c.ListChunks(ctx, kb.ID, a.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Len(t, page2, 1)
	assert.Equal(t, []int{1, 2, 3}, []int{page1[0].Order, page1[1].Order, page2[0].Order})
	assert.Equal(t, models.ContentTypeText, page1[0].Metadata[models.MetaContentType])

	_, err = c.InsertChunks(ctx, []models.Chunk{chunk(kb.ID, a.ID, 1, "again")})
	assert.Error(t, err)

	count, err := c.CountChunks(ctx, kb.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestSearchTextRanksAndScopesByKnowledgeBase(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	kb := seedKnowledgeBase(t, c, "kb")
	other := seedKnowledgeBase(t, c, "other")
	a := seedAsset(t, c, kb.ID, "h1")
	b := seedAsset(t, c, other.ID, "h2")

	_, err := c.InsertChunks(ctx, []models.Chunk{
		chunk(kb.ID, a.ID, 1, "Neural networks learn weights with backpropagation."),
		chunk(kb.ID, a.ID, 2, "Neural networks and neural architectures. Neural layers stack."),
		chunk(kb.ID, a.ID, 3, "Object oriented programming uses classes."),
	})
	require.NoError(t, err)
	_, err = c.InsertChunks(ctx, []models.Chunk{chunk(other.ID, b.ID, 1, "Neural everything.")})
	require.NoError(t, err)

	docs, err := c.SearchText(ctx, kb.ID, "neural?", 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Contains(t, docs[0].Text, "neural architectures")
	assert.Greater(t, docs[0].Score, docs[1].Score)
	assert.Greater(t, docs[1].Score, 0.0)
	assert.Equal(t, a.ID, docs[0].Metadata[models.MetaAssetID])
	assert.NotEmpty(t, docs[0].Metadata[models.MetaID])

	limited, err := c.SearchText(ctx, kb.ID, "neural classes", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// The limit applies after ranking, so the best match survives even
	// though it was inserted second.
	top, err := c.SearchText(ctx, kb.ID, "neural", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, docs[0].Text, top[0].Text)
	assert.InDelta(t, docs[0].Score, top[0].Score, 1e-9)

	empty, err := c.SearchText(ctx, kb.ID, "?!", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeleteKnowledgeBaseCascades(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	kb := seedKnowledgeBase(t, c, "kb")
	a := seedAsset(t, c, kb.ID, "h1")
	ch := chunk(kb.ID, a.ID, 1, "searchable text about gravity")
	_, err := c.InsertChunks(ctx, []models.Chunk{ch})
	require.NoError(t, err)

	require.NoError(t, c.DeleteKnowledgeBase(ctx, kb.ID))

	_, err = c.GetKnowledgeBase(ctx, kb.ID)
	assert.ErrorIs(t, err, apperr.NotFound)
	_, err = c.GetAsset(ctx, kb.ID, a.ID)
	assert.ErrorIs(t, err, apperr.NotFound)
	_, err = c.GetChunk(ctx, ch.ID)
	assert.ErrorIs(t, err, apperr.NotFound)

	docs, err := c.SearchText(ctx, kb.ID, "gravity", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)

	assert.ErrorIs(t, c.DeleteKnowledgeBase(ctx, kb.ID), apperr.NotFound)
}

func TestDeleteAssetRemovesChunks(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	kb := seedKnowledgeBase(t, c, "kb")
	a := seedAsset(t, c, kb.ID, "h1")
	keep := seedAsset(t, c, kb.ID, "h2")
	_, err := c.InsertChunks(ctx, []models.Chunk{chunk(kb.ID, a.ID, 1, "x"), chunk(kb.ID, keep.ID, 1, "y")})
	require.NoError(t, err)

	require.NoError(t, c.DeleteAsset(ctx, kb.ID, a.ID))

	n, err := c.CountChunks(ctx, kb.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.ErrorIs(t, c.DeleteAsset(ctx, kb.ID, a.ID), apperr.NotFound)
}

func TestBM25ZeroForEmptyBlob(t *testing.T) {
	assert.Equal(t, 0.0, bm25(nil))
}

func TestMatchExpression(t *testing.T) {
	assert.Equal(t, `"what" OR "is" OR "oop"`, matchExpression("What is OOP? oop"))
	assert.Equal(t, `"البرمجة"`, matchExpression("البرمجة؟"))
	assert.Equal(t, "", matchExpression(" ?! "))
}

func TestReplaceChunksKeepsOldSetOnFailure(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	kb := seedKnowledgeBase(t, c, "kb")
	a := seedAsset(t, c, kb.ID, "h1")

	_, err := c.InsertChunks(ctx, []models.Chunk{
		chunk(kb.ID, a.ID, 1, "old one"),
		chunk(kb.ID, a.ID, 2, "old two"),
	})
	require.NoError(t, err)

	// Duplicate order makes the second insert fail inside the transaction.
	_, err = c.ReplaceChunks(ctx, kb.ID, a.ID, []models.Chunk{
		chunk(kb.ID, a.ID, 1, "new one"),
		chunk(kb.ID, a.ID, 1, "new clash"),
	})
	require.Error(t, err)

	kept, err := c.ListChunks(ctx, kb.ID, a.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "old one", kept[0].Text)

	docs, err := c.SearchText(ctx, kb.ID, "old", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	n, err := c.ReplaceChunks(ctx, kb.ID, a.ID, []models.Chunk{chunk(kb.ID, a.ID, 1, "fresh text")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	replaced, err := c.ListChunks(ctx, kb.ID, a.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, replaced, 1)
	assert.Equal(t, "fresh text", replaced[0].Text)

	docs, err = c.SearchText(ctx, kb.ID, "old", 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
}
