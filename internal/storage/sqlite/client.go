package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/storage"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/pkg/logger"
)

// driverName is go-sqlite3 with the BM25 ranking function registered on
// every connection.
const driverName = "sqlite3_kb"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("kb_bm25", bm25, true)
		},
	})
}

type Client struct {
	db *sql.DB
}

var _ storage.Store = (*Client)(nil)

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps PRAGMAs and write ordering consistent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_bases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		dir_path TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		knowledge_base_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content_type TEXT NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		uploaded_at INTEGER NOT NULL,
		FOREIGN KEY (knowledge_base_id) REFERENCES knowledge_bases(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_assets_kb ON assets(knowledge_base_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_assets_kb_hash ON assets(knowledge_base_id, content_hash)
		WHERE content_hash != '';

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		knowledge_base_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		chunk_order INTEGER NOT NULL CHECK (chunk_order > 0),
		text TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		UNIQUE (asset_id, chunk_order),
		FOREIGN KEY (asset_id) REFERENCES assets(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_kb ON chunks(knowledge_base_id, asset_id, chunk_order);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts4(text, tokenize=unicode61);

	CREATE TRIGGER IF NOT EXISTS chunks_fts_insert AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(docid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_fts_delete AFTER DELETE ON chunks BEGIN
		DELETE FROM chunks_fts WHERE docid = old.rowid;
	END;
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

func (c *Client) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (id, name, dir_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.DirPath, kb.CreatedAt.UnixMilli(), kb.UpdatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.DuplicateResource, "CreateKnowledgeBase", "knowledge base %q already exists", kb.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

func (c *Client) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, dir_path, created_at, updated_at
		FROM knowledge_bases WHERE id = ?`, id)
	return scanKnowledgeBase(row, "GetKnowledgeBase", id)
}

func (c *Client) GetKnowledgeBaseByName(ctx context.Context, name string) (*models.KnowledgeBase, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, dir_path, created_at, updated_at
		FROM knowledge_bases WHERE name = ? COLLATE NOCASE`, name)
	return scanKnowledgeBase(row, "GetKnowledgeBaseByName", name)
}

func (c *Client) ListKnowledgeBases(ctx context.Context, page, pageSize int) ([]models.KnowledgeBase, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, dir_path, created_at, updated_at
		FROM knowledge_bases ORDER BY created_at, id LIMIT ? OFFSET ?`,
		pageSize, storage.Offset(page, pageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer rows.Close()

	var kbs []models.KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows, "ListKnowledgeBases", "")
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, *kb)
	}
	return kbs, rows.Err()
}

func (c *Client) DeleteKnowledgeBase(ctx context.Context, id string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE knowledge_base_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE knowledge_base_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete assets: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete knowledge base: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Newf(apperr.NotFound, "DeleteKnowledgeBase", "knowledge base %s", id)
		}
		return nil
	})
}

func (c *Client) CreateAsset(ctx context.Context, a *models.Asset) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO assets (id, knowledge_base_id, path, content_type, name, size, content_hash, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.KnowledgeBaseID, a.Path, a.ContentType, a.Name, a.Size, a.ContentHash, a.UploadedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.DuplicateResource, "CreateAsset", "asset with hash %s already exists", a.ContentHash)
	}
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	return nil
}

const assetColumns = `id, knowledge_base_id, path, content_type, name, size, content_hash, uploaded_at`

func (c *Client) GetAsset(ctx context.Context, knowledgeBaseID, assetID string) (*models.Asset, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+assetColumns+`
		FROM assets WHERE id = ? AND knowledge_base_id = ?`, assetID, knowledgeBaseID)
	return scanAsset(row, "GetAsset", assetID)
}

func (c *Client) FindAssetByHash(ctx context.Context, knowledgeBaseID, hash string) (*models.Asset, error) {
	if hash == "" {
		return nil, nil
	}
	row := c.db.QueryRowContext(ctx, `SELECT `+assetColumns+`
		FROM assets WHERE knowledge_base_id = ? AND content_hash = ?`, knowledgeBaseID, hash)
	asset, err := scanAsset(row, "FindAssetByHash", hash)
	if errors.Is(err, apperr.NotFound) {
		return nil, nil
	}
	return asset, err
}

func (c *Client) ListAssets(ctx context.Context, knowledgeBaseID string, page, pageSize int) ([]models.Asset, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+assetColumns+`
		FROM assets WHERE knowledge_base_id = ?
		ORDER BY uploaded_at, id LIMIT ? OFFSET ?`,
		knowledgeBaseID, pageSize, storage.Offset(page, pageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows, "ListAssets", "")
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (c *Client) DeleteAsset(ctx context.Context, knowledgeBaseID, assetID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE knowledge_base_id = ? AND asset_id = ?`,
			knowledgeBaseID, assetID); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE knowledge_base_id = ? AND id = ?`,
			knowledgeBaseID, assetID)
		if err != nil {
			return fmt.Errorf("failed to delete asset: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Newf(apperr.NotFound, "DeleteAsset", "asset %s", assetID)
		}
		return nil
	})
}

func (c *Client) InsertChunks(ctx context.Context, chunks []models.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		return insertChunks(ctx, tx, chunks)
	})
	if err != nil {
		return 0, err
	}

	logger.Debug("Chunks inserted", zap.Int("count", len(chunks)))
	return len(chunks), nil
}

// ReplaceChunks swaps an asset's chunks for chunks in one transaction. On any
// failure the previous chunks stay in place.
func (c *Client) ReplaceChunks(ctx context.Context, knowledgeBaseID, assetID string, chunks []models.Chunk) (int, error) {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE knowledge_base_id = ? AND asset_id = ?`,
			knowledgeBaseID, assetID); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		return insertChunks(ctx, tx, chunks)
	})
	if err != nil {
		return 0, err
	}

	logger.Debug("Chunks replaced", zap.String("asset_id", assetID), zap.Int("count", len(chunks)))
	return len(chunks), nil
}

func insertChunks(ctx context.Context, tx *sql.Tx, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, knowledge_base_id, asset_id, chunk_order, text, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, ch := range chunks {
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.KnowledgeBaseID, ch.AssetID, ch.Order, ch.Text, string(meta), now); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", ch.Order, err)
		}
	}
	return nil
}

const chunkColumns = `id, knowledge_base_id, asset_id, chunk_order, text, metadata`

func (c *Client) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	return scanChunk(row, "GetChunk", id)
}

func (c *Client) ListChunks(ctx context.Context, knowledgeBaseID, assetID string, page, pageSize int) ([]models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE knowledge_base_id = ?`
	args := []any{knowledgeBaseID}
	if assetID != "" {
		query += ` AND asset_id = ?`
		args = append(args, assetID)
	}
	query += ` ORDER BY asset_id, chunk_order LIMIT ? OFFSET ?`
	args = append(args, pageSize, storage.Offset(page, pageSize))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		ch, err := scanChunk(rows, "ListChunks", "")
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *ch)
	}
	return chunks, rows.Err()
}

func (c *Client) CountChunks(ctx context.Context, knowledgeBaseID, assetID string) (int64, error) {
	query := `SELECT COUNT(*) FROM chunks WHERE knowledge_base_id = ?`
	args := []any{knowledgeBaseID}
	if assetID != "" {
		query += ` AND asset_id = ?`
		args = append(args, assetID)
	}

	var n int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (c *Client) DeleteChunksByAsset(ctx context.Context, knowledgeBaseID, assetID string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM chunks WHERE knowledge_base_id = ? AND asset_id = ?`,
		knowledgeBaseID, assetID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKnowledgeBase(s scanner, op, key string) (*models.KnowledgeBase, error) {
	var (
		kb                   models.KnowledgeBase
		createdAt, updatedAt int64
	)
	err := s.Scan(&kb.ID, &kb.Name, &kb.DirPath, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, op, "knowledge base %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge base: %w", err)
	}
	kb.CreatedAt = time.UnixMilli(createdAt).UTC()
	kb.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &kb, nil
}

func scanAsset(s scanner, op, key string) (*models.Asset, error) {
	var (
		a          models.Asset
		uploadedAt int64
	)
	err := s.Scan(&a.ID, &a.KnowledgeBaseID, &a.Path, &a.ContentType, &a.Name, &a.Size, &a.ContentHash, &uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, op, "asset %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan asset: %w", err)
	}
	a.UploadedAt = time.UnixMilli(uploadedAt).UTC()
	return &a, nil
}

func scanChunk(s scanner, op, key string) (*models.Chunk, error) {
	var (
		ch   models.Chunk
		meta string
	)
	err := s.Scan(&ch.ID, &ch.KnowledgeBaseID, &ch.AssetID, &ch.Order, &ch.Text, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, op, "chunk %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &ch.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
	}
	return &ch, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
