package sqlite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/storage"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/pkg/logger"
)

// Okapi BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// SearchText matches any query term against chunk text in one knowledge base
// and ranks by BM25 computed from FTS4 matchinfo statistics. Ranking and the
// limit are applied inside SQLite.
func (c *Client) SearchText(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.RetrievedDocument, error) {
	match := matchExpression(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT c.id, c.knowledge_base_id, c.asset_id, c.chunk_order, c.text, c.metadata,
			kb_bm25(matchinfo(chunks_fts, 'pcnalx')) AS score
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.docid
		WHERE chunks_fts MATCH ? AND c.knowledge_base_id = ?
		ORDER BY score DESC, c.rowid
		LIMIT ?`,
		match, knowledgeBaseID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run text search: %w", err)
	}
	defer rows.Close()

	var docs []models.RetrievedDocument
	for rows.Next() {
		var (
			ch    models.Chunk
			meta  string
			score float64
		)
		if err := rows.Scan(&ch.ID, &ch.KnowledgeBaseID, &ch.AssetID, &ch.Order, &ch.Text, &meta, &score); err != nil {
			return nil, fmt.Errorf("failed to scan text search row: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &ch.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
		}

		docs = append(docs, models.RetrievedDocument{
			Text:     ch.Text,
			Score:    score,
			Metadata: storage.SearchMetadata(ch),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate text search rows: %w", err)
	}

	logger.Debug("Text search completed",
		zap.String("knowledge_base_id", knowledgeBaseID),
		zap.String("match", match),
		zap.Int("results", len(docs)),
	)

	return docs, nil
}

// matchExpression turns free text into an FTS OR-query of quoted terms.
func matchExpression(query string) string {
	terms := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r)
	})

	seen := make(map[string]struct{}, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(t)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// bm25 scores one row from a matchinfo 'pcnalx' blob: phrase count, column
// count, row count, per-column average lengths, per-column row lengths, then
// three hit counters per phrase and column.
func bm25(blob []byte) float64 {
	values := make([]uint32, len(blob)/4)
	for i := range values {
		values[i] = binary.NativeEndian.Uint32(blob[i*4:])
	}
	if len(values) < 3 {
		return 0
	}

	phrases, columns, rows := int(values[0]), int(values[1]), float64(values[2])
	avgLen := values[3 : 3+columns]
	rowLen := values[3+columns : 3+2*columns]
	hits := values[3+2*columns:]

	var score float64
	for p := 0; p < phrases; p++ {
		for col := 0; col < columns; col++ {
			base := 3 * (p*columns + col)
			if base+2 >= len(hits) {
				continue
			}
			tf := float64(hits[base])
			docs := float64(hits[base+2])
			if tf == 0 {
				continue
			}
			idf := math.Log((rows-docs+0.5)/(docs+0.5) + 1)
			norm := 1.0
			if avgLen[col] > 0 {
				norm = 1 - bm25B + bm25B*float64(rowLen[col])/float64(avgLen[col])
			}
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
	}
	return score
}
