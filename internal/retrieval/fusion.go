package retrieval

import (
	"fmt"
	"sort"

	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/pkg/utils"
)

const (
	DefaultAlpha  = 0.8
	identityRunes = 100
)

// Fuse merges semantic and lexical results. When one side is empty the other
// is returned as is, cut to limit. Otherwise each side is divided by its own
// maximum score, weighted by alpha (semantic) and 1-alpha (lexical), summed
// per document and sorted by the combined score.
func Fuse(semantic, lexical []models.RetrievedDocument, alpha float64, limit int) []models.RetrievedDocument {
	switch {
	case len(semantic) == 0 && len(lexical) == 0:
		return []models.RetrievedDocument{}
	case len(lexical) == 0:
		return truncate(semantic, limit)
	case len(semantic) == 0:
		return truncate(lexical, limit)
	}

	var (
		fused []models.RetrievedDocument
		index = make(map[string]int)
	)
	add := func(docs []models.RetrievedDocument, weight float64) {
		maxScore := maxScore(docs)
		for _, d := range docs {
			score := 0.0
			if maxScore > 0 {
				score = d.Score / maxScore
			}
			score *= weight

			key := Identity(d)
			if i, ok := index[key]; ok {
				fused[i].Score += score
				continue
			}
			index[key] = len(fused)
			fused = append(fused, models.RetrievedDocument{Text: d.Text, Score: score, Metadata: d.Metadata})
		}
	}
	add(semantic, alpha)
	add(lexical, 1-alpha)

	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	return truncate(fused, limit)
}

// Identity is the key used to match one document across retrieval paths:
// the metadata id when present, else a hash of the leading text. The hash
// fallback can miss near-duplicates whose leading text differs.
func Identity(d models.RetrievedDocument) string {
	if id, ok := d.Metadata[models.MetaID]; ok && id != nil {
		if s := fmt.Sprint(id); s != "" {
			return "id:" + s
		}
	}
	runes := []rune(d.Text)
	if len(runes) > identityRunes {
		runes = runes[:identityRunes]
	}
	return "text:" + utils.HashString(string(runes))
}

func maxScore(docs []models.RetrievedDocument) float64 {
	m := 0.0
	for _, d := range docs {
		if d.Score > m {
			m = d.Score
		}
	}
	return m
}

func truncate(docs []models.RetrievedDocument, limit int) []models.RetrievedDocument {
	if limit > 0 && len(docs) > limit {
		return docs[:limit]
	}
	return docs
}
