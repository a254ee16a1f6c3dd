package retrieval

import (
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/ingestion"
	"github.com/kb-engine/backend/pkg/logger"
	"github.com/kb-engine/backend/pkg/utils"
)

// Part-of-speech tag prefixes worth searching for.
var keywordTags = []string{"NN", "VB", "JJ", "CD", "FW"}

var auxiliaries = map[string]bool{
	"be": true, "is": true, "are": true, "was": true, "were": true, "been": true, "being": true,
	"am": true, "do": true, "does": true, "did": true, "has": true, "have": true, "had": true,
	"can": true, "could": true, "should": true, "would": true, "will": true, "may": true, "might": true,
}

var arabicStopwords = map[string]bool{
	"في": true, "من": true, "على": true, "إلى": true, "الى": true, "عن": true, "مع": true,
	"ما": true, "ماذا": true, "لماذا": true, "كيف": true, "متى": true, "أين": true, "هل": true,
	"هو": true, "هي": true, "هذا": true, "هذه": true, "ذلك": true, "تلك": true, "التي": true,
	"الذي": true, "أن": true, "إن": true, "كان": true, "او": true, "أو": true, "و": true,
}

// ExtractKeywords reduces a query to the terms worth sending to full-text
// search. It returns the cleaned query when no keyword survives.
func ExtractKeywords(query string) string {
	arabic := utils.ContainsArabic(query)
	clean := cleanQuery(query, arabic)

	var keywords []string
	if arabic {
		keywords = arabicKeywords(clean)
	} else {
		keywords = latinKeywords(clean)
	}

	if len(keywords) == 0 {
		return clean
	}
	return strings.Join(keywords, " ")
}

func cleanQuery(query string, arabic bool) string {
	var r *strings.Replacer
	if arabic {
		r = strings.NewReplacer("\n", " ", "؟", " ", "،", " ")
	} else {
		r = strings.NewReplacer("\n", " ", "?", " ", ".", " ", ",", " ")
	}
	return strings.Join(strings.Fields(r.Replace(query)), " ")
}

func arabicKeywords(clean string) []string {
	var out []string
	for _, tok := range strings.Fields(ingestion.Normalize(clean)) {
		if utf8.RuneCountInString(tok) > 1 && !arabicStopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

func latinKeywords(clean string) []string {
	if clean == "" {
		return nil
	}
	doc, err := prose.NewDocument(clean,
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		logger.Debug("Keyword tagging failed, using plain tokens", zap.Error(err))
		return strings.Fields(clean)
	}

	var out []string
	for _, tok := range doc.Tokens() {
		if utf8.RuneCountInString(tok.Text) <= 1 || auxiliaries[strings.ToLower(tok.Text)] {
			continue
		}
		for _, prefix := range keywordTags {
			if strings.HasPrefix(tok.Tag, prefix) {
				out = append(out, tok.Text)
				break
			}
		}
	}
	return out
}
