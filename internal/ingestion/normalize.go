package ingestion

import (
	"regexp"
	"strings"

	"github.com/kb-engine/backend/pkg/utils"
)

var (
	urlPattern        = regexp.MustCompile(`https?://\S+|www\.\S+`)
	emailPattern      = regexp.MustCompile(`\S+@\S+\.\S+`)
	phonePattern      = regexp.MustCompile(`\+?\d[\d\s\-\(\)]{8,}\d`)
	diacriticsPattern = regexp.MustCompile(`[\x{064B}-\x{065F}\x{0670}]`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

const tatweel = "ـ"

// Normalize strips URLs, e-mail addresses and phone numbers, removes Arabic
// diacritics and tatweel when the text is Arabic, and collapses whitespace.
func Normalize(text string) string {
	text = urlPattern.ReplaceAllString(text, "")
	text = emailPattern.ReplaceAllString(text, "")
	text = phonePattern.ReplaceAllString(text, "")

	if utils.ContainsArabic(text) {
		text = diacriticsPattern.ReplaceAllString(text, "")
		text = strings.ReplaceAll(text, tatweel, "")
	}

	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
