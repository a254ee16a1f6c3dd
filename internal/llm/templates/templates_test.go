package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesAllLocales(t *testing.T) {
	c, err := Load("en")
	require.NoError(t, err)
	assert.Equal(t, []string{"ar", "en"}, c.Locales())

	_, err = Load("fr")
	assert.Error(t, err)
}

func TestLookupFallsBackToDefaultLocale(t *testing.T) {
	c, err := Load("en")
	require.NoError(t, err)

	ar, err := c.Render("ar", RewriteCrossLanguage, map[string]any{"Query": "ما هي الشبكات", "KnowledgeBase": "physics"})
	require.NoError(t, err)
	assert.Contains(t, ar, "ما هي الشبكات")
	assert.Contains(t, ar, "physics")

	// ar has no monolingual rewrite template
	en, err := c.Render("ar", Rewrite, map[string]any{"Query": "q", "KnowledgeBase": "kb"})
	require.NoError(t, err)
	assert.Contains(t, en, `Original query: "q"`)

	fr, err := c.Render("fr", RAGFooter, map[string]any{"Query": "why?"})
	require.NoError(t, err)
	assert.Contains(t, fr, "## Question:\nwhy?")

	_, err = c.Lookup("en", "nope")
	assert.Error(t, err)
}

func TestRenderDocumentBlock(t *testing.T) {
	c, err := Load("en")
	require.NoError(t, err)

	out, err := c.Render("en", RAGDocument, map[string]any{
		"Number": 1, "Name": "lecture.pdf", "SourcePath": "/kb/lecture.pdf", "Page": 3,
		"ChunkOrder": 7, "ContentType": "text", "Score": 0.5, "Text": "body",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "## Document Number: 1")
	assert.Contains(t, out, "## Relevance Score: 0.5000")
	assert.Contains(t, out, "### Content: body")
}

func TestRenderMissingVariableFails(t *testing.T) {
	c, err := Load("en")
	require.NoError(t, err)

	_, err = c.Render("en", RAGFooter, map[string]any{})
	assert.Error(t, err)
}
