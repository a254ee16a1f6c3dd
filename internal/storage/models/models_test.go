package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKnowledgeBaseName(t *testing.T) {
	got, err := NormalizeKnowledgeBaseName("  Course-Notes ")
	require.NoError(t, err)
	assert.Equal(t, "course-notes", got)

	for _, bad := range []string{"", "   ", "notes/2024", `a\b`, "what?", "محاضرات", "a|b"} {
		_, err := NormalizeKnowledgeBaseName(bad)
		assert.Error(t, err, bad)
	}
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "my_report_v2.pdf", SanitizeFileName(" my report (v2).pdf "))
	assert.Equal(t, "passwd", SanitizeFileName("../../etc/passwd"))
	assert.Equal(t, "notes.txt", SanitizeFileName("notes.txt"))
}

func TestDocumentName(t *testing.T) {
	prefix := RandomFilePrefix()
	require.Len(t, prefix, FilePrefixLength)

	assert.Equal(t, "lecture.pdf", DocumentName("/data/kb/"+prefix+"_lecture.pdf"))
	assert.Equal(t, "short.pdf", DocumentName("short.pdf"))
	assert.Equal(t, "abcdefghijklmnop.pdf", DocumentName("abcdefghijklmnop.pdf"))
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 24)
	assert.True(t, IsValidID(id))
	assert.NotEqual(t, id, NewID())
	assert.False(t, IsValidID("not-an-id"))
}
