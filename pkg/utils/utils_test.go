package utils

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashReaderMatchesHashString(t *testing.T) {
	content := strings.Repeat("knowledge base ", HashBlockSize/8)

	got, err := HashReader(context.Background(), strings.NewReader(content))

	require.NoError(t, err)
	assert.Equal(t, HashString(content), got)
	assert.Len(t, got, 64)
}

func TestHashReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := HashReader(ctx, strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContainsArabic(t *testing.T) {
	assert.True(t, ContainsArabic("ما هي البرمجة"))
	assert.True(t, ContainsArabic("what is البرمجة"))
	assert.False(t, ContainsArabic("object oriented programming"))
	assert.False(t, ContainsArabic(""))
}
