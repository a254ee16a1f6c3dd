package llm

import "context"

// Role distinguishes embeddings of stored documents from embeddings of
// search queries. Some models place the two in different regions of the
// vector space.
type Role string

const (
	RoleDocument Role = "document"
	RoleQuery    Role = "query"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	MessageRoleSystem    = "system"
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// EmbeddingProvider turns texts into fixed-size vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string, role Role) ([][]float32, error)
	// Dimension is the vector size of the configured model.
	Dimension() int
	Model() string
}

// GenerationProvider produces text from a prompt and optional history, and
// describes images.
type GenerationProvider interface {
	Generate(ctx context.Context, prompt string, history []Message) (string, error)
	DescribeImage(ctx context.Context, image []byte, prompt string) (string, error)
}
