package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/pkg/circuitbreaker"
	"github.com/kb-engine/backend/pkg/logger"
)

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Dimension      int
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	DocumentPrefix string
	QueryPrefix    string
}

// Client talks to the OpenAI API or any server speaking the same protocol.
// Calls go through a circuit breaker and are not retried here.
type Client struct {
	client *openai.Client
	cfg    Config
	cb     *circuitbreaker.CircuitBreaker
}

var (
	_ EmbeddingProvider  = (*Client)(nil)
	_ GenerationProvider = (*Client)(nil)
)

func NewClient(name string, cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        countsAgainstBreaker,
		OnStateChange:    recordBreakerState,
		Logger:           logger.GetLogger(),
	})

	logger.Info("LLM client initialized",
		zap.String("name", name),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		cb:     cb,
	}
}

func (c *Client) Dimension() int { return c.cfg.Dimension }

func (c *Client) Model() string { return c.cfg.EmbeddingModel }

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.cb }

func (c *Client) Embed(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	prefix := c.cfg.DocumentPrefix
	if role == RoleQuery {
		prefix = c.cfg.QueryPrefix
	}
	input := texts
	if prefix != "" {
		input = make([]string, len(texts))
		for i, t := range texts {
			input[i] = prefix + t
		}
	}

	req := openai.EmbeddingRequest{
		Input: input,
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	}
	if strings.HasPrefix(c.cfg.EmbeddingModel, "text-embedding-3") {
		req.Dimensions = c.cfg.Dimension
	}

	resp, err := circuitbreaker.Call(ctx, c.cb, func() (openai.EmbeddingResponse, error) {
		return c.client.CreateEmbeddings(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float32, len(data))
	for i, d := range data {
		vectors[i] = d.Embedding
	}

	logger.Debug("Embeddings generated",
		zap.String("role", string(role)),
		zap.Int("count", len(vectors)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
	)

	return vectors, nil
}

func (c *Client) Generate(ctx context.Context, prompt string, history []Message) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	return c.complete(ctx, messages)
}

func (c *Client) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(image), base64.StdEncoding.EncodeToString(image))

	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		},
	}

	return c.complete(ctx, messages)
}

func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := circuitbreaker.Call(ctx, c.cb, func() (openai.ChatCompletionResponse, error) {
		return c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.cfg.Model,
			Messages:    messages,
			Temperature: c.cfg.Temperature,
			MaxTokens:   c.cfg.MaxTokens,
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}

	logger.Debug("LLM completion generated",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, nil
}

// StatusCode extracts the provider HTTP status from err, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func recordBreakerState(name string, _, to circuitbreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

// countsAgainstBreaker ignores client errors and throttling. 429 and 503 are
// retried by callers with backoff, so they must not open the breaker.
func countsAgainstBreaker(err error) bool {
	code := StatusCode(err)
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return false
	case code >= 400 && code < 500:
		return false
	}
	return true
}
