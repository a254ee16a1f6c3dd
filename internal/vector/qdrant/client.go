// Package qdrant implements vector.Store over the Qdrant REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/vector"
	"github.com/kb-engine/backend/pkg/logger"
)

type Config struct {
	URL      string
	APIKey   string
	Distance string
	Timeout  time.Duration
}

type Client struct {
	url      string
	apiKey   string
	distance string
	http     *http.Client
}

var _ vector.Store = (*Client)(nil)

type statusError struct {
	method string
	path   string
	code   int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.method, e.path, e.code, e.body)
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	distance := cfg.Distance
	if distance == "" {
		distance = "Cosine"
	}

	logger.Info("Qdrant client initialized", zap.String("url", cfg.URL))

	return &Client{
		url:      strings.TrimRight(cfg.URL, "/"),
		apiKey:   cfg.APIKey,
		distance: distance,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) CreateCollection(ctx context.Context, name string, dim int, reset bool) error {
	if dim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}

	exists, err := c.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists && !reset {
		return nil
	}
	if exists {
		if err := c.DropCollection(ctx, name); err != nil {
			return err
		}
	}

	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": c.distance},
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	logger.Info("Qdrant collection created", zap.String("collection", name), zap.Int("dim", dim))
	return nil
}

func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, nil)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	return true, nil
}

func (c *Client) DropCollection(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

func (c *Client) Upsert(ctx context.Context, name string, points []vector.Point, wait bool) error {
	if len(points) == 0 {
		return nil
	}
	body := make([]map[string]any, len(points))
	for i, p := range points {
		body[i] = map[string]any{"id": p.ID, "vector": p.Vector, "payload": p.Payload}
	}

	path := fmt.Sprintf("/collections/%s/points?wait=%t", name, wait)
	err := c.do(ctx, http.MethodPut, path, map[string]any{"points": body}, nil)
	if isNotFound(err) {
		return fmt.Errorf("upsert into %s: %w", name, vector.ErrCollectionNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (c *Client) DeleteByFilter(ctx context.Context, name string, filter vector.Filter) error {
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", name)
	err := c.do(ctx, http.MethodPost, path, map[string]any{"filter": encodeFilter(filter)}, nil)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

type searchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

func (c *Client) Search(ctx context.Context, name string, query []float32, limit int, filter *vector.Filter) ([]vector.ScoredPoint, error) {
	req := map[string]any{
		"vector":       query,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil && !filter.IsEmpty() {
		req["filter"] = encodeFilter(*filter)
	}

	var resp searchResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", name), req, &resp)
	if isNotFound(err) {
		return nil, fmt.Errorf("search %s: %w", name, vector.ErrCollectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]vector.ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, vector.ScoredPoint{ID: fmt.Sprint(r.ID), Score: r.Score, Payload: r.Payload})
	}

	logger.Debug("Qdrant search completed", zap.String("collection", name), zap.Int("results", len(hits)))
	return hits, nil
}

func (c *Client) SearchByFilter(ctx context.Context, name string, filter vector.Filter, limit int) ([]vector.ScoredPoint, error) {
	req := map[string]any{
		"filter":       encodeFilter(filter),
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}

	var resp struct {
		Result struct {
			Points []struct {
				ID      any            `json:"id"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/scroll", name), req, &resp)
	if isNotFound(err) {
		return nil, fmt.Errorf("scroll %s: %w", name, vector.ErrCollectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scroll: %w", err)
	}

	hits := make([]vector.ScoredPoint, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		hits = append(hits, vector.ScoredPoint{ID: fmt.Sprint(p.ID), Payload: p.Payload})
	}
	return hits, nil
}

// encodeFilter renders a vector.Filter as a Qdrant filter: Match pairs go
// under must, Any groups become nested filters under should.
func encodeFilter(f vector.Filter) map[string]any {
	out := map[string]any{}
	if len(f.Match) > 0 {
		out["must"] = conditions(f.Match)
	}
	if len(f.Any) > 0 {
		should := make([]map[string]any, 0, len(f.Any))
		for _, group := range f.Any {
			should = append(should, map[string]any{"must": conditions(group)})
		}
		out["should"] = should
	}
	return out
}

func conditions(match map[string]any) []map[string]any {
	conds := make([]map[string]any, 0, len(match))
	for _, k := range vector.SortedKeys(match) {
		conds = append(conds, map[string]any{
			"key":   k,
			"match": map[string]any{"value": match[k]},
		})
	}
	return conds
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{method: method, path: path, code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}
