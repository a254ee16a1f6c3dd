// Package memory is an in-process vector store with exact cosine search.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kb-engine/backend/internal/vector"
)

type collection struct {
	dim    int
	points map[string]vector.Point
	order  []string
}

type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

var _ vector.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateCollection(_ context.Context, name string, dim int, reset bool) error {
	if dim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok && !reset {
		if c.dim != dim {
			return fmt.Errorf("collection %s has dimension %d, not %d", name, c.dim, dim)
		}
		return nil
	}
	s.collections[name] = &collection{dim: dim, points: make(map[string]vector.Point)}
	return nil
}

func (s *Store) CollectionExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

func (s *Store) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *Store) Upsert(_ context.Context, name string, points []vector.Point, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("upsert into %s: %w", name, vector.ErrCollectionNotFound)
	}
	for _, p := range points {
		if len(p.Vector) != c.dim {
			return fmt.Errorf("point %s has dimension %d, collection expects %d", p.ID, len(p.Vector), c.dim)
		}
	}
	for _, p := range points {
		if _, exists := c.points[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		c.points[p.ID] = vector.Point{ID: p.ID, Vector: p.Vector, Payload: copyPayload(p.Payload)}
	}
	return nil
}

func (s *Store) DeleteByFilter(_ context.Context, name string, filter vector.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	kept := c.order[:0]
	for _, id := range c.order {
		if filter.Matches(c.points[id].Payload) {
			delete(c.points, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return nil
}

func (s *Store) Search(_ context.Context, name string, query []float32, limit int, filter *vector.Filter) ([]vector.ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("search %s: %w", name, vector.ErrCollectionNotFound)
	}
	if len(query) != c.dim {
		return nil, fmt.Errorf("query has dimension %d, collection expects %d", len(query), c.dim)
	}

	var hits []vector.ScoredPoint
	for _, id := range c.order {
		p := c.points[id]
		if filter != nil && !filter.Matches(p.Payload) {
			continue
		}
		hits = append(hits, vector.ScoredPoint{ID: id, Score: cosine(query, p.Vector), Payload: copyPayload(p.Payload)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) SearchByFilter(_ context.Context, name string, filter vector.Filter, limit int) ([]vector.ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("scroll %s: %w", name, vector.ErrCollectionNotFound)
	}

	var hits []vector.ScoredPoint
	for _, id := range c.order {
		if limit > 0 && len(hits) >= limit {
			break
		}
		p := c.points[id]
		if filter.Matches(p.Payload) {
			hits = append(hits, vector.ScoredPoint{ID: id, Payload: copyPayload(p.Payload)})
		}
	}
	return hits, nil
}

// Count returns the number of points in a collection, or -1 when it does
// not exist.
func (s *Store) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return -1
	}
	return len(c.points)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func copyPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
