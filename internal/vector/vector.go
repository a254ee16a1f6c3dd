// Package vector defines the capability the indexing and retrieval layers
// need from a vector database, plus the mapping between metadata-store ids
// and vector point ids.
package vector

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrCollectionNotFound is returned by Search, SearchByFilter and Upsert
// when the named collection does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

const PayloadText = "text"

type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter selects points by payload equality. Every Match pair must hold, and
// when Any is non-empty at least one of its groups must hold in full.
type Filter struct {
	Match map[string]any
	Any   []map[string]any
}

func (f Filter) IsEmpty() bool {
	return len(f.Match) == 0 && len(f.Any) == 0
}

// Matches evaluates the filter against a payload in memory.
func (f Filter) Matches(payload map[string]any) bool {
	if !matchAll(f.Match, payload) {
		return false
	}
	if len(f.Any) == 0 {
		return true
	}
	for _, group := range f.Any {
		if matchAll(group, payload) {
			return true
		}
	}
	return false
}

func matchAll(conds, payload map[string]any) bool {
	for k, want := range conds {
		got, ok := payload[k]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValuesEqual compares payload values, treating all numeric kinds alike so
// that an int written in and a float64 decoded from JSON compare equal.
func ValuesEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return math.NaN(), false
}

// Store is a vector database holding one collection per knowledge base.
type Store interface {
	// CreateCollection makes sure name exists with the given dimension. With
	// reset, an existing collection is dropped first.
	CreateCollection(ctx context.Context, name string, dim int, reset bool) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	DropCollection(ctx context.Context, name string) error
	// Upsert writes points. With wait the call returns only after the points
	// are visible to searches.
	Upsert(ctx context.Context, name string, points []Point, wait bool) error
	DeleteByFilter(ctx context.Context, name string, filter Filter) error
	Search(ctx context.Context, name string, vector []float32, limit int, filter *Filter) ([]ScoredPoint, error)
	SearchByFilter(ctx context.Context, name string, filter Filter, limit int) ([]ScoredPoint, error)
	Close() error
}

// CollectionName derives the collection of a knowledge base from its id.
func CollectionName(knowledgeBaseID string) string {
	return "kb_collection_" + knowledgeBaseID
}

const objectIDLen = len(primitive.ObjectID{})

// PointID maps a 24-hex object id into a UUID point id: the 12 id bytes
// followed by four zero bytes.
func PointID(objectID string) (string, error) {
	oid, err := primitive.ObjectIDFromHex(objectID)
	if err != nil {
		return "", fmt.Errorf("invalid object id %q: %w", objectID, err)
	}
	var u uuid.UUID
	copy(u[:], oid[:])
	return u.String(), nil
}

// ObjectIDFromPoint reverses PointID.
func ObjectIDFromPoint(pointID string) (string, error) {
	u, err := uuid.Parse(pointID)
	if err != nil {
		return "", fmt.Errorf("invalid point id %q: %w", pointID, err)
	}
	for _, b := range u[objectIDLen:] {
		if b != 0 {
			return "", fmt.Errorf("point id %q does not encode an object id", pointID)
		}
	}
	return hex.EncodeToString(u[:objectIDLen]), nil
}
