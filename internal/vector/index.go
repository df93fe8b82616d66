// Package vector provides a flat (exact) L2 vector index addressed by
// caller-assigned int64 identifiers, with checksummed single-file persistence.
//
// Identifiers are supplied by the caller and are expected to be the primary
// keys of the matching metadata rows; the index never allocates its own ids.
package vector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// index dimension. Wrong-dimension vectors are rejected, never
	// truncated or padded.
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")

	// ErrDuplicateID is returned when adding an identifier already present.
	ErrDuplicateID = errors.New("vector: duplicate identifier")
)

// SentinelID pads search results when the index holds fewer entries than
// requested. Callers must filter it before joining against the metadata store.
const SentinelID int64 = -1

// Result is a single search hit.
type Result struct {
	ID       int64   `json:"id"`
	Distance float32 `json:"distance"` // squared euclidean, ascending
}

// FlatIndex is an exact nearest-neighbor index over fixed-dimension float32
// vectors using squared euclidean distance. It is the only index variant:
// construction always produces the identifier-addressable form.
type FlatIndex struct {
	dim     int
	ids     []int64
	vectors [][]float32
	present map[int64]struct{}
	mu      sync.RWMutex
}

// NewFlatIndex creates an empty index with the given dimension.
func NewFlatIndex(dim int) (*FlatIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", dim)
	}
	return &FlatIndex{
		dim:     dim,
		present: make(map[int64]struct{}),
	}, nil
}

// Dimensions returns the fixed vector dimension.
func (x *FlatIndex) Dimensions() int {
	return x.dim
}

// Size returns the number of stored vectors.
func (x *FlatIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Contains reports whether the identifier is present.
func (x *FlatIndex) Contains(id int64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.present[id]
	return ok
}

// Add inserts a vector under the given identifier. The identifier must be
// unique within the index and the vector must match the index dimension.
func (x *FlatIndex) Add(id int64, vec []float32) error {
	if len(vec) != x.dim {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vec), x.dim)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.present[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	stored := make([]float32, x.dim)
	copy(stored, vec)
	x.ids = append(x.ids, id)
	x.vectors = append(x.vectors, stored)
	x.present[id] = struct{}{}
	return nil
}

// Search returns the k nearest vectors by squared euclidean distance,
// ascending, ties broken by insertion order. When the index holds fewer than
// k entries the result is padded with SentinelID at infinite distance, so the
// slice always has length k.
func (x *FlatIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("vector: k must be positive, got %d", k)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]Result, len(x.ids))
	for i, vec := range x.vectors {
		var dist float32
		for j := 0; j < x.dim; j++ {
			d := query[j] - vec[j]
			dist += d * d
		}
		hits[i] = Result{ID: x.ids[i], Distance: dist}
	}
	// Stable sort keeps insertion order for equal distances.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })

	results := make([]Result, k)
	for i := 0; i < k; i++ {
		if i < len(hits) {
			results[i] = hits[i]
		} else {
			results[i] = Result{ID: SentinelID, Distance: float32(math.Inf(1))}
		}
	}
	return results, nil
}
