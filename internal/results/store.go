package results

import (
	"errors"
	"sort"
	"sync"

	"subit/internal/domain"
)

// ErrStaleWrite is returned when a write targets a non-current generation.
var ErrStaleWrite = errors.New("stale generation write")

// ErrStaleRead is returned when a read targets a non-current generation.
var ErrStaleRead = errors.New("stale generation read")

// ErrNotFound is returned when a segment result has not been produced yet.
var ErrNotFound = errors.New("segment result not found")

// Store accumulates one generation's segment results. It is safe for
// concurrent use by one writer (the job worker) and many readers. Results
// are append-only: once an index is present its value never changes, except
// for an idempotent retry overwrite which does not bump the completed count.
type Store struct {
	mu         sync.RWMutex
	generation uint64
	total      int
	frozen     bool
	completed  int
	results    map[int]domain.SegmentResult
}

// Snapshot is an ordered read-only view of the store at one instant.
type Snapshot struct {
	Generation        uint64                 `json:"generation"`
	TotalSegments     int                    `json:"totalSegments"`
	CompletedSegments int                    `json:"completedSegments"`
	Results           []domain.SegmentResult `json:"results"`
}

// New creates a store bound to one generation with a fixed segment count.
func New(generation uint64, totalSegments int) *Store {
	return &Store{
		generation: generation,
		total:      totalSegments,
		results:    make(map[int]domain.SegmentResult, totalSegments),
	}
}

// Generation returns the generation this store is bound to.
func (s *Store) Generation() uint64 {
	return s.generation
}

// Put inserts one segment result. Writes for a foreign generation or after
// Freeze are rejected with ErrStaleWrite. Re-inserting an existing index
// overwrites the value without double-counting completion.
func (s *Store) Put(generation uint64, result domain.SegmentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation || s.frozen {
		return ErrStaleWrite
	}

	if _, exists := s.results[result.Index]; !exists {
		s.completed++
	}
	s.results[result.Index] = result
	return nil
}

// Snapshot returns all available results ordered by index plus counts.
func (s *Store) Snapshot(generation uint64) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if generation != s.generation {
		return Snapshot{}, ErrStaleRead
	}

	out := make([]domain.SegmentResult, 0, len(s.results))
	for _, result := range s.results {
		out = append(out, result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return Snapshot{
		Generation:        s.generation,
		TotalSegments:     s.total,
		CompletedSegments: s.completed,
		Results:           out,
	}, nil
}

// Get returns the result for one segment index.
func (s *Store) Get(generation uint64, index int) (domain.SegmentResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if generation != s.generation {
		return domain.SegmentResult{}, ErrStaleRead
	}

	result, ok := s.results[index]
	if !ok {
		return domain.SegmentResult{}, ErrNotFound
	}
	return result, nil
}

// Counts returns completed and planned segment totals.
func (s *Store) Counts() (completed, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed, s.total
}

// Freeze permanently rejects further writes. Reads keep working so a
// superseded generation stays queryable until it is discarded.
func (s *Store) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}
