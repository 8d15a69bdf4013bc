// Package rangeset implements an ordered set of non-overlapping, inclusive
// integer intervals with a configurable interval-count limit. Each ioreq
// server owns one set per range kind and dispatch queries them on every
// routed access, so lookups stay O(log n).
package rangeset

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
)

var (
	// ErrInvalid marks an inverted interval (start > end).
	ErrInvalid = errors.New("rangeset: invalid range")

	// ErrNoSpace marks an insert that would exceed the interval limit.
	ErrNoSpace = errors.New("rangeset: interval limit reached")

	// ErrNotFound marks a removal of a span the set does not fully contain.
	ErrNotFound = errors.New("rangeset: range not contained")
)

// Range is one inclusive interval.
type Range struct {
	Start, End uint64
}

const btreeDegree = 8

// Set is an ordered interval set. All methods are safe for concurrent use;
// lookups take no locks other than the set's own read lock and never
// allocate, so they are safe on the dispatch path.
type Set struct {
	name  string
	limit int

	mu   sync.RWMutex
	tree *btree.BTreeG[Range]
}

// New creates an empty set. limit bounds the number of stored intervals;
// zero means unlimited.
func New(name string, limit int) *Set {
	return &Set{
		name:  name,
		limit: limit,
		tree: btree.NewG(btreeDegree, func(a, b Range) bool {
			return a.Start < b.Start
		}),
	}
}

// Name returns the diagnostic name the set was created with.
func (s *Set) Name() string { return s.name }

// Len returns the number of stored intervals.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// predecessor returns the interval with the greatest Start <= v, if any.
// Caller holds s.mu.
func (s *Set) predecessor(v uint64) (Range, bool) {
	var found Range
	ok := false
	s.tree.DescendLessOrEqual(Range{Start: v}, func(r Range) bool {
		found, ok = r, true
		return false
	})
	return found, ok
}

// Overlaps reports whether [start, end] intersects any stored interval.
func (s *Set) Overlaps(start, end uint64) bool {
	if start > end {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.predecessor(start); ok && r.End >= start {
		return true
	}
	overlap := false
	s.tree.AscendGreaterOrEqual(Range{Start: start}, func(r Range) bool {
		overlap = r.Start <= end
		return false
	})
	return overlap
}

// Contains reports whether [start, end] is fully covered. Stored intervals
// are coalesced on insert, so full coverage means a single interval covers
// the span.
func (s *Set) Contains(start, end uint64) bool {
	if start > end {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.predecessor(start)
	return ok && r.End >= end
}

// ContainsSingleton reports whether the single value v is covered.
func (s *Set) ContainsSingleton(v uint64) bool {
	return s.Contains(v, v)
}

// Add inserts [start, end], coalescing with adjacent or overlapping
// intervals. Fails with ErrNoSpace when the interval count would exceed
// the limit.
func (s *Set) Add(start, end uint64) error {
	if start > end {
		return ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Absorb every interval touching or adjoining the new span.
	if r, ok := s.predecessor(start); ok && (r.End >= start || (start != 0 && r.End == start-1)) {
		if r.Start <= start && r.End >= end {
			return nil // already covered
		}
		s.tree.Delete(r)
		if r.Start < start {
			start = r.Start
		}
		if r.End > end {
			end = r.End
		}
	}
	for {
		var next Range
		found := false
		s.tree.AscendGreaterOrEqual(Range{Start: start}, func(r Range) bool {
			next, found = r, true
			return false
		})
		if !found || (end != ^uint64(0) && next.Start > end+1) {
			break
		}
		s.tree.Delete(next)
		if next.End > end {
			end = next.End
		}
	}

	if s.limit > 0 && s.tree.Len() >= s.limit {
		return ErrNoSpace
	}
	s.tree.ReplaceOrInsert(Range{Start: start, End: end})
	return nil
}

// Remove deletes [start, end]. The span must be fully contained; partially
// covered intervals are split around it.
func (s *Set) Remove(start, end uint64) error {
	if start > end {
		return ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.predecessor(start)
	if !ok || r.End < end {
		return ErrNotFound
	}

	s.tree.Delete(r)
	if r.Start < start {
		s.tree.ReplaceOrInsert(Range{Start: r.Start, End: start - 1})
	}
	if r.End > end {
		s.tree.ReplaceOrInsert(Range{Start: end + 1, End: r.End})
	}
	return nil
}

// String renders the intervals for diagnostics, hex formatted the way the
// ranges are registered.
func (s *Set) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s{", s.name)
	first := true
	s.tree.Ascend(func(r Range) bool {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "[%#x-%#x]", r.Start, r.End)
		return true
	})
	b.WriteString("}")
	return b.String()
}
