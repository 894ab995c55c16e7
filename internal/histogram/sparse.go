package histogram

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/skytile/internal/cell"
)

// Sparse lists only the populated leaves of a histogram. Indices are
// strictly increasing and Counts[k] belongs to Indices[k].
type Sparse struct {
	Order   uint8    `msgpack:"order"`
	Indices []uint64 `msgpack:"indices"`
	Counts  []uint64 `msgpack:"counts"`
}

// FromLeaves counts the occurrences of each leaf id at order.
func FromLeaves(order uint8, leaves []uint64) Sparse {
	sorted := slices.Clone(leaves)
	slices.Sort(sorted)

	s := Sparse{Order: order}
	for _, leaf := range sorted {
		n := len(s.Indices)
		if n > 0 && s.Indices[n-1] == leaf {
			s.Counts[n-1]++
			continue
		}
		s.Indices = append(s.Indices, leaf)
		s.Counts = append(s.Counts, 1)
	}
	return s
}

// FromDense keeps the non-zero counters of h, which must be at order.
func FromDense(order uint8, h Dense) Sparse {
	s := Sparse{Order: order}
	for j, v := range h {
		if v > 0 {
			s.Indices = append(s.Indices, uint64(j))
			s.Counts = append(s.Counts, v)
		}
	}
	return s
}

// Total returns the number of records counted.
func (s Sparse) Total() uint64 {
	var sum uint64
	for _, v := range s.Counts {
		sum += v
	}
	return sum
}

// Dense expands s to a full histogram.
func (s Sparse) Dense() (Dense, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	h := New(s.Order)
	for k, idx := range s.Indices {
		h[idx] += s.Counts[k]
	}
	return h, nil
}

func (s Sparse) check() error {
	if len(s.Indices) != len(s.Counts) {
		return fmt.Errorf("sparse histogram has %d indices but %d counts", len(s.Indices), len(s.Counts))
	}
	limit := cell.NumCells(s.Order)
	for _, idx := range s.Indices {
		if idx >= limit {
			return fmt.Errorf("%w: leaf %d out of range at order %d", cell.ErrInvalidCell, idx, s.Order)
		}
	}
	return nil
}
