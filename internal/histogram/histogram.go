// Package histogram counts records per leaf cell of the sky tessellation.
//
// Map tasks produce partial histograms at the mapping order; the Aggregator
// sums them element-wise into the global histogram the planner consumes.
// Reduce tasks produce one Sparse histogram per destination partition, which
// finalize folds back into the catalog point map.
package histogram

import (
	"fmt"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/skyerr"
)

// MaxMappingOrder caps the mapping order. The global histogram is dense, so
// order 11 already costs 12*4^11 counters (about 400 MB).
const MaxMappingOrder = 11

// Dense holds one counter per leaf at a fixed order.
type Dense []uint64

// Len returns the number of leaves at order.
func Len(order uint8) int {
	return int(cell.NumCells(order))
}

// New returns an all-zero histogram at order.
func New(order uint8) Dense {
	return make(Dense, Len(order))
}

// OrderOf returns the order whose leaf count equals n.
func OrderOf(n int) (uint8, error) {
	for o := uint8(0); o <= MaxMappingOrder; o++ {
		if Len(o) == n {
			return o, nil
		}
	}
	return 0, fmt.Errorf("no order has %d leaves", n)
}

// Total returns the sum of all counters.
func (h Dense) Total() uint64 {
	var sum uint64
	for _, v := range h {
		sum += v
	}
	return sum
}

// NonZero returns the number of populated leaves.
func (h Dense) NonZero() int {
	n := 0
	for _, v := range h {
		if v > 0 {
			n++
		}
	}
	return n
}

// Downsample sums h, which must be at order from, into a histogram at the
// shallower order to.
func (h Dense) Downsample(from, to uint8) (Dense, error) {
	if len(h) != Len(from) {
		return nil, &skyerr.ShapeMismatchError{Expected: Len(from), Actual: len(h)}
	}
	if to > from {
		return nil, fmt.Errorf("cannot downsample order %d to deeper order %d", from, to)
	}
	shift := 2 * uint64(from-to)
	out := New(to)
	for j, v := range h {
		out[uint64(j)>>shift] += v
	}
	return out, nil
}

// Aggregator sums partial histograms of one order. It is not safe for
// concurrent use; stages feed it from a single goroutine after their wait.
type Aggregator struct {
	order    uint8
	sum      Dense
	partials int
}

// NewAggregator returns an empty aggregator for histograms at order.
func NewAggregator(order uint8) *Aggregator {
	return &Aggregator{order: order, sum: New(order)}
}

// Add sums partial into the aggregate. A partial of the wrong length is a
// mapping order mismatch and fails with *skyerr.ShapeMismatchError.
func (a *Aggregator) Add(partial Dense) error {
	if len(partial) != len(a.sum) {
		return &skyerr.ShapeMismatchError{Expected: len(a.sum), Actual: len(partial)}
	}
	for j, v := range partial {
		a.sum[j] += v
	}
	a.partials++
	return nil
}

// AddSparse sums a sparse histogram into the aggregate.
func (a *Aggregator) AddSparse(s Sparse) error {
	if s.Order != a.order {
		return &skyerr.ShapeMismatchError{Expected: len(a.sum), Actual: Len(s.Order)}
	}
	if err := s.check(); err != nil {
		return err
	}
	for k, idx := range s.Indices {
		a.sum[idx] += s.Counts[k]
	}
	a.partials++
	return nil
}

// Order returns the order of the aggregated histogram.
func (a *Aggregator) Order() uint8 { return a.order }

// Partials returns how many histograms have been added.
func (a *Aggregator) Partials() int { return a.partials }

// Total returns the sum over the aggregate.
func (a *Aggregator) Total() uint64 { return a.sum.Total() }

// Histogram returns the aggregate. The slice is owned by the aggregator
// until the caller stops adding to it.
func (a *Aggregator) Histogram() Dense { return a.sum }
