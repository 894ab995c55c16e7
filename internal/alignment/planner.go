package alignment

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/histogram"
	"github.com/dreamware/skytile/internal/skyerr"
)

// Unbounded is the threshold that lets every unblocked parent with data merge.
const Unbounded = math.MaxUint64

// Options configures a planning run.
type Options struct {
	// MaxOrder is the mapping order: the order of the histogram leaves.
	MaxOrder uint8

	// LowestOrder is the floor of the merge sweep. No destination is
	// produced above it.
	LowestOrder uint8

	// Threshold is the inclusive upper bound on the row count of a merged
	// cell. Zero forbids every merge.
	Threshold uint64
}

// Destination is the target of one leaf. Valid is false for leaves without
// rows outside every existing partition.
type Destination struct {
	Cell  cell.Cell
	Valid bool
}

// Plan is the planner's output: where every leaf goes and how many rows
// each destination receives.
type Plan struct {
	MaxOrder uint8

	// Assignment has one entry per leaf at MaxOrder.
	Assignment []Destination

	// Destinations maps each used destination cell to its row count.
	// Cells that receive no rows are absent.
	Destinations map[cell.Cell]uint64
}

// Compute assigns every populated leaf of h to the largest cell that holds
// at most opts.Threshold rows and does not overlap an existing partition.
//
// Leaves under an existing cell are assigned to that cell unconditionally.
// Every other leaf with rows starts at MaxOrder and is lifted to its parent
// for as long as the parent's four children are all unblocked and their
// combined count lies in [1, Threshold]. A blocked descendant therefore pins
// every ancestor of the existing cell in place.
//
// The row counts of the returned destinations always sum to h.Total();
// otherwise Compute fails with *skyerr.ConservationError.
func Compute(h histogram.Dense, existing []cell.Cell, opts Options) (*Plan, error) {
	if opts.MaxOrder > histogram.MaxMappingOrder {
		return nil, fmt.Errorf("mapping order %d exceeds %d", opts.MaxOrder, histogram.MaxMappingOrder)
	}
	if opts.LowestOrder > opts.MaxOrder {
		return nil, fmt.Errorf("lowest order %d is deeper than mapping order %d", opts.LowestOrder, opts.MaxOrder)
	}
	if len(h) != histogram.Len(opts.MaxOrder) {
		return nil, &skyerr.ShapeMismatchError{Expected: histogram.Len(opts.MaxOrder), Actual: len(h)}
	}
	if err := CheckExisting(existing, opts.MaxOrder); err != nil {
		return nil, err
	}

	n := len(h)
	assignment := make([]Destination, n)
	blocked := make([]bool, n)

	for _, e := range existing {
		start, end := e.DescendantRange(opts.MaxOrder)
		for j := start; j < end; j++ {
			blocked[j] = true
			assignment[j] = Destination{Cell: e, Valid: true}
		}
	}

	// Level counts carried through the sweep. Blocked leaves contribute
	// nothing here: their parents can never merge anyway.
	counts := make([]uint64, n)
	for j, v := range h {
		if v > 0 && !blocked[j] {
			assignment[j] = Destination{Cell: cell.Cell{Order: opts.MaxOrder, Index: uint64(j)}, Valid: true}
			counts[j] = v
		}
	}

	levelBlocked := blocked
	for order := opts.MaxOrder; order > opts.LowestOrder; order-- {
		parents := len(counts) / 4
		parentCounts := make([]uint64, parents)
		parentBlocked := make([]bool, parents)

		for p := 0; p < parents; p++ {
			var sum uint64
			var b bool
			for k := 0; k < 4; k++ {
				sum += counts[4*p+k]
				b = b || levelBlocked[4*p+k]
			}
			parentCounts[p] = sum
			parentBlocked[p] = b

			if b || sum == 0 || sum > opts.Threshold {
				continue
			}
			parent := cell.Cell{Order: order - 1, Index: uint64(p)}
			start, end := parent.DescendantRange(opts.MaxOrder)
			for j := start; j < end; j++ {
				if h[j] > 0 {
					assignment[j] = Destination{Cell: parent, Valid: true}
				}
			}
		}

		counts = parentCounts
		levelBlocked = parentBlocked
	}

	plan := &Plan{
		MaxOrder:     opts.MaxOrder,
		Assignment:   assignment,
		Destinations: make(map[cell.Cell]uint64),
	}
	for j, d := range assignment {
		if d.Valid && h[j] > 0 {
			plan.Destinations[d.Cell] += h[j]
		}
	}

	var planned uint64
	for _, rows := range plan.Destinations {
		planned += rows
	}
	if total := h.Total(); planned != total {
		return nil, &skyerr.ConservationError{Checkpoint: "planning", Expected: total, Actual: planned}
	}
	return plan, nil
}

// CheckExisting rejects existing partitions that are invalid, deeper than
// maxOrder, or overlapping one another.
func CheckExisting(existing []cell.Cell, maxOrder uint8) error {
	seen := make(map[cell.Cell]struct{}, len(existing))
	for _, e := range existing {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("existing partition: %w", err)
		}
		if e.Order > maxOrder {
			return fmt.Errorf("existing partition %s is deeper than mapping order %d", e, maxOrder)
		}
		if _, dup := seen[e]; dup {
			return fmt.Errorf("existing partition %s listed twice", e)
		}
		seen[e] = struct{}{}
	}

	for _, e := range existing {
		for o := uint8(0); o < e.Order; o++ {
			if _, ok := seen[e.AncestorAt(o)]; ok {
				return fmt.Errorf("existing partitions %s and %s overlap", e.AncestorAt(o), e)
			}
		}
	}
	return nil
}

// Lookup returns the destination of a leaf at MaxOrder.
func (p *Plan) Lookup(leaf uint64) (cell.Cell, bool) {
	if leaf >= uint64(len(p.Assignment)) {
		return cell.Cell{}, false
	}
	d := p.Assignment[leaf]
	return d.Cell, d.Valid
}

// Cells returns the destination cells sorted by order, then index.
func (p *Plan) Cells() []cell.Cell {
	out := make([]cell.Cell, 0, len(p.Destinations))
	for c := range p.Destinations {
		out = append(out, c)
	}
	slices.SortFunc(out, cell.Compare)
	return out
}

// Total returns the number of rows the plan routes.
func (p *Plan) Total() uint64 {
	var sum uint64
	for _, rows := range p.Destinations {
		sum += rows
	}
	return sum
}
