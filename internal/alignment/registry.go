package alignment

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/skytile/internal/cell"
)

// Partition describes one destination cell of an increment: the rows it
// already held before the build and the rows the build routes into it.
//
// Each partition is one of:
//   - Existing with NewRows == 0: untouched by this increment
//   - Existing with NewRows > 0: receives a new increment file
//   - New: created by this increment
//
// Thread Safety:
// Partition structs are values. The registry hands out copies.
type Partition struct {
	// Cell is the destination cell.
	Cell cell.Cell `json:"cell"`

	// Existing is true when the cell was materialized by an earlier build.
	Existing bool `json:"existing"`

	// ExistingRows is the row count listed for the cell before this build.
	ExistingRows uint64 `json:"existing_rows"`

	// NewRows is the planned number of rows routed to the cell.
	NewRows uint64 `json:"new_rows"`

	// Written is the number of rows the reduce stage actually wrote.
	// Zero until the cell's reduce task completes.
	Written uint64 `json:"written"`
}

// Rows returns the row count the cell holds after the build.
func (p Partition) Rows() uint64 {
	return p.ExistingRows + p.NewRows
}

// Registry is the authoritative view of destination partitions for a build.
// It joins the plan with the existing catalog so that every later stage
// (reduce key enumeration, the partition listing, status reporting) reads
// the same answer.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Registry                   │
//	├─────────────────────────────────────────┤
//	│  partitions: map[cell]→Partition        │
//	│  plan: leaf → destination (O(1))        │
//	│  mu: RWMutex for thread safety          │
//	├─────────────────────────────────────────┤
//	│  (ra, dec) → leaf → cell → Partition    │
//	│  (10.2, -3.1) → 4391 → Norder=2/Npix=68 │
//	└─────────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - RecordWritten uses Lock; reduce tasks call it concurrently
//   - All returned data is copied to prevent races
type Registry struct {
	partitions map[cell.Cell]*Partition // destination cell -> partition
	mu         sync.RWMutex             // Protects partitions
	plan       *Plan                    // Immutable once the registry exists
}

// NewRegistry builds the registry from a plan and the row counts of the
// existing catalog's partitions.
//
// Parameters:
//   - plan: Planner output for this increment
//   - existing: Existing partition cells with their listed row counts
//
// Returns:
//   - Registry covering existing ∪ planned cells
//   - Error if a planned cell overlaps an existing one without being equal
//
// Example:
//
//	reg, err := NewRegistry(plan, map[cell.Cell]uint64{{Order: 1, Index: 3}: 120})
//	for _, key := range reg.ReduceKeys() {
//	    // one reduce task per key
//	}
func NewRegistry(plan *Plan, existing map[cell.Cell]uint64) (*Registry, error) {
	r := &Registry{
		partitions: make(map[cell.Cell]*Partition, len(plan.Destinations)+len(existing)),
		plan:       plan,
	}
	for c, rows := range existing {
		r.partitions[c] = &Partition{Cell: c, Existing: true, ExistingRows: rows}
	}

	for c, rows := range plan.Destinations {
		if p, ok := r.partitions[c]; ok {
			p.NewRows = rows
			continue
		}
		for o := uint8(0); o < c.Order; o++ {
			if _, ok := existing[c.AncestorAt(o)]; ok {
				return nil, fmt.Errorf("planned partition %s overlaps existing partition %s", c, c.AncestorAt(o))
			}
		}
		r.partitions[c] = &Partition{Cell: c, NewRows: rows}
	}
	for e := range existing {
		for o := uint8(0); o < e.Order; o++ {
			if _, ok := plan.Destinations[e.AncestorAt(o)]; ok {
				return nil, fmt.Errorf("planned partition %s overlaps existing partition %s", e.AncestorAt(o), e)
			}
		}
	}
	return r, nil
}

// Get returns a copy of the partition for c, or false if c is not a
// destination of this build.
func (r *Registry) Get(c cell.Cell) (Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.partitions[c]
	if !ok {
		return Partition{}, false
	}
	return *p, true
}

// ForLeaf returns the partition that receives records of a leaf at the
// mapping order.
func (r *Registry) ForLeaf(leaf uint64) (Partition, error) {
	c, ok := r.plan.Lookup(leaf)
	if !ok {
		return Partition{}, fmt.Errorf("leaf %d has no destination", leaf)
	}
	p, ok := r.Get(c)
	if !ok {
		return Partition{}, fmt.Errorf("destination %s of leaf %d is not registered", c, leaf)
	}
	return p, nil
}

// All returns copies of every partition sorted by order, then index.
func (r *Registry) All() []Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Partition, 0, len(r.partitions))
	for _, p := range r.partitions {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Partition) int { return cell.Compare(a.Cell, b.Cell) })
	return out
}

// ReduceKeys returns the cells that receive rows in this build, in the
// order reduce tasks are submitted.
func (r *Registry) ReduceKeys() []cell.Cell {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []cell.Cell
	for c, p := range r.partitions {
		if p.NewRows > 0 {
			keys = append(keys, c)
		}
	}
	slices.SortFunc(keys, cell.Compare)
	return keys
}

// RecordWritten stores how many rows reduce wrote for c.
func (r *Registry) RecordWritten(c cell.Cell, rows uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partitions[c]
	if !ok {
		return fmt.Errorf("partition %s is not registered", c)
	}
	p.Written = rows
	return nil
}

// Len returns the number of partitions, existing and new.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.partitions)
}
