// Package cell implements identity and arithmetic for cells of the HEALPix
// nested quad-tree used to tile the sky.
//
// The tessellation starts from 12 equal-area base cells at order 0. Every cell
// (o, i) has exactly four children (o+1, 4i..4i+3), so the whole tree is
// addressed with integer arithmetic on flat indices and never materialized as
// a pointer structure:
//
//	parent(i)      = i / 4
//	child(i, k)    = 4*i + k
//	leaves(o -> m) = [i * 4^(m-o), (i+1) * 4^(m-o))
package cell

import (
	"errors"
	"fmt"
)

const (
	// BaseCells is the number of cells at order 0.
	BaseCells = 12

	// MaxOrder is the deepest order whose cell indices fit in a uint64.
	MaxOrder = 29
)

// ErrInvalidCell is returned when an order or index lies outside the tessellation.
var ErrInvalidCell = errors.New("invalid cell")

// Cell identifies one cell of the nested quad-tree.
type Cell struct {
	Order uint8  `msgpack:"o" json:"order"`
	Index uint64 `msgpack:"i" json:"index"`
}

// New returns the cell (order, index) after validating it.
func New(order uint8, index uint64) (Cell, error) {
	c := Cell{Order: order, Index: index}
	if err := c.Validate(); err != nil {
		return Cell{}, err
	}
	return c, nil
}

// NumCells returns the number of cells at the given order: 12 * 4^order.
func NumCells(order uint8) uint64 {
	return BaseCells << (2 * uint64(order))
}

// Validate checks 0 <= order <= MaxOrder and 0 <= index < NumCells(order).
func (c Cell) Validate() error {
	if c.Order > MaxOrder {
		return fmt.Errorf("%w: order %d exceeds %d", ErrInvalidCell, c.Order, MaxOrder)
	}
	if c.Index >= NumCells(c.Order) {
		return fmt.Errorf("%w: index %d out of range [0, %d) at order %d",
			ErrInvalidCell, c.Index, NumCells(c.Order), c.Order)
	}
	return nil
}

// Parent returns the cell one order up. The parent of an order 0 cell is itself.
func (c Cell) Parent() Cell {
	if c.Order == 0 {
		return c
	}
	return Cell{Order: c.Order - 1, Index: c.Index >> 2}
}

// Children returns the four cells one order down.
func (c Cell) Children() [4]Cell {
	var out [4]Cell
	for k := uint64(0); k < 4; k++ {
		out[k] = Cell{Order: c.Order + 1, Index: c.Index<<2 + k}
	}
	return out
}

// AncestorAt returns the ancestor of c at the given (shallower or equal) order.
func (c Cell) AncestorAt(order uint8) Cell {
	if order >= c.Order {
		return c
	}
	return Cell{Order: order, Index: c.Index >> (2 * uint64(c.Order-order))}
}

// DescendantRange returns the half-open range [start, end) of descendant
// indices at the given deeper order. It panics if order < c.Order.
func (c Cell) DescendantRange(order uint8) (start, end uint64) {
	if order < c.Order {
		panic(fmt.Sprintf("cell %s has no descendants at shallower order %d", c, order))
	}
	shift := 2 * uint64(order-c.Order)
	return c.Index << shift, (c.Index + 1) << shift
}

// Contains reports whether other is c itself or one of its descendants.
func (c Cell) Contains(other Cell) bool {
	if other.Order < c.Order {
		return false
	}
	return other.AncestorAt(c.Order) == c
}

// Overlaps reports whether the two cells share any descendant leaf.
func (c Cell) Overlaps(other Cell) bool {
	return c.Contains(other) || other.Contains(c)
}

// Area returns the fraction of the sphere covered by c.
func (c Cell) Area() float64 {
	return 1 / float64(NumCells(c.Order))
}

// Compare orders cells by order, then index. It returns -1, 0 or +1.
func Compare(a, b Cell) int {
	switch {
	case a.Order < b.Order:
		return -1
	case a.Order > b.Order:
		return 1
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	}
	return 0
}

// String renders the cell the way partition directories are named.
func (c Cell) String() string {
	return fmt.Sprintf("Norder=%d/Npix=%d", c.Order, c.Index)
}

// Parse is the inverse of String.
func Parse(s string) (Cell, error) {
	var order uint8
	var index uint64
	if _, err := fmt.Sscanf(s, "Norder=%d/Npix=%d", &order, &index); err != nil {
		return Cell{}, fmt.Errorf("%w: parse %q: %v", ErrInvalidCell, s, err)
	}
	return New(order, index)
}
