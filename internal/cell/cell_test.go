package cell

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumCells(t *testing.T) {
	assert.Equal(t, uint64(12), NumCells(0))
	assert.Equal(t, uint64(48), NumCells(1))
	assert.Equal(t, uint64(192), NumCells(2))
	assert.Equal(t, uint64(12)<<58, NumCells(MaxOrder))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cell    Cell
		wantErr bool
	}{
		{name: "base cell", cell: Cell{Order: 0, Index: 11}},
		{name: "last cell at order 2", cell: Cell{Order: 2, Index: 191}},
		{name: "index past end", cell: Cell{Order: 0, Index: 12}, wantErr: true},
		{name: "order too deep", cell: Cell{Order: MaxOrder + 1, Index: 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cell.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidCell), "expected ErrInvalidCell, got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTreeArithmetic(t *testing.T) {
	c := Cell{Order: 1, Index: 3}

	children := c.Children()
	for k, child := range children {
		assert.Equal(t, Cell{Order: 2, Index: 12 + uint64(k)}, child)
		assert.Equal(t, c, child.Parent())
		assert.True(t, c.Contains(child))
	}

	start, end := c.DescendantRange(2)
	assert.Equal(t, uint64(12), start)
	assert.Equal(t, uint64(16), end)

	start, end = c.DescendantRange(4)
	assert.Equal(t, uint64(3*64), start)
	assert.Equal(t, uint64(4*64), end)

	assert.Equal(t, Cell{Order: 0, Index: 0}, Cell{Order: 2, Index: 15}.AncestorAt(0))
	assert.Equal(t, Cell{Order: 0, Index: 5}, Cell{Order: 0, Index: 5}.Parent())

	assert.True(t, c.Overlaps(Cell{Order: 3, Index: 50}))
	assert.False(t, c.Overlaps(Cell{Order: 2, Index: 16}))
	assert.False(t, Cell{Order: 2, Index: 12}.Contains(c))
}

func TestDescendantRangePanicsUpward(t *testing.T) {
	assert.Panics(t, func() {
		Cell{Order: 3, Index: 0}.DescendantRange(2)
	})
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(Cell{Order: 0, Index: 9}, Cell{Order: 1, Index: 0}))
	assert.Equal(t, 1, Compare(Cell{Order: 1, Index: 2}, Cell{Order: 1, Index: 1}))
	assert.Equal(t, 0, Compare(Cell{Order: 1, Index: 2}, Cell{Order: 1, Index: 2}))
}

func TestStringParse(t *testing.T) {
	c := Cell{Order: 7, Index: 123456}
	assert.Equal(t, "Norder=7/Npix=123456", c.String())

	parsed, err := Parse(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	_, err = Parse("Norder=0/Npix=12")
	assert.ErrorIs(t, err, ErrInvalidCell)

	_, err = Parse("not a cell")
	assert.ErrorIs(t, err, ErrInvalidCell)
}

func TestRelDir(t *testing.T) {
	assert.Equal(t, "Norder=5/Dir=10000/Npix=12345", Cell{Order: 5, Index: 12345}.RelDir())
	assert.Equal(t, "Norder=0/Dir=0/Npix=3", Cell{Order: 0, Index: 3}.RelDir())
}

func TestFromCoordsKnownPositions(t *testing.T) {
	tests := []struct {
		name  string
		ra    float64
		dec   float64
		order uint8
		want  uint64
	}{
		{name: "north pole", ra: 0, dec: 90, order: 0, want: 0},
		{name: "north pole order 1", ra: 0, dec: 90, order: 1, want: 3},
		{name: "south pole", ra: 0, dec: -90, order: 0, want: 8},
		{name: "equator at ra 0", ra: 0, dec: 0, order: 0, want: 4},
		{name: "equator at ra 90", ra: 90, dec: 0, order: 0, want: 5},
		{name: "northern cap", ra: 45, dec: 45, order: 0, want: 0},
		{name: "southern cap", ra: 45, dec: -45, order: 0, want: 8},
		{name: "ra wraps", ra: 360 + 90, dec: 0, order: 0, want: 5},
		{name: "negative ra wraps", ra: -270, dec: 0, order: 0, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromCoords(tt.ra, tt.dec, tt.order)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromCoordsIsNested(t *testing.T) {
	// A position's index at order o+1 must be a child of its index at order o.
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		ra := rng.Float64() * 360
		dec := math.Asin(2*rng.Float64()-1) * 180 / math.Pi

		deep, err := FromCoords(ra, dec, 12)
		require.NoError(t, err)
		require.Less(t, deep, NumCells(12))

		for order := uint8(0); order < 12; order++ {
			shallow, err := FromCoords(ra, dec, order)
			require.NoError(t, err)
			require.Equal(t, shallow, deep>>(2*uint64(12-order)),
				"ra=%v dec=%v order=%d", ra, dec, order)
		}
	}
}

func TestFromCoordsCoversAllBaseCells(t *testing.T) {
	seen := make(map[uint64]bool)
	for ra := 0.0; ra < 360; ra += 5 {
		for dec := -85.0; dec <= 85; dec += 5 {
			idx, err := FromCoords(ra, dec, 0)
			require.NoError(t, err)
			seen[idx] = true
		}
	}
	assert.Len(t, seen, BaseCells)
}

func TestFromCoordsRejectsInvalid(t *testing.T) {
	for _, pos := range [][2]float64{
		{math.NaN(), 0},
		{0, math.NaN()},
		{math.Inf(1), 0},
		{0, 90.5},
		{0, -91},
	} {
		_, err := FromCoords(pos[0], pos[1], 3)
		assert.ErrorIs(t, err, ErrInvalidCoordinates, "ra=%v dec=%v", pos[0], pos[1])
	}

	_, err := FromCoords(0, 0, MaxOrder+1)
	assert.ErrorIs(t, err, ErrInvalidCell)
}

func TestFromCoordsDeepestOrder(t *testing.T) {
	idx, err := FromCoords(123.456, -33.3, MaxOrder)
	require.NoError(t, err)
	assert.Less(t, idx, NumCells(MaxOrder))

	shallow, err := FromCoords(123.456, -33.3, 10)
	require.NoError(t, err)
	assert.Equal(t, shallow, idx>>(2*(MaxOrder-10)))
}
