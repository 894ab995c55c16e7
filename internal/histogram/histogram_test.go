package histogram

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/skytile/internal/skyerr"
)

func TestLen(t *testing.T) {
	assert.Equal(t, 12, Len(0))
	assert.Equal(t, 192, Len(2))
	assert.Equal(t, 12*4*4*4*4*4*4*4*4, Len(8))

	order, err := OrderOf(192)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), order)

	_, err = OrderOf(100)
	assert.Error(t, err)
}

func TestAggregatorSums(t *testing.T) {
	agg := NewAggregator(1)

	a := New(1)
	a[0], a[5], a[47] = 3, 1, 2
	b := New(1)
	b[5], b[10] = 4, 7

	require.NoError(t, agg.Add(a))
	require.NoError(t, agg.Add(b))

	h := agg.Histogram()
	assert.Equal(t, uint64(3), h[0])
	assert.Equal(t, uint64(5), h[5])
	assert.Equal(t, uint64(7), h[10])
	assert.Equal(t, uint64(2), h[47])
	assert.Equal(t, uint64(17), agg.Total())
	assert.Equal(t, a.Total()+b.Total(), agg.Total())
	assert.Equal(t, 2, agg.Partials())
}

func TestAggregatorShapeMismatch(t *testing.T) {
	tests := []struct {
		name    string
		partial Dense
	}{
		{name: "shallower order", partial: New(0)},
		{name: "deeper order", partial: New(2)},
		{name: "truncated", partial: make(Dense, 47)},
		{name: "empty", partial: Dense{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(1)
			err := agg.Add(tt.partial)

			var shape *skyerr.ShapeMismatchError
			require.True(t, errors.As(err, &shape), "expected ShapeMismatchError, got %v", err)
			assert.Equal(t, 48, shape.Expected)
			assert.Equal(t, len(tt.partial), shape.Actual)
			assert.Equal(t, 0, agg.Partials())
		})
	}
}

func TestAggregatorSparse(t *testing.T) {
	agg := NewAggregator(2)
	require.NoError(t, agg.AddSparse(FromLeaves(2, []uint64{7, 3, 7, 191})))
	assert.Equal(t, uint64(4), agg.Total())
	assert.Equal(t, uint64(2), agg.Histogram()[7])

	var shape *skyerr.ShapeMismatchError
	err := agg.AddSparse(FromLeaves(3, []uint64{1}))
	assert.True(t, errors.As(err, &shape))

	err = agg.AddSparse(Sparse{Order: 2, Indices: []uint64{192}, Counts: []uint64{1}})
	assert.Error(t, err)
}

func TestDownsample(t *testing.T) {
	h := New(2)
	h[0], h[3], h[4], h[191] = 1, 2, 5, 9

	d1, err := h.Downsample(2, 1)
	require.NoError(t, err)
	require.Len(t, d1, 48)
	assert.Equal(t, uint64(3), d1[0])
	assert.Equal(t, uint64(5), d1[1])
	assert.Equal(t, uint64(9), d1[47])

	d0, err := h.Downsample(2, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), d0[0])
	assert.Equal(t, uint64(9), d0[11])
	assert.Equal(t, h.Total(), d0.Total())

	same, err := h.Downsample(2, 2)
	require.NoError(t, err)
	assert.Equal(t, h, same)

	_, err = h.Downsample(1, 0)
	assert.Error(t, err)
	_, err = h.Downsample(2, 3)
	assert.Error(t, err)
}

func TestSparseFromLeaves(t *testing.T) {
	s := FromLeaves(1, []uint64{9, 2, 9, 9, 0})
	assert.Equal(t, []uint64{0, 2, 9}, s.Indices)
	assert.Equal(t, []uint64{1, 1, 3}, s.Counts)
	assert.Equal(t, uint64(5), s.Total())

	h, err := s.Dense()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), h[9])
	assert.Equal(t, s, FromDense(1, h))

	empty := FromLeaves(1, nil)
	assert.Equal(t, uint64(0), empty.Total())
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()

	h := New(2)
	h[17], h[190] = 4, 1
	densePath := filepath.Join(dir, "point_map.hist")
	require.NoError(t, SaveDense(densePath, 2, h))

	order, loaded, err := LoadDense(densePath)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), order)
	assert.Equal(t, h, loaded)

	s := FromLeaves(3, []uint64{1, 1, 700})
	sparsePath := filepath.Join(dir, "sub", "cell.hist")
	require.NoError(t, SaveSparse(sparsePath, s))

	got, err := LoadSparse(sparsePath)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = LoadSparse(filepath.Join(dir, "missing.hist"))
	assert.Error(t, err)
}
