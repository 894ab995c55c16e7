package record

import (
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// Sort orders b.Rows by index[i] first, then by the values of the columns at
// positions keys, comparing numerically when both values parse as numbers.
// The sort is stable, so records that compare equal keep their input order.
// index is permuted along with the rows.
func Sort(b *Batch, index []uint64, keys []int) {
	perm := make([]int, len(b.Rows))
	for i := range perm {
		perm[i] = i
	}

	slices.SortStableFunc(perm, func(x, y int) int {
		if index != nil {
			switch {
			case index[x] < index[y]:
				return -1
			case index[x] > index[y]:
				return 1
			}
		}
		for _, k := range keys {
			if c := CompareValues(b.Rows[x][k], b.Rows[y][k]); c != 0 {
				return c
			}
		}
		return 0
	})

	rows := make([][]string, len(perm))
	for i, p := range perm {
		rows[i] = b.Rows[p]
	}
	b.Rows = rows

	if index != nil {
		sorted := make([]uint64, len(perm))
		for i, p := range perm {
			sorted[i] = index[p]
		}
		copy(index, sorted)
	}
}

// CompareValues compares two field values, numerically when both are numbers.
func CompareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
