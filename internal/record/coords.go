package record

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/skyerr"
)

// Policy decides what happens to a record whose coordinates cannot be
// resolved to a cell.
type Policy string

const (
	// Abort fails the task with *skyerr.MissingSpatialColumnsError.
	Abort Policy = "abort"
	// Skip drops the record. Skipped records are counted and reported.
	Skip Policy = "skip"
)

// ParsePolicy validates a configured policy name. Empty means Abort.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", Abort:
		return Abort, nil
	case Skip:
		return Skip, nil
	}
	return "", fmt.Errorf("unknown missing coordinate policy %q (want %q or %q)", s, Abort, Skip)
}

// coordinatePairs are tried in order when no columns are configured.
var coordinatePairs = [][2]string{
	{"ra", "dec"},
	{"coord_ra", "coord_dec"},
}

// Locator turns the coordinate columns of a batch into leaf ids.
type Locator struct {
	RAColumn  string // empty: auto-detect
	DecColumn string // empty: auto-detect
	Policy    Policy
}

// Columns resolves the positions of the right ascension and declination
// columns in columns.
func (l Locator) Columns(source string, columns []string) (ra, dec int, err error) {
	find := func(name string) int {
		for i, c := range columns {
			if strings.EqualFold(c, name) {
				return i
			}
		}
		return -1
	}

	if l.RAColumn != "" || l.DecColumn != "" {
		ra, dec = find(l.RAColumn), find(l.DecColumn)
		if ra < 0 || dec < 0 {
			return -1, -1, &skyerr.MissingSpatialColumnsError{
				Source:  source,
				Columns: []string{l.RAColumn, l.DecColumn},
			}
		}
		return ra, dec, nil
	}

	for _, pair := range coordinatePairs {
		ra, dec = find(pair[0]), find(pair[1])
		if ra >= 0 && dec >= 0 {
			return ra, dec, nil
		}
	}
	return -1, -1, &skyerr.MissingSpatialColumnsError{
		Source:  source,
		Columns: []string{"ra/coord_ra", "dec/coord_dec"},
		Reason:  "no coordinate column pair in header",
	}
}

// Leaves resolves every record of b to its leaf at order and calls fn with
// the record's position in b and the leaf. firstRow is the 1-based number of
// the batch's first record inside source, used in errors.
//
// Records with empty, non-numeric, NaN or out of range coordinates follow
// the policy: Abort returns *skyerr.MissingSpatialColumnsError, Skip leaves
// them out and counts them in skipped.
func (l Locator) Leaves(source string, b Batch, firstRow int, order uint8, fn func(i int, leaf uint64) error) (skipped int, err error) {
	raIdx, decIdx, err := l.Columns(source, b.Columns)
	if err != nil {
		return 0, err
	}

	for i, row := range b.Rows {
		leaf, reason := locate(row, raIdx, decIdx, order)
		if reason != "" {
			if l.Policy == Skip {
				skipped++
				continue
			}
			return skipped, &skyerr.MissingSpatialColumnsError{
				Source:  source,
				Columns: []string{b.Columns[raIdx], b.Columns[decIdx]},
				Row:     firstRow + i,
				Reason:  reason,
			}
		}
		if err := fn(i, leaf); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

func locate(row []string, raIdx, decIdx int, order uint8) (uint64, string) {
	if raIdx >= len(row) || decIdx >= len(row) {
		return 0, "record is shorter than header"
	}
	raText, decText := strings.TrimSpace(row[raIdx]), strings.TrimSpace(row[decIdx])
	if raText == "" || decText == "" {
		return 0, "empty coordinate"
	}
	ra, err := strconv.ParseFloat(raText, 64)
	if err != nil {
		return 0, fmt.Sprintf("ra %q is not a number", raText)
	}
	dec, err := strconv.ParseFloat(decText, 64)
	if err != nil {
		return 0, fmt.Sprintf("dec %q is not a number", decText)
	}
	leaf, err := cell.FromCoords(ra, dec, order)
	if err != nil {
		return 0, err.Error()
	}
	return leaf, ""
}
