package record

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/skyerr"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCSVReaderBatches(t *testing.T) {
	path := writeFile(t, "\ufeffid, ra ,dec\n1,10,20\n2,11,21\n3,12,22\n4,13,23\n5,14,24\n")

	var sizes []int
	var ids []string
	err := CSVReader{BatchSize: 2}.Read(context.Background(), path, func(b Batch) error {
		assert.Equal(t, []string{"id", "ra", "dec"}, b.Columns)
		sizes = append(sizes, b.Len())
		for _, row := range b.Rows {
			ids = append(ids, row[0])
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids)

	n, err := CountCSV(context.Background(), path, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestCSVReaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty file", content: ""},
		{name: "ragged record", content: "a,b\n1,2\n3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.content)
			err := CSVReader{}.Read(context.Background(), path, func(Batch) error { return nil })
			assert.Error(t, err)
		})
	}

	err := CSVReader{}.Read(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), func(Batch) error { return nil })
	assert.Error(t, err)
}

func TestCSVReaderStops(t *testing.T) {
	path := writeFile(t, "ra,dec\n1,1\n2,2\n3,3\n")

	stop := errors.New("stop")
	calls := 0
	err := CSVReader{BatchSize: 1}.Read(context.Background(), path, func(Batch) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = CSVReader{BatchSize: 1}.Read(ctx, path, func(Batch) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCSVReaderSemicolon(t *testing.T) {
	path := writeFile(t, "ra;dec\n1.5;2.5\n")
	err := CSVReader{Comma: ';'}.Read(context.Background(), path, func(b Batch) error {
		assert.Equal(t, [][]string{{"1.5", "2.5"}}, b.Rows)
		return nil
	})
	require.NoError(t, err)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, 0, []string{"id", "name"}, [][]string{{"1", "a,b"}, {"2", "c"}}))
	assert.Equal(t, "id,name\n1,\"a,b\"\n2,c\n", buf.String())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Abort, p)

	p, err = ParsePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, Skip, p)

	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}

func TestLocatorColumns(t *testing.T) {
	tests := []struct {
		name    string
		loc     Locator
		columns []string
		ra, dec int
		wantErr bool
	}{
		{name: "ra dec", columns: []string{"id", "ra", "dec"}, ra: 1, dec: 2},
		{name: "case insensitive", columns: []string{"RA", "DEC"}, ra: 0, dec: 1},
		{name: "coord prefix", columns: []string{"coord_dec", "x", "coord_ra"}, ra: 2, dec: 0},
		{name: "configured", loc: Locator{RAColumn: "alpha", DecColumn: "delta"}, columns: []string{"delta", "alpha", "ra", "dec"}, ra: 1, dec: 0},
		{name: "configured missing", loc: Locator{RAColumn: "alpha", DecColumn: "delta"}, columns: []string{"ra", "dec"}, wantErr: true},
		{name: "no pair", columns: []string{"ra", "coord_dec"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ra, dec, err := tt.loc.Columns("in.csv", tt.columns)
			if tt.wantErr {
				var missing *skyerr.MissingSpatialColumnsError
				require.True(t, errors.As(err, &missing), "got %v", err)
				assert.Equal(t, "in.csv", missing.Source)
				assert.Zero(t, missing.Row)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ra, ra)
			assert.Equal(t, tt.dec, dec)
		})
	}
}

func TestLocatorLeaves(t *testing.T) {
	b := Batch{
		Columns: []string{"id", "ra", "dec"},
		Rows: [][]string{
			{"1", "0", "90"},
			{"2", "", "10"},
			{"3", "0", "-90"},
			{"4", "NaN", "0"},
			{"5", "0", "95"},
			{"6", "abc", "0"},
			{"7", "90", "0"},
		},
	}

	t.Run("skip", func(t *testing.T) {
		var got []uint64
		var rows []int
		skipped, err := Locator{Policy: Skip}.Leaves("in.csv", b, 1, 0, func(i int, leaf uint64) error {
			rows = append(rows, i)
			got = append(got, leaf)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 4, skipped)
		assert.Equal(t, []int{0, 2, 6}, rows)
		assert.Equal(t, []uint64{0, 8, 5}, got)
	})

	t.Run("abort", func(t *testing.T) {
		_, err := Locator{Policy: Abort}.Leaves("in.csv", b, 101, 0, func(int, uint64) error { return nil })
		var missing *skyerr.MissingSpatialColumnsError
		require.True(t, errors.As(err, &missing), "got %v", err)
		assert.Equal(t, 102, missing.Row)
		assert.Equal(t, []string{"ra", "dec"}, missing.Columns)
		assert.True(t, strings.Contains(err.Error(), "empty coordinate"))
	})

	t.Run("deepest order", func(t *testing.T) {
		clean := Batch{Columns: b.Columns, Rows: b.Rows[6:]}
		_, err := Locator{}.Leaves("in.csv", clean, 1, cell.MaxOrder, func(_ int, leaf uint64) error {
			assert.Equal(t, uint64(5), leaf>>(2*cell.MaxOrder))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestSort(t *testing.T) {
	b := Batch{
		Columns: []string{"id", "mag"},
		Rows: [][]string{
			{"a", "10"},
			{"b", "9"},
			{"c", "10"},
			{"d", "x"},
			{"e", "2.5"},
		},
	}
	index := []uint64{7, 7, 3, 7, 7}

	Sort(&b, index, []int{1})

	var ids []string
	for _, row := range b.Rows {
		ids = append(ids, row[0])
	}
	// c has the lowest index; the rest sort by magnitude numerically, and
	// "x" falls back to string comparison after the numbers.
	assert.Equal(t, []string{"c", "e", "b", "a", "d"}, ids)
	assert.Equal(t, []uint64{3, 7, 7, 7, 7}, index)
}

func TestSortIsStable(t *testing.T) {
	b := Batch{Columns: []string{"id"}, Rows: [][]string{{"z"}, {"y"}, {"x"}}}
	Sort(&b, nil, nil)
	assert.Equal(t, [][]string{{"z"}, {"y"}, {"x"}}, b.Rows)
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, -1, CompareValues("9", "10"))
	assert.Equal(t, 1, CompareValues("b", "a"))
	assert.Equal(t, 0, CompareValues("1.0", "1"))
	assert.Equal(t, -1, CompareValues("10", "9a"))
}
