package catalog

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/fsutil"
)

var listingHeader = []string{"Norder", "Npix", "num_rows"}

// PartitionInfo is one line of the partition listing.
type PartitionInfo struct {
	Cell cell.Cell `json:"cell"`
	Rows uint64    `json:"rows"`
}

// WritePartitionInfo writes the listing sorted by order, then index.
func WritePartitionInfo(path string, partitions []PartitionInfo) error {
	sorted := slices.Clone(partitions)
	slices.SortFunc(sorted, func(a, b PartitionInfo) int { return cell.Compare(a.Cell, b.Cell) })

	err := fsutil.WriteFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(listingHeader); err != nil {
			return err
		}
		for _, p := range sorted {
			if err := cw.Write([]string{
				strconv.Itoa(int(p.Cell.Order)),
				strconv.FormatUint(p.Cell.Index, 10),
				strconv.FormatUint(p.Rows, 10),
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	return errors.Wrap(err, "write partition listing")
}

// ReadPartitionInfo parses a listing written by WritePartitionInfo. A
// listing without the num_rows column is accepted with zero row counts.
func ReadPartitionInfo(path string) ([]PartitionInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open partition listing")
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("%s: missing header", path)
	}

	header := records[0]
	col := func(name string) int { return slices.Index(header, name) }
	orderCol, pixCol, rowsCol := col("Norder"), col("Npix"), col("num_rows")
	if orderCol < 0 || pixCol < 0 {
		return nil, errors.Errorf("%s: header %v lacks Norder/Npix", path, header)
	}

	out := make([]PartitionInfo, 0, len(records)-1)
	for i, rec := range records[1:] {
		order, err := strconv.ParseUint(rec[orderCol], 10, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d", path, i+2)
		}
		index, err := strconv.ParseUint(rec[pixCol], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d", path, i+2)
		}
		c, err := cell.New(uint8(order), index)
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d", path, i+2)
		}
		p := PartitionInfo{Cell: c}
		if rowsCol >= 0 {
			if p.Rows, err = strconv.ParseUint(rec[rowsCol], 10, 64); err != nil {
				return nil, errors.Wrapf(err, "%s line %d", path, i+2)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// HighestOrder returns the deepest order among partitions.
func HighestOrder(partitions []PartitionInfo) uint8 {
	var max uint8
	for _, p := range partitions {
		if p.Cell.Order > max {
			max = p.Cell.Order
		}
	}
	return max
}

// SkyFraction returns the fraction of the sphere the partitions cover.
func SkyFraction(partitions []PartitionInfo) float64 {
	var sum float64
	for _, p := range partitions {
		sum += p.Cell.Area()
	}
	return sum
}
