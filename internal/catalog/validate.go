package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/record"
	"github.com/dreamware/skytile/internal/skyerr"
)

// Validate checks the structure of the catalog at root:
//   - properties and partition listing are present and parse
//   - listed partitions do not overlap
//   - every listed partition has a directory with at least one data file
//   - the rows counted in each partition's data files match the listing
//   - listing rows, point map total and hats_nrows agree
//   - hats_order is the deepest listed order
//
// Structural problems are collected and returned together as a
// *skyerr.ValidationError. Other errors, such as a cancelled context, are
// returned as is.
func Validate(ctx context.Context, root string) error {
	var problems []string
	report := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	done := func() error {
		if len(problems) == 0 {
			return nil
		}
		return &skyerr.ValidationError{Path: root, Problems: problems}
	}

	props, err := ReadProperties(filepath.Join(root, PropertiesFile))
	if err != nil {
		report("properties: %v", err)
	}
	partitions, err := ReadPartitionInfo(filepath.Join(root, PartitionInfoFile))
	if err != nil {
		report("partition listing: %v", err)
	}
	if len(problems) > 0 {
		return done()
	}

	total, err := props.Uint(KeyTotalRows)
	if err != nil {
		report("%v", err)
	}
	if len(partitions) > 0 {
		order, err := props.Uint(KeyOrder)
		if err != nil {
			report("%v", err)
		} else if uint8(order) != HighestOrder(partitions) {
			report("%s is %d but the deepest partition has order %d", KeyOrder, order, HighestOrder(partitions))
		}
	}

	listed := make(map[cell.Cell]struct{}, len(partitions))
	for _, p := range partitions {
		if _, dup := listed[p.Cell]; dup {
			report("partition %s listed twice", p.Cell)
		}
		listed[p.Cell] = struct{}{}
	}
	for _, p := range partitions {
		for o := uint8(0); o < p.Cell.Order; o++ {
			if _, ok := listed[p.Cell.AncestorAt(o)]; ok {
				report("partitions %s and %s overlap", p.Cell.AncestorAt(o), p.Cell)
			}
		}
	}

	var listedRows uint64
	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			return err
		}
		listedRows += p.Rows

		rows, files, err := countPartition(ctx, root, p.Cell)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			report("partition %s: %v", p.Cell, err)
		case files == 0:
			report("partition %s has no data files", p.Cell)
		case rows != p.Rows:
			report("partition %s holds %d rows but is listed with %d", p.Cell, rows, p.Rows)
		}
	}
	if listedRows != total {
		report("listing holds %d rows but %s is %d", listedRows, KeyTotalRows, total)
	}

	if _, pointMap, err := ReadPointMap(root); err != nil {
		report("point map: %v", err)
	} else if pointMap.Total() != total {
		report("point map counts %d rows but %s is %d", pointMap.Total(), KeyTotalRows, total)
	}

	return done()
}

// countPartition sums the records of every data file in c's directory.
func countPartition(ctx context.Context, root string, c cell.Cell) (rows uint64, files int, err error) {
	entries, err := os.ReadDir(PartitionDir(root, c))
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), DataExt) {
			continue
		}
		n, err := record.CountCSV(ctx, filepath.Join(PartitionDir(root, c), e.Name()), 0)
		if err != nil {
			return 0, 0, err
		}
		rows += uint64(n)
		files++
	}
	return rows, files, nil
}
