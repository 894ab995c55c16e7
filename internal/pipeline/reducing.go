package pipeline

import (
	"context"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/dreamware/skytile/internal/catalog"
	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/fsutil"
	"github.com/dreamware/skytile/internal/histogram"
	"github.com/dreamware/skytile/internal/ledger"
	"github.com/dreamware/skytile/internal/record"
	"github.com/dreamware/skytile/internal/shard"
	"github.com/dreamware/skytile/internal/skyerr"
)

// SpatialIndexColumn holds the order 29 cell index of a record when
// add_spatial_index is set.
const SpatialIndexColumn = "_healpix_29"

func (p *Pipeline) reduce(ctx context.Context) error {
	cells := p.registry.ReduceKeys()
	keys := make([]string, len(cells))
	byKey := make(map[string]cell.Cell, len(cells))
	for i, c := range cells {
		keys[i] = c.String()
		byKey[keys[i]] = c
	}
	return p.runStage(ctx, ledger.Reducing, keys, func(ctx context.Context, key string) error {
		return p.reduceCell(ctx, byKey[key])
	})
}

func (p *Pipeline) reduceHistogramPath(c cell.Cell) string {
	return p.tmp(reduceHistogramDir, c.String()+".hist")
}

// reduceCell merges the shards of c into the cell's increment file, writes
// the cell's histogram and only then deletes the shards.
func (p *Pipeline) reduceCell(ctx context.Context, c cell.Cell) error {
	if p.beforeReduce != nil {
		if err := p.beforeReduce(c); err != nil {
			return err
		}
	}
	part, ok := p.registry.Get(c)
	if !ok {
		return errors.Errorf("cell %s is not a destination", c)
	}
	out := catalog.PartitionFile(p.cfg.CatalogPath, c, p.cfg.IncrementName)

	infos, err := shard.List(p.tmp(shardDir), c)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return p.confirmReduced(c, part.NewRows, out)
	}

	b, _, err := shard.ReadCell(p.tmp(shardDir), c)
	if err != nil {
		return err
	}
	if uint64(b.Len()) != part.NewRows {
		return &skyerr.ConservationError{
			Checkpoint: "reducing",
			Subject:    c.String(),
			Expected:   part.NewRows,
			Actual:     uint64(b.Len()),
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// shard rows were resolvable when they were split
	strict := p.locator
	strict.Policy = record.Abort
	index := make([]uint64, b.Len())
	if _, err := strict.Leaves(c.String(), b, 1, cell.MaxOrder, func(i int, leaf uint64) error {
		index[i] = leaf
		return nil
	}); err != nil {
		return err
	}

	keys := make([]int, len(p.cfg.Partitioning.SortColumns))
	for i, name := range p.cfg.Partitioning.SortColumns {
		if keys[i] = b.Index(name); keys[i] < 0 {
			return errors.Errorf("sort column %q not in %v", name, b.Columns)
		}
	}
	record.Sort(&b, index, keys)

	columns := b.Columns
	rows := b.Rows
	if p.cfg.Partitioning.AddSpatialIndex {
		columns = append(append([]string(nil), columns...), SpatialIndexColumn)
		rows = make([][]string, len(b.Rows))
		for i, row := range b.Rows {
			rows[i] = append(append(make([]string, 0, len(row)+1), row...), strconv.FormatUint(index[i], 10))
		}
	}

	if err := fsutil.WriteFile(out, func(w io.Writer) error {
		return record.WriteCSV(w, ',', columns, rows)
	}); err != nil {
		return errors.Wrapf(err, "write partition %s", c)
	}

	order := p.cfg.Partitioning.MappingOrder
	leaves := make([]uint64, len(index))
	for i, idx := range index {
		leaves[i] = idx >> (2 * uint64(cell.MaxOrder-order))
	}
	if err := histogram.SaveSparse(p.reduceHistogramPath(c), histogram.FromLeaves(order, leaves)); err != nil {
		return errors.Wrapf(err, "save histogram of %s", c)
	}
	if err := p.registry.RecordWritten(c, uint64(len(rows))); err != nil {
		return err
	}

	if p.cfg.Runtime.DeleteIntermediateFiles {
		return shard.Remove(p.tmp(shardDir), c)
	}
	return nil
}

// confirmReduced accepts a cell whose shards are already gone when an
// earlier attempt wrote both its partition file and its histogram with the
// expected row count. This happens when a reduce task finished but its key
// was not recorded.
func (p *Pipeline) confirmReduced(c cell.Cell, expected uint64, out string) error {
	exists, err := fsutil.Exists(out)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Errorf("no shards and no partition file for %s", c)
	}
	h, err := histogram.LoadSparse(p.reduceHistogramPath(c))
	if err != nil {
		return errors.Wrapf(err, "no shards for %s and its histogram is unreadable", c)
	}
	if h.Total() != expected {
		return &skyerr.ConservationError{
			Checkpoint: "reducing",
			Subject:    c.String(),
			Expected:   expected,
			Actual:     h.Total(),
		}
	}
	return p.registry.RecordWritten(c, expected)
}
