package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dreamware/skytile/internal/ledger"
	"github.com/dreamware/skytile/internal/record"
	"github.com/dreamware/skytile/internal/shard"
)

func (p *Pipeline) split(ctx context.Context) error {
	keys, paths := p.inputKeys(splitKey)
	return p.runStage(ctx, ledger.Splitting, keys, func(ctx context.Context, key string) error {
		return p.splitInput(ctx, key, paths[key])
	})
}

// splitInput routes every record of one input to the shard file of its
// destination. Shards become visible only when the whole input was routed.
func (p *Pipeline) splitInput(ctx context.Context, key, path string) error {
	order := p.cfg.Partitioning.MappingOrder

	var set *shard.Set
	seen, skipped := 0, 0
	err := p.reader.Read(ctx, path, func(b record.Batch) error {
		if set == nil {
			if err := p.recordColumns(path, b.Columns); err != nil {
				return err
			}
			set = shard.NewSet(p.tmp(shardDir), key, b.Columns)
		}
		n, err := p.locator.Leaves(path, b, seen+1, order, func(i int, leaf uint64) error {
			dest, err := p.registry.ForLeaf(leaf)
			if err != nil {
				return errors.Wrapf(err, "%s: record %d; did the input change since mapping?", path, seen+i+1)
			}
			return set.Append(dest.Cell, b.Rows[i])
		})
		seen += b.Len()
		skipped += n
		return err
	})
	if err != nil {
		if set != nil {
			set.Abort()
		}
		return err
	}
	if set == nil {
		return nil
	}
	if err := set.Commit(); err != nil {
		return err
	}

	p.reportSkipped(ledger.Splitting, key, path, skipped)
	stats := set.GetStats()
	p.metrics.RowsRouted.Add(float64(stats.Rows))
	p.log.WithField("stage", ledger.Splitting).WithField("key", key).
		WithField("rows", stats.Rows).WithField("files", stats.Files).Debug("routed input")
	return nil
}

// recordColumns checks the header of an input against the configured sort
// columns and stores the names of the coordinate columns for the catalog
// properties. The first input to be split decides the names.
func (p *Pipeline) recordColumns(source string, columns []string) error {
	ra, dec, err := p.locator.Columns(source, columns)
	if err != nil {
		return err
	}
	header := record.Batch{Columns: columns}
	for _, name := range p.cfg.Partitioning.SortColumns {
		if header.Index(name) < 0 {
			return errors.Errorf("%s: sort column %q not in %v", source, name, columns)
		}
	}
	p.columnsOnce.Do(func() {
		err = p.ledger.SetMeta(metaColumns, []byte(columns[ra]+","+columns[dec]))
	})
	return err
}
