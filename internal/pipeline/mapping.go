package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/skytile/internal/alignment"
	"github.com/dreamware/skytile/internal/catalog"
	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/fsutil"
	"github.com/dreamware/skytile/internal/histogram"
	"github.com/dreamware/skytile/internal/ledger"
	"github.com/dreamware/skytile/internal/record"
	"github.com/dreamware/skytile/internal/skyerr"
)

func mapKey(i int) string   { return fmt.Sprintf("map_%d", i) }
func splitKey(i int) string { return fmt.Sprintf("split_%d", i) }

// inputKeys returns the task keys of the inputs in input order and the
// input path of every key.
func (p *Pipeline) inputKeys(name func(int) string) ([]string, map[string]string) {
	keys := make([]string, len(p.inputs))
	paths := make(map[string]string, len(p.inputs))
	for i, path := range p.inputs {
		keys[i] = name(i)
		paths[keys[i]] = path
	}
	return keys, paths
}

// mapAndPlan runs the map stage, then aggregates and plans unless a plan
// was already persisted by an earlier attempt.
func (p *Pipeline) mapAndPlan(ctx context.Context) error {
	keys, paths := p.inputKeys(mapKey)
	err := p.runStage(ctx, ledger.Mapping, keys, func(ctx context.Context, key string) error {
		return p.mapInput(ctx, key, paths[key])
	})
	if err != nil {
		return err
	}

	planned, err := p.ledger.IsDone(ledger.Planning, planKey)
	if err != nil {
		return err
	}
	p.monitor.Begin(ledger.Planning, 1, 0)
	if planned {
		p.plan, err = alignment.Load(p.tmp(planFile))
		if err != nil {
			err = errors.Wrap(err, "load persisted plan")
		} else {
			p.log.WithField("stage", ledger.Planning).Info("resuming with persisted plan")
		}
	} else {
		err = p.computePlan(keys)
	}
	if err == nil {
		err = p.buildRegistry()
	}
	p.monitor.Finish(ledger.Planning, err)
	return err
}

// mapInput counts the records of one input into a partial histogram at the
// mapping order and persists it, overwriting an earlier attempt.
func (p *Pipeline) mapInput(ctx context.Context, key, path string) error {
	order := p.cfg.Partitioning.MappingOrder
	partial := histogram.New(order)

	var rows uint64
	seen, skipped := 0, 0
	err := p.reader.Read(ctx, path, func(b record.Batch) error {
		n, err := p.locator.Leaves(path, b, seen+1, order, func(_ int, leaf uint64) error {
			partial[leaf]++
			rows++
			return nil
		})
		seen += b.Len()
		skipped += n
		return err
	})
	if err != nil {
		return err
	}
	p.reportSkipped(ledger.Mapping, key, path, skipped)
	p.metrics.RowsMapped.Add(float64(rows))

	if err := histogram.SaveSparse(p.tmp(histogramDir, key+".hist"), histogram.FromDense(order, partial)); err != nil {
		return errors.Wrapf(err, "save partial histogram of %s", path)
	}
	if err := p.ledger.SetMeta(metaSkipPfx+key, []byte(strconv.Itoa(skipped))); err != nil {
		return err
	}
	return p.ledger.SetMeta(metaRowsPfx+key, []byte(strconv.FormatUint(rows, 10)))
}

// metaCount reads a count stored by a map task.
func (p *Pipeline) metaCount(prefix, key string) (uint64, error) {
	what := "row"
	if prefix == metaSkipPfx {
		what = "skipped record"
	}
	raw, ok, err := p.ledger.Meta(prefix + key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Errorf("%s count of %s was not recorded", what, key)
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	return n, errors.Wrapf(err, "%s count of %s", what, key)
}

// skippedRecords sums the records every map task skipped, including the
// tasks of earlier attempts.
func (p *Pipeline) skippedRecords() (uint64, error) {
	keys, _ := p.inputKeys(mapKey)
	var total uint64
	for _, key := range keys {
		n, err := p.metaCount(metaSkipPfx, key)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// aggregate sums the partial histograms of keys and checks the sum against
// the row counts the map tasks reported.
func (p *Pipeline) aggregate(keys []string) (histogram.Dense, error) {
	agg := histogram.NewAggregator(p.cfg.Partitioning.MappingOrder)
	var expected uint64
	for _, key := range keys {
		partial, err := histogram.LoadSparse(p.tmp(histogramDir, key+".hist"))
		if err != nil {
			return nil, errors.Wrapf(err, "load partial histogram %s", key)
		}
		if err := agg.AddSparse(partial); err != nil {
			return nil, err
		}

		n, err := p.metaCount(metaRowsPfx, key)
		if err != nil {
			return nil, err
		}
		expected += n
	}

	if agg.Total() != expected {
		return nil, &skyerr.ConservationError{Checkpoint: "histogram", Expected: expected, Actual: agg.Total()}
	}
	p.log.WithFields(logrus.Fields{
		"stage":    ledger.Mapping,
		"rows":     expected,
		"partials": agg.Partials(),
		"leaves":   agg.Histogram().NonZero(),
	}).Info("aggregated histogram")
	return agg.Histogram(), nil
}

// computePlan aggregates the partials, runs the planner and persists the
// plan before marking planning done.
func (p *Pipeline) computePlan(mapKeys []string) error {
	h, err := p.aggregate(mapKeys)
	if err != nil {
		return err
	}

	var existing []cell.Cell
	if p.existing != nil {
		existing = p.existing.Cells()
	}
	plan, err := alignment.Compute(h, existing, alignment.Options{
		MaxOrder:    p.cfg.Partitioning.MappingOrder,
		LowestOrder: p.cfg.Partitioning.LowestOrder,
		Threshold:   p.cfg.Partitioning.Threshold(),
	})
	if err != nil {
		return err
	}
	if err := p.refuseOverwrite(plan); err != nil {
		return err
	}

	if err := plan.Save(p.tmp(planFile)); err != nil {
		return errors.Wrap(err, "persist plan")
	}
	if err := p.ledger.MarkDone(ledger.Planning, planKey); err != nil {
		return err
	}
	p.plan = plan
	p.log.WithFields(logrus.Fields{
		"stage":        ledger.Planning,
		"destinations": len(plan.Destinations),
		"rows":         plan.Total(),
	}).Info("planned partitions")
	return nil
}

// refuseOverwrite fails when a destination already holds a data file named
// after this increment. Writing it again would replace materialized rows.
func (p *Pipeline) refuseOverwrite(plan *alignment.Plan) error {
	if p.existing == nil {
		return nil
	}
	for _, c := range plan.Cells() {
		path := catalog.PartitionFile(p.cfg.CatalogPath, c, p.cfg.IncrementName)
		exists, err := fsutil.Exists(path)
		if err != nil {
			return err
		}
		if exists {
			return errors.Errorf("increment %q was already written to %s; choose another increment_name",
				p.cfg.IncrementName, path)
		}
	}
	return nil
}

func (p *Pipeline) buildRegistry() error {
	var existing map[cell.Cell]uint64
	if p.existing != nil {
		existing = p.existing.Rows()
	}
	reg, err := alignment.NewRegistry(p.plan, existing)
	if err != nil {
		return err
	}
	p.registry = reg
	p.metrics.Partitions.Set(float64(reg.Len()))
	return nil
}
