package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/skytile/internal/catalog"
	"github.com/dreamware/skytile/internal/histogram"
	"github.com/dreamware/skytile/internal/ledger"
	"github.com/dreamware/skytile/internal/skyerr"
)

// finalize rebuilds the catalog metadata from the partition histograms and
// the existing catalog, validates the result and discards the build state.
func (p *Pipeline) finalize(ctx context.Context) (res *Result, err error) {
	p.monitor.Begin(ledger.Finalizing, 1, 0)
	defer func() { p.monitor.Finish(ledger.Finalizing, err) }()

	order := p.cfg.Partitioning.MappingOrder
	agg := histogram.NewAggregator(order)
	for _, c := range p.registry.ReduceKeys() {
		h, err := histogram.LoadSparse(p.reduceHistogramPath(c))
		if err != nil {
			return nil, errors.Wrapf(err, "load histogram of %s", c)
		}
		if err := agg.AddSparse(h); err != nil {
			return nil, err
		}
	}
	newRows := agg.Total()
	if newRows != p.plan.Total() {
		return nil, &skyerr.ConservationError{Checkpoint: "finalize", Expected: p.plan.Total(), Actual: newRows}
	}

	props := catalog.Properties{}
	if p.existing != nil {
		_, pointMap, err := p.existing.PointMap()
		if err != nil {
			return nil, errors.Wrap(err, "load existing point map")
		}
		if err := agg.Add(pointMap); err != nil {
			return nil, err
		}
		for k, v := range p.existing.Properties {
			props[k] = v
		}
	}

	partitions := p.registry.All()
	listing := make([]catalog.PartitionInfo, len(partitions))
	var listed, maxRows uint64
	for i, part := range partitions {
		listing[i] = catalog.PartitionInfo{Cell: part.Cell, Rows: part.Rows()}
		listed += part.Rows()
		if part.Rows() > maxRows {
			maxRows = part.Rows()
		}
	}
	if listed != agg.Total() {
		return nil, &skyerr.ConservationError{
			Checkpoint: "finalize",
			Subject:    "partition listing",
			Expected:   agg.Total(),
			Actual:     listed,
		}
	}

	root := p.cfg.CatalogPath
	if err := catalog.WritePartitionInfo(filepath.Join(root, catalog.PartitionInfoFile), listing); err != nil {
		return nil, err
	}

	altOrders := p.cfg.Partitioning.SkymapAltOrders
	if len(altOrders) == 0 {
		if altOrders, err = props.Orders(catalog.KeySkymapOrders); err != nil {
			return nil, err
		}
	}
	if err := catalog.WriteSkymaps(root, order, agg.Histogram(), altOrders); err != nil {
		return nil, err
	}

	if err := p.fillProperties(props, listing, agg.Total(), maxRows, altOrders); err != nil {
		return nil, err
	}
	if err := props.Write(filepath.Join(root, catalog.PropertiesFile)); err != nil {
		return nil, err
	}

	if p.beforeValidate != nil {
		if err := p.beforeValidate(); err != nil {
			return nil, err
		}
	}
	if err := catalog.Validate(ctx, root); err != nil {
		return nil, err
	}
	skipped, err := p.skippedRecords()
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"stage":      ledger.Finalizing,
		"partitions": len(listing),
		"total_rows": agg.Total(),
	}).Info("catalog validated")

	if err := p.ledger.Discard(); err != nil {
		return nil, err
	}
	if p.cfg.Runtime.DeleteIntermediateFiles {
		p.close()
		if err := p.removeTmp(); err != nil {
			return nil, err
		}
	}

	return &Result{
		RunID:      p.runID,
		Increment:  p.cfg.IncrementName,
		Partitions: partitions,
		NewRows:    newRows,
		TotalRows:  agg.Total(),
		Skipped:    skipped,
	}, nil
}

func (p *Pipeline) fillProperties(props catalog.Properties, listing []catalog.PartitionInfo, total, maxRows uint64, altOrders []uint8) error {
	props[catalog.KeyCollection] = p.cfg.CatalogName
	props[catalog.KeyProductType] = catalog.ProductTypeValue
	props[catalog.KeyTotalRows] = strconv.FormatUint(total, 10)
	props[catalog.KeyOrder] = strconv.Itoa(int(catalog.HighestOrder(listing)))
	props[catalog.KeyMaxRows] = strconv.FormatUint(maxRows, 10)
	props[catalog.KeySkyFraction] = fmt.Sprintf("%.5f", catalog.SkyFraction(listing))
	props[catalog.KeyMappingOrder] = strconv.Itoa(int(p.cfg.Partitioning.MappingOrder))
	props[catalog.KeyCreationDate] = p.now().UTC().Format("2006-01-02T15:04UTC")
	props[catalog.KeyBuilder] = Builder
	props[catalog.KeyRunID] = p.runID
	props[catalog.KeyIncrement] = p.cfg.IncrementName
	if len(altOrders) > 0 {
		props[catalog.KeySkymapOrders] = catalog.FormatOrders(altOrders)
	}

	raw, ok, err := p.ledger.Meta(metaColumns)
	if err != nil {
		return err
	}
	if ok {
		ra, dec, _ := strings.Cut(string(raw), ",")
		props[catalog.KeyRAColumn] = ra
		props[catalog.KeyDecColumn] = dec
	}
	return nil
}
