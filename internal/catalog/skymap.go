package catalog

import (
	"github.com/pkg/errors"

	"github.com/dreamware/skytile/internal/histogram"
)

// WriteSkymaps writes the point map at order and one downsampled map for
// every alt order not deeper than order.
func WriteSkymaps(root string, order uint8, pointMap histogram.Dense, altOrders []uint8) error {
	if err := histogram.SaveDense(pointMapPath(root), order, pointMap); err != nil {
		return errors.Wrap(err, "write point map")
	}
	for _, alt := range altOrders {
		down, err := pointMap.Downsample(order, alt)
		if err != nil {
			return errors.Wrapf(err, "skymap order %d", alt)
		}
		if err := histogram.SaveDense(SkymapFile(root, alt), alt, down); err != nil {
			return errors.Wrapf(err, "write skymap order %d", alt)
		}
	}
	return nil
}

// ReadPointMap loads the catalog point map.
func ReadPointMap(root string) (uint8, histogram.Dense, error) {
	return histogram.LoadDense(pointMapPath(root))
}
