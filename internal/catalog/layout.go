package catalog

import (
	"fmt"
	"path/filepath"

	"github.com/dreamware/skytile/internal/cell"
)

// File and directory names inside a catalog root.
const (
	PropertiesFile    = "hats.properties"
	PartitionInfoFile = "partition_info.csv"
	PointMapFile      = "point_map.skymap"
	DataDir           = "dataset"
	DataExt           = ".csv"
)

// PartitionDir returns the directory holding the data files of c.
func PartitionDir(root string, c cell.Cell) string {
	return filepath.Join(root, DataDir, c.RelDir())
}

// PartitionFile returns the data file written for c by the named increment.
func PartitionFile(root string, c cell.Cell, increment string) string {
	return filepath.Join(PartitionDir(root, c), increment+DataExt)
}

// SkymapFile returns the downsampled sky map at order.
func SkymapFile(root string, order uint8) string {
	return filepath.Join(root, fmt.Sprintf("skymap.%d.skymap", order))
}

func pointMapPath(root string) string {
	return filepath.Join(root, PointMapFile)
}
