// Package catalog reads and writes the on-disk form of a space-tiled
// catalog: the partition data files, the partition listing, the sky maps and
// the properties record.
//
// Layout:
//
//	<root>/
//	├── hats.properties
//	├── partition_info.csv          Norder,Npix,num_rows
//	├── point_map.skymap            counts at the mapping order
//	├── skymap.<o>.skymap           optional coarser maps
//	└── dataset/
//	    └── Norder=O/Dir=D/Npix=I/
//	        └── <increment>.csv     one file per increment
//
// A later increment adds a file next to the existing ones and never rewrites
// them.
package catalog

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/fsutil"
	"github.com/dreamware/skytile/internal/histogram"
)

// Descriptor describes an existing catalog.
type Descriptor struct {
	Root       string
	Properties Properties
	Partitions []PartitionInfo

	// metaDir holds the properties, listing and point map; Root unless the
	// descriptor was loaded from a snapshot.
	metaDir string
}

// Exists reports whether root holds a catalog, judged by its properties file.
func Exists(root string) (bool, error) {
	return fsutil.Exists(filepath.Join(root, PropertiesFile))
}

// Load reads the properties and partition listing of the catalog at root.
func Load(root string) (*Descriptor, error) {
	return load(root, root)
}

// Snapshot copies the metadata of the catalog at root (properties,
// partition listing and point map) into dir and returns a descriptor that
// reads it from there. Data files are not copied.
//
// The copy keeps the state of the catalog before a build touched it, so a
// build that resumes after rewriting the metadata still starts from it.
func Snapshot(root, dir string) (*Descriptor, error) {
	d, err := Load(root)
	if err != nil {
		return nil, err
	}
	order, pointMap, err := d.PointMap()
	if err != nil {
		return nil, errors.Wrapf(err, "load point map of %s", root)
	}

	if err := WritePartitionInfo(filepath.Join(dir, PartitionInfoFile), d.Partitions); err != nil {
		return nil, errors.Wrap(err, "snapshot partition listing")
	}
	if err := WriteSkymaps(dir, order, pointMap, nil); err != nil {
		return nil, errors.Wrap(err, "snapshot point map")
	}
	// properties last: their presence marks a complete snapshot
	if err := d.Properties.Write(filepath.Join(dir, PropertiesFile)); err != nil {
		return nil, errors.Wrap(err, "snapshot properties")
	}
	return LoadSnapshot(root, dir)
}

// LoadSnapshot reads a descriptor of the catalog at root from a snapshot
// written by Snapshot into dir.
func LoadSnapshot(root, dir string) (*Descriptor, error) {
	return load(root, dir)
}

func load(root, metaDir string) (*Descriptor, error) {
	props, err := ReadProperties(filepath.Join(metaDir, PropertiesFile))
	if err != nil {
		return nil, errors.Wrapf(err, "load catalog %s", root)
	}
	partitions, err := ReadPartitionInfo(filepath.Join(metaDir, PartitionInfoFile))
	if err != nil {
		return nil, errors.Wrapf(err, "load catalog %s", root)
	}
	return &Descriptor{Root: root, Properties: props, Partitions: partitions, metaDir: metaDir}, nil
}

// Cells returns the materialized partition cells.
func (d *Descriptor) Cells() []cell.Cell {
	out := make([]cell.Cell, len(d.Partitions))
	for i, p := range d.Partitions {
		out[i] = p.Cell
	}
	return out
}

// Rows maps every partition cell to its listed row count.
func (d *Descriptor) Rows() map[cell.Cell]uint64 {
	out := make(map[cell.Cell]uint64, len(d.Partitions))
	for _, p := range d.Partitions {
		out[p.Cell] = p.Rows
	}
	return out
}

// TotalRows returns the hats_nrows property.
func (d *Descriptor) TotalRows() (uint64, error) {
	return d.Properties.Uint(KeyTotalRows)
}

// PointMap loads the catalog's point map.
func (d *Descriptor) PointMap() (uint8, histogram.Dense, error) {
	if d.metaDir == "" {
		return ReadPointMap(d.Root)
	}
	return ReadPointMap(d.metaDir)
}
