package cell

import (
	"fmt"
	"path/filepath"
)

// dirBlock is the number of cell indices grouped under one Dir= directory so
// that no directory holds an unbounded number of partitions.
const dirBlock = 10_000

// Dir returns the Dir= grouping value for the cell.
func (c Cell) Dir() uint64 {
	return c.Index / dirBlock * dirBlock
}

// RelDir returns the partition directory of c relative to a catalog's data
// root: Norder=O/Dir=D/Npix=I.
func (c Cell) RelDir() string {
	return filepath.Join(
		fmt.Sprintf("Norder=%d", c.Order),
		fmt.Sprintf("Dir=%d", c.Dir()),
		fmt.Sprintf("Npix=%d", c.Index),
	)
}
