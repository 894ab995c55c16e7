package alignment

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/fsutil"
	"github.com/dreamware/skytile/internal/histogram"
)

// planFile is the on-disk form of a Plan. The assignment is stored as runs
// of consecutive leaves sharing a destination, which keeps the file
// proportional to the number of destinations rather than the number of leaves.
type planFile struct {
	MaxOrder     uint8          `msgpack:"max_order"`
	Runs         []run          `msgpack:"runs"`
	Destinations []destinations `msgpack:"destinations"`
}

type run struct {
	Start uint64    `msgpack:"start"`
	End   uint64    `msgpack:"end"`
	Cell  cell.Cell `msgpack:"cell"`
	Valid bool      `msgpack:"valid"`
}

type destinations struct {
	Cell cell.Cell `msgpack:"cell"`
	Rows uint64    `msgpack:"rows"`
}

// Save writes the plan to path, replacing any previous file.
func (p *Plan) Save(path string) error {
	f := planFile{MaxOrder: p.MaxOrder}
	for j, d := range p.Assignment {
		n := len(f.Runs)
		if n > 0 && f.Runs[n-1].End == uint64(j) && f.Runs[n-1].Cell == d.Cell && f.Runs[n-1].Valid == d.Valid {
			f.Runs[n-1].End++
			continue
		}
		f.Runs = append(f.Runs, run{Start: uint64(j), End: uint64(j) + 1, Cell: d.Cell, Valid: d.Valid})
	}
	for _, c := range p.Cells() {
		f.Destinations = append(f.Destinations, destinations{Cell: c, Rows: p.Destinations[c]})
	}

	err := fsutil.WriteFile(path, func(w io.Writer) error {
		return msgpack.NewEncoder(w).Encode(&f)
	})
	return errors.Wrap(err, "save alignment plan")
}

// Load reads a plan written by Save.
func Load(path string) (*Plan, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open alignment plan")
	}
	defer r.Close()

	var f planFile
	if err := msgpack.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrapf(err, "decode alignment plan %s", path)
	}
	if f.MaxOrder > histogram.MaxMappingOrder {
		return nil, errors.Errorf("alignment plan %s: mapping order %d out of range", path, f.MaxOrder)
	}

	n := uint64(histogram.Len(f.MaxOrder))
	p := &Plan{
		MaxOrder:     f.MaxOrder,
		Assignment:   make([]Destination, n),
		Destinations: make(map[cell.Cell]uint64, len(f.Destinations)),
	}
	var covered uint64
	for _, r := range f.Runs {
		if r.Start != covered || r.End <= r.Start || r.End > n {
			return nil, errors.Errorf("alignment plan %s: corrupt run [%d, %d)", path, r.Start, r.End)
		}
		for j := r.Start; j < r.End; j++ {
			p.Assignment[j] = Destination{Cell: r.Cell, Valid: r.Valid}
		}
		covered = r.End
	}
	if covered != n {
		return nil, errors.Errorf("alignment plan %s: runs cover %d of %d leaves", path, covered, n)
	}
	for _, d := range f.Destinations {
		p.Destinations[d.Cell] = d.Rows
	}
	return p, nil
}
