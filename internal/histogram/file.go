package histogram

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/skytile/internal/fsutil"
)

type denseFile struct {
	Order  uint8    `msgpack:"order"`
	Counts []uint64 `msgpack:"counts"`
}

// SaveDense writes h at order to path, replacing any previous file.
func SaveDense(path string, order uint8, h Dense) error {
	return save(path, denseFile{Order: order, Counts: h})
}

// LoadDense reads a histogram written by SaveDense.
func LoadDense(path string) (uint8, Dense, error) {
	var f denseFile
	if err := load(path, &f); err != nil {
		return 0, nil, err
	}
	if len(f.Counts) != Len(f.Order) {
		return 0, nil, errors.Errorf("%s: %d counters for order %d", path, len(f.Counts), f.Order)
	}
	return f.Order, f.Counts, nil
}

// SaveSparse writes s to path, replacing any previous file.
func SaveSparse(path string, s Sparse) error {
	return save(path, s)
}

// LoadSparse reads a histogram written by SaveSparse.
func LoadSparse(path string) (Sparse, error) {
	var s Sparse
	if err := load(path, &s); err != nil {
		return Sparse{}, err
	}
	if err := s.check(); err != nil {
		return Sparse{}, errors.Wrap(err, path)
	}
	return s, nil
}

func save(path string, v interface{}) error {
	err := fsutil.WriteFile(path, func(w io.Writer) error {
		return msgpack.NewEncoder(w).Encode(v)
	})
	return errors.Wrapf(err, "save histogram %s", path)
}

func load(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open histogram")
	}
	defer f.Close()

	if err := msgpack.NewDecoder(f).Decode(v); err != nil {
		return errors.Wrapf(err, "decode histogram %s", path)
	}
	return nil
}
