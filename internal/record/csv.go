package record

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DefaultBatchSize is used when CSVReader.BatchSize is not set.
const DefaultBatchSize = 10_000

// CSVReader reads comma separated files with a header row.
type CSVReader struct {
	Comma     rune // defaults to ','
	BatchSize int  // records per batch, defaults to DefaultBatchSize
}

// Read streams path in batches of at most BatchSize records.
func (r CSVReader) Read(ctx context.Context, path string, fn func(Batch) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open input")
	}
	defer f.Close()

	return r.read(ctx, f, path, fn)
}

func (r CSVReader) read(ctx context.Context, src io.Reader, path string, fn func(Batch) error) error {
	cr := csv.NewReader(bufio.NewReader(src))
	if r.Comma != 0 {
		cr.Comma = r.Comma
	}
	size := r.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	header, err := cr.Read()
	if err == io.EOF {
		return errors.Errorf("%s: missing header row", path)
	}
	if err != nil {
		return errors.Wrapf(err, "%s: read header", path)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		columns[i] = strings.TrimSpace(h)
	}

	batch := Batch{Columns: columns, Rows: make([][]string, 0, size)}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "%s: read record", path)
		}
		batch.Rows = append(batch.Rows, rec)

		if len(batch.Rows) == size {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(batch); err != nil {
				return err
			}
			batch.Rows = make([][]string, 0, size)
		}
	}

	if len(batch.Rows) > 0 {
		return fn(batch)
	}
	return nil
}

// WriteCSV writes columns as the header followed by rows.
func WriteCSV(w io.Writer, comma rune, columns []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if comma != 0 {
		cw.Comma = comma
	}
	if err := cw.Write(columns); err != nil {
		return errors.Wrap(err, "write header")
	}
	if err := cw.WriteAll(rows); err != nil {
		return errors.Wrap(err, "write records")
	}
	return nil
}

// CountCSV returns the number of records in a CSV file with a header.
func CountCSV(ctx context.Context, path string, comma rune) (int, error) {
	n := 0
	err := CSVReader{Comma: comma}.Read(ctx, path, func(b Batch) error {
		n += b.Len()
		return nil
	})
	return n, err
}
