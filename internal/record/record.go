// Package record defines the record batches that flow through a build and
// the readers that produce them.
package record

import "context"

// Batch is a run of records sharing one header. Values are kept as the
// text they were read as; only the coordinate columns are ever parsed.
type Batch struct {
	Columns []string   `msgpack:"columns"`
	Rows    [][]string `msgpack:"rows"`
}

// Len returns the number of records.
func (b Batch) Len() int { return len(b.Rows) }

// Index returns the position of column name, or -1.
func (b Batch) Index(name string) int {
	for i, c := range b.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Reader produces the record batches of one input file in file order.
// fn is called once per batch; returning an error from fn stops the read and
// is returned unchanged. Batches passed to fn may be reused after it returns.
type Reader interface {
	Read(ctx context.Context, path string, fn func(Batch) error) error
}
