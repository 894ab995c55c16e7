package shard

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/slices"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/fsutil"
	"github.com/dreamware/skytile/internal/record"
)

// Ext is the extension of committed shard files
const Ext = ".shard"

const writeBufferSize = 16 << 10

// Path returns the shard file of source for destination c under root
func Path(root string, c cell.Cell, source string) string {
	return filepath.Join(root, c.String(), source+Ext)
}

// Info contains metadata about a committed shard file
type Info struct {
	Cell   cell.Cell // Destination cell
	Source string    // Split task that wrote it
	Path   string    // Location on disk
	Bytes  int64     // File size
}

// Stats tracks what a Set has written
type Stats struct {
	Rows  uint64 // Rows appended
	Files uint64 // Shard files committed
}

// Set holds the open shard files of one split task, one per destination
// Rows go to temp files; nothing is visible under the final names until
// Commit, so a failed task leaves no partial shard behind
// A Set is used by a single goroutine
type Set struct {
	root    string
	source  string
	columns []string
	writers map[cell.Cell]*writer
	stats   Stats
}

type writer struct {
	final string
	f     *os.File
	buf   *bufio.Writer
	enc   *msgpack.Encoder
	rows  int64
}

// NewSet creates the shard set of source with the given column header
func NewSet(root, source string, columns []string) *Set {
	return &Set{
		root:    root,
		source:  source,
		columns: slices.Clone(columns),
		writers: make(map[cell.Cell]*writer),
	}
}

// Append routes one row to the shard file of dest
func (s *Set) Append(dest cell.Cell, row []string) error {
	w, ok := s.writers[dest]
	if !ok {
		var err error
		if w, err = s.open(dest); err != nil {
			return err
		}
		s.writers[dest] = w
	}

	if err := w.enc.EncodeBool(true); err != nil {
		return errors.Wrapf(err, "write shard %s", w.final)
	}
	if err := w.enc.Encode(row); err != nil {
		return errors.Wrapf(err, "write shard %s", w.final)
	}
	w.rows++
	atomic.AddUint64(&s.stats.Rows, 1)
	return nil
}

func (s *Set) open(dest cell.Cell) (*writer, error) {
	final := Path(s.root, dest, s.source)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, errors.Wrap(err, "create shard directory")
	}
	f, err := os.Create(final + fsutil.TempSuffix)
	if err != nil {
		return nil, errors.Wrap(err, "create shard")
	}

	buf := bufio.NewWriterSize(f, writeBufferSize)
	w := &writer{final: final, f: f, buf: buf, enc: msgpack.NewEncoder(buf)}
	if err := w.enc.Encode(s.columns); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "write shard header")
	}
	return w, nil
}

// Commit terminates every shard file and renames it to its final name,
// replacing a shard left by an earlier attempt of the same task
func (s *Set) Commit() error {
	for _, dest := range s.destinations() {
		w := s.writers[dest]
		if err := w.finish(); err != nil {
			s.Abort()
			return err
		}
		if err := os.Rename(w.f.Name(), w.final); err != nil {
			s.Abort()
			return errors.Wrap(err, "commit shard")
		}
		delete(s.writers, dest)
		atomic.AddUint64(&s.stats.Files, 1)
	}
	return nil
}

func (w *writer) finish() error {
	if err := w.enc.EncodeBool(false); err != nil {
		w.f.Close()
		return errors.Wrapf(err, "terminate shard %s", w.final)
	}
	if err := w.enc.EncodeInt(w.rows); err != nil {
		w.f.Close()
		return errors.Wrapf(err, "terminate shard %s", w.final)
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return errors.Wrapf(err, "flush shard %s", w.final)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return errors.Wrapf(err, "sync shard %s", w.final)
	}
	return errors.Wrapf(w.f.Close(), "close shard %s", w.final)
}

// Abort closes and removes every uncommitted temp file
func (s *Set) Abort() {
	for dest, w := range s.writers {
		w.f.Close()
		os.Remove(w.f.Name())
		delete(s.writers, dest)
	}
}

// destinations returns the uncommitted cells in a fixed order
func (s *Set) destinations() []cell.Cell {
	out := make([]cell.Cell, 0, len(s.writers))
	for c := range s.writers {
		out = append(out, c)
	}
	slices.SortFunc(out, cell.Compare)
	return out
}

// GetStats returns current write statistics
func (s *Set) GetStats() Stats {
	return Stats{
		Rows:  atomic.LoadUint64(&s.stats.Rows),
		Files: atomic.LoadUint64(&s.stats.Files),
	}
}

// List returns the committed shard files of c, sorted by source
// Temp files of running or failed tasks are ignored
func List(root string, c cell.Cell) ([]Info, error) {
	dir := filepath.Join(root, c.String())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list shards")
	}

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Ext) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, errors.Wrap(err, "stat shard")
		}
		out = append(out, Info{
			Cell:   c,
			Source: strings.TrimSuffix(name, Ext),
			Path:   filepath.Join(dir, name),
			Bytes:  fi.Size(),
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Source, b.Source) })
	return out, nil
}

// Read decodes a committed shard file
// A file whose terminating row count is missing or wrong is rejected
func Read(path string) (record.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return record.Batch{}, errors.Wrap(err, "open shard")
	}
	defer f.Close()

	dec := msgpack.NewDecoder(bufio.NewReader(f))
	var b record.Batch
	if err := dec.Decode(&b.Columns); err != nil {
		return record.Batch{}, errors.Wrapf(err, "read shard header %s", path)
	}
	for {
		more, err := dec.DecodeBool()
		if err != nil {
			return record.Batch{}, errors.Wrapf(err, "read shard %s", path)
		}
		if !more {
			break
		}
		var row []string
		if err := dec.Decode(&row); err != nil {
			return record.Batch{}, errors.Wrapf(err, "read shard row %s", path)
		}
		b.Rows = append(b.Rows, row)
	}

	count, err := dec.DecodeInt64()
	if err != nil {
		return record.Batch{}, errors.Wrapf(err, "read shard trailer %s", path)
	}
	if count != int64(len(b.Rows)) {
		return record.Batch{}, errors.Errorf("shard %s holds %d rows, trailer says %d", path, len(b.Rows), count)
	}
	return b, nil
}

// Remove deletes every shard file of c, committed or not
func Remove(root string, c cell.Cell) error {
	return errors.Wrap(os.RemoveAll(filepath.Join(root, c.String())), "remove shards")
}

// ReadCell concatenates every committed shard of c in source order
// Shards from inputs with the same columns in a different order are
// realigned to the first shard's header
func ReadCell(root string, c cell.Cell) (record.Batch, []Info, error) {
	infos, err := List(root, c)
	if err != nil {
		return record.Batch{}, nil, err
	}

	var out record.Batch
	for i, info := range infos {
		b, err := Read(info.Path)
		if err != nil {
			return record.Batch{}, nil, err
		}
		if i == 0 {
			out.Columns = b.Columns
			out.Rows = b.Rows
			continue
		}
		rows, err := align(out.Columns, b)
		if err != nil {
			return record.Batch{}, nil, errors.Wrapf(err, "shard %s", info.Path)
		}
		out.Rows = append(out.Rows, rows...)
	}
	return out, infos, nil
}

func align(columns []string, b record.Batch) ([][]string, error) {
	if slices.Equal(columns, b.Columns) {
		return b.Rows, nil
	}
	if len(columns) != len(b.Columns) {
		return nil, errors.Errorf("columns %v do not match %v", b.Columns, columns)
	}
	pos := make([]int, len(columns))
	for i, name := range columns {
		if pos[i] = b.Index(name); pos[i] < 0 {
			return nil, errors.Errorf("column %q missing", name)
		}
	}
	rows := make([][]string, len(b.Rows))
	for r, row := range b.Rows {
		aligned := make([]string, len(pos))
		for i, p := range pos {
			aligned[i] = row[p]
		}
		rows[r] = aligned
	}
	return rows, nil
}
