package shard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/fsutil"
)

var (
	cellA = cell.Cell{Order: 1, Index: 5}
	cellB = cell.Cell{Order: 2, Index: 68}
)

// TestSetCommit tests writing and reading back shard files
func TestSetCommit(t *testing.T) {
	root := t.TempDir()
	set := NewSet(root, "split_0", []string{"id", "ra", "dec"})

	require.NoError(t, set.Append(cellA, []string{"1", "10", "20"}))
	require.NoError(t, set.Append(cellB, []string{"2", "11", "21"}))
	require.NoError(t, set.Append(cellA, []string{"3", "12", "22"}))

	// Nothing is visible before commit
	infos, err := List(root, cellA)
	require.NoError(t, err)
	assert.Empty(t, infos)

	require.NoError(t, set.Commit())
	assert.Equal(t, Stats{Rows: 3, Files: 2}, set.GetStats())

	infos, err = List(root, cellA)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "split_0", infos[0].Source)
	assert.Equal(t, Path(root, cellA, "split_0"), infos[0].Path)
	assert.Greater(t, infos[0].Bytes, int64(0))

	b, err := Read(infos[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "ra", "dec"}, b.Columns)
	assert.Equal(t, [][]string{{"1", "10", "20"}, {"3", "12", "22"}}, b.Rows)
}

// TestSetAbort tests that an aborted task leaves no files behind
func TestSetAbort(t *testing.T) {
	root := t.TempDir()
	set := NewSet(root, "split_1", []string{"ra", "dec"})
	require.NoError(t, set.Append(cellA, []string{"1", "2"}))

	set.Abort()

	entries, err := os.ReadDir(filepath.Join(root, cellA.String()))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestRerunOverwrites tests that repeating a split task replaces its shard
func TestRerunOverwrites(t *testing.T) {
	root := t.TempDir()
	for attempt := 0; attempt < 2; attempt++ {
		set := NewSet(root, "split_0", []string{"id"})
		require.NoError(t, set.Append(cellA, []string{"a"}))
		require.NoError(t, set.Commit())
	}

	b, _, err := ReadCell(root, cellA)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}}, b.Rows)
}

// TestListIgnoresTempFiles tests that in-flight shards are not listed
func TestListIgnoresTempFiles(t *testing.T) {
	root := t.TempDir()
	running := NewSet(root, "split_9", []string{"id"})
	require.NoError(t, running.Append(cellA, []string{"x"}))
	defer running.Abort()

	done := NewSet(root, "split_2", []string{"id"})
	require.NoError(t, done.Append(cellA, []string{"y"}))
	require.NoError(t, done.Commit())

	infos, err := List(root, cellA)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "split_2", infos[0].Source)

	tmp, err := fsutil.Exists(Path(root, cellA, "split_9") + fsutil.TempSuffix)
	require.NoError(t, err)
	assert.True(t, tmp)

	infos, err = List(root, cellB)
	require.NoError(t, err)
	assert.Empty(t, infos, "a cell without shards lists nothing")
}

// TestReadCell tests concatenation order and column alignment
func TestReadCell(t *testing.T) {
	root := t.TempDir()

	second := NewSet(root, "split_1", []string{"dec", "ra", "id"})
	require.NoError(t, second.Append(cellA, []string{"-1", "2", "b"}))
	require.NoError(t, second.Commit())

	first := NewSet(root, "split_0", []string{"id", "ra", "dec"})
	require.NoError(t, first.Append(cellA, []string{"a", "1", "0"}))
	require.NoError(t, first.Commit())

	b, infos, err := ReadCell(root, cellA)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, []string{"id", "ra", "dec"}, b.Columns)
	assert.Equal(t, [][]string{{"a", "1", "0"}, {"b", "2", "-1"}}, b.Rows)

	third := NewSet(root, "split_2", []string{"id", "mag"})
	require.NoError(t, third.Append(cellA, []string{"c", "7"}))
	require.NoError(t, third.Commit())

	_, _, err = ReadCell(root, cellA)
	assert.Error(t, err, "incompatible columns must not be merged")
}

// TestReadRejectsTruncatedShard tests the trailer check
func TestReadRejectsTruncatedShard(t *testing.T) {
	root := t.TempDir()
	set := NewSet(root, "split_0", []string{"id"})
	require.NoError(t, set.Append(cellA, []string{"a"}))
	require.NoError(t, set.Append(cellA, []string{"b"}))
	require.NoError(t, set.Commit())

	path := Path(root, cellA, "split_0")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-2], 0o644))

	_, err = Read(path)
	assert.Error(t, err)
}

// TestRemove tests shard cleanup for a reduced cell
func TestRemove(t *testing.T) {
	root := t.TempDir()
	set := NewSet(root, "split_0", []string{"id"})
	require.NoError(t, set.Append(cellA, []string{"a"}))
	require.NoError(t, set.Append(cellB, []string{"b"}))
	require.NoError(t, set.Commit())

	require.NoError(t, Remove(root, cellA))
	require.NoError(t, Remove(root, cellA))

	infos, err := List(root, cellA)
	require.NoError(t, err)
	assert.Empty(t, infos)

	infos, err = List(root, cellB)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}
