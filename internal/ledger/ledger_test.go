package ledger

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/skytile/internal/storage"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	log, _ := test.NewNullLogger()
	return New(storage.NewMemoryStore(), log)
}

func TestMarkDoneAndIsDone(t *testing.T) {
	l := newLedger(t)

	done, err := l.IsDone(Mapping, "map_0")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.MarkDone(Mapping, "map_0"))
	require.NoError(t, l.MarkDone(Mapping, "map_0"), "marking twice is harmless")

	done, err = l.IsDone(Mapping, "map_0")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = l.IsDone(Splitting, "map_0")
	require.NoError(t, err)
	assert.False(t, done, "stages are independent")
}

func TestPending(t *testing.T) {
	l := newLedger(t)
	keys := []string{"Norder=1/Npix=9", "Norder=0/Npix=3", "Norder=2/Npix=40"}

	pending, err := l.Pending(Reducing, keys)
	require.NoError(t, err)
	assert.Equal(t, keys, pending)

	require.NoError(t, l.MarkDone(Reducing, "Norder=0/Npix=3"))
	require.NoError(t, l.MarkDone(Reducing, "Norder=5/Npix=1"), "keys outside the list are ignored")

	pending, err = l.Pending(Reducing, keys)
	require.NoError(t, err)
	assert.Equal(t, []string{"Norder=1/Npix=9", "Norder=2/Npix=40"}, pending)

	n, err := l.Count(Reducing)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err = l.Pending(Reducing, nil)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMeta(t *testing.T) {
	l := newLedger(t)

	_, ok, err := l.Meta("inputs")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.SetMeta("inputs", []byte("a.csv\nb.csv")))
	value, ok, err := l.Meta("inputs")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a.csv\nb.csv", string(value))

	n, err := l.Count(Stage("meta"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDiscard(t *testing.T) {
	l := newLedger(t)
	for _, stage := range Stages {
		require.NoError(t, l.MarkDone(stage, "k"))
	}
	require.NoError(t, l.SetMeta("inputs", []byte("x")))

	require.NoError(t, l.Discard())

	for _, stage := range Stages {
		n, err := l.Count(stage)
		require.NoError(t, err)
		assert.Zero(t, n, "stage %s", stage)
	}
	stats, err := l.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Keys)
}

// failingDeletes refuses to delete keys with a given prefix.
type failingDeletes struct {
	storage.Store
	prefix string
}

func (s failingDeletes) Delete(key string) error {
	if strings.HasPrefix(key, s.prefix) {
		return errors.New("disk gone")
	}
	return s.Store.Delete(key)
}

func TestDiscardRemovesStagesBeforeMeta(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := New(failingDeletes{Store: storage.NewMemoryStore(), prefix: "meta/"}, log)
	for _, stage := range Stages {
		require.NoError(t, l.MarkDone(stage, "k"))
	}
	require.NoError(t, l.SetMeta("baseline", []byte("snapshot")))

	require.Error(t, l.Discard())

	for _, stage := range Stages {
		n, err := l.Count(stage)
		require.NoError(t, err)
		assert.Zero(t, n, "stage %s", stage)
	}
	_, ok, err := l.Meta("baseline")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestLedgerSurvivesRestart reopens a bolt-backed ledger the way a resumed
// build does.
func TestLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	log, _ := test.NewNullLogger()

	store, err := storage.NewBoltStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	l := New(store, log)
	require.NoError(t, l.MarkDone(Splitting, "split_1"))
	require.NoError(t, l.Close())

	store, err = storage.NewBoltStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	l = New(store, log)
	defer l.Close()

	pending, err := l.Pending(Splitting, []string{"split_0", "split_1", "split_2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"split_0", "split_2"}, pending)
}
