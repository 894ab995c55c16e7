// Package ledger records which units of work of a build have finished, so a
// rerun after a failure repeats only what is missing.
//
// Every entry is one key in a storage.Store under "<stage>/<key>". Writes go
// through the store's per-key atomic Put, which is what makes a crash between
// finishing a task and recording it safe: the task simply runs again, and
// task outputs are written with overwrite semantics.
package ledger

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/skytile/internal/storage"
)

// Stage names a pipeline stage in the ledger.
type Stage string

const (
	Mapping    Stage = "mapping"
	Planning   Stage = "planning"
	Splitting  Stage = "splitting"
	Reducing   Stage = "reducing"
	Finalizing Stage = "finalizing"
)

// Stages lists the stages in execution order.
var Stages = []Stage{Mapping, Planning, Splitting, Reducing, Finalizing}

const metaPrefix = "meta/"

// Ledger is the persisted completion record of one build.
type Ledger struct {
	store storage.Store
	log   logrus.FieldLogger
}

// New wraps store. Existing entries are kept, which is how a rerun resumes.
func New(store storage.Store, log logrus.FieldLogger) *Ledger {
	return &Ledger{store: store, log: log}
}

func entry(stage Stage, key string) string {
	return string(stage) + "/" + key
}

// MarkDone records that key of stage has finished.
func (l *Ledger) MarkDone(stage Stage, key string) error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := l.store.Put(entry(stage, key), stamp); err != nil {
		return errors.Wrapf(err, "mark %s/%s done", stage, key)
	}
	return nil
}

// IsDone reports whether key of stage has been marked done.
func (l *Ledger) IsDone(stage Stage, key string) (bool, error) {
	_, err := l.store.Get(entry(stage, key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s/%s", stage, key)
	}
	return true, nil
}

// Pending returns the keys of all that are not marked done for stage,
// preserving the order of all.
func (l *Ledger) Pending(stage Stage, all []string) ([]string, error) {
	done, err := l.done(stage)
	if err != nil {
		return nil, err
	}

	pending := make([]string, 0, len(all))
	for _, key := range all {
		if _, ok := done[key]; !ok {
			pending = append(pending, key)
		}
	}
	l.log.WithFields(logrus.Fields{
		"stage":   stage,
		"pending": len(pending),
		"done":    len(all) - len(pending),
	}).Debug("computed pending keys")
	return pending, nil
}

// Count returns the number of keys marked done for stage.
func (l *Ledger) Count(stage Stage) (int, error) {
	done, err := l.done(stage)
	return len(done), err
}

func (l *Ledger) done(stage Stage) (map[string]struct{}, error) {
	prefix := string(stage) + "/"
	keys, err := l.store.List(prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s keys", stage)
	}
	done := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		done[k[len(prefix):]] = struct{}{}
	}
	return done, nil
}

// SetMeta stores build metadata that must survive a restart, such as the
// input list a resumed run is checked against.
func (l *Ledger) SetMeta(name string, value []byte) error {
	return errors.Wrapf(l.store.Put(metaPrefix+name, value), "store meta %s", name)
}

// Meta returns metadata stored with SetMeta. ok is false if it was never set.
func (l *Ledger) Meta(name string) (value []byte, ok bool, err error) {
	value, err = l.store.Get(metaPrefix + name)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read meta %s", name)
	}
	return value, true, nil
}

// Discard deletes every entry. It is called only after finalize succeeded.
// Stage entries go before metadata, so an interrupted Discard never leaves
// completed stages behind without the metadata they were recorded under.
func (l *Ledger) Discard() error {
	keys, err := l.store.List("")
	if err != nil {
		return errors.Wrap(err, "list ledger")
	}
	slices.SortStableFunc(keys, func(a, b string) int {
		return boolCmp(strings.HasPrefix(a, metaPrefix), strings.HasPrefix(b, metaPrefix))
	})
	for _, k := range keys {
		if err := l.store.Delete(k); err != nil {
			return errors.Wrapf(err, "discard %s", k)
		}
	}
	l.log.WithField("entries", len(keys)).Info("discarded checkpoint ledger")
	return nil
}

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

// Stats exposes the backing store's statistics.
func (l *Ledger) Stats() (storage.StoreStats, error) {
	return l.store.Stats()
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
