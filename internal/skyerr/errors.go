// Package skyerr defines the typed errors surfaced by a catalog build.
//
// Every fatal condition in the build is reported through one of these types so
// callers can tell a configuration mismatch from a lost row or a failed task
// with errors.As, and so the stage and key needed for a rerun travel with the
// error.
package skyerr

import (
	"fmt"
	"strings"
)

// ConservationError reports that a row count at a checkpoint does not match
// the expected total. Checkpoint names where the mismatch was detected, e.g.
// "histogram", "planning", "reducing", "finalize".
type ConservationError struct {
	Checkpoint string
	Subject    string // optional, e.g. the destination cell being reduced
	Expected   uint64
	Actual     uint64
}

func (e *ConservationError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: number of rows for %s (%d) does not match expectation (%d)",
			e.Checkpoint, e.Subject, e.Actual, e.Expected)
	}
	return fmt.Sprintf("%s: number of rows (%d) does not match expectation (%d)",
		e.Checkpoint, e.Actual, e.Expected)
}

// ShapeMismatchError reports a histogram whose length disagrees with the
// number of leaves at the configured mapping order.
type ShapeMismatchError struct {
	Expected int
	Actual   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("histogram has %d leaves, expected %d (mapping order mismatch?)", e.Actual, e.Expected)
}

// MissingSpatialColumnsError reports a record batch whose coordinate fields
// cannot be resolved. Row is the 1-based record number inside Source, or 0
// when the whole batch lacks the columns.
type MissingSpatialColumnsError struct {
	Source  string
	Columns []string
	Row     int
	Reason  string
}

func (e *MissingSpatialColumnsError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: spatial columns %v", e.Source, e.Columns)
	if e.Row > 0 {
		fmt.Fprintf(&b, " unresolvable at record %d", e.Row)
	} else {
		b.WriteString(" not found")
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// StageTaskError reports a failed Map, Split or Reduce task. The pipeline can
// only recover by being run again; completed keys are skipped on rerun.
type StageTaskError struct {
	Stage string
	Key   string
	Err   error
}

func (e *StageTaskError) Error() string {
	return fmt.Sprintf("stage %s: task %s failed: %v", e.Stage, e.Key, e.Err)
}

func (e *StageTaskError) Unwrap() error { return e.Err }

// ValidationError lists the structural problems found in a finished catalog.
// A catalog that fails validation must not be advertised as complete.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog %s is invalid: %s", e.Path, strings.Join(e.Problems, "; "))
}
