// Package executor runs the independent tasks of a stage on a bounded pool
// of goroutines and reports their outcome through futures.
//
// The first failure makes WaitAll return, but tasks already dispatched are
// not cancelled: they run to completion and their results are ignored.
// Callers drain the pool before touching the outputs of a failed stage.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/skytile/internal/skyerr"
)

// Task is one unit of work identified by a key that is unique in its stage.
// Run must be idempotent: a task may run again after a crash.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// Future is the pending result of a submitted task.
type Future struct {
	key  string
	done chan struct{}
	err  error
}

// Key returns the task key.
func (f *Future) Key() string { return f.key }

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err blocks until the task finished and returns its error.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Executor dispatches tasks and waits for them.
type Executor interface {
	Submit(ctx context.Context, task Task) *Future
	WaitAll(ctx context.Context, stage string, futures []*Future, onDone func(key string) error) error
	Drain()
}

// Stats counts task outcomes since the pool was created.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

// Pool is an Executor backed by an errgroup with a concurrency limit.
type Pool struct {
	group *errgroup.Group
	log   logrus.FieldLogger

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewPool creates a pool running at most workers tasks at once.
// workers <= 0 means runtime.NumCPU().
func NewPool(workers int, log logrus.FieldLogger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)
	return &Pool{group: g, log: log}
}

// Submit starts task as soon as a worker is free, blocking until then.
// If ctx is already done the task is not started and its future carries
// the context error.
func (p *Pool) Submit(ctx context.Context, task Task) *Future {
	f := &Future{key: task.Key, done: make(chan struct{})}
	p.submitted.Add(1)

	if err := ctx.Err(); err != nil {
		p.finish(f, err)
		return f
	}

	p.group.Go(func() error {
		var err error
		defer func() {
			if r := recover(); r != nil {
				p.log.WithField("key", task.Key).Errorf("recovered from panic: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
			p.finish(f, err)
		}()
		err = task.Run(ctx)
		return nil
	})
	return f
}

func (p *Pool) finish(f *Future, err error) {
	f.err = err
	if err != nil {
		p.failed.Add(1)
	} else {
		p.succeeded.Add(1)
	}
	close(f.done)
}

// WaitAll waits for futures in completion order and calls onDone with the
// key of every successful task. The first failed task ends the wait with a
// *skyerr.StageTaskError; later completions are neither waited for nor
// passed to onDone. An error from onDone ends the wait as well.
func (p *Pool) WaitAll(ctx context.Context, stage string, futures []*Future, onDone func(key string) error) error {
	completed := make(chan *Future, len(futures))
	for _, f := range futures {
		go func(f *Future) {
			<-f.done
			completed <- f
		}(f)
	}

	for range futures {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-completed:
			if f.err != nil {
				return &skyerr.StageTaskError{Stage: stage, Key: f.key, Err: f.err}
			}
			if onDone != nil {
				if err := onDone(f.key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Drain blocks until every submitted task has returned.
func (p *Pool) Drain() {
	_ = p.group.Wait()
}

// Stats returns the task counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
	}
}
