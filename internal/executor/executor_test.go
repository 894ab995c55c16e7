package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/skytile/internal/skyerr"
)

func newPool(workers int) *Pool {
	log, _ := test.NewNullLogger()
	return NewPool(workers, log)
}

func TestWaitAllMarksEveryKey(t *testing.T) {
	pool := newPool(3)
	ctx := context.Background()

	var futures []*Future
	for i := 0; i < 10; i++ {
		futures = append(futures, pool.Submit(ctx, Task{
			Key: fmt.Sprintf("map_%d", i),
			Run: func(context.Context) error { return nil },
		}))
	}

	var mu sync.Mutex
	marked := map[string]bool{}
	err := pool.WaitAll(ctx, "mapping", futures, func(key string) error {
		mu.Lock()
		defer mu.Unlock()
		marked[key] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, marked, 10)
	assert.Equal(t, Stats{Submitted: 10, Succeeded: 10}, pool.Stats())
}

func TestPoolRespectsLimit(t *testing.T) {
	pool := newPool(2)
	ctx := context.Background()

	var running, peak atomic.Int32
	var futures []*Future
	for i := 0; i < 8; i++ {
		futures = append(futures, pool.Submit(ctx, Task{
			Key: fmt.Sprint(i),
			Run: func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		}))
	}
	require.NoError(t, pool.WaitAll(ctx, "splitting", futures, nil))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

// TestFailureDoesNotCancelSiblings checks abort-without-cancel: WaitAll
// returns on the first failure while a slower sibling keeps running, and
// Drain waits for it.
func TestFailureDoesNotCancelSiblings(t *testing.T) {
	pool := newPool(2)
	ctx := context.Background()

	release := make(chan struct{})
	var slowFinished atomic.Bool
	boom := errors.New("disk full")

	slow := pool.Submit(ctx, Task{Key: "Norder=1/Npix=2", Run: func(ctx context.Context) error {
		<-release
		if ctx.Err() == nil {
			slowFinished.Store(true)
		}
		return nil
	}})
	failing := pool.Submit(ctx, Task{Key: "Norder=1/Npix=3", Run: func(context.Context) error {
		return boom
	}})

	var marked []string
	err := pool.WaitAll(ctx, "reducing", []*Future{slow, failing}, func(key string) error {
		marked = append(marked, key)
		return nil
	})

	var stageErr *skyerr.StageTaskError
	require.True(t, errors.As(err, &stageErr), "got %v", err)
	assert.Equal(t, "reducing", stageErr.Stage)
	assert.Equal(t, "Norder=1/Npix=3", stageErr.Key)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, marked)

	close(release)
	pool.Drain()
	assert.True(t, slowFinished.Load(), "sibling must run to completion uncancelled")
	assert.NoError(t, slow.Err())
}

func TestPanicBecomesTaskError(t *testing.T) {
	pool := newPool(1)
	ctx := context.Background()

	f := pool.Submit(ctx, Task{Key: "map_0", Run: func(context.Context) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}})

	err := pool.WaitAll(ctx, "mapping", []*Future{f}, nil)
	var stageErr *skyerr.StageTaskError
	require.True(t, errors.As(err, &stageErr))
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, uint64(1), pool.Stats().Failed)
}

func TestOnDoneErrorStopsWait(t *testing.T) {
	pool := newPool(1)
	ctx := context.Background()

	f := pool.Submit(ctx, Task{Key: "k", Run: func(context.Context) error { return nil }})
	ledgerDown := errors.New("ledger unavailable")

	err := pool.WaitAll(ctx, "mapping", []*Future{f}, func(string) error { return ledgerDown })
	assert.ErrorIs(t, err, ledgerDown)
}

func TestSubmitAfterCancel(t *testing.T) {
	pool := newPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	f := pool.Submit(ctx, Task{Key: "k", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	assert.ErrorIs(t, f.Err(), context.Canceled)
	pool.Drain()
	assert.False(t, ran)
}

func TestWaitAllEmpty(t *testing.T) {
	pool := newPool(1)
	assert.NoError(t, pool.WaitAll(context.Background(), "reducing", nil, nil))
}
