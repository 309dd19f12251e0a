package executor_test

import (
	"sync"
	"testing"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/executor"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestQueue_ConcurrentCommits(t *testing.T) {
	s := store.New()
	e := executor.New(s)

	var mu sync.Mutex
	var executed []consensus.Dot
	q := executor.NewQueue(e, func(execs []consensus.Execution) {
		mu.Lock()
		defer mu.Unlock()
		executed = append(executed, dots(execs)...)
	}, nil, zaptest.NewLogger(t))

	// Every process commits a chain on its own key; the chains interleave.
	const processes, perProcess = 4, 25
	var wg sync.WaitGroup
	for p := 1; p <= processes; p++ {
		wg.Add(1)
		go func(p consensus.ProcessID) {
			defer wg.Done()
			key := string(rune('a' + p))
			for i := uint64(perProcess); i >= 1; i-- {
				c := commit(dot(p, i), write(uint64(p)*1000+i, consensus.Value(i), key))
				if i > 1 {
					c.Deps = []consensus.Dot{dot(p, i-1)}
				}
				_, err := q.Commit(c)
				assert.NoError(t, err)
			}
		}(consensus.ProcessID(p))
	}
	wg.Wait()
	require.NoError(t, q.Close())

	assert.Len(t, executed, processes*perProcess)
	assert.Equal(t, 0, e.PendingCount())
	for p := 1; p <= processes; p++ {
		v, ok := s.Get(consensus.Key(string(rune('a' + p))))
		require.True(t, ok)
		assert.Equal(t, consensus.Value(perProcess), v)
	}

	_, err := q.Commit(commit(dot(9, 1), write(9, 1, "z")))
	assert.ErrorIs(t, err, executor.ErrQueueClosed)
}

func TestQueue_StopsOnExecutorError(t *testing.T) {
	e := executor.New(store.New())
	failed := make(chan error, 2)
	q := executor.NewQueue(e, nil, func(err error) { failed <- err }, nil)

	c := commit(dot(1, 1), write(1, 1, "x"))
	_, err := q.Commit(c)
	require.NoError(t, err)
	_, err = q.Commit(c)
	require.NoError(t, err)

	err = q.Close()
	require.Error(t, err)
	assert.Equal(t, errors.EInternal, errors.ErrorCode(err))
	require.Len(t, failed, 1)
	assert.Equal(t, err, <-failed)

	_, err = q.Commit(commit(dot(1, 2), write(2, 1, "x")))
	assert.Error(t, err)
}

func TestExecutedClock(t *testing.T) {
	c := executor.NewExecutedClock()
	assert.True(t, c.Add(dot(1, 2)))
	assert.True(t, c.Add(dot(1, 4)))
	assert.Equal(t, uint64(0), c.Frontier(1))
	assert.Equal(t, 2, c.Exceptions())
	assert.False(t, c.Contains(dot(1, 1)))

	assert.True(t, c.Add(dot(1, 1)))
	assert.Equal(t, uint64(2), c.Frontier(1))
	assert.Equal(t, 1, c.Exceptions())

	assert.True(t, c.Add(dot(1, 3)))
	assert.Equal(t, uint64(4), c.Frontier(1))
	assert.Equal(t, 0, c.Exceptions())
	assert.False(t, c.Add(dot(1, 3)))

	assert.True(t, c.Contains(dot(1, 4)))
	assert.False(t, c.Contains(dot(2, 1)))
	assert.Equal(t, 4, c.Len())
}
