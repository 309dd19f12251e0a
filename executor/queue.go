package executor

import (
	"sync"

	"github.com/influxdata/consensus"
	errors2 "github.com/influxdata/consensus/kit/platform/errors"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned when committing to a closed queue.
var ErrQueueClosed = &errors2.Error{
	Code: errors2.EUnavailable,
	Msg:  "executor queue closed",
}

var _ consensus.CommitSink = (*Queue)(nil)

// Queue funnels commits from any number of goroutines into a single
// executor. Commits are buffered without bound and applied in arrival order
// by one goroutine, which reports executions to onExecute. The first
// executor error stops the queue and is reported once to onError.
type Queue struct {
	exec      *Executor
	onExecute func([]consensus.Execution)
	onError   func(error)
	logger    *zap.Logger

	mu     sync.Mutex
	items  []consensus.Commit
	closed bool
	err    error

	notify chan struct{}
	done   chan struct{}
}

// NewQueue starts a queue in front of exec.
func NewQueue(exec *Executor, onExecute func([]consensus.Execution), onError func(error), logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		exec:      exec,
		onExecute: onExecute,
		onError:   onError,
		logger:    logger.With(zap.String("svc", "executor-queue")),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Commit enqueues c. It never blocks on execution and never returns
// executions; those are reported to onExecute.
func (q *Queue) Commit(c consensus.Commit) ([]consensus.Execution, error) {
	q.mu.Lock()
	if q.err != nil {
		err := q.err
		q.mu.Unlock()
		return nil, err
	}
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.items = append(q.items, c)
	q.mu.Unlock()

	q.signal()
	return nil, nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch, closed := q.items, q.closed
		q.items = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-q.notify
			continue
		}

		for _, c := range batch {
			execs, err := q.exec.Commit(c)
			if len(execs) > 0 && q.onExecute != nil {
				q.onExecute(execs)
			}
			if err != nil {
				q.logger.Error("Executor failed", zap.Stringer("dot", c.Dot), zap.Error(err))
				q.mu.Lock()
				q.err = err
				q.items = nil
				q.mu.Unlock()
				if q.onError != nil {
					q.onError(err)
				}
				return
			}
		}
	}
}

// Close stops accepting commits, waits for the buffered ones to be applied
// and returns the error that stopped the executor, if any.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.done
	return q.Err()
}

// Err returns the error that stopped the queue, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Pending returns the number of buffered commits.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
