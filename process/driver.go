// Package process drives one replica's consensus protocol. The driver
// serializes submissions, messages, timeouts and execution notifications,
// carries out the actions the protocol asks for and resolves client futures
// once their command has been executed locally.
package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/influxdata/consensus"
	errors2 "github.com/influxdata/consensus/kit/platform/errors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrDriverFailed is returned by every call made after the executor
// reported a fatal error.
var ErrDriverFailed = &errors2.Error{
	Code: errors2.EInternal,
	Msg:  "process driver stopped after a fatal executor error",
}

// Future is the eventual result of a submitted command.
type Future struct {
	id   consensus.CommandID
	done chan struct{}
	once sync.Once
	res  consensus.Result
	err  error
}

func newFuture(id consensus.CommandID) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the command the future waits for.
func (f *Future) ID() consensus.CommandID { return f.id }

// Done is closed once the result is known.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the command executed or ctx is done.
func (f *Future) Wait(ctx context.Context) (consensus.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return consensus.Result{}, ctx.Err()
	}
}

func (f *Future) resolve(res consensus.Result, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// Driver runs a protocol for one process. It is safe for concurrent use;
// all calls are serialized.
type Driver struct {
	mu        sync.Mutex
	proto     consensus.Protocol
	transport Transport
	timers    Timers
	sink      consensus.CommitSink
	logger    *zap.Logger
	metrics   *driverMetrics

	forwarded consensus.DotSet
	futures   map[consensus.CommandID]*Future
	results   *resultCache
	cacheSize int
	err       error
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger for the driver.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithResultCacheSize bounds how many results of executed submissions the
// driver keeps for resubmissions.
func WithResultCacheSize(n int) Option {
	return func(d *Driver) {
		d.cacheSize = n
	}
}

// New returns a driver for proto. Committed instances go to sink, which is
// normally an executor or an executor queue.
func New(proto consensus.Protocol, transport Transport, timers Timers, sink consensus.CommitSink, opts ...Option) *Driver {
	d := &Driver{
		proto:     proto,
		transport: transport,
		timers:    timers,
		sink:      sink,
		logger:    zap.NewNop(),
		metrics: newDriverMetrics(prometheus.Labels{
			"process": fmt.Sprint(proto.ID()),
		}),
		forwarded: consensus.NewDotSet(),
		futures:   make(map[consensus.CommandID]*Future),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.results = newResultCache(d.cacheSize)
	d.logger = d.logger.With(zap.String("svc", "driver"), zap.Uint64("process", uint64(proto.ID())))
	return d
}

// ID returns the process the driver runs.
func (d *Driver) ID() consensus.ProcessID { return d.proto.ID() }

// Submit proposes cmd. The returned future resolves once cmd executed on
// this process. Submitting a command id again returns the future of the
// first submission, or its result while the result is still cached.
func (d *Driver) Submit(cmd consensus.Command) (*Future, error) {
	if cmd.ID.IsZero() {
		return nil, &errors2.Error{
			Code: errors2.EInvalid,
			Op:   "process.Submit",
			Msg:  "command has no id",
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, ErrDriverFailed
	}
	if f, ok := d.futures[cmd.ID]; ok {
		return f, nil
	}
	f := newFuture(cmd.ID)
	if res, ok := d.results.get(cmd.ID); ok {
		f.resolve(res, nil)
		return f, nil
	}

	dot, actions, err := d.proto.Submit(cmd)
	if err != nil {
		return nil, err
	}
	d.futures[cmd.ID] = f
	d.metrics.submitted.Inc()
	d.metrics.waiting.Set(float64(len(d.futures)))
	d.logger.Debug("Submitted command", zap.Stringer("command", cmd), zap.Stringer("dot", dot))

	if err := d.apply(actions); err != nil {
		return nil, err
	}
	return f, nil
}

// HandleMessage delivers a message from another process. Messages the
// protocol rejects as stale or unexpected are logged and dropped; only a
// fatal executor error is returned.
func (d *Driver) HandleMessage(msg consensus.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return ErrDriverFailed
	}

	d.metrics.messages.WithLabelValues(msg.Type()).Inc()
	actions, err := d.proto.HandleMessage(msg)
	if err != nil {
		d.drop(err, zap.String("message", msg.Type()),
			zap.Uint64("from", uint64(msg.From)),
			zap.Stringer("dot", msg.Dot))
	}
	return d.apply(actions)
}

// HandleTimeout fires a protocol timer.
func (d *Driver) HandleTimeout(id consensus.TimerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return ErrDriverFailed
	}

	d.metrics.timeouts.Inc()
	actions, err := d.proto.HandleTimeout(id)
	if err != nil {
		d.drop(err, zap.Uint64("timer", uint64(id)))
	}
	return d.apply(actions)
}

// HandleExecuted reports executions made by an executor running apart from
// the driver, such as behind an executor queue.
func (d *Driver) HandleExecuted(execs []consensus.Execution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed(execs)
}

// Fail stops the driver with err, resolving every waiting future with it.
// Callers use it when an executor running apart from the driver fails.
func (d *Driver) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail(err)
}

// Err returns the error that stopped the driver, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Stats returns the protocol counters.
func (d *Driver) Stats() consensus.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proto.Stats()
}

// Instance returns the protocol's view of an instance.
func (d *Driver) Instance(dot consensus.Dot) (consensus.InstanceInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proto.Instance(dot)
}

// Cached returns the number of results kept for resubmissions.
func (d *Driver) Cached() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.results.len()
}

// Waiting returns the number of unresolved futures.
func (d *Driver) Waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.futures)
}

// PrometheusCollectors returns the driver metrics.
func (d *Driver) PrometheusCollectors() []prometheus.Collector {
	return d.metrics.PrometheusCollectors()
}

func (d *Driver) drop(err error, fields ...zap.Field) {
	d.metrics.dropped.WithLabelValues(errors2.ErrorCode(err)).Inc()
	fields = append(fields, zap.Error(err))
	if errors2.IsTransient(err) {
		d.logger.Debug("Dropped", fields...)
		return
	}
	d.logger.Warn("Dropped", fields...)
}

// apply carries out protocol actions. Commits reach the sink once per
// instance however often the protocol reports them.
func (d *Driver) apply(actions []consensus.Action) error {
	for _, a := range actions {
		switch a := a.(type) {
		case consensus.SendMessage:
			d.transport.Send(a.Message)
		case consensus.BroadcastMessage:
			d.transport.Broadcast(a.Message)
		case consensus.ScheduleTimer:
			d.timers.Schedule(a.Timer, a.Delay)
		case consensus.CommitToExecutor:
			if d.forwarded.Has(a.Commit.Dot) {
				d.metrics.duplicates.Inc()
				d.logger.Debug("Suppressed repeated commit", zap.Stringer("dot", a.Commit.Dot))
				continue
			}
			d.forwarded.Add(a.Commit.Dot)
			d.metrics.commits.Inc()

			execs, err := d.sink.Commit(a.Commit)
			d.executed(execs)
			if err != nil {
				err = errors.Wrapf(err, "committing %s", a.Commit.Dot)
				d.fail(err)
				return err
			}
		default:
			return &errors2.Error{
				Code: errors2.EInternal,
				Op:   "process.apply",
				Msg:  fmt.Sprintf("unknown action %T", a),
			}
		}
	}
	return nil
}

func (d *Driver) executed(execs []consensus.Execution) {
	for _, e := range execs {
		d.proto.Executed(e.Dot)
		d.metrics.executed.Inc()

		id := e.Command.ID
		f, ok := d.futures[id]
		if !ok {
			continue
		}
		delete(d.futures, id)
		d.results.put(id, e.Result)
		f.resolve(e.Result, nil)
	}
	d.metrics.waiting.Set(float64(len(d.futures)))
}

func (d *Driver) fail(err error) {
	if d.err != nil {
		return
	}
	d.err = err
	d.logger.Error("Driver failed", zap.Error(err))
	for id, f := range d.futures {
		f.resolve(consensus.Result{}, err)
		delete(d.futures, id)
	}
	d.metrics.waiting.Set(0)
}
