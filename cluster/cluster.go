// Package cluster deploys every process of a configuration inside one OS
// process, one goroutine per replica. Replicas exchange messages through
// in-memory mailboxes, time out on the wall clock and apply commits through
// an executor queue, so a run exercises the same code paths a networked
// deployment would, minus the network.
package cluster

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/executor"
	errors2 "github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/process"
	"github.com/influxdata/consensus/protocol"
	"github.com/influxdata/consensus/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrRunning is returned when Run is called on a cluster that already ran.
var ErrRunning = &errors2.Error{
	Code: errors2.EConflict,
	Msg:  "cluster already started",
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithLogger sets the logger of every replica.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cluster) {
		c.logger = logger
	}
}

// WithClock sets the clock replicas time out on.
func WithClock(clk clock.Clock) Option {
	return func(c *Cluster) {
		c.clock = clk
	}
}

// Node is one running replica.
type Node struct {
	id       consensus.ProcessID
	driver   *process.Driver
	executor *executor.Executor
	queue    *executor.Queue
	store    *store.Store
	timers   *process.ClockTimers
	inbox    *mailbox
	logger   *zap.Logger

	executed atomic.Int64
	failed   bool
}

// ID returns the process id of the node.
func (n *Node) ID() consensus.ProcessID { return n.id }

// Driver returns the driver of the node.
func (n *Node) Driver() *process.Driver { return n.driver }

// Executed returns how many commands the node applied so far.
func (n *Node) Executed() int { return int(n.executed.Load()) }

// Store returns the store of the node. It is applied to by the executor
// goroutine and may only be read once the cluster stopped.
func (n *Node) Store() *store.Store { return n.store }

// Backlog returns the number of undelivered messages and timeouts.
func (n *Node) Backlog() int { return n.inbox.len() }

func (n *Node) run(ctx context.Context) error {
	for {
		batch, err := n.inbox.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return n.stop(err)
		}
		for _, e := range batch {
			if e.timer {
				err = n.driver.HandleTimeout(e.timerID)
			} else {
				err = n.driver.HandleMessage(e.msg)
			}
			if err != nil {
				return n.stop(err)
			}
		}
	}
}

// stop returns the error the node quits on. A failed driver reports the
// executor error that stopped it.
func (n *Node) stop(err error) error {
	if cause := n.driver.Err(); cause != nil {
		err = cause
	}
	n.failed = true
	return errors.Wrapf(err, "process %d", n.id)
}

// close stops timers and drains the executor queue. An executor failure
// the node already stopped on is not reported again.
func (n *Node) close() error {
	n.timers.Stop()
	if err := n.queue.Close(); err != nil && !n.failed {
		return errors.Wrapf(err, "process %d", n.id)
	}
	return nil
}

// Cluster is a set of replicas running concurrently.
type Cluster struct {
	cfg    consensus.Config
	clock  clock.Clock
	logger *zap.Logger

	nodes   map[consensus.ProcessID]*Node
	ids     []consensus.ProcessID
	started atomic.Bool
}

// New builds every replica of cfg. Nothing runs until Run is called, but
// commands may be submitted before.
func New(cfg consensus.Config, opts ...Option) (*Cluster, error) {
	q, err := cfg.Quorums()
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		cfg:    cfg,
		clock:  clock.New(),
		logger: zap.NewNop(),
		nodes:  make(map[consensus.ProcessID]*Node),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("svc", "cluster"))

	for _, id := range q.Processes() {
		n, err := c.newNode(id)
		if err != nil {
			for _, built := range c.nodes {
				_ = built.close()
			}
			return nil, err
		}
		c.nodes[id] = n
		c.ids = append(c.ids, id)
	}
	return c, nil
}

func (c *Cluster) newNode(id consensus.ProcessID) (*Node, error) {
	proto, err := protocol.FromConfig(c.cfg, id, c.logger)
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:     id,
		inbox:  newMailbox(),
		logger: c.logger.With(zap.Uint64("process", uint64(id))),
	}
	n.store = store.New(store.WithLogger(c.logger))
	n.executor = executor.New(n.store,
		executor.WithLogger(c.logger),
		executor.WithClock(c.clock),
		executor.WithMetricLabels(prometheus.Labels{"process": fmt.Sprint(id)}),
	)
	n.queue = executor.NewQueue(n.executor, func(execs []consensus.Execution) {
		n.executed.Add(int64(len(execs)))
		n.driver.HandleExecuted(execs)
	}, func(err error) {
		n.driver.Fail(err)
		n.inbox.fail(err)
	}, c.logger)
	n.timers = process.NewClockTimers(c.clock, func(t consensus.TimerID) {
		n.inbox.put(envelope{timer: true, timerID: t})
	})
	n.driver = process.New(proto, &transport{cluster: c}, n.timers, n.queue,
		process.WithLogger(c.logger))
	return n, nil
}

// Node returns process id, or nil if there is no such process.
func (c *Cluster) Node(id consensus.ProcessID) *Node { return c.nodes[id] }

// Nodes returns every node in id order.
func (c *Cluster) Nodes() []*Node {
	ns := make([]*Node, 0, len(c.ids))
	for _, id := range c.ids {
		ns = append(ns, c.nodes[id])
	}
	return ns
}

// Config returns the configuration the cluster was built from.
func (c *Cluster) Config() consensus.Config { return c.cfg }

// Submit proposes cmd at process p.
func (c *Cluster) Submit(p consensus.ProcessID, cmd consensus.Command) (*process.Future, error) {
	n := c.nodes[p]
	if n == nil {
		return nil, &errors2.Error{
			Code: errors2.ENotFound,
			Op:   "cluster.Submit",
			Msg:  fmt.Sprintf("no process %d", p),
		}
	}
	return n.driver.Submit(cmd)
}

// Run runs every replica until ctx is done or a replica fails. It then stops
// the timers, drains the executor queues and returns the first replica
// failure combined with any shutdown error. A cluster runs once.
func (c *Cluster) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	c.logger.Info("Starting cluster",
		zap.Stringer("protocol", c.cfg.Protocol),
		zap.Int("n", c.cfg.N),
		zap.Int("f", c.cfg.F))

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range c.Nodes() {
		n := n
		g.Go(func() error {
			err := n.run(gctx)
			if err != nil {
				n.logger.Error("Replica stopped", zap.Error(err))
			}
			return err
		})
	}
	err := g.Wait()

	for _, n := range c.Nodes() {
		err = multierr.Append(err, n.close())
	}
	c.logger.Info("Cluster stopped", zap.Error(err))
	return err
}

// Stats sums the protocol counters of every replica.
func (c *Cluster) Stats() consensus.Stats {
	var total consensus.Stats
	for _, n := range c.nodes {
		st := n.driver.Stats()
		total.FastPaths += st.FastPaths
		total.SlowPaths += st.SlowPaths
		total.Preemptions += st.Preemptions
		total.Recoveries += st.Recoveries
		total.StaleDrops += st.StaleDrops
	}
	return total
}

// PrometheusCollectors returns the driver and executor metrics of every
// replica.
func (c *Cluster) PrometheusCollectors() []prometheus.Collector {
	var cs []prometheus.Collector
	for _, n := range c.Nodes() {
		cs = append(cs, n.driver.PrometheusCollectors()...)
		cs = append(cs, n.executor.PrometheusCollectors()...)
	}
	return cs
}

func (c *Cluster) deliver(msg consensus.Message) {
	n := c.nodes[msg.To]
	if n == nil {
		c.logger.Warn("Dropping message to unknown process", zap.Uint64("to", uint64(msg.To)))
		return
	}
	n.inbox.put(envelope{msg: msg})
}

type transport struct {
	cluster *Cluster
}

func (t *transport) Send(msg consensus.Message) { t.cluster.deliver(msg) }

func (t *transport) Broadcast(msg consensus.Message) {
	for _, id := range t.cluster.ids {
		if id == msg.From {
			continue
		}
		m := msg
		m.To = id
		t.cluster.deliver(m)
	}
}
