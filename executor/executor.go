// Package executor orders committed instances for execution. Instances arrive
// in any order together with their dependencies; the executor applies an
// instance only once everything it transitively depends on has committed,
// and applies every strongly connected component of the dependency graph as
// one batch, in Dot order.
package executor

import (
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/consensus"
	errors2 "github.com/influxdata/consensus/kit/platform/errors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrDuplicateCommit is returned when an instance is committed twice.
var ErrDuplicateCommit = &errors2.Error{
	Code: errors2.EInternal,
	Msg:  "instance committed twice",
}

var _ consensus.CommitSink = (*Executor)(nil)

// Gap is an instance that committed instances depend on but that has not
// committed yet.
type Gap struct {
	Missing consensus.Dot
	Since   time.Time
	Waiting []consensus.Dot
}

type gap struct {
	since   time.Time
	waiting consensus.DotSet
}

type vertex struct {
	commit consensus.Commit

	// Tarjan bookkeeping, valid when gen matches the running search.
	gen     uint64
	index   int
	lowlink int
	onStack bool
}

// Executor is the dependency graph executor. It is not safe for concurrent
// use; wrap it in a Queue when commits come from several goroutines.
type Executor struct {
	applier consensus.Applier
	clock   clock.Clock
	logger  *zap.Logger
	metrics *executorMetrics
	onBatch func([]consensus.Execution)

	vertices map[consensus.Dot]*vertex
	gaps     map[consensus.Dot]*gap
	executed *ExecutedClock
	gen      uint64

	err error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger for the executor.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = logger.With(zap.String("svc", "executor"))
	}
}

// WithClock sets the clock used to age gaps.
func WithClock(clk clock.Clock) Option {
	return func(e *Executor) {
		e.clock = clk
	}
}

// WithMetricLabels sets labels attached to every metric of the executor.
func WithMetricLabels(labels prometheus.Labels) Option {
	return func(e *Executor) {
		e.metrics = newExecutorMetrics(labels)
	}
}

// WithBatchObserver registers fn to be called with every batch of
// executions, one call per strongly connected component.
func WithBatchObserver(fn func(batch []consensus.Execution)) Option {
	return func(e *Executor) {
		e.onBatch = fn
	}
}

// New returns an executor applying commands to applier.
func New(applier consensus.Applier, opts ...Option) *Executor {
	e := &Executor{
		applier:  applier,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		vertices: make(map[consensus.Dot]*vertex),
		gaps:     make(map[consensus.Dot]*gap),
		executed: NewExecutedClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newExecutorMetrics(nil)
	}
	return e
}

// Commit adds a committed instance to the graph and applies every instance
// that became executable, in execution order. Any error is fatal: the
// executor refuses further commits.
func (e *Executor) Commit(c consensus.Commit) ([]consensus.Execution, error) {
	if e.err != nil {
		return nil, e.err
	}
	if _, ok := e.vertices[c.Dot]; ok || e.executed.Contains(c.Dot) {
		e.err = &errors2.Error{
			Code: errors2.EInternal,
			Op:   "executor.Commit",
			Msg:  fmt.Sprintf("instance %s", c.Dot),
			Err:  ErrDuplicateCommit,
		}
		return nil, e.err
	}
	e.metrics.commits.Inc()

	e.vertices[c.Dot] = &vertex{commit: c}
	roots := []consensus.Dot{c.Dot}
	if g, ok := e.gaps[c.Dot]; ok {
		roots = append(roots, g.waiting.Sorted()...)
		delete(e.gaps, c.Dot)
		e.logger.Debug("Gap closed",
			zap.Stringer("dot", c.Dot),
			zap.Duration("age", e.clock.Since(g.since)),
			zap.Int("waiting", len(g.waiting)))
	}

	var execs []consensus.Execution
	for _, root := range roots {
		v, ok := e.vertices[root]
		if !ok {
			continue
		}
		s := &search{e: e, gen: e.nextGen(), execs: execs}
		if !s.strongConnect(v) {
			if s.err != nil {
				e.err = s.err
				return s.execs, s.err
			}
			e.wait(root, s.missing)
		}
		execs = s.execs
	}
	e.observe()
	return execs, nil
}

func (e *Executor) nextGen() uint64 {
	e.gen++
	return e.gen
}

// wait registers root as blocked on missing.
func (e *Executor) wait(root, missing consensus.Dot) {
	g, ok := e.gaps[missing]
	if !ok {
		g = &gap{since: e.clock.Now(), waiting: consensus.NewDotSet()}
		e.gaps[missing] = g
	}
	g.waiting.Add(root)
	e.logger.Debug("Instance waiting on dependency",
		zap.Stringer("dot", root),
		zap.Stringer("missing", missing))
}

// execute applies the members of a strongly connected component in Dot
// order and removes them from the graph.
func (e *Executor) execute(scc []*vertex) ([]consensus.Execution, error) {
	sort.Slice(scc, func(i, j int) bool { return scc[i].commit.Dot.Less(scc[j].commit.Dot) })

	batch := make([]consensus.Execution, 0, len(scc))
	for _, v := range scc {
		c := v.commit
		res, err := e.applier.Apply(c.Command)
		if err != nil {
			e.metrics.applyErrs.Inc()
			return batch, &errors2.Error{
				Code: errors2.EInternal,
				Op:   "executor.Commit",
				Err:  errors.Wrapf(err, "apply %s", c.Dot),
			}
		}
		delete(e.vertices, c.Dot)
		e.executed.Add(c.Dot)
		e.metrics.executed.Inc()
		batch = append(batch, consensus.Execution{Dot: c.Dot, Command: c.Command, Result: res})
	}
	e.metrics.sccSize.Observe(float64(len(scc)))
	if len(scc) > 1 {
		e.logger.Debug("Executed cycle", zap.Int("size", len(scc)), zap.Stringer("first", scc[0].commit.Dot))
	}
	if e.onBatch != nil {
		e.onBatch(batch)
	}
	return batch, nil
}

func (e *Executor) observe() {
	e.metrics.pending.Set(float64(len(e.vertices)))
	e.metrics.gaps.Set(float64(len(e.gaps)))
	e.metrics.gapAge.Set(e.OldestGapAge().Seconds())
}

// search is one run of Tarjan's algorithm. It stops at the first dependency
// that has not committed yet; components completed before that are already
// executed.
type search struct {
	e     *Executor
	gen   uint64
	index int
	stack []*vertex

	missing consensus.Dot
	execs   []consensus.Execution
	err     error
}

func (s *search) strongConnect(v *vertex) bool {
	v.gen = s.gen
	v.index = s.index
	v.lowlink = s.index
	s.index++
	s.stack = append(s.stack, v)
	v.onStack = true

	for _, dep := range v.commit.Deps {
		if s.e.executed.Contains(dep) {
			continue
		}
		w, ok := s.e.vertices[dep]
		if !ok {
			s.missing = dep
			return false
		}
		if w.gen != s.gen {
			if !s.strongConnect(w) {
				return false
			}
			v.lowlink = min(v.lowlink, w.lowlink)
		} else if w.onStack {
			v.lowlink = min(v.lowlink, w.index)
		}
	}

	if v.lowlink != v.index {
		return true
	}

	var scc []*vertex
	for {
		w := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		w.onStack = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	batch, err := s.e.execute(scc)
	s.execs = append(s.execs, batch...)
	if err != nil {
		s.err = err
		return false
	}
	return true
}

// Executed returns true if the instance was applied.
func (e *Executor) Executed(dot consensus.Dot) bool { return e.executed.Contains(dot) }

// ExecutedClock returns the record of executed instances.
func (e *Executor) ExecutedClock() *ExecutedClock { return e.executed }

// PendingCount returns the number of committed instances not yet executed.
func (e *Executor) PendingCount() int { return len(e.vertices) }

// Pending returns the committed instances not yet executed, in Dot order.
func (e *Executor) Pending() []consensus.Dot {
	dots := make([]consensus.Dot, 0, len(e.vertices))
	for d := range e.vertices {
		dots = append(dots, d)
	}
	return consensus.SortDots(dots)
}

// Gaps returns the missing instances blocking execution, in Dot order.
func (e *Executor) Gaps() []Gap {
	gaps := make([]Gap, 0, len(e.gaps))
	for d, g := range e.gaps {
		gap := Gap{Missing: d, Since: g.since}
		for _, w := range g.waiting.Sorted() {
			if _, ok := e.vertices[w]; ok {
				gap.Waiting = append(gap.Waiting, w)
			}
		}
		gaps = append(gaps, gap)
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Missing.Less(gaps[j].Missing) })
	return gaps
}

// OldestGapAge returns how long the oldest unresolved gap has been open, or
// zero when nothing is blocked.
func (e *Executor) OldestGapAge() time.Duration {
	var oldest time.Time
	for _, g := range e.gaps {
		if oldest.IsZero() || g.since.Before(oldest) {
			oldest = g.since
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return e.clock.Since(oldest)
}

// Err returns the error that stopped the executor, if any.
func (e *Executor) Err() error { return e.err }

// PrometheusCollectors returns the metrics of the executor.
func (e *Executor) PrometheusCollectors() []prometheus.Collector {
	return e.metrics.PrometheusCollectors()
}
