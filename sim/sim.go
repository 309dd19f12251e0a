// Package sim runs a whole cluster in one goroutine under a logical clock.
// Messages, timers and client submissions are events ordered by time, so a
// run is reproducible: the same configuration, latencies and submissions
// always produce the same commits and the same stores.
package sim

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/executor"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/process"
	"github.com/influxdata/consensus/protocol"
	"github.com/influxdata/consensus/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultLatency is the one-way delay of every message unless configured
// otherwise.
const DefaultLatency = time.Millisecond

// Latency returns the one-way delay of a message.
type Latency func(msg consensus.Message) time.Duration

// Filter drops the messages it returns true for.
type Filter func(msg consensus.Message) bool

// Option configures a Simulation.
type Option func(*Simulation)

// WithLogger sets the logger of every simulated component.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Simulation) {
		s.logger = logger
	}
}

// WithLatency sets the delay of every message.
func WithLatency(l Latency) Option {
	return func(s *Simulation) {
		s.latency = l
	}
}

// WithJitter adds a random delay of up to max to every message, drawn from a
// generator seeded with seed.
func WithJitter(seed int64, max time.Duration) Option {
	return func(s *Simulation) {
		s.jitter = rand.New(rand.NewSource(seed))
		s.maxJitter = max
	}
}

// WithFilter drops the messages f returns true for. Filters accumulate.
func WithFilter(f Filter) Option {
	return func(s *Simulation) {
		s.filters = append(s.filters, f)
	}
}

// Submission is a command submitted to a process at a point in simulated
// time.
type Submission struct {
	At      time.Duration
	Process consensus.ProcessID
	Command consensus.Command

	future *process.Future
	err    error
}

// Done reports whether the command executed at the process it was submitted
// to.
func (s *Submission) Done() bool {
	if s.future == nil {
		return false
	}
	select {
	case <-s.future.Done():
		return true
	default:
		return false
	}
}

// Err returns why the submission was refused, if it was.
func (s *Submission) Err() error { return s.err }

// Outcome is the result of a submission at the end of a run.
type Outcome struct {
	Process consensus.ProcessID
	ID      consensus.CommandID
	Done    bool
	Result  consensus.Result
	Err     error
}

// Replica is one simulated process: a driver feeding an executor that
// applies to a store.
type Replica struct {
	Driver   *process.Driver
	Executor *executor.Executor
	Store    *store.Store

	id      consensus.ProcessID
	commits []consensus.Commit
	batches [][]consensus.Execution
	crashed bool
}

// ID returns the process id of the replica.
func (r *Replica) ID() consensus.ProcessID { return r.id }

// Commits returns the commits the driver forwarded, in order.
func (r *Replica) Commits() []consensus.Commit {
	return append([]consensus.Commit(nil), r.commits...)
}

// Batches returns the executions grouped as the executor applied them.
func (r *Replica) Batches() [][]consensus.Execution {
	return append([][]consensus.Execution(nil), r.batches...)
}

// Executions returns every execution in application order.
func (r *Replica) Executions() []consensus.Execution {
	var execs []consensus.Execution
	for _, b := range r.batches {
		execs = append(execs, b...)
	}
	return execs
}

// KeyOrder returns the commands that touched key, in application order.
func (r *Replica) KeyOrder(key consensus.Key) []consensus.CommandID {
	var ids []consensus.CommandID
	for _, e := range r.Executions() {
		if e.Command.Touches(key) {
			ids = append(ids, e.Command.ID)
		}
	}
	return ids
}

// Commit records c and hands it to the executor.
func (r *Replica) Commit(c consensus.Commit) ([]consensus.Execution, error) {
	r.commits = append(r.commits, c)
	return r.Executor.Commit(c)
}

// Simulation is a simulated cluster. It is not safe for concurrent use.
type Simulation struct {
	cfg       consensus.Config
	clock     *clock.Mock
	start     time.Time
	latency   Latency
	jitter    *rand.Rand
	maxJitter time.Duration
	filters   []Filter
	logger    *zap.Logger

	replicas    map[consensus.ProcessID]*Replica
	ids         []consensus.ProcessID
	events      schedule
	seq         uint64
	submissions []*Submission

	delivered int
	dropped   int
}

// New returns a simulated cluster running cfg. The configuration is
// validated before any replica is created.
func New(cfg consensus.Config, opts ...Option) (*Simulation, error) {
	q, err := cfg.Quorums()
	if err != nil {
		return nil, err
	}

	clk := clock.NewMock()
	s := &Simulation{
		cfg:      cfg,
		clock:    clk,
		start:    clk.Now(),
		latency:  func(consensus.Message) time.Duration { return DefaultLatency },
		logger:   zap.NewNop(),
		replicas: make(map[consensus.ProcessID]*Replica),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("svc", "sim"))

	for _, id := range q.Processes() {
		proto, err := protocol.FromConfig(cfg, id, s.logger)
		if err != nil {
			return nil, err
		}
		r := &Replica{id: id}
		r.Store = store.New(store.WithLogger(s.logger))
		r.Executor = executor.New(r.Store,
			executor.WithLogger(s.logger),
			executor.WithClock(clk),
			executor.WithMetricLabels(prometheus.Labels{"process": fmt.Sprint(id)}),
			executor.WithBatchObserver(func(batch []consensus.Execution) {
				r.batches = append(r.batches, batch)
			}),
		)
		r.Driver = process.New(proto, &transport{sim: s}, &timers{sim: s, id: id}, r,
			process.WithLogger(s.logger))
		s.replicas[id] = r
		s.ids = append(s.ids, id)
	}
	return s, nil
}

// Replica returns process id, or nil if there is no such process.
func (s *Simulation) Replica(id consensus.ProcessID) *Replica { return s.replicas[id] }

// Replicas returns every replica in id order.
func (s *Simulation) Replicas() []*Replica {
	rs := make([]*Replica, 0, len(s.ids))
	for _, id := range s.ids {
		rs = append(rs, s.replicas[id])
	}
	return rs
}

// Now returns the simulated time elapsed since the start.
func (s *Simulation) Now() time.Duration { return s.clock.Now().Sub(s.start) }

// Pending returns the number of scheduled events.
func (s *Simulation) Pending() int { return len(s.events) }

// Delivered returns how many messages reached their destination.
func (s *Simulation) Delivered() int { return s.delivered }

// Dropped returns how many messages were lost to filters or crashes.
func (s *Simulation) Dropped() int { return s.dropped }

// Submit schedules cmd to be submitted to process p at simulated time at.
func (s *Simulation) Submit(at time.Duration, p consensus.ProcessID, cmd consensus.Command) *Submission {
	sub := &Submission{At: at, Process: p, Command: cmd}
	s.submissions = append(s.submissions, sub)
	s.push(&event{at: s.start.Add(at), kind: eventSubmit, to: p, submission: sub})
	return sub
}

// Crash stops process p: it handles nothing from now on and whatever it had
// in flight is lost.
func (s *Simulation) Crash(p consensus.ProcessID) {
	if r, ok := s.replicas[p]; ok {
		r.crashed = true
		s.logger.Info("Process crashed", zap.Uint64("process", uint64(p)), zap.Duration("at", s.Now()))
	}
}

// Run processes every event scheduled up to simulated time until. It stops
// at the first fatal error of a replica.
func (s *Simulation) Run(until time.Duration) error {
	deadline := s.start.Add(until)
	for e := s.events.peek(); e != nil && !e.at.After(deadline); e = s.events.peek() {
		heap.Pop(&s.events)
		if e.at.After(s.clock.Now()) {
			s.clock.Set(e.at)
		}
		if err := s.dispatch(e); err != nil {
			return err
		}
	}
	if s.clock.Now().Before(deadline) {
		s.clock.Set(deadline)
	}
	return nil
}

// Results returns the outcome of every submission, in submission order.
func (s *Simulation) Results() []Outcome {
	out := make([]Outcome, 0, len(s.submissions))
	for _, sub := range s.submissions {
		o := Outcome{Process: sub.Process, ID: sub.Command.ID, Err: sub.err}
		if sub.Done() {
			o.Done = true
			o.Result, o.Err = sub.future.Wait(context.Background())
		}
		out = append(out, o)
	}
	return out
}

// Stats sums the protocol counters of every replica.
func (s *Simulation) Stats() consensus.Stats {
	var total consensus.Stats
	for _, r := range s.replicas {
		st := r.Driver.Stats()
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
func (s *Simulation) PrometheusCollectors() []prometheus.Collector {
	var cs []prometheus.Collector
	for _, r := range s.Replicas() {
		cs = append(cs, r.Driver.PrometheusCollectors()...)
		cs = append(cs, r.Executor.PrometheusCollectors()...)
	}
	return cs
}

// Config returns the configuration the simulation was built from.
func (s *Simulation) Config() consensus.Config { return s.cfg }

func (s *Simulation) dispatch(e *event) error {
	r := s.replicas[e.to]
	if r == nil || r.crashed {
		if e.kind == eventDeliver {
			s.dropped++
		}
		return nil
	}

	switch e.kind {
	case eventSubmit:
		f, err := r.Driver.Submit(e.submission.Command)
		e.submission.future, e.submission.err = f, err
		if errors.ErrorCode(err) == errors.EInternal {
			return err
		}
		return nil
	case eventDeliver:
		s.delivered++
		return r.Driver.HandleMessage(e.msg)
	default:
		return r.Driver.HandleTimeout(e.timer)
	}
}

func (s *Simulation) send(msg consensus.Message) {
	if from := s.replicas[msg.From]; from == nil || from.crashed {
		s.dropped++
		return
	}
	for _, f := range s.filters {
		if f(msg) {
			s.dropped++
			return
		}
	}
	d := s.latency(msg)
	if s.jitter != nil && s.maxJitter > 0 {
		d += time.Duration(s.jitter.Int63n(int64(s.maxJitter)))
	}
	s.push(&event{at: s.clock.Now().Add(d), kind: eventDeliver, to: msg.To, msg: msg})
}

func (s *Simulation) push(e *event) {
	s.seq++
	e.seq = s.seq
	heap.Push(&s.events, e)
}

type transport struct {
	sim *Simulation
}

func (t *transport) Send(msg consensus.Message) { t.sim.send(msg) }

func (t *transport) Broadcast(msg consensus.Message) {
	for _, id := range t.sim.ids {
		if id == msg.From {
			continue
		}
		m := msg
		m.To = id
		t.sim.send(m)
	}
}

type timers struct {
	sim *Simulation
	id  consensus.ProcessID
}

func (t *timers) Schedule(id consensus.TimerID, d time.Duration) {
	t.sim.push(&event{at: t.sim.clock.Now().Add(d), kind: eventTimeout, to: t.id, timer: id})
}
