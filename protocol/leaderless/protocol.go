// Package leaderless implements EPaxos and Atlas. Any process coordinates
// the commands submitted to it: it pre-accepts the command at a fast quorum
// and commits in one round trip when the replies allow it, otherwise it runs
// an accept round at a slow quorum. Processes recover instances whose
// coordinator went silent, and periodically drop the instances every
// process executed.
package leaderless

import (
	"fmt"
	"time"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"go.uber.org/zap"
)

// Options tune a protocol instance. Zero values select the defaults.
type Options struct {
	CommitTimeout   time.Duration
	RecoveryTimeout time.Duration
	GCInterval      time.Duration
	Logger          *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = consensus.DefaultCommitTimeout
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = consensus.DefaultRecoveryTimeout
	}
	if o.GCInterval <= 0 {
		o.GCInterval = consensus.DefaultGCInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type phase int

const (
	phasePreAccept phase = iota + 1
	phaseAccept
	phasePrepare
)

func (p phase) String() string {
	switch p {
	case phasePreAccept:
		return "preaccept"
	case phaseAccept:
		return "accept"
	case phasePrepare:
		return "prepare"
	default:
		return "unknown"
	}
}

// reply is what one process reported to a coordinator.
type reply struct {
	status    consensus.Status
	accBallot consensus.Ballot
	hasCmd    bool
	cmd       consensus.Command
	deps      consensus.DotSet
	initial   bool
}

// coordination is the state of a process driving an instance at its
// current ballot.
type coordination struct {
	phase    phase
	proposed consensus.DotSet
	quorum   map[consensus.ProcessID]struct{}
	replies  map[consensus.ProcessID]reply
	acks     map[consensus.ProcessID]struct{}
}

type instance struct {
	dot       consensus.Dot
	status    consensus.Status
	ballot    consensus.Ballot
	accBallot consensus.Ballot
	hasCmd    bool
	cmd       consensus.Command
	deps      consensus.DotSet
	initial   bool
	indexed   bool

	coord         *coordination
	recoveryArmed bool
}

type timer struct {
	dot      consensus.Dot
	ballot   consensus.Ballot
	recovery bool
	gc       bool
}

var _ consensus.Protocol = (*Protocol)(nil)

// Protocol is a leaderless consensus process. It is not safe for concurrent
// use.
type Protocol struct {
	id       consensus.ProcessID
	q        consensus.QuorumConfig
	name     string
	fastPath fastPathRule
	opts     Options
	logger   *zap.Logger

	seq       uint64
	instances map[consensus.Dot]*instance
	keys      *keyDeps
	timers    map[consensus.TimerID]timer
	nextTimer consensus.TimerID
	stats     consensus.Stats
	gc        *collector
}

// NewEPaxos returns an EPaxos process.
func NewEPaxos(id consensus.ProcessID, q consensus.QuorumConfig, opts Options) (*Protocol, error) {
	return newProtocol(consensus.EPaxos, epaxosFastPath, id, q, opts)
}

// NewAtlas returns an Atlas process.
func NewAtlas(id consensus.ProcessID, q consensus.QuorumConfig, opts Options) (*Protocol, error) {
	return newProtocol(consensus.Atlas, atlasFastPath, id, q, opts)
}

func newProtocol(variant consensus.Variant, rule fastPathRule, id consensus.ProcessID, q consensus.QuorumConfig, opts Options) (*Protocol, error) {
	if q.Variant != variant {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "leaderless.New",
			Msg:  fmt.Sprintf("quorum configuration is for %s, not %s", q.Variant, variant),
		}
	}
	if id < 1 || int(id) > q.N {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "leaderless.New",
			Msg:  fmt.Sprintf("process %d is not part of a %d process cluster", id, q.N),
		}
	}
	opts = opts.withDefaults()
	return &Protocol{
		id:        id,
		q:         q,
		name:      variant.String(),
		fastPath:  rule,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("svc", variant.String()), zap.Uint64("process", uint64(id))),
		instances: make(map[consensus.Dot]*instance),
		keys:      newKeyDeps(),
		timers:    make(map[consensus.TimerID]timer),
		gc:        newCollector(q.N),
	}, nil
}

// ID returns the process running the protocol.
func (p *Protocol) ID() consensus.ProcessID { return p.id }

// Stats returns the protocol counters.
func (p *Protocol) Stats() consensus.Stats { return p.stats }

// Instance returns a view of an instance.
func (p *Protocol) Instance(dot consensus.Dot) (consensus.InstanceInfo, bool) {
	inst, ok := p.instances[dot]
	if !ok {
		return consensus.InstanceInfo{}, false
	}
	info := consensus.InstanceInfo{
		Dot:     dot,
		Status:  inst.status,
		Ballot:  inst.ballot,
		Command: inst.cmd,
	}
	if inst.deps != nil {
		info.Deps = inst.deps.Sorted()
	}
	return info, true
}

// Executed marks a committed instance as executed.
func (p *Protocol) Executed(dot consensus.Dot) {
	if inst, ok := p.instances[dot]; ok && inst.status == consensus.StatusCommitted {
		inst.status = consensus.StatusExecuted
		p.gc.executed.Add(dot)
	}
}

// Submit coordinates cmd in a new instance.
func (p *Protocol) Submit(cmd consensus.Command) (consensus.Dot, []consensus.Action, error) {
	p.seq++
	dot := consensus.Dot{Process: p.id, Seq: p.seq}
	inst := p.instance(dot)
	inst.ballot = consensus.Ballot{Process: p.id}
	inst.status = consensus.StatusPreAccepted
	inst.hasCmd, inst.cmd = true, cmd
	inst.deps = p.keys.deps(cmd, dot)
	inst.initial = true
	p.index(inst)

	quorum := p.q.FastQuorum(p.id)
	c := &coordination{
		phase:    phasePreAccept,
		proposed: inst.deps.Clone(),
		quorum:   make(map[consensus.ProcessID]struct{}, len(quorum)),
		replies:  map[consensus.ProcessID]reply{p.id: selfReply(inst)},
	}
	for _, q := range quorum {
		c.quorum[q] = struct{}{}
	}
	inst.coord = c

	body := MPreAccept{Cmd: cmd, Deps: inst.deps.Sorted()}
	var actions []consensus.Action
	for _, to := range quorum {
		if to == p.id {
			continue
		}
		actions = append(actions, p.send(to, inst, body))
	}
	actions = append(actions, p.arm(inst, false, p.opts.CommitTimeout))
	actions = append(actions, p.tryPreAcceptQuorum(inst)...)
	return dot, append(actions, p.armGC()...), nil
}

// HandleMessage advances the instance msg refers to.
func (p *Protocol) HandleMessage(msg consensus.Message) ([]consensus.Action, error) {
	if m, ok := msg.Body.(MStable); ok {
		return p.handleStable(msg, m)
	}
	if !p.known(msg.From) || !p.known(msg.Dot.Process) {
		return nil, &errors.Error{
			Code: errors.ENotFound,
			Op:   "leaderless.HandleMessage",
			Msg:  fmt.Sprintf("%s from unknown process %d for %s", msg.Type(), msg.From, msg.Dot),
		}
	}

	if p.gc.collected(msg.Dot) {
		return nil, nil
	}

	actions, err := p.handle(msg)
	return append(actions, p.armGC()...), err
}

func (p *Protocol) handle(msg consensus.Message) ([]consensus.Action, error) {
	switch m := msg.Body.(type) {
	case MPreAccept:
		return p.handlePreAccept(msg, m)
	case MPreAcceptAck:
		return p.handlePreAcceptAck(msg, m)
	case MAccept:
		return p.handleAccept(msg, m)
	case MAcceptAck:
		return p.handleAcceptAck(msg)
	case MCommit:
		return p.handleCommit(msg, m), nil
	case MPrepare:
		return p.handlePrepare(msg)
	case MPrepareAck:
		return p.handlePrepareAck(msg, m)
	default:
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "leaderless.HandleMessage",
			Msg:  fmt.Sprintf("unexpected message %s", msg.Type()),
		}
	}
}

// HandleTimeout fires a coordinator, recovery or collection timer.
func (p *Protocol) HandleTimeout(id consensus.TimerID) ([]consensus.Action, error) {
	t, ok := p.timers[id]
	if !ok {
		return nil, &errors.Error{
			Code: errors.ENotFound,
			Op:   "leaderless.HandleTimeout",
			Msg:  fmt.Sprintf("unknown timer %d", id),
		}
	}
	delete(p.timers, id)

	if t.gc {
		return p.gcTimeout(), nil
	}
	inst, ok := p.instances[t.dot]
	if !ok {
		return nil, nil
	}
	if t.recovery {
		inst.recoveryArmed = false
	}
	if inst.status >= consensus.StatusCommitted {
		return nil, nil
	}

	switch {
	case t.recovery && inst.coord == nil:
		return p.startRecovery(inst), nil
	case !t.recovery && inst.coord != nil && inst.ballot == t.ballot:
		return p.coordinatorTimeout(inst), nil
	}
	return nil, nil
}

func (p *Protocol) handlePreAccept(msg consensus.Message, m MPreAccept) ([]consensus.Action, error) {
	inst := p.instance(msg.Dot)
	if inst.status >= consensus.StatusCommitted {
		return p.sendCommit(msg.From, inst), nil
	}
	if msg.Ballot.Less(inst.ballot) {
		return nil, p.stale(msg, inst)
	}
	actions := p.adopt(inst, msg.Ballot)

	if inst.status != consensus.StatusAccepted {
		deps := consensus.NewDotSet(m.Deps...)
		deps.Merge(p.keys.deps(m.Cmd, msg.Dot))
		inst.hasCmd, inst.cmd = true, m.Cmd
		inst.deps = deps
		inst.status = consensus.StatusPreAccepted
		inst.initial = msg.Ballot.Round == 0
		p.index(inst)
	}

	actions = append(actions, p.send(msg.From, inst, MPreAcceptAck{
		Deps:      inst.deps.Sorted(),
		Status:    inst.status,
		AccBallot: inst.accBallot,
		Cmd:       inst.cmd,
	}))
	return append(actions, p.armRecovery(inst)...), nil
}

func (p *Protocol) handlePreAcceptAck(msg consensus.Message, m MPreAcceptAck) ([]consensus.Action, error) {
	inst, err := p.existing(msg)
	if err != nil {
		return nil, err
	}
	if msg.Ballot.Less(inst.ballot) {
		return nil, p.stale(msg, inst)
	}
	c := inst.coord
	if c == nil || c.phase != phasePreAccept || msg.Ballot != inst.ballot {
		return nil, nil
	}
	if inst.ballot.Round == 0 {
		if _, ok := c.quorum[msg.From]; !ok {
			return nil, nil
		}
	}
	c.replies[msg.From] = reply{
		status:    m.Status,
		accBallot: m.AccBallot,
		hasCmd:    true,
		cmd:       m.Cmd,
		deps:      consensus.NewDotSet(m.Deps...),
	}
	return p.tryPreAcceptQuorum(inst), nil
}

// tryPreAcceptQuorum moves an instance past pre-accept once enough replies
// arrived: the whole fast quorum in the initial ballot, a slow quorum when
// a recovery proposes again at its own ballot.
func (p *Protocol) tryPreAcceptQuorum(inst *instance) []consensus.Action {
	c := inst.coord
	if inst.ballot.Round == 0 {
		if len(c.replies) < p.q.FastQuorumSize() {
			return nil
		}
		replies := make([]consensus.DotSet, 0, len(c.replies))
		for _, r := range c.replies {
			replies = append(replies, r.deps)
		}
		deps, fast := p.fastPath(p.q, c.proposed, replies)
		if fast {
			p.stats.FastPaths++
			p.logger.Debug("Fast path", zap.Stringer("dot", inst.dot))
			return p.commit(inst, inst.cmd, deps)
		}
		p.stats.SlowPaths++
		return p.accept(inst, inst.cmd, deps)
	}

	if len(c.replies) < p.q.SlowQuorumSize() {
		return nil
	}
	return p.accept(inst, inst.cmd, unionDeps(c.replies))
}

func unionDeps(replies map[consensus.ProcessID]reply) consensus.DotSet {
	union := consensus.NewDotSet()
	for _, r := range replies {
		union.Merge(r.deps)
	}
	return union
}

func (p *Protocol) handleAccept(msg consensus.Message, m MAccept) ([]consensus.Action, error) {
	inst := p.instance(msg.Dot)
	if inst.status >= consensus.StatusCommitted {
		return p.sendCommit(msg.From, inst), nil
	}
	if msg.Ballot.Less(inst.ballot) {
		return nil, p.stale(msg, inst)
	}
	actions := p.adopt(inst, msg.Ballot)

	inst.status = consensus.StatusAccepted
	inst.accBallot = msg.Ballot
	inst.hasCmd, inst.cmd = true, m.Cmd
	inst.deps = consensus.NewDotSet(m.Deps...)
	inst.initial = false
	p.index(inst)

	actions = append(actions, p.send(msg.From, inst, MAcceptAck{}))
	return append(actions, p.armRecovery(inst)...), nil
}

func (p *Protocol) handleAcceptAck(msg consensus.Message) ([]consensus.Action, error) {
	inst, err := p.existing(msg)
	if err != nil {
		return nil, err
	}
	if msg.Ballot.Less(inst.ballot) {
		return nil, p.stale(msg, inst)
	}
	c := inst.coord
	if c == nil || c.phase != phaseAccept || msg.Ballot != inst.ballot {
		return nil, nil
	}
	c.acks[msg.From] = struct{}{}
	if len(c.acks) < p.q.SlowQuorumSize() {
		return nil, nil
	}
	return p.commit(inst, inst.cmd, inst.deps), nil
}

func (p *Protocol) handleCommit(msg consensus.Message, m MCommit) []consensus.Action {
	inst := p.instance(msg.Dot)
	if inst.status >= consensus.StatusCommitted {
		return nil
	}
	if inst.coord != nil {
		p.logger.Debug("Instance committed by another process",
			zap.Stringer("dot", inst.dot), zap.Uint64("from", uint64(msg.From)))
		inst.coord = nil
	}
	return p.learn(inst, m.Cmd, consensus.NewDotSet(m.Deps...))
}

// accept starts the slow path at the current ballot.
func (p *Protocol) accept(inst *instance, cmd consensus.Command, deps consensus.DotSet) []consensus.Action {
	inst.status = consensus.StatusAccepted
	inst.accBallot = inst.ballot
	inst.hasCmd, inst.cmd = true, cmd
	inst.deps = deps
	inst.initial = false
	p.index(inst)
	inst.coord = &coordination{
		phase: phaseAccept,
		acks:  map[consensus.ProcessID]struct{}{p.id: {}},
	}

	actions := []consensus.Action{p.broadcast(inst, MAccept{Cmd: cmd, Deps: deps.Sorted()})}
	if len(inst.coord.acks) >= p.q.SlowQuorumSize() {
		actions = append(actions, p.commit(inst, cmd, deps)...)
	}
	return actions
}

// commit decides the instance and tells every other process.
func (p *Protocol) commit(inst *instance, cmd consensus.Command, deps consensus.DotSet) []consensus.Action {
	actions := p.learn(inst, cmd, deps)
	if len(actions) == 0 {
		return nil
	}
	return append(actions, p.broadcast(inst, MCommit{Cmd: cmd, Deps: deps.Sorted()}))
}

// learn records the decided value and hands it to the executor.
func (p *Protocol) learn(inst *instance, cmd consensus.Command, deps consensus.DotSet) []consensus.Action {
	if inst.status >= consensus.StatusCommitted {
		return nil
	}
	inst.status = consensus.StatusCommitted
	inst.hasCmd, inst.cmd = true, cmd
	inst.deps = deps
	inst.coord = nil
	p.index(inst)

	p.logger.Debug("Instance committed",
		zap.Stringer("dot", inst.dot),
		zap.Stringer("command", cmd),
		zap.Int("deps", len(deps)))
	return []consensus.Action{consensus.CommitToExecutor{Commit: consensus.Commit{
		Dot:     inst.dot,
		Command: cmd,
		Deps:    deps.Sorted(),
	}}}
}

// coordinatorTimeout gives up on the current phase. A pre-accept that heard
// from a slow quorum in the initial ballot proposes their union at that
// ballot. Anything else starts over with a prepare at a higher ballot: a
// value is only ever accepted at a ballot whose prepare a slow quorum
// answered.
func (p *Protocol) coordinatorTimeout(inst *instance) []consensus.Action {
	c := inst.coord
	p.logger.Debug("Coordinator timeout",
		zap.Stringer("dot", inst.dot),
		zap.Stringer("phase", c.phase),
		zap.Stringer("ballot", inst.ballot))

	if c.phase == phasePreAccept && inst.ballot.Round == 0 && len(c.replies) >= p.q.SlowQuorumSize() {
		p.stats.SlowPaths++
		actions := p.accept(inst, inst.cmd, unionDeps(c.replies))
		return append(actions, p.arm(inst, false, p.opts.CommitTimeout))
	}
	p.stats.Preemptions++
	return p.prepare(inst)
}

// adopt moves an instance to a ballot at least as high as its own. A
// process coordinating at a lower ballot is preempted.
func (p *Protocol) adopt(inst *instance, b consensus.Ballot) []consensus.Action {
	if !inst.ballot.Less(b) {
		return nil
	}
	inst.ballot = b
	if inst.coord == nil {
		return nil
	}
	p.stats.Preemptions++
	p.logger.Debug("Preempted",
		zap.Stringer("dot", inst.dot),
		zap.Stringer("phase", inst.coord.phase),
		zap.Stringer("ballot", b))
	inst.coord = nil
	return p.armRecovery(inst)
}

func (p *Protocol) stale(msg consensus.Message, inst *instance) error {
	p.stats.StaleDrops++
	return &errors.Error{
		Code: errors.EConflict,
		Op:   "leaderless.HandleMessage",
		Msg: fmt.Sprintf("stale %s for %s from %d: ballot %s below %s",
			msg.Type(), inst.dot, msg.From, msg.Ballot, inst.ballot),
	}
}

func (p *Protocol) existing(msg consensus.Message) (*instance, error) {
	inst, ok := p.instances[msg.Dot]
	if !ok {
		return nil, &errors.Error{
			Code: errors.ENotFound,
			Op:   "leaderless.HandleMessage",
			Msg:  fmt.Sprintf("%s for unknown instance %s", msg.Type(), msg.Dot),
		}
	}
	return inst, nil
}

func (p *Protocol) known(id consensus.ProcessID) bool {
	return id >= 1 && int(id) <= p.q.N
}

func (p *Protocol) instance(dot consensus.Dot) *instance {
	inst, ok := p.instances[dot]
	if !ok {
		inst = &instance{dot: dot, deps: consensus.NewDotSet()}
		p.instances[dot] = inst
	}
	return inst
}

func (p *Protocol) index(inst *instance) {
	if inst.indexed || !inst.hasCmd {
		return
	}
	p.keys.add(inst.cmd, inst.dot)
	inst.indexed = true
}

func (p *Protocol) send(to consensus.ProcessID, inst *instance, body interface{}) consensus.Action {
	return consensus.SendMessage{To: to, Message: consensus.Message{
		From:   p.id,
		To:     to,
		Ballot: inst.ballot,
		Dot:    inst.dot,
		Body:   body,
	}}
}

func (p *Protocol) broadcast(inst *instance, body interface{}) consensus.Action {
	return consensus.BroadcastMessage{Message: consensus.Message{
		From:   p.id,
		Ballot: inst.ballot,
		Dot:    inst.dot,
		Body:   body,
	}}
}

func (p *Protocol) sendCommit(to consensus.ProcessID, inst *instance) []consensus.Action {
	return []consensus.Action{p.send(to, inst, MCommit{Cmd: inst.cmd, Deps: inst.deps.Sorted()})}
}

// arm allocates a timer for inst at its current ballot.
func (p *Protocol) arm(inst *instance, recovery bool, d time.Duration) consensus.Action {
	p.nextTimer++
	p.timers[p.nextTimer] = timer{dot: inst.dot, ballot: inst.ballot, recovery: recovery}
	return consensus.ScheduleTimer{Timer: p.nextTimer, Delay: d}
}

// armRecovery makes sure an uncommitted instance this process does not
// coordinate is eventually recovered. Processes closer to the instance's
// coordinator in id order try first.
func (p *Protocol) armRecovery(inst *instance) []consensus.Action {
	if inst.recoveryArmed || inst.coord != nil || inst.status >= consensus.StatusCommitted {
		return nil
	}
	inst.recoveryArmed = true
	rank := (int(p.id) - int(inst.dot.Process) - 1 + p.q.N) % p.q.N
	delay := p.opts.RecoveryTimeout + time.Duration(rank)*p.opts.RecoveryTimeout/2
	return []consensus.Action{p.arm(inst, true, delay)}
}

func selfReply(inst *instance) reply {
	return reply{
		status:    inst.status,
		accBallot: inst.accBallot,
		hasCmd:    inst.hasCmd,
		cmd:       inst.cmd,
		deps:      inst.deps.Clone(),
		initial:   inst.initial,
	}
}
