// Package fpaxos implements Flexible Paxos with a fixed leader. The leader
// assigns consecutive slots and needs only f+1 votes per slot; every slot
// depends on the previous one, so the executor replays the log in slot
// order.
//
// Process 1 leads for the lifetime of the cluster and owns the only ballot,
// so phase one is implicit and the n-f phase-one quorum of the
// configuration is never used. There is no leader change: while the leader
// is unreachable, submissions are retransmitted and no slot commits.
package fpaxos

import (
	"fmt"
	"time"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"go.uber.org/zap"
)

// Options tune a protocol instance. Zero values select the defaults.
type Options struct {
	CommitTimeout time.Duration
	Logger        *zap.Logger
}

// MForward carries a command submitted at a follower to the leader.
type MForward struct {
	Cmd consensus.Command
}

// MAccept asks a follower to accept a command in a slot.
type MAccept struct {
	Cmd  consensus.Command
	Deps []consensus.Dot
}

// MAcceptAck is a vote for a slot. Followers repeat it when they wait too
// long for the commit.
type MAcceptAck struct{}

// MCommit announces a chosen slot.
type MCommit struct {
	Cmd  consensus.Command
	Deps []consensus.Dot
}

func (MForward) MessageType() string   { return "forward" }
func (MAccept) MessageType() string    { return "accept" }
func (MAcceptAck) MessageType() string { return "accept_ack" }
func (MCommit) MessageType() string    { return "commit" }

type slot struct {
	dot    consensus.Dot
	status consensus.Status
	cmd    consensus.Command
	deps   []consensus.Dot
	acks   map[consensus.ProcessID]struct{}
}

type timer struct {
	dot     consensus.Dot
	forward consensus.CommandID
}

var _ consensus.Protocol = (*Protocol)(nil)

// Protocol is an FPaxos process. It is not safe for concurrent use.
type Protocol struct {
	id     consensus.ProcessID
	leader consensus.ProcessID
	ballot consensus.Ballot
	q      consensus.QuorumConfig
	opts   Options
	logger *zap.Logger

	next      uint64
	slots     map[consensus.Dot]*slot
	assigned  map[consensus.CommandID]consensus.Dot
	forwarded map[consensus.CommandID]consensus.Command
	timers    map[consensus.TimerID]timer
	nextTimer consensus.TimerID
	stats     consensus.Stats
}

// New returns an FPaxos process. The process with the lowest id leads.
func New(id consensus.ProcessID, q consensus.QuorumConfig, opts Options) (*Protocol, error) {
	if q.Variant != consensus.FPaxos {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "fpaxos.New",
			Msg:  fmt.Sprintf("quorum configuration is for %s, not fpaxos", q.Variant),
		}
	}
	if id < 1 || int(id) > q.N {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "fpaxos.New",
			Msg:  fmt.Sprintf("process %d is not part of a %d process cluster", id, q.N),
		}
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = consensus.DefaultCommitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	const leader = consensus.ProcessID(1)
	return &Protocol{
		id:        id,
		leader:    leader,
		ballot:    consensus.Ballot{Process: leader},
		q:         q,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("svc", "fpaxos"), zap.Uint64("process", uint64(id))),
		slots:     make(map[consensus.Dot]*slot),
		assigned:  make(map[consensus.CommandID]consensus.Dot),
		forwarded: make(map[consensus.CommandID]consensus.Command),
		timers:    make(map[consensus.TimerID]timer),
	}, nil
}

// ID returns the process running the protocol.
func (p *Protocol) ID() consensus.ProcessID { return p.id }

// Leader returns the process that assigns slots.
func (p *Protocol) Leader() consensus.ProcessID { return p.leader }

// Stats returns the protocol counters.
func (p *Protocol) Stats() consensus.Stats { return p.stats }

// Instance returns a view of a slot.
func (p *Protocol) Instance(dot consensus.Dot) (consensus.InstanceInfo, bool) {
	s, ok := p.slots[dot]
	if !ok {
		return consensus.InstanceInfo{}, false
	}
	return consensus.InstanceInfo{
		Dot:     dot,
		Status:  s.status,
		Ballot:  p.ballot,
		Command: s.cmd,
		Deps:    s.deps,
	}, true
}

// Executed marks a committed slot as executed.
func (p *Protocol) Executed(dot consensus.Dot) {
	if s, ok := p.slots[dot]; ok && s.status == consensus.StatusCommitted {
		s.status = consensus.StatusExecuted
	}
}

// Submit assigns cmd a slot at the leader. Followers forward it and return a
// zero dot.
func (p *Protocol) Submit(cmd consensus.Command) (consensus.Dot, []consensus.Action, error) {
	if p.id != p.leader {
		p.forwarded[cmd.ID] = cmd
		p.nextTimer++
		p.timers[p.nextTimer] = timer{forward: cmd.ID}
		return consensus.Dot{}, []consensus.Action{
			p.send(p.leader, consensus.Dot{}, MForward{Cmd: cmd}),
			consensus.ScheduleTimer{Timer: p.nextTimer, Delay: p.opts.CommitTimeout},
		}, nil
	}
	dot, actions := p.propose(cmd)
	return dot, actions, nil
}

// propose assigns the next slot to cmd.
func (p *Protocol) propose(cmd consensus.Command) (consensus.Dot, []consensus.Action) {
	if dot, ok := p.assigned[cmd.ID]; ok && !cmd.ID.IsZero() {
		return dot, nil
	}
	p.next++
	dot := consensus.Dot{Process: p.leader, Seq: p.next}
	deps := []consensus.Dot{}
	if p.next > 1 {
		deps = append(deps, consensus.Dot{Process: p.leader, Seq: p.next - 1})
	}
	s := &slot{
		dot:    dot,
		status: consensus.StatusAccepted,
		cmd:    cmd,
		deps:   deps,
		acks:   map[consensus.ProcessID]struct{}{p.id: {}},
	}
	p.slots[dot] = s
	if !cmd.ID.IsZero() {
		p.assigned[cmd.ID] = dot
	}

	actions := []consensus.Action{
		p.broadcast(dot, MAccept{Cmd: cmd, Deps: deps}),
		p.arm(dot),
	}
	return dot, append(actions, p.tryCommit(s)...)
}

// HandleMessage advances the slot msg refers to.
func (p *Protocol) HandleMessage(msg consensus.Message) ([]consensus.Action, error) {
	if msg.From < 1 || int(msg.From) > p.q.N {
		return nil, &errors.Error{
			Code: errors.ENotFound,
			Op:   "fpaxos.HandleMessage",
			Msg:  fmt.Sprintf("%s from unknown process %d", msg.Type(), msg.From),
		}
	}
	if msg.Ballot.Less(p.ballot) {
		p.stats.StaleDrops++
		return nil, &errors.Error{
			Code: errors.EConflict,
			Op:   "fpaxos.HandleMessage",
			Msg:  fmt.Sprintf("stale %s from %d: ballot %s below %s", msg.Type(), msg.From, msg.Ballot, p.ballot),
		}
	}

	switch m := msg.Body.(type) {
	case MForward:
		if p.id != p.leader {
			return nil, &errors.Error{
				Code: errors.EUnavailable,
				Op:   "fpaxos.HandleMessage",
				Msg:  fmt.Sprintf("process %d is not the leader", p.id),
			}
		}
		if dot, ok := p.assigned[m.Cmd.ID]; ok {
			if s := p.slots[dot]; s.status >= consensus.StatusCommitted {
				return []consensus.Action{p.send(msg.From, dot, MCommit{Cmd: s.cmd, Deps: s.deps})}, nil
			}
			return nil, nil
		}
		_, actions := p.propose(m.Cmd)
		return actions, nil
	case MAccept:
		s, ok := p.slots[msg.Dot]
		if !ok {
			s = &slot{dot: msg.Dot}
			p.slots[msg.Dot] = s
		}
		actions := []consensus.Action{p.send(msg.From, msg.Dot, MAcceptAck{})}
		if s.status < consensus.StatusAccepted {
			s.status = consensus.StatusAccepted
			s.cmd, s.deps = m.Cmd, m.Deps
			actions = append(actions, p.arm(msg.Dot))
		}
		return actions, nil
	case MAcceptAck:
		s, ok := p.slots[msg.Dot]
		if !ok || p.id != p.leader {
			return nil, &errors.Error{
				Code: errors.ENotFound,
				Op:   "fpaxos.HandleMessage",
				Msg:  fmt.Sprintf("ack for unknown slot %s", msg.Dot),
			}
		}
		if s.status >= consensus.StatusCommitted {
			// The follower missed the commit.
			return []consensus.Action{p.send(msg.From, s.dot, MCommit{Cmd: s.cmd, Deps: s.deps})}, nil
		}
		s.acks[msg.From] = struct{}{}
		return p.tryCommit(s), nil
	case MCommit:
		s, ok := p.slots[msg.Dot]
		if !ok {
			s = &slot{dot: msg.Dot}
			p.slots[msg.Dot] = s
		}
		return p.learn(s, m.Cmd, m.Deps), nil
	default:
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "fpaxos.HandleMessage",
			Msg:  fmt.Sprintf("unexpected message %s", msg.Type()),
		}
	}
}

// HandleTimeout retransmits whatever the timer guards.
func (p *Protocol) HandleTimeout(id consensus.TimerID) ([]consensus.Action, error) {
	t, ok := p.timers[id]
	if !ok {
		return nil, &errors.Error{
			Code: errors.ENotFound,
			Op:   "fpaxos.HandleTimeout",
			Msg:  fmt.Sprintf("unknown timer %d", id),
		}
	}
	delete(p.timers, id)

	if t.dot.IsZero() {
		cmd, ok := p.forwarded[t.forward]
		if !ok {
			return nil, nil
		}
		p.nextTimer++
		p.timers[p.nextTimer] = timer{forward: t.forward}
		return []consensus.Action{
			p.send(p.leader, consensus.Dot{}, MForward{Cmd: cmd}),
			consensus.ScheduleTimer{Timer: p.nextTimer, Delay: p.opts.CommitTimeout},
		}, nil
	}

	s := p.slots[t.dot]
	if s.status >= consensus.StatusCommitted {
		return nil, nil
	}
	if p.id == p.leader {
		var actions []consensus.Action
		for _, to := range p.q.Processes() {
			if _, ok := s.acks[to]; ok {
				continue
			}
			actions = append(actions, p.send(to, s.dot, MAccept{Cmd: s.cmd, Deps: s.deps}))
		}
		return append(actions, p.arm(s.dot)), nil
	}
	return []consensus.Action{
		p.send(p.leader, s.dot, MAcceptAck{}),
		p.arm(s.dot),
	}, nil
}

func (p *Protocol) tryCommit(s *slot) []consensus.Action {
	if len(s.acks) < p.q.FastQuorumSize() {
		return nil
	}
	p.stats.SlowPaths++
	actions := p.learn(s, s.cmd, s.deps)
	return append(actions, p.broadcast(s.dot, MCommit{Cmd: s.cmd, Deps: s.deps}))
}

func (p *Protocol) learn(s *slot, cmd consensus.Command, deps []consensus.Dot) []consensus.Action {
	if s.status >= consensus.StatusCommitted {
		return nil
	}
	s.status = consensus.StatusCommitted
	s.cmd, s.deps = cmd, deps
	s.acks = nil
	delete(p.forwarded, cmd.ID)

	p.logger.Debug("Slot committed", zap.Stringer("dot", s.dot), zap.Stringer("command", cmd))
	return []consensus.Action{consensus.CommitToExecutor{Commit: consensus.Commit{
		Dot:     s.dot,
		Command: cmd,
		Deps:    deps,
	}}}
}

func (p *Protocol) arm(dot consensus.Dot) consensus.Action {
	p.nextTimer++
	p.timers[p.nextTimer] = timer{dot: dot}
	return consensus.ScheduleTimer{Timer: p.nextTimer, Delay: p.opts.CommitTimeout}
}

func (p *Protocol) send(to consensus.ProcessID, dot consensus.Dot, body interface{}) consensus.Action {
	return consensus.SendMessage{To: to, Message: consensus.Message{
		From:   p.id,
		To:     to,
		Ballot: p.ballot,
		Dot:    dot,
		Body:   body,
	}}
}

func (p *Protocol) broadcast(dot consensus.Dot, body interface{}) consensus.Action {
	return consensus.BroadcastMessage{Message: consensus.Message{
		From:   p.id,
		Ballot: p.ballot,
		Dot:    dot,
		Body:   body,
	}}
}
