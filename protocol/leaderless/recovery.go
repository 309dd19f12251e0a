package leaderless

import (
	"sort"

	"github.com/influxdata/consensus"
	"go.uber.org/zap"
)

// startRecovery takes over an instance whose coordinator went silent.
func (p *Protocol) startRecovery(inst *instance) []consensus.Action {
	p.stats.Recoveries++
	p.logger.Debug("Recovering instance",
		zap.Stringer("dot", inst.dot),
		zap.Stringer("status", inst.status),
		zap.Stringer("ballot", inst.ballot))
	return p.prepare(inst)
}

// prepare moves to the next ballot owned by this process and asks every
// process what it knows about the instance. Nothing is proposed at the new
// ballot before a slow quorum answered.
func (p *Protocol) prepare(inst *instance) []consensus.Action {
	inst.ballot = inst.ballot.Next(p.id)
	inst.coord = &coordination{
		phase:   phasePrepare,
		replies: map[consensus.ProcessID]reply{p.id: selfReply(inst)},
	}
	actions := []consensus.Action{
		p.broadcast(inst, MPrepare{}),
		p.arm(inst, false, p.opts.RecoveryTimeout),
	}
	if len(inst.coord.replies) >= p.q.SlowQuorumSize() {
		actions = append(actions, p.recover(inst)...)
	}
	return actions
}

func (p *Protocol) handlePrepare(msg consensus.Message) ([]consensus.Action, error) {
	inst := p.instance(msg.Dot)
	if inst.status >= consensus.StatusCommitted {
		return p.sendCommit(msg.From, inst), nil
	}
	if !inst.ballot.Less(msg.Ballot) {
		return nil, p.stale(msg, inst)
	}
	actions := p.adopt(inst, msg.Ballot)

	ack := MPrepareAck{
		Status:    inst.status,
		AccBallot: inst.accBallot,
		HasCmd:    inst.hasCmd,
		Cmd:       inst.cmd,
		Deps:      inst.deps.Sorted(),
		Initial:   inst.initial,
	}
	actions = append(actions, p.send(msg.From, inst, ack))
	return append(actions, p.armRecovery(inst)...), nil
}

func (p *Protocol) handlePrepareAck(msg consensus.Message, m MPrepareAck) ([]consensus.Action, error) {
	inst, err := p.existing(msg)
	if err != nil {
		return nil, err
	}
	if msg.Ballot.Less(inst.ballot) {
		return nil, p.stale(msg, inst)
	}
	c := inst.coord
	if c == nil || c.phase != phasePrepare || msg.Ballot != inst.ballot {
		return nil, nil
	}
	c.replies[msg.From] = reply{
		status:    m.Status,
		accBallot: m.AccBallot,
		hasCmd:    m.HasCmd,
		cmd:       m.Cmd,
		deps:      consensus.NewDotSet(m.Deps...),
		initial:   m.Initial,
	}
	if len(c.replies) < p.q.SlowQuorumSize() {
		return nil, nil
	}
	return p.recover(inst), nil
}

// recover chooses the value of an instance from a slow quorum of prepare
// replies and proposes it on the slow path. In order of preference: the
// value accepted at the highest ballot, dependencies reported identically
// by enough processes in the initial ballot to have committed on the fast
// path, a new pre-accept round seeded with the union of the reported
// dependencies, and finally a no-op when nobody saw the command.
func (p *Protocol) recover(inst *instance) []consensus.Action {
	p.stats.SlowPaths++
	replies := inst.coord.replies
	from := make([]consensus.ProcessID, 0, len(replies))
	for id := range replies {
		from = append(from, id)
	}
	sort.Slice(from, func(i, j int) bool { return from[i] < from[j] })

	var best *reply
	for _, id := range from {
		r := replies[id]
		if r.status == consensus.StatusAccepted && (best == nil || best.accBallot.Less(r.accBallot)) {
			best = &r
		}
	}
	if best != nil {
		return p.accept(inst, best.cmd, best.deps.Clone())
	}

	threshold := max((p.q.N/2+1)/2, 1)
	var (
		groups []consensus.DotSet
		counts []int
	)
	for _, id := range from {
		r := replies[id]
		if !r.hasCmd || !r.initial || r.status != consensus.StatusPreAccepted || id == inst.dot.Process {
			continue
		}
		found := false
		for i, g := range groups {
			if g.Equal(r.deps) {
				counts[i]++
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, r.deps)
			counts = append(counts, 1)
		}
	}
	for i, g := range groups {
		if counts[i] >= threshold {
			return p.accept(inst, cmdOf(replies), g.Clone())
		}
	}

	union := consensus.NewDotSet()
	seen := false
	for _, id := range from {
		if r := replies[id]; r.hasCmd {
			seen = true
			union.Merge(r.deps)
		}
	}
	if seen {
		return p.repropose(inst, cmdOf(replies), union)
	}

	p.logger.Info("Nobody saw the command, committing a no-op", zap.Stringer("dot", inst.dot))
	return p.accept(inst, consensus.NoopCommand(consensus.CommandID{}), consensus.NewDotSet())
}

// repropose pre-accepts cmd again at the recovery ballot. The processes that
// answer add the conflicting commands they know of, which the replies to the
// prepare could not report for a command they never saw.
func (p *Protocol) repropose(inst *instance, cmd consensus.Command, deps consensus.DotSet) []consensus.Action {
	deps.Merge(p.keys.deps(cmd, inst.dot))
	inst.status = consensus.StatusPreAccepted
	inst.hasCmd, inst.cmd = true, cmd
	inst.deps = deps
	inst.initial = false
	p.index(inst)
	inst.coord = &coordination{
		phase:    phasePreAccept,
		proposed: deps.Clone(),
		replies:  map[consensus.ProcessID]reply{p.id: selfReply(inst)},
	}
	actions := []consensus.Action{p.broadcast(inst, MPreAccept{Cmd: cmd, Deps: deps.Sorted()})}
	return append(actions, p.tryPreAcceptQuorum(inst)...)
}

func cmdOf(replies map[consensus.ProcessID]reply) consensus.Command {
	for _, r := range replies {
		if r.hasCmd {
			return r.cmd
		}
	}
	return consensus.Command{}
}
