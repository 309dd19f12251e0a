package leaderless

import (
	"fmt"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/executor"
	"github.com/influxdata/consensus/kit/platform/errors"
	"go.uber.org/zap"
)

// collector tracks what every process executed. An instance executed by
// every process is dropped: nobody can ask about it again.
type collector struct {
	n        int
	executed *executor.ExecutedClock
	peers    map[consensus.ProcessID][]uint64
	pruned   map[consensus.ProcessID]uint64
	sent     []uint64
	armed    bool
}

func newCollector(n int) *collector {
	return &collector{
		n:        n,
		executed: executor.NewExecutedClock(),
		peers:    make(map[consensus.ProcessID][]uint64),
		pruned:   make(map[consensus.ProcessID]uint64),
	}
}

// frontier returns, per process, the highest sequence up to which every
// instance of that process executed here.
func (c *collector) frontier() []uint64 {
	f := make([]uint64, c.n)
	for i := range f {
		f[i] = c.executed.Frontier(consensus.ProcessID(i + 1))
	}
	return f
}

// stable returns the highest sequence of origin executed everywhere.
func (c *collector) stable(self, origin consensus.ProcessID) uint64 {
	low := c.executed.Frontier(origin)
	for id := consensus.ProcessID(1); int(id) <= c.n; id++ {
		if id == self {
			continue
		}
		if s := at(c.peers[id], origin); s < low {
			low = s
		}
	}
	return low
}

func (c *collector) collected(dot consensus.Dot) bool {
	return dot.Seq <= c.pruned[dot.Process]
}

func at(f []uint64, p consensus.ProcessID) uint64 {
	if int(p) > len(f) {
		return 0
	}
	return f[p-1]
}

func sameFrontier(a, b []uint64, n int) bool {
	for p := consensus.ProcessID(1); int(p) <= n; p++ {
		if at(a, p) != at(b, p) {
			return false
		}
	}
	return true
}

// armGC schedules the next exchange of executed frontiers while this
// process holds instances.
func (p *Protocol) armGC() []consensus.Action {
	if p.gc.armed || len(p.instances) == 0 {
		return nil
	}
	p.gc.armed = true
	p.nextTimer++
	p.timers[p.nextTimer] = timer{gc: true}
	return []consensus.Action{consensus.ScheduleTimer{Timer: p.nextTimer, Delay: p.opts.GCInterval}}
}

// gcTimeout sends the executed frontier to every other process. It stops
// once there is nothing left to collect and nothing new to tell.
func (p *Protocol) gcTimeout() []consensus.Action {
	p.gc.armed = false
	frontier := p.gc.frontier()
	if len(p.instances) == 0 && sameFrontier(frontier, p.gc.sent, p.q.N) {
		return nil
	}
	p.gc.sent = frontier

	var actions []consensus.Action
	for _, to := range p.q.Processes() {
		if to == p.id {
			continue
		}
		actions = append(actions, p.sendStable(to, frontier))
	}
	p.prune()
	return append(actions, p.armGC()...)
}

func (p *Protocol) handleStable(msg consensus.Message, m MStable) ([]consensus.Action, error) {
	if !p.known(msg.From) || len(m.Frontier) != p.q.N {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "leaderless.HandleMessage",
			Msg:  fmt.Sprintf("%s from %d with %d entries", msg.Type(), msg.From, len(m.Frontier)),
		}
	}
	known, ok := p.gc.peers[msg.From]
	if !ok {
		known = make([]uint64, p.q.N)
		p.gc.peers[msg.From] = known
	}
	for i, s := range m.Frontier {
		if s > known[i] {
			known[i] = s
		}
	}
	p.prune()

	// The sender has an outdated view of this process.
	frontier := p.gc.frontier()
	if sameFrontier(m.Known, frontier, p.q.N) {
		return nil, nil
	}
	return []consensus.Action{p.sendStable(msg.From, frontier)}, nil
}

func (p *Protocol) sendStable(to consensus.ProcessID, frontier []uint64) consensus.Action {
	known := make([]uint64, p.q.N)
	copy(known, p.gc.peers[to])
	return consensus.SendMessage{To: to, Message: consensus.Message{
		From: p.id,
		To:   to,
		Body: MStable{Frontier: frontier, Known: known},
	}}
}

// prune drops the instances every process executed.
func (p *Protocol) prune() {
	dropped := 0
	for _, origin := range p.q.Processes() {
		stable := p.gc.stable(p.id, origin)
		for seq := p.gc.pruned[origin] + 1; seq <= stable; seq++ {
			if _, ok := p.instances[consensus.Dot{Process: origin, Seq: seq}]; ok {
				delete(p.instances, consensus.Dot{Process: origin, Seq: seq})
				dropped++
			}
		}
		if stable > p.gc.pruned[origin] {
			p.gc.pruned[origin] = stable
		}
	}
	if dropped > 0 {
		p.logger.Debug("Collected instances", zap.Int("dropped", dropped), zap.Int("remaining", len(p.instances)))
	}
}
