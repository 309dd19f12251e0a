// Package protocoltest runs protocols against each other without a process
// driver. It is only intended to be used from tests.
package protocoltest

import (
	"sort"
	"testing"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Network delivers the actions of a set of protocols in FIFO order. Timers
// only fire when the test asks.
type Network struct {
	TB      testing.TB
	Procs   map[consensus.ProcessID]consensus.Protocol
	Queue   []consensus.Message
	Timers  map[consensus.ProcessID][]consensus.TimerID
	Commits map[consensus.ProcessID][]consensus.Commit

	// Drop discards a message instead of delivering it when it returns true.
	Drop func(consensus.Message) bool
}

// New returns a network connecting procs.
func New(tb testing.TB, procs ...consensus.Protocol) *Network {
	n := &Network{
		TB:      tb,
		Procs:   make(map[consensus.ProcessID]consensus.Protocol, len(procs)),
		Timers:  make(map[consensus.ProcessID][]consensus.TimerID),
		Commits: make(map[consensus.ProcessID][]consensus.Commit),
		Drop:    func(consensus.Message) bool { return false },
	}
	for _, p := range procs {
		n.Procs[p.ID()] = p
	}
	return n
}

// Submit submits cmd at process p.
func (n *Network) Submit(p consensus.ProcessID, cmd consensus.Command) consensus.Dot {
	n.TB.Helper()
	dot, actions, err := n.Procs[p].Submit(cmd)
	require.NoError(n.TB, err)
	n.Apply(p, actions)
	return dot
}

// Apply performs the actions requested by process from.
func (n *Network) Apply(from consensus.ProcessID, actions []consensus.Action) {
	for _, a := range actions {
		switch a := a.(type) {
		case consensus.SendMessage:
			n.Queue = append(n.Queue, a.Message)
		case consensus.BroadcastMessage:
			for _, id := range n.ids() {
				if id == from {
					continue
				}
				m := a.Message
				m.To = id
				n.Queue = append(n.Queue, m)
			}
		case consensus.ScheduleTimer:
			n.Timers[from] = append(n.Timers[from], a.Timer)
		case consensus.CommitToExecutor:
			n.Commits[from] = append(n.Commits[from], a.Commit)
		}
	}
}

// Deliver runs until no message is in flight. Stale messages are tolerated;
// any other protocol error fails the test.
func (n *Network) Deliver() {
	n.TB.Helper()
	for len(n.Queue) > 0 {
		m := n.Queue[0]
		n.Queue = n.Queue[1:]
		if n.Drop(m) {
			continue
		}
		actions, err := n.Procs[m.To].HandleMessage(m)
		if err != nil && errors.ErrorCode(err) != errors.EConflict {
			n.TB.Fatalf("process %d handling %s: %v", m.To, m.Type(), err)
		}
		n.Apply(m.To, actions)
	}
}

// Fire runs every timer armed so far by process p.
func (n *Network) Fire(p consensus.ProcessID) {
	n.TB.Helper()
	ids := n.Timers[p]
	n.Timers[p] = nil
	for _, id := range ids {
		actions, err := n.Procs[p].HandleTimeout(id)
		require.NoError(n.TB, err)
		n.Apply(p, actions)
	}
}

// Committed returns the commit of dot at process p and how many times p
// committed it.
func (n *Network) Committed(p consensus.ProcessID, dot consensus.Dot) (consensus.Commit, int) {
	var found consensus.Commit
	count := 0
	for _, c := range n.Commits[p] {
		if c.Dot == dot {
			found = c
			count++
		}
	}
	return found, count
}

// AssertAgreement checks that every listed process committed dot exactly
// once and with the same value, and returns that value.
func (n *Network) AssertAgreement(dot consensus.Dot, processes ...consensus.ProcessID) consensus.Commit {
	n.TB.Helper()
	var first consensus.Commit
	for i, p := range processes {
		c, count := n.Committed(p, dot)
		require.Equal(n.TB, 1, count, "process %d commits of %s", p, dot)
		if i == 0 {
			first = c
			continue
		}
		assert.Equal(n.TB, first, c, "process %d disagrees on %s", p, dot)
	}
	return first
}

func (n *Network) ids() []consensus.ProcessID {
	ids := make([]consensus.ProcessID, 0, len(n.Procs))
	for id := range n.Procs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
