package fpaxos

import (
	"testing"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/protocol/protocoltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newNetwork(t *testing.T, n, f int) (*protocoltest.Network, map[consensus.ProcessID]*Protocol) {
	t.Helper()
	q, err := consensus.Configure(consensus.FPaxos, n, f)
	require.NoError(t, err)

	procs := make(map[consensus.ProcessID]*Protocol)
	var all []consensus.Protocol
	for _, id := range q.Processes() {
		p, err := New(id, q, Options{Logger: zaptest.NewLogger(t)})
		require.NoError(t, err)
		procs[id] = p
		all = append(all, p)
	}
	return protocoltest.New(t, all...), procs
}

func put(seq uint64, key string) consensus.Command {
	return consensus.MustCommand(consensus.CommandID{Client: 3, Seq: seq},
		consensus.KeyOp{Key: consensus.Key(key), Op: consensus.Put(consensus.Value(seq))})
}

func slotDot(seq uint64) consensus.Dot {
	return consensus.Dot{Process: 1, Seq: seq}
}

func TestFPaxos_LeaderCommits(t *testing.T) {
	net, procs := newNetwork(t, 3, 1)
	dot := net.Submit(1, put(1, "x"))
	assert.Equal(t, slotDot(1), dot)
	net.Deliver()

	c := net.AssertAgreement(dot, 1, 2, 3)
	assert.Equal(t, put(1, "x"), c.Command)
	assert.Empty(t, c.Deps)
	assert.Equal(t, uint64(1), procs[1].Stats().SlowPaths)
	assert.Zero(t, procs[1].Stats().FastPaths)

	info, ok := procs[3].Instance(dot)
	require.True(t, ok)
	assert.Equal(t, consensus.StatusCommitted, info.Status)
	procs[3].Executed(dot)
	info, _ = procs[3].Instance(dot)
	assert.Equal(t, consensus.StatusExecuted, info.Status)
}

func TestFPaxos_SlotsChain(t *testing.T) {
	net, _ := newNetwork(t, 5, 2)
	for seq := uint64(1); seq <= 3; seq++ {
		net.Submit(1, put(seq, "k"+string(rune('a'+seq))))
	}
	net.Deliver()

	assert.Empty(t, net.AssertAgreement(slotDot(1), 1, 2, 3, 4, 5).Deps)
	assert.Equal(t, []consensus.Dot{slotDot(1)}, net.AssertAgreement(slotDot(2), 1, 2, 3, 4, 5).Deps)
	assert.Equal(t, []consensus.Dot{slotDot(2)}, net.AssertAgreement(slotDot(3), 1, 2, 3, 4, 5).Deps)
}

func TestFPaxos_FollowerForwards(t *testing.T) {
	net, procs := newNetwork(t, 3, 1)
	dot := net.Submit(2, put(1, "x"))
	assert.True(t, dot.IsZero())

	// The forward is retransmitted before the leader saw the first one.
	net.Fire(2)
	net.Deliver()

	c := net.AssertAgreement(slotDot(1), 1, 2, 3)
	assert.Equal(t, put(1, "x"), c.Command)
	assert.Len(t, net.Commits[1], 1)
	_, ok := procs[1].Instance(slotDot(2))
	assert.False(t, ok)

	// Once committed the follower stops retransmitting.
	net.Fire(2)
	assert.Empty(t, net.Queue)
}

func TestFPaxos_ForwardOfCommittedCommand(t *testing.T) {
	net, _ := newNetwork(t, 3, 1)
	net.Drop = func(m consensus.Message) bool {
		_, ok := m.Body.(MCommit)
		return ok && m.To == 2
	}
	net.Submit(2, put(1, "x"))
	net.Deliver()
	_, count := net.Committed(2, slotDot(1))
	require.Zero(t, count)

	net.Drop = func(consensus.Message) bool { return false }
	net.Fire(2)
	net.Deliver()
	net.AssertAgreement(slotDot(1), 1, 2, 3)
}

func TestFPaxos_LeaderRetransmits(t *testing.T) {
	net, _ := newNetwork(t, 3, 1)
	lossy := true
	net.Drop = func(m consensus.Message) bool {
		_, ok := m.Body.(MAccept)
		return ok && lossy
	}
	dot := net.Submit(1, put(1, "x"))
	net.Deliver()
	_, count := net.Committed(1, dot)
	require.Zero(t, count)

	lossy = false
	net.Fire(1)
	net.Deliver()
	net.AssertAgreement(dot, 1, 2, 3)
}

func TestFPaxos_FollowerMissedCommit(t *testing.T) {
	net, _ := newNetwork(t, 3, 1)
	net.Drop = func(m consensus.Message) bool {
		_, ok := m.Body.(MCommit)
		return ok && m.To == 3
	}
	dot := net.Submit(1, put(1, "x"))
	net.Deliver()
	_, count := net.Committed(3, dot)
	require.Zero(t, count)

	// The follower repeats its vote and the leader answers with the commit.
	net.Drop = func(consensus.Message) bool { return false }
	net.Fire(3)
	net.Deliver()
	net.AssertAgreement(dot, 1, 2, 3)
}

func TestFPaxos_NoLeaderChange(t *testing.T) {
	net, procs := newNetwork(t, 3, 1)
	down := true
	net.Drop = func(m consensus.Message) bool {
		return down && (m.From == 1 || m.To == 1)
	}

	net.Submit(2, put(1, "x"))
	net.Deliver()
	for i := 0; i < 3; i++ {
		net.Fire(2)
		net.Deliver()
	}
	_, count := net.Committed(2, slotDot(1))
	assert.Zero(t, count)
	assert.Equal(t, consensus.ProcessID(1), procs[2].Leader())
	assert.Equal(t, consensus.ProcessID(1), procs[3].Leader())
	require.Len(t, net.Timers[2], 1)

	down = false
	net.Fire(2)
	net.Deliver()
	net.AssertAgreement(slotDot(1), 1, 2, 3)
}

func TestFPaxos_Errors(t *testing.T) {
	_, procs := newNetwork(t, 3, 1)

	_, err := procs[2].HandleMessage(consensus.Message{
		From: 1, To: 2, Ballot: consensus.Ballot{}, Dot: slotDot(1), Body: MAccept{Cmd: put(1, "x")},
	})
	assert.Equal(t, errors.EConflict, errors.ErrorCode(err))
	assert.Equal(t, uint64(1), procs[2].Stats().StaleDrops)

	_, err = procs[2].HandleMessage(consensus.Message{
		From: 3, To: 2, Ballot: consensus.Ballot{Process: 1}, Body: MForward{Cmd: put(1, "x")},
	})
	assert.Equal(t, errors.EUnavailable, errors.ErrorCode(err))
	assert.True(t, errors.IsTransient(err))

	_, err = procs[1].HandleMessage(consensus.Message{
		From: 9, To: 1, Ballot: consensus.Ballot{Process: 1}, Body: MAcceptAck{},
	})
	assert.Equal(t, errors.ENotFound, errors.ErrorCode(err))

	_, err = procs[1].HandleTimeout(42)
	assert.Equal(t, errors.ENotFound, errors.ErrorCode(err))
}

func TestNew_Invalid(t *testing.T) {
	q, err := consensus.Configure(consensus.EPaxos, 3, 1)
	require.NoError(t, err)
	_, err = New(1, q, Options{})
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))

	q, err = consensus.Configure(consensus.FPaxos, 3, 1)
	require.NoError(t, err)
	_, err = New(0, q, Options{})
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}
