package process_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/executor"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/kit/prom/promtest"
	"github.com/influxdata/consensus/mock"
	"github.com/influxdata/consensus/process"
	"github.com/influxdata/consensus/protocol"
	"github.com/influxdata/consensus/store"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func write(seq uint64, key string, v consensus.Value) consensus.Command {
	return consensus.MustCommand(consensus.CommandID{Client: 1, Seq: seq},
		consensus.KeyOp{Key: consensus.Key(key), Op: consensus.Put(v)})
}

func registry(d *process.Driver) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(d.PrometheusCollectors()...)
	return reg
}

func done(f *process.Future) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func TestDriver_Submit(t *testing.T) {
	cmd := write(1, "x", 1)
	dot := consensus.Dot{Process: 1, Seq: 1}
	msg := consensus.Message{From: 1, To: 2, Dot: dot}

	proto := mock.NewProtocol(1)
	var executed []consensus.Dot
	proto.ExecutedFn = func(d consensus.Dot) { executed = append(executed, d) }
	proto.SubmitFn = func(c consensus.Command) (consensus.Dot, []consensus.Action, error) {
		return dot, []consensus.Action{
			consensus.SendMessage{To: 2, Message: msg},
			consensus.BroadcastMessage{Message: msg},
			consensus.ScheduleTimer{Timer: 7, Delay: time.Second},
			consensus.CommitToExecutor{Commit: consensus.Commit{Dot: dot, Command: c}},
		}, nil
	}
	transport, timers := mock.NewTransport(), mock.NewTimers()
	d := process.New(proto, transport, timers, mock.NewCommitSink(), process.WithLogger(zaptest.NewLogger(t)))

	f, err := d.Submit(cmd)
	require.NoError(t, err)
	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, res.ID)
	assert.Equal(t, cmd.ID, f.ID())

	sent, broadcast := transport.Messages()
	assert.Equal(t, []consensus.Message{msg}, sent)
	assert.Equal(t, []consensus.Message{msg}, broadcast)
	assert.Equal(t, map[consensus.TimerID]time.Duration{7: time.Second}, timers.Scheduled)
	assert.Equal(t, []consensus.Dot{dot}, executed)
	assert.Zero(t, d.Waiting())

	labels := map[string]string{"process": "1"}
	reg := registry(d)
	assert.Equal(t, 1.0, promtest.CounterValue(t, reg, "consensus_driver_submitted_total", labels))
	assert.Equal(t, 1.0, promtest.CounterValue(t, reg, "consensus_driver_commits_total", labels))
	assert.Equal(t, 1.0, promtest.CounterValue(t, reg, "consensus_driver_executed_total", labels))
}

func TestDriver_SubmitSameCommand(t *testing.T) {
	proto := mock.NewProtocol(1)
	submits := 0
	proto.SubmitFn = func(consensus.Command) (consensus.Dot, []consensus.Action, error) {
		submits++
		return consensus.Dot{Process: 1, Seq: uint64(submits)}, nil, nil
	}
	sink := mock.NewCommitSink()
	d := process.New(proto, mock.NewTransport(), mock.NewTimers(), sink)

	cmd := write(1, "x", 1)
	f1, err := d.Submit(cmd)
	require.NoError(t, err)
	f2, err := d.Submit(cmd)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.Equal(t, 1, submits)

	d.HandleExecuted([]consensus.Execution{{
		Dot:     consensus.Dot{Process: 1, Seq: 1},
		Command: cmd,
		Result:  consensus.Result{ID: cmd.ID, Values: []consensus.KeyValue{{Key: "x"}}},
	}})
	require.True(t, done(f1))

	// A retry after execution gets the same result without a new instance.
	f3, err := d.Submit(cmd)
	require.NoError(t, err)
	require.True(t, done(f3))
	r1, _ := f1.Wait(context.Background())
	r3, _ := f3.Wait(context.Background())
	assert.Equal(t, r1, r3)
	assert.Equal(t, 1, submits)

	_, err = d.Submit(consensus.NoopCommand(consensus.CommandID{}))
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func TestDriver_ResultCacheIsBounded(t *testing.T) {
	proto := mock.NewProtocol(1)
	submits := 0
	proto.SubmitFn = func(consensus.Command) (consensus.Dot, []consensus.Action, error) {
		submits++
		return consensus.Dot{Process: 1, Seq: uint64(submits)}, nil, nil
	}
	d := process.New(proto, mock.NewTransport(), mock.NewTimers(), mock.NewCommitSink(),
		process.WithResultCacheSize(2))

	for seq := uint64(1); seq <= 3; seq++ {
		cmd := write(seq, "x", consensus.Value(seq))
		f, err := d.Submit(cmd)
		require.NoError(t, err)
		d.HandleExecuted([]consensus.Execution{{
			Dot:     consensus.Dot{Process: 1, Seq: seq},
			Command: cmd,
			Result:  consensus.Result{ID: cmd.ID},
		}})
		require.True(t, done(f))
	}
	assert.Equal(t, 2, d.Cached())
	assert.Equal(t, 0, d.Waiting())

	// The most recent results still answer retries.
	f, err := d.Submit(write(3, "x", 3))
	require.NoError(t, err)
	assert.True(t, done(f))
	assert.Equal(t, 3, submits)

	// The oldest was ejected, so a retry proposes the command again.
	f, err = d.Submit(write(1, "x", 1))
	require.NoError(t, err)
	assert.False(t, done(f))
	assert.Equal(t, 4, submits)
}

func TestDriver_CommitsForwardedOnce(t *testing.T) {
	dot := consensus.Dot{Process: 2, Seq: 1}
	commit := consensus.CommitToExecutor{Commit: consensus.Commit{Dot: dot, Command: write(1, "x", 1)}}

	proto := mock.NewProtocol(1)
	proto.HandleMessageFn = func(consensus.Message) ([]consensus.Action, error) {
		return []consensus.Action{commit}, nil
	}
	sink := mock.NewCommitSink()
	var commits []consensus.Dot
	sink.CommitFn = func(c consensus.Commit) ([]consensus.Execution, error) {
		commits = append(commits, c.Dot)
		return nil, nil
	}
	d := process.New(proto, mock.NewTransport(), mock.NewTimers(), sink)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.HandleMessage(consensus.Message{From: 2, To: 1, Dot: dot}))
	}
	assert.Equal(t, []consensus.Dot{dot}, commits)
	assert.Equal(t, 2.0, promtest.CounterValue(t, registry(d), "consensus_driver_duplicate_commits_total",
		map[string]string{"process": "1"}))
}

func TestDriver_DropsRejectedMessages(t *testing.T) {
	proto := mock.NewProtocol(3)
	proto.HandleMessageFn = func(consensus.Message) ([]consensus.Action, error) {
		return nil, &errors.Error{Code: errors.EConflict, Msg: "stale"}
	}
	proto.HandleTimeoutFn = func(consensus.TimerID) ([]consensus.Action, error) {
		return nil, &errors.Error{Code: errors.ENotFound, Msg: "unknown timer"}
	}
	d := process.New(proto, mock.NewTransport(), mock.NewTimers(), mock.NewCommitSink(),
		process.WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, d.HandleMessage(consensus.Message{From: 1, To: 3}))
	require.NoError(t, d.HandleTimeout(9))
	require.NoError(t, d.Err())

	reg := registry(d)
	assert.Equal(t, 1.0, promtest.CounterValue(t, reg, "consensus_driver_dropped_total",
		map[string]string{"process": "3", "reason": errors.EConflict}))
	assert.Equal(t, 1.0, promtest.CounterValue(t, reg, "consensus_driver_dropped_total",
		map[string]string{"process": "3", "reason": errors.ENotFound}))
	assert.Equal(t, 1.0, promtest.CounterValue(t, reg, "consensus_driver_timeouts_total",
		map[string]string{"process": "3"}))
}

func TestDriver_FatalExecutorError(t *testing.T) {
	cmd := write(1, "x", 1)
	proto := mock.NewProtocol(1)
	proto.SubmitFn = func(consensus.Command) (consensus.Dot, []consensus.Action, error) {
		return consensus.Dot{Process: 1, Seq: 1}, nil, nil
	}
	proto.HandleMessageFn = func(msg consensus.Message) ([]consensus.Action, error) {
		return []consensus.Action{consensus.CommitToExecutor{Commit: consensus.Commit{Dot: msg.Dot, Command: cmd}}}, nil
	}
	sink := mock.NewCommitSink()
	sink.CommitFn = func(c consensus.Commit) ([]consensus.Execution, error) {
		return nil, executor.ErrDuplicateCommit
	}
	d := process.New(proto, mock.NewTransport(), mock.NewTimers(), sink)

	f, err := d.Submit(cmd)
	require.NoError(t, err)

	err = d.HandleMessage(consensus.Message{From: 2, To: 1, Dot: consensus.Dot{Process: 1, Seq: 1}})
	require.Error(t, err)
	assert.Equal(t, executor.ErrDuplicateCommit, pkgerrors.Cause(err))
	assert.Equal(t, errors.EInternal, errors.ErrorCode(d.Err()))

	_, ferr := f.Wait(context.Background())
	assert.Error(t, ferr)

	assert.Equal(t, process.ErrDriverFailed, d.HandleMessage(consensus.Message{From: 2, To: 1}))
	assert.Equal(t, process.ErrDriverFailed, d.HandleTimeout(1))
	_, err = d.Submit(write(2, "y", 1))
	assert.Equal(t, process.ErrDriverFailed, err)
}

func TestFuture_WaitCanceled(t *testing.T) {
	d := process.New(mock.NewProtocol(1), mock.NewTransport(), mock.NewTimers(), mock.NewCommitSink())
	f, err := d.Submit(write(1, "x", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Wait(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 1, d.Waiting())
}

func TestClockTimers(t *testing.T) {
	clk := clock.NewMock()
	fired := make(chan consensus.TimerID, 4)
	timers := process.NewClockTimers(clk, func(id consensus.TimerID) { fired <- id })

	timers.Schedule(1, 10*time.Millisecond)
	timers.Schedule(2, time.Second)
	assert.Equal(t, 2, timers.Pending())

	clk.Add(20 * time.Millisecond)
	select {
	case id := <-fired:
		assert.Equal(t, consensus.TimerID(1), id)
	case <-time.After(time.Second):
		t.Fatal("timer 1 did not fire")
	}

	timers.Stop()
	timers.Schedule(3, time.Millisecond)
	clk.Add(2 * time.Second)
	assert.Zero(t, timers.Pending())
	select {
	case id := <-fired:
		t.Fatalf("timer %d fired after Stop", id)
	case <-time.After(10 * time.Millisecond):
	}
}

// bus queues messages between drivers so that no driver is re-entered while
// it holds its lock.
type bus struct {
	drivers map[consensus.ProcessID]*process.Driver
	queue   []consensus.Message
}

func (b *bus) transport() process.Transport {
	t := mock.NewTransport()
	t.SendFn = func(msg consensus.Message) { b.queue = append(b.queue, msg) }
	t.BroadcastFn = func(msg consensus.Message) {
		for id := consensus.ProcessID(1); int(id) <= len(b.drivers); id++ {
			if id != msg.From {
				m := msg
				m.To = id
				b.queue = append(b.queue, m)
			}
		}
	}
	return t
}

func (b *bus) pump(t *testing.T) {
	for len(b.queue) > 0 {
		m := b.queue[0]
		b.queue = b.queue[1:]
		require.NoError(t, b.drivers[m.To].HandleMessage(m))
	}
}

func TestDriver_Replicates(t *testing.T) {
	for _, variant := range []consensus.Variant{consensus.EPaxos, consensus.Atlas, consensus.FPaxos} {
		t.Run(variant.String(), func(t *testing.T) {
			q, err := consensus.Configure(variant, 3, 1)
			require.NoError(t, err)

			b := &bus{drivers: make(map[consensus.ProcessID]*process.Driver)}
			stores := make(map[consensus.ProcessID]*store.Store)
			for _, id := range q.Processes() {
				p, err := protocol.New(variant, id, q, protocol.Options{Logger: zaptest.NewLogger(t)})
				require.NoError(t, err)
				stores[id] = store.New()
				exec := executor.New(stores[id])
				b.drivers[id] = process.New(p, b.transport(), mock.NewTimers(), exec)
			}

			var futures []*process.Future
			for seq, id := range []consensus.ProcessID{1, 2, 3} {
				f, err := b.drivers[id].Submit(write(uint64(seq+1), "x", consensus.Value(seq+1)))
				require.NoError(t, err)
				futures = append(futures, f)
				b.pump(t)
			}

			for _, f := range futures {
				require.True(t, done(f), "command %s not executed", f.ID())
			}
			for _, id := range q.Processes() {
				v, ok := stores[id].Get("x")
				require.True(t, ok)
				assert.Equal(t, consensus.Value(3), v)
				assert.Equal(t, stores[1].Checksum(), stores[id].Checksum())
			}
		})
	}
}
