package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/kit/prom"
	"github.com/influxdata/consensus/kit/prom/promtest"
	"github.com/influxdata/consensus/process"
	"github.com/influxdata/consensus/store"
	"github.com/influxdata/consensus/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newCluster(t *testing.T, cfg consensus.Config) *Cluster {
	t.Helper()
	c, err := New(cfg, WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))))
	require.NoError(t, err)
	return c
}

// start runs c until the test ends and returns a function that stops it and
// returns the error Run returned.
func start(t *testing.T, c *Cluster) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	stopped := false
	var err error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			err = <-done
		}
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestCluster_Clients(t *testing.T) {
	for _, tc := range []struct {
		variant consensus.Variant
		n, f    int
	}{
		{consensus.EPaxos, 5, 2},
		{consensus.Atlas, 5, 1},
		{consensus.FPaxos, 3, 1},
	} {
		tc := tc
		t.Run(tc.variant.String(), func(t *testing.T) {
			cfg := NewConfig()
			cfg.Consensus.Protocol, cfg.Consensus.N, cfg.Consensus.F = tc.variant, tc.n, tc.f
			cfg.Clients = 3
			cfg.Workload = workload.Config{ConflictRate: 50, PoolSize: 2, KeysPerCommand: 1, Commands: 20}

			c := newCluster(t, cfg.Consensus)
			stop := start(t, c)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			report, err := RunClients(ctx, c, cfg)
			require.NoError(t, err)
			assert.Equal(t, 60, report.Commands)
			assert.Len(t, report.Latencies, 60)
			assert.LessOrEqual(t, report.Percentile(50), report.Percentile(99))
			assert.Greater(t, report.Throughput(), 0.0)

			require.Eventually(t, func() bool {
				for _, n := range c.Nodes() {
					if n.Executed() < 60 {
						return false
					}
				}
				return true
			}, 5*time.Second, 5*time.Millisecond)

			require.NoError(t, stop())

			want := c.Node(1).Store().Checksum()
			for _, n := range c.Nodes() {
				assert.Equal(t, 60, n.Store().AppliedCount(), "process %d", n.ID())
				assert.Equal(t, want, n.Store().Checksum(), "process %d", n.ID())
			}

			reg := prom.NewRegistry(zaptest.NewLogger(t))
			reg.MustRegister(c)
			var submitted float64
			for _, n := range c.Nodes() {
				submitted += promtest.CounterValue(t, reg, "consensus_driver_submitted_total",
					map[string]string{"process": fmt.Sprint(n.ID())})
			}
			assert.Equal(t, 60.0, submitted)
		})
	}
}

func TestCluster_SubmitBeforeRun(t *testing.T) {
	c := newCluster(t, consensus.NewConfig())

	cmd := consensus.MustCommand(consensus.CommandID{Client: 1, Seq: 1},
		consensus.KeyOp{Key: "x", Op: consensus.Put(7)})
	f, err := c.Submit(2, cmd)
	require.NoError(t, err)

	stop := start(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, n := range c.Nodes() {
			if n.Executed() < 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	for _, n := range c.Nodes() {
		v, ok := n.Store().Get("x")
		require.True(t, ok)
		assert.Equal(t, consensus.Value(7), v)
	}
}

// Submitting a command id a second time at another process makes every
// replica apply it twice. The executors fail and the cluster stops on its
// own with that error.
func TestCluster_ExecutorFailureStopsRun(t *testing.T) {
	c := newCluster(t, consensus.NewConfig())
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := consensus.MustCommand(consensus.CommandID{Client: 1, Seq: 1},
		consensus.KeyOp{Key: "x", Op: consensus.Put(1)})
	f, err := c.Submit(1, cmd)
	require.NoError(t, err)
	_, err = f.Wait(ctx)
	require.NoError(t, err)

	f, err = c.Submit(2, cmd)
	require.NoError(t, err)
	_, err = f.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrDuplicateApply)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrDuplicateApply)
	case <-ctx.Done():
		t.Fatal("cluster kept running after an executor failure")
	}

	assert.ErrorIs(t, c.Node(2).Driver().Err(), store.ErrDuplicateApply)
	_, err = c.Submit(2, consensus.MustCommand(consensus.CommandID{Client: 1, Seq: 2},
		consensus.KeyOp{Key: "y", Op: consensus.Put(2)}))
	assert.Equal(t, process.ErrDriverFailed, err)
}

func TestCluster_Errors(t *testing.T) {
	c := newCluster(t, consensus.NewConfig())

	_, err := c.Submit(9, consensus.MustCommand(consensus.CommandID{Client: 1, Seq: 1},
		consensus.KeyOp{Key: "x", Op: consensus.Get()}))
	assert.Equal(t, errors.ENotFound, errors.ErrorCode(err))

	stop := start(t, c)
	assert.Eventually(t, func() bool { return c.started.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, ErrRunning, c.Run(context.Background()))
	require.NoError(t, stop())

	_, err = New(consensus.Config{Protocol: consensus.EPaxos, N: 2, F: 1})
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func TestConfig(t *testing.T) {
	require.NoError(t, NewConfig().Validate())

	cfg := NewConfig()
	cfg.Clients = 0
	cfg.Rate = -1
	cfg.Consensus.N = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)

	path := filepath.Join(t.TempDir(), "cluster.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
clients = 8
rate = 250.0

[consensus]
protocol = "atlas"
n = 5
f = 2
commit-timeout = "20ms"

[workload]
conflict-rate = 10
pool-size = 4
`), 0o600))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Clients)
	assert.Equal(t, 250.0, loaded.Rate)
	assert.Equal(t, consensus.Atlas, loaded.Consensus.Protocol)
	assert.Equal(t, consensus.Duration(20*time.Millisecond), loaded.Consensus.CommitTimeout)
	assert.Equal(t, consensus.Duration(consensus.DefaultRecoveryTimeout), loaded.Consensus.RecoveryTimeout)
	assert.Equal(t, 10, loaded.Workload.ConflictRate)
	assert.Equal(t, 100, loaded.Workload.Commands)
}
