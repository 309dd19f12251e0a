package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/cluster"
	"github.com/influxdata/consensus/kit/cli"
	"github.com/influxdata/consensus/kit/prom"
	influxlogger "github.com/influxdata/consensus/logger"
	"github.com/influxdata/consensus/sim"
	"github.com/influxdata/consensus/store"
	"github.com/influxdata/consensus/workload"
	"github.com/pkg/errors"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	modeSim     = "sim"
	modeCluster = "cluster"
)

type options struct {
	configPath string
	mode       string

	protocol        string
	n, f            int
	commitTimeout   time.Duration
	recoveryTimeout time.Duration
	gcInterval      time.Duration

	clients        int
	commands       int
	conflictRate   int
	poolSize       int
	keysPerCommand int
	readOnly       int
	rate           float64
	seed           int64

	latency  time.Duration
	jitter   time.Duration
	interval time.Duration
	horizon  time.Duration
	timeout  time.Duration

	metrics   bool
	logLevel  zapcore.Level
	logFormat string
}

func newCommand(v *viper.Viper, stdout, stderr io.Writer) (*cobra.Command, error) {
	var (
		o   options
		cmd *cobra.Command
	)
	prog := &cli.Program{
		Name:  "consensus-sim",
		Short: "Run a workload against a simulated or in-process consensus cluster",
		Run: func() error {
			return run(cmd.Flags().Changed, &o, stdout, stderr)
		},
		Opts: []cli.Opt{
			cli.NewOpt(&o.configPath, "config", "", "TOML file with [consensus] and [workload] sections; flags that are set override it"),
			cli.NewOpt(&o.mode, "mode", modeSim, "sim runs under the deterministic simulator, cluster runs one goroutine per replica"),
			cli.NewOpt(&o.protocol, "protocol", consensus.EPaxos.String(), "epaxos, atlas or fpaxos"),
			cli.NewOpt(&o.n, "n", 3, "number of processes"),
			cli.NewOpt(&o.f, "f", 1, "tolerated failures"),
			cli.NewOpt(&o.commitTimeout, "commit-timeout", consensus.DefaultCommitTimeout, "how long a coordinator waits for a quorum"),
			cli.NewOpt(&o.recoveryTimeout, "recovery-timeout", consensus.DefaultRecoveryTimeout, "how long before a stalled foreign instance is recovered"),
			cli.NewOpt(&o.gcInterval, "gc-interval", consensus.DefaultGCInterval, "how often leaderless processes drop instances every process executed"),
			cli.NewOpt(&o.clients, "clients", cluster.DefaultClients, "number of clients"),
			cli.NewOpt(&o.commands, "commands", 100, "commands per client"),
			cli.NewOpt(&o.conflictRate, "conflict-rate", 100, "percentage of keys drawn from the shared pool"),
			cli.NewOpt(&o.poolSize, "pool-size", 1, "number of shared keys"),
			cli.NewOpt(&o.keysPerCommand, "keys-per-command", 1, "keys per command, 1 or 2"),
			cli.NewOpt(&o.readOnly, "read-only-percentage", 0, "percentage of read-only commands"),
			cli.NewOpt(&o.rate, "rate", float64(cluster.DefaultRate), "commands per second per client in cluster mode, 0 for unlimited"),
			cli.NewOpt(&o.seed, "seed", int64(1), "workload and jitter seed"),
			cli.NewOpt(&o.latency, "latency", sim.DefaultLatency, "one-way message delay in sim mode"),
			cli.NewOpt(&o.jitter, "jitter", time.Duration(0), "maximum random delay added to every message in sim mode"),
			cli.NewOpt(&o.interval, "interval", 2*time.Millisecond, "time between two submissions of a client in sim mode"),
			cli.NewOpt(&o.horizon, "horizon", time.Minute, "simulated time to run for in sim mode"),
			cli.NewOpt(&o.timeout, "timeout", time.Minute, "wall clock limit in cluster mode"),
			cli.NewOpt(&o.metrics, "metrics", false, "print the prometheus metrics of every replica after the run"),
			cli.NewOpt(&o.logLevel, "log-level", zapcore.WarnLevel, "supported log levels are debug, info, warn and error"),
			cli.NewOpt(&o.logFormat, "log-format", "auto", "auto, logfmt, console or json"),
		},
	}
	cmd, err := cli.NewCommand(v, prog)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// config builds the run configuration: defaults, then the config file, then
// every flag that was set on the command line.
func (o *options) config(changed func(flag string) bool) (cluster.Config, error) {
	cfg := cluster.NewConfig()
	if o.configPath != "" {
		loaded, err := cluster.LoadConfig(o.configPath)
		if err != nil {
			return cluster.Config{}, err
		}
		cfg = loaded
	}
	fromFile := o.configPath != ""
	set := func(flag string) bool { return !fromFile || changed(flag) }

	if set("protocol") {
		variant, err := consensus.ParseVariant(o.protocol)
		if err != nil {
			return cluster.Config{}, err
		}
		cfg.Consensus.Protocol = variant
	}
	if set("n") {
		cfg.Consensus.N = o.n
	}
	if set("f") {
		cfg.Consensus.F = o.f
	}
	if set("commit-timeout") {
		cfg.Consensus.CommitTimeout = consensus.Duration(o.commitTimeout)
	}
	if set("recovery-timeout") {
		cfg.Consensus.RecoveryTimeout = consensus.Duration(o.recoveryTimeout)
	}
	if set("gc-interval") {
		cfg.Consensus.GCInterval = consensus.Duration(o.gcInterval)
	}
	if set("clients") {
		cfg.Clients = o.clients
	}
	if set("commands") {
		cfg.Workload.Commands = o.commands
	}
	if set("conflict-rate") {
		cfg.Workload.ConflictRate = o.conflictRate
	}
	if set("pool-size") {
		cfg.Workload.PoolSize = o.poolSize
	}
	if set("keys-per-command") {
		cfg.Workload.KeysPerCommand = o.keysPerCommand
	}
	if set("read-only-percentage") {
		cfg.Workload.ReadOnlyPercentage = o.readOnly
	}
	if set("rate") {
		cfg.Rate = o.rate
	}
	if set("seed") {
		cfg.Seed = o.seed
	}
	return cfg, cfg.Validate()
}

func run(changed func(flag string) bool, o *options, stdout, stderr io.Writer) error {
	logconf := influxlogger.Config{Format: o.logFormat, Level: o.logLevel}
	log, err := logconf.New(stderr)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := o.config(changed)
	if err != nil {
		return err
	}

	reg := prom.NewRegistry(log.With(zap.String("svc", "prom")))
	var stores []*store.Store
	switch o.mode {
	case modeSim:
		stores, err = runSim(o, cfg, reg, log, stdout)
	case modeCluster:
		stores, err = runCluster(o, cfg, reg, log, stdout)
	default:
		return fmt.Errorf("unknown mode %q, want %s or %s", o.mode, modeSim, modeCluster)
	}
	if err != nil {
		return err
	}

	if err := checkAgreement(stores, stdout); err != nil {
		return err
	}
	if o.metrics {
		return writeMetrics(reg, stdout)
	}
	return nil
}

func runSim(o *options, cfg cluster.Config, reg *prom.Registry, log *zap.Logger, w io.Writer) ([]*store.Store, error) {
	latency := o.latency
	s, err := sim.New(cfg.Consensus,
		sim.WithLogger(log),
		sim.WithLatency(func(consensus.Message) time.Duration { return latency }),
		sim.WithJitter(cfg.Seed, o.jitter),
	)
	if err != nil {
		return nil, err
	}
	reg.MustRegister(s)

	for c := 1; c <= cfg.Clients; c++ {
		gen, err := workload.New(uint64(c), cfg.Workload, cfg.Seed)
		if err != nil {
			return nil, err
		}
		p := consensus.ProcessID((c-1)%cfg.Consensus.N + 1)
		for i := 0; ; i++ {
			cmd, ok := gen.Next()
			if !ok {
				break
			}
			s.Submit(time.Duration(i)*o.interval, p, cmd)
		}
	}

	start := time.Now()
	if err := s.Run(o.horizon); err != nil {
		return nil, errors.Wrap(err, "simulation stopped")
	}
	elapsed := time.Since(start)

	var done, failed int
	for _, out := range s.Results() {
		switch {
		case out.Err != nil:
			failed++
		case out.Done:
			done++
		}
	}
	st := s.Stats()
	fmt.Fprintf(w, "protocol %s n=%d f=%d, simulated %s in %s\n",
		cfg.Consensus.Protocol, cfg.Consensus.N, cfg.Consensus.F, s.Now(), elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "commands: %s executed, %s failed, %s submitted\n",
		humanize.Comma(int64(done)), humanize.Comma(int64(failed)), humanize.Comma(int64(cfg.Clients*cfg.Workload.Commands)))
	fmt.Fprintf(w, "messages: %s delivered, %s dropped\n",
		humanize.Comma(int64(s.Delivered())), humanize.Comma(int64(s.Dropped())))
	writeStats(w, st)

	stores := make([]*store.Store, 0, cfg.Consensus.N)
	for _, r := range s.Replicas() {
		stores = append(stores, r.Store)
	}
	return stores, nil
}

func runCluster(o *options, cfg cluster.Config, reg *prom.Registry, log *zap.Logger, w io.Writer) ([]*store.Store, error) {
	c, err := cluster.New(cfg.Consensus, cluster.WithLogger(log))
	if err != nil {
		return nil, err
	}
	reg.MustRegister(c)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, o.timeout)
	defer cancelTimeout()

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	report, clientErr := cluster.RunClients(ctx, c, cfg)
	if clientErr == nil {
		clientErr = waitExecuted(ctx, c, report.Commands)
	}
	stop()
	if err := <-done; err != nil {
		return nil, err
	}
	if clientErr != nil {
		return nil, clientErr
	}

	fmt.Fprintf(w, "protocol %s n=%d f=%d, %d clients\n",
		cfg.Consensus.Protocol, cfg.Consensus.N, cfg.Consensus.F, cfg.Clients)
	fmt.Fprintf(w, "commands: %s executed in %s, %s/s\n",
		humanize.Comma(int64(report.Commands)), report.Elapsed.Round(time.Millisecond),
		humanize.FormatFloat("#,###.#", report.Throughput()))
	fmt.Fprintf(w, "latency: p50 %s, p99 %s\n", report.Percentile(50), report.Percentile(99))
	writeStats(w, c.Stats())

	stores := make([]*store.Store, 0, cfg.Consensus.N)
	for _, n := range c.Nodes() {
		stores = append(stores, n.Store())
	}
	return stores, nil
}

// waitExecuted waits until every replica applied want commands.
func waitExecuted(ctx context.Context, c *cluster.Cluster, want int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		behind := 0
		for _, n := range c.Nodes() {
			if n.Executed() < want {
				behind++
			}
		}
		if behind == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%d replicas still behind", behind)
		}
	}
}

func writeStats(w io.Writer, st consensus.Stats) {
	fmt.Fprintf(w, "paths: %s fast, %s slow, %s preemptions, %s recoveries, %s stale\n",
		humanize.Comma(int64(st.FastPaths)), humanize.Comma(int64(st.SlowPaths)),
		humanize.Comma(int64(st.Preemptions)), humanize.Comma(int64(st.Recoveries)),
		humanize.Comma(int64(st.StaleDrops)))
}

func checkAgreement(stores []*store.Store, w io.Writer) error {
	if len(stores) == 0 {
		return nil
	}
	want := stores[0].Checksum()
	for i, s := range stores[1:] {
		if got := s.Checksum(); got != want {
			return fmt.Errorf("process %d diverged: checksum %016x, process 1 has %016x", i+2, got, want)
		}
	}
	fmt.Fprintf(w, "replicas agree: %d keys, %s applied, checksum %016x\n",
		stores[0].Len(), humanize.Comma(int64(stores[0].AppliedCount())), want)
	return nil
}

func writeMetrics(reg *prom.Registry, w io.Writer) error {
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
