package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/workload"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Report summarizes a client run.
type Report struct {
	Commands  int
	Elapsed   time.Duration
	Latencies []time.Duration
}

// Throughput returns the executed commands per second.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Commands) / r.Elapsed.Seconds()
}

// Percentile returns the p-th percentile latency, p in [0, 100].
func (r Report) Percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	i := int(float64(len(r.Latencies)-1) * p / 100)
	return r.Latencies[i]
}

// RunClients runs cfg.Clients closed-loop clients against c: each waits for
// its previous command to execute before submitting the next one. Client i
// submits to process ((i-1) mod n)+1. When cfg.Rate is set, each client is
// additionally limited to that many commands per second.
func RunClients(ctx context.Context, c *Cluster, cfg Config) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)
	start := c.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= cfg.Clients; i++ {
		client := uint64(i)
		target := consensus.ProcessID((i-1)%len(c.ids) + 1)
		gen, err := workload.New(client, cfg.Workload, cfg.Seed)
		if err != nil {
			return Report{}, err
		}
		var limiter *rate.Limiter
		if cfg.Rate > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
		}

		g.Go(func() error {
			for {
				cmd, ok := gen.Next()
				if !ok {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				}
				begin := c.clock.Now()
				f, err := c.Submit(target, cmd)
				if err != nil {
					return errors.Wrapf(err, "client %d submitting %s", client, cmd.ID)
				}
				if _, err := f.Wait(gctx); err != nil {
					return errors.Wrapf(err, "client %d waiting for %s", client, cmd.ID)
				}
				mu.Lock()
				latencies = append(latencies, c.clock.Since(begin))
				mu.Unlock()
			}
		})
	}
	err := g.Wait()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	r := Report{
		Commands:  len(latencies),
		Elapsed:   c.clock.Since(start),
		Latencies: latencies,
	}
	c.logger.Info("Clients finished",
		zap.Int("clients", cfg.Clients),
		zap.Int("commands", r.Commands),
		zap.Duration("elapsed", r.Elapsed),
		zap.Error(err))
	return r, err
}
