// Package workload generates client commands over a conflict pool. A
// command picks a shared key from the pool with probability ConflictRate
// percent and the client's private key otherwise, so the conflict rate
// controls how often concurrent commands depend on each other.
package workload

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"go.uber.org/multierr"
)

// ConflictPrefix prefixes the keys of the conflict pool.
const ConflictPrefix = "CONFLICT"

// Config describes the commands of one client.
type Config struct {
	ConflictRate       int `toml:"conflict-rate"`
	PoolSize           int `toml:"pool-size"`
	KeysPerCommand     int `toml:"keys-per-command"`
	ReadOnlyPercentage int `toml:"read-only-percentage"`
	Commands           int `toml:"commands"`
}

// NewConfig returns single key writes that always conflict.
func NewConfig() Config {
	return Config{
		ConflictRate:   100,
		PoolSize:       1,
		KeysPerCommand: 1,
		Commands:       100,
	}
}

// Validate returns every problem with the configuration.
func (c Config) Validate() error {
	var err error
	if c.ConflictRate < 0 || c.ConflictRate > 100 {
		err = multierr.Append(err, invalid("conflict rate %d is not a percentage", c.ConflictRate))
	}
	if c.ReadOnlyPercentage < 0 || c.ReadOnlyPercentage > 100 {
		err = multierr.Append(err, invalid("read-only percentage %d is not a percentage", c.ReadOnlyPercentage))
	}
	if c.PoolSize < 1 {
		err = multierr.Append(err, invalid("pool size must be at least 1, got %d", c.PoolSize))
	}
	if c.KeysPerCommand < 1 || c.KeysPerCommand > 2 {
		err = multierr.Append(err, invalid("commands have 1 or 2 keys, got %d", c.KeysPerCommand))
	}
	if c.ConflictRate == 100 && c.KeysPerCommand > 1 && c.PoolSize < c.KeysPerCommand {
		err = multierr.Append(err, invalid("a pool of %d keys cannot fill %d keys per command", c.PoolSize, c.KeysPerCommand))
	}
	if c.ConflictRate == 0 && c.KeysPerCommand > 1 {
		err = multierr.Append(err, invalid("a client has a single private key, commands cannot have %d keys without conflicts", c.KeysPerCommand))
	}
	if c.Commands < 0 {
		err = multierr.Append(err, invalid("negative command count %d", c.Commands))
	}
	return err
}

func invalid(format string, args ...interface{}) error {
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   "workload.Validate",
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Generator issues the commands of one client.
type Generator struct {
	cfg    Config
	client uint64
	rng    *rand.Rand
	issued int
}

// New returns the generator of client, seeded for reproducible runs.
func New(client uint64, cfg Config, seed int64) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == 0 {
		return nil, invalid("client ids start at 1")
	}
	return &Generator{
		cfg:    cfg,
		client: client,
		rng:    rand.New(rand.NewSource(seed ^ int64(client))),
	}, nil
}

// Next returns the next command, or false once the client issued all of
// them.
func (g *Generator) Next() (consensus.Command, bool) {
	if g.Finished() {
		return consensus.Command{}, false
	}
	g.issued++
	id := consensus.CommandID{Client: g.client, Seq: uint64(g.issued)}

	readOnly := g.percent(g.cfg.ReadOnlyPercentage)
	keys := g.keys()
	ops := make([]consensus.KeyOp, 0, len(keys))
	for _, k := range keys {
		op := consensus.Get()
		if !readOnly {
			op = consensus.Put(consensus.Value(g.rng.Int63n(1 << 20)))
		}
		ops = append(ops, consensus.KeyOp{Key: k, Op: op})
	}
	return consensus.MustCommand(id, ops...), true
}

// Issued returns how many commands were generated.
func (g *Generator) Issued() int { return g.issued }

// Finished reports whether every command was generated.
func (g *Generator) Finished() bool { return g.issued >= g.cfg.Commands }

func (g *Generator) keys() []consensus.Key {
	keys := make([]consensus.Key, 0, g.cfg.KeysPerCommand)
	for len(keys) < g.cfg.KeysPerCommand {
		k := g.key()
		dup := false
		for _, other := range keys {
			if other == k {
				dup = true
				break
			}
		}
		if !dup {
			keys = append(keys, k)
		}
	}
	return keys
}

func (g *Generator) key() consensus.Key {
	if g.percent(g.cfg.ConflictRate) {
		return consensus.Key(ConflictPrefix + strconv.Itoa(g.rng.Intn(g.cfg.PoolSize)))
	}
	return consensus.Key(strconv.FormatUint(g.client, 10))
}

// percent returns true with probability p percent.
func (g *Generator) percent(p int) bool {
	return g.rng.Intn(100) < p
}
